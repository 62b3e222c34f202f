package logger

import "testing"

func TestLevelFromStringKnownNames(t *testing.T) {
	cases := map[string]Level{
		"trace":    LevelTrace,
		"debug":    LevelDebug,
		"info":     LevelInfo,
		"warn":     LevelWarn,
		"warning":  LevelWarn,
		"error":    LevelError,
		"critical": LevelCritical,
		"off":      LevelOff,
	}
	for name, want := range cases {
		got, ok := LevelFromString(name)
		if !ok {
			t.Fatalf("expected %q to be recognized", name)
		}
		if got != want {
			t.Fatalf("%q: expected %v, got %v", name, want, got)
		}
	}
}

func TestLevelFromStringDefaultsToInfoForUnknown(t *testing.T) {
	got, ok := LevelFromString("nonsense")
	if ok {
		t.Fatalf("expected unknown level name to report ok=false")
	}
	if got != LevelInfo {
		t.Fatalf("expected default level Info, got %v", got)
	}
}

func TestGetReturnsSameLoggerForSameTag(t *testing.T) {
	l1, err := Get("TESTTAG")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	l2, err := Get("TESTTAG")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if l1 != l2 {
		t.Fatalf("expected Get to return the same Logger instance for a repeated tag")
	}
}

func TestSetLogLevelChangesLevel(t *testing.T) {
	l, err := Get("LEVELTAG")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	SetLogLevel("LEVELTAG", "error")
	if l.level != LevelError {
		t.Fatalf("expected level Error, got %v", l.level)
	}
}
