package wire

import (
	"bufio"
	"bytes"
	"strings"
	"testing"
)

func TestNetstringEncodeDecodeRoundTrip(t *testing.T) {
	payload := []byte(`{"hello":"world"}`)
	framed := netstringEncode(payload)

	r := bufio.NewReader(bytes.NewReader(framed))
	got, err := ReadNetstring(r)
	if err != nil {
		t.Fatalf("ReadNetstring: %v", err)
	}
	if !bytes.Equal(got, payload) {
		t.Fatalf("got %s, want %s", got, payload)
	}
}

func TestNetstringEncodeFormat(t *testing.T) {
	framed := netstringEncode([]byte("abc"))
	if string(framed) != "3:abc," {
		t.Fatalf("unexpected netstring encoding: %s", framed)
	}
}

func TestReadNetstringRejectsBadTrailer(t *testing.T) {
	r := bufio.NewReader(strings.NewReader("3:abc;"))
	if _, err := ReadNetstring(r); err == nil {
		t.Fatalf("expected an error for a malformed trailer")
	}
}

func TestReadNetstringRejectsOversizedFrame(t *testing.T) {
	r := bufio.NewReader(strings.NewReader("99999999999:x"))
	if _, err := ReadNetstring(r); err == nil {
		t.Fatalf("expected an error for a frame exceeding the maximum size")
	}
}

func TestReadNetstringHandlesMultipleFramesInSequence(t *testing.T) {
	var buf bytes.Buffer
	buf.Write(netstringEncode([]byte("first")))
	buf.Write(netstringEncode([]byte("second")))

	r := bufio.NewReader(&buf)
	first, err := ReadNetstring(r)
	if err != nil {
		t.Fatalf("ReadNetstring (first): %v", err)
	}
	second, err := ReadNetstring(r)
	if err != nil {
		t.Fatalf("ReadNetstring (second): %v", err)
	}
	if string(first) != "first" || string(second) != "second" {
		t.Fatalf("got %q, %q", first, second)
	}
}
