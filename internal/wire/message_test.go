package wire

import (
	"encoding/json"
	"testing"
)

// frameBody strips a netstring frame's length:payload, wrapper, recovering
// the raw envelope JSON that Decode expects.
func frameBody(frame []byte) []byte {
	i := 0
	for frame[i] != ':' {
		i++
	}
	return frame[i+1 : len(frame)-1]
}

func TestEncodeDecodeVersionRoundTrip(t *testing.T) {
	frame, err := Encode(0xdeadbeef, Version{Port: 8333})
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	cmd, msg, err := Decode(0xdeadbeef, frameBody(frame))
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if cmd != CmdVersion {
		t.Fatalf("expected command %q, got %q", CmdVersion, cmd)
	}
	v, ok := msg.(Version)
	if !ok {
		t.Fatalf("expected a Version message, got %T", msg)
	}
	if v.Port != 8333 {
		t.Fatalf("expected port 8333, got %d", v.Port)
	}
}

func TestDecodeRejectsBadMagic(t *testing.T) {
	frame, err := Encode(1, Verack{})
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	_, _, err = Decode(2, frameBody(frame))
	if err != ErrBadMagic {
		t.Fatalf("expected ErrBadMagic, got %v", err)
	}
}

func TestDecodeUnknownCommand(t *testing.T) {
	env := Envelope{Head: Head{Magic: 1, Command: "bogus", Size: 2, ID: "x"}, Body: json.RawMessage(`{}`)}
	data, err := json.Marshal(env)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	_, _, err = Decode(1, data)
	if err != ErrUnknownCommand {
		t.Fatalf("expected ErrUnknownCommand, got %v", err)
	}
}

func TestAddrEntryJSONIsTriple(t *testing.T) {
	entry := AddrEntry{Host: "1.2.3.4", Port: 9000, ID: "peer-1"}
	data, err := json.Marshal(entry)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	if string(data) != `["1.2.3.4",9000,"peer-1"]` {
		t.Fatalf("unexpected AddrEntry encoding: %s", data)
	}
	var decoded AddrEntry
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if decoded != entry {
		t.Fatalf("round-tripped AddrEntry mismatch: %+v != %+v", decoded, entry)
	}
}

func TestInvEntryJSONIsPair(t *testing.T) {
	entry := InvEntry{Type: InvTypeBlock, Object: json.RawMessage(`{"index":1}`)}
	data, err := json.Marshal(entry)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	var decoded InvEntry
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if decoded.Type != entry.Type || string(decoded.Object) != string(entry.Object) {
		t.Fatalf("round-tripped InvEntry mismatch")
	}
}

func TestNewAddrAndNewInvSetCount(t *testing.T) {
	addr := NewAddr([]AddrEntry{{Host: "h", Port: 1, ID: "a"}, {Host: "h2", Port: 2, ID: "b"}})
	if addr.Count != 2 {
		t.Fatalf("expected count 2, got %d", addr.Count)
	}
	emptyAddr := NewAddr(nil)
	if emptyAddr.Count != 0 || emptyAddr.Addresses == nil {
		t.Fatalf("expected NewAddr(nil) to yield an empty non-nil slice with count 0")
	}

	inv := NewInv([]InvEntry{{Type: InvTypeTx, Object: json.RawMessage(`{}`)}})
	if inv.Count != 1 {
		t.Fatalf("expected count 1, got %d", inv.Count)
	}
}

func TestDecodeRejectsSizeMismatch(t *testing.T) {
	env := Envelope{Head: Head{Magic: 1, Command: CmdPing, Size: 100, ID: "x"}, Body: json.RawMessage(`{}`)}
	data, err := json.Marshal(env)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	_, _, err = Decode(1, data)
	if err != ErrBadSize {
		t.Fatalf("expected ErrBadSize, got %v", err)
	}
}
