// Package wire implements FumbleChain's message codec: a netstring-framed
// JSON envelope carrying one of a fixed set of strongly-typed message
// variants, grounded on the teacher's wire/message.go "one struct per
// command, decoded via a type switch on command string" pattern.
package wire

import (
	"encoding/json"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/kudelskisecurity/fumblechain/internal/chain"
)

// Command names, exactly as spec.md §4.7 names them.
const (
	CmdVersion   = "version"
	CmdVerack    = "verack"
	CmdPing      = "ping"
	CmdPong      = "pong"
	CmdGetAddr   = "getaddr"
	CmdAddr      = "addr"
	CmdGetBlocks = "getblocks"
	CmdInv       = "inv"
	CmdBlock     = "block"
	CmdTx        = "tx"
	CmdReject    = "reject"
)

// ErrBadMagic is returned by Decode when the envelope's magic does not
// match the expected network magic.
var ErrBadMagic = errors.New("bad magic")

// ErrBadSize is returned by Decode when the envelope's declared size does
// not match the encoded byte length of its body.
var ErrBadSize = errors.New("bad message size")

// ErrUnknownCommand is returned when an envelope names a command this
// codec does not recognize.
var ErrUnknownCommand = errors.New("unknown command")

// Message is implemented by every message body variant.
type Message interface {
	// Command returns this message's COMMAND value.
	Command() string
}

// Head is the envelope header: network magic, command name, declared body
// size, and a unique message id.
type Head struct {
	Magic   uint32 `json:"magic"`
	Command string `json:"command"`
	Size    int    `json:"size"`
	ID      string `json:"id"`
}

// Envelope is the full wire message: header plus body.
type Envelope struct {
	Head Head            `json:"head"`
	Body json.RawMessage `json:"body"`
}

// AddrEntry is one entry of an addr message's address list: host, port,
// peer id.
type AddrEntry struct {
	Host string `json:"host"`
	Port int    `json:"port"`
	ID   string `json:"id"`
}

// MarshalJSON encodes an AddrEntry as the spec's [host, port, id] triple.
func (a AddrEntry) MarshalJSON() ([]byte, error) {
	return json.Marshal([3]interface{}{a.Host, a.Port, a.ID})
}

// UnmarshalJSON decodes an AddrEntry from a [host, port, id] triple.
func (a *AddrEntry) UnmarshalJSON(data []byte) error {
	var triple [3]json.RawMessage
	if err := json.Unmarshal(data, &triple); err != nil {
		return err
	}
	if err := json.Unmarshal(triple[0], &a.Host); err != nil {
		return err
	}
	if err := json.Unmarshal(triple[1], &a.Port); err != nil {
		return err
	}
	return json.Unmarshal(triple[2], &a.ID)
}

// InvEntry is one entry of an inv message's object list: type ("block" or
// "tx") plus the JSON-encoded object itself.
type InvEntry struct {
	Type   string          `json:"type"`
	Object json.RawMessage `json:"object"`
}

// MarshalJSON encodes an InvEntry as the spec's [type, obj] pair.
func (e InvEntry) MarshalJSON() ([]byte, error) {
	return json.Marshal([2]interface{}{e.Type, e.Object})
}

// UnmarshalJSON decodes an InvEntry from a [type, obj] pair.
func (e *InvEntry) UnmarshalJSON(data []byte) error {
	var pair [2]json.RawMessage
	if err := json.Unmarshal(data, &pair); err != nil {
		return err
	}
	if err := json.Unmarshal(pair[0], &e.Type); err != nil {
		return err
	}
	e.Object = pair[1]
	return nil
}

// Inventory object type tags.
const (
	InvTypeBlock = "block"
	InvTypeTx    = "tx"
)

// Version announces the sender's listening port during the handshake.
type Version struct {
	Port int `json:"port"`
}

// Command implements Message.
func (Version) Command() string { return CmdVersion }

// Verack acknowledges a Version handshake. Carries no fields.
type Verack struct{}

// Command implements Message.
func (Verack) Command() string { return CmdVerack }

// Ping requests a Pong from the peer.
type Ping struct{}

// Command implements Message.
func (Ping) Command() string { return CmdPing }

// Pong answers a Ping.
type Pong struct{}

// Command implements Message.
func (Pong) Command() string { return CmdPong }

// GetAddr requests a peer list from the peer.
type GetAddr struct{}

// Command implements Message.
func (GetAddr) Command() string { return CmdGetAddr }

// Addr answers a GetAddr with a list of known peer addresses.
type Addr struct {
	Count     int         `json:"count"`
	Addresses []AddrEntry `json:"addresses"`
}

// Command implements Message.
func (Addr) Command() string { return CmdAddr }

// NewAddr builds an Addr message, setting Count from len(addresses).
func NewAddr(addresses []AddrEntry) Addr {
	if addresses == nil {
		addresses = []AddrEntry{}
	}
	return Addr{Count: len(addresses), Addresses: addresses}
}

// GetBlocks requests every block after topBlockHash.
type GetBlocks struct {
	TopBlockHash string `json:"topblockhash"`
}

// Command implements Message.
func (GetBlocks) Command() string { return CmdGetBlocks }

// Inv carries a list of block/tx inventory objects.
type Inv struct {
	Count   int        `json:"count"`
	Objects []InvEntry `json:"objects"`
}

// Command implements Message.
func (Inv) Command() string { return CmdInv }

// NewInv builds an Inv message, setting Count from len(objects).
func NewInv(objects []InvEntry) Inv {
	if objects == nil {
		objects = []InvEntry{}
	}
	return Inv{Count: len(objects), Objects: objects}
}

// Block carries a single chain block.
type Block struct {
	Block json.RawMessage `json:"block"`
}

// Command implements Message.
func (Block) Command() string { return CmdBlock }

// Tx carries a single transaction.
type Tx struct {
	Tx json.RawMessage `json:"tx"`
}

// Command implements Message.
func (Tx) Command() string { return CmdTx }

// Reject announces that a block, identified by hash, was not accepted.
type Reject struct {
	BlockHash string `json:"block_hash"`
}

// Command implements Message.
func (Reject) Command() string { return CmdReject }

// Encode builds the full netstring-framed bytes for a message: header
// (magic, command, size, a fresh uuid) plus body.
func Encode(magic uint32, msg Message) ([]byte, error) {
	body, err := json.Marshal(msg)
	if err != nil {
		return nil, errors.Wrap(err, "encoding message body")
	}
	env := Envelope{
		Head: Head{
			Magic:   magic,
			Command: msg.Command(),
			Size:    len(body),
			ID:      uuid.NewString(),
		},
		Body: body,
	}
	data, err := json.Marshal(env)
	if err != nil {
		return nil, errors.Wrap(err, "encoding envelope")
	}
	return netstringEncode(data), nil
}

// EncodeBlock wraps a chain block's canonical JSON into a Block message and
// encodes it as a netstring frame.
func EncodeBlock(magic uint32, b *chain.Block) ([]byte, error) {
	data, err := b.ToJSON()
	if err != nil {
		return nil, errors.Wrap(err, "encoding block")
	}
	return Encode(magic, Block{Block: data})
}

// EncodeTx wraps a transaction's canonical JSON into a Tx message and
// encodes it as a netstring frame.
func EncodeTx(magic uint32, tx *chain.Transaction) ([]byte, error) {
	data, err := tx.ToJSON()
	if err != nil {
		return nil, errors.Wrap(err, "encoding transaction")
	}
	return Encode(magic, Tx{Tx: data})
}

// Decode parses a single envelope's JSON bytes (already de-framed by the
// netstring reader), validates magic and declared size, and returns the
// command name plus the typed message body.
func Decode(expectedMagic uint32, data []byte) (string, Message, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return "", nil, errors.Wrap(err, "decoding envelope")
	}
	if env.Head.Magic != expectedMagic {
		return "", nil, ErrBadMagic
	}
	if env.Head.Size != len(env.Body) {
		return "", nil, ErrBadSize
	}

	var msg Message
	switch env.Head.Command {
	case CmdVersion:
		var m Version
		if err := json.Unmarshal(env.Body, &m); err != nil {
			return "", nil, errors.Wrap(err, "decoding version")
		}
		msg = m
	case CmdVerack:
		msg = Verack{}
	case CmdPing:
		msg = Ping{}
	case CmdPong:
		msg = Pong{}
	case CmdGetAddr:
		msg = GetAddr{}
	case CmdAddr:
		var m Addr
		if err := json.Unmarshal(env.Body, &m); err != nil {
			return "", nil, errors.Wrap(err, "decoding addr")
		}
		msg = m
	case CmdGetBlocks:
		var m GetBlocks
		if err := json.Unmarshal(env.Body, &m); err != nil {
			return "", nil, errors.Wrap(err, "decoding getblocks")
		}
		msg = m
	case CmdInv:
		var m Inv
		if err := json.Unmarshal(env.Body, &m); err != nil {
			return "", nil, errors.Wrap(err, "decoding inv")
		}
		msg = m
	case CmdBlock:
		var m Block
		if err := json.Unmarshal(env.Body, &m); err != nil {
			return "", nil, errors.Wrap(err, "decoding block")
		}
		msg = m
	case CmdTx:
		var m Tx
		if err := json.Unmarshal(env.Body, &m); err != nil {
			return "", nil, errors.Wrap(err, "decoding tx")
		}
		msg = m
	case CmdReject:
		var m Reject
		if err := json.Unmarshal(env.Body, &m); err != nil {
			return "", nil, errors.Wrap(err, "decoding reject")
		}
		msg = m
	default:
		return "", nil, ErrUnknownCommand
	}
	return env.Head.Command, msg, nil
}
