package wire

import (
	"bufio"
	"strconv"

	"github.com/pkg/errors"
)

// netstringEncode wraps data as a netstring: ASCII-decimal length, colon,
// payload, trailing comma.
func netstringEncode(data []byte) []byte {
	prefix := strconv.Itoa(len(data))
	out := make([]byte, 0, len(prefix)+1+len(data)+1)
	out = append(out, prefix...)
	out = append(out, ':')
	out = append(out, data...)
	out = append(out, ',')
	return out
}

// maxFrameSize bounds the declared netstring length, so a malicious or
// corrupt peer cannot force an unbounded read.
const maxFrameSize = 16 * 1024 * 1024

// ReadNetstring reads one netstring-framed payload from r: an ASCII-decimal
// length, a colon, exactly that many payload bytes, and a trailing comma.
func ReadNetstring(r *bufio.Reader) ([]byte, error) {
	lengthStr, err := r.ReadString(':')
	if err != nil {
		return nil, errors.Wrap(err, "reading netstring length")
	}
	lengthStr = lengthStr[:len(lengthStr)-1]
	length, err := strconv.Atoi(lengthStr)
	if err != nil || length < 0 {
		return nil, errors.New("malformed netstring length")
	}
	if length > maxFrameSize {
		return nil, errors.New("netstring length exceeds maximum frame size")
	}

	payload := make([]byte, length)
	if _, err := readFull(r, payload); err != nil {
		return nil, errors.Wrap(err, "reading netstring payload")
	}

	trailer, err := r.ReadByte()
	if err != nil {
		return nil, errors.Wrap(err, "reading netstring trailer")
	}
	if trailer != ',' {
		return nil, errors.New("malformed netstring trailer")
	}
	return payload, nil
}

func readFull(r *bufio.Reader, buf []byte) (int, error) {
	n := 0
	for n < len(buf) {
		m, err := r.Read(buf[n:])
		n += m
		if err != nil {
			return n, err
		}
	}
	return n, nil
}
