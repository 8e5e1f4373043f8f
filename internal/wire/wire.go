// Package wire holds the msgpack codec shared by every on-the-wire and
// on-disk structure.
package wire

import (
	"errors"
	"fmt"

	"github.com/ugorji/go/codec"
)

var (
	ErrEncodeFailed = errors.New("failed to encode message")
	ErrDecodeFailed = errors.New("failed to decode message")
)

var handle = newHandle()

func newHandle() *codec.MsgpackHandle {
	h := &codec.MsgpackHandle{}
	h.WriteExt = true
	h.RawToString = true
	h.Canonical = true
	return h
}

// Marshal encodes v as msgpack.
func Marshal(v interface{}) ([]byte, error) {
	var b []byte
	if err := codec.NewEncoderBytes(&b, handle).Encode(v); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrEncodeFailed, err)
	}
	return b, nil
}

// Unmarshal decodes msgpack data into v.
func Unmarshal(data []byte, v interface{}) error {
	if len(data) == 0 {
		return fmt.Errorf("%w: empty input", ErrDecodeFailed)
	}
	if err := codec.NewDecoderBytes(data, handle).Decode(v); err != nil {
		return fmt.Errorf("%w: %v", ErrDecodeFailed, err)
	}
	return nil
}
