package transport

import (
	"encoding/binary"
	"fmt"
	"strconv"

	"github.com/google/uuid"
	"github.com/pierrec/lz4"
)

// Fragment header layout: 36-char packet id, 5-digit sequence number,
// 5-digit total fragment count, all ASCII.
const (
	PacketIDSize = 36
	countWidth   = 5
	HeaderSize   = PacketIDSize + 2*countWidth

	maxHeaderCount = 99999
)

// Payload frame flags. The frame is what gets fragmented.
const (
	frameRaw byte = 0x00
	frameLZ4 byte = 0x01

	lz4LengthSize = 4

	// MinCompressibleSize is the minimum payload size worth compressing.
	MinCompressibleSize = 70
)

// Fragment is one datagram-sized slice of a logical message.
type Fragment struct {
	PacketID string
	Seq      int
	Total    int
	Chunk    []byte
}

// Marshal encodes the fragment as a datagram.
func (f Fragment) Marshal() []byte {
	b := make([]byte, 0, HeaderSize+len(f.Chunk))
	b = append(b, f.PacketID...)
	b = append(b, fmt.Sprintf("%05d%05d", f.Seq, f.Total)...)
	return append(b, f.Chunk...)
}

// ParseFragment decodes a datagram into a fragment. The chunk aliases b.
func ParseFragment(b []byte) (Fragment, error) {
	if len(b) < HeaderSize {
		return Fragment{}, ErrShortDatagram
	}
	id := string(b[:PacketIDSize])
	seq, err := parseCount(b[PacketIDSize : PacketIDSize+countWidth])
	if err != nil {
		return Fragment{}, newFragmentError(id, "parse sequence", err)
	}
	total, err := parseCount(b[PacketIDSize+countWidth : HeaderSize])
	if err != nil {
		return Fragment{}, newFragmentError(id, "parse total", err)
	}
	if total == 0 || seq >= total {
		return Fragment{}, newFragmentError(id, "parse header", ErrMalformedHeader)
	}
	return Fragment{PacketID: id, Seq: seq, Total: total, Chunk: b[HeaderSize:]}, nil
}

func parseCount(b []byte) (int, error) {
	for _, c := range b {
		if c < '0' || c > '9' {
			return 0, ErrMalformedHeader
		}
	}
	n, err := strconv.Atoi(string(b))
	if err != nil {
		return 0, ErrMalformedHeader
	}
	return n, nil
}

// fragmentCount returns ceil(size / capacity).
func fragmentCount(size, capacity int) int {
	return (size + capacity - 1) / capacity
}

// Split slices data into datagrams under a fresh packet id.
func Split(data []byte, capacity, maxFragments int) (string, [][]byte, error) {
	if len(data) == 0 {
		return "", nil, ErrEmptyPayload
	}
	total := fragmentCount(len(data), capacity)
	if total > maxFragments {
		return "", nil, fmt.Errorf("%w: %d fragments needed, limit is %d", ErrTooManyFragments, total, maxFragments)
	}

	id := uuid.NewString()
	datagrams := make([][]byte, 0, total)
	for seq := 0; seq < total; seq++ {
		end := (seq + 1) * capacity
		if end > len(data) {
			end = len(data)
		}
		f := Fragment{PacketID: id, Seq: seq, Total: total, Chunk: data[seq*capacity : end]}
		datagrams = append(datagrams, f.Marshal())
	}
	return id, datagrams, nil
}

// encodeFrame prefixes payload with a frame flag, compressing it with lz4
// when enabled and worthwhile.
func encodeFrame(payload []byte, compress bool) ([]byte, error) {
	if compress && len(payload) >= MinCompressibleSize {
		compressed := make([]byte, lz4.CompressBlockBound(len(payload)))
		n, err := lz4.CompressBlock(payload, compressed, nil)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrCompressionFailed, err)
		}
		if n > 0 && n+lz4LengthSize < len(payload) {
			frame := make([]byte, 1+lz4LengthSize+n)
			frame[0] = frameLZ4
			binary.BigEndian.PutUint32(frame[1:], uint32(len(payload)))
			copy(frame[1+lz4LengthSize:], compressed[:n])
			return frame, nil
		}
	}
	frame := make([]byte, 1+len(payload))
	frame[0] = frameRaw
	copy(frame[1:], payload)
	return frame, nil
}

// decodeFrame reverses encodeFrame.
func decodeFrame(frame []byte, maxSize int) ([]byte, error) {
	if len(frame) == 0 {
		return nil, ErrMalformedFrame
	}
	switch frame[0] {
	case frameRaw:
		return frame[1:], nil
	case frameLZ4:
		if len(frame) < 1+lz4LengthSize {
			return nil, ErrMalformedFrame
		}
		size := int(binary.BigEndian.Uint32(frame[1:]))
		if size <= 0 || size > maxSize {
			return nil, ErrMalformedFrame
		}
		out := make([]byte, size)
		n, err := lz4.UncompressBlock(frame[1+lz4LengthSize:], out)
		if err != nil || n != size {
			return nil, ErrMalformedFrame
		}
		return out, nil
	default:
		return nil, ErrMalformedFrame
	}
}
