package transport

import (
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/LeJamon/causalmesh/internal/metrics"
)

// partialPacket collects the fragments of one logical message.
type partialPacket struct {
	total     int
	chunks    map[int][]byte
	size      int
	firstSeen time.Time
	done      bool
}

// reassemblyBuffer maps packet ids to partial packets. It is bounded by an
// LRU and swept for packets older than the reassembly timeout. It is owned by
// the transport worker and not safe for concurrent use.
type reassemblyBuffer struct {
	packets *lru.Cache[string, *partialPacket]
	timeout time.Duration
	metrics *metrics.Collector

	evictReason string
	evicted     func(id string, reason string)
}

func newReassemblyBuffer(size int, timeout time.Duration, m *metrics.Collector, evicted func(id, reason string)) (*reassemblyBuffer, error) {
	b := &reassemblyBuffer{
		timeout:     timeout,
		metrics:     m,
		evictReason: metrics.EvictCapacity,
		evicted:     evicted,
	}
	cache, err := lru.NewWithEvict[string, *partialPacket](size, b.onEvict)
	if err != nil {
		return nil, err
	}
	b.packets = cache
	return b, nil
}

func (b *reassemblyBuffer) onEvict(id string, p *partialPacket) {
	if p.done {
		return
	}
	b.metrics.PacketEvicted(b.evictReason)
	if b.evicted != nil {
		b.evicted(id, b.evictReason)
	}
}

// add records a fragment and returns the reassembled data once every
// fragment of its packet has arrived.
func (b *reassemblyBuffer) add(f Fragment, now time.Time) ([]byte, bool, error) {
	p, ok := b.packets.Get(f.PacketID)
	if !ok {
		p = &partialPacket{
			total:     f.Total,
			chunks:    make(map[int][]byte, f.Total),
			firstSeen: now,
		}
		b.packets.Add(f.PacketID, p)
	} else if p.total != f.Total {
		return nil, false, newFragmentError(f.PacketID, "reassemble", ErrInconsistentTotal)
	}

	if _, dup := p.chunks[f.Seq]; !dup {
		chunk := make([]byte, len(f.Chunk))
		copy(chunk, f.Chunk)
		p.chunks[f.Seq] = chunk
		p.size += len(chunk)
	}
	b.metrics.SetReassemblyPending(b.packets.Len())

	if len(p.chunks) < p.total {
		return nil, false, nil
	}

	data := make([]byte, 0, p.size)
	for seq := 0; seq < p.total; seq++ {
		data = append(data, p.chunks[seq]...)
	}
	p.done = true
	b.packets.Remove(f.PacketID)
	b.metrics.SetReassemblyPending(b.packets.Len())
	return data, true, nil
}

// sweep evicts packets first seen more than the timeout ago.
func (b *reassemblyBuffer) sweep(now time.Time) int {
	var expired []string
	for _, id := range b.packets.Keys() {
		if p, ok := b.packets.Peek(id); ok && now.Sub(p.firstSeen) >= b.timeout {
			expired = append(expired, id)
		}
	}
	b.removeAll(expired, metrics.EvictTimeout)
	return len(expired)
}

// clear evicts every pending packet.
func (b *reassemblyBuffer) clear() {
	b.removeAll(b.packets.Keys(), metrics.EvictShutdown)
}

func (b *reassemblyBuffer) removeAll(ids []string, reason string) {
	if len(ids) == 0 {
		return
	}
	b.evictReason = reason
	for _, id := range ids {
		b.packets.Remove(id)
	}
	b.evictReason = metrics.EvictCapacity
	b.metrics.SetReassemblyPending(b.packets.Len())
}

func (b *reassemblyBuffer) len() int {
	return b.packets.Len()
}
