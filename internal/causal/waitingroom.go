package causal

import (
	"sort"
	"time"

	"github.com/LeJamon/causalmesh/internal/vectorclock"
)

type pending struct {
	env     Envelope
	arrived time.Time
}

// waitingRoom buffers received envelopes until they are causally ready.
// It is owned by the engine worker.
type waitingRoom struct {
	entries map[string]*pending
}

func newWaitingRoom() *waitingRoom {
	return &waitingRoom{entries: make(map[string]*pending)}
}

// put stores env keyed by its clock. It returns false if an envelope with the
// same clock is already waiting.
func (w *waitingRoom) put(env Envelope, now time.Time) bool {
	key := env.Clock.String()
	if _, ok := w.entries[key]; ok {
		return false
	}
	w.entries[key] = &pending{env: env, arrived: now}
	return true
}

func (w *waitingRoom) remove(env Envelope) {
	delete(w.entries, env.Clock.String())
}

func (w *waitingRoom) len() int {
	return len(w.entries)
}

// sorted returns the waiting envelopes lowest clock first.
func (w *waitingRoom) sorted() []*pending {
	out := make([]*pending, 0, len(w.entries))
	for _, p := range w.entries {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool {
		return vectorclock.Compare(out[i].env.Clock, out[j].env.Clock) < 0
	})
	return out
}

// next returns the first waiting envelope that local can deliver, scanning
// in clock order. The scan continues past a blocked lowest envelope instead
// of stopping there, so a gap from one origin does not hold back envelopes
// that do not depend on it.
func (w *waitingRoom) next(local vectorclock.Clock) (*pending, bool) {
	for _, p := range w.sorted() {
		if ready(local, p.env.Clock) {
			return p, true
		}
	}
	return nil, false
}

// ready reports whether an envelope stamped c may be delivered at local.
func ready(local, c vectorclock.Clock) bool {
	return local.IsImmediatelyFollowedBy(c) ||
		local.IsImmediatelyConcurrentWith(c) ||
		local.CanDeliver(c)
}

// missing returns the participants whose messages the envelope stamped c
// depends on but local has not delivered.
func missing(local vectorclock.Clock, c vectorclock.Clock, origin string) []string {
	var ids []string
	for _, id := range local.SmallerComponents(c, 1) {
		if id == origin && c.Get(id)-local.Get(id) < 2 {
			continue
		}
		ids = append(ids, id)
	}
	return ids
}
