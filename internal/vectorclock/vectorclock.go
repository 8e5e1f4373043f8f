// Package vectorclock implements vector clocks keyed by participant id.
//
// A component that is missing from a clock is equivalent to zero. Every
// comparison extends both operands with implicit zeros for keys present in
// only one of them, so clocks with different key sets can always be compared.
// Comparisons never mutate their operands.
package vectorclock

import (
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// ErrMalformedClock is returned when a serialized clock cannot be parsed.
var ErrMalformedClock = errors.New("malformed vector clock")

// Clock maps participant ids to event counters.
//
// The zero value (nil) is a valid empty clock for reads and comparisons.
// Mutating methods require a clock created with New, Parse or Copy.
type Clock map[string]uint64

// New returns an empty clock.
func New() Clock {
	return make(Clock)
}

// Parse decodes the compact form produced by String ("id:value;id:value").
// The empty string decodes to an empty clock.
func Parse(s string) (Clock, error) {
	c := New()
	if s == "" {
		return c, nil
	}
	for _, item := range strings.Split(s, ";") {
		idx := strings.LastIndexByte(item, ':')
		if idx <= 0 || idx == len(item)-1 {
			return nil, fmt.Errorf("%w: item %q", ErrMalformedClock, item)
		}
		v, err := strconv.ParseUint(item[idx+1:], 10, 64)
		if err != nil {
			return nil, fmt.Errorf("%w: item %q: %v", ErrMalformedClock, item, err)
		}
		c[item[:idx]] = v
	}
	return c, nil
}

// MustParse is like Parse but panics on error. Intended for tests and constants.
func MustParse(s string) Clock {
	c, err := Parse(s)
	if err != nil {
		panic(err)
	}
	return c
}

// Add ensures id is present in the clock, with value 0 if it was missing.
func (c Clock) Add(id string) {
	if _, ok := c[id]; !ok {
		c[id] = 0
	}
}

// Increment adds id if needed and then advances its component by one.
func (c Clock) Increment(id string) {
	c.Add(id)
	c[id]++
}

// Merge sets every component to the pointwise maximum of c and other, in place.
func (c Clock) Merge(other Clock) {
	for id, v := range other {
		if cur, ok := c[id]; !ok || v > cur {
			c[id] = v
		}
	}
}

// Get returns the component for id, 0 if absent.
func (c Clock) Get(id string) uint64 {
	return c[id]
}

// Len returns the number of explicit components.
func (c Clock) Len() int {
	return len(c)
}

// Sum returns the total number of events recorded by the clock.
func (c Clock) Sum() uint64 {
	var s uint64
	for _, v := range c {
		s += v
	}
	return s
}

// Copy returns an independent copy of the clock.
func (c Clock) Copy() Clock {
	out := make(Clock, len(c))
	for id, v := range c {
		out[id] = v
	}
	return out
}

// Dict returns a snapshot of the components as a plain map.
func (c Clock) Dict() map[string]uint64 {
	return map[string]uint64(c.Copy())
}

// IDs returns the participant ids present in the clock, sorted.
func (c Clock) IDs() []string {
	ids := make([]string, 0, len(c))
	for id := range c {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// String returns the compact serialized form with ids in sorted order.
func (c Clock) String() string {
	var b strings.Builder
	for i, id := range c.IDs() {
		if i > 0 {
			b.WriteByte(';')
		}
		b.WriteString(id)
		b.WriteByte(':')
		b.WriteString(strconv.FormatUint(c[id], 10))
	}
	return b.String()
}

// MarshalText implements encoding.TextMarshaler.
func (c Clock) MarshalText() ([]byte, error) {
	return []byte(c.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (c *Clock) UnmarshalText(text []byte) error {
	parsed, err := Parse(string(text))
	if err != nil {
		return err
	}
	*c = parsed
	return nil
}

// union returns the sorted set of ids present in either clock.
func union(a, b Clock) []string {
	seen := make(map[string]struct{}, len(a)+len(b))
	ids := make([]string, 0, len(a)+len(b))
	for _, m := range []Clock{a, b} {
		for id := range m {
			if _, ok := seen[id]; !ok {
				seen[id] = struct{}{}
				ids = append(ids, id)
			}
		}
	}
	sort.Strings(ids)
	return ids
}

// Equal reports whether all components match.
func (c Clock) Equal(other Clock) bool {
	for _, id := range union(c, other) {
		if c[id] != other[id] {
			return false
		}
	}
	return true
}

// NotEqual is the negation of Equal.
func (c Clock) NotEqual(other Clock) bool {
	return !c.Equal(other)
}

// LessEqual reports whether every component of c is <= the matching component of other.
func (c Clock) LessEqual(other Clock) bool {
	for _, id := range union(c, other) {
		if c[id] > other[id] {
			return false
		}
	}
	return true
}

// Less reports whether c happened before other: c <= other and c != other.
func (c Clock) Less(other Clock) bool {
	return c.LessEqual(other) && c.NotEqual(other)
}

// IsConcurrentWith reports whether neither clock is <= the other.
func (c Clock) IsConcurrentWith(other Clock) bool {
	return !c.LessEqual(other) && !other.LessEqual(c)
}

// IsImmediatelyFollowedBy reports whether other is a single-step successor of
// c: exactly one component is one greater and all others are equal.
func (c Clock) IsImmediatelyFollowedBy(other Clock) bool {
	plusOne := 0
	for _, id := range union(c, other) {
		a, b := c[id], other[id]
		switch {
		case a == b:
		case a+1 == b:
			plusOne++
		default:
			return false
		}
	}
	return plusOne == 1
}

// IsImmediatelyConcurrentWith reports whether exactly one component of other
// is one greater, exactly one is one smaller, and all others are equal.
func (c Clock) IsImmediatelyConcurrentWith(other Clock) bool {
	plusOne, minusOne := 0, 0
	for _, id := range union(c, other) {
		a, b := c[id], other[id]
		switch {
		case a == b:
		case a+1 == b:
			plusOne++
		case b+1 == a:
			minusOne++
		default:
			return false
		}
	}
	return plusOne == 1 && minusOne == 1
}

// CanDeliver reports whether an event stamped other is the next event from a
// single participant given the knowledge in c: exactly one component is one
// greater and every other component is <= its counterpart in c.
func (c Clock) CanDeliver(other Clock) bool {
	plusOne := 0
	for _, id := range union(c, other) {
		a, b := c[id], other[id]
		switch {
		case b <= a:
		case a+1 == b:
			plusOne++
		default:
			return false
		}
	}
	return plusOne == 1
}

// SmallerComponents returns, sorted, the ids whose component in c is at least
// minDiff below the matching component in other.
func (c Clock) SmallerComponents(other Clock, minDiff uint64) []string {
	var ids []string
	for _, id := range union(c, other) {
		if other[id] >= minDiff && c[id] <= other[id]-minDiff {
			ids = append(ids, id)
		}
	}
	return ids
}

// Compare is a total order over clocks consistent with causal precedence:
// if a.Less(b) then Compare(a, b) < 0. Clocks are ordered by the sum of their
// components, then by their serialized form.
func Compare(a, b Clock) int {
	sa, sb := a.Sum(), b.Sum()
	switch {
	case sa < sb:
		return -1
	case sa > sb:
		return 1
	}
	return strings.Compare(a.String(), b.String())
}
