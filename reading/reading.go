package reading

import (
	"math"
	"strconv"
	"strings"
	"sync"

	"github.com/icodeforyou/energycontract-go/types/maybe"
)

// States the host reports when an entity has no usable value.
var invalidStates = map[string]bool{
	"":            true,
	"unknown":     true,
	"unavailable": true,
	"invalid":     true,
	"none":        true,
	"null":        true,
}

// ParseState converts a raw entity state into a reading. The second return
// value is false for missing, unknown or non-numeric states.
func ParseState(raw string) (float64, bool) {
	s := strings.TrimSpace(raw)
	if invalidStates[strings.ToLower(s)] {
		return 0, false
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil || math.IsNaN(v) || math.IsInf(v, 0) {
		return 0, false
	}
	return v, true
}

// Process turns a cumulative counter reading into a non-negative delta.
// The first reading yields zero. A counter that went backwards (reset or
// rollover) also yields zero, and the new reading always becomes the
// previous one.
func Process(previous maybe.Maybe[float64], current float64) (delta float64, newPrevious float64) {
	prev, ok := previous.Get()
	if !ok {
		return 0, current
	}
	delta = current - prev
	if delta < 0 {
		delta = 0
	}
	return delta, current
}

// Tracker remembers the last valid reading of one counter.
type Tracker struct {
	mu       sync.Mutex
	previous maybe.Maybe[float64]
}

func NewTracker() *Tracker {
	return &Tracker{previous: maybe.None[float64]()}
}

// Observe feeds a valid reading and returns the delta since the last one.
func (t *Tracker) Observe(current float64) float64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	delta, prev := Process(t.previous, current)
	t.previous = maybe.Some(prev)
	return delta
}

func (t *Tracker) Previous() maybe.Maybe[float64] {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.previous
}

// Forget drops the previous reading so the next one starts a new baseline.
func (t *Tracker) Forget() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.previous = maybe.None[float64]()
}
