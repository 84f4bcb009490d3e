package reading

import (
	"math/rand"
	"testing"

	"github.com/icodeforyou/energycontract-go/types/maybe"
)

func TestParseState(t *testing.T) {
	tests := []struct {
		raw      string
		expected float64
		ok       bool
	}{
		{"12.5", 12.5, true},
		{" 3 ", 3, true},
		{"-0.25", -0.25, true},
		{"unknown", 0, false},
		{"Unavailable", 0, false},
		{"", 0, false},
		{"abc", 0, false},
		{"NaN", 0, false},
		{"+Inf", 0, false},
	}

	for _, tt := range tests {
		t.Run(tt.raw, func(t *testing.T) {
			got, ok := ParseState(tt.raw)
			if ok != tt.ok {
				t.Fatalf("got ok=%v, wanted %v", ok, tt.ok)
			}
			if got != tt.expected {
				t.Errorf("got %f, wanted %f", got, tt.expected)
			}
		})
	}
}

func TestProcess(t *testing.T) {
	tests := []struct {
		name      string
		previous  maybe.Maybe[float64]
		current   float64
		wantDelta float64
	}{
		{"first reading", maybe.None[float64](), 100, 0},
		{"increase", maybe.Some(100.0), 101.5, 1.5},
		{"unchanged", maybe.Some(100.0), 100, 0},
		{"counter reset", maybe.Some(100.0), 2, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			delta, prev := Process(tt.previous, tt.current)
			if delta != tt.wantDelta {
				t.Errorf("got delta %f, wanted %f", delta, tt.wantDelta)
			}
			if prev != tt.current {
				t.Errorf("got previous %f, wanted %f", prev, tt.current)
			}
		})
	}
}

func TestProcessNeverNegative(t *testing.T) {
	r := rand.New(rand.NewSource(42))
	for i := 0; i < 1000; i++ {
		prev := r.Float64()*2000 - 1000
		curr := r.Float64()*2000 - 1000
		if delta, _ := Process(maybe.Some(prev), curr); delta < 0 {
			t.Fatalf("got negative delta %f for %f -> %f", delta, prev, curr)
		}
	}
}

func TestTrackerResyncsAfterReset(t *testing.T) {
	tr := NewTracker()
	readings := []float64{10, 12, 1, 3}
	want := []float64{0, 2, 0, 2}
	for i, r := range readings {
		if got := tr.Observe(r); got != want[i] {
			t.Errorf("reading %d: got delta %f, wanted %f", i, got, want[i])
		}
	}
	if p := tr.Previous(); !p.IsValid() || p.Value() != 3 {
		t.Errorf("got previous %v, wanted 3", p)
	}

	tr.Forget()
	if got := tr.Observe(50); got != 0 {
		t.Errorf("got delta %f after Forget, wanted 0", got)
	}
}
