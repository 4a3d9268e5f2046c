package outbox

import (
	"math"
	"testing"
	"time"
)

func TestFixedDelay(t *testing.T) {
	for _, delay := range []time.Duration{5 * time.Second, 0} {
		delayFunc := Fixed(delay)
		for _, attempt := range []int{0, 1, 2, 5, 10, 100} {
			if got := delayFunc(attempt); got != delay {
				t.Errorf("Fixed(%v) for attempt %d = %v, want %v", delay, attempt, got, delay)
			}
		}
	}
}

func TestExponentialDelay(t *testing.T) {
	type step struct {
		attempt  int
		expected time.Duration
	}

	tests := []struct {
		name     string
		delay    time.Duration
		maxDelay time.Duration
		steps    []step
	}{
		{
			name:     "doubles until capped",
			delay:    1 * time.Second,
			maxDelay: 60 * time.Second,
			steps: []step{
				{0, 1 * time.Second},
				{1, 2 * time.Second},
				{2, 4 * time.Second},
				{5, 32 * time.Second},
				{6, 60 * time.Second},
				{10, 60 * time.Second},
			},
		},
		{
			name:     "default relay backoff",
			delay:    200 * time.Millisecond,
			maxDelay: time.Hour,
			steps: []step{
				{0, 200 * time.Millisecond},
				{3, 1600 * time.Millisecond},
				{14, 54*time.Minute + 36800*time.Millisecond},
				{15, time.Hour},
			},
		},
		{
			name:     "zero max delay",
			delay:    1 * time.Second,
			maxDelay: 0,
			steps:    []step{{0, 0}, {1, 0}, {2, 0}},
		},
		{
			name:     "negative attempt treated as first",
			delay:    1 * time.Second,
			maxDelay: time.Minute,
			steps:    []step{{-1, 1 * time.Second}},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			delayFunc := Exponential(tt.delay, tt.maxDelay)

			for _, s := range tt.steps {
				if got := delayFunc(s.attempt); got != s.expected {
					t.Errorf("Exponential(%v, %v) for attempt %d = %v, want %v",
						tt.delay, tt.maxDelay, s.attempt, got, s.expected)
				}
			}
		})
	}
}

func TestExponentialDelayOverflow(t *testing.T) {
	tests := []struct {
		name     string
		delay    time.Duration
		attempt  int
		expected time.Duration
	}{
		{
			name:     "large initial delay with high attempts",
			delay:    1 << 50,
			attempt:  20,      // (1<<50) << 20 would overflow int64
			expected: 1 << 62, // only 12 shifts performed
		},
		{
			name:     "maximum possible delay",
			delay:    math.MaxInt64,
			attempt:  1,
			expected: math.MaxInt64,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Exponential(tt.delay, math.MaxInt64)(tt.attempt)
			if got != tt.expected {
				t.Errorf("result %v does not match expected %v", got, tt.expected)
			}
		})
	}
}

func TestJitteredDelayStaysWithinRatio(t *testing.T) {
	delayFunc := Jittered(Fixed(10*time.Second), 0.2)

	for i := 0; i < 200; i++ {
		got := delayFunc(i)
		if got < 8*time.Second || got > 12*time.Second {
			t.Fatalf("jittered delay %v outside [8s, 12s]", got)
		}
	}
}

func TestJitteredDelayWithoutRatioIsUnchanged(t *testing.T) {
	delayFunc := Jittered(Exponential(time.Second, time.Minute), 0)

	if got := delayFunc(2); got != 4*time.Second {
		t.Errorf("got %v, want 4s", got)
	}
	if got := Jittered(Fixed(0), 0.5)(3); got != 0 {
		t.Errorf("got %v, want 0", got)
	}
}
