package backoff_test

import (
	"testing"
	"time"

	"github.com/drover-io/drover/backoff"
)

func TestConstant(t *testing.T) {
	t.Parallel()

	c := backoff.NewConstant(5 * time.Second)
	for _, attempt := range []int{1, 2, 10} {
		if d := c.Delay(attempt); d != 5*time.Second {
			t.Errorf("Delay(%d) = %v, want 5s", attempt, d)
		}
	}
}

func TestExponential(t *testing.T) {
	t.Parallel()

	e := backoff.NewExponential(time.Second, 10*time.Second)

	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{1, time.Second},
		{2, 2 * time.Second},
		{3, 4 * time.Second},
		{4, 8 * time.Second},
		{5, 10 * time.Second}, // capped
		{10, 10 * time.Second},
	}

	for _, tt := range tests {
		if got := e.Delay(tt.attempt); got != tt.want {
			t.Errorf("Delay(%d) = %v, want %v", tt.attempt, got, tt.want)
		}
	}
}

func TestExponentialWithJitterBounds(t *testing.T) {
	t.Parallel()

	e := backoff.NewExponentialWithJitter(time.Second, 8*time.Second)
	for attempt := 1; attempt <= 6; attempt++ {
		for range 50 {
			d := e.Delay(attempt)
			if d < 0 {
				t.Fatalf("Delay(%d) = %v, negative", attempt, d)
			}
			if d > 8*time.Second {
				t.Fatalf("Delay(%d) = %v, exceeds cap", attempt, d)
			}
		}
	}
}

func TestDefaultStrategy(t *testing.T) {
	t.Parallel()

	s := backoff.DefaultStrategy()
	if d := s.Delay(3); d > time.Minute {
		t.Fatalf("default Delay(3) = %v, exceeds 1m cap", d)
	}
}
