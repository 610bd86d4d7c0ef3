package backoff_test

import (
	"testing"
	"time"

	"github.com/omnigate/steward/backoff"
)

func TestConstant_Delay(t *testing.T) {
	c := backoff.NewConstant(5 * time.Second)
	for _, attempt := range []int{1, 2, 10} {
		if got := c.Delay(attempt); got != 5*time.Second {
			t.Errorf("Delay(%d) = %v, want %v", attempt, got, 5*time.Second)
		}
	}
}

func TestExponential_Delay(t *testing.T) {
	e := backoff.NewExponential(1*time.Second, 30*time.Second)

	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{1, 1 * time.Second},
		{2, 2 * time.Second},
		{3, 4 * time.Second},
		{5, 16 * time.Second},
		{6, 30 * time.Second}, // capped
		{10, 30 * time.Second},
	}
	for _, tt := range tests {
		if got := e.Delay(tt.attempt); got != tt.want {
			t.Errorf("Delay(%d) = %v, want %v", tt.attempt, got, tt.want)
		}
	}
}

func TestExponentialWithJitter_DelayBounded(t *testing.T) {
	e := backoff.NewExponentialWithJitter(1*time.Second, 8*time.Second)

	for attempt := 1; attempt <= 6; attempt++ {
		for range 50 {
			got := e.Delay(attempt)
			if got < 0 {
				t.Fatalf("Delay(%d) = %v, want >= 0", attempt, got)
			}
			if got > 8*time.Second {
				t.Fatalf("Delay(%d) = %v, want <= cap %v", attempt, got, 8*time.Second)
			}
		}
	}
}
