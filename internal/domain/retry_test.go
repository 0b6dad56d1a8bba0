package domain

import (
	"testing"
	"time"
)

func TestRetryPolicy_ExponentialWithCap(t *testing.T) {
	p := RetryPolicy{BaseDelay: time.Hour, MaxDelay: 24 * time.Hour, MaxRetries: 10}
	cases := []struct {
		streak int
		want   time.Duration
	}{
		{1, time.Hour},
		{2, 2 * time.Hour},
		{3, 4 * time.Hour},
		{4, 8 * time.Hour},
		{5, 16 * time.Hour},
		{6, 24 * time.Hour}, // capped
		{7, 24 * time.Hour},
	}
	for _, c := range cases {
		if got := p.NextDelay(c.streak); got != c.want {
			t.Fatalf("NextDelay(%d) = %v, want %v", c.streak, got, c.want)
		}
	}
}

func TestRetryPolicy_DelaysNonDecreasing(t *testing.T) {
	p := RetryPolicy{BaseDelay: 30 * time.Minute, MaxDelay: 6 * time.Hour, MaxRetries: 20}
	prev := time.Duration(0)
	for streak := 1; streak <= 20; streak++ {
		d := p.NextDelay(streak)
		if d < prev {
			t.Fatalf("delay decreased at streak %d: %v < %v", streak, d, prev)
		}
		prev = d
	}
}

func TestRetryPolicy_JitterBounded(t *testing.T) {
	orig := jitterFn
	defer func() { jitterFn = orig }()

	jitterFn = func() float64 { return 0.999 }
	p := RetryPolicy{BaseDelay: time.Hour, MaxDelay: 24 * time.Hour, MaxRetries: 3, MaxJitter: 5 * time.Minute}
	d := p.NextDelay(1)
	if d < time.Hour || d >= time.Hour+5*time.Minute {
		t.Fatalf("jittered delay %v outside [1h, 1h5m)", d)
	}

	jitterFn = func() float64 { return 0 }
	if got := p.NextDelay(1); got != time.Hour {
		t.Fatalf("zero jitter draw: got %v, want 1h", got)
	}
}

func TestRetryPolicy_Exhausted(t *testing.T) {
	p := RetryPolicy{BaseDelay: time.Hour, MaxDelay: 24 * time.Hour, MaxRetries: 3}
	for streak, want := range map[int]bool{1: false, 2: false, 3: false, 4: true, 5: true} {
		if got := p.Exhausted(streak); got != want {
			t.Fatalf("Exhausted(%d) = %v, want %v", streak, got, want)
		}
	}
}

func TestRetryPolicy_FloorsStreak(t *testing.T) {
	p := RetryPolicy{BaseDelay: time.Hour, MaxDelay: 24 * time.Hour, MaxRetries: 3}
	if got := p.NextDelay(0); got != time.Hour {
		t.Fatalf("NextDelay(0) = %v, want base delay", got)
	}
}
