package backoff

import (
	"testing"
	"time"
)

func TestDelay_ExponentialAndCapped(t *testing.T) {
	p := Policy{Base: time.Second, Factor: 2, Max: 60 * time.Second, Jitter: 0}
	want := []time.Duration{
		1 * time.Second,
		2 * time.Second,
		4 * time.Second,
		8 * time.Second,
		16 * time.Second,
		32 * time.Second,
		60 * time.Second,
		60 * time.Second,
	}
	for i, w := range want {
		if got := p.Delay(i + 1); got != w {
			t.Fatalf("Delay(%d) = %s, want %s", i+1, got, w)
		}
	}
	if got := p.Delay(0); got != time.Second {
		t.Fatalf("Delay(0) = %s, want 1s", got)
	}
}

func TestDelay_JitterWithinBounds(t *testing.T) {
	p := Default()
	for i := 0; i < 200; i++ {
		d := p.Delay(3) // nominal 4s
		if d < 3200*time.Millisecond || d > 4801*time.Millisecond {
			t.Fatalf("jittered delay %s outside ±20%% of 4s", d)
		}
	}
}

func TestNew_ResetRestartsSequence(t *testing.T) {
	p := Policy{Base: 10 * time.Millisecond, Factor: 2, Max: time.Second, Jitter: 0}
	b := p.New()
	_ = b.NextBackOff()
	_ = b.NextBackOff()
	b.Reset()
	if got := b.NextBackOff(); got != 10*time.Millisecond {
		t.Fatalf("after Reset got %s", got)
	}
}
