package stream

import (
	"testing"
	"time"

	"tradedeck/config"
)

func TestReconnectPolicyDelay(t *testing.T) {
	p := ReconnectPolicy{MaxAttempts: 5, BaseDelay: 100 * time.Millisecond, MaxDelay: time.Minute, Multiplier: 2}

	tests := []struct {
		attempt int
		want    time.Duration
		ok      bool
	}{
		{1, 100 * time.Millisecond, true},
		{2, 200 * time.Millisecond, true},
		{3, 400 * time.Millisecond, true},
		{4, 800 * time.Millisecond, true},
		{5, 1600 * time.Millisecond, true},
		{6, 0, false},
		{0, 0, false},
	}
	for _, tt := range tests {
		got, ok := p.Delay(tt.attempt)
		if got != tt.want || ok != tt.ok {
			t.Errorf("Delay(%d) = (%v, %v), want (%v, %v)", tt.attempt, got, ok, tt.want, tt.ok)
		}
	}
}

func TestReconnectPolicyCapsAtMaxDelay(t *testing.T) {
	p := ReconnectPolicy{MaxAttempts: 10, BaseDelay: time.Second, MaxDelay: 4 * time.Second, Multiplier: 2}

	if d, ok := p.Delay(3); !ok || d != 4*time.Second {
		t.Errorf("Delay(3) = (%v, %v), want capped 4s", d, ok)
	}
	if d, ok := p.Delay(10); !ok || d != 4*time.Second {
		t.Errorf("Delay(10) = (%v, %v), want capped 4s", d, ok)
	}
}

func TestPolicyFromConfig(t *testing.T) {
	p := PolicyFromConfig(config.RetryConfig{
		MaxAttempts:       3,
		BaseDelay:         time.Second,
		MaxDelay:          time.Minute,
		BackoffMultiplier: 2,
	})
	if p.MaxAttempts != 3 || p.BaseDelay != time.Second {
		t.Fatalf("unexpected policy: %+v", p)
	}
}
