package backoff

import (
	"math/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestDelayWithoutJitter(t *testing.T) {
	b := New(Policy{InitialDelay: time.Second, MaxDelay: 10 * time.Second, Multiplier: 2}, nil)

	want := []time.Duration{time.Second, 2 * time.Second, 4 * time.Second, 8 * time.Second, 10 * time.Second, 10 * time.Second}
	for i, w := range want {
		assert.Equal(t, w, b.Delay(i+1), "attempt %d", i+1)
	}
}

func TestDelayNonDecreasingAndCapped(t *testing.T) {
	policy := DefaultPolicy()
	for seed := int64(0); seed < 50; seed++ {
		b := New(policy, rand.NewSource(seed))
		prev := time.Duration(0)
		for attempt := 1; attempt <= 12; attempt++ {
			d := b.Delay(attempt)
			assert.GreaterOrEqual(t, d, prev, "seed %d attempt %d", seed, attempt)
			assert.LessOrEqual(t, d, policy.MaxDelay)
			prev = d
		}
	}
}

func TestDelayJitterBounds(t *testing.T) {
	policy := Policy{InitialDelay: time.Second, MaxDelay: time.Hour, Multiplier: 2, JitterFactor: 0.5}
	b := New(policy, rand.NewSource(7))
	for i := 0; i < 100; i++ {
		d := b.Delay(1)
		assert.GreaterOrEqual(t, d, time.Second)
		assert.Less(t, d, 1500*time.Millisecond)
	}
}

func TestDelayHugeAttemptStaysCapped(t *testing.T) {
	b := New(Policy{InitialDelay: time.Second, MaxDelay: time.Minute, Multiplier: 3}, nil)
	assert.Equal(t, time.Minute, b.Delay(5000))
	assert.Equal(t, time.Second, b.Delay(0))
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		policy  Policy
		wantErr bool
	}{
		{"default", DefaultPolicy(), false},
		{"zero initial", Policy{MaxDelay: time.Second, Multiplier: 2}, true},
		{"max below initial", Policy{InitialDelay: time.Minute, MaxDelay: time.Second, Multiplier: 2}, true},
		{"shrinking multiplier", Policy{InitialDelay: time.Second, MaxDelay: time.Minute, Multiplier: 0.5}, true},
		{"jitter too wide", Policy{InitialDelay: time.Second, MaxDelay: time.Minute, Multiplier: 1.5, JitterFactor: 0.6}, true},
		{"constant delay", Policy{InitialDelay: time.Second, MaxDelay: time.Second, Multiplier: 1}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.policy.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}
