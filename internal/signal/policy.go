package signal

import (
	"time"

	"github.com/cenkalti/backoff/v4"
)

// ReconnectPolicy controls how the client re-dials the relay after an
// unexpected closure. The first attempt happens after InitialDelay.
type ReconnectPolicy struct {
	InitialDelay time.Duration
	Multiplier   float64
	MaxDelay     time.Duration
	// MaxAttempts caps the number of re-dials; zero means unbounded.
	MaxAttempts int
}

// DefaultReconnectPolicy backs off exponentially from 3s and gives up after
// five attempts.
func DefaultReconnectPolicy() ReconnectPolicy {
	return ReconnectPolicy{
		InitialDelay: 3 * time.Second,
		Multiplier:   2,
		MaxDelay:     30 * time.Second,
		MaxAttempts:  5,
	}
}

// FixedReconnectPolicy retries forever with a constant delay.
func FixedReconnectPolicy(delay time.Duration) ReconnectPolicy {
	return ReconnectPolicy{
		InitialDelay: delay,
		Multiplier:   1,
		MaxDelay:     delay,
	}
}

func (p ReconnectPolicy) newBackOff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.InitialDelay
	if b.InitialInterval <= 0 {
		b.InitialInterval = 3 * time.Second
	}
	b.Multiplier = p.Multiplier
	if b.Multiplier < 1 {
		b.Multiplier = 1
	}
	b.MaxInterval = p.MaxDelay
	if b.MaxInterval < b.InitialInterval {
		b.MaxInterval = b.InitialInterval
	}
	b.RandomizationFactor = 0
	b.MaxElapsedTime = 0
	b.Reset()

	if p.MaxAttempts > 0 {
		return backoff.WithMaxRetries(b, uint64(p.MaxAttempts))
	}
	return b
}
