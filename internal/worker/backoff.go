package worker

import (
	"time"

	"github.com/cenkalti/backoff/v4"
)

// BackoffPolicy maps an attempt number to a requeue delay: exponential from
// Base by Factor, capped at Cap. The delay rides on the broker's delayed
// redelivery, so a backing-off message never blocks a worker.
type BackoffPolicy struct {
	Base   time.Duration
	Factor float64
	Cap    time.Duration
}

// Delay returns the redelivery delay before the given attempt (1-based).
func (p BackoffPolicy) Delay(attempt int) time.Duration {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.Base
	b.Multiplier = p.Factor
	b.MaxInterval = p.Cap
	b.RandomizationFactor = 0
	b.MaxElapsedTime = 0
	b.Reset()

	d := b.NextBackOff()
	for i := 1; i < attempt; i++ {
		d = b.NextBackOff()
	}
	return d
}
