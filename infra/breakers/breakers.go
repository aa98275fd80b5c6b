// Package breakers wraps the circuit breaker guarding optional upstream
// calls. An open breaker fails calls immediately so a sick sidecar costs the
// run nothing but its fallback.
package breakers

import (
	"time"

	cb "github.com/sony/gobreaker"
)

// Trip on a short burst of consecutive failures, or on a sustained error
// rate once enough calls have been observed.
const (
	consecutiveTrip = 3
	minObservations = 20
	maxFailureRate  = 0.05
)

type Breaker struct {
	cb *cb.CircuitBreaker
}

// New builds a named breaker. Counters reset every minute; an open breaker
// admits a probe after a minute.
func New(name string) *Breaker {
	settings := cb.Settings{
		Name:     name,
		Interval: 60 * time.Second,
		Timeout:  60 * time.Second,
		ReadyToTrip: func(counts cb.Counts) bool {
			if counts.ConsecutiveFailures >= consecutiveTrip {
				return true
			}
			if counts.Requests < minObservations {
				return false
			}
			return float64(counts.TotalFailures)/float64(counts.Requests) > maxFailureRate
		},
	}
	return &Breaker{cb: cb.NewCircuitBreaker(settings)}
}

// Execute runs fn under the breaker, counting its outcome.
func (b *Breaker) Execute(fn func() (any, error)) (any, error) {
	return b.cb.Execute(fn)
}
