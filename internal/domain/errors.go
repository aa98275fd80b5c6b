package domain

import "errors"

// Behavioral error kinds shared across the pipeline. Callers classify with
// errors.Is; wrapping preserves the kind.
var (
	// ErrUpstreamUnavailable: bulk snapshot empty, HTTP failure, or
	// malformed provider payload.
	ErrUpstreamUnavailable = errors.New("upstream unavailable")

	// ErrInsufficientHistory: too few historical bars to compute an average.
	ErrInsufficientHistory = errors.New("insufficient history")

	// ErrStaleData: the freshness gate tripped fail-closed.
	ErrStaleData = errors.New("stale data")

	// ErrCacheEmpty: the volume-average store returned nothing for the
	// requested universe.
	ErrCacheEmpty = errors.New("volume cache empty")

	// ErrLockHeld: another holder owns the discovery lock.
	ErrLockHeld = errors.New("lock held")

	// ErrTimeout: a per-call or run deadline expired.
	ErrTimeout = errors.New("timeout")
)
