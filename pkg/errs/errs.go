// Package errs holds the error taxonomy shared by the pools, the scaler and the batch
// orchestrator. Callers match with errors.Is; components wrap these sentinels with context.
package errs

import "errors"

var (
	// ErrCreateTimeout means a factory took too long to produce a resource.
	ErrCreateTimeout = errors.New("create timeout")

	// ErrAcquireTimeout means no resource became available within the wait bound.
	ErrAcquireTimeout = errors.New("acquire timeout")

	// ErrValidationFailure means a resource failed its health check.
	ErrValidationFailure = errors.New("validation failure")

	// ErrTaskTimeout means dispatched work exceeded its deadline.
	ErrTaskTimeout = errors.New("task timeout")

	// ErrTaskExhausted means every allowed attempt of a task failed.
	ErrTaskExhausted = errors.New("task retries exhausted")

	// ErrPoolExhausted means capacity is at maximum and no queued wait is permitted.
	ErrPoolExhausted = errors.New("pool exhausted")

	// ErrScaling means a capacity change could not be applied.
	ErrScaling = errors.New("scaling failed")

	ErrPoolDraining  = errors.New("pool is draining")
	ErrPoolClosed    = errors.New("pool is closed")
	ErrDrainTimeout  = errors.New("drain timed out with resources still acquired")
	ErrNotAcquired   = errors.New("resource is not acquired from this pool")
	ErrTaskCancelled = errors.New("task cancelled")
	ErrJobNotFound   = errors.New("job not found")
)

// IsRetryable reports whether a caller-facing layer should answer with a
// retry-later response.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrTaskExhausted) ||
		errors.Is(err, ErrPoolExhausted) ||
		errors.Is(err, ErrAcquireTimeout)
}

// IsDegraded reports whether err points at an unhealthy backing service rather
// than at load.
func IsDegraded(err error) bool {
	return errors.Is(err, ErrCreateTimeout) || errors.Is(err, ErrValidationFailure)
}
