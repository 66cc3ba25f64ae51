package limiter

import "errors"

var (
	// ErrModelsExhausted is returned when every candidate in the escalation
	// order was either rejected by the backend or hit its bounded wait.
	ErrModelsExhausted = errors.New("limiter: all models rejected or exhausted")

	// ErrRejected is returned when a job body rejects without requesting
	// delegation and supplies no error of its own.
	ErrRejected = errors.New("limiter: job rejected without delegation")

	// ErrStopped is returned for submissions after Stop.
	ErrStopped = errors.New("limiter: stopped")

	// ErrUnknownJobType is returned when a job names a type that was not
	// configured in ResourceEstimations.
	ErrUnknownJobType = errors.New("limiter: unknown job type")
)
