package errs

import "errors"

var (
	ErrClosed          = errors.New("noderepl: closed")
	ErrNotFound        = errors.New("noderepl: not found")
	ErrInvalidArgument = errors.New("noderepl: invalid argument")

	// ErrRegistrationLimit is terminal for the Register call that returned it.
	ErrRegistrationLimit = errors.New("noderepl: thread registration limit reached")
	ErrTooManyReplicas   = errors.New("noderepl: replica registration limit reached")
	ErrBatchTooLarge     = errors.New("noderepl: batch exceeds log capacity")

	// Transient conditions, the caller is expected to back off and retry.
	ErrLogFull      = errors.New("noderepl: log full")
	ErrContextFull  = errors.New("noderepl: context full")
	ErrCombinerBusy = errors.New("noderepl: combiner busy")
)

// Retryable reports whether err is a transient capacity/contention condition.
func Retryable(err error) bool {
	return errors.Is(err, ErrLogFull) ||
		errors.Is(err, ErrContextFull) ||
		errors.Is(err, ErrCombinerBusy)
}
