package tunnel

import "errors"

// Error taxonomy shared by the manager and both front-ends. Callers classify
// with errors.Is; messages carry the detail via fmt.Errorf("%w: ...").
var (
	// ErrValidation marks malformed input: empty app name, out-of-range port.
	ErrValidation = errors.New("validation error")
	// ErrConflict marks a duplicate non-terminal key or an already reserved port.
	ErrConflict = errors.New("conflict")
	// ErrNotFound marks an operation on an absent tunnel.
	ErrNotFound = errors.New("not found")
	// ErrProcess marks a tunnel process that failed to launch or terminate.
	ErrProcess = errors.New("process error")
	// ErrTimeout marks a deadline exceeded while waiting on the process.
	ErrTimeout = errors.New("timeout")
	// ErrInternal marks a store/supervisor invariant violation. Always a bug.
	ErrInternal = errors.New("internal error")
)
