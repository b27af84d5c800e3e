package eventloop

import "errors"

var (
	// ErrStopped is returned synchronously by Post* once Stop has been called.
	ErrStopped = errors.New("event loop stopped")

	// ErrCancelled resolves the handle of a task that was cancelled while
	// still queued. Cancellation is terminal for that task instance.
	ErrCancelled = errors.New("task cancelled")
)
