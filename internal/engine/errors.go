package engine

import (
	"errors"
	"fmt"

	"github.com/szibis/vitals-sync/internal/exporter"
)

var (
	// ErrThrottled marks a sample rejected by the rate throttle. Submit
	// never returns it; throttling is routine.
	ErrThrottled = errors.New("sample throttled")

	// ErrUnreachable means the write was queued without an attempt
	// because the destination is known to be down.
	ErrUnreachable = errors.New("destination unreachable")

	// ErrRetryExhausted is reported when a queued item is dropped after
	// its last allowed attempt.
	ErrRetryExhausted = errors.New("retry limit reached")

	// ErrQueueOverflow is reported when the oldest queued item was
	// evicted to make room.
	ErrQueueOverflow = errors.New("offline queue full, oldest item evicted")

	// ErrAuthentication is returned when no identity could be obtained.
	// Nothing is queued because no destination path can be built.
	ErrAuthentication = errors.New("authentication failed")

	// ErrAlreadySyncing is returned by Drain while another drain runs.
	ErrAlreadySyncing = errors.New("already syncing")

	// ErrStopped is returned by operations submitted after Run returned.
	ErrStopped = errors.New("engine stopped")
)

// TransientWriteFailure is an attempted write that failed and was routed
// to the offline queue.
type TransientWriteFailure struct {
	Path string
	Type exporter.ErrorType
	Err  error
}

func (e *TransientWriteFailure) Error() string {
	return fmt.Sprintf("write to %s failed (%s): %v", e.Path, e.Type, e.Err)
}

func (e *TransientWriteFailure) Unwrap() error {
	return e.Err
}

func writeFailure(path string, err error) *TransientWriteFailure {
	return &TransientWriteFailure{Path: path, Type: exporter.TypeOf(err), Err: err}
}
