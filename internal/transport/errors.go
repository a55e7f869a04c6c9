package transport

import (
	"errors"
	"fmt"
)

var (
	// ErrAlreadyFinalized is returned by a second Finalize on the same transport.
	ErrAlreadyFinalized = errors.New("session already finalized")

	// ErrQueueAbandoned is returned when enqueueing onto an abandoned queue.
	ErrQueueAbandoned = errors.New("upload queue abandoned")
)

// SyncError reports a failed time-sync handshake. It is not fatal: the
// session falls back to a zero offset.
type SyncError struct {
	Err error
}

func (e *SyncError) Error() string { return "time sync failed: " + e.Err.Error() }
func (e *SyncError) Unwrap() error { return e.Err }

// UploadError reports one failed segment upload. The caller decides whether
// to retry.
type UploadError struct {
	Sequence   uint64
	StatusCode int
	Err        error
}

func (e *UploadError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("upload chunk %d: status %d: %v", e.Sequence, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("upload chunk %d: %v", e.Sequence, e.Err)
}

func (e *UploadError) Unwrap() error { return e.Err }

// FinalizeError reports a finalize call the store did not acknowledge. It
// is never retried automatically.
type FinalizeError struct {
	StatusCode int
	Err        error
}

func (e *FinalizeError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("finalize: status %d: %v", e.StatusCode, e.Err)
	}
	return "finalize: " + e.Err.Error()
}

func (e *FinalizeError) Unwrap() error { return e.Err }
