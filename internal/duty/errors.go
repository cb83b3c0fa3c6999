package duty

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrAccountNotFound means the punch or lookup id resolved to no account.
	ErrAccountNotFound = errors.New("account not found")
	// ErrAccountSuspended means the account exists but is suspended.
	ErrAccountSuspended = errors.New("account is suspended")
	// ErrSessionNotFound means the session id resolved to no record.
	ErrSessionNotFound = errors.New("session not found")
	// ErrInvalidInterval means a time-out precedes its time-in without the
	// overnight-crossover exception applying. Data-integrity fault.
	ErrInvalidInterval = errors.New("time out precedes time in")
	// ErrOpenSessionExists is returned by stores when inserting a second
	// open session for an account; the punch processor retries as a close.
	ErrOpenSessionExists = errors.New("account already has an open session")
	// ErrNotesRequired means an invalidation was requested without notes.
	ErrNotesRequired = errors.New("invalidation notes are required")
	// ErrReasonRequired means a time adjustment was created without a reason.
	ErrReasonRequired = errors.New("adjustment reason is required")
	// ErrNotStudent means a time adjustment targeted a non-student account.
	ErrNotStudent = errors.New("adjustments apply to student accounts only")
	// ErrAdjustmentNotFound means the adjustment id resolved to no record.
	ErrAdjustmentNotFound = errors.New("time adjustment not found")
	// ErrPunchConflict means a punch kept losing races for the same account.
	ErrPunchConflict = errors.New("punch conflicted with a concurrent punch")
)

// EarlyTimeoutError is the recoverable condition raised when a time-out
// punch arrives before the minimum session length. It is not a system
// fault: the caller round-trips it to the user and re-invokes the punch
// with force=true to confirm.
type EarlyTimeoutError struct {
	Elapsed   time.Duration
	Threshold time.Duration
}

func (e *EarlyTimeoutError) Error() string {
	return fmt.Sprintf("timed out after %s, under the %s minimum; confirmation required",
		e.Elapsed.Truncate(time.Second), e.Threshold)
}
