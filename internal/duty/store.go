package duty

import (
	"context"
	"encoding/json"
	"time"
)

// SessionFilter narrows list queries. From/To bound time_in; callers own the
// local-midnight-to-UTC conversion for day-bounded ranges.
type SessionFilter struct {
	AccountID          string
	From               *time.Time
	To                 *time.Time
	ActiveOnly         bool // open sessions only (no time_out)
	ExcludeInvalidated bool
	Limit              int
	Offset             int
}

// AccountFilter narrows account listings for aggregation.
type AccountFilter struct {
	Role      string // "student", "manager", or "" for both
	Suspended string // "true", "false", "all"
	Search    string // matches name or school id
	AccountID string // exact match, used to scope students to themselves
}

// Store is the durable record store the engine runs against. The Postgres
// implementation is Repository; MemStore backs tests and the dev server.
//
// Contract highlights:
//   - OpenSession must enforce "at most one open session per account"
//     atomically, returning ErrOpenSessionExists on violation.
//   - CloseOpenSession must atomically close the account's open session,
//     returning (nil, nil) when another writer got there first.
//   - Single-record mutations are individually atomic; there is no
//     cross-record transaction anywhere in the engine.
type Store interface {
	GetAccount(ctx context.Context, id string) (*Account, error)
	GetAccountBySchoolID(ctx context.Context, schoolID string) (*Account, error)
	ListAccounts(ctx context.Context, f AccountFilter) ([]Account, error)
	JobAssignment(ctx context.Context, accountID string) (*JobInfo, error)

	OpenSession(ctx context.Context, accountID string, timeIn time.Time, properties json.RawMessage) (*Session, error)
	FindOpenSession(ctx context.Context, accountID string) (*Session, error)
	CloseOpenSession(ctx context.Context, accountID string, timeOut time.Time, invalidatedAt *time.Time, notes *string) (*Session, error)
	HasOpenValidSession(ctx context.Context, accountID string) (bool, error)

	GetSession(ctx context.Context, id string) (*Session, error)
	CloseSessionIfOpen(ctx context.Context, id string, timeOut time.Time) (bool, error)
	SetSessionTimes(ctx context.Context, id string, timeIn, timeOut *time.Time) error
	InvalidateSession(ctx context.Context, id string, at time.Time, notes string, autoTimeOut *time.Time) error
	RevalidateSession(ctx context.Context, id string) error
	DeleteSession(ctx context.Context, id string) error

	ListSessions(ctx context.Context, f SessionFilter) ([]SessionView, int, error)
	CompletedSessions(ctx context.Context, accountID string, from, to *time.Time) ([]Session, error)
	OverdueCount(ctx context.Context, dayStart time.Time) (int, error)
	AutoCloseOpenSessions(ctx context.Context, cutoff time.Time) (int, error)

	CreateAdjustment(ctx context.Context, adj TimeAdjustment) (TimeAdjustment, error)
	SumAdjustmentMinutes(ctx context.Context, accountID string) (int64, error)
	ListAdjustments(ctx context.Context, accountID string, limit, offset int) ([]TimeAdjustment, int, error)
	DeleteAdjustment(ctx context.Context, id string) error

	MoveUpStudents(ctx context.Context) (int, error)
}
