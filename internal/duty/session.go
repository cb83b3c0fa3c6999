package duty

import (
	"encoding/json"
	"fmt"
	"math"
	"time"
)

// Account roles understood by the engine. CRUD for accounts lives in a
// separate subsystem; we only read these records.
const (
	RoleAdmin   = "admin"
	RoleManager = "manager"
	RoleStudent = "student"
)

// Status is the derived, read-side state of a session. It is never stored:
// it depends on "now" and must be recomputed on every read.
type Status string

const (
	StatusActive      Status = "active"
	StatusOverdue     Status = "overdue"
	StatusCompleted   Status = "completed"
	StatusInvalidated Status = "invalidated"
)

// Account is the slice of the account record the engine reads.
type Account struct {
	ID          string     `json:"id"`
	SchoolID    string     `json:"school_id"`
	FirstName   string     `json:"first_name"`
	LastName    string     `json:"last_name"`
	Role        string     `json:"role"`
	Course      *string    `json:"course,omitempty"`
	YearLevel   *float64   `json:"year_level,omitempty"`
	SuspendedAt *time.Time `json:"suspended_at,omitempty"`
}

// DisplayName returns the human-facing name, falling back to the role and id
// when the account has no name on file.
func (a Account) DisplayName() string {
	name := a.FirstName
	if a.LastName != "" {
		if name != "" {
			name += " "
		}
		name += a.LastName
	}
	if name == "" {
		name = fmt.Sprintf("%s #%s", a.Role, a.ID)
	}
	return name
}

// Session is one time-in/time-out duty interval for an account. A nil
// TimeOut means the session is open. The Properties bag is caller-supplied
// context (job name at punch time, auto-close markers) and is preserved
// verbatim across every mutation the engine performs.
type Session struct {
	ID                string          `json:"id"`
	AccountID         string          `json:"account_id"`
	TimeIn            time.Time       `json:"time_in"`
	TimeOut           *time.Time      `json:"time_out,omitempty"`
	InvalidatedAt     *time.Time      `json:"invalidated_at,omitempty"`
	InvalidationNotes *string         `json:"invalidation_notes,omitempty"`
	Properties        json.RawMessage `json:"properties,omitempty"`
	CreatedAt         time.Time       `json:"created_at"`
	UpdatedAt         time.Time       `json:"updated_at"`
}

// Open reports whether the session has no time-out punch yet.
func (s *Session) Open() bool { return s.TimeOut == nil }

// DurationMinutes returns the session's elapsed whole minutes, or nil while
// the session is open.
func (s *Session) DurationMinutes() (*int64, error) {
	return DurationMinutes(s.TimeIn, s.TimeOut)
}

// SessionView is a session joined with display attributes of its account,
// as returned by list queries.
type SessionView struct {
	Session
	AccountName string `json:"account_name"`
	SchoolID    string `json:"school_id"`
}

// TimeAdjustment is a signed minute credit or deduction applied to an
// account's aggregate rendered time. It never alters any session.
type TimeAdjustment struct {
	ID                string    `json:"id"`
	AccountID         string    `json:"account_id"`
	ManagerID         *string   `json:"manager_id,omitempty"`
	ManagerName       *string   `json:"manager_name,omitempty"`
	AdjustmentMinutes int64     `json:"adjustment_minutes"`
	Reason            string    `json:"reason"`
	CreatedAt         time.Time `json:"created_at"`
}

// JobInfo is the duty assignment attached to a session's properties bag at
// punch time. Display-only; a missing assignment never blocks a punch.
type JobInfo struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// DurationMinutes computes elapsed whole minutes between timeIn and timeOut,
// truncated toward zero. Returns nil when timeOut is absent (open session:
// the duration is not yet determined). A timeOut before timeIn is a
// data-integrity fault surfaced as ErrInvalidInterval, never clamped.
func DurationMinutes(timeIn time.Time, timeOut *time.Time) (*int64, error) {
	if timeOut == nil {
		return nil, nil
	}
	if timeOut.Before(timeIn) {
		return nil, ErrInvalidInterval
	}
	m := int64(timeOut.Sub(timeIn) / time.Minute)
	return &m, nil
}

// Classify derives the session state from its stored fields and the current
// instant. Invalidation wins over everything; a time-out means completed; an
// open session is active only while it is still the same calendar day and
// under 24 elapsed hours, and overdue otherwise (the operator signal that
// someone forgot to punch out). All instants are assumed normalized to one
// reference timezone by the caller.
func Classify(timeIn time.Time, timeOut, invalidatedAt *time.Time, now time.Time) Status {
	if invalidatedAt != nil {
		return StatusInvalidated
	}
	if timeOut != nil {
		return StatusCompleted
	}
	if sameCalendarDay(timeIn, now) && now.Sub(timeIn) < 24*time.Hour {
		return StatusActive
	}
	return StatusOverdue
}

func sameCalendarDay(a, b time.Time) bool {
	ay, am, ad := a.Date()
	by, bm, bd := b.Date()
	return ay == by && am == bm && ad == bd
}

// NextYearLevel advances a Y.S year-level by one semester: X.1 -> X.2, and
// X.2 -> (X+1).1 while below the year ceiling. The second value is false
// when the level is ineligible (ceiling reached, or malformed semester).
func NextYearLevel(level float64) (float64, bool) {
	n := int(math.Round(level * 10))
	year, sem := n/10, n%10
	switch {
	case year < 1:
		return level, false
	case sem == 1:
		return float64(n+1) / 10, true
	case sem == 2 && year < maxYearLevel:
		return float64(n+9) / 10, true
	default:
		return level, false
	}
}

// maxYearLevel is the academic ceiling: 4.2 students are left unchanged.
const maxYearLevel = 4

// TimeEdit is one half of an administrative time adjustment as supplied by
// the caller: a calendar date and a time of day, each optional. Both parts
// must be present to produce an instant; a date without a time (or the
// reverse) resolves to nil, meaning "no change requested" for that field.
// This avoids ever constructing an ambiguous timestamp.
type TimeEdit struct {
	Date string // "2006-01-02"
	Time string // "15:04" or "15:04:05"
}

// Zero reports whether neither component was supplied.
func (e TimeEdit) Zero() bool { return e.Date == "" && e.Time == "" }

// Resolve combines the date and time parts in loc. Incomplete edits resolve
// to (nil, nil); malformed components are an error.
func (e TimeEdit) Resolve(loc *time.Location) (*time.Time, error) {
	if e.Date == "" || e.Time == "" {
		return nil, nil
	}
	layout := "2006-01-02 15:04"
	if len(e.Time) == len("15:04:05") {
		layout = "2006-01-02 15:04:05"
	}
	t, err := time.ParseInLocation(layout, e.Date+" "+e.Time, loc)
	if err != nil {
		return nil, fmt.Errorf("invalid time edit: %w", err)
	}
	utc := t.UTC()
	return &utc, nil
}

// ResolveCloseTime turns a bare time of day into a concrete time-out for the
// session that began at timeIn. The date defaults to timeIn's calendar day
// in loc; a result before timeIn is taken to span midnight and is moved one
// calendar day forward (overnight-shift tolerance) rather than rejected.
func ResolveCloseTime(timeIn time.Time, timeOfDay string, loc *time.Location) (time.Time, error) {
	layout := "15:04"
	if len(timeOfDay) == len("15:04:05") {
		layout = "15:04:05"
	}
	tod, err := time.ParseInLocation(layout, timeOfDay, loc)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid time of day: %w", err)
	}
	in := timeIn.In(loc)
	out := time.Date(in.Year(), in.Month(), in.Day(), tod.Hour(), tod.Minute(), tod.Second(), 0, loc)
	if out.Before(in) {
		out = out.AddDate(0, 0, 1)
	}
	return out.UTC(), nil
}
