package duty

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"sort"
	"strings"
	"time"
)

// DefaultEarlyTimeout is the minimum session length below which a time-out
// punch requires confirmation. Fixed policy today; carried as a Service
// field so an institution can externalize it without touching the punch
// algorithm.
const DefaultEarlyTimeout = 10 * time.Minute

// Punch actions.
const (
	ActionTimeIn  = "time_in"
	ActionTimeOut = "time_out"
)

// maxPunchAttempts bounds the optimistic retry when a punch loses a race
// against a concurrent punch for the same account.
const maxPunchAttempts = 3

// Service is the attendance session lifecycle engine. It owns the punch
// rules, bulk corrections, aggregation, and move-up; everything durable
// goes through the Store.
type Service struct {
	store        Store
	earlyTimeout time.Duration
	loc          *time.Location
	now          func() time.Time
}

// NewService creates the engine. loc is the institution's reference
// timezone used for calendar-day boundaries; nil means UTC.
func NewService(store Store, earlyTimeout time.Duration, loc *time.Location) *Service {
	if earlyTimeout <= 0 {
		earlyTimeout = DefaultEarlyTimeout
	}
	if loc == nil {
		loc = time.UTC
	}
	return &Service{
		store:        store,
		earlyTimeout: earlyTimeout,
		loc:          loc,
		now:          func() time.Time { return time.Now().UTC() },
	}
}

// Location returns the institution's reference timezone.
func (s *Service) Location() *time.Location { return s.loc }

// PunchResult describes the outcome of a punch: which action it resolved
// to, the affected session, and the human-facing kiosk copy.
type PunchResult struct {
	Action      string     `json:"action"`
	Timestamp   time.Time  `json:"timestamp"`
	Session     *Session   `json:"session"`
	AccountName string     `json:"account_name"`
	Title       string     `json:"title"`
	Message     string     `json:"message"`
}

// Punch records a time-in or time-out for the account holding schoolID.
//
// No open session: a new session opens at now. Open session: this is a
// close attempt; under the early-timeout threshold it fails with
// *EarlyTimeoutError unless force is set, in which case the session is
// closed and immediately invalidated (sub-threshold sessions never count
// as duty time). Races between concurrent punches for the same account are
// resolved by the store's one-open-session constraint plus a bounded retry.
func (s *Service) Punch(ctx context.Context, schoolID string, force bool) (PunchResult, error) {
	acct, err := s.store.GetAccountBySchoolID(ctx, schoolID)
	if err != nil {
		return PunchResult{}, err
	}
	if acct.Role != RoleStudent && acct.Role != RoleManager {
		return PunchResult{}, ErrAccountNotFound
	}
	if acct.SuspendedAt != nil {
		return PunchResult{}, ErrAccountSuspended
	}

	name := acct.DisplayName()
	for attempt := 0; attempt < maxPunchAttempts; attempt++ {
		now := s.now()
		open, err := s.store.FindOpenSession(ctx, acct.ID)
		if err != nil {
			return PunchResult{}, err
		}

		if open == nil {
			props, err := s.punchProperties(ctx, acct.ID)
			if err != nil {
				return PunchResult{}, err
			}
			sess, err := s.store.OpenSession(ctx, acct.ID, now, props)
			if errors.Is(err, ErrOpenSessionExists) {
				continue // lost the create race; re-read as a close attempt
			}
			if err != nil {
				return PunchResult{}, err
			}
			punchTotal.WithLabelValues(ActionTimeIn).Inc()
			return PunchResult{
				Action:      ActionTimeIn,
				Timestamp:   now,
				Session:     sess,
				AccountName: name,
				Title:       fmt.Sprintf("Hello, %s", name),
				Message:     "Time in recorded",
			}, nil
		}

		elapsed := now.Sub(open.TimeIn)
		early := elapsed < s.earlyTimeout
		if early && !force {
			return PunchResult{}, &EarlyTimeoutError{Elapsed: elapsed, Threshold: s.earlyTimeout}
		}

		var invalidatedAt *time.Time
		var notes *string
		if early {
			invalidatedAt = &now
			n := fmt.Sprintf("Timed out too early (< %d mins)", int(s.earlyTimeout.Minutes()))
			notes = &n
		}
		sess, err := s.store.CloseOpenSession(ctx, acct.ID, now, invalidatedAt, notes)
		if err != nil {
			return PunchResult{}, err
		}
		if sess == nil {
			continue // a concurrent punch closed it first
		}
		if early {
			punchTotal.WithLabelValues("early_timeout").Inc()
		} else {
			punchTotal.WithLabelValues(ActionTimeOut).Inc()
		}
		return PunchResult{
			Action:      ActionTimeOut,
			Timestamp:   now,
			Session:     sess,
			AccountName: name,
			Title:       fmt.Sprintf("Goodbye, %s", name),
			Message:     fmt.Sprintf("Time out recorded after %s on duty", formatElapsed(elapsed)),
		}, nil
	}
	return PunchResult{}, ErrPunchConflict
}

// punchProperties builds the properties bag for a new session. Job lookup
// is display enrichment only; a jobless account still punches in.
func (s *Service) punchProperties(ctx context.Context, accountID string) (json.RawMessage, error) {
	job, err := s.store.JobAssignment(ctx, accountID)
	if err != nil {
		return nil, err
	}
	if job == nil {
		return nil, nil
	}
	return json.Marshal(map[string]any{"job_information": job})
}

func formatElapsed(d time.Duration) string {
	mins := int64(d / time.Minute)
	if mins < 60 {
		return fmt.Sprintf("%dm", mins)
	}
	return fmt.Sprintf("%dh %02dm", mins/60, mins%60)
}

// --- Read models ---

// GetSession returns one session by id.
func (s *Service) GetSession(ctx context.Context, id string) (*Session, error) {
	return s.store.GetSession(ctx, id)
}

// ListSessions lists sessions matching the filter; the second result is the
// total match count for pagination.
func (s *Service) ListSessions(ctx context.Context, f SessionFilter) ([]SessionView, int, error) {
	return s.store.ListSessions(ctx, f)
}

// ActiveNames returns the distinct display names of accounts with an open,
// non-invalidated session since the start of today, for the kiosk board.
func (s *Service) ActiveNames(ctx context.Context) ([]string, error) {
	start := s.dayStartUTC()
	views, _, err := s.store.ListSessions(ctx, SessionFilter{
		ActiveOnly:         true,
		ExcludeInvalidated: true,
		From:               &start,
	})
	if err != nil {
		return nil, err
	}
	seen := make(map[string]struct{}, len(views))
	var names []string
	for _, v := range views {
		name := strings.TrimSpace(v.AccountName)
		if name == "" {
			continue
		}
		if _, ok := seen[name]; ok {
			continue
		}
		seen[name] = struct{}{}
		names = append(names, name)
	}
	sort.Strings(names)
	return names, nil
}

// SessionStatus classifies a session relative to now on the institution's
// calendar day. The classifier compares dates, so both instants must be in
// the reference timezone before the comparison, not UTC.
func (s *Service) SessionStatus(sess *Session) Status {
	now := s.now().In(s.loc)
	return Classify(sess.TimeIn.In(s.loc), sess.TimeOut, sess.InvalidatedAt, now)
}

// OverdueCount counts open, non-invalidated sessions that started before
// today: the operator signal for forgotten punch-outs.
func (s *Service) OverdueCount(ctx context.Context) (int, error) {
	return s.store.OverdueCount(ctx, s.dayStartUTC())
}

// dayStartUTC is local midnight of today in the institution timezone,
// expressed in UTC.
func (s *Service) dayStartUTC() time.Time {
	now := s.now().In(s.loc)
	return time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, s.loc).UTC()
}

// --- Single-record corrections ---

// AdjustSession overwrites a session's time-in and/or time-out. Each field
// needs both a date and a time component; an incomplete pair leaves that
// field untouched. A resulting inverted interval is rejected.
func (s *Service) AdjustSession(ctx context.Context, id string, in, out TimeEdit) (*Session, error) {
	newIn, err := in.Resolve(s.loc)
	if err != nil {
		return nil, err
	}
	newOut, err := out.Resolve(s.loc)
	if err != nil {
		return nil, err
	}
	sess, err := s.store.GetSession(ctx, id)
	if err != nil {
		return nil, err
	}
	if newIn == nil && newOut == nil {
		return sess, nil
	}
	effIn := sess.TimeIn
	if newIn != nil {
		effIn = *newIn
	}
	effOut := sess.TimeOut
	if newOut != nil {
		effOut = newOut
	}
	if effOut != nil && effOut.Before(effIn) {
		return nil, ErrInvalidInterval
	}
	if err := s.store.SetSessionTimes(ctx, id, newIn, newOut); err != nil {
		return nil, err
	}
	return s.store.GetSession(ctx, id)
}

// CloseSessionAt closes one session with a caller-chosen time of day. The
// date defaults to the session's time-in day; a time of day earlier than
// the time-in is taken to span midnight and lands on the next calendar day.
func (s *Service) CloseSessionAt(ctx context.Context, id, timeOfDay string) (*Session, error) {
	sess, err := s.store.GetSession(ctx, id)
	if err != nil {
		return nil, err
	}
	out, err := ResolveCloseTime(sess.TimeIn, timeOfDay, s.loc)
	if err != nil {
		return nil, err
	}
	if err := s.store.SetSessionTimes(ctx, id, nil, &out); err != nil {
		return nil, err
	}
	return s.store.GetSession(ctx, id)
}

// InvalidateSession marks a session as excluded from duty-hour totals,
// keeping the record and the reason. Invalidating an open session first
// bounds it with time_out = time_in + 30m so the audit record is closed.
func (s *Service) InvalidateSession(ctx context.Context, id, notes string) (*Session, error) {
	if strings.TrimSpace(notes) == "" {
		return nil, ErrNotesRequired
	}
	sess, err := s.store.GetSession(ctx, id)
	if err != nil {
		return nil, err
	}
	now := s.now()
	var autoOut *time.Time
	if sess.Open() {
		t := sess.TimeIn.Add(30 * time.Minute)
		autoOut = &t
	}
	if err := s.store.InvalidateSession(ctx, id, now, notes, autoOut); err != nil {
		return nil, err
	}
	return s.store.GetSession(ctx, id)
}

// RevalidateSession clears a session's invalidation.
func (s *Service) RevalidateSession(ctx context.Context, id string) (*Session, error) {
	if err := s.store.RevalidateSession(ctx, id); err != nil {
		return nil, err
	}
	return s.store.GetSession(ctx, id)
}

// DeleteSession removes a session permanently. Irreversible; admin-only at
// the transport layer.
func (s *Service) DeleteSession(ctx context.Context, id string) error {
	return s.store.DeleteSession(ctx, id)
}

// --- Bulk Operation Engine ---

// BulkResult summarizes a fan-out of independent single-record operations.
// Skips (records already in the target state) are expected, not faults, and
// one bad record never aborts the rest.
type BulkResult struct {
	Applied int `json:"applied"`
	Skipped int `json:"skipped"`
	Failed  int `json:"failed"`
}

// BulkClose sets time_out = now on every targeted session that is still
// open; closed or missing sessions are skipped.
func (s *Service) BulkClose(ctx context.Context, ids []string) (BulkResult, error) {
	bulkOpsTotal.WithLabelValues("close").Inc()
	var res BulkResult
	now := s.now()
	for _, id := range ids {
		closed, err := s.store.CloseSessionIfOpen(ctx, id, now)
		switch {
		case errors.Is(err, ErrSessionNotFound):
			res.Skipped++
		case err != nil:
			res.Failed++
		case closed:
			res.Applied++
		default:
			res.Skipped++
		}
	}
	return res, nil
}

// BulkInvalidate invalidates every targeted session regardless of its
// open/closed state, bounding open ones at time_in + 30m first.
func (s *Service) BulkInvalidate(ctx context.Context, ids []string, notes string) (BulkResult, error) {
	if strings.TrimSpace(notes) == "" {
		return BulkResult{}, ErrNotesRequired
	}
	bulkOpsTotal.WithLabelValues("invalidate").Inc()
	var res BulkResult
	now := s.now()
	for _, id := range ids {
		sess, err := s.store.GetSession(ctx, id)
		if errors.Is(err, ErrSessionNotFound) {
			res.Skipped++
			continue
		}
		if err != nil {
			res.Failed++
			continue
		}
		var autoOut *time.Time
		if sess.Open() {
			t := sess.TimeIn.Add(30 * time.Minute)
			autoOut = &t
		}
		if err := s.store.InvalidateSession(ctx, id, now, notes, autoOut); err != nil {
			res.Failed++
			continue
		}
		res.Applied++
	}
	return res, nil
}

// BulkRevalidate clears invalidation on the targeted sessions; sessions
// that are not invalidated are skipped, keeping the call idempotent on
// heterogeneous selections.
func (s *Service) BulkRevalidate(ctx context.Context, ids []string) (BulkResult, error) {
	bulkOpsTotal.WithLabelValues("revalidate").Inc()
	var res BulkResult
	for _, id := range ids {
		sess, err := s.store.GetSession(ctx, id)
		if errors.Is(err, ErrSessionNotFound) {
			res.Skipped++
			continue
		}
		if err != nil {
			res.Failed++
			continue
		}
		if sess.InvalidatedAt == nil {
			res.Skipped++
			continue
		}
		if err := s.store.RevalidateSession(ctx, id); err != nil {
			res.Failed++
			continue
		}
		res.Applied++
	}
	return res, nil
}

// BulkDelete permanently removes the targeted sessions. No tombstone.
func (s *Service) BulkDelete(ctx context.Context, ids []string) (BulkResult, error) {
	bulkOpsTotal.WithLabelValues("delete").Inc()
	var res BulkResult
	for _, id := range ids {
		err := s.store.DeleteSession(ctx, id)
		switch {
		case errors.Is(err, ErrSessionNotFound):
			res.Skipped++
		case err != nil:
			res.Failed++
		default:
			res.Applied++
		}
	}
	return res, nil
}

// BulkAdjust overwrites time_in/time_out across the targeted sessions.
// A field is only set when both its date and time components were supplied;
// an incomplete pair means no change for that field. Records whose resolved
// interval would invert are failed, not reordered.
func (s *Service) BulkAdjust(ctx context.Context, ids []string, in, out TimeEdit) (BulkResult, error) {
	newIn, err := in.Resolve(s.loc)
	if err != nil {
		return BulkResult{}, err
	}
	newOut, err := out.Resolve(s.loc)
	if err != nil {
		return BulkResult{}, err
	}
	bulkOpsTotal.WithLabelValues("adjust").Inc()
	var res BulkResult
	if newIn == nil && newOut == nil {
		res.Skipped = len(ids)
		return res, nil
	}
	for _, id := range ids {
		sess, err := s.store.GetSession(ctx, id)
		if errors.Is(err, ErrSessionNotFound) {
			res.Skipped++
			continue
		}
		if err != nil {
			res.Failed++
			continue
		}
		effIn := sess.TimeIn
		if newIn != nil {
			effIn = *newIn
		}
		effOut := sess.TimeOut
		if newOut != nil {
			effOut = newOut
		}
		if effOut != nil && effOut.Before(effIn) {
			res.Failed++
			continue
		}
		if err := s.store.SetSessionTimes(ctx, id, newIn, newOut); err != nil {
			res.Failed++
			continue
		}
		res.Applied++
	}
	return res, nil
}

// --- Performance Aggregator ---

// PerformanceStat is the per-account summary served to dashboards.
type PerformanceStat struct {
	AccountID          string   `json:"account_id"`
	SchoolID           string   `json:"school_id"`
	Name               string   `json:"name"`
	JobName            *string  `json:"job_name,omitempty"`
	IsOnline           bool     `json:"is_online"`
	TotalRenderedHours float64  `json:"total_rendered_hours"`
	AvgDailyHours      float64  `json:"avg_daily_hours"`
	AvgWeeklyHours     float64  `json:"avg_weekly_hours"`
	AdjustmentHours    float64  `json:"adjustment_hours"`
}

// PerformanceFilter narrows AggregateAll.
type PerformanceFilter struct {
	Role      string // "student" (default), "manager", "all"
	Status    string // "active" (online), "inactive", "all"
	Suspended string // "true", "false" (default), "all"
	Search    string
	AccountID string
	From      *time.Time
	To        *time.Time
}

// Aggregate computes one account's summary statistics over the optional
// date range. Only completed, non-invalidated sessions contribute minutes;
// time adjustments add to the rendered total but not to the daily/weekly
// averages; is_online reflects an open, non-invalidated session right now.
func (s *Service) Aggregate(ctx context.Context, accountID string, from, to *time.Time) (PerformanceStat, error) {
	acct, err := s.store.GetAccount(ctx, accountID)
	if err != nil {
		return PerformanceStat{}, err
	}
	return s.aggregateAccount(ctx, acct, from, to)
}

func (s *Service) aggregateAccount(ctx context.Context, acct *Account, from, to *time.Time) (PerformanceStat, error) {
	sessions, err := s.store.CompletedSessions(ctx, acct.ID, from, to)
	if err != nil {
		return PerformanceStat{}, err
	}

	var totalMinutes int64
	days := make(map[string]struct{})
	weeks := make(map[string]struct{})
	for _, sess := range sessions {
		mins, err := sess.DurationMinutes()
		if err != nil || mins == nil {
			continue // corrupt or still-open rows contribute nothing
		}
		totalMinutes += *mins
		local := sess.TimeIn.In(s.loc)
		days[local.Format("2006-01-02")] = struct{}{}
		year, week := local.ISOWeek()
		weeks[fmt.Sprintf("%d-W%02d", year, week)] = struct{}{}
	}

	adjMinutes, err := s.store.SumAdjustmentMinutes(ctx, acct.ID)
	if err != nil {
		return PerformanceStat{}, err
	}
	online, err := s.store.HasOpenValidSession(ctx, acct.ID)
	if err != nil {
		return PerformanceStat{}, err
	}

	var jobName *string
	if job, err := s.store.JobAssignment(ctx, acct.ID); err == nil && job != nil {
		jobName = &job.Name
	}

	sessionHours := float64(totalMinutes) / 60
	adjHours := float64(adjMinutes) / 60
	stat := PerformanceStat{
		AccountID:          acct.ID,
		SchoolID:           acct.SchoolID,
		Name:               acct.DisplayName(),
		JobName:            jobName,
		IsOnline:           online,
		TotalRenderedHours: round2(sessionHours + adjHours),
		AdjustmentHours:    round2(adjHours),
	}
	if len(days) > 0 {
		stat.AvgDailyHours = round2(sessionHours / float64(len(days)))
	}
	if len(weeks) > 0 {
		stat.AvgWeeklyHours = round2(sessionHours / float64(len(weeks)))
	}
	return stat, nil
}

// AggregateAll computes summaries for every account matching the filter,
// sorted by total rendered hours descending, then name.
func (s *Service) AggregateAll(ctx context.Context, f PerformanceFilter) ([]PerformanceStat, error) {
	role := f.Role
	if role == "" {
		role = RoleStudent
	}
	if role == "all" {
		role = ""
	}
	suspended := f.Suspended
	if suspended == "" {
		suspended = "false"
	}
	accounts, err := s.store.ListAccounts(ctx, AccountFilter{
		Role:      role,
		Suspended: suspended,
		Search:    f.Search,
		AccountID: f.AccountID,
	})
	if err != nil {
		return nil, err
	}

	stats := make([]PerformanceStat, 0, len(accounts))
	for i := range accounts {
		stat, err := s.aggregateAccount(ctx, &accounts[i], f.From, f.To)
		if err != nil {
			return nil, err
		}
		if f.Status == "active" && !stat.IsOnline {
			continue
		}
		if f.Status == "inactive" && stat.IsOnline {
			continue
		}
		stats = append(stats, stat)
	}
	sort.Slice(stats, func(i, j int) bool {
		if stats[i].TotalRenderedHours != stats[j].TotalRenderedHours {
			return stats[i].TotalRenderedHours > stats[j].TotalRenderedHours
		}
		return stats[i].Name < stats[j].Name
	})
	return stats, nil
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}

// --- Attendance summary ---

// SummaryRow is the total time one account rendered in a range, counting
// open sessions up to now and excluding invalidated ones.
type SummaryRow struct {
	AccountID     string  `json:"account_id"`
	AccountName   string  `json:"account_name"`
	SchoolID      string  `json:"school_id"`
	TotalSessions int     `json:"total_sessions"`
	TotalMinutes  int64   `json:"total_minutes"`
	TotalHours    float64 `json:"total_hours"`
}

// Summary groups session time per account over the optional range.
func (s *Service) Summary(ctx context.Context, from, to *time.Time) ([]SummaryRow, error) {
	views, _, err := s.store.ListSessions(ctx, SessionFilter{
		From:               from,
		To:                 to,
		ExcludeInvalidated: true,
	})
	if err != nil {
		return nil, err
	}
	now := s.now()
	rows := make(map[string]*SummaryRow)
	for _, v := range views {
		row, ok := rows[v.AccountID]
		if !ok {
			row = &SummaryRow{AccountID: v.AccountID, AccountName: v.AccountName, SchoolID: v.SchoolID}
			rows[v.AccountID] = row
		}
		row.TotalSessions++
		end := now
		if v.TimeOut != nil {
			end = *v.TimeOut
		}
		if end.After(v.TimeIn) {
			row.TotalMinutes += int64(end.Sub(v.TimeIn) / time.Minute)
		}
	}
	out := make([]SummaryRow, 0, len(rows))
	for _, row := range rows {
		row.TotalHours = round2(float64(row.TotalMinutes) / 60)
		out = append(out, *row)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].TotalMinutes != out[j].TotalMinutes {
			return out[i].TotalMinutes > out[j].TotalMinutes
		}
		return out[i].AccountName < out[j].AccountName
	})
	return out, nil
}

// --- Time adjustments ---

// CreateAdjustment records a signed minute credit or deduction for a
// student account, attributed to the acting manager.
func (s *Service) CreateAdjustment(ctx context.Context, accountID string, managerID *string, minutes int64, reason string) (TimeAdjustment, error) {
	if strings.TrimSpace(reason) == "" {
		return TimeAdjustment{}, ErrReasonRequired
	}
	acct, err := s.store.GetAccount(ctx, accountID)
	if err != nil {
		return TimeAdjustment{}, err
	}
	if acct.Role != RoleStudent {
		return TimeAdjustment{}, ErrNotStudent
	}
	return s.store.CreateAdjustment(ctx, TimeAdjustment{
		AccountID:         accountID,
		ManagerID:         managerID,
		AdjustmentMinutes: minutes,
		Reason:            reason,
		CreatedAt:         s.now(),
	})
}

// ListAdjustments returns adjustments, newest first, with the total count.
func (s *Service) ListAdjustments(ctx context.Context, accountID string, limit, offset int) ([]TimeAdjustment, int, error) {
	return s.store.ListAdjustments(ctx, accountID, limit, offset)
}

// DeleteAdjustment removes an adjustment record.
func (s *Service) DeleteAdjustment(ctx context.Context, id string) error {
	return s.store.DeleteAdjustment(ctx, id)
}

// --- Move-Up Engine ---

// MoveUpEligibleStudents advances every student one semester (X.1 -> X.2,
// X.2 -> (X+1).1) in a single best-effort pass. Students at the ceiling or
// with no year level are left unchanged and excluded from the count.
func (s *Service) MoveUpEligibleStudents(ctx context.Context) (int, error) {
	return s.store.MoveUpStudents(ctx)
}

// AutoCloseOpenSessions closes every session still open that began before
// cutoff, stamping the properties bag so the closure is attributable to the
// maintenance pass rather than a punch. Used by the nightly worker.
func (s *Service) AutoCloseOpenSessions(ctx context.Context, cutoff time.Time) (int, error) {
	return s.store.AutoCloseOpenSessions(ctx, cutoff)
}
