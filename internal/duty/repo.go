package duty

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
)

// Repository persists duty records in Postgres.
//
// The "at most one open session per account" invariant is enforced in the
// schema by a partial unique index:
//
//	CREATE UNIQUE INDEX duty_sessions_one_open
//	    ON duty_sessions (account_id) WHERE time_out IS NULL;
//
// so concurrent punches for the same account serialize at the database, not
// in application code.
type Repository struct {
	db *sql.DB
}

// NewRepository creates a repo.
func NewRepository(db *sql.DB) *Repository {
	return &Repository{db: db}
}

const sessionColumns = `id, account_id, time_in, time_out, invalidated_at, invalidation_notes, properties, created_at, updated_at`

func scanSession(row interface{ Scan(...any) error }) (*Session, error) {
	var s Session
	err := row.Scan(&s.ID, &s.AccountID, &s.TimeIn, &s.TimeOut,
		&s.InvalidatedAt, &s.InvalidationNotes, &s.Properties, &s.CreatedAt, &s.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &s, nil
}

// GetAccount returns the engine's slice of an account record.
func (r *Repository) GetAccount(ctx context.Context, id string) (*Account, error) {
	return r.accountBy(ctx, "id", id)
}

// GetAccountBySchoolID resolves the kiosk punch identifier.
func (r *Repository) GetAccountBySchoolID(ctx context.Context, schoolID string) (*Account, error) {
	return r.accountBy(ctx, "school_id", schoolID)
}

func (r *Repository) accountBy(ctx context.Context, col, val string) (*Account, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT id, COALESCE(school_id, ''), COALESCE(first_name, ''), COALESCE(last_name, ''),
		       role, course, year_level, suspended_at
		FROM accounts WHERE `+col+` = $1
	`, val)
	var a Account
	err := row.Scan(&a.ID, &a.SchoolID, &a.FirstName, &a.LastName, &a.Role, &a.Course, &a.YearLevel, &a.SuspendedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrAccountNotFound
	}
	if err != nil {
		return nil, err
	}
	return &a, nil
}

// ListAccounts returns accounts matching the filter, ordered by name.
func (r *Repository) ListAccounts(ctx context.Context, f AccountFilter) ([]Account, error) {
	query := `
		SELECT id, COALESCE(school_id, ''), COALESCE(first_name, ''), COALESCE(last_name, ''),
		       role, course, year_level, suspended_at
		FROM accounts`
	args := []any{}
	clauses := []string{}
	if f.Role != "" {
		clauses = append(clauses, "role = $"+strconv.Itoa(len(args)+1))
		args = append(args, f.Role)
	} else {
		clauses = append(clauses, "role IN ('student', 'manager')")
	}
	switch f.Suspended {
	case "true":
		clauses = append(clauses, "suspended_at IS NOT NULL")
	case "false":
		clauses = append(clauses, "suspended_at IS NULL")
	}
	if f.Search != "" {
		n := strconv.Itoa(len(args) + 1)
		clauses = append(clauses, "(first_name ILIKE $"+n+" OR last_name ILIKE $"+n+" OR school_id ILIKE $"+n+")")
		args = append(args, "%"+f.Search+"%")
	}
	if f.AccountID != "" {
		clauses = append(clauses, "id = $"+strconv.Itoa(len(args)+1))
		args = append(args, f.AccountID)
	}
	if len(clauses) > 0 {
		query += " WHERE " + strings.Join(clauses, " AND ")
	}
	query += " ORDER BY first_name, last_name"

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []Account
	for rows.Next() {
		var a Account
		if err := rows.Scan(&a.ID, &a.SchoolID, &a.FirstName, &a.LastName, &a.Role, &a.Course, &a.YearLevel, &a.SuspendedAt); err != nil {
			return nil, err
		}
		res = append(res, a)
	}
	return res, rows.Err()
}

// JobAssignment returns the account's duty assignment, nil when jobless.
func (r *Repository) JobAssignment(ctx context.Context, accountID string) (*JobInfo, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT j.id, j.name
		FROM account_jobs aj
		JOIN jobs j ON aj.job_id = j.id
		WHERE aj.account_id = $1
		LIMIT 1
	`, accountID)
	var job JobInfo
	if err := row.Scan(&job.ID, &job.Name); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return &job, nil
}

// OpenSession creates a new open session, relying on the partial unique
// index so two concurrent time-ins for one account cannot both succeed.
func (r *Repository) OpenSession(ctx context.Context, accountID string, timeIn time.Time, properties json.RawMessage) (*Session, error) {
	s := Session{
		ID:         uuid.NewString(),
		AccountID:  accountID,
		TimeIn:     timeIn,
		Properties: properties,
	}
	row := r.db.QueryRowContext(ctx, `
		INSERT INTO duty_sessions (id, account_id, time_in, time_out, properties)
		SELECT $1, $2, $3, NULL, $4
		WHERE NOT EXISTS (
			SELECT 1 FROM duty_sessions WHERE account_id = $2 AND time_out IS NULL
		)
		RETURNING created_at, updated_at
	`, s.ID, s.AccountID, s.TimeIn, nullableJSON(properties))
	err := row.Scan(&s.CreatedAt, &s.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) || isUniqueViolation(err) {
		return nil, ErrOpenSessionExists
	}
	if err != nil {
		return nil, err
	}
	return &s, nil
}

// FindOpenSession returns the account's open session, nil when none.
func (r *Repository) FindOpenSession(ctx context.Context, accountID string) (*Session, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT `+sessionColumns+`
		FROM duty_sessions
		WHERE account_id = $1 AND time_out IS NULL
		ORDER BY time_in DESC
		LIMIT 1
	`, accountID)
	s, err := scanSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return s, err
}

// CloseOpenSession atomically closes the account's open session, optionally
// invalidating it in the same statement (forced early time-out). Returns
// nil when a concurrent punch already closed it.
func (r *Repository) CloseOpenSession(ctx context.Context, accountID string, timeOut time.Time, invalidatedAt *time.Time, notes *string) (*Session, error) {
	row := r.db.QueryRowContext(ctx, `
		UPDATE duty_sessions
		SET time_out = $2, invalidated_at = $3, invalidation_notes = $4, updated_at = NOW()
		WHERE account_id = $1 AND time_out IS NULL
		RETURNING `+sessionColumns+`
	`, accountID, timeOut, invalidatedAt, notes)
	s, err := scanSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return s, err
}

// HasOpenValidSession reports whether the account is currently on duty.
func (r *Repository) HasOpenValidSession(ctx context.Context, accountID string) (bool, error) {
	var online bool
	err := r.db.QueryRowContext(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM duty_sessions
			WHERE account_id = $1 AND time_out IS NULL AND invalidated_at IS NULL
		)
	`, accountID).Scan(&online)
	return online, err
}

// GetSession returns a single session by id.
func (r *Repository) GetSession(ctx context.Context, id string) (*Session, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT `+sessionColumns+` FROM duty_sessions WHERE id = $1
	`, id)
	s, err := scanSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrSessionNotFound
	}
	return s, err
}

// CloseSessionIfOpen sets time_out on one session only if it is still open.
func (r *Repository) CloseSessionIfOpen(ctx context.Context, id string, timeOut time.Time) (bool, error) {
	res, err := r.db.ExecContext(ctx, `
		UPDATE duty_sessions
		SET time_out = $2, updated_at = NOW()
		WHERE id = $1 AND time_out IS NULL
	`, id, timeOut)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// SetSessionTimes overwrites time_in and/or time_out; nil means unchanged.
func (r *Repository) SetSessionTimes(ctx context.Context, id string, timeIn, timeOut *time.Time) error {
	sets := []string{}
	args := []any{id}
	if timeIn != nil {
		sets = append(sets, "time_in = $"+strconv.Itoa(len(args)+1))
		args = append(args, *timeIn)
	}
	if timeOut != nil {
		sets = append(sets, "time_out = $"+strconv.Itoa(len(args)+1))
		args = append(args, *timeOut)
	}
	if len(sets) == 0 {
		return nil
	}
	sets = append(sets, "updated_at = NOW()")
	res, err := r.db.ExecContext(ctx,
		"UPDATE duty_sessions SET "+strings.Join(sets, ", ")+" WHERE id = $1", args...)
	if err != nil {
		return err
	}
	return requireRow(res, ErrSessionNotFound)
}

// InvalidateSession marks a session invalid; autoTimeOut bounds a still-open
// session in the same statement.
func (r *Repository) InvalidateSession(ctx context.Context, id string, at time.Time, notes string, autoTimeOut *time.Time) error {
	res, err := r.db.ExecContext(ctx, `
		UPDATE duty_sessions
		SET invalidated_at = $2, invalidation_notes = $3,
		    time_out = COALESCE(time_out, $4), updated_at = NOW()
		WHERE id = $1
	`, id, at, notes, autoTimeOut)
	if err != nil {
		return err
	}
	return requireRow(res, ErrSessionNotFound)
}

// RevalidateSession clears a session's invalidation marker and notes.
func (r *Repository) RevalidateSession(ctx context.Context, id string) error {
	res, err := r.db.ExecContext(ctx, `
		UPDATE duty_sessions
		SET invalidated_at = NULL, invalidation_notes = NULL, updated_at = NOW()
		WHERE id = $1
	`, id)
	if err != nil {
		return err
	}
	return requireRow(res, ErrSessionNotFound)
}

// DeleteSession removes a session permanently.
func (r *Repository) DeleteSession(ctx context.Context, id string) error {
	res, err := r.db.ExecContext(ctx, `DELETE FROM duty_sessions WHERE id = $1`, id)
	if err != nil {
		return err
	}
	return requireRow(res, ErrSessionNotFound)
}

// ListSessions returns sessions joined with account display attributes,
// open sessions first, plus the total match count for pagination.
func (r *Repository) ListSessions(ctx context.Context, f SessionFilter) ([]SessionView, int, error) {
	args := []any{}
	clauses := []string{}
	if f.AccountID != "" {
		clauses = append(clauses, "s.account_id = $"+strconv.Itoa(len(args)+1))
		args = append(args, f.AccountID)
	}
	if f.From != nil {
		clauses = append(clauses, "s.time_in >= $"+strconv.Itoa(len(args)+1))
		args = append(args, *f.From)
	}
	if f.To != nil {
		clauses = append(clauses, "s.time_in <= $"+strconv.Itoa(len(args)+1))
		args = append(args, *f.To)
	}
	if f.ActiveOnly {
		clauses = append(clauses, "s.time_out IS NULL")
	}
	if f.ExcludeInvalidated {
		clauses = append(clauses, "s.invalidated_at IS NULL")
	}
	where := ""
	if len(clauses) > 0 {
		where = " WHERE " + strings.Join(clauses, " AND ")
	}

	var total int
	if err := r.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM duty_sessions s"+where, args...).Scan(&total); err != nil {
		return nil, 0, err
	}

	query := `
		SELECT s.id, s.account_id, s.time_in, s.time_out, s.invalidated_at, s.invalidation_notes,
		       s.properties, s.created_at, s.updated_at,
		       TRIM(COALESCE(a.first_name, '') || ' ' || COALESCE(a.last_name, '')),
		       COALESCE(a.school_id, '')
		FROM duty_sessions s
		JOIN accounts a ON s.account_id = a.id` + where + `
		ORDER BY (s.time_out IS NULL) DESC, s.time_in DESC`
	if f.Limit > 0 {
		query += " LIMIT $" + strconv.Itoa(len(args)+1) + " OFFSET $" + strconv.Itoa(len(args)+2)
		args = append(args, f.Limit, f.Offset)
	}

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()
	var res []SessionView
	for rows.Next() {
		var v SessionView
		if err := rows.Scan(&v.ID, &v.AccountID, &v.TimeIn, &v.TimeOut, &v.InvalidatedAt,
			&v.InvalidationNotes, &v.Properties, &v.CreatedAt, &v.UpdatedAt,
			&v.AccountName, &v.SchoolID); err != nil {
			return nil, 0, err
		}
		res = append(res, v)
	}
	return res, total, rows.Err()
}

// CompletedSessions returns the account's closed, non-invalidated sessions
// in the optional range, the aggregator's input.
func (r *Repository) CompletedSessions(ctx context.Context, accountID string, from, to *time.Time) ([]Session, error) {
	query := `
		SELECT ` + sessionColumns + `
		FROM duty_sessions
		WHERE account_id = $1 AND time_out IS NOT NULL AND invalidated_at IS NULL`
	args := []any{accountID}
	if from != nil {
		query += " AND time_in >= $" + strconv.Itoa(len(args)+1)
		args = append(args, *from)
	}
	if to != nil {
		query += " AND time_in <= $" + strconv.Itoa(len(args)+1)
		args = append(args, *to)
	}
	query += " ORDER BY time_in"

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []Session
	for rows.Next() {
		s, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, *s)
	}
	return res, rows.Err()
}

// OverdueCount counts open, non-invalidated sessions started before dayStart.
func (r *Repository) OverdueCount(ctx context.Context, dayStart time.Time) (int, error) {
	var count int
	err := r.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM duty_sessions
		WHERE time_out IS NULL AND invalidated_at IS NULL AND time_in < $1
	`, dayStart).Scan(&count)
	return count, err
}

// AutoCloseOpenSessions closes every open session that began before cutoff,
// marking the properties bag so the closure is attributable.
func (r *Repository) AutoCloseOpenSessions(ctx context.Context, cutoff time.Time) (int, error) {
	res, err := r.db.ExecContext(ctx, `
		UPDATE duty_sessions
		SET time_out = $1, updated_at = NOW(),
		    properties = COALESCE(properties, '{}'::jsonb) || '{"auto_closed": true}'::jsonb
		WHERE time_out IS NULL AND time_in < $1
	`, cutoff)
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	return int(n), err
}

// CreateAdjustment inserts an adjustment and returns it with the manager's
// display name resolved.
func (r *Repository) CreateAdjustment(ctx context.Context, adj TimeAdjustment) (TimeAdjustment, error) {
	if adj.ID == "" {
		adj.ID = uuid.NewString()
	}
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO time_adjustments (id, account_id, manager_id, adjustment_minutes, reason)
		VALUES ($1, $2, $3, $4, $5)
	`, adj.ID, adj.AccountID, adj.ManagerID, adj.AdjustmentMinutes, adj.Reason)
	if err != nil {
		return TimeAdjustment{}, err
	}
	return r.getAdjustment(ctx, adj.ID)
}

func (r *Repository) getAdjustment(ctx context.Context, id string) (TimeAdjustment, error) {
	row := r.db.QueryRowContext(ctx, adjustmentSelect+` WHERE ta.id = $1`, id)
	var a TimeAdjustment
	err := row.Scan(&a.ID, &a.AccountID, &a.ManagerID, &a.ManagerName, &a.AdjustmentMinutes, &a.Reason, &a.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return TimeAdjustment{}, ErrAdjustmentNotFound
	}
	return a, err
}

const adjustmentSelect = `
	SELECT ta.id, ta.account_id, ta.manager_id,
	       NULLIF(TRIM(COALESCE(m.first_name, '') || ' ' || COALESCE(m.last_name, '')), ''),
	       ta.adjustment_minutes, ta.reason, ta.created_at
	FROM time_adjustments ta
	LEFT JOIN accounts m ON ta.manager_id = m.id`

// SumAdjustmentMinutes totals the account's signed adjustments.
func (r *Repository) SumAdjustmentMinutes(ctx context.Context, accountID string) (int64, error) {
	var sum int64
	err := r.db.QueryRowContext(ctx, `
		SELECT COALESCE(SUM(adjustment_minutes), 0)
		FROM time_adjustments WHERE account_id = $1
	`, accountID).Scan(&sum)
	return sum, err
}

// ListAdjustments returns adjustments newest first with the total count.
func (r *Repository) ListAdjustments(ctx context.Context, accountID string, limit, offset int) ([]TimeAdjustment, int, error) {
	where := ""
	args := []any{}
	if accountID != "" {
		where = " WHERE ta.account_id = $1"
		args = append(args, accountID)
	}
	var total int
	if err := r.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM time_adjustments ta"+where, args...).Scan(&total); err != nil {
		return nil, 0, err
	}

	query := adjustmentSelect + where + " ORDER BY ta.created_at DESC"
	if limit > 0 {
		query += " LIMIT $" + strconv.Itoa(len(args)+1) + " OFFSET $" + strconv.Itoa(len(args)+2)
		args = append(args, limit, offset)
	}
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()
	var res []TimeAdjustment
	for rows.Next() {
		var a TimeAdjustment
		if err := rows.Scan(&a.ID, &a.AccountID, &a.ManagerID, &a.ManagerName, &a.AdjustmentMinutes, &a.Reason, &a.CreatedAt); err != nil {
			return nil, 0, err
		}
		res = append(res, a)
	}
	return res, total, rows.Err()
}

// DeleteAdjustment removes an adjustment record.
func (r *Repository) DeleteAdjustment(ctx context.Context, id string) error {
	res, err := r.db.ExecContext(ctx, `DELETE FROM time_adjustments WHERE id = $1`, id)
	if err != nil {
		return err
	}
	return requireRow(res, ErrAdjustmentNotFound)
}

// MoveUpStudents advances eligible students one semester in a single pass:
// X.1 gains 0.1, X.2 below the ceiling gains 0.9. Returns how many rows
// advanced; accounts with a null year level never match.
func (r *Repository) MoveUpStudents(ctx context.Context) (int, error) {
	res, err := r.db.ExecContext(ctx, `
		UPDATE accounts
		SET year_level = CASE
		        WHEN MOD(CAST(ROUND(year_level * 10) AS int), 10) = 1 THEN year_level + 0.1
		        ELSE year_level + 0.9
		    END,
		    updated_at = NOW()
		WHERE role = 'student'
		  AND year_level >= 1
		  AND (
		        MOD(CAST(ROUND(year_level * 10) AS int), 10) = 1
		     OR (MOD(CAST(ROUND(year_level * 10) AS int), 10) = 2 AND year_level < 4.15)
		  )
	`)
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	return int(n), err
}

func requireRow(res sql.Result, missing error) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return missing
	}
	return nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

func nullableJSON(raw json.RawMessage) any {
	if len(raw) == 0 {
		return nil
	}
	return []byte(raw)
}

