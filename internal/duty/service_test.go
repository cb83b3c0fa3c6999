package duty

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var baseTime = time.Date(2024, 3, 4, 9, 0, 0, 0, time.UTC)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func (c *testClock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = t
}

func newTestService(t *testing.T) (*Service, *MemStore, *testClock) {
	t.Helper()
	ms := NewMemStore()
	svc := NewService(ms, 10*time.Minute, time.UTC)
	clock := &testClock{now: baseTime}
	svc.now = clock.Now
	ms.PutAccount(Account{ID: "a1", SchoolID: "S-100", FirstName: "Dana", LastName: "Cruz", Role: RoleStudent})
	return svc, ms, clock
}

func openCount(t *testing.T, svc *Service, accountID string) int {
	t.Helper()
	_, total, err := svc.ListSessions(context.Background(), SessionFilter{AccountID: accountID, ActiveOnly: true})
	require.NoError(t, err)
	return total
}

func TestPunchOpensSession(t *testing.T) {
	svc, ms, _ := newTestService(t)
	ms.AssignJob("a1", JobInfo{ID: "j1", Name: "Library Aide"})
	ctx := context.Background()

	res, err := svc.Punch(ctx, "S-100", false)
	require.NoError(t, err)
	assert.Equal(t, ActionTimeIn, res.Action)
	assert.Equal(t, baseTime, res.Timestamp)
	assert.Equal(t, "Hello, Dana Cruz", res.Title)
	require.NotNil(t, res.Session)
	assert.True(t, res.Session.Open())
	assert.Contains(t, string(res.Session.Properties), "Library Aide")
	assert.Equal(t, 1, openCount(t, svc, "a1"))
}

func TestPunchWithoutJobAssignment(t *testing.T) {
	svc, _, _ := newTestService(t)

	res, err := svc.Punch(context.Background(), "S-100", false)
	require.NoError(t, err)
	assert.Equal(t, ActionTimeIn, res.Action)
	assert.Empty(t, res.Session.Properties)
}

func TestPunchClosesAfterThreshold(t *testing.T) {
	svc, _, clock := newTestService(t)
	ctx := context.Background()

	_, err := svc.Punch(ctx, "S-100", false)
	require.NoError(t, err)

	clock.Advance(45 * time.Minute)
	res, err := svc.Punch(ctx, "S-100", false)
	require.NoError(t, err)
	assert.Equal(t, ActionTimeOut, res.Action)
	assert.Equal(t, "Goodbye, Dana Cruz", res.Title)
	assert.Contains(t, res.Message, "45m")
	require.NotNil(t, res.Session.TimeOut)
	assert.Nil(t, res.Session.InvalidatedAt)
	assert.Equal(t, 0, openCount(t, svc, "a1"))
}

func TestPunchEarlyRequiresConfirmation(t *testing.T) {
	svc, _, clock := newTestService(t)
	ctx := context.Background()

	_, err := svc.Punch(ctx, "S-100", false)
	require.NoError(t, err)

	clock.Advance(5 * time.Minute)
	_, err = svc.Punch(ctx, "S-100", false)
	var early *EarlyTimeoutError
	require.ErrorAs(t, err, &early)
	assert.Equal(t, 5*time.Minute, early.Elapsed)
	assert.Equal(t, 10*time.Minute, early.Threshold)

	// the warning must not have touched the session
	assert.Equal(t, 1, openCount(t, svc, "a1"))
}

func TestPunchEarlyForcedInvalidates(t *testing.T) {
	svc, _, clock := newTestService(t)
	ctx := context.Background()

	_, err := svc.Punch(ctx, "S-100", false)
	require.NoError(t, err)

	clock.Advance(5 * time.Minute)
	res, err := svc.Punch(ctx, "S-100", true)
	require.NoError(t, err)
	assert.Equal(t, ActionTimeOut, res.Action)
	require.NotNil(t, res.Session.TimeOut)
	require.NotNil(t, res.Session.InvalidatedAt)
	require.NotNil(t, res.Session.InvalidationNotes)
	assert.Contains(t, *res.Session.InvalidationNotes, "Timed out too early")
	assert.Equal(t, 0, openCount(t, svc, "a1"))
}

func TestPunchThresholdBoundaryClosesCleanly(t *testing.T) {
	svc, _, clock := newTestService(t)
	ctx := context.Background()

	_, err := svc.Punch(ctx, "S-100", false)
	require.NoError(t, err)

	clock.Advance(10 * time.Minute)
	res, err := svc.Punch(ctx, "S-100", false)
	require.NoError(t, err)
	assert.Nil(t, res.Session.InvalidatedAt)
}

func TestPunchRejectsUnknownAndSuspended(t *testing.T) {
	svc, ms, _ := newTestService(t)
	ms.PutAccount(Account{ID: "a2", SchoolID: "S-200", FirstName: "Sam", Role: RoleStudent, SuspendedAt: timePtr(baseTime.Add(-time.Hour))})
	ms.PutAccount(Account{ID: "a3", SchoolID: "S-300", FirstName: "Root", Role: RoleAdmin})
	ctx := context.Background()

	_, err := svc.Punch(ctx, "S-999", false)
	assert.ErrorIs(t, err, ErrAccountNotFound)

	_, err = svc.Punch(ctx, "S-200", false)
	assert.ErrorIs(t, err, ErrAccountSuspended)

	_, err = svc.Punch(ctx, "S-300", false)
	assert.ErrorIs(t, err, ErrAccountNotFound)
}

func TestConcurrentPunchesKeepOneOpenSession(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()

	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = svc.Punch(ctx, "S-100", false)
		}(i)
	}
	wg.Wait()

	// one punch opens the session; whatever the loser saw, the invariant
	// is that exactly one open session exists afterward
	assert.Equal(t, 1, openCount(t, svc, "a1"))
	succeeded := 0
	for _, err := range errs {
		if err == nil {
			succeeded++
			continue
		}
		var early *EarlyTimeoutError
		if !errors.As(err, &early) {
			t.Fatalf("unexpected punch error: %v", err)
		}
	}
	assert.GreaterOrEqual(t, succeeded, 1)
}

func TestInvalidateOpenSessionBoundsTimeOut(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()

	res, err := svc.Punch(ctx, "S-100", false)
	require.NoError(t, err)

	sess, err := svc.InvalidateSession(ctx, res.Session.ID, "left post unattended")
	require.NoError(t, err)
	require.NotNil(t, sess.TimeOut)
	assert.Equal(t, res.Session.TimeIn.Add(30*time.Minute), *sess.TimeOut)
	require.NotNil(t, sess.InvalidatedAt)
}

func TestInvalidateRequiresNotes(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()

	res, err := svc.Punch(ctx, "S-100", false)
	require.NoError(t, err)

	_, err = svc.InvalidateSession(ctx, res.Session.ID, "   ")
	assert.ErrorIs(t, err, ErrNotesRequired)
}

func TestRevalidateClearsInvalidation(t *testing.T) {
	svc, _, clock := newTestService(t)
	ctx := context.Background()

	res, err := svc.Punch(ctx, "S-100", false)
	require.NoError(t, err)
	clock.Advance(time.Hour)
	_, err = svc.Punch(ctx, "S-100", false)
	require.NoError(t, err)

	_, err = svc.InvalidateSession(ctx, res.Session.ID, "entered by mistake")
	require.NoError(t, err)

	sess, err := svc.RevalidateSession(ctx, res.Session.ID)
	require.NoError(t, err)
	assert.Nil(t, sess.InvalidatedAt)
	assert.Nil(t, sess.InvalidationNotes)
}

func TestCloseSessionAtOvernight(t *testing.T) {
	svc, ms, clock := newTestService(t)
	ctx := context.Background()

	in := time.Date(2024, 1, 10, 23, 50, 0, 0, time.UTC)
	clock.Set(in)
	opened, err := ms.OpenSession(ctx, "a1", in, nil)
	require.NoError(t, err)

	sess, err := svc.CloseSessionAt(ctx, opened.ID, "00:10")
	require.NoError(t, err)
	require.NotNil(t, sess.TimeOut)
	assert.Equal(t, time.Date(2024, 1, 11, 0, 10, 0, 0, time.UTC), *sess.TimeOut)

	mins, err := sess.DurationMinutes()
	require.NoError(t, err)
	require.NotNil(t, mins)
	assert.Equal(t, int64(20), *mins)
}

func TestAdjustSessionIncompletePairIsNoOp(t *testing.T) {
	svc, ms, _ := newTestService(t)
	ctx := context.Background()

	opened, err := ms.OpenSession(ctx, "a1", baseTime, nil)
	require.NoError(t, err)

	sess, err := svc.AdjustSession(ctx, opened.ID, TimeEdit{Date: "2024-03-04"}, TimeEdit{})
	require.NoError(t, err)
	assert.Equal(t, baseTime, sess.TimeIn)
	assert.Nil(t, sess.TimeOut)
}

func TestAdjustSessionRejectsInvertedInterval(t *testing.T) {
	svc, ms, _ := newTestService(t)
	ctx := context.Background()

	opened, err := ms.OpenSession(ctx, "a1", baseTime, nil)
	require.NoError(t, err)

	_, err = svc.AdjustSession(ctx, opened.ID,
		TimeEdit{},
		TimeEdit{Date: "2024-03-04", Time: "08:00"})
	assert.ErrorIs(t, err, ErrInvalidInterval)
}

func TestBulkCloseMixedStates(t *testing.T) {
	svc, ms, clock := newTestService(t)
	ms.PutAccount(Account{ID: "a2", SchoolID: "S-200", FirstName: "Sam", Role: RoleStudent})
	ctx := context.Background()

	open, err := ms.OpenSession(ctx, "a1", baseTime, nil)
	require.NoError(t, err)
	closed, err := ms.OpenSession(ctx, "a2", baseTime, nil)
	require.NoError(t, err)
	_, err = ms.CloseOpenSession(ctx, "a2", baseTime.Add(time.Hour), nil, nil)
	require.NoError(t, err)

	clock.Advance(2 * time.Hour)
	res, err := svc.BulkClose(ctx, []string{open.ID, closed.ID, "missing"})
	require.NoError(t, err)
	assert.Equal(t, BulkResult{Applied: 1, Skipped: 2, Failed: 0}, res)

	sess, err := svc.GetSession(ctx, open.ID)
	require.NoError(t, err)
	require.NotNil(t, sess.TimeOut)
	assert.Equal(t, baseTime.Add(2*time.Hour), *sess.TimeOut)
}

func TestBulkInvalidateAndRevalidate(t *testing.T) {
	svc, ms, _ := newTestService(t)
	ctx := context.Background()

	open, err := ms.OpenSession(ctx, "a1", baseTime, nil)
	require.NoError(t, err)

	_, err = svc.BulkInvalidate(ctx, []string{open.ID}, "")
	assert.ErrorIs(t, err, ErrNotesRequired)

	res, err := svc.BulkInvalidate(ctx, []string{open.ID, "missing"}, "wrong kiosk")
	require.NoError(t, err)
	assert.Equal(t, BulkResult{Applied: 1, Skipped: 1}, res)

	sess, err := svc.GetSession(ctx, open.ID)
	require.NoError(t, err)
	require.NotNil(t, sess.TimeOut)
	assert.Equal(t, baseTime.Add(30*time.Minute), *sess.TimeOut)

	// second target was never invalidated, so it is skipped
	other, err := ms.OpenSession(ctx, "a1", baseTime.Add(time.Hour), nil)
	require.NoError(t, err)
	rres, err := svc.BulkRevalidate(ctx, []string{open.ID, other.ID})
	require.NoError(t, err)
	assert.Equal(t, BulkResult{Applied: 1, Skipped: 1}, rres)
}

func TestBulkAdjustIncompletePairIsNoOp(t *testing.T) {
	svc, ms, _ := newTestService(t)
	ctx := context.Background()

	s1, err := ms.OpenSession(ctx, "a1", baseTime, nil)
	require.NoError(t, err)

	res, err := svc.BulkAdjust(ctx, []string{s1.ID}, TimeEdit{Date: "2024-03-05"}, TimeEdit{Time: "17:00"})
	require.NoError(t, err)
	assert.Equal(t, BulkResult{Skipped: 1}, res)

	sess, err := svc.GetSession(ctx, s1.ID)
	require.NoError(t, err)
	assert.Equal(t, baseTime, sess.TimeIn)
	assert.Nil(t, sess.TimeOut)
}

func TestBulkAdjustIsolatesFailures(t *testing.T) {
	svc, ms, _ := newTestService(t)
	ms.PutAccount(Account{ID: "a2", SchoolID: "S-200", FirstName: "Sam", Role: RoleStudent})
	ctx := context.Background()

	early, err := ms.OpenSession(ctx, "a1", time.Date(2024, 3, 4, 6, 0, 0, 0, time.UTC), nil)
	require.NoError(t, err)
	late, err := ms.OpenSession(ctx, "a2", time.Date(2024, 3, 4, 12, 0, 0, 0, time.UTC), nil)
	require.NoError(t, err)

	// 09:00 is after the first session's time-in but before the second's
	res, err := svc.BulkAdjust(ctx, []string{early.ID, late.ID, "missing"},
		TimeEdit{},
		TimeEdit{Date: "2024-03-04", Time: "09:00"})
	require.NoError(t, err)
	assert.Equal(t, BulkResult{Applied: 1, Skipped: 1, Failed: 1}, res)

	sess, err := svc.GetSession(ctx, early.ID)
	require.NoError(t, err)
	require.NotNil(t, sess.TimeOut)

	untouched, err := svc.GetSession(ctx, late.ID)
	require.NoError(t, err)
	assert.Nil(t, untouched.TimeOut)
}

func TestBulkDelete(t *testing.T) {
	svc, ms, _ := newTestService(t)
	ctx := context.Background()

	s1, err := ms.OpenSession(ctx, "a1", baseTime, nil)
	require.NoError(t, err)

	res, err := svc.BulkDelete(ctx, []string{s1.ID, "missing"})
	require.NoError(t, err)
	assert.Equal(t, BulkResult{Applied: 1, Skipped: 1}, res)

	_, err = svc.GetSession(ctx, s1.ID)
	assert.ErrorIs(t, err, ErrSessionNotFound)
}

func seedCompleted(t *testing.T, ms *MemStore, accountID string, in time.Time, d time.Duration) *Session {
	t.Helper()
	ctx := context.Background()
	sess, err := ms.OpenSession(ctx, accountID, in, nil)
	require.NoError(t, err)
	_, err = ms.CloseOpenSession(ctx, accountID, in.Add(d), nil, nil)
	require.NoError(t, err)
	return sess
}

func TestAggregateExcludesInvalidated(t *testing.T) {
	svc, ms, _ := newTestService(t)
	ctx := context.Background()

	seedCompleted(t, ms, "a1", time.Date(2024, 3, 4, 9, 0, 0, 0, time.UTC), time.Hour)
	bad := seedCompleted(t, ms, "a1", time.Date(2024, 3, 5, 9, 0, 0, 0, time.UTC), time.Hour)
	require.NoError(t, ms.InvalidateSession(ctx, bad.ID, baseTime, "double punch", nil))

	stat, err := svc.Aggregate(ctx, "a1", nil, nil)
	require.NoError(t, err)
	assert.Equal(t, 1.0, stat.TotalRenderedHours)
	assert.Equal(t, 1.0, stat.AvgDailyHours)
}

func TestAggregateAddsAdjustmentsToTotalOnly(t *testing.T) {
	svc, ms, _ := newTestService(t)
	ctx := context.Background()

	seedCompleted(t, ms, "a1", time.Date(2024, 3, 4, 9, 0, 0, 0, time.UTC), 2*time.Hour)
	seedCompleted(t, ms, "a1", time.Date(2024, 3, 5, 9, 0, 0, 0, time.UTC), 2*time.Hour)
	_, err := svc.CreateAdjustment(ctx, "a1", nil, 30, "makeup credit")
	require.NoError(t, err)

	stat, err := svc.Aggregate(ctx, "a1", nil, nil)
	require.NoError(t, err)
	assert.Equal(t, 4.5, stat.TotalRenderedHours)
	assert.Equal(t, 0.5, stat.AdjustmentHours)
	// two days, 2h each: the adjustment does not move the average
	assert.Equal(t, 2.0, stat.AvgDailyHours)
	assert.Equal(t, 4.0, stat.AvgWeeklyHours)
}

func TestAggregateAllSortsAndFilters(t *testing.T) {
	svc, ms, _ := newTestService(t)
	ms.PutAccount(Account{ID: "a2", SchoolID: "S-200", FirstName: "Sam", LastName: "Lee", Role: RoleStudent})
	ms.PutAccount(Account{ID: "a3", SchoolID: "S-300", FirstName: "Pat", Role: RoleStudent, SuspendedAt: timePtr(baseTime)})
	ctx := context.Background()

	seedCompleted(t, ms, "a1", time.Date(2024, 3, 4, 9, 0, 0, 0, time.UTC), time.Hour)
	seedCompleted(t, ms, "a2", time.Date(2024, 3, 4, 9, 0, 0, 0, time.UTC), 3*time.Hour)

	stats, err := svc.AggregateAll(ctx, PerformanceFilter{})
	require.NoError(t, err)
	require.Len(t, stats, 2) // suspended account excluded by default
	assert.Equal(t, "Sam Lee", stats[0].Name)
	assert.Equal(t, "Dana Cruz", stats[1].Name)

	online, err := svc.AggregateAll(ctx, PerformanceFilter{Status: "active"})
	require.NoError(t, err)
	assert.Empty(t, online)
}

func TestCreateAdjustmentValidation(t *testing.T) {
	svc, ms, _ := newTestService(t)
	ms.PutAccount(Account{ID: "m1", SchoolID: "M-1", FirstName: "Mo", Role: RoleManager})
	ctx := context.Background()

	_, err := svc.CreateAdjustment(ctx, "a1", nil, 30, " ")
	assert.ErrorIs(t, err, ErrReasonRequired)

	_, err = svc.CreateAdjustment(ctx, "m1", nil, 30, "credit")
	assert.ErrorIs(t, err, ErrNotStudent)

	adj, err := svc.CreateAdjustment(ctx, "a1", nil, -45, "left early on the 3rd")
	require.NoError(t, err)
	assert.Equal(t, int64(-45), adj.AdjustmentMinutes)
}

func TestSummaryCountsOpenSessionsToNow(t *testing.T) {
	svc, ms, clock := newTestService(t)
	ctx := context.Background()

	_, err := ms.OpenSession(ctx, "a1", baseTime, nil)
	require.NoError(t, err)
	clock.Advance(90 * time.Minute)

	rows, err := svc.Summary(ctx, nil, nil)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, "Dana Cruz", rows[0].AccountName)
	assert.Equal(t, int64(90), rows[0].TotalMinutes)
	assert.Equal(t, 1.5, rows[0].TotalHours)
}

func TestActiveNamesDedupesAndSorts(t *testing.T) {
	svc, ms, _ := newTestService(t)
	ms.PutAccount(Account{ID: "a2", SchoolID: "S-200", FirstName: "Ari", LastName: "Bell", Role: RoleStudent})
	ctx := context.Background()

	_, err := ms.OpenSession(ctx, "a2", baseTime, nil)
	require.NoError(t, err)
	_, err = ms.OpenSession(ctx, "a1", baseTime.Add(time.Minute), nil)
	require.NoError(t, err)

	names, err := svc.ActiveNames(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"Ari Bell", "Dana Cruz"}, names)
}

func TestSessionStatusUsesInstitutionCalendarDay(t *testing.T) {
	manila, err := time.LoadLocation("Asia/Manila")
	require.NoError(t, err)
	ms := NewMemStore()
	svc := NewService(ms, 10*time.Minute, manila)
	// 09:00 Mar 4 in Manila, still Mar 4 in UTC
	clock := &testClock{now: time.Date(2024, 3, 4, 1, 0, 0, 0, time.UTC)}
	svc.now = clock.Now
	ms.PutAccount(Account{ID: "a1", SchoolID: "S-100", FirstName: "Dana", LastName: "Cruz", Role: RoleStudent})
	ctx := context.Background()

	// opened 07:00 Mar 4 Manila: still Mar 3 on the UTC calendar
	sess, err := ms.OpenSession(ctx, "a1", time.Date(2024, 3, 3, 23, 0, 0, 0, time.UTC), nil)
	require.NoError(t, err)

	assert.Equal(t, StatusActive, svc.SessionStatus(sess))
	count, err := svc.OverdueCount(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, count)

	// 01:00 Mar 5 Manila: the session crossed local midnight unclosed
	clock.Set(time.Date(2024, 3, 4, 17, 0, 0, 0, time.UTC))
	assert.Equal(t, StatusOverdue, svc.SessionStatus(sess))
	count, err = svc.OverdueCount(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}

func TestOverdueCount(t *testing.T) {
	svc, ms, _ := newTestService(t)
	ms.PutAccount(Account{ID: "a2", SchoolID: "S-200", FirstName: "Sam", Role: RoleStudent})
	ctx := context.Background()

	_, err := ms.OpenSession(ctx, "a1", baseTime.Add(-24*time.Hour), nil)
	require.NoError(t, err)
	_, err = ms.OpenSession(ctx, "a2", baseTime, nil)
	require.NoError(t, err)

	count, err := svc.OverdueCount(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}

func TestAutoCloseStampsProperties(t *testing.T) {
	svc, ms, _ := newTestService(t)
	ctx := context.Background()

	opened, err := ms.OpenSession(ctx, "a1", baseTime, nil)
	require.NoError(t, err)

	cutoff := time.Date(2024, 3, 4, 23, 0, 0, 0, time.UTC)
	closed, err := svc.AutoCloseOpenSessions(ctx, cutoff)
	require.NoError(t, err)
	assert.Equal(t, 1, closed)

	sess, err := svc.GetSession(ctx, opened.ID)
	require.NoError(t, err)
	require.NotNil(t, sess.TimeOut)
	assert.Equal(t, cutoff, *sess.TimeOut)
	assert.Contains(t, string(sess.Properties), `"auto_closed":true`)
}

func TestMoveUpEligibleStudents(t *testing.T) {
	svc, ms, _ := newTestService(t)
	lvl := func(v float64) *float64 { return &v }
	ms.PutAccount(Account{ID: "s1", SchoolID: "S-1", FirstName: "A", Role: RoleStudent, YearLevel: lvl(1.1)})
	ms.PutAccount(Account{ID: "s2", SchoolID: "S-2", FirstName: "B", Role: RoleStudent, YearLevel: lvl(1.2)})
	ms.PutAccount(Account{ID: "s3", SchoolID: "S-3", FirstName: "C", Role: RoleStudent, YearLevel: lvl(4.2)})
	ms.PutAccount(Account{ID: "s4", SchoolID: "S-4", FirstName: "D", Role: RoleStudent})
	ctx := context.Background()

	updated, err := svc.MoveUpEligibleStudents(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, updated)

	check := func(id string, want float64) {
		a, err := ms.GetAccount(ctx, id)
		require.NoError(t, err)
		require.NotNil(t, a.YearLevel)
		assert.InDelta(t, want, *a.YearLevel, 0.001)
	}
	check("s1", 1.2)
	check("s2", 2.1)
	check("s3", 4.2)

	none, err := ms.GetAccount(ctx, "s4")
	require.NoError(t, err)
	assert.Nil(t, none.YearLevel)
}
