package duty

import (
	"context"
	"encoding/json"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemStore is an in-memory Store for dev servers and tests, mirroring the
// Postgres repository's semantics including the one-open-session guarantee
// (a single mutex is the serialization point).
type MemStore struct {
	mu          sync.Mutex
	accounts    map[string]*Account
	jobs        map[string]JobInfo
	sessions    map[string]*Session
	adjustments map[string]*TimeAdjustment
}

// NewMemStore creates an empty in-memory store.
func NewMemStore() *MemStore {
	return &MemStore{
		accounts:    make(map[string]*Account),
		jobs:        make(map[string]JobInfo),
		sessions:    make(map[string]*Session),
		adjustments: make(map[string]*TimeAdjustment),
	}
}

// PutAccount inserts or replaces an account record.
func (m *MemStore) PutAccount(a Account) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := a
	m.accounts[a.ID] = &cp
}

// AssignJob attaches a duty assignment to an account.
func (m *MemStore) AssignJob(accountID string, job JobInfo) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.jobs[accountID] = job
}

func (m *MemStore) GetAccount(ctx context.Context, id string) (*Account, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.accounts[id]
	if !ok {
		return nil, ErrAccountNotFound
	}
	cp := *a
	return &cp, nil
}

func (m *MemStore) GetAccountBySchoolID(ctx context.Context, schoolID string) (*Account, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, a := range m.accounts {
		if a.SchoolID == schoolID {
			cp := *a
			return &cp, nil
		}
	}
	return nil, ErrAccountNotFound
}

func (m *MemStore) ListAccounts(ctx context.Context, f AccountFilter) ([]Account, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var res []Account
	for _, a := range m.accounts {
		if f.Role != "" {
			if a.Role != f.Role {
				continue
			}
		} else if a.Role != RoleStudent && a.Role != RoleManager {
			continue
		}
		if f.Suspended == "false" && a.SuspendedAt != nil {
			continue
		}
		if f.Suspended == "true" && a.SuspendedAt == nil {
			continue
		}
		if f.AccountID != "" && a.ID != f.AccountID {
			continue
		}
		if f.Search != "" {
			needle := strings.ToLower(f.Search)
			hay := strings.ToLower(a.FirstName + " " + a.LastName + " " + a.SchoolID)
			if !strings.Contains(hay, needle) {
				continue
			}
		}
		res = append(res, *a)
	}
	sort.Slice(res, func(i, j int) bool { return res[i].DisplayName() < res[j].DisplayName() })
	return res, nil
}

func (m *MemStore) JobAssignment(ctx context.Context, accountID string) (*JobInfo, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	job, ok := m.jobs[accountID]
	if !ok {
		return nil, nil
	}
	cp := job
	return &cp, nil
}

func (m *MemStore) OpenSession(ctx context.Context, accountID string, timeIn time.Time, properties json.RawMessage) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.openLocked(accountID) != nil {
		return nil, ErrOpenSessionExists
	}
	s := &Session{
		ID:         uuid.NewString(),
		AccountID:  accountID,
		TimeIn:     timeIn,
		Properties: properties,
		CreatedAt:  timeIn,
		UpdatedAt:  timeIn,
	}
	m.sessions[s.ID] = s
	cp := *s
	return &cp, nil
}

func (m *MemStore) openLocked(accountID string) *Session {
	var latest *Session
	for _, s := range m.sessions {
		if s.AccountID != accountID || s.TimeOut != nil {
			continue
		}
		if latest == nil || s.TimeIn.After(latest.TimeIn) {
			latest = s
		}
	}
	return latest
}

func (m *MemStore) FindOpenSession(ctx context.Context, accountID string) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s := m.openLocked(accountID); s != nil {
		cp := *s
		return &cp, nil
	}
	return nil, nil
}

func (m *MemStore) CloseOpenSession(ctx context.Context, accountID string, timeOut time.Time, invalidatedAt *time.Time, notes *string) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := m.openLocked(accountID)
	if s == nil {
		return nil, nil
	}
	out := timeOut
	s.TimeOut = &out
	s.InvalidatedAt = invalidatedAt
	s.InvalidationNotes = notes
	s.UpdatedAt = timeOut
	cp := *s
	return &cp, nil
}

func (m *MemStore) HasOpenValidSession(ctx context.Context, accountID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, s := range m.sessions {
		if s.AccountID == accountID && s.TimeOut == nil && s.InvalidatedAt == nil {
			return true, nil
		}
	}
	return false, nil
}

func (m *MemStore) GetSession(ctx context.Context, id string) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok {
		return nil, ErrSessionNotFound
	}
	cp := *s
	return &cp, nil
}

func (m *MemStore) CloseSessionIfOpen(ctx context.Context, id string, timeOut time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok || s.TimeOut != nil {
		return false, nil
	}
	out := timeOut
	s.TimeOut = &out
	s.UpdatedAt = timeOut
	return true, nil
}

func (m *MemStore) SetSessionTimes(ctx context.Context, id string, timeIn, timeOut *time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok {
		return ErrSessionNotFound
	}
	if timeIn != nil {
		s.TimeIn = *timeIn
	}
	if timeOut != nil {
		out := *timeOut
		s.TimeOut = &out
	}
	s.UpdatedAt = time.Now().UTC()
	return nil
}

func (m *MemStore) InvalidateSession(ctx context.Context, id string, at time.Time, notes string, autoTimeOut *time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok {
		return ErrSessionNotFound
	}
	s.InvalidatedAt = &at
	s.InvalidationNotes = &notes
	if s.TimeOut == nil && autoTimeOut != nil {
		out := *autoTimeOut
		s.TimeOut = &out
	}
	s.UpdatedAt = at
	return nil
}

func (m *MemStore) RevalidateSession(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok {
		return ErrSessionNotFound
	}
	s.InvalidatedAt = nil
	s.InvalidationNotes = nil
	s.UpdatedAt = time.Now().UTC()
	return nil
}

func (m *MemStore) DeleteSession(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.sessions[id]; !ok {
		return ErrSessionNotFound
	}
	delete(m.sessions, id)
	return nil
}

func (m *MemStore) ListSessions(ctx context.Context, f SessionFilter) ([]SessionView, int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var all []SessionView
	for _, s := range m.sessions {
		if f.AccountID != "" && s.AccountID != f.AccountID {
			continue
		}
		if f.From != nil && s.TimeIn.Before(*f.From) {
			continue
		}
		if f.To != nil && s.TimeIn.After(*f.To) {
			continue
		}
		if f.ActiveOnly && s.TimeOut != nil {
			continue
		}
		if f.ExcludeInvalidated && s.InvalidatedAt != nil {
			continue
		}
		v := SessionView{Session: *s}
		if a, ok := m.accounts[s.AccountID]; ok {
			v.AccountName = a.DisplayName()
			v.SchoolID = a.SchoolID
		}
		all = append(all, v)
	}
	sort.Slice(all, func(i, j int) bool {
		oi, oj := all[i].TimeOut == nil, all[j].TimeOut == nil
		if oi != oj {
			return oi
		}
		return all[i].TimeIn.After(all[j].TimeIn)
	})
	total := len(all)
	if f.Limit > 0 {
		if f.Offset >= len(all) {
			return nil, total, nil
		}
		all = all[f.Offset:]
		if len(all) > f.Limit {
			all = all[:f.Limit]
		}
	}
	return all, total, nil
}

func (m *MemStore) CompletedSessions(ctx context.Context, accountID string, from, to *time.Time) ([]Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var res []Session
	for _, s := range m.sessions {
		if s.AccountID != accountID || s.TimeOut == nil || s.InvalidatedAt != nil {
			continue
		}
		if from != nil && s.TimeIn.Before(*from) {
			continue
		}
		if to != nil && s.TimeIn.After(*to) {
			continue
		}
		res = append(res, *s)
	}
	sort.Slice(res, func(i, j int) bool { return res[i].TimeIn.Before(res[j].TimeIn) })
	return res, nil
}

func (m *MemStore) OverdueCount(ctx context.Context, dayStart time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	count := 0
	for _, s := range m.sessions {
		if s.TimeOut == nil && s.InvalidatedAt == nil && s.TimeIn.Before(dayStart) {
			count++
		}
	}
	return count, nil
}

func (m *MemStore) AutoCloseOpenSessions(ctx context.Context, cutoff time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	count := 0
	for _, s := range m.sessions {
		if s.TimeOut != nil || !s.TimeIn.Before(cutoff) {
			continue
		}
		out := cutoff
		s.TimeOut = &out
		s.Properties = mergeAutoClosed(s.Properties)
		s.UpdatedAt = cutoff
		count++
	}
	return count, nil
}

func mergeAutoClosed(props json.RawMessage) json.RawMessage {
	bag := map[string]any{}
	if len(props) > 0 {
		_ = json.Unmarshal(props, &bag)
	}
	bag["auto_closed"] = true
	merged, _ := json.Marshal(bag)
	return merged
}

func (m *MemStore) CreateAdjustment(ctx context.Context, adj TimeAdjustment) (TimeAdjustment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if adj.ID == "" {
		adj.ID = uuid.NewString()
	}
	if adj.CreatedAt.IsZero() {
		adj.CreatedAt = time.Now().UTC()
	}
	if adj.ManagerID != nil {
		if mgr, ok := m.accounts[*adj.ManagerID]; ok {
			name := mgr.DisplayName()
			adj.ManagerName = &name
		}
	}
	cp := adj
	m.adjustments[adj.ID] = &cp
	return adj, nil
}

func (m *MemStore) SumAdjustmentMinutes(ctx context.Context, accountID string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var sum int64
	for _, a := range m.adjustments {
		if a.AccountID == accountID {
			sum += a.AdjustmentMinutes
		}
	}
	return sum, nil
}

func (m *MemStore) ListAdjustments(ctx context.Context, accountID string, limit, offset int) ([]TimeAdjustment, int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var all []TimeAdjustment
	for _, a := range m.adjustments {
		if accountID != "" && a.AccountID != accountID {
			continue
		}
		all = append(all, *a)
	}
	sort.Slice(all, func(i, j int) bool { return all[i].CreatedAt.After(all[j].CreatedAt) })
	total := len(all)
	if limit > 0 {
		if offset >= len(all) {
			return nil, total, nil
		}
		all = all[offset:]
		if len(all) > limit {
			all = all[:limit]
		}
	}
	return all, total, nil
}

func (m *MemStore) DeleteAdjustment(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.adjustments[id]; !ok {
		return ErrAdjustmentNotFound
	}
	delete(m.adjustments, id)
	return nil
}

func (m *MemStore) MoveUpStudents(ctx context.Context) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	count := 0
	for _, a := range m.accounts {
		if a.Role != RoleStudent || a.YearLevel == nil {
			continue
		}
		next, ok := NextYearLevel(*a.YearLevel)
		if !ok {
			continue
		}
		a.YearLevel = &next
		count++
	}
	return count, nil
}
