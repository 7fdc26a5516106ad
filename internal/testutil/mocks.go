package testutil

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	domainErrors "github.com/Yuto0419/GitHub-Copilot-Agent-Workshop-with-Enterprise-Microservices-sub000/internal/domain/errors"
	"github.com/Yuto0419/GitHub-Copilot-Agent-Workshop-with-Enterprise-Microservices-sub000/internal/domain/idempotency"
	"github.com/Yuto0419/GitHub-Copilot-Agent-Workshop-with-Enterprise-Microservices-sub000/internal/domain/outbox"
	"github.com/Yuto0419/GitHub-Copilot-Agent-Workshop-with-Enterprise-Microservices-sub000/internal/domain/profile"
	"github.com/Yuto0419/GitHub-Copilot-Agent-Workshop-with-Enterprise-Microservices-sub000/internal/domain/saga"
	"github.com/Yuto0419/GitHub-Copilot-Agent-Workshop-with-Enterprise-Microservices-sub000/pkg/clock"
	"github.com/google/uuid"
)

// Snapshotter is implemented by the in-memory stores so that
// MockTransactionManager can roll them back.
type Snapshotter interface {
	Snapshot() (restore func())
}

// --- Transaction Manager Mock ---

type txCtxKey struct{}

// MockTransactionManager runs fn directly. Participants are restored to
// their pre-transaction state when fn fails.
type MockTransactionManager struct {
	participants []Snapshotter

	mu        sync.Mutex
	Calls     int
	Rollbacks int

	WithTransactionFunc func(ctx context.Context, fn func(ctx context.Context) error) error
}

func NewMockTransactionManager(participants ...Snapshotter) *MockTransactionManager {
	return &MockTransactionManager{participants: participants}
}

func (m *MockTransactionManager) WithTransaction(ctx context.Context, fn func(ctx context.Context) error) error {
	if m.WithTransactionFunc != nil {
		return m.WithTransactionFunc(ctx, fn)
	}
	if ctx.Value(txCtxKey{}) != nil {
		return fn(ctx)
	}

	m.mu.Lock()
	m.Calls++
	m.mu.Unlock()

	restores := make([]func(), 0, len(m.participants))
	for _, p := range m.participants {
		restores = append(restores, p.Snapshot())
	}
	if err := fn(context.WithValue(ctx, txCtxKey{}, true)); err != nil {
		for _, restore := range restores {
			restore()
		}
		m.mu.Lock()
		m.Rollbacks++
		m.mu.Unlock()
		return err
	}
	return nil
}

// --- Saga Repository Mock ---

// MockSagaRepository is an in-memory saga.Repository with the same
// versioning rules as the Postgres store.
type MockSagaRepository struct {
	mu          sync.Mutex
	sagas       map[string]*saga.Saga
	transitions map[string][]saga.Transition
	nextID      int64

	CreateFunc  func(ctx context.Context, s *saga.Saga, t saga.Transition) error
	UpdateFunc  func(ctx context.Context, s *saga.Saga, t *saga.Transition) error
	GetByIDFunc func(ctx context.Context, id string) (*saga.Saga, error)
}

func NewMockSagaRepository() *MockSagaRepository {
	return &MockSagaRepository{
		sagas:       make(map[string]*saga.Saga),
		transitions: make(map[string][]saga.Transition),
	}
}

func (m *MockSagaRepository) Snapshot() func() {
	m.mu.Lock()
	defer m.mu.Unlock()
	sagas := make(map[string]*saga.Saga, len(m.sagas))
	for id, s := range m.sagas {
		sagas[id] = s.Clone()
	}
	transitions := make(map[string][]saga.Transition, len(m.transitions))
	for id, ts := range m.transitions {
		transitions[id] = append([]saga.Transition(nil), ts...)
	}
	return func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		m.sagas = sagas
		m.transitions = transitions
	}
}

func (m *MockSagaRepository) Create(ctx context.Context, s *saga.Saga, t saga.Transition) error {
	if m.CreateFunc != nil {
		return m.CreateFunc(ctx, s, t)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.sagas {
		if existing.Type == s.Type && existing.OriginalEventID == s.OriginalEventID {
			return domainErrors.ErrDuplicateSaga
		}
	}
	m.sagas[s.ID] = s.Clone()
	m.appendLocked(t)
	return nil
}

func (m *MockSagaRepository) Update(ctx context.Context, s *saga.Saga, t *saga.Transition) error {
	if m.UpdateFunc != nil {
		return m.UpdateFunc(ctx, s, t)
	}
	return m.update(s, t)
}

// Store writes through the versioned update without consulting UpdateFunc,
// for hooks that need to simulate a concurrent writer.
func (m *MockSagaRepository) Store(s *saga.Saga, t *saga.Transition) error {
	return m.update(s, t)
}

func (m *MockSagaRepository) update(s *saga.Saga, t *saga.Transition) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	stored, ok := m.sagas[s.ID]
	if !ok {
		return domainErrors.ErrSagaNotFound
	}
	if stored.Version != s.Version {
		return domainErrors.ErrOptimisticLockFailed
	}
	s.Version++
	m.sagas[s.ID] = s.Clone()
	if t != nil {
		m.appendLocked(*t)
	}
	return nil
}

func (m *MockSagaRepository) appendLocked(t saga.Transition) {
	m.nextID++
	t.ID = m.nextID
	m.transitions[t.SagaID] = append(m.transitions[t.SagaID], t)
}

func (m *MockSagaRepository) GetByID(ctx context.Context, id string) (*saga.Saga, error) {
	if m.GetByIDFunc != nil {
		return m.GetByIDFunc(ctx, id)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sagas[id]
	if !ok {
		return nil, domainErrors.ErrSagaNotFound
	}
	return s.Clone(), nil
}

func (m *MockSagaRepository) GetByOriginalEvent(_ context.Context, sagaType saga.Type, eventID string) (*saga.Saga, error) {
	return m.first(func(s *saga.Saga) bool {
		return s.Type == sagaType && s.OriginalEventID == eventID
	})
}

func (m *MockSagaRepository) GetByCorrelationID(_ context.Context, correlationID string) (*saga.Saga, error) {
	return m.first(func(s *saga.Saga) bool { return s.CorrelationID == correlationID })
}

func (m *MockSagaRepository) ListByUserID(_ context.Context, userID string) ([]*saga.Saga, error) {
	return m.filter(0, func(s *saga.Saga) bool { return s.UserID == userID }), nil
}

func (m *MockSagaRepository) History(_ context.Context, sagaID string) ([]saga.Transition, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]saga.Transition(nil), m.transitions[sagaID]...), nil
}

func (m *MockSagaRepository) FindTimedOut(_ context.Context, now time.Time, limit int) ([]*saga.Saga, error) {
	return m.filter(limit, func(s *saga.Saga) bool { return s.IsTimedOut(now) }), nil
}

func (m *MockSagaRepository) FindRetryable(_ context.Context, now time.Time, limit int) ([]*saga.Saga, error) {
	return m.filter(limit, func(s *saga.Saga) bool {
		return s.Retryable() && s.TimeoutAt.After(now)
	}), nil
}

func (m *MockSagaRepository) FindExhausted(_ context.Context, limit int) ([]*saga.Saga, error) {
	return m.filter(limit, func(s *saga.Saga) bool {
		return s.Status == saga.StatusStepFailed && (s.RetriesExhausted() || !s.ErrorType.Retryable())
	}), nil
}

func (m *MockSagaRepository) ListRecentFailed(_ context.Context, since time.Time, limit int) ([]*saga.Saga, error) {
	return m.filter(limit, func(s *saga.Saga) bool {
		switch s.Status {
		case saga.StatusStepFailed, saga.StatusCompensated, saga.StatusCompensationFailed, saga.StatusTimeout:
			return !s.UpdatedAt.Before(since)
		}
		return false
	}), nil
}

func (m *MockSagaRepository) CountActive(_ context.Context) (map[saga.Type]int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	counts := map[saga.Type]int64{saga.TypeRegistration: 0, saga.TypeDeletion: 0}
	for _, s := range m.sagas {
		if !s.Status.IsTerminal() {
			counts[s.Type]++
		}
	}
	return counts, nil
}

func (m *MockSagaRepository) Statistics(_ context.Context) ([]saga.Stat, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	index := map[[2]string]int64{}
	for _, s := range m.sagas {
		index[[2]string{string(s.Type), string(s.Status)}]++
	}
	stats := make([]saga.Stat, 0, len(index))
	for k, n := range index {
		stats = append(stats, saga.Stat{Type: saga.Type(k[0]), Status: saga.Status(k[1]), Count: n})
	}
	sort.Slice(stats, func(i, j int) bool {
		if stats[i].Type != stats[j].Type {
			return stats[i].Type < stats[j].Type
		}
		return stats[i].Status < stats[j].Status
	})
	return stats, nil
}

func (m *MockSagaRepository) DeleteTerminalBefore(_ context.Context, cutoff time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for id, s := range m.sagas {
		if s.Status.IsTerminal() && s.CreatedAt.Before(cutoff) {
			delete(m.sagas, id)
			delete(m.transitions, id)
			n++
		}
	}
	return n, nil
}

// Put seeds a saga without a history row.
func (m *MockSagaRepository) Put(s *saga.Saga) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sagas[s.ID] = s.Clone()
}

// All returns every stored saga ordered by creation time.
func (m *MockSagaRepository) All() []*saga.Saga {
	return m.filter(0, func(*saga.Saga) bool { return true })
}

func (m *MockSagaRepository) first(match func(*saga.Saga) bool) (*saga.Saga, error) {
	found := m.filter(1, match)
	if len(found) == 0 {
		return nil, domainErrors.ErrSagaNotFound
	}
	return found[0], nil
}

func (m *MockSagaRepository) filter(limit int, match func(*saga.Saga) bool) []*saga.Saga {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*saga.Saga
	for _, s := range m.sagas {
		if match(s) {
			out = append(out, s.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

// --- Idempotency Ledger Mock ---

type MockLedger struct {
	mu      sync.Mutex
	records map[string]*idempotency.Record
	clock   clock.Clock

	TryBeginProcessingFunc func(ctx context.Context, eventID, eventType string) (bool, *idempotency.Record, error)
	MarkProcessedFunc      func(ctx context.Context, eventID string, success bool, durationMs int64, errMsg string) error
}

func NewMockLedger(clk clock.Clock) *MockLedger {
	return &MockLedger{records: make(map[string]*idempotency.Record), clock: clk}
}

func (m *MockLedger) Snapshot() func() {
	m.mu.Lock()
	defer m.mu.Unlock()
	records := make(map[string]*idempotency.Record, len(m.records))
	for id, r := range m.records {
		c := *r
		records[id] = &c
	}
	return func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		m.records = records
	}
}

func (m *MockLedger) TryBeginProcessing(ctx context.Context, eventID, eventType string) (bool, *idempotency.Record, error) {
	if m.TryBeginProcessingFunc != nil {
		return m.TryBeginProcessingFunc(ctx, eventID, eventType)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if r, ok := m.records[eventID]; ok {
		c := *r
		return true, &c, nil
	}
	m.records[eventID] = &idempotency.Record{
		EventID:        eventID,
		EventType:      eventType,
		ProcessingNode: "test-node",
		CreatedAt:      m.clock.Now(),
	}
	return false, nil, nil
}

func (m *MockLedger) MarkProcessed(ctx context.Context, eventID string, success bool, durationMs int64, errMsg string) error {
	if m.MarkProcessedFunc != nil {
		return m.MarkProcessedFunc(ctx, eventID, success, durationMs, errMsg)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.records[eventID]
	if !ok {
		return domainErrors.NewDomainError("ledger_missing", "no ledger row for "+eventID, nil)
	}
	now := m.clock.Now()
	r.Processed = true
	r.Success = success
	r.ProcessingTimeMs = durationMs
	r.ErrorMessage = errMsg
	r.ProcessedAt = &now
	return nil
}

func (m *MockLedger) Get(_ context.Context, eventID string) (*idempotency.Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.records[eventID]
	if !ok {
		return nil, nil
	}
	c := *r
	return &c, nil
}

func (m *MockLedger) Cleanup(_ context.Context, olderThan time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for id, r := range m.records {
		if r.CreatedAt.Before(olderThan) {
			delete(m.records, id)
			n++
		}
	}
	return n, nil
}

func (m *MockLedger) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.records)
}

// --- Profile Service Mock ---

type MockProfileService struct {
	mu       sync.Mutex
	profiles map[string]*profile.Profile

	CreateCalls int
	DeleteCalls int

	CreateProfileFunc  func(ctx context.Context, p *profile.Profile) (*profile.Profile, error)
	DeleteProfileFunc  func(ctx context.Context, userID string) error
	GetByUserIDFunc    func(ctx context.Context, userID string) (*profile.Profile, error)
	ExistsByUserIDFunc func(ctx context.Context, userID string) (bool, error)
	ExistsByEmailFunc  func(ctx context.Context, email string) (bool, error)
}

func NewMockProfileService() *MockProfileService {
	return &MockProfileService{profiles: make(map[string]*profile.Profile)}
}

func (m *MockProfileService) CreateProfile(ctx context.Context, p *profile.Profile) (*profile.Profile, error) {
	m.mu.Lock()
	m.CreateCalls++
	m.mu.Unlock()
	if m.CreateProfileFunc != nil {
		return m.CreateProfileFunc(ctx, p)
	}
	return m.Add(p)
}

// Add stores a profile directly, as CreateProfile does without the call count.
func (m *MockProfileService) Add(p *profile.Profile) (*profile.Profile, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.profiles[p.UserID]; ok {
		return nil, domainErrors.ErrDuplicateProfile
	}
	created := *p
	if created.ID == "" {
		created.ID = "profile-" + p.UserID
	}
	m.profiles[p.UserID] = &created
	out := created
	return &out, nil
}

func (m *MockProfileService) DeleteProfile(ctx context.Context, userID string) error {
	m.mu.Lock()
	m.DeleteCalls++
	m.mu.Unlock()
	if m.DeleteProfileFunc != nil {
		return m.DeleteProfileFunc(ctx, userID)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.profiles[userID]; !ok {
		return domainErrors.ErrProfileNotFound
	}
	delete(m.profiles, userID)
	return nil
}

func (m *MockProfileService) GetByUserID(ctx context.Context, userID string) (*profile.Profile, error) {
	if m.GetByUserIDFunc != nil {
		return m.GetByUserIDFunc(ctx, userID)
	}
	p, ok := m.Get(userID)
	if !ok {
		return nil, domainErrors.ErrProfileNotFound
	}
	return p, nil
}

func (m *MockProfileService) ExistsByUserID(ctx context.Context, userID string) (bool, error) {
	if m.ExistsByUserIDFunc != nil {
		return m.ExistsByUserIDFunc(ctx, userID)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.profiles[userID]
	return ok, nil
}

func (m *MockProfileService) ExistsByEmail(ctx context.Context, email string) (bool, error) {
	if m.ExistsByEmailFunc != nil {
		return m.ExistsByEmailFunc(ctx, email)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, p := range m.profiles {
		if strings.EqualFold(p.Email, email) {
			return true, nil
		}
	}
	return false, nil
}

func (m *MockProfileService) Get(userID string) (*profile.Profile, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.profiles[userID]
	if !ok {
		return nil, false
	}
	c := *p
	return &c, true
}

// --- Outbox Repository Mock ---

type MockOutboxRepository struct {
	mu      sync.Mutex
	entries []*outbox.Entry

	InsertFunc func(ctx context.Context, entry *outbox.Entry) error
}

func NewMockOutboxRepository() *MockOutboxRepository {
	return &MockOutboxRepository{}
}

func (m *MockOutboxRepository) Insert(ctx context.Context, entry *outbox.Entry) error {
	if m.InsertFunc != nil {
		return m.InsertFunc(ctx, entry)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	c := *entry
	m.entries = append(m.entries, &c)
	return nil
}

func (m *MockOutboxRepository) GetPending(_ context.Context, limit int) ([]*outbox.Entry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*outbox.Entry
	for _, e := range m.entries {
		if e.Status != outbox.StatusPending {
			continue
		}
		c := *e
		out = append(out, &c)
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

func (m *MockOutboxRepository) MarkPublished(_ context.Context, id uuid.UUID) error {
	return m.mutate(id, func(e *outbox.Entry) {
		now := time.Now()
		e.Status = outbox.StatusPublished
		e.PublishedAt = &now
	})
}

func (m *MockOutboxRepository) MarkFailed(_ context.Context, id uuid.UUID, reason string) error {
	return m.mutate(id, func(e *outbox.Entry) {
		e.RetryCount++
		e.LastError = reason
		if e.Exhausted() {
			e.Status = outbox.StatusFailed
		}
	})
}

func (m *MockOutboxRepository) mutate(id uuid.UUID, fn func(*outbox.Entry)) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, e := range m.entries {
		if e.ID == id {
			fn(e)
			return nil
		}
	}
	return domainErrors.NewDomainError("outbox_missing", "no outbox entry "+id.String(), nil)
}

// Entries returns copies of every stored entry in insertion order.
func (m *MockOutboxRepository) Entries() []*outbox.Entry {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*outbox.Entry, 0, len(m.entries))
	for _, e := range m.entries {
		c := *e
		out = append(out, &c)
	}
	return out
}

// --- Locker Mock ---

// MockLocker grants every lock unless TryLockFunc says otherwise.
type MockLocker struct {
	mu       sync.Mutex
	Acquired []string
	Released []string

	TryLockFunc func(ctx context.Context, name string, ttl time.Duration) (bool, error)
}

func NewMockLocker() *MockLocker {
	return &MockLocker{}
}

func (m *MockLocker) TryLock(ctx context.Context, name string, ttl time.Duration) (func(context.Context) error, bool, error) {
	ok := true
	if m.TryLockFunc != nil {
		var err error
		ok, err = m.TryLockFunc(ctx, name, ttl)
		if err != nil {
			return nil, false, err
		}
	}
	if !ok {
		return nil, false, nil
	}
	m.mu.Lock()
	m.Acquired = append(m.Acquired, name)
	m.mu.Unlock()
	return func(context.Context) error {
		m.mu.Lock()
		defer m.mu.Unlock()
		m.Released = append(m.Released, name)
		return nil
	}, true, nil
}
