package partition

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/saas/backend/internal/domain/mutation"
	"github.com/saas/backend/internal/domain/shared"
	"github.com/saas/backend/internal/infrastructure/auth"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// memRepo is an in-memory mutation.Repository that enforces the same tenant
// rules as the GORM repository.
type memRepo struct {
	mu      sync.Mutex
	rows    map[uuid.UUID]*mutation.Mutation
	nextSeq int64
	failFor map[uuid.UUID]error
}

func newMemRepo() *memRepo {
	return &memRepo{rows: make(map[uuid.UUID]*mutation.Mutation), failFor: make(map[uuid.UUID]error)}
}

func (r *memRepo) allowed(ctx context.Context, tenantID uuid.UUID) error {
	if auth.IsSystem(ctx) {
		return nil
	}
	current, err := auth.ResolveTenant(ctx)
	if err != nil {
		return shared.ErrTenantContextMissing
	}
	if current != tenantID {
		return shared.ErrNotFound
	}
	return nil
}

func (r *memRepo) Save(ctx context.Context, m *mutation.Mutation) error {
	if err := r.allowed(ctx, m.TenantID); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.nextSeq++
	m.Sequence = r.nextSeq
	r.rows[m.ID] = m.Clone()
	return nil
}

func (r *memRepo) FindByID(ctx context.Context, id uuid.UUID) (*mutation.Mutation, error) {
	r.mu.Lock()
	m, ok := r.rows[id]
	r.mu.Unlock()
	if !ok {
		return nil, shared.ErrNotFound
	}
	if err := r.allowed(ctx, m.TenantID); err != nil {
		return nil, shared.ErrNotFound
	}
	return m.Clone(), nil
}

func (r *memRepo) FindRecoverable(ctx context.Context, limit int) ([]*mutation.Mutation, error) {
	if !auth.IsSystem(ctx) {
		return nil, shared.ErrTenantContextMissing
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*mutation.Mutation
	for _, m := range r.rows {
		if m.Status == mutation.StatusPending || m.Status == mutation.StatusExecuting {
			out = append(out, m.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Sequence < out[j].Sequence })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (r *memRepo) FindDead(ctx context.Context, page, pageSize int) ([]*mutation.Mutation, int64, error) {
	return nil, 0, errors.New("not used")
}

func (r *memRepo) Transition(ctx context.Context, m *mutation.Mutation, from mutation.Status) error {
	if err := r.allowed(ctx, m.TenantID); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.failFor[m.ID]; err != nil {
		return err
	}
	stored, ok := r.rows[m.ID]
	if !ok {
		return shared.ErrNotFound
	}
	if stored.Status != from {
		return fmt.Errorf("mutation %s is %s: %w", m.ID, stored.Status, shared.ErrInvalidState)
	}
	r.rows[m.ID] = m.Clone()
	return nil
}

func (r *memRepo) DeleteFinishedBefore(ctx context.Context, before time.Time) (int64, error) {
	return 0, nil
}

func (r *memRepo) CountByStatus(ctx context.Context) (map[mutation.Status]int64, error) {
	return nil, nil
}

func (r *memRepo) markApplied(id uuid.UUID, balance decimal.Decimal) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if m, ok := r.rows[id]; ok {
		m.MarkApplied(balance, time.Now())
	}
}

func (r *memRepo) status(id uuid.UUID) mutation.Status {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.rows[id].Status
}

// memLedger is an in-memory mutation.Executor holding balances per subject
type memLedger struct {
	mu       sync.Mutex
	balances map[uuid.UUID]decimal.Decimal
	applied  map[uuid.UUID][]int64
	done     map[uuid.UUID]bool
	// gates block execution for a subject until closed
	gates map[uuid.UUID]chan struct{}
	// started receives the mutation id when an attempt begins
	started chan uuid.UUID
	// failures returns an error for the given attempt, or nil
	failures func(m *mutation.Mutation) error
	// repo receives the APPLIED transition, as the balance transaction does
	repo *memRepo
}

func newMemLedger() *memLedger {
	return &memLedger{
		balances: make(map[uuid.UUID]decimal.Decimal),
		applied:  make(map[uuid.UUID][]int64),
		done:     make(map[uuid.UUID]bool),
		gates:    make(map[uuid.UUID]chan struct{}),
		started:  make(chan uuid.UUID, 64),
	}
}

func (l *memLedger) open(subject uuid.UUID, balance int64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.balances[subject] = decimal.NewFromInt(balance)
}

func (l *memLedger) gate(subject uuid.UUID) chan struct{} {
	l.mu.Lock()
	defer l.mu.Unlock()
	ch := make(chan struct{})
	l.gates[subject] = ch
	return ch
}

func (l *memLedger) Apply(ctx context.Context, m *mutation.Mutation) (mutation.Result, error) {
	tenantID, err := auth.ResolveTenant(ctx)
	if err != nil || tenantID != m.TenantID {
		return mutation.Result{}, shared.ErrTenantContextMissing
	}

	select {
	case l.started <- m.ID:
	default:
	}

	l.mu.Lock()
	gate := l.gates[m.SubjectID]
	l.mu.Unlock()
	if gate != nil {
		<-gate
	}

	if l.failures != nil {
		if err := l.failures(m); err != nil {
			return mutation.Result{}, err
		}
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if l.done[m.ID] {
		return mutation.Result{MutationID: m.ID, BalanceAfter: l.balances[m.SubjectID], Duplicate: true}, nil
	}
	balance, ok := l.balances[m.SubjectID]
	if !ok {
		return mutation.Result{}, shared.ErrSubjectNotFound
	}
	balance = balance.Add(m.Delta)
	l.balances[m.SubjectID] = balance
	l.applied[m.SubjectID] = append(l.applied[m.SubjectID], m.Delta.IntPart())
	l.done[m.ID] = true
	if l.repo != nil {
		l.repo.markApplied(m.ID, balance)
	}
	return mutation.Result{MutationID: m.ID, BalanceAfter: balance, AppliedAt: time.Now()}, nil
}

func (l *memLedger) balance(subject uuid.UUID) decimal.Decimal {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.balances[subject]
}

func (l *memLedger) history(subject uuid.UUID) []int64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]int64(nil), l.applied[subject]...)
}

type harness struct {
	t        *testing.T
	repo     *memRepo
	ledger   *memLedger
	d        *Dispatcher
	tenantID uuid.UUID
}

func testConfig() Config {
	return Config{
		IdleLaneTimeout: time.Minute,
		MaxRetries:      3,
		BaseBackoff:     time.Millisecond,
		MaxBackoff:      5 * time.Millisecond,
		TxTimeout:       5 * time.Second,
		DrainOnShutdown: true,
	}
}

func newHarness(t *testing.T, cfg Config, opts ...Option) *harness {
	t.Helper()
	h := &harness{
		t:        t,
		repo:     newMemRepo(),
		ledger:   newMemLedger(),
		tenantID: uuid.New(),
	}
	h.ledger.repo = h.repo
	h.d = NewDispatcher(cfg, h.ledger, h.repo, zap.NewNop(), opts...)
	return h
}

func (h *harness) start() {
	h.t.Helper()
	require.NoError(h.t, h.d.Start(context.Background()))
	h.t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = h.d.Stop(ctx)
	})
}

func (h *harness) ctx() context.Context {
	return auth.WithTenant(context.Background(), h.tenantID)
}

// persist stores a pending mutation the way the balance service does
func (h *harness) persist(subject uuid.UUID, delta int64) *mutation.Mutation {
	h.t.Helper()
	m := mutation.New(h.tenantID, subject, decimal.NewFromInt(delta))
	m.PartitionKey = h.d.Router().Route(m)
	require.NoError(h.t, h.repo.Save(h.ctx(), m))
	return m
}

func (h *harness) submit(subject uuid.UUID, delta int64) (*mutation.Mutation, *Ticket) {
	h.t.Helper()
	m := h.persist(subject, delta)
	ticket, err := h.d.Submit(h.ctx(), m)
	require.NoError(h.t, err)
	return m, ticket
}

func wait(t *testing.T, ticket *Ticket) (mutation.Result, error) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	res, err := ticket.Wait(ctx)
	require.NotErrorIs(t, err, context.DeadlineExceeded, "ticket never completed")
	return res, err
}

func waitStarted(t *testing.T, ledger *memLedger, id uuid.UUID) {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for {
		select {
		case got := <-ledger.started:
			if got == id {
				return
			}
		case <-deadline:
			t.Fatalf("mutation %s never started", id)
		}
	}
}

func TestDispatcher_OrderedPerSubject(t *testing.T) {
	h := newHarness(t, testConfig())
	user123, user456 := uuid.New(), uuid.New()
	h.ledger.open(user123, 100)
	h.ledger.open(user456, 30)
	h.start()

	_, t1 := h.submit(user123, 10)
	_, t2 := h.submit(user123, -20)
	_, t3 := h.submit(user456, 50)

	r1, err := wait(t, t1)
	require.NoError(t, err)
	r2, err := wait(t, t2)
	require.NoError(t, err)
	r3, err := wait(t, t3)
	require.NoError(t, err)

	assert.True(t, r1.BalanceAfter.Equal(decimal.NewFromInt(110)))
	assert.True(t, r2.BalanceAfter.Equal(decimal.NewFromInt(90)))
	assert.True(t, r3.BalanceAfter.Equal(decimal.NewFromInt(80)))
	assert.Equal(t, []int64{10, -20}, h.ledger.history(user123))
	assert.Equal(t, t1.PartitionID, t2.PartitionID)
	assert.Equal(t, user123.String(), t1.PartitionID)

	stats := h.d.Stats()
	assert.Equal(t, int64(3), stats.Applied)
	assert.True(t, stats.Running)
}

func TestDispatcher_ManyDeltasKeepOrder(t *testing.T) {
	h := newHarness(t, testConfig())
	subjects := []uuid.UUID{uuid.New(), uuid.New(), uuid.New()}
	for _, s := range subjects {
		h.ledger.open(s, 0)
	}
	h.start()

	var tickets []*Ticket
	for i := 1; i <= 20; i++ {
		for _, s := range subjects {
			_, ticket := h.submit(s, int64(i))
			tickets = append(tickets, ticket)
		}
	}
	for _, ticket := range tickets {
		_, err := wait(t, ticket)
		require.NoError(t, err)
	}

	want := make([]int64, 20)
	for i := range want {
		want[i] = int64(i + 1)
	}
	for _, s := range subjects {
		assert.Equal(t, want, h.ledger.history(s))
		assert.True(t, h.ledger.balance(s).Equal(decimal.NewFromInt(210)))
	}
}

func TestDispatcher_SubjectsRunInParallel(t *testing.T) {
	h := newHarness(t, testConfig())
	slow, fast := uuid.New(), uuid.New()
	h.ledger.open(slow, 0)
	h.ledger.open(fast, 0)
	gate := h.ledger.gate(slow)
	h.start()

	slowM, slowTicket := h.submit(slow, 1)
	waitStarted(t, h.ledger, slowM.ID)

	_, fastTicket := h.submit(fast, 5)
	res, err := wait(t, fastTicket)
	require.NoError(t, err)
	assert.True(t, res.BalanceAfter.Equal(decimal.NewFromInt(5)))

	select {
	case <-slowTicket.Done():
		t.Fatal("blocked subject completed before its gate opened")
	default:
	}
	assert.Equal(t, 1, h.d.Stats().Executing)

	close(gate)
	_, err = wait(t, slowTicket)
	require.NoError(t, err)
}

func TestDispatcher_NegativeBalanceIsNotClamped(t *testing.T) {
	h := newHarness(t, testConfig())
	subject := uuid.New()
	h.ledger.open(subject, 5)
	h.start()

	_, ticket := h.submit(subject, -50)
	res, err := wait(t, ticket)
	require.NoError(t, err)
	assert.True(t, res.BalanceAfter.Equal(decimal.NewFromInt(-45)))
}

func TestDispatcher_RetriesTransientFailures(t *testing.T) {
	h := newHarness(t, testConfig())
	subject := uuid.New()
	h.ledger.open(subject, 100)
	h.ledger.failures = func(m *mutation.Mutation) error {
		if m.Attempts < 3 {
			return errors.New("could not obtain lock on row")
		}
		return nil
	}
	h.start()

	m, ticket := h.submit(subject, 10)
	res, err := wait(t, ticket)
	require.NoError(t, err)
	assert.True(t, res.BalanceAfter.Equal(decimal.NewFromInt(110)))

	stored, err := h.repo.FindByID(h.ctx(), m.ID)
	require.NoError(t, err)
	assert.Equal(t, 3, stored.Attempts)
	assert.Equal(t, int64(2), h.d.Stats().Retried)
}

func TestDispatcher_DeadLettersExhaustedMutation(t *testing.T) {
	var mu sync.Mutex
	var deadLetters []*mutation.FailedError
	h := newHarness(t, testConfig(), WithDeadLetterHandler(func(ctx context.Context, failed *mutation.FailedError) {
		mu.Lock()
		defer mu.Unlock()
		deadLetters = append(deadLetters, failed)
	}))
	subject := uuid.New()
	h.ledger.open(subject, 100)
	h.start()

	poisoned := h.persist(subject, 10)
	h.ledger.failures = func(m *mutation.Mutation) error {
		if m.ID == poisoned.ID {
			return errors.New("deadlock detected")
		}
		return nil
	}

	first, err := h.d.Submit(h.ctx(), poisoned)
	require.NoError(t, err)
	_, next := h.submit(subject, 5)

	_, err = wait(t, first)
	require.Error(t, err)
	assert.ErrorIs(t, err, shared.ErrMutationFailed)
	var failed *mutation.FailedError
	require.ErrorAs(t, err, &failed)
	assert.True(t, failed.Exhausted)
	assert.Equal(t, 4, failed.Attempts)
	assert.Equal(t, poisoned.ID, failed.Mutation.ID)
	assert.True(t, failed.Mutation.Delta.Equal(decimal.NewFromInt(10)))

	// the lane moves on
	res, err := wait(t, next)
	require.NoError(t, err)
	assert.True(t, res.BalanceAfter.Equal(decimal.NewFromInt(105)))

	assert.Equal(t, mutation.StatusDead, h.repo.status(poisoned.ID))
	mu.Lock()
	assert.Len(t, deadLetters, 1)
	mu.Unlock()
	assert.Equal(t, int64(1), h.d.Stats().Dead)
}

func TestDispatcher_NonTransientFailsImmediately(t *testing.T) {
	h := newHarness(t, testConfig())
	h.start()

	missing := uuid.New()
	m, ticket := h.submit(missing, 10)

	_, err := wait(t, ticket)
	require.Error(t, err)
	assert.ErrorIs(t, err, shared.ErrSubjectNotFound)
	assert.NotErrorIs(t, err, shared.ErrMutationFailed)

	var failed *mutation.FailedError
	require.ErrorAs(t, err, &failed)
	assert.False(t, failed.Exhausted)
	assert.Equal(t, 1, failed.Attempts)
	assert.Equal(t, mutation.StatusDead, h.repo.status(m.ID))
	assert.Zero(t, h.d.Stats().Retried)
}

func TestDispatcher_Cancel(t *testing.T) {
	h := newHarness(t, testConfig())
	subject := uuid.New()
	h.ledger.open(subject, 100)
	gate := h.ledger.gate(subject)
	h.start()

	running, runningTicket := h.submit(subject, 10)
	waitStarted(t, h.ledger, running.ID)
	queued, queuedTicket := h.submit(subject, 20)
	_, lastTicket := h.submit(subject, 30)

	t.Run("executing mutation cannot be cancelled", func(t *testing.T) {
		assert.ErrorIs(t, h.d.Cancel(h.ctx(), running.ID), shared.ErrMutationNotCancellable)
	})

	t.Run("other tenant cannot see the mutation", func(t *testing.T) {
		other := auth.WithTenant(context.Background(), uuid.New())
		assert.ErrorIs(t, h.d.Cancel(other, queued.ID), shared.ErrNotFound)
	})

	t.Run("unknown mutation", func(t *testing.T) {
		assert.ErrorIs(t, h.d.Cancel(h.ctx(), uuid.New()), shared.ErrNotFound)
	})

	t.Run("no principal", func(t *testing.T) {
		assert.ErrorIs(t, h.d.Cancel(context.Background(), queued.ID), shared.ErrUnauthenticated)
	})

	require.NoError(t, h.d.Cancel(h.ctx(), queued.ID))
	_, err := wait(t, queuedTicket)
	assert.ErrorIs(t, err, ErrCancelled)
	assert.Equal(t, mutation.StatusCancelled, h.repo.status(queued.ID))

	close(gate)
	_, err = wait(t, runningTicket)
	require.NoError(t, err)
	res, err := wait(t, lastTicket)
	require.NoError(t, err)

	assert.Equal(t, []int64{10, 30}, h.ledger.history(subject))
	assert.True(t, res.BalanceAfter.Equal(decimal.NewFromInt(140)))
	assert.Equal(t, int64(1), h.d.Stats().Cancelled)
}

func TestDispatcher_CancelPersistFailureKeepsQueue(t *testing.T) {
	h := newHarness(t, testConfig())
	subject := uuid.New()
	h.ledger.open(subject, 0)
	gate := h.ledger.gate(subject)
	h.start()

	running, _ := h.submit(subject, 1)
	waitStarted(t, h.ledger, running.ID)
	queued, queuedTicket := h.submit(subject, 2)

	h.repo.mu.Lock()
	h.repo.failFor[queued.ID] = errors.New("connection reset")
	h.repo.mu.Unlock()

	err := h.d.Cancel(h.ctx(), queued.ID)
	require.Error(t, err)
	assert.Equal(t, 1, h.d.Stats().Queued)

	h.repo.mu.Lock()
	delete(h.repo.failFor, queued.ID)
	h.repo.mu.Unlock()

	close(gate)
	_, err = wait(t, queuedTicket)
	require.NoError(t, err)
	assert.Equal(t, []int64{1, 2}, h.ledger.history(subject))
}

func TestDispatcher_SubmitRequiresRunning(t *testing.T) {
	h := newHarness(t, testConfig())
	subject := uuid.New()
	h.ledger.open(subject, 0)
	gate := h.ledger.gate(subject)

	m := h.persist(subject, 1)
	_, err := h.d.Submit(h.ctx(), m)
	assert.ErrorIs(t, err, ErrDispatcherNotRunning)

	// Start picks the stored mutation up itself, and a later Submit joins it
	h.start()
	waitStarted(t, h.ledger, m.ID)
	recovered, err := h.d.Submit(h.ctx(), m)
	require.NoError(t, err)

	m2 := h.persist(subject, 2)
	ticket, err := h.d.Submit(h.ctx(), m2)
	require.NoError(t, err)
	again, err := h.d.Submit(h.ctx(), m2)
	require.NoError(t, err)
	assert.Same(t, ticket, again)

	close(gate)
	_, err = wait(t, recovered)
	require.NoError(t, err)
	_, err = wait(t, ticket)
	require.NoError(t, err)
	assert.Equal(t, []int64{1, 2}, h.ledger.history(subject))
}

func TestDispatcher_CancelledInStorageIsNotApplied(t *testing.T) {
	h := newHarness(t, testConfig())
	subject := uuid.New()
	h.ledger.open(subject, 100)
	h.start()

	// cancelled between persisting and queueing
	m := h.persist(subject, 50)
	stored := m.Clone()
	require.NoError(t, stored.Cancel())
	require.NoError(t, h.repo.Transition(h.ctx(), stored, mutation.StatusPending))

	ticket, err := h.d.Submit(h.ctx(), m)
	require.NoError(t, err)
	_, err = wait(t, ticket)
	assert.ErrorIs(t, err, ErrCancelled)

	assert.Equal(t, mutation.StatusCancelled, h.repo.status(m.ID))
	assert.Empty(t, h.ledger.history(subject))
	assert.True(t, h.ledger.balance(subject).Equal(decimal.NewFromInt(100)))
	assert.Zero(t, h.d.Stats().Applied)
	assert.Zero(t, h.d.Stats().Dead)
}

func TestDispatcher_StaleSnapshotIsNotAppliedTwice(t *testing.T) {
	h := newHarness(t, testConfig())
	subject := uuid.New()
	h.ledger.open(subject, 100)
	h.start()

	m, ticket := h.submit(subject, 10)
	_, err := wait(t, ticket)
	require.NoError(t, err)

	// m still holds the PENDING snapshot taken before it was applied
	replay, err := h.d.Submit(h.ctx(), m)
	require.NoError(t, err)
	res, err := wait(t, replay)
	require.NoError(t, err)
	assert.True(t, res.Duplicate)
	assert.True(t, res.BalanceAfter.Equal(decimal.NewFromInt(110)))

	assert.Equal(t, []int64{10}, h.ledger.history(subject))
	assert.Equal(t, mutation.StatusApplied, h.repo.status(m.ID))
	assert.Equal(t, int64(1), h.d.Stats().Applied)
}

func TestDispatcher_PollClaimsStoredMutations(t *testing.T) {
	cfg := testConfig()
	cfg.PollInterval = 5 * time.Millisecond
	h := newHarness(t, cfg)
	stored, submitted := uuid.New(), uuid.New()
	h.ledger.open(stored, 0)
	h.ledger.open(submitted, 0)
	h.start()

	// persisted by another process, never submitted here
	var ids []uuid.UUID
	for i := 1; i <= 5; i++ {
		ids = append(ids, h.persist(stored, int64(i)).ID)
	}
	var tickets []*Ticket
	for i := 1; i <= 5; i++ {
		_, ticket := h.submit(submitted, int64(i))
		tickets = append(tickets, ticket)
	}
	for _, ticket := range tickets {
		_, err := wait(t, ticket)
		require.NoError(t, err)
	}

	require.Eventually(t, func() bool {
		return h.d.Stats().Applied == 10
	}, 5*time.Second, 5*time.Millisecond)

	assert.Equal(t, []int64{1, 2, 3, 4, 5}, h.ledger.history(stored))
	assert.Equal(t, []int64{1, 2, 3, 4, 5}, h.ledger.history(submitted))
	for _, id := range ids {
		assert.Equal(t, mutation.StatusApplied, h.repo.status(id))
	}

	// nothing is claimed twice on later polls
	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, int64(10), h.d.Stats().Applied)
	assert.Equal(t, []int64{1, 2, 3, 4, 5}, h.ledger.history(stored))
}

func TestDispatcher_PollStopsWithDispatcher(t *testing.T) {
	cfg := testConfig()
	cfg.PollInterval = 5 * time.Millisecond
	h := newHarness(t, cfg)
	subject := uuid.New()
	h.ledger.open(subject, 0)
	require.NoError(t, h.d.Start(context.Background()))
	require.NoError(t, h.d.Stop(context.Background()))

	m := h.persist(subject, 3)
	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, mutation.StatusPending, h.repo.status(m.ID))
	assert.Empty(t, h.ledger.history(subject))
}

func TestDispatcher_StopDrainsQueue(t *testing.T) {
	h := newHarness(t, testConfig())
	subject := uuid.New()
	h.ledger.open(subject, 0)
	gate := h.ledger.gate(subject)
	require.NoError(t, h.d.Start(context.Background()))

	first, _ := h.submit(subject, 1)
	waitStarted(t, h.ledger, first.ID)
	var tickets []*Ticket
	for i := 2; i <= 4; i++ {
		_, ticket := h.submit(subject, int64(i))
		tickets = append(tickets, ticket)
	}

	stopped := make(chan error, 1)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		stopped <- h.d.Stop(ctx)
	}()

	require.Eventually(t, func() bool {
		return !h.d.Stats().Running
	}, 2*time.Second, 5*time.Millisecond)
	_, err := h.d.Submit(h.ctx(), h.persist(subject, 100))
	assert.ErrorIs(t, err, ErrDispatcherStopped)

	close(gate)
	require.NoError(t, <-stopped)
	for _, ticket := range tickets {
		_, err := wait(t, ticket)
		require.NoError(t, err)
	}
	assert.Equal(t, []int64{1, 2, 3, 4}, h.ledger.history(subject))
	assert.Zero(t, h.d.Stats().Lanes)
	assert.False(t, h.d.Stats().Running)
}

func TestDispatcher_StopDiscardsQueue(t *testing.T) {
	cfg := testConfig()
	cfg.DrainOnShutdown = false
	h := newHarness(t, cfg)
	subject := uuid.New()
	h.ledger.open(subject, 0)
	gate := h.ledger.gate(subject)
	require.NoError(t, h.d.Start(context.Background()))

	first, firstTicket := h.submit(subject, 1)
	waitStarted(t, h.ledger, first.ID)
	queued, queuedTicket := h.submit(subject, 2)

	stopped := make(chan error, 1)
	go func() {
		stopped <- h.d.Stop(context.Background())
	}()

	_, err := wait(t, queuedTicket)
	assert.ErrorIs(t, err, ErrDispatcherStopped)

	// the running transaction is not interrupted
	close(gate)
	require.NoError(t, <-stopped)
	_, err = wait(t, firstTicket)
	require.NoError(t, err)

	assert.Equal(t, []int64{1}, h.ledger.history(subject))
	assert.Equal(t, mutation.StatusPending, h.repo.status(queued.ID))
	assert.Equal(t, int64(1), h.d.Stats().Discarded)
}

func TestDispatcher_RecoversUnfinishedMutations(t *testing.T) {
	h := newHarness(t, testConfig())
	a, b := uuid.New(), uuid.New()
	h.ledger.open(a, 100)
	h.ledger.open(b, 0)

	m1 := h.persist(a, 10)
	m2 := h.persist(b, 7)
	m3 := h.persist(a, -20)
	applied := h.persist(a, 1000)

	// m1 was executing when the previous process died
	m1.Status = mutation.StatusExecuting
	m1.Attempts = 1
	require.NoError(t, h.repo.Transition(h.ctx(), m1, mutation.StatusPending))
	applied.Status = mutation.StatusApplied
	require.NoError(t, h.repo.Transition(h.ctx(), applied, mutation.StatusPending))

	h.start()

	require.Eventually(t, func() bool {
		return h.d.Stats().Applied == 3
	}, 5*time.Second, 5*time.Millisecond)

	assert.Equal(t, []int64{10, -20}, h.ledger.history(a))
	assert.Equal(t, []int64{7}, h.ledger.history(b))
	for _, m := range []*mutation.Mutation{m1, m2, m3} {
		assert.Equal(t, mutation.StatusApplied, h.repo.status(m.ID))
	}
	assert.Equal(t, mutation.StatusApplied, h.repo.status(applied.ID))
}

func TestDispatcher_StartFailsWhenRecoveryFails(t *testing.T) {
	d := NewDispatcher(testConfig(), newMemLedger(), failingRecovery{newMemRepo()}, zap.NewNop())

	err := d.Start(context.Background())
	require.Error(t, err)

	_, err = d.Submit(context.Background(), mutation.New(uuid.New(), uuid.New(), decimal.NewFromInt(1)))
	assert.ErrorIs(t, err, ErrDispatcherNotRunning)
}

type failingRecovery struct {
	*memRepo
}

func (failingRecovery) FindRecoverable(ctx context.Context, limit int) ([]*mutation.Mutation, error) {
	return nil, errors.New("connection refused")
}

func TestDispatcher_HashedLanes(t *testing.T) {
	cfg := testConfig()
	cfg.LaneCount = 2
	h := newHarness(t, cfg)

	subjects := make([]uuid.UUID, 6)
	for i := range subjects {
		subjects[i] = uuid.New()
		h.ledger.open(subjects[i], 0)
	}
	h.start()
	assert.Equal(t, 2, h.d.Stats().Lanes)

	var tickets []*Ticket
	for i := 1; i <= 5; i++ {
		for _, s := range subjects {
			_, ticket := h.submit(s, int64(i))
			tickets = append(tickets, ticket)
		}
	}
	for _, ticket := range tickets {
		_, err := wait(t, ticket)
		require.NoError(t, err)
	}
	for _, s := range subjects {
		assert.Equal(t, []int64{1, 2, 3, 4, 5}, h.ledger.history(s))
	}
	assert.Equal(t, 2, h.d.Stats().Lanes)
}

func TestDispatcher_ReapsIdleLanes(t *testing.T) {
	cfg := testConfig()
	cfg.IdleLaneTimeout = 10 * time.Millisecond
	h := newHarness(t, cfg)
	subject := uuid.New()
	h.ledger.open(subject, 0)
	h.start()

	_, ticket := h.submit(subject, 1)
	_, err := wait(t, ticket)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return h.d.Stats().Lanes == 0
	}, 2*time.Second, 5*time.Millisecond)

	// a reaped partition gets a fresh lane
	_, ticket = h.submit(subject, 2)
	res, err := wait(t, ticket)
	require.NoError(t, err)
	assert.True(t, res.BalanceAfter.Equal(decimal.NewFromInt(3)))
}

func TestDispatcher_TxTimeoutIsRetried(t *testing.T) {
	cfg := testConfig()
	cfg.TxTimeout = 20 * time.Millisecond
	cfg.MaxRetries = 1
	h := newHarness(t, cfg)
	subject := uuid.New()
	h.ledger.open(subject, 0)

	var calls int
	var mu sync.Mutex
	blocking := &ctxLedger{memLedger: h.ledger, block: func() bool {
		mu.Lock()
		defer mu.Unlock()
		calls++
		return calls == 1
	}}
	h.d = NewDispatcher(cfg, blocking, h.repo, zap.NewNop())
	h.start()

	_, ticket := h.submit(subject, 4)
	res, err := wait(t, ticket)
	require.NoError(t, err)
	assert.True(t, res.BalanceAfter.Equal(decimal.NewFromInt(4)))
	assert.Equal(t, int64(1), h.d.Stats().Retried)
}

// ctxLedger blocks selected attempts until their context ends
type ctxLedger struct {
	*memLedger
	block func() bool
}

func (l *ctxLedger) Apply(ctx context.Context, m *mutation.Mutation) (mutation.Result, error) {
	if l.block() {
		<-ctx.Done()
		return mutation.Result{}, ctx.Err()
	}
	return l.memLedger.Apply(ctx, m)
}
