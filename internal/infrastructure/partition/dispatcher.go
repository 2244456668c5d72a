// Package partition runs balance mutations on ordered lanes. Mutations of
// one subject share a lane and are applied one at a time in submission
// order; different subjects run in parallel.
package partition

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/saas/backend/internal/domain/mutation"
	"github.com/saas/backend/internal/domain/shared"
	"github.com/saas/backend/internal/infrastructure/auth"
	"github.com/saas/backend/internal/infrastructure/logger"
	"github.com/saas/backend/internal/infrastructure/telemetry"
	"go.uber.org/zap"
)

// Config holds dispatcher configuration
type Config struct {
	// LaneCount > 0 selects that many hashed lanes; 0 gives every partition
	// its own lane.
	LaneCount int
	// IdleLaneTimeout reaps dedicated lanes with nothing queued
	IdleLaneTimeout time.Duration
	// MaxRetries bounds the retries after the first attempt
	MaxRetries  int
	BaseBackoff time.Duration
	MaxBackoff  time.Duration
	// TxTimeout bounds one attempt, lock wait included
	TxTimeout time.Duration
	// DrainOnShutdown executes queued mutations on Stop until its context
	// ends. Otherwise they are left pending for the next start.
	DrainOnShutdown bool
	// PollInterval is how often stored PENDING mutations that no lane holds
	// are claimed, such as those persisted while the dispatcher was stopping
	// or by another process. Zero disables polling.
	PollInterval time.Duration
	// PollBatch caps the rows read per poll
	PollBatch int
}

// DefaultConfig returns default dispatcher configuration
func DefaultConfig() Config {
	return Config{
		IdleLaneTimeout: time.Minute,
		MaxRetries:      5,
		BaseBackoff:     100 * time.Millisecond,
		MaxBackoff:      5 * time.Second,
		TxTimeout:       10 * time.Second,
		DrainOnShutdown: true,
		PollInterval:    5 * time.Second,
		PollBatch:       100,
	}
}

// DeadLetterHandler receives every mutation set aside as dead
type DeadLetterHandler func(ctx context.Context, failed *mutation.FailedError)

// Option configures a Dispatcher
type Option func(*Dispatcher)

// WithDeadLetterHandler registers h for dead-lettered mutations
func WithDeadLetterHandler(h DeadLetterHandler) Option {
	return func(d *Dispatcher) { d.onDead = h }
}

// WithMetrics records dispatcher activity on m
func WithMetrics(m *telemetry.EngineMetrics) Option {
	return func(d *Dispatcher) { d.metrics = m }
}

// Stats is a snapshot of the dispatcher
type Stats struct {
	Running   bool
	Lanes     int
	Queued    int
	Executing int
	Applied   int64
	Retried   int64
	Dead      int64
	Cancelled int64
	Discarded int64
}

type state int

const (
	stateIdle state = iota
	stateRecovering
	stateRunning
	stateStopping
)

// Dispatcher routes mutations to lanes and executes them through an
// Executor. Mutations must be persisted in the Repository before they are
// submitted; the dispatcher only records their lifecycle.
type Dispatcher struct {
	cfg      Config
	router   *Router
	executor mutation.Executor
	repo     mutation.Repository
	logger   *zap.Logger
	onDead   DeadLetterHandler
	metrics  *telemetry.EngineMetrics

	mu     sync.Mutex
	state  state
	lanes  map[string]*lane
	owner  map[uuid.UUID]*lane
	base   context.Context
	abort  context.Context
	cancel context.CancelFunc
	quit   chan struct{}
	wg     sync.WaitGroup

	applied   atomic.Int64
	retried   atomic.Int64
	dead      atomic.Int64
	cancelled atomic.Int64
	discarded atomic.Int64
}

// NewDispatcher creates a new dispatcher
func NewDispatcher(cfg Config, executor mutation.Executor, repo mutation.Repository, logger *zap.Logger, opts ...Option) *Dispatcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.PollBatch <= 0 {
		cfg.PollBatch = 100
	}
	d := &Dispatcher{
		cfg:      cfg,
		router:   NewRouter(cfg.LaneCount),
		executor: executor,
		repo:     repo,
		logger:   logger,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Router returns the partition router used by the dispatcher
func (d *Dispatcher) Router() *Router {
	return d.router
}

// Start recovers every unfinished mutation from the repository, queues them
// in sequence order and then accepts submissions. ctx supplies the values
// (logger, trace) used by lanes; cancelling it does not stop them.
func (d *Dispatcher) Start(ctx context.Context) error {
	d.mu.Lock()
	if d.state != stateIdle {
		d.mu.Unlock()
		return nil
	}
	d.state = stateRecovering
	d.base = context.WithoutCancel(ctx)
	d.abort, d.cancel = context.WithCancel(d.base)
	d.quit = make(chan struct{})
	d.lanes = make(map[string]*lane)
	d.owner = make(map[uuid.UUID]*lane)
	for i := 0; i < d.router.LaneCount(); i++ {
		key := fmt.Sprintf("lane_%d", i)
		d.spawnLocked(newLane(key, key, true))
	}
	d.mu.Unlock()

	recovered, err := d.recover(ctx)
	if err != nil {
		d.cancel()
		d.mu.Lock()
		close(d.quit)
		d.state = stateStopping
		d.mu.Unlock()
		d.wg.Wait()
		d.mu.Lock()
		d.state = stateIdle
		d.mu.Unlock()
		return fmt.Errorf("recover unfinished mutations: %w", err)
	}

	d.mu.Lock()
	d.state = stateRunning
	if d.cfg.PollInterval > 0 {
		d.wg.Add(1)
		go d.poll()
	}
	d.mu.Unlock()

	d.logger.Info("Mutation dispatcher started",
		zap.Int("hashed_lanes", d.router.LaneCount()),
		zap.Int("recovered", recovered),
		zap.Duration("poll_interval", d.cfg.PollInterval),
		zap.Int("max_retries", d.cfg.MaxRetries),
		zap.Duration("tx_timeout", d.cfg.TxTimeout),
	)
	return nil
}

func (d *Dispatcher) recover(ctx context.Context) (int, error) {
	unfinished, err := d.repo.FindRecoverable(auth.AsSystem(ctx, "recover unfinished mutations"), 0)
	if err != nil {
		return 0, err
	}

	recovered := make([]*mutation.Mutation, 0, len(unfinished))
	for _, m := range unfinished {
		// an attempt interrupted by a crash never committed
		if m.Status == mutation.StatusExecuting {
			m.Status = mutation.StatusPending
			if err := d.repo.Transition(auth.WithTenant(ctx, m.TenantID), m, mutation.StatusExecuting); err != nil {
				d.logger.Warn("Skipping recovered mutation",
					zap.String("mutation_id", m.ID.String()),
					zap.Error(err),
				)
				continue
			}
		}
		recovered = append(recovered, m)
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	for _, m := range recovered {
		if m.PartitionKey == "" {
			m.PartitionKey = d.router.Route(m)
		}
		d.enqueueLocked(m)
	}
	return len(recovered), nil
}

// poll claims stored PENDING mutations no lane holds until Stop
func (d *Dispatcher) poll() {
	defer d.wg.Done()

	ticker := time.NewTicker(d.cfg.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-d.quit:
			return
		case <-d.abort.Done():
			return
		case <-ticker.C:
			n, err := d.claimPending(logger.WithContext(d.base, d.logger))
			if err != nil {
				d.logger.Warn("Polling stored mutations failed", zap.Error(err))
				continue
			}
			if n > 0 {
				d.logger.Info("Claimed stored mutations", zap.Int("count", n))
			}
		}
	}
}

// claimPending queues the oldest stored PENDING mutations that are not
// already held by a lane. A row read just before its lane finished it is
// settled by the conditional EXECUTING transition and never applied twice.
func (d *Dispatcher) claimPending(ctx context.Context) (int, error) {
	rows, err := d.repo.FindRecoverable(auth.AsSystem(ctx, "claim pending mutations"), d.cfg.PollBatch)
	if err != nil {
		return 0, err
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.state != stateRunning {
		return 0, nil
	}
	claimed := 0
	for _, m := range rows {
		// EXECUTING rows belong to a lane, or to a crash that Start recovers
		if m.Status != mutation.StatusPending {
			continue
		}
		if _, held := d.owner[m.ID]; held {
			continue
		}
		if m.PartitionKey == "" {
			m.PartitionKey = d.router.Route(m)
		}
		d.enqueueLocked(m)
		claimed++
	}
	return claimed, nil
}

// Stop stops accepting submissions. With DrainOnShutdown the lanes keep
// executing queued mutations until they are empty or ctx ends; otherwise
// queued mutations are discarded at once. A transaction in progress always
// runs to completion. Discarded mutations stay PENDING in storage.
func (d *Dispatcher) Stop(ctx context.Context) error {
	d.mu.Lock()
	if d.state != stateRunning {
		d.mu.Unlock()
		return nil
	}
	d.state = stateStopping
	close(d.quit)
	if !d.cfg.DrainOnShutdown {
		d.abortLocked()
	}
	d.mu.Unlock()

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()

	var err error
	select {
	case <-done:
	case <-ctx.Done():
		d.logger.Warn("Mutation dispatcher drain timed out, discarding queued mutations")
		d.mu.Lock()
		d.abortLocked()
		d.mu.Unlock()
		<-done
		err = ctx.Err()
	}
	d.cancel()

	d.mu.Lock()
	d.state = stateIdle
	d.mu.Unlock()

	stats := d.Stats()
	d.logger.Info("Mutation dispatcher stopped",
		zap.Int64("applied", stats.Applied),
		zap.Int64("dead", stats.Dead),
		zap.Int64("discarded", stats.Discarded),
	)
	return err
}

// Submit queues m on its partition's lane. m must already be persisted as
// PENDING. Submit fills m.PartitionKey when empty. Submitting a mutation a
// lane already holds returns the ticket it was queued with.
func (d *Dispatcher) Submit(ctx context.Context, m *mutation.Mutation) (*Ticket, error) {
	if m.PartitionKey == "" {
		m.PartitionKey = d.router.Route(m)
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	switch d.state {
	case stateRunning:
	case stateStopping:
		return nil, ErrDispatcherStopped
	default:
		return nil, ErrDispatcherNotRunning
	}

	if ticket := d.heldTicketLocked(m.ID); ticket != nil {
		return ticket, nil
	}
	ticket := d.enqueueLocked(m.Clone())
	logger.L(ctx).Debug("Mutation queued",
		zap.String("mutation_id", m.ID.String()),
		zap.String("lane", m.LaneName()),
	)
	return ticket, nil
}

// enqueueLocked appends m to its lane. Callers check d.owner first.
func (d *Dispatcher) enqueueLocked(m *mutation.Mutation) *Ticket {
	l := d.laneForLocked(m)
	t := &task{m: m, ticket: newTicket(m)}
	l.queue = append(l.queue, t)
	d.owner[m.ID] = l
	l.signal()
	return t.ticket
}

func (d *Dispatcher) heldTicketLocked(id uuid.UUID) *Ticket {
	l, ok := d.owner[id]
	if !ok {
		return nil
	}
	if l.current != nil && l.current.m.ID == id {
		return l.current.ticket
	}
	if i := l.indexOf(id); i >= 0 {
		return l.queue[i].ticket
	}
	return nil
}

func (d *Dispatcher) laneForLocked(m *mutation.Mutation) *lane {
	if d.router.Hashed() {
		return d.lanes[fmt.Sprintf("lane_%d", d.router.Lane(m.PartitionKey))]
	}
	l, ok := d.lanes[m.PartitionKey]
	if !ok {
		l = newLane(m.PartitionKey, m.LaneName(), false)
		d.spawnLocked(l)
	}
	return l
}

func (d *Dispatcher) spawnLocked(l *lane) {
	d.lanes[l.key] = l
	d.wg.Add(1)
	go d.run(l)
}

// Cancel drops a queued mutation and records it as CANCELLED. A mutation
// that is executing cannot be cancelled. Mutations of other tenants, and
// mutations not queued in this dispatcher, are reported as not found.
func (d *Dispatcher) Cancel(ctx context.Context, mutationID uuid.UUID) error {
	system := auth.IsSystem(ctx)
	tenantID, err := auth.ResolveTenant(ctx)
	if err != nil && !system {
		return err
	}

	d.mu.Lock()
	l, ok := d.owner[mutationID]
	if !ok {
		d.mu.Unlock()
		return shared.ErrNotFound
	}
	if l.current != nil && l.current.m.ID == mutationID {
		owned := system || l.current.m.TenantID == tenantID
		d.mu.Unlock()
		if !owned {
			return shared.ErrNotFound
		}
		return shared.ErrMutationNotCancellable
	}
	t := l.queue[l.indexOf(mutationID)]
	if !system && t.m.TenantID != tenantID {
		d.mu.Unlock()
		return shared.ErrNotFound
	}
	if t.cancelling {
		d.mu.Unlock()
		return shared.ErrMutationNotCancellable
	}
	t.cancelling = true
	m := t.m.Clone()
	d.mu.Unlock()

	err = m.Cancel()
	if err == nil {
		err = d.repo.Transition(ctx, m, mutation.StatusPending)
	}

	d.mu.Lock()
	t.cancelling = false
	if err == nil {
		if l.remove(mutationID) != nil {
			delete(d.owner, mutationID)
		}
	}
	l.signal()
	d.mu.Unlock()

	if err != nil {
		return fmt.Errorf("cancel mutation %s: %w", mutationID, err)
	}
	d.cancelled.Add(1)
	d.metrics.RecordCancelled(ctx)
	t.ticket.complete(mutation.Result{MutationID: mutationID}, ErrCancelled)
	logger.L(ctx).Info("Mutation cancelled", zap.String("mutation_id", mutationID.String()))
	return nil
}

// Stats returns a snapshot of the dispatcher
func (d *Dispatcher) Stats() Stats {
	d.mu.Lock()
	s := Stats{Running: d.state == stateRunning, Lanes: len(d.lanes)}
	for _, l := range d.lanes {
		s.Queued += len(l.queue)
		if l.current != nil {
			s.Executing++
		}
	}
	d.mu.Unlock()

	s.Applied = d.applied.Load()
	s.Retried = d.retried.Load()
	s.Dead = d.dead.Load()
	s.Cancelled = d.cancelled.Load()
	s.Discarded = d.discarded.Load()
	return s
}

// GaugeStats implements telemetry.StatsProvider
func (d *Dispatcher) GaugeStats() telemetry.DispatcherStats {
	s := d.Stats()
	return telemetry.DispatcherStats{Lanes: s.Lanes, Queued: s.Queued}
}

// run is the lane goroutine
func (d *Dispatcher) run(l *lane) {
	defer d.wg.Done()

	for {
		t, exit, blocked := d.next(l)
		if exit {
			return
		}
		if t != nil {
			d.process(l, t)
			continue
		}

		if blocked {
			select {
			case <-l.wake:
			case <-d.abort.Done():
			}
			continue
		}

		var idle <-chan time.Time
		var timer *time.Timer
		if !l.hashed && d.cfg.IdleLaneTimeout > 0 {
			timer = time.NewTimer(d.cfg.IdleLaneTimeout)
			idle = timer.C
		}
		select {
		case <-l.wake:
		case <-d.quit:
		case <-d.abort.Done():
		case <-idle:
			if d.reap(l) {
				return
			}
		}
		if timer != nil {
			timer.Stop()
		}
	}
}

// next pops the head of the lane. blocked reports a head held by a
// cancellation in progress.
func (d *Dispatcher) next(l *lane) (t *task, exit, blocked bool) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.abort.Err() != nil {
		d.discardLocked(l)
		return nil, true, false
	}
	if len(l.queue) > 0 {
		if l.queue[0].cancelling {
			return nil, false, true
		}
		t = l.pop()
		l.current = t
		return t, false, false
	}
	if d.state == stateStopping {
		d.removeLaneLocked(l)
		return nil, true, false
	}
	return nil, false, false
}

// abortLocked stops every lane after its current execution and discards
// what is still queued
func (d *Dispatcher) abortLocked() {
	d.cancel()
	for _, l := range d.lanes {
		d.discardQueueLocked(l)
	}
}

func (d *Dispatcher) discardQueueLocked(l *lane) {
	for _, t := range l.queue {
		delete(d.owner, t.m.ID)
		d.discarded.Add(1)
		t.ticket.complete(mutation.Result{}, ErrDispatcherStopped)
	}
	l.queue = nil
	l.signal()
}

func (d *Dispatcher) discardLocked(l *lane) {
	d.discardQueueLocked(l)
	d.removeLaneLocked(l)
}

func (d *Dispatcher) removeLaneLocked(l *lane) {
	if d.lanes[l.key] == l {
		delete(d.lanes, l.key)
	}
}

// reap removes an idle dedicated lane
func (d *Dispatcher) reap(l *lane) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(l.queue) > 0 || d.state == stateStopping {
		return false
	}
	d.removeLaneLocked(l)
	d.logger.Debug("Idle lane reaped", zap.String("lane", l.label))
	return true
}

func (d *Dispatcher) process(l *lane, t *task) {
	res, err := d.execute(l, t.m)

	d.mu.Lock()
	l.current = nil
	delete(d.owner, t.m.ID)
	d.mu.Unlock()

	t.ticket.complete(res, err)
}

// execute runs m until it is applied, dead-lettered or interrupted by an
// aborting Stop. Retries happen in place so later mutations of the
// partition never overtake it.
func (d *Dispatcher) execute(l *lane, m *mutation.Mutation) (mutation.Result, error) {
	ctx := logger.WithContext(d.base, d.logger)
	ctx = auth.WithTenant(ctx, m.TenantID)
	ctx = logger.WithMutation(ctx, m.ID.String(), m.PartitionKey)
	log := logger.L(ctx).With(zap.String("lane", l.label))

	for {
		if err := d.waitUntilDue(m); err != nil {
			log.Info("Mutation left pending by shutdown")
			return mutation.Result{}, ErrDispatcherStopped
		}
		if err := m.MarkExecuting(); err != nil {
			return mutation.Result{}, d.deadLetter(ctx, l, m, mutation.Permanent(err), false)
		}

		res, err := d.attempt(ctx, l, m)
		if errors.Is(err, errNotPending) {
			return d.settle(ctx, m)
		}
		if err == nil {
			if !res.Duplicate {
				m.MarkApplied(res.BalanceAfter, res.AppliedAt)
			}
			d.applied.Add(1)
			log.Debug("Mutation applied",
				zap.Int("attempt", m.Attempts),
				zap.String("balance_after", res.BalanceAfter.String()),
				zap.Bool("duplicate", res.Duplicate),
			)
			return res, nil
		}

		if !mutation.IsTransient(err) {
			return mutation.Result{}, d.deadLetter(ctx, l, m, err, false)
		}
		if m.Attempts > d.cfg.MaxRetries {
			return mutation.Result{}, d.deadLetter(ctx, l, m, err, true)
		}

		backoff := mutation.Backoff(m.Attempts, d.cfg.BaseBackoff, d.cfg.MaxBackoff)
		m.MarkRetrying(err.Error(), backoff)
		d.retried.Add(1)
		d.metrics.RecordRetry(ctx, l.label)
		log.Warn("Mutation attempt failed, retrying",
			zap.Int("attempt", m.Attempts),
			zap.Int("max_retries", d.cfg.MaxRetries),
			zap.Duration("backoff", backoff),
			zap.Error(err),
		)
		if uerr := d.repo.Transition(ctx, m, mutation.StatusExecuting); uerr != nil {
			log.Warn("Failed to record mutation retry", zap.Error(uerr))
		}
	}
}

// attempt claims m with the PENDING to EXECUTING transition and applies it
// within TxTimeout. A row that is no longer PENDING is not applied.
func (d *Dispatcher) attempt(ctx context.Context, l *lane, m *mutation.Mutation) (mutation.Result, error) {
	ctx, span := telemetry.StartSpan(ctx, "mutation.apply",
		telemetry.WithAttribute(telemetry.SpanAttrMutationID, m.ID.String()),
		telemetry.WithAttribute(telemetry.SpanAttrAttempt, m.Attempts),
		telemetry.WithAttribute(telemetry.SpanAttrLane, l.label),
	)
	defer span.End()

	if d.cfg.TxTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d.cfg.TxTimeout)
		defer cancel()
	}

	if err := d.repo.Transition(ctx, m, mutation.StatusPending); err != nil {
		telemetry.RecordError(span, err)
		if errors.Is(err, shared.ErrInvalidState) {
			return mutation.Result{}, fmt.Errorf("%w: %v", errNotPending, err)
		}
		return mutation.Result{}, fmt.Errorf("mark mutation executing: %w", err)
	}

	start := time.Now()
	res, err := d.executor.Apply(ctx, m)
	if err != nil {
		telemetry.RecordError(span, err)
		return mutation.Result{}, err
	}
	d.metrics.RecordApplied(ctx, l.label, time.Since(start))
	telemetry.SetOK(span)
	return res, nil
}

// settle completes a mutation whose stored row left PENDING before this lane
// could claim it: cancelled in storage, or finished from a stale snapshot.
func (d *Dispatcher) settle(ctx context.Context, m *mutation.Mutation) (mutation.Result, error) {
	stored, err := d.repo.FindByID(ctx, m.ID)
	if err != nil {
		return mutation.Result{}, fmt.Errorf("reload mutation %s: %w", m.ID, err)
	}
	log := logger.L(ctx).With(zap.String("stored_status", string(stored.Status)))

	switch stored.Status {
	case mutation.StatusApplied:
		log.Debug("Mutation already applied, skipping")
		res := mutation.Result{MutationID: m.ID, Duplicate: true}
		if stored.BalanceAfter.Valid {
			res.BalanceAfter = stored.BalanceAfter.Decimal
		}
		if stored.AppliedAt != nil {
			res.AppliedAt = *stored.AppliedAt
		}
		return res, nil
	case mutation.StatusCancelled:
		log.Info("Mutation cancelled in storage, skipping")
		return mutation.Result{MutationID: m.ID}, ErrCancelled
	default:
		log.Warn("Mutation is not pending, skipping")
		return mutation.Result{}, fmt.Errorf("mutation %s is %s: %w", m.ID, stored.Status, shared.ErrInvalidState)
	}
}

func (d *Dispatcher) waitUntilDue(m *mutation.Mutation) error {
	if m.NextRetryAt == nil {
		return nil
	}
	wait := time.Until(*m.NextRetryAt)
	if wait <= 0 {
		return nil
	}
	timer := time.NewTimer(wait)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-d.abort.Done():
		return d.abort.Err()
	}
}

func (d *Dispatcher) deadLetter(ctx context.Context, l *lane, m *mutation.Mutation, cause error, exhausted bool) error {
	from := m.Status
	m.MarkDead(cause.Error())
	if err := d.repo.Transition(ctx, m, from); err != nil {
		logger.L(ctx).Error("Failed to record dead mutation", zap.Error(err))
	}

	failed := &mutation.FailedError{
		Mutation:  m.Clone(),
		Attempts:  m.Attempts,
		Exhausted: exhausted,
		Err:       cause,
	}
	d.dead.Add(1)
	d.metrics.RecordDead(ctx, l.label, exhausted)
	logger.L(ctx).Error("Mutation dead-lettered",
		zap.String("lane", l.label),
		zap.Int("attempts", m.Attempts),
		zap.Bool("exhausted", exhausted),
		zap.Error(cause),
	)
	if d.onDead != nil {
		d.onDead(ctx, failed)
	}
	return failed
}

// Ensure Dispatcher can feed the engine gauges
var _ telemetry.StatsProvider = (*Dispatcher)(nil)
