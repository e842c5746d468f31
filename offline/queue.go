package offline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/jonboulle/clockwork"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/jmcleod/ironsession/connectivity"
	"github.com/jmcleod/ironsession/internal/metrics"
	"github.com/jmcleod/ironsession/internal/telemetry"
	"github.com/jmcleod/ironsession/internal/uuid"
	"github.com/jmcleod/ironsession/session"
	"github.com/jmcleod/ironsession/storage"
	"github.com/jmcleod/ironsession/transport"
)

const eventBuffer = 64

// Executor sends a request on behalf of the session. *gate.Gate implements it.
type Executor interface {
	Execute(ctx context.Context, req *transport.Request) (*transport.Response, error)
}

// EventType names a queue event.
type EventType string

const (
	EventEnqueued     EventType = "enqueued"
	EventApplied      EventType = "applied"
	EventRetrying     EventType = "retrying"
	EventDeadLettered EventType = "dead_lettered"
	EventRequeued     EventType = "requeued"
)

// QueueEvent reports progress of a queued action.
type QueueEvent struct {
	Type     EventType
	ActionID string
	Err      error
	At       time.Time
}

// Status is a diagnostic snapshot of the queue.
type Status struct {
	Online      bool
	Pending     int
	DeadLetters int
	Draining    bool
	LastDrainAt time.Time
}

// Result is the outcome of Submit.
type Result struct {
	// Response is set when the request was sent directly.
	Response *transport.Response
	// Queued is set when the request was enqueued instead; Action holds it.
	Queued bool
	Action *PendingAction
}

// Queue is the durable FIFO of pending actions. It is the only writer of the
// offline_action_queue and offline_dead_letters keys.
type Queue struct {
	store    storage.Store
	exec     Executor
	cfg      Config
	monitor  connectivity.Monitor
	clock    clockwork.Clock
	logger   *slog.Logger
	metrics  *metrics.Metrics
	alerts   *metrics.Alerts
	reporter telemetry.Reporter
	tracer   trace.Tracer
	owner    func() string

	baseCtx     context.Context
	cancel      context.CancelFunc
	unsubscribe func()

	mu          sync.Mutex
	actions     []PendingAction
	dead        []PendingAction
	draining    bool
	idle        chan struct{}
	rerun       bool
	lastDrainAt time.Time
	closed      bool

	events chan QueueEvent
	wg     sync.WaitGroup
}

// Option configures a Queue.
type Option func(*Queue)

// WithMonitor gates draining on connectivity. A transition to a reachable
// status starts a drain.
func WithMonitor(m connectivity.Monitor) Option {
	return func(q *Queue) { q.monitor = m }
}

// WithClock sets the clock driving backoff and timestamps.
func WithClock(c clockwork.Clock) Option {
	return func(q *Queue) { q.clock = c }
}

// WithLogger sets the structured logger.
func WithLogger(l *slog.Logger) Option {
	return func(q *Queue) { q.logger = l }
}

// WithMetrics records queue sizes and action outcomes.
func WithMetrics(m *metrics.Metrics) Option {
	return func(q *Queue) { q.metrics = m }
}

// WithAlerts feeds dead letters into the alert windows.
func WithAlerts(a *metrics.Alerts) Option {
	return func(q *Queue) { q.alerts = a }
}

// WithReporter reports dead-lettered actions.
func WithReporter(r telemetry.Reporter) Option {
	return func(q *Queue) { q.reporter = r }
}

// WithTracerProvider sets the tracer provider for drain spans.
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(q *Queue) { q.tracer = telemetry.Tracer(tp) }
}

// WithOwner stamps each action with the ID returned by owner at enqueue
// time. A drain sends an action only while owner returns the same ID; an
// empty ID means nobody is signed in and pauses the drain.
func WithOwner(owner func() string) Option {
	return func(q *Queue) { q.owner = owner }
}

// New loads the persisted queue from store and returns it.
func New(ctx context.Context, store storage.Store, exec Executor, cfg Config, opts ...Option) (*Queue, error) {
	cfg = cfg.withDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	q := &Queue{
		store:    store,
		exec:     exec,
		cfg:      cfg,
		clock:    clockwork.NewRealClock(),
		logger:   slog.Default(),
		reporter: telemetry.NopReporter{},
		events:   make(chan QueueEvent, eventBuffer),
	}
	for _, opt := range opts {
		opt(q)
	}
	if q.tracer == nil {
		q.tracer = telemetry.Tracer(nil)
	}
	q.logger = q.logger.With("component", "offline_queue")

	var err error
	if q.actions, err = loadList(ctx, store, storage.KeyOfflineQueue); err != nil {
		return nil, err
	}
	if q.dead, err = loadList(ctx, store, storage.KeyDeadLetters); err != nil {
		return nil, err
	}
	q.metrics.QueueSizes(len(q.actions), len(q.dead))

	q.baseCtx, q.cancel = context.WithCancel(context.Background())
	if q.monitor != nil {
		q.unsubscribe = q.monitor.Subscribe(func(s connectivity.Status) {
			if s.Reachable() {
				q.Kick()
			}
		})
	}
	return q, nil
}

func loadList(ctx context.Context, store storage.Store, key string) ([]PendingAction, error) {
	raw, ok, err := storage.Lookup(ctx, store, key)
	if err != nil {
		return nil, fmt.Errorf("loading %s: %w", key, err)
	}
	if !ok || raw == "" {
		return nil, nil
	}
	var list []PendingAction
	if err := json.Unmarshal([]byte(raw), &list); err != nil {
		return nil, fmt.Errorf("decoding %s: %w", key, err)
	}
	return list, nil
}

// save writes both lists in one transaction.
func (q *Queue) save(ctx context.Context, actions, dead []PendingAction) error {
	a, err := json.Marshal(nonNil(actions))
	if err != nil {
		return err
	}
	d, err := json.Marshal(nonNil(dead))
	if err != nil {
		return err
	}
	return q.store.SetMany(ctx, map[string]string{
		storage.KeyOfflineQueue: string(a),
		storage.KeyDeadLetters:  string(d),
	})
}

func nonNil(list []PendingAction) []PendingAction {
	if list == nil {
		return []PendingAction{}
	}
	return list
}

// commitLocked persists the lists and adopts them. q.mu must be held.
func (q *Queue) commitLocked(ctx context.Context, actions, dead []PendingAction) error {
	if err := q.save(ctx, actions, dead); err != nil {
		return fmt.Errorf("persisting offline queue: %w", err)
	}
	q.actions, q.dead = actions, dead
	q.metrics.QueueSizes(len(actions), len(dead))
	return nil
}

// settleLocked adopts the lists even if persisting fails. Used for drain
// bookkeeping, where the backend has already seen the outcome.
func (q *Queue) settleLocked(ctx context.Context, actions, dead []PendingAction) {
	if err := q.commitLocked(context.WithoutCancel(ctx), actions, dead); err != nil {
		q.logger.Error("persisting drain progress", "error", err)
		q.actions, q.dead = actions, dead
		q.metrics.QueueSizes(len(actions), len(dead))
	}
}

func (q *Queue) emit(t EventType, id string, err error) {
	select {
	case q.events <- QueueEvent{Type: t, ActionID: id, Err: err, At: q.clock.Now()}:
	default:
		q.logger.Debug("dropping queue event", "type", string(t), "action_id", id)
	}
}

// Events delivers queue progress. Sends never block; events are dropped
// when the buffer is full.
func (q *Queue) Events() <-chan QueueEvent {
	return q.events
}

func (q *Queue) reachable() bool {
	return q.monitor == nil || q.monitor.Current().Reachable()
}

// Enqueue persists a mutating request and returns its acknowledgement. It
// does not send anything.
func (q *Queue) Enqueue(ctx context.Context, req *transport.Request) (PendingAction, error) {
	if !req.Mutating() {
		return PendingAction{}, ErrNotQueueable
	}
	a := PendingAction{
		ID:         uuid.New(),
		Endpoint:   req.Path,
		Method:     strings.ToUpper(req.Method),
		Payload:    append([]byte(nil), req.Body...),
		Headers:    persistedHeaders(req.Header),
		EnqueuedAt: q.clock.Now().UTC(),
		MaxRetries: q.cfg.MaxRetries,
	}
	if q.owner != nil {
		a.Owner = q.owner()
	}
	if len(req.Query) > 0 {
		a.Query = req.Query.Encode()
	}

	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return PendingAction{}, ErrClosed
	}
	next := append(cloneList(q.actions), a)
	err := q.commitLocked(ctx, next, q.dead)
	q.mu.Unlock()
	if err != nil {
		return PendingAction{}, err
	}

	q.logger.Info("action queued", "action_id", a.ID, "method", a.Method, "endpoint", a.Endpoint, "owner", a.Owner)
	q.metrics.QueueAction("enqueued")
	q.emit(EventEnqueued, a.ID, nil)
	return a.clone(), nil
}

// Submit sends a request now when possible and queues it otherwise. A
// mutating request is queued while offline, while earlier actions are still
// pending, or when the direct attempt fails on the network. Non-mutating
// requests are always sent directly.
func (q *Queue) Submit(ctx context.Context, req *transport.Request) (*Result, error) {
	if !req.Mutating() {
		resp, err := q.exec.Execute(ctx, req)
		return &Result{Response: resp}, err
	}

	q.mu.Lock()
	pending := len(q.actions) > 0
	q.mu.Unlock()

	if !pending && q.reachable() {
		resp, err := q.exec.Execute(ctx, req)
		if err == nil || transport.KindOf(err) != transport.KindNetwork || ctx.Err() != nil {
			return &Result{Response: resp}, err
		}
		q.logger.Info("direct send failed, queueing", "path", req.Path, "error", err)
	}

	a, err := q.Enqueue(ctx, req)
	if err != nil {
		return nil, err
	}
	if pending && q.reachable() {
		q.Kick()
	}
	return &Result{Queued: true, Action: &a}, nil
}

// Kick starts a drain in the background. The drain is claimed before Kick
// returns, so a following WaitIdle observes it.
func (q *Queue) Kick() {
	if !q.begin(true) {
		return
	}
	go func() {
		defer q.wg.Done()
		if err := q.run(q.baseCtx); err != nil && !errors.Is(err, context.Canceled) {
			q.logger.Info("drain stopped", "error", err)
		}
	}()
}

// Drain applies pending actions in FIFO order until the queue is empty or
// the drain pauses. Only one drain runs at a time; a call made while one
// runs makes it take another pass and returns immediately.
func (q *Queue) Drain(ctx context.Context) error {
	q.mu.Lock()
	closed := q.closed
	q.mu.Unlock()
	if closed {
		return ErrClosed
	}
	if !q.begin(false) {
		return nil
	}
	return q.run(ctx)
}

// begin claims the drain. It reports false when the queue is closed or a
// drain is already running, in which case that drain takes another pass.
// A background claim is counted in q.wg so Close waits for it.
func (q *Queue) begin(background bool) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return false
	}
	if q.draining {
		q.rerun = true
		return false
	}
	q.draining = true
	q.idle = make(chan struct{})
	if background {
		q.wg.Add(1)
	}
	return true
}

func (q *Queue) run(ctx context.Context) (err error) {
	ctx, span := telemetry.Start(ctx, q.tracer, "queue.drain")
	start := q.clock.Now()
	defer func() {
		q.metrics.Drain(q.clock.Since(start))
		telemetry.End(span, err)
	}()

	for {
		err = q.drainPass(ctx)
		q.mu.Lock()
		if err != nil || !q.rerun {
			q.draining = false
			q.rerun = false
			q.lastDrainAt = q.clock.Now()
			close(q.idle)
			q.mu.Unlock()
			return err
		}
		q.rerun = false
		q.mu.Unlock()
	}
}

// WaitIdle blocks until no drain is running.
func (q *Queue) WaitIdle(ctx context.Context) error {
	q.mu.Lock()
	if !q.draining {
		q.mu.Unlock()
		return nil
	}
	idle := q.idle
	q.mu.Unlock()
	select {
	case <-idle:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (q *Queue) drainPass(ctx context.Context) error {
	for {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("%w: %w", ErrDrainPaused, err)
		}
		if !q.reachable() {
			return fmt.Errorf("%w: %w", ErrDrainPaused, ErrOffline)
		}
		q.mu.Lock()
		a, ok := q.nextLocked()
		q.mu.Unlock()
		if !ok {
			return nil
		}

		err := q.process(ctx, &a)
		var pe *pauseError
		switch {
		case err == nil:
			q.applied(ctx, a)
		case errors.As(err, &pe):
			q.updateAction(ctx, a)
			return fmt.Errorf("%w: %w", ErrDrainPaused, pe.err)
		default:
			q.deadLetter(ctx, a, err)
		}
	}
}

// nextLocked returns the first action whose family is not halted.
func (q *Queue) nextLocked() (PendingAction, bool) {
	halted := make(map[string]bool)
	for _, d := range q.dead {
		f := d.Family()
		if q.cfg.PolicyFor(f) == PolicyHalt {
			halted[f] = true
		}
	}
	for _, a := range q.actions {
		if !halted[a.Family()] {
			return a.clone(), true
		}
	}
	return PendingAction{}, false
}

// process attempts a with backoff. It returns nil once applied, a
// *pauseError if the drain must stop, or the terminal error.
func (q *Queue) process(ctx context.Context, a *PendingAction) (err error) {
	ctx, span := telemetry.Start(ctx, q.tracer, "queue.action",
		attribute.String("action.id", a.ID),
		attribute.String("http.method", a.Method),
		attribute.String("http.path", a.Endpoint),
	)
	defer func() { telemetry.End(span, err) }()

	attempt := func() error {
		if !q.reachable() {
			return backoff.Permanent(&pauseError{err: ErrOffline})
		}
		if err := q.checkOwner(*a); err != nil {
			return backoff.Permanent(err)
		}
		actx, cancel := context.WithTimeout(ctx, q.cfg.ActionTimeout)
		defer cancel()
		_, err := q.exec.Execute(actx, a.Request())
		if err == nil {
			return nil
		}
		switch disposition(ctx, err) {
		case dispositionRetry:
			return err
		case dispositionPause:
			return backoff.Permanent(&pauseError{err: err})
		default:
			return backoff.Permanent(err)
		}
	}

	remaining := max(a.MaxRetries-a.RetryCount-1, 0)
	b := backoff.WithContext(backoff.WithMaxRetries(q.cfg.backOff(q.clock), uint64(remaining)), ctx)
	notify := func(err error, next time.Duration) {
		a.RetryCount++
		a.LastError = err.Error()
		q.updateAction(ctx, *a)
		q.metrics.QueueAction("retry")
		q.emit(EventRetrying, a.ID, err)
		q.logger.Info("retrying queued action", "action_id", a.ID, "attempt", a.RetryCount, "delay", next, "error", err)
	}

	err = backoff.RetryNotifyWithTimer(attempt, b, notify, &clockTimer{clock: q.clock})
	if err == nil {
		return nil
	}
	var pe *pauseError
	if errors.As(err, &pe) {
		return pe
	}
	if ctx.Err() != nil {
		return &pauseError{err: ctx.Err()}
	}
	if errors.Is(err, ErrOwnerChanged) {
		a.LastError = err.Error()
		return &ExhaustedError{ActionID: a.ID, Attempts: a.RetryCount, Err: err}
	}
	a.RetryCount++
	a.LastError = err.Error()
	return &ExhaustedError{ActionID: a.ID, Attempts: a.RetryCount, Err: err}
}

// checkOwner returns a *pauseError while nobody is signed in and
// ErrOwnerChanged when someone other than a's owner is. Actions without an
// owner pass.
func (q *Queue) checkOwner(a PendingAction) error {
	if q.owner == nil || a.Owner == "" {
		return nil
	}
	switch cur := q.owner(); cur {
	case a.Owner:
		return nil
	case "":
		return &pauseError{err: session.ErrNotAuthenticated}
	default:
		return fmt.Errorf("%w: queued by %s, signed in as %s", ErrOwnerChanged, a.Owner, cur)
	}
}

type dispositionKind int

const (
	dispositionTerminal dispositionKind = iota
	dispositionRetry
	dispositionPause
)

// disposition classifies an attempt failure. Session failures pause the
// drain so actions wait for the next login instead of burning retries.
func disposition(ctx context.Context, err error) dispositionKind {
	switch {
	case ctx.Err() != nil:
		return dispositionPause
	case errors.Is(err, session.ErrNotAuthenticated),
		errors.Is(err, session.ErrInvalidRefreshToken),
		errors.Is(err, session.ErrConcurrentOperation),
		errors.Is(err, session.ErrSuperseded),
		errors.Is(err, session.ErrClosed):
		return dispositionPause
	case errors.Is(err, session.ErrTransientNetwork), transport.IsRetryable(err):
		return dispositionRetry
	default:
		return dispositionTerminal
	}
}

func (q *Queue) applied(ctx context.Context, a PendingAction) {
	q.mu.Lock()
	q.settleLocked(ctx, removeAction(q.actions, a.ID), q.dead)
	q.mu.Unlock()
	q.metrics.QueueAction("applied")
	q.emit(EventApplied, a.ID, nil)
	q.logger.Info("queued action applied", "action_id", a.ID)
}

func (q *Queue) deadLetter(ctx context.Context, a PendingAction, err error) {
	a.FailedAt = q.clock.Now().UTC()
	if a.LastError == "" {
		a.LastError = err.Error()
	}
	q.mu.Lock()
	q.settleLocked(ctx, removeAction(q.actions, a.ID), append(cloneList(q.dead), a))
	q.mu.Unlock()

	q.metrics.QueueAction("dead_lettered")
	q.alerts.Record(metrics.AlertDeadLetterSpike)
	q.reporter.Report(err, map[string]string{"action_id": a.ID, "endpoint": a.Endpoint, "method": a.Method})
	q.emit(EventDeadLettered, a.ID, err)
	q.logger.Warn("queued action dead-lettered",
		"action_id", a.ID,
		"endpoint", a.Endpoint,
		"attempts", a.RetryCount,
		"policy", string(q.cfg.PolicyFor(a.Family())),
		"error", err,
	)
}

// updateAction persists retry bookkeeping for a.
func (q *Queue) updateAction(ctx context.Context, a PendingAction) {
	q.mu.Lock()
	defer q.mu.Unlock()
	next := cloneList(q.actions)
	for i := range next {
		if next[i].ID == a.ID {
			next[i] = a.clone()
			q.settleLocked(ctx, next, q.dead)
			return
		}
	}
}

// Pending returns a copy of the queued actions in drain order.
func (q *Queue) Pending() []PendingAction {
	q.mu.Lock()
	defer q.mu.Unlock()
	return cloneList(q.actions)
}

// DeadLetters returns a copy of the dead-letter list.
func (q *Queue) DeadLetters() []PendingAction {
	q.mu.Lock()
	defer q.mu.Unlock()
	return cloneList(q.dead)
}

// RetryDeadLetter moves a dead letter back into the queue with its retry
// count reset. For a halted family it goes ahead of the family's other
// actions so their order is preserved; otherwise it goes to the tail.
func (q *Queue) RetryDeadLetter(ctx context.Context, id string) error {
	q.mu.Lock()
	idx := indexOf(q.dead, id)
	if idx < 0 {
		q.mu.Unlock()
		return ErrDeadLetterNotFound
	}
	a := q.dead[idx].clone()
	a.RetryCount = 0
	a.LastError = ""
	a.FailedAt = time.Time{}

	actions := cloneList(q.actions)
	pos := len(actions)
	if q.cfg.PolicyFor(a.Family()) == PolicyHalt {
		for i, other := range actions {
			if other.Family() == a.Family() {
				pos = i
				break
			}
		}
	}
	actions = slices.Insert(actions, pos, a)
	err := q.commitLocked(ctx, actions, removeAction(q.dead, id))
	q.mu.Unlock()
	if err != nil {
		return err
	}
	q.emit(EventRequeued, id, nil)
	if q.reachable() {
		q.Kick()
	}
	return nil
}

// DiscardDeadLetter drops one dead letter.
func (q *Queue) DiscardDeadLetter(ctx context.Context, id string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if indexOf(q.dead, id) < 0 {
		return ErrDeadLetterNotFound
	}
	return q.commitLocked(ctx, q.actions, removeAction(q.dead, id))
}

// PurgeDeadLetters drops every dead letter and returns how many there were.
func (q *Queue) PurgeDeadLetters(ctx context.Context) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	n := len(q.dead)
	if n == 0 {
		return 0, nil
	}
	return n, q.commitLocked(ctx, q.actions, nil)
}

// Status returns a diagnostic snapshot.
func (q *Queue) Status() Status {
	q.mu.Lock()
	defer q.mu.Unlock()
	return Status{
		Online:      q.reachable(),
		Pending:     len(q.actions),
		DeadLetters: len(q.dead),
		Draining:    q.draining,
		LastDrainAt: q.lastDrainAt,
	}
}

// Close stops background drains and the connectivity subscription. Queued
// actions stay persisted.
func (q *Queue) Close() {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.closed = true
	q.mu.Unlock()
	if q.unsubscribe != nil {
		q.unsubscribe()
	}
	q.cancel()
	q.wg.Wait()
}

func cloneList(list []PendingAction) []PendingAction {
	if list == nil {
		return nil
	}
	out := make([]PendingAction, len(list))
	for i, a := range list {
		out[i] = a.clone()
	}
	return out
}

func indexOf(list []PendingAction, id string) int {
	for i, a := range list {
		if a.ID == id {
			return i
		}
	}
	return -1
}

func removeAction(list []PendingAction, id string) []PendingAction {
	out := make([]PendingAction, 0, len(list))
	for _, a := range list {
		if a.ID != id {
			out = append(out, a)
		}
	}
	return out
}
