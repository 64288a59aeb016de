package queue

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/orrn/labelspool/internal/bridge"
	"github.com/orrn/labelspool/internal/config"
	"github.com/orrn/labelspool/internal/label"
)

// Hooks observe a queue. Every field is optional. Hooks run without the
// queue lock held, on the goroutine that caused the event.
type Hooks struct {
	OnDelivered    func(printer string, job PrintJob, latency time.Duration)
	OnRetry        func(printer string, job PrintJob, err error, delay time.Duration)
	OnDeadLettered func(printer string, entry DeadLetterEntry)
	OnDepth        func(printer string, depth int)
	OnPause        func(printer string, paused bool)
}

// ChainHooks calls each set of hooks in order.
func ChainHooks(hooks ...Hooks) Hooks {
	return Hooks{
		OnDelivered: func(printer string, job PrintJob, latency time.Duration) {
			for _, h := range hooks {
				if h.OnDelivered != nil {
					h.OnDelivered(printer, job, latency)
				}
			}
		},
		OnRetry: func(printer string, job PrintJob, err error, delay time.Duration) {
			for _, h := range hooks {
				if h.OnRetry != nil {
					h.OnRetry(printer, job, err, delay)
				}
			}
		},
		OnDeadLettered: func(printer string, entry DeadLetterEntry) {
			for _, h := range hooks {
				if h.OnDeadLettered != nil {
					h.OnDeadLettered(printer, entry.clone())
				}
			}
		},
		OnDepth: func(printer string, depth int) {
			for _, h := range hooks {
				if h.OnDepth != nil {
					h.OnDepth(printer, depth)
				}
			}
		},
		OnPause: func(printer string, paused bool) {
			for _, h := range hooks {
				if h.OnPause != nil {
					h.OnPause(printer, paused)
				}
			}
		},
	}
}

type Options struct {
	MaxAttempts int
	Backoff     BackoffPolicy
	Clock       Clock
	Logger      *zap.Logger
	Hooks       Hooks
	// SendInterval is the minimum gap between two sends. Zero disables pacing.
	SendInterval time.Duration
}

func (o *Options) normalize() {
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = DefaultMaxAttempts
	}
	if o.Backoff == nil {
		o.Backoff = ExponentialBackoff{Initial: DefaultInitialBackoff, Max: DefaultMaxBackoff}
	}
	if o.Clock == nil {
		o.Clock = realClock{}
	}
	if o.Logger == nil {
		o.Logger = zap.NewNop()
	}
	if o.SendInterval < 0 {
		o.SendInterval = 0
	}
}

// OptionsFromConfig maps the queue section of the config file.
func OptionsFromConfig(cfg config.QueueConfig, logger *zap.Logger) Options {
	return Options{
		MaxAttempts:  cfg.MaxAttempts,
		Backoff:      BackoffFromConfig(cfg),
		Logger:       logger,
		SendInterval: cfg.SendInterval,
	}
}

type Stats struct {
	Printer      string `json:"printer"`
	Pending      int    `json:"pending"`
	InFlight     bool   `json:"in_flight"`
	Paused       bool   `json:"paused"`
	Running      bool   `json:"running"`
	Delivered    int    `json:"delivered"`
	DeadLettered int    `json:"dead_lettered"`
	Retried      int    `json:"retried"`
	DeadLetters  int    `json:"dead_letter_entries"`
}

// Queue delivers jobs to a single printer. Exactly one send is in flight at a
// time and items leave the head only when delivered or dead-lettered, so a
// retried item keeps its place.
type Queue struct {
	printer string
	client  bridge.Client
	opts    Options
	limiter *rate.Limiter
	logger  *zap.Logger

	mu           sync.Mutex
	pending      []*item
	inFlight     bool
	paused       bool
	deadLetters  []DeadLetterEntry
	delivered    int
	deadLettered int
	retried      int
	changed      chan struct{}

	lifecycleMu sync.Mutex
	cancel      context.CancelFunc
	done        chan struct{}
}

func New(printer string, client bridge.Client, opts Options) *Queue {
	opts.normalize()

	limit := rate.Inf
	if opts.SendInterval > 0 {
		limit = rate.Every(opts.SendInterval)
	}
	return &Queue{
		printer: printer,
		client:  client,
		opts:    opts,
		limiter: rate.NewLimiter(limit, 1),
		logger:  opts.Logger.With(zap.String("printer", printer)),
		changed: make(chan struct{}),
	}
}

func (q *Queue) Printer() string {
	return q.printer
}

// Start launches the delivery goroutine. Calling Start on a running queue is
// a no-op.
func (q *Queue) Start(ctx context.Context) {
	q.lifecycleMu.Lock()
	defer q.lifecycleMu.Unlock()

	if q.cancel != nil {
		return
	}
	runCtx, cancel := context.WithCancel(ctx)
	q.cancel = cancel
	q.done = make(chan struct{})
	go q.run(runCtx, q.done)

	q.logger.Info("delivery started")
}

// Stop ends the delivery goroutine once the send in flight, if any, has
// returned. Queued items stay queued.
func (q *Queue) Stop() {
	q.lifecycleMu.Lock()
	defer q.lifecycleMu.Unlock()

	if q.cancel == nil {
		return
	}
	q.cancel()
	<-q.done
	q.cancel = nil
	q.done = nil

	q.logger.Info("delivery stopped")
}

func (q *Queue) Running() bool {
	q.lifecycleMu.Lock()
	defer q.lifecycleMu.Unlock()
	return q.cancel != nil
}

// Enqueue admits job and returns its ID without waiting for delivery.
func (q *Queue) Enqueue(job PrintJob) string {
	return q.push([]PrintJob{job}, false).id
}

// EnqueueBatch admits jobs as one item: they are written in a single send
// and dead-lettered together. It returns the batch ID, or "" for no jobs.
func (q *Queue) EnqueueBatch(jobs []PrintJob) string {
	if len(jobs) == 0 {
		return ""
	}
	return q.push(jobs, false).id
}

// Check rejects jobs with an empty or malformed payload, then makes sure the
// bridge is reachable and knows the printer.
func (q *Queue) Check(ctx context.Context, jobs ...PrintJob) error {
	if len(jobs) == 0 {
		return fmt.Errorf("%w: %w", ErrValidation, ErrEmptyBatch)
	}
	for _, job := range jobs {
		if strings.TrimSpace(job.Payload) == "" {
			return fmt.Errorf("%w: %w", ErrValidation, label.ErrEmptyProgram)
		}
		if err := label.Validate(job.Payload); err != nil {
			return fmt.Errorf("%w: %w", ErrValidation, err)
		}
	}
	return q.Reachable(ctx)
}

// Reachable connects the bridge if needed and makes sure it lists this
// queue's printer.
func (q *Queue) Reachable(ctx context.Context) error {
	return reachable(ctx, q.client, q.printer)
}

func reachable(ctx context.Context, client bridge.Client, printer string) error {
	if !client.IsConnected() {
		if err := client.Connect(ctx); err != nil {
			return fmt.Errorf("%w: %w", ErrBridgeUnreachable, err)
		}
	}
	printers, err := client.ListPrinters(ctx)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrBridgeUnreachable, err)
	}
	if !slices.Contains(printers, printer) {
		return fmt.Errorf("%w: %w: %s", ErrBridgeUnreachable, bridge.ErrPrinterNotFound, printer)
	}
	return nil
}

// EnqueueSafe runs Check before admitting job. Nothing is queued when Check
// fails.
func (q *Queue) EnqueueSafe(ctx context.Context, job PrintJob) (string, error) {
	if err := q.Check(ctx, job); err != nil {
		return "", err
	}
	return q.Enqueue(job), nil
}

// EnqueueAndWait admits job and blocks until it is delivered or
// dead-lettered. A dead-lettered job returns an error wrapping both
// ErrDeadLettered and the final send error. If ctx ends first the job stays
// queued and ctx's error is returned.
func (q *Queue) EnqueueAndWait(ctx context.Context, job PrintJob) error {
	return q.wait(ctx, q.push([]PrintJob{job}, true))
}

// EnqueueBatchAndWait is EnqueueAndWait for a batch item.
func (q *Queue) EnqueueBatchAndWait(ctx context.Context, jobs []PrintJob) error {
	if len(jobs) == 0 {
		return fmt.Errorf("%w: %w", ErrValidation, ErrEmptyBatch)
	}
	return q.wait(ctx, q.push(jobs, true))
}

func (q *Queue) wait(ctx context.Context, it *item) error {
	select {
	case err := <-it.done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (q *Queue) push(jobs []PrintJob, wait bool) *item {
	now := q.opts.Clock.Now()
	it := &item{jobs: slices.Clone(jobs), enqueued: now}
	for i := range it.jobs {
		it.jobs[i].ID = uuid.NewString()
		it.jobs[i].CreatedAt = now
		it.jobs[i].Attempts = 0
		it.jobs[i].LastError = ""
		if it.jobs[i].Quantity < 1 {
			it.jobs[i].Quantity = 1
		}
	}
	if len(it.jobs) == 1 {
		it.id = it.jobs[0].ID
	} else {
		it.id = uuid.NewString()
	}
	if wait {
		it.done = make(chan error, 1)
	}

	q.mu.Lock()
	q.pending = append(q.pending, it)
	depth := q.depthLocked()
	q.notifyLocked()
	q.mu.Unlock()

	q.logger.Debug("job queued", zap.String("item_id", it.id), zap.Int("jobs", len(it.jobs)))
	q.depthChanged(depth)
	return it
}

// Pause stops delivery before the next attempt. A send already in flight
// finishes.
func (q *Queue) Pause() {
	q.setPaused(true)
}

func (q *Queue) Resume() {
	q.setPaused(false)
}

func (q *Queue) setPaused(paused bool) {
	q.mu.Lock()
	changed := q.paused != paused
	q.paused = paused
	q.notifyLocked()
	q.mu.Unlock()

	if !changed {
		return
	}
	if paused {
		q.logger.Info("queue paused")
	} else {
		q.logger.Info("queue resumed")
	}
	if q.opts.Hooks.OnPause != nil {
		q.opts.Hooks.OnPause(q.printer, paused)
	}
}

func (q *Queue) Paused() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.paused
}

// Drain blocks until nothing is queued or in flight. A paused queue with
// pending items does not drain; ctx bounds the wait.
func (q *Queue) Drain(ctx context.Context) error {
	for {
		q.mu.Lock()
		if len(q.pending) == 0 && !q.inFlight {
			q.mu.Unlock()
			return nil
		}
		ch := q.changed
		q.mu.Unlock()

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ch:
		}
	}
}

// Pending counts queued jobs, including the one being sent.
func (q *Queue) Pending() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.depthLocked()
}

// Jobs returns a snapshot of the queued jobs in delivery order.
func (q *Queue) Jobs() []PrintJob {
	q.mu.Lock()
	defer q.mu.Unlock()

	var jobs []PrintJob
	for _, it := range q.pending {
		jobs = append(jobs, it.jobs...)
	}
	return jobs
}

func (q *Queue) Stats() Stats {
	running := q.Running()

	q.mu.Lock()
	defer q.mu.Unlock()
	return Stats{
		Printer:      q.printer,
		Pending:      q.depthLocked(),
		InFlight:     q.inFlight,
		Paused:       q.paused,
		Running:      running,
		Delivered:    q.delivered,
		DeadLettered: q.deadLettered,
		Retried:      q.retried,
		DeadLetters:  len(q.deadLetters),
	}
}

func (q *Queue) DeadLetters() []DeadLetterEntry {
	q.mu.Lock()
	defer q.mu.Unlock()

	entries := make([]DeadLetterEntry, len(q.deadLetters))
	for i, e := range q.deadLetters {
		entries[i] = e.clone()
	}
	return entries
}

// RetryDeadLetter re-enqueues every job of entry id with a fresh ID and zero
// attempts, then removes the entry. It returns the new item ID.
func (q *Queue) RetryDeadLetter(id string) (string, error) {
	q.mu.Lock()
	idx := slices.IndexFunc(q.deadLetters, func(e DeadLetterEntry) bool { return e.ID == id })
	if idx < 0 {
		q.mu.Unlock()
		return "", fmt.Errorf("%w: %s", ErrDeadLetterNotFound, id)
	}
	entry := q.deadLetters[idx]
	q.deadLetters = slices.Delete(q.deadLetters, idx, idx+1)
	q.mu.Unlock()

	it := q.push(entry.Jobs, false)
	q.logger.Info("dead letter re-enqueued", zap.String("entry_id", id), zap.String("item_id", it.id))
	return it.id, nil
}

// RetryAllDeadLetters re-enqueues every entry in the order they failed and
// returns how many entries were retried.
func (q *Queue) RetryAllDeadLetters() int {
	q.mu.Lock()
	entries := q.deadLetters
	q.deadLetters = nil
	q.mu.Unlock()

	for _, e := range entries {
		q.push(e.Jobs, false)
	}
	if len(entries) > 0 {
		q.logger.Info("dead letters re-enqueued", zap.Int("entries", len(entries)))
	}
	return len(entries)
}

// ClearDeadLetters discards every entry and returns how many there were.
// Clearing an empty store is a no-op.
func (q *Queue) ClearDeadLetters() int {
	q.mu.Lock()
	n := len(q.deadLetters)
	q.deadLetters = nil
	q.mu.Unlock()

	if n > 0 {
		q.logger.Info("dead letters cleared", zap.Int("entries", n))
	}
	return n
}

func (q *Queue) run(ctx context.Context, done chan struct{}) {
	defer close(done)

	for {
		it, ok := q.next(ctx)
		if !ok {
			return
		}
		delay, retry := q.deliver(ctx, it)
		if ctx.Err() != nil {
			return
		}
		if !retry {
			continue
		}
		select {
		case <-ctx.Done():
			return
		case <-q.opts.Clock.After(delay):
		}
	}
}

// next waits for an unpaused queue with work and marks the head in flight.
func (q *Queue) next(ctx context.Context) (*item, bool) {
	for {
		if ctx.Err() != nil {
			return nil, false
		}
		q.mu.Lock()
		if !q.paused && len(q.pending) > 0 {
			it := q.pending[0]
			q.inFlight = true
			q.notifyLocked()
			q.mu.Unlock()
			return it, true
		}
		ch := q.changed
		q.mu.Unlock()

		select {
		case <-ctx.Done():
			return nil, false
		case <-ch:
		}
	}
}

// deliver makes one attempt at it. It reports whether the item stays at the
// head for another attempt and how long to wait first.
func (q *Queue) deliver(ctx context.Context, it *item) (time.Duration, bool) {
	if err := q.limiter.Wait(ctx); err != nil {
		q.mu.Lock()
		q.inFlight = false
		q.notifyLocked()
		q.mu.Unlock()
		return 0, false
	}

	start := q.opts.Clock.Now()
	// Stop must not cut a payload in half, so the send ignores cancellation.
	err := q.client.Send(context.WithoutCancel(ctx), q.printer, it.payload())
	latency := q.opts.Clock.Now().Sub(start)

	if err == nil {
		q.succeed(it, latency)
		return 0, false
	}
	return q.fail(it, err)
}

func (q *Queue) succeed(it *item, latency time.Duration) {
	q.mu.Lock()
	q.removeLocked(it)
	q.inFlight = false
	q.delivered += len(it.jobs)
	jobs := slices.Clone(it.jobs)
	depth := q.depthLocked()
	q.notifyLocked()
	q.mu.Unlock()

	q.logger.Info("job delivered",
		zap.String("item_id", it.id),
		zap.Int("jobs", len(jobs)),
		zap.Int("attempts", jobs[0].Attempts+1),
		zap.Duration("latency", latency),
	)
	if q.opts.Hooks.OnDelivered != nil {
		for _, job := range jobs {
			q.opts.Hooks.OnDelivered(q.printer, job, latency)
		}
	}
	q.depthChanged(depth)
	it.finish(nil)
}

func (q *Queue) fail(it *item, err error) (time.Duration, bool) {
	q.mu.Lock()
	for i := range it.jobs {
		it.jobs[i].Attempts++
		it.jobs[i].LastError = err.Error()
	}
	attempts := it.attempts()
	q.inFlight = false

	if attempts < q.opts.MaxAttempts && bridge.IsTransient(err) {
		q.retried++
		job := it.jobs[0]
		q.notifyLocked()
		q.mu.Unlock()

		delay := q.opts.Backoff.Delay(attempts)
		q.logger.Warn("delivery failed, retrying",
			zap.String("item_id", it.id),
			zap.Int("attempt", attempts),
			zap.Int("max_attempts", q.opts.MaxAttempts),
			zap.Duration("backoff", delay),
			zap.Error(err),
		)
		if q.opts.Hooks.OnRetry != nil {
			q.opts.Hooks.OnRetry(q.printer, job, err, delay)
		}
		return delay, true
	}

	q.removeLocked(it)
	entry := DeadLetterEntry{
		ID:        uuid.NewString(),
		Printer:   q.printer,
		Jobs:      slices.Clone(it.jobs),
		Error:     err.Error(),
		Timestamp: q.opts.Clock.Now(),
	}
	q.deadLetters = append(q.deadLetters, entry)
	q.deadLettered += len(it.jobs)
	depth := q.depthLocked()
	q.notifyLocked()
	q.mu.Unlock()

	q.logger.Error("job dead-lettered",
		zap.String("item_id", it.id),
		zap.String("entry_id", entry.ID),
		zap.Int("jobs", len(entry.Jobs)),
		zap.Int("attempts", attempts),
		zap.Error(err),
	)
	if q.opts.Hooks.OnDeadLettered != nil {
		q.opts.Hooks.OnDeadLettered(q.printer, entry.clone())
	}
	q.depthChanged(depth)
	it.finish(fmt.Errorf("%w: %w", ErrDeadLettered, err))
	return 0, false
}

func (q *Queue) removeLocked(it *item) {
	if idx := slices.Index(q.pending, it); idx >= 0 {
		q.pending = slices.Delete(q.pending, idx, idx+1)
	}
}

func (q *Queue) depthLocked() int {
	n := 0
	for _, it := range q.pending {
		n += len(it.jobs)
	}
	return n
}

// notifyLocked wakes everything waiting on a state change.
func (q *Queue) notifyLocked() {
	close(q.changed)
	q.changed = make(chan struct{})
}

func (q *Queue) depthChanged(depth int) {
	if q.opts.Hooks.OnDepth != nil {
		q.opts.Hooks.OnDepth(q.printer, depth)
	}
}
