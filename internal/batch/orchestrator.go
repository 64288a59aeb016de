// Package batch runs a list of print items one at a time with cooperative
// pause and cancel.
package batch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

var (
	ErrAlreadyRunning = errors.New("a batch is already running")
	ErrNotRunning     = errors.New("no batch is running")
	ErrItemPanicked   = errors.New("batch item panicked")
)

type ItemError struct {
	Index int    `json:"index"`
	Error string `json:"error"`
}

// Result tallies a finished run. Succeeded+Failed is the number of items
// attempted; Skipped counts items never started because of cancellation.
type Result struct {
	Total     int           `json:"total"`
	Succeeded int           `json:"succeeded"`
	Failed    int           `json:"failed"`
	Skipped   int           `json:"skipped"`
	Elapsed   time.Duration `json:"elapsed"`
	Cancelled bool          `json:"cancelled"`
	Errors    []ItemError   `json:"errors,omitempty"`
}

type Progress struct {
	Running   bool      `json:"running"`
	Paused    bool      `json:"paused"`
	Total     int       `json:"total"`
	Done      int       `json:"done"`
	Succeeded int       `json:"succeeded"`
	Failed    int       `json:"failed"`
	StartedAt time.Time `json:"started_at,omitempty"`
	// Last is the result of the previous finished run.
	Last *Result `json:"last,omitempty"`
}

// Orchestrator runs at most one batch at a time. Pause and cancel are checked
// before each item; an item already started always finishes.
type Orchestrator[T any] struct {
	logger *zap.Logger

	mu        sync.Mutex
	running   bool
	paused    bool
	cancelled bool
	changed   chan struct{}
	progress  Progress
}

func New[T any](logger *zap.Logger) *Orchestrator[T] {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Orchestrator[T]{
		logger:  logger.With(zap.String("component", "batch")),
		changed: make(chan struct{}),
	}
}

// Run calls printOne for each item in order and blocks until the run ends.
// onComplete is called exactly once per run; when the run was cancelled
// onCancel is called first with the same result. Either callback may be nil.
// Cancelling ctx cancels the run the same way Cancel does.
func (o *Orchestrator[T]) Run(
	ctx context.Context,
	items []T,
	printOne func(context.Context, T) error,
	onComplete func(Result),
	onCancel func(Result),
) error {
	start, err := o.claim(len(items))
	if err != nil {
		return err
	}
	o.execute(ctx, start, items, printOne, onComplete, onCancel)
	return nil
}

// Start is Run on a new goroutine. ErrAlreadyRunning is still reported
// synchronously.
func (o *Orchestrator[T]) Start(
	ctx context.Context,
	items []T,
	printOne func(context.Context, T) error,
	onComplete func(Result),
	onCancel func(Result),
) error {
	start, err := o.claim(len(items))
	if err != nil {
		return err
	}
	go o.execute(ctx, start, items, printOne, onComplete, onCancel)
	return nil
}

func (o *Orchestrator[T]) claim(total int) (time.Time, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.running {
		return time.Time{}, ErrAlreadyRunning
	}
	start := time.Now()
	o.running = true
	o.paused = false
	o.cancelled = false
	o.progress = Progress{Running: true, Total: total, StartedAt: start, Last: o.progress.Last}
	o.notifyLocked()
	return start, nil
}

// printSafely turns a panic in printOne into an item error so the run
// always finishes and releases the orchestrator.
func printSafely[T any](ctx context.Context, printOne func(context.Context, T) error, item T) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: %v", ErrItemPanicked, r)
		}
	}()
	return printOne(ctx, item)
}

func (o *Orchestrator[T]) execute(
	ctx context.Context,
	start time.Time,
	items []T,
	printOne func(context.Context, T) error,
	onComplete func(Result),
	onCancel func(Result),
) {
	o.logger.Info("batch started", zap.Int("items", len(items)))

	result := Result{Total: len(items)}
	for i, item := range items {
		if !o.proceed(ctx) {
			result.Cancelled = true
			break
		}

		err := printSafely(ctx, printOne, item)

		o.mu.Lock()
		o.progress.Done++
		if err != nil {
			result.Failed++
			result.Errors = append(result.Errors, ItemError{Index: i, Error: err.Error()})
			o.progress.Failed++
		} else {
			result.Succeeded++
			o.progress.Succeeded++
		}
		o.mu.Unlock()

		if err != nil {
			o.logger.Warn("batch item failed", zap.Int("index", i), zap.Error(err))
		}
	}
	result.Skipped = result.Total - result.Succeeded - result.Failed
	result.Elapsed = time.Since(start)

	o.mu.Lock()
	o.running = false
	o.paused = false
	last := result
	o.progress.Running = false
	o.progress.Paused = false
	o.progress.Last = &last
	o.notifyLocked()
	o.mu.Unlock()

	o.logger.Info("batch finished",
		zap.Int("succeeded", result.Succeeded),
		zap.Int("failed", result.Failed),
		zap.Int("skipped", result.Skipped),
		zap.Bool("cancelled", result.Cancelled),
		zap.Duration("elapsed", result.Elapsed),
	)

	if result.Cancelled && onCancel != nil {
		onCancel(result)
	}
	if onComplete != nil {
		onComplete(result)
	}
}

// proceed blocks while paused and reports whether the next item may start.
func (o *Orchestrator[T]) proceed(ctx context.Context) bool {
	for {
		o.mu.Lock()
		switch {
		case o.cancelled || ctx.Err() != nil:
			o.mu.Unlock()
			return false
		case !o.paused:
			o.mu.Unlock()
			return true
		}
		ch := o.changed
		o.mu.Unlock()

		select {
		case <-ctx.Done():
		case <-ch:
		}
	}
}

func (o *Orchestrator[T]) Pause() error {
	return o.update(func() { o.paused = true; o.progress.Paused = true })
}

func (o *Orchestrator[T]) Resume() error {
	return o.update(func() { o.paused = false; o.progress.Paused = false })
}

// Cancel stops the run before its next item.
func (o *Orchestrator[T]) Cancel() error {
	return o.update(func() { o.cancelled = true })
}

func (o *Orchestrator[T]) update(fn func()) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if !o.running {
		return ErrNotRunning
	}
	fn()
	o.notifyLocked()
	return nil
}

func (o *Orchestrator[T]) Running() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.running
}

func (o *Orchestrator[T]) Progress() Progress {
	o.mu.Lock()
	defer o.mu.Unlock()
	p := o.progress
	if p.Last != nil {
		last := *p.Last
		p.Last = &last
	}
	return p
}

func (o *Orchestrator[T]) notifyLocked() {
	close(o.changed)
	o.changed = make(chan struct{})
}
