package queue

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/orrn/labelspool/internal/bridge"
	"github.com/orrn/labelspool/internal/bridge/bridgetest"
)

const printer = "front"

type fakeClock struct {
	mu      sync.Mutex
	now     time.Time
	waiters []clockWaiter
}

type clockWaiter struct {
	at time.Time
	ch chan time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) After(d time.Duration) <-chan time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	ch := make(chan time.Time, 1)
	if d <= 0 {
		ch <- c.now
		return ch
	}
	c.waiters = append(c.waiters, clockWaiter{at: c.now.Add(d), ch: ch})
	return ch
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
	kept := c.waiters[:0]
	for _, w := range c.waiters {
		if !w.at.After(c.now) {
			w.ch <- c.now
			continue
		}
		kept = append(kept, w)
	}
	c.waiters = kept
}

func (c *fakeClock) Waiters() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.waiters)
}

func program(field string) string {
	return "^XA^FD" + field + "^FS^XZ"
}

func newTestQueue(t *testing.T, client bridge.Client, opts Options) *Queue {
	t.Helper()
	if opts.Backoff == nil {
		opts.Backoff = FixedBackoff{}
	}
	q := New(printer, client, opts)
	t.Cleanup(q.Stop)
	return q
}

func drain(t *testing.T, q *Queue) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, q.Drain(ctx))
}

func payloads(deliveries []bridgetest.Delivery) []string {
	out := make([]string, len(deliveries))
	for i, d := range deliveries {
		out[i] = d.Code
	}
	return out
}

func TestQueue_DeliversInOrder(t *testing.T) {
	fake := bridgetest.New(printer)
	q := newTestQueue(t, fake, Options{})

	ids := []string{
		q.Enqueue(NewJob(program("A"), 1)),
		q.Enqueue(NewJob(program("B"), 1)),
		q.Enqueue(NewJob(program("C"), 1)),
	}
	assert.Len(t, ids, 3)
	assert.NotEqual(t, ids[0], ids[1])
	assert.Equal(t, 3, q.Pending())

	q.Start(context.Background())
	drain(t, q)

	assert.Equal(t, []string{program("A"), program("B"), program("C")}, payloads(fake.Delivered()))
	stats := q.Stats()
	assert.Equal(t, 3, stats.Delivered)
	assert.Equal(t, 0, stats.Pending)
	assert.True(t, stats.Running)
}

func TestQueue_RetriedJobKeepsItsPlace(t *testing.T) {
	fake := bridgetest.New(printer)
	fake.FailNext(bridge.ErrPrinterBusy)
	q := newTestQueue(t, fake, Options{MaxAttempts: 3})

	q.Enqueue(NewJob(program("A"), 1))
	q.Enqueue(NewJob(program("B"), 1))
	q.Start(context.Background())
	drain(t, q)

	assert.Equal(t, []string{program("A"), program("B")}, payloads(fake.Delivered()))
	assert.Equal(t, 3, fake.Attempts())
	assert.Equal(t, 1, q.Stats().Retried)
	assert.Empty(t, q.DeadLetters())
}

func TestQueue_ExhaustedJobIsDeadLetteredAndQueueContinues(t *testing.T) {
	fake := bridgetest.New(printer)
	fake.FailNext(bridge.ErrOutOfMedia, bridge.ErrOutOfMedia, bridge.ErrOutOfMedia)
	clock := newFakeClock()
	q := newTestQueue(t, fake, Options{MaxAttempts: 3, Clock: clock})

	q.Enqueue(NewJob(program("A"), 2))
	q.Enqueue(NewJob(program("B"), 1))
	q.Start(context.Background())
	drain(t, q)

	assert.Equal(t, []string{program("B")}, payloads(fake.Delivered()))

	entries := q.DeadLetters()
	require.Len(t, entries, 1)
	entry := entries[0]
	assert.NotEmpty(t, entry.ID)
	assert.Equal(t, printer, entry.Printer)
	assert.Equal(t, clock.Now(), entry.Timestamp)
	assert.Contains(t, entry.Error, "out of media")
	require.Len(t, entry.Jobs, 1)
	assert.Equal(t, program("A"), entry.Jobs[0].Payload)
	assert.Equal(t, 2, entry.Jobs[0].Quantity)
	assert.Equal(t, 3, entry.Jobs[0].Attempts)
	assert.Equal(t, entry.Error, entry.Jobs[0].LastError)

	stats := q.Stats()
	assert.Equal(t, 1, stats.DeadLettered)
	assert.Equal(t, 1, stats.Delivered)
	assert.Equal(t, 1, stats.DeadLetters)
}

func TestQueue_TerminalErrorSkipsRetries(t *testing.T) {
	fake := bridgetest.New("other")
	q := newTestQueue(t, fake, Options{MaxAttempts: 5})

	q.Enqueue(NewJob(program("A"), 1))
	q.Start(context.Background())
	drain(t, q)

	assert.Equal(t, 1, fake.Attempts())
	entries := q.DeadLetters()
	require.Len(t, entries, 1)
	assert.Equal(t, 1, entries[0].Jobs[0].Attempts)
}

func TestQueue_BatchIsSentAndDeadLetteredTogether(t *testing.T) {
	fake := bridgetest.New(printer)
	q := newTestQueue(t, fake, Options{MaxAttempts: 1})

	fake.FailNext(bridge.ErrHeadOpen)
	id := q.EnqueueBatch([]PrintJob{NewJob(program("A"), 1), NewJob(program("B"), 1)})
	assert.NotEmpty(t, id)
	assert.Equal(t, "", q.EnqueueBatch(nil))
	assert.Equal(t, 2, q.Pending())

	q.Start(context.Background())
	drain(t, q)

	entries := q.DeadLetters()
	require.Len(t, entries, 1)
	assert.Len(t, entries[0].Jobs, 2)
	assert.Equal(t, 2, q.Stats().DeadLettered)

	_, err := q.RetryDeadLetter(entries[0].ID)
	require.NoError(t, err)
	drain(t, q)

	assert.Equal(t, []string{program("A") + "\n" + program("B")}, payloads(fake.Delivered()))
	assert.Equal(t, 2, q.Stats().Delivered)
}

func TestQueue_EnqueueSafe(t *testing.T) {
	ctx := context.Background()

	t.Run("empty payload", func(t *testing.T) {
		q := newTestQueue(t, bridgetest.New(printer), Options{})
		_, err := q.EnqueueSafe(ctx, NewJob("  ", 1))
		assert.ErrorIs(t, err, ErrValidation)
		assert.Zero(t, q.Pending())
	})

	t.Run("truncated program", func(t *testing.T) {
		q := newTestQueue(t, bridgetest.New(printer), Options{})
		_, err := q.EnqueueSafe(ctx, NewJob("^XA^FDhalf", 1))
		assert.ErrorIs(t, err, ErrValidation)
		assert.Zero(t, q.Pending())
	})

	t.Run("bridge down", func(t *testing.T) {
		fake := bridgetest.New(printer)
		fake.SetConnectError(bridge.ErrConnectionFailed)
		q := newTestQueue(t, fake, Options{})
		_, err := q.EnqueueSafe(ctx, NewJob(program("A"), 1))
		assert.ErrorIs(t, err, ErrBridgeUnreachable)
		assert.ErrorIs(t, err, bridge.ErrConnectionFailed)
		assert.Zero(t, q.Pending())
	})

	t.Run("printer missing", func(t *testing.T) {
		q := newTestQueue(t, bridgetest.New("other"), Options{})
		_, err := q.EnqueueSafe(ctx, NewJob(program("A"), 1))
		assert.ErrorIs(t, err, ErrBridgeUnreachable)
		assert.ErrorIs(t, err, bridge.ErrPrinterNotFound)
		assert.Zero(t, q.Pending())
	})

	t.Run("admitted", func(t *testing.T) {
		fake := bridgetest.New(printer)
		q := newTestQueue(t, fake, Options{})
		id, err := q.EnqueueSafe(ctx, NewJob(program("A"), 1))
		require.NoError(t, err)
		assert.NotEmpty(t, id)
		assert.True(t, fake.IsConnected())
		assert.Equal(t, 1, q.Pending())
	})
}

func TestQueue_EnqueueAndWait(t *testing.T) {
	fake := bridgetest.New(printer)
	q := newTestQueue(t, fake, Options{MaxAttempts: 2})
	q.Start(context.Background())
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	require.NoError(t, q.EnqueueAndWait(ctx, NewJob(program("A"), 1)))

	fake.FailNext(bridge.ErrOutOfMedia, bridge.ErrOutOfMedia)
	err := q.EnqueueAndWait(ctx, NewJob(program("B"), 1))
	assert.ErrorIs(t, err, ErrDeadLettered)
	assert.ErrorIs(t, err, bridge.ErrOutOfMedia)
}

func TestQueue_EnqueueAndWaitHonoursContext(t *testing.T) {
	q := newTestQueue(t, bridgetest.New(printer), Options{})
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	// never started, so the job cannot be delivered
	err := q.EnqueueAndWait(ctx, NewJob(program("A"), 1))
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, 1, q.Pending())
}

func TestQueue_PauseWaitsForInFlightSend(t *testing.T) {
	fake := bridgetest.New(printer)
	started := make(chan struct{})
	release := make(chan struct{})
	var once sync.Once
	fake.OnSend(func(_, code string) error {
		if code == program("A") {
			once.Do(func() { close(started) })
			<-release
		}
		return nil
	})

	var pauses []bool
	var mu sync.Mutex
	q := newTestQueue(t, fake, Options{Hooks: Hooks{OnPause: func(_ string, paused bool) {
		mu.Lock()
		pauses = append(pauses, paused)
		mu.Unlock()
	}}})

	q.Enqueue(NewJob(program("A"), 1))
	q.Enqueue(NewJob(program("B"), 1))
	q.Start(context.Background())

	<-started
	q.Pause()
	q.Pause()
	assert.True(t, q.Paused())
	assert.True(t, q.Stats().InFlight)
	close(release)

	assert.Eventually(t, func() bool { return len(fake.Delivered()) == 1 }, time.Second, 5*time.Millisecond)
	assert.Never(t, func() bool { return len(fake.Delivered()) > 1 }, 50*time.Millisecond, 5*time.Millisecond)
	assert.Equal(t, 1, q.Pending())
	assert.False(t, q.Stats().InFlight)

	q.Resume()
	drain(t, q)
	assert.Equal(t, []string{program("A"), program("B")}, payloads(fake.Delivered()))

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []bool{true, false}, pauses)
}

func TestQueue_DrainBlocksWhilePaused(t *testing.T) {
	q := newTestQueue(t, bridgetest.New(printer), Options{})
	q.Pause()
	q.Enqueue(NewJob(program("A"), 1))
	q.Start(context.Background())

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, q.Drain(ctx), context.DeadlineExceeded)

	q.Resume()
	drain(t, q)
}

func TestQueue_BackoffWaitsOnClock(t *testing.T) {
	fake := bridgetest.New(printer)
	fake.FailNext(bridge.ErrPrinterPaused, bridge.ErrPrinterPaused)
	clock := newFakeClock()

	var delays []time.Duration
	var mu sync.Mutex
	q := newTestQueue(t, fake, Options{
		MaxAttempts: 3,
		Clock:       clock,
		Backoff:     ExponentialBackoff{Initial: time.Second, Max: time.Minute},
		Hooks: Hooks{OnRetry: func(_ string, _ PrintJob, _ error, d time.Duration) {
			mu.Lock()
			delays = append(delays, d)
			mu.Unlock()
		}},
	})
	q.Enqueue(NewJob(program("A"), 1))
	q.Start(context.Background())

	require.Eventually(t, func() bool { return clock.Waiters() == 1 }, time.Second, time.Millisecond)
	assert.Empty(t, fake.Delivered())
	assert.Equal(t, 1, q.Jobs()[0].Attempts)

	clock.Advance(500 * time.Millisecond)
	assert.Equal(t, 1, clock.Waiters())
	clock.Advance(500 * time.Millisecond)

	require.Eventually(t, func() bool { return clock.Waiters() == 1 && fake.Attempts() == 2 }, time.Second, time.Millisecond)
	clock.Advance(2 * time.Second)
	drain(t, q)

	assert.Len(t, fake.Delivered(), 1)
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []time.Duration{time.Second, 2 * time.Second}, delays)
}

func TestQueue_StopKeepsQueuedJobs(t *testing.T) {
	fake := bridgetest.New(printer)
	q := newTestQueue(t, fake, Options{})
	q.Start(context.Background())
	q.Start(context.Background())
	q.Stop()
	assert.False(t, q.Running())

	q.Enqueue(NewJob(program("A"), 1))
	assert.Never(t, func() bool { return fake.Attempts() > 0 }, 30*time.Millisecond, 5*time.Millisecond)
	assert.Equal(t, 1, q.Pending())

	q.Start(context.Background())
	drain(t, q)
	assert.Len(t, fake.Delivered(), 1)
}

func TestQueue_StopDuringSendWithBacklog(t *testing.T) {
	fake := bridgetest.New(printer)
	started := make(chan struct{})
	release := make(chan struct{})
	var once sync.Once
	fake.OnSend(func(_, code string) error {
		if code == program("A") {
			once.Do(func() { close(started) })
			<-release
		}
		return nil
	})

	q := newTestQueue(t, fake, Options{})
	q.Enqueue(NewJob(program("A"), 1))
	q.Enqueue(NewJob(program("B"), 1))
	q.Enqueue(NewJob(program("C"), 1))
	q.Start(context.Background())
	<-started

	stopped := make(chan struct{})
	go func() {
		q.Stop()
		close(stopped)
	}()
	close(release)

	select {
	case <-stopped:
	case <-time.After(2 * time.Second):
		t.Fatal("Stop did not return")
	}
	assert.False(t, q.Running())
	assert.False(t, q.Stats().InFlight)
	assert.Equal(t, 3, len(fake.Delivered())+q.Pending())

	q.Start(context.Background())
	drain(t, q)
	assert.Equal(t, []string{program("A"), program("B"), program("C")}, payloads(fake.Delivered()))
}

func TestQueue_RetryDeadLetter(t *testing.T) {
	fake := bridgetest.New(printer)
	fake.FailNext(bridge.ErrOutOfMedia)
	q := newTestQueue(t, fake, Options{MaxAttempts: 1})

	original := q.Enqueue(NewJob(program("A"), 1))
	q.Start(context.Background())
	drain(t, q)

	entries := q.DeadLetters()
	require.Len(t, entries, 1)

	_, err := q.RetryDeadLetter("missing")
	assert.ErrorIs(t, err, ErrDeadLetterNotFound)

	retried, err := q.RetryDeadLetter(entries[0].ID)
	require.NoError(t, err)
	assert.NotEqual(t, original, retried)
	assert.Empty(t, q.DeadLetters())

	drain(t, q)
	assert.Equal(t, []string{program("A")}, payloads(fake.Delivered()))
}

func TestQueue_RetryAllAndClear(t *testing.T) {
	fake := bridgetest.New(printer)
	fake.FailNext(bridge.ErrOutOfMedia, bridge.ErrOutOfMedia, bridge.ErrOutOfMedia)
	q := newTestQueue(t, fake, Options{MaxAttempts: 1})

	q.Enqueue(NewJob(program("A"), 1))
	q.Enqueue(NewJob(program("B"), 1))
	q.Enqueue(NewJob(program("C"), 1))
	q.Start(context.Background())
	drain(t, q)
	require.Len(t, q.DeadLetters(), 3)

	fake.FailNext(bridge.ErrOutOfMedia)
	assert.Equal(t, 3, q.RetryAllDeadLetters())
	drain(t, q)

	assert.Equal(t, []string{program("B"), program("C")}, payloads(fake.Delivered()))
	require.Len(t, q.DeadLetters(), 1)

	assert.Equal(t, 1, q.ClearDeadLetters())
	assert.Equal(t, 0, q.ClearDeadLetters())
	assert.Empty(t, q.DeadLetters())
	assert.Equal(t, 0, q.RetryAllDeadLetters())
}

func TestQueue_DeadLettersAreSnapshots(t *testing.T) {
	fake := bridgetest.New(printer)
	fake.FailNext(errors.New("boom"))
	q := newTestQueue(t, fake, Options{MaxAttempts: 1})
	q.Enqueue(NewJob(program("A"), 1))
	q.Start(context.Background())
	drain(t, q)

	entries := q.DeadLetters()
	entries[0].Jobs[0].Payload = "changed"
	assert.Equal(t, program("A"), q.DeadLetters()[0].Jobs[0].Payload)
}

func TestChainHooks(t *testing.T) {
	var calls []string
	h := ChainHooks(
		Hooks{OnDepth: func(p string, d int) { calls = append(calls, "first") }},
		Hooks{},
		Hooks{OnDepth: func(p string, d int) { calls = append(calls, "second") }},
	)
	h.OnDepth(printer, 1)
	h.OnDelivered(printer, PrintJob{}, 0)
	assert.Equal(t, []string{"first", "second"}, calls)
}
