package webhook

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"go.uber.org/zap"

	"github.com/orrn/labelspool/internal/batch"
	"github.com/orrn/labelspool/internal/config"
	"github.com/orrn/labelspool/internal/db"
	"github.com/orrn/labelspool/internal/queue"
)

type Event string

const (
	EventJobDelivered    Event = "job_delivered"
	EventJobDeadLettered Event = "job_dead_lettered"
	EventBatchCompleted  Event = "batch_completed"
	EventQueuePaused     Event = "queue_paused"
	EventQueueResumed    Event = "queue_resumed"
)

// Events lists every event a subscription may name.
var Events = []Event{
	EventJobDelivered,
	EventJobDeadLettered,
	EventBatchCompleted,
	EventQueuePaused,
	EventQueueResumed,
}

func ValidEvent(name string) bool {
	for _, e := range Events {
		if string(e) == name {
			return true
		}
	}
	return false
}

type Payload struct {
	Event     string    `json:"event"`
	Timestamp time.Time `json:"timestamp"`
	Data      any       `json:"data"`
	Signature string    `json:"signature,omitempty"`
}

type JobEventData struct {
	Printer   string `json:"printer"`
	JobID     string `json:"job_id"`
	Quantity  int    `json:"quantity"`
	Attempts  int    `json:"attempts"`
	LatencyMs int64  `json:"latency_ms,omitempty"`
}

type DeadLetterEventData struct {
	Printer string   `json:"printer"`
	EntryID string   `json:"entry_id"`
	JobIDs  []string `json:"job_ids"`
	Error   string   `json:"error"`
}

type QueueEventData struct {
	Printer string `json:"printer"`
	Paused  bool   `json:"paused"`
}

type BatchEventData struct {
	Printer string       `json:"printer,omitempty"`
	Result  batch.Result `json:"result"`
}

// Store returns the subscriptions for an event.
type Store interface {
	ListActiveWebhooksForEvent(ctx context.Context, event string) ([]*db.Webhook, error)
}

// StatusError is a non-2xx answer from a subscriber.
type StatusError struct {
	StatusCode int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("http error: %d", e.StatusCode)
}

var ErrStopped = errors.New("webhook sender stopped")

type task struct {
	webhook *db.Webhook
	payload *Payload
	attempt int
}

// Sender fans events out to subscribed URLs from a fixed pool of workers.
// Events are dropped when the buffer is full.
type Sender struct {
	store      Store
	httpClient *http.Client
	logger     *zap.Logger
	retryCount int
	retryDelay time.Duration
	workers    int
	queue      chan *task
	stopCh     chan struct{}
	stopOnce   sync.Once
	wg         sync.WaitGroup
}

func NewSender(store Store, cfg config.WebhookConfig, logger *zap.Logger) *Sender {
	if cfg.RetryCount <= 0 {
		cfg.RetryCount = 3
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = 5 * time.Second
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.WorkerCount <= 0 {
		cfg.WorkerCount = 3
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 100
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Sender{
		store: store,
		httpClient: &http.Client{
			Timeout: cfg.Timeout,
		},
		logger:     logger.With(zap.String("component", "webhook")),
		retryCount: cfg.RetryCount,
		retryDelay: cfg.RetryDelay,
		workers:    cfg.WorkerCount,
		queue:      make(chan *task, cfg.QueueSize),
		stopCh:     make(chan struct{}),
	}
}

func (s *Sender) Start() {
	for i := 0; i < s.workers; i++ {
		s.wg.Add(1)
		go s.worker(i)
	}
}

// Stop ends the workers. Tasks still buffered are dropped.
func (s *Sender) Stop() {
	s.stopOnce.Do(func() { close(s.stopCh) })
	s.wg.Wait()
}

// Hooks reports queue events to subscribers.
func (s *Sender) Hooks() queue.Hooks {
	return queue.Hooks{
		OnDelivered: func(printer string, job queue.PrintJob, latency time.Duration) {
			s.Publish(EventJobDelivered, &JobEventData{
				Printer:   printer,
				JobID:     job.ID,
				Quantity:  job.Quantity,
				Attempts:  job.Attempts + 1,
				LatencyMs: latency.Milliseconds(),
			})
		},
		OnDeadLettered: func(printer string, entry queue.DeadLetterEntry) {
			ids := make([]string, len(entry.Jobs))
			for i, j := range entry.Jobs {
				ids[i] = j.ID
			}
			s.Publish(EventJobDeadLettered, &DeadLetterEventData{
				Printer: printer,
				EntryID: entry.ID,
				JobIDs:  ids,
				Error:   entry.Error,
			})
		},
		OnPause: func(printer string, paused bool) {
			event := EventQueueResumed
			if paused {
				event = EventQueuePaused
			}
			s.Publish(event, &QueueEventData{Printer: printer, Paused: paused})
		},
	}
}

func (s *Sender) BatchCompleted(printer string, result batch.Result) {
	s.Publish(EventBatchCompleted, &BatchEventData{Printer: printer, Result: result})
}

// Publish queues data for every enabled subscription to event.
func (s *Sender) Publish(event Event, data any) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	webhooks, err := s.store.ListActiveWebhooksForEvent(ctx, string(event))
	if err != nil {
		s.logger.Error("failed to get webhooks for event", zap.String("event", string(event)), zap.Error(err))
		return
	}

	now := time.Now()
	for _, webhook := range webhooks {
		t := &task{
			webhook: webhook,
			payload: &Payload{
				Event:     string(event),
				Timestamp: now,
				Data:      data,
			},
		}

		select {
		case s.queue <- t:
		default:
			s.logger.Warn("queue full, dropping webhook",
				zap.Int64("webhook_id", webhook.ID), zap.String("event", string(event)))
		}
	}
}

// Test sends a single unretried "test" delivery to w.
func (s *Sender) Test(w *db.Webhook) error {
	return s.sendRequest(w, &Payload{
		Event:     "test",
		Timestamp: time.Now().UTC(),
		Data:      map[string]any{"webhook_id": w.ID, "test": true},
	})
}

func (s *Sender) worker(id int) {
	defer s.wg.Done()

	for {
		select {
		case <-s.stopCh:
			return
		case t := <-s.queue:
			if err := s.sendWithRetry(t); err != nil {
				s.logger.Warn("webhook delivery failed",
					zap.Int("worker", id),
					zap.Int64("webhook_id", t.webhook.ID),
					zap.String("event", t.payload.Event),
					zap.Int("attempts", t.attempt),
					zap.Error(err))
			}
		}
	}
}

func (s *Sender) sendWithRetry(t *task) error {
	var lastErr error
	for t.attempt < s.retryCount {
		t.attempt++

		err := s.sendRequest(t.webhook, t.payload)
		if err == nil {
			return nil
		}
		lastErr = err

		if isClientError(err) {
			return err
		}

		if t.attempt < s.retryCount {
			backoff := s.retryDelay * time.Duration(1<<(t.attempt-1))
			s.logger.Debug("retrying webhook",
				zap.Int64("webhook_id", t.webhook.ID),
				zap.Int("attempt", t.attempt),
				zap.Duration("backoff", backoff),
				zap.Error(err))

			select {
			case <-s.stopCh:
				return ErrStopped
			case <-time.After(backoff):
			}
		}
	}

	return fmt.Errorf("max retries exceeded: %w", lastErr)
}

func (s *Sender) sendRequest(webhook *db.Webhook, payload *Payload) error {
	data, err := json.Marshal(payload.Data)
	if err != nil {
		return fmt.Errorf("marshal data: %w", err)
	}

	signed := *payload
	if webhook.Secret != "" {
		signed.Signature = Sign(data, webhook.Secret)
	}

	body, err := json.Marshal(&signed)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}

	req, err := http.NewRequest(http.MethodPost, webhook.URL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Webhook-Event", signed.Event)
	if signed.Signature != "" {
		req.Header.Set("X-Webhook-Signature", signed.Signature)
	}

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("send request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return &StatusError{StatusCode: resp.StatusCode}
	}
	return nil
}

// Sign returns the hex HMAC-SHA256 of the event data, the value sent in
// X-Webhook-Signature.
func Sign(data []byte, secret string) string {
	h := hmac.New(sha256.New, []byte(secret))
	h.Write(data)
	return hex.EncodeToString(h.Sum(nil))
}

func isClientError(err error) bool {
	var se *StatusError
	return errors.As(err, &se) && se.StatusCode >= 400 && se.StatusCode < 500
}
