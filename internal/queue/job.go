// Package queue delivers print jobs to one printer in FIFO order, retrying
// transient failures with backoff and parking exhausted jobs in a dead-letter
// store until an operator retries or clears them.
package queue

import (
	"errors"
	"slices"
	"time"
)

var (
	ErrValidation         = errors.New("invalid print job")
	ErrBridgeUnreachable  = errors.New("bridge unreachable")
	ErrDeadLettered       = errors.New("job dead-lettered")
	ErrDeadLetterNotFound = errors.New("dead-letter entry not found")
	ErrEmptyBatch         = errors.New("batch has no jobs")
)

type JobState string

const (
	JobStateQueued       JobState = "queued"
	JobStateDelivered    JobState = "delivered"
	JobStateDeadLettered JobState = "dead_lettered"
)

// PrintJob is one device program bound for a printer. Payload is fixed at
// creation; only Attempts and LastError change while the job is queued.
type PrintJob struct {
	ID        string    `json:"id"`
	Payload   string    `json:"payload"`
	Quantity  int       `json:"quantity"`
	CreatedAt time.Time `json:"created_at"`
	Attempts  int       `json:"attempts"`
	LastError string    `json:"last_error,omitempty"`
}

// NewJob builds a job for payload. The queue assigns the ID on enqueue.
func NewJob(payload string, quantity int) PrintJob {
	if quantity < 1 {
		quantity = 1
	}
	return PrintJob{Payload: payload, Quantity: quantity}
}

// DeadLetterEntry holds the jobs of one queue item whose retries ran out.
// Jobs enqueued together as a batch share an entry.
type DeadLetterEntry struct {
	ID        string     `json:"id"`
	Printer   string     `json:"printer"`
	Jobs      []PrintJob `json:"jobs"`
	Error     string     `json:"error"`
	Timestamp time.Time  `json:"timestamp"`
}

func (e DeadLetterEntry) clone() DeadLetterEntry {
	e.Jobs = slices.Clone(e.Jobs)
	return e
}

// item is the unit of delivery: a single job or a batch sent in one write.
type item struct {
	id       string
	jobs     []PrintJob
	enqueued time.Time
	done     chan error
}

func (it *item) attempts() int {
	return it.jobs[0].Attempts
}

func (it *item) payload() string {
	if len(it.jobs) == 1 {
		return it.jobs[0].Payload
	}
	size := 0
	for _, j := range it.jobs {
		size += len(j.Payload) + 1
	}
	buf := make([]byte, 0, size)
	for i, j := range it.jobs {
		if i > 0 {
			buf = append(buf, '\n')
		}
		buf = append(buf, j.Payload...)
	}
	return string(buf)
}

func (it *item) finish(err error) {
	if it.done != nil {
		it.done <- err
	}
}
