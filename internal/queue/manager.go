package queue

import (
	"context"
	"sort"
	"sync"

	"github.com/orrn/labelspool/internal/bridge"
)

// Manager owns one Queue per printer name. Queues share the bridge client and
// options but nothing else.
type Manager struct {
	client bridge.Client
	opts   Options

	mu     sync.Mutex
	queues map[string]*Queue
	ctx    context.Context
}

func NewManager(client bridge.Client, opts Options) *Manager {
	return &Manager{
		client: client,
		opts:   opts,
		queues: make(map[string]*Queue),
	}
}

func (m *Manager) Client() bridge.Client {
	return m.client
}

// Get returns the queue for printer, creating it on first use. Queues created
// after StartAll start immediately.
func (m *Manager) Get(printer string) *Queue {
	m.mu.Lock()
	defer m.mu.Unlock()

	if q, exists := m.queues[printer]; exists {
		return q
	}
	q := New(printer, m.client, m.opts)
	m.queues[printer] = q
	if m.ctx != nil {
		q.Start(m.ctx)
	}
	return q
}

// Open returns the queue for printer. A queue that does not exist yet is only
// created once the bridge lists the printer, so unknown names leave nothing
// behind.
func (m *Manager) Open(ctx context.Context, printer string) (*Queue, error) {
	if q, ok := m.Lookup(printer); ok {
		return q, nil
	}
	if err := reachable(ctx, m.client, printer); err != nil {
		return nil, err
	}
	return m.Get(printer), nil
}

// Lookup returns the queue for printer without creating one.
func (m *Manager) Lookup(printer string) (*Queue, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	q, ok := m.queues[printer]
	return q, ok
}

// Queues lists every queue ordered by printer name.
func (m *Manager) Queues() []*Queue {
	m.mu.Lock()
	defer m.mu.Unlock()

	queues := make([]*Queue, 0, len(m.queues))
	for _, q := range m.queues {
		queues = append(queues, q)
	}
	sort.Slice(queues, func(i, j int) bool { return queues[i].printer < queues[j].printer })
	return queues
}

func (m *Manager) StartAll(ctx context.Context) {
	m.mu.Lock()
	m.ctx = ctx
	queues := make([]*Queue, 0, len(m.queues))
	for _, q := range m.queues {
		queues = append(queues, q)
	}
	m.mu.Unlock()

	for _, q := range queues {
		q.Start(ctx)
	}
}

func (m *Manager) StopAll() {
	m.mu.Lock()
	m.ctx = nil
	m.mu.Unlock()

	for _, q := range m.Queues() {
		q.Stop()
	}
}
