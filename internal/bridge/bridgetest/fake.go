// Package bridgetest provides an in-memory bridge.Client for tests.
package bridgetest

import (
	"context"
	"slices"
	"sync"
	"time"

	"github.com/orrn/labelspool/internal/bridge"
)

// Delivery is one payload the fake accepted.
type Delivery struct {
	Printer string
	Code    string
}

// Fake is a scriptable bridge.Client. Sends succeed unless a failure was
// queued with FailNext or a hook installed with OnSend says otherwise.
type Fake struct {
	mu         sync.Mutex
	printers   []string
	connected  bool
	connectErr error
	failures   []error
	onSend     func(printer, code string) error
	delivered  []Delivery
	attempts   int
	statuses   map[string]*bridge.PrinterStatus
}

var _ bridge.Client = (*Fake)(nil)

func New(printers ...string) *Fake {
	return &Fake{
		printers: printers,
		statuses: make(map[string]*bridge.PrinterStatus),
	}
}

// FailNext makes the next len(errs) sends fail in order. A nil entry lets
// that send through.
func (f *Fake) FailNext(errs ...error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failures = append(f.failures, errs...)
}

// OnSend installs a hook consulted before queued failures. The hook runs
// without the fake's lock held, so it may block.
func (f *Fake) OnSend(fn func(printer, code string) error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.onSend = fn
}

func (f *Fake) SetConnectError(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connectErr = err
}

func (f *Fake) SetPrinters(names ...string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.printers = names
}

func (f *Fake) SetStatus(printer string, status *bridge.PrinterStatus) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.statuses[printer] = status
}

// Disconnect drops the connected flag, as if the bridge went away.
func (f *Fake) Disconnect() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connected = false
}

// Delivered returns the accepted payloads in send order.
func (f *Fake) Delivered() []Delivery {
	f.mu.Lock()
	defer f.mu.Unlock()
	return slices.Clone(f.delivered)
}

// Attempts counts every Send call, failed or not.
func (f *Fake) Attempts() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.attempts
}

func (f *Fake) Connect(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.connectErr != nil {
		return f.connectErr
	}
	f.connected = true
	return nil
}

func (f *Fake) IsConnected() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connected
}

func (f *Fake) ListPrinters(ctx context.Context) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.connected {
		return nil, bridge.ErrNotConnected
	}
	return slices.Clone(f.printers), nil
}

func (f *Fake) Send(ctx context.Context, printer, code string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	f.mu.Lock()
	f.attempts++
	hook := f.onSend
	known := slices.Contains(f.printers, printer)
	f.mu.Unlock()

	if !known {
		return bridge.ErrPrinterNotFound
	}
	if hook != nil {
		if err := hook(printer, code); err != nil {
			return err
		}
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.failures) > 0 {
		err := f.failures[0]
		f.failures = f.failures[1:]
		if err != nil {
			return err
		}
	}
	f.delivered = append(f.delivered, Delivery{Printer: printer, Code: code})
	return nil
}

func (f *Fake) Status(ctx context.Context, printer string) (*bridge.PrinterStatus, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !slices.Contains(f.printers, printer) {
		return nil, bridge.ErrPrinterNotFound
	}
	if s, ok := f.statuses[printer]; ok {
		copied := *s
		return &copied, nil
	}
	return &bridge.PrinterStatus{Online: true, CheckedAt: time.Now()}, nil
}
