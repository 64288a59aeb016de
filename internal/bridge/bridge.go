// Package bridge talks to label printers, either directly over raw TCP or
// through a local hardware bridge service reached over HTTP.
package bridge

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/orrn/labelspool/internal/config"
)

var (
	ErrNotConnected     = errors.New("bridge not connected")
	ErrConnectionFailed = errors.New("connection failed")
	ErrPrinterNotFound  = errors.New("printer not found")
	ErrPrinterBusy      = errors.New("printer is busy")
	ErrPrinterPaused    = errors.New("printer is paused")
	ErrOutOfMedia       = errors.New("printer is out of media")
	ErrHeadOpen         = errors.New("printer head is open")
	ErrInvalidStatus    = errors.New("invalid status response")
	ErrPartialWrite     = errors.New("payload partially written")
)

// Client is the transport used by the delivery queues. Implementations must
// be safe for concurrent use; each queue is still the only writer for its own
// printer.
type Client interface {
	Connect(ctx context.Context) error
	IsConnected() bool
	ListPrinters(ctx context.Context) ([]string, error)
	Send(ctx context.Context, printer, code string) error
	Status(ctx context.Context, printer string) (*PrinterStatus, error)
}

// IsTransient reports whether a delivery failing with err may succeed when
// retried. Unknown printers and caller cancellation are terminal, and so is
// a payload the printer may already have started on.
func IsTransient(err error) bool {
	switch {
	case err == nil:
		return false
	case errors.Is(err, ErrPrinterNotFound),
		errors.Is(err, ErrPartialWrite),
		errors.Is(err, context.Canceled):
		return false
	}
	return true
}

// New builds the client selected by cfg.Mode.
func New(cfg config.BridgeConfig, logger *zap.Logger) (Client, error) {
	switch cfg.Mode {
	case "tcp":
		return NewTCPClient(cfg, logger), nil
	case "http":
		return NewHTTPClient(cfg, logger), nil
	default:
		return nil, fmt.Errorf("unknown bridge mode %q", cfg.Mode)
	}
}

// deadline returns the earlier of the context deadline and now+timeout.
func deadline(ctx context.Context, timeout time.Duration) time.Time {
	d := time.Now().Add(timeout)
	if ctxDeadline, ok := ctx.Deadline(); ok && ctxDeadline.Before(d) {
		return ctxDeadline
	}
	return d
}

// preflight turns a status query result into a send decision. Printers that do
// not answer host status queries are allowed through.
func preflight(status *PrinterStatus, err error) error {
	if err != nil {
		if errors.Is(err, ErrInvalidStatus) {
			return nil
		}
		return err
	}
	return status.Err()
}

// printerLocks hands out one mutex per printer. A status query is a write
// followed by a read on the same stream, so it must not interleave with
// another query or a payload for that printer.
type printerLocks struct {
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func (l *printerLocks) lock(printer string) (unlock func()) {
	l.mu.Lock()
	if l.locks == nil {
		l.locks = make(map[string]*sync.Mutex)
	}
	m, ok := l.locks[printer]
	if !ok {
		m = &sync.Mutex{}
		l.locks[printer] = m
	}
	l.mu.Unlock()

	m.Lock()
	return m.Unlock
}
