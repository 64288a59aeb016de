package bridge

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/orrn/labelspool/internal/config"
)

const (
	defaultTCPPort          = "9100"
	defaultReadWriteTimeout = 10 * time.Second
)

// TCPClient writes device code straight to printers listening on raw TCP
// (port 9100). One connection is cached per printer and re-dialed after a
// write failure.
type TCPClient struct {
	printers    map[string]string
	timeout     time.Duration
	statusCheck bool
	dialer      net.Dialer
	logger      *zap.Logger

	locks printerLocks

	mu          sync.Mutex
	connections map[string]net.Conn
	connected   bool
}

func NewTCPClient(cfg config.BridgeConfig, logger *zap.Logger) *TCPClient {
	if logger == nil {
		logger = zap.NewNop()
	}
	timeout := cfg.ConnectionTimeout
	if timeout == 0 {
		timeout = defaultReadWriteTimeout
	}
	printers := make(map[string]string, len(cfg.Printers))
	for _, p := range cfg.Printers {
		printers[p.Name] = withDefaultPort(p.Address)
	}
	return &TCPClient{
		printers:    printers,
		timeout:     timeout,
		statusCheck: cfg.StatusCheck,
		dialer:      net.Dialer{Timeout: timeout},
		logger:      logger.With(zap.String("bridge", "tcp")),
		connections: make(map[string]net.Conn),
	}
}

func withDefaultPort(address string) string {
	if _, _, err := net.SplitHostPort(address); err == nil {
		return address
	}
	return net.JoinHostPort(address, defaultTCPPort)
}

// Connect dials every configured printer. It succeeds when at least one
// printer answers.
func (c *TCPClient) Connect(ctx context.Context) error {
	var errs []error
	for _, name := range c.names() {
		if _, err := c.connect(ctx, name); err != nil {
			c.logger.Warn("printer unreachable", zap.String("printer", name), zap.Error(err))
			errs = append(errs, err)
		}
	}
	if len(errs) > 0 && len(errs) == len(c.printers) {
		return errors.Join(errs...)
	}
	if len(c.printers) == 0 {
		return fmt.Errorf("%w: no printers configured", ErrConnectionFailed)
	}

	c.mu.Lock()
	c.connected = true
	c.mu.Unlock()
	return nil
}

func (c *TCPClient) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

func (c *TCPClient) ListPrinters(ctx context.Context) ([]string, error) {
	if !c.IsConnected() {
		return nil, ErrNotConnected
	}
	return c.names(), nil
}

func (c *TCPClient) names() []string {
	names := make([]string, 0, len(c.printers))
	for name := range c.printers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Close drops every cached connection.
func (c *TCPClient) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	for name, conn := range c.connections {
		_ = conn.Close()
		delete(c.connections, name)
	}
	c.connected = false
	return nil
}

func (c *TCPClient) connect(ctx context.Context, name string) (net.Conn, error) {
	address, exists := c.printers[name]
	if !exists {
		return nil, ErrPrinterNotFound
	}

	c.mu.Lock()
	if conn, exists := c.connections[name]; exists {
		c.mu.Unlock()
		return conn, nil
	}
	c.mu.Unlock()

	conn, err := c.dialer.DialContext(ctx, "tcp", address)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrConnectionFailed, err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if existing, exists := c.connections[name]; exists {
		_ = conn.Close()
		return existing, nil
	}
	c.connections[name] = conn
	return conn, nil
}

func (c *TCPClient) disconnect(name string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if conn, exists := c.connections[name]; exists {
		_ = conn.Close()
		delete(c.connections, name)
	}
}

func (c *TCPClient) reconnect(ctx context.Context, name string) (net.Conn, error) {
	c.disconnect(name)
	return c.connect(ctx, name)
}

// write sends data on the cached connection. A cached connection that turns
// out to be dead before taking any bytes is re-dialed once. A write that
// stops part way is not repeated, since the printer may already be acting on
// the first half. The caller holds the printer's io lock.
func (c *TCPClient) write(ctx context.Context, name string, data []byte) (net.Conn, error) {
	conn, err := c.connect(ctx, name)
	if err != nil {
		return nil, err
	}
	_ = conn.SetDeadline(deadline(ctx, c.timeout))

	n, err := conn.Write(data)
	if err != nil && n == 0 {
		conn, err = c.reconnect(ctx, name)
		if err != nil {
			return nil, err
		}
		_ = conn.SetDeadline(deadline(ctx, c.timeout))
		n, err = conn.Write(data)
	}
	if err != nil {
		c.disconnect(name)
		if n > 0 {
			c.logger.Warn("payload cut short",
				zap.String("printer", name),
				zap.Int("written", n),
				zap.Int("bytes", len(data)),
				zap.Error(err),
			)
			return nil, fmt.Errorf("%w: %d of %d bytes: %v", ErrPartialWrite, n, len(data), err)
		}
		return nil, fmt.Errorf("%w: %v", ErrConnectionFailed, err)
	}
	return conn, nil
}

// Status sends ~HS and decodes the reply.
func (c *TCPClient) Status(ctx context.Context, printer string) (*PrinterStatus, error) {
	if _, exists := c.printers[printer]; !exists {
		return nil, ErrPrinterNotFound
	}
	unlock := c.locks.lock(printer)
	defer unlock()
	return c.status(ctx, printer)
}

func (c *TCPClient) status(ctx context.Context, printer string) (*PrinterStatus, error) {
	conn, err := c.write(ctx, printer, []byte(hostStatusCommand))
	if err != nil {
		return nil, err
	}

	response := make([]byte, 0, 128)
	buf := make([]byte, 128)
	for !completeStatus(response) {
		n, err := conn.Read(buf)
		response = append(response, buf[:n]...)
		if err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, os.ErrDeadlineExceeded) {
				break
			}
			c.disconnect(printer)
			return nil, fmt.Errorf("%w: %v", ErrConnectionFailed, err)
		}
	}

	status, err := ParseHostStatus(response)
	if err != nil {
		// a partial reply leaves the stream out of step; start fresh next time
		c.disconnect(printer)
		return nil, err
	}
	return status, nil
}

// Send writes code to printer. When status checks are enabled the printer is
// queried first and a paused, open or empty printer is reported as the
// matching transient error without sending anything.
func (c *TCPClient) Send(ctx context.Context, printer, code string) error {
	if _, exists := c.printers[printer]; !exists {
		return ErrPrinterNotFound
	}
	unlock := c.locks.lock(printer)
	defer unlock()

	if c.statusCheck {
		if err := preflight(c.status(ctx, printer)); err != nil {
			return err
		}
	}

	if _, err := c.write(ctx, printer, []byte(code)); err != nil {
		return err
	}
	c.logger.Debug("payload written", zap.String("printer", printer), zap.Int("bytes", len(code)))
	return nil
}
