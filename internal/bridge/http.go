package bridge

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"

	"github.com/goccy/go-json"
	"go.uber.org/zap"

	"github.com/orrn/labelspool/internal/config"
)

// Device is a printer as described by the bridge service.
type Device struct {
	Name         string `json:"name"`
	UID          string `json:"uid"`
	Connection   string `json:"connection"`
	DeviceType   string `json:"deviceType"`
	Provider     string `json:"provider,omitempty"`
	Manufacturer string `json:"manufacturer,omitempty"`
	Version      int    `json:"version,omitempty"`
}

type availableResponse struct {
	Printer []Device `json:"printer"`
}

type writeRequest struct {
	Device Device `json:"device"`
	Data   string `json:"data"`
}

type readRequest struct {
	Device Device `json:"device"`
}

// HTTPClient talks to a local bridge service exposing /available, /write and
// /read.
type HTTPClient struct {
	baseURL     string
	httpClient  *http.Client
	statusCheck bool
	logger      *zap.Logger
	locks       printerLocks

	mu        sync.RWMutex
	devices   map[string]Device
	connected bool
}

func NewHTTPClient(cfg config.BridgeConfig, logger *zap.Logger) *HTTPClient {
	if logger == nil {
		logger = zap.NewNop()
	}
	timeout := cfg.ConnectionTimeout
	if timeout == 0 {
		timeout = defaultReadWriteTimeout
	}
	return &HTTPClient{
		baseURL:     strings.TrimRight(cfg.URL, "/"),
		httpClient:  &http.Client{Timeout: timeout},
		statusCheck: cfg.StatusCheck,
		logger:      logger.With(zap.String("bridge", "http"), zap.String("url", cfg.URL)),
		devices:     make(map[string]Device),
	}
}

// Connect fetches the device list; the bridge counts as connected once it
// has answered.
func (c *HTTPClient) Connect(ctx context.Context) error {
	if _, err := c.refresh(ctx); err != nil {
		return err
	}
	c.mu.Lock()
	c.connected = true
	c.mu.Unlock()
	return nil
}

func (c *HTTPClient) IsConnected() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.connected
}

func (c *HTTPClient) ListPrinters(ctx context.Context) ([]string, error) {
	if !c.IsConnected() {
		return nil, ErrNotConnected
	}
	devices, err := c.refresh(ctx)
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(devices))
	for _, d := range devices {
		names = append(names, d.Name)
	}
	return names, nil
}

func (c *HTTPClient) refresh(ctx context.Context) ([]Device, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/available", nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	body, err := c.do(req)
	if err != nil {
		return nil, err
	}

	var available availableResponse
	if err := json.Unmarshal(body, &available); err != nil {
		return nil, fmt.Errorf("%w: bad device list: %v", ErrConnectionFailed, err)
	}

	devices := make(map[string]Device, len(available.Printer))
	for _, d := range available.Printer {
		devices[d.Name] = d
	}
	c.mu.Lock()
	c.devices = devices
	c.mu.Unlock()
	return available.Printer, nil
}

func (c *HTTPClient) device(ctx context.Context, name string) (Device, error) {
	c.mu.RLock()
	d, ok := c.devices[name]
	c.mu.RUnlock()
	if ok {
		return d, nil
	}
	if _, err := c.refresh(ctx); err != nil {
		return Device{}, err
	}
	c.mu.RLock()
	d, ok = c.devices[name]
	c.mu.RUnlock()
	if !ok {
		return Device{}, ErrPrinterNotFound
	}
	return d, nil
}

func (c *HTTPClient) post(ctx context.Context, path string, payload any) ([]byte, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(req)
}

func (c *HTTPClient) do(req *http.Request) ([]byte, error) {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.mu.Lock()
		c.connected = false
		c.mu.Unlock()
		return nil, fmt.Errorf("%w: %v", ErrConnectionFailed, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrConnectionFailed, err)
	}
	switch {
	case resp.StatusCode == http.StatusNotFound:
		return nil, fmt.Errorf("%w: %s", ErrPrinterNotFound, strings.TrimSpace(string(body)))
	case resp.StatusCode == http.StatusServiceUnavailable:
		return nil, fmt.Errorf("%w: %s", ErrPrinterBusy, strings.TrimSpace(string(body)))
	case resp.StatusCode >= 300:
		return nil, fmt.Errorf("%w: bridge returned %d: %s", ErrConnectionFailed, resp.StatusCode, strings.TrimSpace(string(body)))
	}
	return body, nil
}

// Status writes ~HS to the printer and reads back the reply.
func (c *HTTPClient) Status(ctx context.Context, printer string) (*PrinterStatus, error) {
	d, err := c.device(ctx, printer)
	if err != nil {
		return nil, err
	}
	unlock := c.locks.lock(printer)
	defer unlock()
	return c.status(ctx, d)
}

func (c *HTTPClient) status(ctx context.Context, d Device) (*PrinterStatus, error) {
	if _, err := c.post(ctx, "/write", writeRequest{Device: d, Data: hostStatusCommand}); err != nil {
		return nil, err
	}
	raw, err := c.post(ctx, "/read", readRequest{Device: d})
	if err != nil {
		return nil, err
	}
	return ParseHostStatus(raw)
}

func (c *HTTPClient) Send(ctx context.Context, printer, code string) error {
	d, err := c.device(ctx, printer)
	if err != nil {
		return err
	}
	unlock := c.locks.lock(printer)
	defer unlock()

	if c.statusCheck {
		if err := preflight(c.status(ctx, d)); err != nil {
			return err
		}
	}
	if _, err := c.post(ctx, "/write", writeRequest{Device: d, Data: code}); err != nil {
		return err
	}
	c.logger.Debug("payload written", zap.String("printer", printer), zap.Int("bytes", len(code)))
	return nil
}
