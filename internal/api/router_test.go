package api

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/goccy/go-json"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/orrn/labelspool/internal/bridge"
	"github.com/orrn/labelspool/internal/bridge/bridgetest"
	"github.com/orrn/labelspool/internal/config"
	"github.com/orrn/labelspool/internal/db"
	"github.com/orrn/labelspool/internal/label"
	"github.com/orrn/labelspool/internal/printing"
	"github.com/orrn/labelspool/internal/queue"
)

const printer = "front"

func init() {
	gin.SetMode(gin.TestMode)
}

type testServer struct {
	router *gin.Engine
	fake   *bridgetest.Fake
	db     *db.DB
	queues *queue.Manager
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	database, err := db.Open(context.Background(), config.DatabaseConfig{Path: ":memory:"})
	require.NoError(t, err)
	t.Cleanup(func() { database.Close() })

	fake := bridgetest.New(printer)
	reg := prometheus.NewRegistry()
	metrics := queue.NewMetrics(reg)

	queues := queue.NewManager(fake, queue.Options{
		MaxAttempts: 2,
		Backoff:     queue.FixedBackoff{},
		Hooks:       queue.ChainHooks(metrics.Hooks(), printing.DeliveryHooks(database.Deliveries, nil)),
	})
	queues.StartAll(context.Background())
	t.Cleanup(queues.StopAll)

	service := printing.NewService(database.Templates, database.Inventory,
		label.NewCompiler(label.LabelSpec{}), queues, printing.Options{DirectThreshold: 5})
	t.Cleanup(service.Close)

	router := NewRouter(Deps{
		Config:   config.Default(),
		DB:       database,
		Bridge:   fake,
		Printing: service,
		Gatherer: reg,
	})
	return &testServer{router: router, fake: fake, db: database, queues: queues}
}

func (s *testServer) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	s.router.ServeHTTP(w, req)
	return w
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &v), w.Body.String())
	return v
}

type errorBody struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

func TestHealthz(t *testing.T) {
	s := newTestServer(t)

	w := s.do(t, http.MethodGet, "/healthz", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "ok", decode[map[string]any](t, w)["status"])
	assert.NotEmpty(t, w.Header().Get("X-Request-ID"))
}

func TestRequestIDIsEchoed(t *testing.T) {
	s := newTestServer(t)

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	req.Header.Set("X-Request-ID", "abc-123")
	w := httptest.NewRecorder()
	s.router.ServeHTTP(w, req)
	assert.Equal(t, "abc-123", w.Header().Get("X-Request-ID"))
}

func TestPrinters(t *testing.T) {
	s := newTestServer(t)

	w := s.do(t, http.MethodGet, "/api/v1/printers", nil)
	require.Equal(t, http.StatusOK, w.Code)
	printers := decode[[]map[string]any](t, w)
	require.Len(t, printers, 1)
	assert.Equal(t, printer, printers[0]["name"])

	t.Run("status", func(t *testing.T) {
		w := s.do(t, http.MethodGet, "/api/v1/printers/front/status", nil)
		require.Equal(t, http.StatusOK, w.Code)
		body := decode[map[string]any](t, w)
		assert.Equal(t, "online", body["state"])
		assert.Equal(t, true, body["can_print"])
	})

	t.Run("status reports problems", func(t *testing.T) {
		s.fake.SetStatus(printer, &bridge.PrinterStatus{Online: true, PaperOut: true})
		w := s.do(t, http.MethodGet, "/api/v1/printers/front/status", nil)
		require.Equal(t, http.StatusOK, w.Code)
		body := decode[map[string]any](t, w)
		assert.Equal(t, "error", body["state"])
		assert.Equal(t, false, body["can_print"])
		assert.Equal(t, bridge.ErrOutOfMedia.Error(), body["problem"])
	})

	t.Run("unknown printer", func(t *testing.T) {
		w := s.do(t, http.MethodGet, "/api/v1/printers/ghost/status", nil)
		assert.Equal(t, http.StatusNotFound, w.Code)
	})

	t.Run("bridge down", func(t *testing.T) {
		s.fake.Disconnect()
		s.fake.SetConnectError(bridge.ErrConnectionFailed)
		t.Cleanup(func() { s.fake.SetConnectError(nil) })

		w := s.do(t, http.MethodGet, "/api/v1/printers", nil)
		assert.Equal(t, http.StatusServiceUnavailable, w.Code)
		assert.Equal(t, "bridge_unreachable", decode[errorBody](t, w).Error)
	})
}

func TestCreateJob(t *testing.T) {
	t.Run("raw code", func(t *testing.T) {
		s := newTestServer(t)
		w := s.do(t, http.MethodPost, "/api/v1/printers/front/jobs", map[string]any{
			"code":     "^XA^FO10,10^FDhello^FS^XZ",
			"quantity": 2,
		})
		require.Equal(t, http.StatusAccepted, w.Code, w.Body.String())
		assert.NotEmpty(t, decode[map[string]string](t, w)["job_id"])

		require.Eventually(t, func() bool { return len(s.fake.Delivered()) == 1 }, 2*time.Second, 5*time.Millisecond)
		assert.Contains(t, s.fake.Delivered()[0].Code, "^PQ2^XZ")
	})

	t.Run("default template", func(t *testing.T) {
		s := newTestServer(t)
		w := s.do(t, http.MethodPost, "/api/v1/printers/front/jobs", map[string]any{
			"variables": map[string]string{"SKU": "A-1", "TITLE": "Widget", "PRICE": "$3"},
		})
		require.Equal(t, http.StatusAccepted, w.Code, w.Body.String())
		require.Eventually(t, func() bool { return len(s.fake.Delivered()) == 1 }, 2*time.Second, 5*time.Millisecond)
		assert.Contains(t, s.fake.Delivered()[0].Code, "^FDWidget^FS")
	})

	t.Run("missing required field", func(t *testing.T) {
		s := newTestServer(t)
		w := s.do(t, http.MethodPost, "/api/v1/printers/front/jobs", map[string]any{
			"variables": map[string]string{"TITLE": "Widget"},
		})
		assert.Equal(t, http.StatusBadRequest, w.Code)
		assert.Equal(t, "validation_error", decode[errorBody](t, w).Error)
		assert.Zero(t, s.fake.Attempts())
	})

	t.Run("truncated code", func(t *testing.T) {
		s := newTestServer(t)
		w := s.do(t, http.MethodPost, "/api/v1/printers/front/jobs", map[string]any{
			"code": "^XA^FDhello",
		})
		assert.Equal(t, http.StatusBadRequest, w.Code)
	})

	t.Run("unknown printer", func(t *testing.T) {
		s := newTestServer(t)
		w := s.do(t, http.MethodPost, "/api/v1/printers/ghost/jobs", map[string]any{
			"code": "^XA^FDhello^FS^XZ",
		})
		assert.Equal(t, http.StatusNotFound, w.Code)
	})

	t.Run("unknown template", func(t *testing.T) {
		s := newTestServer(t)
		w := s.do(t, http.MethodPost, "/api/v1/printers/front/jobs", map[string]any{
			"template_name": "nope",
		})
		assert.Equal(t, http.StatusNotFound, w.Code)
	})
}

func TestQueueControls(t *testing.T) {
	s := newTestServer(t)

	w := s.do(t, http.MethodGet, "/api/v1/printers/front/queue", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, false, decode[map[string]any](t, w)["paused"])

	w = s.do(t, http.MethodPost, "/api/v1/printers/front/queue/pause", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, true, decode[queue.Stats](t, w).Paused)

	w = s.do(t, http.MethodPost, "/api/v1/printers/front/jobs", map[string]any{"code": "^XA^FDx^FS^XZ"})
	require.Equal(t, http.StatusAccepted, w.Code)

	w = s.do(t, http.MethodGet, "/api/v1/printers/front/queue", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Len(t, decode[QueueBody](t, w).Jobs, 1)
	assert.Empty(t, s.fake.Delivered())

	w = s.do(t, http.MethodPost, "/api/v1/printers/front/queue/drain?timeout=20ms", nil)
	assert.Equal(t, http.StatusGatewayTimeout, w.Code)

	w = s.do(t, http.MethodPost, "/api/v1/printers/front/queue/resume", nil)
	require.Equal(t, http.StatusOK, w.Code)

	w = s.do(t, http.MethodPost, "/api/v1/printers/front/queue/drain?timeout=2s", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Zero(t, decode[queue.Stats](t, w).Pending)
	assert.Len(t, s.fake.Delivered(), 1)

	w = s.do(t, http.MethodPost, "/api/v1/printers/front/queue/drain?timeout=soon", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	for _, action := range []string{"pause", "resume"} {
		w = s.do(t, http.MethodPost, "/api/v1/printers/ghost/queue/"+action, nil)
		assert.Equal(t, http.StatusNotFound, w.Code, action)
	}
	w = s.do(t, http.MethodPost, "/api/v1/printers/ghost/jobs", map[string]any{"code": "^XA^FDx^FS^XZ"})
	assert.Equal(t, http.StatusNotFound, w.Code)
	_, exists := s.queues.Lookup("ghost")
	assert.False(t, exists)
}

type QueueBody struct {
	queue.Stats
	Jobs []queue.PrintJob `json:"jobs"`
}

func TestDeadLetters(t *testing.T) {
	s := newTestServer(t)
	s.fake.OnSend(func(_, code string) error {
		if strings.Contains(code, "BAD") {
			return bridge.ErrPrinterNotFound
		}
		return nil
	})

	w := s.do(t, http.MethodPost, "/api/v1/printers/front/jobs", map[string]any{"code": "^XA^FDBAD^FS^XZ"})
	require.Equal(t, http.StatusAccepted, w.Code)

	var entries []queue.DeadLetterEntry
	require.Eventually(t, func() bool {
		w := s.do(t, http.MethodGet, "/api/v1/printers/front/dead-letters", nil)
		entries = decode[[]queue.DeadLetterEntry](t, w)
		return len(entries) == 1
	}, 2*time.Second, 10*time.Millisecond)
	assert.Contains(t, entries[0].Error, bridge.ErrPrinterNotFound.Error())

	w = s.do(t, http.MethodPost, "/api/v1/printers/front/dead-letters/missing/retry", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	s.fake.OnSend(nil)
	w = s.do(t, http.MethodPost, fmt.Sprintf("/api/v1/printers/front/dead-letters/%s/retry", entries[0].ID), nil)
	require.Equal(t, http.StatusAccepted, w.Code)
	require.Eventually(t, func() bool { return len(s.fake.Delivered()) == 1 }, 2*time.Second, 5*time.Millisecond)

	w = s.do(t, http.MethodGet, "/api/v1/printers/front/dead-letters", nil)
	assert.Empty(t, decode[[]queue.DeadLetterEntry](t, w))

	w = s.do(t, http.MethodDelete, "/api/v1/printers/front/dead-letters", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.EqualValues(t, 0, decode[map[string]int](t, w)["cleared"])

	w = s.do(t, http.MethodGet, "/api/v1/printers/other/dead-letters", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "[]", strings.TrimSpace(w.Body.String()))
}

func TestBatchesAndInventory(t *testing.T) {
	s := newTestServer(t)

	var ids []int64
	for _, title := range []string{"Hammer", "Wrench"} {
		w := s.do(t, http.MethodPost, "/api/v1/inventory", map[string]any{
			"sku": "SKU-" + title, "title": title, "price": "$9.99",
		})
		require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
		ids = append(ids, decode[db.InventoryItem](t, w).ID)
	}

	w := s.do(t, http.MethodPost, "/api/v1/inventory", map[string]any{"price": "$1"})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = s.do(t, http.MethodPost, "/api/v1/batches", map[string]any{
		"printer":  printer,
		"item_ids": append(ids, 999),
		"quantity": 1,
	})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	outcome := decode[printing.BatchOutcome](t, w)
	assert.Equal(t, printing.ModeDirect, outcome.Mode)
	assert.Equal(t, []int64{999}, outcome.Missing)
	require.NotNil(t, outcome.Result)
	assert.Equal(t, 2, outcome.Result.Succeeded)

	require.Eventually(t, func() bool {
		w := s.do(t, http.MethodGet, "/api/v1/deliveries?printer=front", nil)
		return decode[map[string]any](t, w)["count"] == float64(2)
	}, 2*time.Second, 10*time.Millisecond)

	w = s.do(t, http.MethodGet, "/api/v1/deliveries/summary?window=1h", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"delivered":2`)

	w = s.do(t, http.MethodPost, "/api/v1/batches/current/pause", nil)
	assert.Equal(t, http.StatusConflict, w.Code)

	w = s.do(t, http.MethodGet, "/api/v1/batches/current", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, false, decode[map[string]any](t, w)["running"])

	w = s.do(t, http.MethodPost, "/api/v1/inventory/printed", map[string]any{"item_ids": ids[:1]})
	require.Equal(t, http.StatusOK, w.Code)
	assert.EqualValues(t, 1, decode[map[string]int64](t, w)["updated"])

	w = s.do(t, http.MethodGet, "/api/v1/inventory/unprinted", nil)
	require.Equal(t, http.StatusOK, w.Code)
	unprinted := decode[[]db.InventoryItem](t, w)
	require.Len(t, unprinted, 1)
	assert.Equal(t, ids[1], unprinted[0].ID)

	w = s.do(t, http.MethodPost, "/api/v1/batches", map[string]any{"printer": printer, "item_ids": []int64{}})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = s.do(t, http.MethodDelete, "/api/v1/deliveries", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	w = s.do(t, http.MethodDelete, "/api/v1/deliveries?older_than=1h", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.EqualValues(t, 0, decode[map[string]int64](t, w)["purged"])
}

func TestTemplates(t *testing.T) {
	s := newTestServer(t)

	w := s.do(t, http.MethodPost, "/api/v1/templates", map[string]any{
		"name":            "bin",
		"body":            "^XA^FO10,10^A0N,30,30^FD{{BIN}}^FS^XZ",
		"required_fields": []string{"BIN"},
	})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	created := decode[db.LabelTemplate](t, w)
	path := fmt.Sprintf("/api/v1/templates/%d", created.ID)

	w = s.do(t, http.MethodPost, "/api/v1/templates", map[string]any{
		"name": "bin",
		"body": "^XA^FDx^FS^XZ",
	})
	assert.Equal(t, http.StatusConflict, w.Code)

	w = s.do(t, http.MethodPost, "/api/v1/templates", map[string]any{"name": "empty"})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = s.do(t, http.MethodGet, "/api/v1/templates", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Len(t, decode[[]db.LabelTemplate](t, w), 2)

	w = s.do(t, http.MethodGet, "/api/v1/templates/default", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "shelf-basic", decode[db.LabelTemplate](t, w).Name)

	w = s.do(t, http.MethodPost, path+"/preview", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, []string{"BIN"}, decode[PreviewBody](t, w).Missing)

	w = s.do(t, http.MethodPost, path+"/preview", map[string]any{"variables": map[string]string{"BIN": "A7"}})
	require.Equal(t, http.StatusOK, w.Code)
	preview := decode[PreviewBody](t, w)
	assert.Empty(t, preview.Missing)
	assert.Contains(t, preview.Code, "^FDA7^FS")

	w = s.do(t, http.MethodPut, path, map[string]any{"description": "bins", "is_default": true})
	require.Equal(t, http.StatusOK, w.Code)
	assert.True(t, decode[db.LabelTemplate](t, w).IsDefault)

	w = s.do(t, http.MethodPost, "/api/v1/printers/front/jobs", map[string]any{
		"variables": map[string]string{"BIN": "C3"},
	})
	require.Equal(t, http.StatusAccepted, w.Code, w.Body.String())

	w = s.do(t, http.MethodDelete, path, nil)
	require.Equal(t, http.StatusNoContent, w.Code)
	w = s.do(t, http.MethodGet, path, nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
	w = s.do(t, http.MethodGet, "/api/v1/templates/abc", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

type PreviewBody struct {
	Code    string   `json:"code"`
	Missing []string `json:"missing"`
}

func TestValidateTemplate(t *testing.T) {
	s := newTestServer(t)

	w := s.do(t, http.MethodPost, "/api/v1/templates/validate", map[string]any{
		"body": "^XA^FD{{X}}",
	})
	require.Equal(t, http.StatusOK, w.Code)
	body := decode[map[string]any](t, w)
	assert.Equal(t, false, body["valid"])
	assert.NotEmpty(t, body["errors"])

	w = s.do(t, http.MethodPost, "/api/v1/templates/validate", map[string]any{
		"schema": map[string]any{
			"elements": []map[string]any{
				{"type": "text", "x": 10, "y": 10, "content": "{{NAME}}"},
				{"type": "barcode", "x": 10, "y": 60, "content": "{{CODE}}"},
			},
			"variables": map[string]any{
				"NAME": map[string]any{"type": "text", "required": true},
				"CODE": map[string]any{"type": "barcode", "default": "0001"},
			},
		},
	})
	require.Equal(t, http.StatusOK, w.Code)
	body = decode[map[string]any](t, w)
	assert.Equal(t, true, body["valid"])
	assert.Equal(t, []any{"NAME"}, body["required_fields"])
	assert.Contains(t, body["code"], "^FDSAMPLE^FS")
	assert.Contains(t, body["code"], "^FD0001^FS")

	w = s.do(t, http.MethodPost, "/api/v1/templates/validate", map[string]any{
		"schema": map[string]any{"elements": []map[string]any{{"type": "circle"}}},
	})
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, false, decode[map[string]any](t, w)["valid"])
}

func TestWebhooks(t *testing.T) {
	s := newTestServer(t)

	w := s.do(t, http.MethodPost, "/api/v1/webhooks", map[string]any{
		"name": "ops", "url": "http://example.test/hook", "events": []string{"job_started"},
	})
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "invalid_event", decode[errorBody](t, w).Error)

	w = s.do(t, http.MethodPost, "/api/v1/webhooks", map[string]any{
		"name": "ops", "url": "http://example.test/hook", "secret": "s3cret",
		"events": []string{"job_dead_lettered", "queue_paused"},
	})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	assert.NotContains(t, w.Body.String(), "s3cret")
	created := decode[db.Webhook](t, w)

	path := fmt.Sprintf("/api/v1/webhooks/%d", created.ID)
	w = s.do(t, http.MethodPut, path, map[string]any{"enabled": false})
	require.Equal(t, http.StatusOK, w.Code)
	assert.False(t, decode[db.Webhook](t, w).Enabled)

	w = s.do(t, http.MethodGet, "/api/v1/webhooks", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Len(t, decode[[]db.Webhook](t, w), 1)

	w = s.do(t, http.MethodPost, path+"/test", nil)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)

	w = s.do(t, http.MethodDelete, path, nil)
	require.Equal(t, http.StatusNoContent, w.Code)
	w = s.do(t, http.MethodDelete, path, nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestDashboardSettingsAndMetrics(t *testing.T) {
	s := newTestServer(t)

	w := s.do(t, http.MethodPost, "/api/v1/printers/front/jobs", map[string]any{"code": "^XA^FDx^FS^XZ"})
	require.Equal(t, http.StatusAccepted, w.Code)
	require.Eventually(t, func() bool {
		w := s.do(t, http.MethodGet, "/api/v1/dashboard", nil)
		return strings.Contains(w.Body.String(), `"delivered_today":1`)
	}, 2*time.Second, 10*time.Millisecond)

	w = s.do(t, http.MethodGet, "/api/v1/settings/label", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.EqualValues(t, label.DefaultWidthDots, decode[map[string]any](t, w)["width_dots"])

	w = s.do(t, http.MethodGet, "/api/v1/settings/server", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.EqualValues(t, 8080, decode[map[string]any](t, w)["port"])

	w = s.do(t, http.MethodGet, "/metrics", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `labelspool_jobs_delivered_total{printer="front"} 1`)
}
