package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/goccy/go-json"
)

type scanner interface {
	Scan(dest ...any) error
}

type TemplateOperations struct {
	db *sql.DB
}

func (o *TemplateOperations) CreateTemplate(ctx context.Context, t *LabelTemplate) error {
	fields, err := encodeList(t.RequiredFields)
	if err != nil {
		return fmt.Errorf("failed to encode required fields: %w", err)
	}

	tx, err := o.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	result, err := tx.ExecContext(ctx, InsertTemplate, t.Name, t.Description, t.Body, t.IsDefault, fields)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("template %q: %w", t.Name, ErrDuplicate)
		}
		return fmt.Errorf("failed to create template: %w", err)
	}
	id, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to get template id: %w", err)
	}

	if t.IsDefault {
		if _, err := tx.ExecContext(ctx, ClearDefaultTemplate, id); err != nil {
			return fmt.Errorf("failed to clear default template: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit template: %w", err)
	}
	t.ID = id
	return nil
}

func (o *TemplateOperations) GetTemplateByID(ctx context.Context, id int64) (*LabelTemplate, error) {
	t, err := scanTemplate(o.db.QueryRowContext(ctx, GetTemplateByID, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("template %d: %w", id, ErrNotFound)
		}
		return nil, fmt.Errorf("failed to get template: %w", err)
	}
	return t, nil
}

func (o *TemplateOperations) GetTemplateByName(ctx context.Context, name string) (*LabelTemplate, error) {
	t, err := scanTemplate(o.db.QueryRowContext(ctx, GetTemplateByName, name))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("template %q: %w", name, ErrNotFound)
		}
		return nil, fmt.Errorf("failed to get template: %w", err)
	}
	return t, nil
}

func (o *TemplateOperations) GetDefault(ctx context.Context) (*LabelTemplate, error) {
	t, err := scanTemplate(o.db.QueryRowContext(ctx, GetDefaultTemplate))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("default template: %w", ErrNotFound)
		}
		return nil, fmt.Errorf("failed to get default template: %w", err)
	}
	return t, nil
}

func (o *TemplateOperations) ListTemplates(ctx context.Context) ([]*LabelTemplate, error) {
	rows, err := o.db.QueryContext(ctx, ListTemplates)
	if err != nil {
		return nil, fmt.Errorf("failed to list templates: %w", err)
	}
	defer rows.Close()

	var templates []*LabelTemplate
	for rows.Next() {
		t, err := scanTemplate(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan template: %w", err)
		}
		templates = append(templates, t)
	}
	return templates, rows.Err()
}

func (o *TemplateOperations) UpdateTemplate(ctx context.Context, t *LabelTemplate) error {
	fields, err := encodeList(t.RequiredFields)
	if err != nil {
		return fmt.Errorf("failed to encode required fields: %w", err)
	}

	tx, err := o.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	result, err := tx.ExecContext(ctx, UpdateTemplate,
		t.Name, t.Description, t.Body, t.IsDefault, fields, t.ID)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("template %q: %w", t.Name, ErrDuplicate)
		}
		return fmt.Errorf("failed to update template: %w", err)
	}
	if err := expectAffected(result, fmt.Sprintf("template %d", t.ID)); err != nil {
		return err
	}

	if t.IsDefault {
		if _, err := tx.ExecContext(ctx, ClearDefaultTemplate, t.ID); err != nil {
			return fmt.Errorf("failed to clear default template: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit template: %w", err)
	}
	return nil
}

func (o *TemplateOperations) DeleteTemplate(ctx context.Context, id int64) error {
	result, err := o.db.ExecContext(ctx, DeleteTemplate, id)
	if err != nil {
		return fmt.Errorf("failed to delete template: %w", err)
	}
	return expectAffected(result, fmt.Sprintf("template %d", id))
}

func scanTemplate(row scanner) (*LabelTemplate, error) {
	t := &LabelTemplate{}
	var fields string
	if err := row.Scan(&t.ID, &t.Name, &t.Description, &t.Body, &t.IsDefault,
		&fields, &t.CreatedAt, &t.UpdatedAt); err != nil {
		return nil, err
	}
	list, err := decodeList(fields)
	if err != nil {
		return nil, fmt.Errorf("template %d required fields: %w", t.ID, err)
	}
	t.RequiredFields = list
	return t, nil
}

type InventoryOperations struct {
	db *sql.DB
}

func (o *InventoryOperations) CreateItem(ctx context.Context, item *InventoryItem) error {
	result, err := o.db.ExecContext(ctx, InsertInventoryItem,
		item.SKU, item.Title, item.Price, item.Meta, item.Barcode)
	if err != nil {
		return fmt.Errorf("failed to create inventory item: %w", err)
	}
	id, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to get inventory item id: %w", err)
	}
	item.ID = id
	return nil
}

// GetItems loads the items with the given ids in the order the ids were
// given. Unknown ids are skipped and duplicates collapse to one item.
func (o *InventoryOperations) GetItems(ctx context.Context, ids []int64) ([]*InventoryItem, error) {
	ids = uniqueIDs(ids)
	if len(ids) == 0 {
		return nil, nil
	}

	query := fmt.Sprintf(GetInventoryItems, placeholders(len(ids)))
	rows, err := o.db.QueryContext(ctx, query, idArgs(ids)...)
	if err != nil {
		return nil, fmt.Errorf("failed to get inventory items: %w", err)
	}
	defer rows.Close()

	byID := make(map[int64]*InventoryItem, len(ids))
	for rows.Next() {
		item, err := scanInventoryItem(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan inventory item: %w", err)
		}
		byID[item.ID] = item
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read inventory items: %w", err)
	}

	items := make([]*InventoryItem, 0, len(byID))
	for _, id := range ids {
		if item, ok := byID[id]; ok {
			items = append(items, item)
		}
	}
	return items, nil
}

func (o *InventoryOperations) ListUnprinted(ctx context.Context, limit int) ([]*InventoryItem, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := o.db.QueryContext(ctx, ListUnprintedItems, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list unprinted items: %w", err)
	}
	defer rows.Close()

	var items []*InventoryItem
	for rows.Next() {
		item, err := scanInventoryItem(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan inventory item: %w", err)
		}
		items = append(items, item)
	}
	return items, rows.Err()
}

// MarkPrinted stamps printed_at on the given items and returns how many rows
// changed.
func (o *InventoryOperations) MarkPrinted(ctx context.Context, ids []int64, at time.Time) (int64, error) {
	ids = uniqueIDs(ids)
	if len(ids) == 0 {
		return 0, nil
	}

	query := fmt.Sprintf(MarkItemsPrinted, placeholders(len(ids)))
	args := append([]any{at.UTC()}, idArgs(ids)...)
	result, err := o.db.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, fmt.Errorf("failed to mark items printed: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get affected rows: %w", err)
	}
	return n, nil
}

func scanInventoryItem(row scanner) (*InventoryItem, error) {
	item := &InventoryItem{}
	var printedAt sql.NullTime
	if err := row.Scan(&item.ID, &item.SKU, &item.Title, &item.Price, &item.Meta,
		&item.Barcode, &printedAt, &item.CreatedAt); err != nil {
		return nil, err
	}
	if printedAt.Valid {
		t := printedAt.Time
		item.PrintedAt = &t
	}
	return item, nil
}

type DeliveryOperations struct {
	db *sql.DB
}

func (o *DeliveryOperations) Record(ctx context.Context, r *DeliveryRecord) error {
	if r.RecordedAt.IsZero() {
		r.RecordedAt = time.Now()
	}
	result, err := o.db.ExecContext(ctx, InsertDelivery,
		r.Printer, r.JobID, r.EntryID, r.Status, r.Attempts, r.Quantity, r.Error,
		r.JobCreatedAt.UTC(), r.RecordedAt.UTC())
	if err != nil {
		return fmt.Errorf("failed to record delivery: %w", err)
	}
	id, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to get delivery id: %w", err)
	}
	r.ID = id
	return nil
}

// ListRecent returns the newest records first. An empty printer lists every
// printer.
func (o *DeliveryOperations) ListRecent(ctx context.Context, printer string, limit int) ([]*DeliveryRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := o.db.QueryContext(ctx, ListRecentDeliveries, printer, printer, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list deliveries: %w", err)
	}
	defer rows.Close()

	var records []*DeliveryRecord
	for rows.Next() {
		r := &DeliveryRecord{}
		var jobCreated sql.NullTime
		if err := rows.Scan(&r.ID, &r.Printer, &r.JobID, &r.EntryID, &r.Status, &r.Attempts,
			&r.Quantity, &r.Error, &jobCreated, &r.RecordedAt); err != nil {
			return nil, fmt.Errorf("failed to scan delivery: %w", err)
		}
		r.JobCreatedAt = jobCreated.Time
		records = append(records, r)
	}
	return records, rows.Err()
}

// Summary counts outcomes per printer recorded at or after since.
func (o *DeliveryOperations) Summary(ctx context.Context, since time.Time) ([]*PrinterSummary, error) {
	rows, err := o.db.QueryContext(ctx, SummarizeDeliveries, since.UTC())
	if err != nil {
		return nil, fmt.Errorf("failed to summarize deliveries: %w", err)
	}
	defer rows.Close()

	var summaries []*PrinterSummary
	for rows.Next() {
		s := &PrinterSummary{}
		if err := rows.Scan(&s.Printer, &s.Delivered, &s.DeadLettered, &s.Labels); err != nil {
			return nil, fmt.Errorf("failed to scan summary: %w", err)
		}
		summaries = append(summaries, s)
	}
	return summaries, rows.Err()
}

func (o *DeliveryOperations) Purge(ctx context.Context, before time.Time) (int64, error) {
	result, err := o.db.ExecContext(ctx, PurgeDeliveries, before.UTC())
	if err != nil {
		return 0, fmt.Errorf("failed to purge deliveries: %w", err)
	}
	return result.RowsAffected()
}

type WebhookOperations struct {
	db *sql.DB
}

func (o *WebhookOperations) CreateWebhook(ctx context.Context, w *Webhook) error {
	events, err := encodeList(w.Events)
	if err != nil {
		return fmt.Errorf("failed to encode webhook events: %w", err)
	}
	result, err := o.db.ExecContext(ctx, InsertWebhook,
		w.Name, w.URL, w.Secret, events, w.Enabled)
	if err != nil {
		return fmt.Errorf("failed to create webhook: %w", err)
	}
	id, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to get webhook id: %w", err)
	}
	w.ID = id
	return nil
}

func (o *WebhookOperations) GetWebhookByID(ctx context.Context, id int64) (*Webhook, error) {
	w, err := scanWebhook(o.db.QueryRowContext(ctx, GetWebhookByID, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("webhook %d: %w", id, ErrNotFound)
		}
		return nil, fmt.Errorf("failed to get webhook: %w", err)
	}
	return w, nil
}

func (o *WebhookOperations) ListWebhooks(ctx context.Context) ([]*Webhook, error) {
	return o.list(ctx, ListWebhooks)
}

func (o *WebhookOperations) ListActiveWebhooksForEvent(ctx context.Context, event string) ([]*Webhook, error) {
	pattern := "%\"" + event + "\"%"
	return o.list(ctx, ListActiveWebhooksForEvent, pattern)
}

func (o *WebhookOperations) UpdateWebhook(ctx context.Context, w *Webhook) error {
	events, err := encodeList(w.Events)
	if err != nil {
		return fmt.Errorf("failed to encode webhook events: %w", err)
	}
	result, err := o.db.ExecContext(ctx, UpdateWebhook,
		w.Name, w.URL, w.Secret, events, w.Enabled, w.ID)
	if err != nil {
		return fmt.Errorf("failed to update webhook: %w", err)
	}
	return expectAffected(result, fmt.Sprintf("webhook %d", w.ID))
}

func (o *WebhookOperations) DeleteWebhook(ctx context.Context, id int64) error {
	result, err := o.db.ExecContext(ctx, DeleteWebhook, id)
	if err != nil {
		return fmt.Errorf("failed to delete webhook: %w", err)
	}
	return expectAffected(result, fmt.Sprintf("webhook %d", id))
}

func (o *WebhookOperations) list(ctx context.Context, query string, args ...any) ([]*Webhook, error) {
	rows, err := o.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list webhooks: %w", err)
	}
	defer rows.Close()

	var webhooks []*Webhook
	for rows.Next() {
		w, err := scanWebhook(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan webhook: %w", err)
		}
		webhooks = append(webhooks, w)
	}
	return webhooks, rows.Err()
}

func scanWebhook(row scanner) (*Webhook, error) {
	w := &Webhook{}
	var events string
	if err := row.Scan(&w.ID, &w.Name, &w.URL, &w.Secret, &events, &w.Enabled, &w.CreatedAt); err != nil {
		return nil, err
	}
	list, err := decodeList(events)
	if err != nil {
		return nil, fmt.Errorf("webhook %d events: %w", w.ID, err)
	}
	w.Events = list
	return w, nil
}

func expectAffected(result sql.Result, what string) error {
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get affected rows: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("%s: %w", what, ErrNotFound)
	}
	return nil
}

func encodeList(list []string) (string, error) {
	if list == nil {
		list = []string{}
	}
	data, err := json.Marshal(list)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

func decodeList(s string) ([]string, error) {
	if s == "" {
		return nil, nil
	}
	var list []string
	if err := json.Unmarshal([]byte(s), &list); err != nil {
		return nil, err
	}
	return list, nil
}

func uniqueIDs(ids []int64) []int64 {
	seen := make(map[int64]bool, len(ids))
	out := make([]int64, 0, len(ids))
	for _, id := range ids {
		if !seen[id] {
			seen[id] = true
			out = append(out, id)
		}
	}
	return out
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}

func idArgs(ids []int64) []any {
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	return args
}
