package db

import (
	"context"
	"errors"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/orrn/labelspool/internal/config"
	"github.com/orrn/labelspool/internal/label"
)

func openTestDB(t *testing.T) *DB {
	t.Helper()
	d, err := Open(context.Background(), config.DatabaseConfig{Path: ":memory:"})
	require.NoError(t, err)
	t.Cleanup(func() { d.Close() })
	return d
}

func TestMigrate_IsIdempotent(t *testing.T) {
	d := openTestDB(t)
	ctx := context.Background()

	require.NoError(t, d.Migrate(ctx))

	var count int
	require.NoError(t, d.Conn().QueryRowContext(ctx, "SELECT COUNT(*) FROM schema_migrations").Scan(&count))
	assert.Equal(t, 2, count)

	templates, err := d.Templates.ListTemplates(ctx)
	require.NoError(t, err)
	assert.Len(t, templates, 1, "seed template is inserted once")
}

func TestLoadMigrations_Sorted(t *testing.T) {
	migrations, err := loadMigrations(migrationsFS)
	require.NoError(t, err)
	require.Len(t, migrations, 2)
	assert.Equal(t, "001_init", migrations[0].Version)
	assert.Equal(t, "002_default_template", migrations[1].Version)
}

func TestTemplates_SeedIsDefaultAndRenders(t *testing.T) {
	d := openTestDB(t)

	tpl, err := d.Templates.GetDefault(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "shelf-basic", tpl.Name)
	assert.True(t, tpl.IsDefault)
	assert.Equal(t, []string{"SKU", "TITLE"}, tpl.RequiredFields)

	code, err := label.Render(tpl.Template(), map[string]string{"SKU": "A1", "TITLE": "Milk", "PRICE": "$2"})
	require.NoError(t, err)
	assert.NoError(t, label.Validate(code))
}

func TestTemplates_CRUD(t *testing.T) {
	d := openTestDB(t)
	ctx := context.Background()

	tpl := &LabelTemplate{
		Name:           "price-tag",
		Body:           "^XA^FO10,10^FD{{PRICE}}^FS^XZ",
		RequiredFields: []string{"PRICE"},
	}
	require.NoError(t, d.Templates.CreateTemplate(ctx, tpl))
	require.NotZero(t, tpl.ID)

	got, err := d.Templates.GetTemplateByID(ctx, tpl.ID)
	require.NoError(t, err)
	assert.Equal(t, "price-tag", got.Name)
	assert.Equal(t, []string{"PRICE"}, got.RequiredFields)
	assert.False(t, got.IsDefault)

	byName, err := d.Templates.GetTemplateByName(ctx, "price-tag")
	require.NoError(t, err)
	assert.Equal(t, tpl.ID, byName.ID)

	got.IsDefault = true
	got.Description = "big price"
	require.NoError(t, d.Templates.UpdateTemplate(ctx, got))

	def, err := d.Templates.GetDefault(ctx)
	require.NoError(t, err)
	assert.Equal(t, tpl.ID, def.ID, "only one template stays default")

	seed, err := d.Templates.GetTemplateByName(ctx, "shelf-basic")
	require.NoError(t, err)
	assert.False(t, seed.IsDefault)

	require.NoError(t, d.Templates.DeleteTemplate(ctx, tpl.ID))
	_, err = d.Templates.GetTemplateByID(ctx, tpl.ID)
	assert.ErrorIs(t, err, ErrNotFound)
	assert.ErrorIs(t, d.Templates.DeleteTemplate(ctx, tpl.ID), ErrNotFound)
}

func TestTemplates_DuplicateName(t *testing.T) {
	d := openTestDB(t)
	err := d.Templates.CreateTemplate(context.Background(), &LabelTemplate{Name: "shelf-basic", Body: "^XA^XZ"})
	assert.ErrorIs(t, err, ErrDuplicate)
}

func TestTemplates_NotFound(t *testing.T) {
	d := openTestDB(t)
	ctx := context.Background()

	_, err := d.Templates.GetTemplateByName(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)

	err = d.Templates.UpdateTemplate(ctx, &LabelTemplate{ID: 999, Name: "x", Body: "^XA^XZ"})
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestInventory_GetItemsAndMarkPrinted(t *testing.T) {
	d := openTestDB(t)
	ctx := context.Background()

	items := []*InventoryItem{
		{SKU: "A-1", Title: "Organic Whole Milk", Price: "$4.99", Meta: "1 gal", Barcode: "0001"},
		{SKU: "B-2", Title: "Sourdough", Price: "$6.50"},
		{SKU: "C-3", Title: "Butter", Price: "$3.25"},
	}
	for _, item := range items {
		require.NoError(t, d.Inventory.CreateItem(ctx, item))
	}

	got, err := d.Inventory.GetItems(ctx, []int64{items[2].ID, 999, items[0].ID, items[2].ID})
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "C-3", got[0].SKU)
	assert.Equal(t, "A-1", got[1].SKU)
	assert.Nil(t, got[1].PrintedAt)
	assert.Equal(t, label.Product{SKU: "A-1", Title: "Organic Whole Milk", Price: "$4.99", Meta: "1 gal", Barcode: "0001"}, got[1].Product())

	empty, err := d.Inventory.GetItems(ctx, nil)
	require.NoError(t, err)
	assert.Empty(t, empty)

	at := time.Date(2026, 3, 14, 9, 30, 0, 0, time.UTC)
	n, err := d.Inventory.MarkPrinted(ctx, []int64{items[0].ID, items[1].ID, 999}, at)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	got, err = d.Inventory.GetItems(ctx, []int64{items[0].ID})
	require.NoError(t, err)
	require.NotNil(t, got[0].PrintedAt)
	assert.True(t, at.Equal(*got[0].PrintedAt))

	unprinted, err := d.Inventory.ListUnprinted(ctx, 10)
	require.NoError(t, err)
	require.Len(t, unprinted, 1)
	assert.Equal(t, "C-3", unprinted[0].SKU)

	n, err = d.Inventory.MarkPrinted(ctx, nil, at)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestDeliveries_RecordListSummary(t *testing.T) {
	d := openTestDB(t)
	ctx := context.Background()
	base := time.Date(2026, 3, 14, 8, 0, 0, 0, time.UTC)

	records := []*DeliveryRecord{
		{Printer: "front", JobID: "j1", Status: DeliveryStatusDelivered, Attempts: 1, Quantity: 3, JobCreatedAt: base, RecordedAt: base.Add(time.Hour)},
		{Printer: "front", JobID: "j2", EntryID: "dl1", Status: DeliveryStatusDeadLettered, Attempts: 3, Quantity: 1, Error: "out of media", JobCreatedAt: base, RecordedAt: base.Add(2 * time.Hour)},
		{Printer: "back", JobID: "j3", Status: DeliveryStatusDelivered, Attempts: 2, Quantity: 2, JobCreatedAt: base, RecordedAt: base.Add(3 * time.Hour)},
		{Printer: "back", JobID: "j0", Status: DeliveryStatusDelivered, Attempts: 1, Quantity: 5, JobCreatedAt: base, RecordedAt: base.Add(-time.Hour)},
	}
	for _, r := range records {
		require.NoError(t, d.Deliveries.Record(ctx, r))
		require.NotZero(t, r.ID)
	}

	recent, err := d.Deliveries.ListRecent(ctx, "", 3)
	require.NoError(t, err)
	require.Len(t, recent, 3)
	assert.Equal(t, []string{"j3", "j2", "j1"}, []string{recent[0].JobID, recent[1].JobID, recent[2].JobID})
	assert.Equal(t, "out of media", recent[1].Error)
	assert.Equal(t, "dl1", recent[1].EntryID)

	front, err := d.Deliveries.ListRecent(ctx, "front", 0)
	require.NoError(t, err)
	assert.Len(t, front, 2)

	summary, err := d.Deliveries.Summary(ctx, base)
	require.NoError(t, err)
	require.Len(t, summary, 2)
	assert.Equal(t, PrinterSummary{Printer: "back", Delivered: 1, Labels: 2}, *summary[0])
	assert.Equal(t, PrinterSummary{Printer: "front", Delivered: 1, DeadLettered: 1, Labels: 3}, *summary[1])

	purged, err := d.Deliveries.Purge(ctx, base)
	require.NoError(t, err)
	assert.Equal(t, int64(1), purged)
}

func TestWebhooks_CRUDAndEventFilter(t *testing.T) {
	d := openTestDB(t)
	ctx := context.Background()

	hooks := []*Webhook{
		{Name: "erp", URL: "http://erp.local/hook", Secret: "s1", Events: []string{"job_delivered", "batch_completed"}, Enabled: true},
		{Name: "pager", URL: "http://pager.local/hook", Events: []string{"job_dead_lettered"}, Enabled: true},
		{Name: "off", URL: "http://off.local/hook", Events: []string{"job_delivered"}, Enabled: false},
	}
	for _, w := range hooks {
		require.NoError(t, d.Webhooks.CreateWebhook(ctx, w))
	}

	all, err := d.Webhooks.ListWebhooks(ctx)
	require.NoError(t, err)
	assert.Len(t, all, 3)

	delivered, err := d.Webhooks.ListActiveWebhooksForEvent(ctx, "job_delivered")
	require.NoError(t, err)
	require.Len(t, delivered, 1)
	assert.Equal(t, "erp", delivered[0].Name)
	assert.Equal(t, "s1", delivered[0].Secret)

	got, err := d.Webhooks.GetWebhookByID(ctx, hooks[2].ID)
	require.NoError(t, err)
	got.Enabled = true
	require.NoError(t, d.Webhooks.UpdateWebhook(ctx, got))

	delivered, err = d.Webhooks.ListActiveWebhooksForEvent(ctx, "job_delivered")
	require.NoError(t, err)
	assert.Len(t, delivered, 2)

	require.NoError(t, d.Webhooks.DeleteWebhook(ctx, hooks[0].ID))
	_, err = d.Webhooks.GetWebhookByID(ctx, hooks[0].ID)
	assert.ErrorIs(t, err, ErrNotFound)
	assert.ErrorIs(t, d.Webhooks.DeleteWebhook(ctx, hooks[0].ID), ErrNotFound)
}

func newMockDB(t *testing.T) (*DB, sqlmock.Sqlmock) {
	t.Helper()
	conn, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return New(conn), mock
}

var errDriver = errors.New("disk I/O error")

func TestMigrate_RollsBackFailedFile(t *testing.T) {
	d, mock := newMockDB(t)

	mock.ExpectExec("CREATE TABLE IF NOT EXISTS schema_migrations").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery("SELECT version FROM schema_migrations").
		WillReturnRows(sqlmock.NewRows([]string{"version"}))
	mock.ExpectBegin()
	mock.ExpectExec("CREATE TABLE IF NOT EXISTS label_templates").WillReturnError(errDriver)
	mock.ExpectRollback()

	err := d.Migrate(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, errDriver)
	assert.Contains(t, err.Error(), "001_init")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestMigrate_SkipsAppliedVersions(t *testing.T) {
	d, mock := newMockDB(t)

	mock.ExpectExec("CREATE TABLE IF NOT EXISTS schema_migrations").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery("SELECT version FROM schema_migrations").
		WillReturnRows(sqlmock.NewRows([]string{"version"}).AddRow("001_init").AddRow("002_default_template"))

	require.NoError(t, d.Migrate(context.Background()))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestOperations_WrapDriverErrors(t *testing.T) {
	ctx := context.Background()

	t.Run("list templates", func(t *testing.T) {
		d, mock := newMockDB(t)
		mock.ExpectQuery(regexp.QuoteMeta("FROM label_templates ORDER BY")).WillReturnError(errDriver)

		_, err := d.Templates.ListTemplates(ctx)
		assert.ErrorIs(t, err, errDriver)
		assert.Contains(t, err.Error(), "failed to list templates")
	})

	t.Run("get template", func(t *testing.T) {
		d, mock := newMockDB(t)
		mock.ExpectQuery(regexp.QuoteMeta("FROM label_templates WHERE id = ?")).
			WithArgs(int64(7)).WillReturnError(errDriver)

		_, err := d.Templates.GetTemplateByID(ctx, 7)
		assert.ErrorIs(t, err, errDriver)
		assert.NotErrorIs(t, err, ErrNotFound)
	})

	t.Run("create template rolls back", func(t *testing.T) {
		d, mock := newMockDB(t)
		mock.ExpectBegin()
		mock.ExpectExec("INSERT INTO label_templates").WillReturnError(errDriver)
		mock.ExpectRollback()

		err := d.Templates.CreateTemplate(ctx, &LabelTemplate{Name: "x", Body: "^XA^XZ"})
		assert.ErrorIs(t, err, errDriver)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("corrupt required fields", func(t *testing.T) {
		d, mock := newMockDB(t)
		now := time.Now()
		mock.ExpectQuery(regexp.QuoteMeta("FROM label_templates WHERE name = ?")).
			WillReturnRows(sqlmock.NewRows([]string{"id", "name", "description", "body", "is_default", "required_fields_json", "created_at", "updated_at"}).
				AddRow(1, "x", "", "^XA^XZ", false, "{not json", now, now))

		_, err := d.Templates.GetTemplateByName(ctx, "x")
		assert.Error(t, err)
	})

	t.Run("mark printed", func(t *testing.T) {
		d, mock := newMockDB(t)
		mock.ExpectExec(regexp.QuoteMeta("UPDATE inventory_items SET printed_at = ? WHERE id IN (?,?)")).
			WillReturnError(errDriver)

		_, err := d.Inventory.MarkPrinted(ctx, []int64{1, 2}, time.Now())
		assert.ErrorIs(t, err, errDriver)
	})

	t.Run("record delivery", func(t *testing.T) {
		d, mock := newMockDB(t)
		mock.ExpectExec("INSERT INTO delivery_log").WillReturnError(errDriver)

		err := d.Deliveries.Record(ctx, &DeliveryRecord{Printer: "p", JobID: "j", Status: DeliveryStatusDelivered})
		assert.ErrorIs(t, err, errDriver)
	})

	t.Run("webhooks for event", func(t *testing.T) {
		d, mock := newMockDB(t)
		mock.ExpectQuery("FROM webhooks WHERE enabled = 1").
			WithArgs(`%"job_delivered"%`).WillReturnError(errDriver)

		_, err := d.Webhooks.ListActiveWebhooksForEvent(ctx, "job_delivered")
		assert.ErrorIs(t, err, errDriver)
	})
}
