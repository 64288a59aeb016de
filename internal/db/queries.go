package db

const (
	templateColumns = `id, name, description, body, is_default, required_fields_json, created_at, updated_at`

	InsertTemplate = `
		INSERT INTO label_templates (name, description, body, is_default, required_fields_json)
		VALUES (?, ?, ?, ?, ?)
	`

	GetTemplateByID = `
		SELECT ` + templateColumns + `
		FROM label_templates WHERE id = ?
	`

	GetTemplateByName = `
		SELECT ` + templateColumns + `
		FROM label_templates WHERE name = ?
	`

	GetDefaultTemplate = `
		SELECT ` + templateColumns + `
		FROM label_templates WHERE is_default = 1 LIMIT 1
	`

	ListTemplates = `
		SELECT ` + templateColumns + `
		FROM label_templates ORDER BY is_default DESC, name ASC
	`

	UpdateTemplate = `
		UPDATE label_templates SET
			name = ?, description = ?, body = ?, is_default = ?,
			required_fields_json = ?, updated_at = CURRENT_TIMESTAMP
		WHERE id = ?
	`

	ClearDefaultTemplate = `
		UPDATE label_templates SET is_default = 0 WHERE is_default = 1 AND id != ?
	`

	DeleteTemplate = `DELETE FROM label_templates WHERE id = ?`

	inventoryColumns = `id, sku, title, price, meta, barcode, printed_at, created_at`

	InsertInventoryItem = `
		INSERT INTO inventory_items (sku, title, price, meta, barcode)
		VALUES (?, ?, ?, ?, ?)
	`

	// GetInventoryItems is completed with one placeholder per id.
	GetInventoryItems = `
		SELECT ` + inventoryColumns + `
		FROM inventory_items WHERE id IN (%s)
	`

	ListUnprintedItems = `
		SELECT ` + inventoryColumns + `
		FROM inventory_items WHERE printed_at IS NULL ORDER BY id ASC LIMIT ?
	`

	MarkItemsPrinted = `
		UPDATE inventory_items SET printed_at = ? WHERE id IN (%s)
	`

	InsertDelivery = `
		INSERT INTO delivery_log (printer, job_id, entry_id, status, attempts, quantity, error, job_created_at, recorded_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	ListRecentDeliveries = `
		SELECT id, printer, job_id, entry_id, status, attempts, quantity, error, job_created_at, recorded_at
		FROM delivery_log
		WHERE (? = '' OR printer = ?)
		ORDER BY recorded_at DESC, id DESC
		LIMIT ?
	`

	SummarizeDeliveries = `
		SELECT printer,
			SUM(CASE WHEN status = 'delivered' THEN 1 ELSE 0 END),
			SUM(CASE WHEN status = 'dead_lettered' THEN 1 ELSE 0 END),
			SUM(CASE WHEN status = 'delivered' THEN quantity ELSE 0 END)
		FROM delivery_log
		WHERE recorded_at >= ?
		GROUP BY printer
		ORDER BY printer ASC
	`

	PurgeDeliveries = `DELETE FROM delivery_log WHERE recorded_at < ?`

	InsertWebhook = `
		INSERT INTO webhooks (name, url, secret, events_json, enabled)
		VALUES (?, ?, ?, ?, ?)
	`

	GetWebhookByID = `
		SELECT id, name, url, secret, events_json, enabled, created_at
		FROM webhooks WHERE id = ?
	`

	ListWebhooks = `
		SELECT id, name, url, secret, events_json, enabled, created_at
		FROM webhooks ORDER BY name ASC
	`

	ListActiveWebhooksForEvent = `
		SELECT id, name, url, secret, events_json, enabled, created_at
		FROM webhooks WHERE enabled = 1 AND events_json LIKE ?
	`

	UpdateWebhook = `
		UPDATE webhooks SET name = ?, url = ?, secret = ?, events_json = ?, enabled = ?
		WHERE id = ?
	`

	DeleteWebhook = `DELETE FROM webhooks WHERE id = ?`
)
