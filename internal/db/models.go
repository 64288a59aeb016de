package db

import (
	"time"

	"github.com/orrn/labelspool/internal/label"
)

type LabelTemplate struct {
	ID             int64     `json:"id"`
	Name           string    `json:"name"`
	Description    string    `json:"description"`
	Body           string    `json:"body"`
	IsDefault      bool      `json:"is_default"`
	RequiredFields []string  `json:"required_fields"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// Template converts the row into the form the compiler renders.
func (t *LabelTemplate) Template() label.Template {
	return label.Template{
		ID:             t.ID,
		Name:           t.Name,
		Body:           t.Body,
		IsDefault:      t.IsDefault,
		RequiredFields: t.RequiredFields,
	}
}

type InventoryItem struct {
	ID        int64      `json:"id"`
	SKU       string     `json:"sku"`
	Title     string     `json:"title"`
	Price     string     `json:"price"`
	Meta      string     `json:"meta"`
	Barcode   string     `json:"barcode"`
	PrintedAt *time.Time `json:"printed_at,omitempty"`
	CreatedAt time.Time  `json:"created_at"`
}

func (i *InventoryItem) Product() label.Product {
	return label.Product{
		SKU:     i.SKU,
		Title:   i.Title,
		Price:   i.Price,
		Meta:    i.Meta,
		Barcode: i.Barcode,
	}
}

const (
	DeliveryStatusDelivered    = "delivered"
	DeliveryStatusDeadLettered = "dead_lettered"
)

// DeliveryRecord is one terminal outcome of a print job.
type DeliveryRecord struct {
	ID           int64     `json:"id"`
	Printer      string    `json:"printer"`
	JobID        string    `json:"job_id"`
	EntryID      string    `json:"entry_id,omitempty"`
	Status       string    `json:"status"`
	Attempts     int       `json:"attempts"`
	Quantity     int       `json:"quantity"`
	Error        string    `json:"error,omitempty"`
	JobCreatedAt time.Time `json:"job_created_at"`
	RecordedAt   time.Time `json:"recorded_at"`
}

type PrinterSummary struct {
	Printer      string `json:"printer"`
	Delivered    int    `json:"delivered"`
	DeadLettered int    `json:"dead_lettered"`
	Labels       int    `json:"labels"`
}

type Webhook struct {
	ID        int64     `json:"id"`
	Name      string    `json:"name"`
	URL       string    `json:"url"`
	Secret    string    `json:"-"`
	Events    []string  `json:"events"`
	Enabled   bool      `json:"enabled"`
	CreatedAt time.Time `json:"created_at"`
}
