package handlers

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/orrn/labelspool/internal/db"
	"github.com/orrn/labelspool/internal/printing"
)

const defaultUnprintedLimit = 100

type CreateBatchRequest struct {
	Printer  string  `json:"printer" binding:"required"`
	ItemIDs  []int64 `json:"item_ids" binding:"required,min=1"`
	Quantity int     `json:"quantity" binding:"gte=0"`
}

type CreateItemRequest struct {
	SKU     string `json:"sku"`
	Title   string `json:"title"`
	Price   string `json:"price"`
	Meta    string `json:"meta"`
	Barcode string `json:"barcode"`
}

type MarkPrintedRequest struct {
	ItemIDs []int64 `json:"item_ids" binding:"required,min=1"`
}

type MarkPrintedResponse struct {
	Updated int64 `json:"updated"`
}

type BatchHandler struct {
	printing  *printing.Service
	inventory *db.InventoryOperations
}

func NewBatchHandler(service *printing.Service, inventory *db.InventoryOperations) *BatchHandler {
	return &BatchHandler{
		printing:  service,
		inventory: inventory,
	}
}

// CreateBatch prints inventory records. Small batches complete before the
// response (200); larger ones are started in the background (202) and are
// followed through GetCurrentBatch.
func (h *BatchHandler) CreateBatch(c *gin.Context) {
	var req CreateBatchRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}

	outcome, err := h.printing.PrintProducts(c.Request.Context(), printing.ProductRequest{
		Printer:  req.Printer,
		ItemIDs:  req.ItemIDs,
		Quantity: req.Quantity,
	})
	if err != nil {
		respondError(c, err)
		return
	}

	status := http.StatusOK
	if outcome.Mode == printing.ModeOrchestrated {
		status = http.StatusAccepted
	}
	c.JSON(status, outcome)
}

func (h *BatchHandler) GetCurrentBatch(c *gin.Context) {
	c.JSON(http.StatusOK, h.printing.BatchStatus())
}

func (h *BatchHandler) PauseBatch(c *gin.Context) {
	h.control(c, h.printing.PauseBatch)
}

func (h *BatchHandler) ResumeBatch(c *gin.Context) {
	h.control(c, h.printing.ResumeBatch)
}

func (h *BatchHandler) CancelBatch(c *gin.Context) {
	h.control(c, h.printing.CancelBatch)
}

func (h *BatchHandler) control(c *gin.Context, fn func() error) {
	if err := fn(); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, h.printing.BatchStatus())
}

func (h *BatchHandler) CreateItem(c *gin.Context) {
	var req CreateItemRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	if req.SKU == "" && req.Title == "" && req.Barcode == "" {
		c.JSON(http.StatusBadRequest, ErrorResponse{
			Error:   "validation_error",
			Message: "item needs a sku, title or barcode",
		})
		return
	}

	item := &db.InventoryItem{
		SKU:     req.SKU,
		Title:   req.Title,
		Price:   req.Price,
		Meta:    req.Meta,
		Barcode: req.Barcode,
	}
	if err := h.inventory.CreateItem(c.Request.Context(), item); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, item)
}

func (h *BatchHandler) ListUnprinted(c *gin.Context) {
	limit := defaultUnprintedLimit
	if v := c.Query("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			c.JSON(http.StatusBadRequest, ErrorResponse{Error: "validation_error", Message: "invalid limit"})
			return
		}
		limit = n
	}

	items, err := h.inventory.ListUnprinted(c.Request.Context(), limit)
	if err != nil {
		respondError(c, err)
		return
	}
	if items == nil {
		items = []*db.InventoryItem{}
	}
	c.JSON(http.StatusOK, items)
}

func (h *BatchHandler) MarkPrinted(c *gin.Context) {
	var req MarkPrintedRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}

	n, err := h.printing.MarkPrinted(c.Request.Context(), req.ItemIDs)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, MarkPrintedResponse{Updated: n})
}

func RegisterBatchRoutes(r *gin.RouterGroup, h *BatchHandler) {
	batches := r.Group("/batches")
	{
		batches.POST("", h.CreateBatch)
		batches.GET("/current", h.GetCurrentBatch)
		batches.POST("/current/pause", h.PauseBatch)
		batches.POST("/current/resume", h.ResumeBatch)
		batches.POST("/current/cancel", h.CancelBatch)
	}

	inventory := r.Group("/inventory")
	{
		inventory.POST("", h.CreateItem)
		inventory.GET("/unprinted", h.ListUnprinted)
		inventory.POST("/printed", h.MarkPrinted)
	}
}
