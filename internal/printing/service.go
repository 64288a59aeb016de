// Package printing turns templates and inventory records into print jobs and
// hands them to the per-printer queues.
package printing

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/orrn/labelspool/internal/batch"
	"github.com/orrn/labelspool/internal/db"
	"github.com/orrn/labelspool/internal/label"
	"github.com/orrn/labelspool/internal/queue"
)

var (
	ErrTemplateNotFound = errors.New("template not found")
	ErrNoItems          = errors.New("no inventory items to print")
	ErrNoPrinter        = errors.New("printer name is required")
	ErrBatchPending     = errors.New("batch still queued")
)

const DefaultDirectThreshold = 10

type TemplateStore interface {
	GetTemplateByID(ctx context.Context, id int64) (*db.LabelTemplate, error)
	GetTemplateByName(ctx context.Context, name string) (*db.LabelTemplate, error)
	GetDefault(ctx context.Context) (*db.LabelTemplate, error)
}

type InventoryStore interface {
	GetItems(ctx context.Context, ids []int64) ([]*db.InventoryItem, error)
	MarkPrinted(ctx context.Context, ids []int64, at time.Time) (int64, error)
}

type Options struct {
	// DirectThreshold is the largest product batch sent as a single queue
	// item. Larger batches go through the orchestrator one item at a time.
	DirectThreshold int
	Logger          *zap.Logger
	// OnBatchComplete is called once per product batch, direct or not.
	OnBatchComplete func(printer string, result batch.Result)
}

type TemplateRequest struct {
	Printer      string            `json:"printer"`
	TemplateID   int64             `json:"template_id,omitempty"`
	TemplateName string            `json:"template_name,omitempty"`
	Variables    map[string]string `json:"variables"`
	Quantity     int               `json:"quantity"`
}

type ProductRequest struct {
	Printer  string  `json:"printer"`
	ItemIDs  []int64 `json:"item_ids"`
	Quantity int     `json:"quantity"`
}

const (
	ModeDirect       = "direct"
	ModeOrchestrated = "orchestrated"
)

// BatchOutcome describes how a product batch was dispatched. Result is set
// for direct batches, which finish before PrintProducts returns; orchestrated
// batches report through BatchStatus.
type BatchOutcome struct {
	Mode    string        `json:"mode"`
	Printer string        `json:"printer"`
	Items   int           `json:"items"`
	Missing []int64       `json:"missing,omitempty"`
	Result  *batch.Result `json:"result,omitempty"`
}

type BatchStatus struct {
	Printer string `json:"printer,omitempty"`
	batch.Progress
}

type productJob struct {
	itemID  int64
	product label.Product
}

// Service is the entry point for everything that prints.
type Service struct {
	templates TemplateStore
	inventory InventoryStore
	compiler  *label.Compiler
	queues    *queue.Manager
	batches   *batch.Orchestrator[productJob]
	opts      Options
	logger    *zap.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu           sync.Mutex
	batchPrinter string
}

func NewService(templates TemplateStore, inventory InventoryStore, compiler *label.Compiler, queues *queue.Manager, opts Options) *Service {
	if opts.DirectThreshold <= 0 {
		opts.DirectThreshold = DefaultDirectThreshold
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Service{
		templates: templates,
		inventory: inventory,
		compiler:  compiler,
		queues:    queues,
		batches:   batch.New[productJob](opts.Logger),
		opts:      opts,
		logger:    opts.Logger.With(zap.String("component", "printing")),
		ctx:       ctx,
		cancel:    cancel,
	}
}

func (s *Service) Queues() *queue.Manager {
	return s.queues
}

func (s *Service) Compiler() *label.Compiler {
	return s.compiler
}

// Close cancels a running orchestrated batch before its next item.
func (s *Service) Close() {
	s.cancel()
}

// ResolveTemplate finds a template by id, then by name, falling back to the
// default template when neither is given.
func (s *Service) ResolveTemplate(ctx context.Context, id int64, name string) (label.Template, error) {
	var (
		row *db.LabelTemplate
		err error
	)
	switch {
	case id > 0:
		row, err = s.templates.GetTemplateByID(ctx, id)
	case strings.TrimSpace(name) != "":
		row, err = s.templates.GetTemplateByName(ctx, name)
	default:
		row, err = s.templates.GetDefault(ctx)
	}
	if err != nil {
		if errors.Is(err, db.ErrNotFound) {
			return label.Template{}, fmt.Errorf("%w: %w", ErrTemplateNotFound, err)
		}
		return label.Template{}, err
	}
	return row.Template(), nil
}

// PrintTemplate renders a stored template and admits it to the printer's
// queue. Validation and reachability problems are returned before anything
// is queued.
func (s *Service) PrintTemplate(ctx context.Context, req TemplateRequest) (string, error) {
	if strings.TrimSpace(req.Printer) == "" {
		return "", fmt.Errorf("%w: %w", queue.ErrValidation, ErrNoPrinter)
	}
	tpl, err := s.ResolveTemplate(ctx, req.TemplateID, req.TemplateName)
	if err != nil {
		return "", err
	}

	code, err := s.compiler.RenderTemplate(tpl, req.Variables, req.Quantity)
	if err != nil {
		return "", fmt.Errorf("%w: %w", queue.ErrValidation, err)
	}

	q, err := s.queues.Open(ctx, req.Printer)
	if err != nil {
		return "", err
	}
	id, err := q.EnqueueSafe(ctx, queue.NewJob(code, req.Quantity))
	if err != nil {
		return "", err
	}
	s.logger.Info("template job queued",
		zap.String("printer", req.Printer),
		zap.String("template", tpl.Name),
		zap.String("job_id", id))
	return id, nil
}

// PrintRaw queues device code as given. A positive quantity replaces any
// quantity directive in code.
func (s *Service) PrintRaw(ctx context.Context, printer, code string, qty int) (string, error) {
	if strings.TrimSpace(printer) == "" {
		return "", fmt.Errorf("%w: %w", queue.ErrValidation, ErrNoPrinter)
	}
	if qty > 0 {
		code = label.WithQuantity(code, qty)
	}
	q, err := s.queues.Open(ctx, printer)
	if err != nil {
		return "", err
	}
	return q.EnqueueSafe(ctx, queue.NewJob(code, qty))
}

// PrintProducts prints a shelf label per inventory item. Up to
// DirectThreshold labels go to the queue as one batch item and the call waits
// for the outcome; bigger batches start the orchestrator and return at once.
func (s *Service) PrintProducts(ctx context.Context, req ProductRequest) (*BatchOutcome, error) {
	if strings.TrimSpace(req.Printer) == "" {
		return nil, fmt.Errorf("%w: %w", queue.ErrValidation, ErrNoPrinter)
	}
	items, err := s.inventory.GetItems(ctx, req.ItemIDs)
	if err != nil {
		return nil, fmt.Errorf("failed to load inventory items: %w", err)
	}
	if len(items) == 0 {
		return nil, fmt.Errorf("%w: %w", queue.ErrValidation, ErrNoItems)
	}

	outcome := &BatchOutcome{
		Printer: req.Printer,
		Items:   len(items),
		Missing: missingIDs(req.ItemIDs, items),
	}
	jobs := make([]productJob, len(items))
	for i, item := range items {
		jobs[i] = productJob{itemID: item.ID, product: item.Product()}
	}

	q, err := s.queues.Open(ctx, req.Printer)
	if err != nil {
		return nil, err
	}
	if len(jobs) <= s.opts.DirectThreshold {
		outcome.Mode = ModeDirect
		result, err := s.printDirect(ctx, req.Printer, q, jobs, req.Quantity)
		if err != nil {
			return nil, err
		}
		outcome.Result = &result
		s.batchCompleted(req.Printer, result)
		return outcome, nil
	}

	if err := q.Reachable(ctx); err != nil {
		return nil, err
	}

	outcome.Mode = ModeOrchestrated
	printOne := func(ctx context.Context, job productJob) error {
		code, err := s.compiler.RenderProduct(job.product, req.Quantity)
		if err != nil {
			return fmt.Errorf("item %d: %w", job.itemID, err)
		}
		return q.EnqueueAndWait(ctx, queue.NewJob(code, req.Quantity))
	}
	onComplete := func(result batch.Result) {
		s.batchCompleted(req.Printer, result)
	}
	onCancel := func(result batch.Result) {
		s.logger.Info("product batch cancelled",
			zap.String("printer", req.Printer), zap.Int("skipped", result.Skipped))
	}

	if err := s.batches.Start(s.ctx, jobs, printOne, onComplete, onCancel); err != nil {
		return nil, err
	}
	s.mu.Lock()
	s.batchPrinter = req.Printer
	s.mu.Unlock()
	return outcome, nil
}

// printDirect sends jobs as one queue item and waits for the outcome. If ctx
// ends first the item stays queued and its outcome is reported through
// OnBatchComplete once the queue settles it.
func (s *Service) printDirect(ctx context.Context, printer string, q *queue.Queue, jobs []productJob, qty int) (batch.Result, error) {
	start := time.Now()
	result := batch.Result{Total: len(jobs)}

	var printable []queue.PrintJob
	for i, job := range jobs {
		code, err := s.compiler.RenderProduct(job.product, qty)
		if err != nil {
			result.Failed++
			result.Errors = append(result.Errors, batch.ItemError{
				Index: i,
				Error: fmt.Sprintf("item %d: %v", job.itemID, err),
			})
			continue
		}
		printable = append(printable, queue.NewJob(code, qty))
	}
	if len(printable) == 0 {
		result.Elapsed = time.Since(start)
		return result, nil
	}

	if err := q.Check(ctx, printable...); err != nil {
		return batch.Result{}, err
	}

	settle := func(err error) (batch.Result, error) {
		switch {
		case err == nil:
			result.Succeeded += len(printable)
		case errors.Is(err, queue.ErrDeadLettered):
			result.Failed += len(printable)
			result.Errors = append(result.Errors, batch.ItemError{Index: -1, Error: err.Error()})
		default:
			return batch.Result{}, err
		}
		result.Elapsed = time.Since(start)
		return result, nil
	}

	// the wait is bound to the service, not the caller
	outcome := make(chan error, 1)
	go func() { outcome <- q.EnqueueBatchAndWait(s.ctx, printable) }()

	select {
	case err := <-outcome:
		return settle(err)
	case <-ctx.Done():
		s.logger.Warn("caller left before direct batch finished",
			zap.String("printer", printer), zap.Int("jobs", len(printable)), zap.Error(ctx.Err()))
		go func() {
			if r, err := settle(<-outcome); err == nil {
				s.batchCompleted(printer, r)
			}
		}()
		return batch.Result{}, fmt.Errorf("%w: %w", ErrBatchPending, ctx.Err())
	}
}

func (s *Service) batchCompleted(printer string, result batch.Result) {
	s.logger.Info("product batch completed",
		zap.String("printer", printer),
		zap.Int("succeeded", result.Succeeded),
		zap.Int("failed", result.Failed),
		zap.Int("skipped", result.Skipped))
	if s.opts.OnBatchComplete != nil {
		s.opts.OnBatchComplete(printer, result)
	}
}

// MarkPrinted flags inventory records as printed. It is never called by the
// print path itself.
func (s *Service) MarkPrinted(ctx context.Context, ids []int64) (int64, error) {
	if len(ids) == 0 {
		return 0, fmt.Errorf("%w: %w", queue.ErrValidation, ErrNoItems)
	}
	return s.inventory.MarkPrinted(ctx, ids, time.Now())
}

func (s *Service) PauseBatch() error {
	return s.batches.Pause()
}

func (s *Service) ResumeBatch() error {
	return s.batches.Resume()
}

func (s *Service) CancelBatch() error {
	return s.batches.Cancel()
}

func (s *Service) BatchStatus() BatchStatus {
	s.mu.Lock()
	printer := s.batchPrinter
	s.mu.Unlock()
	return BatchStatus{Printer: printer, Progress: s.batches.Progress()}
}

func missingIDs(requested []int64, found []*db.InventoryItem) []int64 {
	have := make(map[int64]bool, len(found))
	for _, item := range found {
		have[item.ID] = true
	}
	var missing []int64
	for _, id := range requested {
		if !have[id] {
			missing = append(missing, id)
			have[id] = true
		}
	}
	return missing
}
