package printing

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/orrn/labelspool/internal/db"
	"github.com/orrn/labelspool/internal/queue"
)

type DeliveryStore interface {
	Record(ctx context.Context, r *db.DeliveryRecord) error
}

const recordTimeout = 5 * time.Second

// DeliveryHooks writes every terminal job outcome to the delivery log.
// Write failures are logged and never affect delivery.
func DeliveryHooks(store DeliveryStore, logger *zap.Logger) queue.Hooks {
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.With(zap.String("component", "delivery_log"))

	record := func(r *db.DeliveryRecord) {
		ctx, cancel := context.WithTimeout(context.Background(), recordTimeout)
		defer cancel()
		if err := store.Record(ctx, r); err != nil {
			logger.Error("failed to record delivery",
				zap.String("printer", r.Printer),
				zap.String("job_id", r.JobID),
				zap.Error(err))
		}
	}

	return queue.Hooks{
		OnDelivered: func(printer string, job queue.PrintJob, _ time.Duration) {
			record(&db.DeliveryRecord{
				Printer:      printer,
				JobID:        job.ID,
				Status:       db.DeliveryStatusDelivered,
				Attempts:     job.Attempts + 1,
				Quantity:     job.Quantity,
				JobCreatedAt: job.CreatedAt,
			})
		},
		OnDeadLettered: func(printer string, entry queue.DeadLetterEntry) {
			for _, job := range entry.Jobs {
				record(&db.DeliveryRecord{
					Printer:      printer,
					JobID:        job.ID,
					EntryID:      entry.ID,
					Status:       db.DeliveryStatusDeadLettered,
					Attempts:     job.Attempts,
					Quantity:     job.Quantity,
					Error:        entry.Error,
					JobCreatedAt: job.CreatedAt,
					RecordedAt:   entry.Timestamp,
				})
			}
		},
	}
}
