package jobs

import (
	"encoding/json"
	"time"

	"github.com/hibiken/asynq"
)

const (
	// QueueDefault is the default queue name for background jobs.
	QueueDefault = "default"
	// TaskStockAudit compares quantity on hand with the movement journal.
	TaskStockAudit = "stock:audit"
	// TaskIdempotencyCleanup purges expired restock idempotency keys.
	TaskIdempotencyCleanup = "idempotency:cleanup"
)

// StockAuditPayload limits an audit to specific products. Empty audits all.
type StockAuditPayload struct {
	ProductIDs  []int64 `json:"product_ids,omitempty"`
	Concurrency int     `json:"concurrency,omitempty"`
}

// NewStockAuditTask constructs an Asynq task for the stock ledger audit.
func NewStockAuditTask(payload StockAuditPayload) (*asynq.Task, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskStockAudit, body, asynq.Queue(QueueDefault)), nil
}

// IdempotencyCleanupPayload carries the retention window.
type IdempotencyCleanupPayload struct {
	Retention time.Duration `json:"retention"`
}

// NewIdempotencyCleanupTask constructs an Asynq task for key cleanup.
func NewIdempotencyCleanupTask(retention time.Duration) (*asynq.Task, error) {
	body, err := json.Marshal(IdempotencyCleanupPayload{Retention: retention})
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskIdempotencyCleanup, body, asynq.Queue(QueueDefault)), nil
}
