package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// ProcessingJob is one design-automation request for an order. The dispatcher
// enforces at most one non-terminal job per order_id; storage does not.
type ProcessingJob struct {
	ID            int             `gorm:"primary_key" json:"id"`
	OrderId       string          `gorm:"size:64;not null;index:idx_job_order" json:"order_id"`
	JobRef        *string         `gorm:"size:128;index" json:"job_ref"`
	Status        ProcessingState `gorm:"size:20;not null;index" json:"status"`
	AttemptCount  int             `gorm:"not null;default:0" json:"attempt_count"`
	LastError     *string         `gorm:"type:text" json:"last_error"`
	ResultPayload []byte          `gorm:"type:blob" json:"result_payload"`
	MetadataJSON  []byte          `gorm:"type:json" json:"metadata"`
	OrderTotal    decimal.Decimal `gorm:"type:decimal(12,2)" json:"order_total"`
	CorrelationId string          `gorm:"size:64;index" json:"correlation_id"`
	StartedAt     *time.Time      `json:"started_at"`
	FinishedAt    *time.Time      `json:"finished_at"`
	CreatedAt     time.Time       `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt     time.Time       `gorm:"autoUpdateTime" json:"updated_at"`
}

func (j *ProcessingJob) NonTerminal() bool {
	return j.Status == ProcessingStateQueued || j.Status == ProcessingStateRunning
}
