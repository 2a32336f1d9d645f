package models

import "time"

type IdempotencyStatus string

const (
	IdempotencyStatusStarted   IdempotencyStatus = "STARTED"
	IdempotencyStatusSucceeded IdempotencyStatus = "SUCCEEDED"
	IdempotencyStatusFailed    IdempotencyStatus = "FAILED"
)

// IdempotencyKey provides durable, DB-backed dedupe for at-least-once webhook
// deliveries. Unique constraint: (event_id, stage). Presence of a SUCCEEDED
// row means the stage's side effect has already been executed.
type IdempotencyKey struct {
	ID        int               `gorm:"primary_key" json:"id"`
	EventId   string            `gorm:"size:255;not null;index:uniq_idem,unique" json:"event_id"`
	Stage     string            `gorm:"size:64;not null;index:uniq_idem,unique" json:"stage"`
	Status    IdempotencyStatus `gorm:"size:20;not null;index" json:"status"`
	LastError *string           `gorm:"type:text" json:"last_error"`
	CreatedAt time.Time         `gorm:"autoCreateTime" json:"first_seen_at"`
	UpdatedAt time.Time         `gorm:"autoUpdateTime" json:"updated_at"`
}
