package models

import "time"

// OutboundMessage is the relay outbox: one row per message owed to a platform.
// Rows are written in the same transaction as the routing decision and
// delivered asynchronously by the outbox dispatcher after commit.
//
// Ordering: rows for the same order_id are delivered in id order; the
// dispatcher never claims a row while an older undelivered row exists for the
// same order.
type OutboundMessage struct {
	ID             int          `gorm:"primary_key;index:idx_outbound_dispatch,priority:3" json:"id"`
	OrderId        string       `gorm:"size:64;not null;index:idx_outbound_order" json:"order_id"`
	EventId        string       `gorm:"size:255;not null;index" json:"event_id"`
	TargetPlatform Platform     `gorm:"size:20;not null" json:"target_platform"`
	Kind           OutboundKind `gorm:"size:20;not null" json:"kind"`
	ThreadRef      *string      `gorm:"size:128" json:"thread_ref"`
	Body           string       `gorm:"type:text" json:"body"`

	DeliveryStatus    string     `gorm:"size:20;index;not null;default:'PENDING';index:idx_outbound_dispatch,priority:1" json:"delivery_status"` // PENDING|PROCESSING|SENT|FAILED|DEAD
	DeliveryAttempts  int        `gorm:"not null;default:0" json:"delivery_attempts"`
	NextAttemptAt     *time.Time `gorm:"index;index:idx_outbound_dispatch,priority:2" json:"next_attempt_at"`
	LockedAt          *time.Time `gorm:"index" json:"locked_at"`
	LockedBy          *string    `gorm:"size:100" json:"locked_by"`
	LastDeliveryError *string    `gorm:"type:text" json:"last_delivery_error"`
	MessageRef        *string    `gorm:"size:128" json:"message_ref"`
	SentAt            *time.Time `gorm:"index" json:"sent_at"`

	CorrelationId string    `gorm:"size:64;index" json:"correlation_id"`
	CreatedAt     time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt     time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}
