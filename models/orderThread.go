package models

import "time"

// OrderThread binds one storefront order to its conversation handles on both
// chat platforms. There is at most one row per order_id; rows are never
// hard-deleted (audit retention).
type OrderThread struct {
	ID                 int             `gorm:"primary_key" json:"id"`
	OrderId            string          `gorm:"size:64;not null;uniqueIndex:uniq_order_thread" json:"order_id"`
	GuildThreadRef     *string         `gorm:"size:128;index:idx_thread_guild_ref" json:"guild_thread_ref"`
	MessagingThreadRef *string         `gorm:"size:128;index:idx_thread_messaging_ref" json:"messaging_thread_ref"`
	ProcessingState    ProcessingState `gorm:"size:20;not null;default:'NONE';index" json:"processing_state"`
	CustomerName       string          `gorm:"size:255" json:"customer_name"`
	CreatedAt          time.Time       `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt          time.Time       `gorm:"autoUpdateTime" json:"updated_at"`
}

// ThreadRef returns the handle bound for the given platform, if any.
func (t *OrderThread) ThreadRef(platform Platform) *string {
	if platform == PlatformGuild {
		return t.GuildThreadRef
	}
	return t.MessagingThreadRef
}

// ThreadRefColumn is the DB column holding the platform's handle. Used by the
// store's conditional updates and the reverse index lookup.
func ThreadRefColumn(platform Platform) string {
	if platform == PlatformGuild {
		return "guild_thread_ref"
	}
	return "messaging_thread_ref"
}
