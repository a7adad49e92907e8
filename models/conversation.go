package models

import "time"

// Message directions and statuses.
const (
	DirectionInbound  = "inbound"
	DirectionOutbound = "outbound"

	MessageStatusReceived  = "received"
	MessageStatusSent      = "sent"
	MessageStatusDelivered = "delivered"
	MessageStatusRead      = "read"
	MessageStatusFailed    = "failed"
)

// Conversation is one chat thread per (tenant, contact). ContactID is a phone
// number for direct chats or a group identifier for groups.
type Conversation struct {
	ID              uint      `gorm:"primaryKey;autoIncrement" json:"id"`
	TenantID        string    `gorm:"size:64;not null;uniqueIndex:idx_tenant_contact,priority:1" json:"tenant_id"`
	ContactID       string    `gorm:"size:100;not null;uniqueIndex:idx_tenant_contact,priority:2" json:"contact_id"`
	DisplayName     string    `gorm:"size:255" json:"display_name"`
	LastMessageText string    `gorm:"type:text" json:"last_message_text"`
	LastMessageAt   time.Time `json:"last_message_at"`
	UnreadCount     int       `gorm:"not null;default:0" json:"unread_count"`
	CreatedAt       time.Time `json:"created_at"`
	UpdatedAt       time.Time `json:"updated_at"`
}

func (Conversation) TableName() string {
	return "whatsapp_conversations"
}

// Message is one chat event, inbound or outbound. Append-only; only Status
// ever changes after insert.
type Message struct {
	ID             uint      `gorm:"primaryKey;autoIncrement" json:"id"`
	ConversationID uint      `gorm:"not null;index" json:"conversation_id"`
	TenantID       string    `gorm:"size:64;not null;uniqueIndex:idx_tenant_message,priority:1" json:"tenant_id"`
	ExternalID     string    `gorm:"size:100;not null;uniqueIndex:idx_tenant_message,priority:2" json:"external_id"`
	Direction      string    `gorm:"size:10;not null" json:"direction"`
	Content        string    `gorm:"type:text" json:"content"`
	MediaRef       string    `gorm:"size:500" json:"media_ref,omitempty"`
	Status         string    `gorm:"size:20;not null" json:"status"`
	CreatedAt      time.Time `json:"created_at"`
}

func (Message) TableName() string {
	return "whatsapp_messages"
}
