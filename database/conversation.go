package database

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/chatdeck/wa-engine/models"
)

// UpsertInboundConversation resolves or creates the conversation for
// (tenant, contact) and applies the inbound side effects in one statement:
// bump unread_count, refresh the last-message preview. Safe under concurrent
// inbound bursts; increments never overwrite each other.
func (d *Database) UpsertInboundConversation(ctx context.Context, tenantID, contactID, displayName, text string, at time.Time) (*models.Conversation, error) {
	conv := models.Conversation{
		TenantID:        tenantID,
		ContactID:       contactID,
		DisplayName:     displayName,
		LastMessageText: text,
		LastMessageAt:   at,
		UnreadCount:     1,
	}

	err := d.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "tenant_id"}, {Name: "contact_id"}},
		DoUpdates: clause.Assignments(map[string]interface{}{
			"unread_count":      gorm.Expr("unread_count + 1"),
			"last_message_text": text,
			"last_message_at":   at,
			"display_name":      gorm.Expr("CASE WHEN excluded.display_name <> '' THEN excluded.display_name ELSE display_name END"),
			"updated_at":        time.Now(),
		}),
	}).Create(&conv).Error
	if err != nil {
		return nil, fmt.Errorf("failed to upsert conversation: %w", err)
	}

	return d.GetConversation(ctx, tenantID, contactID)
}

// TouchOutboundConversation resolves or creates the conversation for an
// outbound send and refreshes the last-message preview without touching
// unread_count.
func (d *Database) TouchOutboundConversation(ctx context.Context, tenantID, contactID, text string, at time.Time) (*models.Conversation, error) {
	conv := models.Conversation{
		TenantID:        tenantID,
		ContactID:       contactID,
		LastMessageText: text,
		LastMessageAt:   at,
	}

	err := d.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "tenant_id"}, {Name: "contact_id"}},
		DoUpdates: clause.Assignments(map[string]interface{}{
			"last_message_text": text,
			"last_message_at":   at,
			"updated_at":        time.Now(),
		}),
	}).Create(&conv).Error
	if err != nil {
		return nil, fmt.Errorf("failed to upsert conversation: %w", err)
	}

	return d.GetConversation(ctx, tenantID, contactID)
}

// GetConversation fetches one conversation, or nil when absent.
func (d *Database) GetConversation(ctx context.Context, tenantID, contactID string) (*models.Conversation, error) {
	var conv models.Conversation
	err := d.db.WithContext(ctx).
		Where("tenant_id = ? AND contact_id = ?", tenantID, contactID).
		First(&conv).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &conv, nil
}

// MarkConversationRead clears the unread counter for one conversation.
func (d *Database) MarkConversationRead(ctx context.Context, tenantID, contactID string) error {
	return d.db.WithContext(ctx).
		Model(&models.Conversation{}).
		Where("tenant_id = ? AND contact_id = ?", tenantID, contactID).
		Update("unread_count", 0).Error
}

// InsertMessage appends one message row. Idempotent on (tenant, external id):
// a redelivered protocol event is silently discarded.
func (d *Database) InsertMessage(ctx context.Context, msg *models.Message) error {
	err := d.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "tenant_id"}, {Name: "external_id"}},
		DoNothing: true,
	}).Create(msg).Error
	if err != nil {
		return fmt.Errorf("failed to insert message: %w", err)
	}
	return nil
}

// UpdateMessageStatus applies a delivery-state transition
// (sent -> delivered -> read, or -> failed) to one message.
func (d *Database) UpdateMessageStatus(ctx context.Context, tenantID, externalID, status string) error {
	return d.db.WithContext(ctx).
		Model(&models.Message{}).
		Where("tenant_id = ? AND external_id = ?", tenantID, externalID).
		Update("status", status).Error
}

// CountMessages returns the number of stored messages for a conversation.
func (d *Database) CountMessages(ctx context.Context, conversationID uint) (int64, error) {
	var count int64
	err := d.db.WithContext(ctx).
		Model(&models.Message{}).
		Where("conversation_id = ?", conversationID).
		Count(&count).Error
	return count, err
}
