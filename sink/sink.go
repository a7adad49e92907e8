// Package sink fans inbound protocol events out into the conversation store:
// atomic conversation upserts plus append-only message rows.
package sink

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/chatdeck/wa-engine/database"
	"github.com/chatdeck/wa-engine/models"
	"github.com/chatdeck/wa-engine/transport"
)

// Sink writes normalized chat events into the conversation store.
type Sink struct {
	db *database.Database
}

func New(db *database.Database) *Sink {
	return &Sink{db: db}
}

// Consume processes one inbound event, logging and dropping it on failure.
// Delivery already succeeded on the sender's side, so a dropped write beats
// blocking the event stream.
func (s *Sink) Consume(ctx context.Context, tenantID string, evt transport.MessageEvent) {
	if err := s.HandleInbound(ctx, tenantID, evt); err != nil {
		log.Error().Err(err).
			Str("tenant", tenantID).
			Str("message_id", evt.MessageID).
			Msg("sink: dropping inbound event")
	}
}

// HandleInbound resolves the conversation, bumps its unread counter and
// appends the message row. Self-sent and broadcast/status events are skipped.
func (s *Sink) HandleInbound(ctx context.Context, tenantID string, evt transport.MessageEvent) error {
	if evt.FromMe || evt.Broadcast {
		return nil
	}

	displayName := ""
	if !evt.Group {
		displayName = evt.PushName
	}

	text := renderContent(evt)

	conv, err := s.db.UpsertInboundConversation(ctx, tenantID, evt.ChatID, displayName, text, evt.Timestamp)
	if err != nil {
		return err
	}
	if conv == nil {
		return fmt.Errorf("conversation missing after upsert for %s/%s", tenantID, evt.ChatID)
	}

	return s.db.InsertMessage(ctx, &models.Message{
		ConversationID: conv.ID,
		TenantID:       tenantID,
		ExternalID:     evt.MessageID,
		Direction:      models.DirectionInbound,
		Content:        text,
		MediaRef:       evt.MediaRef,
		Status:         models.MessageStatusReceived,
		CreatedAt:      evt.Timestamp,
	})
}

// RecordOutbound stores a sent message and refreshes the conversation's
// last-message preview without touching unread_count.
func (s *Sink) RecordOutbound(ctx context.Context, tenantID, contactID, text, messageID string) error {
	now := time.Now()
	conv, err := s.db.TouchOutboundConversation(ctx, tenantID, contactID, text, now)
	if err != nil {
		return err
	}
	if conv == nil {
		return fmt.Errorf("conversation missing after upsert for %s/%s", tenantID, contactID)
	}

	return s.db.InsertMessage(ctx, &models.Message{
		ConversationID: conv.ID,
		TenantID:       tenantID,
		ExternalID:     messageID,
		Direction:      models.DirectionOutbound,
		Content:        text,
		Status:         models.MessageStatusSent,
		CreatedAt:      now,
	})
}

// renderContent picks the stored text: the message body for text events, a
// placeholder for media and anything unsupported.
func renderContent(evt transport.MessageEvent) string {
	if evt.Text != "" {
		return evt.Text
	}
	switch evt.Kind {
	case "image", "video", "audio", "document", "sticker", "contact", "location":
		return "[" + evt.Kind + "]"
	default:
		return "[unsupported message]"
	}
}
