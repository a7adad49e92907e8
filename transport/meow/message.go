package meow

import (
	waProto "go.mau.fi/whatsmeow/proto/waE2E"
	"go.mau.fi/whatsmeow/types"
	"go.mau.fi/whatsmeow/types/events"

	"github.com/chatdeck/wa-engine/transport"
)

// normalizeMessage flattens a whatsmeow message event into the transport's
// carrier-neutral shape.
func normalizeMessage(evt *events.Message) transport.MessageEvent {
	chat := evt.Info.Chat

	chatID := chat.User
	if evt.Info.IsGroup {
		chatID = chat.String()
	}

	return transport.MessageEvent{
		MessageID: evt.Info.ID,
		ChatID:    chatID,
		SenderID:  evt.Info.Sender.User,
		PushName:  evt.Info.PushName,
		Kind:      messageKind(evt.Message),
		Text:      messageText(evt.Message),
		MediaRef:  mediaRef(evt.Message),
		FromMe:    evt.Info.IsFromMe,
		Broadcast: chat.Server == types.BroadcastServer || chat.Server == types.NewsletterServer,
		Group:     evt.Info.IsGroup,
		Timestamp: evt.Info.Timestamp,
	}
}

func messageKind(msg *waProto.Message) string {
	switch {
	case msg == nil:
		return "unknown"
	case msg.Conversation != nil || msg.ExtendedTextMessage != nil:
		return "text"
	case msg.ImageMessage != nil:
		return "image"
	case msg.VideoMessage != nil:
		return "video"
	case msg.AudioMessage != nil:
		return "audio"
	case msg.DocumentMessage != nil:
		return "document"
	case msg.StickerMessage != nil:
		return "sticker"
	case msg.ContactMessage != nil:
		return "contact"
	case msg.LocationMessage != nil:
		return "location"
	default:
		return "unknown"
	}
}

func messageText(msg *waProto.Message) string {
	if msg == nil {
		return ""
	}
	if msg.Conversation != nil {
		return *msg.Conversation
	}
	if msg.ExtendedTextMessage != nil && msg.ExtendedTextMessage.Text != nil {
		return *msg.ExtendedTextMessage.Text
	}
	return ""
}

func mediaRef(msg *waProto.Message) string {
	if msg == nil {
		return ""
	}
	if msg.ImageMessage != nil && msg.ImageMessage.URL != nil {
		return *msg.ImageMessage.URL
	}
	if msg.VideoMessage != nil && msg.VideoMessage.URL != nil {
		return *msg.VideoMessage.URL
	}
	if msg.AudioMessage != nil && msg.AudioMessage.URL != nil {
		return *msg.AudioMessage.URL
	}
	if msg.DocumentMessage != nil && msg.DocumentMessage.URL != nil {
		return *msg.DocumentMessage.URL
	}
	return ""
}
