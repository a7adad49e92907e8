package meow

import (
	"context"
	"errors"
	"os"
	"strings"
	"sync"

	"github.com/mdp/qrterminal/v3"
	"github.com/rs/zerolog/log"
	"go.mau.fi/whatsmeow"
	waProto "go.mau.fi/whatsmeow/proto/waE2E"
	"go.mau.fi/whatsmeow/types"
	"go.mau.fi/whatsmeow/types/events"
	"google.golang.org/protobuf/proto"

	"github.com/chatdeck/wa-engine/transport"
)

// conn adapts one whatsmeow client to the transport.Conn contract.
type conn struct {
	tenantID string
	client   *whatsmeow.Client
	dialer   *Dialer
	events   chan transport.Event

	mu       sync.Mutex
	disposed bool
}

func newConn(tenantID string, client *whatsmeow.Client, dialer *Dialer) *conn {
	return &conn{
		tenantID: tenantID,
		client:   client,
		dialer:   dialer,
		events:   make(chan transport.Event, 64),
	}
}

func (c *conn) Connect(ctx context.Context) error {
	if c.client.Store.ID == nil {
		// Unpaired device: the QR channel must be requested before the
		// socket starts.
		qrChan, err := c.client.GetQRChannel(ctx)
		if err != nil {
			return err
		}
		go c.pumpQR(qrChan)
	}
	return c.client.Connect()
}

func (c *conn) PairPhone(ctx context.Context, phoneNumber string) (string, error) {
	return c.client.PairPhone(ctx, phoneNumber, true, whatsmeow.PairClientChrome, "Chrome (Linux)")
}

func (c *conn) SendText(ctx context.Context, contactID, text string) (string, error) {
	if !c.client.IsConnected() || !c.client.IsLoggedIn() {
		return "", transport.ErrNotConnected
	}

	jid, err := parseContact(contactID)
	if err != nil {
		return "", err
	}

	resp, err := c.client.SendMessage(ctx, jid, &waProto.Message{
		Conversation: proto.String(text),
	})
	if err != nil {
		return "", err
	}
	return string(resp.ID), nil
}

func (c *conn) Logout(ctx context.Context) error {
	return c.client.Logout(ctx)
}

func (c *conn) Disconnect() {
	c.mu.Lock()
	c.disposed = true
	c.mu.Unlock()
	c.client.Disconnect()
}

func (c *conn) Events() <-chan transport.Event {
	return c.events
}

// emit delivers an event without ever blocking whatsmeow's dispatch
// goroutine; the session loop normally drains faster than events arrive.
func (c *conn) emit(evt transport.Event) {
	c.mu.Lock()
	disposed := c.disposed
	c.mu.Unlock()
	if disposed {
		return
	}
	select {
	case c.events <- evt:
	default:
		log.Warn().Str("tenant", c.tenantID).Msg("meow: event buffer full, dropping event")
	}
}

func (c *conn) pumpQR(qrChan <-chan whatsmeow.QRChannelItem) {
	for evt := range qrChan {
		switch evt.Event {
		case "code":
			if c.dialer.qrTerminal {
				qrterminal.GenerateHalfBlock(evt.Code, qrterminal.L, os.Stdout)
			}
			c.emit(transport.QREvent{Codes: []string{evt.Code}})
		case "timeout":
			c.emit(transport.CloseEvent{
				Reason: transport.CloseRecoverable,
				Err:    errors.New("pairing window timed out"),
			})
		case "success":
			// Login completes; the Connected event carries the open signal.
		}
	}
}

func (c *conn) handleEvent(raw interface{}) {
	switch evt := raw.(type) {
	case *events.Connected:
		c.onConnected()
	case *events.PairSuccess:
		log.Info().Str("tenant", c.tenantID).Str("jid", evt.ID.String()).Msg("meow: paired")
	case *events.Disconnected:
		c.emit(transport.CloseEvent{Reason: transport.CloseRecoverable})
	case *events.StreamReplaced:
		c.emit(transport.CloseEvent{
			Reason: transport.CloseRecoverable,
			Err:    errors.New("stream replaced by another client"),
		})
	case *events.TemporaryBan:
		c.emit(transport.CloseEvent{
			Reason: transport.CloseRecoverable,
			Err:    errors.New("temporarily banned"),
		})
	case *events.LoggedOut:
		c.emit(transport.CloseEvent{Reason: transport.CloseLoggedOut})
	case *events.Message:
		c.emit(normalizeMessage(evt))
	}
}

func (c *conn) onConnected() {
	dev := c.client.Store
	if err := c.dialer.onLoggedIn(c.tenantID, dev); err != nil {
		log.Error().Err(err).Str("tenant", c.tenantID).Msg("meow: failed to persist registration")
	}

	open := transport.OpenEvent{}
	if dev.ID != nil {
		open.PhoneNumber = dev.ID.User
		open.JID = dev.ID.String()
	}
	c.emit(open)
}

func parseContact(contactID string) (types.JID, error) {
	if strings.ContainsRune(contactID, '@') {
		return types.ParseJID(contactID)
	}
	return types.NewJID(contactID, types.DefaultUserServer), nil
}
