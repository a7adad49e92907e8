// Package transport defines the boundary to the WhatsApp multi-device
// protocol library. The connection engine drives Conn handles and consumes
// their event streams; the production implementation lives in transport/meow.
package transport

import (
	"context"
	"errors"
	"time"
)

// ErrNotConnected is returned when an operation needs a live, logged-in
// connection and there is none.
var ErrNotConnected = errors.New("transport: not connected")

// CloseReason classifies why a connection closed, deciding reconnect versus
// terminate.
type CloseReason int

const (
	// CloseRecoverable covers transient network closes; the engine schedules
	// one reconnect attempt.
	CloseRecoverable CloseReason = iota
	// CloseLoggedOut means the remote end invalidated our credentials; the
	// session terminates and credentials are purged.
	CloseLoggedOut
)

func (r CloseReason) String() string {
	if r == CloseLoggedOut {
		return "logged_out"
	}
	return "recoverable"
}

// Event is one item of a connection's event stream. Concrete types: QREvent,
// PairingCodeEvent, OpenEvent, CloseEvent, MessageEvent.
type Event interface {
	isTransportEvent()
}

// QREvent carries a fresh batch of scannable pairing codes. The transport
// rotates codes periodically while pairing is outstanding.
type QREvent struct {
	Codes []string
}

// PairingCodeEvent carries the numeric phone-pairing code.
type PairingCodeEvent struct {
	Code string
}

// OpenEvent signals a logged-in, usable connection.
type OpenEvent struct {
	PhoneNumber string
	JID         string
}

// CloseEvent signals that the connection is gone.
type CloseEvent struct {
	Reason CloseReason
	Err    error
}

// MessageEvent is one normalized inbound chat event.
type MessageEvent struct {
	MessageID string
	ChatID    string // contact phone number or group identifier
	SenderID  string
	PushName  string
	Kind      string // "text", "image", "video", ...
	Text      string
	MediaRef  string
	FromMe    bool
	Broadcast bool // status/broadcast channel
	Group     bool
	Timestamp time.Time
}

func (QREvent) isTransportEvent()          {}
func (PairingCodeEvent) isTransportEvent() {}
func (OpenEvent) isTransportEvent()        {}
func (CloseEvent) isTransportEvent()       {}
func (MessageEvent) isTransportEvent()     {}

// Conn is one tenant's protocol connection. All methods are safe for use from
// the single goroutine that owns the session.
type Conn interface {
	// Connect starts the socket. For an unpaired tenant the event stream will
	// carry QREvents (or a PairingCodeEvent after PairPhone) until login.
	Connect(ctx context.Context) error
	// PairPhone requests a numeric pairing code for the given phone number
	// instead of a QR. Must be called after Connect on an unpaired session.
	PairPhone(ctx context.Context, phoneNumber string) (string, error)
	// SendText sends a text message and returns the protocol message ID.
	SendText(ctx context.Context, contactID, text string) (string, error)
	// Logout invalidates the session server-side.
	Logout(ctx context.Context) error
	// Disconnect tears down the socket without logging out.
	Disconnect()
	// Events returns the connection's event stream. The channel is never
	// closed; after Disconnect no further events are delivered.
	Events() <-chan Event
}

// Dialer creates tenant connections and owns their durable protocol state.
type Dialer interface {
	// Dial builds a Conn for the tenant, restoring stored credentials when
	// present. It does not start the socket.
	Dial(ctx context.Context, tenantID string) (Conn, error)
	// Wipe destroys all stored protocol state for the tenant so the next Dial
	// starts a fresh pairing flow.
	Wipe(ctx context.Context, tenantID string) error
}
