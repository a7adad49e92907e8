package models

// SessionStatus is the lifecycle state of a tenant's WhatsApp session.
type SessionStatus string

const (
	StatusUninitialized       SessionStatus = "uninitialized"
	StatusInitializing        SessionStatus = "initializing"
	StatusAwaitingQR          SessionStatus = "awaiting_qr"
	StatusAwaitingPairingCode SessionStatus = "awaiting_pairing_code"
	StatusConnected           SessionStatus = "connected"
	StatusDisconnected        SessionStatus = "disconnected"
	StatusLoggedOut           SessionStatus = "logged_out"
	StatusError               SessionStatus = "error"
)

// Live reports whether a transport connection attempt is in flight or open.
// A second connect() while Live is a no-op.
func (s SessionStatus) Live() bool {
	switch s {
	case StatusInitializing, StatusAwaitingQR, StatusAwaitingPairingCode, StatusConnected:
		return true
	}
	return false
}

// ConnectRequest is the body of POST /connect/{tenantID}. When PhoneNumber is
// set the session requests a numeric pairing code instead of a QR.
type ConnectRequest struct {
	PhoneNumber string `json:"phoneNumber,omitempty"`
}

// SendRequest is the body of POST /send/{tenantID}.
type SendRequest struct {
	PhoneNumber string `json:"phoneNumber"`
	Message     string `json:"message"`
}

// StatusResponse is returned by GET /status/{tenantID}.
type StatusResponse struct {
	Status      SessionStatus `json:"status"`
	QR          string        `json:"qr,omitempty"` // data:image/png;base64 URL
	PairingCode string        `json:"pairingCode,omitempty"`
	PhoneNumber string        `json:"phoneNumber,omitempty"`
	Error       string        `json:"error,omitempty"`
}

// ConnectResponse is returned by POST /connect/{tenantID}: the success flag
// plus the session state as it stands after the call.
type ConnectResponse struct {
	Success bool `json:"success"`
	StatusResponse
}

// SendResponse is returned by POST /send/{tenantID} on success.
type SendResponse struct {
	Success   bool   `json:"success"`
	MessageID string `json:"messageId,omitempty"`
}

// APIResponse is the generic success/error envelope.
type APIResponse struct {
	Success bool   `json:"success"`
	Error   string `json:"error,omitempty"`
}
