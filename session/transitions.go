package session

import (
	"github.com/chatdeck/wa-engine/models"
	"github.com/chatdeck/wa-engine/transport"
)

// actions are the side effects a transition asks the session loop to perform.
// Keeping the transition pure makes the state machine testable without a live
// transport.
type actions struct {
	persistConnected    bool // write phone number + last_connected_at, set flag
	persistDisconnected bool // clear the durable connection flag
	scheduleReconnect   bool // arm the one-shot reconnect timer
	wipeCredentials     bool // purge credentials and key material
	clearArtifacts      bool // drop cached QR / pairing code
	setArtifact         bool // cache the event's QR / pairing code
	dropConn            bool // the transport connection is gone
}

// transition computes the next status and side effects for one transport
// event. Transitions for a single tenant are strictly ordered because the
// owning goroutine applies them one at a time.
func transition(status models.SessionStatus, evt transport.Event) (models.SessionStatus, actions) {
	switch e := evt.(type) {
	case transport.QREvent:
		if status == models.StatusInitializing || status == models.StatusAwaitingQR {
			return models.StatusAwaitingQR, actions{setArtifact: true}
		}
		return status, actions{}

	case transport.PairingCodeEvent:
		if status == models.StatusInitializing || status == models.StatusAwaitingPairingCode ||
			status == models.StatusAwaitingQR {
			return models.StatusAwaitingPairingCode, actions{setArtifact: true}
		}
		return status, actions{}

	case transport.OpenEvent:
		return models.StatusConnected, actions{
			persistConnected: true,
			clearArtifacts:   true,
		}

	case transport.CloseEvent:
		if e.Reason == transport.CloseLoggedOut {
			return models.StatusLoggedOut, actions{
				persistDisconnected: true,
				wipeCredentials:     true,
				clearArtifacts:      true,
				dropConn:            true,
			}
		}
		a := actions{
			persistDisconnected: true,
			clearArtifacts:      true,
			dropConn:            true,
		}
		// Auto-retry only when an established or establishing connection
		// dropped. A close while a pairing artifact is outstanding means the
		// pairing window lapsed; redialing unattended would loop forever.
		if status == models.StatusConnected || status == models.StatusInitializing {
			a.scheduleReconnect = true
		}
		return models.StatusDisconnected, a
	}

	return status, actions{}
}
