// Package api implements the HTTP control surface for tenant sessions.
package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/log"

	"github.com/chatdeck/wa-engine/models"
	"github.com/chatdeck/wa-engine/session"
	"github.com/chatdeck/wa-engine/transport"
)

// Handler exposes the session engine over HTTP.
type Handler struct {
	engine *session.Engine
}

func NewHandler(engine *session.Engine) *Handler {
	return &Handler{engine: engine}
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		log.Error().Err(err).Msg("api: failed to encode response")
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, models.APIResponse{Success: false, Error: msg})
}

func statusResponse(snap session.Snapshot) models.StatusResponse {
	return models.StatusResponse{
		Status:      snap.Status,
		QR:          snap.QR,
		PairingCode: snap.PairingCode,
		PhoneNumber: snap.PhoneNumber,
		Error:       snap.Error,
	}
}

// HandleConnect handles POST /connect/{tenantID}. The body is optional; a
// phoneNumber switches the pairing flow from QR to a numeric code.
func (h *Handler) HandleConnect(w http.ResponseWriter, r *http.Request) {
	tenantID := chi.URLParam(r, "tenantID")
	if tenantID == "" {
		writeError(w, http.StatusBadRequest, "tenant id is required")
		return
	}

	var req models.ConnectRequest
	if r.Body != nil && r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid JSON body")
			return
		}
	}

	snap, err := h.engine.Connect(r.Context(), tenantID, req.PhoneNumber)
	if err != nil {
		log.Error().Err(err).Str("tenant", tenantID).Msg("api: connect failed")
		writeError(w, http.StatusInternalServerError, "failed to start session")
		return
	}

	writeJSON(w, http.StatusOK, models.ConnectResponse{
		Success:        true,
		StatusResponse: statusResponse(snap),
	})
}

// HandleStatus handles GET /status/{tenantID}.
func (h *Handler) HandleStatus(w http.ResponseWriter, r *http.Request) {
	tenantID := chi.URLParam(r, "tenantID")
	if tenantID == "" {
		writeError(w, http.StatusBadRequest, "tenant id is required")
		return
	}

	snap := h.engine.Status(r.Context(), tenantID)
	writeJSON(w, http.StatusOK, statusResponse(snap))
}

// HandleSend handles POST /send/{tenantID}.
func (h *Handler) HandleSend(w http.ResponseWriter, r *http.Request) {
	tenantID := chi.URLParam(r, "tenantID")
	if tenantID == "" {
		writeError(w, http.StatusBadRequest, "tenant id is required")
		return
	}

	var req models.SendRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.PhoneNumber == "" || req.Message == "" {
		writeError(w, http.StatusBadRequest, "phoneNumber and message are required")
		return
	}

	messageID, err := h.engine.Send(r.Context(), tenantID, req.PhoneNumber, req.Message)
	if err != nil {
		if errors.Is(err, transport.ErrNotConnected) {
			writeError(w, http.StatusConflict, "session is not connected")
			return
		}
		log.Error().Err(err).Str("tenant", tenantID).Msg("api: send failed")
		writeError(w, http.StatusInternalServerError, "failed to send message")
		return
	}

	writeJSON(w, http.StatusOK, models.SendResponse{Success: true, MessageID: messageID})
}

// HandleDisconnect handles POST /disconnect/{tenantID}. It always discards
// the in-memory session; a transport logout failure is reported but the
// tenant still ends up disconnected.
func (h *Handler) HandleDisconnect(w http.ResponseWriter, r *http.Request) {
	tenantID := chi.URLParam(r, "tenantID")
	if tenantID == "" {
		writeError(w, http.StatusBadRequest, "tenant id is required")
		return
	}

	if err := h.engine.Disconnect(r.Context(), tenantID); err != nil {
		log.Warn().Err(err).Str("tenant", tenantID).Msg("api: disconnect finished with errors")
	}
	writeJSON(w, http.StatusOK, models.APIResponse{Success: true})
}
