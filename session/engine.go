package session

import (
	"context"
	"errors"

	"github.com/rs/zerolog/log"

	"github.com/chatdeck/wa-engine/credential"
	"github.com/chatdeck/wa-engine/models"
	"github.com/chatdeck/wa-engine/sink"
	"github.com/chatdeck/wa-engine/transport"
)

// Engine is the multi-tenant facade over sessions. All API handlers go
// through it.
type Engine struct {
	registry *Registry
	dialer   transport.Dialer
	creds    credential.Store
	sink     *sink.Sink
	opts     Options
}

func NewEngine(dialer transport.Dialer, creds credential.Store, snk *sink.Sink, opts Options) *Engine {
	return &Engine{
		registry: NewRegistry(),
		dialer:   dialer,
		creds:    creds,
		sink:     snk,
		opts:     opts.withDefaults(),
	}
}

// Connect starts the tenant's session, creating it if needed. Concurrent
// connects for the same tenant collapse onto one session, and a connect on a
// live session is a no-op that returns the current state.
func (e *Engine) Connect(ctx context.Context, tenantID, phoneNumber string) (Snapshot, error) {
	for {
		sess, existed := e.registry.GetOrCreate(tenantID, func() *Session {
			return newSession(tenantID, e.dialer, e.creds, e.sink, e.opts)
		})
		if !existed {
			log.Info().Str("tenant", tenantID).Msg("engine: session created")
		}
		snap, err := sess.Connect(ctx, phoneNumber)
		if errors.Is(err, ErrSessionClosed) {
			// The handle belongs to a session whose loop already exited
			// (a disconnect raced us); evict it and create a fresh one.
			e.registry.RemoveIf(tenantID, sess)
			continue
		}
		return snap, err
	}
}

// Status reports the tenant's session state. A tenant with no in-memory
// session is uninitialized; the durable record still contributes the phone
// number from an earlier pairing.
func (e *Engine) Status(ctx context.Context, tenantID string) Snapshot {
	if sess := e.registry.Get(tenantID); sess != nil {
		return sess.Status()
	}
	snap := Snapshot{Status: models.StatusUninitialized}
	creds, err := e.creds.Load(ctx, tenantID)
	if err != nil {
		log.Error().Err(err).Str("tenant", tenantID).Msg("engine: failed to load credentials for status")
		return snap
	}
	if creds != nil {
		snap.PhoneNumber = creds.PhoneNumber
	}
	return snap
}

// Send delivers a text message through the tenant's connected session.
func (e *Engine) Send(ctx context.Context, tenantID, to, text string) (string, error) {
	sess := e.registry.Get(tenantID)
	if sess == nil {
		return "", transport.ErrNotConnected
	}
	return sess.Send(ctx, to, text)
}

// Disconnect logs the tenant out and discards the session. The registry
// entry is removed even when transport logout fails, so a half-failed logout
// never wedges the tenant.
func (e *Engine) Disconnect(ctx context.Context, tenantID string) error {
	sess := e.registry.Get(tenantID)
	if sess == nil {
		return nil
	}
	err := sess.Disconnect(ctx)
	e.registry.RemoveIf(tenantID, sess)
	if err != nil {
		log.Warn().Err(err).Str("tenant", tenantID).Msg("engine: disconnect completed with errors")
	}
	return err
}

// Restore re-establishes sessions for every tenant that was connected when
// the process last stopped. Failures are logged per tenant and do not block
// the rest.
func (e *Engine) Restore(ctx context.Context) {
	tenants, err := e.creds.ConnectedTenants(ctx)
	if err != nil {
		log.Error().Err(err).Msg("engine: failed to list tenants for restore")
		return
	}
	for _, tenantID := range tenants {
		snap, err := e.Connect(ctx, tenantID, "")
		if err != nil || snap.Status == models.StatusError {
			log.Error().Err(err).Str("tenant", tenantID).Str("status", string(snap.Status)).Msg("engine: restore failed")
			if err := e.creds.SetConnected(ctx, tenantID, "", false); err != nil {
				log.Error().Err(err).Str("tenant", tenantID).Msg("engine: failed to clear connected flag")
			}
			continue
		}
		log.Info().Str("tenant", tenantID).Str("status", string(snap.Status)).Msg("engine: session restored")
	}
}

// Shutdown tears down every live socket without logging out, so sessions can
// be restored on the next boot.
func (e *Engine) Shutdown() {
	for _, sess := range e.registry.All() {
		sess.Stop()
	}
}
