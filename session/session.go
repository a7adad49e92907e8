package session

import (
	"context"
	"encoding/base64"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/skip2/go-qrcode"

	"github.com/chatdeck/wa-engine/credential"
	"github.com/chatdeck/wa-engine/models"
	"github.com/chatdeck/wa-engine/sink"
	"github.com/chatdeck/wa-engine/transport"
)

// ErrSessionClosed is returned when a command reaches a session whose loop
// has already exited.
var ErrSessionClosed = errors.New("session: closed")

// Options tune the per-tenant connection lifecycle.
type Options struct {
	ReconnectDelay time.Duration
	ConnectTimeout time.Duration
	LogoutTimeout  time.Duration
}

func (o Options) withDefaults() Options {
	if o.ReconnectDelay <= 0 {
		o.ReconnectDelay = 5 * time.Second
	}
	if o.ConnectTimeout <= 0 {
		o.ConnectTimeout = 60 * time.Second
	}
	if o.LogoutTimeout <= 0 {
		o.LogoutTimeout = 10 * time.Second
	}
	return o
}

// Snapshot is the externally visible session state, readable at any time
// without touching the owning goroutine.
type Snapshot struct {
	Status      models.SessionStatus
	QR          string // data:image/png;base64 URL of the current pairing QR
	PairingCode string
	PhoneNumber string
	Error       string
}

// Session owns one tenant's transport connection. A single goroutine applies
// all state transitions, so transitions are strictly ordered per tenant.
type Session struct {
	tenantID string
	dialer   transport.Dialer
	creds    credential.Store
	sink     *sink.Sink
	opts     Options

	cmds chan interface{}
	done chan struct{}

	mu   sync.RWMutex
	snap Snapshot
}

type connectCmd struct {
	phone string
	reply chan Snapshot
}

type sendCmd struct {
	ctx      context.Context
	to, text string
	reply    chan sendResult
}

type sendResult struct {
	messageID string
	err       error
}

type disconnectCmd struct {
	ctx   context.Context
	reply chan error
}

type stopCmd struct {
	reply chan struct{}
}

// evtCmd funnels events produced outside the transport stream (pairing-code
// requests, synthesized timeouts) into the owning goroutine.
type evtCmd struct {
	evt transport.Event
}

func newSession(tenantID string, dialer transport.Dialer, creds credential.Store, snk *sink.Sink, opts Options) *Session {
	s := &Session{
		tenantID: tenantID,
		dialer:   dialer,
		creds:    creds,
		sink:     snk,
		opts:     opts.withDefaults(),
		cmds:     make(chan interface{}, 16),
		done:     make(chan struct{}),
		snap:     Snapshot{Status: models.StatusUninitialized},
	}
	go s.run()
	return s
}

// Status returns the current snapshot.
func (s *Session) Status() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.snap
}

// Connect starts (or re-starts) the connection. If an attempt is already in
// flight or the session is connected, it returns the current snapshot without
// touching the transport.
func (s *Session) Connect(ctx context.Context, phone string) (Snapshot, error) {
	reply := make(chan Snapshot, 1)
	select {
	case s.cmds <- connectCmd{phone: phone, reply: reply}:
	case <-s.done:
		return s.Status(), ErrSessionClosed
	case <-ctx.Done():
		return Snapshot{}, ctx.Err()
	}
	select {
	case snap := <-reply:
		return snap, nil
	case <-s.done:
		return s.Status(), ErrSessionClosed
	case <-ctx.Done():
		return Snapshot{}, ctx.Err()
	}
}

// Send delivers a text message through the live connection. It does not
// queue: without a connected transport it fails with ErrNotConnected.
func (s *Session) Send(ctx context.Context, to, text string) (string, error) {
	reply := make(chan sendResult, 1)
	select {
	case s.cmds <- sendCmd{ctx: ctx, to: to, text: text, reply: reply}:
	case <-s.done:
		return "", transport.ErrNotConnected
	case <-ctx.Done():
		return "", ctx.Err()
	}
	select {
	case res := <-reply:
		return res.messageID, res.err
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

// Disconnect logs the session out, wipes its credentials and stops the loop.
// It waits for transport logout completion, bounded by LogoutTimeout.
func (s *Session) Disconnect(ctx context.Context) error {
	reply := make(chan error, 1)
	select {
	case s.cmds <- disconnectCmd{ctx: ctx, reply: reply}:
	case <-s.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-reply:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Stop tears down the socket without logging out, keeping credentials so the
// session can be restored after a process restart.
func (s *Session) Stop() {
	reply := make(chan struct{})
	select {
	case s.cmds <- stopCmd{reply: reply}:
		<-reply
	case <-s.done:
	}
}

// loopState is mutable only from the run goroutine.
type loopState struct {
	conn         transport.Conn
	events       <-chan transport.Event
	pendingPhone string

	reconnectTimer *time.Timer
	reconnectC     <-chan time.Time
	connectTimer   *time.Timer
	connectC       <-chan time.Time
}

func (s *Session) run() {
	defer close(s.done)
	ls := &loopState{}

	for {
		select {
		case cmd := <-s.cmds:
			switch c := cmd.(type) {
			case connectCmd:
				s.handleConnect(ls, c)
			case sendCmd:
				s.handleSend(ls, c)
			case disconnectCmd:
				s.handleDisconnect(ls, c)
				return
			case stopCmd:
				s.stopTimers(ls)
				if ls.conn != nil {
					ls.conn.Disconnect()
				}
				close(c.reply)
				return
			case evtCmd:
				s.applyEvent(ls, c.evt)
			}

		case evt := <-ls.events:
			s.applyEvent(ls, evt)

		case <-ls.reconnectC:
			ls.reconnectTimer = nil
			ls.reconnectC = nil
			log.Info().Str("tenant", s.tenantID).Msg("session: reconnecting")
			s.startDial(ls)

		case <-ls.connectC:
			ls.connectTimer = nil
			ls.connectC = nil
			s.applyEvent(ls, transport.CloseEvent{
				Reason: transport.CloseRecoverable,
				Err:    errors.New("connection attempt timed out"),
			})
		}
	}
}

func (s *Session) handleConnect(ls *loopState, cmd connectCmd) {
	snap := s.Status()
	if snap.Status.Live() {
		// Second connect while live: return the current artifact, do not
		// touch the transport.
		cmd.reply <- snap
		return
	}

	s.stopTimers(ls)
	ls.pendingPhone = cmd.phone
	s.startDial(ls)
	cmd.reply <- s.Status()
}

func (s *Session) startDial(ls *loopState) {
	s.setSnap(Snapshot{Status: models.StatusInitializing, PhoneNumber: s.Status().PhoneNumber})

	ctx, cancel := context.WithTimeout(context.Background(), s.opts.ConnectTimeout)
	conn, err := s.dialer.Dial(ctx, s.tenantID)
	cancel()
	if err != nil {
		log.Error().Err(err).Str("tenant", s.tenantID).Msg("session: transport init failed")
		s.setSnap(Snapshot{Status: models.StatusError, Error: err.Error()})
		return
	}

	ls.conn = conn
	ls.events = conn.Events()

	if err := conn.Connect(context.Background()); err != nil {
		log.Error().Err(err).Str("tenant", s.tenantID).Msg("session: transport connect failed")
		conn.Disconnect()
		ls.conn = nil
		ls.events = nil
		s.setSnap(Snapshot{Status: models.StatusError, Error: err.Error()})
		return
	}

	ls.connectTimer = time.NewTimer(s.opts.ConnectTimeout)
	ls.connectC = ls.connectTimer.C

	if ls.pendingPhone != "" {
		go s.requestPairingCode(conn, ls.pendingPhone)
	}
}

// requestPairingCode runs off-loop because the code request is a network
// round trip; the result funnels back through the command channel.
func (s *Session) requestPairingCode(conn transport.Conn, phone string) {
	ctx, cancel := context.WithTimeout(context.Background(), s.opts.ConnectTimeout)
	defer cancel()
	code, err := conn.PairPhone(ctx, phone)
	if err != nil {
		log.Error().Err(err).Str("tenant", s.tenantID).Msg("session: pairing code request failed")
		s.postEvent(transport.CloseEvent{Reason: transport.CloseRecoverable, Err: err})
		return
	}
	s.postEvent(transport.PairingCodeEvent{Code: code})
}

func (s *Session) postEvent(evt transport.Event) {
	select {
	case s.cmds <- evtCmd{evt: evt}:
	case <-s.done:
	}
}

func (s *Session) handleSend(ls *loopState, cmd sendCmd) {
	if ls.conn == nil || s.Status().Status != models.StatusConnected {
		cmd.reply <- sendResult{err: transport.ErrNotConnected}
		return
	}

	id, err := ls.conn.SendText(cmd.ctx, cmd.to, cmd.text)
	if err != nil {
		cmd.reply <- sendResult{err: err}
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	if err := s.sink.RecordOutbound(ctx, s.tenantID, cmd.to, cmd.text, id); err != nil {
		log.Error().Err(err).Str("tenant", s.tenantID).Msg("session: failed to record outbound message")
	}
	cancel()

	cmd.reply <- sendResult{messageID: id}
}

func (s *Session) handleDisconnect(ls *loopState, cmd disconnectCmd) {
	s.stopTimers(ls)

	if ls.conn != nil {
		ctx, cancel := context.WithTimeout(cmd.ctx, s.opts.LogoutTimeout)
		if err := ls.conn.Logout(ctx); err != nil {
			log.Warn().Err(err).Str("tenant", s.tenantID).Msg("session: transport logout failed")
		}
		cancel()
		ls.conn.Disconnect()
		ls.conn = nil
		ls.events = nil
	}

	// Explicit logout destroys the stored identity; the next connect starts
	// a fresh pairing flow.
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	err := s.dialer.Wipe(ctx, s.tenantID)
	cancel()

	s.setSnap(Snapshot{Status: models.StatusDisconnected})
	cmd.reply <- err
}

func (s *Session) applyEvent(ls *loopState, evt transport.Event) {
	if msg, ok := evt.(transport.MessageEvent); ok {
		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		s.sink.Consume(ctx, s.tenantID, msg)
		cancel()
		return
	}

	status := s.Status().Status
	next, act := transition(status, evt)

	s.mu.Lock()
	s.snap.Status = next
	s.snap.Error = ""
	if act.clearArtifacts {
		s.snap.QR = ""
		s.snap.PairingCode = ""
	}
	if act.setArtifact {
		switch e := evt.(type) {
		case transport.QREvent:
			if len(e.Codes) > 0 {
				s.snap.QR = qrDataURL(e.Codes[0])
				s.snap.PairingCode = ""
			}
		case transport.PairingCodeEvent:
			s.snap.PairingCode = e.Code
			s.snap.QR = ""
		}
	}
	if open, ok := evt.(transport.OpenEvent); ok {
		s.snap.PhoneNumber = open.PhoneNumber
		ls.pendingPhone = ""
	}
	snap := s.snap
	s.mu.Unlock()

	// Leaving the initializing phase disarms the connect timeout; from here
	// failure is visible as a pairing expiry or a close event.
	if next != models.StatusInitializing && ls.connectTimer != nil {
		ls.connectTimer.Stop()
		ls.connectTimer = nil
		ls.connectC = nil
	}

	if act.dropConn && ls.conn != nil {
		ls.conn.Disconnect()
		ls.conn = nil
		ls.events = nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if act.persistConnected {
		if err := s.creds.SetConnected(ctx, s.tenantID, snap.PhoneNumber, true); err != nil {
			log.Error().Err(err).Str("tenant", s.tenantID).Msg("session: failed to persist connected state")
		}
		log.Info().Str("tenant", s.tenantID).Str("phone", snap.PhoneNumber).Msg("session: connected")
	}
	if act.persistDisconnected && !act.wipeCredentials {
		if err := s.creds.SetConnected(ctx, s.tenantID, "", false); err != nil {
			log.Error().Err(err).Str("tenant", s.tenantID).Msg("session: failed to persist disconnected state")
		}
	}
	if act.wipeCredentials {
		if err := s.dialer.Wipe(ctx, s.tenantID); err != nil {
			log.Error().Err(err).Str("tenant", s.tenantID).Msg("session: failed to wipe credentials")
		}
		log.Info().Str("tenant", s.tenantID).Msg("session: logged out, credentials wiped")
	}
	if act.scheduleReconnect {
		ls.reconnectTimer = time.NewTimer(s.opts.ReconnectDelay)
		ls.reconnectC = ls.reconnectTimer.C
		log.Info().Str("tenant", s.tenantID).Dur("delay", s.opts.ReconnectDelay).Msg("session: reconnect scheduled")
	}
}

func (s *Session) stopTimers(ls *loopState) {
	if ls.reconnectTimer != nil {
		ls.reconnectTimer.Stop()
		ls.reconnectTimer = nil
		ls.reconnectC = nil
	}
	if ls.connectTimer != nil {
		ls.connectTimer.Stop()
		ls.connectTimer = nil
		ls.connectC = nil
	}
}

func (s *Session) setSnap(snap Snapshot) {
	s.mu.Lock()
	s.snap = snap
	s.mu.Unlock()
}

func qrDataURL(code string) string {
	png, err := qrcode.Encode(code, qrcode.Medium, 256)
	if err != nil {
		log.Error().Err(err).Msg("session: failed to render QR code")
		return ""
	}
	return "data:image/png;base64," + base64.StdEncoding.EncodeToString(png)
}
