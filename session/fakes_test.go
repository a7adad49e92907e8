package session

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/chatdeck/wa-engine/credential"
	"github.com/chatdeck/wa-engine/database"
	"github.com/chatdeck/wa-engine/sink"
	"github.com/chatdeck/wa-engine/transport"
)

// fakeConn is a scriptable transport connection. Tests drive it by pushing
// events onto its channel.
type fakeConn struct {
	mu         sync.Mutex
	events     chan transport.Event
	connectErr error
	pairCode   string
	pairErr    error
	sendID     string
	sendErr    error

	connected    bool
	loggedOut    bool
	disconnected bool
	sent         [][2]string
}

func newFakeConn() *fakeConn {
	return &fakeConn{
		events:   make(chan transport.Event, 16),
		pairCode: "ABCD-1234",
		sendID:   "3EB0F00D",
	}
}

func (c *fakeConn) Connect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.connectErr != nil {
		return c.connectErr
	}
	c.connected = true
	return nil
}

func (c *fakeConn) PairPhone(ctx context.Context, phone string) (string, error) {
	if c.pairErr != nil {
		return "", c.pairErr
	}
	return c.pairCode, nil
}

func (c *fakeConn) SendText(ctx context.Context, to, text string) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sendErr != nil {
		return "", c.sendErr
	}
	c.sent = append(c.sent, [2]string{to, text})
	return c.sendID, nil
}

func (c *fakeConn) Logout(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.loggedOut = true
	return nil
}

func (c *fakeConn) Disconnect() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.disconnected = true
}

func (c *fakeConn) Events() <-chan transport.Event { return c.events }

func (c *fakeConn) push(evt transport.Event) { c.events <- evt }

func (c *fakeConn) wasLoggedOut() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.loggedOut
}

// fakeDialer hands out a fresh fakeConn per dial and records wipes.
type fakeDialer struct {
	mu      sync.Mutex
	dialErr error
	conns   []*fakeConn
	wipes   []string
}

func (d *fakeDialer) Dial(ctx context.Context, tenantID string) (transport.Conn, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.dialErr != nil {
		return nil, d.dialErr
	}
	conn := newFakeConn()
	d.conns = append(d.conns, conn)
	return conn, nil
}

func (d *fakeDialer) Wipe(ctx context.Context, tenantID string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.wipes = append(d.wipes, tenantID)
	return nil
}

func (d *fakeDialer) dials() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.conns)
}

func (d *fakeDialer) conn(i int) *fakeConn {
	d.mu.Lock()
	defer d.mu.Unlock()
	if i >= len(d.conns) {
		return nil
	}
	return d.conns[i]
}

func (d *fakeDialer) wiped() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string(nil), d.wipes...)
}

// fakeStore records durable-state calls without a database.
type fakeStore struct {
	mu        sync.Mutex
	connected map[string]bool
	phones    map[string]string
	restore   []string
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		connected: make(map[string]bool),
		phones:    make(map[string]string),
	}
}

func (s *fakeStore) Load(ctx context.Context, tenantID string) (*credential.Credentials, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	phone, ok := s.phones[tenantID]
	if !ok {
		return nil, nil
	}
	return &credential.Credentials{
		TenantID:    tenantID,
		Connected:   s.connected[tenantID],
		PhoneNumber: phone,
	}, nil
}

func (s *fakeStore) SaveCredentials(ctx context.Context, tenantID string, blob []byte) error {
	return nil
}

func (s *fakeStore) SetConnected(ctx context.Context, tenantID, phoneNumber string, connected bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.connected[tenantID] = connected
	if connected {
		s.phones[tenantID] = phoneNumber
	}
	return nil
}

func (s *fakeStore) GetKeys(ctx context.Context, tenantID string, typ credential.KeyType, ids []string) (map[string][]byte, error) {
	return map[string][]byte{}, nil
}

func (s *fakeStore) SetKeys(tenantID string, updates map[credential.KeyRef][]byte) {}

func (s *fakeStore) Flush(tenantID string) {}

func (s *fakeStore) ConnectedTenants(ctx context.Context) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.restore...), nil
}

func (s *fakeStore) DeleteAll(ctx context.Context, tenantID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.connected, tenantID)
	delete(s.phones, tenantID)
	return nil
}

func (s *fakeStore) Close() {}

func (s *fakeStore) isConnected(tenantID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.connected[tenantID]
}

var testDBSeq int
var testDBMu sync.Mutex

func newTestSink(t *testing.T) (*sink.Sink, *database.Database) {
	t.Helper()
	testDBMu.Lock()
	testDBSeq++
	dsn := fmt.Sprintf("file:session_test_%d?mode=memory&cache=shared", testDBSeq)
	testDBMu.Unlock()

	db, err := database.Open("sqlite", dsn)
	if err != nil {
		t.Fatalf("failed to open test database: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return sink.New(db), db
}
