package session

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chatdeck/wa-engine/models"
	"github.com/chatdeck/wa-engine/transport"
)

func testOptions() Options {
	return Options{
		ReconnectDelay: 25 * time.Millisecond,
		ConnectTimeout: 2 * time.Second,
		LogoutTimeout:  time.Second,
	}
}

func newTestEngine(t *testing.T, opts Options) (*Engine, *fakeDialer, *fakeStore) {
	t.Helper()
	dialer := &fakeDialer{}
	store := newFakeStore()
	snk, _ := newTestSink(t)
	engine := NewEngine(dialer, store, snk, opts)
	t.Cleanup(engine.Shutdown)
	return engine, dialer, store
}

func waitForStatus(t *testing.T, engine *Engine, tenantID string, want models.SessionStatus) Snapshot {
	t.Helper()
	var snap Snapshot
	require.Eventually(t, func() bool {
		snap = engine.Status(context.Background(), tenantID)
		return snap.Status == want
	}, 2*time.Second, 5*time.Millisecond, "status never reached %s, last %s", want, snap.Status)
	return snap
}

func TestEngineConnect(t *testing.T) {
	t.Run("QR flow renders a data URL", func(t *testing.T) {
		engine, dialer, _ := newTestEngine(t, testOptions())

		snap, err := engine.Connect(context.Background(), "t1", "")
		require.NoError(t, err)
		assert.Equal(t, models.StatusInitializing, snap.Status)

		dialer.conn(0).push(transport.QREvent{Codes: []string{"2@abc,def"}})

		snap = waitForStatus(t, engine, "t1", models.StatusAwaitingQR)
		assert.True(t, strings.HasPrefix(snap.QR, "data:image/png;base64,"))
		assert.Empty(t, snap.PairingCode)
	})

	t.Run("phone number requests a pairing code", func(t *testing.T) {
		engine, dialer, _ := newTestEngine(t, testOptions())

		_, err := engine.Connect(context.Background(), "t1", "15551234567")
		require.NoError(t, err)

		snap := waitForStatus(t, engine, "t1", models.StatusAwaitingPairingCode)
		assert.Equal(t, "ABCD-1234", snap.PairingCode)
		assert.Empty(t, snap.QR)
		assert.Equal(t, 1, dialer.dials())
	})

	t.Run("concurrent connects share one dial", func(t *testing.T) {
		engine, dialer, _ := newTestEngine(t, testOptions())

		var wg sync.WaitGroup
		for i := 0; i < 16; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				_, err := engine.Connect(context.Background(), "t1", "")
				assert.NoError(t, err)
			}()
		}
		wg.Wait()

		assert.Equal(t, 1, dialer.dials())
	})

	t.Run("connect while live is a no-op", func(t *testing.T) {
		engine, dialer, _ := newTestEngine(t, testOptions())

		_, err := engine.Connect(context.Background(), "t1", "")
		require.NoError(t, err)
		dialer.conn(0).push(transport.OpenEvent{PhoneNumber: "15551234567"})
		waitForStatus(t, engine, "t1", models.StatusConnected)

		snap, err := engine.Connect(context.Background(), "t1", "")
		require.NoError(t, err)
		assert.Equal(t, models.StatusConnected, snap.Status)
		assert.Equal(t, "15551234567", snap.PhoneNumber)
		assert.Equal(t, 1, dialer.dials())
	})

	t.Run("stale handle from a raced disconnect is replaced", func(t *testing.T) {
		engine, dialer, _ := newTestEngine(t, testOptions())

		_, err := engine.Connect(context.Background(), "t1", "")
		require.NoError(t, err)

		// Stop the session loop directly, leaving the dead handle behind in
		// the registry, like a disconnect that has not finished cleanup yet.
		sess := engine.registry.Get("t1")
		require.NotNil(t, sess)
		require.NoError(t, sess.Disconnect(context.Background()))

		snap, err := engine.Connect(context.Background(), "t1", "")
		require.NoError(t, err)
		assert.Equal(t, models.StatusInitializing, snap.Status)
		assert.Equal(t, 2, dialer.dials())
	})

	t.Run("open persists the durable connected flag", func(t *testing.T) {
		engine, dialer, store := newTestEngine(t, testOptions())

		_, err := engine.Connect(context.Background(), "t1", "")
		require.NoError(t, err)
		dialer.conn(0).push(transport.OpenEvent{PhoneNumber: "15551234567"})
		waitForStatus(t, engine, "t1", models.StatusConnected)

		require.Eventually(t, func() bool {
			return store.isConnected("t1")
		}, time.Second, 5*time.Millisecond)
	})
}

func TestEngineReconnect(t *testing.T) {
	t.Run("recoverable close redials once after the delay", func(t *testing.T) {
		engine, dialer, _ := newTestEngine(t, testOptions())

		_, err := engine.Connect(context.Background(), "t1", "")
		require.NoError(t, err)
		dialer.conn(0).push(transport.OpenEvent{PhoneNumber: "15551234567"})
		waitForStatus(t, engine, "t1", models.StatusConnected)

		dialer.conn(0).push(transport.CloseEvent{Reason: transport.CloseRecoverable})
		waitForStatus(t, engine, "t1", models.StatusDisconnected)

		require.Eventually(t, func() bool {
			return dialer.dials() == 2
		}, time.Second, 5*time.Millisecond)

		// One attempt, not a retry loop.
		time.Sleep(4 * testOptions().ReconnectDelay)
		assert.Equal(t, 2, dialer.dials())
	})

	t.Run("close during pairing does not redial", func(t *testing.T) {
		engine, dialer, _ := newTestEngine(t, testOptions())

		_, err := engine.Connect(context.Background(), "t1", "")
		require.NoError(t, err)
		dialer.conn(0).push(transport.QREvent{Codes: []string{"2@abc"}})
		waitForStatus(t, engine, "t1", models.StatusAwaitingQR)

		dialer.conn(0).push(transport.CloseEvent{Reason: transport.CloseRecoverable})
		waitForStatus(t, engine, "t1", models.StatusDisconnected)

		time.Sleep(4 * testOptions().ReconnectDelay)
		assert.Equal(t, 1, dialer.dials())
	})

	t.Run("disconnect cancels a pending reconnect", func(t *testing.T) {
		opts := testOptions()
		opts.ReconnectDelay = 150 * time.Millisecond
		engine, dialer, _ := newTestEngine(t, opts)

		_, err := engine.Connect(context.Background(), "t1", "")
		require.NoError(t, err)
		dialer.conn(0).push(transport.OpenEvent{PhoneNumber: "15551234567"})
		waitForStatus(t, engine, "t1", models.StatusConnected)

		dialer.conn(0).push(transport.CloseEvent{Reason: transport.CloseRecoverable})
		waitForStatus(t, engine, "t1", models.StatusDisconnected)

		require.NoError(t, engine.Disconnect(context.Background(), "t1"))

		time.Sleep(3 * opts.ReconnectDelay)
		assert.Equal(t, 1, dialer.dials())
	})
}

func TestEngineLogout(t *testing.T) {
	t.Run("remote logout wipes credentials", func(t *testing.T) {
		engine, dialer, _ := newTestEngine(t, testOptions())

		_, err := engine.Connect(context.Background(), "t1", "")
		require.NoError(t, err)
		dialer.conn(0).push(transport.OpenEvent{PhoneNumber: "15551234567"})
		waitForStatus(t, engine, "t1", models.StatusConnected)

		dialer.conn(0).push(transport.CloseEvent{Reason: transport.CloseLoggedOut})
		waitForStatus(t, engine, "t1", models.StatusLoggedOut)

		require.Eventually(t, func() bool {
			return len(dialer.wiped()) == 1
		}, time.Second, 5*time.Millisecond)
		assert.Equal(t, []string{"t1"}, dialer.wiped())

		// Pairing starts over on the next connect.
		time.Sleep(4 * testOptions().ReconnectDelay)
		assert.Equal(t, 1, dialer.dials())
		_, err = engine.Connect(context.Background(), "t1", "")
		require.NoError(t, err)
		assert.Equal(t, 2, dialer.dials())
	})

	t.Run("explicit disconnect logs out, wipes and removes the session", func(t *testing.T) {
		engine, dialer, _ := newTestEngine(t, testOptions())

		_, err := engine.Connect(context.Background(), "t1", "")
		require.NoError(t, err)
		dialer.conn(0).push(transport.OpenEvent{PhoneNumber: "15551234567"})
		waitForStatus(t, engine, "t1", models.StatusConnected)

		require.NoError(t, engine.Disconnect(context.Background(), "t1"))

		assert.True(t, dialer.conn(0).wasLoggedOut())
		assert.Equal(t, []string{"t1"}, dialer.wiped())

		snap := engine.Status(context.Background(), "t1")
		assert.Equal(t, models.StatusUninitialized, snap.Status)
	})

	t.Run("disconnect of unknown tenant is a no-op", func(t *testing.T) {
		engine, _, _ := newTestEngine(t, testOptions())
		assert.NoError(t, engine.Disconnect(context.Background(), "nobody"))
	})
}

func TestEngineSend(t *testing.T) {
	t.Run("send without a session fails with ErrNotConnected", func(t *testing.T) {
		engine, _, _ := newTestEngine(t, testOptions())

		_, err := engine.Send(context.Background(), "t1", "15557654321", "hello")
		assert.ErrorIs(t, err, transport.ErrNotConnected)
	})

	t.Run("send before pairing completes fails", func(t *testing.T) {
		engine, dialer, _ := newTestEngine(t, testOptions())

		_, err := engine.Connect(context.Background(), "t1", "")
		require.NoError(t, err)
		dialer.conn(0).push(transport.QREvent{Codes: []string{"2@abc"}})
		waitForStatus(t, engine, "t1", models.StatusAwaitingQR)

		_, err = engine.Send(context.Background(), "t1", "15557654321", "hello")
		assert.ErrorIs(t, err, transport.ErrNotConnected)
	})

	t.Run("send on a connected session returns the message id", func(t *testing.T) {
		engine, dialer, _ := newTestEngine(t, testOptions())

		_, err := engine.Connect(context.Background(), "t1", "")
		require.NoError(t, err)
		dialer.conn(0).push(transport.OpenEvent{PhoneNumber: "15551234567"})
		waitForStatus(t, engine, "t1", models.StatusConnected)

		id, err := engine.Send(context.Background(), "t1", "15557654321", "hello")
		require.NoError(t, err)
		assert.Equal(t, "3EB0F00D", id)
	})
}

func TestEngineStatus(t *testing.T) {
	t.Run("unknown tenant is uninitialized", func(t *testing.T) {
		engine, _, _ := newTestEngine(t, testOptions())
		snap := engine.Status(context.Background(), "nobody")
		assert.Equal(t, models.StatusUninitialized, snap.Status)
	})

	t.Run("cold tenant keeps its paired phone number", func(t *testing.T) {
		engine, _, store := newTestEngine(t, testOptions())
		require.NoError(t, store.SetConnected(context.Background(), "t1", "15551234567", true))

		snap := engine.Status(context.Background(), "t1")
		assert.Equal(t, models.StatusUninitialized, snap.Status)
		assert.Equal(t, "15551234567", snap.PhoneNumber)
	})
}

func TestEngineRestore(t *testing.T) {
	engine, dialer, store := newTestEngine(t, testOptions())
	store.restore = []string{"t1", "t2"}

	engine.Restore(context.Background())

	assert.Equal(t, 2, dialer.dials())
	assert.True(t, engine.Status(context.Background(), "t1").Status.Live())
	assert.True(t, engine.Status(context.Background(), "t2").Status.Live())
}

func TestEngineConnectTimeout(t *testing.T) {
	opts := testOptions()
	opts.ConnectTimeout = 50 * time.Millisecond
	opts.ReconnectDelay = time.Hour
	engine, dialer, _ := newTestEngine(t, opts)

	// The transport accepts the dial but never produces an event.
	_, err := engine.Connect(context.Background(), "t1", "")
	require.NoError(t, err)
	require.Equal(t, 1, dialer.dials())

	waitForStatus(t, engine, "t1", models.StatusDisconnected)
}
