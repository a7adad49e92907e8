// Package meow implements the transport boundary on top of whatsmeow, the
// WhatsApp multi-device protocol library. Protocol-level key tables live in
// the shared application database via whatsmeow's sqlstore.
package meow

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	"go.mau.fi/whatsmeow"
	"go.mau.fi/whatsmeow/store"
	"go.mau.fi/whatsmeow/store/sqlstore"
	waLog "go.mau.fi/whatsmeow/util/log"

	"github.com/chatdeck/wa-engine/credential"
	"github.com/chatdeck/wa-engine/database"
	"github.com/chatdeck/wa-engine/transport"
)

// registration is the credentials blob persisted per tenant: enough to locate
// and validate the paired whatsmeow device on resume.
type registration struct {
	JID            string    `json:"jid"`
	RegistrationID uint32    `json:"registration_id"`
	Platform       string    `json:"platform"`
	PushName       string    `json:"push_name"`
	PairedAt       time.Time `json:"paired_at"`
}

// Dialer builds whatsmeow-backed connections. One container serves all
// tenants; devices are matched to tenants through the credential store.
type Dialer struct {
	container  *sqlstore.Container
	creds      credential.Store
	qrTerminal bool
}

// NewDialer wires whatsmeow's sqlstore into the shared database connection
// and runs its migrations.
func NewDialer(db *database.Database, creds credential.Store, qrTerminal bool) (*Dialer, error) {
	sqlDB, err := db.SQLDB()
	if err != nil {
		return nil, fmt.Errorf("failed to get sql.DB for whatsmeow store: %w", err)
	}

	container := sqlstore.NewWithDB(sqlDB, db.DriverName(), waLog.Stdout("whatsmeow", "WARN", false))
	if err := container.Upgrade(context.Background()); err != nil {
		return nil, fmt.Errorf("whatsmeow sqlstore upgrade failed: %w", err)
	}

	return &Dialer{
		container:  container,
		creds:      creds,
		qrTerminal: qrTerminal,
	}, nil
}

func tenantMarker(tenantID string) string {
	return "tenant:" + tenantID
}

// Dial restores the tenant's paired device when credentials exist, or creates
// a fresh unpaired device for the QR/pairing-code flow.
func (d *Dialer) Dial(ctx context.Context, tenantID string) (transport.Conn, error) {
	dev, err := d.deviceFor(ctx, tenantID)
	if err != nil {
		return nil, err
	}

	client := whatsmeow.NewClient(dev, waLog.Noop)
	// Reconnect policy is owned by the session engine, not the library.
	client.EnableAutoReconnect = false

	c := newConn(tenantID, client, d)
	client.AddEventHandler(c.handleEvent)
	return c, nil
}

func (d *Dialer) deviceFor(ctx context.Context, tenantID string) (*store.Device, error) {
	creds, err := d.creds.Load(ctx, tenantID)
	if err != nil {
		return nil, err
	}

	if creds == nil {
		dev := d.container.NewDevice()
		dev.BusinessName = tenantMarker(tenantID)
		return dev, nil
	}

	var reg registration
	if err := json.Unmarshal(creds.Blob, &reg); err != nil {
		return nil, fmt.Errorf("stored credentials for %s are malformed: %w", tenantID, err)
	}

	dev, err := d.findDevice(ctx, reg.JID)
	if err != nil {
		return nil, err
	}
	if dev == nil {
		return nil, fmt.Errorf("stored credentials for %s reference unknown device %s", tenantID, reg.JID)
	}

	// Cross-check the mirrored identity key; a mismatch means the stored
	// state is corrupt and resuming would fail mid-handshake.
	stored, err := d.creds.GetKeys(ctx, tenantID, credential.KeyTypeIdentity, []string{"pub"})
	if err != nil {
		return nil, err
	}
	if pub, ok := stored["pub"]; ok && dev.IdentityKey != nil {
		if !bytes.Equal(pub, dev.IdentityKey.Pub[:]) {
			return nil, fmt.Errorf("identity key mismatch for %s: stored credentials are corrupt", tenantID)
		}
	}

	return dev, nil
}

func (d *Dialer) findDevice(ctx context.Context, jid string) (*store.Device, error) {
	devices, err := d.container.GetAllDevices(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list whatsmeow devices: %w", err)
	}
	for _, dev := range devices {
		if dev.ID != nil && dev.ID.String() == jid {
			return dev, nil
		}
	}
	return nil, nil
}

// Wipe deletes the tenant's whatsmeow device rows and credential/key records
// so the next Dial starts a fresh pairing flow.
func (d *Dialer) Wipe(ctx context.Context, tenantID string) error {
	creds, err := d.creds.Load(ctx, tenantID)
	if err != nil {
		return err
	}

	if creds != nil {
		var reg registration
		if err := json.Unmarshal(creds.Blob, &reg); err == nil {
			if dev, err := d.findDevice(ctx, reg.JID); err == nil && dev != nil {
				if err := d.container.DeleteDevice(ctx, dev); err != nil {
					log.Warn().Err(err).Str("tenant", tenantID).Msg("meow: failed to delete whatsmeow device")
				}
			}
		}
	}

	return d.creds.DeleteAll(ctx, tenantID)
}

// onLoggedIn persists the registration descriptor and mirrors the device's
// identity key material into the credential store.
func (d *Dialer) onLoggedIn(tenantID string, dev *store.Device) error {
	if dev.ID == nil {
		return fmt.Errorf("logged in without a device JID")
	}

	blob, err := json.Marshal(registration{
		JID:            dev.ID.String(),
		RegistrationID: dev.RegistrationID,
		Platform:       dev.Platform,
		PushName:       dev.PushName,
		PairedAt:       time.Now(),
	})
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := d.creds.SaveCredentials(ctx, tenantID, blob); err != nil {
		return err
	}

	updates := make(map[credential.KeyRef][]byte)
	if dev.NoiseKey != nil {
		updates[credential.KeyRef{Type: credential.KeyTypeNoise, ID: "priv"}] = dev.NoiseKey.Priv[:]
		updates[credential.KeyRef{Type: credential.KeyTypeNoise, ID: "pub"}] = dev.NoiseKey.Pub[:]
	}
	if dev.IdentityKey != nil {
		updates[credential.KeyRef{Type: credential.KeyTypeIdentity, ID: "priv"}] = dev.IdentityKey.Priv[:]
		updates[credential.KeyRef{Type: credential.KeyTypeIdentity, ID: "pub"}] = dev.IdentityKey.Pub[:]
	}
	if len(dev.AdvSecretKey) > 0 {
		updates[credential.KeyRef{Type: credential.KeyTypeAdvSecret, ID: "key"}] = dev.AdvSecretKey
	}
	d.creds.SetKeys(tenantID, updates)
	return nil
}
