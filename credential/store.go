// Package credential persists per-tenant WhatsApp authentication material:
// one opaque credentials blob per tenant plus an append-mostly map of signal
// key entries. Key writes are applied asynchronously but in per-tenant order.
package credential

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/chatdeck/wa-engine/database"
	"github.com/chatdeck/wa-engine/models"
)

// KeyType partitions a tenant's key material.
type KeyType string

const (
	KeyTypeNoise     KeyType = "noise"
	KeyTypeIdentity  KeyType = "identity"
	KeyTypeAdvSecret KeyType = "adv-secret"
	KeyTypePreKey    KeyType = "pre-key"
	KeyTypeSession   KeyType = "session"
	KeyTypeSenderKey KeyType = "sender-key"
	KeyTypeAppState  KeyType = "app-state"
)

// KeyRef addresses one key entry within a tenant.
type KeyRef struct {
	Type KeyType
	ID   string
}

// Credentials is the tenant-level record loaded on connect.
type Credentials struct {
	TenantID        string
	Blob            []byte
	Connected       bool
	PhoneNumber     string
	LastConnectedAt *time.Time
}

// Store is the durable credential/key persistence contract.
type Store interface {
	// Load returns the tenant's credential record, or nil when the tenant has
	// never paired.
	Load(ctx context.Context, tenantID string) (*Credentials, error)
	// SaveCredentials upserts the opaque credentials blob for a tenant. The
	// blob round-trips bit-identically.
	SaveCredentials(ctx context.Context, tenantID string, blob []byte) error
	// SetConnected records the durable connection flag, phone number and, on
	// connect, the last-connected timestamp.
	SetConnected(ctx context.Context, tenantID, phoneNumber string, connected bool) error
	// GetKeys returns the subset of requested ids that exist; missing ids are
	// simply absent from the result.
	GetKeys(ctx context.Context, tenantID string, typ KeyType, ids []string) (map[string][]byte, error)
	// SetKeys applies a batch of key upserts/deletes (nil value means delete)
	// asynchronously. Batches for the same tenant are applied in submission
	// order; a later batch never overtakes an earlier one.
	SetKeys(tenantID string, updates map[KeyRef][]byte)
	// Flush blocks until all previously submitted SetKeys batches for the
	// tenant have been applied.
	Flush(tenantID string)
	// ConnectedTenants lists tenants whose durable record says they were
	// connected, used to restore sessions after a process restart.
	ConnectedTenants(ctx context.Context) ([]string, error)
	// DeleteAll removes the credential record and every key row for a tenant.
	DeleteAll(ctx context.Context, tenantID string) error
	// Close drains and stops all tenant writers.
	Close()
}

type gormStore struct {
	db *database.Database

	mu      sync.Mutex
	writers map[string]*tenantWriter
	closed  bool
}

// NewStore creates a database-backed credential store.
func NewStore(db *database.Database) Store {
	return &gormStore{
		db:      db,
		writers: make(map[string]*tenantWriter),
	}
}

func (s *gormStore) Load(ctx context.Context, tenantID string) (*Credentials, error) {
	var rec models.TenantCredential
	err := s.db.ORM().WithContext(ctx).
		Where("tenant_id = ?", tenantID).
		First(&rec).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load credentials: %w", err)
	}
	return &Credentials{
		TenantID:        rec.TenantID,
		Blob:            rec.Blob,
		Connected:       rec.Connected,
		PhoneNumber:     rec.PhoneNumber,
		LastConnectedAt: rec.LastConnectedAt,
	}, nil
}

func (s *gormStore) SaveCredentials(ctx context.Context, tenantID string, blob []byte) error {
	if blob == nil {
		// The column is NOT NULL; an absent blob is stored as empty.
		blob = []byte{}
	}
	rec := models.TenantCredential{
		TenantID: tenantID,
		Blob:     blob,
	}
	err := s.db.ORM().WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "tenant_id"}},
		DoUpdates: clause.Assignments(map[string]interface{}{
			"blob":       blob,
			"updated_at": time.Now(),
		}),
	}).Create(&rec).Error
	if err != nil {
		return fmt.Errorf("failed to save credentials: %w", err)
	}
	return nil
}

func (s *gormStore) SetConnected(ctx context.Context, tenantID, phoneNumber string, connected bool) error {
	updates := map[string]interface{}{
		"connected":  connected,
		"updated_at": time.Now(),
	}
	if connected {
		now := time.Now()
		updates["phone_number"] = phoneNumber
		updates["last_connected_at"] = &now
	}
	return s.db.ORM().WithContext(ctx).
		Model(&models.TenantCredential{}).
		Where("tenant_id = ?", tenantID).
		Updates(updates).Error
}

func (s *gormStore) GetKeys(ctx context.Context, tenantID string, typ KeyType, ids []string) (map[string][]byte, error) {
	if len(ids) == 0 {
		return map[string][]byte{}, nil
	}
	var rows []models.SignalKey
	err := s.db.ORM().WithContext(ctx).
		Where("tenant_id = ? AND key_type = ? AND key_id IN ?", tenantID, string(typ), ids).
		Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("failed to get keys: %w", err)
	}
	result := make(map[string][]byte, len(rows))
	for _, row := range rows {
		result[row.KeyID] = row.Blob
	}
	return result, nil
}

func (s *gormStore) SetKeys(tenantID string, updates map[KeyRef][]byte) {
	if len(updates) == 0 {
		return
	}
	s.writer(tenantID).enqueue(batch{updates: updates})
}

func (s *gormStore) Flush(tenantID string) {
	s.mu.Lock()
	w, ok := s.writers[tenantID]
	s.mu.Unlock()
	if !ok {
		return
	}
	done := make(chan struct{})
	w.enqueue(batch{done: done})
	<-done
}

func (s *gormStore) ConnectedTenants(ctx context.Context) ([]string, error) {
	var tenants []string
	err := s.db.ORM().WithContext(ctx).
		Model(&models.TenantCredential{}).
		Where("connected = ?", true).
		Pluck("tenant_id", &tenants).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list connected tenants: %w", err)
	}
	return tenants, nil
}

func (s *gormStore) DeleteAll(ctx context.Context, tenantID string) error {
	// Drain pending key writes first so an in-flight upsert cannot land after
	// the wipe and resurrect stale material.
	s.Flush(tenantID)

	return s.db.ORM().WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("tenant_id = ?", tenantID).Delete(&models.SignalKey{}).Error; err != nil {
			return fmt.Errorf("failed to delete signal keys: %w", err)
		}
		if err := tx.Where("tenant_id = ?", tenantID).Delete(&models.TenantCredential{}).Error; err != nil {
			return fmt.Errorf("failed to delete credentials: %w", err)
		}
		return nil
	})
}

func (s *gormStore) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	writers := make([]*tenantWriter, 0, len(s.writers))
	for _, w := range s.writers {
		writers = append(writers, w)
	}
	s.mu.Unlock()

	for _, w := range writers {
		w.stop()
	}
}

func (s *gormStore) writer(tenantID string) *tenantWriter {
	s.mu.Lock()
	defer s.mu.Unlock()
	w, ok := s.writers[tenantID]
	if !ok {
		w = newTenantWriter(s.db, tenantID)
		s.writers[tenantID] = w
	}
	return w
}
