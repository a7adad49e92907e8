package models

import "time"

// TenantCredential is the durable per-tenant credential record: the opaque
// registration blob required to resume a session without re-pairing, plus the
// connection flag the dashboard reads.
type TenantCredential struct {
	ID              uint       `gorm:"primaryKey;autoIncrement" json:"id"`
	TenantID        string     `gorm:"size:64;not null;uniqueIndex" json:"tenant_id"`
	Blob            []byte     `gorm:"not null" json:"-"`
	Connected       bool       `gorm:"not null;default:false" json:"connected"`
	PhoneNumber     string     `gorm:"size:20" json:"phone_number,omitempty"`
	LastConnectedAt *time.Time `json:"last_connected_at,omitempty"`
	CreatedAt       time.Time  `json:"created_at"`
	UpdatedAt       time.Time  `json:"updated_at"`
}

func (TenantCredential) TableName() string {
	return "whatsapp_tenant_credentials"
}

// SignalKey is one entry of a tenant's cryptographic key material, keyed by
// (key_type, key_id). Append-mostly: rows are upserted or deleted one by one,
// never rewritten wholesale.
type SignalKey struct {
	ID        uint      `gorm:"primaryKey;autoIncrement" json:"id"`
	TenantID  string    `gorm:"size:64;not null;uniqueIndex:idx_signal_key,priority:1" json:"tenant_id"`
	KeyType   string    `gorm:"size:32;not null;uniqueIndex:idx_signal_key,priority:2" json:"key_type"`
	KeyID     string    `gorm:"size:128;not null;uniqueIndex:idx_signal_key,priority:3" json:"key_id"`
	Blob      []byte    `gorm:"not null" json:"-"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

func (SignalKey) TableName() string {
	return "whatsapp_signal_keys"
}
