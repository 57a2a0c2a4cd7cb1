package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
)

// Credential stores an encrypted third-party secret and its ownership
// metadata. Ciphertext never leaves this store and is excluded from
// every serialized form.
type Credential struct {
	ID             snowflake.ID `gorm:"primaryKey"`
	CredentialID   string       `gorm:"column:credential_id;type:text;not null;uniqueIndex:ux_credentials_credential_id"`
	OwnerID        string       `gorm:"column:owner_id;type:text;not null;index:ix_credentials_owner;uniqueIndex:ux_credentials_active_name,priority:1"`
	Name           string       `gorm:"type:text;not null"`
	NormalizedName string       `gorm:"column:normalized_name;type:text;not null;uniqueIndex:ux_credentials_active_name,priority:2,where:is_active"`
	Ciphertext     []byte       `gorm:"type:bytes;not null" json:"-"`
	IsActive       bool         `gorm:"column:is_active;not null;default:true"`
	CreatedAt      time.Time    `gorm:"not null"`
	LastRotatedAt  time.Time    `gorm:"column:last_rotated_at;not null"`
}

// TableName sets the database table name.
func (Credential) TableName() string { return "credentials" }

// Metadata is the owner-visible view of a credential. It carries
// everything except the ciphertext.
type Metadata struct {
	CredentialID  string    `json:"credential_id"`
	Name          string    `json:"name"`
	IsActive      bool      `json:"is_active"`
	CreatedAt     time.Time `json:"created_at"`
	LastRotatedAt time.Time `json:"last_rotated_at"`
}
