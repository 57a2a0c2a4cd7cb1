package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
)

// PermissionsVersion is the current permissions schema version.
// Decoding rejects documents with a different version, so shape
// changes are explicit rather than silently tolerated.
const PermissionsVersion = 1

// Permissions is the typed, versioned permission document attached to
// a grant.
type Permissions struct {
	Version        int    `json:"version"`
	MaxCallsPerDay uint32 `json:"max_calls_per_day"`
}

// Valid reports whether the document has the expected version and a
// positive daily quota.
func (p Permissions) Valid() bool {
	return p.Version == PermissionsVersion && p.MaxCallsPerDay > 0
}

// Grant delegates bounded use of one credential to one caller. At most
// one active grant exists per (credential, caller) pair; creating a
// new one supersedes the prior row.
type Grant struct {
	ID           snowflake.ID `gorm:"primaryKey"`
	GrantID      string       `gorm:"column:grant_id;type:text;not null;uniqueIndex:ux_grants_grant_id"`
	CredentialID string       `gorm:"column:credential_id;type:text;not null;index:ix_grants_pair,priority:1"`
	CallerID     string       `gorm:"column:caller_id;type:text;not null;index:ix_grants_pair,priority:2"`
	Permissions  Permissions  `gorm:"type:jsonb;serializer:json;not null"`
	GrantedBy    string       `gorm:"column:granted_by;type:text;not null;index:ix_grants_granted_by"`
	CreatedAt    time.Time    `gorm:"not null"`
	ExpiresAt    time.Time    `gorm:"column:expires_at;not null"`
	IsActive     bool         `gorm:"column:is_active;not null;default:true"`
}

// TableName sets the database table name.
func (Grant) TableName() string { return "grants" }

// ExpiredAt reports whether the grant is past expiry at the given
// instant.
func (g *Grant) ExpiredAt(now time.Time) bool {
	return now.After(g.ExpiresAt)
}

// View is the owner-facing listing shape, with expiry derived for
// display.
type View struct {
	GrantID      string      `json:"grant_id"`
	CredentialID string      `json:"credential_id"`
	CallerID     string      `json:"caller_id"`
	Permissions  Permissions `json:"permissions"`
	CreatedAt    time.Time   `json:"created_at"`
	ExpiresAt    time.Time   `json:"expires_at"`
	IsActive     bool        `json:"is_active"`
	IsExpired    bool        `json:"is_expired"`
}
