package domain

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"
)

type Service interface {
	// CreateGrant persists a grant with upsert-by-(credential, caller)
	// semantics: any existing grant for the pair is superseded. The
	// new expiry must be strictly in the future.
	CreateGrant(ctx context.Context, credentialID, callerID string, permissions Permissions, expiresAt time.Time, ownerID string) (string, error)
	// CheckAuthorized reports whether an active, unexpired grant
	// exists. An expired grant observed here is deactivated as a side
	// effect (lazy expiry).
	CheckAuthorized(ctx context.Context, credentialID, callerID string) (bool, error)
	// GetGrant returns the active grant for the pair, with the same
	// lazy-expiry side effect; nil when none exists.
	GetGrant(ctx context.Context, credentialID, callerID string) (*Grant, error)
	RevokeGrant(ctx context.Context, grantID, ownerID string) error
	RevokeAllForCredential(ctx context.Context, credentialID, ownerID string) (int64, error)
	// SweepExpired bulk-deactivates grants past expiry. Hygiene only:
	// correctness never depends on it because every read path
	// self-heals.
	SweepExpired(ctx context.Context) (int64, error)
	ListByOwner(ctx context.Context, ownerID string) ([]View, error)
}

type Repository interface {
	Insert(ctx context.Context, db *gorm.DB, grant *Grant) error
	DeactivatePair(ctx context.Context, db *gorm.DB, credentialID, callerID string) (int64, error)
	Deactivate(ctx context.Context, db *gorm.DB, grantID string) error
	DeactivateForCredential(ctx context.Context, db *gorm.DB, credentialID, ownerID string) (int64, error)
	DeactivateExpired(ctx context.Context, db *gorm.DB, now time.Time) (int64, error)
	FindActiveByPair(ctx context.Context, db *gorm.DB, credentialID, callerID string) (*Grant, error)
	FindByGrantID(ctx context.Context, db *gorm.DB, grantID string) (*Grant, error)
	ListByOwner(ctx context.Context, db *gorm.DB, ownerID string) ([]Grant, error)
}

var (
	ErrInvalidCredential  = errors.New("invalid_credential_id")
	ErrInvalidCaller      = errors.New("invalid_caller_id")
	ErrInvalidOwner       = errors.New("invalid_owner")
	ErrInvalidPermissions = errors.New("invalid_permissions")
	ErrExpiryInPast       = errors.New("expiry_not_in_future")
	ErrNotFoundOrDenied   = errors.New("grant_not_found_or_access_denied")
)
