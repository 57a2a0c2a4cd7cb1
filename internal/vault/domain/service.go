package domain

import (
	"context"
	"errors"
	"strings"

	"gorm.io/gorm"
)

const (
	// Secret format bounds, applied to the trimmed plaintext.
	MinSecretLength = 8
	MaxSecretLength = 512
)

type Service interface {
	// Store validates, encrypts and persists a new credential and
	// returns its public id.
	Store(ctx context.Context, ownerID, name, plaintext string) (string, error)
	// RetrieveForProxy decrypts an active credential. Internal-only:
	// never exposed through a caller-facing surface.
	RetrieveForProxy(ctx context.Context, credentialID string) (string, error)
	// Rotate re-encrypts the credential with a new secret in place.
	Rotate(ctx context.Context, credentialID, newPlaintext, ownerID string) error
	// Revoke soft-deletes the credential and cascades a deactivation
	// request for every grant on it. Returns the number of grants
	// deactivated by the cascade.
	Revoke(ctx context.Context, credentialID, ownerID string) (int64, error)
	ListByOwner(ctx context.Context, ownerID string) ([]Metadata, error)
	VerifyOwnership(ctx context.Context, credentialID, ownerID string) (bool, error)
}

// GrantRevoker is the slice of the grant store the vault needs for the
// revocation cascade.
type GrantRevoker interface {
	RevokeAllForCredential(ctx context.Context, credentialID, ownerID string) (int64, error)
}

type Repository interface {
	Insert(ctx context.Context, db *gorm.DB, credential *Credential) error
	Update(ctx context.Context, db *gorm.DB, credential *Credential) error
	FindByCredentialID(ctx context.Context, db *gorm.DB, credentialID string) (*Credential, error)
	FindActiveByOwnerAndName(ctx context.Context, db *gorm.DB, ownerID, normalizedName string) (*Credential, error)
	ListByOwner(ctx context.Context, db *gorm.DB, ownerID string) ([]Credential, error)
}

var (
	ErrInvalidOwner  = errors.New("invalid_owner")
	ErrInvalidName   = errors.New("invalid_name")
	ErrInvalidSecret = errors.New("invalid_secret_format")
	ErrDuplicateName = errors.New("duplicate_name")
	// ErrNotFoundOrDenied deliberately collapses "does not exist" and
	// "not yours" so callers cannot probe for existence.
	ErrNotFoundOrDenied = errors.New("not_found_or_access_denied")
	ErrInactive         = errors.New("credential_inactive")
)

// ValidateSecret checks the stored-secret format: trimmed non-empty,
// between MinSecretLength and MaxSecretLength characters, no control
// characters.
func ValidateSecret(plaintext string) error {
	if strings.TrimSpace(plaintext) == "" {
		return ErrInvalidSecret
	}
	if len(plaintext) < MinSecretLength || len(plaintext) > MaxSecretLength {
		return ErrInvalidSecret
	}
	for _, r := range plaintext {
		if r < 32 {
			return ErrInvalidSecret
		}
	}
	return nil
}
