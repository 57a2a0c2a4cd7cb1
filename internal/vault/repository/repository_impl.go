package repository

import (
	"context"

	vaultdomain "github.com/vaultgate/vaultgate/internal/vault/domain"
	"gorm.io/gorm"
)

type repo struct{}

func Provide() vaultdomain.Repository {
	return &repo{}
}

func (r *repo) Insert(ctx context.Context, db *gorm.DB, credential *vaultdomain.Credential) error {
	return db.WithContext(ctx).Exec(
		`INSERT INTO credentials (id, credential_id, owner_id, name, normalized_name, ciphertext, is_active, created_at, last_rotated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		credential.ID,
		credential.CredentialID,
		credential.OwnerID,
		credential.Name,
		credential.NormalizedName,
		credential.Ciphertext,
		credential.IsActive,
		credential.CreatedAt,
		credential.LastRotatedAt,
	).Error
}

func (r *repo) Update(ctx context.Context, db *gorm.DB, credential *vaultdomain.Credential) error {
	return db.WithContext(ctx).Exec(
		`UPDATE credentials
		 SET ciphertext = ?, is_active = ?, last_rotated_at = ?
		 WHERE credential_id = ?`,
		credential.Ciphertext,
		credential.IsActive,
		credential.LastRotatedAt,
		credential.CredentialID,
	).Error
}

func (r *repo) FindByCredentialID(ctx context.Context, db *gorm.DB, credentialID string) (*vaultdomain.Credential, error) {
	var credential vaultdomain.Credential
	err := db.WithContext(ctx).Raw(
		`SELECT id, credential_id, owner_id, name, normalized_name, ciphertext, is_active, created_at, last_rotated_at
		 FROM credentials WHERE credential_id = ?`,
		credentialID,
	).Scan(&credential).Error
	if err != nil {
		return nil, err
	}
	if credential.ID == 0 {
		return nil, nil
	}
	return &credential, nil
}

func (r *repo) FindActiveByOwnerAndName(ctx context.Context, db *gorm.DB, ownerID, normalizedName string) (*vaultdomain.Credential, error) {
	var credential vaultdomain.Credential
	err := db.WithContext(ctx).Raw(
		`SELECT id, credential_id, owner_id, name, normalized_name, ciphertext, is_active, created_at, last_rotated_at
		 FROM credentials WHERE owner_id = ? AND normalized_name = ? AND is_active = ?`,
		ownerID,
		normalizedName,
		true,
	).Scan(&credential).Error
	if err != nil {
		return nil, err
	}
	if credential.ID == 0 {
		return nil, nil
	}
	return &credential, nil
}

func (r *repo) ListByOwner(ctx context.Context, db *gorm.DB, ownerID string) ([]vaultdomain.Credential, error) {
	var credentials []vaultdomain.Credential
	err := db.WithContext(ctx).Raw(
		`SELECT id, credential_id, owner_id, name, normalized_name, ciphertext, is_active, created_at, last_rotated_at
		 FROM credentials WHERE owner_id = ? ORDER BY created_at DESC`,
		ownerID,
	).Scan(&credentials).Error
	if err != nil {
		return nil, err
	}
	return credentials, nil
}
