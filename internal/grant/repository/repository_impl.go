package repository

import (
	"context"
	"encoding/json"
	"time"

	grantdomain "github.com/vaultgate/vaultgate/internal/grant/domain"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

type repo struct{}

func Provide() grantdomain.Repository {
	return &repo{}
}

func (r *repo) Insert(ctx context.Context, db *gorm.DB, grant *grantdomain.Grant) error {
	encoded, err := json.Marshal(grant.Permissions)
	if err != nil {
		return err
	}
	return db.WithContext(ctx).Exec(
		`INSERT INTO grants (id, grant_id, credential_id, caller_id, permissions, granted_by, created_at, expires_at, is_active)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		grant.ID,
		grant.GrantID,
		grant.CredentialID,
		grant.CallerID,
		datatypes.JSON(encoded),
		grant.GrantedBy,
		grant.CreatedAt,
		grant.ExpiresAt,
		grant.IsActive,
	).Error
}

func (r *repo) DeactivatePair(ctx context.Context, db *gorm.DB, credentialID, callerID string) (int64, error) {
	result := db.WithContext(ctx).Exec(
		`UPDATE grants SET is_active = ? WHERE credential_id = ? AND caller_id = ? AND is_active = ?`,
		false, credentialID, callerID, true,
	)
	return result.RowsAffected, result.Error
}

func (r *repo) Deactivate(ctx context.Context, db *gorm.DB, grantID string) error {
	return db.WithContext(ctx).Exec(
		`UPDATE grants SET is_active = ? WHERE grant_id = ?`,
		false, grantID,
	).Error
}

func (r *repo) DeactivateForCredential(ctx context.Context, db *gorm.DB, credentialID, ownerID string) (int64, error) {
	result := db.WithContext(ctx).Exec(
		`UPDATE grants SET is_active = ? WHERE credential_id = ? AND granted_by = ? AND is_active = ?`,
		false, credentialID, ownerID, true,
	)
	return result.RowsAffected, result.Error
}

func (r *repo) DeactivateExpired(ctx context.Context, db *gorm.DB, now time.Time) (int64, error) {
	result := db.WithContext(ctx).Exec(
		`UPDATE grants SET is_active = ? WHERE is_active = ? AND expires_at < ?`,
		false, true, now,
	)
	return result.RowsAffected, result.Error
}

func (r *repo) FindActiveByPair(ctx context.Context, db *gorm.DB, credentialID, callerID string) (*grantdomain.Grant, error) {
	return r.findOne(ctx, db,
		`SELECT id, grant_id, credential_id, caller_id, permissions, granted_by, created_at, expires_at, is_active
		 FROM grants WHERE credential_id = ? AND caller_id = ? AND is_active = ?`,
		credentialID, callerID, true,
	)
}

func (r *repo) FindByGrantID(ctx context.Context, db *gorm.DB, grantID string) (*grantdomain.Grant, error) {
	return r.findOne(ctx, db,
		`SELECT id, grant_id, credential_id, caller_id, permissions, granted_by, created_at, expires_at, is_active
		 FROM grants WHERE grant_id = ?`,
		grantID,
	)
}

func (r *repo) ListByOwner(ctx context.Context, db *gorm.DB, ownerID string) ([]grantdomain.Grant, error) {
	rows, err := db.WithContext(ctx).Raw(
		`SELECT id, grant_id, credential_id, caller_id, permissions, granted_by, created_at, expires_at, is_active
		 FROM grants WHERE granted_by = ? ORDER BY created_at DESC`,
		ownerID,
	).Rows()
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var grants []grantdomain.Grant
	for rows.Next() {
		grant, err := scanGrant(rows.Scan)
		if err != nil {
			return nil, err
		}
		grants = append(grants, *grant)
	}
	return grants, rows.Err()
}

func (r *repo) findOne(ctx context.Context, db *gorm.DB, query string, args ...any) (*grantdomain.Grant, error) {
	rows, err := db.WithContext(ctx).Raw(query, args...).Rows()
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	if !rows.Next() {
		return nil, rows.Err()
	}
	return scanGrant(rows.Scan)
}

func scanGrant(scan func(...any) error) (*grantdomain.Grant, error) {
	var grant grantdomain.Grant
	var permissions datatypes.JSON
	if err := scan(
		&grant.ID,
		&grant.GrantID,
		&grant.CredentialID,
		&grant.CallerID,
		&permissions,
		&grant.GrantedBy,
		&grant.CreatedAt,
		&grant.ExpiresAt,
		&grant.IsActive,
	); err != nil {
		return nil, err
	}
	if err := json.Unmarshal(permissions, &grant.Permissions); err != nil {
		return nil, err
	}
	return &grant, nil
}
