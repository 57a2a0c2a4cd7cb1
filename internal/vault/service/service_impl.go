package service

import (
	"context"
	"strconv"
	"strings"

	"github.com/bwmarrin/snowflake"
	"github.com/gosimple/slug"
	"github.com/vaultgate/vaultgate/internal/clock"
	"github.com/vaultgate/vaultgate/internal/crypto"
	vaultdomain "github.com/vaultgate/vaultgate/internal/vault/domain"
	"github.com/vaultgate/vaultgate/pkg/db"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const credentialIDPrefix = "cred_"

type Params struct {
	fx.In

	DB      *gorm.DB
	Log     *zap.Logger
	GenID   *snowflake.Node
	Clock   clock.Clock
	Engine  *crypto.Engine
	Repo    vaultdomain.Repository
	Revoker vaultdomain.GrantRevoker
}

type Service struct {
	db      *gorm.DB
	log     *zap.Logger
	genID   *snowflake.Node
	clock   clock.Clock
	engine  *crypto.Engine
	repo    vaultdomain.Repository
	revoker vaultdomain.GrantRevoker
}

func New(p Params) vaultdomain.Service {
	return &Service{
		db:      p.DB,
		log:     p.Log.Named("vault.service"),
		genID:   p.GenID,
		clock:   p.Clock,
		engine:  p.Engine,
		repo:    p.Repo,
		revoker: p.Revoker,
	}
}

func (s *Service) Store(ctx context.Context, ownerID, name, plaintext string) (string, error) {
	ownerID = strings.TrimSpace(ownerID)
	if ownerID == "" {
		return "", vaultdomain.ErrInvalidOwner
	}
	name = strings.TrimSpace(name)
	if name == "" {
		return "", vaultdomain.ErrInvalidName
	}
	if err := vaultdomain.ValidateSecret(plaintext); err != nil {
		return "", err
	}

	normalized := slug.Make(name)

	ciphertext, err := s.engine.Encrypt([]byte(plaintext))
	if err != nil {
		return "", err
	}

	now := s.clock.Now()
	id := s.genID.Generate()
	credential := &vaultdomain.Credential{
		ID:             id,
		CredentialID:   newCredentialID(id),
		OwnerID:        ownerID,
		Name:           name,
		NormalizedName: normalized,
		Ciphertext:     ciphertext,
		IsActive:       true,
		CreatedAt:      now,
		LastRotatedAt:  now,
	}

	// The lookup answers the common case; the partial unique index on
	// active (owner_id, normalized_name) rows is what holds under
	// concurrent stores, so a racing duplicate surfaces as a
	// duplicate-key error on the insert.
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		existing, err := s.repo.FindActiveByOwnerAndName(ctx, tx, ownerID, normalized)
		if err != nil {
			return err
		}
		if existing != nil {
			return vaultdomain.ErrDuplicateName
		}
		if err := s.repo.Insert(ctx, tx, credential); err != nil {
			if db.IsDuplicateKeyErr(err) {
				return vaultdomain.ErrDuplicateName
			}
			return err
		}
		return nil
	})
	if err != nil {
		return "", err
	}

	s.log.Info("credential stored",
		zap.String("credential_id", credential.CredentialID),
		zap.String("owner_id", ownerID),
	)
	return credential.CredentialID, nil
}

func (s *Service) RetrieveForProxy(ctx context.Context, credentialID string) (string, error) {
	credential, err := s.repo.FindByCredentialID(ctx, s.db, strings.TrimSpace(credentialID))
	if err != nil {
		return "", err
	}
	if credential == nil {
		return "", vaultdomain.ErrNotFoundOrDenied
	}
	if !credential.IsActive {
		return "", vaultdomain.ErrInactive
	}

	plaintext, err := s.engine.Decrypt(credential.Ciphertext)
	if err != nil {
		return "", err
	}
	return string(plaintext), nil
}

func (s *Service) Rotate(ctx context.Context, credentialID, newPlaintext, ownerID string) error {
	ownerID = strings.TrimSpace(ownerID)
	if ownerID == "" {
		return vaultdomain.ErrInvalidOwner
	}
	if err := vaultdomain.ValidateSecret(newPlaintext); err != nil {
		return err
	}

	credential, err := s.ownedCredential(ctx, credentialID, ownerID)
	if err != nil {
		return err
	}
	if !credential.IsActive {
		return vaultdomain.ErrInactive
	}

	ciphertext, err := s.engine.Encrypt([]byte(newPlaintext))
	if err != nil {
		return err
	}

	credential.Ciphertext = ciphertext
	credential.LastRotatedAt = s.clock.Now()
	if err := s.repo.Update(ctx, s.db, credential); err != nil {
		return err
	}

	s.log.Info("credential rotated", zap.String("credential_id", credential.CredentialID))
	return nil
}

func (s *Service) Revoke(ctx context.Context, credentialID, ownerID string) (int64, error) {
	ownerID = strings.TrimSpace(ownerID)
	if ownerID == "" {
		return 0, vaultdomain.ErrInvalidOwner
	}

	credential, err := s.ownedCredential(ctx, credentialID, ownerID)
	if err != nil {
		return 0, err
	}
	if !credential.IsActive {
		return 0, vaultdomain.ErrInactive
	}

	credential.IsActive = false
	if err := s.repo.Update(ctx, s.db, credential); err != nil {
		return 0, err
	}

	// Compensating cascade, not a cross-store transaction: the
	// credential is already inactive, so even if the grant sweep fails
	// no caller can proxy through it. The failure is surfaced to the
	// orchestrator for counting.
	revoked, err := s.revoker.RevokeAllForCredential(ctx, credential.CredentialID, ownerID)
	if err != nil {
		s.log.Warn("grant cascade failed after credential revocation",
			zap.String("credential_id", credential.CredentialID),
			zap.Error(err),
		)
		return 0, err
	}

	s.log.Info("credential revoked",
		zap.String("credential_id", credential.CredentialID),
		zap.Int64("grants_revoked", revoked),
	)
	return revoked, nil
}

func (s *Service) ListByOwner(ctx context.Context, ownerID string) ([]vaultdomain.Metadata, error) {
	ownerID = strings.TrimSpace(ownerID)
	if ownerID == "" {
		return nil, vaultdomain.ErrInvalidOwner
	}

	credentials, err := s.repo.ListByOwner(ctx, s.db, ownerID)
	if err != nil {
		return nil, err
	}

	out := make([]vaultdomain.Metadata, 0, len(credentials))
	for i := range credentials {
		if !credentials[i].IsActive {
			continue
		}
		out = append(out, vaultdomain.Metadata{
			CredentialID:  credentials[i].CredentialID,
			Name:          credentials[i].Name,
			IsActive:      credentials[i].IsActive,
			CreatedAt:     credentials[i].CreatedAt,
			LastRotatedAt: credentials[i].LastRotatedAt,
		})
	}
	return out, nil
}

func (s *Service) VerifyOwnership(ctx context.Context, credentialID, ownerID string) (bool, error) {
	ownerID = strings.TrimSpace(ownerID)
	if ownerID == "" {
		return false, nil
	}
	credential, err := s.repo.FindByCredentialID(ctx, s.db, strings.TrimSpace(credentialID))
	if err != nil {
		return false, err
	}
	if credential == nil {
		return false, nil
	}
	return credential.OwnerID == ownerID, nil
}

// ownedCredential resolves a credential for a mutating owner-scoped
// operation. Missing and foreign credentials are indistinguishable.
func (s *Service) ownedCredential(ctx context.Context, credentialID, ownerID string) (*vaultdomain.Credential, error) {
	credential, err := s.repo.FindByCredentialID(ctx, s.db, strings.TrimSpace(credentialID))
	if err != nil {
		return nil, err
	}
	if credential == nil || credential.OwnerID != ownerID {
		return nil, vaultdomain.ErrNotFoundOrDenied
	}
	return credential, nil
}

func newCredentialID(id snowflake.ID) string {
	return credentialIDPrefix + strings.ToUpper(strconv.FormatInt(int64(id), 36))
}
