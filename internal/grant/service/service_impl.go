package service

import (
	"context"
	"strconv"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/vaultgate/vaultgate/internal/clock"
	grantdomain "github.com/vaultgate/vaultgate/internal/grant/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const grantIDPrefix = "grant_"

type Params struct {
	fx.In

	DB    *gorm.DB
	Log   *zap.Logger
	GenID *snowflake.Node
	Clock clock.Clock
	Repo  grantdomain.Repository
}

type Service struct {
	db    *gorm.DB
	log   *zap.Logger
	genID *snowflake.Node
	clock clock.Clock
	repo  grantdomain.Repository
}

func New(p Params) grantdomain.Service {
	return &Service{
		db:    p.DB,
		log:   p.Log.Named("grant.service"),
		genID: p.GenID,
		clock: p.Clock,
		repo:  p.Repo,
	}
}

func (s *Service) CreateGrant(ctx context.Context, credentialID, callerID string, permissions grantdomain.Permissions, expiresAt time.Time, ownerID string) (string, error) {
	credentialID = strings.TrimSpace(credentialID)
	if credentialID == "" {
		return "", grantdomain.ErrInvalidCredential
	}
	callerID = strings.TrimSpace(callerID)
	if callerID == "" {
		return "", grantdomain.ErrInvalidCaller
	}
	ownerID = strings.TrimSpace(ownerID)
	if ownerID == "" {
		return "", grantdomain.ErrInvalidOwner
	}
	if !permissions.Valid() {
		return "", grantdomain.ErrInvalidPermissions
	}

	now := s.clock.Now()
	if !expiresAt.After(now) {
		return "", grantdomain.ErrExpiryInPast
	}

	id := s.genID.Generate()
	grant := &grantdomain.Grant{
		ID:           id,
		GrantID:      newGrantID(id),
		CredentialID: credentialID,
		CallerID:     callerID,
		Permissions:  permissions,
		GrantedBy:    ownerID,
		CreatedAt:    now,
		ExpiresAt:    expiresAt.UTC(),
		IsActive:     true,
	}

	// Supersede-then-insert in one transaction: the prior grant for
	// the pair goes inactive and stays in history as its own row.
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if _, err := s.repo.DeactivatePair(ctx, tx, credentialID, callerID); err != nil {
			return err
		}
		return s.repo.Insert(ctx, tx, grant)
	})
	if err != nil {
		return "", err
	}

	s.log.Info("grant created",
		zap.String("grant_id", grant.GrantID),
		zap.String("credential_id", credentialID),
		zap.String("caller_id", callerID),
		zap.Uint32("max_calls_per_day", permissions.MaxCallsPerDay),
		zap.Time("expires_at", grant.ExpiresAt),
	)
	return grant.GrantID, nil
}

func (s *Service) CheckAuthorized(ctx context.Context, credentialID, callerID string) (bool, error) {
	grant, err := s.GetGrant(ctx, credentialID, callerID)
	if err != nil {
		return false, err
	}
	return grant != nil, nil
}

func (s *Service) GetGrant(ctx context.Context, credentialID, callerID string) (*grantdomain.Grant, error) {
	credentialID = strings.TrimSpace(credentialID)
	callerID = strings.TrimSpace(callerID)
	if credentialID == "" || callerID == "" {
		return nil, nil
	}

	grant, err := s.repo.FindActiveByPair(ctx, s.db, credentialID, callerID)
	if err != nil {
		return nil, err
	}
	if grant == nil {
		return nil, nil
	}

	if grant.ExpiredAt(s.clock.Now()) {
		// Lazy expiry: the read deactivates what it finds expired, so
		// no background sweep is required for correctness.
		if err := s.repo.Deactivate(ctx, s.db, grant.GrantID); err != nil {
			s.log.Warn("failed to deactivate expired grant",
				zap.String("grant_id", grant.GrantID),
				zap.Error(err),
			)
		}
		return nil, nil
	}
	return grant, nil
}

func (s *Service) RevokeGrant(ctx context.Context, grantID, ownerID string) error {
	grantID = strings.TrimSpace(grantID)
	ownerID = strings.TrimSpace(ownerID)
	if grantID == "" || ownerID == "" {
		return grantdomain.ErrNotFoundOrDenied
	}

	grant, err := s.repo.FindByGrantID(ctx, s.db, grantID)
	if err != nil {
		return err
	}
	if grant == nil || !grant.IsActive || grant.GrantedBy != ownerID {
		return grantdomain.ErrNotFoundOrDenied
	}

	if err := s.repo.Deactivate(ctx, s.db, grant.GrantID); err != nil {
		return err
	}

	s.log.Info("grant revoked", zap.String("grant_id", grant.GrantID))
	return nil
}

func (s *Service) RevokeAllForCredential(ctx context.Context, credentialID, ownerID string) (int64, error) {
	credentialID = strings.TrimSpace(credentialID)
	ownerID = strings.TrimSpace(ownerID)
	if credentialID == "" || ownerID == "" {
		return 0, nil
	}

	revoked, err := s.repo.DeactivateForCredential(ctx, s.db, credentialID, ownerID)
	if err != nil {
		return 0, err
	}
	if revoked > 0 {
		s.log.Info("grants revoked for credential",
			zap.String("credential_id", credentialID),
			zap.Int64("count", revoked),
		)
	}
	return revoked, nil
}

func (s *Service) SweepExpired(ctx context.Context) (int64, error) {
	swept, err := s.repo.DeactivateExpired(ctx, s.db, s.clock.Now())
	if err != nil {
		return 0, err
	}
	if swept > 0 {
		s.log.Info("expired grants swept", zap.Int64("count", swept))
	}
	return swept, nil
}

func (s *Service) ListByOwner(ctx context.Context, ownerID string) ([]grantdomain.View, error) {
	ownerID = strings.TrimSpace(ownerID)
	if ownerID == "" {
		return nil, grantdomain.ErrInvalidOwner
	}

	grants, err := s.repo.ListByOwner(ctx, s.db, ownerID)
	if err != nil {
		return nil, err
	}

	now := s.clock.Now()
	views := make([]grantdomain.View, 0, len(grants))
	for i := range grants {
		views = append(views, grantdomain.View{
			GrantID:      grants[i].GrantID,
			CredentialID: grants[i].CredentialID,
			CallerID:     grants[i].CallerID,
			Permissions:  grants[i].Permissions,
			CreatedAt:    grants[i].CreatedAt,
			ExpiresAt:    grants[i].ExpiresAt,
			IsActive:     grants[i].IsActive,
			IsExpired:    grants[i].ExpiredAt(now),
		})
	}
	return views, nil
}

func newGrantID(id snowflake.ID) string {
	return grantIDPrefix + strings.ToUpper(strconv.FormatInt(int64(id), 36))
}
