package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	auditdomain "github.com/vaultgate/vaultgate/internal/audit/domain"
	"github.com/vaultgate/vaultgate/internal/clock"
	gatewaydomain "github.com/vaultgate/vaultgate/internal/gateway/domain"
	grantdomain "github.com/vaultgate/vaultgate/internal/grant/domain"
	"github.com/vaultgate/vaultgate/internal/observability/metrics"
	"github.com/vaultgate/vaultgate/internal/proxy"
	"github.com/vaultgate/vaultgate/internal/ratelimit"
	usagedomain "github.com/vaultgate/vaultgate/internal/usage/domain"
	vaultdomain "github.com/vaultgate/vaultgate/internal/vault/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// Burst smoothing on top of the daily quota: short spikes above this
// sustained rate queue up behind the redis bucket when one is
// configured.
const (
	burstRate     = 10.0
	burstCapacity = 20
)

const defaultStatsDays = 7

type Params struct {
	fx.In

	Log      *zap.Logger
	Clock    clock.Clock
	Vault    vaultdomain.Service
	Grants   grantdomain.Service
	Usage    usagedomain.Service
	Audit    auditdomain.Service
	Executor *proxy.Executor
	Bucket   *ratelimit.TokenBucket `optional:"true"`
	Metrics  *metrics.Metrics       `optional:"true"`
}

type Service struct {
	log      *zap.Logger
	clock    clock.Clock
	vault    vaultdomain.Service
	grants   grantdomain.Service
	usage    usagedomain.Service
	audit    auditdomain.Service
	executor *proxy.Executor
	bucket   *ratelimit.TokenBucket
	metrics  *metrics.Metrics
}

func New(p Params) gatewaydomain.Service {
	return &Service{
		log:      p.Log.Named("gateway.service"),
		clock:    p.Clock,
		vault:    p.Vault,
		grants:   p.Grants,
		usage:    p.Usage,
		audit:    p.Audit,
		executor: p.Executor,
		bucket:   p.Bucket,
		metrics:  p.Metrics,
	}
}

func (s *Service) StoreCredential(ctx context.Context, name, plaintext, ownerSession string) (string, error) {
	owner, err := validSession(ownerSession)
	if err != nil {
		return "", err
	}

	credentialID, err := s.vault.Store(ctx, owner, name, plaintext)
	if err != nil {
		return "", translateVaultErr(err)
	}

	// Bookkeeping entry in the owner's own stream. The credential's
	// audit trail starts with its first grant, so the trail stays
	// purely operational.
	s.auditBestEffort(ctx, auditdomain.ActionProxyCall, func() (string, error) {
		return s.audit.Record(ctx, auditdomain.Record{
			Action:           auditdomain.ActionProxyCall,
			CallerID:         owner,
			CredentialID:     owner,
			Method:           "STORE_KEY",
			Endpoint:         "/vault/add",
			PayloadSizeBytes: int64(len(name)),
			ResponseCode:     200,
		})
	})
	s.metrics.RecordCredentialStored(ctx)
	return credentialID, nil
}

func (s *Service) GrantAccess(ctx context.Context, credentialID, callerID string, permissions grantdomain.Permissions, expiryHours int, ownerSession string) (string, error) {
	owner, err := validSession(ownerSession)
	if err != nil {
		return "", err
	}
	credentialID = strings.TrimSpace(credentialID)
	callerID = strings.TrimSpace(callerID)
	if credentialID == "" || callerID == "" {
		return "", gatewaydomain.ErrInvalidRequest
	}
	if expiryHours <= 0 {
		return "", gatewaydomain.ErrInvalidRequest
	}

	owned, err := s.vault.VerifyOwnership(ctx, credentialID, owner)
	if err != nil {
		return "", fmt.Errorf("%w: %v", gatewaydomain.ErrStorage, err)
	}
	if !owned {
		return "", gatewaydomain.ErrAccessDenied
	}

	expiresAt := s.clock.Now().Add(time.Duration(expiryHours) * time.Hour)
	grantID, err := s.grants.CreateGrant(ctx, credentialID, callerID, permissions, expiresAt, owner)
	if err != nil {
		return "", translateGrantErr(err)
	}

	// The grant is the owner's action; the grantee appears in the
	// endpoint.
	s.auditBestEffort(ctx, auditdomain.ActionGrantAccess, func() (string, error) {
		encoded, _ := json.Marshal(permissions)
		return s.audit.RecordGrantAccess(ctx, owner, credentialID, "/grant/"+callerID, int64(len(encoded)))
	})
	s.metrics.RecordGrantCreated(ctx)
	return grantID, nil
}

func (s *Service) ProxyCall(ctx context.Context, req gatewaydomain.ProxyRequest, callerSession string) (*gatewaydomain.ProxyResponse, error) {
	caller, err := validSession(callerSession)
	if err != nil {
		return nil, err
	}
	credentialID := strings.TrimSpace(req.CredentialID)
	targetURL := strings.TrimSpace(req.TargetURL)
	if credentialID == "" || targetURL == "" {
		return nil, gatewaydomain.ErrInvalidRequest
	}

	method := strings.ToUpper(strings.TrimSpace(req.Method))
	if method == "" {
		method = http.MethodGet
	}
	endpoint := pathOnly(targetURL)

	authorized, err := s.grants.CheckAuthorized(ctx, credentialID, caller)
	if err != nil {
		return nil, s.failProxy(ctx, caller, credentialID, method, endpoint, err)
	}
	if !authorized {
		s.auditBestEffort(ctx, auditdomain.ActionAuthorizationFailed, func() (string, error) {
			return s.audit.RecordAuthorizationFailed(ctx, caller, credentialID, method, endpoint)
		})
		s.metrics.RecordAuthorizationDenied(ctx)
		return nil, gatewaydomain.ErrAccessDenied
	}

	// Defensive re-check: the grant can expire or vanish between the
	// two reads.
	grant, err := s.grants.GetGrant(ctx, credentialID, caller)
	if err != nil {
		return nil, s.failProxy(ctx, caller, credentialID, method, endpoint, err)
	}
	if grant == nil {
		s.auditBestEffort(ctx, auditdomain.ActionAuthorizationFailed, func() (string, error) {
			return s.audit.RecordAuthorizationFailed(ctx, caller, credentialID, method, endpoint)
		})
		return nil, gatewaydomain.ErrNoValidGrant
	}
	limit := grant.Permissions.MaxCallsPerDay

	if blocked, err := s.burstBlocked(ctx, credentialID, caller); err == nil && blocked {
		s.recordRateLimitBlock(ctx, caller, credentialID, method, endpoint, "burst rate exceeded", "burst")
		return nil, gatewaydomain.ErrRateLimited
	}

	reserved, usageDate, err := s.usage.Reserve(ctx, credentialID, caller, limit)
	if err != nil {
		return nil, s.failProxy(ctx, caller, credentialID, method, endpoint, err)
	}
	if !reserved {
		used, _ := s.usage.GetCurrentUsage(ctx, credentialID, caller)
		msg := fmt.Sprintf("daily limit exceeded: used %d/%d", used, limit)
		s.recordRateLimitBlock(ctx, caller, credentialID, method, endpoint, msg, "daily")
		return nil, gatewaydomain.ErrRateLimited
	}

	// From here the reserved slot must be released on any failure, and
	// always against the day Reserve charged.
	plaintext, err := s.vault.RetrieveForProxy(ctx, credentialID)
	if err != nil {
		s.releaseSlot(ctx, credentialID, caller, usageDate)
		translated := translateRetrieveErr(err)
		return nil, s.failProxy(ctx, caller, credentialID, method, endpoint, translated)
	}

	result, err := s.executor.Call(ctx, proxy.Request{
		TargetURL: targetURL,
		Method:    method,
		Headers:   req.Headers,
		Body:      req.Body,
	}, plaintext)
	if err != nil {
		s.releaseSlot(ctx, credentialID, caller, usageDate)
		return nil, s.failProxy(ctx, caller, credentialID, method, endpoint, translateProxyErr(err))
	}

	if err := s.usage.RecordSample(ctx, credentialID, caller, usageDate, result.PayloadSizeBytes, result.ResponseTimeMs); err != nil {
		s.log.Warn("usage sample not recorded",
			zap.String("credential_id", credentialID),
			zap.Error(err),
		)
	}

	s.auditBestEffort(ctx, auditdomain.ActionProxyCall, func() (string, error) {
		return s.audit.RecordProxyCall(ctx, caller, credentialID, method, endpoint,
			result.PayloadSizeBytes, result.ResponseTimeMs, result.StatusCode, nil)
	})
	s.metrics.RecordProxyCall(ctx, outcomeForStatus(result.StatusCode), result.ResponseTimeMs)

	return &gatewaydomain.ProxyResponse{
		StatusCode:     result.StatusCode,
		Headers:        result.Headers,
		Data:           result.Data,
		ResponseTimeMs: result.ResponseTimeMs,
	}, nil
}

func (s *Service) ListLogs(ctx context.Context, credentialID string, filters gatewaydomain.LogFilters, ownerSession string) ([]auditdomain.Entry, error) {
	owner, err := validSession(ownerSession)
	if err != nil {
		return nil, err
	}
	credentialID = strings.TrimSpace(credentialID)
	if credentialID == "" {
		return nil, gatewaydomain.ErrInvalidRequest
	}

	owned, err := s.vault.VerifyOwnership(ctx, credentialID, owner)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", gatewaydomain.ErrStorage, err)
	}
	if !owned {
		return nil, gatewaydomain.ErrAccessDenied
	}

	filter := auditdomain.Filter{
		CallerID: strings.TrimSpace(filters.CallerID),
		Action:   strings.TrimSpace(filters.Action),
		Start:    s.parseDate(filters.StartDate, "start_date"),
		End:      s.parseDate(filters.EndDate, "end_date"),
		Limit:    clampLimit(filters.Limit),
	}
	entries, err := s.audit.ListForCredential(ctx, credentialID, filter)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", gatewaydomain.ErrStorage, err)
	}
	return entries, nil
}

func (s *Service) RevokeCredential(ctx context.Context, credentialID, ownerSession string) (int64, error) {
	owner, err := validSession(ownerSession)
	if err != nil {
		return 0, err
	}

	revoked, err := s.vault.Revoke(ctx, strings.TrimSpace(credentialID), owner)
	if err != nil {
		return 0, translateVaultErr(err)
	}

	s.auditBestEffort(ctx, auditdomain.ActionCredentialRevoked, func() (string, error) {
		return s.audit.Record(ctx, auditdomain.Record{
			Action:       auditdomain.ActionCredentialRevoked,
			CallerID:     owner,
			CredentialID: strings.TrimSpace(credentialID),
			Method:       http.MethodDelete,
			Endpoint:     "/vault/revoke",
			ResponseCode: 200,
		})
	})
	return revoked, nil
}

func (s *Service) RotateCredential(ctx context.Context, credentialID, newPlaintext, ownerSession string) error {
	owner, err := validSession(ownerSession)
	if err != nil {
		return err
	}

	if err := s.vault.Rotate(ctx, strings.TrimSpace(credentialID), newPlaintext, owner); err != nil {
		return translateVaultErr(err)
	}

	s.auditBestEffort(ctx, auditdomain.ActionCredentialRotated, func() (string, error) {
		return s.audit.Record(ctx, auditdomain.Record{
			Action:       auditdomain.ActionCredentialRotated,
			CallerID:     owner,
			CredentialID: strings.TrimSpace(credentialID),
			Method:       http.MethodPost,
			Endpoint:     "/vault/rotate",
			ResponseCode: 200,
		})
	})
	return nil
}

func (s *Service) ListCredentials(ctx context.Context, ownerSession string) ([]vaultdomain.Metadata, error) {
	owner, err := validSession(ownerSession)
	if err != nil {
		return nil, err
	}
	list, err := s.vault.ListByOwner(ctx, owner)
	if err != nil {
		return nil, translateVaultErr(err)
	}
	return list, nil
}

func (s *Service) ListGrants(ctx context.Context, ownerSession string) ([]grantdomain.View, error) {
	owner, err := validSession(ownerSession)
	if err != nil {
		return nil, err
	}
	views, err := s.grants.ListByOwner(ctx, owner)
	if err != nil {
		return nil, translateGrantErr(err)
	}
	return views, nil
}

func (s *Service) RevokeGrant(ctx context.Context, grantID, ownerSession string) error {
	owner, err := validSession(ownerSession)
	if err != nil {
		return err
	}
	if err := s.grants.RevokeGrant(ctx, strings.TrimSpace(grantID), owner); err != nil {
		return translateGrantErr(err)
	}
	return nil
}

func (s *Service) GetUsageStats(ctx context.Context, credentialID, ownerSession string, days int) (*auditdomain.Statistics, error) {
	owner, err := validSession(ownerSession)
	if err != nil {
		return nil, err
	}
	credentialID = strings.TrimSpace(credentialID)
	if credentialID == "" {
		return nil, gatewaydomain.ErrInvalidRequest
	}
	if days < 0 {
		return nil, gatewaydomain.ErrInvalidRequest
	}
	if days == 0 {
		days = defaultStatsDays
	}

	owned, err := s.vault.VerifyOwnership(ctx, credentialID, owner)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", gatewaydomain.ErrStorage, err)
	}
	if !owned {
		return nil, gatewaydomain.ErrAccessDenied
	}

	since := s.clock.Now().AddDate(0, 0, -days)
	stats, err := s.audit.ComputeStatistics(ctx, credentialID, since)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", gatewaydomain.ErrStorage, err)
	}
	return stats, nil
}

func (s *Service) GetUsageStatus(ctx context.Context, credentialID, callerID, ownerSession string) (*usagedomain.Status, error) {
	owner, err := validSession(ownerSession)
	if err != nil {
		return nil, err
	}
	credentialID = strings.TrimSpace(credentialID)
	callerID = strings.TrimSpace(callerID)
	if credentialID == "" || callerID == "" {
		return nil, gatewaydomain.ErrInvalidRequest
	}

	owned, err := s.vault.VerifyOwnership(ctx, credentialID, owner)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", gatewaydomain.ErrStorage, err)
	}
	if !owned {
		return nil, gatewaydomain.ErrAccessDenied
	}

	grant, err := s.grants.GetGrant(ctx, credentialID, callerID)
	if err != nil {
		return nil, translateGrantErr(err)
	}
	if grant == nil {
		return nil, gatewaydomain.ErrNoValidGrant
	}

	status, err := s.usage.GetStatus(ctx, credentialID, callerID, grant.Permissions.MaxCallsPerDay)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", gatewaydomain.ErrStorage, err)
	}
	return status, nil
}

func (s *Service) CleanupExpiredGrants(ctx context.Context) (int64, error) {
	swept, err := s.grants.SweepExpired(ctx)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", gatewaydomain.ErrStorage, err)
	}
	return swept, nil
}

// failProxy is the catch-all exit for the critical path: one
// best-effort proxy_call entry with code 500 and the error message,
// then the translated error propagates.
func (s *Service) failProxy(ctx context.Context, caller, credentialID, method, endpoint string, err error) error {
	translated := err
	if !isPublicErr(translated) {
		translated = fmt.Errorf("%w: %v", gatewaydomain.ErrStorage, err)
	}
	code := 500
	switch {
	case errors.Is(translated, gatewaydomain.ErrProxyTimeout):
		code = 504
	case errors.Is(translated, gatewaydomain.ErrProxyFailure):
		code = 502
	}
	msg := translated.Error()
	s.auditBestEffort(ctx, auditdomain.ActionProxyCall, func() (string, error) {
		return s.audit.RecordProxyCall(ctx, caller, credentialID, method, endpoint, 0, 0, code, &msg)
	})
	s.metrics.RecordProxyCall(ctx, outcomeForStatus(code), 0)
	return translated
}

func (s *Service) recordRateLimitBlock(ctx context.Context, caller, credentialID, method, endpoint, msg, source string) {
	s.auditBestEffort(ctx, auditdomain.ActionRateLimitBlocked, func() (string, error) {
		return s.audit.RecordRateLimitBlocked(ctx, caller, credentialID, method, endpoint, &msg)
	})
	s.metrics.RecordRateLimitBlocked(ctx, source)
}

// burstBlocked consults the optional redis bucket. Errors fail open:
// the daily quota still applies.
func (s *Service) burstBlocked(ctx context.Context, credentialID, caller string) (bool, error) {
	result, err := s.bucket.Allow(ctx, "burst:"+credentialID+":"+caller, burstRate, burstCapacity)
	if err != nil {
		s.log.Warn("burst limiter unavailable, failing open", zap.Error(err))
		return false, err
	}
	return !result.Allowed, nil
}

func (s *Service) releaseSlot(ctx context.Context, credentialID, caller, usageDate string) {
	if err := s.usage.Release(ctx, credentialID, caller, usageDate); err != nil {
		s.log.Warn("reserved quota slot not released",
			zap.String("credential_id", credentialID),
			zap.Error(err),
		)
	}
}

func (s *Service) auditBestEffort(ctx context.Context, action string, record func() (string, error)) {
	if _, err := record(); err != nil {
		s.metrics.RecordAuditWriteFailure(ctx, action)
		s.log.Warn("audit write failed",
			zap.String("action", action),
			zap.Error(err),
		)
	}
}

// parseDate accepts RFC3339 or a bare calendar date. Anything else is
// logged and dropped.
func (s *Service) parseDate(value, field string) time.Time {
	value = strings.TrimSpace(value)
	if value == "" {
		return time.Time{}
	}
	if t, err := time.Parse(time.RFC3339, value); err == nil {
		return t
	}
	if t, err := time.Parse("2006-01-02", value); err == nil {
		return t
	}
	s.log.Warn("unparseable date filter ignored",
		zap.String("field", field),
		zap.String("value", value),
	)
	return time.Time{}
}

func validSession(session string) (string, error) {
	session = strings.TrimSpace(session)
	if len(session) < gatewaydomain.MinSessionLength {
		return "", gatewaydomain.ErrInvalidSession
	}
	return session, nil
}

func clampLimit(limit int) int {
	if limit <= 0 {
		return auditdomain.DefaultListLimit
	}
	if limit > auditdomain.MaxListLimit {
		return auditdomain.MaxListLimit
	}
	return limit
}

func pathOnly(target string) string {
	u, err := url.Parse(target)
	if err != nil || u.Path == "" {
		return "/"
	}
	return u.Path
}

func outcomeForStatus(status int) string {
	switch {
	case status >= 500:
		return "upstream_error"
	case status >= 400:
		return "client_error"
	default:
		return "success"
	}
}

func isPublicErr(err error) bool {
	for _, sentinel := range []error{
		gatewaydomain.ErrInvalidSession,
		gatewaydomain.ErrInvalidRequest,
		gatewaydomain.ErrAccessDenied,
		gatewaydomain.ErrNoValidGrant,
		gatewaydomain.ErrRateLimited,
		gatewaydomain.ErrProxyFailure,
		gatewaydomain.ErrProxyTimeout,
		gatewaydomain.ErrStorage,
	} {
		if errors.Is(err, sentinel) {
			return true
		}
	}
	return false
}

func translateVaultErr(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, vaultdomain.ErrNotFoundOrDenied), errors.Is(err, vaultdomain.ErrInactive):
		return gatewaydomain.ErrAccessDenied
	case errors.Is(err, vaultdomain.ErrInvalidOwner),
		errors.Is(err, vaultdomain.ErrInvalidName),
		errors.Is(err, vaultdomain.ErrInvalidSecret),
		errors.Is(err, vaultdomain.ErrDuplicateName):
		return err
	default:
		return fmt.Errorf("%w: %v", gatewaydomain.ErrStorage, err)
	}
}

// translateRetrieveErr differs from translateVaultErr only in that a
// decrypt failure on the critical path is an integrity problem, never
// a denial.
func translateRetrieveErr(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, vaultdomain.ErrNotFoundOrDenied), errors.Is(err, vaultdomain.ErrInactive):
		return gatewaydomain.ErrAccessDenied
	default:
		return fmt.Errorf("%w: %v", gatewaydomain.ErrStorage, err)
	}
}

func translateGrantErr(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, grantdomain.ErrNotFoundOrDenied):
		return gatewaydomain.ErrAccessDenied
	case errors.Is(err, grantdomain.ErrInvalidCredential),
		errors.Is(err, grantdomain.ErrInvalidCaller),
		errors.Is(err, grantdomain.ErrInvalidOwner),
		errors.Is(err, grantdomain.ErrInvalidPermissions),
		errors.Is(err, grantdomain.ErrExpiryInPast):
		return err
	default:
		return fmt.Errorf("%w: %v", gatewaydomain.ErrStorage, err)
	}
}

func translateProxyErr(err error) error {
	switch {
	case errors.Is(err, proxy.ErrTimeout):
		return gatewaydomain.ErrProxyTimeout
	case errors.Is(err, proxy.ErrInvalidURL):
		return gatewaydomain.ErrInvalidRequest
	default:
		return gatewaydomain.ErrProxyFailure
	}
}
