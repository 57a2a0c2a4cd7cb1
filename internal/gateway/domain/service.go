package domain

import (
	"context"
	"errors"

	auditdomain "github.com/vaultgate/vaultgate/internal/audit/domain"
	grantdomain "github.com/vaultgate/vaultgate/internal/grant/domain"
	usagedomain "github.com/vaultgate/vaultgate/internal/usage/domain"
	vaultdomain "github.com/vaultgate/vaultgate/internal/vault/domain"
)

// RetryAfterSeconds is the hint surfaced with a daily rate-limit
// denial: the quota resets within a day.
const RetryAfterSeconds = 86400

// MinSessionLength is the floor for opaque session identifiers. The
// upstream trust layer validates them; this core only rejects the
// obviously malformed.
const MinSessionLength = 8

// The public error taxonomy. Lower stores raise precise errors; the
// gateway translates them into these before they cross the boundary.
var (
	ErrInvalidSession = errors.New("invalid_session")
	ErrInvalidRequest = errors.New("invalid_request")
	// ErrAccessDenied covers missing grants and ownership mismatches
	// alike, so callers cannot probe for existence.
	ErrAccessDenied = errors.New("access_denied")
	ErrNoValidGrant = errors.New("no_valid_grant")
	ErrRateLimited  = errors.New("rate_limit_exceeded")
	ErrProxyFailure = errors.New("proxy_failure")
	ErrProxyTimeout = errors.New("proxy_timeout")
	ErrStorage      = errors.New("storage_failure")
)

// ProxyRequest is the caller's description of the outbound call.
type ProxyRequest struct {
	CredentialID string            `json:"credential_id"`
	TargetURL    string            `json:"target_url"`
	Method       string            `json:"method"`
	Headers      map[string]string `json:"headers"`
	Body         any               `json:"body"`
}

// ProxyResponse is what flows back: never the credential, never the
// outbound request headers.
type ProxyResponse struct {
	StatusCode     int               `json:"status_code"`
	Headers        map[string]string `json:"headers"`
	Data           any               `json:"data"`
	ResponseTimeMs float64           `json:"response_time_ms"`
}

// LogFilters narrows a listLogs query. Dates arrive as strings and
// parse leniently: a bad date is ignored, not fatal.
type LogFilters struct {
	CallerID  string `json:"caller_id"`
	Action    string `json:"action"`
	StartDate string `json:"start_date"`
	EndDate   string `json:"end_date"`
	Limit     int    `json:"limit"`
}

type Service interface {
	// StoreCredential validates the owner identity, stores the secret
	// and writes a best-effort bookkeeping audit entry.
	StoreCredential(ctx context.Context, name, plaintext, ownerSession string) (string, error)
	// GrantAccess delegates a credential to a caller for expiryHours,
	// failing closed on ownership.
	GrantAccess(ctx context.Context, credentialID, callerID string, permissions grantdomain.Permissions, expiryHours int, ownerSession string) (string, error)
	// ProxyCall runs the critical path: authorize, reserve quota,
	// decrypt, forward, account, audit. Every denial point writes a
	// best-effort audit entry before returning.
	ProxyCall(ctx context.Context, req ProxyRequest, callerSession string) (*ProxyResponse, error)
	// ListLogs returns the credential's audit trail to its owner.
	ListLogs(ctx context.Context, credentialID string, filters LogFilters, ownerSession string) ([]auditdomain.Entry, error)

	RevokeCredential(ctx context.Context, credentialID, ownerSession string) (int64, error)
	RotateCredential(ctx context.Context, credentialID, newPlaintext, ownerSession string) error
	ListCredentials(ctx context.Context, ownerSession string) ([]vaultdomain.Metadata, error)
	ListGrants(ctx context.Context, ownerSession string) ([]grantdomain.View, error)
	RevokeGrant(ctx context.Context, grantID, ownerSession string) error
	GetUsageStats(ctx context.Context, credentialID, ownerSession string, days int) (*auditdomain.Statistics, error)
	GetUsageStatus(ctx context.Context, credentialID, callerID, ownerSession string) (*usagedomain.Status, error)
	CleanupExpiredGrants(ctx context.Context) (int64, error)
}
