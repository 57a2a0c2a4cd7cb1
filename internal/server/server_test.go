package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/require"
	auditdomain "github.com/vaultgate/vaultgate/internal/audit/domain"
	"github.com/vaultgate/vaultgate/internal/config"
	gatewaydomain "github.com/vaultgate/vaultgate/internal/gateway/domain"
	grantdomain "github.com/vaultgate/vaultgate/internal/grant/domain"
	obsmetrics "github.com/vaultgate/vaultgate/internal/observability/metrics"
	usagedomain "github.com/vaultgate/vaultgate/internal/usage/domain"
	vaultdomain "github.com/vaultgate/vaultgate/internal/vault/domain"
	"go.uber.org/zap/zaptest"
)

type gatewayStub struct {
	storeID    string
	grantID    string
	proxyResp  *gatewaydomain.ProxyResponse
	err        error
	lastMethod string
}

func (g *gatewayStub) StoreCredential(ctx context.Context, name, plaintext, ownerSession string) (string, error) {
	g.lastMethod = "StoreCredential"
	return g.storeID, g.err
}

func (g *gatewayStub) GrantAccess(ctx context.Context, credentialID, callerID string, permissions grantdomain.Permissions, expiryHours int, ownerSession string) (string, error) {
	g.lastMethod = "GrantAccess"
	return g.grantID, g.err
}

func (g *gatewayStub) ProxyCall(ctx context.Context, req gatewaydomain.ProxyRequest, callerSession string) (*gatewaydomain.ProxyResponse, error) {
	g.lastMethod = "ProxyCall"
	return g.proxyResp, g.err
}

func (g *gatewayStub) ListLogs(ctx context.Context, credentialID string, filters gatewaydomain.LogFilters, ownerSession string) ([]auditdomain.Entry, error) {
	g.lastMethod = "ListLogs"
	return nil, g.err
}

func (g *gatewayStub) RevokeCredential(ctx context.Context, credentialID, ownerSession string) (int64, error) {
	g.lastMethod = "RevokeCredential"
	return 0, g.err
}

func (g *gatewayStub) RotateCredential(ctx context.Context, credentialID, newPlaintext, ownerSession string) error {
	g.lastMethod = "RotateCredential"
	return g.err
}

func (g *gatewayStub) ListCredentials(ctx context.Context, ownerSession string) ([]vaultdomain.Metadata, error) {
	g.lastMethod = "ListCredentials"
	return nil, g.err
}

func (g *gatewayStub) ListGrants(ctx context.Context, ownerSession string) ([]grantdomain.View, error) {
	g.lastMethod = "ListGrants"
	return nil, g.err
}

func (g *gatewayStub) RevokeGrant(ctx context.Context, grantID, ownerSession string) error {
	g.lastMethod = "RevokeGrant"
	return g.err
}

func (g *gatewayStub) GetUsageStats(ctx context.Context, credentialID, ownerSession string, days int) (*auditdomain.Statistics, error) {
	g.lastMethod = "GetUsageStats"
	return &auditdomain.Statistics{}, g.err
}

func (g *gatewayStub) GetUsageStatus(ctx context.Context, credentialID, callerID, ownerSession string) (*usagedomain.Status, error) {
	g.lastMethod = "GetUsageStatus"
	return &usagedomain.Status{}, g.err
}

func (g *gatewayStub) CleanupExpiredGrants(ctx context.Context) (int64, error) {
	g.lastMethod = "CleanupExpiredGrants"
	return 0, g.err
}

func setupServer(t *testing.T, stub *gatewayStub) *gin.Engine {
	t.Helper()
	gin.SetMode(gin.TestMode)

	httpMetrics, err := obsmetrics.NewHTTPMetrics()
	require.NoError(t, err)

	engine := NewEngine(zaptest.NewLogger(t), httpMetrics)
	NewServer(ServerParams{
		Gin:     engine,
		Cfg:     config.Config{HTTPAddr: ":0"},
		Log:     zaptest.NewLogger(t),
		Gateway: stub,
	})
	return engine
}

func doRequest(engine *gin.Engine, method, path, session, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if session != "" {
		req.Header.Set("X-Session-Id", session)
	}
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	engine.ServeHTTP(rec, req)
	return rec
}

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) errorPayload {
	t.Helper()
	var resp errorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	return resp.Error
}

func TestMissingSessionIsUnauthorized(t *testing.T) {
	engine := setupServer(t, &gatewayStub{})

	rec := doRequest(engine, http.MethodGet, "/v1/keys", "", "")
	require.Equal(t, http.StatusUnauthorized, rec.Code)
	require.Equal(t, "unauthorized", decodeError(t, rec).Type)
}

func TestStoreCredentialHappyPath(t *testing.T) {
	stub := &gatewayStub{storeID: "cred_X1"}
	engine := setupServer(t, stub)

	rec := doRequest(engine, http.MethodPost, "/v1/keys", "owner-session-1", `{"name":"k1","secret":"secret-123"}`)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	var body map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Equal(t, "cred_X1", body["credential_id"])
	require.Equal(t, "StoreCredential", stub.lastMethod)
}

func TestStoreCredentialMalformedBody(t *testing.T) {
	engine := setupServer(t, &gatewayStub{})

	rec := doRequest(engine, http.MethodPost, "/v1/keys", "owner-session-1", `{broken`)
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestErrorMapping(t *testing.T) {
	cases := []struct {
		name       string
		err        error
		wantStatus int
		wantType   string
	}{
		{"invalid session", gatewaydomain.ErrInvalidSession, http.StatusUnauthorized, "unauthorized"},
		{"access denied", gatewaydomain.ErrAccessDenied, http.StatusForbidden, "forbidden"},
		{"no valid grant", gatewaydomain.ErrNoValidGrant, http.StatusForbidden, "forbidden"},
		{"rate limited", gatewaydomain.ErrRateLimited, http.StatusTooManyRequests, "rate_limit_exceeded"},
		{"proxy failure", gatewaydomain.ErrProxyFailure, http.StatusBadGateway, "proxy_failure"},
		{"proxy timeout", gatewaydomain.ErrProxyTimeout, http.StatusGatewayTimeout, "proxy_timeout"},
		{"validation", vaultdomain.ErrDuplicateName, http.StatusBadRequest, "validation_error"},
		{"storage", gatewaydomain.ErrStorage, http.StatusInternalServerError, "internal_error"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			engine := setupServer(t, &gatewayStub{err: tc.err})

			rec := doRequest(engine, http.MethodPost, "/v1/proxy", "caller-session-1", `{"credential_id":"cred_A","target_url":"https://api.example.com/v1"}`)
			require.Equal(t, tc.wantStatus, rec.Code)
			require.Equal(t, tc.wantType, decodeError(t, rec).Type)
		})
	}
}

func TestRateLimitedSetsRetryAfter(t *testing.T) {
	engine := setupServer(t, &gatewayStub{err: gatewaydomain.ErrRateLimited})

	rec := doRequest(engine, http.MethodPost, "/v1/proxy", "caller-session-1", `{"credential_id":"cred_A","target_url":"https://api.example.com/v1"}`)
	require.Equal(t, http.StatusTooManyRequests, rec.Code)
	require.Equal(t, strconv.Itoa(gatewaydomain.RetryAfterSeconds), rec.Header().Get("Retry-After"))
}

func TestProxyCallWrapsUpstreamResponse(t *testing.T) {
	stub := &gatewayStub{proxyResp: &gatewaydomain.ProxyResponse{
		StatusCode:     200,
		Data:           map[string]any{"result": "ok"},
		ResponseTimeMs: 12.5,
	}}
	engine := setupServer(t, stub)

	rec := doRequest(engine, http.MethodPost, "/v1/proxy", "caller-session-1", `{"credential_id":"cred_A","target_url":"https://api.example.com/v1","method":"POST"}`)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp gatewaydomain.ProxyResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Equal(t, 200, resp.StatusCode)
}

func TestGetUsageStatusRequiresCaller(t *testing.T) {
	engine := setupServer(t, &gatewayStub{})

	rec := doRequest(engine, http.MethodGet, "/v1/keys/cred_A/usage", "owner-session-1", "")
	require.Equal(t, http.StatusBadRequest, rec.Code)

	rec = doRequest(engine, http.MethodGet, "/v1/keys/cred_A/usage?caller_id=caller-1", "owner-session-1", "")
	require.Equal(t, http.StatusOK, rec.Code)
}
