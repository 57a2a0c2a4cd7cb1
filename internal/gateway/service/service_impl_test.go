package service

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/glebarez/sqlite"
	auditdomain "github.com/vaultgate/vaultgate/internal/audit/domain"
	auditrepo "github.com/vaultgate/vaultgate/internal/audit/repository"
	auditservice "github.com/vaultgate/vaultgate/internal/audit/service"
	"github.com/vaultgate/vaultgate/internal/clock"
	"github.com/vaultgate/vaultgate/internal/crypto"
	gatewaydomain "github.com/vaultgate/vaultgate/internal/gateway/domain"
	grantdomain "github.com/vaultgate/vaultgate/internal/grant/domain"
	grantrepo "github.com/vaultgate/vaultgate/internal/grant/repository"
	grantservice "github.com/vaultgate/vaultgate/internal/grant/service"
	"github.com/vaultgate/vaultgate/internal/proxy"
	usagedomain "github.com/vaultgate/vaultgate/internal/usage/domain"
	usagerepo "github.com/vaultgate/vaultgate/internal/usage/repository"
	usageservice "github.com/vaultgate/vaultgate/internal/usage/service"
	vaultdomain "github.com/vaultgate/vaultgate/internal/vault/domain"
	vaultrepo "github.com/vaultgate/vaultgate/internal/vault/repository"
	vaultservice "github.com/vaultgate/vaultgate/internal/vault/service"
	"go.uber.org/zap/zaptest"
	"gorm.io/gorm"
)

const (
	ownerSession  = "owner-session-1"
	callerOne     = "caller-c1-id"
	callerTwo     = "caller-c2-id"
	storedSecret  = "secret-123"
	proxyEndpoint = "/v1/complete"
)

type gatewayFixture struct {
	svc      *Service
	grants   grantdomain.Service
	audit    auditdomain.Service
	fake     *clock.FakeClock
	upstream *httptest.Server
}

func setupGateway(t *testing.T) *gatewayFixture {
	t.Helper()

	db, err := gorm.Open(sqlite.Open("file::memory:"), &gorm.Config{})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	err = db.AutoMigrate(
		&vaultdomain.Credential{},
		&grantdomain.Grant{},
		&usagedomain.Counter{},
		&auditdomain.Entry{},
		&auditdomain.SequenceRecord{},
	)
	if err != nil {
		t.Fatalf("migrate: %v", err)
	}

	node, err := snowflake.NewNode(1)
	if err != nil {
		t.Fatalf("snowflake node: %v", err)
	}
	engine, err := crypto.New()
	if err != nil {
		t.Fatalf("crypto engine: %v", err)
	}
	log := zaptest.NewLogger(t)
	fake := clock.NewFakeClock(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))

	grants := grantservice.New(grantservice.Params{
		DB: db, Log: log, GenID: node, Clock: fake, Repo: grantrepo.Provide(),
	})
	vault := vaultservice.New(vaultservice.Params{
		DB: db, Log: log, GenID: node, Clock: fake, Engine: engine,
		Repo: vaultrepo.Provide(), Revoker: grants,
	})
	usage := usageservice.New(usageservice.Params{
		DB: db, Log: log, Clock: fake, Repo: usagerepo.Provide(),
	})
	audit := auditservice.New(auditservice.Params{
		DB: db, Log: log, Clock: fake, Repo: auditrepo.Provide(),
	})

	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"result":"ok"}`))
	}))
	t.Cleanup(upstream.Close)

	holder, err := proxy.NewRuleHolder("", log)
	if err != nil {
		t.Fatalf("rule holder: %v", err)
	}
	executor := proxy.NewExecutor(log, holder, 5*time.Second)

	gw := New(Params{
		Log: log, Clock: fake,
		Vault: vault, Grants: grants, Usage: usage, Audit: audit,
		Executor: executor,
	}).(*Service)

	return &gatewayFixture{svc: gw, grants: grants, audit: audit, fake: fake, upstream: upstream}
}

func (f *gatewayFixture) storeAndGrant(t *testing.T, maxCalls uint32, expiryHours int) string {
	t.Helper()
	ctx := context.Background()
	credentialID, err := f.svc.StoreCredential(ctx, "k1", storedSecret, ownerSession)
	if err != nil {
		t.Fatalf("StoreCredential: %v", err)
	}
	perms := grantdomain.Permissions{Version: grantdomain.PermissionsVersion, MaxCallsPerDay: maxCalls}
	if _, err := f.svc.GrantAccess(ctx, credentialID, callerOne, perms, expiryHours, ownerSession); err != nil {
		t.Fatalf("GrantAccess: %v", err)
	}
	return credentialID
}

func (f *gatewayFixture) proxyReq(credentialID string) gatewaydomain.ProxyRequest {
	return gatewaydomain.ProxyRequest{
		CredentialID: credentialID,
		TargetURL:    f.upstream.URL + proxyEndpoint,
		Method:       "POST",
		Body:         map[string]any{"prompt": "hi"},
	}
}

func TestEndToEndScenario(t *testing.T) {
	f := setupGateway(t)
	ctx := context.Background()
	credentialID := f.storeAndGrant(t, 2, 24)

	// Caller c1 makes two successful calls.
	for i := 0; i < 2; i++ {
		resp, err := f.svc.ProxyCall(ctx, f.proxyReq(credentialID), callerOne)
		if err != nil {
			t.Fatalf("proxy call %d: %v", i+1, err)
		}
		if resp.StatusCode != 200 {
			t.Fatalf("status = %d", resp.StatusCode)
		}
		f.fake.Advance(time.Second)
	}

	// The third call hits the daily limit.
	if _, err := f.svc.ProxyCall(ctx, f.proxyReq(credentialID), callerOne); !errors.Is(err, gatewaydomain.ErrRateLimited) {
		t.Fatalf("third call: got %v, want ErrRateLimited", err)
	}
	f.fake.Advance(time.Second)

	// Caller c2 holds no grant.
	if _, err := f.svc.ProxyCall(ctx, f.proxyReq(credentialID), callerTwo); !errors.Is(err, gatewaydomain.ErrAccessDenied) {
		t.Fatalf("ungranted caller: got %v, want ErrAccessDenied", err)
	}
	f.fake.Advance(time.Second)

	entries, err := f.svc.ListLogs(ctx, credentialID, gatewaydomain.LogFilters{}, ownerSession)
	if err != nil {
		t.Fatalf("ListLogs: %v", err)
	}
	if len(entries) != 5 {
		t.Fatalf("got %d audit entries, want 5", len(entries))
	}
	for i := 1; i < len(entries); i++ {
		if entries[i].Timestamp.After(entries[i-1].Timestamp) {
			t.Fatal("entries must be reverse chronological")
		}
	}

	counts := map[string]int{}
	for _, e := range entries {
		counts[e.Action]++
		if e.Action == auditdomain.ActionGrantAccess {
			// Granting is the owner's action; the grantee appears only
			// in the endpoint.
			if e.CallerID != ownerSession {
				t.Fatalf("grant_access caller = %q, want the owner", e.CallerID)
			}
			if e.Endpoint != "/grant/"+callerOne {
				t.Fatalf("grant_access endpoint = %q", e.Endpoint)
			}
		}
	}
	if counts[auditdomain.ActionProxyCall] != 2 ||
		counts[auditdomain.ActionRateLimitBlocked] != 1 ||
		counts[auditdomain.ActionAuthorizationFailed] != 1 ||
		counts[auditdomain.ActionGrantAccess] != 1 {
		t.Fatalf("action breakdown = %v", counts)
	}
}

func TestAuditNeverContainsSecret(t *testing.T) {
	f := setupGateway(t)
	ctx := context.Background()
	credentialID := f.storeAndGrant(t, 5, 24)

	// Even a request body embedding the secret leaves no trace in the
	// audit log.
	req := f.proxyReq(credentialID)
	req.Body = map[string]any{"prompt": storedSecret}
	if _, err := f.svc.ProxyCall(ctx, req, callerOne); err != nil {
		t.Fatalf("ProxyCall: %v", err)
	}

	entries, err := f.svc.ListLogs(ctx, credentialID, gatewaydomain.LogFilters{}, ownerSession)
	if err != nil {
		t.Fatalf("ListLogs: %v", err)
	}
	for _, e := range entries {
		for _, field := range []string{e.Endpoint, e.Method, e.Action, e.CallerID, e.CredentialID} {
			if field == storedSecret {
				t.Fatalf("audit entry leaks the secret in %+v", e)
			}
		}
		if e.ErrorMessage != nil && *e.ErrorMessage == storedSecret {
			t.Fatalf("audit entry leaks the secret in %+v", e)
		}
	}
}

func TestProxyCallIdentityAndInputValidation(t *testing.T) {
	f := setupGateway(t)
	ctx := context.Background()
	credentialID := f.storeAndGrant(t, 5, 24)

	if _, err := f.svc.ProxyCall(ctx, f.proxyReq(credentialID), "short"); !errors.Is(err, gatewaydomain.ErrInvalidSession) {
		t.Fatalf("got %v, want ErrInvalidSession", err)
	}

	req := f.proxyReq(credentialID)
	req.TargetURL = ""
	if _, err := f.svc.ProxyCall(ctx, req, callerOne); !errors.Is(err, gatewaydomain.ErrInvalidRequest) {
		t.Fatalf("got %v, want ErrInvalidRequest", err)
	}

	req = f.proxyReq("")
	if _, err := f.svc.ProxyCall(ctx, req, callerOne); !errors.Is(err, gatewaydomain.ErrInvalidRequest) {
		t.Fatalf("got %v, want ErrInvalidRequest", err)
	}
}

func TestProxyCallExpiredGrantDenied(t *testing.T) {
	f := setupGateway(t)
	ctx := context.Background()
	credentialID := f.storeAndGrant(t, 5, 1)

	f.fake.Advance(2 * time.Hour)

	if _, err := f.svc.ProxyCall(ctx, f.proxyReq(credentialID), callerOne); !errors.Is(err, gatewaydomain.ErrAccessDenied) {
		t.Fatalf("got %v, want ErrAccessDenied after expiry", err)
	}
}

func TestProxyCallTransportFailureReleasesQuota(t *testing.T) {
	f := setupGateway(t)
	ctx := context.Background()
	credentialID := f.storeAndGrant(t, 1, 24)

	// Point at a dead upstream: the call fails, the reserved slot
	// comes back.
	dead := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	deadURL := dead.URL
	dead.Close()

	req := f.proxyReq(credentialID)
	req.TargetURL = deadURL + proxyEndpoint
	if _, err := f.svc.ProxyCall(ctx, req, callerOne); !errors.Is(err, gatewaydomain.ErrProxyFailure) {
		t.Fatalf("got %v, want ErrProxyFailure", err)
	}

	// The failed call did not consume the single daily slot.
	resp, err := f.svc.ProxyCall(ctx, f.proxyReq(credentialID), callerOne)
	if err != nil {
		t.Fatalf("call after failure: %v", err)
	}
	if resp.StatusCode != 200 {
		t.Fatalf("status = %d", resp.StatusCode)
	}
}

func TestProxyCallTimeoutDistinctAndAudited(t *testing.T) {
	f := setupGateway(t)
	ctx := context.Background()
	credentialID := f.storeAndGrant(t, 5, 24)

	slow := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(300 * time.Millisecond)
		w.Write([]byte(`{}`))
	}))
	t.Cleanup(slow.Close)

	holder, err := proxy.NewRuleHolder("", zaptest.NewLogger(t))
	if err != nil {
		t.Fatalf("rule holder: %v", err)
	}
	f.svc.executor = proxy.NewExecutor(zaptest.NewLogger(t), holder, 20*time.Millisecond)

	req := f.proxyReq(credentialID)
	req.TargetURL = slow.URL + proxyEndpoint
	if _, err := f.svc.ProxyCall(ctx, req, callerOne); !errors.Is(err, gatewaydomain.ErrProxyTimeout) {
		t.Fatalf("got %v, want ErrProxyTimeout", err)
	}

	entries, err := f.svc.ListLogs(ctx, credentialID, gatewaydomain.LogFilters{Action: auditdomain.ActionProxyCall}, ownerSession)
	if err != nil {
		t.Fatalf("ListLogs: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("got %d proxy_call entries, want 1", len(entries))
	}
	if entries[0].ResponseCode != 504 || entries[0].ErrorMessage == nil {
		t.Fatalf("timeout entry = %+v", entries[0])
	}
}

func TestGrantAccessFailsClosedOnOwnership(t *testing.T) {
	f := setupGateway(t)
	ctx := context.Background()
	credentialID, err := f.svc.StoreCredential(ctx, "k1", storedSecret, ownerSession)
	if err != nil {
		t.Fatalf("StoreCredential: %v", err)
	}

	perms := grantdomain.Permissions{Version: grantdomain.PermissionsVersion, MaxCallsPerDay: 5}
	if _, err := f.svc.GrantAccess(ctx, credentialID, callerOne, perms, 24, "intruder-session"); !errors.Is(err, gatewaydomain.ErrAccessDenied) {
		t.Fatalf("got %v, want ErrAccessDenied", err)
	}
	if _, err := f.svc.GrantAccess(ctx, credentialID, callerOne, perms, 0, ownerSession); !errors.Is(err, gatewaydomain.ErrInvalidRequest) {
		t.Fatalf("zero expiry: got %v, want ErrInvalidRequest", err)
	}
	if _, err := f.svc.GrantAccess(ctx, credentialID, callerOne, grantdomain.Permissions{Version: 1}, 24, ownerSession); !errors.Is(err, grantdomain.ErrInvalidPermissions) {
		t.Fatalf("bad permissions: got %v, want ErrInvalidPermissions", err)
	}
}

func TestRevokeCredentialDeauthorizesAllCallers(t *testing.T) {
	f := setupGateway(t)
	ctx := context.Background()
	credentialID := f.storeAndGrant(t, 5, 24)

	perms := grantdomain.Permissions{Version: grantdomain.PermissionsVersion, MaxCallsPerDay: 5}
	if _, err := f.svc.GrantAccess(ctx, credentialID, callerTwo, perms, 24, ownerSession); err != nil {
		t.Fatalf("GrantAccess: %v", err)
	}

	revoked, err := f.svc.RevokeCredential(ctx, credentialID, ownerSession)
	if err != nil {
		t.Fatalf("RevokeCredential: %v", err)
	}
	if revoked != 2 {
		t.Fatalf("cascade revoked %d grants, want 2", revoked)
	}

	for _, caller := range []string{callerOne, callerTwo} {
		if _, err := f.svc.ProxyCall(ctx, f.proxyReq(credentialID), caller); !errors.Is(err, gatewaydomain.ErrAccessDenied) {
			t.Fatalf("caller %s: got %v, want ErrAccessDenied", caller, err)
		}
	}
}

func TestListLogsFailsClosedAndClampsFilters(t *testing.T) {
	f := setupGateway(t)
	ctx := context.Background()
	credentialID := f.storeAndGrant(t, 5, 24)

	if _, err := f.svc.ListLogs(ctx, credentialID, gatewaydomain.LogFilters{}, "intruder-session"); !errors.Is(err, gatewaydomain.ErrAccessDenied) {
		t.Fatalf("got %v, want ErrAccessDenied", err)
	}

	// An unparseable date is ignored, an oversized limit is clamped.
	entries, err := f.svc.ListLogs(ctx, credentialID, gatewaydomain.LogFilters{
		StartDate: "not-a-date",
		Limit:     99999,
	}, ownerSession)
	if err != nil {
		t.Fatalf("ListLogs: %v", err)
	}
	if len(entries) == 0 {
		t.Fatal("expected the grant_access entry")
	}
}

func TestGetUsageStatsAndStatus(t *testing.T) {
	f := setupGateway(t)
	ctx := context.Background()
	credentialID := f.storeAndGrant(t, 5, 24)

	for i := 0; i < 2; i++ {
		if _, err := f.svc.ProxyCall(ctx, f.proxyReq(credentialID), callerOne); err != nil {
			t.Fatalf("ProxyCall: %v", err)
		}
	}

	stats, err := f.svc.GetUsageStats(ctx, credentialID, ownerSession, 7)
	if err != nil {
		t.Fatalf("GetUsageStats: %v", err)
	}
	if stats.TotalCalls != 2 || stats.SuccessfulCalls != 2 {
		t.Fatalf("stats = %+v", stats)
	}

	status, err := f.svc.GetUsageStatus(ctx, credentialID, callerOne, ownerSession)
	if err != nil {
		t.Fatalf("GetUsageStatus: %v", err)
	}
	if status.Used != 2 || status.Limit != 5 || status.Remaining != 3 {
		t.Fatalf("status = %+v", status)
	}

	if _, err := f.svc.GetUsageStats(ctx, credentialID, "intruder-session", 7); !errors.Is(err, gatewaydomain.ErrAccessDenied) {
		t.Fatalf("got %v, want ErrAccessDenied", err)
	}
}

func TestCleanupExpiredGrants(t *testing.T) {
	f := setupGateway(t)
	ctx := context.Background()
	f.storeAndGrant(t, 5, 1)

	f.fake.Advance(3 * time.Hour)

	swept, err := f.svc.CleanupExpiredGrants(ctx)
	if err != nil {
		t.Fatalf("CleanupExpiredGrants: %v", err)
	}
	if swept != 1 {
		t.Fatalf("swept %d, want 1", swept)
	}
}
