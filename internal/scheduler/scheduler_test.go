package scheduler

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/glebarez/sqlite"
	auditdomain "github.com/vaultgate/vaultgate/internal/audit/domain"
	auditrepo "github.com/vaultgate/vaultgate/internal/audit/repository"
	auditservice "github.com/vaultgate/vaultgate/internal/audit/service"
	"github.com/vaultgate/vaultgate/internal/clock"
	"github.com/vaultgate/vaultgate/internal/config"
	grantdomain "github.com/vaultgate/vaultgate/internal/grant/domain"
	grantrepo "github.com/vaultgate/vaultgate/internal/grant/repository"
	grantservice "github.com/vaultgate/vaultgate/internal/grant/service"
	usagedomain "github.com/vaultgate/vaultgate/internal/usage/domain"
	usagerepo "github.com/vaultgate/vaultgate/internal/usage/repository"
	usageservice "github.com/vaultgate/vaultgate/internal/usage/service"
	"go.uber.org/zap/zaptest"
	"gorm.io/gorm"
)

func setupScheduler(t *testing.T) (*Scheduler, grantdomain.Service, *clock.FakeClock) {
	t.Helper()

	db, err := gorm.Open(sqlite.Open("file::memory:"), &gorm.Config{})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	err = db.AutoMigrate(
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
	log := zaptest.NewLogger(t)
	fake := clock.NewFakeClock(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))

	grants := grantservice.New(grantservice.Params{
		DB: db, Log: log, GenID: node, Clock: fake, Repo: grantrepo.Provide(),
	})
	usage := usageservice.New(usageservice.Params{
		DB: db, Log: log, Clock: fake, Repo: usagerepo.Provide(),
	})
	audit := auditservice.New(auditservice.Params{
		DB: db, Log: log, Clock: fake, Repo: auditrepo.Provide(),
	})

	sched, err := New(Params{
		Log:   log,
		Clock: fake,
		Cfg: config.Config{
			SweepInterval:      time.Hour,
			UsageRetentionDays: 30,
			AuditRetentionDays: 90,
		},
		GrantSvc: grants,
		UsageSvc: usage,
		AuditSvc: audit,
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return sched, grants, fake
}

func TestRunOnceSweepsExpiredGrants(t *testing.T) {
	sched, grants, fake := setupScheduler(t)
	ctx := context.Background()

	perms := grantdomain.Permissions{Version: grantdomain.PermissionsVersion, MaxCallsPerDay: 10}
	if _, err := grants.CreateGrant(ctx, "cred_A", "caller-1", perms, fake.Now().Add(time.Hour), "owner-1"); err != nil {
		t.Fatalf("CreateGrant short: %v", err)
	}
	if _, err := grants.CreateGrant(ctx, "cred_A", "caller-2", perms, fake.Now().Add(48*time.Hour), "owner-1"); err != nil {
		t.Fatalf("CreateGrant long: %v", err)
	}

	fake.Advance(2 * time.Hour)

	if err := sched.RunOnce(ctx); err != nil {
		t.Fatalf("RunOnce: %v", err)
	}

	if g, err := grants.GetGrant(ctx, "cred_A", "caller-1"); err != nil || g != nil {
		t.Fatalf("expired grant survived the sweep: grant=%v err=%v", g, err)
	}
	if g, err := grants.GetGrant(ctx, "cred_A", "caller-2"); err != nil || g == nil {
		t.Fatalf("live grant was swept: grant=%v err=%v", g, err)
	}
}

func TestRunOnceSkipsDisabledRetention(t *testing.T) {
	sched, _, _ := setupScheduler(t)
	sched.usageRetentionDays = 0
	sched.auditRetentionDays = 0

	if err := sched.RunOnce(context.Background()); err != nil {
		t.Fatalf("RunOnce with retention disabled: %v", err)
	}
}

func TestNewRejectsMissingDependencies(t *testing.T) {
	if _, err := New(Params{}); !errors.Is(err, ErrInvalidConfig) {
		t.Fatalf("got %v, want ErrInvalidConfig", err)
	}
}
