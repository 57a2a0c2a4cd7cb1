package main

import (
	"github.com/bwmarrin/snowflake"
	"github.com/vaultgate/vaultgate/internal/audit"
	"github.com/vaultgate/vaultgate/internal/clock"
	"github.com/vaultgate/vaultgate/internal/config"
	"github.com/vaultgate/vaultgate/internal/crypto"
	"github.com/vaultgate/vaultgate/internal/gateway"
	"github.com/vaultgate/vaultgate/internal/grant"
	"github.com/vaultgate/vaultgate/internal/logger"
	"github.com/vaultgate/vaultgate/internal/migration"
	"github.com/vaultgate/vaultgate/internal/observability"
	"github.com/vaultgate/vaultgate/internal/proxy"
	"github.com/vaultgate/vaultgate/internal/ratelimit"
	"github.com/vaultgate/vaultgate/internal/scheduler"
	"github.com/vaultgate/vaultgate/internal/server"
	"github.com/vaultgate/vaultgate/internal/usage"
	"github.com/vaultgate/vaultgate/internal/vault"
	"github.com/vaultgate/vaultgate/pkg/db"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

func main() {
	app := fx.New(
		// Core infrastructure
		config.Module,
		logger.Module,
		clock.Module,
		db.Module,
		observability.Module,
		fx.Provide(RegisterSnowflake),
		fx.Provide(NewCryptoEngine),

		// Functional domains
		vault.Module,
		grant.Module,
		usage.Module,
		audit.Module,
		proxy.Module,
		ratelimit.Module,
		gateway.Module,

		server.Module,
		migration.Module,
		scheduler.Module,
	)
	app.Run()
}

func RegisterSnowflake() *snowflake.Node {
	node, err := snowflake.NewNode(1)
	if err != nil {
		panic(err)
	}
	return node
}

func NewCryptoEngine(cfg config.Config, log *zap.Logger) (*crypto.Engine, error) {
	if cfg.MasterPassphrase != "" {
		return crypto.NewFromPassphrase(cfg.MasterPassphrase)
	}
	log.Named("crypto").Warn("no master passphrase configured, using an ephemeral key; stored credentials will not survive a restart")
	return crypto.New()
}
