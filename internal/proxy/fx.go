package proxy

import (
	"github.com/vaultgate/vaultgate/internal/config"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var Module = fx.Module("proxy.executor",
	fx.Provide(func(cfg config.Config, log *zap.Logger) (*RuleHolder, error) {
		return NewRuleHolder(cfg.ProxyRulesFile, log)
	}),
	fx.Provide(func(cfg config.Config, log *zap.Logger, rules *RuleHolder) *Executor {
		return NewExecutor(log, rules, cfg.ProxyTimeout)
	}),
)
