package vault

import (
	"github.com/vaultgate/vaultgate/internal/vault/repository"
	"github.com/vaultgate/vaultgate/internal/vault/service"
	"go.uber.org/fx"
)

var Module = fx.Module("vault.service",
	fx.Provide(repository.Provide),
	fx.Provide(service.New),
)
