package usage

import (
	"github.com/vaultgate/vaultgate/internal/usage/repository"
	"github.com/vaultgate/vaultgate/internal/usage/service"
	"go.uber.org/fx"
)

var Module = fx.Module("usage.service",
	fx.Provide(repository.Provide),
	fx.Provide(service.New),
)
