package audit

import (
	"github.com/vaultgate/vaultgate/internal/audit/repository"
	"github.com/vaultgate/vaultgate/internal/audit/service"
	"go.uber.org/fx"
)

var Module = fx.Module("audit.service",
	fx.Provide(repository.Provide),
	fx.Provide(service.New),
)
