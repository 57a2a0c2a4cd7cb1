package grant

import (
	grantdomain "github.com/vaultgate/vaultgate/internal/grant/domain"
	"github.com/vaultgate/vaultgate/internal/grant/repository"
	"github.com/vaultgate/vaultgate/internal/grant/service"
	vaultdomain "github.com/vaultgate/vaultgate/internal/vault/domain"
	"go.uber.org/fx"
)

var Module = fx.Module("grant.service",
	fx.Provide(repository.Provide),
	fx.Provide(service.New),
	fx.Provide(func(s grantdomain.Service) vaultdomain.GrantRevoker { return s }),
)
