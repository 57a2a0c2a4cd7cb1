package gateway

import (
	"github.com/vaultgate/vaultgate/internal/gateway/service"
	"go.uber.org/fx"
)

var Module = fx.Module("gateway.service",
	fx.Provide(service.New),
)
