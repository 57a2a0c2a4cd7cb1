package server

import (
	"net/http"

	"github.com/gin-gonic/gin"
	gatewaydomain "github.com/vaultgate/vaultgate/internal/gateway/domain"
)

func (s *Server) ProxyCall(c *gin.Context) {
	var req gatewaydomain.ProxyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	resp, err := s.gateway.ProxyCall(c.Request.Context(), req, sessionFrom(c))
	if err != nil {
		AbortWithError(c, err)
		return
	}

	// The upstream status travels inside the envelope; the proxy
	// endpoint itself answered.
	c.JSON(http.StatusOK, resp)
}
