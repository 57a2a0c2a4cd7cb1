package server

import (
	"net/http"

	"github.com/gin-gonic/gin"
	grantdomain "github.com/vaultgate/vaultgate/internal/grant/domain"
)

type createGrantRequest struct {
	CredentialID string                  `json:"credential_id"`
	CallerID     string                  `json:"caller_id"`
	Permissions  grantdomain.Permissions `json:"permissions"`
	ExpiryHours  int                     `json:"expiry_hours"`
}

func (s *Server) CreateGrant(c *gin.Context) {
	var req createGrantRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	grantID, err := s.gateway.GrantAccess(
		c.Request.Context(),
		req.CredentialID,
		req.CallerID,
		req.Permissions,
		req.ExpiryHours,
		sessionFrom(c),
	)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusCreated, gin.H{"grant_id": grantID})
}

func (s *Server) ListGrants(c *gin.Context) {
	grants, err := s.gateway.ListGrants(c.Request.Context(), sessionFrom(c))
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": grants})
}

func (s *Server) RevokeGrant(c *gin.Context) {
	if err := s.gateway.RevokeGrant(c.Request.Context(), c.Param("id"), sessionFrom(c)); err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"status": "revoked"})
}

func (s *Server) CleanupExpiredGrants(c *gin.Context) {
	swept, err := s.gateway.CleanupExpiredGrants(c.Request.Context())
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"expired_grants": swept})
}
