package server

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
)

type storeCredentialRequest struct {
	Name   string `json:"name"`
	Secret string `json:"secret"`
}

func (s *Server) StoreCredential(c *gin.Context) {
	var req storeCredentialRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	credentialID, err := s.gateway.StoreCredential(c.Request.Context(), req.Name, req.Secret, sessionFrom(c))
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusCreated, gin.H{"credential_id": credentialID})
}

func (s *Server) ListCredentials(c *gin.Context) {
	credentials, err := s.gateway.ListCredentials(c.Request.Context(), sessionFrom(c))
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": credentials})
}

func (s *Server) RevokeCredential(c *gin.Context) {
	revokedGrants, err := s.gateway.RevokeCredential(c.Request.Context(), c.Param("id"), sessionFrom(c))
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"revoked_grants": revokedGrants})
}

type rotateCredentialRequest struct {
	Secret string `json:"secret"`
}

func (s *Server) RotateCredential(c *gin.Context) {
	var req rotateCredentialRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	if err := s.gateway.RotateCredential(c.Request.Context(), c.Param("id"), req.Secret, sessionFrom(c)); err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"status": "rotated"})
}

func (s *Server) GetCredentialStats(c *gin.Context) {
	days := 0
	if raw := strings.TrimSpace(c.Query("days")); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil {
			AbortWithError(c, invalidRequestError())
			return
		}
		days = parsed
	}

	stats, err := s.gateway.GetUsageStats(c.Request.Context(), c.Param("id"), sessionFrom(c), days)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": stats})
}

func (s *Server) GetUsageStatus(c *gin.Context) {
	callerID := strings.TrimSpace(c.Query("caller_id"))
	if callerID == "" {
		AbortWithError(c, invalidRequestError())
		return
	}

	status, err := s.gateway.GetUsageStatus(c.Request.Context(), c.Param("id"), callerID, sessionFrom(c))
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": status})
}
