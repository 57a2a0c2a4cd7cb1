package server

import (
	"net/http"

	"github.com/gin-gonic/gin"
	gatewaydomain "github.com/vaultgate/vaultgate/internal/gateway/domain"
)

type listLogsQuery struct {
	CallerID  string `form:"caller_id"`
	Action    string `form:"action"`
	StartDate string `form:"start_date"`
	EndDate   string `form:"end_date"`
	Limit     int    `form:"limit"`
}

func (s *Server) ListCredentialLogs(c *gin.Context) {
	var query listLogsQuery
	if err := c.ShouldBindQuery(&query); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	entries, err := s.gateway.ListLogs(c.Request.Context(), c.Param("id"), gatewaydomain.LogFilters{
		CallerID:  query.CallerID,
		Action:    query.Action,
		StartDate: query.StartDate,
		EndDate:   query.EndDate,
		Limit:     query.Limit,
	}, sessionFrom(c))
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": entries})
}
