package server

import (
	"strings"

	"github.com/gin-gonic/gin"
)

const sessionContextKey = "session_id"

// SessionRequired pulls the opaque session identifier off the request.
// The gateway validates it further; the middleware only rejects its
// outright absence.
func (s *Server) SessionRequired() gin.HandlerFunc {
	return func(c *gin.Context) {
		session := strings.TrimSpace(c.GetHeader("X-Session-Id"))
		if session == "" {
			AbortWithError(c, ErrUnauthorized)
			return
		}
		c.Set(sessionContextKey, session)
		c.Next()
	}
}

func sessionFrom(c *gin.Context) string {
	return c.GetString(sessionContextKey)
}
