package server

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	auditdomain "github.com/vaultgate/vaultgate/internal/audit/domain"
	gatewaydomain "github.com/vaultgate/vaultgate/internal/gateway/domain"
	grantdomain "github.com/vaultgate/vaultgate/internal/grant/domain"
	usagedomain "github.com/vaultgate/vaultgate/internal/usage/domain"
	vaultdomain "github.com/vaultgate/vaultgate/internal/vault/domain"
)

type errorPayload struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

type errorResponse struct {
	Error errorPayload `json:"error"`
}

var (
	ErrUnauthorized = errors.New("unauthorized")
	ErrInternal     = errors.New("internal_error")
)

func ErrorHandlingMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()

		if c.Writer.Written() {
			return
		}

		lastErr := c.Errors.Last()
		if lastErr == nil {
			return
		}

		status, payload := mapError(lastErr.Err)
		if status == http.StatusTooManyRequests {
			c.Header("Retry-After", strconv.Itoa(gatewaydomain.RetryAfterSeconds))
		}
		c.Header("Content-Type", "application/json")
		c.AbortWithStatusJSON(status, errorResponse{Error: payload})
	}
}

func AbortWithError(c *gin.Context, err error) {
	if err == nil {
		return
	}
	_ = c.Error(err)
	c.Abort()
}

func invalidRequestError() error {
	return gatewaydomain.ErrInvalidRequest
}

// mapError is intentionally coarse on the denial side: a caller probing
// a credential id gets the same forbidden answer whether the credential
// is missing, revoked, foreign or simply ungranted.
func mapError(err error) (int, errorPayload) {
	switch {
	case err == nil:
		return http.StatusInternalServerError, errorPayload{
			Type:    "internal_error",
			Message: "internal server error",
		}
	case isValidationError(err):
		return http.StatusBadRequest, errorPayload{
			Type:    "validation_error",
			Message: err.Error(),
		}
	case errors.Is(err, ErrUnauthorized),
		errors.Is(err, gatewaydomain.ErrInvalidSession):
		return http.StatusUnauthorized, errorPayload{
			Type:    "unauthorized",
			Message: "unauthorized",
		}
	case errors.Is(err, gatewaydomain.ErrAccessDenied),
		errors.Is(err, gatewaydomain.ErrNoValidGrant):
		return http.StatusForbidden, errorPayload{
			Type:    "forbidden",
			Message: "forbidden",
		}
	case errors.Is(err, gatewaydomain.ErrRateLimited):
		return http.StatusTooManyRequests, errorPayload{
			Type:    "rate_limit_exceeded",
			Message: err.Error(),
		}
	case errors.Is(err, gatewaydomain.ErrProxyTimeout):
		return http.StatusGatewayTimeout, errorPayload{
			Type:    "proxy_timeout",
			Message: "upstream call timed out",
		}
	case errors.Is(err, gatewaydomain.ErrProxyFailure):
		return http.StatusBadGateway, errorPayload{
			Type:    "proxy_failure",
			Message: "upstream call failed",
		}
	default:
		return http.StatusInternalServerError, errorPayload{
			Type:    "internal_error",
			Message: "internal server error",
		}
	}
}

func isValidationError(err error) bool {
	for _, sentinel := range []error{
		gatewaydomain.ErrInvalidRequest,
		vaultdomain.ErrInvalidOwner,
		vaultdomain.ErrInvalidName,
		vaultdomain.ErrInvalidSecret,
		vaultdomain.ErrDuplicateName,
		grantdomain.ErrInvalidCredential,
		grantdomain.ErrInvalidCaller,
		grantdomain.ErrInvalidOwner,
		grantdomain.ErrInvalidPermissions,
		grantdomain.ErrExpiryInPast,
		auditdomain.ErrInvalidLimit,
		auditdomain.ErrInvalidDays,
		usagedomain.ErrInvalidPair,
		usagedomain.ErrInvalidDays,
	} {
		if errors.Is(err, sentinel) {
			return true
		}
	}
	return false
}
