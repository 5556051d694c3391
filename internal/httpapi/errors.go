package httpapi

import (
	"errors"
	"net/http"

	"meetai/internal/calls"
	"meetai/pkg/logger"

	"github.com/gin-gonic/gin"
)

// Error codes are part of the API contract; clients switch on them.
const (
	codeInvalidArgument     = "invalid_argument"
	codeUnauthenticated     = "unauthenticated"
	codeForbidden           = "forbidden"
	codeNotFound            = "not_found"
	codeCallEnded           = "call_ended"
	codeAlreadyCompleted    = "already_completed"
	codeNotCompleted        = "not_completed"
	codeProviderUnavailable = "provider_unavailable"
	codeRateLimited         = "rate_limited"
	codeInternal            = "internal"
)

var errorTable = []struct {
	err    error
	status int
	code   string
}{
	{calls.ErrInvalidArgument, http.StatusBadRequest, codeInvalidArgument},
	{calls.ErrNotFound, http.StatusNotFound, codeNotFound},
	{calls.ErrForbidden, http.StatusForbidden, codeForbidden},
	{calls.ErrCallEnded, http.StatusConflict, codeCallEnded},
	{calls.ErrAlreadyCompleted, http.StatusConflict, codeAlreadyCompleted},
	{calls.ErrNotCompleted, http.StatusConflict, codeNotCompleted},
	{calls.ErrProviderUnavailable, http.StatusServiceUnavailable, codeProviderUnavailable},
}

// ErrorStatus maps a lifecycle error to its HTTP status and code.
func ErrorStatus(err error) (int, string) {
	for _, e := range errorTable {
		if errors.Is(err, e.err) {
			return e.status, e.code
		}
	}
	return http.StatusInternalServerError, codeInternal
}

func writeError(c *gin.Context, err error) {
	status, code := ErrorStatus(err)
	msg := err.Error()
	if status == http.StatusInternalServerError {
		logger.FromGin(c).Error("call operation failed", "err", err, "path", c.FullPath())
		_ = c.Error(err)
		msg = "internal error"
	}
	c.AbortWithStatusJSON(status, gin.H{"error": msg, "code": code})
}
