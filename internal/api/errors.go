package api

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"milestonepay/internal/escrowerr"
	"milestonepay/pkg/logger"
)

// StatusFor maps an error to its HTTP status.
func StatusFor(err error) int {
	switch escrowerr.KindOf(err) {
	case escrowerr.KindValidation:
		return http.StatusBadRequest
	case escrowerr.KindWalletMissing:
		return http.StatusUnprocessableEntity
	case escrowerr.KindAlreadyBound, escrowerr.KindInvalidTransition, escrowerr.KindNotBound, escrowerr.KindMismatch:
		return http.StatusConflict
	case escrowerr.KindIndexOutOfRange, escrowerr.KindNotFound:
		return http.StatusNotFound
	case escrowerr.KindPermissionDenied:
		return http.StatusForbidden
	case escrowerr.KindChainCall:
		var cc *escrowerr.ChainCallError
		if errors.As(err, &cc) && cc.Transient {
			return http.StatusServiceUnavailable
		}
		return http.StatusBadGateway
	case escrowerr.KindPersistence:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// writeError 统一的错误响应
func writeError(c *gin.Context, l *zap.Logger, err error) {
	status := StatusFor(err)
	kind := escrowerr.KindOf(err)

	log := logger.WithTrace(c.Request.Context(), l).With(
		zap.String("path", c.FullPath()),
		zap.String("kind", string(kind)),
		zap.Int("status", status),
		zap.Error(err),
	)
	if status >= http.StatusInternalServerError {
		log.Error("Request failed")
	} else {
		log.Info("Request rejected")
	}

	if status == http.StatusInternalServerError {
		c.JSON(status, gin.H{"error": "internal error", "kind": kind})
		return
	}
	c.JSON(status, gin.H{"error": err.Error(), "kind": kind})
}
