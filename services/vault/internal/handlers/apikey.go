package handlers

import (
	"context"
	"errors"
	"log/slog"
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/AfshinJalili/collateral/libs/apikey"
	"github.com/AfshinJalili/collateral/services/vault/internal/rate"
	"github.com/AfshinJalili/collateral/services/vault/internal/storage"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

const (
	APIKeyHeader     = "X-API-Key"
	contextCallerKey = "vault_caller"
)

type KeyStore interface {
	GetAPIKeyByPrefix(ctx context.Context, prefix string) (apikey.Record, error)
}

// CallerAuth authenticates authorized callers by API key and stores their
// identity on the context. A non-nil limiter throttles each key prefix, or the
// client address when no usable key was sent, before the key store is hit.
func CallerAuth(keys KeyStore, limiter rate.Limiter, logger *slog.Logger) gin.HandlerFunc {
	if logger == nil {
		logger = slog.Default()
	}
	return func(c *gin.Context) {
		key := c.GetHeader(APIKeyHeader)
		_, prefix, _, parseErr := apikey.Parse(key)
		if !admit(c, limiter, rate.CallerKey(prefix, c.ClientIP()), logger) {
			return
		}

		if key == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, errorResponse{Code: "UNAUTHORIZED", Message: "missing api key"})
			return
		}
		if parseErr != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, errorResponse{Code: "UNAUTHORIZED", Message: "invalid api key"})
			return
		}

		record, err := keys.GetAPIKeyByPrefix(c.Request.Context(), prefix)
		if err != nil {
			if errors.Is(err, storage.ErrNotFound) {
				c.AbortWithStatusJSON(http.StatusUnauthorized, errorResponse{Code: "UNAUTHORIZED", Message: "invalid api key"})
				return
			}
			logger.Error("api key lookup failed", "prefix", prefix, "error", err)
			c.AbortWithStatusJSON(http.StatusInternalServerError, errorResponse{Code: "INTERNAL_ERROR", Message: "internal error"})
			return
		}

		callerID, err := apikey.Verify(key, record, c.ClientIP())
		switch {
		case errors.Is(err, apikey.ErrIPNotAllowed):
			c.AbortWithStatusJSON(http.StatusForbidden, errorResponse{Code: "FORBIDDEN", Message: "ip not allowed"})
			return
		case err != nil:
			c.AbortWithStatusJSON(http.StatusUnauthorized, errorResponse{Code: "UNAUTHORIZED", Message: err.Error()})
			return
		}
		caller, err := uuid.Parse(callerID)
		if err != nil {
			logger.Error("api key has malformed caller id", "prefix", prefix, "error", err)
			c.AbortWithStatusJSON(http.StatusInternalServerError, errorResponse{Code: "INTERNAL_ERROR", Message: "internal error"})
			return
		}

		c.Set(contextCallerKey, caller)
		c.Next()
	}
}

// admit applies the limiter. A limiter backend failure lets the request
// through; key verification still runs.
func admit(c *gin.Context, limiter rate.Limiter, bucket string, logger *slog.Logger) bool {
	if limiter == nil {
		return true
	}
	allowed, retryAfter, err := limiter.Allow(c.Request.Context(), bucket, time.Now())
	if err != nil {
		logger.Warn("caller rate limit unavailable", "bucket", bucket, "error", err)
		return true
	}
	if allowed {
		return true
	}
	c.Header("Retry-After", strconv.Itoa(int(math.Ceil(retryAfter.Seconds()))))
	c.AbortWithStatusJSON(http.StatusTooManyRequests, errorResponse{Code: "RATE_LIMITED", Message: "too many requests"})
	return false
}

func callerFromContext(c *gin.Context) (uuid.UUID, bool) {
	v, ok := c.Get(contextCallerKey)
	if !ok {
		return uuid.Nil, false
	}
	id, ok := v.(uuid.UUID)
	return id, ok && id != uuid.Nil
}
