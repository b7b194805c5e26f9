package server

import (
	"context"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	obscontext "github.com/smallbiznis/headliner/internal/observability/context"
	"github.com/smallbiznis/headliner/internal/observability/logger"
	obsmetrics "github.com/smallbiznis/headliner/internal/observability/metrics"
	"go.uber.org/zap"
)

const rateLimitReasonOwnerRotate = "owner-rotate"

// OwnerScope tags the request context with the :owner_id path segment.
func OwnerScope() gin.HandlerFunc {
	return func(c *gin.Context) {
		ownerID := strings.TrimSpace(c.Param("owner_id"))
		if ownerID == "" {
			AbortWithError(c, newValidationError("owner_id", "required", "owner_id is required"))
			return
		}
		ctx := obscontext.WithOwnerID(c.Request.Context(), ownerID)
		c.Request = c.Request.WithContext(ctx)
		c.Next()
	}
}

// RotateRateLimit bounds manual rotations per experiment owner.
func (s *Server) RotateRateLimit() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !s.rotateLimiter.Enabled() {
			c.Next()
			return
		}

		ctx := c.Request.Context()
		exp, err := s.experimentSvc.Get(ctx, c.Param("id"))
		if err != nil {
			AbortWithError(c, err)
			return
		}

		result, err := s.rotateLimiter.AllowOwner(ctx, exp.OwnerID)
		if err != nil {
			logger.FromContext(ctx).Warn("manual rotate rate limit check failed", zap.Error(err))
			AbortWithError(c, ErrServiceUnavailable)
			return
		}
		if !result.Allowed {
			denyRotate(c, exp.OwnerID, int(result.RetryAfter.Seconds())+1, s.obsMetrics)
			return
		}

		c.Next()
	}
}

func denyRotate(c *gin.Context, ownerID string, retryAfterSeconds int, metrics *obsmetrics.Metrics) {
	ctx := c.Request.Context()
	logger.FromContext(ctx).Warn("manual rotate rate limit exceeded",
		zap.String("owner_id", ownerID),
		zap.String("reason", rateLimitReasonOwnerRotate),
	)
	recordRateLimitDenied(ctx, c.FullPath(), metrics)

	c.Header("Retry-After", strconv.Itoa(retryAfterSeconds))
	c.Header("X-Rate-Limited-Reason", rateLimitReasonOwnerRotate)
	AbortWithError(c, ErrRateLimited)
}

func recordRateLimitDenied(ctx context.Context, endpoint string, metrics *obsmetrics.Metrics) {
	if metrics == nil {
		return
	}
	metrics.RecordRateLimitDenied(ctx, endpoint, rateLimitReasonOwnerRotate)
}
