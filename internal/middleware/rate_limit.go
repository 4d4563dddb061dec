package middleware

import (
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/osvaldoandrade/historia/internal/metrics"
	"github.com/osvaldoandrade/historia/internal/ratelimit"
	"github.com/osvaldoandrade/historia/pkg/config"
)

func RateLimitResearch(lim ratelimit.Limiter, cfg *config.Config) gin.HandlerFunc {
	return rateLimitOwner(lim, "research", "submit", cfg.RateLimit.Research)
}

func RateLimitPoll(lim ratelimit.Limiter, cfg *config.Config) gin.HandlerFunc {
	return rateLimitOwner(lim, "poll", "status", cfg.RateLimit.Poll)
}

func RateLimitShare(lim ratelimit.Limiter, cfg *config.Config) gin.HandlerFunc {
	return rateLimitOwner(lim, "share", "share", cfg.RateLimit.Share)
}

// rateLimitOwner must run after OwnerMiddleware. Callers without an owner are
// limited by bearer token, then by client address.
func rateLimitOwner(lim ratelimit.Limiter, scope string, operation string, bcfg config.RateLimitBucketConfig) gin.HandlerFunc {
	bucket := ratelimit.FromConfig(bcfg)
	return func(c *gin.Context) {
		if lim == nil || !bucket.Enabled() {
			c.Next()
			return
		}

		dec, err := lim.Allow(c.Request.Context(), scope, subject(c), bucket)
		if err != nil {
			// Fail open to avoid turning Redis hiccups into outages.
			slog.Default().Warn("rate limit check failed", "scope", scope, "op", operation, "err", err)
			c.Next()
			return
		}
		if dec.Allowed {
			c.Next()
			return
		}

		retryAfterSeconds := int(dec.RetryAfter.Seconds())
		if retryAfterSeconds <= 0 {
			retryAfterSeconds = 1
		}
		c.Header("Retry-After", strconv.Itoa(retryAfterSeconds))
		metrics.RateLimitHitsTotal.WithLabelValues(scope, operation).Inc()
		c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
			"error":             "rate limit exceeded",
			"scope":             scope,
			"operation":         operation,
			"retryAfterSeconds": retryAfterSeconds,
		})
	}
}

func subject(c *gin.Context) string {
	if owner, ok := GetOwner(c); ok {
		return owner.Key()
	}
	if token := bearerToken(c.GetHeader("Authorization")); token != "" {
		return "bearer:" + token
	}
	return "ip:" + c.ClientIP()
}

func bearerToken(authHeader string) string {
	authHeader = strings.TrimSpace(authHeader)
	if authHeader == "" {
		return ""
	}
	parts := strings.SplitN(authHeader, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}
	return strings.TrimSpace(parts[1])
}
