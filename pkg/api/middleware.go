package api

import (
	"crypto/subtle"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
)

// secureEqual compares two secrets in constant time.
func secureEqual(a, b string) bool {
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}

// bearerToken extracts the token from an Authorization: Bearer header.
func bearerToken(c *gin.Context) string {
	h := c.GetHeader("Authorization")
	const prefix = "Bearer "
	if !strings.HasPrefix(h, prefix) {
		return ""
	}
	return h[len(prefix):]
}

// workerAuth guards the worker API with the shared worker key.
func (s *Server) workerAuth() gin.HandlerFunc {
	return func(c *gin.Context) {
		if s.cfg.Security.WorkerAPIKey == "" || !secureEqual(bearerToken(c), s.cfg.Security.WorkerAPIKey) {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}
		c.Next()
	}
}

// cronAuth guards the cron endpoints.
func (s *Server) cronAuth() gin.HandlerFunc {
	return func(c *gin.Context) {
		if s.cfg.Security.CronSecret == "" || !secureEqual(bearerToken(c), s.cfg.Security.CronSecret) {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}
		c.Next()
	}
}

// webhookAuth validates the delivery secret carried by the event source.
func (s *Server) webhookAuth() gin.HandlerFunc {
	return func(c *gin.Context) {
		if s.cfg.Security.WebhookSecret == "" || !secureEqual(c.GetHeader("X-Webhook-Secret"), s.cfg.Security.WebhookSecret) {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}
		c.Next()
	}
}

// rateLimit rejects requests over the per-client sliding window. Keys are
// client IPs; surface names the limiter in metrics.
func (s *Server) rateLimit(limiter *rateLimiter, surface string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if !limiter.Allow(c.ClientIP()) {
			s.metrics.rateLimited.WithLabelValues(surface).Inc()
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{"error": "rate limit exceeded"})
			return
		}
		c.Next()
	}
}
