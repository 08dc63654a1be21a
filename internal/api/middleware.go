package api

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
)

const actorKey = "actor_id"

// RequestLogger logs HTTP requests
func RequestLogger(logger *logrus.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path
		raw := c.Request.URL.RawQuery

		c.Next()

		latency := time.Since(start)
		if raw != "" {
			path = path + "?" + raw
		}

		logger.WithFields(logrus.Fields{
			"status":     c.Writer.Status(),
			"latency_ms": latency.Milliseconds(),
			"client_ip":  c.ClientIP(),
			"method":     c.Request.Method,
			"path":       path,
		}).Info("HTTP Request")
	}
}

// ActorAuthentication resolves the acting account. Token issuance and
// verification happen upstream at the gateway; by the time a request
// lands here the actor id arrives as a trusted header.
func ActorAuthentication() gin.HandlerFunc {
	return func(c *gin.Context) {
		header := c.GetHeader("X-Actor-ID")
		if header == "" {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "actor identity required"})
			c.Abort()
			return
		}

		actorID, err := strconv.ParseUint(header, 10, 32)
		if err != nil || actorID == 0 {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid actor identity"})
			c.Abort()
			return
		}

		c.Set(actorKey, uint(actorID))
		c.Next()
	}
}

// CORS sets permissive cross-origin headers for the UI clients.
func CORS() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Writer.Header().Set("Access-Control-Allow-Origin", "*")
		c.Writer.Header().Set("Access-Control-Allow-Methods", "GET, POST, PATCH, DELETE, OPTIONS")
		c.Writer.Header().Set("Access-Control-Allow-Headers", "Content-Type, X-Actor-ID")

		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	}
}

func actorID(c *gin.Context) uint {
	v, _ := c.Get(actorKey)
	id, _ := v.(uint)
	return id
}
