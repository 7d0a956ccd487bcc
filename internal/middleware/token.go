package middleware

import (
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/garage-scan/backend/pkg/response"
)

// ContextIngestToken is the key for the presented session credential in gin context.
const ContextIngestToken = "ingest_token"

// BearerToken extracts an optional "Authorization: Bearer <token>" credential into
// the context. A missing header yields an empty credential; a malformed one is rejected.
// Whether the credential is required is decided by the session registry.
func BearerToken() gin.HandlerFunc {
	return func(c *gin.Context) {
		header := c.GetHeader("Authorization")
		if header == "" {
			c.Set(ContextIngestToken, "")
			c.Next()
			return
		}
		parts := strings.SplitN(header, " ", 2)
		if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") || strings.TrimSpace(parts[1]) == "" {
			response.Unauthorized(c, "invalid authorization header")
			c.Abort()
			return
		}
		c.Set(ContextIngestToken, strings.TrimSpace(parts[1]))
		c.Next()
	}
}

// IngestToken returns the credential stored by BearerToken.
func IngestToken(c *gin.Context) string {
	return c.GetString(ContextIngestToken)
}
