package middleware

import (
	"net/http"
	"strings"
	"subscription-api/internal/response"
	"time"

	"github.com/gin-gonic/gin"
)

// Context keys set by the middleware in this package
const (
	CallerUserIDKey = "caller_user_id"
	RequestTimeKey  = "request_time"
)

// UserIDHeader carries the authenticated vendor id from the upstream auth layer
const UserIDHeader = "X-User-ID"

// CallerMiddleware requires the X-User-ID header set by the upstream
// authentication layer and stores it in the context
func CallerMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		userID := strings.TrimSpace(c.GetHeader(UserIDHeader))
		if userID == "" {
			response.ErrorJSON(c, http.StatusUnauthorized, "unauthenticated", "Missing "+UserIDHeader+" header")
			return
		}

		c.Set(CallerUserIDKey, userID)
		c.Set(RequestTimeKey, time.Now())
		c.Next()
	}
}

// CallerUserID returns the caller stored by CallerMiddleware
func CallerUserID(c *gin.Context) string {
	return c.GetString(CallerUserIDKey)
}
