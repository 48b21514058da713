package middleware

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
)

// RequesterHeader carries the chat user id of the caller
const RequesterHeader = "X-Requester-ID"

const requesterKey = "requesterID"

// Requester resolves the caller's id from RequesterHeader, or from the
// "requester" query parameter for WebSocket clients that cannot set headers.
// Requests without a valid id are rejected with 401.
func Requester() gin.HandlerFunc {
	return func(c *gin.Context) {
		raw := strings.TrimSpace(c.GetHeader(RequesterHeader))
		if raw == "" {
			raw = strings.TrimSpace(c.Query("requester"))
		}
		if raw == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "missing " + RequesterHeader + " header"})
			return
		}
		id, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid " + RequesterHeader + " header"})
			return
		}
		c.Set(requesterKey, id)
		c.Next()
	}
}

// RequesterID returns the id stored by Requester
func RequesterID(c *gin.Context) int64 {
	return c.GetInt64(requesterKey)
}
