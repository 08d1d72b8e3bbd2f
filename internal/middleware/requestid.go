package middleware

import (
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

const (
	// RequestIDHeader is the HTTP header used to propagate the request identifier.
	RequestIDHeader = "X-Request-ID"

	// RequestIDKey is the gin.Context key under which the request ID string is stored.
	RequestIDKey = "request_id"

	// maxRequestIDLength caps caller supplied identifiers. Longer values are replaced.
	maxRequestIDLength = 128
)

// RequestIDMiddleware ensures every request carries an identifier. An inbound X-Request-ID is
// reused when it is at most 128 characters, otherwise a UUID is generated. The identifier is
// stored under RequestIDKey and echoed in the response header so callers can correlate their
// request with the server's log lines and with the history records it wrote.
func RequestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.GetHeader(RequestIDHeader)
		if id == "" || len(id) > maxRequestIDLength {
			id = uuid.New().String()
		}

		c.Set(RequestIDKey, id)
		c.Header(RequestIDHeader, id)

		c.Next()
	}
}

// RequestID returns the identifier stored by RequestIDMiddleware, or "".
func RequestID(c *gin.Context) string {
	return c.GetString(RequestIDKey)
}
