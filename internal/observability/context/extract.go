package context

import (
	"strings"

	"github.com/gin-gonic/gin"
)

func RequestIDFromGin(c *gin.Context) string {
	if c == nil {
		return ""
	}
	if c.Request != nil {
		if value := RequestIDFromContext(c.Request.Context()); value != "" {
			return value
		}
	}
	return strings.TrimSpace(c.GetString("request_id"))
}

// ChannelFromGin reads the gateway channel from the route or the request
// context, in that order.
func ChannelFromGin(c *gin.Context) string {
	if c == nil {
		return ""
	}
	if value := strings.ToLower(strings.TrimSpace(c.Param("channel"))); value != "" {
		return value
	}
	if c.Request != nil {
		return ChannelFromContext(c.Request.Context())
	}
	return ""
}
