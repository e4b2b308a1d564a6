package api

import (
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/prochub/prochub/internal/supervisor"
)

const callerContextKey = "prochub.caller"

// Caller capability headers. A trusted front proxy authenticates the
// request and sets these; the API itself performs no authentication.
const (
	headerCallerName     = "X-Prochub-Caller"
	headerCallerAdmin    = "X-Prochub-Admin"
	headerCallerServices = "X-Prochub-Services"
)

// CallerResolver injects the request's supervisor.Caller into the gin
// context. A request without caller headers runs as the local admin
// operator; a named caller is restricted to its listed service ids unless
// the admin header is set.
func CallerResolver() gin.HandlerFunc {
	return func(c *gin.Context) {
		name := c.GetHeader(headerCallerName)
		if name == "" {
			c.Set(callerContextKey, supervisor.Caller{Name: "local", Admin: true})
			c.Next()
			return
		}

		caller := supervisor.Caller{
			Name:  name,
			Admin: strings.EqualFold(c.GetHeader(headerCallerAdmin), "true"),
		}
		if raw := c.GetHeader(headerCallerServices); raw != "" {
			for _, part := range strings.Split(raw, ",") {
				if trimmed := strings.TrimSpace(part); trimmed != "" {
					caller.ServiceIDs = append(caller.ServiceIDs, trimmed)
				}
			}
		}
		c.Set(callerContextKey, caller)
		c.Next()
	}
}

func callerFrom(c *gin.Context) supervisor.Caller {
	if v, ok := c.Get(callerContextKey); ok {
		if caller, ok := v.(supervisor.Caller); ok {
			return caller
		}
	}
	return supervisor.Caller{Name: "anonymous"}
}
