package api

import (
	"strings"
)

// RouteKey derives the rate limit bucket key for a request.
// Snowflakes are replaced with :id except the guild id, which is the major parameter.
func RouteKey(method, path string) string {
	if i := strings.IndexByte(path, '?'); i >= 0 {
		path = path[:i]
	}

	parts := strings.Split(path, "/")
	for i, part := range parts {
		if !isSnowflake(part) {
			continue
		}

		if i > 0 && parts[i-1] == "guilds" {
			continue
		}

		parts[i] = ":id"
	}

	return method + " " + strings.Join(parts, "/")
}

func isSnowflake(s string) bool {
	if len(s) < 15 || len(s) > 21 {
		return false
	}

	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}

	return true
}
