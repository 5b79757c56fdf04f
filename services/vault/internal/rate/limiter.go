// Package rate throttles authorized callers of the collateral endpoints with
// a fixed window counter per key.
package rate

import (
	"context"
	"time"
)

// Limiter admits one request for key at now. When the request is refused it
// also reports how long until the window resets.
type Limiter interface {
	Allow(ctx context.Context, key string, now time.Time) (bool, time.Duration, error)
}

// CallerKey names the bucket for a request: the API key prefix when the
// caller presented a parseable key, otherwise the client address.
func CallerKey(prefix, clientIP string) string {
	if prefix != "" {
		return "key:" + prefix
	}
	return "ip:" + clientIP
}
