package source

import (
	"github.com/go-resty/resty/v2"
	"golang.org/x/time/rate"
)

// Limiter builds the per-provider request limiter cfg describes. A zero
// RateLimit allows every request.
func (c RetryConfig) Limiter() *rate.Limiter {
	limit := rate.Inf
	if c.RateLimit > 0 {
		limit = rate.Limit(c.RateLimit)
	}
	burst := c.Burst
	if burst < 1 {
		burst = 1
	}
	return rate.NewLimiter(limit, burst)
}

// Throttle makes every request sent by client wait for a token from limiter,
// so day fan-out, discovery probes and retries all share one budget. A nil
// limiter leaves client unthrottled.
func Throttle(client *resty.Client, limiter *rate.Limiter) *resty.Client {
	if limiter == nil {
		return client
	}
	return client.OnBeforeRequest(func(_ *resty.Client, req *resty.Request) error {
		if err := limiter.Wait(req.Context()); err != nil {
			return Failure(Timeout, err)
		}
		return nil
	})
}
