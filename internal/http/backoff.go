package http

import (
	"math/rand/v2"
	"net/http"
	"strings"
	"time"

	"github.com/hashicorp/go-retryablehttp"

	"github.com/fivetwenty-io/secapi/internal/constants"
	"github.com/fivetwenty-io/secapi/internal/ratelimit"
)

// Delay sources reported by RetryDelay.
const (
	DelaySourceRetryAfter = "retry-after"
	DelaySourceReset      = "reset"
	DelaySourceFallback   = "rate-limit-fallback"
	DelaySourceBackoff    = "backoff"
)

// RetryDelay computes the wait before retrying a response with status and
// headers. Server guidance wins in priority order: a Retry-After style
// header, then a reset time, each padded by one second. Without guidance a
// 429 waits a fixed time and anything else backs off exponentially from
// waitMin, capped at waitMax. attempt is zero-based.
func RetryDelay(status int, headers http.Header, attempt int, waitMin, waitMax time.Duration, now time.Time) (time.Duration, string) {
	if value, name, ok := ratelimit.First(headers, constants.RetryAfterHeaders); ok {
		var (
			delay  time.Duration
			parsed bool
		)

		if strings.EqualFold(name, "Retry-After") {
			delay, parsed = ratelimit.ParseRetryAfter(value, now)
		} else {
			delay, parsed = ratelimit.ParseSeconds(value)
		}

		if parsed {
			return padded(delay), DelaySourceRetryAfter
		}
	}

	if value, _, ok := ratelimit.First(headers, constants.ResetHeaders); ok {
		if resetAt, parsed := ratelimit.ParseResetAt(value, now); parsed {
			delay := resetAt.Sub(now)
			if delay < 0 {
				delay = 0
			}

			return padded(delay), DelaySourceReset
		}
	}

	if status == http.StatusTooManyRequests {
		return constants.RateLimitFallbackWait, DelaySourceFallback
	}

	return exponentialBackoff(attempt, waitMin, waitMax), DelaySourceBackoff
}

// padded adds RetryPadding, saturating instead of wrapping.
func padded(delay time.Duration) time.Duration {
	if delay > ratelimit.MaxDuration-constants.RetryPadding {
		return ratelimit.MaxDuration
	}

	return delay + constants.RetryPadding
}

// exponentialBackoff returns waitMin * 2^attempt plus up to waitMin of
// jitter, never more than waitMax.
func exponentialBackoff(attempt int, waitMin, waitMax time.Duration) time.Duration {
	if waitMin <= 0 {
		waitMin = constants.DefaultRetryWaitMin
	}

	if waitMax < waitMin {
		waitMax = waitMin
	}

	delay := retryablehttp.DefaultBackoff(waitMin, waitMax, attempt, nil)
	delay += rand.N(waitMin) //nolint:gosec // jitter does not need a secure source

	if delay > waitMax {
		delay = waitMax
	}

	return delay
}
