package ratelimit

import (
	"math"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/fivetwenty-io/secapi/internal/constants"
)

// Lookup returns the value of the named header, matching the name
// case-insensitively even when the map keys are not canonical.
func Lookup(headers http.Header, name string) (string, bool) {
	if values, ok := headers[http.CanonicalHeaderKey(name)]; ok && len(values) > 0 {
		return strings.TrimSpace(values[0]), true
	}

	for key, values := range headers {
		if strings.EqualFold(key, name) && len(values) > 0 {
			return strings.TrimSpace(values[0]), true
		}
	}

	return "", false
}

// First returns the first non-empty header among names, in order.
func First(headers http.Header, names []string) (string, string, bool) {
	for _, name := range names {
		if value, ok := Lookup(headers, name); ok && value != "" {
			return value, name, true
		}
	}

	return "", "", false
}

// ParseSeconds parses a relative wait given as "60", "60s" or "1.5".
func ParseSeconds(value string) (time.Duration, bool) {
	value = strings.TrimSuffix(strings.TrimSpace(value), "s")

	seconds, err := strconv.ParseFloat(value, 64)
	if err != nil || seconds < 0 || math.IsNaN(seconds) || math.IsInf(seconds, 0) {
		return 0, false
	}

	return secondsToDuration(seconds), true
}

// MaxDuration is returned for waits too long to represent.
const MaxDuration = time.Duration(math.MaxInt64)

// secondsToDuration converts non-negative seconds, saturating at MaxDuration.
func secondsToDuration(seconds float64) time.Duration {
	if seconds >= float64(MaxDuration)/float64(time.Second) {
		return MaxDuration
	}

	return time.Duration(seconds * float64(time.Second))
}

// ParseRetryAfter parses a Retry-After value: delay-seconds or an HTTP date.
func ParseRetryAfter(value string, now time.Time) (time.Duration, bool) {
	if delay, ok := ParseSeconds(value); ok {
		return delay, true
	}

	when, err := http.ParseTime(value)
	if err != nil {
		return 0, false
	}

	delay := when.Sub(now)
	if delay < 0 {
		delay = 0
	}

	return delay, true
}

// maxUnixSeconds keeps reset timestamps within the range time.Time.Sub
// reports without saturating negative.
const maxUnixSeconds = float64(math.MaxInt64 / int64(time.Second))

// ParseResetAt interprets a reset header as either a Unix epoch in seconds
// or, for small values, a number of seconds from now.
func ParseResetAt(value string, now time.Time) (time.Time, bool) {
	number, err := strconv.ParseFloat(strings.TrimSpace(value), 64)
	if err != nil || number < 0 || math.IsNaN(number) || math.IsInf(number, 0) {
		return time.Time{}, false
	}

	if number < constants.RelativeResetThreshold {
		return now.Add(secondsToDuration(number)), true
	}

	if number >= maxUnixSeconds {
		return now.Add(MaxDuration), true
	}

	sec, frac := math.Modf(number)

	return time.Unix(int64(sec), int64(frac*float64(time.Second))), true
}
