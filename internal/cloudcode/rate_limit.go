package cloudcode

import (
	"net/http"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// The backend reports quota reset times in several shapes depending on
// which layer rejected the request: standard rate-limit headers, a
// structured RetryInfo detail, or free-text inside the error message.
// ParseResetTime tries them in order of reliability.

var (
	quotaResetDelayRe = regexp.MustCompile(`"quotaResetDelay"\s*:\s*"?(\d+(?:\.\d+)?)(ms|s)"?`)
	quotaResetStampRe = regexp.MustCompile(`"quotaResetTimeStamp"\s*:\s*"([^"]+)"`)
	retryDelayRe      = regexp.MustCompile(`"retryDelay"\s*:\s*"(\d+(?:\.\d+)?)s"`)
	retryAfterMsRe    = regexp.MustCompile(`"retry-after-ms"\s*:\s*"?(\d+)"?`)
	retryAfterSecRe   = regexp.MustCompile(`[Rr]etry after (\d+) sec`)
	goDurationRe      = regexp.MustCompile(`\b(\d+h)?(\d+m)?(\d+(?:\.\d+)?s)\b`)
	isoTimestampRe    = regexp.MustCompile(`reset[^0-9]*(\d{4}-\d{2}-\d{2}T\d{2}:\d{2}:\d{2}(?:\.\d+)?(?:Z|[+-]\d{2}:\d{2}))`)
)

// ParseResetTime extracts a quota reset time from a 429 response. It
// returns nil when nothing parseable is present, in which case callers
// fall back to a fixed cooldown.
func ParseResetTime(headers http.Header, body []byte, now time.Time) *time.Time {
	if t := resetFromHeaders(headers, now); t != nil {
		return t
	}
	return resetFromBody(string(body), now)
}

func resetFromHeaders(headers http.Header, now time.Time) *time.Time {
	if v := headers.Get("retry-after"); v != "" {
		if secs, err := strconv.ParseFloat(v, 64); err == nil && secs > 0 {
			t := now.Add(time.Duration(secs * float64(time.Second)))
			return &t
		}
		if at, err := http.ParseTime(v); err == nil && at.After(now) {
			return &at
		}
	}
	if v := headers.Get("x-ratelimit-reset"); v != "" {
		if unix, err := strconv.ParseInt(v, 10, 64); err == nil {
			t := time.Unix(unix, 0)
			if t.After(now) {
				return &t
			}
		}
	}
	if v := headers.Get("x-ratelimit-reset-after"); v != "" {
		if secs, err := strconv.ParseFloat(v, 64); err == nil && secs > 0 {
			t := now.Add(time.Duration(secs * float64(time.Second)))
			return &t
		}
	}
	return nil
}

func resetFromBody(body string, now time.Time) *time.Time {
	if m := quotaResetDelayRe.FindStringSubmatch(body); m != nil {
		if v, err := strconv.ParseFloat(m[1], 64); err == nil && v > 0 {
			unit := time.Second
			if m[2] == "ms" {
				unit = time.Millisecond
			}
			t := now.Add(time.Duration(v * float64(unit)))
			return &t
		}
	}
	if m := quotaResetStampRe.FindStringSubmatch(body); m != nil {
		if at, err := time.Parse(time.RFC3339, m[1]); err == nil && at.After(now) {
			return &at
		}
	}
	if m := retryDelayRe.FindStringSubmatch(body); m != nil {
		if secs, err := strconv.ParseFloat(m[1], 64); err == nil && secs > 0 {
			t := now.Add(time.Duration(secs * float64(time.Second)))
			return &t
		}
	}
	if m := retryAfterMsRe.FindStringSubmatch(body); m != nil {
		if ms, err := strconv.ParseInt(m[1], 10, 64); err == nil && ms > 0 {
			t := now.Add(time.Duration(ms) * time.Millisecond)
			return &t
		}
	}
	if m := retryAfterSecRe.FindStringSubmatch(body); m != nil {
		if secs, err := strconv.ParseInt(m[1], 10, 64); err == nil && secs > 0 {
			t := now.Add(time.Duration(secs) * time.Second)
			return &t
		}
	}
	if m := isoTimestampRe.FindStringSubmatch(body); m != nil {
		if at, err := time.Parse(time.RFC3339, m[1]); err == nil && at.After(now) {
			return &at
		}
	}
	// Go-style durations like "1h23m45s" show up in some error strings.
	if m := goDurationRe.FindString(body); m != "" && strings.ContainsAny(m, "hms") {
		if d, err := time.ParseDuration(m); err == nil && d > 0 {
			t := now.Add(d)
			return &t
		}
	}
	return nil
}
