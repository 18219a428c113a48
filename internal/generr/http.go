package generr

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/tidwall/gjson"
)

// maxBodyInMessage bounds how much of an unparseable body ends up in a message.
const maxBodyInMessage = 512

// invalidKeyMarkers identify 400 responses that are really credential or
// endpoint misconfiguration.
var invalidKeyMarkers = []string{
	"invalid key",
	"invalid api key",
	"invalid_api_key",
	"invalid access key",
	"invalid endpoint",
	"endpoint not found",
}

// messagePaths are tried in order when extracting a provider message.
var messagePaths = []string{"message", "msg", "error.message", "error", "detail", "data.message"}

// FromHTTP classifies a non-2xx provider response.
func FromHTTP(provider string, status int, body []byte, header http.Header) *Error {
	e := &Error{Provider: provider, StatusCode: status, Message: Message(body)}

	switch {
	case status == http.StatusUnauthorized:
		e.Kind = KindAuth
	case status == http.StatusBadRequest && hasInvalidKeyMarker(body):
		e.Kind = KindAuth
		e.Hint = "The provider rejected the API key or endpoint. Check the configured credentials and base URL."
	case status == http.StatusTooManyRequests:
		e.Kind = KindRateLimited
		e.RetryAfter = ParseRetryAfter(header.Get("Retry-After"), time.Now())
	case status >= 500:
		e.Kind = KindTransient
	default:
		e.Kind = KindPermanent
	}
	return e
}

// Message extracts a human-readable provider message from a JSON body.
// Non-JSON bodies are returned trimmed and truncated.
func Message(body []byte) string {
	if len(body) == 0 {
		return ""
	}
	if gjson.ValidBytes(body) {
		for _, p := range messagePaths {
			r := gjson.GetBytes(body, p)
			if r.Type == gjson.String && r.Str != "" {
				return r.Str
			}
		}
		return ""
	}
	s := strings.TrimSpace(string(body))
	if len(s) > maxBodyInMessage {
		s = s[:maxBodyInMessage]
	}
	return s
}

// ParseRetryAfter reads a Retry-After header in either delta-seconds or
// HTTP-date form. Unparseable or past values yield zero.
func ParseRetryAfter(v string, now time.Time) time.Duration {
	v = strings.TrimSpace(v)
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil {
		if secs <= 0 {
			return 0
		}
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(v); err == nil {
		if d := t.Sub(now); d > 0 {
			return d
		}
	}
	return 0
}

func hasInvalidKeyMarker(body []byte) bool {
	lower := strings.ToLower(string(body))
	for _, m := range invalidKeyMarkers {
		if strings.Contains(lower, m) {
			return true
		}
	}
	return false
}
