package feed

import (
	"net/url"
	"strings"
	"time"

	"github.com/microcosm-cc/bluemonday"
)

const (
	// MaxURLLength bounds accepted feed URLs.
	MaxURLLength = 2048
	// MaxFeedSize bounds accepted feed payloads (10 MB).
	MaxFeedSize = 10 * 1024 * 1024
)

// descriptionPolicy allows a small inline-HTML subset; everything else,
// including scripts, styles and event handlers, is stripped.
var descriptionPolicy = func() *bluemonday.Policy {
	p := bluemonday.NewPolicy()
	p.AllowElements("p", "br", "strong", "em", "u")
	p.AllowAttrs("href").OnElements("a")
	p.AllowStandardURLs()
	return p
}()

// ValidateURL accepts only http(s) URLs of bounded length.
func ValidateURL(rawURL string) bool {
	if rawURL == "" || len(rawURL) > MaxURLLength {
		return false
	}
	u, err := url.Parse(rawURL)
	if err != nil {
		return false
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return false
	}
	return u.Host != ""
}

// ValidateContent rejects oversized, truncated or non-calendar payloads
// before the parser ever runs.
func ValidateContent(content string) bool {
	if content == "" || len(content) > MaxFeedSize {
		return false
	}
	return strings.Contains(content, "BEGIN:VCALENDAR") &&
		strings.Contains(content, "END:VCALENDAR")
}

// SanitizeDescription strips everything outside the inline-HTML allowlist.
// Empty input returns an empty string.
func SanitizeDescription(text string) string {
	if text == "" {
		return ""
	}
	return descriptionPolicy.Sanitize(text)
}

// ValidateDateRange accepts only well-formed instants with start <= end.
func ValidateDateRange(start, end time.Time) bool {
	if start.IsZero() || end.IsZero() {
		return false
	}
	return !start.After(end)
}
