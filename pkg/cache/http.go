package cache

import (
	"net/http"
	"time"
)

// DefaultTTL is used when a count response carries no usable Expires header.
const DefaultTTL = 5 * time.Minute

// ParseExpires returns the Expires header of headers, or now + DefaultTTL when
// it is missing or malformed. A date in the past yields now.
func ParseExpires(headers http.Header) time.Time {
	raw := headers.Get("Expires")
	if raw == "" {
		return time.Now().Add(DefaultTTL)
	}

	expires, err := http.ParseTime(raw)
	if err != nil {
		return time.Now().Add(DefaultTTL)
	}
	if expires.Before(time.Now()) {
		return time.Now()
	}
	return expires
}

// Revalidate makes req conditional on entry's ETag and reports whether it did.
// The search service only validates through ETags.
func Revalidate(req *http.Request, entry *Entry) bool {
	if req == nil || entry == nil || entry.ETag == "" {
		return false
	}
	req.Header.Set("If-None-Match", entry.ETag)
	return true
}
