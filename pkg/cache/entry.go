package cache

import (
	"net/http"
	"time"

	"github.com/tidwall/gjson"
)

// Entry is a cached count response: the body of a zero-size search with the
// total it announced.
type Entry struct {
	Body  []byte `json:"body"`
	Total int    `json:"total"`

	// ETag is sent back as If-None-Match when the entry is revalidated.
	ETag string `json:"etag,omitempty"`

	Expires  time.Time `json:"expires"`
	CachedAt time.Time `json:"cached_at"`

	// Revalidations counts the 304 answers that extended the entry.
	Revalidations int `json:"revalidations,omitempty"`
}

// NewEntry builds the entry of a count response from its body and headers.
// The entry expires at the response's Expires date.
func NewEntry(body []byte, header http.Header) *Entry {
	return &Entry{
		Body:     body,
		Total:    int(gjson.GetBytes(body, "total").Int()),
		ETag:     header.Get("ETag"),
		Expires:  ParseExpires(header),
		CachedAt: time.Now(),
	}
}

// IsExpired reports whether the entry is stale.
func (e *Entry) IsExpired() bool {
	return time.Now().After(e.Expires)
}

// TTL returns the time until expiration, 0 if already expired.
func (e *Entry) TTL() time.Duration {
	ttl := time.Until(e.Expires)
	if ttl < 0 {
		return 0
	}
	return ttl
}
