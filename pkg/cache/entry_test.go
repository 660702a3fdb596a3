package cache

import (
	"net/http"
	"testing"
	"time"
)

func TestEntry_IsExpired(t *testing.T) {
	tests := []struct {
		name    string
		expires time.Time
		want    bool
	}{
		{name: "expired entry", expires: time.Now().Add(-1 * time.Hour), want: true},
		{name: "valid entry", expires: time.Now().Add(1 * time.Hour), want: false},
		{name: "just expired", expires: time.Now().Add(-1 * time.Second), want: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			entry := &Entry{Expires: tt.expires}
			if got := entry.IsExpired(); got != tt.want {
				t.Errorf("IsExpired() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestEntry_TTL(t *testing.T) {
	tests := []struct {
		name    string
		expires time.Time
		wantMin time.Duration
		wantMax time.Duration
	}{
		{
			name:    "one hour remaining",
			expires: time.Now().Add(1 * time.Hour),
			wantMin: 59 * time.Minute,
			wantMax: 61 * time.Minute,
		},
		{
			name:    "already expired",
			expires: time.Now().Add(-1 * time.Hour),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			entry := &Entry{Expires: tt.expires}
			got := entry.TTL()
			if got < tt.wantMin || got > tt.wantMax {
				t.Errorf("TTL() = %v, want between %v and %v", got, tt.wantMin, tt.wantMax)
			}
		})
	}
}

func TestNewEntry(t *testing.T) {
	expires := time.Now().Add(time.Hour).UTC().Truncate(time.Second)
	header := http.Header{}
	header.Set("ETag", `"brain-215340"`)
	header.Set("Expires", expires.Format(http.TimeFormat))

	body := []byte(`{"total":215340,"hits":[],"aggregations":{"corpusName":{"buckets":[]}}}`)
	entry := NewEntry(body, header)

	if entry.Total != 215340 {
		t.Errorf("Total = %d, want 215340", entry.Total)
	}
	if entry.ETag != `"brain-215340"` {
		t.Errorf("ETag = %q", entry.ETag)
	}
	if !entry.Expires.Equal(expires) {
		t.Errorf("Expires = %v, want %v", entry.Expires, expires)
	}
	if string(entry.Body) != string(body) {
		t.Errorf("Body = %s", entry.Body)
	}
	if entry.Revalidations != 0 || entry.CachedAt.IsZero() {
		t.Errorf("Revalidations = %d CachedAt = %v", entry.Revalidations, entry.CachedAt)
	}
}

func TestNewEntry_NoHeaders(t *testing.T) {
	entry := NewEntry([]byte(`{"_error":"boom"}`), http.Header{})

	if entry.Total != 0 || entry.ETag != "" {
		t.Errorf("Total = %d ETag = %q", entry.Total, entry.ETag)
	}
	if ttl := entry.TTL(); ttl < DefaultTTL-time.Second || ttl > DefaultTTL {
		t.Errorf("TTL() = %v, want about %v", ttl, DefaultTTL)
	}
}
