package cache

import (
	"net/url"
	"sort"
	"strings"
)

// KeyPrefix prefixes every Redis key written by this package.
const KeyPrefix = "istex"

// Key identifies a cached search response.
type Key struct {
	// Endpoint is the request path (e.g. "/document/").
	Endpoint string

	// Params are the query parameters of the request.
	Params url.Values
}

// String generates a deterministic cache key.
// Format: istex:endpoint:param1=val1:param2=val2a,val2b
//
// Example:
//
//	istex:document:q=brain:size=0
func (k Key) String() string {
	parts := []string{KeyPrefix}

	endpoint := strings.Trim(k.Endpoint, "/")
	if endpoint != "" {
		parts = append(parts, endpoint)
	}

	if len(k.Params) > 0 {
		names := make([]string, 0, len(k.Params))
		for name := range k.Params {
			names = append(names, name)
		}
		sort.Strings(names)

		for _, name := range names {
			parts = append(parts, name+"="+strings.Join(k.Params[name], ","))
		}
	}

	return strings.Join(parts, ":")
}

// CountKey returns the key of a count request, a search asking for zero
// hits. ok is false for any other request, which must not be cached.
func CountKey(u *url.URL) (key Key, ok bool) {
	params := u.Query()
	if params.Get("size") != "0" || params.Has("scroll") {
		return Key{}, false
	}
	return Key{Endpoint: u.Path, Params: params}, true
}

// SeenKey returns the Redis key of the seen set of one partition of a run.
func SeenKey(runID, partition string) string {
	return strings.Join([]string{KeyPrefix, "seen", runID, partition}, ":")
}
