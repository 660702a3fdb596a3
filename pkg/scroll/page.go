package scroll

import (
	"context"
	"encoding/json"
)

// DefaultKeepAlive is how long the service keeps a scroll context alive
// between two page requests.
const DefaultKeepAlive = "5m"

// DefaultPageSize is the number of items requested per page.
const DefaultPageSize = 100

// Query describes one search request.
type Query struct {
	// Text is the query string in the service's query language.
	Text string

	// Output lists the fields to return for every item (comma separated).
	Output string

	// Facets requests aggregations (comma separated), empty for none.
	Facets string

	// Size is the page size. Zero asks for the total and aggregations only.
	Size int

	// KeepAlive is the requested scroll keep-alive (e.g. "5m").
	KeepAlive string
}

// Item is one search hit.
type Item struct {
	// ID is the identity of the hit, unique within the whole corpus.
	ID string

	// Raw is the hit exactly as returned by the service.
	Raw json.RawMessage
}

// Page is one response of the paginated search.
type Page struct {
	// Items holds the hits of the page.
	Items []Item

	// Next is the continuation cursor, empty on the last page.
	Next string

	// Total is the total number of hits announced for the whole sequence.
	Total int

	// Aggregations holds facet results, nil when not requested.
	Aggregations json.RawMessage

	// ScrollID identifies the server-side scroll context.
	ScrollID string

	// KeepAlive is the keep-alive the service applied to the scroll context.
	KeepAlive string

	// NoMoreResults is the service's own end-of-sequence flag, nil if absent.
	NoMoreResults *bool
}

// Fetcher fetches a single page.
//
// With an empty cursor, Fetch starts a new sequence for q; otherwise it
// continues the sequence the cursor belongs to. Any transport or protocol
// failure is returned as an error; the sequence cannot be resumed after it.
type Fetcher interface {
	Fetch(ctx context.Context, q Query, cursor string) (*Page, error)
}

// FetcherFunc adapts a function to the Fetcher interface.
type FetcherFunc func(ctx context.Context, q Query, cursor string) (*Page, error)

// Fetch calls f.
func (f FetcherFunc) Fetch(ctx context.Context, q Query, cursor string) (*Page, error) {
	return f(ctx, q, cursor)
}
