package scroll

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Iterator flattens one scroll sequence into items.
//
// An Iterator is not safe for concurrent use. Once it has returned an error
// it is unusable: a new Iterator must be created to start over.
type Iterator struct {
	fetcher Fetcher
	query   Query
	logger  zerolog.Logger

	started   bool
	exhausted bool
	cursor    string
	page      []Item
	pos       int

	delivered    int
	total        int
	aggregations json.RawMessage
	scrollID     string

	err error
}

// Option configures an Iterator.
type Option func(*Iterator)

// WithLogger sets the logger used for consistency warnings.
func WithLogger(logger zerolog.Logger) Option {
	return func(it *Iterator) {
		it.logger = logger
	}
}

// NewIterator creates an iterator over the sequence of q. Nothing is fetched
// before the first call to HasNext or Next.
func NewIterator(fetcher Fetcher, q Query, opts ...Option) *Iterator {
	if q.Size <= 0 {
		q.Size = DefaultPageSize
	}
	if q.KeepAlive == "" {
		q.KeepAlive = DefaultKeepAlive
	}

	it := &Iterator{
		fetcher: fetcher,
		query:   q,
		logger:  log.With().Str("component", "scroll").Logger(),
		total:   -1,
	}
	for _, opt := range opts {
		opt(it)
	}
	return it
}

// HasNext reports whether another item is available, fetching the next page
// when the current one is used up.
func (it *Iterator) HasNext(ctx context.Context) (bool, error) {
	if it.err != nil {
		return false, fmt.Errorf("%w: %w", ErrDiscarded, it.err)
	}

	for it.pos >= len(it.page) {
		if it.exhausted {
			return false, nil
		}
		if err := it.fetch(ctx); err != nil {
			return false, err
		}
	}
	return true, nil
}

// Next returns the next item, or ErrEndOfSequence once the sequence is
// complete.
func (it *Iterator) Next(ctx context.Context) (Item, error) {
	ok, err := it.HasNext(ctx)
	if err != nil {
		return Item{}, err
	}
	if !ok {
		return Item{}, ErrEndOfSequence
	}

	item := it.page[it.pos]
	it.pos++
	it.delivered++
	return item, nil
}

// Total returns the total announced by the first page, -1 before it.
func (it *Iterator) Total() int {
	return it.total
}

// Delivered returns the number of items returned by Next so far.
func (it *Iterator) Delivered() int {
	return it.delivered
}

// Aggregations returns the first aggregations received, if any.
func (it *Iterator) Aggregations() json.RawMessage {
	return it.aggregations
}

// Query returns the query of the sequence.
func (it *Iterator) Query() Query {
	return it.query
}

// fetch retrieves the page following the current one.
func (it *Iterator) fetch(ctx context.Context) error {
	if it.started && it.cursor == "" {
		it.exhausted = true
		return nil
	}

	page, err := it.fetcher.Fetch(ctx, it.query, it.cursor)
	it.started = true
	if err != nil {
		return it.fail(transient(it.query.Text, err))
	}
	if page == nil {
		return it.fail(transient(it.query.Text, errors.New("no page returned")))
	}

	it.warn(page)
	if err := it.check(page); err != nil {
		return it.fail(err)
	}

	it.cursor = page.Next
	it.page = page.Items
	it.pos = 0
	if page.Next == "" {
		it.exhausted = true
	}
	return nil
}

// check enforces the hard invariants on a received page.
func (it *Iterator) check(page *Page) *Error {
	if it.total == -1 {
		it.total = page.Total
	}
	if it.aggregations == nil && len(page.Aggregations) > 0 {
		it.aggregations = page.Aggregations
	}

	for i, item := range page.Items {
		if item.ID == "" {
			return violation(it.query.Text, "result %d has no identity", it.delivered+i)
		}
	}

	count := it.delivered + len(page.Items)
	switch {
	case page.Next == "":
		if count != it.total {
			return violation(it.query.Text, "%d results returned, %d expected", count, it.total)
		}
	case len(page.Items) == 0:
		return violation(it.query.Text, "page with a continuation cursor holds no result")
	case count > it.total:
		return violation(it.query.Text, "%d results returned, more than the %d expected", count, it.total)
	}
	return nil
}

// warn logs violations of the soft invariants.
func (it *Iterator) warn(page *Page) {
	more := page.Next != ""

	if it.total != -1 && page.Total != it.total {
		it.logger.Warn().
			Str("query", it.query.Text).
			Int("total", page.Total).
			Int("expected", it.total).
			Msg("Total changed during scroll")
	}

	if more && page.KeepAlive != "" && page.KeepAlive != it.query.KeepAlive {
		it.logger.Warn().
			Str("query", it.query.Text).
			Str("keep_alive", page.KeepAlive).
			Str("expected", it.query.KeepAlive).
			Msg("Scroll keep-alive differs from the requested one")
	}

	if it.scrollID == "" {
		it.scrollID = page.ScrollID
	} else if more && page.ScrollID != it.scrollID {
		it.logger.Warn().
			Str("query", it.query.Text).
			Str("scroll_id", page.ScrollID).
			Str("expected", it.scrollID).
			Msg("Scroll id changed during scroll")
	}

	if it.aggregations != nil && len(page.Aggregations) > 0 {
		it.logger.Warn().
			Str("query", it.query.Text).
			Msg("Aggregations received again after the first page")
	}

	if page.NoMoreResults != nil && !*page.NoMoreResults != more {
		it.logger.Warn().
			Str("query", it.query.Text).
			Bool("no_more_results", *page.NoMoreResults).
			Bool("has_cursor", more).
			Msg("End-of-scroll flag contradicts the continuation cursor")
	}
}

func (it *Iterator) fail(err *Error) error {
	it.err = err
	it.page = nil
	it.pos = 0
	it.logger.Debug().
		Str("query", it.query.Text).
		Str("kind", err.Kind.String()).
		Int("delivered", it.delivered).
		Err(err.Err).
		Msg("Scroll sequence failed")
	return err
}
