package harvest

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/Sternrassler/istex-harvester/pkg/retry"
	"github.com/Sternrassler/istex-harvester/pkg/scroll"
)

const (
	// DefaultAlphabet holds the characters ARK identifiers end with.
	DefaultAlphabet = "0123456789BCDFGHJKLMNPQRSTVWXZ"

	// DefaultWidth is the suffix length; 2 yields 900 partitions.
	DefaultWidth = 2

	// DefaultTemplate renders a partition query from the suffix and the
	// user query.
	DefaultTemplate = `arkIstex:ark\:\/67375\/???-%s* AND (%s)`

	// DefaultWorkers is the default number of partitions scrolled at once.
	DefaultWorkers = 8

	// MaxPartitions bounds the number of partitions a configuration may
	// enumerate.
	MaxPartitions = 1 << 20
)

var (
	// ErrInvalidConfig is returned for an unusable configuration.
	ErrInvalidConfig = errors.New("invalid harvest configuration")

	// ErrPreliminaryHits is returned when the count request returned hits.
	ErrPreliminaryHits = errors.New("count request returned hits")

	// ErrCountMismatch is returned when the pool closed down without error
	// but the number of delivered hits differs from the announced total.
	ErrCountMismatch = errors.New("delivered count differs from expected total")

	// ErrNoMoreItems is returned by Next once the harvest is exhausted.
	ErrNoMoreItems = errors.New("no more items")
)

// Config holds the harvest configuration.
type Config struct {
	// Query is the search query.
	Query string

	// Output lists the fields to return for every hit.
	Output string

	// Facets requests aggregations on the count request.
	Facets string

	// Workers is the number of partitions scrolled concurrently.
	Workers int

	// Alphabet holds the characters a partition suffix is made of.
	Alphabet string

	// Width is the suffix length. Zero harvests the query as one partition.
	Width int

	// Template renders a partition query from the suffix and the query.
	Template string

	// PageSize is the number of hits per scroll page.
	PageSize int

	// KeepAlive is the scroll keep-alive requested from the service.
	KeepAlive string

	// Restart is the backoff policy used to restart a failed partition.
	Restart retry.Policy

	// SeenTTL bounds the lifetime of Redis seen sets.
	SeenTTL time.Duration
}

// DefaultConfig returns a default harvest configuration for query.
func DefaultConfig(query string) Config {
	return Config{
		Query:     query,
		Workers:   DefaultWorkers,
		Alphabet:  DefaultAlphabet,
		Width:     DefaultWidth,
		Template:  DefaultTemplate,
		PageSize:  scroll.DefaultPageSize,
		KeepAlive: scroll.DefaultKeepAlive,
		Restart:   retry.RestartPolicy(),
	}
}

// normalize fills zero values with defaults.
func (c Config) normalize() Config {
	if c.Alphabet == "" {
		c.Alphabet = DefaultAlphabet
	}
	if c.Template == "" {
		c.Template = DefaultTemplate
	}
	if c.PageSize == 0 {
		c.PageSize = scroll.DefaultPageSize
	}
	if c.KeepAlive == "" {
		c.KeepAlive = scroll.DefaultKeepAlive
	}
	if c.Restart == (retry.Policy{}) {
		c.Restart = retry.RestartPolicy()
	}
	return c
}

// Validate checks the configuration.
func (c Config) Validate() error {
	if strings.TrimSpace(c.Query) == "" {
		return fmt.Errorf("%w: query is required", ErrInvalidConfig)
	}
	if c.Workers <= 0 {
		return fmt.Errorf("%w: workers must be positive, got %d", ErrInvalidConfig, c.Workers)
	}
	if c.Width < 0 {
		return fmt.Errorf("%w: width must not be negative, got %d", ErrInvalidConfig, c.Width)
	}
	if c.PageSize < 0 {
		return fmt.Errorf("%w: page size must not be negative, got %d", ErrInvalidConfig, c.PageSize)
	}
	if c.Width == 0 {
		return nil
	}

	seen := make(map[rune]bool)
	for _, r := range c.Alphabet {
		if seen[r] {
			return fmt.Errorf("%w: duplicate character %q in alphabet", ErrInvalidConfig, r)
		}
		seen[r] = true
	}
	if len(seen) == 0 {
		return fmt.Errorf("%w: alphabet is empty", ErrInvalidConfig)
	}
	count := 1
	for i := 0; i < c.Width; i++ {
		if count > MaxPartitions/len(seen) {
			return fmt.Errorf("%w: %d characters at width %d exceed %d partitions",
				ErrInvalidConfig, len(seen), c.Width, MaxPartitions)
		}
		count *= len(seen)
	}
	if strings.Count(c.Template, "%s") != 2 {
		return fmt.Errorf("%w: template must hold two %%s verbs (suffix, query)", ErrInvalidConfig)
	}
	return nil
}
