package harvest

import (
	"fmt"

	"github.com/Sternrassler/istex-harvester/pkg/scroll"
)

// Partition is one disjoint fragment of a harvest.
type Partition struct {
	// Index is the position of the partition in enumeration order.
	Index int

	// Suffix is the identifier suffix selecting the fragment, empty for an
	// unpartitioned harvest.
	Suffix string

	// Query is the scroll query of the fragment.
	Query scroll.Query
}

// String returns the suffix, or "*" for an unpartitioned harvest.
func (p Partition) String() string {
	if p.Suffix == "" {
		return "*"
	}
	return p.Suffix
}

// Partitions enumerates the partitions of cfg: every Width-character string
// over Alphabet, in alphabet order, rendered through Template.
func Partitions(cfg Config) []Partition {
	cfg = cfg.normalize()

	base := scroll.Query{
		Text:      cfg.Query,
		Output:    cfg.Output,
		Size:      cfg.PageSize,
		KeepAlive: cfg.KeepAlive,
	}
	if cfg.Width <= 0 {
		return []Partition{{Query: base}}
	}

	alphabet := []rune(cfg.Alphabet)
	count := 1
	for i := 0; i < cfg.Width; i++ {
		count *= len(alphabet)
	}

	partitions := make([]Partition, 0, count)
	suffix := make([]rune, cfg.Width)
	for i := 0; i < count; i++ {
		n := i
		for pos := cfg.Width - 1; pos >= 0; pos-- {
			suffix[pos] = alphabet[n%len(alphabet)]
			n /= len(alphabet)
		}

		q := base
		q.Text = fmt.Sprintf(cfg.Template, string(suffix), cfg.Query)
		partitions = append(partitions, Partition{
			Index:  i,
			Suffix: string(suffix),
			Query:  q,
		})
	}
	return partitions
}
