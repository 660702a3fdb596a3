// Package scroll consumes one continuous cursor-paginated ("scroll") result
// sequence of the search API.
//
// The service only offers forward continuation cursors: a sequence cannot be
// resumed in the middle once a page fetch has failed. Iterator checks every
// received page against the sequence invariants and flattens the pages into a
// stream of items:
//
//	it := scroll.NewIterator(fetcher, scroll.Query{Text: "brain", Size: 100})
//	for {
//		item, err := it.Next(ctx)
//		if errors.Is(err, scroll.ErrEndOfSequence) {
//			break
//		}
//		if err != nil {
//			// scroll.IsTransient(err): start a new Iterator from scratch
//			// scroll.IsFatal(err): the service broke its own invariants
//			return err
//		}
//		use(item)
//	}
//
// Hard invariants (fatal, the sequence is discarded):
//   - a page carrying a continuation cursor is never empty
//   - the delivered count never exceeds the announced total
//   - the page without a cursor brings the delivered count exactly to the total
//   - every item carries an identity
//
// Soft invariants are only logged: a changing total (the first one wins), a
// changing scroll id or keep-alive, repeated aggregations and a "no more
// results" flag that contradicts the cursor.
package scroll
