// Package harvest retrieves every hit of a search by splitting it into
// disjoint partitions that are scrolled in parallel.
//
// Each partition restricts the query to the documents whose ARK identifier
// ends with a given suffix. Partitions run on a parallel.Supervisor. A failed
// scroll cannot be resumed, so a partition hit by a transient failure starts
// over and skips the identities it already delivered. Hits of all partitions
// are merged into a single stream through a one-item rendezvous:
//
//	h, err := harvest.New(ctx, client, cfg)
//	if err != nil {
//		return err
//	}
//	defer h.Close()
//
//	for {
//		item, err := h.Next(ctx)
//		if errors.Is(err, harvest.ErrNoMoreItems) {
//			break
//		}
//		if err != nil {
//			return err
//		}
//		write(item.Raw)
//	}
//
// The order of the hits is not specified. Once the pool has closed down, the
// number of delivered hits is checked against the total announced by the
// service; a mismatch is reported as ErrCountMismatch.
package harvest
