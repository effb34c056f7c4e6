// Package paginater walks paginated list APIs until they run dry.
package paginater

import "context"

// PageFunc fetches one page of at most limit items starting at offset.
// It returns the offset the next page starts from and how many items
// the page held. Collecting the items is the caller's business, so the
// walk stays generic over what is listed.
type PageFunc func(offset, limit uint64) (uint64, uint64, error)

// WalkPages calls fetch page by page until a page comes back short or
// the context is cancelled. A short page means nothing is left behind
// it; on reversed queries it means the walk reached the start of the
// index.
func WalkPages(ctx context.Context, fetch PageFunc, offset,
	limit uint64) error {

	for {
		next, count, err := fetch(offset, limit)
		if err != nil {
			return err
		}

		if count < limit {
			return nil
		}

		offset = next

		// The context only gets a look-in between pages; a fetch
		// already underway runs to completion.
		if err := ctx.Err(); err != nil {
			return err
		}
	}
}
