package search

import (
	"context"
	"errors"

	"github.com/fclairamb/kbsync/internal/apperrors"
	"github.com/fclairamb/kbsync/internal/store"
)

// Attach rebuilds the index and keeps it in step with store writes until
// Close. A folder change triggers a rebuild since descendant paths move.
func (x *Index) Attach(ctx context.Context) error {
	if err := x.Rebuild(ctx); err != nil {
		return err
	}
	x.cancel = x.store.Subscribe(func(ev store.Event) {
		if ev.Collection != store.CollectionFiles {
			return
		}
		if err := x.apply(ctx, ev); err != nil {
			x.logger.WarnContext(ctx, "Failed to update search index", "op", ev.Op, "ids", ev.IDs, "error", err)
		}
	})
	return nil
}

func (x *Index) apply(ctx context.Context, ev store.Event) error {
	switch ev.Op {
	case store.EventReset:
		return x.Rebuild(ctx)

	case store.EventDelete:
		for _, id := range ev.IDs {
			if err := x.Remove(id); err != nil {
				return err
			}
		}
		return nil

	case store.EventUpsert:
		records := make([]*store.FileRecord, 0, len(ev.IDs))
		for _, id := range ev.IDs {
			rec, err := x.store.GetFile(ctx, id)
			if errors.Is(err, apperrors.ErrNotFound) {
				if err := x.Remove(id); err != nil {
					return err
				}
				continue
			}
			if err != nil {
				return err
			}
			if rec.ResourceType == store.ResourceFolder {
				return x.Rebuild(ctx)
			}
			records = append(records, rec)
		}
		for _, rec := range records {
			if err := x.Upsert(ctx, rec); err != nil {
				return err
			}
		}
	}
	return nil
}
