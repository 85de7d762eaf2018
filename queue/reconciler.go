package queue

import (
	"context"
	"fmt"

	"github.com/dmitrijs2005/attachsync/dbx"
	"github.com/dmitrijs2005/attachsync/models"
	"github.com/dmitrijs2005/attachsync/repositories/attachments"
)

// reconcile diffs the referenced set against the stored set and applies the
// resulting transitions inside one write transaction, so the state table
// never reflects a partial diff.
func (q *Queue) reconcile(ctx context.Context, items []models.WatchedAttachmentItem) error {
	return q.db.WriteTransaction(ctx, func(ctx context.Context, tx dbx.DBTX) error {
		repo := attachments.NewSQLRepository(tx, q.cfg.TableName)

		stored, err := repo.GetAll(ctx)
		if err != nil {
			return err
		}
		byID := make(map[string]models.Attachment, len(stored))
		for _, a := range stored {
			byID[a.ID] = a
		}

		referenced := make(map[string]bool, len(items))
		for _, item := range items {
			referenced[item.ID] = true

			cur, ok := byID[item.ID]
			if !ok {
				att := models.Attachment{
					ID:        item.ID,
					Filename:  item.Filename(),
					MediaType: item.MediaType,
					State:     models.StateQueuedDownload,
				}
				if err := repo.Save(ctx, &att); err != nil {
					return fmt.Errorf("inserting %s: %w", item.ID, err)
				}
				continue
			}

			// Restoration wins over insertion: an archived row keeps its
			// original filename and history.
			if cur.State == models.StateArchived {
				present, err := q.store.Exists(cur.Filename)
				if err != nil {
					return fmt.Errorf("restoring %s: %w", cur.ID, err)
				}
				if present {
					cur.State = models.StateSynced
				} else {
					cur.State = models.StateQueuedDownload
				}
				if err := repo.Save(ctx, &cur); err != nil {
					return fmt.Errorf("restoring %s: %w", cur.ID, err)
				}
			}
			// Any other state is in flight; the worker drives it.
		}

		for _, s := range stored {
			if referenced[s.ID] {
				continue
			}
			switch s.State {
			case models.StateSynced:
				s.State = models.StateArchived
				if err := repo.Save(ctx, &s); err != nil {
					return fmt.Errorf("archiving %s: %w", s.ID, err)
				}
			case models.StateQueuedDownload:
				// Never fetched, no longer wanted: nothing to preserve.
				if err := repo.Delete(ctx, s.ID); err != nil {
					return fmt.Errorf("dropping %s: %w", s.ID, err)
				}
			default:
				// Pending uploads and deletes finish first; archived rows
				// stay until the cache manager evicts them.
			}
		}
		return nil
	})
}
