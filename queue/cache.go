package queue

import (
	"context"

	"github.com/dmitrijs2005/attachsync/dbx"
	"github.com/dmitrijs2005/attachsync/localstore"
	"github.com/dmitrijs2005/attachsync/models"
	"github.com/dmitrijs2005/attachsync/repositories/attachments"
)

// cachePass bounds the archive: the oldest rows beyond ArchivedCacheLimit
// are deleted together with their local files. Runs after every
// reconciliation and on every periodic tick.
func (q *Queue) cachePass(ctx context.Context) {
	var evicted []models.Attachment

	err := q.db.WriteTransaction(ctx, func(ctx context.Context, tx dbx.DBTX) error {
		repo := attachments.NewSQLRepository(tx, q.cfg.TableName)
		var err error
		evicted, err = repo.EvictArchived(ctx, q.cfg.ArchivedCacheLimit)
		return err
	})
	if err != nil {
		if ctx.Err() == nil {
			q.log.Error(ctx, "archive eviction failed", "error", err)
		}
		return
	}

	for _, a := range evicted {
		if err := q.store.Delete(a.Filename); err != nil && !localstore.IsNotFound(err) {
			q.log.Warn(ctx, "failed to remove evicted file", "id", a.ID, "error", err)
		}
	}
	if len(evicted) > 0 {
		q.log.Info(ctx, "evicted archived attachments", "count", len(evicted))
	}
}
