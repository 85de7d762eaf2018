package queue

import (
	"context"

	"github.com/dmitrijs2005/attachsync/dbx"
	"github.com/dmitrijs2005/attachsync/models"
)

// AttachmentSource supplies the set of referenced attachments. Each channel
// element is the complete current set; the channel closing ends the
// subscription (the queue re-subscribes on the next Start).
type AttachmentSource interface {
	WatchAttachments(ctx context.Context) <-chan []models.WatchedAttachmentItem
}

// SourceFunc adapts a plain function to AttachmentSource.
type SourceFunc func(ctx context.Context) <-chan []models.WatchedAttachmentItem

func (f SourceFunc) WatchAttachments(ctx context.Context) <-chan []models.WatchedAttachmentItem {
	return f(ctx)
}

// NewQuerySource watches a relational query for the referenced set. The
// query re-runs on every committed write and emits the full mapped result
// set, so hosts point the queue directly at the rows that reference
// attachment ids.
func NewQuerySource(db dbx.Database, query string, mapper dbx.RowMapper[models.WatchedAttachmentItem], args ...any) AttachmentSource {
	return SourceFunc(func(ctx context.Context) <-chan []models.WatchedAttachmentItem {
		return dbx.Watch(ctx, db, query, mapper, args...)
	})
}
