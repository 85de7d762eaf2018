package attachments

import (
	"context"

	"github.com/dmitrijs2005/attachsync/models"
)

// Repository describes CRUD and workflow operations over the attachment state
// table. It is the only layer that mutates the table. Implementations bind to
// a dbx.DBTX, so a caller that owns a transaction rebinds the repository to
// the transactional handle and every operation joins that transaction.
type Repository interface {
	// Save upserts the attachment by id and stamps its Timestamp.
	Save(ctx context.Context, att *models.Attachment) error

	// Get returns the attachment or models.ErrNotFound.
	Get(ctx context.Context, id string) (*models.Attachment, error)

	// GetAll lists every stored attachment.
	GetAll(ctx context.Context) ([]models.Attachment, error)

	// GetByState lists attachments in state, oldest Timestamp first.
	GetByState(ctx context.Context, state models.AttachmentState) ([]models.Attachment, error)

	// Delete hard-deletes the row. Returns models.ErrNotFound when absent.
	Delete(ctx context.Context, id string) error

	// ArchivedCount counts rows in StateArchived.
	ArchivedCount(ctx context.Context) (int, error)

	// EvictArchived deletes the oldest archived rows beyond keep and
	// returns the deleted records so the caller can remove their files.
	EvictArchived(ctx context.Context, keep int) ([]models.Attachment, error)

	// SaveIfUnchanged writes att only if the stored row still carries the
	// expected state and timestamp. Reports whether the write happened.
	SaveIfUnchanged(ctx context.Context, att *models.Attachment, expectedState models.AttachmentState, expectedTimestamp int64) (bool, error)

	// DeleteIfUnchanged deletes the row only if it still carries the
	// expected state and timestamp. Reports whether the delete happened.
	DeleteIfUnchanged(ctx context.Context, id string, expectedState models.AttachmentState, expectedTimestamp int64) (bool, error)

	// DeleteAll removes every row. Test hook.
	DeleteAll(ctx context.Context) error
}
