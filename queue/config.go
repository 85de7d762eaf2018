package queue

import (
	"context"
	"time"

	"github.com/dmitrijs2005/attachsync/logging"
	"github.com/dmitrijs2005/attachsync/models"
	"github.com/dmitrijs2005/attachsync/repositories/attachments"
)

// Config holds runtime settings for the attachment queue.
//
// Start from DefaultConfig and overlay fields; a zero SyncInterval disables
// periodic retry entirely, so the default is applied by the constructor, not
// by the queue.
type Config struct {
	// AttachmentsDirectory is the root for local attachment files. Required.
	AttachmentsDirectory string

	// SyncInterval is the periodic retry period. 0 disables periodic
	// retry; reactive triggers still fire.
	SyncInterval time.Duration

	// ArchivedCacheLimit caps the number of archived rows retained for
	// possible restore.
	ArchivedCacheLimit int

	// TableName is the attachment state table name.
	TableName string

	// DownloadAttachments disables download scheduling when false.
	DownloadAttachments bool

	// Logger receives queue diagnostics. Defaults to the nop logger.
	Logger logging.Logger

	// ErrorHandler decides retry vs. give-up per failed operation.
	// Defaults to always retry.
	ErrorHandler SyncErrorHandler

	// OnTransition, when set, is invoked after every committed worker
	// transition. Observation hook for test suites.
	OnTransition func(att models.Attachment)
}

// DefaultConfig returns a Config with the documented defaults, rooted at dir.
func DefaultConfig(dir string) Config {
	return Config{
		AttachmentsDirectory: dir,
		SyncInterval:         30 * time.Second,
		ArchivedCacheLimit:   100,
		TableName:            attachments.DefaultTableName,
		DownloadAttachments:  true,
	}
}

// SyncErrorHandler is consulted after a failed remote operation. A true
// return keeps the attachment queued for the next cycle; false gives up as
// described per operation in the worker.
type SyncErrorHandler interface {
	OnUploadError(ctx context.Context, att models.Attachment, err error) bool
	OnDownloadError(ctx context.Context, att models.Attachment, err error) bool
	OnDeleteError(ctx context.Context, att models.Attachment, err error) bool
}

type alwaysRetry struct{}

func (alwaysRetry) OnUploadError(context.Context, models.Attachment, error) bool   { return true }
func (alwaysRetry) OnDownloadError(context.Context, models.Attachment, error) bool { return true }
func (alwaysRetry) OnDeleteError(context.Context, models.Attachment, error) bool   { return true }
