// Package remote defines the blob-store capability set the attachment queue
// consumes, and an S3 implementation of it.
package remote

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/dmitrijs2005/attachsync/models"
)

// Storage is the remote side of an attachment: upload, download, delete.
// Implementations own their transport policy (timeouts, retries); the queue
// retries failed operations from scratch on its own schedule.
type Storage interface {
	// UploadFile streams data to the remote object for att. The reader is
	// consumed once; the queue re-opens the local file on retry.
	UploadFile(ctx context.Context, data io.Reader, att *models.Attachment) error

	// DownloadFile opens the remote object for streaming. The returned
	// reader is finite and not necessarily restartable.
	DownloadFile(ctx context.Context, att *models.Attachment) (io.ReadCloser, error)

	// DeleteFile removes the remote object. Idempotent: a missing object
	// is success.
	DeleteFile(ctx context.Context, att *models.Attachment) error
}

// Kind classifies a remote failure.
type Kind int

const (
	KindOther Kind = iota
	KindTransport
	KindNotFound
	KindAuth
)

func (k Kind) String() string {
	switch k {
	case KindTransport:
		return "transport"
	case KindNotFound:
		return "not_found"
	case KindAuth:
		return "auth"
	default:
		return "other"
	}
}

// Error is a classified remote-storage failure.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	return fmt.Sprintf("remote error (%s): %s: %v", e.Kind, e.Op, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// IsNotFound reports whether err is a remote not-found failure.
func IsNotFound(err error) bool {
	var re *Error
	return errors.As(err, &re) && re.Kind == KindNotFound
}
