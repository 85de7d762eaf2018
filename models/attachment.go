// Package models defines the attachment record persisted in the local state
// table and the transient watched-item descriptor delivered by the host.
package models

import "fmt"

// AttachmentState drives the sync worker. An attachment is created queued for
// upload or download, reaches Synced on a successful transfer, and moves to
// Archived once its relational reference disappears.
type AttachmentState int

const (
	StateQueuedUpload AttachmentState = iota
	StateQueuedDownload
	StateQueuedDelete
	StateSynced
	StateArchived
)

func (s AttachmentState) String() string {
	switch s {
	case StateQueuedUpload:
		return "queued_upload"
	case StateQueuedDownload:
		return "queued_download"
	case StateQueuedDelete:
		return "queued_delete"
	case StateSynced:
		return "synced"
	case StateArchived:
		return "archived"
	default:
		return fmt.Sprintf("unknown(%d)", int(s))
	}
}

// Attachment is one row of the attachment state table.
//
// Optional string fields use "" for absent; Size is 0 until the payload size
// is known locally. Timestamp is the wall-clock time of the last state
// transition in milliseconds and is stamped by the repository on every save.
type Attachment struct {
	// ID is the opaque unique identifier, externally chosen or generated
	// on save.
	ID string

	// Filename is derived as "{id}.{extension}" at creation and never
	// re-derived afterwards.
	Filename string

	// MediaType is the MIME type, when known.
	MediaType string

	State AttachmentState

	// Timestamp orders cache eviction and guards optimistic terminal
	// writes. Unix milliseconds.
	Timestamp int64

	// Size in bytes, populated once the payload has been seen locally.
	Size int64

	// HasSynced is sticky: set the first time the record reaches Synced.
	HasSynced bool

	// MetaData is opaque to the queue; JSON by convention.
	MetaData string

	// LocalURI points at the staged file while an upload is pending. Not
	// persisted as authoritative after the attachment is synced.
	LocalURI string
}

// WatchedAttachmentItem is one element of a watcher emission: this attachment
// should exist locally and be fetched if missing.
type WatchedAttachmentItem struct {
	ID            string
	FileExtension string
	MediaType     string
}

// Filename derives the managed-directory filename for the watched item.
func (w WatchedAttachmentItem) Filename() string {
	if w.FileExtension == "" {
		return w.ID
	}
	return w.ID + "." + w.FileExtension
}
