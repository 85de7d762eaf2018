// Package queue implements the attachment queue: a durable, reactive engine
// that reconciles referenced attachment ids with local files and a remote
// blob store.
//
// The control plane is single-threaded: one goroutine consumes coalesced
// watcher emissions, timer ticks, table-change notifications, and explicit
// triggers, and serializes reconciliation and work scheduling. Transfers run
// on bounded background goroutines (one per work class) and re-enter the
// state table through optimistic terminal writes.
package queue

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/dmitrijs2005/attachsync/dbx"
	"github.com/dmitrijs2005/attachsync/localstore"
	"github.com/dmitrijs2005/attachsync/logging"
	"github.com/dmitrijs2005/attachsync/models"
	"github.com/dmitrijs2005/attachsync/remote"
	"github.com/dmitrijs2005/attachsync/repositories/attachments"
)

// Queue owns the attachment lifecycle: it watches the referenced set,
// reconciles it against the state table, drives uploads, downloads and
// deletes to completion, and bounds the archive cache. Multiple queues may
// coexist if they use disjoint directories and tables.
type Queue struct {
	cfg    Config
	db     dbx.Database
	remote remote.Storage
	source AttachmentSource
	store  *localstore.Store
	log    logging.Logger

	triggerCh chan struct{}

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	group   *errgroup.Group
	worker  *worker
}

// New validates cfg and builds a stopped queue. The managed directory is
// created if missing.
func New(cfg Config, db dbx.Database, remoteStorage remote.Storage, source AttachmentSource) (*Queue, error) {
	if db == nil || remoteStorage == nil || source == nil {
		return nil, fmt.Errorf("database, remote storage and attachment source are required")
	}
	if cfg.TableName == "" {
		cfg.TableName = attachments.DefaultTableName
	}
	if cfg.Logger == nil {
		cfg.Logger = logging.NewNopLogger()
	}
	if cfg.ErrorHandler == nil {
		cfg.ErrorHandler = alwaysRetry{}
	}

	store, err := localstore.New(cfg.AttachmentsDirectory)
	if err != nil {
		return nil, err
	}

	return &Queue{
		cfg:       cfg,
		db:        db,
		remote:    remoteStorage,
		source:    source,
		store:     store,
		log:       cfg.Logger,
		triggerCh: make(chan struct{}, 1),
	}, nil
}

// Start ensures the state table exists, sweeps orphaned files, subscribes to
// the attachment source, and launches the control loop. Idempotent.
func (q *Queue) Start(ctx context.Context) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.running {
		return nil
	}

	if err := attachments.CreateTable(ctx, q.db, q.cfg.TableName); err != nil {
		return err
	}
	if err := q.collectOrphans(ctx); err != nil {
		return err
	}

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	g, gctx := errgroup.WithContext(runCtx)

	q.cancel = cancel
	q.group = g
	q.worker = newWorker(q)
	q.running = true

	emissions := make(chan []models.WatchedAttachmentItem, 1)

	g.Go(func() error {
		q.pumpEmissions(gctx, emissions)
		return nil
	})
	g.Go(func() error {
		q.controlLoop(gctx, emissions)
		return nil
	})

	return nil
}

// Stop cancels the subscription, the timer, and in-flight transfers, then
// awaits quiescence. Idempotent.
func (q *Queue) Stop() {
	q.mu.Lock()
	if !q.running {
		q.mu.Unlock()
		return
	}
	cancel, group, worker := q.cancel, q.group, q.worker
	q.mu.Unlock()

	cancel()
	_ = group.Wait()
	worker.wait()

	q.mu.Lock()
	q.running = false
	q.mu.Unlock()
}

// pumpEmissions consumes the source and coalesces latest-wins: while a
// reconciliation is running, only the newest pending emission survives.
func (q *Queue) pumpEmissions(ctx context.Context, out chan []models.WatchedAttachmentItem) {
	src := q.source.WatchAttachments(ctx)
	for {
		select {
		case items, ok := <-src:
			if !ok {
				// Subscription failure is fatal; a later Start re-subscribes.
				if ctx.Err() == nil {
					q.log.Warn(ctx, "attachment source closed")
				}
				return
			}
			select {
			case <-out:
			default:
			}
			out <- items
		case <-ctx.Done():
			return
		}
	}
}

func (q *Queue) controlLoop(ctx context.Context, emissions <-chan []models.WatchedAttachmentItem) {
	ticks, cancelTicks := q.db.Subscribe()
	defer cancelTicks()

	var tickCh <-chan time.Time
	if q.cfg.SyncInterval > 0 {
		ticker := time.NewTicker(q.cfg.SyncInterval)
		defer ticker.Stop()
		tickCh = ticker.C
	}

	// Initial pass picks up whatever a previous run left queued.
	q.worker.trigger(ctx)
	q.cachePass(ctx)

	for {
		select {
		case items := <-emissions:
			if err := q.reconcile(ctx, items); err != nil {
				if ctx.Err() == nil {
					q.log.Error(ctx, "reconciliation failed", "error", err)
				}
				continue
			}
			q.cachePass(ctx)
			q.worker.trigger(ctx)
		case <-tickCh:
			q.worker.trigger(ctx)
			q.cachePass(ctx)
		case <-q.triggerCh:
			q.worker.trigger(ctx)
		case _, ok := <-ticks:
			if !ok {
				return
			}
			q.worker.trigger(ctx)
		case <-ctx.Done():
			return
		}
	}
}

// Trigger requests a sync cycle. Non-blocking; a no-op when stopped.
func (q *Queue) Trigger() {
	select {
	case q.triggerCh <- struct{}{}:
	default:
	}
}

// SaveFileOptions carries the optional attributes of SaveFile.
type SaveFileOptions struct {
	// ID is the attachment id; generated when empty.
	ID string

	FileExtension string
	MediaType     string
	MetaData      string

	// Tx, when set, runs inside the transaction that queues the upload,
	// so the host can atomically link the id into its own rows. A failure
	// aborts the transaction and removes the staged file.
	Tx func(ctx context.Context, tx dbx.DBTX, att *models.Attachment) error
}

// SaveFile streams data into the managed directory and queues the attachment
// for upload. On any failure before commit the staged file is removed and
// neither the row nor the file survives.
//
// Saving onto an existing id is allowed only while that row is still in
// StateQueuedUpload; any other state returns models.ErrInvalidState.
func (q *Queue) SaveFile(ctx context.Context, data io.Reader, opts SaveFileOptions) (*models.Attachment, error) {
	id := opts.ID
	if id == "" {
		id = uuid.NewString()
	}
	filename := localstore.Filename(id, opts.FileExtension)

	// Refuse a collision before writing: the staged file would land on the
	// existing row's filename.
	if opts.ID != "" {
		existing, err := q.GetAttachment(ctx, id)
		if err != nil && !errors.Is(err, models.ErrNotFound) {
			return nil, err
		}
		if existing != nil && existing.State != models.StateQueuedUpload {
			return nil, fmt.Errorf("save onto %s row: %w", existing.State, models.ErrInvalidState)
		}
	}

	size, err := q.store.Write(filename, data)
	if err != nil {
		return nil, err
	}

	att := &models.Attachment{
		ID:        id,
		Filename:  filename,
		MediaType: opts.MediaType,
		State:     models.StateQueuedUpload,
		Size:      size,
		MetaData:  opts.MetaData,
		LocalURI:  q.store.Path(filename),
	}

	err = q.db.WriteTransaction(ctx, func(ctx context.Context, tx dbx.DBTX) error {
		repo := attachments.NewSQLRepository(tx, q.cfg.TableName)

		existing, err := repo.Get(ctx, id)
		if err != nil && !errors.Is(err, models.ErrNotFound) {
			return err
		}
		if existing != nil && existing.State != models.StateQueuedUpload {
			return fmt.Errorf("save onto %s row: %w", existing.State, models.ErrInvalidState)
		}

		if err := repo.Save(ctx, att); err != nil {
			return err
		}
		if opts.Tx != nil {
			return opts.Tx(ctx, tx, att)
		}
		return nil
	})
	if err != nil {
		if derr := q.store.Delete(filename); derr != nil && !localstore.IsNotFound(derr) {
			q.log.Warn(ctx, "failed to remove staged file", "id", id, "error", derr)
		}
		return nil, err
	}

	q.Trigger()
	return att, nil
}

// DeleteFile queues the attachment for remote and local deletion. The
// optional callback runs inside the same transaction. Archived rows cannot
// be deleted through the queue.
func (q *Queue) DeleteFile(ctx context.Context, id string, callback func(ctx context.Context, tx dbx.DBTX, att *models.Attachment) error) (*models.Attachment, error) {
	var att *models.Attachment

	err := q.db.WriteTransaction(ctx, func(ctx context.Context, tx dbx.DBTX) error {
		repo := attachments.NewSQLRepository(tx, q.cfg.TableName)

		a, err := repo.Get(ctx, id)
		if err != nil {
			return err
		}
		if a.State == models.StateArchived {
			return fmt.Errorf("delete of archived attachment: %w", models.ErrInvalidState)
		}

		a.State = models.StateQueuedDelete
		if err := repo.Save(ctx, a); err != nil {
			return err
		}
		if callback != nil {
			if err := callback(ctx, tx, a); err != nil {
				return err
			}
		}
		att = a
		return nil
	})
	if err != nil {
		return nil, err
	}

	q.Trigger()
	return att, nil
}

// GetAttachment returns the current record for id.
func (q *Queue) GetAttachment(ctx context.Context, id string) (*models.Attachment, error) {
	return attachments.NewSQLRepository(q.db, q.cfg.TableName).Get(ctx, id)
}

// ArchivedCount reports how many archived rows are currently retained.
func (q *Queue) ArchivedCount(ctx context.Context) (int, error) {
	return attachments.NewSQLRepository(q.db, q.cfg.TableName).ArchivedCount(ctx)
}

// ClearQueue deletes every row and every managed file. Test hook.
func (q *Queue) ClearQueue(ctx context.Context) error {
	err := q.db.WriteTransaction(ctx, func(ctx context.Context, tx dbx.DBTX) error {
		return attachments.NewSQLRepository(tx, q.cfg.TableName).DeleteAll(ctx)
	})
	if err != nil {
		return err
	}

	names, err := q.store.List()
	if err != nil {
		return err
	}
	for _, name := range names {
		if err := q.store.Delete(name); err != nil && !localstore.IsNotFound(err) {
			return err
		}
	}
	return nil
}

// collectOrphans unlinks managed-directory files no row references:
// interrupted temp files and leftovers of evicted rows.
func (q *Queue) collectOrphans(ctx context.Context) error {
	names, err := q.store.List()
	if err != nil {
		return err
	}

	rows, err := attachments.NewSQLRepository(q.db, q.cfg.TableName).GetAll(ctx)
	if err != nil {
		return err
	}
	referenced := make(map[string]bool, len(rows))
	for _, a := range rows {
		referenced[a.Filename] = true
	}

	for _, name := range names {
		if referenced[name] && !localstore.IsTemp(name) {
			continue
		}
		if err := q.store.Delete(name); err != nil && !localstore.IsNotFound(err) {
			return err
		}
		q.log.Info(ctx, "removed orphaned file", "filename", name)
	}
	return nil
}
