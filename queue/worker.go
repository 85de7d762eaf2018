package queue

import (
	"context"
	"errors"
	"sync"

	"github.com/dmitrijs2005/attachsync/dbx"
	"github.com/dmitrijs2005/attachsync/localstore"
	"github.com/dmitrijs2005/attachsync/logging"
	"github.com/dmitrijs2005/attachsync/models"
	"github.com/dmitrijs2005/attachsync/remote"
	"github.com/dmitrijs2005/attachsync/repositories/attachments"
)

// workClasses are the queued states the worker drains, at most one runner
// per class at a time.
var workClasses = []models.AttachmentState{
	models.StateQueuedUpload,
	models.StateQueuedDownload,
	models.StateQueuedDelete,
}

// worker executes pending transitions. Row selection happens outside any
// transaction; each terminal write re-checks state and timestamp so a row
// that transitioned underneath is never overwritten. A shared in-flight map
// keeps at most one operation per attachment id.
type worker struct {
	db           dbx.Database
	table        string
	store        *localstore.Store
	remote       remote.Storage
	errHandler   SyncErrorHandler
	log          logging.Logger
	downloads    bool
	onTransition func(att models.Attachment)

	mu       sync.Mutex
	inflight map[string]struct{}
	busy     map[models.AttachmentState]bool
	pending  map[models.AttachmentState]bool
	wg       sync.WaitGroup
}

func newWorker(q *Queue) *worker {
	return &worker{
		db:           q.db,
		table:        q.cfg.TableName,
		store:        q.store,
		remote:       q.remote,
		errHandler:   q.cfg.ErrorHandler,
		log:          q.log,
		downloads:    q.cfg.DownloadAttachments,
		onTransition: q.cfg.OnTransition,
		inflight:     make(map[string]struct{}),
		busy:         make(map[models.AttachmentState]bool),
		pending:      make(map[models.AttachmentState]bool),
	}
}

// trigger launches a runner for every idle work class; busy classes are
// flagged so their runner rescans before exiting.
func (w *worker) trigger(ctx context.Context) {
	for _, class := range workClasses {
		if class == models.StateQueuedDownload && !w.downloads {
			continue
		}

		w.mu.Lock()
		if w.busy[class] {
			w.pending[class] = true
			w.mu.Unlock()
			continue
		}
		w.busy[class] = true
		w.mu.Unlock()

		w.wg.Add(1)
		go func(class models.AttachmentState) {
			defer w.wg.Done()
			w.runClass(ctx, class)
		}(class)
	}
}

// wait blocks until every in-flight runner has returned.
func (w *worker) wait() {
	w.wg.Wait()
}

// runClass drains the class queue once, then rescans only when a trigger
// arrived while it was busy. A row that failed and stayed queued is not
// re-attempted until the next cycle.
func (w *worker) runClass(ctx context.Context, class models.AttachmentState) {
	for {
		w.drainOnce(ctx, class)

		w.mu.Lock()
		if ctx.Err() != nil || !w.pending[class] {
			w.pending[class] = false
			w.busy[class] = false
			w.mu.Unlock()
			return
		}
		w.pending[class] = false
		w.mu.Unlock()
	}
}

// drainOnce selects the current queue for class (oldest first) and processes
// every row not already in flight.
func (w *worker) drainOnce(ctx context.Context, class models.AttachmentState) {
	repo := attachments.NewSQLRepository(w.db, w.table)

	rows, err := repo.GetByState(ctx, class)
	if err != nil {
		if ctx.Err() == nil {
			w.log.Error(ctx, "work selection failed", "state", class.String(), "error", err)
		}
		return
	}

	for _, att := range rows {
		if ctx.Err() != nil {
			return
		}
		if !w.acquire(att.ID) {
			continue
		}
		w.process(ctx, att)
		w.release(att.ID)
	}
}

func (w *worker) acquire(id string) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	if _, ok := w.inflight[id]; ok {
		return false
	}
	w.inflight[id] = struct{}{}
	return true
}

func (w *worker) release(id string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	delete(w.inflight, id)
}

func (w *worker) process(ctx context.Context, att models.Attachment) {
	switch att.State {
	case models.StateQueuedUpload:
		w.upload(ctx, att)
	case models.StateQueuedDownload:
		w.download(ctx, att)
	case models.StateQueuedDelete:
		w.delete(ctx, att)
	}
}

func (w *worker) upload(ctx context.Context, att models.Attachment) {
	err := w.uploadOnce(ctx, att)
	if err == nil {
		next := att
		next.State = models.StateSynced
		next.HasSynced = true
		next.LocalURI = ""
		w.commitSave(ctx, att, next)
		return
	}
	if cancelled(err) {
		return
	}

	w.log.Warn(ctx, "upload failed", "id", att.ID, "error", err)
	if w.errHandler.OnUploadError(ctx, att, err) {
		return // stays queued for the next cycle
	}
	next := att
	next.State = models.StateArchived
	w.commitSave(ctx, att, next)
}

func (w *worker) uploadOnce(ctx context.Context, att models.Attachment) error {
	f, err := w.store.Read(att.Filename)
	if err != nil {
		return err
	}
	defer f.Close()
	return w.remote.UploadFile(ctx, f, &att)
}

func (w *worker) download(ctx context.Context, att models.Attachment) {
	size, err := w.downloadOnce(ctx, att)
	if err == nil {
		next := att
		next.State = models.StateSynced
		next.HasSynced = true
		next.Size = size
		w.commitSave(ctx, att, next)
		return
	}
	if cancelled(err) {
		return
	}

	w.log.Warn(ctx, "download failed", "id", att.ID, "error", err)
	if w.errHandler.OnDownloadError(ctx, att, err) {
		return
	}
	// No local file and no upload pending: nothing to retain.
	w.commitDelete(ctx, att)
}

func (w *worker) downloadOnce(ctx context.Context, att models.Attachment) (int64, error) {
	body, err := w.remote.DownloadFile(ctx, &att)
	if err != nil {
		return 0, err
	}
	defer body.Close()
	return w.store.Write(att.Filename, body)
}

func (w *worker) delete(ctx context.Context, att models.Attachment) {
	err := w.remote.DeleteFile(ctx, &att)
	if err != nil {
		if cancelled(err) {
			return
		}
		w.log.Warn(ctx, "remote delete failed", "id", att.ID, "error", err)
		if w.errHandler.OnDeleteError(ctx, att, err) {
			return
		}
		// Give up remote-side: forget locally anyway.
	}

	if err := w.store.Delete(att.Filename); err != nil && !localstore.IsNotFound(err) {
		w.log.Warn(ctx, "local delete failed", "id", att.ID, "error", err)
	}
	w.commitDelete(ctx, att)
}

// commitSave writes the terminal state, refusing to overwrite a row that
// changed since it was selected.
func (w *worker) commitSave(ctx context.Context, snapshot, next models.Attachment) {
	var ok bool
	err := w.db.WriteTransaction(ctx, func(ctx context.Context, tx dbx.DBTX) error {
		repo := attachments.NewSQLRepository(tx, w.table)
		var err error
		ok, err = repo.SaveIfUnchanged(ctx, &next, snapshot.State, snapshot.Timestamp)
		return err
	})
	if err != nil {
		if !cancelled(err) {
			w.log.Error(ctx, "terminal write failed", "id", next.ID, "error", err)
		}
		return
	}
	if !ok {
		w.log.Debug(ctx, "terminal write skipped, row changed", "id", next.ID)
		return
	}
	if w.onTransition != nil {
		w.onTransition(next)
	}
}

func (w *worker) commitDelete(ctx context.Context, snapshot models.Attachment) {
	var ok bool
	err := w.db.WriteTransaction(ctx, func(ctx context.Context, tx dbx.DBTX) error {
		repo := attachments.NewSQLRepository(tx, w.table)
		var err error
		ok, err = repo.DeleteIfUnchanged(ctx, snapshot.ID, snapshot.State, snapshot.Timestamp)
		return err
	})
	if err != nil {
		if !cancelled(err) {
			w.log.Error(ctx, "terminal delete failed", "id", snapshot.ID, "error", err)
		}
		return
	}
	if !ok {
		w.log.Debug(ctx, "terminal delete skipped, row changed", "id", snapshot.ID)
		return
	}
	if w.onTransition != nil {
		deleted := snapshot
		w.onTransition(deleted)
	}
}

func cancelled(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}
