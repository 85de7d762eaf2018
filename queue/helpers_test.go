package queue

import (
	"bytes"
	"context"
	"database/sql"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/dmitrijs2005/attachsync/dbx"
	"github.com/dmitrijs2005/attachsync/models"
	"github.com/dmitrijs2005/attachsync/remote"
	_ "modernc.org/sqlite"
)

// fakeRemote is an in-memory Storage with failure injection and call
// counters.
type fakeRemote struct {
	mu      sync.Mutex
	objects map[string][]byte

	uploadErr   error
	downloadErr error
	deleteErr   error

	uploads   int
	downloads int
	deletes   int

	// uploadGate, when set, blocks uploads until closed or ctx is done;
	// started signals that an upload reached the gate.
	uploadGate chan struct{}
	started    chan struct{}
}

func newFakeRemote() *fakeRemote {
	return &fakeRemote{
		objects: make(map[string][]byte),
		started: make(chan struct{}, 1),
	}
}

func (f *fakeRemote) UploadFile(ctx context.Context, data io.Reader, att *models.Attachment) error {
	f.mu.Lock()
	gate := f.uploadGate
	f.mu.Unlock()
	if gate != nil {
		select {
		case f.started <- struct{}{}:
		default:
		}
		select {
		case <-gate:
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	b, err := io.ReadAll(data)
	if err != nil {
		return err
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.uploads++
	if f.uploadErr != nil {
		return f.uploadErr
	}
	f.objects[att.Filename] = b
	return nil
}

func (f *fakeRemote) DownloadFile(ctx context.Context, att *models.Attachment) (io.ReadCloser, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.downloads++
	if f.downloadErr != nil {
		return nil, f.downloadErr
	}
	b, ok := f.objects[att.Filename]
	if !ok {
		return nil, &remote.Error{Kind: remote.KindNotFound, Op: "download " + att.ID}
	}
	return io.NopCloser(bytes.NewReader(b)), nil
}

func (f *fakeRemote) DeleteFile(ctx context.Context, att *models.Attachment) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deletes++
	if f.deleteErr != nil {
		return f.deleteErr
	}
	delete(f.objects, att.Filename)
	return nil
}

func (f *fakeRemote) setUploadErr(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.uploadErr = err
}

func (f *fakeRemote) setDownloadErr(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.downloadErr = err
}

func (f *fakeRemote) setDeleteErr(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deleteErr = err
}

func (f *fakeRemote) has(filename string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.objects[filename]
	return ok
}

func (f *fakeRemote) put(filename string, b []byte) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.objects[filename] = b
}

func (f *fakeRemote) downloadCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.downloads
}

func (f *fakeRemote) uploadCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.uploads
}

// verdictHandler returns fixed retry verdicts.
type verdictHandler struct {
	upload, download, del bool
}

func (h verdictHandler) OnUploadError(context.Context, models.Attachment, error) bool {
	return h.upload
}
func (h verdictHandler) OnDownloadError(context.Context, models.Attachment, error) bool {
	return h.download
}
func (h verdictHandler) OnDeleteError(context.Context, models.Attachment, error) bool {
	return h.del
}

type queueEnv struct {
	q   *Queue
	rem *fakeRemote
	src chan []models.WatchedAttachmentItem
	db  *dbx.SQLDatabase
}

func setupQueueEnv(t *testing.T, edit func(*Config)) *queueEnv {
	t.Helper()

	name := strings.NewReplacer("/", "_", "#", "_").Replace(t.Name())
	sqlDB, err := sql.Open("sqlite", "file:"+name+"?mode=memory&cache=shared")
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })

	db := dbx.NewSQLDatabase(sqlDB)
	rem := newFakeRemote()
	src := make(chan []models.WatchedAttachmentItem, 16)

	cfg := DefaultConfig(t.TempDir())
	cfg.SyncInterval = 25 * time.Millisecond
	if edit != nil {
		edit(&cfg)
	}

	q, err := New(cfg, db, rem, SourceFunc(func(ctx context.Context) <-chan []models.WatchedAttachmentItem {
		return src
	}))
	require.NoError(t, err)

	return &queueEnv{q: q, rem: rem, src: src, db: db}
}

func (e *queueEnv) start(t *testing.T) {
	t.Helper()
	require.NoError(t, e.q.Start(context.Background()))
	t.Cleanup(e.q.Stop)
}

func waitState(t *testing.T, q *Queue, id string, state models.AttachmentState) models.Attachment {
	t.Helper()
	var got models.Attachment
	require.Eventually(t, func() bool {
		a, err := q.GetAttachment(context.Background(), id)
		if err != nil {
			return false
		}
		got = *a
		return a.State == state
	}, 3*time.Second, 10*time.Millisecond, "attachment %s never reached %s", id, state)
	return got
}

func waitGone(t *testing.T, q *Queue, id string) {
	t.Helper()
	require.Eventually(t, func() bool {
		_, err := q.GetAttachment(context.Background(), id)
		return err != nil
	}, 3*time.Second, 10*time.Millisecond, "attachment %s was never deleted", id)
}

func readFile(t *testing.T, q *Queue, filename string) []byte {
	t.Helper()
	r, err := q.store.Read(filename)
	require.NoError(t, err)
	defer r.Close()
	b, err := io.ReadAll(r)
	require.NoError(t, err)
	return b
}

func fileExists(t *testing.T, q *Queue, filename string) bool {
	t.Helper()
	ok, err := q.store.Exists(filename)
	require.NoError(t, err)
	return ok
}
