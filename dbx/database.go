package dbx

import (
	"context"
	"database/sql"
	"sync"
)

// Database is the capability set the attachment queue consumes from the host
// database. Statements outside a transaction go through the embedded DBTX;
// ReadTransaction and WriteTransaction run fn atomically with a transactional
// handle; Subscribe delivers a tick after every committed write so watchers
// can re-run their queries.
//
// The queue never assumes a concrete implementation. SQLDatabase below is the
// reference adapter over database/sql.
type Database interface {
	DBTX

	ReadTransaction(ctx context.Context, fn func(ctx context.Context, tx DBTX) error) error
	WriteTransaction(ctx context.Context, fn func(ctx context.Context, tx DBTX) error) error

	// Subscribe registers a change listener. The returned channel receives
	// (coalesced) ticks after committed writes; cancel unregisters it and
	// closes the channel.
	Subscribe() (ch <-chan struct{}, cancel func())
}

// SQLDatabase adapts a *sql.DB to the Database interface. Change
// notification is commit-coupled: every successful write transaction or
// ExecContext signals all subscribers. Ticks are coalesced per subscriber
// (a slow watcher sees at least one tick, not one per write).
type SQLDatabase struct {
	db *sql.DB

	mu   sync.Mutex
	subs map[int]chan struct{}
	next int
}

func NewSQLDatabase(db *sql.DB) *SQLDatabase {
	return &SQLDatabase{db: db, subs: make(map[int]chan struct{})}
}

// DB exposes the underlying handle for schema setup and tests.
func (d *SQLDatabase) DB() *sql.DB {
	return d.db
}

func (d *SQLDatabase) ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error) {
	res, err := d.db.ExecContext(ctx, query, args...)
	if err == nil {
		d.notify()
	}
	return res, err
}

func (d *SQLDatabase) QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	return d.db.QueryContext(ctx, query, args...)
}

func (d *SQLDatabase) QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row {
	return d.db.QueryRowContext(ctx, query, args...)
}

// ReadTransaction runs fn in a plain transaction. Read-only enforcement is
// left to the driver; not every sqlite driver accepts TxOptions.ReadOnly.
func (d *SQLDatabase) ReadTransaction(ctx context.Context, fn func(ctx context.Context, tx DBTX) error) error {
	return WithTx(ctx, d.db, nil, fn)
}

func (d *SQLDatabase) WriteTransaction(ctx context.Context, fn func(ctx context.Context, tx DBTX) error) error {
	err := WithTx(ctx, d.db, nil, fn)
	if err == nil {
		d.notify()
	}
	return err
}

func (d *SQLDatabase) Subscribe() (<-chan struct{}, func()) {
	d.mu.Lock()
	defer d.mu.Unlock()

	id := d.next
	d.next++
	ch := make(chan struct{}, 1)
	d.subs[id] = ch

	cancel := func() {
		d.mu.Lock()
		defer d.mu.Unlock()
		if c, ok := d.subs[id]; ok {
			delete(d.subs, id)
			close(c)
		}
	}
	return ch, cancel
}

func (d *SQLDatabase) notify() {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, ch := range d.subs {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
}
