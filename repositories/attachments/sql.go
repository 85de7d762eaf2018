package attachments

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/dmitrijs2005/attachsync/dbx"
	"github.com/dmitrijs2005/attachsync/models"
)

// SQLRepository implements Repository over a DBTX (either a bare database
// handle or a transaction). The table name is configurable; every statement
// targets it.
type SQLRepository struct {
	db    dbx.DBTX
	table string
	now   func() int64
}

// NewSQLRepository returns a repository bound to db, targeting table.
func NewSQLRepository(db dbx.DBTX, table string) *SQLRepository {
	return &SQLRepository{
		db:    db,
		table: table,
		now:   func() int64 { return time.Now().UnixMilli() },
	}
}

// WithClock overrides the timestamp source. Test hook.
func (r *SQLRepository) WithClock(now func() int64) *SQLRepository {
	r.now = now
	return r
}

const attachmentColumns = `id, filename, media_type, state, timestamp, size, has_synced, meta_data, local_uri`

func scanAttachment(rows *sql.Rows) (models.Attachment, error) {
	var a models.Attachment
	var state int
	err := rows.Scan(&a.ID, &a.Filename, &a.MediaType, &state, &a.Timestamp, &a.Size, &a.HasSynced, &a.MetaData, &a.LocalURI)
	a.State = models.AttachmentState(state)
	return a, err
}

func (r *SQLRepository) Save(ctx context.Context, att *models.Attachment) error {
	att.Timestamp = r.now()

	query := fmt.Sprintf(`INSERT INTO %s (%s)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(id) DO UPDATE SET filename = excluded.filename,
				media_type = excluded.media_type,
				state = excluded.state,
				timestamp = excluded.timestamp,
				size = excluded.size,
				has_synced = excluded.has_synced,
				meta_data = excluded.meta_data,
				local_uri = excluded.local_uri
	`, r.table, attachmentColumns)

	_, err := r.db.ExecContext(ctx, query,
		att.ID, att.Filename, att.MediaType, int(att.State), att.Timestamp,
		att.Size, att.HasSynced, att.MetaData, att.LocalURI)
	if err != nil {
		return fmt.Errorf("failed to upsert attachment: %w", err)
	}
	return nil
}

func (r *SQLRepository) Get(ctx context.Context, id string) (*models.Attachment, error) {
	query := fmt.Sprintf(`SELECT %s FROM %s WHERE id = ?`, attachmentColumns, r.table)

	a, err := dbx.Get(ctx, r.db, query, scanAttachment, id)
	if err != nil {
		if errors.Is(err, dbx.ErrNoRows) {
			return nil, models.ErrNotFound
		}
		return nil, fmt.Errorf("failed to get attachment: %w", err)
	}
	return &a, nil
}

func (r *SQLRepository) GetAll(ctx context.Context) ([]models.Attachment, error) {
	query := fmt.Sprintf(`SELECT %s FROM %s`, attachmentColumns, r.table)

	result, err := dbx.GetAll(ctx, r.db, query, scanAttachment)
	if err != nil {
		return nil, fmt.Errorf("failed to select attachments: %w", err)
	}
	return result, nil
}

func (r *SQLRepository) GetByState(ctx context.Context, state models.AttachmentState) ([]models.Attachment, error) {
	query := fmt.Sprintf(`SELECT %s FROM %s WHERE state = ? ORDER BY timestamp ASC`, attachmentColumns, r.table)

	result, err := dbx.GetAll(ctx, r.db, query, scanAttachment, int(state))
	if err != nil {
		return nil, fmt.Errorf("failed to select attachments by state: %w", err)
	}
	return result, nil
}

func (r *SQLRepository) Delete(ctx context.Context, id string) error {
	query := fmt.Sprintf(`DELETE FROM %s WHERE id = ?`, r.table)

	res, err := r.db.ExecContext(ctx, query, id)
	if err != nil {
		return fmt.Errorf("failed to delete attachment: %w", err)
	}
	ra, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if ra == 0 {
		return models.ErrNotFound
	}
	return nil
}

func (r *SQLRepository) ArchivedCount(ctx context.Context) (int, error) {
	query := fmt.Sprintf(`SELECT COUNT(*) FROM %s WHERE state = ?`, r.table)

	var n int
	if err := r.db.QueryRowContext(ctx, query, int(models.StateArchived)).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count archived attachments: %w", err)
	}
	return n, nil
}

func (r *SQLRepository) EvictArchived(ctx context.Context, keep int) ([]models.Attachment, error) {
	if keep < 0 {
		keep = 0
	}

	// Newest survive; everything past the keep window goes.
	query := fmt.Sprintf(`SELECT %s FROM %s WHERE state = ?
			ORDER BY timestamp DESC LIMIT -1 OFFSET ?`, attachmentColumns, r.table)

	evicted, err := dbx.GetAll(ctx, r.db, query, scanAttachment, int(models.StateArchived), keep)
	if err != nil {
		return nil, fmt.Errorf("failed to select archived overflow: %w", err)
	}

	for _, a := range evicted {
		if _, err := r.db.ExecContext(ctx, fmt.Sprintf(`DELETE FROM %s WHERE id = ?`, r.table), a.ID); err != nil {
			return nil, fmt.Errorf("failed to evict attachment %s: %w", a.ID, err)
		}
	}
	return evicted, nil
}

func (r *SQLRepository) SaveIfUnchanged(ctx context.Context, att *models.Attachment, expectedState models.AttachmentState, expectedTimestamp int64) (bool, error) {
	att.Timestamp = r.now()

	query := fmt.Sprintf(`UPDATE %s SET filename = ?, media_type = ?, state = ?, timestamp = ?,
				size = ?, has_synced = ?, meta_data = ?, local_uri = ?
			WHERE id = ? AND state = ? AND timestamp = ?`, r.table)

	res, err := r.db.ExecContext(ctx, query,
		att.Filename, att.MediaType, int(att.State), att.Timestamp,
		att.Size, att.HasSynced, att.MetaData, att.LocalURI,
		att.ID, int(expectedState), expectedTimestamp)
	if err != nil {
		return false, fmt.Errorf("failed to update attachment: %w", err)
	}
	ra, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to get rows affected: %w", err)
	}
	return ra == 1, nil
}

func (r *SQLRepository) DeleteIfUnchanged(ctx context.Context, id string, expectedState models.AttachmentState, expectedTimestamp int64) (bool, error) {
	query := fmt.Sprintf(`DELETE FROM %s WHERE id = ? AND state = ? AND timestamp = ?`, r.table)

	res, err := r.db.ExecContext(ctx, query, id, int(expectedState), expectedTimestamp)
	if err != nil {
		return false, fmt.Errorf("failed to delete attachment: %w", err)
	}
	ra, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to get rows affected: %w", err)
	}
	return ra == 1, nil
}

func (r *SQLRepository) DeleteAll(ctx context.Context) error {
	if _, err := r.db.ExecContext(ctx, fmt.Sprintf(`DELETE FROM %s`, r.table)); err != nil {
		return fmt.Errorf("failed to clear attachments: %w", err)
	}
	return nil
}
