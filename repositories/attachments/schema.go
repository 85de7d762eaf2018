package attachments

import (
	"context"
	"fmt"

	"github.com/dmitrijs2005/attachsync/dbx"
)

// DefaultTableName is used when the host does not configure one.
const DefaultTableName = "attachments"

// Schema returns the local-only state table definition for the given table
// name. Hosts that manage their own migrations feed this into them; everyone
// else calls CreateTable.
func Schema(table string) string {
	return fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
	id TEXT PRIMARY KEY,
	filename TEXT NOT NULL,
	media_type TEXT NOT NULL DEFAULT '',
	state INTEGER NOT NULL,
	timestamp INTEGER NOT NULL,
	size INTEGER NOT NULL DEFAULT 0,
	has_synced INTEGER NOT NULL DEFAULT 0,
	meta_data TEXT NOT NULL DEFAULT '',
	local_uri TEXT NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS idx_%s_state_timestamp ON %s (state, timestamp);`, table, table, table)
}

// CreateTable applies the schema for table on db.
func CreateTable(ctx context.Context, db dbx.DBTX, table string) error {
	if table == "" {
		table = DefaultTableName
	}
	if _, err := db.ExecContext(ctx, Schema(table)); err != nil {
		return fmt.Errorf("failed to create attachment table: %w", err)
	}
	return nil
}
