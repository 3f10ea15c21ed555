package db

import (
	"context"
	"fmt"
)

// CopyUserDataFrom re-establishes per-user database state from another
// database image at srcPath: the targeted users' rows are deleted and
// reinserted from the source, ids preserved so foreign keys and stored
// remote-id mappings stay intact. An empty userIDs targets every user
// present in the source; a requested user absent from the source is
// skipped rather than wiped. Global tables (settings, job locks) are
// left alone.
func (db *DB) CopyUserDataFrom(ctx context.Context, srcPath string, userIDs []int64) error {
	// ATTACH is per-connection, so the whole restore runs on one.
	conn, err := db.conn.Conn(ctx)
	if err != nil {
		return fmt.Errorf("acquire connection: %w", err)
	}
	defer conn.Close()

	if _, err := conn.ExecContext(ctx, `ATTACH DATABASE ? AS src`, srcPath); err != nil {
		return fmt.Errorf("attach restore source: %w", err)
	}
	defer conn.ExecContext(context.Background(), `DETACH DATABASE src`)

	if _, err := conn.ExecContext(ctx, `CREATE TEMP TABLE restore_targets (id INTEGER PRIMARY KEY)`); err != nil {
		return fmt.Errorf("create target table: %w", err)
	}
	defer conn.ExecContext(context.Background(), `DROP TABLE IF EXISTS temp.restore_targets`)

	if len(userIDs) == 0 {
		if _, err := conn.ExecContext(ctx, `INSERT INTO temp.restore_targets SELECT id FROM src.users`); err != nil {
			return fmt.Errorf("collect restore targets: %w", err)
		}
	} else {
		for _, id := range userIDs {
			if _, err := conn.ExecContext(ctx,
				`INSERT INTO temp.restore_targets SELECT id FROM src.users WHERE id = ?`, id); err != nil {
				return fmt.Errorf("collect restore target %d: %w", id, err)
			}
		}
	}

	const targets = `(SELECT id FROM temp.restore_targets)`

	// Children are deleted before parents explicitly; the restore must
	// not depend on the connection's foreign_keys pragma for cascades.
	// Inserts run parents-first with explicit ids. SELECT * is safe:
	// archives are produced by this binary, so both schemas match.
	statements := []string{
		`DELETE FROM busy_blocks WHERE mapping_id IN (SELECT id FROM event_mappings WHERE user_id IN ` + targets + `)`,
		`DELETE FROM calendar_sync_states WHERE attachment_id IN (SELECT id FROM calendar_attachments WHERE user_id IN ` + targets + `)`,
		`DELETE FROM event_mappings WHERE user_id IN ` + targets,
		`DELETE FROM webhook_channels WHERE user_id IN ` + targets,
		`DELETE FROM sync_logs WHERE user_id IN ` + targets,
		`DELETE FROM alerts WHERE user_id IN ` + targets,
		`DELETE FROM main_sync_states WHERE user_id IN ` + targets,
		`DELETE FROM calendar_attachments WHERE user_id IN ` + targets,
		`DELETE FROM accounts WHERE user_id IN ` + targets,
		`DELETE FROM users WHERE id IN ` + targets,

		`INSERT INTO users SELECT * FROM src.users WHERE id IN ` + targets,
		`INSERT INTO accounts SELECT * FROM src.accounts WHERE user_id IN ` + targets,
		`INSERT INTO calendar_attachments SELECT * FROM src.calendar_attachments WHERE user_id IN ` + targets,
		`INSERT INTO calendar_sync_states SELECT * FROM src.calendar_sync_states
			WHERE attachment_id IN (SELECT id FROM src.calendar_attachments WHERE user_id IN ` + targets + `)`,
		`INSERT INTO main_sync_states SELECT * FROM src.main_sync_states WHERE user_id IN ` + targets,
		`INSERT INTO event_mappings SELECT * FROM src.event_mappings WHERE user_id IN ` + targets,
		`INSERT INTO busy_blocks SELECT * FROM src.busy_blocks
			WHERE mapping_id IN (SELECT id FROM src.event_mappings WHERE user_id IN ` + targets + `)`,
		`INSERT INTO webhook_channels SELECT * FROM src.webhook_channels WHERE user_id IN ` + targets,
		`INSERT INTO sync_logs SELECT * FROM src.sync_logs WHERE user_id IN ` + targets,
		`INSERT INTO alerts SELECT * FROM src.alerts WHERE user_id IN ` + targets,
	}

	if _, err := conn.ExecContext(ctx, `BEGIN IMMEDIATE`); err != nil {
		return fmt.Errorf("begin restore transaction: %w", err)
	}
	for _, stmt := range statements {
		if _, err := conn.ExecContext(ctx, stmt); err != nil {
			conn.ExecContext(context.Background(), `ROLLBACK`) //nolint:errcheck
			return fmt.Errorf("restore rows: %w", err)
		}
	}
	if _, err := conn.ExecContext(ctx, `COMMIT`); err != nil {
		return fmt.Errorf("commit restore transaction: %w", err)
	}
	return nil
}
