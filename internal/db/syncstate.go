package db

import (
	"database/sql"
	"errors"
	"fmt"
	"time"
)

const syncStateColumns = `id, sync_token, last_full_sync, last_incremental_sync,
	consecutive_failures, last_error, updated_at`

func scanSyncState(s scanner) (*SyncState, error) {
	state := &SyncState{}
	var token, lastError sql.NullString
	var lastFull, lastIncremental sql.NullTime

	err := s.Scan(&state.ID, &token, &lastFull, &lastIncremental,
		&state.ConsecutiveFailures, &lastError, &state.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan sync state: %w", err)
	}

	state.SyncToken = token.String
	state.LastError = lastError.String
	if lastFull.Valid {
		state.LastFullSync = &lastFull.Time
	}
	if lastIncremental.Valid {
		state.LastIncrementalSync = &lastIncremental.Time
	}
	return state, nil
}

// GetOrCreateAttachmentSyncState returns the sync state for an attachment,
// creating an empty one on first use.
func (db *DB) GetOrCreateAttachmentSyncState(attachmentID int64) (*SyncState, error) {
	row := db.conn.QueryRow(`SELECT `+syncStateColumns+` FROM calendar_sync_states
		WHERE attachment_id = ?`, attachmentID)
	state, err := scanSyncState(row)
	if err == nil {
		state.AttachmentID = attachmentID
		return state, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return nil, err
	}

	now := time.Now().UTC()
	result, err := db.conn.Exec(`INSERT INTO calendar_sync_states (attachment_id, updated_at) VALUES (?, ?)`,
		attachmentID, now)
	if err != nil {
		return nil, fmt.Errorf("failed to create sync state: %w", err)
	}
	id, err := result.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("failed to get sync state id: %w", err)
	}
	return &SyncState{ID: id, AttachmentID: attachmentID, UpdatedAt: now}, nil
}

// GetOrCreateMainSyncState returns the main-calendar sync state for a user,
// creating an empty one on first use.
func (db *DB) GetOrCreateMainSyncState(userID int64) (*SyncState, error) {
	row := db.conn.QueryRow(`SELECT `+syncStateColumns+` FROM main_sync_states
		WHERE user_id = ?`, userID)
	state, err := scanSyncState(row)
	if err == nil {
		state.UserID = userID
		return state, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return nil, err
	}

	now := time.Now().UTC()
	result, err := db.conn.Exec(`INSERT INTO main_sync_states (user_id, updated_at) VALUES (?, ?)`,
		userID, now)
	if err != nil {
		return nil, fmt.Errorf("failed to create main sync state: %w", err)
	}
	id, err := result.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("failed to get main sync state id: %w", err)
	}
	return &SyncState{ID: id, UserID: userID, UpdatedAt: now}, nil
}

func (db *DB) syncStateTable(state *SyncState) (table string, keyCol string, key int64) {
	if state.AttachmentID != 0 {
		return "calendar_sync_states", "attachment_id", state.AttachmentID
	}
	return "main_sync_states", "user_id", state.UserID
}

// AdvanceSyncToken stores a new token after a fully clean batch, resets
// the failure counter, and stamps the appropriate sync time.
func (db *DB) AdvanceSyncToken(state *SyncState, token string, fullSync bool) error {
	table, keyCol, key := db.syncStateTable(state)
	now := time.Now().UTC()

	timeCol := "last_incremental_sync"
	if fullSync {
		timeCol = "last_full_sync"
	}
	query := `UPDATE ` + table + ` SET sync_token = ?, ` + timeCol + ` = ?,
		consecutive_failures = 0, last_error = NULL, updated_at = ? WHERE ` + keyCol + ` = ?`
	result, err := db.conn.Exec(query, token, now, now, key)
	if err != nil {
		return fmt.Errorf("failed to advance sync token: %w", err)
	}
	if err := checkAffected(result); err != nil {
		return err
	}

	state.SyncToken = token
	state.ConsecutiveFailures = 0
	state.LastError = ""
	if fullSync {
		state.LastFullSync = &now
	} else {
		state.LastIncrementalSync = &now
	}
	return nil
}

// RecordSyncFailure increments the consecutive-failure counter and
// records the error text, returning the new counter value.
func (db *DB) RecordSyncFailure(state *SyncState, errText string) (int, error) {
	table, keyCol, key := db.syncStateTable(state)
	now := time.Now().UTC()

	query := `UPDATE ` + table + ` SET consecutive_failures = consecutive_failures + 1,
		last_error = ?, updated_at = ? WHERE ` + keyCol + ` = ?`
	result, err := db.conn.Exec(query, errText, now, key)
	if err != nil {
		return 0, fmt.Errorf("failed to record sync failure: %w", err)
	}
	if err := checkAffected(result); err != nil {
		return 0, err
	}

	state.ConsecutiveFailures++
	state.LastError = errText
	return state.ConsecutiveFailures, nil
}

// ClearSyncToken drops the stored token so the next sync is a full re-list.
func (db *DB) ClearSyncToken(state *SyncState) error {
	table, keyCol, key := db.syncStateTable(state)
	query := `UPDATE ` + table + ` SET sync_token = NULL, updated_at = ? WHERE ` + keyCol + ` = ?`
	result, err := db.conn.Exec(query, time.Now().UTC(), key)
	if err != nil {
		return fmt.Errorf("failed to clear sync token: %w", err)
	}
	if err := checkAffected(result); err != nil {
		return err
	}
	state.SyncToken = ""
	return nil
}

// ClearAllSyncTokens nulls every stored sync token. Used after restore so
// all calendars perform a full resync.
func (db *DB) ClearAllSyncTokens() error {
	now := time.Now().UTC()
	if _, err := db.conn.Exec(`UPDATE calendar_sync_states SET sync_token = NULL, updated_at = ?`, now); err != nil {
		return fmt.Errorf("failed to clear attachment sync tokens: %w", err)
	}
	if _, err := db.conn.Exec(`UPDATE main_sync_states SET sync_token = NULL, updated_at = ?`, now); err != nil {
		return fmt.Errorf("failed to clear main sync tokens: %w", err)
	}
	return nil
}

// ClearUserSyncTokens nulls the sync tokens of one user's calendars.
func (db *DB) ClearUserSyncTokens(userID int64) error {
	now := time.Now().UTC()
	query := `UPDATE calendar_sync_states SET sync_token = NULL, updated_at = ?
		WHERE attachment_id IN (SELECT id FROM calendar_attachments WHERE user_id = ?)`
	if _, err := db.conn.Exec(query, now, userID); err != nil {
		return fmt.Errorf("failed to clear attachment sync tokens: %w", err)
	}
	if _, err := db.conn.Exec(`UPDATE main_sync_states SET sync_token = NULL, updated_at = ? WHERE user_id = ?`,
		now, userID); err != nil {
		return fmt.Errorf("failed to clear main sync token: %w", err)
	}
	return nil
}

// DeleteAttachmentSyncState removes an attachment's sync state during cleanup.
func (db *DB) DeleteAttachmentSyncState(attachmentID int64) error {
	if _, err := db.conn.Exec(`DELETE FROM calendar_sync_states WHERE attachment_id = ?`, attachmentID); err != nil {
		return fmt.Errorf("failed to delete sync state: %w", err)
	}
	return nil
}

// InsertSyncLog records the outcome of one sync run.
func (db *DB) InsertSyncLog(entry *SyncLog) error {
	now := time.Now().UTC()
	query := `INSERT INTO sync_logs
		(user_id, attachment_id, status, message, events_processed, events_created,
		events_updated, events_deleted, events_failed, duration_ms, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	result, err := db.conn.Exec(query, entry.UserID, entry.AttachmentID, entry.Status, entry.Message,
		entry.EventsProcessed, entry.EventsCreated, entry.EventsUpdated, entry.EventsDeleted,
		entry.EventsFailed, entry.DurationMS, now)
	if err != nil {
		return fmt.Errorf("failed to insert sync log: %w", err)
	}
	entry.ID, err = result.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to get sync log id: %w", err)
	}
	entry.CreatedAt = now
	return nil
}

// GetRecentSyncLogs returns the most recent sync logs for a user.
func (db *DB) GetRecentSyncLogs(userID int64, limit int) ([]*SyncLog, error) {
	query := `SELECT id, user_id, attachment_id, status, message, events_processed,
		events_created, events_updated, events_deleted, events_failed, duration_ms, created_at
		FROM sync_logs WHERE user_id = ? ORDER BY created_at DESC, id DESC LIMIT ?`
	rows, err := db.conn.Query(query, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query sync logs: %w", err)
	}
	defer rows.Close()

	var logs []*SyncLog
	for rows.Next() {
		entry := &SyncLog{}
		var message sql.NullString
		if err := rows.Scan(&entry.ID, &entry.UserID, &entry.AttachmentID, &entry.Status, &message,
			&entry.EventsProcessed, &entry.EventsCreated, &entry.EventsUpdated, &entry.EventsDeleted,
			&entry.EventsFailed, &entry.DurationMS, &entry.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan sync log: %w", err)
		}
		entry.Message = message.String
		logs = append(logs, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating sync logs: %w", err)
	}
	return logs, nil
}

// DeleteSyncLogsBefore removes sync logs older than the cutoff, returning
// the number removed.
func (db *DB) DeleteSyncLogsBefore(cutoff time.Time) (int64, error) {
	result, err := db.conn.Exec(`DELETE FROM sync_logs WHERE created_at < ?`, cutoff.UTC())
	if err != nil {
		return 0, fmt.Errorf("failed to delete sync logs: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get rows affected: %w", err)
	}
	return affected, nil
}
