package db

import (
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"
)

const mappingColumns = `id, user_id, origin_kind, origin_attachment_id, origin_calendar,
	origin_event_id, origin_recurring_event_id, main_event_id, event_start, event_end,
	is_all_day, is_recurring, user_can_edit, deleted_at, created_at, updated_at`

func scanMapping(s scanner) (*EventMapping, error) {
	m := &EventMapping{}
	var originAttachmentID sql.NullInt64
	var originRecurringEventID sql.NullString
	var eventStart, eventEnd, deletedAt sql.NullTime

	err := s.Scan(&m.ID, &m.UserID, &m.OriginKind, &originAttachmentID, &m.OriginCalendar,
		&m.OriginEventID, &originRecurringEventID, &m.MainEventID, &eventStart, &eventEnd,
		&m.IsAllDay, &m.IsRecurring, &m.UserCanEdit, &deletedAt, &m.CreatedAt, &m.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan mapping: %w", err)
	}

	if originAttachmentID.Valid {
		m.OriginAttachmentID = &originAttachmentID.Int64
	}
	m.OriginRecurringEventID = originRecurringEventID.String
	if eventStart.Valid {
		m.EventStart = &eventStart.Time
	}
	if eventEnd.Valid {
		m.EventEnd = &eventEnd.Time
	}
	if deletedAt.Valid {
		m.DeletedAt = &deletedAt.Time
	}
	return m, nil
}

// UpsertMapping inserts or updates a mapping by its unique key
// (user_id, origin_calendar, origin_event_id) and fills in its ID.
func (db *DB) UpsertMapping(m *EventMapping) error {
	now := time.Now().UTC()

	query := `UPDATE event_mappings SET
		origin_kind = ?, origin_attachment_id = ?, origin_recurring_event_id = ?,
		main_event_id = ?, event_start = ?, event_end = ?, is_all_day = ?, is_recurring = ?,
		user_can_edit = ?, deleted_at = ?, updated_at = ?
		WHERE user_id = ? AND origin_calendar = ? AND origin_event_id = ?`
	result, err := db.conn.Exec(query,
		m.OriginKind, nullInt64(m.OriginAttachmentID), nullString(m.OriginRecurringEventID),
		m.MainEventID, nullTime(m.EventStart), nullTime(m.EventEnd), m.IsAllDay, m.IsRecurring,
		m.UserCanEdit, nullTime(m.DeletedAt), now,
		m.UserID, m.OriginCalendar, m.OriginEventID)
	if err != nil {
		return fmt.Errorf("failed to update mapping: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if affected > 0 {
		existing, err := db.GetMappingByOrigin(m.UserID, m.OriginCalendar, m.OriginEventID)
		if err != nil {
			return err
		}
		m.ID = existing.ID
		m.UpdatedAt = now
		return nil
	}

	insert := `INSERT INTO event_mappings
		(user_id, origin_kind, origin_attachment_id, origin_calendar, origin_event_id,
		origin_recurring_event_id, main_event_id, event_start, event_end, is_all_day,
		is_recurring, user_can_edit, deleted_at, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	res, err := db.conn.Exec(insert,
		m.UserID, m.OriginKind, nullInt64(m.OriginAttachmentID), m.OriginCalendar, m.OriginEventID,
		nullString(m.OriginRecurringEventID), m.MainEventID, nullTime(m.EventStart), nullTime(m.EventEnd),
		m.IsAllDay, m.IsRecurring, m.UserCanEdit, nullTime(m.DeletedAt), now, now)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrDuplicate
		}
		return fmt.Errorf("failed to create mapping: %w", err)
	}
	m.ID, err = res.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to get mapping id: %w", err)
	}
	m.CreatedAt = now
	m.UpdatedAt = now
	return nil
}

// GetMappingByID returns a mapping by its ID.
func (db *DB) GetMappingByID(id int64) (*EventMapping, error) {
	row := db.conn.QueryRow(`SELECT `+mappingColumns+` FROM event_mappings WHERE id = ?`, id)
	return scanMapping(row)
}

// GetMappingByOrigin returns a mapping by its unique key, soft-deleted
// rows included. originCalendar is empty for main-origin mappings.
func (db *DB) GetMappingByOrigin(userID int64, originCalendar, originEventID string) (*EventMapping, error) {
	row := db.conn.QueryRow(`SELECT `+mappingColumns+` FROM event_mappings
		WHERE user_id = ? AND origin_calendar = ? AND origin_event_id = ?`,
		userID, originCalendar, originEventID)
	return scanMapping(row)
}

// GetMappingByMainEventID returns the live mapping whose main copy has
// the given remote id.
func (db *DB) GetMappingByMainEventID(userID int64, mainEventID string) (*EventMapping, error) {
	row := db.conn.QueryRow(`SELECT `+mappingColumns+` FROM event_mappings
		WHERE user_id = ? AND main_event_id = ? AND deleted_at IS NULL`,
		userID, mainEventID)
	return scanMapping(row)
}

func (db *DB) queryMappings(query string, args ...any) ([]*EventMapping, error) {
	rows, err := db.conn.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query mappings: %w", err)
	}
	defer rows.Close()

	var mappings []*EventMapping
	for rows.Next() {
		m, err := scanMapping(rows)
		if err != nil {
			return nil, err
		}
		mappings = append(mappings, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating mappings: %w", err)
	}
	return mappings, nil
}

// GetLiveMappingsByUserID returns all live mappings for a user.
func (db *DB) GetLiveMappingsByUserID(userID int64) ([]*EventMapping, error) {
	return db.queryMappings(`SELECT `+mappingColumns+` FROM event_mappings
		WHERE user_id = ? AND deleted_at IS NULL ORDER BY id`, userID)
}

// GetSoftDeletedMappingsByUserID returns soft-deleted mappings, which
// the reconciler checks for busy-block leftovers.
func (db *DB) GetSoftDeletedMappingsByUserID(userID int64) ([]*EventMapping, error) {
	return db.queryMappings(`SELECT `+mappingColumns+` FROM event_mappings
		WHERE user_id = ? AND deleted_at IS NOT NULL ORDER BY id`, userID)
}

// GetMappingsByOriginAttachment returns all mappings originating from
// one attachment, soft-deleted rows included.
func (db *DB) GetMappingsByOriginAttachment(attachmentID int64) ([]*EventMapping, error) {
	return db.queryMappings(`SELECT `+mappingColumns+` FROM event_mappings
		WHERE origin_attachment_id = ? ORDER BY id`, attachmentID)
}

// GetInstanceMappings returns the instance-level (forked) mappings of a
// recurring series.
func (db *DB) GetInstanceMappings(userID int64, originCalendar, parentEventID string) ([]*EventMapping, error) {
	return db.queryMappings(`SELECT `+mappingColumns+` FROM event_mappings
		WHERE user_id = ? AND origin_calendar = ? AND origin_recurring_event_id = ? ORDER BY id`,
		userID, originCalendar, parentEventID)
}

// GetExpiredMappings returns mappings past retention: non-recurring ones
// whose end predates the cutoff, and recurring ones soft-deleted before it.
func (db *DB) GetExpiredMappings(cutoff time.Time) ([]*EventMapping, error) {
	return db.queryMappings(`SELECT `+mappingColumns+` FROM event_mappings
		WHERE (is_recurring = 0 AND event_end IS NOT NULL AND event_end < ?)
		OR (is_recurring = 1 AND deleted_at IS NOT NULL AND deleted_at < ?)`,
		cutoff.UTC(), cutoff.UTC())
}

// RepointMappingMainEvent updates the remote id of the mapping's main copy.
func (db *DB) RepointMappingMainEvent(id int64, mainEventID string) error {
	query := `UPDATE event_mappings SET main_event_id = ?, updated_at = ? WHERE id = ?`
	result, err := db.conn.Exec(query, mainEventID, time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("failed to repoint mapping: %w", err)
	}
	return checkAffected(result)
}

// SoftDeleteMapping stamps deleted_at, preserving the row so instance
// semantics survive for retention.
func (db *DB) SoftDeleteMapping(id int64) error {
	now := time.Now().UTC()
	query := `UPDATE event_mappings SET deleted_at = ?, updated_at = ? WHERE id = ?`
	result, err := db.conn.Exec(query, now, now, id)
	if err != nil {
		return fmt.Errorf("failed to soft-delete mapping: %w", err)
	}
	return checkAffected(result)
}

// DeleteMapping hard-deletes a mapping; busy blocks cascade.
func (db *DB) DeleteMapping(id int64) error {
	result, err := db.conn.Exec(`DELETE FROM event_mappings WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete mapping: %w", err)
	}
	return checkAffected(result)
}

const busyBlockColumns = `id, mapping_id, attachment_id, busy_block_event_id, created_at, updated_at`

func scanBusyBlock(s scanner) (*BusyBlock, error) {
	b := &BusyBlock{}
	err := s.Scan(&b.ID, &b.MappingID, &b.AttachmentID, &b.BusyBlockEventID, &b.CreatedAt, &b.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan busy block: %w", err)
	}
	return b, nil
}

// CreateBusyBlock registers a remote busy artifact. The row must only be
// written after the remote create succeeded.
func (db *DB) CreateBusyBlock(b *BusyBlock) error {
	now := time.Now().UTC()
	query := `INSERT INTO busy_blocks (mapping_id, attachment_id, busy_block_event_id, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?)`
	result, err := db.conn.Exec(query, b.MappingID, b.AttachmentID, b.BusyBlockEventID, now, now)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrDuplicate
		}
		return fmt.Errorf("failed to create busy block: %w", err)
	}
	b.ID, err = result.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to get busy block id: %w", err)
	}
	b.CreatedAt = now
	b.UpdatedAt = now
	return nil
}

// GetBusyBlock returns the busy block for (mapping, attachment).
func (db *DB) GetBusyBlock(mappingID, attachmentID int64) (*BusyBlock, error) {
	row := db.conn.QueryRow(`SELECT `+busyBlockColumns+` FROM busy_blocks
		WHERE mapping_id = ? AND attachment_id = ?`, mappingID, attachmentID)
	return scanBusyBlock(row)
}

func (db *DB) queryBusyBlocks(query string, args ...any) ([]*BusyBlock, error) {
	rows, err := db.conn.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query busy blocks: %w", err)
	}
	defer rows.Close()

	var blocks []*BusyBlock
	for rows.Next() {
		b, err := scanBusyBlock(rows)
		if err != nil {
			return nil, err
		}
		blocks = append(blocks, b)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating busy blocks: %w", err)
	}
	return blocks, nil
}

// GetBusyBlocksByMapping returns every busy block a mapping produced.
func (db *DB) GetBusyBlocksByMapping(mappingID int64) ([]*BusyBlock, error) {
	return db.queryBusyBlocks(`SELECT `+busyBlockColumns+` FROM busy_blocks
		WHERE mapping_id = ? ORDER BY attachment_id`, mappingID)
}

// GetBusyBlocksByAttachment returns every busy block written onto one
// attachment, regardless of which mapping produced it.
func (db *DB) GetBusyBlocksByAttachment(attachmentID int64) ([]*BusyBlock, error) {
	return db.queryBusyBlocks(`SELECT `+busyBlockColumns+` FROM busy_blocks
		WHERE attachment_id = ? ORDER BY mapping_id`, attachmentID)
}

// GetBusyBlockByEventID returns the busy block carrying one remote id
// on one attachment.
func (db *DB) GetBusyBlockByEventID(attachmentID int64, eventID string) (*BusyBlock, error) {
	row := db.conn.QueryRow(`SELECT `+busyBlockColumns+` FROM busy_blocks
		WHERE attachment_id = ? AND busy_block_event_id = ?`, attachmentID, eventID)
	return scanBusyBlock(row)
}

// RepointBusyBlock updates a busy block's remote id after create-then-repoint.
func (db *DB) RepointBusyBlock(id int64, busyBlockEventID string) error {
	query := `UPDATE busy_blocks SET busy_block_event_id = ?, updated_at = ? WHERE id = ?`
	result, err := db.conn.Exec(query, busyBlockEventID, time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("failed to repoint busy block: %w", err)
	}
	return checkAffected(result)
}

// DeleteBusyBlock removes a busy block row. Callers must only do this
// after the remote artifact is confirmed deleted or already gone.
func (db *DB) DeleteBusyBlock(id int64) error {
	result, err := db.conn.Exec(`DELETE FROM busy_blocks WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete busy block: %w", err)
	}
	return checkAffected(result)
}

// DeleteBusyBlocks removes a set of busy block rows in one statement.
func (db *DB) DeleteBusyBlocks(ids []int64) error {
	if len(ids) == 0 {
		return nil
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(ids)), ",")
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	if _, err := db.conn.Exec(`DELETE FROM busy_blocks WHERE id IN (`+placeholders+`)`, args...); err != nil {
		return fmt.Errorf("failed to delete busy blocks: %w", err)
	}
	return nil
}

func nullInt64(v *int64) any {
	if v == nil {
		return nil
	}
	return *v
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}
