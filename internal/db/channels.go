package db

import (
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"time"
)

const channelColumns = `id, user_id, kind, attachment_id, channel_id, resource_id, token, expiration, created_at`

func scanChannel(s scanner) (*WebhookChannel, error) {
	ch := &WebhookChannel{}
	err := s.Scan(&ch.ID, &ch.UserID, &ch.Kind, &ch.AttachmentID, &ch.ChannelID,
		&ch.ResourceID, &ch.Token, &ch.Expiration, &ch.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan webhook channel: %w", err)
	}
	return ch, nil
}

// ReplaceWebhookChannel stores a channel for (user, kind, attachment),
// replacing any previous registration. The caller stops the old remote
// channel only after the new one is live.
func (db *DB) ReplaceWebhookChannel(ch *WebhookChannel) error {
	now := time.Now().UTC()
	ch.CreatedAt = now

	tx, err := db.conn.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	if _, err := tx.Exec(`DELETE FROM webhook_channels WHERE user_id = ? AND kind = ? AND attachment_id = ?`,
		ch.UserID, ch.Kind, ch.AttachmentID); err != nil {
		return fmt.Errorf("failed to remove old channel: %w", err)
	}

	result, err := tx.Exec(`INSERT INTO webhook_channels
		(user_id, kind, attachment_id, channel_id, resource_id, token, expiration, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		ch.UserID, ch.Kind, ch.AttachmentID, ch.ChannelID, ch.ResourceID, ch.Token,
		ch.Expiration.UTC(), now)
	if err != nil {
		return fmt.Errorf("failed to create webhook channel: %w", err)
	}
	if ch.ID, err = result.LastInsertId(); err != nil {
		return fmt.Errorf("failed to get channel id: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit channel replacement: %w", err)
	}
	return nil
}

// GetWebhookChannelByChannelID looks up a channel by the id echoed in
// push notification headers.
func (db *DB) GetWebhookChannelByChannelID(channelID string) (*WebhookChannel, error) {
	row := db.conn.QueryRow(`SELECT `+channelColumns+` FROM webhook_channels WHERE channel_id = ?`, channelID)
	return scanChannel(row)
}

// GetWebhookChannel returns the channel for (user, kind, attachment).
// attachmentID is zero for the main calendar channel.
func (db *DB) GetWebhookChannel(userID int64, kind ChannelKind, attachmentID int64) (*WebhookChannel, error) {
	row := db.conn.QueryRow(`SELECT `+channelColumns+` FROM webhook_channels
		WHERE user_id = ? AND kind = ? AND attachment_id = ?`, userID, kind, attachmentID)
	return scanChannel(row)
}

// ListWebhookChannelsExpiringBefore returns channels due for renewal.
func (db *DB) ListWebhookChannelsExpiringBefore(cutoff time.Time) ([]*WebhookChannel, error) {
	rows, err := db.conn.Query(`SELECT `+channelColumns+` FROM webhook_channels
		WHERE expiration < ? ORDER BY expiration`, cutoff.UTC())
	if err != nil {
		return nil, fmt.Errorf("failed to query webhook channels: %w", err)
	}
	defer rows.Close()

	var channels []*WebhookChannel
	for rows.Next() {
		ch, err := scanChannel(rows)
		if err != nil {
			return nil, err
		}
		channels = append(channels, ch)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating webhook channels: %w", err)
	}
	return channels, nil
}

// DeleteWebhookChannel removes a channel row by its database id.
func (db *DB) DeleteWebhookChannel(id int64) error {
	result, err := db.conn.Exec(`DELETE FROM webhook_channels WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete webhook channel: %w", err)
	}
	return checkAffected(result)
}

// DeleteWebhookChannelForAttachment removes an attachment's channel row
// during disconnect cleanup.
func (db *DB) DeleteWebhookChannelForAttachment(userID, attachmentID int64) error {
	if _, err := db.conn.Exec(`DELETE FROM webhook_channels
		WHERE user_id = ? AND kind = ? AND attachment_id = ?`,
		userID, ChannelAttachment, attachmentID); err != nil {
		return fmt.Errorf("failed to delete webhook channel: %w", err)
	}
	return nil
}

// AcquireJobLock attempts to take the named job lock. A held lock older
// than reclaimAfter is considered abandoned and is taken over. Returns
// false when the lock is held by a live owner.
func (db *DB) AcquireJobLock(name, owner string, reclaimAfter time.Duration) (bool, error) {
	now := time.Now().UTC()

	result, err := db.conn.Exec(`INSERT INTO job_locks (name, locked_at, locked_by) VALUES (?, ?, ?)
		ON CONFLICT(name) DO UPDATE SET locked_at = excluded.locked_at, locked_by = excluded.locked_by
		WHERE job_locks.locked_at < ?`,
		name, now, owner, now.Add(-reclaimAfter))
	if err != nil {
		return false, fmt.Errorf("failed to acquire job lock: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to get rows affected: %w", err)
	}
	return affected > 0, nil
}

// ReleaseJobLock frees the named lock if this owner still holds it.
func (db *DB) ReleaseJobLock(name, owner string) error {
	if _, err := db.conn.Exec(`DELETE FROM job_locks WHERE name = ? AND locked_by = ?`, name, owner); err != nil {
		return fmt.Errorf("failed to release job lock: %w", err)
	}
	return nil
}

// GetJobLock returns the current holder of a job lock, if any.
func (db *DB) GetJobLock(name string) (*JobLock, error) {
	row := db.conn.QueryRow(`SELECT name, locked_at, locked_by FROM job_locks WHERE name = ?`, name)
	lock := &JobLock{}
	err := row.Scan(&lock.Name, &lock.LockedAt, &lock.LockedBy)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan job lock: %w", err)
	}
	return lock, nil
}

// GetSetting returns a setting value, or defaultValue when unset.
func (db *DB) GetSetting(key, defaultValue string) (string, error) {
	row := db.conn.QueryRow(`SELECT value FROM settings WHERE key = ?`, key)
	var value string
	err := row.Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return defaultValue, nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to get setting: %w", err)
	}
	return value, nil
}

// SetSetting stores a setting value.
func (db *DB) SetSetting(key, value string) error {
	query := `INSERT INTO settings (key, value, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`
	if _, err := db.conn.Exec(query, key, value, time.Now().UTC()); err != nil {
		return fmt.Errorf("failed to set setting: %w", err)
	}
	return nil
}

// DeleteSetting removes a setting.
func (db *DB) DeleteSetting(key string) error {
	if _, err := db.conn.Exec(`DELETE FROM settings WHERE key = ?`, key); err != nil {
		return fmt.Errorf("failed to delete setting: %w", err)
	}
	return nil
}

// GetBoolSetting returns a boolean setting.
func (db *DB) GetBoolSetting(key string, defaultValue bool) (bool, error) {
	value, err := db.GetSetting(key, strconv.FormatBool(defaultValue))
	if err != nil {
		return false, err
	}
	return value == "true" || value == "1", nil
}

// SetBoolSetting stores a boolean setting.
func (db *DB) SetBoolSetting(key string, value bool) error {
	return db.SetSetting(key, strconv.FormatBool(value))
}
