package db

import (
	"database/sql"
	"errors"
	"fmt"
	"time"
)

const alertColumns = `id, user_id, recipient, subject, body, attempts, next_attempt_at,
	last_error, sent_at, created_at`

func scanAlert(s scanner) (*Alert, error) {
	a := &Alert{}
	var userID sql.NullInt64
	var nextAttempt, sentAt sql.NullTime
	var lastError sql.NullString

	err := s.Scan(&a.ID, &userID, &a.Recipient, &a.Subject, &a.Body, &a.Attempts,
		&nextAttempt, &lastError, &sentAt, &a.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan alert: %w", err)
	}

	if userID.Valid {
		a.UserID = &userID.Int64
	}
	if nextAttempt.Valid {
		a.NextAttemptAt = &nextAttempt.Time
	}
	a.LastError = lastError.String
	if sentAt.Valid {
		a.SentAt = &sentAt.Time
	}
	return a, nil
}

// EnqueueAlert queues an outbound alert unless an alert with the same
// recipient and subject was queued within the dedup window. Returns true
// when a new alert was queued.
func (db *DB) EnqueueAlert(a *Alert, dedupWindow time.Duration) (bool, error) {
	now := time.Now().UTC()

	var existing int
	err := db.conn.QueryRow(`SELECT COUNT(*) FROM alerts
		WHERE recipient = ? AND subject = ? AND created_at > ?`,
		a.Recipient, a.Subject, now.Add(-dedupWindow)).Scan(&existing)
	if err != nil {
		return false, fmt.Errorf("failed to check alert dedup: %w", err)
	}
	if existing > 0 {
		return false, nil
	}

	result, err := db.conn.Exec(`INSERT INTO alerts
		(user_id, recipient, subject, body, attempts, next_attempt_at, created_at)
		VALUES (?, ?, ?, ?, 0, ?, ?)`,
		nullInt64(a.UserID), a.Recipient, a.Subject, a.Body, now, now)
	if err != nil {
		return false, fmt.Errorf("failed to enqueue alert: %w", err)
	}
	if a.ID, err = result.LastInsertId(); err != nil {
		return false, fmt.Errorf("failed to get alert id: %w", err)
	}
	a.CreatedAt = now
	a.NextAttemptAt = &now
	return true, nil
}

// GetDueAlerts returns unsent alerts whose next attempt is due.
func (db *DB) GetDueAlerts(limit int) ([]*Alert, error) {
	rows, err := db.conn.Query(`SELECT `+alertColumns+` FROM alerts
		WHERE sent_at IS NULL AND (next_attempt_at IS NULL OR next_attempt_at <= ?)
		ORDER BY created_at LIMIT ?`, time.Now().UTC(), limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query due alerts: %w", err)
	}
	defer rows.Close()

	var alerts []*Alert
	for rows.Next() {
		a, err := scanAlert(rows)
		if err != nil {
			return nil, err
		}
		alerts = append(alerts, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating alerts: %w", err)
	}
	return alerts, nil
}

// MarkAlertSent records a successful delivery.
func (db *DB) MarkAlertSent(id int64) error {
	result, err := db.conn.Exec(`UPDATE alerts SET sent_at = ?, last_error = NULL WHERE id = ?`,
		time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("failed to mark alert sent: %w", err)
	}
	return checkAffected(result)
}

// RecordAlertFailure increments the attempt counter and schedules the
// next attempt with exponential backoff (1m, 2m, 4m, ...).
func (db *DB) RecordAlertFailure(a *Alert, errText string) error {
	a.Attempts++
	// The shift is clamped before the cap: a long-failing alert would
	// otherwise overflow the duration negative and retry hot.
	shift := a.Attempts - 1
	if shift > 6 {
		shift = 6
	}
	backoff := time.Minute << shift
	if backoff > time.Hour {
		backoff = time.Hour
	}
	next := time.Now().UTC().Add(backoff)

	result, err := db.conn.Exec(`UPDATE alerts SET attempts = ?, next_attempt_at = ?, last_error = ? WHERE id = ?`,
		a.Attempts, next, errText, a.ID)
	if err != nil {
		return fmt.Errorf("failed to record alert failure: %w", err)
	}
	if err := checkAffected(result); err != nil {
		return err
	}
	a.NextAttemptAt = &next
	a.LastError = errText
	return nil
}

// DeleteAlertsBefore removes alerts created before the cutoff, returning
// the number removed.
func (db *DB) DeleteAlertsBefore(cutoff time.Time) (int64, error) {
	result, err := db.conn.Exec(`DELETE FROM alerts WHERE created_at < ?`, cutoff.UTC())
	if err != nil {
		return 0, fmt.Errorf("failed to delete alerts: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get rows affected: %w", err)
	}
	return affected, nil
}
