package db

import (
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// scanner abstracts *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

const userColumns = `id, email, name, main_account_id, main_calendar_id, feed_token, created_at, updated_at`

func scanUser(s scanner) (*User, error) {
	user := &User{}
	var mainAccountID sql.NullInt64
	var feedToken sql.NullString

	err := s.Scan(&user.ID, &user.Email, &user.Name, &mainAccountID,
		&user.MainCalendarID, &feedToken, &user.CreatedAt, &user.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan user: %w", err)
	}

	if mainAccountID.Valid {
		user.MainAccountID = &mainAccountID.Int64
	}
	user.FeedToken = feedToken.String
	return user, nil
}

// GetOrCreateUser returns an existing user by email or creates a new one.
func (db *DB) GetOrCreateUser(email, name string) (*User, error) {
	user, err := db.GetUserByEmail(email)
	if err == nil {
		return user, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return nil, err
	}

	now := time.Now().UTC()
	query := `INSERT INTO users (email, name, created_at, updated_at) VALUES (?, ?, ?, ?)`
	result, err := db.conn.Exec(query, email, name, now, now)
	if err != nil {
		return nil, fmt.Errorf("failed to create user: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("failed to get user id: %w", err)
	}

	return &User{ID: id, Email: email, Name: name, CreatedAt: now, UpdatedAt: now}, nil
}

// GetUserByEmail returns a user by their email address.
func (db *DB) GetUserByEmail(email string) (*User, error) {
	row := db.conn.QueryRow(`SELECT `+userColumns+` FROM users WHERE email = ?`, email)
	return scanUser(row)
}

// GetUserByID returns a user by their ID.
func (db *DB) GetUserByID(id int64) (*User, error) {
	row := db.conn.QueryRow(`SELECT `+userColumns+` FROM users WHERE id = ?`, id)
	return scanUser(row)
}

// GetUserByFeedToken returns the user owning an availability feed token.
func (db *DB) GetUserByFeedToken(token string) (*User, error) {
	row := db.conn.QueryRow(`SELECT `+userColumns+` FROM users WHERE feed_token = ?`, token)
	return scanUser(row)
}

// ListUsers returns all users.
func (db *DB) ListUsers() ([]*User, error) {
	rows, err := db.conn.Query(`SELECT ` + userColumns + ` FROM users ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("failed to query users: %w", err)
	}
	defer rows.Close()

	var users []*User
	for rows.Next() {
		user, err := scanUser(rows)
		if err != nil {
			return nil, err
		}
		users = append(users, user)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating users: %w", err)
	}
	return users, nil
}

// ListUsersWithMainCalendar returns users that have a configured main calendar.
func (db *DB) ListUsersWithMainCalendar() ([]*User, error) {
	rows, err := db.conn.Query(`SELECT ` + userColumns + ` FROM users
		WHERE main_account_id IS NOT NULL AND main_calendar_id != '' ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("failed to query users: %w", err)
	}
	defer rows.Close()

	var users []*User
	for rows.Next() {
		user, err := scanUser(rows)
		if err != nil {
			return nil, err
		}
		users = append(users, user)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating users: %w", err)
	}
	return users, nil
}

// SetMainCalendar designates a user's main calendar and its credential.
func (db *DB) SetMainCalendar(userID, accountID int64, calendarID string) error {
	query := `UPDATE users SET main_account_id = ?, main_calendar_id = ?, updated_at = ? WHERE id = ?`
	result, err := db.conn.Exec(query, accountID, calendarID, time.Now().UTC(), userID)
	if err != nil {
		return fmt.Errorf("failed to set main calendar: %w", err)
	}
	return checkAffected(result)
}

// SetFeedToken sets the user's availability feed capability token.
func (db *DB) SetFeedToken(userID int64, token string) error {
	query := `UPDATE users SET feed_token = ?, updated_at = ? WHERE id = ?`
	result, err := db.conn.Exec(query, token, time.Now().UTC(), userID)
	if err != nil {
		return fmt.Errorf("failed to set feed token: %w", err)
	}
	return checkAffected(result)
}

// DeleteUser deletes a user; all per-user rows cascade.
func (db *DB) DeleteUser(id int64) error {
	result, err := db.conn.Exec(`DELETE FROM users WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete user: %w", err)
	}
	return checkAffected(result)
}

const accountColumns = `id, user_id, email, credentials, token_expiry, status, created_at, updated_at`

func scanAccount(s scanner) (*Account, error) {
	account := &Account{}
	var expiry sql.NullTime

	err := s.Scan(&account.ID, &account.UserID, &account.Email, &account.Credentials,
		&expiry, &account.Status, &account.CreatedAt, &account.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan account: %w", err)
	}

	if expiry.Valid {
		account.TokenExpiry = &expiry.Time
	}
	return account, nil
}

// UpsertAccount stores a credential for (user, email), replacing any
// existing one in place.
func (db *DB) UpsertAccount(account *Account) error {
	now := time.Now().UTC()

	query := `UPDATE accounts SET credentials = ?, token_expiry = ?, status = ?, updated_at = ?
		WHERE user_id = ? AND email = ?`
	result, err := db.conn.Exec(query, account.Credentials, nullTime(account.TokenExpiry),
		account.Status, now, account.UserID, account.Email)
	if err != nil {
		return fmt.Errorf("failed to update account: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if affected > 0 {
		existing, err := db.getAccountByUserEmail(account.UserID, account.Email)
		if err != nil {
			return err
		}
		account.ID = existing.ID
		return nil
	}

	insert := `INSERT INTO accounts (user_id, email, credentials, token_expiry, status, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`
	res, err := db.conn.Exec(insert, account.UserID, account.Email, account.Credentials,
		nullTime(account.TokenExpiry), account.Status, now, now)
	if err != nil {
		return fmt.Errorf("failed to create account: %w", err)
	}
	account.ID, err = res.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to get account id: %w", err)
	}
	return nil
}

func (db *DB) getAccountByUserEmail(userID int64, email string) (*Account, error) {
	row := db.conn.QueryRow(`SELECT `+accountColumns+` FROM accounts WHERE user_id = ? AND email = ?`,
		userID, email)
	return scanAccount(row)
}

// GetAccountByID returns an account by its ID.
func (db *DB) GetAccountByID(id int64) (*Account, error) {
	row := db.conn.QueryRow(`SELECT `+accountColumns+` FROM accounts WHERE id = ?`, id)
	return scanAccount(row)
}

// GetAccountsByUserID returns all accounts for a user.
func (db *DB) GetAccountsByUserID(userID int64) ([]*Account, error) {
	rows, err := db.conn.Query(`SELECT `+accountColumns+` FROM accounts WHERE user_id = ? ORDER BY email`, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to query accounts: %w", err)
	}
	defer rows.Close()

	var accounts []*Account
	for rows.Next() {
		account, err := scanAccount(rows)
		if err != nil {
			return nil, err
		}
		accounts = append(accounts, account)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating accounts: %w", err)
	}
	return accounts, nil
}

// ListAccountsExpiringBefore returns active accounts whose access token
// expires before the cutoff.
func (db *DB) ListAccountsExpiringBefore(cutoff time.Time) ([]*Account, error) {
	query := `SELECT ` + accountColumns + ` FROM accounts
		WHERE status = ? AND token_expiry IS NOT NULL AND token_expiry < ? ORDER BY token_expiry`
	rows, err := db.conn.Query(query, AccountActive, cutoff.UTC())
	if err != nil {
		return nil, fmt.Errorf("failed to query expiring accounts: %w", err)
	}
	defer rows.Close()

	var accounts []*Account
	for rows.Next() {
		account, err := scanAccount(rows)
		if err != nil {
			return nil, err
		}
		accounts = append(accounts, account)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating accounts: %w", err)
	}
	return accounts, nil
}

// UpdateAccountCredentials replaces the encrypted token pair in place.
func (db *DB) UpdateAccountCredentials(id int64, credentials []byte, expiry *time.Time) error {
	query := `UPDATE accounts SET credentials = ?, token_expiry = ?, status = ?, updated_at = ? WHERE id = ?`
	result, err := db.conn.Exec(query, credentials, nullTime(expiry), AccountActive, time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("failed to update credentials: %w", err)
	}
	return checkAffected(result)
}

// SetAccountStatus marks an account's credential health.
func (db *DB) SetAccountStatus(id int64, status AccountStatus) error {
	query := `UPDATE accounts SET status = ?, updated_at = ? WHERE id = ?`
	result, err := db.conn.Exec(query, status, time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("failed to set account status: %w", err)
	}
	return checkAffected(result)
}

// DeleteAccount deletes an account; attachments cascade.
func (db *DB) DeleteAccount(id int64) error {
	result, err := db.conn.Exec(`DELETE FROM accounts WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete account: %w", err)
	}
	return checkAffected(result)
}

const attachmentColumns = `id, user_id, account_id, calendar_id, kind, display_name, color_id,
	active, disconnected_at, created_at, updated_at`

func scanAttachment(s scanner) (*CalendarAttachment, error) {
	att := &CalendarAttachment{}
	var disconnectedAt sql.NullTime

	err := s.Scan(&att.ID, &att.UserID, &att.AccountID, &att.CalendarID, &att.Kind,
		&att.DisplayName, &att.ColorID, &att.Active, &disconnectedAt,
		&att.CreatedAt, &att.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan attachment: %w", err)
	}

	if disconnectedAt.Valid {
		att.DisconnectedAt = &disconnectedAt.Time
	}
	return att, nil
}

// CreateAttachment attaches an external calendar to a user.
func (db *DB) CreateAttachment(att *CalendarAttachment) error {
	now := time.Now().UTC()
	att.CreatedAt = now
	att.UpdatedAt = now
	att.Active = true

	query := `INSERT INTO calendar_attachments
		(user_id, account_id, calendar_id, kind, display_name, color_id, active, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, 1, ?, ?)`
	result, err := db.conn.Exec(query, att.UserID, att.AccountID, att.CalendarID, att.Kind,
		att.DisplayName, att.ColorID, now, now)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrDuplicate
		}
		return fmt.Errorf("failed to create attachment: %w", err)
	}
	att.ID, err = result.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to get attachment id: %w", err)
	}
	return nil
}

// GetAttachmentByID returns an attachment by its ID.
func (db *DB) GetAttachmentByID(id int64) (*CalendarAttachment, error) {
	row := db.conn.QueryRow(`SELECT `+attachmentColumns+` FROM calendar_attachments WHERE id = ?`, id)
	return scanAttachment(row)
}

func (db *DB) queryAttachments(query string, args ...any) ([]*CalendarAttachment, error) {
	rows, err := db.conn.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query attachments: %w", err)
	}
	defer rows.Close()

	var atts []*CalendarAttachment
	for rows.Next() {
		att, err := scanAttachment(rows)
		if err != nil {
			return nil, err
		}
		atts = append(atts, att)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating attachments: %w", err)
	}
	return atts, nil
}

// GetAttachmentsByUserID returns all attachments for a user.
func (db *DB) GetAttachmentsByUserID(userID int64) ([]*CalendarAttachment, error) {
	return db.queryAttachments(
		`SELECT `+attachmentColumns+` FROM calendar_attachments WHERE user_id = ? ORDER BY id`, userID)
}

// GetActiveAttachmentsByUserID returns a user's active attachments.
func (db *DB) GetActiveAttachmentsByUserID(userID int64) ([]*CalendarAttachment, error) {
	return db.queryAttachments(
		`SELECT `+attachmentColumns+` FROM calendar_attachments WHERE user_id = ? AND active = 1 ORDER BY id`,
		userID)
}

// GetActiveClientAttachments returns a user's active client attachments,
// the busy-block fan-out targets.
func (db *DB) GetActiveClientAttachments(userID int64) ([]*CalendarAttachment, error) {
	return db.queryAttachments(
		`SELECT `+attachmentColumns+` FROM calendar_attachments
		WHERE user_id = ? AND active = 1 AND kind = ? ORDER BY id`,
		userID, AttachmentClient)
}

// ListActiveAttachments returns every active attachment across all users.
func (db *DB) ListActiveAttachments() ([]*CalendarAttachment, error) {
	return db.queryAttachments(
		`SELECT ` + attachmentColumns + ` FROM calendar_attachments WHERE active = 1 ORDER BY user_id, id`)
}

// ListAttachmentsDisconnectedBefore returns inactive attachments whose
// disconnect predates the cutoff, candidates for retention removal.
func (db *DB) ListAttachmentsDisconnectedBefore(cutoff time.Time) ([]*CalendarAttachment, error) {
	return db.queryAttachments(
		`SELECT `+attachmentColumns+` FROM calendar_attachments
		WHERE active = 0 AND disconnected_at IS NOT NULL AND disconnected_at < ?`, cutoff.UTC())
}

// DeactivateAttachment marks an attachment disconnected. The caller is
// responsible for running the cleanup pass afterwards.
func (db *DB) DeactivateAttachment(id int64) error {
	now := time.Now().UTC()
	query := `UPDATE calendar_attachments SET active = 0, disconnected_at = ?, updated_at = ? WHERE id = ?`
	result, err := db.conn.Exec(query, now, now, id)
	if err != nil {
		return fmt.Errorf("failed to deactivate attachment: %w", err)
	}
	return checkAffected(result)
}

// DeleteAttachment deletes an attachment; sync state and busy blocks cascade.
func (db *DB) DeleteAttachment(id int64) error {
	result, err := db.conn.Exec(`DELETE FROM calendar_attachments WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete attachment: %w", err)
	}
	return checkAffected(result)
}

// checkAffected converts a zero-row update into ErrNotFound.
func checkAffected(result sql.Result) error {
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC()
}
