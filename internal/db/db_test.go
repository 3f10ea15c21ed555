package db

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"
)

// setupTestDB creates a temporary test database.
func setupTestDB(t *testing.T) (*DB, func()) {
	t.Helper()

	tempDir, err := os.MkdirTemp("", "calsyncd-test-*")
	if err != nil {
		t.Fatalf("failed to create temp dir: %v", err)
	}

	dbPath := filepath.Join(tempDir, "test.db")
	db, err := New(dbPath)
	if err != nil {
		os.RemoveAll(tempDir)
		t.Fatalf("failed to create test database: %v", err)
	}

	cleanup := func() {
		db.Close()
		os.RemoveAll(tempDir)
	}

	return db, cleanup
}

// createTestUser creates a test user and returns the user ID.
func createTestUser(t *testing.T, db *DB, email string) int64 {
	t.Helper()

	user, err := db.GetOrCreateUser(email, "Test User")
	if err != nil {
		t.Fatalf("failed to create test user: %v", err)
	}
	return user.ID
}

// createTestAccount creates a connected account for a user.
func createTestAccount(t *testing.T, db *DB, userID int64, email string) *Account {
	t.Helper()

	account := &Account{
		UserID:      userID,
		Email:       email,
		Credentials: []byte("sealed"),
		Status:      AccountActive,
	}
	if err := db.UpsertAccount(account); err != nil {
		t.Fatalf("failed to create test account: %v", err)
	}
	return account
}

// createTestAttachment attaches a calendar for a user.
func createTestAttachment(t *testing.T, db *DB, userID, accountID int64, calendarID string, kind AttachmentKind) *CalendarAttachment {
	t.Helper()

	att := &CalendarAttachment{
		UserID:      userID,
		AccountID:   accountID,
		CalendarID:  calendarID,
		Kind:        kind,
		DisplayName: "Test Calendar",
	}
	if err := db.CreateAttachment(att); err != nil {
		t.Fatalf("failed to create test attachment: %v", err)
	}
	return att
}

func TestGetOrCreateUser(t *testing.T) {
	db, cleanup := setupTestDB(t)
	defer cleanup()

	t.Run("creates a new user", func(t *testing.T) {
		user, err := db.GetOrCreateUser("alice@example.com", "Alice")
		if err != nil {
			t.Fatalf("GetOrCreateUser failed: %v", err)
		}
		if user.ID == 0 {
			t.Error("expected non-zero user ID")
		}
	})

	t.Run("returns the existing user on repeat", func(t *testing.T) {
		first, err := db.GetOrCreateUser("bob@example.com", "Bob")
		if err != nil {
			t.Fatalf("GetOrCreateUser failed: %v", err)
		}
		second, err := db.GetOrCreateUser("bob@example.com", "Bob Again")
		if err != nil {
			t.Fatalf("GetOrCreateUser failed: %v", err)
		}
		if first.ID != second.ID {
			t.Errorf("expected same user ID, got %d and %d", first.ID, second.ID)
		}
	})
}

func TestSetMainCalendar(t *testing.T) {
	db, cleanup := setupTestDB(t)
	defer cleanup()

	userID := createTestUser(t, db, "main@example.com")
	account := createTestAccount(t, db, userID, "main@example.com")

	if err := db.SetMainCalendar(userID, account.ID, "primary"); err != nil {
		t.Fatalf("SetMainCalendar failed: %v", err)
	}

	user, err := db.GetUserByID(userID)
	if err != nil {
		t.Fatalf("GetUserByID failed: %v", err)
	}
	if user.MainAccountID == nil || *user.MainAccountID != account.ID {
		t.Error("main account not recorded")
	}
	if user.MainCalendarID != "primary" {
		t.Errorf("expected main calendar primary, got %s", user.MainCalendarID)
	}

	users, err := db.ListUsersWithMainCalendar()
	if err != nil {
		t.Fatalf("ListUsersWithMainCalendar failed: %v", err)
	}
	if len(users) != 1 || users[0].ID != userID {
		t.Errorf("expected one configured user, got %d", len(users))
	}
}

func TestFeedToken(t *testing.T) {
	db, cleanup := setupTestDB(t)
	defer cleanup()

	userID := createTestUser(t, db, "feed@example.com")

	if err := db.SetFeedToken(userID, "feed-token-1"); err != nil {
		t.Fatalf("SetFeedToken failed: %v", err)
	}

	user, err := db.GetUserByFeedToken("feed-token-1")
	if err != nil {
		t.Fatalf("GetUserByFeedToken failed: %v", err)
	}
	if user.ID != userID {
		t.Errorf("expected user %d, got %d", userID, user.ID)
	}

	if _, err := db.GetUserByFeedToken("unknown"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestUpsertAccount(t *testing.T) {
	db, cleanup := setupTestDB(t)
	defer cleanup()

	userID := createTestUser(t, db, "acct@example.com")

	t.Run("insert then update keeps the same row", func(t *testing.T) {
		first := createTestAccount(t, db, userID, "work@example.com")

		expiry := time.Now().UTC().Add(time.Hour)
		second := &Account{
			UserID:      userID,
			Email:       "work@example.com",
			Credentials: []byte("resealed"),
			TokenExpiry: &expiry,
			Status:      AccountActive,
		}
		if err := db.UpsertAccount(second); err != nil {
			t.Fatalf("UpsertAccount failed: %v", err)
		}
		if second.ID != first.ID {
			t.Errorf("expected account ID %d, got %d", first.ID, second.ID)
		}

		loaded, err := db.GetAccountByID(first.ID)
		if err != nil {
			t.Fatalf("GetAccountByID failed: %v", err)
		}
		if string(loaded.Credentials) != "resealed" {
			t.Error("credentials not replaced")
		}
	})

	t.Run("expiring accounts query", func(t *testing.T) {
		expiry := time.Now().UTC().Add(30 * time.Minute)
		account := &Account{
			UserID:      userID,
			Email:       "expiring@example.com",
			Credentials: []byte("sealed"),
			TokenExpiry: &expiry,
			Status:      AccountActive,
		}
		if err := db.UpsertAccount(account); err != nil {
			t.Fatalf("UpsertAccount failed: %v", err)
		}

		due, err := db.ListAccountsExpiringBefore(time.Now().UTC().Add(time.Hour))
		if err != nil {
			t.Fatalf("ListAccountsExpiringBefore failed: %v", err)
		}
		found := false
		for _, a := range due {
			if a.ID == account.ID {
				found = true
			}
		}
		if !found {
			t.Error("expiring account not returned")
		}

		// Revoked accounts are excluded even when expired.
		if err := db.SetAccountStatus(account.ID, AccountRevoked); err != nil {
			t.Fatalf("SetAccountStatus failed: %v", err)
		}
		due, err = db.ListAccountsExpiringBefore(time.Now().UTC().Add(time.Hour))
		if err != nil {
			t.Fatalf("ListAccountsExpiringBefore failed: %v", err)
		}
		for _, a := range due {
			if a.ID == account.ID {
				t.Error("revoked account should not be refreshed")
			}
		}
	})
}

func TestCreateAttachment(t *testing.T) {
	db, cleanup := setupTestDB(t)
	defer cleanup()

	userID := createTestUser(t, db, "att@example.com")
	account := createTestAccount(t, db, userID, "att@example.com")

	att := createTestAttachment(t, db, userID, account.ID, "cal-1", AttachmentClient)

	t.Run("duplicate calendar is rejected", func(t *testing.T) {
		dup := &CalendarAttachment{
			UserID:     userID,
			AccountID:  account.ID,
			CalendarID: "cal-1",
			Kind:       AttachmentClient,
		}
		if err := db.CreateAttachment(dup); !errors.Is(err, ErrDuplicate) {
			t.Errorf("expected ErrDuplicate, got %v", err)
		}
	})

	t.Run("deactivation moves it out of the active set", func(t *testing.T) {
		if err := db.DeactivateAttachment(att.ID); err != nil {
			t.Fatalf("DeactivateAttachment failed: %v", err)
		}

		active, err := db.GetActiveAttachmentsByUserID(userID)
		if err != nil {
			t.Fatalf("GetActiveAttachmentsByUserID failed: %v", err)
		}
		if len(active) != 0 {
			t.Errorf("expected no active attachments, got %d", len(active))
		}

		stale, err := db.ListAttachmentsDisconnectedBefore(time.Now().UTC().Add(time.Minute))
		if err != nil {
			t.Fatalf("ListAttachmentsDisconnectedBefore failed: %v", err)
		}
		if len(stale) != 1 || stale[0].ID != att.ID {
			t.Errorf("expected the deactivated attachment, got %d rows", len(stale))
		}
	})
}

func TestUpsertMapping(t *testing.T) {
	db, cleanup := setupTestDB(t)
	defer cleanup()

	userID := createTestUser(t, db, "map@example.com")
	account := createTestAccount(t, db, userID, "map@example.com")
	att := createTestAttachment(t, db, userID, account.ID, "client-cal", AttachmentClient)

	mapping := &EventMapping{
		UserID:             userID,
		OriginKind:         OriginClient,
		OriginAttachmentID: &att.ID,
		OriginCalendar:     "client-cal",
		OriginEventID:      "evt-1",
		MainEventID:        "main-1",
	}
	if err := db.UpsertMapping(mapping); err != nil {
		t.Fatalf("UpsertMapping failed: %v", err)
	}
	if mapping.ID == 0 {
		t.Fatal("expected non-zero mapping ID")
	}

	t.Run("upsert by origin key updates in place", func(t *testing.T) {
		update := &EventMapping{
			UserID:             userID,
			OriginKind:         OriginClient,
			OriginAttachmentID: &att.ID,
			OriginCalendar:     "client-cal",
			OriginEventID:      "evt-1",
			MainEventID:        "main-1b",
		}
		if err := db.UpsertMapping(update); err != nil {
			t.Fatalf("UpsertMapping failed: %v", err)
		}
		if update.ID != mapping.ID {
			t.Errorf("expected mapping ID %d, got %d", mapping.ID, update.ID)
		}
	})

	t.Run("soft-deleted rows still occupy the origin key", func(t *testing.T) {
		if err := db.SoftDeleteMapping(mapping.ID); err != nil {
			t.Fatalf("SoftDeleteMapping failed: %v", err)
		}

		found, err := db.GetMappingByOrigin(userID, "client-cal", "evt-1")
		if err != nil {
			t.Fatalf("GetMappingByOrigin failed: %v", err)
		}
		if found.ID != mapping.ID {
			t.Errorf("expected mapping %d, got %d", mapping.ID, found.ID)
		}
		if found.Live() {
			t.Error("expected soft-deleted mapping")
		}

		// An upsert for the same origin resurrects the row rather than
		// inserting a second one.
		resurrect := &EventMapping{
			UserID:             userID,
			OriginKind:         OriginClient,
			OriginAttachmentID: &att.ID,
			OriginCalendar:     "client-cal",
			OriginEventID:      "evt-1",
			MainEventID:        "main-2",
		}
		if err := db.UpsertMapping(resurrect); err != nil {
			t.Fatalf("UpsertMapping failed: %v", err)
		}
		if resurrect.ID != mapping.ID {
			t.Errorf("expected mapping ID %d, got %d", mapping.ID, resurrect.ID)
		}

		live, err := db.GetLiveMappingsByUserID(userID)
		if err != nil {
			t.Fatalf("GetLiveMappingsByUserID failed: %v", err)
		}
		if len(live) != 1 {
			t.Errorf("expected one live mapping, got %d", len(live))
		}
	})
}

func TestBusyBlocks(t *testing.T) {
	db, cleanup := setupTestDB(t)
	defer cleanup()

	userID := createTestUser(t, db, "busy@example.com")
	account := createTestAccount(t, db, userID, "busy@example.com")
	origin := createTestAttachment(t, db, userID, account.ID, "personal-cal", AttachmentPersonal)
	target := createTestAttachment(t, db, userID, account.ID, "client-cal", AttachmentClient)

	mapping := &EventMapping{
		UserID:             userID,
		OriginKind:         OriginPersonal,
		OriginAttachmentID: &origin.ID,
		OriginCalendar:     "personal-cal",
		OriginEventID:      "evt-1",
		MainEventID:        "main-1",
	}
	if err := db.UpsertMapping(mapping); err != nil {
		t.Fatalf("UpsertMapping failed: %v", err)
	}

	block := &BusyBlock{MappingID: mapping.ID, AttachmentID: target.ID, BusyBlockEventID: "busy-1"}
	if err := db.CreateBusyBlock(block); err != nil {
		t.Fatalf("CreateBusyBlock failed: %v", err)
	}

	t.Run("one block per mapping per attachment", func(t *testing.T) {
		dup := &BusyBlock{MappingID: mapping.ID, AttachmentID: target.ID, BusyBlockEventID: "busy-2"}
		if err := db.CreateBusyBlock(dup); !errors.Is(err, ErrDuplicate) {
			t.Errorf("expected ErrDuplicate, got %v", err)
		}
	})

	t.Run("lookup by remote event id", func(t *testing.T) {
		found, err := db.GetBusyBlockByEventID(target.ID, "busy-1")
		if err != nil {
			t.Fatalf("GetBusyBlockByEventID failed: %v", err)
		}
		if found.ID != block.ID {
			t.Errorf("expected block %d, got %d", block.ID, found.ID)
		}
	})

	t.Run("blocks cascade with the mapping", func(t *testing.T) {
		if err := db.DeleteMapping(mapping.ID); err != nil {
			t.Fatalf("DeleteMapping failed: %v", err)
		}
		blocks, err := db.GetBusyBlocksByAttachment(target.ID)
		if err != nil {
			t.Fatalf("GetBusyBlocksByAttachment failed: %v", err)
		}
		if len(blocks) != 0 {
			t.Errorf("expected no blocks after cascade, got %d", len(blocks))
		}
	})
}

func TestSyncState(t *testing.T) {
	db, cleanup := setupTestDB(t)
	defer cleanup()

	userID := createTestUser(t, db, "state@example.com")
	account := createTestAccount(t, db, userID, "state@example.com")
	att := createTestAttachment(t, db, userID, account.ID, "cal-1", AttachmentClient)

	state, err := db.GetOrCreateAttachmentSyncState(att.ID)
	if err != nil {
		t.Fatalf("GetOrCreateAttachmentSyncState failed: %v", err)
	}
	if state.SyncToken != "" {
		t.Error("expected empty initial token")
	}

	t.Run("advance resets the failure counter", func(t *testing.T) {
		if _, err := db.RecordSyncFailure(state, "boom"); err != nil {
			t.Fatalf("RecordSyncFailure failed: %v", err)
		}
		if _, err := db.RecordSyncFailure(state, "boom again"); err != nil {
			t.Fatalf("RecordSyncFailure failed: %v", err)
		}
		if state.ConsecutiveFailures != 2 {
			t.Errorf("expected 2 failures, got %d", state.ConsecutiveFailures)
		}

		if err := db.AdvanceSyncToken(state, "token-1", true); err != nil {
			t.Fatalf("AdvanceSyncToken failed: %v", err)
		}

		reloaded, err := db.GetOrCreateAttachmentSyncState(att.ID)
		if err != nil {
			t.Fatalf("GetOrCreateAttachmentSyncState failed: %v", err)
		}
		if reloaded.SyncToken != "token-1" {
			t.Errorf("expected token-1, got %s", reloaded.SyncToken)
		}
		if reloaded.ConsecutiveFailures != 0 {
			t.Errorf("expected failures reset, got %d", reloaded.ConsecutiveFailures)
		}
		if reloaded.LastFullSync == nil {
			t.Error("expected last_full_sync stamped")
		}
	})

	t.Run("clear all tokens forces full resync", func(t *testing.T) {
		main, err := db.GetOrCreateMainSyncState(userID)
		if err != nil {
			t.Fatalf("GetOrCreateMainSyncState failed: %v", err)
		}
		if err := db.AdvanceSyncToken(main, "main-token", false); err != nil {
			t.Fatalf("AdvanceSyncToken failed: %v", err)
		}

		if err := db.ClearAllSyncTokens(); err != nil {
			t.Fatalf("ClearAllSyncTokens failed: %v", err)
		}

		reloaded, err := db.GetOrCreateAttachmentSyncState(att.ID)
		if err != nil {
			t.Fatalf("GetOrCreateAttachmentSyncState failed: %v", err)
		}
		if reloaded.SyncToken != "" {
			t.Error("attachment token not cleared")
		}
		mainReloaded, err := db.GetOrCreateMainSyncState(userID)
		if err != nil {
			t.Fatalf("GetOrCreateMainSyncState failed: %v", err)
		}
		if mainReloaded.SyncToken != "" {
			t.Error("main token not cleared")
		}
	})
}

func TestJobLocks(t *testing.T) {
	db, cleanup := setupTestDB(t)
	defer cleanup()

	t.Run("second owner cannot acquire a held lock", func(t *testing.T) {
		ok, err := db.AcquireJobLock("periodic_sync", "owner-a", time.Hour)
		if err != nil {
			t.Fatalf("AcquireJobLock failed: %v", err)
		}
		if !ok {
			t.Fatal("expected first acquire to succeed")
		}

		ok, err = db.AcquireJobLock("periodic_sync", "owner-b", time.Hour)
		if err != nil {
			t.Fatalf("AcquireJobLock failed: %v", err)
		}
		if ok {
			t.Error("expected second acquire to fail")
		}

		if err := db.ReleaseJobLock("periodic_sync", "owner-a"); err != nil {
			t.Fatalf("ReleaseJobLock failed: %v", err)
		}
		ok, err = db.AcquireJobLock("periodic_sync", "owner-b", time.Hour)
		if err != nil {
			t.Fatalf("AcquireJobLock failed: %v", err)
		}
		if !ok {
			t.Error("expected acquire after release to succeed")
		}
	})

	t.Run("abandoned lock is reclaimed", func(t *testing.T) {
		ok, err := db.AcquireJobLock("backup", "dead-owner", time.Hour)
		if err != nil || !ok {
			t.Fatalf("AcquireJobLock failed: ok=%v err=%v", ok, err)
		}

		// Backdate the lock past the reclaim horizon.
		stale := time.Now().UTC().Add(-2 * time.Hour)
		if _, err := db.Conn().Exec(`UPDATE job_locks SET locked_at = ? WHERE name = ?`, stale, "backup"); err != nil {
			t.Fatalf("failed to backdate lock: %v", err)
		}

		ok, err = db.AcquireJobLock("backup", "live-owner", time.Hour)
		if err != nil {
			t.Fatalf("AcquireJobLock failed: %v", err)
		}
		if !ok {
			t.Error("expected stale lock to be reclaimed")
		}

		lock, err := db.GetJobLock("backup")
		if err != nil {
			t.Fatalf("GetJobLock failed: %v", err)
		}
		if lock.LockedBy != "live-owner" {
			t.Errorf("expected live-owner, got %s", lock.LockedBy)
		}
	})

	t.Run("release by non-owner is a no-op", func(t *testing.T) {
		if _, err := db.AcquireJobLock("retention", "owner-a", time.Hour); err != nil {
			t.Fatalf("AcquireJobLock failed: %v", err)
		}
		if err := db.ReleaseJobLock("retention", "owner-b"); err != nil {
			t.Fatalf("ReleaseJobLock failed: %v", err)
		}
		if _, err := db.GetJobLock("retention"); err != nil {
			t.Error("lock should survive a non-owner release")
		}
	})
}

func TestAlertQueue(t *testing.T) {
	db, cleanup := setupTestDB(t)
	defer cleanup()

	t.Run("dedup window suppresses repeats", func(t *testing.T) {
		first := &Alert{Recipient: "ops@example.com", Subject: "sync failing", Body: "details"}
		queued, err := db.EnqueueAlert(first, time.Hour)
		if err != nil {
			t.Fatalf("EnqueueAlert failed: %v", err)
		}
		if !queued {
			t.Fatal("expected first alert to queue")
		}

		repeat := &Alert{Recipient: "ops@example.com", Subject: "sync failing", Body: "more details"}
		queued, err = db.EnqueueAlert(repeat, time.Hour)
		if err != nil {
			t.Fatalf("EnqueueAlert failed: %v", err)
		}
		if queued {
			t.Error("expected repeat within window to be suppressed")
		}

		// A different subject is not a duplicate.
		other := &Alert{Recipient: "ops@example.com", Subject: "backup failing", Body: "details"}
		queued, err = db.EnqueueAlert(other, time.Hour)
		if err != nil {
			t.Fatalf("EnqueueAlert failed: %v", err)
		}
		if !queued {
			t.Error("expected different subject to queue")
		}
	})

	t.Run("failure backoff defers the next attempt", func(t *testing.T) {
		alert := &Alert{Recipient: "a@example.com", Subject: "s1", Body: "b"}
		if _, err := db.EnqueueAlert(alert, 0); err != nil {
			t.Fatalf("EnqueueAlert failed: %v", err)
		}

		due, err := db.GetDueAlerts(10)
		if err != nil {
			t.Fatalf("GetDueAlerts failed: %v", err)
		}
		found := false
		for _, a := range due {
			if a.ID == alert.ID {
				found = true
			}
		}
		if !found {
			t.Fatal("fresh alert should be due")
		}

		if err := db.RecordAlertFailure(alert, "smtp down"); err != nil {
			t.Fatalf("RecordAlertFailure failed: %v", err)
		}
		if alert.Attempts != 1 {
			t.Errorf("expected 1 attempt, got %d", alert.Attempts)
		}

		due, err = db.GetDueAlerts(10)
		if err != nil {
			t.Fatalf("GetDueAlerts failed: %v", err)
		}
		for _, a := range due {
			if a.ID == alert.ID {
				t.Error("failed alert should be backed off")
			}
		}
	})

	t.Run("backoff stays capped after many failures", func(t *testing.T) {
		alert := &Alert{Recipient: "c@example.com", Subject: "s3", Body: "b"}
		if _, err := db.EnqueueAlert(alert, 0); err != nil {
			t.Fatalf("EnqueueAlert failed: %v", err)
		}

		alert.Attempts = 40
		if err := db.RecordAlertFailure(alert, "still down"); err != nil {
			t.Fatalf("RecordAlertFailure failed: %v", err)
		}
		if alert.NextAttemptAt == nil {
			t.Fatal("expected a scheduled next attempt")
		}
		delay := time.Until(*alert.NextAttemptAt)
		if delay <= 0 {
			t.Errorf("next attempt must stay in the future, got %v", delay)
		}
		if delay > time.Hour+time.Minute {
			t.Errorf("backoff must cap at an hour, got %v", delay)
		}
	})

	t.Run("sent alerts leave the queue", func(t *testing.T) {
		alert := &Alert{Recipient: "b@example.com", Subject: "s2", Body: "b"}
		if _, err := db.EnqueueAlert(alert, 0); err != nil {
			t.Fatalf("EnqueueAlert failed: %v", err)
		}
		if err := db.MarkAlertSent(alert.ID); err != nil {
			t.Fatalf("MarkAlertSent failed: %v", err)
		}

		due, err := db.GetDueAlerts(10)
		if err != nil {
			t.Fatalf("GetDueAlerts failed: %v", err)
		}
		for _, a := range due {
			if a.ID == alert.ID {
				t.Error("sent alert should not be due")
			}
		}
	})
}

func TestSettings(t *testing.T) {
	db, cleanup := setupTestDB(t)
	defer cleanup()

	paused, err := db.GetBoolSetting(SettingSyncPaused, false)
	if err != nil {
		t.Fatalf("GetBoolSetting failed: %v", err)
	}
	if paused {
		t.Error("expected default false")
	}

	if err := db.SetBoolSetting(SettingSyncPaused, true); err != nil {
		t.Fatalf("SetBoolSetting failed: %v", err)
	}
	paused, err = db.GetBoolSetting(SettingSyncPaused, false)
	if err != nil {
		t.Fatalf("GetBoolSetting failed: %v", err)
	}
	if !paused {
		t.Error("expected true after set")
	}

	if err := db.DeleteSetting(SettingSyncPaused); err != nil {
		t.Fatalf("DeleteSetting failed: %v", err)
	}
	paused, err = db.GetBoolSetting(SettingSyncPaused, false)
	if err != nil {
		t.Fatalf("GetBoolSetting failed: %v", err)
	}
	if paused {
		t.Error("expected default after delete")
	}
}

func TestGetExpiredMappings(t *testing.T) {
	db, cleanup := setupTestDB(t)
	defer cleanup()

	userID := createTestUser(t, db, "exp@example.com")
	account := createTestAccount(t, db, userID, "exp@example.com")
	att := createTestAttachment(t, db, userID, account.ID, "cal-1", AttachmentClient)

	past := time.Now().UTC().Add(-60 * 24 * time.Hour)
	future := time.Now().UTC().Add(24 * time.Hour)

	old := &EventMapping{
		UserID: userID, OriginKind: OriginClient, OriginAttachmentID: &att.ID,
		OriginCalendar: "cal-1", OriginEventID: "old", MainEventID: "m-old",
		EventStart: &past, EventEnd: &past,
	}
	upcoming := &EventMapping{
		UserID: userID, OriginKind: OriginClient, OriginAttachmentID: &att.ID,
		OriginCalendar: "cal-1", OriginEventID: "upcoming", MainEventID: "m-up",
		EventStart: &future, EventEnd: &future,
	}
	recurring := &EventMapping{
		UserID: userID, OriginKind: OriginClient, OriginAttachmentID: &att.ID,
		OriginCalendar: "cal-1", OriginEventID: "series", MainEventID: "m-series",
		IsRecurring: true,
	}
	for _, m := range []*EventMapping{old, upcoming, recurring} {
		if err := db.UpsertMapping(m); err != nil {
			t.Fatalf("UpsertMapping failed: %v", err)
		}
	}

	cutoff := time.Now().UTC().Add(-30 * 24 * time.Hour)
	expired, err := db.GetExpiredMappings(cutoff)
	if err != nil {
		t.Fatalf("GetExpiredMappings failed: %v", err)
	}
	if len(expired) != 1 || expired[0].ID != old.ID {
		t.Errorf("expected only the old mapping, got %d rows", len(expired))
	}

	// A live recurring series never expires; a long-soft-deleted one does.
	if err := db.SoftDeleteMapping(recurring.ID); err != nil {
		t.Fatalf("SoftDeleteMapping failed: %v", err)
	}
	stale := time.Now().UTC().Add(-45 * 24 * time.Hour)
	if _, err := db.Conn().Exec(`UPDATE event_mappings SET deleted_at = ? WHERE id = ?`, stale, recurring.ID); err != nil {
		t.Fatalf("failed to backdate soft delete: %v", err)
	}

	expired, err = db.GetExpiredMappings(cutoff)
	if err != nil {
		t.Fatalf("GetExpiredMappings failed: %v", err)
	}
	if len(expired) != 2 {
		t.Errorf("expected two expired mappings, got %d", len(expired))
	}
}

func TestReplaceWebhookChannel(t *testing.T) {
	db, cleanup := setupTestDB(t)
	defer cleanup()

	userID := createTestUser(t, db, "chan@example.com")

	first := &WebhookChannel{
		UserID: userID, Kind: ChannelMain, AttachmentID: 0,
		ChannelID: "chan-1", ResourceID: "res-1", Token: "tok-1",
		Expiration: time.Now().UTC().Add(24 * time.Hour),
	}
	if err := db.ReplaceWebhookChannel(first); err != nil {
		t.Fatalf("ReplaceWebhookChannel failed: %v", err)
	}

	second := &WebhookChannel{
		UserID: userID, Kind: ChannelMain, AttachmentID: 0,
		ChannelID: "chan-2", ResourceID: "res-2", Token: "tok-2",
		Expiration: time.Now().UTC().Add(48 * time.Hour),
	}
	if err := db.ReplaceWebhookChannel(second); err != nil {
		t.Fatalf("ReplaceWebhookChannel failed: %v", err)
	}

	// The old registration is gone, the new one resolves.
	if _, err := db.GetWebhookChannelByChannelID("chan-1"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound for replaced channel, got %v", err)
	}
	current, err := db.GetWebhookChannel(userID, ChannelMain, 0)
	if err != nil {
		t.Fatalf("GetWebhookChannel failed: %v", err)
	}
	if current.ChannelID != "chan-2" {
		t.Errorf("expected chan-2, got %s", current.ChannelID)
	}

	due, err := db.ListWebhookChannelsExpiringBefore(time.Now().UTC().Add(36 * time.Hour))
	if err != nil {
		t.Fatalf("ListWebhookChannelsExpiringBefore failed: %v", err)
	}
	if len(due) != 0 {
		t.Errorf("expected no channels due yet, got %d", len(due))
	}
}

func TestBackupTo(t *testing.T) {
	db, cleanup := setupTestDB(t)
	defer cleanup()

	createTestUser(t, db, "copy@example.com")

	dest := filepath.Join(filepath.Dir(db.Path()), "copy.db")
	if err := db.BackupTo(dest); err != nil {
		t.Fatalf("BackupTo failed: %v", err)
	}

	copied, err := New(dest)
	if err != nil {
		t.Fatalf("failed to open backup copy: %v", err)
	}
	defer copied.Close()

	if _, err := copied.GetUserByEmail("copy@example.com"); err != nil {
		t.Errorf("backup copy missing data: %v", err)
	}

	// Refuses to clobber an existing file.
	if err := db.BackupTo(dest); !errors.Is(err, ErrBackupFailed) {
		t.Errorf("expected ErrBackupFailed, got %v", err)
	}
}
