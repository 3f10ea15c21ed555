package scheduler

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"google.golang.org/api/calendar/v3"

	"github.com/calsyncd/calsyncd/internal/backup"
	"github.com/calsyncd/calsyncd/internal/db"
	"github.com/calsyncd/calsyncd/internal/engine"
	"github.com/calsyncd/calsyncd/internal/gcal"
)

// stubAPI satisfies the gateway interface with empty results.
type stubAPI struct{}

func (stubAPI) ListEvents(_ context.Context, _, syncToken string) (*gcal.ListResult, error) {
	return &gcal.ListResult{NextSyncToken: "next", FullSync: syncToken == ""}, nil
}
func (stubAPI) GetEvent(context.Context, string, string) (*calendar.Event, error) {
	return nil, gcal.ErrNotFound
}
func (stubAPI) SearchEvents(context.Context, string, string) ([]*calendar.Event, error) {
	return nil, nil
}
func (stubAPI) CreateEvent(_ context.Context, _ string, event *calendar.Event) (*calendar.Event, error) {
	return event, nil
}
func (stubAPI) UpdateEvent(_ context.Context, _, _ string, event *calendar.Event) (*calendar.Event, error) {
	return event, nil
}
func (stubAPI) PatchEvent(_ context.Context, _, _ string, event *calendar.Event) (*calendar.Event, error) {
	return event, nil
}
func (stubAPI) DeleteEvent(context.Context, string, string) error { return nil }
func (stubAPI) Watch(_ context.Context, _ string, channel *calendar.Channel) (*calendar.Channel, error) {
	return channel, nil
}
func (stubAPI) StopChannel(context.Context, *calendar.Channel) error { return nil }

var _ gcal.CalendarAPI = stubAPI{}

type stubProvider struct{}

func (stubProvider) ClientFor(context.Context, *db.Account) (gcal.CalendarAPI, error) {
	return stubAPI{}, nil
}

func setupScheduler(t *testing.T) (*Scheduler, *db.DB) {
	t.Helper()

	tempDir, err := os.MkdirTemp("", "calsyncd-scheduler-*")
	if err != nil {
		t.Fatalf("failed to create temp dir: %v", err)
	}
	t.Cleanup(func() { os.RemoveAll(tempDir) })

	database, err := db.New(filepath.Join(tempDir, "test.db"))
	if err != nil {
		t.Fatalf("failed to create test database: %v", err)
	}
	t.Cleanup(func() { database.Close() })

	eng := engine.New(database, stubProvider{}, nil, engine.Options{ManagedPrefix: "[Sync]"})
	backups := backup.New(database, eng, filepath.Join(tempDir, "backups"))

	sched := New(database, eng, nil, nil, backups, nil, Config{
		SyncInterval:              time.Hour,
		ConsistencyInterval:       time.Hour,
		WebhookRenewalInterval:    time.Hour,
		TokenRefreshInterval:      time.Hour,
		AlertProcessInterval:      time.Hour,
		BackupInterval:            time.Hour,
		RetentionInterval:         time.Hour,
		RetentionEventDays:        30,
		RetentionLogDays:          90,
		RetentionDisconnectedDays: 30,
		RetentionAlertDays:        30,
	})
	return sched, database
}

func TestPausedGatesTriggers(t *testing.T) {
	sched, database := setupScheduler(t)

	if sched.paused() {
		t.Error("fresh database must not be paused")
	}

	if err := database.SetBoolSetting(db.SettingSyncPaused, true); err != nil {
		t.Fatalf("SetBoolSetting failed: %v", err)
	}
	if !sched.paused() {
		t.Error("pause flag must be read")
	}
	if sched.TriggerSyncForCalendar(1) {
		t.Error("trigger must refuse while paused")
	}
	if sched.TriggerSyncForMainCalendar(1) {
		t.Error("main trigger must refuse while paused")
	}
	if sched.TriggerSyncForUser(1) {
		t.Error("user trigger must refuse while paused")
	}

	if err := sched.runPeriodicSync(context.Background()); err != nil {
		t.Errorf("paused periodic sync must be a no-op, got %v", err)
	}
}

func TestTriggerSyncRunsWhenActive(t *testing.T) {
	sched, database := setupScheduler(t)

	user, err := database.GetOrCreateUser("user@example.com", "Test User")
	if err != nil {
		t.Fatalf("failed to create user: %v", err)
	}
	account := &db.Account{UserID: user.ID, Email: "user@example.com", Credentials: []byte("sealed"), Status: db.AccountActive}
	if err := database.UpsertAccount(account); err != nil {
		t.Fatalf("failed to create account: %v", err)
	}
	if err := database.SetMainCalendar(user.ID, account.ID, "main-cal"); err != nil {
		t.Fatalf("failed to set main calendar: %v", err)
	}
	att := &db.CalendarAttachment{
		UserID: user.ID, AccountID: account.ID, CalendarID: "client-a",
		Kind: db.AttachmentClient, DisplayName: "Client A",
	}
	if err := database.CreateAttachment(att); err != nil {
		t.Fatalf("failed to create attachment: %v", err)
	}

	if !sched.TriggerSyncForCalendar(att.ID) {
		t.Fatal("trigger must accept while active")
	}
	sched.wg.Wait()

	state, err := database.GetOrCreateAttachmentSyncState(att.ID)
	if err != nil {
		t.Fatalf("GetOrCreateAttachmentSyncState failed: %v", err)
	}
	if state.SyncToken != "next" {
		t.Errorf("triggered sync should have advanced the token, got %q", state.SyncToken)
	}
}

func TestCalendarLockSingleFlight(t *testing.T) {
	sched, _ := setupScheduler(t)

	a := sched.calendarLock("client:1")
	if sched.calendarLock("client:1") != a {
		t.Error("same key must return the same mutex")
	}
	if sched.calendarLock("main:1") == a {
		t.Error("different keys must not share a mutex")
	}

	a.Lock()
	defer a.Unlock()
	if sched.calendarLock("client:1").TryLock() {
		t.Error("held lock must fail TryLock")
	}
}

func TestRunJobSkipsWhenLockHeld(t *testing.T) {
	sched, database := setupScheduler(t)

	acquired, err := database.AcquireJobLock(JobPeriodicSync, "other-process", time.Hour)
	if err != nil || !acquired {
		t.Fatalf("failed to seed foreign lock: %v %v", acquired, err)
	}

	ran := false
	sched.runJob(JobPeriodicSync, time.Hour, func(context.Context) error {
		ran = true
		return nil
	})
	if ran {
		t.Error("job must not run while another owner holds the lock")
	}

	if err := database.ReleaseJobLock(JobPeriodicSync, "other-process"); err != nil {
		t.Fatalf("ReleaseJobLock failed: %v", err)
	}
	sched.runJob(JobPeriodicSync, time.Hour, func(context.Context) error {
		ran = true
		return nil
	})
	if !ran {
		t.Error("job must run once the lock is free")
	}

	// The lock is released after the run.
	acquired, err = database.AcquireJobLock(JobPeriodicSync, "other-process", time.Hour)
	if err != nil || !acquired {
		t.Errorf("lock must be released after the run: %v %v", acquired, err)
	}
}

func TestRunRetentionCleanup(t *testing.T) {
	sched, database := setupScheduler(t)

	user, err := database.GetOrCreateUser("user@example.com", "Test User")
	if err != nil {
		t.Fatalf("failed to create user: %v", err)
	}

	old := time.Now().UTC().AddDate(0, 0, -60)
	mapping := &db.EventMapping{
		UserID:        user.ID,
		OriginKind:    db.OriginMain,
		OriginEventID: "evt-old",
		MainEventID:   "evt-old",
		EventStart:    &old,
		EventEnd:      &old,
	}
	if err := database.UpsertMapping(mapping); err != nil {
		t.Fatalf("failed to seed mapping: %v", err)
	}

	if err := database.InsertSyncLog(&db.SyncLog{UserID: user.ID, Status: db.SyncStatusSuccess}); err != nil {
		t.Fatalf("InsertSyncLog failed: %v", err)
	}
	if _, err := database.Conn().Exec(
		`UPDATE sync_logs SET created_at = ? WHERE user_id = ?`, old, user.ID); err != nil {
		t.Fatalf("failed to backdate sync log: %v", err)
	}

	if err := sched.runRetentionCleanup(context.Background()); err != nil {
		t.Fatalf("runRetentionCleanup failed: %v", err)
	}

	if _, err := database.GetMappingByID(mapping.ID); err == nil {
		t.Error("expired mapping should be removed")
	}
	logs, err := database.GetRecentSyncLogs(user.ID, 10)
	if err != nil {
		t.Fatalf("GetRecentSyncLogs failed: %v", err)
	}
	if len(logs) != 0 {
		t.Error("old sync logs should be removed")
	}
}
