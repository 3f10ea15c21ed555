package backup

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"google.golang.org/api/calendar/v3"

	"github.com/calsyncd/calsyncd/internal/db"
	"github.com/calsyncd/calsyncd/internal/engine"
	"github.com/calsyncd/calsyncd/internal/gcal"
)

func TestClassify(t *testing.T) {
	tests := []struct {
		name string
		when time.Time
		want string
	}{
		{"weekday is daily", time.Date(2026, 8, 24, 3, 0, 0, 0, time.UTC), RetentionDaily},
		{"sunday is weekly", time.Date(2026, 8, 23, 3, 0, 0, 0, time.UTC), RetentionWeekly},
		{"first of the month is monthly", time.Date(2026, 8, 1, 3, 0, 0, 0, time.UTC), RetentionMonthly},
		{"sunday the first is monthly", time.Date(2026, 2, 1, 3, 0, 0, 0, time.UTC), RetentionMonthly},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Classify(tt.when); got != tt.want {
				t.Errorf("Classify(%v) = %s, want %s", tt.when, got, tt.want)
			}
		})
	}
}

func TestSnapshotEqual(t *testing.T) {
	base := SnapshotEvent{
		EventID: "evt-1",
		Summary: "Busy",
		Start:   &calendar.EventDateTime{DateTime: "2026-09-01T10:00:00Z"},
		End:     &calendar.EventDateTime{DateTime: "2026-09-01T11:00:00Z"},
	}

	if !snapshotEqual(base, base) {
		t.Error("identical snapshots must be equal")
	}

	drifted := base
	drifted.Summary = "Changed"
	if snapshotEqual(base, drifted) {
		t.Error("summary drift must be detected")
	}

	moved := base
	moved.Start = &calendar.EventDateTime{DateTime: "2026-09-01T12:00:00Z"}
	if snapshotEqual(base, moved) {
		t.Error("start drift must be detected")
	}

	recurring := base
	recurring.Recurrence = []string{"RRULE:FREQ=WEEKLY"}
	if snapshotEqual(base, recurring) {
		t.Error("recurrence drift must be detected")
	}

	allDay := base
	allDay.Start = &calendar.EventDateTime{Date: "2026-09-01"}
	if snapshotEqual(base, allDay) {
		t.Error("date vs datetime drift must be detected")
	}
}

func TestArchiveRoundTrip(t *testing.T) {
	dir := t.TempDir()

	dbCopy := filepath.Join(dir, "database.db")
	if err := os.WriteFile(dbCopy, []byte("not really sqlite"), 0600); err != nil {
		t.Fatalf("failed to write db copy: %v", err)
	}

	meta := &Metadata{
		ID:         "test-id",
		Type:       TypeManual,
		CreatedAt:  time.Date(2026, 8, 24, 3, 0, 0, 0, time.UTC),
		Users:      []string{"user@example.com"},
		EventCount: 1,
	}
	snapshots := []*UserSnapshot{{
		UserID:  1,
		Email:   "user@example.com",
		TakenAt: meta.CreatedAt,
		Calendars: []CalendarSnapshot{{
			CalendarID: "main-cal",
			Events: []SnapshotEvent{{
				EventID: "evt-1",
				Summary: "[Sync] Busy",
				Start:   &calendar.EventDateTime{DateTime: "2026-09-01T10:00:00Z"},
				End:     &calendar.EventDateTime{DateTime: "2026-09-01T11:00:00Z"},
			}},
		}},
	}}

	path := filepath.Join(dir, "backup-test.zip")
	if err := writeArchive(path, dbCopy, meta, snapshots); err != nil {
		t.Fatalf("writeArchive failed: %v", err)
	}

	gotMeta, gotSnaps, err := readArchive(path)
	if err != nil {
		t.Fatalf("readArchive failed: %v", err)
	}
	if gotMeta.ID != meta.ID || !gotMeta.CreatedAt.Equal(meta.CreatedAt) {
		t.Errorf("metadata round trip lost fields: %+v", gotMeta)
	}
	if len(gotSnaps) != 1 || gotSnaps[0].Email != "user@example.com" {
		t.Fatalf("snapshot round trip lost users: %+v", gotSnaps)
	}
	events := gotSnaps[0].Calendars[0].Events
	if len(events) != 1 || events[0].EventID != "evt-1" {
		t.Errorf("snapshot round trip lost events: %+v", events)
	}

	readBack, err := readMetadata(path)
	if err != nil {
		t.Fatalf("readMetadata failed: %v", err)
	}
	if readBack.ID != meta.ID {
		t.Errorf("readMetadata lost fields: %+v", readBack)
	}
}

// writeTestArchive drops a minimal valid archive with the given creation
// time into dir.
func writeTestArchive(t *testing.T, dir string, createdAt time.Time) string {
	t.Helper()

	dbCopy := filepath.Join(t.TempDir(), "database.db")
	if err := os.WriteFile(dbCopy, []byte("copy"), 0600); err != nil {
		t.Fatalf("failed to write db copy: %v", err)
	}
	meta := &Metadata{ID: createdAt.Format(time.RFC3339), Type: TypeScheduled, CreatedAt: createdAt}
	name := fmt.Sprintf("backup-%s.zip", createdAt.Format("20060102T150405Z"))
	if err := writeArchive(filepath.Join(dir, name), dbCopy, meta, nil); err != nil {
		t.Fatalf("writeArchive failed: %v", err)
	}
	return name
}

func TestPrune(t *testing.T) {
	dir := t.TempDir()
	m := New(nil, nil, dir)

	// Nine weekday archives: the two oldest fall past the daily window.
	base := time.Date(2026, 8, 24, 3, 0, 0, 0, time.UTC) // a Monday
	var names []string
	for i := 0; i < 9; i++ {
		day := base.AddDate(0, 0, -7*i) // Mondays only, all daily class
		names = append(names, writeTestArchive(t, dir, day))
	}
	// One Sunday archive stays within the weekly budget.
	sunday := writeTestArchive(t, dir, time.Date(2026, 8, 23, 3, 0, 0, 0, time.UTC))

	removed, err := m.Prune()
	if err != nil {
		t.Fatalf("Prune failed: %v", err)
	}
	if len(removed) != 2 {
		t.Fatalf("expected 2 pruned archives, got %v", removed)
	}
	for _, name := range removed {
		if name != names[7] && name != names[8] {
			t.Errorf("pruned the wrong archive: %s", name)
		}
		if _, err := os.Stat(filepath.Join(dir, name)); !os.IsNotExist(err) {
			t.Errorf("archive %s should be gone", name)
		}
	}
	if _, err := os.Stat(filepath.Join(dir, sunday)); err != nil {
		t.Errorf("weekly archive must survive: %v", err)
	}
}

func TestApplyPending(t *testing.T) {
	t.Run("no pending archive", func(t *testing.T) {
		restored, err := ApplyPending(t.TempDir(), filepath.Join(t.TempDir(), "live.db"))
		if err != nil || restored {
			t.Errorf("expected no-op, got restored=%v err=%v", restored, err)
		}
	})

	t.Run("swap and consume", func(t *testing.T) {
		backupDir := t.TempDir()
		dbPath := filepath.Join(t.TempDir(), "live.db")
		if err := os.WriteFile(dbPath, []byte("live"), 0600); err != nil {
			t.Fatalf("failed to write live db: %v", err)
		}
		if err := os.WriteFile(dbPath+"-wal", []byte("wal"), 0600); err != nil {
			t.Fatalf("failed to write wal: %v", err)
		}

		dbCopy := filepath.Join(t.TempDir(), "database.db")
		if err := os.WriteFile(dbCopy, []byte("archived"), 0600); err != nil {
			t.Fatalf("failed to write db copy: %v", err)
		}
		meta := &Metadata{ID: "pending", Type: TypeManual, CreatedAt: time.Now().UTC()}
		if err := writeArchive(filepath.Join(backupDir, PendingName), dbCopy, meta, nil); err != nil {
			t.Fatalf("writeArchive failed: %v", err)
		}

		restored, err := ApplyPending(backupDir, dbPath)
		if err != nil {
			t.Fatalf("ApplyPending failed: %v", err)
		}
		if !restored {
			t.Fatal("expected a restore")
		}

		data, err := os.ReadFile(dbPath)
		if err != nil || string(data) != "archived" {
			t.Errorf("database not swapped: %q %v", data, err)
		}
		if _, err := os.Stat(dbPath + "-wal"); !os.IsNotExist(err) {
			t.Error("stale WAL sidecar must be removed")
		}
		if _, err := os.Stat(filepath.Join(backupDir, PendingName)); !os.IsNotExist(err) {
			t.Error("pending archive must be consumed")
		}

		entries, err := os.ReadDir(backupDir)
		if err != nil {
			t.Fatalf("ReadDir failed: %v", err)
		}
		applied := false
		for _, e := range entries {
			if strings.HasPrefix(e.Name(), "restore-applied-") {
				applied = true
			}
		}
		if !applied {
			t.Error("consumed archive must be kept under a restore-applied name")
		}

		// A second startup finds nothing to do.
		restored, err = ApplyPending(backupDir, dbPath)
		if err != nil || restored {
			t.Errorf("expected no-op on second run, got restored=%v err=%v", restored, err)
		}
	})

	t.Run("archive without database entry is rejected", func(t *testing.T) {
		backupDir := t.TempDir()
		dbPath := filepath.Join(t.TempDir(), "live.db")

		// writeArchive always includes a database entry, so build the
		// broken case from an empty copy.
		dbCopy := filepath.Join(t.TempDir(), "database.db")
		if err := os.WriteFile(dbCopy, nil, 0600); err != nil {
			t.Fatalf("failed to write empty copy: %v", err)
		}
		meta := &Metadata{ID: "broken", Type: TypeManual, CreatedAt: time.Now().UTC()}
		if err := writeArchive(filepath.Join(backupDir, PendingName), dbCopy, meta, nil); err != nil {
			t.Fatalf("writeArchive failed: %v", err)
		}

		if _, err := ApplyPending(backupDir, dbPath); err == nil {
			t.Error("empty database copy must be rejected")
		}
	})
}

// restoreAPI is an in-memory gateway for the snapshot and restore walk.
type restoreAPI struct {
	calendars map[string]map[string]*calendar.Event
	nextID    int
}

func newRestoreAPI() *restoreAPI {
	return &restoreAPI{calendars: map[string]map[string]*calendar.Event{}}
}

func (f *restoreAPI) events(calendarID string) map[string]*calendar.Event {
	if f.calendars[calendarID] == nil {
		f.calendars[calendarID] = map[string]*calendar.Event{}
	}
	return f.calendars[calendarID]
}

func (f *restoreAPI) put(calendarID string, event *calendar.Event) {
	f.events(calendarID)[event.Id] = event
}

func (f *restoreAPI) ListEvents(_ context.Context, calendarID, syncToken string) (*gcal.ListResult, error) {
	result := &gcal.ListResult{NextSyncToken: "next", FullSync: syncToken == ""}
	for _, event := range f.events(calendarID) {
		result.Events = append(result.Events, event)
	}
	return result, nil
}

func (f *restoreAPI) GetEvent(_ context.Context, calendarID, eventID string) (*calendar.Event, error) {
	event, ok := f.events(calendarID)[eventID]
	if !ok {
		return nil, gcal.ErrNotFound
	}
	return event, nil
}

func (f *restoreAPI) SearchEvents(context.Context, string, string) ([]*calendar.Event, error) {
	return nil, nil
}

func (f *restoreAPI) CreateEvent(_ context.Context, calendarID string, event *calendar.Event) (*calendar.Event, error) {
	f.nextID++
	stored := *event
	stored.Id = fmt.Sprintf("gen-%d", f.nextID)
	f.events(calendarID)[stored.Id] = &stored
	return &stored, nil
}

func (f *restoreAPI) UpdateEvent(_ context.Context, calendarID, eventID string, event *calendar.Event) (*calendar.Event, error) {
	if _, ok := f.events(calendarID)[eventID]; !ok {
		return nil, gcal.ErrNotFound
	}
	stored := *event
	stored.Id = eventID
	f.events(calendarID)[eventID] = &stored
	return &stored, nil
}

func (f *restoreAPI) PatchEvent(ctx context.Context, calendarID, eventID string, event *calendar.Event) (*calendar.Event, error) {
	return f.UpdateEvent(ctx, calendarID, eventID, event)
}

func (f *restoreAPI) DeleteEvent(_ context.Context, calendarID, eventID string) error {
	delete(f.events(calendarID), eventID)
	return nil
}

func (f *restoreAPI) Watch(_ context.Context, _ string, channel *calendar.Channel) (*calendar.Channel, error) {
	return channel, nil
}

func (f *restoreAPI) StopChannel(context.Context, *calendar.Channel) error { return nil }

var _ gcal.CalendarAPI = (*restoreAPI)(nil)

type restoreProvider struct{ api *restoreAPI }

func (p *restoreProvider) ClientFor(context.Context, *db.Account) (gcal.CalendarAPI, error) {
	return p.api, nil
}

func managed(id, summary string) *calendar.Event {
	event := &calendar.Event{
		Id:      id,
		Summary: summary,
		Start:   &calendar.EventDateTime{DateTime: "2026-09-01T10:00:00Z"},
		End:     &calendar.EventDateTime{DateTime: "2026-09-01T11:00:00Z"},
	}
	gcal.TagEvent(event)
	return event
}

func TestCreateAndRestore(t *testing.T) {
	tempDir, err := os.MkdirTemp("", "calsyncd-backup-*")
	if err != nil {
		t.Fatalf("failed to create temp dir: %v", err)
	}
	t.Cleanup(func() { os.RemoveAll(tempDir) })

	database, err := db.New(filepath.Join(tempDir, "test.db"))
	if err != nil {
		t.Fatalf("failed to create test database: %v", err)
	}
	t.Cleanup(func() { database.Close() })

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

	api := newRestoreAPI()
	eng := engine.New(database, &restoreProvider{api: api}, nil, engine.Options{ManagedPrefix: "[Sync]"})
	m := New(database, eng, filepath.Join(tempDir, "backups"))
	ctx := context.Background()

	// Remote state at snapshot time: one managed copy on main (with its
	// mapping row), one managed busy block on the client, and one
	// unmanaged event that must never enter a snapshot.
	api.put("main-cal", managed("copy-1", "[Sync] [Client A] Strategy call"))
	api.put("main-cal", &calendar.Event{Id: "native-1", Summary: "Native meeting"})
	api.put("client-a", managed("block-1", "[Sync] Busy"))

	mapping := &db.EventMapping{
		UserID:             user.ID,
		OriginKind:         db.OriginClient,
		OriginAttachmentID: &att.ID,
		OriginCalendar:     "other-cal",
		OriginEventID:      "evt-1",
		MainEventID:        "copy-1",
	}
	if err := database.UpsertMapping(mapping); err != nil {
		t.Fatalf("failed to seed mapping: %v", err)
	}
	if err := database.CreateBusyBlock(&db.BusyBlock{
		MappingID: mapping.ID, AttachmentID: att.ID, BusyBlockEventID: "block-1",
	}); err != nil {
		t.Fatalf("failed to seed busy block: %v", err)
	}

	meta, err := m.Create(ctx, TypeManual, nil)
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	if meta.EventCount != 2 {
		t.Errorf("expected 2 managed events in the snapshot, got %d", meta.EventCount)
	}
	if len(meta.Errors) != 0 {
		t.Errorf("unexpected snapshot errors: %v", meta.Errors)
	}

	infos, err := m.List()
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(infos) != 1 || infos[0].Metadata == nil || infos[0].Metadata.ID != meta.ID {
		t.Fatalf("archive must be listed with metadata, got %+v", infos)
	}
	archiveName := infos[0].Name

	// Drift since the snapshot: the main copy vanished, the busy block's
	// summary changed, and a stray managed event appeared on the client.
	delete(api.events("main-cal"), "copy-1")
	api.events("client-a")["block-1"].Summary = "[Sync] Drifted"
	api.put("client-a", managed("stray-1", "[Sync] Busy"))

	t.Run("dry run plans without touching remote", func(t *testing.T) {
		actions, err := m.Restore(ctx, archiveName, RestoreOptions{RestoreCalendars: true, DryRun: true})
		if err != nil {
			t.Fatalf("Restore dry run failed: %v", err)
		}
		planned := map[string]bool{}
		for _, a := range actions {
			planned[a.Action+":"+a.EventID] = true
		}
		for _, want := range []string{"create:copy-1", "update:block-1", "delete:stray-1"} {
			if !planned[want] {
				t.Errorf("missing planned action %s in %v", want, actions)
			}
		}
		if _, ok := api.events("client-a")["stray-1"]; !ok {
			t.Error("dry run must not delete remote events")
		}
	})

	t.Run("execute repairs and remaps", func(t *testing.T) {
		if _, err := m.Restore(ctx, archiveName, RestoreOptions{RestoreCalendars: true}); err != nil {
			t.Fatalf("Restore failed: %v", err)
		}

		if _, ok := api.events("client-a")["stray-1"]; ok {
			t.Error("stray managed event must be deleted")
		}
		if api.events("client-a")["block-1"].Summary != "[Sync] Busy" {
			t.Error("drifted busy block must be updated back")
		}
		if _, ok := api.events("main-cal")["native-1"]; !ok {
			t.Error("unmanaged events must never be touched")
		}

		remapped, err := database.GetMappingByID(mapping.ID)
		if err != nil {
			t.Fatalf("GetMappingByID failed: %v", err)
		}
		if remapped.MainEventID == "copy-1" {
			t.Error("mapping must repoint at the recreated copy")
		}
		recreated := api.events("main-cal")[remapped.MainEventID]
		if recreated == nil {
			t.Fatal("recreated copy missing")
		}
		if !gcal.IsOurEvent(recreated) {
			t.Error("recreated copy must carry the sync tag")
		}

		paused, err := database.GetBoolSetting(db.SettingSyncPaused, true)
		if err != nil {
			t.Fatalf("GetBoolSetting failed: %v", err)
		}
		if paused {
			t.Error("clean restore must unpause sync")
		}
	})
}

// seededUser bundles the rows created for one user in the database
// restore tests.
type seededUser struct {
	user    *db.User
	att     *db.CalendarAttachment
	mapping *db.EventMapping
}

func seedUserData(t *testing.T, database *db.DB, email, mainCal, clientCal string) *seededUser {
	t.Helper()

	user, err := database.GetOrCreateUser(email, "Test User")
	if err != nil {
		t.Fatalf("failed to create user: %v", err)
	}
	account := &db.Account{UserID: user.ID, Email: email, Credentials: []byte("sealed"), Status: db.AccountActive}
	if err := database.UpsertAccount(account); err != nil {
		t.Fatalf("failed to create account: %v", err)
	}
	if err := database.SetMainCalendar(user.ID, account.ID, mainCal); err != nil {
		t.Fatalf("failed to set main calendar: %v", err)
	}
	att := &db.CalendarAttachment{
		UserID: user.ID, AccountID: account.ID, CalendarID: clientCal,
		Kind: db.AttachmentClient, DisplayName: "Client",
	}
	if err := database.CreateAttachment(att); err != nil {
		t.Fatalf("failed to create attachment: %v", err)
	}

	state, err := database.GetOrCreateAttachmentSyncState(att.ID)
	if err != nil {
		t.Fatalf("GetOrCreateAttachmentSyncState failed: %v", err)
	}
	if err := database.AdvanceSyncToken(state, "tok-"+email, false); err != nil {
		t.Fatalf("AdvanceSyncToken failed: %v", err)
	}

	mapping := &db.EventMapping{
		UserID:             user.ID,
		OriginKind:         db.OriginClient,
		OriginAttachmentID: &att.ID,
		OriginCalendar:     clientCal,
		OriginEventID:      "evt-" + email,
		MainEventID:        "copy-" + email,
	}
	if err := database.UpsertMapping(mapping); err != nil {
		t.Fatalf("failed to seed mapping: %v", err)
	}
	if err := database.CreateBusyBlock(&db.BusyBlock{
		MappingID: mapping.ID, AttachmentID: att.ID, BusyBlockEventID: "block-" + email,
	}); err != nil {
		t.Fatalf("failed to seed busy block: %v", err)
	}
	return &seededUser{user: user, att: att, mapping: mapping}
}

func TestRestoreDatabaseRows(t *testing.T) {
	tempDir, err := os.MkdirTemp("", "calsyncd-backup-*")
	if err != nil {
		t.Fatalf("failed to create temp dir: %v", err)
	}
	t.Cleanup(func() { os.RemoveAll(tempDir) })

	database, err := db.New(filepath.Join(tempDir, "test.db"))
	if err != nil {
		t.Fatalf("failed to create test database: %v", err)
	}
	t.Cleanup(func() { database.Close() })

	userA := seedUserData(t, database, "a@example.com", "main-a", "client-a")
	userB := seedUserData(t, database, "b@example.com", "main-b", "client-b")

	eng := engine.New(database, &restoreProvider{api: newRestoreAPI()}, nil, engine.Options{ManagedPrefix: "[Sync]"})
	m := New(database, eng, filepath.Join(tempDir, "backups"))
	ctx := context.Background()

	if _, err := m.Create(ctx, TypeManual, nil); err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	infos, err := m.List()
	if err != nil || len(infos) != 1 {
		t.Fatalf("expected one archive, got %v (%v)", infos, err)
	}
	archiveName := infos[0].Name

	// Database loss after the snapshot: both users' mapping rows vanish.
	for _, seeded := range []*seededUser{userA, userB} {
		if err := database.DeleteMapping(seeded.mapping.ID); err != nil {
			t.Fatalf("DeleteMapping failed: %v", err)
		}
	}

	t.Run("dry run plans without reinserting", func(t *testing.T) {
		actions, err := m.Restore(ctx, archiveName, RestoreOptions{RestoreDatabase: true, DryRun: true})
		if err != nil {
			t.Fatalf("Restore dry run failed: %v", err)
		}
		if len(actions) != 1 || actions[0].Action != "restore-db" {
			t.Errorf("expected a planned restore-db action, got %v", actions)
		}
		if _, err := database.GetMappingByOrigin(userA.user.ID, "client-a", "evt-a@example.com"); !errors.Is(err, db.ErrNotFound) {
			t.Errorf("dry run must not reinsert rows, got %v", err)
		}
	})

	t.Run("nothing selected is rejected", func(t *testing.T) {
		if _, err := m.Restore(ctx, archiveName, RestoreOptions{}); err == nil {
			t.Error("expected an error when neither database nor calendars are selected")
		}
	})

	t.Run("scoped restore reinserts only the targeted user", func(t *testing.T) {
		if _, err := m.Restore(ctx, archiveName, RestoreOptions{
			RestoreDatabase: true, UserIDs: []int64{userA.user.ID},
		}); err != nil {
			t.Fatalf("Restore failed: %v", err)
		}

		mapping, err := database.GetMappingByOrigin(userA.user.ID, "client-a", "evt-a@example.com")
		if err != nil {
			t.Fatalf("mapping row must be reinstated: %v", err)
		}
		if mapping.ID != userA.mapping.ID || mapping.MainEventID != "copy-a@example.com" {
			t.Errorf("reinserted mapping must keep its id and remote ids, got %+v", mapping)
		}
		block, err := database.GetBusyBlock(mapping.ID, userA.att.ID)
		if err != nil {
			t.Fatalf("busy block row must be reinstated: %v", err)
		}
		if block.BusyBlockEventID != "block-a@example.com" {
			t.Errorf("unexpected busy block row %+v", block)
		}

		if _, err := database.GetMappingByOrigin(userB.user.ID, "client-b", "evt-b@example.com"); !errors.Is(err, db.ErrNotFound) {
			t.Errorf("untargeted user must stay untouched, got %v", err)
		}

		state, err := database.GetOrCreateAttachmentSyncState(userA.att.ID)
		if err != nil {
			t.Fatalf("GetOrCreateAttachmentSyncState failed: %v", err)
		}
		if state.SyncToken != "" {
			t.Errorf("restored user's sync token must be cleared, got %q", state.SyncToken)
		}

		paused, err := database.GetBoolSetting(db.SettingSyncPaused, true)
		if err != nil {
			t.Fatalf("GetBoolSetting failed: %v", err)
		}
		if paused {
			t.Error("clean restore must unpause sync")
		}
	})

	t.Run("unscoped restore reinserts every user", func(t *testing.T) {
		if _, err := m.Restore(ctx, archiveName, RestoreOptions{RestoreDatabase: true}); err != nil {
			t.Fatalf("Restore failed: %v", err)
		}
		if _, err := database.GetMappingByOrigin(userB.user.ID, "client-b", "evt-b@example.com"); err != nil {
			t.Errorf("mapping row must be reinstated for every archived user: %v", err)
		}
	})
}
