package backup

import (
	"archive/zip"
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"strings"

	"encoding/json"

	"google.golang.org/api/calendar/v3"

	"github.com/calsyncd/calsyncd/internal/db"
	"github.com/calsyncd/calsyncd/internal/gcal"
)

// RestoreAction is one planned or executed restore step.
type RestoreAction struct {
	Action     string `json:"action"`
	CalendarID string `json:"calendar_id"`
	EventID    string `json:"event_id"`
	Summary    string `json:"summary"`
}

// RestoreOptions selects what a restore touches. An empty UserIDs means
// every user in the archive; at least one of RestoreDatabase and
// RestoreCalendars must be set.
type RestoreOptions struct {
	UserIDs          []int64
	RestoreDatabase  bool
	RestoreCalendars bool
	DryRun           bool
}

// Restore replays an archive. With RestoreDatabase set, the targeted
// users' rows are deleted and reinserted from the archived database
// image, ids preserved. With RestoreCalendars set, the archive's
// snapshots are replayed against the remote calendars: managed events
// missing remotely are recreated, drifted ones updated, and managed
// events absent from the snapshot deleted. Recreated events get new
// remote ids, which are remapped into the mapping store. Sync tokens of
// the targeted users are cleared either way.
//
// Sync is paused for the duration. On any failure the pause is left in
// place and the restore_incomplete flag set, so syncing cannot resume
// against half-restored state until an operator intervenes.
func (m *Manager) Restore(ctx context.Context, archiveName string, opts RestoreOptions) ([]RestoreAction, error) {
	if filepath.Base(archiveName) != archiveName || !strings.HasSuffix(archiveName, ".zip") {
		return nil, fmt.Errorf("invalid archive name: %s", archiveName)
	}
	if !opts.RestoreDatabase && !opts.RestoreCalendars {
		return nil, fmt.Errorf("nothing selected to restore")
	}
	path := filepath.Join(m.dir, archiveName)

	meta, snapshots, err := readArchive(path)
	if err != nil {
		return nil, err
	}
	snapshots = filterSnapshots(snapshots, opts.UserIDs)
	log.Printf("[Backup] restore from %s (taken %s, %d users, db=%v calendars=%v dry_run=%v)",
		archiveName, meta.CreatedAt.Format("2006-01-02 15:04"), len(snapshots),
		opts.RestoreDatabase, opts.RestoreCalendars, opts.DryRun)

	if !opts.DryRun {
		if err := m.db.SetBoolSetting(db.SettingSyncPaused, true); err != nil {
			return nil, err
		}
	}

	var actions []RestoreAction
	var errs []error

	if opts.RestoreDatabase {
		actions = append(actions, RestoreAction{
			Action:  "restore-db",
			Summary: "reinsert database rows from the archived image",
		})
		if !opts.DryRun {
			if err := m.restoreDatabaseRows(ctx, path, opts.UserIDs); err != nil {
				errs = append(errs, fmt.Errorf("database rows: %w", err))
			}
		}
	}

	// The calendar diff trusts the mapping rows, so a failed row restore
	// stops it before it can repair against the wrong state.
	if opts.RestoreCalendars && len(errs) == 0 {
		for _, snap := range snapshots {
			userActions, uerr := m.restoreUser(ctx, snap, opts.DryRun)
			actions = append(actions, userActions...)
			if uerr != nil {
				errs = append(errs, fmt.Errorf("user %s: %w", snap.Email, uerr))
			}
		}
	}

	if opts.DryRun {
		return actions, errors.Join(errs...)
	}

	if len(errs) > 0 {
		if serr := m.db.SetBoolSetting(db.SettingRestoreIncomplete, true); serr != nil {
			errs = append(errs, serr)
		}
		log.Printf("[Backup] restore incomplete, sync left paused (%d errors)", len(errs))
		return actions, errors.Join(errs...)
	}

	if err := m.db.DeleteSetting(db.SettingRestoreIncomplete); err != nil {
		return actions, err
	}
	if err := m.db.SetBoolSetting(db.SettingSyncPaused, false); err != nil {
		return actions, err
	}
	log.Printf("[Backup] restore complete: %d actions", len(actions))
	return actions, nil
}

// restoreDatabaseRows extracts the archived database image and
// reinserts the targeted users' rows from it, then clears their sync
// tokens so the next sync is a full re-fetch.
func (m *Manager) restoreDatabaseRows(ctx context.Context, archivePath string, userIDs []int64) error {
	staging, err := os.MkdirTemp(m.dir, "restore-")
	if err != nil {
		return fmt.Errorf("create staging dir: %w", err)
	}
	defer os.RemoveAll(staging)

	imagePath := filepath.Join(staging, databaseEntry)
	if err := extractDatabaseImage(archivePath, imagePath); err != nil {
		return err
	}
	if err := m.db.CopyUserDataFrom(ctx, imagePath, userIDs); err != nil {
		return err
	}

	if len(userIDs) == 0 {
		return m.db.ClearAllSyncTokens()
	}
	var errs []error
	for _, id := range userIDs {
		if err := m.db.ClearUserSyncTokens(id); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// extractDatabaseImage copies an archive's database entry to destPath.
func extractDatabaseImage(archivePath, destPath string) error {
	zr, err := zip.OpenReader(archivePath)
	if err != nil {
		return fmt.Errorf("open archive: %w", err)
	}
	defer zr.Close()

	for _, f := range zr.File {
		if f.Name != databaseEntry {
			continue
		}
		rc, err := f.Open()
		if err != nil {
			return fmt.Errorf("open database entry: %w", err)
		}
		dst, err := os.OpenFile(destPath, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0600)
		if err != nil {
			rc.Close()
			return fmt.Errorf("create database image: %w", err)
		}
		_, cerr := io.Copy(dst, rc)
		rc.Close()
		if serr := dst.Close(); cerr == nil {
			cerr = serr
		}
		if cerr != nil {
			return fmt.Errorf("extract database image: %w", cerr)
		}
		return nil
	}
	return fmt.Errorf("archive has no %s", databaseEntry)
}

func filterSnapshots(snapshots []*UserSnapshot, userIDs []int64) []*UserSnapshot {
	if len(userIDs) == 0 {
		return snapshots
	}
	scope := make(map[int64]bool, len(userIDs))
	for _, id := range userIDs {
		scope[id] = true
	}
	var out []*UserSnapshot
	for _, snap := range snapshots {
		if scope[snap.UserID] {
			out = append(out, snap)
		}
	}
	return out
}

func (m *Manager) restoreUser(ctx context.Context, snap *UserSnapshot, dryRun bool) ([]RestoreAction, error) {
	user, err := m.db.GetUserByID(snap.UserID)
	if err != nil {
		return nil, err
	}
	session, err := m.eng.NewSession(ctx, user)
	if err != nil {
		return nil, err
	}

	var actions []RestoreAction
	var errs []error
	for _, cal := range snap.Calendars {
		var api gcal.CalendarAPI
		calendarID := cal.CalendarID

		if cal.AttachmentID == 0 {
			api = session.MainAPI()
			// The main calendar may have been repointed since the
			// snapshot was taken; restore into where main lives now.
			calendarID = user.MainCalendarID
		} else {
			att, aerr := m.db.GetAttachmentByID(cal.AttachmentID)
			if aerr != nil {
				errs = append(errs, fmt.Errorf("attachment %d: %w", cal.AttachmentID, aerr))
				continue
			}
			if !att.Active {
				// Detached since the snapshot; its busy blocks stay gone.
				continue
			}
			api, aerr = session.AttachmentAPI(ctx, att)
			if aerr != nil {
				errs = append(errs, fmt.Errorf("attachment %d: %w", cal.AttachmentID, aerr))
				continue
			}
			calendarID = att.CalendarID
		}

		calActions, cerr := m.restoreCalendar(ctx, api, calendarID, cal, user.ID, dryRun)
		actions = append(actions, calActions...)
		if cerr != nil {
			errs = append(errs, cerr)
		}
	}

	if !dryRun && len(errs) == 0 {
		// Remote ids changed under the snapshots; incremental tokens
		// are no longer trustworthy.
		if err := m.db.ClearUserSyncTokens(user.ID); err != nil {
			errs = append(errs, err)
		}
	}
	return actions, errors.Join(errs...)
}

func (m *Manager) restoreCalendar(ctx context.Context, api gcal.CalendarAPI, calendarID string, cal CalendarSnapshot, userID int64, dryRun bool) ([]RestoreAction, error) {
	current, err := captureCalendar(ctx, api, calendarID)
	if err != nil {
		return nil, fmt.Errorf("list %s: %w", calendarID, err)
	}
	currentByID := make(map[string]SnapshotEvent, len(current))
	for _, ev := range current {
		currentByID[ev.EventID] = ev
	}
	desiredByID := make(map[string]SnapshotEvent, len(cal.Events))
	for _, ev := range cal.Events {
		desiredByID[ev.EventID] = ev
	}

	var actions []RestoreAction
	var errs []error

	for _, want := range cal.Events {
		have, exists := currentByID[want.EventID]
		switch {
		case !exists:
			actions = append(actions, RestoreAction{
				Action:     "create",
				CalendarID: calendarID,
				EventID:    want.EventID,
				Summary:    want.Summary,
			})
			if dryRun {
				continue
			}
			if err := m.recreateEvent(ctx, api, calendarID, cal.AttachmentID, userID, want); err != nil {
				errs = append(errs, err)
			}
		case !snapshotEqual(have, want):
			actions = append(actions, RestoreAction{
				Action:     "update",
				CalendarID: calendarID,
				EventID:    want.EventID,
				Summary:    want.Summary,
			})
			if dryRun {
				continue
			}
			if _, err := api.UpdateEvent(ctx, calendarID, want.EventID, eventPayload(want)); err != nil {
				errs = append(errs, fmt.Errorf("update %s: %w", want.EventID, err))
			}
		}
	}

	// Managed events the snapshot does not know about.
	for _, have := range current {
		if _, wanted := desiredByID[have.EventID]; wanted {
			continue
		}
		actions = append(actions, RestoreAction{
			Action:     "delete",
			CalendarID: calendarID,
			EventID:    have.EventID,
			Summary:    have.Summary,
		})
		if dryRun {
			continue
		}
		if err := api.DeleteEvent(ctx, calendarID, have.EventID); err != nil {
			errs = append(errs, fmt.Errorf("delete %s: %w", have.EventID, err))
		}
	}

	return actions, errors.Join(errs...)
}

// recreateEvent inserts a snapshot event and repoints the mapping-store
// row that carried the old remote id at the new one.
func (m *Manager) recreateEvent(ctx context.Context, api gcal.CalendarAPI, calendarID string, attachmentID, userID int64, want SnapshotEvent) error {
	created, err := api.CreateEvent(ctx, calendarID, eventPayload(want))
	if err != nil {
		return fmt.Errorf("create %s: %w", want.EventID, err)
	}

	if attachmentID == 0 {
		mapping, merr := m.db.GetMappingByMainEventID(userID, want.EventID)
		if errors.Is(merr, db.ErrNotFound) {
			return nil
		}
		if merr != nil {
			return merr
		}
		return m.db.RepointMappingMainEvent(mapping.ID, created.Id)
	}

	block, berr := m.db.GetBusyBlockByEventID(attachmentID, want.EventID)
	if errors.Is(berr, db.ErrNotFound) {
		return nil
	}
	if berr != nil {
		return berr
	}
	return m.db.RepointBusyBlock(block.ID, created.Id)
}

// eventPayload rebuilds the insert payload for a snapshot event. The
// sync tag is reapplied; snapshots only ever hold managed events.
func eventPayload(se SnapshotEvent) *calendar.Event {
	event := &calendar.Event{
		Summary:      se.Summary,
		Description:  se.Description,
		Location:     se.Location,
		Start:        se.Start,
		End:          se.End,
		Recurrence:   se.Recurrence,
		Transparency: se.Transparency,
		Visibility:   se.Visibility,
		ColorId:      se.ColorID,
	}
	gcal.TagEvent(event)
	return event
}

func snapshotEqual(a, b SnapshotEvent) bool {
	if a.Summary != b.Summary || a.Description != b.Description ||
		a.Location != b.Location || a.Transparency != b.Transparency ||
		a.Visibility != b.Visibility || a.ColorID != b.ColorID {
		return false
	}
	if !dateTimeEqual(a.Start, b.Start) || !dateTimeEqual(a.End, b.End) {
		return false
	}
	if len(a.Recurrence) != len(b.Recurrence) {
		return false
	}
	for i := range a.Recurrence {
		if a.Recurrence[i] != b.Recurrence[i] {
			return false
		}
	}
	return true
}

func dateTimeEqual(a, b *calendar.EventDateTime) bool {
	if a == nil || b == nil {
		return a == b
	}
	return a.Date == b.Date && a.DateTime == b.DateTime && a.TimeZone == b.TimeZone
}

// readArchive parses metadata and all user snapshots out of a zip.
func readArchive(path string) (*Metadata, []*UserSnapshot, error) {
	zr, err := zip.OpenReader(path)
	if err != nil {
		return nil, nil, fmt.Errorf("open archive: %w", err)
	}
	defer zr.Close()

	var meta *Metadata
	var snapshots []*UserSnapshot
	for _, f := range zr.File {
		switch {
		case f.Name == metadataEntry:
			meta = &Metadata{}
			if err := decodeZipJSON(f, meta); err != nil {
				return nil, nil, err
			}
		case strings.HasPrefix(f.Name, snapshotsDir+"/") && strings.HasSuffix(f.Name, ".json"):
			snap := &UserSnapshot{}
			if err := decodeZipJSON(f, snap); err != nil {
				return nil, nil, err
			}
			snapshots = append(snapshots, snap)
		}
	}
	if meta == nil {
		return nil, nil, fmt.Errorf("archive has no %s", metadataEntry)
	}
	return meta, snapshots, nil
}

func decodeZipJSON(f *zip.File, v any) error {
	rc, err := f.Open()
	if err != nil {
		return fmt.Errorf("open %s: %w", f.Name, err)
	}
	defer rc.Close()
	if err := json.NewDecoder(rc).Decode(v); err != nil {
		return fmt.Errorf("decode %s: %w", f.Name, err)
	}
	return nil
}
