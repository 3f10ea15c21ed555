// Package backup produces and restores snapshot archives. An archive is
// a zip holding metadata.json, a consistent copy of the database, and a
// per-user JSON snapshot of every event this system manages remotely.
package backup

import (
	"archive/zip"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/google/uuid"
	"google.golang.org/api/calendar/v3"

	"github.com/calsyncd/calsyncd/internal/db"
	"github.com/calsyncd/calsyncd/internal/engine"
	"github.com/calsyncd/calsyncd/internal/gcal"
)

const (
	TypeManual    = "manual"
	TypeScheduled = "scheduled"

	databaseEntry = "database.db"
	metadataEntry = "metadata.json"
	snapshotsDir  = "snapshots"

	// PendingName is the archive file consumed at startup before the
	// database is opened.
	PendingName = "restore-pending.zip"
)

// Metadata describes one archive.
type Metadata struct {
	ID         string    `json:"id"`
	Type       string    `json:"type"`
	CreatedAt  time.Time `json:"created_at"`
	Users      []string  `json:"users"`
	EventCount int       `json:"event_count"`
	Errors     []string  `json:"errors,omitempty"`
}

// SnapshotEvent is the field allowlist preserved per managed event.
// Remote-assigned fields (etag, sequence, html link) are deliberately
// not captured; a restore recreates events, it does not replay them.
type SnapshotEvent struct {
	EventID      string                  `json:"event_id"`
	Summary      string                  `json:"summary"`
	Description  string                  `json:"description,omitempty"`
	Location     string                  `json:"location,omitempty"`
	Start        *calendar.EventDateTime `json:"start"`
	End          *calendar.EventDateTime `json:"end"`
	Recurrence   []string                `json:"recurrence,omitempty"`
	Transparency string                  `json:"transparency,omitempty"`
	Visibility   string                  `json:"visibility,omitempty"`
	ColorID      string                  `json:"color_id,omitempty"`
}

// CalendarSnapshot holds the managed events of one remote calendar.
// AttachmentID is 0 for the user's main calendar.
type CalendarSnapshot struct {
	AttachmentID int64           `json:"attachment_id"`
	CalendarID   string          `json:"calendar_id"`
	Events       []SnapshotEvent `json:"events"`
}

// UserSnapshot is the snapshots/<user>.json payload.
type UserSnapshot struct {
	UserID    int64              `json:"user_id"`
	Email     string             `json:"email"`
	TakenAt   time.Time          `json:"taken_at"`
	Calendars []CalendarSnapshot `json:"calendars"`
}

// Info summarizes one archive on disk.
type Info struct {
	Name      string    `json:"name"`
	Size      int64     `json:"size"`
	Metadata  *Metadata `json:"metadata"`
	Retention string    `json:"retention"`
}

// Manager creates, lists, prunes, and restores archives.
type Manager struct {
	db  *db.DB
	eng *engine.Engine
	dir string
}

// New creates a Manager writing archives under dir.
func New(database *db.DB, eng *engine.Engine, dir string) *Manager {
	return &Manager{db: database, eng: eng, dir: dir}
}

// Dir returns the archive directory.
func (m *Manager) Dir() string {
	return m.dir
}

// Create builds a new archive and returns its metadata. A non-empty
// userIDs limits the event snapshots to those users; the database copy
// is always a full image, since a scoped restore selects rows at
// restore time. Per-user snapshot failures are recorded in the metadata
// rather than aborting the archive; the database copy alone is worth
// keeping.
func (m *Manager) Create(ctx context.Context, backupType string, userIDs []int64) (*Metadata, error) {
	if err := os.MkdirAll(m.dir, 0750); err != nil {
		return nil, fmt.Errorf("create backup dir: %w", err)
	}

	meta := &Metadata{
		ID:        uuid.New().String(),
		Type:      backupType,
		CreatedAt: time.Now().UTC(),
	}

	staging, err := os.MkdirTemp(m.dir, "staging-")
	if err != nil {
		return nil, fmt.Errorf("create staging dir: %w", err)
	}
	defer os.RemoveAll(staging)

	dbCopy := filepath.Join(staging, databaseEntry)
	if err := m.db.BackupTo(dbCopy); err != nil {
		return nil, err
	}

	snapshots, err := m.captureAll(ctx, meta, userIDs)
	if err != nil {
		return nil, err
	}

	name := fmt.Sprintf("backup-%s.zip", meta.CreatedAt.Format("20060102T150405Z"))
	tmpPath := filepath.Join(staging, name)
	if err := writeArchive(tmpPath, dbCopy, meta, snapshots); err != nil {
		return nil, err
	}
	finalPath := filepath.Join(m.dir, name)
	if err := os.Rename(tmpPath, finalPath); err != nil {
		return nil, fmt.Errorf("finalize archive: %w", err)
	}
	return meta, nil
}

// captureAll snapshots every user with a configured main calendar,
// narrowed to userIDs when given.
func (m *Manager) captureAll(ctx context.Context, meta *Metadata, userIDs []int64) ([]*UserSnapshot, error) {
	users, err := m.db.ListUsersWithMainCalendar()
	if err != nil {
		return nil, err
	}

	scope := make(map[int64]bool, len(userIDs))
	for _, id := range userIDs {
		scope[id] = true
	}

	var snapshots []*UserSnapshot
	for _, user := range users {
		if len(scope) > 0 && !scope[user.ID] {
			continue
		}
		snap, serr := m.captureUser(ctx, user.ID)
		if serr != nil {
			meta.Errors = append(meta.Errors, fmt.Sprintf("user %s: %v", user.Email, serr))
			continue
		}
		meta.Users = append(meta.Users, user.Email)
		for _, cal := range snap.Calendars {
			meta.EventCount += len(cal.Events)
		}
		snapshots = append(snapshots, snap)
	}
	return snapshots, nil
}

// captureUser walks the user's main calendar and every active
// attachment, keeping only events this system created.
func (m *Manager) captureUser(ctx context.Context, userID int64) (*UserSnapshot, error) {
	user, err := m.db.GetUserByID(userID)
	if err != nil {
		return nil, err
	}
	session, err := m.eng.NewSession(ctx, user)
	if err != nil {
		return nil, err
	}

	snap := &UserSnapshot{
		UserID:  user.ID,
		Email:   user.Email,
		TakenAt: time.Now().UTC(),
	}

	mainEvents, err := captureCalendar(ctx, session.MainAPI(), user.MainCalendarID)
	if err != nil {
		return nil, fmt.Errorf("snapshot main calendar: %w", err)
	}
	snap.Calendars = append(snap.Calendars, CalendarSnapshot{
		AttachmentID: 0,
		CalendarID:   user.MainCalendarID,
		Events:       mainEvents,
	})

	attachments, err := m.db.GetActiveAttachmentsByUserID(user.ID)
	if err != nil {
		return nil, err
	}
	for _, att := range attachments {
		api, aerr := session.AttachmentAPI(ctx, att)
		if aerr != nil {
			return nil, fmt.Errorf("attachment %d: %w", att.ID, aerr)
		}
		events, lerr := captureCalendar(ctx, api, att.CalendarID)
		if lerr != nil {
			return nil, fmt.Errorf("snapshot attachment %d: %w", att.ID, lerr)
		}
		snap.Calendars = append(snap.Calendars, CalendarSnapshot{
			AttachmentID: att.ID,
			CalendarID:   att.CalendarID,
			Events:       events,
		})
	}
	return snap, nil
}

func captureCalendar(ctx context.Context, api gcal.CalendarAPI, calendarID string) ([]SnapshotEvent, error) {
	result, err := api.ListEvents(ctx, calendarID, "")
	if err != nil {
		return nil, err
	}
	events := []SnapshotEvent{}
	for _, ev := range result.Events {
		if !gcal.IsOurEvent(ev) || ev.Status == "cancelled" {
			continue
		}
		events = append(events, SnapshotEvent{
			EventID:      ev.Id,
			Summary:      ev.Summary,
			Description:  ev.Description,
			Location:     ev.Location,
			Start:        ev.Start,
			End:          ev.End,
			Recurrence:   ev.Recurrence,
			Transparency: ev.Transparency,
			Visibility:   ev.Visibility,
			ColorID:      ev.ColorId,
		})
	}
	return events, nil
}

func writeArchive(path, dbCopy string, meta *Metadata, snapshots []*UserSnapshot) error {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0600)
	if err != nil {
		return fmt.Errorf("create archive: %w", err)
	}
	defer f.Close()

	zw := zip.NewWriter(f)

	if err := writeJSONEntry(zw, metadataEntry, meta); err != nil {
		return err
	}

	dbw, err := zw.Create(databaseEntry)
	if err != nil {
		return fmt.Errorf("archive entry %s: %w", databaseEntry, err)
	}
	src, err := os.Open(dbCopy)
	if err != nil {
		return fmt.Errorf("open database copy: %w", err)
	}
	_, err = io.Copy(dbw, src)
	src.Close()
	if err != nil {
		return fmt.Errorf("archive database copy: %w", err)
	}

	for _, snap := range snapshots {
		entry := fmt.Sprintf("%s/user-%d.json", snapshotsDir, snap.UserID)
		if err := writeJSONEntry(zw, entry, snap); err != nil {
			return err
		}
	}

	if err := zw.Close(); err != nil {
		return fmt.Errorf("finalize archive: %w", err)
	}
	return f.Sync()
}

func writeJSONEntry(zw *zip.Writer, name string, v any) error {
	w, err := zw.Create(name)
	if err != nil {
		return fmt.Errorf("archive entry %s: %w", name, err)
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		return fmt.Errorf("encode %s: %w", name, err)
	}
	return nil
}

// List returns the archives on disk, newest first.
func (m *Manager) List() ([]*Info, error) {
	entries, err := os.ReadDir(m.dir)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read backup dir: %w", err)
	}

	var infos []*Info
	for _, entry := range entries {
		if entry.IsDir() || filepath.Ext(entry.Name()) != ".zip" || entry.Name() == PendingName {
			continue
		}
		path := filepath.Join(m.dir, entry.Name())
		meta, merr := readMetadata(path)
		if merr != nil {
			// Unreadable archives are listed without metadata so an
			// operator can see and remove them.
			meta = nil
		}
		fi, serr := entry.Info()
		if serr != nil {
			continue
		}
		info := &Info{Name: entry.Name(), Size: fi.Size(), Metadata: meta}
		if meta != nil {
			info.Retention = Classify(meta.CreatedAt)
		}
		infos = append(infos, info)
	}
	sort.Slice(infos, func(i, j int) bool { return newerThan(infos[i], infos[j]) })
	return infos, nil
}

func readMetadata(path string) (*Metadata, error) {
	zr, err := zip.OpenReader(path)
	if err != nil {
		return nil, fmt.Errorf("open archive: %w", err)
	}
	defer zr.Close()

	for _, f := range zr.File {
		if f.Name != metadataEntry {
			continue
		}
		rc, err := f.Open()
		if err != nil {
			return nil, err
		}
		defer rc.Close()
		meta := &Metadata{}
		if err := json.NewDecoder(rc).Decode(meta); err != nil {
			return nil, fmt.Errorf("decode metadata: %w", err)
		}
		return meta, nil
	}
	return nil, fmt.Errorf("archive has no %s", metadataEntry)
}

func newerThan(a, b *Info) bool {
	switch {
	case a.Metadata == nil:
		return false
	case b.Metadata == nil:
		return true
	default:
		return a.Metadata.CreatedAt.After(b.Metadata.CreatedAt)
	}
}
