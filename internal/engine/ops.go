package engine

import (
	"context"
	"errors"
	"fmt"

	"google.golang.org/api/calendar/v3"

	"github.com/calsyncd/calsyncd/internal/db"
	"github.com/calsyncd/calsyncd/internal/gcal"
)

// Session exposes mapping-level repair operations over one user's
// gateway clients. The reconciler and the restore path drive these; the
// sync pipeline itself goes through SyncAttachment / SyncMain.
type Session struct {
	run *userRun
}

// NewSession builds a Session for one user.
func (e *Engine) NewSession(ctx context.Context, user *db.User) (*Session, error) {
	run, err := e.newUserRun(ctx, user)
	if err != nil {
		return nil, err
	}
	return &Session{run: run}, nil
}

// ProbeOrigin fetches a mapping's origin event, returning nil when it is
// gone or cancelled.
func (s *Session) ProbeOrigin(ctx context.Context, mapping *db.EventMapping) (*calendar.Event, error) {
	r := s.run
	var api gcal.CalendarAPI
	var calendarID string

	if mapping.OriginKind == db.OriginMain {
		api, calendarID = r.mainAPI, r.user.MainCalendarID
	} else {
		if mapping.OriginAttachmentID == nil {
			return nil, fmt.Errorf("mapping %d has no origin attachment", mapping.ID)
		}
		t, err := r.deletionTarget(ctx, *mapping.OriginAttachmentID)
		if err != nil {
			return nil, err
		}
		api, calendarID = t.api, t.calendarID
	}

	event, err := api.GetEvent(ctx, calendarID, mapping.OriginEventID)
	if errors.Is(err, gcal.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if event.Status == statusCancelled {
		return nil, nil
	}
	return event, nil
}

// ProbeMainCopy fetches the derived copy on the user's main calendar,
// returning nil when it is gone or cancelled.
func (s *Session) ProbeMainCopy(ctx context.Context, mapping *db.EventMapping) (*calendar.Event, error) {
	event, err := s.run.mainAPI.GetEvent(ctx, s.run.user.MainCalendarID, mapping.MainEventID)
	if errors.Is(err, gcal.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if event.Status == statusCancelled {
		return nil, nil
	}
	return event, nil
}

// RecreateMainCopy rebuilds a missing derived copy on main from the live
// origin event and repoints the mapping at the new remote id.
func (s *Session) RecreateMainCopy(ctx context.Context, mapping *db.EventMapping, origin *calendar.Event) (string, error) {
	r := s.run

	var payload *calendar.Event
	switch mapping.OriginKind {
	case db.OriginClient:
		if mapping.OriginAttachmentID == nil {
			return "", fmt.Errorf("mapping %d has no origin attachment", mapping.ID)
		}
		att, err := r.eng.db.GetAttachmentByID(*mapping.OriginAttachmentID)
		if err != nil {
			return "", err
		}
		label, err := r.sourceLabel(ctx, att)
		if err != nil {
			return "", err
		}
		payload = r.clientToMainCopy(att, label, origin)
	case db.OriginPersonal:
		payload = r.busyBlockPayload(r.eng.opts.PersonalBusyTitle, origin)
	default:
		return "", fmt.Errorf("mapping %d is main-origin, nothing to recreate", mapping.ID)
	}

	created, err := r.mainAPI.CreateEvent(ctx, r.user.MainCalendarID, payload)
	if err != nil {
		return "", fmt.Errorf("recreate main copy: %w", err)
	}
	if err := r.eng.db.RepointMappingMainEvent(mapping.ID, created.Id); err != nil {
		return "", err
	}
	return created.Id, nil
}

// RemoveMappingArtifacts tears down a mapping's remote artifacts and
// rows. deleteMainCopy is false for main-origin mappings, whose origin
// is the main event itself.
func (s *Session) RemoveMappingArtifacts(ctx context.Context, mapping *db.EventMapping, deleteMainCopy bool) error {
	return s.run.tearDownMapping(ctx, mapping, deleteMainCopy, &batchStats{})
}

// CleanupSoftDeleted removes the remote busy blocks a soft-deleted
// mapping left behind, dropping rows only for confirmed deletions.
func (s *Session) CleanupSoftDeleted(ctx context.Context, mapping *db.EventMapping) error {
	return s.run.removeBusyBlocks(ctx, mapping, &batchStats{})
}

// MainAPI exposes the session's main-calendar client for snapshot and
// restore walks.
func (s *Session) MainAPI() gcal.CalendarAPI {
	return s.run.mainAPI
}

// AttachmentAPI exposes a client for one of the user's attachments.
func (s *Session) AttachmentAPI(ctx context.Context, att *db.CalendarAttachment) (gcal.CalendarAPI, error) {
	return s.run.apiForAttachment(ctx, att)
}
