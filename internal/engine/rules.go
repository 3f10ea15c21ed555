package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"google.golang.org/api/calendar/v3"

	"github.com/calsyncd/calsyncd/internal/db"
	"github.com/calsyncd/calsyncd/internal/gcal"
)

const (
	statusCancelled         = "cancelled"
	transparencyTransparent = "transparent"
	transparencyOpaque      = "opaque"
	responseDeclined        = "declined"
	maxSourceLabelLen       = 80
)

// handleClientEvent applies the client-origin rules to one observed event.
func (r *userRun) handleClientEvent(ctx context.Context, att *db.CalendarAttachment, event *calendar.Event, stats *batchStats) error {
	if gcal.IsOurEvent(event) {
		return nil
	}
	if event.Status == statusCancelled {
		return r.handleClientDeletion(ctx, att, event, stats)
	}

	mapping, err := r.eng.db.GetMappingByOrigin(r.user.ID, att.CalendarID, event.Id)
	if err != nil && !errors.Is(err, db.ErrNotFound) {
		return err
	}
	tracked := err == nil && mapping.Live()

	// A declined event carries no artifacts at all: no main copy and no
	// busy blocks.
	if isDeclinedBySelf(event) {
		if tracked {
			return r.tearDownMapping(ctx, mapping, true, stats)
		}
		return nil
	}

	label, err := r.sourceLabel(ctx, att)
	if err != nil {
		return err
	}
	copy := r.clientToMainCopy(att, label, event)

	switch {
	case !tracked && event.RecurringEventId != "":
		parent, perr := r.eng.db.GetMappingByOrigin(r.user.ID, att.CalendarID, event.RecurringEventId)
		if perr == nil && parent.Live() {
			return r.forkInstance(ctx, att, parent, event, copy, stats)
		}
		if perr != nil && !errors.Is(perr, db.ErrNotFound) {
			return perr
		}
		fallthrough

	case !tracked:
		created, cerr := r.mainAPI.CreateEvent(ctx, r.user.MainCalendarID, copy)
		if cerr != nil {
			return fmt.Errorf("create main copy: %w", cerr)
		}
		mapping = r.newClientMapping(att, event, created.Id)
		if uerr := r.eng.db.UpsertMapping(mapping); uerr != nil {
			return uerr
		}
		stats.created++

	default:
		if uerr := r.updateMainCopy(ctx, mapping, copy); uerr != nil {
			return uerr
		}
		refreshMappingTimes(mapping, event)
		if uerr := r.eng.db.UpsertMapping(mapping); uerr != nil {
			return uerr
		}
		stats.updated++
	}

	return r.fanOut(ctx, mapping, event, att.ID, stats)
}

// handlePersonalEvent applies the personal-origin rules: the derived
// artifact on main is an opaque busy block, and fan-out targets only
// active client calendars.
func (r *userRun) handlePersonalEvent(ctx context.Context, att *db.CalendarAttachment, event *calendar.Event, stats *batchStats) error {
	if gcal.IsOurEvent(event) {
		return nil
	}
	if event.Status == statusCancelled {
		return r.handlePersonalDeletion(ctx, att, event, stats)
	}

	mapping, err := r.eng.db.GetMappingByOrigin(r.user.ID, att.CalendarID, event.Id)
	if err != nil && !errors.Is(err, db.ErrNotFound) {
		return err
	}
	tracked := err == nil && mapping.Live()

	if !isBusyWorthy(event) {
		if tracked {
			return r.tearDownMapping(ctx, mapping, true, stats)
		}
		return nil
	}

	block := r.busyBlockPayload(r.eng.opts.PersonalBusyTitle, event)

	if !tracked {
		created, cerr := r.mainAPI.CreateEvent(ctx, r.user.MainCalendarID, block)
		if cerr != nil {
			return fmt.Errorf("create personal busy block on main: %w", cerr)
		}
		mapping = &db.EventMapping{
			UserID:             r.user.ID,
			OriginKind:         db.OriginPersonal,
			OriginAttachmentID: &att.ID,
			OriginCalendar:     att.CalendarID,
			OriginEventID:      event.Id,
			MainEventID:        created.Id,
			UserCanEdit:        false,
		}
		refreshMappingTimes(mapping, event)
		if uerr := r.eng.db.UpsertMapping(mapping); uerr != nil {
			return uerr
		}
		stats.created++
	} else {
		if uerr := r.updateMainCopy(ctx, mapping, block); uerr != nil {
			return uerr
		}
		refreshMappingTimes(mapping, event)
		if uerr := r.eng.db.UpsertMapping(mapping); uerr != nil {
			return uerr
		}
		stats.updated++
	}

	return r.fanOut(ctx, mapping, event, att.ID, stats)
}

// handleMainEvent applies main-origin change ingestion: native events on
// the main calendar fan busy blocks out to every active client calendar.
func (r *userRun) handleMainEvent(ctx context.Context, event *calendar.Event, stats *batchStats) error {
	if gcal.IsOurEvent(event) {
		return nil
	}

	mapping, err := r.eng.db.GetMappingByOrigin(r.user.ID, "", event.Id)
	if err != nil && !errors.Is(err, db.ErrNotFound) {
		return err
	}
	tracked := err == nil && mapping.Live()

	if event.Status == statusCancelled || !isBusyWorthy(event) {
		if tracked {
			// The origin lives on main itself; there is no separate
			// main copy to delete, only the fanned-out busy blocks.
			return r.tearDownMapping(ctx, mapping, false, stats)
		}
		return nil
	}

	if !tracked {
		mapping = &db.EventMapping{
			UserID:         r.user.ID,
			OriginKind:     db.OriginMain,
			OriginCalendar: "",
			OriginEventID:  event.Id,
			MainEventID:    event.Id,
			UserCanEdit:    true,
		}
	}
	refreshMappingTimes(mapping, event)
	if err := r.eng.db.UpsertMapping(mapping); err != nil {
		return err
	}

	return r.fanOut(ctx, mapping, event, 0, stats)
}

// handleClientDeletion processes a tombstone from a client calendar.
func (r *userRun) handleClientDeletion(ctx context.Context, att *db.CalendarAttachment, event *calendar.Event, stats *batchStats) error {
	// Single-instance cancellation of a series: cancel only the derived
	// instance, leave the parent mapping intact.
	if event.RecurringEventId != "" && event.OriginalStartTime != nil {
		return r.cancelDerivedInstance(ctx, att, event, stats)
	}

	mapping, err := r.eng.db.GetMappingByOrigin(r.user.ID, att.CalendarID, event.Id)
	if errors.Is(err, db.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if !mapping.Live() {
		return nil
	}
	if mapping.IsRecurring {
		if err := r.tearDownSeriesForks(ctx, att, event.Id, stats); err != nil {
			return err
		}
	}
	return r.tearDownMapping(ctx, mapping, true, stats)
}

// handlePersonalDeletion processes a tombstone from a personal calendar.
func (r *userRun) handlePersonalDeletion(ctx context.Context, att *db.CalendarAttachment, event *calendar.Event, stats *batchStats) error {
	if event.RecurringEventId != "" && event.OriginalStartTime != nil {
		return r.cancelDerivedInstance(ctx, att, event, stats)
	}

	mapping, err := r.eng.db.GetMappingByOrigin(r.user.ID, att.CalendarID, event.Id)
	if errors.Is(err, db.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if !mapping.Live() {
		return nil
	}
	if mapping.IsRecurring {
		if err := r.tearDownSeriesForks(ctx, att, event.Id, stats); err != nil {
			return err
		}
	}
	return r.tearDownMapping(ctx, mapping, true, stats)
}

// tearDownSeriesForks tears down the live instance-level mappings forked
// off a deleted series. Their own tombstones are not guaranteed to
// arrive once the parent is gone.
func (r *userRun) tearDownSeriesForks(ctx context.Context, att *db.CalendarAttachment, parentEventID string, stats *batchStats) error {
	forks, err := r.eng.db.GetInstanceMappings(r.user.ID, att.CalendarID, parentEventID)
	if err != nil {
		return err
	}
	var errs []error
	for _, fork := range forks {
		if !fork.Live() {
			continue
		}
		if terr := r.tearDownMapping(ctx, fork, true, stats); terr != nil {
			errs = append(errs, fmt.Errorf("forked instance %s: %w", fork.OriginEventID, terr))
		}
	}
	return errors.Join(errs...)
}

// cancelDerivedInstance cancels one occurrence of a derived series on
// main and on every busy-block calendar, plus any forked instance
// mapping for the same occurrence.
func (r *userRun) cancelDerivedInstance(ctx context.Context, att *db.CalendarAttachment, event *calendar.Event, stats *batchStats) error {
	parent, err := r.eng.db.GetMappingByOrigin(r.user.ID, att.CalendarID, event.RecurringEventId)
	if err != nil && !errors.Is(err, db.ErrNotFound) {
		return err
	}

	var errs []error
	if err == nil && parent.Live() {
		mainInstance, derr := gcal.InstanceID(parent.MainEventID, event.OriginalStartTime)
		if derr != nil {
			return derr
		}
		if derr := r.mainAPI.DeleteEvent(ctx, r.user.MainCalendarID, mainInstance); derr != nil {
			errs = append(errs, fmt.Errorf("cancel main instance %s: %w", mainInstance, derr))
		}

		blocks, berr := r.eng.db.GetBusyBlocksByMapping(parent.ID)
		if berr != nil {
			return berr
		}
		for _, block := range blocks {
			target, terr := r.deletionTarget(ctx, block.AttachmentID)
			if terr != nil {
				errs = append(errs, terr)
				continue
			}
			blockInstance, derr := gcal.InstanceID(block.BusyBlockEventID, event.OriginalStartTime)
			if derr != nil {
				errs = append(errs, derr)
				continue
			}
			if derr := target.api.DeleteEvent(ctx, target.calendarID, blockInstance); derr != nil {
				errs = append(errs, fmt.Errorf("cancel busy block instance %s: %w", blockInstance, derr))
			}
		}
	}

	// A previously forked occurrence has its own mapping keyed by the
	// tombstone's event id; tear it down too.
	forked, ferr := r.eng.db.GetMappingByOrigin(r.user.ID, att.CalendarID, event.Id)
	if ferr == nil && forked.Live() && forked.OriginRecurringEventID != "" {
		if terr := r.tearDownMapping(ctx, forked, true, stats); terr != nil {
			errs = append(errs, terr)
		}
	} else if ferr != nil && !errors.Is(ferr, db.ErrNotFound) {
		errs = append(errs, ferr)
	}

	stats.deleted++
	return errors.Join(errs...)
}

// forkInstance handles a modified single occurrence of a tracked series:
// the derived instance is cancelled everywhere and the occurrence becomes
// a standalone event with its own instance-level mapping.
func (r *userRun) forkInstance(ctx context.Context, att *db.CalendarAttachment, parent *db.EventMapping, event *calendar.Event, copy *calendar.Event, stats *batchStats) error {
	if event.OriginalStartTime == nil {
		return fmt.Errorf("forked instance %s has no original start time", event.Id)
	}

	mainInstance, err := gcal.InstanceID(parent.MainEventID, event.OriginalStartTime)
	if err != nil {
		return err
	}
	if err := r.mainAPI.DeleteEvent(ctx, r.user.MainCalendarID, mainInstance); err != nil {
		return fmt.Errorf("cancel main instance %s: %w", mainInstance, err)
	}

	blocks, err := r.eng.db.GetBusyBlocksByMapping(parent.ID)
	if err != nil {
		return err
	}
	for _, block := range blocks {
		target, terr := r.deletionTarget(ctx, block.AttachmentID)
		if terr != nil {
			return terr
		}
		blockInstance, derr := gcal.InstanceID(block.BusyBlockEventID, event.OriginalStartTime)
		if derr != nil {
			return derr
		}
		if derr := target.api.DeleteEvent(ctx, target.calendarID, blockInstance); derr != nil {
			return fmt.Errorf("cancel busy block instance %s: %w", blockInstance, derr)
		}
	}

	created, err := r.mainAPI.CreateEvent(ctx, r.user.MainCalendarID, copy)
	if err != nil {
		return fmt.Errorf("create forked copy: %w", err)
	}

	mapping := r.newClientMapping(att, event, created.Id)
	mapping.OriginRecurringEventID = event.RecurringEventId
	if err := r.eng.db.UpsertMapping(mapping); err != nil {
		return err
	}
	stats.created++

	return r.fanOut(ctx, mapping, event, att.ID, stats)
}

// updateMainCopy updates the derived event on main, recreating and
// repointing when the copy has gone missing. Any other failure is
// re-raised to avoid duplicate creation.
func (r *userRun) updateMainCopy(ctx context.Context, mapping *db.EventMapping, payload *calendar.Event) error {
	_, err := r.mainAPI.UpdateEvent(ctx, r.user.MainCalendarID, mapping.MainEventID, payload)
	if err == nil {
		return nil
	}
	if !errors.Is(err, gcal.ErrNotFound) && !errors.Is(err, gcal.ErrSyncTokenExpired) {
		return fmt.Errorf("update main copy %s: %w", mapping.MainEventID, err)
	}

	created, cerr := r.mainAPI.CreateEvent(ctx, r.user.MainCalendarID, payload)
	if cerr != nil {
		return fmt.Errorf("recreate main copy: %w", cerr)
	}
	if rerr := r.eng.db.RepointMappingMainEvent(mapping.ID, created.Id); rerr != nil {
		return rerr
	}
	mapping.MainEventID = created.Id
	return nil
}

// tearDownMapping deletes the mapping's remote artifacts and then its
// rows. A row is dropped only when the remote side is confirmed deleted
// or already gone, so a failed teardown can be retried.
func (r *userRun) tearDownMapping(ctx context.Context, mapping *db.EventMapping, deleteMainCopy bool, stats *batchStats) error {
	var errs []error

	if deleteMainCopy {
		if err := r.mainAPI.DeleteEvent(ctx, r.user.MainCalendarID, mapping.MainEventID); err != nil {
			errs = append(errs, fmt.Errorf("delete main copy %s: %w", mapping.MainEventID, err))
		}
	}

	blocks, err := r.eng.db.GetBusyBlocksByMapping(mapping.ID)
	if err != nil {
		return err
	}
	var confirmed []int64
	for _, block := range blocks {
		target, terr := r.deletionTarget(ctx, block.AttachmentID)
		if terr != nil {
			errs = append(errs, terr)
			continue
		}
		if derr := target.api.DeleteEvent(ctx, target.calendarID, block.BusyBlockEventID); derr != nil {
			errs = append(errs, fmt.Errorf("delete busy block %s: %w", block.BusyBlockEventID, derr))
			continue
		}
		confirmed = append(confirmed, block.ID)
	}
	if err := r.eng.db.DeleteBusyBlocks(confirmed); err != nil {
		return err
	}

	if len(errs) > 0 {
		// Keep the mapping so a later pass retries the leftovers.
		return errors.Join(errs...)
	}

	if mapping.IsRecurring {
		if err := r.eng.db.SoftDeleteMapping(mapping.ID); err != nil {
			return err
		}
	} else {
		if err := r.eng.db.DeleteMapping(mapping.ID); err != nil && !errors.Is(err, db.ErrNotFound) {
			return err
		}
	}
	stats.deleted++
	return nil
}

// deletionTarget resolves the api and calendar id for a busy block's
// attachment, active or not.
type target struct {
	api        gcal.CalendarAPI
	calendarID string
}

func (r *userRun) deletionTarget(ctx context.Context, attachmentID int64) (*target, error) {
	att, err := r.eng.db.GetAttachmentByID(attachmentID)
	if err != nil {
		return nil, fmt.Errorf("load attachment %d: %w", attachmentID, err)
	}
	api, err := r.apiForAttachment(ctx, att)
	if err != nil {
		return nil, err
	}
	return &target{api: api, calendarID: att.CalendarID}, nil
}

// clientToMainCopy computes the full detail copy written to main for a
// client-origin event. Attendees are never propagated; they are
// flattened into a description footer.
func (r *userRun) clientToMainCopy(att *db.CalendarAttachment, label string, event *calendar.Event) *calendar.Event {
	copy := &calendar.Event{
		Summary:      fmt.Sprintf("%s [%s] %s", r.eng.opts.ManagedPrefix, label, event.Summary),
		Description:  event.Description,
		Location:     event.Location,
		Start:        gcal.MirrorDateTime(event.Start),
		End:          gcal.MirrorDateTime(event.End),
		Transparency: event.Transparency,
		Recurrence:   event.Recurrence,
	}
	if att.ColorID != "" {
		copy.ColorId = att.ColorID
	}
	if footer := attendeeFooter(event); footer != "" {
		if copy.Description != "" {
			copy.Description += "\n\n"
		}
		copy.Description += footer
	}
	gcal.TagEvent(copy)
	return copy
}

// busyBlockPayload computes the opaque artifact written to calendars
// that should only see unavailability.
func (r *userRun) busyBlockPayload(title string, event *calendar.Event) *calendar.Event {
	block := &calendar.Event{
		Summary:      fmt.Sprintf("%s %s", r.eng.opts.ManagedPrefix, title),
		Start:        gcal.MirrorDateTime(event.Start),
		End:          gcal.MirrorDateTime(event.End),
		Transparency: transparencyOpaque,
		Visibility:   "private",
		Recurrence:   event.Recurrence,
	}
	gcal.TagEvent(block)
	return block
}

func (r *userRun) newClientMapping(att *db.CalendarAttachment, event *calendar.Event, mainEventID string) *db.EventMapping {
	mapping := &db.EventMapping{
		UserID:             r.user.ID,
		OriginKind:         db.OriginClient,
		OriginAttachmentID: &att.ID,
		OriginCalendar:     att.CalendarID,
		OriginEventID:      event.Id,
		MainEventID:        mainEventID,
		UserCanEdit:        r.userCanEdit(att, event),
	}
	refreshMappingTimes(mapping, event)
	return mapping
}

// sourceLabel returns the bracketed label carried in derived summaries,
// the attachment display name or the account email.
func (r *userRun) sourceLabel(ctx context.Context, att *db.CalendarAttachment) (string, error) {
	label := att.DisplayName
	if label == "" {
		account, err := r.eng.db.GetAccountByID(att.AccountID)
		if err != nil {
			return "", err
		}
		label = account.Email
	}
	if len(label) > maxSourceLabelLen {
		label = label[:maxSourceLabelLen]
	}
	return label, nil
}

// userCanEdit captures the origin-side permission: the user organizes or
// created the event, or guests may modify it.
func (r *userRun) userCanEdit(att *db.CalendarAttachment, event *calendar.Event) bool {
	if event.GuestsCanModify {
		return true
	}
	if event.Organizer != nil && (event.Organizer.Self || event.Organizer.Email == att.CalendarID) {
		return true
	}
	if event.Creator != nil && (event.Creator.Self || event.Creator.Email == att.CalendarID) {
		return true
	}
	return false
}

func refreshMappingTimes(mapping *db.EventMapping, event *calendar.Event) {
	mapping.IsAllDay = gcal.IsAllDay(event.Start)
	mapping.IsRecurring = len(event.Recurrence) > 0 || event.RecurringEventId != ""
	if start, err := gcal.ParseEventTime(event.Start); err == nil {
		utc := start.UTC()
		mapping.EventStart = &utc
	}
	if end, err := gcal.ParseEventTime(event.End); err == nil {
		utc := end.UTC()
		mapping.EventEnd = &utc
	}
}

// isBusyWorthy implements the fan-out predicate: cancelled events,
// declined events, and all-day events marked free produce no busy block.
func isBusyWorthy(event *calendar.Event) bool {
	if event.Status == statusCancelled {
		return false
	}
	if isDeclinedBySelf(event) {
		return false
	}
	if gcal.IsAllDay(event.Start) && event.Transparency == transparencyTransparent {
		return false
	}
	return true
}

func isDeclinedBySelf(event *calendar.Event) bool {
	for _, attendee := range event.Attendees {
		if attendee != nil && attendee.Self && attendee.ResponseStatus == responseDeclined {
			return true
		}
	}
	return false
}

func attendeeFooter(event *calendar.Event) string {
	if len(event.Attendees) == 0 {
		return ""
	}
	var names []string
	for _, attendee := range event.Attendees {
		if attendee == nil || attendee.Self {
			continue
		}
		if attendee.DisplayName != "" {
			names = append(names, attendee.DisplayName)
		} else if attendee.Email != "" {
			names = append(names, attendee.Email)
		}
	}
	if len(names) == 0 {
		return ""
	}
	return "Attendees: " + strings.Join(names, ", ")
}
