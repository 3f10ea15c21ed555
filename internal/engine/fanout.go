package engine

import (
	"context"
	"errors"
	"fmt"

	"google.golang.org/api/calendar/v3"

	"github.com/calsyncd/calsyncd/internal/db"
	"github.com/calsyncd/calsyncd/internal/gcal"
)

// fanOut maintains the mapping's busy-block set across the user's
// active client calendars, excluding the origin attachment. The DB row
// is the authoritative index: it is written only after a remote create
// succeeded, and repointed only after a replacement create succeeded.
func (r *userRun) fanOut(ctx context.Context, mapping *db.EventMapping, originEvent *calendar.Event, excludeAttachmentID int64, stats *batchStats) error {
	if !isBusyWorthy(originEvent) {
		return r.removeBusyBlocks(ctx, mapping, stats)
	}

	payload := r.busyBlockPayload(r.eng.opts.ClientBusyTitle, originEvent)

	var errs []error
	for _, att := range r.activeClients(excludeAttachmentID) {
		if err := r.syncBusyBlock(ctx, mapping, att, payload, stats); err != nil {
			errs = append(errs, fmt.Errorf("attachment %d: %w", att.ID, err))
		}
	}
	return errors.Join(errs...)
}

func (r *userRun) syncBusyBlock(ctx context.Context, mapping *db.EventMapping, att *db.CalendarAttachment, payload *calendar.Event, stats *batchStats) error {
	api, err := r.apiForAttachment(ctx, att)
	if err != nil {
		return err
	}

	block, err := r.eng.db.GetBusyBlock(mapping.ID, att.ID)
	if errors.Is(err, db.ErrNotFound) {
		created, cerr := api.CreateEvent(ctx, att.CalendarID, payload)
		if cerr != nil {
			return fmt.Errorf("create busy block: %w", cerr)
		}
		block = &db.BusyBlock{
			MappingID:        mapping.ID,
			AttachmentID:     att.ID,
			BusyBlockEventID: created.Id,
		}
		if berr := r.eng.db.CreateBusyBlock(block); berr != nil {
			if !errors.Is(berr, db.ErrDuplicate) {
				return berr
			}
			// A concurrent run inserted the row between the lookup and
			// the create. Its remote event is the indexed one; the event
			// just created is surplus and must not be left orphaned.
			if derr := api.DeleteEvent(ctx, att.CalendarID, created.Id); derr != nil {
				return fmt.Errorf("delete surplus busy block %s: %w", created.Id, derr)
			}
			return nil
		}
		stats.created++
		return nil
	}
	if err != nil {
		return err
	}

	_, err = api.UpdateEvent(ctx, att.CalendarID, block.BusyBlockEventID, payload)
	if err == nil {
		stats.updated++
		return nil
	}
	if !errors.Is(err, gcal.ErrNotFound) {
		return fmt.Errorf("update busy block %s: %w", block.BusyBlockEventID, err)
	}

	// The remote artifact vanished: create a replacement, then repoint
	// the row. The old remote id is already gone, nothing to clean up.
	created, cerr := api.CreateEvent(ctx, att.CalendarID, payload)
	if cerr != nil {
		return fmt.Errorf("recreate busy block: %w", cerr)
	}
	if rerr := r.eng.db.RepointBusyBlock(block.ID, created.Id); rerr != nil {
		return rerr
	}
	stats.updated++
	return nil
}

// removeBusyBlocks deletes every busy block of a mapping, dropping rows
// only for remotes confirmed deleted or already gone.
func (r *userRun) removeBusyBlocks(ctx context.Context, mapping *db.EventMapping, stats *batchStats) error {
	blocks, err := r.eng.db.GetBusyBlocksByMapping(mapping.ID)
	if err != nil {
		return err
	}

	var errs []error
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
	if len(confirmed) > 0 {
		stats.deleted++
	}
	if err := r.eng.db.DeleteBusyBlocks(confirmed); err != nil {
		return err
	}
	return errors.Join(errs...)
}
