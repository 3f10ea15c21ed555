package engine

import (
	"context"
	"errors"
	"fmt"
	"log"

	"github.com/calsyncd/calsyncd/internal/db"
	"github.com/calsyncd/calsyncd/internal/gcal"
)

// CleanupDisconnected removes everything associated with an attachment
// after it transitions to inactive: busy blocks other mappings wrote
// onto it, every artifact its own mappings produced elsewhere, its
// webhook channel, and its sync state. Remote deletes are attempted
// first; a DB row is dropped only when the remote side is confirmed
// absent, so a retry has something to retry.
func (e *Engine) CleanupDisconnected(ctx context.Context, attachmentID, userID int64) error {
	att, err := e.db.GetAttachmentByID(attachmentID)
	if err != nil {
		return err
	}
	if att.UserID != userID {
		return fmt.Errorf("attachment %d does not belong to user %d", attachmentID, userID)
	}
	user, err := e.db.GetUserByID(userID)
	if err != nil {
		return err
	}
	run, err := e.newUserRun(ctx, user)
	if err != nil {
		return err
	}

	var errs []error

	// Busy blocks written onto this attachment by other mappings.
	incoming, err := e.db.GetBusyBlocksByAttachment(att.ID)
	if err != nil {
		return err
	}
	api, err := run.apiForAttachment(ctx, att)
	if err != nil {
		// Without a working client for this attachment we can still
		// clean up what its mappings produced elsewhere.
		log.Printf("[Engine] cleanup: no client for attachment %d: %v", att.ID, err)
		errs = append(errs, err)
	} else {
		var confirmed []int64
		for _, block := range incoming {
			if derr := api.DeleteEvent(ctx, att.CalendarID, block.BusyBlockEventID); derr != nil {
				errs = append(errs, fmt.Errorf("delete busy block %s on %d: %w", block.BusyBlockEventID, att.ID, derr))
				continue
			}
			confirmed = append(confirmed, block.ID)
		}
		if derr := e.db.DeleteBusyBlocks(confirmed); derr != nil {
			return derr
		}
	}

	// Mappings originating from this attachment: their main copies and
	// the busy blocks they produced on other attachments.
	mappings, err := e.db.GetMappingsByOriginAttachment(att.ID)
	if err != nil {
		return err
	}
	stats := &batchStats{}
	for _, mapping := range mappings {
		if !mapping.Live() {
			// Soft-deleted rows may still have busy-block leftovers.
			if rerr := run.removeBusyBlocks(ctx, mapping, stats); rerr != nil {
				errs = append(errs, rerr)
				continue
			}
			if derr := e.db.DeleteMapping(mapping.ID); derr != nil && !errors.Is(derr, db.ErrNotFound) {
				errs = append(errs, derr)
			}
			continue
		}
		if terr := run.tearDownMapping(ctx, mapping, true, stats); terr != nil {
			errs = append(errs, terr)
		}
	}

	// Webhook channel: stop remote best-effort, then drop the row.
	channel, cerr := e.db.GetWebhookChannel(userID, db.ChannelAttachment, att.ID)
	if cerr == nil {
		if api != nil {
			if serr := gcal.CloseChannel(ctx, api, channel.ChannelID, channel.ResourceID); serr != nil {
				log.Printf("[Engine] cleanup: stop channel %s: %v", channel.ChannelID, serr)
			}
		}
		if derr := e.db.DeleteWebhookChannelForAttachment(userID, att.ID); derr != nil {
			errs = append(errs, derr)
		}
	} else if !errors.Is(cerr, db.ErrNotFound) {
		errs = append(errs, cerr)
	}

	if serr := e.db.DeleteAttachmentSyncState(att.ID); serr != nil {
		errs = append(errs, serr)
	}

	if len(errs) > 0 {
		return fmt.Errorf("cleanup of attachment %d incomplete: %w", att.ID, errors.Join(errs...))
	}
	log.Printf("[Engine] cleanup of attachment %d complete (%d mappings, %d incoming busy blocks)",
		att.ID, len(mappings), len(incoming))
	return nil
}
