// Package reconcile repairs drift between remote calendar truth and the
// mapping store. It walks live mappings, probes both sides of each one,
// and issues the minimum set of repairs; in dry-run mode it only reports
// what it would do.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"log"

	"github.com/calsyncd/calsyncd/internal/db"
	"github.com/calsyncd/calsyncd/internal/engine"
)

// Action names one planned or executed repair.
type Action struct {
	Action  string `json:"action"`
	EventID string `json:"event_id"`
	Summary string `json:"summary"`
}

const (
	ActionDelete  = "delete"
	ActionCreate  = "create"
	ActionCleanup = "cleanup"
)

// Reconciler walks mappings and repairs drift.
type Reconciler struct {
	db  *db.DB
	eng *engine.Engine
}

// New creates a Reconciler.
func New(database *db.DB, eng *engine.Engine) *Reconciler {
	return &Reconciler{db: database, eng: eng}
}

// ReconcileAll reconciles every user with a configured main calendar.
// Per-user failures are logged and do not stop the walk.
func (r *Reconciler) ReconcileAll(ctx context.Context, dryRun bool) ([]Action, error) {
	users, err := r.db.ListUsersWithMainCalendar()
	if err != nil {
		return nil, err
	}

	var all []Action
	for _, user := range users {
		actions, uerr := r.ReconcileUser(ctx, user.ID, dryRun)
		if uerr != nil {
			log.Printf("[Reconcile] user %d: %v", user.ID, uerr)
			continue
		}
		all = append(all, actions...)
	}
	return all, nil
}

// ReconcileUser reconciles one user's mappings.
func (r *Reconciler) ReconcileUser(ctx context.Context, userID int64, dryRun bool) ([]Action, error) {
	user, err := r.db.GetUserByID(userID)
	if err != nil {
		return nil, err
	}
	session, err := r.eng.NewSession(ctx, user)
	if err != nil {
		return nil, err
	}

	live, err := r.db.GetLiveMappingsByUserID(userID)
	if err != nil {
		return nil, err
	}

	var actions []Action
	var errs []error
	for _, mapping := range live {
		action, merr := r.reconcileMapping(ctx, session, mapping, dryRun)
		if merr != nil {
			errs = append(errs, fmt.Errorf("mapping %d: %w", mapping.ID, merr))
			continue
		}
		if action != nil {
			actions = append(actions, *action)
		}
	}

	// Soft-deleted mappings may still have busy blocks on remote.
	soft, err := r.db.GetSoftDeletedMappingsByUserID(userID)
	if err != nil {
		return nil, err
	}
	for _, mapping := range soft {
		blocks, berr := r.db.GetBusyBlocksByMapping(mapping.ID)
		if berr != nil {
			errs = append(errs, berr)
			continue
		}
		if len(blocks) == 0 {
			continue
		}
		actions = append(actions, Action{
			Action:  ActionCleanup,
			EventID: mapping.MainEventID,
			Summary: fmt.Sprintf("remove %d leftover busy blocks of soft-deleted mapping", len(blocks)),
		})
		if dryRun {
			continue
		}
		if cerr := session.CleanupSoftDeleted(ctx, mapping); cerr != nil {
			errs = append(errs, fmt.Errorf("mapping %d: %w", mapping.ID, cerr))
		}
	}

	if !dryRun {
		log.Printf("[Reconcile] user %d: %d actions, %d errors", userID, len(actions), len(errs))
	}
	return actions, errors.Join(errs...)
}

// ReconcileAttachment reconciles only the mappings originating from one
// attachment.
func (r *Reconciler) ReconcileAttachment(ctx context.Context, attachmentID int64, dryRun bool) ([]Action, error) {
	att, err := r.db.GetAttachmentByID(attachmentID)
	if err != nil {
		return nil, err
	}
	user, err := r.db.GetUserByID(att.UserID)
	if err != nil {
		return nil, err
	}
	session, err := r.eng.NewSession(ctx, user)
	if err != nil {
		return nil, err
	}

	mappings, err := r.db.GetMappingsByOriginAttachment(attachmentID)
	if err != nil {
		return nil, err
	}

	var actions []Action
	var errs []error
	for _, mapping := range mappings {
		if !mapping.Live() {
			continue
		}
		action, merr := r.reconcileMapping(ctx, session, mapping, dryRun)
		if merr != nil {
			errs = append(errs, fmt.Errorf("mapping %d: %w", mapping.ID, merr))
			continue
		}
		if action != nil {
			actions = append(actions, *action)
		}
	}
	return actions, errors.Join(errs...)
}

// reconcileMapping probes both sides of one live mapping and applies the
// repair cases.
func (r *Reconciler) reconcileMapping(ctx context.Context, session *engine.Session, mapping *db.EventMapping, dryRun bool) (*Action, error) {
	origin, err := session.ProbeOrigin(ctx, mapping)
	if err != nil {
		return nil, fmt.Errorf("probe origin: %w", err)
	}

	// Main-origin mappings have no separate derived copy; the origin
	// probe covers both sides.
	if mapping.OriginKind == db.OriginMain {
		if origin != nil {
			return nil, nil
		}
		action := &Action{
			Action:  ActionDelete,
			EventID: mapping.OriginEventID,
			Summary: "origin gone from main, removing busy blocks",
		}
		if dryRun {
			return action, nil
		}
		return action, session.RemoveMappingArtifacts(ctx, mapping, false)
	}

	mainCopy, err := session.ProbeMainCopy(ctx, mapping)
	if err != nil {
		return nil, fmt.Errorf("probe main copy: %w", err)
	}

	switch {
	case origin == nil && mainCopy != nil:
		action := &Action{
			Action:  ActionDelete,
			EventID: mapping.MainEventID,
			Summary: "origin gone, deleting derived copy and busy blocks",
		}
		if dryRun {
			return action, nil
		}
		return action, session.RemoveMappingArtifacts(ctx, mapping, true)

	case origin == nil && mainCopy == nil:
		// Both sides gone: only the rows are stale.
		action := &Action{
			Action:  ActionDelete,
			EventID: mapping.MainEventID,
			Summary: "origin and derived copy both gone, dropping rows",
		}
		if dryRun {
			return action, nil
		}
		return action, session.RemoveMappingArtifacts(ctx, mapping, false)

	case origin != nil && mainCopy == nil:
		action := &Action{
			Action:  ActionCreate,
			EventID: mapping.MainEventID,
			Summary: fmt.Sprintf("derived copy missing, recreating from origin %s", mapping.OriginEventID),
		}
		if dryRun {
			return action, nil
		}
		newID, cerr := session.RecreateMainCopy(ctx, mapping, origin)
		if cerr != nil {
			return nil, cerr
		}
		action.EventID = newID
		return action, nil
	}

	return nil, nil
}
