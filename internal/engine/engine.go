// Package engine implements the sync rules: it consumes batches of
// observed remote events and maintains the mapping invariants between
// each user's main calendar and its attached client and personal
// calendars.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/calsyncd/calsyncd/internal/db"
	"github.com/calsyncd/calsyncd/internal/gcal"
)

var (
	ErrAttachmentInactive = errors.New("attachment is not active")
	ErrNoMainCalendar     = errors.New("user has no main calendar configured")
)

// ClientProvider builds an authenticated gateway client per account.
type ClientProvider interface {
	ClientFor(ctx context.Context, account *db.Account) (gcal.CalendarAPI, error)
}

// AlertQueue enqueues deduplicated user-facing alerts.
type AlertQueue interface {
	Enqueue(userID *int64, recipient, subject, body string) (bool, error)
}

// Options holds the engine's naming and alerting knobs.
type Options struct {
	ManagedPrefix         string
	ClientBusyTitle       string
	PersonalBusyTitle     string
	FailureAlertThreshold int
}

// Engine applies per-event sync rules against the mapping store.
type Engine struct {
	db       *db.DB
	provider ClientProvider
	alerts   AlertQueue
	opts     Options
}

// New creates an Engine.
func New(database *db.DB, provider ClientProvider, alerts AlertQueue, opts Options) *Engine {
	if opts.FailureAlertThreshold <= 0 {
		opts.FailureAlertThreshold = 5
	}
	return &Engine{db: database, provider: provider, alerts: alerts, opts: opts}
}

// userRun carries the per-sync-run context: the user, their gateway
// clients by account, and the active attachment set.
type userRun struct {
	eng         *Engine
	user        *db.User
	mainAPI     gcal.CalendarAPI
	apis        map[int64]gcal.CalendarAPI
	attachments []*db.CalendarAttachment
}

func (e *Engine) newUserRun(ctx context.Context, user *db.User) (*userRun, error) {
	if user.MainAccountID == nil || user.MainCalendarID == "" {
		return nil, fmt.Errorf("%w: user %d", ErrNoMainCalendar, user.ID)
	}

	run := &userRun{eng: e, user: user, apis: map[int64]gcal.CalendarAPI{}}

	mainAPI, err := run.apiForAccount(ctx, *user.MainAccountID)
	if err != nil {
		return nil, err
	}
	run.mainAPI = mainAPI

	run.attachments, err = e.db.GetActiveAttachmentsByUserID(user.ID)
	if err != nil {
		return nil, err
	}
	return run, nil
}

func (r *userRun) apiForAccount(ctx context.Context, accountID int64) (gcal.CalendarAPI, error) {
	if api, ok := r.apis[accountID]; ok {
		return api, nil
	}
	account, err := r.eng.db.GetAccountByID(accountID)
	if err != nil {
		return nil, fmt.Errorf("load account %d: %w", accountID, err)
	}
	api, err := r.eng.provider.ClientFor(ctx, account)
	if err != nil {
		return nil, err
	}
	r.apis[accountID] = api
	return api, nil
}

func (r *userRun) apiForAttachment(ctx context.Context, att *db.CalendarAttachment) (gcal.CalendarAPI, error) {
	return r.apiForAccount(ctx, att.AccountID)
}

// activeClients returns the busy-block fan-out targets, excluding the
// given attachment id (zero excludes nothing).
func (r *userRun) activeClients(excludeAttachmentID int64) []*db.CalendarAttachment {
	var out []*db.CalendarAttachment
	for _, att := range r.attachments {
		if att.Kind != db.AttachmentClient || att.ID == excludeAttachmentID {
			continue
		}
		out = append(out, att)
	}
	return out
}

// ingest fetches one batch from the change stream, promoting to a full
// re-list when the stored token has expired.
func ingest(ctx context.Context, api gcal.CalendarAPI, calendarID, syncToken string) (*gcal.ListResult, error) {
	batch, err := api.ListEvents(ctx, calendarID, syncToken)
	if errors.Is(err, gcal.ErrSyncTokenExpired) {
		log.Printf("[Engine] sync token expired for %s, performing full re-list", calendarID)
		batch, err = api.ListEvents(ctx, calendarID, "")
	}
	return batch, err
}

// batchStats aggregates per-event outcomes of one sync run.
type batchStats struct {
	processed int
	created   int
	updated   int
	deleted   int
	failures  []error
}

func (s *batchStats) fail(eventID string, err error) {
	s.failures = append(s.failures, fmt.Errorf("event %s: %w", eventID, err))
}

// SyncAttachment runs one sync pipeline pass for an attached calendar.
func (e *Engine) SyncAttachment(ctx context.Context, attachmentID int64) error {
	att, err := e.db.GetAttachmentByID(attachmentID)
	if err != nil {
		return err
	}
	if !att.Active {
		return fmt.Errorf("%w: %d", ErrAttachmentInactive, attachmentID)
	}
	user, err := e.db.GetUserByID(att.UserID)
	if err != nil {
		return err
	}
	run, err := e.newUserRun(ctx, user)
	if err != nil {
		return e.recordRunFailure(att.UserID, att.ID, err)
	}

	state, err := e.db.GetOrCreateAttachmentSyncState(att.ID)
	if err != nil {
		return err
	}

	api, err := run.apiForAttachment(ctx, att)
	if err != nil {
		return e.recordFailure(state, att.UserID, att.ID, user.Email, err)
	}

	started := time.Now()
	batch, err := ingest(ctx, api, att.CalendarID, state.SyncToken)
	if err != nil {
		return e.recordFailure(state, att.UserID, att.ID, user.Email, err)
	}

	stats := &batchStats{}
	for _, event := range batch.Events {
		stats.processed++
		var evErr error
		switch att.Kind {
		case db.AttachmentClient:
			evErr = run.handleClientEvent(ctx, att, event, stats)
		case db.AttachmentPersonal:
			evErr = run.handlePersonalEvent(ctx, att, event, stats)
		}
		if evErr != nil {
			log.Printf("[Engine] attachment %d event %s: %v", att.ID, event.Id, evErr)
			stats.fail(event.Id, evErr)
		}
	}

	return e.finishRun(state, att.UserID, att.ID, user.Email, batch, stats, started)
}

// SyncMain runs one sync pipeline pass for a user's main calendar.
func (e *Engine) SyncMain(ctx context.Context, userID int64) error {
	user, err := e.db.GetUserByID(userID)
	if err != nil {
		return err
	}
	run, err := e.newUserRun(ctx, user)
	if err != nil {
		return e.recordRunFailure(userID, 0, err)
	}

	state, err := e.db.GetOrCreateMainSyncState(userID)
	if err != nil {
		return err
	}

	started := time.Now()
	batch, err := ingest(ctx, run.mainAPI, user.MainCalendarID, state.SyncToken)
	if err != nil {
		return e.recordFailure(state, userID, 0, user.Email, err)
	}

	stats := &batchStats{}
	for _, event := range batch.Events {
		stats.processed++
		if evErr := run.handleMainEvent(ctx, event, stats); evErr != nil {
			log.Printf("[Engine] main calendar of user %d event %s: %v", userID, event.Id, evErr)
			stats.fail(event.Id, evErr)
		}
	}

	return e.finishRun(state, userID, 0, user.Email, batch, stats, started)
}

// finishRun advances the sync token only on a fully clean batch, records
// the outcome, and raises an alert when the failure streak crosses the
// threshold.
func (e *Engine) finishRun(state *db.SyncState, userID, attachmentID int64, recipient string,
	batch *gcal.ListResult, stats *batchStats, started time.Time) error {

	entry := &db.SyncLog{
		UserID:          userID,
		AttachmentID:    attachmentID,
		EventsProcessed: stats.processed,
		EventsCreated:   stats.created,
		EventsUpdated:   stats.updated,
		EventsDeleted:   stats.deleted,
		EventsFailed:    len(stats.failures),
		DurationMS:      time.Since(started).Milliseconds(),
	}

	if len(stats.failures) == 0 {
		if batch.NextSyncToken != "" {
			if err := e.db.AdvanceSyncToken(state, batch.NextSyncToken, batch.FullSync); err != nil {
				return err
			}
		}
		entry.Status = db.SyncStatusSuccess
		if err := e.db.InsertSyncLog(entry); err != nil {
			log.Printf("[Engine] failed to write sync log: %v", err)
		}
		return nil
	}

	entry.Status = db.SyncStatusPartial
	entry.Message = fmt.Sprintf("%d of %d events failed: %v",
		len(stats.failures), stats.processed, errors.Join(stats.failures...))
	if err := e.db.InsertSyncLog(entry); err != nil {
		log.Printf("[Engine] failed to write sync log: %v", err)
	}

	count, err := e.db.RecordSyncFailure(state, entry.Message)
	if err != nil {
		return err
	}
	e.maybeAlert(userID, attachmentID, recipient, count, entry.Message)
	return fmt.Errorf("sync batch had %d failures", len(stats.failures))
}

// recordFailure handles a calendar-level failure (ingest or client
// construction), before any events were processed.
func (e *Engine) recordFailure(state *db.SyncState, userID, attachmentID int64, recipient string, cause error) error {
	entry := &db.SyncLog{
		UserID:       userID,
		AttachmentID: attachmentID,
		Status:       db.SyncStatusError,
		Message:      cause.Error(),
	}
	if err := e.db.InsertSyncLog(entry); err != nil {
		log.Printf("[Engine] failed to write sync log: %v", err)
	}

	if gcal.IsInvalidGrant(cause) {
		// Permanent credential failure. Leave the sync state untouched
		// so a manual re-auth can pick up where it left off.
		e.enqueueAlert(userID, recipient, "Calendar access revoked",
			"The connection to one of your calendars was revoked. Please reconnect the account.")
		return cause
	}

	count, err := e.db.RecordSyncFailure(state, cause.Error())
	if err != nil {
		return err
	}
	e.maybeAlert(userID, attachmentID, recipient, count, cause.Error())
	return cause
}

// recordRunFailure logs a failure that happened before a sync state was
// available.
func (e *Engine) recordRunFailure(userID, attachmentID int64, cause error) error {
	entry := &db.SyncLog{
		UserID:       userID,
		AttachmentID: attachmentID,
		Status:       db.SyncStatusError,
		Message:      cause.Error(),
	}
	if err := e.db.InsertSyncLog(entry); err != nil {
		log.Printf("[Engine] failed to write sync log: %v", err)
	}
	return cause
}

func (e *Engine) maybeAlert(userID, attachmentID int64, recipient string, consecutive int, detail string) {
	if consecutive != e.opts.FailureAlertThreshold {
		return
	}
	target := "your main calendar"
	if attachmentID != 0 {
		target = fmt.Sprintf("an attached calendar (#%d)", attachmentID)
	}
	e.enqueueAlert(userID, recipient, "Calendar sync is failing",
		fmt.Sprintf("Synchronization of %s has failed %d times in a row. Last error: %s",
			target, consecutive, detail))
}

func (e *Engine) enqueueAlert(userID int64, recipient, subject, body string) {
	if e.alerts == nil {
		return
	}
	uid := userID
	if _, err := e.alerts.Enqueue(&uid, recipient, subject, body); err != nil {
		log.Printf("[Engine] failed to enqueue alert for user %d: %v", userID, err)
	}
}
