// Package scheduler drives the background jobs: periodic sync,
// consistency checks, webhook channel renewal, token refresh, alert
// delivery, backups, and retention cleanup. Per-calendar mutexes keep
// one sync in flight per calendar; database job locks keep one instance
// running each named job.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/calsyncd/calsyncd/internal/backup"
	"github.com/calsyncd/calsyncd/internal/db"
	"github.com/calsyncd/calsyncd/internal/engine"
	"github.com/calsyncd/calsyncd/internal/gcal"
	"github.com/calsyncd/calsyncd/internal/notify"
	"github.com/calsyncd/calsyncd/internal/reconcile"
)

const (
	syncTimeout = 10 * time.Minute // Maximum time for a single sync operation
	jobTimeout  = 30 * time.Minute // Maximum time for a whole named job run

	// Channels are renewed once they expire within this horizon.
	channelRenewalHorizon = 24 * time.Hour

	// Tokens are refreshed once they expire within this horizon.
	tokenRefreshHorizon = time.Hour

	alertBatchSize = 50
)

// Job names double as database lock keys.
const (
	JobPeriodicSync     = "periodic_sync"
	JobConsistencyCheck = "consistency_check"
	JobWebhookRenewal   = "webhook_renewal"
	JobTokenRefresh     = "token_refresh"
	JobAlertProcess     = "alert_process"
	JobBackup           = "backup"
	JobRetentionCleanup = "retention_cleanup"
)

// Config holds job intervals and retention windows.
type Config struct {
	SyncInterval           time.Duration
	ConsistencyInterval    time.Duration
	WebhookRenewalInterval time.Duration
	TokenRefreshInterval   time.Duration
	AlertProcessInterval   time.Duration
	BackupInterval         time.Duration
	RetentionInterval      time.Duration

	RetentionEventDays        int
	RetentionLogDays          int
	RetentionDisconnectedDays int
	RetentionAlertDays        int

	// WebhookBaseURL is the externally reachable base for push
	// notification callbacks.
	WebhookBaseURL string
}

// Scheduler manages the background job loops.
type Scheduler struct {
	db         *db.DB
	eng        *engine.Engine
	provider   *gcal.Provider
	reconciler *reconcile.Reconciler
	backups    *backup.Manager
	notifier   *notify.Notifier
	cfg        Config

	// owner identifies this process in database job locks.
	owner string

	mu        sync.Mutex
	syncLocks map[string]*sync.Mutex // Per-calendar locks to prevent concurrent syncs

	wg      sync.WaitGroup
	ctx     context.Context
	cancel  context.CancelFunc
	started bool
}

// New creates a scheduler.
func New(database *db.DB, eng *engine.Engine, provider *gcal.Provider, reconciler *reconcile.Reconciler, backups *backup.Manager, notifier *notify.Notifier, cfg Config) *Scheduler {
	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		db:         database,
		eng:        eng,
		provider:   provider,
		reconciler: reconciler,
		backups:    backups,
		notifier:   notifier,
		cfg:        cfg,
		owner:      uuid.New().String(),
		syncLocks:  make(map[string]*sync.Mutex),
		ctx:        ctx,
		cancel:     cancel,
	}
}

// Start launches all job loops.
func (s *Scheduler) Start() {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return
	}
	s.started = true
	s.mu.Unlock()

	s.spawn(JobPeriodicSync, s.cfg.SyncInterval, true, s.runPeriodicSync)
	s.spawn(JobConsistencyCheck, s.cfg.ConsistencyInterval, false, s.runConsistencyCheck)
	s.spawn(JobWebhookRenewal, s.cfg.WebhookRenewalInterval, true, s.runWebhookRenewal)
	s.spawn(JobTokenRefresh, s.cfg.TokenRefreshInterval, true, s.runTokenRefresh)
	s.spawn(JobAlertProcess, s.cfg.AlertProcessInterval, true, s.runAlertProcess)
	s.spawn(JobBackup, s.cfg.BackupInterval, false, s.runBackup)
	s.spawn(JobRetentionCleanup, s.cfg.RetentionInterval, false, s.runRetentionCleanup)

	log.Println("[Scheduler] started")
}

// Stop shuts down all job loops and waits for in-flight runs.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return
	}
	s.started = false
	s.mu.Unlock()

	s.cancel()
	s.wg.Wait()
	log.Println("[Scheduler] stopped")
}

// spawn runs a named job on a ticker. immediate jobs also run once at
// startup.
func (s *Scheduler) spawn(name string, interval time.Duration, immediate bool, fn func(context.Context) error) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()

		if immediate {
			s.runJob(name, interval, fn)
		}

		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-s.ctx.Done():
				return
			case <-ticker.C:
				s.runJob(name, interval, fn)
			}
		}
	}()
}

// runJob executes one named job run under its database lock. A lock
// held longer than twice the interval is considered abandoned.
func (s *Scheduler) runJob(name string, interval time.Duration, fn func(context.Context) error) {
	reclaimAfter := 2 * interval
	if reclaimAfter < jobTimeout {
		reclaimAfter = jobTimeout
	}

	acquired, err := s.db.AcquireJobLock(name, s.owner, reclaimAfter)
	if err != nil {
		log.Printf("[Scheduler] %s: acquire lock: %v", name, err)
		return
	}
	if !acquired {
		return
	}
	defer func() {
		if err := s.db.ReleaseJobLock(name, s.owner); err != nil {
			log.Printf("[Scheduler] %s: release lock: %v", name, err)
		}
	}()

	ctx, cancel := context.WithTimeout(s.ctx, jobTimeout)
	defer cancel()

	if err := fn(ctx); err != nil {
		log.Printf("[Scheduler] %s: %v", name, err)
	}
}

// paused reports the global pause flag. Errors read as paused so a
// broken settings table cannot unpause a restore in progress.
func (s *Scheduler) paused() bool {
	paused, err := s.db.GetBoolSetting(db.SettingSyncPaused, false)
	if err != nil {
		log.Printf("[Scheduler] read pause flag: %v", err)
		return true
	}
	return paused
}

// calendarLock returns the single-flight mutex for a calendar key.
func (s *Scheduler) calendarLock(key string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()

	if lock, exists := s.syncLocks[key]; exists {
		return lock
	}
	lock := &sync.Mutex{}
	s.syncLocks[key] = lock
	return lock
}

// runPeriodicSync syncs every user's main calendar and active
// attachments.
func (s *Scheduler) runPeriodicSync(ctx context.Context) error {
	if s.paused() {
		return nil
	}

	users, err := s.db.ListUsersWithMainCalendar()
	if err != nil {
		return err
	}

	for _, user := range users {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		s.syncMain(user.ID)

		attachments, aerr := s.db.GetActiveAttachmentsByUserID(user.ID)
		if aerr != nil {
			log.Printf("[Scheduler] list attachments for user %d: %v", user.ID, aerr)
			continue
		}
		for _, att := range attachments {
			s.syncAttachment(att.ID)
		}
	}
	return nil
}

// syncAttachment runs one attachment sync under its calendar lock. A
// sync already in flight makes this a no-op; the next tick covers it.
func (s *Scheduler) syncAttachment(attachmentID int64) {
	lock := s.calendarLock(fmt.Sprintf("client:%d", attachmentID))
	if !lock.TryLock() {
		log.Printf("[Scheduler] skipping attachment %d - sync already in progress", attachmentID)
		return
	}
	defer lock.Unlock()

	ctx, cancel := context.WithTimeout(s.ctx, syncTimeout)
	defer cancel()

	if err := s.eng.SyncAttachment(ctx, attachmentID); err != nil {
		log.Printf("[Scheduler] sync attachment %d: %v", attachmentID, err)
	}
}

// syncMain runs one main-calendar sync under its calendar lock.
func (s *Scheduler) syncMain(userID int64) {
	lock := s.calendarLock(fmt.Sprintf("main:%d", userID))
	if !lock.TryLock() {
		log.Printf("[Scheduler] skipping main calendar of user %d - sync already in progress", userID)
		return
	}
	defer lock.Unlock()

	ctx, cancel := context.WithTimeout(s.ctx, syncTimeout)
	defer cancel()

	if err := s.eng.SyncMain(ctx, userID); err != nil {
		log.Printf("[Scheduler] sync main calendar of user %d: %v", userID, err)
	}
}

// TriggerSyncForCalendar queues an immediate sync of one attachment,
// typically on a push notification. Returns false when sync is paused.
func (s *Scheduler) TriggerSyncForCalendar(attachmentID int64) bool {
	if s.paused() {
		return false
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.syncAttachment(attachmentID)
	}()
	return true
}

// TriggerSyncForMainCalendar queues an immediate sync of a user's main
// calendar. Returns false when sync is paused.
func (s *Scheduler) TriggerSyncForMainCalendar(userID int64) bool {
	if s.paused() {
		return false
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.syncMain(userID)
	}()
	return true
}

// TriggerSyncForUser queues an immediate sync of everything the user
// owns. Returns false when sync is paused.
func (s *Scheduler) TriggerSyncForUser(userID int64) bool {
	if s.paused() {
		return false
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.syncMain(userID)
		attachments, err := s.db.GetActiveAttachmentsByUserID(userID)
		if err != nil {
			log.Printf("[Scheduler] list attachments for user %d: %v", userID, err)
			return
		}
		for _, att := range attachments {
			s.syncAttachment(att.ID)
		}
	}()
	return true
}

// runConsistencyCheck reconciles every user.
func (s *Scheduler) runConsistencyCheck(ctx context.Context) error {
	if s.paused() {
		return nil
	}
	_, err := s.reconciler.ReconcileAll(ctx, false)
	return err
}

// runTokenRefresh proactively refreshes credentials nearing expiry so
// webhook-driven syncs never stall on a token exchange.
func (s *Scheduler) runTokenRefresh(ctx context.Context) error {
	accounts, err := s.db.ListAccountsExpiringBefore(time.Now().UTC().Add(tokenRefreshHorizon))
	if err != nil {
		return err
	}

	var errs []error
	for _, account := range accounts {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if rerr := s.provider.RefreshAccount(ctx, account); rerr != nil {
			if errors.Is(rerr, gcal.ErrInvalidGrant) {
				s.alertRevoked(account)
				continue
			}
			errs = append(errs, fmt.Errorf("account %d: %w", account.ID, rerr))
		}
	}
	return errors.Join(errs...)
}

// alertRevoked notifies the owner of a revoked account. The stored
// tokens stay untouched for diagnosis.
func (s *Scheduler) alertRevoked(account *db.Account) {
	user, err := s.db.GetUserByID(account.UserID)
	if err != nil {
		log.Printf("[Scheduler] lookup user %d for revoked account: %v", account.UserID, err)
		return
	}
	subject := fmt.Sprintf("Calendar access revoked for %s", account.Email)
	body := fmt.Sprintf("The stored credentials for %s were rejected with invalid_grant.\n"+
		"Reconnect the account to resume syncing.", account.Email)
	if _, err := s.notifier.Enqueue(&user.ID, user.Email, subject, body); err != nil {
		log.Printf("[Scheduler] enqueue revoked-account alert: %v", err)
	}
}

// runAlertProcess drains the outbound alert queue.
func (s *Scheduler) runAlertProcess(ctx context.Context) error {
	return s.notifier.ProcessQueue(ctx, alertBatchSize)
}

// runBackup takes a scheduled snapshot archive.
func (s *Scheduler) runBackup(ctx context.Context) error {
	meta, err := s.backups.Create(ctx, backup.TypeScheduled, nil)
	if err != nil {
		return err
	}
	log.Printf("[Scheduler] backup %s complete: %d users, %d events, %d errors",
		meta.ID, len(meta.Users), meta.EventCount, len(meta.Errors))
	return nil
}

// runRetentionCleanup applies the retention windows: expired mappings,
// old sync logs, long-disconnected attachments, delivered alerts, and
// surplus backup archives.
func (s *Scheduler) runRetentionCleanup(ctx context.Context) error {
	now := time.Now().UTC()
	var errs []error

	expired, err := s.db.GetExpiredMappings(now.AddDate(0, 0, -s.cfg.RetentionEventDays))
	if err != nil {
		errs = append(errs, err)
	} else {
		for _, mapping := range expired {
			if derr := s.db.DeleteMapping(mapping.ID); derr != nil && !errors.Is(derr, db.ErrNotFound) {
				errs = append(errs, derr)
			}
		}
		if len(expired) > 0 {
			log.Printf("[Scheduler] retention: removed %d expired mappings", len(expired))
		}
	}

	deleted, err := s.db.DeleteSyncLogsBefore(now.AddDate(0, 0, -s.cfg.RetentionLogDays))
	if err != nil {
		errs = append(errs, err)
	} else if deleted > 0 {
		log.Printf("[Scheduler] retention: removed %d sync logs", deleted)
	}

	disconnected, err := s.db.ListAttachmentsDisconnectedBefore(now.AddDate(0, 0, -s.cfg.RetentionDisconnectedDays))
	if err != nil {
		errs = append(errs, err)
	} else {
		for _, att := range disconnected {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if cerr := s.eng.CleanupDisconnected(ctx, att.ID, att.UserID); cerr != nil {
				// Leave the row so the next run retries the cleanup.
				errs = append(errs, cerr)
				continue
			}
			if derr := s.db.DeleteAttachment(att.ID); derr != nil && !errors.Is(derr, db.ErrNotFound) {
				errs = append(errs, derr)
			}
		}
	}

	removedAlerts, err := s.db.DeleteAlertsBefore(now.AddDate(0, 0, -s.cfg.RetentionAlertDays))
	if err != nil {
		errs = append(errs, err)
	} else if removedAlerts > 0 {
		log.Printf("[Scheduler] retention: removed %d alerts", removedAlerts)
	}

	if _, err := s.backups.Prune(); err != nil {
		errs = append(errs, err)
	}

	return errors.Join(errs...)
}
