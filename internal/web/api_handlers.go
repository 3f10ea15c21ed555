package web

import (
	"context"
	"errors"
	"log"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"golang.org/x/oauth2"

	"github.com/calsyncd/calsyncd/internal/auth"
	"github.com/calsyncd/calsyncd/internal/backup"
	"github.com/calsyncd/calsyncd/internal/db"
	"github.com/calsyncd/calsyncd/internal/gcal"
	"github.com/calsyncd/calsyncd/internal/reconcile"
)

// sanitizeError logs the full error server-side and returns a user-safe
// message.
func sanitizeError(err error, userMessage string) string {
	if err != nil {
		log.Printf("Error: %s - Details: %v", userMessage, err)
	}
	return userMessage
}

// APICalendarState is one calendar's sync health in the status report.
type APICalendarState struct {
	AttachmentID        int64      `json:"attachment_id"`
	CalendarID          string     `json:"calendar_id"`
	Kind                string     `json:"kind"`
	DisplayName         string     `json:"display_name"`
	LastFullSync        *time.Time `json:"last_full_sync"`
	LastIncrementalSync *time.Time `json:"last_incremental_sync"`
	ConsecutiveFailures int        `json:"consecutive_failures"`
	LastError           string     `json:"last_error"`
}

// APIStatus is the full per-user status report.
type APIStatus struct {
	Health            string             `json:"health"`
	SyncPaused        bool               `json:"sync_paused"`
	RestoreIncomplete bool               `json:"restore_incomplete"`
	MainConfigured    bool               `json:"main_configured"`
	Main              *APICalendarState  `json:"main,omitempty"`
	Attachments       []APICalendarState `json:"attachments"`
}

// Status reports per-calendar sync health for the current user.
func (h *Handlers) Status(c *gin.Context) {
	session := auth.GetCurrentUser(c)

	user, err := h.db.GetUserByID(session.UserID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": sanitizeError(err, "failed to load user")})
		return
	}

	status := APIStatus{Health: "ok", Attachments: []APICalendarState{}}

	status.SyncPaused, err = h.db.GetBoolSetting(db.SettingSyncPaused, false)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": sanitizeError(err, "failed to load settings")})
		return
	}
	status.RestoreIncomplete, err = h.db.GetBoolSetting(db.SettingRestoreIncomplete, false)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": sanitizeError(err, "failed to load settings")})
		return
	}

	status.MainConfigured = user.MainAccountID != nil && user.MainCalendarID != ""
	if status.MainConfigured {
		state, serr := h.db.GetOrCreateMainSyncState(user.ID)
		if serr != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": sanitizeError(serr, "failed to load sync state")})
			return
		}
		status.Main = &APICalendarState{
			CalendarID:          user.MainCalendarID,
			Kind:                "main",
			LastFullSync:        state.LastFullSync,
			LastIncrementalSync: state.LastIncrementalSync,
			ConsecutiveFailures: state.ConsecutiveFailures,
			LastError:           state.LastError,
		}
		if state.ConsecutiveFailures > 0 {
			status.Health = "degraded"
		}
	}

	attachments, err := h.db.GetActiveAttachmentsByUserID(user.ID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": sanitizeError(err, "failed to load attachments")})
		return
	}
	for _, att := range attachments {
		state, serr := h.db.GetOrCreateAttachmentSyncState(att.ID)
		if serr != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": sanitizeError(serr, "failed to load sync state")})
			return
		}
		status.Attachments = append(status.Attachments, APICalendarState{
			AttachmentID:        att.ID,
			CalendarID:          att.CalendarID,
			Kind:                string(att.Kind),
			DisplayName:         att.DisplayName,
			LastFullSync:        state.LastFullSync,
			LastIncrementalSync: state.LastIncrementalSync,
			ConsecutiveFailures: state.ConsecutiveFailures,
			LastError:           state.LastError,
		})
		if state.ConsecutiveFailures > 0 {
			status.Health = "degraded"
		}
	}

	if status.SyncPaused || status.RestoreIncomplete {
		status.Health = "paused"
	}
	c.JSON(http.StatusOK, status)
}

// SyncLogs returns the most recent sync runs for the current user.
func (h *Handlers) SyncLogs(c *gin.Context) {
	session := auth.GetCurrentUser(c)

	limit := 50
	if raw := c.Query("limit"); raw != "" {
		if parsed, err := strconv.Atoi(raw); err == nil && parsed > 0 && parsed <= 500 {
			limit = parsed
		}
	}

	logs, err := h.db.GetRecentSyncLogs(session.UserID, limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": sanitizeError(err, "failed to load sync logs")})
		return
	}
	if logs == nil {
		logs = []*db.SyncLog{}
	}
	c.JSON(http.StatusOK, gin.H{"logs": logs})
}

// PauseSync sets the global pause flag. Paused deployments ignore
// timers, push notifications, and manual triggers.
func (h *Handlers) PauseSync(c *gin.Context) {
	if err := h.db.SetBoolSetting(db.SettingSyncPaused, true); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": sanitizeError(err, "failed to pause sync")})
		return
	}
	c.JSON(http.StatusOK, gin.H{"sync_paused": true})
}

// ResumeSync clears the global pause flag. A restore left incomplete
// must be resolved first.
func (h *Handlers) ResumeSync(c *gin.Context) {
	incomplete, err := h.db.GetBoolSetting(db.SettingRestoreIncomplete, false)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": sanitizeError(err, "failed to load settings")})
		return
	}
	if incomplete {
		c.JSON(http.StatusConflict, gin.H{"error": "a restore is incomplete; re-run it before resuming"})
		return
	}
	if err := h.db.SetBoolSetting(db.SettingSyncPaused, false); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": sanitizeError(err, "failed to resume sync")})
		return
	}
	c.JSON(http.StatusOK, gin.H{"sync_paused": false})
}

type triggerSyncRequest struct {
	Scope        string `json:"scope"` // user | main | attachment
	AttachmentID int64  `json:"attachment_id"`
}

// TriggerSync queues an immediate sync for the current user.
func (h *Handlers) TriggerSync(c *gin.Context) {
	session := auth.GetCurrentUser(c)

	var req triggerSyncRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}

	var queued bool
	switch req.Scope {
	case "", "user":
		queued = h.scheduler.TriggerSyncForUser(session.UserID)
	case "main":
		queued = h.scheduler.TriggerSyncForMainCalendar(session.UserID)
	case "attachment":
		att, err := h.db.GetAttachmentByID(req.AttachmentID)
		if err != nil || att.UserID != session.UserID {
			c.JSON(http.StatusNotFound, gin.H{"error": "attachment not found"})
			return
		}
		queued = h.scheduler.TriggerSyncForCalendar(att.ID)
	default:
		c.JSON(http.StatusBadRequest, gin.H{"error": "scope must be user, main, or attachment"})
		return
	}

	if !queued {
		c.JSON(http.StatusConflict, gin.H{"error": "sync is paused"})
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"queued": true})
}

type consistencyRequest struct {
	DryRun bool `json:"dry_run"`
}

// ConsistencyCheck reconciles the current user's mappings, optionally
// as a dry run returning the planned repairs.
func (h *Handlers) ConsistencyCheck(c *gin.Context) {
	session := auth.GetCurrentUser(c)

	var req consistencyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}

	actions, err := h.reconciler.ReconcileUser(c.Request.Context(), session.UserID, req.DryRun)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": sanitizeError(err, "consistency check incomplete")})
		return
	}
	if actions == nil {
		actions = []reconcile.Action{}
	}
	c.JSON(http.StatusOK, gin.H{"dry_run": req.DryRun, "actions": actions})
}

// ListAccounts returns the user's connected accounts.
func (h *Handlers) ListAccounts(c *gin.Context) {
	session := auth.GetCurrentUser(c)

	accounts, err := h.db.GetAccountsByUserID(session.UserID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": sanitizeError(err, "failed to load accounts")})
		return
	}
	if accounts == nil {
		accounts = []*db.Account{}
	}
	c.JSON(http.StatusOK, gin.H{"accounts": accounts})
}

// ListAccountCalendars lists the calendars visible to one connected
// account, for the attach flow.
func (h *Handlers) ListAccountCalendars(c *gin.Context) {
	session := auth.GetCurrentUser(c)

	account, ok := h.accountForUser(c, session.UserID)
	if !ok {
		return
	}

	entries, err := h.provider.ListCalendars(c.Request.Context(), account)
	if err != nil {
		c.JSON(http.StatusBadGateway, gin.H{"error": sanitizeError(err, "failed to list calendars")})
		return
	}

	calendars := make([]gin.H, 0, len(entries))
	for _, entry := range entries {
		calendars = append(calendars, gin.H{
			"id":      entry.Id,
			"summary": entry.Summary,
			"primary": entry.Primary,
		})
	}
	c.JSON(http.StatusOK, gin.H{"calendars": calendars})
}

// DisconnectAccount removes a connected account. Attachments using it
// must be detached first.
func (h *Handlers) DisconnectAccount(c *gin.Context) {
	session := auth.GetCurrentUser(c)

	account, ok := h.accountForUser(c, session.UserID)
	if !ok {
		return
	}

	user, err := h.db.GetUserByID(session.UserID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": sanitizeError(err, "failed to load user")})
		return
	}
	if user.MainAccountID != nil && *user.MainAccountID == account.ID {
		c.JSON(http.StatusConflict, gin.H{"error": "account holds the main calendar"})
		return
	}

	attachments, err := h.db.GetAttachmentsByUserID(session.UserID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": sanitizeError(err, "failed to load attachments")})
		return
	}
	for _, att := range attachments {
		if att.AccountID == account.ID {
			c.JSON(http.StatusConflict, gin.H{"error": "detach the account's calendars first"})
			return
		}
	}

	if err := h.db.DeleteAccount(account.ID); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": sanitizeError(err, "failed to delete account")})
		return
	}
	c.JSON(http.StatusOK, gin.H{"deleted": true})
}

// GoogleConnect starts the Google account consent flow. offline access
// and forced consent guarantee a refresh token on the way back.
func (h *Handlers) GoogleConnect(c *gin.Context) {
	state, err := auth.GenerateState()
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to generate state"})
		return
	}
	if err := h.session.SetOAuthState(c.Writer, c.Request, state); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to save state"})
		return
	}

	url := h.provider.OAuthConfig().AuthCodeURL(state,
		oauth2.AccessTypeOffline,
		oauth2.SetAuthURLParam("prompt", "consent"))
	c.Redirect(http.StatusFound, url)
}

// GoogleCallback finishes the account consent flow: exchanges the code,
// resolves the account email from its primary calendar, and stores the
// encrypted token pair.
func (h *Handlers) GoogleCallback(c *gin.Context) {
	session := auth.GetCurrentUser(c)

	state := c.Query("state")
	savedState, err := h.session.GetOAuthState(c.Writer, c.Request)
	if err != nil || state != savedState {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid state parameter"})
		return
	}
	if errParam := c.Query("error"); errParam != "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "consent failed: " + errParam})
		return
	}

	token, err := h.provider.OAuthConfig().Exchange(c.Request.Context(), c.Query("code"))
	if err != nil {
		c.JSON(http.StatusBadGateway, gin.H{"error": sanitizeError(err, "failed to exchange code")})
		return
	}
	creds := gcal.CredentialsFromToken(token, "")
	if creds.RefreshToken == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "no refresh token granted; remove prior consent and retry"})
		return
	}

	email, err := h.provider.PrimaryCalendarEmail(c.Request.Context(), creds)
	if err != nil {
		c.JSON(http.StatusBadGateway, gin.H{"error": sanitizeError(err, "failed to identify account")})
		return
	}

	// The row exists before the encrypted pair lands; an empty blob
	// satisfies the schema until StoreCredentials overwrites it.
	account := &db.Account{
		UserID:      session.UserID,
		Email:       email,
		Credentials: []byte{},
		Status:      db.AccountActive,
	}
	if err := h.db.UpsertAccount(account); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": sanitizeError(err, "failed to store account")})
		return
	}
	if err := h.provider.StoreCredentials(account.ID, creds); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": sanitizeError(err, "failed to store credentials")})
		return
	}

	log.Printf("[Web] user %d connected account %s", session.UserID, email)
	c.Redirect(http.StatusFound, "/")
}

type setMainRequest struct {
	AccountID  int64  `json:"account_id"`
	CalendarID string `json:"calendar_id"`
}

// SetMainCalendar designates the user's aggregate calendar and opens
// its push channel.
func (h *Handlers) SetMainCalendar(c *gin.Context) {
	session := auth.GetCurrentUser(c)

	var req setMainRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.AccountID == 0 || req.CalendarID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "account_id and calendar_id are required"})
		return
	}

	account, err := h.db.GetAccountByID(req.AccountID)
	if err != nil || account.UserID != session.UserID {
		c.JSON(http.StatusNotFound, gin.H{"error": "account not found"})
		return
	}

	if err := h.db.SetMainCalendar(session.UserID, account.ID, req.CalendarID); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": sanitizeError(err, "failed to set main calendar")})
		return
	}

	if err := h.scheduler.EnsureChannel(c.Request.Context(), session.UserID, db.ChannelMain, 0); err != nil {
		log.Printf("[Web] open main channel for user %d: %v", session.UserID, err)
	}
	h.scheduler.TriggerSyncForMainCalendar(session.UserID)
	c.JSON(http.StatusOK, gin.H{"main_calendar_id": req.CalendarID})
}

// ListAttachments returns the user's attached calendars.
func (h *Handlers) ListAttachments(c *gin.Context) {
	session := auth.GetCurrentUser(c)

	attachments, err := h.db.GetAttachmentsByUserID(session.UserID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": sanitizeError(err, "failed to load attachments")})
		return
	}
	if attachments == nil {
		attachments = []*db.CalendarAttachment{}
	}
	c.JSON(http.StatusOK, gin.H{"attachments": attachments})
}

type createAttachmentRequest struct {
	AccountID   int64  `json:"account_id"`
	CalendarID  string `json:"calendar_id"`
	Kind        string `json:"kind"`
	DisplayName string `json:"display_name"`
	ColorID     string `json:"color_id"`
}

// CreateAttachment attaches a calendar, opens its push channel, and
// queues its first sync.
func (h *Handlers) CreateAttachment(c *gin.Context) {
	session := auth.GetCurrentUser(c)

	var req createAttachmentRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.AccountID == 0 || req.CalendarID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "account_id and calendar_id are required"})
		return
	}
	kind := db.AttachmentKind(req.Kind)
	if kind != db.AttachmentClient && kind != db.AttachmentPersonal {
		c.JSON(http.StatusBadRequest, gin.H{"error": "kind must be client or personal"})
		return
	}

	account, err := h.db.GetAccountByID(req.AccountID)
	if err != nil || account.UserID != session.UserID {
		c.JSON(http.StatusNotFound, gin.H{"error": "account not found"})
		return
	}

	att := &db.CalendarAttachment{
		UserID:      session.UserID,
		AccountID:   account.ID,
		CalendarID:  req.CalendarID,
		Kind:        kind,
		DisplayName: req.DisplayName,
		ColorID:     req.ColorID,
		Active:      true,
	}
	if err := h.db.CreateAttachment(att); err != nil {
		if errors.Is(err, db.ErrDuplicate) {
			c.JSON(http.StatusConflict, gin.H{"error": "calendar already attached"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": sanitizeError(err, "failed to attach calendar")})
		return
	}

	if err := h.scheduler.EnsureChannel(c.Request.Context(), session.UserID, db.ChannelAttachment, att.ID); err != nil {
		log.Printf("[Web] open channel for attachment %d: %v", att.ID, err)
	}
	h.scheduler.TriggerSyncForCalendar(att.ID)
	c.JSON(http.StatusCreated, gin.H{"attachment": att})
}

// DetachCalendar deactivates an attachment and runs its cleanup in the
// background. The row survives until cleanup confirms every remote
// artifact is gone.
func (h *Handlers) DetachCalendar(c *gin.Context) {
	session := auth.GetCurrentUser(c)

	att, ok := h.attachmentForUser(c, session.UserID)
	if !ok {
		return
	}

	if err := h.db.DeactivateAttachment(att.ID); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": sanitizeError(err, "failed to detach calendar")})
		return
	}

	userID := session.UserID
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Minute)
		defer cancel()
		if err := h.eng.CleanupDisconnected(ctx, att.ID, userID); err != nil {
			// Retention retries whatever is left.
			log.Printf("[Web] cleanup attachment %d: %v", att.ID, err)
		}
	}()

	c.JSON(http.StatusAccepted, gin.H{"detached": true})
}

// ReconcileAttachment reconciles one attachment's mappings.
func (h *Handlers) ReconcileAttachment(c *gin.Context) {
	session := auth.GetCurrentUser(c)

	att, ok := h.attachmentForUser(c, session.UserID)
	if !ok {
		return
	}

	var req consistencyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}

	actions, err := h.reconciler.ReconcileAttachment(c.Request.Context(), att.ID, req.DryRun)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": sanitizeError(err, "reconcile incomplete")})
		return
	}
	if actions == nil {
		actions = []reconcile.Action{}
	}
	c.JSON(http.StatusOK, gin.H{"dry_run": req.DryRun, "actions": actions})
}

// RotateFeedToken replaces the availability feed capability URL.
func (h *Handlers) RotateFeedToken(c *gin.Context) {
	session := auth.GetCurrentUser(c)

	token := uuid.New().String()
	if err := h.db.SetFeedToken(session.UserID, token); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": sanitizeError(err, "failed to rotate feed token")})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"feed_url": h.cfg.Server.BaseURL + "/feed/" + token + "/availability.ics",
	})
}

// ListBackups returns the archives on disk.
func (h *Handlers) ListBackups(c *gin.Context) {
	infos, err := h.backups.List()
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": sanitizeError(err, "failed to list backups")})
		return
	}
	if infos == nil {
		infos = []*backup.Info{}
	}
	c.JSON(http.StatusOK, gin.H{"backups": infos})
}

type createBackupRequest struct {
	UserIDs []int64 `json:"user_ids"`
}

// CreateBackup takes a manual snapshot archive, optionally scoped to a
// set of users.
func (h *Handlers) CreateBackup(c *gin.Context) {
	var req createBackupRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
			return
		}
	}

	meta, err := h.backups.Create(c.Request.Context(), backup.TypeManual, req.UserIDs)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": sanitizeError(err, "backup failed")})
		return
	}
	c.JSON(http.StatusCreated, gin.H{"backup": meta})
}

type restoreBackupRequest struct {
	UserIDs          []int64 `json:"user_ids"`
	RestoreDatabase  *bool   `json:"restore_db"`
	RestoreCalendars *bool   `json:"restore_calendars"`
	DryRun           bool    `json:"dry_run"`
}

// RestoreBackup replays an archive. Both the database rows and the
// remote calendars are restored unless the flags narrow the scope.
func (h *Handlers) RestoreBackup(c *gin.Context) {
	var req restoreBackupRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	opts := backup.RestoreOptions{
		UserIDs:          req.UserIDs,
		RestoreDatabase:  req.RestoreDatabase == nil || *req.RestoreDatabase,
		RestoreCalendars: req.RestoreCalendars == nil || *req.RestoreCalendars,
		DryRun:           req.DryRun,
	}

	actions, err := h.backups.Restore(c.Request.Context(), c.Param("name"), opts)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   sanitizeError(err, "restore incomplete; sync remains paused"),
			"actions": actions,
		})
		return
	}
	if actions == nil {
		actions = []backup.RestoreAction{}
	}
	c.JSON(http.StatusOK, gin.H{"dry_run": req.DryRun, "actions": actions})
}

type testAlertRequest struct {
	WebhookURL string `json:"webhook_url"`
}

// TestAlert delivers a test message to a webhook URL so an operator can
// verify the alert transport before relying on it.
func (h *Handlers) TestAlert(c *gin.Context) {
	var req testAlertRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.WebhookURL == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "webhook_url is required"})
		return
	}

	if err := h.notifier.SendTestWebhook(c.Request.Context(), req.WebhookURL); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": sanitizeError(err, "test webhook delivery failed")})
		return
	}
	c.JSON(http.StatusOK, gin.H{"delivered": true})
}

// accountForUser loads the :id account and checks ownership.
func (h *Handlers) accountForUser(c *gin.Context, userID int64) (*db.Account, bool) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid account id"})
		return nil, false
	}
	account, err := h.db.GetAccountByID(id)
	if err != nil || account.UserID != userID {
		c.JSON(http.StatusNotFound, gin.H{"error": "account not found"})
		return nil, false
	}
	return account, true
}

// attachmentForUser loads the :id attachment and checks ownership.
func (h *Handlers) attachmentForUser(c *gin.Context, userID int64) (*db.CalendarAttachment, bool) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid attachment id"})
		return nil, false
	}
	att, err := h.db.GetAttachmentByID(id)
	if err != nil || att.UserID != userID {
		c.JSON(http.StatusNotFound, gin.H{"error": "attachment not found"})
		return nil, false
	}
	return att, true
}
