// Package web is the HTTP surface: push notification receiver, health
// probes, OIDC login, the availability feed, and the management API.
package web

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/calsyncd/calsyncd/internal/auth"
	"github.com/calsyncd/calsyncd/internal/backup"
	"github.com/calsyncd/calsyncd/internal/config"
	"github.com/calsyncd/calsyncd/internal/db"
	"github.com/calsyncd/calsyncd/internal/engine"
	"github.com/calsyncd/calsyncd/internal/feed"
	"github.com/calsyncd/calsyncd/internal/gcal"
	"github.com/calsyncd/calsyncd/internal/notify"
	"github.com/calsyncd/calsyncd/internal/reconcile"
	"github.com/calsyncd/calsyncd/internal/scheduler"
)

// Handlers contains all HTTP handlers and their dependencies.
type Handlers struct {
	cfg        *config.Config
	db         *db.DB
	oidc       *auth.OIDCProvider
	session    *auth.SessionManager
	provider   *gcal.Provider
	eng        *engine.Engine
	scheduler  *scheduler.Scheduler
	reconciler *reconcile.Reconciler
	backups    *backup.Manager
	notifier   *notify.Notifier
}

// NewHandlers creates a new Handlers instance.
func NewHandlers(
	cfg *config.Config,
	database *db.DB,
	oidc *auth.OIDCProvider,
	session *auth.SessionManager,
	provider *gcal.Provider,
	eng *engine.Engine,
	sched *scheduler.Scheduler,
	reconciler *reconcile.Reconciler,
	backups *backup.Manager,
	notifier *notify.Notifier,
) *Handlers {
	return &Handlers{
		cfg:        cfg,
		db:         database,
		oidc:       oidc,
		session:    session,
		provider:   provider,
		eng:        eng,
		scheduler:  sched,
		reconciler: reconciler,
		backups:    backups,
		notifier:   notifier,
	}
}

// SetupRoutes registers all routes on the router.
func SetupRoutes(router *gin.Engine, h *Handlers, sm *auth.SessionManager) {
	router.GET("/healthz", h.Liveness)
	router.GET("/ready", h.Readiness)

	// The push receiver authenticates by channel token, not session.
	router.POST("/webhook/google", h.GoogleWebhook)

	// The feed authenticates by capability token in the path.
	router.GET("/feed/:feedToken/availability.ics", feed.Handler(h.db))

	authGroup := router.Group("/auth")
	{
		authGroup.GET("/login", h.Login)
		authGroup.GET("/callback", h.Callback)
		authGroup.POST("/logout", auth.RequireAuth(sm), h.Logout)
	}

	// Google account connect round-trips through the provider while the
	// management session stays required.
	router.GET("/google/connect", auth.RequireAuth(sm), h.GoogleConnect)
	router.GET("/google/callback", auth.RequireAuth(sm), h.GoogleCallback)

	api := router.Group("/api")
	api.Use(
		ValidateOrigin(h.cfg.Server.BaseURL),
		RequireJSONContentType(),
		auth.RequireAuth(sm),
		auth.ValidateCSRF(sm),
	)
	{
		api.GET("/me", h.Me)
		api.GET("/status", h.Status)
		api.GET("/logs", h.SyncLogs)

		api.POST("/sync/pause", h.PauseSync)
		api.POST("/sync/resume", h.ResumeSync)
		api.POST("/sync/trigger", h.TriggerSync)
		api.POST("/consistency/check", h.ConsistencyCheck)

		api.GET("/accounts", h.ListAccounts)
		api.GET("/accounts/:id/calendars", h.ListAccountCalendars)
		api.DELETE("/accounts/:id", h.DisconnectAccount)

		api.PUT("/main", h.SetMainCalendar)

		api.GET("/attachments", h.ListAttachments)
		api.POST("/attachments", h.CreateAttachment)
		api.DELETE("/attachments/:id", h.DetachCalendar)
		api.POST("/attachments/:id/reconcile", h.ReconcileAttachment)

		api.POST("/feed/rotate", h.RotateFeedToken)

		api.POST("/alerts/test", h.TestAlert)

		api.GET("/backups", h.ListBackups)
		api.POST("/backups", h.CreateBackup)
		api.POST("/backups/:name/restore", h.RestoreBackup)
	}
}

// Liveness is a plain process-up probe.
func (h *Handlers) Liveness(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// Readiness checks the database.
func (h *Handlers) Readiness(c *gin.Context) {
	if err := h.db.Ping(); err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unavailable", "error": "database unreachable"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ready"})
}

// Login initiates OIDC authentication.
func (h *Handlers) Login(c *gin.Context) {
	state, err := auth.GenerateState()
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to generate state"})
		return
	}

	if err := h.session.SetOAuthState(c.Writer, c.Request, state); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to save state"})
		return
	}

	c.Redirect(http.StatusFound, h.oidc.AuthCodeURL(state))
}

// Callback handles the OIDC callback.
func (h *Handlers) Callback(c *gin.Context) {
	state := c.Query("state")
	savedState, err := h.session.GetOAuthState(c.Writer, c.Request)
	if err != nil || state != savedState {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid state parameter"})
		return
	}

	if errParam := c.Query("error"); errParam != "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "authentication failed: " + errParam})
		return
	}

	token, err := h.oidc.Exchange(c.Request.Context(), c.Query("code"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "failed to exchange code"})
		return
	}

	claims, err := h.oidc.VerifyIDToken(c.Request.Context(), token)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "failed to verify token"})
		return
	}

	user, err := h.db.GetOrCreateUser(claims.Email, claims.Name)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to create user"})
		return
	}

	sessionData := &auth.SessionData{
		UserID: user.ID,
		Email:  user.Email,
		Name:   user.Name,
	}
	if err := h.session.Set(c.Writer, c.Request, sessionData); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to create session"})
		return
	}

	// Honor the pre-login destination, validated against open redirects.
	redirectURL := "/"
	if cookie, err := c.Cookie("redirect_after_login"); err == nil && cookie != "" {
		if IsSafeRedirectURL(cookie) {
			redirectURL = cookie
		}
		c.SetCookie("redirect_after_login", "", -1, "/", "", h.cfg.IsProduction(), true)
	}
	c.Redirect(http.StatusFound, redirectURL)
}

// Logout clears the session.
func (h *Handlers) Logout(c *gin.Context) {
	if err := h.session.Clear(c.Writer, c.Request); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to logout"})
		return
	}
	c.Redirect(http.StatusFound, "/auth/login")
}

// Me returns the current session identity and CSRF token.
func (h *Handlers) Me(c *gin.Context) {
	session := auth.GetCurrentUser(c)
	if session == nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "authentication required"})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"user_id":    session.UserID,
		"email":      session.Email,
		"name":       session.Name,
		"csrf_token": session.CSRFToken,
	})
}
