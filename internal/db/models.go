package db

import (
	"time"
)

// OriginKind identifies which calendar an event mapping originated from.
type OriginKind string

const (
	OriginClient   OriginKind = "client"
	OriginMain     OriginKind = "main"
	OriginPersonal OriginKind = "personal"
)

// AttachmentKind distinguishes the two flavors of attached calendars.
// Client calendars are bidirectionally represented on main and receive
// busy blocks from other sources; personal calendars are availability
// sources only and never receive managed artifacts.
type AttachmentKind string

const (
	AttachmentClient   AttachmentKind = "client"
	AttachmentPersonal AttachmentKind = "personal"
)

// AccountStatus represents the health of a stored credential.
type AccountStatus string

const (
	AccountActive  AccountStatus = "active"
	AccountRevoked AccountStatus = "revoked"
)

// SyncStatus represents the outcome of a sync run.
type SyncStatus string

const (
	SyncStatusSuccess SyncStatus = "success"
	SyncStatusPartial SyncStatus = "partial" // Some events failed; token not advanced
	SyncStatusError   SyncStatus = "error"
)

// ChannelKind identifies which calendar a webhook channel watches.
type ChannelKind string

const (
	ChannelMain       ChannelKind = "main"
	ChannelAttachment ChannelKind = "attachment"
)

// Well-known settings keys.
const (
	SettingSyncPaused        = "sync_paused"
	SettingRestoreIncomplete = "restore_incomplete"
)

// User represents a principal with one main calendar and zero or more
// attached accounts.
type User struct {
	ID             int64     `json:"id"`
	Email          string    `json:"email"`
	Name           string    `json:"name"`
	MainAccountID  *int64    `json:"main_account_id"`
	MainCalendarID string    `json:"main_calendar_id"`
	FeedToken      string    `json:"-"` // Capability token for the availability feed
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// Account represents a connected remote account credential.
type Account struct {
	ID          int64         `json:"id"`
	UserID      int64         `json:"user_id"`
	Email       string        `json:"email"`
	Credentials []byte        `json:"-"` // Encrypted token pair, never serialized
	TokenExpiry *time.Time    `json:"token_expiry"`
	Status      AccountStatus `json:"status"`
	CreatedAt   time.Time     `json:"created_at"`
	UpdatedAt   time.Time     `json:"updated_at"`
}

// CalendarAttachment represents an attached external calendar.
type CalendarAttachment struct {
	ID             int64          `json:"id"`
	UserID         int64          `json:"user_id"`
	AccountID      int64          `json:"account_id"`
	CalendarID     string         `json:"calendar_id"`
	Kind           AttachmentKind `json:"kind"`
	DisplayName    string         `json:"display_name"`
	ColorID        string         `json:"color_id"`
	Active         bool           `json:"active"`
	DisconnectedAt *time.Time     `json:"disconnected_at"`
	CreatedAt      time.Time      `json:"created_at"`
	UpdatedAt      time.Time      `json:"updated_at"`
}

// SyncState holds the incremental sync cursor for one calendar.
// AttachmentID is zero for a user's main calendar state.
type SyncState struct {
	ID                  int64      `json:"id"`
	UserID              int64      `json:"user_id"`
	AttachmentID        int64      `json:"attachment_id"`
	SyncToken           string     `json:"-"`
	LastFullSync        *time.Time `json:"last_full_sync"`
	LastIncrementalSync *time.Time `json:"last_incremental_sync"`
	ConsecutiveFailures int        `json:"consecutive_failures"`
	LastError           string     `json:"last_error"`
	UpdatedAt           time.Time  `json:"updated_at"`
}

// EventMapping links one origin event to its derived main copy and, via
// busy_blocks, its busy-block set. OriginCalendar is empty for main-origin
// rows.
type EventMapping struct {
	ID                     int64      `json:"id"`
	UserID                 int64      `json:"user_id"`
	OriginKind             OriginKind `json:"origin_kind"`
	OriginAttachmentID     *int64     `json:"origin_attachment_id"`
	OriginCalendar         string     `json:"origin_calendar"`
	OriginEventID          string     `json:"origin_event_id"`
	OriginRecurringEventID string     `json:"origin_recurring_event_id"`
	MainEventID            string     `json:"main_event_id"`
	EventStart             *time.Time `json:"event_start"`
	EventEnd               *time.Time `json:"event_end"`
	IsAllDay               bool       `json:"is_all_day"`
	IsRecurring            bool       `json:"is_recurring"`
	UserCanEdit            bool       `json:"user_can_edit"`
	DeletedAt              *time.Time `json:"deleted_at"`
	CreatedAt              time.Time  `json:"created_at"`
	UpdatedAt              time.Time  `json:"updated_at"`
}

// Live reports whether the mapping is not soft-deleted.
func (m *EventMapping) Live() bool {
	return m.DeletedAt == nil
}

// BusyBlock names one remote busy artifact written for a mapping onto a
// client attachment.
type BusyBlock struct {
	ID               int64     `json:"id"`
	MappingID        int64     `json:"mapping_id"`
	AttachmentID     int64     `json:"attachment_id"`
	BusyBlockEventID string    `json:"busy_block_event_id"`
	CreatedAt        time.Time `json:"created_at"`
	UpdatedAt        time.Time `json:"updated_at"`
}

// WebhookChannel represents a live push notification subscription.
// AttachmentID is zero when Kind is main.
type WebhookChannel struct {
	ID           int64       `json:"id"`
	UserID       int64       `json:"user_id"`
	Kind         ChannelKind `json:"kind"`
	AttachmentID int64       `json:"attachment_id"`
	ChannelID    string      `json:"channel_id"`
	ResourceID   string      `json:"resource_id"`
	Token        string      `json:"-"` // Shared secret echoed back by the sender
	Expiration   time.Time   `json:"expiration"`
	CreatedAt    time.Time   `json:"created_at"`
}

// JobLock is the single-row-per-job mutex.
type JobLock struct {
	Name     string    `json:"name"`
	LockedAt time.Time `json:"locked_at"`
	LockedBy string    `json:"locked_by"`
}

// Alert is a queued outbound notification.
type Alert struct {
	ID            int64      `json:"id"`
	UserID        *int64     `json:"user_id"`
	Recipient     string     `json:"recipient"`
	Subject       string     `json:"subject"`
	Body          string     `json:"body"`
	Attempts      int        `json:"attempts"`
	NextAttemptAt *time.Time `json:"next_attempt_at"`
	LastError     string     `json:"last_error"`
	SentAt        *time.Time `json:"sent_at"`
	CreatedAt     time.Time  `json:"created_at"`
}

// SyncLog records the outcome of one sync run for one calendar.
// AttachmentID is zero for main-calendar runs.
type SyncLog struct {
	ID              int64      `json:"id"`
	UserID          int64      `json:"user_id"`
	AttachmentID    int64      `json:"attachment_id"`
	Status          SyncStatus `json:"status"`
	Message         string     `json:"message"`
	EventsProcessed int        `json:"events_processed"`
	EventsCreated   int        `json:"events_created"`
	EventsUpdated   int        `json:"events_updated"`
	EventsDeleted   int        `json:"events_deleted"`
	EventsFailed    int        `json:"events_failed"`
	DurationMS      int64      `json:"duration_ms"`
	CreatedAt       time.Time  `json:"created_at"`
}
