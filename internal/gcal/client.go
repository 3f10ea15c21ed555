// Package gcal wraps the Google Calendar API behind a narrow gateway:
// idempotent event operations, incremental listing with sync tokens,
// push notification channels, and a fixed error taxonomy.
package gcal

import (
	"context"
	"time"

	"golang.org/x/time/rate"
	"google.golang.org/api/calendar/v3"
)

// SyncTagKey is the private extended property stamped on every event
// this system creates. IsOurEvent keys on its presence.
const SyncTagKey = "calsyncd"

const syncTagValue = "true"

// Full-listing window bounds when no sync token is available.
const (
	listWindowPast   = 30 * 24 * time.Hour
	listWindowFuture = 365 * 24 * time.Hour
)

const maxResultsPerPage = 250

// ListResult is one complete batch of observed events.
type ListResult struct {
	Events        []*calendar.Event
	NextSyncToken string
	// FullSync is true when the batch came from a bounded-window
	// listing rather than an incremental one.
	FullSync bool
}

// CalendarAPI is the gateway interface the sync engine consumes. The
// production implementation is Client; tests substitute a fake.
type CalendarAPI interface {
	// ListEvents returns incremental changes when syncToken is set
	// (including cancelled tombstones), or a full bounded-window
	// listing when it is empty. Returns ErrSyncTokenExpired when the
	// server rejects the token with 410.
	ListEvents(ctx context.Context, calendarID, syncToken string) (*ListResult, error)

	// GetEvent returns one event, or ErrNotFound.
	GetEvent(ctx context.Context, calendarID, eventID string) (*calendar.Event, error)

	// SearchEvents returns events matching a free-text query.
	SearchEvents(ctx context.Context, calendarID, query string) ([]*calendar.Event, error)

	// CreateEvent inserts an event, stamping the sync tag.
	CreateEvent(ctx context.Context, calendarID string, event *calendar.Event) (*calendar.Event, error)

	// UpdateEvent fully replaces an event, re-stamping the sync tag.
	UpdateEvent(ctx context.Context, calendarID, eventID string, event *calendar.Event) (*calendar.Event, error)

	// PatchEvent applies a partial update.
	PatchEvent(ctx context.Context, calendarID, eventID string, event *calendar.Event) (*calendar.Event, error)

	// DeleteEvent deletes an event; 404/410 count as success.
	DeleteEvent(ctx context.Context, calendarID, eventID string) error

	// Watch registers a push notification channel on a calendar.
	Watch(ctx context.Context, calendarID string, channel *calendar.Channel) (*calendar.Channel, error)

	// StopChannel tears down a push notification channel.
	StopChannel(ctx context.Context, channel *calendar.Channel) error
}

// Client is the production CalendarAPI over one authenticated account.
type Client struct {
	svc     *calendar.Service
	limiter *rate.Limiter
}

// NewClient wraps a calendar service. limiter may be nil.
func NewClient(svc *calendar.Service, limiter *rate.Limiter) *Client {
	return &Client{svc: svc, limiter: limiter}
}

func (c *Client) wait(ctx context.Context) error {
	if c.limiter == nil {
		return nil
	}
	return c.limiter.Wait(ctx)
}

// IsOurEvent reports whether an event was created by this system.
func IsOurEvent(event *calendar.Event) bool {
	if event == nil || event.ExtendedProperties == nil {
		return false
	}
	return event.ExtendedProperties.Private[SyncTagKey] == syncTagValue
}

// TagEvent stamps the sync tag. Update is a full replacement, so every
// create and update path must re-apply it.
func TagEvent(event *calendar.Event) {
	if event.ExtendedProperties == nil {
		event.ExtendedProperties = &calendar.EventExtendedProperties{}
	}
	if event.ExtendedProperties.Private == nil {
		event.ExtendedProperties.Private = map[string]string{}
	}
	event.ExtendedProperties.Private[SyncTagKey] = syncTagValue
}

// ListEvents implements CalendarAPI. It pages until exhausted and
// returns the server's nextSyncToken only when the final page carried
// one.
func (c *Client) ListEvents(ctx context.Context, calendarID, syncToken string) (*ListResult, error) {
	result := &ListResult{FullSync: syncToken == ""}

	pageToken := ""
	for {
		if err := c.wait(ctx); err != nil {
			return nil, err
		}

		call := c.svc.Events.List(calendarID).
			Context(ctx).
			MaxResults(maxResultsPerPage).
			SingleEvents(false)
		if syncToken != "" {
			call = call.SyncToken(syncToken).ShowDeleted(true)
		} else {
			now := time.Now().UTC()
			call = call.
				TimeMin(now.Add(-listWindowPast).Format(time.RFC3339)).
				TimeMax(now.Add(listWindowFuture).Format(time.RFC3339))
		}
		if pageToken != "" {
			call = call.PageToken(pageToken)
		}

		resp, err := call.Do()
		if err != nil {
			return nil, classifyError(err)
		}

		result.Events = append(result.Events, resp.Items...)
		if resp.NextPageToken == "" {
			result.NextSyncToken = resp.NextSyncToken
			return result, nil
		}
		pageToken = resp.NextPageToken
	}
}

// GetEvent implements CalendarAPI.
func (c *Client) GetEvent(ctx context.Context, calendarID, eventID string) (*calendar.Event, error) {
	if err := c.wait(ctx); err != nil {
		return nil, err
	}
	event, err := c.svc.Events.Get(calendarID, eventID).Context(ctx).Do()
	if err != nil {
		return nil, classifyError(err)
	}
	return event, nil
}

// SearchEvents implements CalendarAPI.
func (c *Client) SearchEvents(ctx context.Context, calendarID, query string) ([]*calendar.Event, error) {
	var events []*calendar.Event
	pageToken := ""
	for {
		if err := c.wait(ctx); err != nil {
			return nil, err
		}
		call := c.svc.Events.List(calendarID).Context(ctx).Q(query).MaxResults(maxResultsPerPage)
		if pageToken != "" {
			call = call.PageToken(pageToken)
		}
		resp, err := call.Do()
		if err != nil {
			return nil, classifyError(err)
		}
		events = append(events, resp.Items...)
		if resp.NextPageToken == "" {
			return events, nil
		}
		pageToken = resp.NextPageToken
	}
}

// CreateEvent implements CalendarAPI.
func (c *Client) CreateEvent(ctx context.Context, calendarID string, event *calendar.Event) (*calendar.Event, error) {
	if err := c.wait(ctx); err != nil {
		return nil, err
	}
	TagEvent(event)
	created, err := c.svc.Events.Insert(calendarID, event).Context(ctx).Do()
	if err != nil {
		return nil, classifyError(err)
	}
	return created, nil
}

// UpdateEvent implements CalendarAPI.
func (c *Client) UpdateEvent(ctx context.Context, calendarID, eventID string, event *calendar.Event) (*calendar.Event, error) {
	if err := c.wait(ctx); err != nil {
		return nil, err
	}
	TagEvent(event)
	updated, err := c.svc.Events.Update(calendarID, eventID, event).Context(ctx).Do()
	if err != nil {
		return nil, classifyError(err)
	}
	return updated, nil
}

// PatchEvent implements CalendarAPI.
func (c *Client) PatchEvent(ctx context.Context, calendarID, eventID string, event *calendar.Event) (*calendar.Event, error) {
	if err := c.wait(ctx); err != nil {
		return nil, err
	}
	patched, err := c.svc.Events.Patch(calendarID, eventID, event).Context(ctx).Do()
	if err != nil {
		return nil, classifyError(err)
	}
	return patched, nil
}

// DeleteEvent implements CalendarAPI. A 404/410 response means the
// desired post-condition already holds and is treated as success.
func (c *Client) DeleteEvent(ctx context.Context, calendarID, eventID string) error {
	if err := c.wait(ctx); err != nil {
		return err
	}
	err := c.svc.Events.Delete(calendarID, eventID).Context(ctx).Do()
	if err != nil && !isGoneOrNotFound(err) {
		return classifyError(err)
	}
	return nil
}

// Watch implements CalendarAPI.
func (c *Client) Watch(ctx context.Context, calendarID string, channel *calendar.Channel) (*calendar.Channel, error) {
	if err := c.wait(ctx); err != nil {
		return nil, err
	}
	created, err := c.svc.Events.Watch(calendarID, channel).Context(ctx).Do()
	if err != nil {
		return nil, classifyError(err)
	}
	return created, nil
}

// StopChannel implements CalendarAPI. A 404 means the channel is already
// gone.
func (c *Client) StopChannel(ctx context.Context, channel *calendar.Channel) error {
	if err := c.wait(ctx); err != nil {
		return err
	}
	err := c.svc.Channels.Stop(channel).Context(ctx).Do()
	if err != nil && !isGoneOrNotFound(err) {
		return classifyError(err)
	}
	return nil
}

var _ CalendarAPI = (*Client)(nil)
