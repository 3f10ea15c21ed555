package gcal

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"google.golang.org/api/calendar/v3"
)

// Push notification headers set by the sender.
const (
	HeaderChannelID     = "X-Goog-Channel-ID"
	HeaderChannelToken  = "X-Goog-Channel-Token"
	HeaderResourceID    = "X-Goog-Resource-ID"
	HeaderResourceState = "X-Goog-Resource-State"
	HeaderMessageNumber = "X-Goog-Message-Number"
)

// Resource states carried in notifications. "sync" is the registration
// handshake and carries no change.
const (
	ResourceStateSync   = "sync"
	ResourceStateExists = "exists"
)

// channelTTL is the requested channel lifetime. The server caps
// channels at 7 days regardless.
const channelTTL = 7 * 24 * time.Hour

// WatchResult describes a live push notification channel.
type WatchResult struct {
	ChannelID  string
	ResourceID string
	Token      string
	Expiration time.Time
}

// OpenChannel registers a new push notification channel on a calendar.
// The shared-secret token is echoed back by the sender on every
// notification and checked in constant time by the receiver.
func OpenChannel(ctx context.Context, api CalendarAPI, calendarID, address string) (*WatchResult, error) {
	channel := &calendar.Channel{
		Id:         uuid.New().String(),
		Token:      uuid.New().String(),
		Type:       "web_hook",
		Address:    address,
		Expiration: time.Now().Add(channelTTL).UnixMilli(),
	}

	created, err := api.Watch(ctx, calendarID, channel)
	if err != nil {
		return nil, fmt.Errorf("watch %s: %w", calendarID, err)
	}

	expiration := time.UnixMilli(created.Expiration).UTC()
	if created.Expiration == 0 {
		expiration = time.Now().Add(channelTTL).UTC()
	}
	return &WatchResult{
		ChannelID:  channel.Id,
		ResourceID: created.ResourceId,
		Token:      channel.Token,
		Expiration: expiration,
	}, nil
}

// CloseChannel stops a push notification channel. Already-gone channels
// are not an error.
func CloseChannel(ctx context.Context, api CalendarAPI, channelID, resourceID string) error {
	return api.StopChannel(ctx, &calendar.Channel{
		Id:         channelID,
		ResourceId: resourceID,
	})
}
