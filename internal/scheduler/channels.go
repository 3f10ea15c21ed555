package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/calsyncd/calsyncd/internal/db"
	"github.com/calsyncd/calsyncd/internal/gcal"
)

// webhookAddress is the push notification callback for this deployment.
func (s *Scheduler) webhookAddress() string {
	return strings.TrimSuffix(s.cfg.WebhookBaseURL, "/") + "/webhook/google"
}

// runWebhookRenewal replaces channels expiring within the renewal
// horizon. The new channel goes live before the old one is stopped, so
// a renewal failure leaves the old channel delivering.
func (s *Scheduler) runWebhookRenewal(ctx context.Context) error {
	if s.cfg.WebhookBaseURL == "" {
		return nil
	}

	expiring, err := s.db.ListWebhookChannelsExpiringBefore(time.Now().UTC().Add(channelRenewalHorizon))
	if err != nil {
		return err
	}

	var errs []error
	for _, ch := range expiring {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if rerr := s.renewChannel(ctx, ch); rerr != nil {
			errs = append(errs, fmt.Errorf("channel %s: %w", ch.ChannelID, rerr))
		}
	}
	return errors.Join(errs...)
}

func (s *Scheduler) renewChannel(ctx context.Context, ch *db.WebhookChannel) error {
	api, calendarID, err := s.channelTarget(ctx, ch)
	if err != nil {
		return err
	}

	result, err := gcal.OpenChannel(ctx, api, calendarID, s.webhookAddress())
	if err != nil {
		return fmt.Errorf("open replacement channel: %w", err)
	}

	replacement := &db.WebhookChannel{
		UserID:       ch.UserID,
		Kind:         ch.Kind,
		AttachmentID: ch.AttachmentID,
		ChannelID:    result.ChannelID,
		ResourceID:   result.ResourceID,
		Token:        result.Token,
		Expiration:   result.Expiration,
	}
	if err := s.db.ReplaceWebhookChannel(replacement); err != nil {
		// The replacement is live but unrecorded; stop it so the next
		// renewal starts clean.
		if serr := gcal.CloseChannel(ctx, api, result.ChannelID, result.ResourceID); serr != nil {
			log.Printf("[Scheduler] stop orphaned channel %s: %v", result.ChannelID, serr)
		}
		return err
	}

	if err := gcal.CloseChannel(ctx, api, ch.ChannelID, ch.ResourceID); err != nil {
		// The old channel will lapse at its expiration anyway.
		log.Printf("[Scheduler] stop expiring channel %s: %v", ch.ChannelID, err)
	}
	log.Printf("[Scheduler] renewed channel for user %d (%s), new expiry %s",
		ch.UserID, ch.Kind, result.Expiration.Format(time.RFC3339))
	return nil
}

// EnsureChannel opens a push channel for a calendar that has none, or
// renews it in place. attachmentID is zero for the main calendar.
func (s *Scheduler) EnsureChannel(ctx context.Context, userID int64, kind db.ChannelKind, attachmentID int64) error {
	if s.cfg.WebhookBaseURL == "" {
		return nil
	}

	existing, err := s.db.GetWebhookChannel(userID, kind, attachmentID)
	if err == nil {
		return s.renewChannel(ctx, existing)
	}
	if !errors.Is(err, db.ErrNotFound) {
		return err
	}

	probe := &db.WebhookChannel{UserID: userID, Kind: kind, AttachmentID: attachmentID}
	api, calendarID, err := s.channelTarget(ctx, probe)
	if err != nil {
		return err
	}
	result, err := gcal.OpenChannel(ctx, api, calendarID, s.webhookAddress())
	if err != nil {
		return fmt.Errorf("open channel: %w", err)
	}
	probe.ChannelID = result.ChannelID
	probe.ResourceID = result.ResourceID
	probe.Token = result.Token
	probe.Expiration = result.Expiration
	return s.db.ReplaceWebhookChannel(probe)
}

// channelTarget resolves the API client and remote calendar id a
// channel watches.
func (s *Scheduler) channelTarget(ctx context.Context, ch *db.WebhookChannel) (gcal.CalendarAPI, string, error) {
	if ch.Kind == db.ChannelMain {
		user, err := s.db.GetUserByID(ch.UserID)
		if err != nil {
			return nil, "", err
		}
		if user.MainAccountID == nil || user.MainCalendarID == "" {
			return nil, "", fmt.Errorf("user %d has no main calendar configured", user.ID)
		}
		account, err := s.db.GetAccountByID(*user.MainAccountID)
		if err != nil {
			return nil, "", err
		}
		api, err := s.provider.ClientFor(ctx, account)
		if err != nil {
			return nil, "", err
		}
		return api, user.MainCalendarID, nil
	}

	att, err := s.db.GetAttachmentByID(ch.AttachmentID)
	if err != nil {
		return nil, "", err
	}
	account, err := s.db.GetAccountByID(att.AccountID)
	if err != nil {
		return nil, "", err
	}
	api, err := s.provider.ClientFor(ctx, account)
	if err != nil {
		return nil, "", err
	}
	return api, att.CalendarID, nil
}
