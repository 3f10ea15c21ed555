package web

import (
	"crypto/subtle"
	"errors"
	"log"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/calsyncd/calsyncd/internal/db"
	"github.com/calsyncd/calsyncd/internal/gcal"
)

// GoogleWebhook receives push notifications. Every anomaly is
// acknowledged with 200: a non-2xx response makes the sender retry and
// eventually disable the channel, which punishes us, not the anomaly.
// Notifications carry no payload; they only say "something changed",
// so acknowledging a bogus one costs nothing.
func (h *Handlers) GoogleWebhook(c *gin.Context) {
	channelID := c.GetHeader(gcal.HeaderChannelID)
	token := c.GetHeader(gcal.HeaderChannelToken)
	resourceID := c.GetHeader(gcal.HeaderResourceID)
	state := c.GetHeader(gcal.HeaderResourceState)

	defer c.Status(http.StatusOK)

	if channelID == "" {
		return
	}

	channel, err := h.db.GetWebhookChannelByChannelID(channelID)
	if errors.Is(err, db.ErrNotFound) {
		// Stale channel from a previous registration still draining.
		log.Printf("[Webhook] unknown channel %s, ignoring", channelID)
		return
	}
	if err != nil {
		log.Printf("[Webhook] lookup channel %s: %v", channelID, err)
		return
	}

	if time.Now().UTC().After(channel.Expiration) {
		log.Printf("[Webhook] expired channel %s, dropping registration", channelID)
		if derr := h.db.DeleteWebhookChannel(channel.ID); derr != nil && !errors.Is(derr, db.ErrNotFound) {
			log.Printf("[Webhook] delete expired channel %s: %v", channelID, derr)
		}
		return
	}

	if subtle.ConstantTimeCompare([]byte(token), []byte(channel.Token)) != 1 {
		log.Printf("[Webhook] token mismatch on channel %s, ignoring", channelID)
		return
	}

	if resourceID != "" && resourceID != channel.ResourceID {
		log.Printf("[Webhook] resource mismatch on channel %s, ignoring", channelID)
		return
	}

	// The registration handshake is not a change notification.
	if state == gcal.ResourceStateSync {
		return
	}

	if channel.Kind == db.ChannelMain {
		h.scheduler.TriggerSyncForMainCalendar(channel.UserID)
	} else {
		h.scheduler.TriggerSyncForCalendar(channel.AttachmentID)
	}
}
