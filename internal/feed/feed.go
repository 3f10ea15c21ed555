// Package feed renders a read-only iCalendar availability feed. The
// feed exposes busy windows only: no summaries, descriptions, or
// attendees leak through the capability URL.
package feed

import (
	"fmt"
	"net/http"
	"time"

	"github.com/emersion/go-ical"
	"github.com/gin-gonic/gin"

	"github.com/calsyncd/calsyncd/internal/db"
)

const (
	productID = "-//calsyncd//availability//EN"
	busyTitle = "Busy"
)

// Handler serves GET /feed/:feedToken/availability.ics. The token is a
// per-user capability; an unknown token is indistinguishable from a
// missing feed.
func Handler(database *db.DB) gin.HandlerFunc {
	return func(c *gin.Context) {
		token := c.Param("feedToken")
		user, err := database.GetUserByFeedToken(token)
		if err != nil {
			c.String(http.StatusNotFound, "not found")
			return
		}

		mappings, err := database.GetLiveMappingsByUserID(user.ID)
		if err != nil {
			c.String(http.StatusInternalServerError, "internal error")
			return
		}

		cal := Build(mappings)

		c.Header("Content-Type", "text/calendar; charset=utf-8")
		c.Header("Cache-Control", "private, max-age=300")
		c.Status(http.StatusOK)
		if err := ical.NewEncoder(c.Writer).Encode(cal); err != nil {
			// Headers are gone; nothing left to do but log via gin.
			_ = c.Error(err)
		}
	}
}

// Build renders live mappings as opaque busy windows.
func Build(mappings []*db.EventMapping) *ical.Calendar {
	cal := ical.NewCalendar()
	cal.Props.SetText(ical.PropVersion, "2.0")
	cal.Props.SetText(ical.PropProductID, productID)

	now := time.Now().UTC()
	for _, mapping := range mappings {
		if mapping.EventStart == nil || mapping.EventEnd == nil {
			continue
		}

		event := ical.NewEvent()
		event.Props.SetText(ical.PropUID, fmt.Sprintf("busy-%d@calsyncd", mapping.ID))
		event.Props.SetDateTime(ical.PropDateTimeStamp, now)
		event.Props.SetText(ical.PropSummary, busyTitle)
		event.Props.SetText(ical.PropTransparency, "OPAQUE")

		if mapping.IsAllDay {
			setDate(event, ical.PropDateTimeStart, *mapping.EventStart)
			setDate(event, ical.PropDateTimeEnd, *mapping.EventEnd)
		} else {
			event.Props.SetDateTime(ical.PropDateTimeStart, mapping.EventStart.UTC())
			event.Props.SetDateTime(ical.PropDateTimeEnd, mapping.EventEnd.UTC())
		}

		cal.Children = append(cal.Children, event.Component)
	}
	return cal
}

func setDate(event *ical.Event, name string, t time.Time) {
	prop := ical.NewProp(name)
	prop.SetValueType(ical.ValueDate)
	prop.Value = t.UTC().Format("20060102")
	event.Props.Set(prop)
}
