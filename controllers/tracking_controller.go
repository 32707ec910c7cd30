package controller

import (
	"context"
	"errors"
	"net/url"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/sirupsen/logrus"
	"loumass/engine"
	"loumass/metrics"
	"loumass/models"
	"loumass/utils"
)

// TrackingEvents is the event log surface used by the tracking endpoints.
type TrackingEvents interface {
	FindSentByTrackingID(ctx context.Context, trackingID string) (*models.EngagementEvent, error)
	AppendEvent(ctx context.Context, event *models.EngagementEvent) error
}

// transparent 1x1 GIF
var trackingPixel = []byte{
	0x47, 0x49, 0x46, 0x38, 0x39, 0x61, 0x01, 0x00, 0x01, 0x00, 0x80, 0x00,
	0x00, 0x00, 0x00, 0x00, 0xff, 0xff, 0xff, 0x21, 0xf9, 0x04, 0x01, 0x00,
	0x00, 0x00, 0x00, 0x2c, 0x00, 0x00, 0x00, 0x00, 0x01, 0x00, 0x01, 0x00,
	0x00, 0x02, 0x02, 0x44, 0x01, 0x00, 0x3b,
}

// TrackingController records opens and clicks from the pixel and rewritten
// links embedded in sent mail. These routes are public.
type TrackingController struct {
	events TrackingEvents
	secret string
	logger logrus.FieldLogger
	now    func() time.Time
}

func NewTrackingController(events TrackingEvents, secret string, logger logrus.FieldLogger) *TrackingController {
	return &TrackingController{
		events: events,
		secret: secret,
		logger: logger,
		now:    time.Now,
	}
}

// Open always answers with the pixel. Forged or unknown ids are not recorded.
func (tc *TrackingController) Open(c *fiber.Ctx) error {
	trackingID := c.Params("trackingID")
	if utils.ValidTrackingToken(tc.secret, trackingID, c.Params("token")) {
		tc.record(c, models.EventOpened, trackingID, nil)
	}

	c.Set(fiber.HeaderCacheControl, "no-store, no-cache, must-revalidate")
	c.Set(fiber.HeaderContentType, "image/gif")
	return c.Send(trackingPixel)
}

// Click records the click and redirects to the original link.
func (tc *TrackingController) Click(c *fiber.Ctx) error {
	trackingID := c.Params("trackingID")
	if !utils.ValidTrackingToken(tc.secret, trackingID, c.Params("token")) {
		return utils.ErrorResponse(c, fiber.StatusBadRequest, "Invalid tracking link", nil)
	}

	target := c.Query("url")
	u, err := url.Parse(target)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return utils.ErrorResponse(c, fiber.StatusBadRequest, "Invalid redirect URL", nil)
	}

	tc.record(c, models.EventClicked, trackingID, map[string]interface{}{"url": target})
	return c.Redirect(target, fiber.StatusFound)
}

// record is best-effort. The visitor gets the pixel or redirect regardless.
func (tc *TrackingController) record(c *fiber.Ctx, eventType models.EventType, trackingID string, payload map[string]interface{}) {
	ctx := c.UserContext()
	sent, err := tc.events.FindSentByTrackingID(ctx, trackingID)
	if err != nil {
		if !errors.Is(err, engine.ErrNotFound) {
			utils.LogError("tracking_lookup_failed", err, map[string]interface{}{"tracking_id": trackingID})
		}
		return
	}

	if payload == nil {
		payload = map[string]interface{}{}
	}
	payload["ip"] = c.IP()
	payload["user_agent"] = c.Get(fiber.HeaderUserAgent)

	event := &models.EngagementEvent{
		ContactID:       sent.ContactID,
		Type:            eventType,
		Timestamp:       tc.now(),
		SequenceID:      sent.SequenceID,
		EnrollmentID:    sent.EnrollmentID,
		StepIndex:       sent.StepIndex,
		AutomationID:    sent.AutomationID,
		ExecutionID:     sent.ExecutionID,
		NodeID:          sent.NodeID,
		TrackingID:      trackingID,
		MessageIDHeader: sent.MessageIDHeader,
		Payload:         payload,
	}
	if err := tc.events.AppendEvent(ctx, event); err != nil {
		utils.LogError("tracking_event_failed", err, map[string]interface{}{
			"tracking_id": trackingID,
			"type":        string(eventType),
		})
		return
	}

	metrics.IncEngagementEvent(string(eventType))
	tc.logger.WithFields(logrus.Fields{
		"tracking_id": trackingID,
		"contact_id":  sent.ContactID,
		"type":        eventType,
	}).Debug("Engagement recorded")
}
