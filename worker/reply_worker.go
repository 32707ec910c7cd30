package worker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
	"loumass/engine"
	"loumass/metrics"
	"loumass/models"
	"loumass/utils"
)

// SenderSource lists the mailboxes to scan and records scan progress.
type SenderSource interface {
	IMAPSenders(ctx context.Context) ([]models.Sender, error)
	MarkReplyScan(ctx context.Context, senderID uint, at time.Time, scanErr error) error
}

// ReplyEvents is the part of the engagement log the reply worker needs.
type ReplyEvents interface {
	FindSentByMessageIDs(ctx context.Context, ids []string) (*models.EngagementEvent, error)
	HasEvent(ctx context.Context, eventType models.EventType, messageIDHeader string) (bool, error)
	AppendEvent(ctx context.Context, event *models.EngagementEvent) error
}

// FetchFunc reads the messages a sender received since a point in time.
type FetchFunc func(ctx context.Context, sender *models.Sender, since time.Time) ([]*utils.ParsedMessage, error)

// ReplyWorker polls sender inboxes and turns replies to engine sends into
// REPLIED events.
type ReplyWorker struct {
	senders  SenderSource
	events   ReplyEvents
	fetch    FetchFunc
	interval time.Duration
	lookback time.Duration
	logger   logrus.FieldLogger
	now      func() time.Time
}

func NewReplyWorker(senders SenderSource, events ReplyEvents, interval time.Duration, logger logrus.FieldLogger) *ReplyWorker {
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	return &ReplyWorker{
		senders:  senders,
		events:   events,
		fetch:    fetchIMAP,
		interval: interval,
		lookback: 24 * time.Hour,
		logger:   logger,
		now:      time.Now,
	}
}

func fetchIMAP(ctx context.Context, sender *models.Sender, since time.Time) ([]*utils.ParsedMessage, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return utils.FetchMessagesSince(sender, since)
}

func (w *ReplyWorker) Start(ctx context.Context) {
	w.logger.WithField("interval", w.interval.String()).Info("reply worker started")
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			w.ScanAll(ctx)
		case <-ctx.Done():
			w.logger.Info("reply worker shutting down")
			return
		}
	}
}

// ScanAll scans every IMAP sender once and returns how many replies were
// recorded.
func (w *ReplyWorker) ScanAll(ctx context.Context) int {
	senders, err := w.senders.IMAPSenders(ctx)
	if err != nil {
		w.logger.WithError(err).Error("failed to load IMAP senders")
		return 0
	}

	total := 0
	for i := range senders {
		if ctx.Err() != nil {
			break
		}
		sender := &senders[i]
		started := w.now()
		n, scanErr := w.scanSender(ctx, sender)
		total += n
		if scanErr != nil {
			utils.LogError("reply_scan_failed", scanErr, map[string]interface{}{"sender_id": sender.ID})
		}
		if err := w.senders.MarkReplyScan(ctx, sender.ID, started, scanErr); err != nil {
			w.logger.WithError(err).WithField("sender_id", sender.ID).Warn("failed to record reply scan")
		}
	}
	if total > 0 {
		w.logger.WithField("replies", total).Info("replies recorded")
	}
	return total
}

func (w *ReplyWorker) scanSender(ctx context.Context, sender *models.Sender) (int, error) {
	since := w.now().Add(-w.lookback)
	if sender.LastReplyScanAt != nil {
		since = *sender.LastReplyScanAt
	}

	messages, err := w.fetch(ctx, sender, since)
	if err != nil {
		return 0, fmt.Errorf("fetch inbox of sender %d: %w", sender.ID, err)
	}

	recorded := 0
	for _, msg := range messages {
		ok, err := w.recordReply(ctx, msg)
		if err != nil {
			w.logger.WithError(err).WithFields(logrus.Fields{
				"sender_id":  sender.ID,
				"message_id": msg.MessageID,
			}).Warn("failed to record reply")
			continue
		}
		if ok {
			recorded++
		}
	}
	return recorded, nil
}

// recordReply appends a REPLIED event when msg answers one of our sends.
// The reply's own Message-ID is the dedupe key.
func (w *ReplyWorker) recordReply(ctx context.Context, msg *utils.ParsedMessage) (bool, error) {
	replyID := utils.FormatMessageID(msg.MessageID)
	if replyID == "" {
		return false, nil
	}

	var candidates []string
	for _, id := range append(append([]string{}, msg.InReplyTo...), msg.References...) {
		if formatted := utils.FormatMessageID(id); formatted != "" {
			candidates = append(candidates, formatted)
		}
	}
	if len(candidates) == 0 {
		return false, nil
	}

	sent, err := w.events.FindSentByMessageIDs(ctx, candidates)
	if errors.Is(err, engine.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}

	seen, err := w.events.HasEvent(ctx, models.EventReplied, replyID)
	if err != nil || seen {
		return false, err
	}

	at := msg.Date
	if at.IsZero() {
		at = w.now()
	}
	event := &models.EngagementEvent{
		ContactID:       sent.ContactID,
		Type:            models.EventReplied,
		Timestamp:       at,
		SequenceID:      sent.SequenceID,
		EnrollmentID:    sent.EnrollmentID,
		StepIndex:       sent.StepIndex,
		AutomationID:    sent.AutomationID,
		ExecutionID:     sent.ExecutionID,
		NodeID:          sent.NodeID,
		MessageIDHeader: replyID,
		Payload: map[string]interface{}{
			"from":        msg.From,
			"subject":     msg.Subject,
			"html":        msg.HTML,
			"text":        msg.Text,
			"in_reply_to": sent.MessageIDHeader,
		},
	}
	if err := w.events.AppendEvent(ctx, event); err != nil {
		return false, err
	}
	metrics.IncEngagementEvent(string(models.EventReplied))
	utils.LogEvent("reply_detected", map[string]interface{}{
		"contact_id":    sent.ContactID,
		"enrollment_id": sent.EnrollmentID,
		"execution_id":  sent.ExecutionID,
	})
	return true, nil
}
