package engine

import (
	"context"

	"github.com/sirupsen/logrus"
	"loumass/models"
	"loumass/utils"
)

// HistoryFetcher is the transport side of thread history.
type HistoryFetcher interface {
	FetchThreadHistory(ctx context.Context, userID uint, threadID string) (*utils.ThreadHistory, error)
}

// ThreadHistoryResolver produces the quoted conversation for a threaded
// reply. The transport's copy of the thread wins; the local engagement log is
// the fallback. An empty history is never an error.
type ThreadHistoryResolver struct {
	transport HistoryFetcher
	events    EventRepository
	logger    logrus.FieldLogger
}

func NewThreadHistoryResolver(transport HistoryFetcher, events EventRepository, logger logrus.FieldLogger) *ThreadHistoryResolver {
	return &ThreadHistoryResolver{transport: transport, events: events, logger: logger}
}

// Resolve returns nil when nothing can be quoted. local selects the owner's
// SENT and REPLIED events used when the transport has nothing.
func (r *ThreadHistoryResolver) Resolve(ctx context.Context, userID uint, threadID string, local EventQuery) *utils.ThreadHistory {
	log := r.logger.WithField("thread_id", threadID)

	if r.transport != nil && threadID != "" {
		history, err := r.transport.FetchThreadHistory(ctx, userID, threadID)
		switch {
		case err != nil:
			log.WithError(err).Warn("transport thread history unavailable, using local events")
		case history != nil && (history.HTMLContent != "" || history.TextContent != ""):
			return history
		}
	}

	local.Types = []models.EventType{models.EventSent, models.EventReplied}
	events, err := r.events.QueryEvents(ctx, local)
	if err != nil {
		log.WithError(err).Warn("local thread history unavailable")
		return nil
	}

	messages := make([]utils.QuotedMessage, 0, len(events))
	for _, e := range events {
		messages = append(messages, utils.QuotedMessage{
			From: e.PayloadString("from"),
			At:   e.Timestamp,
			HTML: e.PayloadString("html"),
			Text: e.PayloadString("text"),
		})
	}
	htmlContent, textContent := utils.RenderQuotedMessages(messages)
	if htmlContent == "" && textContent == "" {
		return nil
	}
	return &utils.ThreadHistory{HTMLContent: htmlContent, TextContent: textContent}
}
