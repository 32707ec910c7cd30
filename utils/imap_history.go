package utils

import (
	"context"
	"fmt"
	"sort"

	"github.com/emersion/go-imap"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
	"loumass/models"
)

// IMAPHistoryFetcher rebuilds a thread's conversation from the sender's
// mailboxes. Thread ids are the root RFC Message-ID.
type IMAPHistoryFetcher struct {
	DB     *gorm.DB
	Logger logrus.FieldLogger
}

func NewIMAPHistoryFetcher(db *gorm.DB, logger logrus.FieldLogger) *IMAPHistoryFetcher {
	return &IMAPHistoryFetcher{DB: db, Logger: logger}
}

// FetchThreadHistory searches the sent folder and inbox of every IMAP-enabled
// sender of the user for messages of the thread.
func (f *IMAPHistoryFetcher) FetchThreadHistory(ctx context.Context, userID uint, threadID string) (*ThreadHistory, error) {
	threadID = NormalizeMessageID(threadID)
	if threadID == "" {
		return nil, nil
	}

	var senders []models.Sender
	if err := f.DB.WithContext(ctx).
		Where("user_id = ? AND imap_host IS NOT NULL AND imap_host != ''", userID).
		Find(&senders).Error; err != nil {
		return nil, fmt.Errorf("load senders: %w", err)
	}
	if len(senders) == 0 {
		return nil, fmt.Errorf("user %d has no IMAP sender", userID)
	}

	seen := make(map[string]struct{})
	var messages []QuotedMessage
	var lastErr error
	for i := range senders {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		found, err := f.fetchFromSender(&senders[i], threadID)
		if err != nil {
			lastErr = err
			f.Logger.WithError(err).WithField("sender_id", senders[i].ID).Warn("thread history fetch failed")
			continue
		}
		for _, m := range found {
			key := m.messageID
			if _, dup := seen[key]; dup && key != "" {
				continue
			}
			seen[key] = struct{}{}
			messages = append(messages, m.QuotedMessage)
		}
	}

	if len(messages) == 0 {
		if lastErr != nil {
			return nil, lastErr
		}
		return nil, nil
	}

	sort.SliceStable(messages, func(i, j int) bool { return messages[i].At.Before(messages[j].At) })
	htmlContent, textContent := RenderQuotedMessages(messages)
	return &ThreadHistory{HTMLContent: htmlContent, TextContent: textContent}, nil
}

type threadMessage struct {
	QuotedMessage
	messageID string
}

func (f *IMAPHistoryFetcher) fetchFromSender(sender *models.Sender, threadID string) ([]threadMessage, error) {
	imapClient, err := DialIMAP(sender)
	if err != nil {
		return nil, err
	}
	defer imapClient.Logout()

	mailboxes := []string{sender.IMAPMailbox, sender.IMAPSentFolder}
	var out []threadMessage
	for _, mailbox := range mailboxes {
		if mailbox == "" {
			continue
		}
		if _, err := imapClient.Select(mailbox, true); err != nil {
			f.Logger.WithError(err).WithField("mailbox", mailbox).Debug("mailbox not selectable")
			continue
		}

		byID := imap.NewSearchCriteria()
		byID.Header.Add("Message-Id", threadID)
		byRef := imap.NewSearchCriteria()
		byRef.Header.Add("References", threadID)
		criteria := imap.NewSearchCriteria()
		criteria.Or = [][2]*imap.SearchCriteria{{byID, byRef}}

		ids, err := imapClient.Search(criteria)
		if err != nil {
			return nil, fmt.Errorf("failed to search %s: %w", mailbox, err)
		}
		if len(ids) == 0 {
			continue
		}

		seqset := new(imap.SeqSet)
		seqset.AddNum(ids...)
		section := &imap.BodySectionName{Peek: true}

		messages := make(chan *imap.Message, 10)
		done := make(chan error, 1)
		go func() {
			done <- imapClient.Fetch(seqset, []imap.FetchItem{imap.FetchEnvelope, section.FetchItem()}, messages)
		}()

		for msg := range messages {
			body := msg.GetBody(section)
			if body == nil {
				continue
			}
			parsed, err := ParseMessage(body)
			if err != nil {
				f.Logger.WithError(err).WithField("seq", msg.SeqNum).Warn("failed to parse thread message")
				continue
			}
			at := parsed.Date
			if at.IsZero() && msg.Envelope != nil {
				at = msg.Envelope.Date
			}
			out = append(out, threadMessage{
				QuotedMessage: QuotedMessage{From: parsed.From, At: at, HTML: parsed.HTML, Text: parsed.Text},
				messageID:     NormalizeMessageID(parsed.MessageID),
			})
		}
		if err := <-done; err != nil {
			return nil, fmt.Errorf("error during fetch: %w", err)
		}
	}
	return out, nil
}
