package engine

import (
	"context"
	"fmt"
	"html"
	"strings"
	"time"

	"github.com/badoux/checkmail"
	"github.com/sirupsen/logrus"
	"loumass/models"
	"loumass/utils"
)

// ThreadState is the threading data carried between sends of one owner.
type ThreadState struct {
	ThreadID           string
	TransportMessageID string
	MessageIDHeader    string
	LastSubject        string
}

func (t ThreadState) hasPrior() bool {
	return t.ThreadID != "" || t.TransportMessageID != "" || t.MessageIDHeader != ""
}

// ComposeRequest describes one email step or node about to be sent.
type ComposeRequest struct {
	UserID  uint
	OwnerID uint
	// Position identifies the step or node; Index > 0 means an earlier
	// step may have started the thread.
	Position string
	Index    int

	Contact   *models.Contact
	Variables map[string]interface{}

	Subject       string
	BodyTemplate  string
	ReplyToThread bool
	Tracking      bool

	Thread  ThreadState
	History EventQuery
	Now     time.Time
}

// Composer turns a step definition into a transport-ready message.
type Composer struct {
	history         *ThreadHistoryResolver
	trackingBaseURL string
	trackingSecret  string
	logger          logrus.FieldLogger
}

func NewComposer(history *ThreadHistoryResolver, trackingBaseURL, trackingSecret string, logger logrus.FieldLogger) *Composer {
	return &Composer{
		history:         history,
		trackingBaseURL: strings.TrimRight(trackingBaseURL, "/"),
		trackingSecret:  trackingSecret,
		logger:          logger,
	}
}

// Composed is a composed message plus the untracked body kept for the
// engagement log.
type Composed struct {
	Email   utils.OutgoingEmail
	LogHTML string
	LogText string
}

func (c *Composer) Compose(ctx context.Context, req ComposeRequest) (Composed, error) {
	contact := req.Contact
	if contact == nil {
		return Composed{}, fmt.Errorf("%w: no contact", ErrInvalidRecipient)
	}
	if err := checkmail.ValidateFormat(contact.Email); err != nil {
		return Composed{}, fmt.Errorf("%w: %q: %v", ErrInvalidRecipient, contact.Email, err)
	}

	subject := Expand(req.Subject, contact, req.Variables)
	body := Expand(req.BodyTemplate, contact, req.Variables)

	email := utils.OutgoingEmail{
		To:     contact.Email,
		ToName: strings.TrimSpace(contact.FirstName + " " + contact.LastName),
	}

	reply := req.ReplyToThread && req.Thread.hasPrior()
	if reply {
		email.ThreadID = req.Thread.ThreadID
		switch {
		case req.Thread.MessageIDHeader != "":
			email.InReplyToMessageID = req.Thread.MessageIDHeader
			email.References = req.Thread.MessageIDHeader
		case req.Thread.TransportMessageID != "":
			utils.LogError("threading_integrity", &ThreadingIntegrityError{
				ThreadID:           req.Thread.ThreadID,
				TransportMessageID: req.Thread.TransportMessageID,
			}, map[string]interface{}{
				"owner_id": req.OwnerID,
				"position": req.Position,
			})
		}
		if strings.TrimSpace(subject) == "" {
			subject = replySubject(req.Thread.LastSubject)
		}
	}
	email.Subject = subject

	htmlBody := body
	if !utils.LooksLikeHTML(body) {
		htmlBody = strings.ReplaceAll(html.EscapeString(body), "\n", "<br>")
	}
	textBody := utils.HTMLToText(htmlBody)
	composed := Composed{LogHTML: htmlBody, LogText: textBody}

	if req.Tracking && c.trackingBaseURL != "" {
		email.TrackingID = utils.TrackingID(req.OwnerID, req.Position, req.Now)
		htmlBody = utils.InjectTracking(htmlBody, c.trackingBaseURL, c.trackingSecret, email.TrackingID)
	}

	// Any follow-up in a known thread quotes the history, threaded reply
	// or not.
	if req.Index > 0 && req.Thread.ThreadID != "" && c.history != nil {
		if history := c.history.Resolve(ctx, req.UserID, req.Thread.ThreadID, req.History); history != nil {
			quoteHTML := history.HTMLContent
			if quoteHTML == "" {
				quoteHTML = strings.ReplaceAll(html.EscapeString(history.TextContent), "\n", "<br>")
			}
			quoteText := history.TextContent
			if quoteText == "" {
				quoteText = utils.HTMLToText(history.HTMLContent)
			}
			htmlBody += "<br><br>" + quoteHTML
			textBody += "\n\n" + quoteText
		}
	}

	email.HTMLBody = htmlBody
	email.TextBody = textBody
	composed.Email = email
	return composed, nil
}

func replySubject(last string) string {
	if strings.HasPrefix(strings.ToLower(last), "re:") {
		return last
	}
	return "Re: " + last
}

// SentPayload is the SENT event payload; it doubles as the local thread
// history when the transport cannot return one.
func SentPayload(from string, composed Composed, sent utils.SentEmail) map[string]interface{} {
	email := composed.Email
	return map[string]interface{}{
		"subject":              email.Subject,
		"html":                 composed.LogHTML,
		"text":                 composed.LogText,
		"from":                 from,
		"to":                   email.To,
		"thread_id":            sent.ThreadID,
		"transport_message_id": sent.TransportMessageID,
		"message_id_header":    sent.MessageIDHeader,
	}
}
