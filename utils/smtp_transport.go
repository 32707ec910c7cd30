package utils

import (
	"context"
	"crypto/tls"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"gopkg.in/gomail.v2"
	"gorm.io/gorm"
	"loumass/models"
)

// HistoryFetcher reads prior messages of a thread from the provider.
type HistoryFetcher interface {
	FetchThreadHistory(ctx context.Context, userID uint, threadID string) (*ThreadHistory, error)
}

// SMTPTransport sends through the user's own SMTP sender. Thread ids are the
// RFC Message-ID of the first message in the thread.
type SMTPTransport struct {
	DB      *gorm.DB
	Logger  logrus.FieldLogger
	History HistoryFetcher
	// MessageIDDomain overrides the domain part of generated Message-IDs.
	MessageIDDomain string
}

func NewSMTPTransport(db *gorm.DB, logger logrus.FieldLogger, history HistoryFetcher, messageIDDomain string) *SMTPTransport {
	return &SMTPTransport{DB: db, Logger: logger, History: history, MessageIDDomain: messageIDDomain}
}

func (t *SMTPTransport) Send(ctx context.Context, userID uint, from string, email OutgoingEmail) (SentEmail, error) {
	if err := ctx.Err(); err != nil {
		return SentEmail{}, err
	}

	sender, err := ResolveSender(ctx, t.DB, userID, from)
	if err != nil {
		return SentEmail{}, err
	}
	password, err := Decrypt(sender.SMTPPassword)
	if err != nil {
		return SentEmail{}, fmt.Errorf("failed to decrypt SMTP password: %w", err)
	}

	transportID := uuid.New().String()
	messageID := GenerateMessageID(transportID, t.domainFor(sender))
	m := buildMessage(sender, email, messageID)

	d := gomail.NewDialer(sender.SMTPHost, sender.SMTPPort, sender.SMTPUsername, password)
	switch strings.ToUpper(sender.Encryption) {
	case "SSL", "TLS":
		d.SSL = true
	}
	d.TLSConfig = &tls.Config{ServerName: sender.SMTPHost}

	start := time.Now()
	if err := d.DialAndSend(m); err != nil {
		return SentEmail{}, fmt.Errorf("smtp send via %s: %w", sender.SMTPHost, err)
	}

	t.Logger.WithFields(logrus.Fields{
		"sender_id":  sender.ID,
		"to":         email.To,
		"message_id": messageID,
		"duration":   time.Since(start).String(),
	}).Debug("email accepted by SMTP server")

	threadID := email.ThreadID
	if threadID == "" {
		threadID = messageID
	}
	return SentEmail{
		TransportMessageID: transportID,
		ThreadID:           threadID,
		MessageIDHeader:    messageID,
	}, nil
}

func (t *SMTPTransport) FetchThreadHistory(ctx context.Context, userID uint, threadID string) (*ThreadHistory, error) {
	if t.History == nil {
		return nil, nil
	}
	return t.History.FetchThreadHistory(ctx, userID, threadID)
}

func (t *SMTPTransport) domainFor(sender *models.Sender) string {
	if t.MessageIDDomain != "" {
		return t.MessageIDDomain
	}
	if at := strings.LastIndex(sender.FromEmail, "@"); at != -1 {
		return sender.FromEmail[at+1:]
	}
	return "localhost"
}

// GenerateMessageID renders an RFC 5322 Message-ID with angle brackets.
func GenerateMessageID(localPart, domain string) string {
	return fmt.Sprintf("<%s@%s>", localPart, domain)
}

func buildMessage(sender *models.Sender, email OutgoingEmail, messageID string) *gomail.Message {
	m := gomail.NewMessage()
	m.SetAddressHeader("From", sender.FromEmail, sender.FromName)
	if email.ToName != "" {
		m.SetAddressHeader("To", email.To, email.ToName)
	} else {
		m.SetHeader("To", email.To)
	}
	m.SetHeader("Subject", email.Subject)
	m.SetHeader("Message-ID", messageID)
	m.SetDateHeader("Date", time.Now())

	if inReplyTo := FormatMessageID(email.InReplyToMessageID); inReplyTo != "" {
		m.SetHeader("In-Reply-To", inReplyTo)
		references := email.References
		if references == "" {
			references = inReplyTo
		}
		m.SetHeader("References", references)
	}
	if email.TrackingID != "" {
		m.SetHeader("X-Tracking-ID", email.TrackingID)
	}

	textBody := email.TextBody
	if textBody == "" {
		textBody = HTMLToText(email.HTMLBody)
	}
	m.SetBody("text/plain", textBody)
	if email.HTMLBody != "" {
		m.AddAlternative("text/html", email.HTMLBody)
	}
	return m
}
