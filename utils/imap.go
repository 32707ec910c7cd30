package utils

import (
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/emersion/go-imap"
	"github.com/emersion/go-imap/client"
	_ "github.com/emersion/go-message/charset"
	"github.com/emersion/go-message/mail"
	"loumass/models"
)

// ErrIMAPNotConfigured is returned for senders without inbound credentials.
var ErrIMAPNotConfigured = errors.New("imap not configured")

// DialIMAP connects and logs in to a sender's IMAP server. The caller must
// Logout the returned client.
func DialIMAP(sender *models.Sender) (*client.Client, error) {
	if !sender.HasIMAP() {
		return nil, ErrIMAPNotConfigured
	}
	password, err := Decrypt(sender.IMAPPassword)
	if err != nil {
		return nil, fmt.Errorf("failed to decrypt IMAP password: %w", err)
	}

	var imapClient *client.Client
	imapAddr := fmt.Sprintf("%s:%d", sender.IMAPHost, sender.IMAPPort)
	tlsConfig := &tls.Config{ServerName: sender.IMAPHost}

	switch strings.ToUpper(sender.IMAPEncryption) {
	case "SSL", "TLS":
		imapClient, err = client.DialTLS(imapAddr, tlsConfig)
	case "STARTTLS":
		imapClient, err = client.Dial(imapAddr)
		if err == nil {
			err = imapClient.StartTLS(tlsConfig)
		}
	default:
		imapClient, err = client.Dial(imapAddr)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to connect to IMAP server: %w", err)
	}
	imapClient.Timeout = 30 * time.Second

	if err := imapClient.Login(sender.IMAPUsername, password); err != nil {
		_ = imapClient.Logout()
		return nil, fmt.Errorf("failed to login to IMAP server: %w", err)
	}
	return imapClient, nil
}

// ParsedMessage is the subset of an RFC 5322 message the engine cares about.
type ParsedMessage struct {
	MessageID  string
	InReplyTo  []string
	References []string
	From       string
	Subject    string
	Date       time.Time
	Text       string
	HTML       string
}

// ParseMessage reads a raw message and extracts headers and body parts.
func ParseMessage(r io.Reader) (*ParsedMessage, error) {
	mr, err := mail.CreateReader(r)
	if err != nil {
		return nil, fmt.Errorf("failed to create message reader: %w", err)
	}
	defer mr.Close()

	parsed := &ParsedMessage{}
	parsed.MessageID, _ = mr.Header.MessageID()
	parsed.InReplyTo, _ = mr.Header.MsgIDList("In-Reply-To")
	parsed.References, _ = mr.Header.MsgIDList("References")
	parsed.Subject, _ = mr.Header.Subject()
	parsed.Date, _ = mr.Header.Date()
	if from, err := mr.Header.AddressList("From"); err == nil && len(from) > 0 {
		parsed.From = from[0].String()
	}

	for {
		p, err := mr.NextPart()
		if err == io.EOF {
			break
		} else if err != nil {
			return nil, fmt.Errorf("failed to read next part: %w", err)
		}

		h, ok := p.Header.(*mail.InlineHeader)
		if !ok {
			continue
		}
		contentType, _, _ := h.ContentType()
		b, err := io.ReadAll(p.Body)
		if err != nil {
			return nil, fmt.Errorf("failed to read body: %w", err)
		}
		switch {
		case strings.Contains(contentType, "text/html") && parsed.HTML == "":
			parsed.HTML = string(b)
		case strings.Contains(contentType, "text/plain") && parsed.Text == "":
			parsed.Text = string(b)
		}
	}
	return parsed, nil
}

// NormalizeMessageID strips whitespace and angle brackets from a Message-ID.
func NormalizeMessageID(id string) string {
	return strings.Trim(strings.TrimSpace(id), "<>")
}

// FormatMessageID renders a Message-ID as a header value with angle brackets.
func FormatMessageID(id string) string {
	id = NormalizeMessageID(id)
	if id == "" {
		return ""
	}
	return "<" + id + ">"
}

// FetchMessagesSince returns the messages of the sender's inbox received on
// or after since. IMAP SINCE has day granularity so callers must dedupe.
func FetchMessagesSince(sender *models.Sender, since time.Time) ([]*ParsedMessage, error) {
	imapClient, err := DialIMAP(sender)
	if err != nil {
		return nil, err
	}
	defer imapClient.Logout()

	mailbox := sender.IMAPMailbox
	if mailbox == "" {
		mailbox = "INBOX"
	}
	if _, err := imapClient.Select(mailbox, true); err != nil {
		return nil, fmt.Errorf("failed to select %s: %w", mailbox, err)
	}

	criteria := imap.NewSearchCriteria()
	criteria.Since = since
	ids, err := imapClient.Search(criteria)
	if err != nil {
		return nil, fmt.Errorf("failed to search %s: %w", mailbox, err)
	}
	if len(ids) == 0 {
		return nil, nil
	}

	seqset := new(imap.SeqSet)
	seqset.AddNum(ids...)
	section := &imap.BodySectionName{Peek: true}

	messages := make(chan *imap.Message, 10)
	done := make(chan error, 1)
	go func() {
		done <- imapClient.Fetch(seqset, []imap.FetchItem{imap.FetchEnvelope, section.FetchItem()}, messages)
	}()

	var out []*ParsedMessage
	for msg := range messages {
		body := msg.GetBody(section)
		if body == nil {
			continue
		}
		parsed, err := ParseMessage(body)
		if err != nil {
			continue
		}
		if parsed.Date.IsZero() && msg.Envelope != nil {
			parsed.Date = msg.Envelope.Date
		}
		out = append(out, parsed)
	}
	if err := <-done; err != nil {
		return nil, fmt.Errorf("error during fetch: %w", err)
	}
	return out, nil
}
