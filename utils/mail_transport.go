package utils

import (
	"context"
	"errors"
	"fmt"

	"gorm.io/gorm"
	"loumass/models"
)

// OutgoingEmail is a fully composed message ready for the transport.
type OutgoingEmail struct {
	To       string
	ToName   string
	Subject  string
	HTMLBody string
	TextBody string

	// Threading. InReplyToMessageID must be an RFC Message-ID header value.
	ThreadID           string
	InReplyToMessageID string
	References         string

	TrackingID string
}

// SentEmail is what the transport reports back after accepting a message.
// TransportMessageID and MessageIDHeader live in different namespaces.
type SentEmail struct {
	TransportMessageID string
	ThreadID           string
	MessageIDHeader    string
}

// ThreadHistory is the prior conversation of a thread, rendered for quoting.
type ThreadHistory struct {
	HTMLContent string
	TextContent string
}

// MailTransport sends mail on behalf of a user's sending address.
type MailTransport interface {
	Send(ctx context.Context, userID uint, from string, email OutgoingEmail) (SentEmail, error)
	// FetchThreadHistory returns nil, nil when the thread has no readable history.
	FetchThreadHistory(ctx context.Context, userID uint, threadID string) (*ThreadHistory, error)
}

// ErrNoSender is returned when a user has no active sender for an address.
var ErrNoSender = errors.New("no active sender for address")

// ResolveSender finds the active sender that owns fromEmail, falling back to
// the user's oldest active sender when fromEmail is empty.
func ResolveSender(ctx context.Context, db *gorm.DB, userID uint, fromEmail string) (*models.Sender, error) {
	query := db.WithContext(ctx).Where("user_id = ? AND is_active = ?", userID, true)
	if fromEmail != "" {
		query = query.Where("from_email = ?", fromEmail)
	}

	var senders []models.Sender
	if err := query.Order("id ASC").Find(&senders).Error; err != nil {
		return nil, fmt.Errorf("load senders: %w", err)
	}
	if len(senders) == 0 {
		return nil, fmt.Errorf("%w: user %d, %q", ErrNoSender, userID, fromEmail)
	}
	return &senders[0], nil
}
