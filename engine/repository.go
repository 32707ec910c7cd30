package engine

import (
	"context"
	"time"

	"loumass/models"
)

// EventScope identifies whose engagement history is being looked at.
// Exactly one of SequenceID and AutomationID is normally set.
type EventScope struct {
	ContactID    uint
	SequenceID   uint
	AutomationID uint
}

// EventQuery filters the engagement log. Zero fields do not filter.
type EventQuery struct {
	EventScope
	EnrollmentID uint
	ExecutionID  uint
	NodeID       string
	StepIndex    *int
	Types        []models.EventType
	Since        time.Time
}

// EventRepository is the append-only engagement log.
type EventRepository interface {
	AppendEvent(ctx context.Context, event *models.EngagementEvent) error
	// QueryEvents returns matching events ordered by ascending timestamp.
	QueryEvents(ctx context.Context, q EventQuery) ([]models.EngagementEvent, error)
}

// ContactRepository loads contacts for composition.
type ContactRepository interface {
	GetContact(ctx context.Context, id uint) (*models.Contact, error)
}

// Locker serializes work on a single record across goroutines and processes.
// Lock returns ok=false when someone else holds the key.
type Locker interface {
	Lock(ctx context.Context, key string, ttl time.Duration) (unlock func(), ok bool, err error)
}
