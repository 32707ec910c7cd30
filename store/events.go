package store

import (
	"context"

	"gorm.io/gorm"
	"loumass/engine"
	"loumass/models"
)

// EventStore is the append-only engagement log.
type EventStore struct {
	DB *gorm.DB
}

func NewEventStore(db *gorm.DB) *EventStore {
	return &EventStore{DB: db}
}

var _ engine.EventRepository = (*EventStore)(nil)

func (s *EventStore) AppendEvent(ctx context.Context, event *models.EngagementEvent) error {
	return s.DB.WithContext(ctx).Create(event).Error
}

func (s *EventStore) QueryEvents(ctx context.Context, q engine.EventQuery) ([]models.EngagementEvent, error) {
	query := s.DB.WithContext(ctx).Model(&models.EngagementEvent{})
	if q.ContactID != 0 {
		query = query.Where("contact_id = ?", q.ContactID)
	}
	if q.SequenceID != 0 {
		query = query.Where("sequence_id = ?", q.SequenceID)
	}
	if q.AutomationID != 0 {
		query = query.Where("automation_id = ?", q.AutomationID)
	}
	if q.EnrollmentID != 0 {
		query = query.Where("enrollment_id = ?", q.EnrollmentID)
	}
	if q.ExecutionID != 0 {
		query = query.Where("execution_id = ?", q.ExecutionID)
	}
	if q.NodeID != "" {
		query = query.Where("node_id = ?", q.NodeID)
	}
	if q.StepIndex != nil {
		query = query.Where("step_index = ?", *q.StepIndex)
	}
	if len(q.Types) > 0 {
		query = query.Where("type IN ?", q.Types)
	}
	if !q.Since.IsZero() {
		query = query.Where("timestamp >= ?", q.Since)
	}

	var events []models.EngagementEvent
	err := query.Order("timestamp ASC, id ASC").Find(&events).Error
	return events, err
}

// FindSentByTrackingID returns the SENT event carrying trackingID.
func (s *EventStore) FindSentByTrackingID(ctx context.Context, trackingID string) (*models.EngagementEvent, error) {
	var event models.EngagementEvent
	err := s.DB.WithContext(ctx).
		Where("type = ? AND tracking_id = ?", models.EventSent, trackingID).
		Order("id DESC").
		First(&event).Error
	if err != nil {
		return nil, notFound(err)
	}
	return &event, nil
}

// FindSentByMessageIDs returns the most recent SENT event whose RFC
// Message-ID is one of ids. ids must include angle brackets.
func (s *EventStore) FindSentByMessageIDs(ctx context.Context, ids []string) (*models.EngagementEvent, error) {
	if len(ids) == 0 {
		return nil, engine.ErrNotFound
	}
	var event models.EngagementEvent
	err := s.DB.WithContext(ctx).
		Where("type = ? AND message_id_header IN ?", models.EventSent, ids).
		Order("timestamp DESC, id DESC").
		First(&event).Error
	if err != nil {
		return nil, notFound(err)
	}
	return &event, nil
}

// HasEvent reports whether an event of type exists for the given dedupe key.
func (s *EventStore) HasEvent(ctx context.Context, eventType models.EventType, messageIDHeader string) (bool, error) {
	var count int64
	err := s.DB.WithContext(ctx).Model(&models.EngagementEvent{}).
		Where("type = ? AND message_id_header = ?", eventType, messageIDHeader).
		Count(&count).Error
	return count > 0, err
}
