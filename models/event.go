package models

import "time"

// EventType is the kind of engagement recorded for a contact.
type EventType string

const (
	EventSent    EventType = "SENT"
	EventOpened  EventType = "OPENED"
	EventClicked EventType = "CLICKED"
	EventReplied EventType = "REPLIED"
)

// EngagementEvent is an append-only engagement log record. Sequence events
// carry SequenceID/EnrollmentID/StepIndex, automation events carry
// AutomationID/ExecutionID/NodeID.
type EngagementEvent struct {
	ID        uint      `gorm:"primarykey" json:"id"`
	ContactID uint      `gorm:"not null;index:idx_event_contact_time" json:"contact_id"`
	Type      EventType `gorm:"type:varchar(16);not null;index" json:"type"`
	Timestamp time.Time `gorm:"not null;index:idx_event_contact_time" json:"timestamp"`

	SequenceID   uint `gorm:"index" json:"sequence_id,omitempty"`
	EnrollmentID uint `gorm:"index" json:"enrollment_id,omitempty"`
	StepIndex    int  `json:"step_index"`

	AutomationID uint   `gorm:"index" json:"automation_id,omitempty"`
	ExecutionID  uint   `gorm:"index" json:"execution_id,omitempty"`
	NodeID       string `json:"node_id,omitempty"`

	TrackingID      string `gorm:"index" json:"tracking_id,omitempty"`
	MessageIDHeader string `gorm:"index" json:"message_id_header,omitempty"`

	Payload map[string]interface{} `gorm:"type:jsonb;serializer:json" json:"payload,omitempty"`
}

// PayloadString returns a string payload value or "".
func (e EngagementEvent) PayloadString(key string) string {
	if e.Payload == nil {
		return ""
	}
	if s, ok := e.Payload[key].(string); ok {
		return s
	}
	return ""
}
