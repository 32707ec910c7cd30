package models

import "gorm.io/gorm"

// Sequence statuses
const (
	SequenceStatusDraft    = "draft"
	SequenceStatusActive   = "active"
	SequenceStatusPaused   = "paused"
	SequenceStatusArchived = "archived"
)

// Enrollment triggers a sequence can listen for
const (
	TriggerManual         = "manual"
	TriggerSignup         = "signup"
	TriggerCampaignImport = "campaign_import"
)

// Sequence represents an automated multi-step email sequence
type Sequence struct {
	gorm.Model
	UserID    uint   `gorm:"not null;index" json:"user_id"`
	SenderID  uint   `gorm:"index" json:"sender_id"`
	FromEmail string `gorm:"not null" json:"from_email"`

	Name        string `gorm:"not null" json:"name"`
	Description string `json:"description"`
	Status      string `gorm:"default:'draft';index" json:"status"` // draft, active, paused, archived
	TriggerType string `gorm:"default:'manual';index" json:"trigger_type"`

	// Settings
	TrackingEnabled bool `gorm:"default:true" json:"tracking_enabled"`
	StopOnReply     bool `gorm:"default:false" json:"stop_on_reply"`

	// Step definitions, decoded by the engine at load time
	Steps []StepDefinition `gorm:"type:jsonb;serializer:json" json:"steps"`

	// Counters, only ever changed alongside an enrollment transition
	TotalEnrolled   int `gorm:"default:0" json:"total_enrolled"`
	CurrentlyActive int `gorm:"default:0" json:"currently_active"`
	TotalCompleted  int `gorm:"default:0" json:"total_completed"`
	TotalErrored    int `gorm:"default:0" json:"total_errored"`
	TotalCancelled  int `gorm:"default:0" json:"total_cancelled"`
}

// StepDefinition is the stored shape of one sequence step.
type StepDefinition struct {
	ID   string `json:"id" validate:"required"`
	Type string `json:"type" validate:"required,oneof=email delay condition"`

	// Email step fields
	Subject         string `json:"subject,omitempty"`
	Body            string `json:"body,omitempty" validate:"required_if=Type email"`
	ReplyToThread   bool   `json:"reply_to_thread,omitempty"`
	TrackingEnabled *bool  `json:"tracking_enabled,omitempty"`

	// Delay step fields
	Amount int    `json:"amount,omitempty" validate:"gte=0"`
	Unit   string `json:"unit,omitempty" validate:"required_if=Type delay,omitempty,oneof=minutes hours days"`

	// Condition step fields
	Predicate       string `json:"predicate,omitempty" validate:"required_if=Type condition,omitempty,oneof=opened clicked replied not_opened not_clicked"`
	ReferenceStepID string `json:"reference_step_id,omitempty"`
}
