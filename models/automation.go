package models

import (
	"encoding/json"
	"time"

	"gorm.io/gorm"
)

// Automation statuses
const (
	AutomationStatusDraft    = "draft"
	AutomationStatusActive   = "active"
	AutomationStatusPaused   = "paused"
	AutomationStatusArchived = "archived"
)

// Automation represents a node-graph automation flow
type Automation struct {
	gorm.Model
	UserID    uint   `gorm:"not null;index" json:"user_id"`
	FromEmail string `gorm:"not null" json:"from_email"`

	Name            string `gorm:"not null" json:"name"`
	Status          string `gorm:"default:'draft';index" json:"status"`
	TriggerType     string `gorm:"default:'manual';index" json:"trigger_type"`
	TrackingEnabled bool   `gorm:"default:true" json:"tracking_enabled"`

	// Flow structure stored as JSON
	EntryNodeID string           `json:"entry_node_id"`
	Nodes       []AutomationNode `gorm:"type:jsonb;serializer:json" json:"nodes"`
	Edges       []AutomationEdge `gorm:"type:jsonb;serializer:json" json:"edges"`

	// Statistics
	TotalEntered    int `gorm:"default:0" json:"total_entered"`
	CurrentlyActive int `gorm:"default:0" json:"currently_active"`
	TotalCompleted  int `gorm:"default:0" json:"total_completed"`
	TotalFailed     int `gorm:"default:0" json:"total_failed"`
}

// AutomationNode represents a node in the automation flowchart. Data is
// decoded per node type by the automation engine.
type AutomationNode struct {
	ID       string `json:"id"`
	Type     string `json:"type"` // email, wait, condition, webhook, sms, until, when, moveTo
	Position struct {
		X float64 `json:"x"`
		Y float64 `json:"y"`
	} `json:"position"`
	Data json.RawMessage `json:"data"`
}

// AutomationEdge represents connections between nodes
type AutomationEdge struct {
	ID           string `json:"id"`
	Source       string `json:"source"`
	SourceHandle string `json:"sourceHandle"`
	Target       string `json:"target"`
	Condition    string `json:"condition"` // "", yes, no
}

// ExecutionStatus is the lifecycle state of one contact in one automation.
type ExecutionStatus string

const (
	ExecutionActive    ExecutionStatus = "ACTIVE"
	ExecutionWaiting   ExecutionStatus = "WAITING"
	ExecutionCompleted ExecutionStatus = "COMPLETED"
	ExecutionFailed    ExecutionStatus = "FAILED"
	ExecutionCancelled ExecutionStatus = "CANCELLED"
)

// IsTerminal reports whether the runner will never touch the execution again.
func (s ExecutionStatus) IsTerminal() bool {
	return s == ExecutionCompleted || s == ExecutionFailed || s == ExecutionCancelled
}

// AutomationExecution tracks the current state of one contact in an automation
type AutomationExecution struct {
	ID           uint `gorm:"primarykey" json:"id"`
	AutomationID uint `gorm:"not null;index:idx_execution_automation_contact" json:"automation_id"`
	ContactID    uint `gorm:"not null;index:idx_execution_automation_contact" json:"contact_id"`

	Status        ExecutionStatus        `gorm:"type:varchar(16);not null;index" json:"status"`
	CurrentNodeID string                 `json:"current_node_id"`
	Variables     map[string]interface{} `gorm:"type:jsonb;serializer:json" json:"variables"`
	WaitUntil     *time.Time             `gorm:"index" json:"wait_until,omitempty"`
	LastActionAt  time.Time              `gorm:"not null" json:"last_action_at"`

	ThreadID           string `json:"thread_id,omitempty"`
	TransportMessageID string `json:"transport_message_id,omitempty"`
	MessageIDHeader    string `json:"message_id_header,omitempty"`
	LastSubject        string `json:"last_subject,omitempty"`
	EmailsSent         int    `gorm:"default:0" json:"emails_sent"`

	LastError string `gorm:"type:text" json:"last_error,omitempty"`
	Version   int    `gorm:"not null;default:0" json:"version"`

	// ClaimedUntil is the lease of the pass currently working the execution.
	ClaimedUntil *time.Time `gorm:"index" json:"-"`

	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// ClaimedAt reports whether a pass holds a live lease at now.
func (x AutomationExecution) ClaimedAt(now time.Time) bool {
	return x.ClaimedUntil != nil && now.Before(*x.ClaimedUntil)
}

// Node visit actions recorded in the execution audit trail
const (
	NodeActionEntered   = "entered"
	NodeActionCompleted = "completed"
	NodeActionWaiting   = "waiting"
	NodeActionFailed    = "failed"
)

// AutomationExecutionEvent is an immutable audit record of one node visit
type AutomationExecutionEvent struct {
	ID          uint      `gorm:"primarykey" json:"id"`
	ExecutionID uint      `gorm:"not null;index" json:"execution_id"`
	NodeID      string    `gorm:"not null" json:"node_id"`
	NodeType    string    `gorm:"not null" json:"node_type"`
	Action      string    `gorm:"not null" json:"action"`
	Detail      string    `gorm:"type:text" json:"detail,omitempty"`
	At          time.Time `gorm:"not null" json:"at"`
}
