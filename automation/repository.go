package automation

import (
	"context"
	"time"

	"loumass/models"
)

// CounterDelta is a change to an automation's aggregate counters.
type CounterDelta struct {
	TotalEntered    int
	CurrentlyActive int
	TotalCompleted  int
	TotalFailed     int
}

// Fields maps non-zero deltas to their column names.
func (d CounterDelta) Fields() map[string]int {
	fields := make(map[string]int, 4)
	if d.TotalEntered != 0 {
		fields["total_entered"] = d.TotalEntered
	}
	if d.CurrentlyActive != 0 {
		fields["currently_active"] = d.CurrentlyActive
	}
	if d.TotalCompleted != 0 {
		fields["total_completed"] = d.TotalCompleted
	}
	if d.TotalFailed != 0 {
		fields["total_failed"] = d.TotalFailed
	}
	return fields
}

// ExecutionPatch is a partial execution update. Nil fields are left alone.
// ClaimedUntil takes the pass lease and ReleaseClaim drops it.
type ExecutionPatch struct {
	Status             *models.ExecutionStatus
	CurrentNodeID      *string
	Variables          map[string]interface{}
	LastActionAt       *time.Time
	WaitUntil          *time.Time
	ClearWaitUntil     bool
	ThreadID           *string
	TransportMessageID *string
	MessageIDHeader    *string
	LastSubject        *string
	LastError          *string
	CompletedAt        *time.Time
	EmailsSent         int
	ClaimedUntil       *time.Time
	ReleaseClaim       bool

	Counters *CounterDelta
}

// Apply writes the patch into x without touching Version.
func (p ExecutionPatch) Apply(x *models.AutomationExecution) {
	if p.Status != nil {
		x.Status = *p.Status
	}
	if p.CurrentNodeID != nil {
		x.CurrentNodeID = *p.CurrentNodeID
	}
	if p.Variables != nil {
		x.Variables = p.Variables
	}
	if p.LastActionAt != nil {
		x.LastActionAt = *p.LastActionAt
	}
	if p.ClearWaitUntil {
		x.WaitUntil = nil
	}
	if p.WaitUntil != nil {
		t := *p.WaitUntil
		x.WaitUntil = &t
	}
	if p.ThreadID != nil {
		x.ThreadID = *p.ThreadID
	}
	if p.TransportMessageID != nil {
		x.TransportMessageID = *p.TransportMessageID
	}
	if p.MessageIDHeader != nil {
		x.MessageIDHeader = *p.MessageIDHeader
	}
	if p.LastSubject != nil {
		x.LastSubject = *p.LastSubject
	}
	if p.LastError != nil {
		x.LastError = *p.LastError
	}
	if p.CompletedAt != nil {
		t := *p.CompletedAt
		x.CompletedAt = &t
	}
	x.EmailsSent += p.EmailsSent
	if p.ReleaseClaim {
		x.ClaimedUntil = nil
	}
	if p.ClaimedUntil != nil {
		t := *p.ClaimedUntil
		x.ClaimedUntil = &t
	}
}

// Repository persists automations and their executions. UpdateExecution
// succeeds only when the stored version equals expectedVersion and returns
// engine.ErrVersionConflict otherwise; Counters are applied in the same
// transaction.
type Repository interface {
	GetAutomation(ctx context.Context, id uint) (*models.Automation, error)
	FindAutomationsByTrigger(ctx context.Context, userID uint, trigger string) ([]models.Automation, error)
	GetExecution(ctx context.Context, id uint) (*models.AutomationExecution, error)
	// FindExecutions skips executions under a live pass lease.
	FindExecutions(ctx context.Context, status models.ExecutionStatus, limit int) ([]models.AutomationExecution, error)
	FindDueExecutions(ctx context.Context, now time.Time, limit int) ([]models.AutomationExecution, error)
	UpdateExecution(ctx context.Context, id uint, expectedVersion int, patch ExecutionPatch) (*models.AutomationExecution, error)
	CreateExecutions(ctx context.Context, automationID uint, executions []*models.AutomationExecution) error
	FindOpenExecutionContactIDs(ctx context.Context, automationID uint, contactIDs []uint) ([]uint, error)
	CancelExecutions(ctx context.Context, automationID uint) (int, error)
	AppendExecutionEvent(ctx context.Context, event *models.AutomationExecutionEvent) error
}
