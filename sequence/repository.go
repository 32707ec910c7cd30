package sequence

import (
	"context"
	"time"

	"loumass/models"
)

// CounterDelta is a change to a sequence's aggregate counters. It is applied
// in the same transaction as the enrollment transition that causes it.
type CounterDelta struct {
	TotalEnrolled   int
	CurrentlyActive int
	TotalCompleted  int
	TotalErrored    int
	TotalCancelled  int
}

// Fields maps non-zero deltas to their column names.
func (d CounterDelta) Fields() map[string]int {
	fields := make(map[string]int, 5)
	add := func(column string, delta int) {
		if delta != 0 {
			fields[column] = delta
		}
	}
	add("total_enrolled", d.TotalEnrolled)
	add("currently_active", d.CurrentlyActive)
	add("total_completed", d.TotalCompleted)
	add("total_errored", d.TotalErrored)
	add("total_cancelled", d.TotalCancelled)
	return fields
}

// ApplyTo adds the delta to seq in memory.
func (d CounterDelta) ApplyTo(seq *models.Sequence) {
	seq.TotalEnrolled += d.TotalEnrolled
	seq.CurrentlyActive += d.CurrentlyActive
	seq.TotalCompleted += d.TotalCompleted
	seq.TotalErrored += d.TotalErrored
	seq.TotalCancelled += d.TotalCancelled
}

// EnrollmentPatch is a partial enrollment update. Nil fields are left alone.
// A pass claims a record with a patch that only sets ClaimedUntil and
// releases it with ReleaseClaim.
type EnrollmentPatch struct {
	Status             *models.EnrollmentStatus
	CurrentStepIndex   *int
	LastActionAt       *time.Time
	WaitUntil          *time.Time
	ClearWaitUntil     bool
	ThreadID           *string
	TransportMessageID *string
	MessageIDHeader    *string
	LastSubject        *string
	LastError          *string
	CompletedAt        *time.Time
	ClaimedUntil       *time.Time
	ReleaseClaim       bool

	Counters *CounterDelta
}

// Apply writes the patch into e without touching Version.
func (p EnrollmentPatch) Apply(e *models.Enrollment) {
	if p.Status != nil {
		e.Status = *p.Status
	}
	if p.CurrentStepIndex != nil {
		e.CurrentStepIndex = *p.CurrentStepIndex
	}
	if p.LastActionAt != nil {
		e.LastActionAt = *p.LastActionAt
	}
	if p.ClearWaitUntil {
		e.WaitUntil = nil
	}
	if p.WaitUntil != nil {
		t := *p.WaitUntil
		e.WaitUntil = &t
	}
	if p.ThreadID != nil {
		e.ThreadID = *p.ThreadID
	}
	if p.TransportMessageID != nil {
		e.TransportMessageID = *p.TransportMessageID
	}
	if p.MessageIDHeader != nil {
		e.MessageIDHeader = *p.MessageIDHeader
	}
	if p.LastSubject != nil {
		e.LastSubject = *p.LastSubject
	}
	if p.LastError != nil {
		e.LastError = *p.LastError
	}
	if p.CompletedAt != nil {
		t := *p.CompletedAt
		e.CompletedAt = &t
	}
	if p.ReleaseClaim {
		e.ClaimedUntil = nil
	}
	if p.ClaimedUntil != nil {
		t := *p.ClaimedUntil
		e.ClaimedUntil = &t
	}
}

// Columns returns the patch as a column map for an UPDATE.
func (p EnrollmentPatch) Columns() map[string]interface{} {
	cols := make(map[string]interface{})
	if p.Status != nil {
		cols["status"] = *p.Status
	}
	if p.CurrentStepIndex != nil {
		cols["current_step_index"] = *p.CurrentStepIndex
	}
	if p.LastActionAt != nil {
		cols["last_action_at"] = *p.LastActionAt
	}
	if p.ClearWaitUntil {
		cols["wait_until"] = nil
	}
	if p.WaitUntil != nil {
		cols["wait_until"] = *p.WaitUntil
	}
	if p.ThreadID != nil {
		cols["thread_id"] = *p.ThreadID
	}
	if p.TransportMessageID != nil {
		cols["transport_message_id"] = *p.TransportMessageID
	}
	if p.MessageIDHeader != nil {
		cols["message_id_header"] = *p.MessageIDHeader
	}
	if p.LastSubject != nil {
		cols["last_subject"] = *p.LastSubject
	}
	if p.LastError != nil {
		cols["last_error"] = *p.LastError
	}
	if p.CompletedAt != nil {
		cols["completed_at"] = *p.CompletedAt
	}
	if p.ReleaseClaim {
		cols["claimed_until"] = nil
	}
	if p.ClaimedUntil != nil {
		cols["claimed_until"] = *p.ClaimedUntil
	}
	return cols
}

// EnrollmentRepository persists enrollments. UpdateEnrollment succeeds only
// when the stored version equals expectedVersion and returns
// engine.ErrVersionConflict otherwise.
type EnrollmentRepository interface {
	GetEnrollment(ctx context.Context, id uint) (*models.Enrollment, error)
	// FindAdvanceable skips enrollments under a live pass lease.
	FindAdvanceable(ctx context.Context, status models.EnrollmentStatus, limit int) ([]models.Enrollment, error)
	FindDueWaiting(ctx context.Context, now time.Time, limit int) ([]models.Enrollment, error)
	UpdateEnrollment(ctx context.Context, id uint, expectedVersion int, patch EnrollmentPatch) (*models.Enrollment, error)
	// CreateEnrollments inserts the enrollments and adds them to the
	// sequence's enrolled and active counters.
	CreateEnrollments(ctx context.Context, sequenceID uint, enrollments []*models.Enrollment) error
	FindOpenContactIDs(ctx context.Context, sequenceID uint, contactIDs []uint) ([]uint, error)
	// CancelEnrollments archives the sequence and cancels its open
	// enrollments in one transaction, returning how many were cancelled.
	CancelEnrollments(ctx context.Context, sequenceID uint) (int, error)
	CountByStatus(ctx context.Context, sequenceID uint) (map[models.EnrollmentStatus]int64, error)
}

// SequenceRepository loads sequence definitions.
type SequenceRepository interface {
	GetSequence(ctx context.Context, id uint) (*models.Sequence, error)
	FindByTrigger(ctx context.Context, userID uint, trigger string) ([]models.Sequence, error)
}
