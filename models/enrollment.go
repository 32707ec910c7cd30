package models

import "time"

// EnrollmentStatus is the lifecycle state of one contact in one sequence.
type EnrollmentStatus string

const (
	EnrollmentActive    EnrollmentStatus = "ACTIVE"
	EnrollmentWaiting   EnrollmentStatus = "WAITING"
	EnrollmentCompleted EnrollmentStatus = "COMPLETED"
	EnrollmentError     EnrollmentStatus = "ERROR"
	EnrollmentCancelled EnrollmentStatus = "CANCELLED"
)

// IsTerminal reports whether the scheduler will never touch the enrollment again.
func (s EnrollmentStatus) IsTerminal() bool {
	switch s {
	case EnrollmentCompleted, EnrollmentError, EnrollmentCancelled:
		return true
	default:
		return false
	}
}

// IsOpen reports whether the status counts against duplicate enrollment.
func (s EnrollmentStatus) IsOpen() bool {
	return s == EnrollmentActive || s == EnrollmentWaiting
}

// ClaimedAt reports whether a pass holds a live lease at now.
func (e Enrollment) ClaimedAt(now time.Time) bool {
	return e.ClaimedUntil != nil && now.Before(*e.ClaimedUntil)
}

// Enrollment tracks one contact's progress through one sequence
type Enrollment struct {
	ID         uint `gorm:"primarykey" json:"id"`
	ContactID  uint `gorm:"not null;index:idx_enrollment_sequence_contact" json:"contact_id"`
	SequenceID uint `gorm:"not null;index:idx_enrollment_sequence_contact;index" json:"sequence_id"`

	Status           EnrollmentStatus `gorm:"type:varchar(16);not null;index" json:"status"`
	CurrentStepIndex int              `gorm:"not null;default:0" json:"current_step_index"`
	LastActionAt     time.Time        `gorm:"not null" json:"last_action_at"`
	WaitUntil        *time.Time       `gorm:"index" json:"wait_until,omitempty"`

	// Threading. MessageIDHeader is the RFC 5322 Message-ID of the last send and
	// is the only value valid for In-Reply-To; TransportMessageID is the
	// provider's internal id.
	ThreadID           string `json:"thread_id,omitempty"`
	TransportMessageID string `json:"transport_message_id,omitempty"`
	MessageIDHeader    string `json:"message_id_header,omitempty"`
	LastSubject        string `json:"last_subject,omitempty"`

	LastError string `gorm:"type:text" json:"last_error,omitempty"`
	Version   int    `gorm:"not null;default:0" json:"version"`

	// ClaimedUntil is the lease taken by the pass currently working the
	// enrollment. Other workers leave it alone until the lease expires.
	ClaimedUntil *time.Time `gorm:"index" json:"-"`

	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}
