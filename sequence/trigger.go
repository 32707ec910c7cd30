package sequence

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
	"loumass/engine"
	"loumass/models"
)

// EnrollOptions controls EnrollContacts.
type EnrollOptions struct {
	// StartImmediately runs the first pass right away instead of waiting
	// for the next scheduler run.
	StartImmediately bool
}

// Stats is a sequence's aggregate progress.
type Stats struct {
	SequenceID      uint                              `json:"sequence_id"`
	Status          string                            `json:"status"`
	TotalEnrolled   int                               `json:"total_enrolled"`
	CurrentlyActive int                               `json:"currently_active"`
	TotalCompleted  int                               `json:"total_completed"`
	TotalErrored    int                               `json:"total_errored"`
	TotalCancelled  int                               `json:"total_cancelled"`
	ByStatus        map[models.EnrollmentStatus]int64 `json:"by_status"`
	Errored         int64                             `json:"errored"`
}

// Service is the trigger surface used by HTTP handlers and platform hooks.
type Service struct {
	sequences   SequenceRepository
	enrollments EnrollmentRepository
	processor   Processor
	concurrency int
	logger      logrus.FieldLogger
	now         func() time.Time
}

func NewService(sequences SequenceRepository, enrollments EnrollmentRepository, processor Processor, concurrency int, logger logrus.FieldLogger) *Service {
	return &Service{
		sequences:   sequences,
		enrollments: enrollments,
		processor:   processor,
		concurrency: concurrency,
		logger:      logger,
		now:         time.Now,
	}
}

// EnrollContacts enrolls contacts into an active sequence. Contacts that
// already have an open enrollment are rejected with a
// *engine.DuplicateEnrollmentError while the rest are still enrolled.
func (s *Service) EnrollContacts(ctx context.Context, sequenceID uint, contactIDs []uint, opts EnrollOptions) ([]models.Enrollment, error) {
	seq, err := s.sequences.GetSequence(ctx, sequenceID)
	if err != nil {
		return nil, err
	}
	if seq.Status != models.SequenceStatusActive {
		return nil, fmt.Errorf("sequence %d is %s: %w", sequenceID, seq.Status, engine.ErrNotActive)
	}

	contactIDs = uniqueIDs(contactIDs)
	open, err := s.enrollments.FindOpenContactIDs(ctx, sequenceID, contactIDs)
	if err != nil {
		return nil, fmt.Errorf("check open enrollments: %w", err)
	}
	openSet := make(map[uint]struct{}, len(open))
	for _, id := range open {
		openSet[id] = struct{}{}
	}

	now := s.now()
	var duplicates []uint
	var pending []*models.Enrollment
	for _, contactID := range contactIDs {
		if _, dup := openSet[contactID]; dup {
			duplicates = append(duplicates, contactID)
			continue
		}
		pending = append(pending, &models.Enrollment{
			ContactID:    contactID,
			SequenceID:   sequenceID,
			Status:       models.EnrollmentActive,
			LastActionAt: now,
		})
	}

	if len(pending) > 0 {
		if err := s.enrollments.CreateEnrollments(ctx, sequenceID, pending); err != nil {
			return nil, fmt.Errorf("create enrollments: %w", err)
		}
	}

	created := make([]models.Enrollment, len(pending))
	for i, e := range pending {
		created[i] = *e
	}
	s.logger.WithFields(logrus.Fields{
		"sequence_id": sequenceID,
		"enrolled":    len(created),
		"duplicates":  len(duplicates),
	}).Info("contacts enrolled")

	if opts.StartImmediately && len(created) > 0 {
		engine.FanOut(ctx, s.concurrency, created, s.logger, func(ctx context.Context, e models.Enrollment) error {
			_, err := s.processor.Process(ctx, e)
			return err
		})
	}

	if len(duplicates) > 0 {
		return created, &engine.DuplicateEnrollmentError{TargetID: sequenceID, ContactIDs: duplicates}
	}
	return created, nil
}

// EnrollOnTrigger enrolls contacts into every active sequence of the user
// listening for trigger and starts them immediately. Duplicates are ignored.
func (s *Service) EnrollOnTrigger(ctx context.Context, trigger string, userID uint, contactIDs []uint) (int, error) {
	sequences, err := s.sequences.FindByTrigger(ctx, userID, trigger)
	if err != nil {
		return 0, fmt.Errorf("find %s sequences: %w", trigger, err)
	}

	total := 0
	var errs []error
	for _, seq := range sequences {
		if seq.Status != models.SequenceStatusActive {
			continue
		}
		created, err := s.EnrollContacts(ctx, seq.ID, contactIDs, EnrollOptions{StartImmediately: true})
		total += len(created)
		var dupErr *engine.DuplicateEnrollmentError
		if err != nil && !errors.As(err, &dupErr) {
			errs = append(errs, fmt.Errorf("sequence %d: %w", seq.ID, err))
		}
	}
	return total, errors.Join(errs...)
}

// CancelSequence archives a sequence and cancels its open enrollments.
func (s *Service) CancelSequence(ctx context.Context, sequenceID uint) (int, error) {
	if _, err := s.sequences.GetSequence(ctx, sequenceID); err != nil {
		return 0, err
	}
	cancelled, err := s.enrollments.CancelEnrollments(ctx, sequenceID)
	if err != nil {
		return 0, fmt.Errorf("cancel sequence %d: %w", sequenceID, err)
	}
	s.logger.WithFields(logrus.Fields{"sequence_id": sequenceID, "cancelled": cancelled}).Info("sequence cancelled")
	return cancelled, nil
}

func (s *Service) Stats(ctx context.Context, sequenceID uint) (*Stats, error) {
	seq, err := s.sequences.GetSequence(ctx, sequenceID)
	if err != nil {
		return nil, err
	}
	byStatus, err := s.enrollments.CountByStatus(ctx, sequenceID)
	if err != nil {
		return nil, fmt.Errorf("count enrollments: %w", err)
	}
	return &Stats{
		SequenceID:      seq.ID,
		Status:          seq.Status,
		TotalEnrolled:   seq.TotalEnrolled,
		CurrentlyActive: seq.CurrentlyActive,
		TotalCompleted:  seq.TotalCompleted,
		TotalErrored:    seq.TotalErrored,
		TotalCancelled:  seq.TotalCancelled,
		ByStatus:        byStatus,
		Errored:         byStatus[models.EnrollmentError],
	}, nil
}

func uniqueIDs(ids []uint) []uint {
	seen := make(map[uint]struct{}, len(ids))
	out := make([]uint, 0, len(ids))
	for _, id := range ids {
		if _, ok := seen[id]; ok || id == 0 {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}
