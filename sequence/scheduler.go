package sequence

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
	"loumass/engine"
	"loumass/metrics"
	"loumass/models"
)

// Processor runs one pass over an enrollment.
type Processor interface {
	Process(ctx context.Context, e models.Enrollment) (Outcome, error)
}

// Scheduler finds advanceable enrollments and fans them out to the
// interpreter. It holds no state between runs.
type Scheduler struct {
	enrollments EnrollmentRepository
	processor   Processor
	concurrency int
	batchSize   int
	logger      logrus.FieldLogger
	now         func() time.Time
}

func NewScheduler(enrollments EnrollmentRepository, processor Processor, concurrency, batchSize int, logger logrus.FieldLogger) *Scheduler {
	if concurrency < 1 {
		concurrency = 1
	}
	return &Scheduler{
		enrollments: enrollments,
		processor:   processor,
		concurrency: concurrency,
		batchSize:   batchSize,
		logger:      logger,
		now:         time.Now,
	}
}

// RunOnce resumes due WAITING enrollments and processes every ACTIVE one.
// Only a failed scan is returned as an error; per-enrollment failures are
// counted in the summary.
func (s *Scheduler) RunOnce(ctx context.Context) (engine.RunSummary, error) {
	start := time.Now()

	resumed, err := s.resumeDue(ctx)
	if err != nil {
		s.logger.WithError(err).Warn("resume of waiting enrollments failed")
	}

	enrollments, err := s.enrollments.FindAdvanceable(ctx, models.EnrollmentActive, s.batchSize)
	if err != nil {
		return engine.RunSummary{}, fmt.Errorf("scan active enrollments: %w", err)
	}

	summary := engine.FanOut(ctx, s.concurrency, enrollments, s.logger, func(ctx context.Context, e models.Enrollment) error {
		_, err := s.processor.Process(ctx, e)
		return err
	})

	metrics.ObserveRun(metrics.EngineSequence, summary.Successful, summary.Failed, time.Since(start))
	s.logger.WithFields(logrus.Fields{
		"resumed":    resumed,
		"total":      summary.Total,
		"successful": summary.Successful,
		"failed":     summary.Failed,
		"duration":   time.Since(start).String(),
	}).Info("sequence run finished")
	return summary, nil
}

func (s *Scheduler) resumeDue(ctx context.Context) (int, error) {
	due, err := s.enrollments.FindDueWaiting(ctx, s.now(), s.batchSize)
	if err != nil {
		return 0, err
	}
	resumed := 0
	for _, e := range due {
		if _, err := s.activate(ctx, e); err != nil {
			if !errors.Is(err, engine.ErrVersionConflict) {
				s.logger.WithError(err).WithField("enrollment_id", e.ID).Warn("failed to resume enrollment")
			}
			continue
		}
		resumed++
	}
	return resumed, nil
}

func (s *Scheduler) activate(ctx context.Context, e models.Enrollment) (*models.Enrollment, error) {
	status := models.EnrollmentActive
	return s.enrollments.UpdateEnrollment(ctx, e.ID, e.Version, EnrollmentPatch{Status: &status, ClearWaitUntil: true})
}

// Resume is the push entry point for a single enrollment whose wait has
// elapsed. A wait that is not yet due is left alone.
func (s *Scheduler) Resume(ctx context.Context, enrollmentID uint) (Outcome, error) {
	e, err := s.enrollments.GetEnrollment(ctx, enrollmentID)
	if err != nil {
		return OutcomeSkipped, err
	}

	switch e.Status {
	case models.EnrollmentWaiting:
		if e.WaitUntil != nil && s.now().Before(*e.WaitUntil) {
			return OutcomeWaiting, nil
		}
		e, err = s.activate(ctx, *e)
		if errors.Is(err, engine.ErrVersionConflict) {
			return OutcomeSkipped, nil
		}
		if err != nil {
			return OutcomeSkipped, fmt.Errorf("resume enrollment %d: %w", enrollmentID, err)
		}
	case models.EnrollmentActive:
	default:
		return OutcomeSkipped, nil
	}
	return s.processor.Process(ctx, *e)
}
