package automation

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

// Processor runs one pass over an execution.
type Processor interface {
	Process(ctx context.Context, x models.AutomationExecution) (Outcome, error)
}

// Runner finds runnable executions and fans them out to the engine.
type Runner struct {
	repo        Repository
	processor   Processor
	concurrency int
	batchSize   int
	logger      logrus.FieldLogger
	now         func() time.Time
}

func NewRunner(repo Repository, processor Processor, concurrency, batchSize int, logger logrus.FieldLogger) *Runner {
	if concurrency < 1 {
		concurrency = 1
	}
	return &Runner{
		repo:        repo,
		processor:   processor,
		concurrency: concurrency,
		batchSize:   batchSize,
		logger:      logger,
		now:         time.Now,
	}
}

// RunOnce resumes due WAITING executions and processes every ACTIVE one.
func (r *Runner) RunOnce(ctx context.Context) (engine.RunSummary, error) {
	start := time.Now()

	resumed, err := r.resumeDue(ctx)
	if err != nil {
		r.logger.WithError(err).Warn("resume of waiting executions failed")
	}

	executions, err := r.repo.FindExecutions(ctx, models.ExecutionActive, r.batchSize)
	if err != nil {
		return engine.RunSummary{}, fmt.Errorf("scan active executions: %w", err)
	}

	summary := engine.FanOut(ctx, r.concurrency, executions, r.logger, func(ctx context.Context, x models.AutomationExecution) error {
		_, err := r.processor.Process(ctx, x)
		return err
	})

	metrics.ObserveRun(metrics.EngineAutomation, summary.Successful, summary.Failed, time.Since(start))
	r.logger.WithFields(logrus.Fields{
		"resumed":    resumed,
		"total":      summary.Total,
		"successful": summary.Successful,
		"failed":     summary.Failed,
		"duration":   time.Since(start).String(),
	}).Info("automation run finished")
	return summary, nil
}

func (r *Runner) resumeDue(ctx context.Context) (int, error) {
	due, err := r.repo.FindDueExecutions(ctx, r.now(), r.batchSize)
	if err != nil {
		return 0, err
	}
	resumed := 0
	for _, x := range due {
		if _, err := r.activate(ctx, x); err != nil {
			if !errors.Is(err, engine.ErrVersionConflict) {
				r.logger.WithError(err).WithField("execution_id", x.ID).Warn("failed to resume execution")
			}
			continue
		}
		resumed++
	}
	return resumed, nil
}

// activate flips an execution back to ACTIVE. WaitUntil is kept so the
// parked node can re-check it.
func (r *Runner) activate(ctx context.Context, x models.AutomationExecution) (*models.AutomationExecution, error) {
	status := models.ExecutionActive
	return r.repo.UpdateExecution(ctx, x.ID, x.Version, ExecutionPatch{Status: &status})
}

// Resume processes a single execution whose wait has elapsed. A wait that
// is not yet due is left alone.
func (r *Runner) Resume(ctx context.Context, executionID uint) (Outcome, error) {
	x, err := r.repo.GetExecution(ctx, executionID)
	if err != nil {
		return OutcomeSkipped, err
	}

	switch x.Status {
	case models.ExecutionWaiting:
		if x.WaitUntil != nil && r.now().Before(*x.WaitUntil) {
			return OutcomeWaiting, nil
		}
		x, err = r.activate(ctx, *x)
		if errors.Is(err, engine.ErrVersionConflict) {
			return OutcomeSkipped, nil
		}
		if err != nil {
			return OutcomeSkipped, fmt.Errorf("resume execution %d: %w", executionID, err)
		}
	case models.ExecutionActive:
	default:
		return OutcomeSkipped, nil
	}
	return r.processor.Process(ctx, *x)
}
