package worker

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"
	"loumass/engine"
)

// Job is one engine run, such as a sequence scheduler or automation runner.
type Job interface {
	RunOnce(ctx context.Context) (engine.RunSummary, error)
}

// EngineWorker runs every job on a fixed interval. A slow run delays the
// next tick instead of overlapping it.
type EngineWorker struct {
	jobs         map[string]Job
	interval     time.Duration
	initialDelay time.Duration
	logger       logrus.FieldLogger
}

func NewEngineWorker(interval time.Duration, logger logrus.FieldLogger) *EngineWorker {
	if interval <= 0 {
		interval = time.Minute
	}
	return &EngineWorker{
		jobs:         make(map[string]Job),
		interval:     interval,
		initialDelay: 10 * time.Second,
		logger:       logger,
	}
}

// Register adds a job under name. It must be called before Start.
func (w *EngineWorker) Register(name string, job Job) {
	w.jobs[name] = job
}

func (w *EngineWorker) Start(ctx context.Context) {
	// Let the HTTP server come up first
	select {
	case <-ctx.Done():
		return
	case <-time.After(w.initialDelay):
	}

	w.logger.WithField("interval", w.interval.String()).Info("engine worker started")
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	w.RunAll(ctx)
	for {
		select {
		case <-ctx.Done():
			w.logger.Info("engine worker shutting down")
			return
		case <-ticker.C:
			w.RunAll(ctx)
		}
	}
}

// RunAll runs every registered job once. One job's failure does not stop
// the others.
func (w *EngineWorker) RunAll(ctx context.Context) map[string]engine.RunSummary {
	results := make(map[string]engine.RunSummary, len(w.jobs))
	for name, job := range w.jobs {
		if ctx.Err() != nil {
			break
		}
		summary, err := job.RunOnce(ctx)
		if err != nil {
			w.logger.WithError(err).WithField("job", name).Error("engine run failed")
			continue
		}
		results[name] = summary
	}
	return results
}
