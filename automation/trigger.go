package automation

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
	"loumass/engine"
	"loumass/models"
)

// Trigger starts contacts in automations. When Processor is set new
// executions get their first pass right away.
type Trigger struct {
	repo        Repository
	Processor   Processor
	concurrency int
	logger      logrus.FieldLogger
	now         func() time.Time
}

func NewTrigger(repo Repository, processor Processor, concurrency int, logger logrus.FieldLogger) *Trigger {
	return &Trigger{
		repo:        repo,
		Processor:   processor,
		concurrency: concurrency,
		logger:      logger,
		now:         time.Now,
	}
}

// Start creates executions at the automation's entry node. Contacts with an
// open execution are rejected with a *engine.DuplicateEnrollmentError while
// the rest still start.
func (t *Trigger) Start(ctx context.Context, automationID uint, contactIDs []uint, vars map[string]interface{}) ([]models.AutomationExecution, error) {
	a, err := t.repo.GetAutomation(ctx, automationID)
	if err != nil {
		return nil, err
	}
	if a.Status != models.AutomationStatusActive {
		return nil, fmt.Errorf("automation %d is %s: %w", automationID, a.Status, engine.ErrNotActive)
	}
	entry, err := NewGraph(a).EntryNode(a.EntryNodeID)
	if err != nil {
		return nil, err
	}

	contactIDs = uniqueIDs(contactIDs)
	open, err := t.repo.FindOpenExecutionContactIDs(ctx, automationID, contactIDs)
	if err != nil {
		return nil, fmt.Errorf("check open executions: %w", err)
	}
	openSet := make(map[uint]struct{}, len(open))
	for _, id := range open {
		openSet[id] = struct{}{}
	}

	now := t.now()
	var duplicates []uint
	var pending []*models.AutomationExecution
	for _, contactID := range contactIDs {
		if _, dup := openSet[contactID]; dup {
			duplicates = append(duplicates, contactID)
			continue
		}
		pending = append(pending, &models.AutomationExecution{
			AutomationID:  automationID,
			ContactID:     contactID,
			Status:        models.ExecutionActive,
			CurrentNodeID: entry,
			Variables:     copyVariables(vars),
			LastActionAt:  now,
		})
	}

	if len(pending) > 0 {
		if err := t.repo.CreateExecutions(ctx, automationID, pending); err != nil {
			return nil, fmt.Errorf("create executions: %w", err)
		}
	}

	created := make([]models.AutomationExecution, len(pending))
	for i, x := range pending {
		created[i] = *x
	}
	t.logger.WithFields(logrus.Fields{
		"automation_id": automationID,
		"started":       len(created),
		"duplicates":    len(duplicates),
		"entry_node":    entry,
	}).Info("contacts started in automation")

	if t.Processor != nil && len(created) > 0 {
		engine.FanOut(ctx, t.concurrency, created, t.logger, func(ctx context.Context, x models.AutomationExecution) error {
			_, err := t.Processor.Process(ctx, x)
			return err
		})
	}

	if len(duplicates) > 0 {
		return created, &engine.DuplicateEnrollmentError{TargetID: automationID, ContactIDs: duplicates}
	}
	return created, nil
}

// StartOnTrigger starts contacts in every active automation of the user
// listening for trigger. Duplicates are ignored.
func (t *Trigger) StartOnTrigger(ctx context.Context, trigger string, userID uint, contactIDs []uint) (int, error) {
	automations, err := t.repo.FindAutomationsByTrigger(ctx, userID, trigger)
	if err != nil {
		return 0, fmt.Errorf("find %s automations: %w", trigger, err)
	}

	total := 0
	var errs []error
	for _, a := range automations {
		if a.Status != models.AutomationStatusActive {
			continue
		}
		created, err := t.Start(ctx, a.ID, contactIDs, map[string]interface{}{"trigger": trigger})
		total += len(created)
		var dupErr *engine.DuplicateEnrollmentError
		if err != nil && !errors.As(err, &dupErr) {
			errs = append(errs, fmt.Errorf("automation %d: %w", a.ID, err))
		}
	}
	return total, errors.Join(errs...)
}

// Cancel archives an automation and cancels its open executions.
func (t *Trigger) Cancel(ctx context.Context, automationID uint) (int, error) {
	if _, err := t.repo.GetAutomation(ctx, automationID); err != nil {
		return 0, err
	}
	cancelled, err := t.repo.CancelExecutions(ctx, automationID)
	if err != nil {
		return 0, fmt.Errorf("cancel automation %d: %w", automationID, err)
	}
	t.logger.WithFields(logrus.Fields{"automation_id": automationID, "cancelled": cancelled}).Info("automation cancelled")
	return cancelled, nil
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
