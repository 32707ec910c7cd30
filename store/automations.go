package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"gorm.io/gorm"
	"loumass/automation"
	"loumass/engine"
	"loumass/models"
)

// AutomationStore implements automation.Repository.
type AutomationStore struct {
	DB *gorm.DB
}

func NewAutomationStore(db *gorm.DB) *AutomationStore {
	return &AutomationStore{DB: db}
}

var _ automation.Repository = (*AutomationStore)(nil)

var openExecutionStatuses = []models.ExecutionStatus{models.ExecutionActive, models.ExecutionWaiting}

func (s *AutomationStore) GetAutomation(ctx context.Context, id uint) (*models.Automation, error) {
	var a models.Automation
	if err := s.DB.WithContext(ctx).First(&a, id).Error; err != nil {
		return nil, notFound(err)
	}
	return &a, nil
}

func (s *AutomationStore) FindAutomationsByTrigger(ctx context.Context, userID uint, trigger string) ([]models.Automation, error) {
	var automations []models.Automation
	err := s.DB.WithContext(ctx).
		Where("user_id = ? AND trigger_type = ? AND status = ?", userID, trigger, models.AutomationStatusActive).
		Order("id ASC").
		Find(&automations).Error
	return automations, err
}

func (s *AutomationStore) GetExecution(ctx context.Context, id uint) (*models.AutomationExecution, error) {
	var x models.AutomationExecution
	if err := s.DB.WithContext(ctx).First(&x, id).Error; err != nil {
		return nil, notFound(err)
	}
	return &x, nil
}

func (s *AutomationStore) FindExecutions(ctx context.Context, status models.ExecutionStatus, limit int) ([]models.AutomationExecution, error) {
	query := s.DB.WithContext(ctx).
		Joins("JOIN automations ON automations.id = automation_executions.automation_id AND automations.deleted_at IS NULL").
		Where("automation_executions.status = ? AND automations.status = ?", status, models.AutomationStatusActive).
		Where("(automation_executions.claimed_until IS NULL OR automation_executions.claimed_until <= ?)", time.Now()).
		Order("automation_executions.last_action_at ASC, automation_executions.id ASC")
	if limit > 0 {
		query = query.Limit(limit)
	}

	var executions []models.AutomationExecution
	err := query.Find(&executions).Error
	return executions, err
}

func (s *AutomationStore) FindDueExecutions(ctx context.Context, now time.Time, limit int) ([]models.AutomationExecution, error) {
	query := s.DB.WithContext(ctx).
		Where("status = ? AND wait_until <= ?", models.ExecutionWaiting, now).
		Order("wait_until ASC, id ASC")
	if limit > 0 {
		query = query.Limit(limit)
	}

	var executions []models.AutomationExecution
	err := query.Find(&executions).Error
	return executions, err
}

func (s *AutomationStore) UpdateExecution(ctx context.Context, id uint, expectedVersion int, patch automation.ExecutionPatch) (*models.AutomationExecution, error) {
	cols, err := executionColumns(patch)
	if err != nil {
		return nil, err
	}
	cols["version"] = expectedVersion + 1
	cols["updated_at"] = time.Now()

	var updated models.AutomationExecution
	err = s.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&models.AutomationExecution{}).
			Where("id = ? AND version = ?", id, expectedVersion).
			Updates(cols)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			var count int64
			if err := tx.Model(&models.AutomationExecution{}).Where("id = ?", id).Count(&count).Error; err != nil {
				return err
			}
			if count == 0 {
				return engine.ErrNotFound
			}
			return engine.ErrVersionConflict
		}

		if err := tx.First(&updated, id).Error; err != nil {
			return err
		}
		if patch.Counters != nil {
			return applyAutomationCounters(tx, updated.AutomationID, *patch.Counters)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &updated, nil
}

func (s *AutomationStore) CreateExecutions(ctx context.Context, automationID uint, executions []*models.AutomationExecution) error {
	if len(executions) == 0 {
		return nil
	}
	return s.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(executions).Error; err != nil {
			return err
		}
		return applyAutomationCounters(tx, automationID, automation.CounterDelta{
			TotalEntered:    len(executions),
			CurrentlyActive: len(executions),
		})
	})
}

func (s *AutomationStore) FindOpenExecutionContactIDs(ctx context.Context, automationID uint, contactIDs []uint) ([]uint, error) {
	if len(contactIDs) == 0 {
		return nil, nil
	}
	var ids []uint
	err := s.DB.WithContext(ctx).Model(&models.AutomationExecution{}).
		Where("automation_id = ? AND contact_id IN ? AND status IN ?", automationID, contactIDs, openExecutionStatuses).
		Pluck("contact_id", &ids).Error
	return ids, err
}

func (s *AutomationStore) CancelExecutions(ctx context.Context, automationID uint) (int, error) {
	var cancelled int
	err := s.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Model(&models.Automation{}).
			Where("id = ?", automationID).
			Update("status", models.AutomationStatusArchived).Error; err != nil {
			return err
		}

		now := time.Now()
		res := tx.Model(&models.AutomationExecution{}).
			Where("automation_id = ? AND status IN ?", automationID, openExecutionStatuses).
			Updates(map[string]interface{}{
				"status":       models.ExecutionCancelled,
				"wait_until":   nil,
				"completed_at": now,
				"updated_at":   now,
				"version":      gorm.Expr("version + 1"),
			})
		if res.Error != nil {
			return res.Error
		}
		cancelled = int(res.RowsAffected)
		if cancelled == 0 {
			return nil
		}
		return applyAutomationCounters(tx, automationID, automation.CounterDelta{CurrentlyActive: -cancelled})
	})
	return cancelled, err
}

func (s *AutomationStore) AppendExecutionEvent(ctx context.Context, event *models.AutomationExecutionEvent) error {
	return s.DB.WithContext(ctx).Create(event).Error
}

// ListExecutionEvents returns an execution's audit trail in visit order.
func (s *AutomationStore) ListExecutionEvents(ctx context.Context, executionID uint) ([]models.AutomationExecutionEvent, error) {
	var events []models.AutomationExecutionEvent
	err := s.DB.WithContext(ctx).
		Where("execution_id = ?", executionID).
		Order("at ASC, id ASC").
		Find(&events).Error
	return events, err
}

func applyAutomationCounters(tx *gorm.DB, automationID uint, delta automation.CounterDelta) error {
	fields := delta.Fields()
	if len(fields) == 0 {
		return nil
	}
	return tx.Model(&models.Automation{}).
		Where("id = ?", automationID).
		Updates(incrementColumns(fields)).Error
}

func executionColumns(p automation.ExecutionPatch) (map[string]interface{}, error) {
	cols := make(map[string]interface{})
	if p.Status != nil {
		cols["status"] = *p.Status
	}
	if p.CurrentNodeID != nil {
		cols["current_node_id"] = *p.CurrentNodeID
	}
	if p.Variables != nil {
		raw, err := json.Marshal(p.Variables)
		if err != nil {
			return nil, fmt.Errorf("encode variables: %w", err)
		}
		cols["variables"] = gorm.Expr("?::jsonb", string(raw))
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
	if p.EmailsSent != 0 {
		cols["emails_sent"] = gorm.Expr("emails_sent + ?", p.EmailsSent)
	}
	if p.ReleaseClaim {
		cols["claimed_until"] = nil
	}
	if p.ClaimedUntil != nil {
		cols["claimed_until"] = *p.ClaimedUntil
	}
	return cols, nil
}
