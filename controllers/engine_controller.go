package controller

import (
	"context"
	"errors"

	"github.com/gofiber/fiber/v2"
	"github.com/sirupsen/logrus"
	"loumass/engine"
	"loumass/middleware"
	"loumass/utils"
)

// EngineRunner runs every registered engine job once.
type EngineRunner interface {
	RunAll(ctx context.Context) map[string]engine.RunSummary
}

type EngineController struct {
	runner      EngineRunner
	sequences   SequenceService
	automations AutomationStarter
	owner       Ownership
	logger      logrus.FieldLogger
}

func NewEngineController(runner EngineRunner, sequences SequenceService, automations AutomationStarter, owner Ownership, logger logrus.FieldLogger) *EngineController {
	return &EngineController{
		runner:      runner,
		sequences:   sequences,
		automations: automations,
		owner:       owner,
		logger:      logger,
	}
}

// Run triggers one scheduler and runner pass outside the regular interval.
func (ec *EngineController) Run(c *fiber.Ctx) error {
	summaries := ec.runner.RunAll(c.UserContext())

	utils.LogEvent("engine_run_requested", map[string]interface{}{
		"user_id": middleware.UserID(c),
		"jobs":    len(summaries),
	})

	return c.JSON(utils.SuccessResponse(summaries))
}

// FireTrigger enrolls contacts into every active sequence and automation of
// the caller that listens for the named trigger.
func (ec *EngineController) FireTrigger(c *fiber.Ctx) error {
	trigger := c.Params("trigger")
	if trigger == "" {
		return utils.ErrorResponse(c, fiber.StatusBadRequest, "Trigger is required", nil)
	}

	var req ContactsRequest
	if ok, err := parseContacts(c, ec.owner, &req, func() []uint { return req.ContactIDs }); !ok {
		return err
	}

	userID := middleware.UserID(c)
	enrolled, seqErr := ec.sequences.EnrollOnTrigger(c.UserContext(), trigger, userID, req.ContactIDs)
	started, autoErr := ec.automations.StartOnTrigger(c.UserContext(), trigger, userID, req.ContactIDs)

	data := fiber.Map{
		"trigger":             trigger,
		"enrollments_created": enrolled,
		"executions_created":  started,
	}
	if err := errors.Join(seqErr, autoErr); err != nil {
		ec.logger.WithError(err).WithField("trigger", trigger).Warn("Trigger partially failed")
		if enrolled == 0 && started == 0 {
			return respondError(c, "trigger_failed", err)
		}
		data["error"] = err.Error()
	}

	return c.JSON(utils.SuccessResponse(data))
}
