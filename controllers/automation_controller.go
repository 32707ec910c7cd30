package controller

import (
	"context"
	"errors"

	"github.com/gofiber/fiber/v2"
	"github.com/sirupsen/logrus"
	"loumass/automation"
	"loumass/engine"
	"loumass/middleware"
	"loumass/models"
	"loumass/utils"
)

// AutomationStarter is the automation trigger surface.
type AutomationStarter interface {
	Start(ctx context.Context, automationID uint, contactIDs []uint, vars map[string]interface{}) ([]models.AutomationExecution, error)
	StartOnTrigger(ctx context.Context, trigger string, userID uint, contactIDs []uint) (int, error)
	Cancel(ctx context.Context, automationID uint) (int, error)
}

// ExecutionResumer advances a single execution on demand.
type ExecutionResumer interface {
	Resume(ctx context.Context, executionID uint) (automation.Outcome, error)
}

type StartAutomationRequest struct {
	ContactIDs []uint                 `json:"contact_ids" validate:"required,min=1,max=1000"`
	Variables  map[string]interface{} `json:"variables"`
}

type AutomationController struct {
	starter AutomationStarter
	resumer ExecutionResumer
	owner   Ownership
	logger  logrus.FieldLogger
}

func NewAutomationController(starter AutomationStarter, resumer ExecutionResumer, owner Ownership, logger logrus.FieldLogger) *AutomationController {
	return &AutomationController{
		starter: starter,
		resumer: resumer,
		owner:   owner,
		logger:  logger,
	}
}

// Start puts contacts into an automation at its entry node.
func (ac *AutomationController) Start(c *fiber.Ctx) error {
	automationID, ok := paramID(c, "id")
	if !ok {
		return utils.ErrorResponse(c, fiber.StatusBadRequest, "Invalid automation ID", nil)
	}
	if ok, err := owned(c, ac.owner.AutomationOwner, automationID); !ok {
		return err
	}

	var req StartAutomationRequest
	if ok, err := parseContacts(c, ac.owner, &req, func() []uint { return req.ContactIDs }); !ok {
		return err
	}

	executions, err := ac.starter.Start(c.UserContext(), automationID, req.ContactIDs, req.Variables)

	var dup *engine.DuplicateEnrollmentError
	if err != nil && !errors.As(err, &dup) {
		return respondError(c, "automation_start_failed", err)
	}

	data := fiber.Map{
		"started":    len(executions),
		"executions": executions,
	}
	if dup != nil {
		data["duplicates"] = dup.ContactIDs
		if len(executions) == 0 {
			return c.Status(fiber.StatusConflict).JSON(fiber.Map{
				"success": false,
				"error":   "All contacts are already in this automation",
				"data":    data,
			})
		}
	}

	ac.logger.WithFields(logrus.Fields{
		"automation_id": automationID,
		"user_id":       middleware.UserID(c),
		"started":       len(executions),
	}).Info("Automation started")

	return c.JSON(utils.SuccessResponse(data))
}

func (ac *AutomationController) Cancel(c *fiber.Ctx) error {
	automationID, ok := paramID(c, "id")
	if !ok {
		return utils.ErrorResponse(c, fiber.StatusBadRequest, "Invalid automation ID", nil)
	}
	if ok, err := owned(c, ac.owner.AutomationOwner, automationID); !ok {
		return err
	}

	cancelled, err := ac.starter.Cancel(c.UserContext(), automationID)
	if err != nil {
		return respondError(c, "automation_cancel_failed", err)
	}

	return c.JSON(utils.SuccessResponse(fiber.Map{"cancelled": cancelled}))
}

func (ac *AutomationController) Resume(c *fiber.Ctx) error {
	executionID, ok := paramID(c, "id")
	if !ok {
		return utils.ErrorResponse(c, fiber.StatusBadRequest, "Invalid execution ID", nil)
	}
	if ok, err := owned(c, ac.owner.ExecutionOwner, executionID); !ok {
		return err
	}

	outcome, err := ac.resumer.Resume(c.UserContext(), executionID)
	if err != nil {
		return respondError(c, "execution_resume_failed", err)
	}

	return c.JSON(utils.SuccessResponse(fiber.Map{
		"execution_id": executionID,
		"outcome":      outcome,
	}))
}
