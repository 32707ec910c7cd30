package controller

import (
	"context"
	"errors"

	"github.com/gofiber/fiber/v2"
	"github.com/sirupsen/logrus"
	"loumass/engine"
	"loumass/middleware"
	"loumass/models"
	"loumass/sequence"
	"loumass/utils"
)

// SequenceService is the sequence trigger surface.
type SequenceService interface {
	EnrollContacts(ctx context.Context, sequenceID uint, contactIDs []uint, opts sequence.EnrollOptions) ([]models.Enrollment, error)
	EnrollOnTrigger(ctx context.Context, trigger string, userID uint, contactIDs []uint) (int, error)
	CancelSequence(ctx context.Context, sequenceID uint) (int, error)
	Stats(ctx context.Context, sequenceID uint) (*sequence.Stats, error)
}

// EnrollmentResumer advances a single enrollment on demand.
type EnrollmentResumer interface {
	Resume(ctx context.Context, enrollmentID uint) (sequence.Outcome, error)
}

type EnrollRequest struct {
	ContactIDs       []uint `json:"contact_ids" validate:"required,min=1,max=1000"`
	StartImmediately bool   `json:"start_immediately"`
}

type SequenceController struct {
	service SequenceService
	resumer EnrollmentResumer
	owner   Ownership
	logger  logrus.FieldLogger
}

func NewSequenceController(service SequenceService, resumer EnrollmentResumer, owner Ownership, logger logrus.FieldLogger) *SequenceController {
	return &SequenceController{
		service: service,
		resumer: resumer,
		owner:   owner,
		logger:  logger,
	}
}

// Enroll enrolls contacts into a sequence. Contacts that are already
// enrolled are reported back without failing the rest.
func (sc *SequenceController) Enroll(c *fiber.Ctx) error {
	sequenceID, ok := paramID(c, "id")
	if !ok {
		return utils.ErrorResponse(c, fiber.StatusBadRequest, "Invalid sequence ID", nil)
	}
	if ok, err := owned(c, sc.owner.SequenceOwner, sequenceID); !ok {
		return err
	}

	var req EnrollRequest
	if ok, err := parseContacts(c, sc.owner, &req, func() []uint { return req.ContactIDs }); !ok {
		return err
	}

	enrollments, err := sc.service.EnrollContacts(c.UserContext(), sequenceID, req.ContactIDs, sequence.EnrollOptions{
		StartImmediately: req.StartImmediately,
	})

	var dup *engine.DuplicateEnrollmentError
	if err != nil && !errors.As(err, &dup) {
		return respondError(c, "sequence_enroll_failed", err)
	}

	data := fiber.Map{
		"enrolled":    len(enrollments),
		"enrollments": enrollments,
	}
	if dup != nil {
		data["duplicates"] = dup.ContactIDs
		if len(enrollments) == 0 {
			return c.Status(fiber.StatusConflict).JSON(fiber.Map{
				"success": false,
				"error":   "All contacts are already enrolled",
				"data":    data,
			})
		}
	}

	sc.logger.WithFields(logrus.Fields{
		"sequence_id": sequenceID,
		"user_id":     middleware.UserID(c),
		"enrolled":    len(enrollments),
	}).Info("Contacts enrolled")

	return c.Status(fiber.StatusOK).JSON(utils.SuccessResponse(data))
}

// Cancel archives the sequence and cancels its open enrollments.
func (sc *SequenceController) Cancel(c *fiber.Ctx) error {
	sequenceID, ok := paramID(c, "id")
	if !ok {
		return utils.ErrorResponse(c, fiber.StatusBadRequest, "Invalid sequence ID", nil)
	}
	if ok, err := owned(c, sc.owner.SequenceOwner, sequenceID); !ok {
		return err
	}

	cancelled, err := sc.service.CancelSequence(c.UserContext(), sequenceID)
	if err != nil {
		return respondError(c, "sequence_cancel_failed", err)
	}

	return c.JSON(utils.SuccessResponse(fiber.Map{"cancelled": cancelled}))
}

func (sc *SequenceController) Stats(c *fiber.Ctx) error {
	sequenceID, ok := paramID(c, "id")
	if !ok {
		return utils.ErrorResponse(c, fiber.StatusBadRequest, "Invalid sequence ID", nil)
	}
	if ok, err := owned(c, sc.owner.SequenceOwner, sequenceID); !ok {
		return err
	}

	stats, err := sc.service.Stats(c.UserContext(), sequenceID)
	if err != nil {
		return respondError(c, "sequence_stats_failed", err)
	}

	return c.JSON(utils.SuccessResponse(stats))
}

// Resume runs one pass for an enrollment whose wait has elapsed.
func (sc *SequenceController) Resume(c *fiber.Ctx) error {
	enrollmentID, ok := paramID(c, "id")
	if !ok {
		return utils.ErrorResponse(c, fiber.StatusBadRequest, "Invalid enrollment ID", nil)
	}
	if ok, err := owned(c, sc.owner.EnrollmentOwner, enrollmentID); !ok {
		return err
	}

	outcome, err := sc.resumer.Resume(c.UserContext(), enrollmentID)
	if err != nil {
		return respondError(c, "enrollment_resume_failed", err)
	}

	return c.JSON(utils.SuccessResponse(fiber.Map{
		"enrollment_id": enrollmentID,
		"outcome":       outcome,
	}))
}
