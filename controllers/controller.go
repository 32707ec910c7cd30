package controller

import (
	"context"
	"errors"

	"github.com/gofiber/fiber/v2"
	"loumass/engine"
	"loumass/middleware"
	"loumass/utils"
)

// Ownership resolves the user that owns an engine record.
type Ownership interface {
	SequenceOwner(ctx context.Context, id uint) (uint, error)
	EnrollmentOwner(ctx context.Context, id uint) (uint, error)
	AutomationOwner(ctx context.Context, id uint) (uint, error)
	ExecutionOwner(ctx context.Context, id uint) (uint, error)
	OwnedContactIDs(ctx context.Context, userID uint, ids []uint) ([]uint, error)
}

type ownerLookup func(ctx context.Context, id uint) (uint, error)

// ContactsRequest is the body shared by enroll and trigger endpoints.
type ContactsRequest struct {
	ContactIDs []uint `json:"contact_ids" validate:"required,min=1,max=1000"`
}

// respondError maps engine errors onto HTTP statuses.
func respondError(c *fiber.Ctx, op string, err error) error {
	var cfgErr *engine.ConfigurationError
	switch {
	case errors.Is(err, engine.ErrNotFound):
		return utils.ErrorResponse(c, fiber.StatusNotFound, "Not found", nil)
	case errors.Is(err, engine.ErrNotActive):
		return utils.ErrorResponse(c, fiber.StatusConflict, "Target is not active", err)
	case errors.As(err, &cfgErr):
		return utils.ErrorResponse(c, fiber.StatusUnprocessableEntity, "Invalid configuration", err)
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return utils.ErrorResponse(c, fiber.StatusServiceUnavailable, "Request cancelled", nil)
	}

	utils.LogError(op, err, map[string]interface{}{
		"path":    c.Path(),
		"user_id": middleware.UserID(c),
	})
	return utils.ErrorResponse(c, fiber.StatusInternalServerError, "Internal server error", nil)
}

func paramID(c *fiber.Ctx, name string) (uint, bool) {
	id := utils.ParseUint(c.Params(name))
	return id, id != 0
}

// owned loads the record's owner and reports whether the caller may act on
// it. On false the response has already been written. Records owned by
// another user answer 404 like missing ones.
func owned(c *fiber.Ctx, lookup ownerLookup, id uint) (bool, error) {
	ownerID, err := lookup(c.UserContext(), id)
	if err != nil {
		return false, respondError(c, "ownership_lookup_failed", err)
	}
	if ownerID != middleware.UserID(c) {
		return false, utils.ErrorResponse(c, fiber.StatusNotFound, "Not found", nil)
	}
	return true, nil
}

// parseContacts decodes and validates a contact list and checks that every
// contact belongs to the caller.
func parseContacts(c *fiber.Ctx, owner Ownership, req interface{}, ids func() []uint) (bool, error) {
	if err := c.BodyParser(req); err != nil {
		return false, utils.ErrorResponse(c, fiber.StatusBadRequest, "Invalid request body", err)
	}
	if err := utils.ValidateStruct(req); err != nil {
		return false, utils.ErrorResponse(c, fiber.StatusBadRequest, "Validation failed", err)
	}

	requested := ids()
	ownedIDs, err := owner.OwnedContactIDs(c.UserContext(), middleware.UserID(c), requested)
	if err != nil {
		return false, respondError(c, "contact_lookup_failed", err)
	}
	if unknown := missingIDs(requested, ownedIDs); len(unknown) > 0 {
		return false, c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"success":          false,
			"error":            "Unknown contacts",
			"unknown_contacts": unknown,
		})
	}
	return true, nil
}

func missingIDs(requested, found []uint) []uint {
	have := make(map[uint]struct{}, len(found))
	for _, id := range found {
		have[id] = struct{}{}
	}
	var missing []uint
	for _, id := range requested {
		if _, ok := have[id]; !ok {
			missing = append(missing, id)
		}
	}
	return missing
}
