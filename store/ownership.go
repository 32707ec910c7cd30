package store

import (
	"context"

	"gorm.io/gorm"
	"loumass/models"
)

// OwnershipStore answers which user owns engine records, for request
// authorization.
type OwnershipStore struct {
	DB *gorm.DB
}

func NewOwnershipStore(db *gorm.DB) *OwnershipStore {
	return &OwnershipStore{DB: db}
}

func (s *OwnershipStore) SequenceOwner(ctx context.Context, id uint) (uint, error) {
	return s.owner(ctx, s.DB.Model(&models.Sequence{}).Where("id = ?", id))
}

func (s *OwnershipStore) AutomationOwner(ctx context.Context, id uint) (uint, error) {
	return s.owner(ctx, s.DB.Model(&models.Automation{}).Where("id = ?", id))
}

func (s *OwnershipStore) EnrollmentOwner(ctx context.Context, id uint) (uint, error) {
	return s.owner(ctx, s.DB.Model(&models.Sequence{}).
		Joins("JOIN enrollments ON enrollments.sequence_id = sequences.id").
		Where("enrollments.id = ?", id))
}

func (s *OwnershipStore) ExecutionOwner(ctx context.Context, id uint) (uint, error) {
	return s.owner(ctx, s.DB.Model(&models.Automation{}).
		Joins("JOIN automation_executions ON automation_executions.automation_id = automations.id").
		Where("automation_executions.id = ?", id))
}

// OwnedContactIDs filters ids down to contacts that belong to userID.
func (s *OwnershipStore) OwnedContactIDs(ctx context.Context, userID uint, ids []uint) ([]uint, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	var owned []uint
	err := s.DB.WithContext(ctx).Model(&models.Contact{}).
		Where("user_id = ? AND id IN ?", userID, ids).
		Pluck("id", &owned).Error
	return owned, err
}

func (s *OwnershipStore) owner(ctx context.Context, query *gorm.DB) (uint, error) {
	var userIDs []uint
	if err := query.WithContext(ctx).Limit(1).Pluck("user_id", &userIDs).Error; err != nil {
		return 0, err
	}
	if len(userIDs) == 0 {
		return 0, notFound(gorm.ErrRecordNotFound)
	}
	return userIDs[0], nil
}
