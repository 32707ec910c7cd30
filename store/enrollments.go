package store

import (
	"context"
	"time"

	"gorm.io/gorm"
	"loumass/engine"
	"loumass/models"
	"loumass/sequence"
)

// EnrollmentStore implements sequence.EnrollmentRepository and
// sequence.SequenceRepository.
type EnrollmentStore struct {
	DB *gorm.DB
}

func NewEnrollmentStore(db *gorm.DB) *EnrollmentStore {
	return &EnrollmentStore{DB: db}
}

var _ sequence.EnrollmentRepository = (*EnrollmentStore)(nil)
var _ sequence.SequenceRepository = (*EnrollmentStore)(nil)

func (s *EnrollmentStore) GetSequence(ctx context.Context, id uint) (*models.Sequence, error) {
	var seq models.Sequence
	if err := s.DB.WithContext(ctx).First(&seq, id).Error; err != nil {
		return nil, notFound(err)
	}
	return &seq, nil
}

func (s *EnrollmentStore) FindByTrigger(ctx context.Context, userID uint, trigger string) ([]models.Sequence, error) {
	var sequences []models.Sequence
	err := s.DB.WithContext(ctx).
		Where("user_id = ? AND trigger_type = ? AND status = ?", userID, trigger, models.SequenceStatusActive).
		Order("id ASC").
		Find(&sequences).Error
	return sequences, err
}

func (s *EnrollmentStore) GetEnrollment(ctx context.Context, id uint) (*models.Enrollment, error) {
	var e models.Enrollment
	if err := s.DB.WithContext(ctx).First(&e, id).Error; err != nil {
		return nil, notFound(err)
	}
	return &e, nil
}

// FindAdvanceable returns enrollments in status whose sequence is active,
// oldest action first.
func (s *EnrollmentStore) FindAdvanceable(ctx context.Context, status models.EnrollmentStatus, limit int) ([]models.Enrollment, error) {
	query := s.DB.WithContext(ctx).
		Joins("JOIN sequences ON sequences.id = enrollments.sequence_id AND sequences.deleted_at IS NULL").
		Where("enrollments.status = ? AND sequences.status = ?", status, models.SequenceStatusActive).
		Where("(enrollments.claimed_until IS NULL OR enrollments.claimed_until <= ?)", time.Now()).
		Order("enrollments.last_action_at ASC, enrollments.id ASC")
	if limit > 0 {
		query = query.Limit(limit)
	}

	var enrollments []models.Enrollment
	err := query.Find(&enrollments).Error
	return enrollments, err
}

func (s *EnrollmentStore) FindDueWaiting(ctx context.Context, now time.Time, limit int) ([]models.Enrollment, error) {
	query := s.DB.WithContext(ctx).
		Where("status = ? AND wait_until <= ?", models.EnrollmentWaiting, now).
		Order("wait_until ASC, id ASC")
	if limit > 0 {
		query = query.Limit(limit)
	}

	var enrollments []models.Enrollment
	err := query.Find(&enrollments).Error
	return enrollments, err
}

// UpdateEnrollment applies patch if the stored version still equals
// expectedVersion, bumping it, and applies the counter delta to the sequence
// in the same transaction.
func (s *EnrollmentStore) UpdateEnrollment(ctx context.Context, id uint, expectedVersion int, patch sequence.EnrollmentPatch) (*models.Enrollment, error) {
	var updated models.Enrollment
	err := s.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		cols := patch.Columns()
		cols["version"] = expectedVersion + 1
		cols["updated_at"] = time.Now()

		res := tx.Model(&models.Enrollment{}).
			Where("id = ? AND version = ?", id, expectedVersion).
			Updates(cols)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			var count int64
			if err := tx.Model(&models.Enrollment{}).Where("id = ?", id).Count(&count).Error; err != nil {
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
			return applyCounters(tx, updated.SequenceID, *patch.Counters)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &updated, nil
}

func (s *EnrollmentStore) CreateEnrollments(ctx context.Context, sequenceID uint, enrollments []*models.Enrollment) error {
	if len(enrollments) == 0 {
		return nil
	}
	return s.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(enrollments).Error; err != nil {
			return err
		}
		return applyCounters(tx, sequenceID, sequence.CounterDelta{
			TotalEnrolled:   len(enrollments),
			CurrentlyActive: len(enrollments),
		})
	})
}

func (s *EnrollmentStore) FindOpenContactIDs(ctx context.Context, sequenceID uint, contactIDs []uint) ([]uint, error) {
	if len(contactIDs) == 0 {
		return nil, nil
	}
	var ids []uint
	err := s.DB.WithContext(ctx).Model(&models.Enrollment{}).
		Where("sequence_id = ? AND contact_id IN ? AND status IN ?", sequenceID, contactIDs, openEnrollmentStatuses).
		Pluck("contact_id", &ids).Error
	return ids, err
}

var openEnrollmentStatuses = []models.EnrollmentStatus{models.EnrollmentActive, models.EnrollmentWaiting}

func (s *EnrollmentStore) CancelEnrollments(ctx context.Context, sequenceID uint) (int, error) {
	var cancelled int
	err := s.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Model(&models.Sequence{}).
			Where("id = ?", sequenceID).
			Update("status", models.SequenceStatusArchived).Error; err != nil {
			return err
		}

		now := time.Now()
		res := tx.Model(&models.Enrollment{}).
			Where("sequence_id = ? AND status IN ?", sequenceID, openEnrollmentStatuses).
			Updates(map[string]interface{}{
				"status":       models.EnrollmentCancelled,
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
		return applyCounters(tx, sequenceID, sequence.CounterDelta{
			CurrentlyActive: -cancelled,
			TotalCancelled:  cancelled,
		})
	})
	return cancelled, err
}

func (s *EnrollmentStore) CountByStatus(ctx context.Context, sequenceID uint) (map[models.EnrollmentStatus]int64, error) {
	var rows []struct {
		Status models.EnrollmentStatus
		Count  int64
	}
	err := s.DB.WithContext(ctx).Model(&models.Enrollment{}).
		Select("status, count(*) as count").
		Where("sequence_id = ?", sequenceID).
		Group("status").
		Scan(&rows).Error
	if err != nil {
		return nil, err
	}

	counts := make(map[models.EnrollmentStatus]int64, len(rows))
	for _, row := range rows {
		counts[row.Status] = row.Count
	}
	return counts, nil
}

func applyCounters(tx *gorm.DB, sequenceID uint, delta sequence.CounterDelta) error {
	fields := delta.Fields()
	if len(fields) == 0 {
		return nil
	}
	return tx.Model(&models.Sequence{}).
		Where("id = ?", sequenceID).
		Updates(incrementColumns(fields)).Error
}
