package store

import (
	"context"

	"gorm.io/gorm"
	"loumass/engine"
	"loumass/models"
)

type ContactStore struct {
	DB *gorm.DB
}

func NewContactStore(db *gorm.DB) *ContactStore {
	return &ContactStore{DB: db}
}

var _ engine.ContactRepository = (*ContactStore)(nil)

func (s *ContactStore) GetContact(ctx context.Context, id uint) (*models.Contact, error) {
	var contact models.Contact
	if err := s.DB.WithContext(ctx).First(&contact, id).Error; err != nil {
		return nil, notFound(err)
	}
	return &contact, nil
}
