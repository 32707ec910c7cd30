package store

import (
	"context"
	"time"

	"gorm.io/gorm"
	"loumass/models"
)

type SenderStore struct {
	DB *gorm.DB
}

func NewSenderStore(db *gorm.DB) *SenderStore {
	return &SenderStore{DB: db}
}

// IMAPSenders returns active senders with inbound mail configured.
func (s *SenderStore) IMAPSenders(ctx context.Context) ([]models.Sender, error) {
	var senders []models.Sender
	err := s.DB.WithContext(ctx).
		Where("is_active = ? AND imap_host IS NOT NULL AND imap_host != ''", true).
		Order("id ASC").
		Find(&senders).Error
	return senders, err
}

// MarkReplyScan records a finished reply scan. A failed scan keeps the old
// watermark so the next one covers the gap.
func (s *SenderStore) MarkReplyScan(ctx context.Context, senderID uint, at time.Time, scanErr error) error {
	updates := map[string]interface{}{"last_reply_scan_at": at, "last_error": nil}
	if scanErr != nil {
		updates = map[string]interface{}{"last_error": scanErr.Error()}
	}
	return s.DB.WithContext(ctx).Model(&models.Sender{}).Where("id = ?", senderID).Updates(updates).Error
}
