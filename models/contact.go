package models

import "gorm.io/gorm"

// Contact represents a single recipient that can be enrolled in sequences
// and automations.
type Contact struct {
	gorm.Model
	UserID uint `gorm:"not null;index" json:"user_id"`

	Email     string `gorm:"not null;index" json:"email"`
	FirstName string `json:"first_name"`
	LastName  string `json:"last_name"`
	Company   string `json:"company"`
	Phone     string `json:"phone"`

	// Custom merge fields, usable as {{key}} in templates
	Variables map[string]string `gorm:"type:jsonb;serializer:json" json:"variables,omitempty"`

	// Status
	IsBounced      bool `gorm:"default:false" json:"is_bounced"`
	IsUnsubscribed bool `gorm:"default:false" json:"is_unsubscribed"`
	IsDoNotContact bool `gorm:"default:false" json:"is_do_not_contact"`
}

// IsSuppressed reports whether nothing may be sent to the contact.
func (c *Contact) IsSuppressed() bool {
	return c.IsBounced || c.IsUnsubscribed || c.IsDoNotContact
}
