package engine

import (
	"fmt"
	"regexp"

	"loumass/models"
)

var placeholderPattern = regexp.MustCompile(`\{\{\s*([A-Za-z0-9_.\-]+)\s*\}\}`)

// Expand replaces {{name}} placeholders with contact fields, the contact's
// custom variables and then extra. Unknown placeholders become "".
func Expand(template string, contact *models.Contact, extra map[string]interface{}) string {
	if template == "" {
		return ""
	}
	return placeholderPattern.ReplaceAllStringFunc(template, func(match string) string {
		key := placeholderPattern.FindStringSubmatch(match)[1]
		value, _ := lookupVariable(key, contact, extra)
		return value
	})
}

func lookupVariable(key string, contact *models.Contact, extra map[string]interface{}) (string, bool) {
	if contact != nil {
		switch key {
		case "firstName":
			return contact.FirstName, true
		case "lastName":
			return contact.LastName, true
		case "email":
			return contact.Email, true
		case "company":
			return contact.Company, true
		case "phone":
			return contact.Phone, true
		}
		if v, ok := contact.Variables[key]; ok {
			return v, true
		}
	}
	if v, ok := extra[key]; ok && v != nil {
		return fmt.Sprint(v), true
	}
	return "", false
}
