package engine

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"loumass/models"
)

func TestExpand(t *testing.T) {
	contact := &models.Contact{
		Email:     "ann@example.com",
		FirstName: "Ann",
		LastName:  "Lee",
		Company:   "Acme",
		Variables: map[string]string{"plan": "pro"},
	}

	tests := []struct {
		name     string
		template string
		extra    map[string]interface{}
		want     string
	}{
		{"builtin", "Hi {{firstName}}", nil, "Hi Ann"},
		{"whitespace", "Hi {{ firstName }} from {{company}}", nil, "Hi Ann from Acme"},
		{"custom variable", "Your {{plan}} plan", nil, "Your pro plan"},
		{"extra", "Score {{webhook.score}}", map[string]interface{}{"webhook.score": 42}, "Score 42"},
		{"missing", "Hello {{missing}}!", nil, "Hello !"},
		{"no placeholders", "plain text", nil, "plain text"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Expand(tt.template, contact, tt.extra))
		})
	}
}

func TestExpandRoundTrip(t *testing.T) {
	contact := &models.Contact{FirstName: "Zoë"}
	assert.Equal(t, "Zoë", Expand("{{firstName}}", contact, nil))
	assert.Equal(t, "", Expand("{{firstName}}", nil, nil))
}
