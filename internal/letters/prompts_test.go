package letters

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/lennardhq/letterflow/internal/models"
)

func TestGeneratePromptCarriesResearch(t *testing.T) {
	contact := &models.Contact{FullName: "Jane Doe"}
	dossier := &models.DossierBundle{
		PersonDossier:  "Jane has led Acme's platform team since 2022.",
		CompanyDossier: "Acme builds industrial control software.",
		CompanyName:    "Acme GmbH",
		Metadata:       models.DossierMetadata{RecipientTitle: "CTO", Industry: "Software"},
	}

	prompt := buildGeneratePrompt(contact, dossier)
	for _, want := range []string{"Jane Doe", "Acme GmbH", "CTO", "platform team", "industrial control"} {
		assert.Contains(t, prompt, want)
	}
}

func TestRevisePromptCarriesDraftAndFeedback(t *testing.T) {
	previous := &models.LetterContent{
		Subject:  "Partnership opportunity",
		Greeting: "Sehr geehrte Frau Doe,",
		Body:     "First draft body.",
	}
	feedback := &models.Feedback{Text: "Open with the shared conference instead."}

	prompt := buildRevisePrompt(previous, feedback, nil)
	for _, want := range []string{"Partnership opportunity", "First draft body.", "shared conference"} {
		assert.Contains(t, prompt, want)
	}
}

func TestSystemPromptLanguage(t *testing.T) {
	assert.Contains(t, generateSystemPrompt("de"), "German")
	assert.Contains(t, generateSystemPrompt("en"), "English")
}

func TestValidatePayload(t *testing.T) {
	tests := []struct {
		name    string
		payload letterPayload
		wantErr bool
	}{
		{"complete", letterPayload{Subject: "s", Greeting: "g", Body: "b"}, false},
		{"missing subject", letterPayload{Greeting: "g", Body: "b"}, true},
		{"missing greeting", letterPayload{Subject: "s", Body: "b"}, true},
		{"whitespace body", letterPayload{Subject: "s", Greeting: "g", Body: "  "}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := validatePayload(&tt.payload)
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}
