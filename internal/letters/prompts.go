package letters

import (
	"fmt"
	"strings"

	"github.com/lennardhq/letterflow/internal/models"
)

func generateSystemPrompt(language string) string {
	lang := "German"
	if strings.EqualFold(language, "en") {
		lang = "English"
	}
	return fmt.Sprintf(`You write personal, physically mailed business letters in %s.
The letter opens a conversation with an executive the sender has researched but never met.
Keep it under 250 words, specific to the recipient, and free of generic sales phrasing.

Respond with a JSON object containing exactly these keys:
  "subject": a short subject line
  "greeting": the salutation line, e.g. "Sehr geehrte Frau Doe,"
  "body": the letter body without greeting or signature`, lang)
}

func buildGeneratePrompt(contact *models.Contact, dossier *models.DossierBundle) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Write a letter to %s", contact.FullName)
	if dossier.CompanyName != "" {
		fmt.Fprintf(&b, " of %s", dossier.CompanyName)
	}
	b.WriteString(".\n\n")

	if dossier.Metadata.RecipientTitle != "" {
		fmt.Fprintf(&b, "Their role: %s\n", dossier.Metadata.RecipientTitle)
	}
	if dossier.Metadata.Industry != "" {
		fmt.Fprintf(&b, "Industry: %s\n", dossier.Metadata.Industry)
	}

	b.WriteString("\n## Research on the person\n\n")
	b.WriteString(dossier.PersonDossier)
	if dossier.CompanyDossier != "" {
		b.WriteString("\n\n## Research on the company\n\n")
		b.WriteString(dossier.CompanyDossier)
	}
	return b.String()
}

func buildRevisePrompt(previous *models.LetterContent, feedback *models.Feedback, dossier *models.DossierBundle) string {
	var b strings.Builder
	b.WriteString("Revise the following letter draft. Apply the reviewer feedback while keeping the recipient and intent unchanged.\n\n")

	b.WriteString("## Current draft\n\n")
	fmt.Fprintf(&b, "Subject: %s\n", previous.Subject)
	fmt.Fprintf(&b, "%s\n\n%s\n", previous.Greeting, previous.Body)

	b.WriteString("\n## Reviewer feedback\n\n")
	b.WriteString(feedback.Text)
	b.WriteString("\n")

	if dossier != nil && dossier.PersonDossier != "" {
		b.WriteString("\n## Research on the person\n\n")
		b.WriteString(dossier.PersonDossier)
	}
	return b.String()
}
