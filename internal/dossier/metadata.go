package dossier

import (
	"strings"

	"github.com/lennardhq/letterflow/internal/models"
)

// ParseMetadata mines structured recipient fields out of the person
// dossier markdown. The research output labels known facts as
// "Label: value" lines, optionally bolded or bulleted; anything the
// dossier does not mention stays empty.
func ParseMetadata(markdown string) models.DossierMetadata {
	var meta models.DossierMetadata
	for _, line := range strings.Split(markdown, "\n") {
		line = strings.TrimSpace(line)
		line = strings.TrimLeft(line, "-* ")
		line = strings.ReplaceAll(line, "**", "")

		label, value, ok := strings.Cut(line, ":")
		if !ok {
			continue
		}
		value = strings.TrimSpace(value)
		if value == "" {
			continue
		}

		switch strings.ToLower(strings.TrimSpace(label)) {
		case "email", "e-mail":
			if meta.RecipientEmail == "" {
				meta.RecipientEmail = value
			}
		case "headline", "title", "position":
			if meta.RecipientTitle == "" {
				meta.RecipientTitle = value
			}
		case "industry", "branche":
			if meta.Industry == "" {
				meta.Industry = value
			}
		case "website", "webseite":
			if meta.Website == "" {
				meta.Website = value
			}
		}
	}
	return meta
}
