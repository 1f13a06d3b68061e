package models

import "time"

// TaskRef references a CRM task that is a candidate for letter generation.
// The CRM remains the system of record; only the identifiers and the
// creation timestamp (used for oldest-first ordering) are carried here.
type TaskRef struct {
	ID          string    `json:"id"`
	Subject     string    `json:"subject"`
	ContactID   string    `json:"contact_id"`
	ContactName string    `json:"contact_name,omitempty"`
	CompanyID   string    `json:"company_id,omitempty"`
	CreatedTime time.Time `json:"created_time"`
}

// Contact is a CRM contact resolved from a task.
type Contact struct {
	ID             string          `json:"id"`
	FullName       string          `json:"full_name"`
	Email          string          `json:"email,omitempty"`
	Phone          string          `json:"phone,omitempty"`
	Company        string          `json:"company,omitempty"`
	ProfileID      string          `json:"profile_id"`
	MailingAddress *MailingAddress `json:"mailing_address,omitempty"`
}

// MailingAddress is a postal address used for physical delivery.
type MailingAddress struct {
	Street     string `json:"street"`
	City       string `json:"city"`
	State      string `json:"state,omitempty"`
	PostalCode string `json:"postal_code"`
	Country    string `json:"country"`
}

// IsValid reports whether the address has every field required by the
// mail carrier.
func (a *MailingAddress) IsValid() bool {
	if a == nil {
		return false
	}
	return a.Street != "" && a.City != "" && a.PostalCode != "" && a.Country != ""
}

// Profile is the raw professional profile document for a contact.
type Profile struct {
	ProfileID  string         `json:"profile_id"`
	ProfileURL string         `json:"profile_url"`
	FullName   string         `json:"full_name"`
	Headline   string         `json:"headline,omitempty"`
	Location   string         `json:"location,omitempty"`
	Company    string         `json:"company,omitempty"`
	RawData    map[string]any `json:"raw_data,omitempty"`
}

// DossierBundle is the output of dossier generation: person and company
// narratives plus the data extracted from them. Immutable once produced
// for a given approval; a revision regenerates the letter, not the dossier.
type DossierBundle struct {
	PersonDossier  string          `json:"person_dossier"`
	CompanyDossier string          `json:"company_dossier"`
	CompanyName    string          `json:"company_name"`
	MailingAddress *MailingAddress `json:"mailing_address,omitempty"`
	Metadata       DossierMetadata `json:"metadata"`
	GeneratedAt    time.Time       `json:"generated_at"`
}

// DossierMetadata carries structured fields extracted from the dossier
// markdown narratives.
type DossierMetadata struct {
	RecipientEmail string `json:"recipient_email,omitempty"`
	RecipientTitle string `json:"recipient_title,omitempty"`
	Industry       string `json:"industry,omitempty"`
	Website        string `json:"website,omitempty"`
}
