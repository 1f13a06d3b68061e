package models

import "time"

// LetterContent is one generated letter. Values are immutable: every
// regeneration produces a new LetterContent appended to the history.
// Body text is markdown.
type LetterContent struct {
	Subject       string `json:"subject"`
	Greeting      string `json:"greeting"`
	Body          string `json:"body"`
	SenderName    string `json:"sender_name"`
	RecipientName string `json:"recipient_name"`
	CompanyName   string `json:"company_name"`
}

// Feedback is reviewer feedback attached to a letter iteration.
type Feedback struct {
	Text       string    `json:"text"`
	ProvidedBy string    `json:"provided_by"`
	ProvidedAt time.Time `json:"provided_at"`
}

// LetterHistoryEntry is one iteration of the letter for an approval.
type LetterHistoryEntry struct {
	Iteration int           `json:"iteration"`
	Content   LetterContent `json:"content"`
	Feedback  *Feedback     `json:"feedback,omitempty"`
	CreatedAt time.Time     `json:"created_at"`
}
