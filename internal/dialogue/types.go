package dialogue

import (
	"encoding/json"
	"time"
)

// CardStatus is the lifecycle state of a result card.
type CardStatus string

const (
	StatusAnalyzing CardStatus = "analyzing"
	StatusDraft     CardStatus = "draft"
	StatusSaved     CardStatus = "saved"
	StatusError     CardStatus = "error"
)

// Message is one turn in a dialogue.
type Message struct {
	Role        string    `json:"role"`
	Content     string    `json:"content"`
	Timestamp   time.Time `json:"timestamp,omitzero"`
	Attachments []string  `json:"attachments,omitempty"`

	// CardID links the message to a result card derived from it.
	CardID string `json:"card_id,omitempty"`
}

// Dialogue is a persisted conversation thread.
type Dialogue struct {
	ID        string    `json:"id"`
	Title     string    `json:"title"`
	Messages  []Message `json:"messages"`
	CardIDs   []string  `json:"card_ids,omitempty"`
	CreatedAt time.Time `json:"created_at,omitzero"`
	UpdatedAt time.Time `json:"updated_at,omitzero"`
}

// CardVersion is one iteration of an analysis result. The payload is
// produced by the analysis layer and persisted verbatim.
type CardVersion struct {
	Summary   string          `json:"summary,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	CreatedAt time.Time       `json:"created_at,omitzero"`
}

// ResultCard is a derived analysis card owned by a dialogue.
type ResultCard struct {
	ID         string        `json:"id"`
	DialogueID string        `json:"dialogue_id"`
	Mode       string        `json:"mode"`
	Versions   []CardVersion `json:"versions"`
	Status     CardStatus    `json:"status"`

	// RecordID links to the event record persisted when the card was
	// saved, if any.
	RecordID string `json:"record_id,omitempty"`

	CreatedAt time.Time `json:"created_at,omitzero"`
	UpdatedAt time.Time `json:"updated_at,omitzero"`
}

// DialogueSummary is the denormalized index entry for a dialogue.
type DialogueSummary struct {
	ID           string    `json:"id"`
	Title        string    `json:"title"`
	UpdatedAt    time.Time `json:"updated_at"`
	MessageCount int       `json:"message_count"`
}

// CardSummary is the denormalized index entry for a result card.
type CardSummary struct {
	ID         string     `json:"id"`
	DialogueID string     `json:"dialogue_id"`
	Mode       string     `json:"mode"`
	Status     CardStatus `json:"status"`
	Summary    string     `json:"summary,omitempty"`
	UpdatedAt  time.Time  `json:"updated_at"`
}

func summarizeDialogue(d *Dialogue) DialogueSummary {
	return DialogueSummary{
		ID:           d.ID,
		Title:        d.Title,
		UpdatedAt:    d.UpdatedAt,
		MessageCount: len(d.Messages),
	}
}

func summarizeCard(c *ResultCard) CardSummary {
	s := CardSummary{
		ID:         c.ID,
		DialogueID: c.DialogueID,
		Mode:       c.Mode,
		Status:     c.Status,
		UpdatedAt:  c.UpdatedAt,
	}
	if len(c.Versions) > 0 {
		s.Summary = c.Versions[len(c.Versions)-1].Summary
	}
	return s
}
