package types

import (
	"encoding/json"
	"time"
)

// ThreadIndex is the persisted summary of one conversation thread.
type ThreadIndex struct {
	ThreadID       ThreadID  `json:"thread_id"`
	ThreadKey      ThreadKey `json:"thread_key"`
	Source         string    `json:"source"`
	ConversationID string    `json:"conversation_id,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
	LastTurnID     TurnID    `json:"last_turn_id,omitempty"`
}

// TurnRecord is a finished turn as kept in a thread's transcript. Only turns
// that reached a terminal phase are recorded.
type TurnRecord struct {
	ID             RecordID        `json:"id"`
	ThreadID       ThreadID        `json:"thread_id"`
	TurnID         TurnID          `json:"turn_id"`
	Seq            int64           `json:"seq"`
	Source         string          `json:"source"`
	Query          string          `json:"query"`
	Answer         string          `json:"answer"`
	Sources        []string        `json:"sources,omitempty"`
	ConversationID string          `json:"conversation_id,omitempty"`
	Phase          string          `json:"phase"`
	Error          string          `json:"error,omitempty"`
	Attempts       int             `json:"attempts"`
	At             time.Time       `json:"at"`
	Metadata       json.RawMessage `json:"metadata,omitempty"`
}

// MetadataMap decodes the stored completion metadata. Undecodable metadata
// yields nil.
func (r *TurnRecord) MetadataMap() map[string]any {
	if len(r.Metadata) == 0 {
		return nil
	}
	var m map[string]any
	if err := json.Unmarshal(r.Metadata, &m); err != nil {
		return nil
	}
	return m
}

// InboundQuery is a question arriving from any front end (CLI, Telegram,
// HTTP, scheduler).
type InboundQuery struct {
	Source    string    `json:"source"`
	ThreadKey ThreadKey `json:"thread_key"`
	UserID    string    `json:"user_id"`
	Text      string    `json:"text"`
}
