package store

import "time"

// Message roles. System content is synthesized at request time and never
// stored as part of a conversation.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleSystem    = "system"
)

// MaxMessages is the per-conversation history cap. Appending beyond it evicts
// the oldest entries by position.
const MaxMessages = 50

// Message represents a single stored message in a conversation. Immutable
// once appended.
type Message struct {
	Role      string  `json:"role"`
	Content   string  `json:"content"`
	Timestamp float64 `json:"timestamp"` // unix seconds
}

// Conversation represents a titled, ordered, capped message history owned by
// one user.
type Conversation struct {
	ID        string    `json:"id"`
	Title     string    `json:"title"`
	CreatedAt float64   `json:"created_at"`
	UpdatedAt float64   `json:"updated_at"`
	Messages  []Message `json:"messages"`
}

// Ledger tracks cumulative spend for one scope for the current month.
// It resets when the month rolls over.
type Ledger struct {
	Month  string  `json:"month"` // "2006-01"
	USD    float64 `json:"usd"`
	Points float64 `json:"points"`
}

// ResetIfStale zeroes the ledger if it belongs to an earlier month.
func (l *Ledger) ResetIfStale(now time.Time) {
	month := now.Format("2006-01")
	if l.Month != month {
		l.Month = month
		l.USD = 0
		l.Points = 0
	}
}

// UserProfile is the unit of persistence: one encrypted blob per user.
type UserProfile struct {
	ActiveConversationID string                   `json:"active_conversation_id"`
	Conversations        map[string]*Conversation `json:"conversations"`
	Model                string                   `json:"model,omitempty"`
	PrivateMode          bool                     `json:"private_mode,omitempty"`
	SystemPrompt         string                   `json:"system_prompt,omitempty"`
	Spend                Ledger                   `json:"spend"`
}

// NewUserProfile returns an empty profile, created lazily on a user's first
// interaction.
func NewUserProfile() *UserProfile {
	return &UserProfile{
		Conversations: make(map[string]*Conversation),
	}
}

func nowSeconds() float64 {
	return float64(time.Now().UnixNano()) / 1e9
}
