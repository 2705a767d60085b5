package models

import "time"

// Session represents one AI backend context within a conversation. At most one
// session per conversation is active at a time.
type Session struct {
	ID             string
	ConversationID string
	ResumeToken    string // opaque backend resumption token, empty until first exchange
	Active         bool
	LastCommand    string // command name that produced the most recent exchange
	CreatedAt      time.Time
	UpdatedAt      time.Time
}
