package models

import "time"

// Conversation is the summary of a two-participant thread.
type Conversation struct {
	ID                 string         `json:"id"`
	Participants       [2]string      `json:"participants"`
	LastMessageSender  string         `json:"last_message_sender"`
	LastMessagePreview string         `json:"last_message_preview"`
	LastMessageAt      time.Time      `json:"last_message_at"`
	UnreadCount        map[string]int `json:"unread_count"`
	CreatedAt          time.Time      `json:"created_at"`
}

// HasParticipant reports whether userID is one of the two participants.
func (c Conversation) HasParticipant(userID string) bool {
	return userID != "" && (c.Participants[0] == userID || c.Participants[1] == userID)
}

// Peer returns the participant that is not userID.
func (c Conversation) Peer(userID string) string {
	if c.Participants[0] == userID {
		return c.Participants[1]
	}
	return c.Participants[0]
}

// Clone returns a copy that does not share the unread map.
func (c Conversation) Clone() Conversation {
	out := c
	out.UnreadCount = make(map[string]int, len(c.UnreadCount))
	for k, v := range c.UnreadCount {
		out.UnreadCount[k] = v
	}
	return out
}
