package models

import "time"

// Message is one entry of a conversation as seen by a viewer.
//
// Messages are never removed. Delete-for-everyone clears Text and sets
// DeletedForEveryone; delete-for-me hides the row for one viewer only.
type Message struct {
	ID                 string    `json:"id"`
	ConversationID     string    `json:"conversation_id"`
	SenderID           string    `json:"sender_id"`
	ReceiverID         string    `json:"receiver_id"`
	Text               string    `json:"text"`
	CreatedAt          time.Time `json:"created_at"`
	DeletedForEveryone bool      `json:"deleted_for_everyone"`
	IsRead             bool      `json:"is_read"`
}
