package models

// Profile is the public identity attached to relayed messages.
type Profile struct {
	UserID string `json:"user_id"`
	Name   string `json:"name"`
	Avatar string `json:"avatar"`
}
