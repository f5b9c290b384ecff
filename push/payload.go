// Package push covers the background delivery path: the server-side hook
// that hands a payload to a push transport, and the client-side handler that
// turns a payload into an OS notification and routes clicks back into the app.
package push

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// ErrInvalidPayload indicates push data that cannot be shown.
var ErrInvalidPayload = errors.New("push: invalid payload")

// Payload is the opaque push message body.
type Payload struct {
	Title string `json:"title"`
	Body  string `json:"body"`
	URL   string `json:"url"`
}

// Encode marshals the payload for a push transport.
func (p Payload) Encode() ([]byte, error) {
	raw, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("marshal push payload: %w", err)
	}
	return raw, nil
}

// DecodePayload parses raw push data. Empty data, non-objects and payloads
// without a title are rejected with ErrInvalidPayload.
func DecodePayload(raw []byte) (Payload, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return Payload{}, fmt.Errorf("%w: empty", ErrInvalidPayload)
	}

	var payload Payload
	if err := json.Unmarshal(raw, &payload); err != nil {
		return Payload{}, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	if strings.TrimSpace(payload.Title) == "" {
		return Payload{}, fmt.Errorf("%w: title is required", ErrInvalidPayload)
	}
	return payload, nil
}

// ConversationURL is the in-app location of a conversation.
func ConversationURL(conversationID string) string {
	return "/chat/" + conversationID
}
