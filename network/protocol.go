package network

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

const (
	// MaxFrameSize is the maximum accepted websocket message size (1 MB).
	MaxFrameSize = 1 << 20
	// DefaultWriteTimeout bounds each websocket write.
	DefaultWriteTimeout = 10 * time.Second
	// DefaultPingInterval sends a websocket ping on every connection.
	DefaultPingInterval = 30 * time.Second
	// DefaultReadTimeout closes a connection that stays silent (no frame, no pong).
	DefaultReadTimeout = 60 * time.Second
	// DefaultSendBuffer is the number of outbound frames queued per connection.
	DefaultSendBuffer = 128
)

// Live channel events.
const (
	EventJoinRoom               = "join-room"
	EventLeaveRoom              = "leave-room"
	EventSendMessage            = "send-message"
	EventReceiveMessage         = "receive-message"
	EventTyping                 = "typing"
	EventStopTyping             = "stop-typing"
	EventDeleteMessageMe        = "delete-message-me"
	EventMessageDeletedMe       = "message-deleted-me"
	EventDeleteMessageEveryone  = "delete-message-everyone"
	EventMessageDeletedEveryone = "message-deleted-everyone"
	EventCheckUserStatus        = "check-user-status"
	EventUserOnline             = "user-online"
	EventUserOffline            = "user-offline"
	EventUserStatus             = "user-status"
	EventError                  = "error"
)

var (
	// ErrInvalidFrame indicates a frame that is not valid JSON or has no event.
	ErrInvalidFrame = errors.New("network: invalid frame")
	// ErrInvalidPayload indicates an event payload that does not match its event.
	ErrInvalidPayload = errors.New("network: invalid payload")
)

// Frame is one message on the live channel.
type Frame struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// UserRef is a user reference that arrives either as a bare id or as an
// embedded user object. It is normalized to the bare id on decode and always
// encoded as a bare id.
type UserRef string

func (r *UserRef) UnmarshalJSON(raw []byte) error {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		*r = ""
		return nil
	}

	if raw[0] == '"' {
		var id string
		if err := json.Unmarshal(raw, &id); err != nil {
			return err
		}
		*r = UserRef(strings.TrimSpace(id))
		return nil
	}

	var embedded struct {
		MongoID string `json:"_id"`
		ID      string `json:"id"`
		UserID  string `json:"userId"`
	}
	if err := json.Unmarshal(raw, &embedded); err != nil {
		return fmt.Errorf("%w: user reference must be an id or an object", ErrInvalidPayload)
	}
	for _, candidate := range []string{embedded.MongoID, embedded.ID, embedded.UserID} {
		if candidate = strings.TrimSpace(candidate); candidate != "" {
			*r = UserRef(candidate)
			return nil
		}
	}
	return fmt.Errorf("%w: user object without id", ErrInvalidPayload)
}

// String returns the bare user id.
func (r UserRef) String() string {
	return string(r)
}

// SendMessagePayload is emitted by a client after the durable write succeeded.
type SendMessagePayload struct {
	MessageID      string    `json:"messageId,omitempty"`
	ConversationID string    `json:"conversationId"`
	SenderID       UserRef   `json:"senderId"`
	ReceiverID     UserRef   `json:"receiverId"`
	Text           string    `json:"text"`
	CreatedAt      time.Time `json:"createdAt,omitzero"`
}

// ReceiveMessagePayload is relayed by the hub to the room and the receiver.
type ReceiveMessagePayload struct {
	MessageID      string    `json:"messageId,omitempty"`
	ConversationID string    `json:"conversationId"`
	SenderID       UserRef   `json:"senderId"`
	ReceiverID     UserRef   `json:"receiverId,omitempty"`
	Text           string    `json:"text"`
	SenderName     string    `json:"senderName"`
	SenderAvatar   string    `json:"senderAvatar"`
	CreatedAt      time.Time `json:"createdAt"`
}

// TypingPayload carries typing and stop-typing signals.
type TypingPayload struct {
	ConversationID string  `json:"conversationId"`
	UserID         UserRef `json:"userId"`
}

// DeleteForMePayload carries delete-message-me and message-deleted-me.
type DeleteForMePayload struct {
	MessageID      string  `json:"messageId"`
	UserID         UserRef `json:"userId"`
	ConversationID string  `json:"conversationId"`
}

// DeleteForEveryonePayload carries delete-message-everyone and message-deleted-everyone.
type DeleteForEveryonePayload struct {
	MessageID      string `json:"messageId"`
	ConversationID string `json:"conversationId"`
}

// UserStatusPayload answers check-user-status.
type UserStatusPayload struct {
	UserID   UserRef `json:"userId"`
	IsOnline bool    `json:"isOnline"`
}

// ErrorPayload is sent back on the error event for rejected frames.
type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Error codes carried by ErrorPayload.
const (
	ErrorCodeBadRequest     = "bad_request"
	ErrorCodeForbidden      = "forbidden"
	ErrorCodeUnknownEvent   = "unknown_event"
	ErrorCodeNotInRoom      = "not_in_room"
	ErrorCodeInternal       = "internal_error"
	ErrorCodeSlowConnection = "slow_connection"
)

// EncodeFrame marshals payload as the data of one event frame.
func EncodeFrame(event string, payload any) ([]byte, error) {
	if event == "" {
		return nil, ErrInvalidFrame
	}
	frame := Frame{Event: event}
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("marshal %s payload: %w", event, err)
		}
		frame.Data = data
	}
	raw, err := json.Marshal(frame)
	if err != nil {
		return nil, fmt.Errorf("marshal %s frame: %w", event, err)
	}
	return raw, nil
}

// DecodeFrame parses one inbound frame.
func DecodeFrame(raw []byte) (Frame, error) {
	var frame Frame
	if err := json.Unmarshal(raw, &frame); err != nil {
		return Frame{}, fmt.Errorf("%w: %v", ErrInvalidFrame, err)
	}
	frame.Event = strings.TrimSpace(frame.Event)
	if frame.Event == "" {
		return Frame{}, fmt.Errorf("%w: event is required", ErrInvalidFrame)
	}
	return frame, nil
}

// DecodePayload unmarshals frame data into target.
func DecodePayload(data json.RawMessage, target any) error {
	if len(data) == 0 {
		return fmt.Errorf("%w: missing data", ErrInvalidPayload)
	}
	if err := json.Unmarshal(data, target); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	return nil
}

// DecodeID reads a payload that is a bare id, or an object holding one under
// conversationId or userId.
func DecodeID(data json.RawMessage) (string, error) {
	data = bytes.TrimSpace(data)
	if len(data) == 0 {
		return "", fmt.Errorf("%w: missing id", ErrInvalidPayload)
	}
	if data[0] == '"' {
		var id string
		if err := json.Unmarshal(data, &id); err != nil {
			return "", fmt.Errorf("%w: %v", ErrInvalidPayload, err)
		}
		id = strings.TrimSpace(id)
		if id == "" {
			return "", fmt.Errorf("%w: empty id", ErrInvalidPayload)
		}
		return id, nil
	}

	var wrapped struct {
		ConversationID string  `json:"conversationId"`
		UserID         UserRef `json:"userId"`
	}
	if err := json.Unmarshal(data, &wrapped); err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	if id := strings.TrimSpace(wrapped.ConversationID); id != "" {
		return id, nil
	}
	if wrapped.UserID != "" {
		return wrapped.UserID.String(), nil
	}
	return "", fmt.Errorf("%w: missing id", ErrInvalidPayload)
}

// DecodeUserStatus reads a presence payload, which is either a bare user id
// (user-online, user-offline) or {userId, isOnline} (user-status). For the
// bare form the caller supplies the online value implied by the event.
func DecodeUserStatus(data json.RawMessage, implied bool) (UserStatusPayload, error) {
	data = bytes.TrimSpace(data)
	if len(data) > 0 && data[0] == '{' {
		var status struct {
			UserID   UserRef `json:"userId"`
			IsOnline *bool   `json:"isOnline"`
		}
		if err := json.Unmarshal(data, &status); err != nil {
			return UserStatusPayload{}, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
		}
		if status.UserID == "" {
			return UserStatusPayload{}, fmt.Errorf("%w: missing userId", ErrInvalidPayload)
		}
		online := implied
		if status.IsOnline != nil {
			online = *status.IsOnline
		}
		return UserStatusPayload{UserID: status.UserID, IsOnline: online}, nil
	}

	id, err := DecodeID(data)
	if err != nil {
		return UserStatusPayload{}, err
	}
	return UserStatusPayload{UserID: UserRef(id), IsOnline: implied}, nil
}
