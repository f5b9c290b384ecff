package chat

import (
	"context"
	"errors"

	"gochat/models"
	"gochat/network"
)

var (
	// ErrEmptyMessage rejects a send whose text is empty or whitespace.
	ErrEmptyMessage = errors.New("chat: message text is empty")
	// ErrSessionClosed is returned by operations on a closed session.
	ErrSessionClosed = errors.New("chat: session closed")
	// ErrUnauthenticated is returned when the identity has no valid session.
	ErrUnauthenticated = errors.New("chat: identity session is not valid")
	// ErrUnknownConversation is returned when opening a conversation that is
	// not in the conversation list.
	ErrUnknownConversation = errors.New("chat: unknown conversation")
)

// Identity supplies the signed-in user.
type Identity interface {
	UserID() string
	Token() string
	Valid() bool
}

// Channel is the shared live channel of the application session.
type Channel interface {
	Connect(ctx context.Context) error
	Disconnect() error
	JoinRoom(conversationID string) error
	LeaveRoom(conversationID string) error
	Emit(event string, payload any) error
	On(event string, handler network.Handler) (off func())
}

// DurableStore is the authoritative persistence layer, scoped to the
// signed-in user.
type DurableStore interface {
	GetOrCreateConversation(ctx context.Context, peerID string) (models.Conversation, error)
	ListConversations(ctx context.Context) ([]models.Conversation, error)
	ListMessages(ctx context.Context, conversationID string) ([]models.Message, error)
	CreateMessage(ctx context.Context, conversationID, receiverID, text string) (models.Message, error)
	MarkRead(ctx context.Context, conversationID string) error
	HideMessage(ctx context.Context, conversationID, messageID string) error
	ClearMessage(ctx context.Context, conversationID, messageID string) error
}

// subscriptions collects handler disposers so they can be released together.
type subscriptions []func()

func (s *subscriptions) add(off func()) {
	*s = append(*s, off)
}

func (s *subscriptions) release() {
	for i := len(*s) - 1; i >= 0; i-- {
		(*s)[i]()
	}
	*s = nil
}
