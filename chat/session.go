package chat

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"time"

	"gochat/models"
	"gochat/network"
)

// DefaultTypingTimeout clears a peer's typing flag when no stop-typing
// arrives in time.
const DefaultTypingTimeout = 3000 * time.Millisecond

const typingKey = "peer-typing"

// SessionState is the lifecycle state of a Session.
type SessionState string

const (
	SessionLoading SessionState = "LOADING"
	SessionReady   SessionState = "READY"
	SessionClosed  SessionState = "CLOSED"
)

// SessionView is a copy of a session's state handed to observers.
type SessionView struct {
	ConversationID string
	State          SessionState
	Messages       []models.Message
	PeerTyping     bool
}

// SessionOptions configures one open conversation.
type SessionOptions struct {
	ConversationID string
	// PeerID is the other participant, the receiver of sent messages.
	PeerID        string
	TypingTimeout time.Duration
	// OnChange runs on the loop after every state change.
	OnChange func(SessionView)
}

// Session is the controller of one open conversation. Its state lives on the
// application loop; its operations block on the network and may be called
// from any goroutine other than the loop.
type Session struct {
	loop          *Loop
	channel       Channel
	store         DurableStore
	conversations *ConversationStore
	router        *NotificationRouter
	logger        *slog.Logger

	conversationID string
	peerID         string
	localUserID    string
	typingTimeout  time.Duration
	onChange       func(SessionView)

	// loop-owned
	state      SessionState
	messages   []models.Message
	peerTyping bool
	timers     *deferredSet
	subs       subscriptions
}

type sessionDeps struct {
	loop          *Loop
	channel       Channel
	store         DurableStore
	conversations *ConversationStore
	router        *NotificationRouter
	logger        *slog.Logger
	localUserID   string
}

// openSession runs the activation sequence: subscribe, load history, mark
// read, then join the room. On any failure everything taken so far is
// released.
func openSession(ctx context.Context, deps sessionDeps, opts SessionOptions) (*Session, error) {
	if opts.ConversationID == "" || opts.PeerID == "" {
		return nil, errors.New("conversation and peer are required")
	}
	if opts.TypingTimeout <= 0 {
		opts.TypingTimeout = DefaultTypingTimeout
	}
	if deps.logger == nil {
		deps.logger = slog.Default()
	}

	s := &Session{
		loop:           deps.loop,
		channel:        deps.channel,
		store:          deps.store,
		conversations:  deps.conversations,
		router:         deps.router,
		logger:         deps.logger,
		conversationID: opts.ConversationID,
		peerID:         opts.PeerID,
		localUserID:    deps.localUserID,
		typingTimeout:  opts.TypingTimeout,
		onChange:       opts.OnChange,
		state:          SessionLoading,
		timers:         newDeferredSet(deps.loop),
	}

	// Handlers go first so a message relayed while history loads is kept;
	// appendMessage drops the copy that history may also carry.
	var subs subscriptions
	subs.add(s.channel.On(network.EventReceiveMessage, s.onReceiveMessage))
	subs.add(s.channel.On(network.EventTyping, s.onTyping))
	subs.add(s.channel.On(network.EventStopTyping, s.onStopTyping))
	subs.add(s.channel.On(network.EventMessageDeletedMe, s.onDeletedForMe))
	subs.add(s.channel.On(network.EventMessageDeletedEveryone, s.onDeletedForEveryone))

	history, err := s.store.ListMessages(ctx, s.conversationID)
	if err != nil {
		s.abort(&subs)
		return nil, fmt.Errorf("load history for %s: %w", s.conversationID, err)
	}
	if err := s.call(func() {
		live := s.messages
		s.messages = nil
		for _, message := range history {
			s.appendMessage(message)
		}
		for _, message := range live {
			s.appendMessage(message)
		}
		s.notify()
	}); err != nil {
		s.abort(&subs)
		return nil, err
	}

	if err := s.store.MarkRead(ctx, s.conversationID); err != nil {
		s.abort(&subs)
		return nil, fmt.Errorf("mark %s read: %w", s.conversationID, err)
	}
	if err := s.call(func() {
		s.conversations.reduce(ReadReset{ConversationID: s.conversationID, UserID: s.localUserID})
	}); err != nil {
		s.abort(&subs)
		return nil, err
	}

	if err := s.channel.JoinRoom(s.conversationID); err != nil {
		s.abort(&subs)
		return nil, fmt.Errorf("join room %s: %w", s.conversationID, err)
	}

	if err := s.call(func() {
		s.subs = subs
		s.state = SessionReady
		if s.router != nil {
			s.router.setOpenConversation(s.conversationID)
		}
		s.notify()
	}); err != nil {
		s.abort(&subs)
		if leaveErr := s.channel.LeaveRoom(s.conversationID); leaveErr != nil && !errors.Is(leaveErr, network.ErrNotConnected) {
			s.logger.Warn("leave room after failed activation",
				slog.String("conversation_id", s.conversationID),
				slog.Any("error", leaveErr))
		}
		return nil, err
	}
	return s, nil
}

// abort releases the handlers of a failed activation and marks the session
// closed so work they already posted is skipped.
func (s *Session) abort(subs *subscriptions) {
	subs.release()
	s.loop.Post(func() {
		s.state = SessionClosed
		s.timers.cancelAll()
	})
}

// ConversationID returns the open conversation.
func (s *Session) ConversationID() string {
	return s.conversationID
}

// View returns a copy of the current state.
func (s *Session) View() SessionView {
	var view SessionView
	_ = s.loop.Call(func() {
		view = s.view()
	})
	return view
}

// Messages returns a copy of the local message list.
func (s *Session) Messages() []models.Message {
	return s.View().Messages
}

// PeerTyping reports whether the peer is currently typing.
func (s *Session) PeerTyping() bool {
	return s.View().PeerTyping
}

// State returns the lifecycle state.
func (s *Session) State() SessionState {
	return s.View().State
}

// Send persists text as a new message, then shows it locally and emits it on
// the live channel with its authoritative id. Nothing is shown when the
// durable write fails. A failed emit is returned along with the persisted
// message.
func (s *Session) Send(ctx context.Context, text string) (models.Message, error) {
	if strings.TrimSpace(text) == "" {
		return models.Message{}, ErrEmptyMessage
	}
	if err := s.ensureOpen(); err != nil {
		return models.Message{}, err
	}

	message, err := s.store.CreateMessage(ctx, s.conversationID, s.peerID, text)
	if err != nil {
		return models.Message{}, fmt.Errorf("send message: %w", err)
	}

	if err := s.call(func() {
		s.appendMessage(message)
		s.conversations.reduce(NewMessage{
			ConversationID: s.conversationID,
			From:           s.localUserID,
			LastMessage:    message.Text,
			LastMessageAt:  message.CreatedAt,
		})
		s.notify()
	}); err != nil {
		return message, err
	}

	if err := s.channel.Emit(network.EventSendMessage, network.SendMessagePayload{
		MessageID:      message.ID,
		ConversationID: s.conversationID,
		SenderID:       network.UserRef(s.localUserID),
		ReceiverID:     network.UserRef(s.peerID),
		Text:           message.Text,
		CreatedAt:      message.CreatedAt,
	}); err != nil {
		return message, fmt.Errorf("emit message %s: %w", message.ID, err)
	}
	return message, nil
}

// Typing tells the peer the local user is typing. Every call emits.
func (s *Session) Typing() error {
	return s.emitTyping(network.EventTyping)
}

// StopTyping tells the peer the local user stopped typing.
func (s *Session) StopTyping() error {
	return s.emitTyping(network.EventStopTyping)
}

func (s *Session) emitTyping(event string) error {
	if err := s.ensureOpen(); err != nil {
		return err
	}
	return s.channel.Emit(event, network.TypingPayload{
		ConversationID: s.conversationID,
		UserID:         network.UserRef(s.localUserID),
	})
}

// DeleteForMe hides a message for the local user only.
func (s *Session) DeleteForMe(ctx context.Context, messageID string) error {
	if err := s.ensureOpen(); err != nil {
		return err
	}
	if err := s.store.HideMessage(ctx, s.conversationID, messageID); err != nil {
		return fmt.Errorf("delete %s for me: %w", messageID, err)
	}
	if err := s.call(func() {
		if s.removeMessage(messageID) {
			s.notify()
		}
	}); err != nil {
		return err
	}
	if err := s.channel.Emit(network.EventDeleteMessageMe, network.DeleteForMePayload{
		MessageID:      messageID,
		UserID:         network.UserRef(s.localUserID),
		ConversationID: s.conversationID,
	}); err != nil {
		return fmt.Errorf("emit delete %s for me: %w", messageID, err)
	}
	return nil
}

// DeleteForEveryone clears a message's text for both participants. The
// message keeps its id and position.
func (s *Session) DeleteForEveryone(ctx context.Context, messageID string) error {
	if err := s.ensureOpen(); err != nil {
		return err
	}
	if err := s.store.ClearMessage(ctx, s.conversationID, messageID); err != nil {
		return fmt.Errorf("delete %s for everyone: %w", messageID, err)
	}
	if err := s.call(func() {
		if s.clearMessage(messageID) {
			s.notify()
		}
	}); err != nil {
		return err
	}
	if err := s.channel.Emit(network.EventDeleteMessageEveryone, network.DeleteForEveryonePayload{
		MessageID:      messageID,
		ConversationID: s.conversationID,
	}); err != nil {
		return fmt.Errorf("emit delete %s for everyone: %w", messageID, err)
	}
	return nil
}

// MarkRead resets the local user's unread counter. Repeating it is harmless.
func (s *Session) MarkRead(ctx context.Context) error {
	if err := s.ensureOpen(); err != nil {
		return err
	}
	if err := s.store.MarkRead(ctx, s.conversationID); err != nil {
		return fmt.Errorf("mark %s read: %w", s.conversationID, err)
	}
	return s.call(func() {
		s.conversations.reduce(ReadReset{ConversationID: s.conversationID, UserID: s.localUserID})
	})
}

// Close leaves the room, cancels the typing timer and releases every
// handler. It is safe to call more than once.
func (s *Session) Close() error {
	var already bool
	if err := s.call(func() {
		already = s.state == SessionClosed
		s.teardown()
	}); err != nil {
		return err
	}
	if already {
		return nil
	}

	if err := s.channel.LeaveRoom(s.conversationID); err != nil && !errors.Is(err, network.ErrNotConnected) {
		return fmt.Errorf("leave room %s: %w", s.conversationID, err)
	}
	return nil
}

// teardown runs on the loop.
func (s *Session) teardown() {
	if s.state == SessionClosed {
		return
	}
	s.state = SessionClosed
	s.subs.release()
	s.timers.cancelAll()
	s.peerTyping = false
	if s.router != nil {
		s.router.clearOpenConversation(s.conversationID)
	}
	s.notify()
}

// Inbound handlers run on the channel's read goroutine. They decode there
// and post the mutation to the loop.

func (s *Session) onReceiveMessage(data json.RawMessage) {
	var payload network.ReceiveMessagePayload
	if err := network.DecodePayload(data, &payload); err != nil {
		s.logger.Debug("receive-message dropped", slog.Any("error", err))
		return
	}
	if payload.ConversationID != s.conversationID || payload.MessageID == "" {
		return
	}
	sender := payload.SenderID.String()
	if sender == s.localUserID {
		return
	}
	receiver := payload.ReceiverID.String()
	if receiver == "" {
		receiver = s.localUserID
	}
	message := models.Message{
		ID:             payload.MessageID,
		ConversationID: payload.ConversationID,
		SenderID:       sender,
		ReceiverID:     receiver,
		Text:           payload.Text,
		CreatedAt:      payload.CreatedAt,
	}
	s.post(func() {
		if s.appendMessage(message) {
			s.notify()
		}
	})
}

func (s *Session) onTyping(data json.RawMessage) {
	var payload network.TypingPayload
	if err := network.DecodePayload(data, &payload); err != nil || payload.ConversationID != s.conversationID {
		return
	}
	if payload.UserID.String() == s.localUserID {
		return
	}
	s.post(func() {
		s.peerTyping = true
		s.timers.arm(typingKey, s.typingTimeout, func() {
			if s.state != SessionReady {
				return
			}
			s.peerTyping = false
			s.notify()
		})
		s.notify()
	})
}

func (s *Session) onStopTyping(data json.RawMessage) {
	var payload network.TypingPayload
	if err := network.DecodePayload(data, &payload); err != nil || payload.ConversationID != s.conversationID {
		return
	}
	if payload.UserID.String() == s.localUserID {
		return
	}
	s.post(func() {
		s.timers.cancel(typingKey)
		if s.peerTyping {
			s.peerTyping = false
			s.notify()
		}
	})
}

func (s *Session) onDeletedForMe(data json.RawMessage) {
	var payload network.DeleteForMePayload
	if err := network.DecodePayload(data, &payload); err != nil || payload.ConversationID != s.conversationID {
		return
	}
	// Another session of the same user deleted it; the peer's own hides do
	// not affect this list.
	if payload.UserID.String() != s.localUserID {
		return
	}
	s.post(func() {
		if s.removeMessage(payload.MessageID) {
			s.notify()
		}
	})
}

func (s *Session) onDeletedForEveryone(data json.RawMessage) {
	var payload network.DeleteForEveryonePayload
	if err := network.DecodePayload(data, &payload); err != nil || payload.ConversationID != s.conversationID {
		return
	}
	s.post(func() {
		if s.clearMessage(payload.MessageID) {
			s.notify()
		}
	})
}

// post queues fn unless the session has been closed by then.
func (s *Session) post(fn func()) {
	s.loop.Post(func() {
		if s.state == SessionClosed {
			return
		}
		fn()
	})
}

func (s *Session) call(fn func()) error {
	return s.loop.Call(fn)
}

func (s *Session) ensureOpen() error {
	var closed bool
	if err := s.call(func() {
		closed = s.state == SessionClosed
	}); err != nil {
		return err
	}
	if closed {
		return ErrSessionClosed
	}
	return nil
}

// appendMessage adds message unless its id is already listed.
func (s *Session) appendMessage(message models.Message) bool {
	if message.ID == "" || s.indexOf(message.ID) >= 0 {
		return false
	}
	s.messages = append(s.messages, message)
	return true
}

func (s *Session) removeMessage(messageID string) bool {
	i := s.indexOf(messageID)
	if i < 0 {
		return false
	}
	s.messages = slices.Delete(s.messages, i, i+1)
	return true
}

func (s *Session) clearMessage(messageID string) bool {
	i := s.indexOf(messageID)
	if i < 0 {
		return false
	}
	if s.messages[i].DeletedForEveryone && s.messages[i].Text == "" {
		return false
	}
	s.messages[i].Text = ""
	s.messages[i].DeletedForEveryone = true
	return true
}

func (s *Session) indexOf(messageID string) int {
	for i := range s.messages {
		if s.messages[i].ID == messageID {
			return i
		}
	}
	return -1
}

func (s *Session) view() SessionView {
	return SessionView{
		ConversationID: s.conversationID,
		State:          s.state,
		Messages:       slices.Clone(s.messages),
		PeerTyping:     s.peerTyping,
	}
}

func (s *Session) notify() {
	if s.onChange != nil {
		s.onChange(s.view())
	}
}
