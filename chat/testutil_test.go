package chat

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"testing"
	"time"

	"gochat/models"
	"gochat/network"
)

type emittedFrame struct {
	Event   string
	Payload any
}

// fakeChannel stands in for the live channel. deliver plays the role of the
// read goroutine.
type fakeChannel struct {
	mu         sync.Mutex
	connected  bool
	nextID     uint64
	handlers   map[string]map[uint64]network.Handler
	emitted    []emittedFrame
	joined     []string
	left       []string
	connects   int
	connectErr error
	joinErr    error
	emitErr    error
	// onJoin runs after a successful join, outside the lock.
	onJoin func()
}

func newFakeChannel() *fakeChannel {
	return &fakeChannel{handlers: make(map[string]map[uint64]network.Handler)}
}

func (c *fakeChannel) Connect(context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.connects++
	if c.connectErr != nil {
		return c.connectErr
	}
	c.connected = true
	return nil
}

func (c *fakeChannel) Disconnect() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.connected = false
	return nil
}

func (c *fakeChannel) JoinRoom(conversationID string) error {
	c.mu.Lock()
	if c.joinErr != nil {
		c.mu.Unlock()
		return c.joinErr
	}
	c.joined = append(c.joined, conversationID)
	onJoin := c.onJoin
	c.mu.Unlock()

	if onJoin != nil {
		onJoin()
	}
	return nil
}

func (c *fakeChannel) LeaveRoom(conversationID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.left = append(c.left, conversationID)
	return nil
}

func (c *fakeChannel) Emit(event string, payload any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.emitErr != nil {
		return c.emitErr
	}
	c.emitted = append(c.emitted, emittedFrame{Event: event, Payload: payload})
	return nil
}

func (c *fakeChannel) On(event string, handler network.Handler) (off func()) {
	c.mu.Lock()
	c.nextID++
	id := c.nextID
	if c.handlers[event] == nil {
		c.handlers[event] = make(map[uint64]network.Handler)
	}
	c.handlers[event][id] = handler
	c.mu.Unlock()

	return func() {
		c.mu.Lock()
		delete(c.handlers[event], id)
		c.mu.Unlock()
	}
}

func (c *fakeChannel) deliver(t *testing.T, event string, payload any) {
	t.Helper()

	data, err := json.Marshal(payload)
	if err != nil {
		t.Fatalf("marshal %s payload: %v", event, err)
	}
	c.deliverRaw(event, data)
}

func (c *fakeChannel) deliverRaw(event string, data json.RawMessage) {
	c.mu.Lock()
	ids := make([]uint64, 0, len(c.handlers[event]))
	for id := range c.handlers[event] {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	handlers := make([]network.Handler, 0, len(ids))
	for _, id := range ids {
		handlers = append(handlers, c.handlers[event][id])
	}
	c.mu.Unlock()

	for _, handler := range handlers {
		handler(data)
	}
}

func (c *fakeChannel) handlerCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	total := 0
	for _, subs := range c.handlers {
		total += len(subs)
	}
	return total
}

func (c *fakeChannel) emittedOf(event string) []any {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []any
	for _, frame := range c.emitted {
		if frame.Event == event {
			out = append(out, frame.Payload)
		}
	}
	return out
}

func (c *fakeChannel) isConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

func (c *fakeChannel) rooms() (joined, left []string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return slices.Clone(c.joined), slices.Clone(c.left)
}

var errStoreDown = errors.New("store unavailable")

// fakeStore is an in-memory durable store for one signed-in user.
type fakeStore struct {
	mu            sync.Mutex
	userID        string
	conversations map[string]models.Conversation
	messages      map[string][]models.Message
	hidden        map[string]bool
	calls         []string
	nextID        int

	failList   error
	failRead   error
	failCreate error
	failHide   error
	failClear  error
}

func newFakeStore(userID string) *fakeStore {
	return &fakeStore{
		userID:        userID,
		conversations: make(map[string]models.Conversation),
		messages:      make(map[string][]models.Message),
		hidden:        make(map[string]bool),
	}
}

func (s *fakeStore) addConversation(id, peer string, at time.Time) models.Conversation {
	s.mu.Lock()
	defer s.mu.Unlock()
	conversation := models.Conversation{
		ID:            id,
		Participants:  [2]string{s.userID, peer},
		UnreadCount:   map[string]int{s.userID: 0, peer: 0},
		LastMessageAt: at,
	}
	s.conversations[id] = conversation
	return conversation
}

func (s *fakeStore) addMessage(conversationID, id, from, to, text string) models.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	message := models.Message{
		ID:             id,
		ConversationID: conversationID,
		SenderID:       from,
		ReceiverID:     to,
		Text:           text,
		CreatedAt:      time.Now().UTC(),
	}
	s.messages[conversationID] = append(s.messages[conversationID], message)
	return message
}

func (s *fakeStore) record(call string) {
	s.calls = append(s.calls, call)
}

func (s *fakeStore) callLog() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.calls)
}

func (s *fakeStore) GetOrCreateConversation(_ context.Context, peerID string) (models.Conversation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.record("get-or-create:" + peerID)
	for _, conversation := range s.conversations {
		if conversation.HasParticipant(peerID) {
			return conversation.Clone(), nil
		}
	}
	s.nextID++
	conversation := models.Conversation{
		ID:           fmt.Sprintf("c-%d", s.nextID),
		Participants: [2]string{s.userID, peerID},
		UnreadCount:  map[string]int{s.userID: 0, peerID: 0},
	}
	s.conversations[conversation.ID] = conversation
	return conversation.Clone(), nil
}

func (s *fakeStore) ListConversations(context.Context) ([]models.Conversation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.record("list-conversations")
	if s.failList != nil {
		return nil, s.failList
	}
	out := make([]models.Conversation, 0, len(s.conversations))
	for _, conversation := range s.conversations {
		out = append(out, conversation.Clone())
	}
	return out, nil
}

func (s *fakeStore) ListMessages(_ context.Context, conversationID string) ([]models.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.record("list-messages:" + conversationID)
	if s.failList != nil {
		return nil, s.failList
	}
	var out []models.Message
	for _, message := range s.messages[conversationID] {
		if !s.hidden[message.ID] {
			out = append(out, message)
		}
	}
	return out, nil
}

func (s *fakeStore) CreateMessage(_ context.Context, conversationID, receiverID, text string) (models.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.record("create-message:" + conversationID)
	if s.failCreate != nil {
		return models.Message{}, s.failCreate
	}
	s.nextID++
	message := models.Message{
		ID:             fmt.Sprintf("m-%d", s.nextID),
		ConversationID: conversationID,
		SenderID:       s.userID,
		ReceiverID:     receiverID,
		Text:           text,
		CreatedAt:      time.Now().UTC(),
	}
	s.messages[conversationID] = append(s.messages[conversationID], message)
	return message, nil
}

func (s *fakeStore) MarkRead(_ context.Context, conversationID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.record("mark-read:" + conversationID)
	return s.failRead
}

func (s *fakeStore) HideMessage(_ context.Context, _, messageID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.record("hide:" + messageID)
	if s.failHide != nil {
		return s.failHide
	}
	s.hidden[messageID] = true
	return nil
}

func (s *fakeStore) ClearMessage(_ context.Context, conversationID, messageID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.record("clear:" + messageID)
	if s.failClear != nil {
		return s.failClear
	}
	for i := range s.messages[conversationID] {
		if s.messages[conversationID][i].ID == messageID {
			s.messages[conversationID][i].Text = ""
			s.messages[conversationID][i].DeletedForEveryone = true
		}
	}
	return nil
}

type testIdentity struct {
	mu     sync.Mutex
	userID string
	valid  bool
}

func (i *testIdentity) UserID() string { return i.userID }
func (i *testIdentity) Token() string  { return "token-" + i.userID }

func (i *testIdentity) Valid() bool {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.valid
}

func (i *testIdentity) setValid(valid bool) {
	i.mu.Lock()
	i.valid = valid
	i.mu.Unlock()
}

// coreFixture wires the client core for "alice" over fakes.
type coreFixture struct {
	loop          *Loop
	channel       *fakeChannel
	store         *fakeStore
	conversations *ConversationStore
	router        *NotificationRouter
}

func newCoreFixture(t *testing.T, routerOpts RouterOptions) *coreFixture {
	t.Helper()

	loop := NewLoop()
	t.Cleanup(loop.Close)
	conversations := NewConversationStore(loop)
	return &coreFixture{
		loop:          loop,
		channel:       newFakeChannel(),
		store:         newFakeStore("alice"),
		conversations: conversations,
		router:        NewNotificationRouter(loop, conversations, "alice", routerOpts),
	}
}

// load lists the store's conversations in the conversation store.
func (f *coreFixture) load(t *testing.T) {
	t.Helper()

	conversations, err := f.store.ListConversations(context.Background())
	if err != nil {
		t.Fatalf("list conversations: %v", err)
	}
	f.conversations.Dispatch(Load{Conversations: conversations})
	flush(t, f.loop)
}

func (f *coreFixture) open(t *testing.T, conversationID, peerID string, typingTimeout time.Duration) *Session {
	t.Helper()

	session, err := openSession(context.Background(), sessionDeps{
		loop:          f.loop,
		channel:       f.channel,
		store:         f.store,
		conversations: f.conversations,
		router:        f.router,
		logger:        discardLogger(),
		localUserID:   "alice",
	}, SessionOptions{
		ConversationID: conversationID,
		PeerID:         peerID,
		TypingTimeout:  typingTimeout,
	})
	if err != nil {
		t.Fatalf("open session %s: %v", conversationID, err)
	}
	t.Cleanup(func() {
		_ = session.Close()
	})
	return session
}

// flush waits until everything posted so far has run on the loop.
func flush(t *testing.T, loop *Loop) {
	t.Helper()
	if err := loop.Call(func() {}); err != nil {
		t.Fatalf("flush loop: %v", err)
	}
}

func waitFor(t *testing.T, timeout time.Duration, what string, condition func() bool) {
	t.Helper()

	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if condition() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func messageIDs(messages []models.Message) string {
	ids := make([]string, 0, len(messages))
	for _, message := range messages {
		ids = append(ids, message.ID)
	}
	return strings.Join(ids, ",")
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}
