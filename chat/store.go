package chat

import (
	"slices"
	"sync"
	"time"

	"gochat/models"
)

// Action is a mutation of the conversation list.
type Action interface {
	isAction()
}

// NewMessage records a message in a listed conversation: the summary takes
// the message, the counter keyed by From gains one and the conversation
// moves to the head of the list. Unknown conversations are ignored.
type NewMessage struct {
	ConversationID string
	From           string
	LastMessage    string
	LastMessageAt  time.Time
}

// ReadReset zeroes UserID's unread counter.
type ReadReset struct {
	ConversationID string
	UserID         string
}

// Load replaces the list, ordered by last activity, most recent first.
type Load struct {
	Conversations []models.Conversation
}

// Insert lists a conversation at the head when it is not listed yet.
type Insert struct {
	Conversation models.Conversation
}

func (NewMessage) isAction() {}
func (ReadReset) isAction()  {}
func (Load) isAction()       {}
func (Insert) isAction()     {}

// ConversationStore is the ordered list of conversation summaries. It is
// mutated only by Dispatch, on the loop.
type ConversationStore struct {
	loop *Loop

	// loop-owned
	conversations []models.Conversation

	subsMu sync.Mutex
	nextID uint64
	subs   map[uint64]func([]models.Conversation)
}

// NewConversationStore builds an empty store on loop.
func NewConversationStore(loop *Loop) *ConversationStore {
	return &ConversationStore{
		loop: loop,
		subs: make(map[uint64]func([]models.Conversation)),
	}
}

// Dispatch queues action for the loop.
func (s *ConversationStore) Dispatch(action Action) {
	s.loop.Post(func() {
		s.reduce(action)
	})
}

// Snapshot returns a deep copy of the ordered list.
func (s *ConversationStore) Snapshot() []models.Conversation {
	var out []models.Conversation
	_ = s.loop.Call(func() {
		out = s.snapshot()
	})
	return out
}

// Get returns a copy of one conversation.
func (s *ConversationStore) Get(conversationID string) (models.Conversation, bool) {
	var (
		out models.Conversation
		ok  bool
	)
	_ = s.loop.Call(func() {
		if i := s.indexOf(conversationID); i >= 0 {
			out, ok = s.conversations[i].Clone(), true
		}
	})
	return out, ok
}

// Subscribe calls fn on the loop with a snapshot after every change and
// returns its disposer.
func (s *ConversationStore) Subscribe(fn func([]models.Conversation)) (cancel func()) {
	s.subsMu.Lock()
	s.nextID++
	id := s.nextID
	s.subs[id] = fn
	s.subsMu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			s.subsMu.Lock()
			delete(s.subs, id)
			s.subsMu.Unlock()
		})
	}
}

// reduce applies action. Loop only.
func (s *ConversationStore) reduce(action Action) {
	changed := false
	switch a := action.(type) {
	case NewMessage:
		changed = s.applyNewMessage(a)
	case ReadReset:
		changed = s.applyReadReset(a)
	case Load:
		s.applyLoad(a)
		changed = true
	case Insert:
		changed = s.applyInsert(a)
	}
	if changed {
		s.notify()
	}
}

func (s *ConversationStore) applyNewMessage(a NewMessage) bool {
	i := s.indexOf(a.ConversationID)
	if i < 0 {
		return false
	}
	conversation := s.conversations[i]
	if !conversation.HasParticipant(a.From) {
		return false
	}

	at := a.LastMessageAt
	if at.IsZero() {
		at = time.Now().UTC()
	}
	conversation.LastMessageSender = a.From
	conversation.LastMessagePreview = a.LastMessage
	conversation.LastMessageAt = at
	conversation.UnreadCount[a.From]++

	// Move to head; the rest keeps its order.
	copy(s.conversations[1:i+1], s.conversations[:i])
	s.conversations[0] = conversation
	return true
}

func (s *ConversationStore) applyReadReset(a ReadReset) bool {
	i := s.indexOf(a.ConversationID)
	if i < 0 || !s.conversations[i].HasParticipant(a.UserID) {
		return false
	}
	s.conversations[i].UnreadCount[a.UserID] = 0
	return true
}

func (s *ConversationStore) applyLoad(a Load) {
	next := make([]models.Conversation, 0, len(a.Conversations))
	seen := make(map[string]struct{}, len(a.Conversations))
	for _, conversation := range a.Conversations {
		if _, dup := seen[conversation.ID]; dup {
			continue
		}
		seen[conversation.ID] = struct{}{}
		next = append(next, normalizeUnread(conversation))
	}
	slices.SortStableFunc(next, func(x, y models.Conversation) int {
		return y.LastMessageAt.Compare(x.LastMessageAt)
	})
	s.conversations = next
}

func (s *ConversationStore) applyInsert(a Insert) bool {
	if a.Conversation.ID == "" || s.indexOf(a.Conversation.ID) >= 0 {
		return false
	}
	s.conversations = slices.Insert(s.conversations, 0, normalizeUnread(a.Conversation))
	return true
}

func (s *ConversationStore) indexOf(conversationID string) int {
	for i := range s.conversations {
		if s.conversations[i].ID == conversationID {
			return i
		}
	}
	return -1
}

func (s *ConversationStore) snapshot() []models.Conversation {
	out := make([]models.Conversation, len(s.conversations))
	for i := range s.conversations {
		out[i] = s.conversations[i].Clone()
	}
	return out
}

func (s *ConversationStore) notify() {
	s.subsMu.Lock()
	ids := make([]uint64, 0, len(s.subs))
	for id := range s.subs {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	subs := make([]func([]models.Conversation), 0, len(ids))
	for _, id := range ids {
		subs = append(subs, s.subs[id])
	}
	s.subsMu.Unlock()

	for _, fn := range subs {
		fn(s.snapshot())
	}
}

// normalizeUnread returns a copy whose unread map holds exactly the two
// participants.
func normalizeUnread(conversation models.Conversation) models.Conversation {
	out := conversation
	out.UnreadCount = make(map[string]int, 2)
	for _, participant := range conversation.Participants {
		count := conversation.UnreadCount[participant]
		if count < 0 {
			count = 0
		}
		out.UnreadCount[participant] = count
	}
	return out
}
