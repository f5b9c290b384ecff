package network

import (
	"context"
	"encoding/json"
	"errors"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"gochat/auth"
	"gochat/models"
	"gochat/push"
)

var (
	errUnknownConversation = errors.New("unknown conversation")
	errUnknownMessage      = errors.New("unknown message")
)

type fakeHubStore struct {
	mu            sync.Mutex
	conversations map[string]models.Conversation
	profiles      map[string]models.Profile
	messages      map[string]models.Message
}

func newFakeHubStore() *fakeHubStore {
	return &fakeHubStore{
		conversations: make(map[string]models.Conversation),
		profiles:      make(map[string]models.Profile),
		messages:      make(map[string]models.Message),
	}
}

func (s *fakeHubStore) addMessage(message models.Message) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.messages[message.ID] = message
}

func (s *fakeHubStore) clearMessage(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	message := s.messages[id]
	message.Text = ""
	message.DeletedForEveryone = true
	s.messages[id] = message
}

func (s *fakeHubStore) GetMessage(_ context.Context, id string) (models.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	message, ok := s.messages[id]
	if !ok {
		return models.Message{}, errUnknownMessage
	}
	return message, nil
}

func (s *fakeHubStore) addConversation(id, a, b string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.conversations[id] = models.Conversation{
		ID:           id,
		Participants: [2]string{a, b},
		UnreadCount:  map[string]int{a: 0, b: 0},
	}
}

func (s *fakeHubStore) GetConversation(_ context.Context, id string) (models.Conversation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	conversation, ok := s.conversations[id]
	if !ok {
		return models.Conversation{}, errUnknownConversation
	}
	return conversation, nil
}

func (s *fakeHubStore) ProfileOrDefault(_ context.Context, userID string) (models.Profile, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if profile, ok := s.profiles[userID]; ok {
		return profile, nil
	}
	return models.Profile{UserID: userID, Name: userID}, nil
}

type hubFixture struct {
	hub    *Hub
	server *httptest.Server
	store  *fakeHubStore
	issuer *auth.Issuer
	pushes *push.MemoryDispatcher
	wsURL  string
}

func newHubFixture(t *testing.T) *hubFixture {
	t.Helper()

	issuer, err := auth.NewIssuer(auth.IssuerOptions{Secret: []byte("hub-test-secret")})
	if err != nil {
		t.Fatalf("NewIssuer failed: %v", err)
	}
	store := newFakeHubStore()
	pushes := push.NewMemoryDispatcher()
	hub, err := NewHub(HubOptions{
		Store:    store,
		Verifier: issuer,
		Push:     pushes,
	})
	if err != nil {
		t.Fatalf("NewHub failed: %v", err)
	}

	server := httptest.NewServer(hub)
	t.Cleanup(func() {
		hub.Close()
		server.Close()
	})

	return &hubFixture{
		hub:    hub,
		server: server,
		store:  store,
		issuer: issuer,
		pushes: pushes,
		wsURL:  "ws" + strings.TrimPrefix(server.URL, "http"),
	}
}

func (f *hubFixture) connect(t *testing.T, userID string) (*Client, *recorder) {
	t.Helper()

	token, err := f.issuer.Issue(userID)
	if err != nil {
		t.Fatalf("issue token for %q: %v", userID, err)
	}
	client := NewClient(ClientOptions{
		URL:   f.wsURL,
		Token: func() string { return token },
	})
	rec := newRecorder(client)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Connect(ctx); err != nil {
		t.Fatalf("connect %q: %v", userID, err)
	}
	t.Cleanup(func() {
		_ = client.Disconnect()
	})
	syncStatus(t, client, rec, nil)
	return client, rec
}

type recordedFrame struct {
	Event string
	Data  json.RawMessage
}

// recorder captures every inbound event a client sees.
type recorder struct {
	frames chan recordedFrame
}

var recordedEvents = []string{
	EventReceiveMessage,
	EventTyping,
	EventStopTyping,
	EventMessageDeletedMe,
	EventMessageDeletedEveryone,
	EventUserOnline,
	EventUserOffline,
	EventUserStatus,
	EventError,
}

func newRecorder(client *Client) *recorder {
	rec := &recorder{frames: make(chan recordedFrame, 256)}
	for _, event := range recordedEvents {
		event := event
		client.On(event, func(data json.RawMessage) {
			rec.frames <- recordedFrame{Event: event, Data: append(json.RawMessage(nil), data...)}
		})
	}
	return rec
}

// expect waits for the next frame of the given event, skipping others.
func (r *recorder) expect(t *testing.T, event string) json.RawMessage {
	t.Helper()

	deadline := time.After(3 * time.Second)
	for {
		select {
		case frame := <-r.frames:
			if frame.Event == event {
				return frame.Data
			}
		case <-deadline:
			t.Fatalf("timed out waiting for %q", event)
			return nil
		}
	}
}

// expectNone fails if a frame of the given event arrives before the client
// answers a status check, which the hub processes strictly after everything
// emitted earlier on the same connection.
func (r *recorder) expectNone(t *testing.T, client *Client, event string) {
	t.Helper()

	syncStatus(t, client, r, func(frame recordedFrame) {
		if frame.Event == event {
			t.Fatalf("unexpected %q frame: %s", event, frame.Data)
		}
	})
}

// syncStatus emits a status check and drains frames until its answer
// arrives, passing every drained frame to inspect.
func syncStatus(t *testing.T, client *Client, r *recorder, inspect func(recordedFrame)) {
	t.Helper()

	const marker = "__sync_marker__"
	if err := client.Emit(EventCheckUserStatus, marker); err != nil {
		t.Fatalf("emit status check: %v", err)
	}
	deadline := time.After(3 * time.Second)
	for {
		select {
		case frame := <-r.frames:
			if frame.Event == EventUserStatus {
				var status UserStatusPayload
				if err := json.Unmarshal(frame.Data, &status); err == nil && status.UserID == marker {
					return
				}
			}
			if inspect != nil {
				inspect(frame)
			}
		case <-deadline:
			t.Fatalf("timed out waiting for the status answer")
			return
		}
	}
}

func waitForState(t *testing.T, client *Client, want ConnState) {
	t.Helper()

	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if client.State() == want {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for state %s, last %s", want, client.State())
}
