package storage

import (
	"context"
	"testing"

	"gochat/models"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()

	dataDir := t.TempDir()
	store, _, err := Open(dataDir)
	if err != nil {
		t.Fatalf("open test store: %v", err)
	}
	t.Cleanup(func() {
		if err := store.Close(); err != nil {
			t.Fatalf("close test store: %v", err)
		}
	})

	return store
}

func mustConversation(t *testing.T, store *Store, a, b string) models.Conversation {
	t.Helper()

	conversation, err := store.GetOrCreateConversation(context.Background(), a, b)
	if err != nil {
		t.Fatalf("get or create conversation %q/%q: %v", a, b, err)
	}
	return conversation
}

func mustCreateMessage(t *testing.T, store *Store, conversationID, from, to, text string) models.Message {
	t.Helper()

	message, err := store.CreateMessage(context.Background(), conversationID, from, to, text)
	if err != nil {
		t.Fatalf("create message %q: %v", text, err)
	}
	return message
}
