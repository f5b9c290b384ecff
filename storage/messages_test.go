package storage

import (
	"context"
	"errors"
	"testing"
)

func TestCreateAndListMessages(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	conversation := mustConversation(t, store, "alice", "bob")

	hello := mustCreateMessage(t, store, conversation.ID, "alice", "bob", "hello")
	reply := mustCreateMessage(t, store, conversation.ID, "bob", "alice", "hi there")
	third := mustCreateMessage(t, store, conversation.ID, "alice", "bob", "how are you")

	if hello.ID == "" || hello.ID == reply.ID {
		t.Fatalf("expected distinct authoritative ids, got %q and %q", hello.ID, reply.ID)
	}

	messages, err := store.ListMessages(ctx, conversation.ID, "alice")
	if err != nil {
		t.Fatalf("ListMessages failed: %v", err)
	}
	if len(messages) != 3 {
		t.Fatalf("expected 3 messages, got %d", len(messages))
	}
	for i, want := range []string{hello.ID, reply.ID, third.ID} {
		if messages[i].ID != want {
			t.Fatalf("message %d: expected %q, got %q", i, want, messages[i].ID)
		}
	}
	if messages[0].Text != "hello" {
		t.Fatalf("expected round-tripped text hello, got %q", messages[0].Text)
	}

	updated, err := store.GetConversation(ctx, conversation.ID)
	if err != nil {
		t.Fatalf("GetConversation failed: %v", err)
	}
	if updated.LastMessageSender != "alice" || updated.LastMessagePreview != "how are you" {
		t.Fatalf("unexpected summary: sender=%q preview=%q", updated.LastMessageSender, updated.LastMessagePreview)
	}
	if updated.UnreadCount["bob"] != 2 || updated.UnreadCount["alice"] != 1 {
		t.Fatalf("unexpected unread counters: %+v", updated.UnreadCount)
	}
	if len(updated.UnreadCount) != 2 {
		t.Fatalf("unread keys must be exactly the participants, got %+v", updated.UnreadCount)
	}
}

func TestCreateMessageValidation(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	conversation := mustConversation(t, store, "alice", "bob")

	if _, err := store.CreateMessage(ctx, conversation.ID, "alice", "bob", "   "); !errors.Is(err, ErrInvalidArgument) {
		t.Fatalf("expected ErrInvalidArgument for blank text, got %v", err)
	}
	if _, err := store.CreateMessage(ctx, conversation.ID, "alice", "mallory", "hey"); !errors.Is(err, ErrNotParticipant) {
		t.Fatalf("expected ErrNotParticipant, got %v", err)
	}
	if _, err := store.CreateMessage(ctx, "missing", "alice", "bob", "hey"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}

	messages, err := store.ListMessages(ctx, conversation.ID, "alice")
	if err != nil {
		t.Fatalf("ListMessages failed: %v", err)
	}
	if len(messages) != 0 {
		t.Fatalf("rejected sends must not persist anything, got %d rows", len(messages))
	}
}

func TestHideForViewerOnlyAffectsThatViewer(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	conversation := mustConversation(t, store, "alice", "bob")

	first := mustCreateMessage(t, store, conversation.ID, "alice", "bob", "one")
	second := mustCreateMessage(t, store, conversation.ID, "alice", "bob", "two")

	if err := store.HideForViewer(ctx, first.ID, "alice", conversation.ID); err != nil {
		t.Fatalf("HideForViewer failed: %v", err)
	}
	if err := store.HideForViewer(ctx, first.ID, "alice", conversation.ID); err != nil {
		t.Fatalf("repeated HideForViewer should be a no-op, got %v", err)
	}

	aliceView, err := store.ListMessages(ctx, conversation.ID, "alice")
	if err != nil {
		t.Fatalf("ListMessages alice failed: %v", err)
	}
	if len(aliceView) != 1 || aliceView[0].ID != second.ID {
		t.Fatalf("expected alice to see only %q, got %+v", second.ID, aliceView)
	}

	bobView, err := store.ListMessages(ctx, conversation.ID, "bob")
	if err != nil {
		t.Fatalf("ListMessages bob failed: %v", err)
	}
	if len(bobView) != 2 {
		t.Fatalf("expected bob's view to be unaffected, got %d messages", len(bobView))
	}

	if err := store.HideForViewer(ctx, first.ID, "mallory", conversation.ID); !errors.Is(err, ErrNotParticipant) {
		t.Fatalf("expected ErrNotParticipant for outsider, got %v", err)
	}
	if err := store.HideForViewer(ctx, first.ID, "alice", "other"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound for mismatched conversation, got %v", err)
	}
}

func TestClearForEveryoneKeepsIdentityAndPosition(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	conversation := mustConversation(t, store, "alice", "bob")

	first := mustCreateMessage(t, store, conversation.ID, "alice", "bob", "one")
	middle := mustCreateMessage(t, store, conversation.ID, "bob", "alice", "regret")
	last := mustCreateMessage(t, store, conversation.ID, "alice", "bob", "three")

	if err := store.ClearForEveryone(ctx, middle.ID, conversation.ID); err != nil {
		t.Fatalf("ClearForEveryone failed: %v", err)
	}

	for _, viewer := range []string{"alice", "bob"} {
		messages, err := store.ListMessages(ctx, conversation.ID, viewer)
		if err != nil {
			t.Fatalf("ListMessages %s failed: %v", viewer, err)
		}
		if len(messages) != 3 {
			t.Fatalf("%s: expected 3 messages, got %d", viewer, len(messages))
		}
		if messages[0].ID != first.ID || messages[1].ID != middle.ID || messages[2].ID != last.ID {
			t.Fatalf("%s: order changed after clear", viewer)
		}
		if messages[1].Text != "" || !messages[1].DeletedForEveryone {
			t.Fatalf("%s: expected cleared message, got %+v", viewer, messages[1])
		}
		if messages[0].DeletedForEveryone || messages[0].Text != "one" {
			t.Fatalf("%s: neighbouring message was touched: %+v", viewer, messages[0])
		}
	}

	if err := store.ClearForEveryone(ctx, "missing", conversation.ID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestClearForEveryoneEmptiesPreviewOfLatestMessage(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	conversation := mustConversation(t, store, "alice", "bob")

	older := mustCreateMessage(t, store, conversation.ID, "alice", "bob", "fine")
	latest := mustCreateMessage(t, store, conversation.ID, "bob", "alice", "secret")

	if err := store.ClearForEveryone(ctx, older.ID, conversation.ID); err != nil {
		t.Fatalf("ClearForEveryone older failed: %v", err)
	}
	summary, err := store.GetConversation(ctx, conversation.ID)
	if err != nil {
		t.Fatalf("GetConversation failed: %v", err)
	}
	if summary.LastMessagePreview != "secret" {
		t.Fatalf("clearing an older message must keep the preview, got %q", summary.LastMessagePreview)
	}

	if err := store.ClearForEveryone(ctx, latest.ID, conversation.ID); err != nil {
		t.Fatalf("ClearForEveryone latest failed: %v", err)
	}
	summary, err = store.GetConversation(ctx, conversation.ID)
	if err != nil {
		t.Fatalf("GetConversation failed: %v", err)
	}
	if summary.LastMessagePreview != "" {
		t.Fatalf("expected empty preview after clearing the latest message, got %q", summary.LastMessagePreview)
	}
	if summary.LastMessageSender != "bob" {
		t.Fatalf("sender of the last message must be kept, got %q", summary.LastMessageSender)
	}
}

func TestPreviewTruncatesLongText(t *testing.T) {
	long := make([]rune, previewLimit+20)
	for i := range long {
		long[i] = 'é'
	}
	got := []rune(Preview(string(long)))
	if len(got) != previewLimit {
		t.Fatalf("expected %d runes, got %d", previewLimit, len(got))
	}
	if Preview("  short  ") != "short" {
		t.Fatalf("expected trimmed preview")
	}
}
