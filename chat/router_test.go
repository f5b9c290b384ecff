package chat

import (
	"sync"
	"testing"
	"time"

	"gochat/network"
)

type popupRecorder struct {
	mu        sync.Mutex
	shown     []Popup
	dismissed []Popup
	navigated []string
}

func (r *popupRecorder) options(timeout time.Duration) RouterOptions {
	return RouterOptions{
		PopupTimeout: timeout,
		Logger:       discardLogger(),
		OnShow: func(p Popup) {
			r.mu.Lock()
			r.shown = append(r.shown, p)
			r.mu.Unlock()
		},
		OnDismiss: func(p Popup) {
			r.mu.Lock()
			r.dismissed = append(r.dismissed, p)
			r.mu.Unlock()
		},
		Navigate: func(conversationID string) {
			r.mu.Lock()
			r.navigated = append(r.navigated, conversationID)
			r.mu.Unlock()
		},
	}
}

func (r *popupRecorder) counts() (shown, dismissed, navigated int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.shown), len(r.dismissed), len(r.navigated)
}

func newRouterFixture(t *testing.T, timeout time.Duration) (*coreFixture, *popupRecorder) {
	t.Helper()

	rec := &popupRecorder{}
	f := newCoreFixture(t, rec.options(timeout))
	base := time.Now().Add(-time.Hour)
	f.store.addConversation("c1", "bob", base)
	f.store.addConversation("c2", "carol", base.Add(time.Minute))
	f.load(t)
	if err := f.router.Attach(f.channel); err != nil {
		t.Fatalf("attach router: %v", err)
	}
	return f, rec
}

func inbound(conversationID, sender, text string) network.ReceiveMessagePayload {
	return network.ReceiveMessagePayload{
		MessageID:      conversationID + "-" + text,
		ConversationID: conversationID,
		SenderID:       network.UserRef(sender),
		ReceiverID:     "alice",
		Text:           text,
		SenderName:     "Name of " + sender,
		SenderAvatar:   sender + ".png",
	}
}

func TestRouterShowsPopupAndCountsUnread(t *testing.T) {
	f, rec := newRouterFixture(t, time.Hour)

	f.channel.deliver(t, network.EventReceiveMessage, inbound("c1", "bob", "hi"))
	flush(t, f.loop)

	popup, ok := f.router.Current()
	if !ok {
		t.Fatalf("expected a popup")
	}
	if popup.ConversationID != "c1" || popup.SenderID != "bob" || popup.SenderName != "Name of bob" || popup.SenderAvatar != "bob.png" || popup.Text != "hi" {
		t.Fatalf("unexpected popup %+v", popup)
	}
	list := f.conversations.Snapshot()
	if list[0].ID != "c1" || list[0].UnreadCount["bob"] != 1 || list[0].LastMessagePreview != "hi" {
		t.Fatalf("conversation list not updated: %+v", list[0])
	}
	if shown, _, _ := rec.counts(); shown != 1 {
		t.Fatalf("expected OnShow once, got %d", shown)
	}
}

func TestRouterSuppressesOwnMessages(t *testing.T) {
	f, rec := newRouterFixture(t, time.Hour)

	f.channel.deliver(t, network.EventReceiveMessage, inbound("c1", "alice", "mine"))
	flush(t, f.loop)

	if _, ok := f.router.Current(); ok {
		t.Fatalf("own message must not pop up")
	}
	got, _ := f.conversations.Get("c1")
	if got.UnreadCount["alice"] != 0 || got.UnreadCount["bob"] != 0 || got.LastMessagePreview != "" {
		t.Fatalf("own echo must not touch the list, got %+v", got)
	}
	if shown, _, _ := rec.counts(); shown != 0 {
		t.Fatalf("unexpected OnShow")
	}
}

func TestRouterStaysQuietInBackgroundAndForOpenConversation(t *testing.T) {
	f, _ := newRouterFixture(t, time.Hour)

	f.router.SetVisible(false)
	f.channel.deliver(t, network.EventReceiveMessage, inbound("c1", "bob", "one"))
	flush(t, f.loop)
	if _, ok := f.router.Current(); ok {
		t.Fatalf("no popup while in the background")
	}

	f.router.SetVisible(true)
	f.router.SetOpenConversation("c1")
	f.channel.deliver(t, network.EventReceiveMessage, inbound("c1", "bob", "two"))
	flush(t, f.loop)
	if _, ok := f.router.Current(); ok {
		t.Fatalf("no popup for the conversation on screen")
	}

	got, _ := f.conversations.Get("c1")
	if got.UnreadCount["bob"] != 2 || got.LastMessagePreview != "two" {
		t.Fatalf("suppressed messages must still reach the list, got %+v", got)
	}

	f.channel.deliver(t, network.EventReceiveMessage, inbound("c2", "carol", "elsewhere"))
	flush(t, f.loop)
	if popup, ok := f.router.Current(); !ok || popup.ConversationID != "c2" {
		t.Fatalf("expected popup for another conversation, got %+v", popup)
	}
}

func TestRouterPopupAutoDismisses(t *testing.T) {
	f, rec := newRouterFixture(t, 50*time.Millisecond)

	f.channel.deliver(t, network.EventReceiveMessage, inbound("c1", "bob", "hi"))
	flush(t, f.loop)

	waitFor(t, 2*time.Second, "popup auto-dismiss", func() bool {
		_, ok := f.router.Current()
		return !ok
	})
	if shown, dismissed, navigated := rec.counts(); shown != 1 || dismissed != 1 || navigated != 0 {
		t.Fatalf("unexpected callbacks shown=%d dismissed=%d navigated=%d", shown, dismissed, navigated)
	}
}

func TestRouterNewPopupReplacesCurrent(t *testing.T) {
	f, rec := newRouterFixture(t, time.Hour)

	f.channel.deliver(t, network.EventReceiveMessage, inbound("c1", "bob", "first"))
	f.channel.deliver(t, network.EventReceiveMessage, inbound("c2", "carol", "second"))
	flush(t, f.loop)

	popup, ok := f.router.Current()
	if !ok || popup.Text != "second" {
		t.Fatalf("expected the newest popup, got %+v", popup)
	}
	rec.mu.Lock()
	defer rec.mu.Unlock()
	if len(rec.dismissed) != 1 || rec.dismissed[0].Text != "first" {
		t.Fatalf("expected the first popup dismissed, got %+v", rec.dismissed)
	}
}

func TestRouterDragAndTap(t *testing.T) {
	f, rec := newRouterFixture(t, time.Hour)

	f.channel.deliver(t, network.EventReceiveMessage, inbound("c1", "bob", "hi"))
	flush(t, f.loop)

	f.router.Drag(DefaultDragDismissThreshold)
	f.router.Drag(-12)
	flush(t, f.loop)
	if _, ok := f.router.Current(); !ok {
		t.Fatalf("a drag within the threshold must keep the popup")
	}
	f.router.Drag(-(DefaultDragDismissThreshold + 1))
	flush(t, f.loop)
	if _, ok := f.router.Current(); ok {
		t.Fatalf("a drag past the threshold must dismiss")
	}
	if _, _, navigated := rec.counts(); navigated != 0 {
		t.Fatalf("drag must not navigate")
	}

	f.channel.deliver(t, network.EventReceiveMessage, inbound("c2", "carol", "tap me"))
	flush(t, f.loop)
	f.router.Tap()
	f.router.Tap()
	flush(t, f.loop)
	if _, ok := f.router.Current(); ok {
		t.Fatalf("tap must dismiss")
	}
	rec.mu.Lock()
	defer rec.mu.Unlock()
	if len(rec.navigated) != 1 || rec.navigated[0] != "c2" {
		t.Fatalf("expected one navigation to c2, got %v", rec.navigated)
	}
}

func TestRouterDetachStopsRouting(t *testing.T) {
	f, _ := newRouterFixture(t, time.Hour)

	f.channel.deliver(t, network.EventReceiveMessage, inbound("c1", "bob", "hi"))
	flush(t, f.loop)
	if err := f.router.Detach(); err != nil {
		t.Fatalf("detach: %v", err)
	}
	if _, ok := f.router.Current(); ok {
		t.Fatalf("detach must dismiss the popup")
	}
	if f.channel.handlerCount() != 0 {
		t.Fatalf("detach leaked %d handlers", f.channel.handlerCount())
	}
}
