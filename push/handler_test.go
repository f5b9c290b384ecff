package push

import (
	"context"
	"errors"
	"testing"
)

type fakeNotifier struct {
	shown  []Notification
	closed []string
	err    error
}

func (f *fakeNotifier) Show(n Notification) error {
	if f.err != nil {
		return f.err
	}
	f.shown = append(f.shown, n)
	return nil
}

func (f *fakeNotifier) Close(id string) {
	f.closed = append(f.closed, id)
}

type fakeWindow struct {
	url        string
	focused    bool
	navigateTo string
}

func (w *fakeWindow) URL() string { return w.url }

func (w *fakeWindow) Focus() error {
	w.focused = true
	return nil
}

func (w *fakeWindow) Navigate(target string) error {
	w.navigateTo = target
	return nil
}

type fakeWindows struct {
	open   []*fakeWindow
	opened []string
}

func (f *fakeWindows) List() []Window {
	out := make([]Window, 0, len(f.open))
	for _, w := range f.open {
		out = append(out, w)
	}
	return out
}

func (f *fakeWindows) Open(target string) error {
	f.opened = append(f.opened, target)
	return nil
}

func newTestHandler(t *testing.T, windows *fakeWindows) (*Handler, *fakeNotifier) {
	t.Helper()

	notifier := &fakeNotifier{}
	handler, err := NewHandler(HandlerOptions{
		Origin:   "https://chat.example.com",
		Notifier: notifier,
		Windows:  windows,
	})
	if err != nil {
		t.Fatalf("NewHandler failed: %v", err)
	}
	return handler, notifier
}

func TestHandlePushShowsNotification(t *testing.T) {
	handler, notifier := newTestHandler(t, &fakeWindows{})

	raw := []byte(`{"title":"Alice","body":"hello","url":"/chat/c1"}`)
	if err := handler.HandlePush(raw); err != nil {
		t.Fatalf("HandlePush failed: %v", err)
	}
	if len(notifier.shown) != 1 {
		t.Fatalf("expected one notification, got %d", len(notifier.shown))
	}
	shown := notifier.shown[0]
	if shown.Title != "Alice" || shown.Body != "hello" || shown.URL != "/chat/c1" || shown.ID == "" {
		t.Fatalf("unexpected notification: %+v", shown)
	}
}

func TestHandlePushIgnoresMalformedPayloads(t *testing.T) {
	handler, notifier := newTestHandler(t, &fakeWindows{})

	for _, raw := range [][]byte{nil, []byte(""), []byte("null"), []byte("not json"), []byte(`{"body":"no title"}`), []byte(`[1,2]`)} {
		if err := handler.HandlePush(raw); err != nil {
			t.Fatalf("HandlePush(%q) should be silent, got %v", raw, err)
		}
	}
	if len(notifier.shown) != 0 {
		t.Fatalf("malformed payloads must not show notifications, got %d", len(notifier.shown))
	}
}

func TestHandlePushSurfacesNotifierFailure(t *testing.T) {
	handler, notifier := newTestHandler(t, &fakeWindows{})
	notifier.err = errors.New("permission denied")

	if err := handler.HandlePush([]byte(`{"title":"Alice","body":"hi","url":"/chat/c1"}`)); err == nil {
		t.Fatalf("expected notifier failure to be returned")
	}
}

func TestHandleClickFocusesSameOriginWindow(t *testing.T) {
	other := &fakeWindow{url: "https://elsewhere.example.com/"}
	app := &fakeWindow{url: "https://chat.example.com/feed"}
	windows := &fakeWindows{open: []*fakeWindow{other, app}}
	handler, notifier := newTestHandler(t, windows)

	n := Notification{ID: "n1", Title: "Alice", URL: "/chat/c1"}
	if err := handler.HandleClick(n); err != nil {
		t.Fatalf("HandleClick failed: %v", err)
	}

	if len(notifier.closed) != 1 || notifier.closed[0] != "n1" {
		t.Fatalf("expected notification to be closed, got %v", notifier.closed)
	}
	if other.focused {
		t.Fatalf("foreign-origin window must not be focused")
	}
	if !app.focused || app.navigateTo != "https://chat.example.com/chat/c1" {
		t.Fatalf("expected app window focused and navigated, got focused=%v url=%q", app.focused, app.navigateTo)
	}
	if len(windows.opened) != 0 {
		t.Fatalf("expected no new window, got %v", windows.opened)
	}
}

func TestHandleClickOpensWindowWhenNoneMatch(t *testing.T) {
	windows := &fakeWindows{open: []*fakeWindow{{url: "https://elsewhere.example.com/"}}}
	handler, _ := newTestHandler(t, windows)

	if err := handler.HandleClick(Notification{ID: "n1", URL: "/chat/c2"}); err != nil {
		t.Fatalf("HandleClick failed: %v", err)
	}
	if len(windows.opened) != 1 || windows.opened[0] != "https://chat.example.com/chat/c2" {
		t.Fatalf("expected new window at conversation url, got %v", windows.opened)
	}
}

func TestNewHandlerValidatesOptions(t *testing.T) {
	if _, err := NewHandler(HandlerOptions{Origin: "https://x", Windows: &fakeWindows{}}); err == nil {
		t.Fatalf("expected missing notifier to fail")
	}
	if _, err := NewHandler(HandlerOptions{Origin: "/relative", Notifier: &fakeNotifier{}, Windows: &fakeWindows{}}); err == nil {
		t.Fatalf("expected relative origin to fail")
	}
}

func TestRegistryInstallReplacesActiveHandlerImmediately(t *testing.T) {
	var registry Registry
	if err := registry.Push([]byte(`{"title":"x"}`)); !errors.Is(err, ErrNoHandler) {
		t.Fatalf("expected ErrNoHandler before install, got %v", err)
	}

	first, firstNotifier := newTestHandler(t, &fakeWindows{})
	second, secondNotifier := newTestHandler(t, &fakeWindows{})

	if gen := registry.Install(first); gen != 1 {
		t.Fatalf("expected generation 1, got %d", gen)
	}
	if err := registry.Push([]byte(`{"title":"one"}`)); err != nil {
		t.Fatalf("Push failed: %v", err)
	}
	if gen := registry.Install(second); gen != 2 {
		t.Fatalf("expected generation 2, got %d", gen)
	}
	if err := registry.Push([]byte(`{"title":"two"}`)); err != nil {
		t.Fatalf("Push failed: %v", err)
	}

	if len(firstNotifier.shown) != 1 || firstNotifier.shown[0].Title != "one" {
		t.Fatalf("first handler should only see the first push, got %+v", firstNotifier.shown)
	}
	if len(secondNotifier.shown) != 1 || secondNotifier.shown[0].Title != "two" {
		t.Fatalf("second handler should take over at once, got %+v", secondNotifier.shown)
	}
}

func TestMemoryDispatcherDrain(t *testing.T) {
	dispatcher := NewMemoryDispatcher()
	ctx := context.Background()

	_ = dispatcher.Dispatch(ctx, "bob", Payload{Title: "Alice", Body: "one", URL: ConversationURL("c1")})
	_ = dispatcher.Dispatch(ctx, "bob", Payload{Title: "Alice", Body: "two", URL: ConversationURL("c1")})
	_ = dispatcher.Dispatch(ctx, "carol", Payload{Title: "Alice", Body: "three"})

	bob := dispatcher.Drain("bob")
	if len(bob) != 2 || bob[1].Body != "two" || bob[0].URL != "/chat/c1" {
		t.Fatalf("unexpected payloads for bob: %+v", bob)
	}
	if again := dispatcher.Drain("bob"); len(again) != 0 {
		t.Fatalf("expected drained queue to be empty, got %d", len(again))
	}
	if history := dispatcher.History(); len(history) != 3 {
		t.Fatalf("expected full history, got %d", len(history))
	}
}
