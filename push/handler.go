package push

import (
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"

	"github.com/google/uuid"
)

// Notification is an OS-level notification with the target url attached as
// notification-scoped data.
type Notification struct {
	ID    string
	Title string
	Body  string
	URL   string
}

// Notifier displays and dismisses OS notifications.
type Notifier interface {
	Show(n Notification) error
	Close(id string)
}

// Window is one open application window.
type Window interface {
	URL() string
	Focus() error
	Navigate(target string) error
}

// Windows enumerates and opens application windows.
type Windows interface {
	List() []Window
	Open(target string) error
}

// HandlerOptions configures a Handler.
type HandlerOptions struct {
	// Origin is the application origin, e.g. "https://chat.example.com".
	Origin   string
	Notifier Notifier
	Windows  Windows
	Logger   *slog.Logger
}

// Handler is the background push handler.
type Handler struct {
	origin   *url.URL
	notifier Notifier
	windows  Windows
	logger   *slog.Logger
}

// NewHandler validates options and builds a Handler.
func NewHandler(opts HandlerOptions) (*Handler, error) {
	if opts.Notifier == nil {
		return nil, errors.New("notifier is required")
	}
	if opts.Windows == nil {
		return nil, errors.New("windows is required")
	}
	origin, err := url.Parse(strings.TrimSpace(opts.Origin))
	if err != nil || origin.Scheme == "" || origin.Host == "" {
		return nil, fmt.Errorf("origin must be an absolute url, got %q", opts.Origin)
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Handler{
		origin:   &url.URL{Scheme: origin.Scheme, Host: origin.Host},
		notifier: opts.Notifier,
		windows:  opts.Windows,
		logger:   opts.Logger,
	}, nil
}

// HandlePush shows a notification for raw push data. Missing or malformed
// data is ignored without error.
func (h *Handler) HandlePush(raw []byte) error {
	payload, err := DecodePayload(raw)
	if err != nil {
		h.logger.Debug("push payload ignored", slog.Any("error", err))
		return nil
	}

	notification := Notification{
		ID:    uuid.NewString(),
		Title: payload.Title,
		Body:  payload.Body,
		URL:   payload.URL,
	}
	if err := h.notifier.Show(notification); err != nil {
		return fmt.Errorf("show notification: %w", err)
	}
	return nil
}

// HandleClick closes the notification, then focuses an open window of the
// application and navigates it to the notification url, or opens a new
// window there when none is open.
func (h *Handler) HandleClick(n Notification) error {
	h.notifier.Close(n.ID)

	target := h.resolve(n.URL)
	for _, window := range h.windows.List() {
		if !h.sameOrigin(window.URL()) {
			continue
		}
		if err := window.Focus(); err != nil {
			return fmt.Errorf("focus window: %w", err)
		}
		if err := window.Navigate(target); err != nil {
			return fmt.Errorf("navigate window: %w", err)
		}
		return nil
	}

	if err := h.windows.Open(target); err != nil {
		return fmt.Errorf("open window: %w", err)
	}
	return nil
}

func (h *Handler) resolve(raw string) string {
	ref, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return h.origin.String() + "/"
	}
	return h.origin.ResolveReference(ref).String()
}

func (h *Handler) sameOrigin(raw string) bool {
	candidate, err := url.Parse(raw)
	if err != nil {
		return false
	}
	return strings.EqualFold(candidate.Scheme, h.origin.Scheme) &&
		strings.EqualFold(candidate.Host, h.origin.Host)
}
