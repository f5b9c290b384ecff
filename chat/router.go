package chat

import (
	"encoding/json"
	"log/slog"
	"math"
	"time"

	"gochat/network"
)

const (
	// DefaultPopupTimeout auto-dismisses an in-app popup.
	DefaultPopupTimeout = 3000 * time.Millisecond
	// DefaultDragDismissThreshold is the vertical drag, in pixels, past which
	// a popup is dismissed.
	DefaultDragDismissThreshold = 40.0
)

const popupKey = "popup"

// Popup is the in-app alert for a message in a conversation that is not on
// screen.
type Popup struct {
	ConversationID string
	SenderID       string
	SenderName     string
	SenderAvatar   string
	Text           string
}

// RouterOptions configures a NotificationRouter. The callbacks run on the
// loop.
type RouterOptions struct {
	PopupTimeout         time.Duration
	DragDismissThreshold float64
	OnShow               func(Popup)
	OnDismiss            func(Popup)
	// Navigate opens a conversation after the user taps its popup.
	Navigate func(conversationID string)
	Logger   *slog.Logger
}

func (o RouterOptions) withDefaults() RouterOptions {
	if o.PopupTimeout <= 0 {
		o.PopupTimeout = DefaultPopupTimeout
	}
	if o.DragDismissThreshold <= 0 {
		o.DragDismissThreshold = DefaultDragDismissThreshold
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	return o
}

// NotificationRouter sees every inbound message of the application session.
// It forwards each one to the conversation list and decides whether an
// in-app popup is shown.
type NotificationRouter struct {
	loop          *Loop
	conversations *ConversationStore
	localUserID   string
	opts          RouterOptions

	// loop-owned
	visible          bool
	openConversation string
	popup            *Popup
	timers           *deferredSet
	subs             subscriptions
}

// NewNotificationRouter builds a router for localUserID. The application
// starts visible.
func NewNotificationRouter(loop *Loop, conversations *ConversationStore, localUserID string, opts RouterOptions) *NotificationRouter {
	return &NotificationRouter{
		loop:          loop,
		conversations: conversations,
		localUserID:   localUserID,
		opts:          opts.withDefaults(),
		visible:       true,
		timers:        newDeferredSet(loop),
	}
}

// Attach subscribes the router to channel's inbound messages.
func (r *NotificationRouter) Attach(channel Channel) error {
	off := channel.On(network.EventReceiveMessage, r.onReceiveMessage)
	return r.loop.Call(func() {
		r.subs.add(off)
	})
}

// Detach releases the subscription and dismisses any popup.
func (r *NotificationRouter) Detach() error {
	return r.loop.Call(func() {
		r.subs.release()
		r.dismiss()
	})
}

// SetVisible records whether the application is in the foreground.
func (r *NotificationRouter) SetVisible(visible bool) {
	r.loop.Post(func() {
		r.visible = visible
	})
}

// SetOpenConversation records the conversation currently on screen. An
// empty id means none.
func (r *NotificationRouter) SetOpenConversation(conversationID string) {
	r.loop.Post(func() {
		r.setOpenConversation(conversationID)
	})
}

// Current returns the popup on screen, if any.
func (r *NotificationRouter) Current() (Popup, bool) {
	var (
		popup Popup
		ok    bool
	)
	_ = r.loop.Call(func() {
		if r.popup != nil {
			popup, ok = *r.popup, true
		}
	})
	return popup, ok
}

// Drag reports a vertical drag of dy pixels on the popup.
func (r *NotificationRouter) Drag(dy float64) {
	r.loop.Post(func() {
		if r.popup != nil && math.Abs(dy) > r.opts.DragDismissThreshold {
			r.dismiss()
		}
	})
}

// Tap dismisses the popup and navigates to its conversation.
func (r *NotificationRouter) Tap() {
	r.loop.Post(func() {
		if r.popup == nil {
			return
		}
		target := r.popup.ConversationID
		r.dismiss()
		if r.opts.Navigate != nil {
			r.opts.Navigate(target)
		}
	})
}

// Dismiss closes the popup without navigating.
func (r *NotificationRouter) Dismiss() {
	r.loop.Post(r.dismiss)
}

func (r *NotificationRouter) setOpenConversation(conversationID string) {
	r.openConversation = conversationID
}

// clearOpenConversation forgets conversationID if it is still the open one.
func (r *NotificationRouter) clearOpenConversation(conversationID string) {
	if r.openConversation == conversationID {
		r.openConversation = ""
	}
}

func (r *NotificationRouter) onReceiveMessage(data json.RawMessage) {
	var payload network.ReceiveMessagePayload
	if err := network.DecodePayload(data, &payload); err != nil {
		r.opts.Logger.Debug("receive-message dropped", slog.Any("error", err))
		return
	}
	if payload.ConversationID == "" || payload.SenderID == "" {
		return
	}
	r.loop.Post(func() {
		r.route(payload)
	})
}

// route runs on the loop.
func (r *NotificationRouter) route(payload network.ReceiveMessagePayload) {
	sender := payload.SenderID.String()
	if sender == r.localUserID {
		return
	}

	r.conversations.reduce(NewMessage{
		ConversationID: payload.ConversationID,
		From:           sender,
		LastMessage:    payload.Text,
		LastMessageAt:  payload.CreatedAt,
	})

	// In the background the push handler notifies instead.
	if !r.visible {
		return
	}
	if payload.ConversationID == r.openConversation {
		return
	}

	r.show(Popup{
		ConversationID: payload.ConversationID,
		SenderID:       sender,
		SenderName:     payload.SenderName,
		SenderAvatar:   payload.SenderAvatar,
		Text:           payload.Text,
	})
}

func (r *NotificationRouter) show(popup Popup) {
	if r.popup != nil && r.opts.OnDismiss != nil {
		r.opts.OnDismiss(*r.popup)
	}
	r.popup = &popup
	r.timers.arm(popupKey, r.opts.PopupTimeout, r.dismiss)
	if r.opts.OnShow != nil {
		r.opts.OnShow(popup)
	}
}

func (r *NotificationRouter) dismiss() {
	r.timers.cancel(popupKey)
	if r.popup == nil {
		return
	}
	popup := *r.popup
	r.popup = nil
	if r.opts.OnDismiss != nil {
		r.opts.OnDismiss(popup)
	}
}
