package chat

import (
	"encoding/json"
	"errors"
	"fmt"

	"gochat/network"
)

// PresenceTracker reports whether other users are online, driven only by
// live channel events.
type PresenceTracker struct {
	loop    *Loop
	channel Channel
}

// NewPresenceTracker builds a tracker over channel.
func NewPresenceTracker(loop *Loop, channel Channel) *PresenceTracker {
	return &PresenceTracker{loop: loop, channel: channel}
}

// PresenceSubscription follows one user until Close.
type PresenceSubscription struct {
	loop     *Loop
	subject  string
	onChange func(online bool)

	// loop-owned
	online bool
	known  bool
	closed bool
	subs   subscriptions
}

// Track asks for subject's status and follows it. onChange runs on the loop
// whenever the status changes, including the first answer.
func (p *PresenceTracker) Track(subject string, onChange func(online bool)) (*PresenceSubscription, error) {
	if subject == "" {
		return nil, errors.New("presence subject is required")
	}

	sub := &PresenceSubscription{loop: p.loop, subject: subject, onChange: onChange}

	var subs subscriptions
	subs.add(p.channel.On(network.EventUserStatus, sub.handler(false)))
	subs.add(p.channel.On(network.EventUserOnline, sub.handler(true)))
	subs.add(p.channel.On(network.EventUserOffline, sub.handler(false)))
	if err := p.loop.Call(func() {
		sub.subs = subs
	}); err != nil {
		subs.release()
		return nil, err
	}

	if err := p.channel.Emit(network.EventCheckUserStatus, subject); err != nil {
		sub.Close()
		return nil, fmt.Errorf("check status of %s: %w", subject, err)
	}
	return sub, nil
}

// Subject returns the tracked user.
func (s *PresenceSubscription) Subject() string {
	return s.subject
}

// Online returns the last known status; known is false until the first
// answer arrives.
func (s *PresenceSubscription) Online() (online, known bool) {
	_ = s.loop.Call(func() {
		online, known = s.online, s.known
	})
	return online, known
}

// Close detaches all listeners. It is safe to call more than once.
func (s *PresenceSubscription) Close() {
	_ = s.loop.Call(func() {
		s.closed = true
		s.subs.release()
	})
}

// handler decodes one presence event kind. implied is the status carried by
// a bare user id.
func (s *PresenceSubscription) handler(implied bool) network.Handler {
	return func(data json.RawMessage) {
		status, err := network.DecodeUserStatus(data, implied)
		if err != nil || status.UserID.String() != s.subject {
			return
		}
		s.loop.Post(func() {
			s.apply(status.IsOnline)
		})
	}
}

func (s *PresenceSubscription) apply(online bool) {
	if s.closed {
		return
	}
	changed := !s.known || s.online != online
	s.online, s.known = online, true
	if changed && s.onChange != nil {
		s.onChange(online)
	}
}
