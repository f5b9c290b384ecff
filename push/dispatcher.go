package push

import (
	"context"
	"log/slog"
	"sync"
)

// Dispatcher hands a payload to whatever background transport reaches userID.
type Dispatcher interface {
	Dispatch(ctx context.Context, userID string, payload Payload) error
}

// LogDispatcher records every dispatch in the log. It is the default when no
// transport is configured.
type LogDispatcher struct {
	logger *slog.Logger
}

// NewLogDispatcher builds a LogDispatcher. A nil logger uses slog.Default().
func NewLogDispatcher(logger *slog.Logger) *LogDispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogDispatcher{logger: logger}
}

func (d *LogDispatcher) Dispatch(ctx context.Context, userID string, payload Payload) error {
	d.logger.InfoContext(ctx, "push dispatched",
		slog.String("user_id", userID),
		slog.String("title", payload.Title),
		slog.String("url", payload.URL))
	return nil
}

// Delivery is one recorded dispatch.
type Delivery struct {
	UserID  string
	Payload Payload
}

// MemoryDispatcher keeps dispatched payloads in memory, grouped by user.
// In-process clients drain their queue with Drain.
type MemoryDispatcher struct {
	mu      sync.Mutex
	pending map[string][]Payload
	history []Delivery
}

// NewMemoryDispatcher builds an empty MemoryDispatcher.
func NewMemoryDispatcher() *MemoryDispatcher {
	return &MemoryDispatcher{pending: make(map[string][]Payload)}
}

func (d *MemoryDispatcher) Dispatch(_ context.Context, userID string, payload Payload) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.pending[userID] = append(d.pending[userID], payload)
	d.history = append(d.history, Delivery{UserID: userID, Payload: payload})
	return nil
}

// Drain returns and forgets the payloads queued for userID.
func (d *MemoryDispatcher) Drain(userID string) []Payload {
	d.mu.Lock()
	defer d.mu.Unlock()
	payloads := d.pending[userID]
	delete(d.pending, userID)
	return payloads
}

// History returns every dispatch seen so far, oldest first.
func (d *MemoryDispatcher) History() []Delivery {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]Delivery, len(d.history))
	copy(out, d.history)
	return out
}
