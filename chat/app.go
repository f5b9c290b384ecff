package chat

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"gochat/api"
	"gochat/discovery"
	"gochat/models"
	"gochat/network"
)

// AppOptions wires the client core.
type AppOptions struct {
	Identity      Identity
	Channel       Channel
	Store         DurableStore
	Logger        *slog.Logger
	TypingTimeout time.Duration
	Router        RouterOptions
}

// App is one signed-in application session: the shared live channel, the
// conversation list, the notification router and at most one open
// conversation.
type App struct {
	identity      Identity
	channel       Channel
	store         DurableStore
	logger        *slog.Logger
	typingTimeout time.Duration

	loop          *Loop
	conversations *ConversationStore
	router        *NotificationRouter
	presence      *PresenceTracker

	// sessionMu serializes opening and closing the conversation session.
	sessionMu sync.Mutex

	mu       sync.Mutex
	attached bool
	session  *Session
	closed   bool
}

// NewApp builds an App. Nothing connects until Start.
func NewApp(opts AppOptions) (*App, error) {
	if opts.Identity == nil {
		return nil, errors.New("identity is required")
	}
	if opts.Channel == nil {
		return nil, errors.New("channel is required")
	}
	if opts.Store == nil {
		return nil, errors.New("durable store is required")
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Router.Logger == nil {
		opts.Router.Logger = opts.Logger
	}

	loop := NewLoop()
	conversations := NewConversationStore(loop)
	return &App{
		identity:      opts.Identity,
		channel:       opts.Channel,
		store:         opts.Store,
		logger:        opts.Logger,
		typingTimeout: opts.TypingTimeout,
		loop:          loop,
		conversations: conversations,
		router:        NewNotificationRouter(loop, conversations, opts.Identity.UserID(), opts.Router),
		presence:      NewPresenceTracker(loop, opts.Channel),
	}, nil
}

// Start connects the live channel, attaches the notification router and
// loads the conversation list.
func (a *App) Start(ctx context.Context) error {
	if err := a.SyncIdentity(ctx); err != nil {
		return err
	}

	a.mu.Lock()
	attach := !a.attached
	a.attached = true
	a.mu.Unlock()
	if attach {
		if err := a.router.Attach(a.channel); err != nil {
			return err
		}
	}

	return a.Reload(ctx)
}

// SyncIdentity connects or disconnects the live channel to match the
// identity session. An invalid session closes the open conversation,
// disconnects and returns ErrUnauthenticated.
func (a *App) SyncIdentity(ctx context.Context) error {
	if a.identity.Valid() {
		if err := a.channel.Connect(ctx); err != nil {
			return fmt.Errorf("connect live channel: %w", err)
		}
		return nil
	}

	if err := a.CloseSession(); err != nil {
		a.logger.Warn("close session on sign-out failed", slog.Any("error", err))
	}
	if err := a.channel.Disconnect(); err != nil {
		a.logger.Warn("disconnect live channel failed", slog.Any("error", err))
	}
	return ErrUnauthenticated
}

// Reload replaces the conversation list from the durable store.
func (a *App) Reload(ctx context.Context) error {
	conversations, err := a.store.ListConversations(ctx)
	if err != nil {
		return fmt.Errorf("load conversations: %w", err)
	}
	return a.loop.Call(func() {
		a.conversations.reduce(Load{Conversations: conversations})
	})
}

// StartConversation returns the conversation with peerID, creating it on
// first contact, and lists it.
func (a *App) StartConversation(ctx context.Context, peerID string) (models.Conversation, error) {
	conversation, err := a.store.GetOrCreateConversation(ctx, peerID)
	if err != nil {
		return models.Conversation{}, fmt.Errorf("start conversation with %s: %w", peerID, err)
	}
	if err := a.loop.Call(func() {
		a.conversations.reduce(Insert{Conversation: conversation})
	}); err != nil {
		return models.Conversation{}, err
	}
	return conversation, nil
}

// OpenSession opens a listed conversation, closing the one open before.
// onChange, if set, runs on the loop after every session state change.
func (a *App) OpenSession(ctx context.Context, conversationID string, onChange func(SessionView)) (*Session, error) {
	conversation, ok := a.conversations.Get(conversationID)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownConversation, conversationID)
	}
	localUserID := a.identity.UserID()
	if !conversation.HasParticipant(localUserID) {
		return nil, fmt.Errorf("%w: %s", ErrUnknownConversation, conversationID)
	}

	a.sessionMu.Lock()
	defer a.sessionMu.Unlock()

	if err := a.closeSessionLocked(); err != nil {
		a.logger.Warn("close previous session failed", slog.Any("error", err))
	}

	session, err := openSession(ctx, sessionDeps{
		loop:          a.loop,
		channel:       a.channel,
		store:         a.store,
		conversations: a.conversations,
		router:        a.router,
		logger:        a.logger,
		localUserID:   localUserID,
	}, SessionOptions{
		ConversationID: conversationID,
		PeerID:         conversation.Peer(localUserID),
		TypingTimeout:  a.typingTimeout,
		OnChange:       onChange,
	})
	if err != nil {
		return nil, err
	}

	a.mu.Lock()
	a.session = session
	a.mu.Unlock()
	return session, nil
}

// CloseSession closes the open conversation, if any.
func (a *App) CloseSession() error {
	a.sessionMu.Lock()
	defer a.sessionMu.Unlock()
	return a.closeSessionLocked()
}

func (a *App) closeSessionLocked() error {
	a.mu.Lock()
	session := a.session
	a.session = nil
	a.mu.Unlock()
	if session == nil {
		return nil
	}
	return session.Close()
}

// Session returns the open conversation, or nil.
func (a *App) Session() *Session {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.session
}

// Conversations returns the conversation list.
func (a *App) Conversations() *ConversationStore {
	return a.conversations
}

// Router returns the notification router.
func (a *App) Router() *NotificationRouter {
	return a.router
}

// Presence returns the presence tracker.
func (a *App) Presence() *PresenceTracker {
	return a.presence
}

// Close tears the application session down. It is safe to call more than
// once.
func (a *App) Close() error {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return nil
	}
	a.closed = true
	a.mu.Unlock()

	var errs []error
	if err := a.CloseSession(); err != nil {
		errs = append(errs, err)
	}
	if err := a.router.Detach(); err != nil {
		errs = append(errs, err)
	}
	if err := a.channel.Disconnect(); err != nil {
		errs = append(errs, err)
	}
	a.loop.Close()
	return errors.Join(errs...)
}

// RemoteOptions configures Dial.
type RemoteOptions struct {
	// ServerURL is the relay root, e.g. http://host:8428. When empty the
	// relay is looked up over mDNS.
	ServerURL  string
	Identity   Identity
	Discovery  discovery.Config
	HTTPClient *http.Client
	Logger     *slog.Logger
	// App carries the remaining App settings; its Identity, Channel and
	// Store are filled by Dial.
	App AppOptions
}

// Dial builds an App talking to a relay over HTTP and websocket. It does
// not connect; call Start.
func Dial(ctx context.Context, opts RemoteOptions) (*App, error) {
	if opts.Identity == nil {
		return nil, errors.New("identity is required")
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	baseURL, wsURL, err := resolveRelay(ctx, opts)
	if err != nil {
		return nil, err
	}

	store, err := api.NewClient(api.ClientOptions{
		BaseURL:    baseURL,
		Token:      opts.Identity.Token,
		HTTPClient: opts.HTTPClient,
	})
	if err != nil {
		return nil, err
	}
	channel := network.NewClient(network.ClientOptions{
		URL:    wsURL,
		Token:  opts.Identity.Token,
		Logger: opts.Logger,
	})

	appOpts := opts.App
	appOpts.Identity = opts.Identity
	appOpts.Channel = channel
	appOpts.Store = store
	if appOpts.Logger == nil {
		appOpts.Logger = opts.Logger
	}
	return NewApp(appOpts)
}

func resolveRelay(ctx context.Context, opts RemoteOptions) (baseURL, wsURL string, err error) {
	if strings.TrimSpace(opts.ServerURL) == "" {
		relay, err := discovery.Lookup(ctx, opts.Discovery)
		if err != nil {
			return "", "", fmt.Errorf("discover relay: %w", err)
		}
		opts.Logger.Info("relay discovered",
			slog.String("server_id", relay.ServerID),
			slog.String("name", relay.Name),
			slog.String("url", relay.BaseURL()),
		)
		return relay.BaseURL(), relay.WebsocketURL(), nil
	}

	parsed, err := url.Parse(strings.TrimRight(strings.TrimSpace(opts.ServerURL), "/"))
	if err != nil {
		return "", "", fmt.Errorf("parse server url: %w", err)
	}
	ws := *parsed
	switch parsed.Scheme {
	case "http":
		ws.Scheme = "ws"
	case "https":
		ws.Scheme = "wss"
	default:
		return "", "", fmt.Errorf("server url %q must be http or https", opts.ServerURL)
	}
	ws.Path = strings.TrimRight(parsed.Path, "/") + discovery.DefaultPath
	return parsed.String(), ws.String(), nil
}
