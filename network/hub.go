package network

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"gochat/auth"
	"gochat/models"
	"gochat/push"

	"github.com/gorilla/websocket"
)

const defaultOperationTimeout = 5 * time.Second

// HubStore is the durable state the hub consults to authorize and enrich
// relayed events.
type HubStore interface {
	GetConversation(ctx context.Context, conversationID string) (models.Conversation, error)
	ProfileOrDefault(ctx context.Context, userID string) (models.Profile, error)
	GetMessage(ctx context.Context, messageID string) (models.Message, error)
}

// TokenVerifier validates session tokens presented on connect.
type TokenVerifier interface {
	Verify(token string) (auth.Claims, error)
}

// HubOptions configures a Hub.
type HubOptions struct {
	Store            HubStore
	Verifier         TokenVerifier
	Push             push.Dispatcher
	Logger           *slog.Logger
	Connection       ConnectionOptions
	ReadTimeout      time.Duration
	OperationTimeout time.Duration
	CheckOrigin      func(r *http.Request) bool
}

// Hub is the server side of the live channel. It keeps every connection of
// every user, the room membership of each connection, and derives presence
// from the connection count.
type Hub struct {
	store      HubStore
	verifier   TokenVerifier
	push       push.Dispatcher
	logger     *slog.Logger
	connOpts   ConnectionOptions
	readTO     time.Duration
	opTimeout  time.Duration
	upgrader   websocket.Upgrader
	closedOnce sync.Once
	closed     chan struct{}

	mu        sync.RWMutex
	conns     map[string]*Connection            // connectionID -> connection
	userConns map[string]map[string]*Connection // userID -> connectionID -> connection
	rooms     map[string]map[string]*Connection // conversationID -> connectionID -> connection
	connRooms map[string]map[string]struct{}    // connectionID -> set of conversationIDs
}

// NewHub validates options and builds a Hub.
func NewHub(opts HubOptions) (*Hub, error) {
	if opts.Store == nil {
		return nil, errors.New("hub store is required")
	}
	if opts.Verifier == nil {
		return nil, errors.New("token verifier is required")
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Push == nil {
		opts.Push = push.NewLogDispatcher(opts.Logger)
	}
	if opts.ReadTimeout <= 0 {
		opts.ReadTimeout = DefaultReadTimeout
	}
	if opts.OperationTimeout <= 0 {
		opts.OperationTimeout = defaultOperationTimeout
	}
	checkOrigin := opts.CheckOrigin
	if checkOrigin == nil {
		checkOrigin = func(*http.Request) bool { return true }
	}

	return &Hub{
		store:     opts.Store,
		verifier:  opts.Verifier,
		push:      opts.Push,
		logger:    opts.Logger,
		connOpts:  opts.Connection.withDefaults(),
		readTO:    opts.ReadTimeout,
		opTimeout: opts.OperationTimeout,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     checkOrigin,
		},
		closed:    make(chan struct{}),
		conns:     make(map[string]*Connection),
		userConns: make(map[string]map[string]*Connection),
		rooms:     make(map[string]map[string]*Connection),
		connRooms: make(map[string]map[string]struct{}),
	}, nil
}

// ServeHTTP authenticates the request, upgrades it to a websocket and
// processes frames until the client goes away.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	select {
	case <-h.closed:
		http.Error(w, "hub is shutting down", http.StatusServiceUnavailable)
		return
	default:
	}

	token := strings.TrimSpace(r.URL.Query().Get("token"))
	if token == "" {
		token, _ = auth.BearerToken(r.Header.Get("Authorization"))
	}
	claims, err := h.verifier.Verify(token)
	if err != nil {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed",
			slog.String("user_id", claims.UserID),
			slog.Any("error", err))
		return
	}

	conn := newConnection(claims.UserID, ws, h.connOpts)
	first := h.attach(conn)
	conn.start()
	h.logger.Info("connection opened",
		slog.String("user_id", conn.UserID),
		slog.String("connection_id", conn.ID))
	if first {
		h.broadcastAll(EventUserOnline, conn.UserID, conn.ID)
	}

	defer func() {
		last := h.detach(conn)
		conn.Close(websocket.CloseNormalClosure, "session closed")
		h.logger.Info("connection closed",
			slog.String("user_id", conn.UserID),
			slog.String("connection_id", conn.ID))
		if last {
			h.broadcastAll(EventUserOffline, conn.UserID, "")
		}
	}()

	ws.SetReadLimit(MaxFrameSize)
	_ = ws.SetReadDeadline(time.Now().Add(h.readTO))
	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(time.Now().Add(h.readTO))
	})

	ctx := r.Context()
	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived) &&
				!errors.Is(err, websocket.ErrCloseSent) {
				h.logger.Debug("connection read ended",
					slog.String("connection_id", conn.ID),
					slog.Any("error", err))
			}
			return
		}
		_ = ws.SetReadDeadline(time.Now().Add(h.readTO))
		h.handleFrame(ctx, conn, data)
	}
}

// IsOnline reports whether userID has at least one open connection.
func (h *Hub) IsOnline(userID string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.userConns[userID]) > 0
}

// Close terminates every connection and rejects new ones.
func (h *Hub) Close() {
	h.closedOnce.Do(func() {
		close(h.closed)
	})

	h.mu.Lock()
	conns := make([]*Connection, 0, len(h.conns))
	for _, conn := range h.conns {
		conns = append(conns, conn)
	}
	h.mu.Unlock()

	for _, conn := range conns {
		conn.Close(websocket.CloseGoingAway, "hub shutdown")
	}
}

func (h *Hub) handleFrame(ctx context.Context, conn *Connection, raw []byte) {
	frame, err := DecodeFrame(raw)
	if err != nil {
		h.replyError(conn, ErrorCodeBadRequest, "invalid frame")
		return
	}

	switch frame.Event {
	case EventJoinRoom:
		h.handleJoin(ctx, conn, frame.Data)
	case EventLeaveRoom:
		h.handleLeave(conn, frame.Data)
	case EventSendMessage:
		h.handleSendMessage(ctx, conn, frame.Data)
	case EventTyping, EventStopTyping:
		h.handleTyping(conn, frame.Event, frame.Data)
	case EventDeleteMessageMe:
		h.handleDeleteForMe(conn, frame.Data)
	case EventDeleteMessageEveryone:
		h.handleDeleteForEveryone(ctx, conn, frame.Data)
	case EventCheckUserStatus:
		h.handleCheckUserStatus(conn, frame.Data)
	default:
		h.replyError(conn, ErrorCodeUnknownEvent, "unknown event "+frame.Event)
	}
}

func (h *Hub) handleJoin(ctx context.Context, conn *Connection, data []byte) {
	conversationID, err := DecodeID(data)
	if err != nil {
		h.replyError(conn, ErrorCodeBadRequest, "conversationId is required")
		return
	}

	conversation, err := h.conversation(ctx, conversationID)
	if err != nil || !conversation.HasParticipant(conn.UserID) {
		h.replyError(conn, ErrorCodeForbidden, "not a participant of "+conversationID)
		return
	}

	h.mu.Lock()
	if _, ok := h.conns[conn.ID]; ok {
		room := h.rooms[conversationID]
		if room == nil {
			room = make(map[string]*Connection)
			h.rooms[conversationID] = room
		}
		room[conn.ID] = conn

		memberships := h.connRooms[conn.ID]
		if memberships == nil {
			memberships = make(map[string]struct{})
			h.connRooms[conn.ID] = memberships
		}
		memberships[conversationID] = struct{}{}
	}
	h.mu.Unlock()
}

func (h *Hub) handleLeave(conn *Connection, data []byte) {
	conversationID, err := DecodeID(data)
	if err != nil {
		h.replyError(conn, ErrorCodeBadRequest, "conversationId is required")
		return
	}

	h.mu.Lock()
	h.leaveLocked(conversationID, conn.ID)
	h.mu.Unlock()
}

func (h *Hub) handleSendMessage(ctx context.Context, conn *Connection, data []byte) {
	var payload SendMessagePayload
	if err := DecodePayload(data, &payload); err != nil {
		h.replyError(conn, ErrorCodeBadRequest, "invalid send-message payload")
		return
	}
	receiverID := payload.ReceiverID.String()
	if payload.MessageID == "" || payload.ConversationID == "" || receiverID == "" || strings.TrimSpace(payload.Text) == "" {
		h.replyError(conn, ErrorCodeBadRequest, "messageId, conversationId, receiverId and text are required")
		return
	}

	conversation, err := h.conversation(ctx, payload.ConversationID)
	if err != nil || receiverID == conn.UserID ||
		!conversation.HasParticipant(conn.UserID) || !conversation.HasParticipant(receiverID) {
		h.replyError(conn, ErrorCodeForbidden, "not a participant of "+payload.ConversationID)
		return
	}

	// Only persisted messages are relayed, and always as stored.
	stored, err := h.message(ctx, payload.MessageID)
	if err != nil || stored.ConversationID != payload.ConversationID ||
		stored.SenderID != conn.UserID || stored.ReceiverID != receiverID || stored.DeletedForEveryone {
		h.replyError(conn, ErrorCodeForbidden, "message "+payload.MessageID+" is not a stored message of "+conn.UserID)
		return
	}

	opCtx, cancel := context.WithTimeout(ctx, h.opTimeout)
	sender, err := h.store.ProfileOrDefault(opCtx, conn.UserID)
	cancel()
	if err != nil {
		h.logger.Warn("load sender profile failed",
			slog.String("user_id", conn.UserID),
			slog.Any("error", err))
		sender = models.Profile{UserID: conn.UserID, Name: conn.UserID}
	}

	out := ReceiveMessagePayload{
		MessageID:      stored.ID,
		ConversationID: stored.ConversationID,
		SenderID:       UserRef(stored.SenderID),
		ReceiverID:     UserRef(stored.ReceiverID),
		Text:           stored.Text,
		SenderName:     sender.Name,
		SenderAvatar:   sender.Avatar,
		CreatedAt:      stored.CreatedAt.UTC(),
	}
	frame, err := EncodeFrame(EventReceiveMessage, out)
	if err != nil {
		h.replyError(conn, ErrorCodeInternal, "failed to encode message")
		return
	}

	for _, target := range h.messageRecipients(payload.ConversationID, receiverID, conn.ID) {
		_ = target.Send(frame)
	}

	pushCtx, cancel := context.WithTimeout(ctx, h.opTimeout)
	defer cancel()
	if err := h.push.Dispatch(pushCtx, receiverID, push.Payload{
		Title: sender.Name,
		Body:  stored.Text,
		URL:   push.ConversationURL(payload.ConversationID),
	}); err != nil {
		h.logger.Warn("push dispatch failed",
			slog.String("user_id", receiverID),
			slog.Any("error", err))
	}
}

func (h *Hub) handleTyping(conn *Connection, event string, data []byte) {
	var payload TypingPayload
	if err := DecodePayload(data, &payload); err != nil || payload.ConversationID == "" {
		h.replyError(conn, ErrorCodeBadRequest, "conversationId is required")
		return
	}
	if !h.inRoom(payload.ConversationID, conn.ID) {
		h.replyError(conn, ErrorCodeNotInRoom, "join "+payload.ConversationID+" first")
		return
	}
	payload.UserID = UserRef(conn.UserID)
	h.broadcastRoom(payload.ConversationID, event, payload, conn.ID)
}

func (h *Hub) handleDeleteForMe(conn *Connection, data []byte) {
	var payload DeleteForMePayload
	if err := DecodePayload(data, &payload); err != nil || payload.ConversationID == "" || payload.MessageID == "" {
		h.replyError(conn, ErrorCodeBadRequest, "messageId and conversationId are required")
		return
	}
	if !h.inRoom(payload.ConversationID, conn.ID) {
		h.replyError(conn, ErrorCodeNotInRoom, "join "+payload.ConversationID+" first")
		return
	}
	payload.UserID = UserRef(conn.UserID)
	h.broadcastRoom(payload.ConversationID, EventMessageDeletedMe, payload, "")
}

func (h *Hub) handleDeleteForEveryone(ctx context.Context, conn *Connection, data []byte) {
	var payload DeleteForEveryonePayload
	if err := DecodePayload(data, &payload); err != nil || payload.ConversationID == "" || payload.MessageID == "" {
		h.replyError(conn, ErrorCodeBadRequest, "messageId and conversationId are required")
		return
	}
	if !h.inRoom(payload.ConversationID, conn.ID) {
		h.replyError(conn, ErrorCodeNotInRoom, "join "+payload.ConversationID+" first")
		return
	}
	// The clear must already be persisted.
	stored, err := h.message(ctx, payload.MessageID)
	if err != nil || stored.ConversationID != payload.ConversationID || !stored.DeletedForEveryone {
		h.replyError(conn, ErrorCodeForbidden, "message "+payload.MessageID+" is not cleared")
		return
	}
	h.broadcastRoom(stored.ConversationID, EventMessageDeletedEveryone, DeleteForEveryonePayload{
		MessageID:      stored.ID,
		ConversationID: stored.ConversationID,
	}, "")
}

func (h *Hub) handleCheckUserStatus(conn *Connection, data []byte) {
	userID, err := DecodeID(data)
	if err != nil {
		h.replyError(conn, ErrorCodeBadRequest, "userId is required")
		return
	}
	frame, err := EncodeFrame(EventUserStatus, UserStatusPayload{
		UserID:   UserRef(userID),
		IsOnline: h.IsOnline(userID),
	})
	if err != nil {
		return
	}
	_ = conn.Send(frame)
}

func (h *Hub) conversation(ctx context.Context, conversationID string) (models.Conversation, error) {
	opCtx, cancel := context.WithTimeout(ctx, h.opTimeout)
	defer cancel()

	conversation, err := h.store.GetConversation(opCtx, conversationID)
	if err != nil {
		h.logger.Debug("conversation lookup failed",
			slog.String("conversation_id", conversationID),
			slog.Any("error", err))
		return models.Conversation{}, err
	}
	return conversation, nil
}

func (h *Hub) message(ctx context.Context, messageID string) (models.Message, error) {
	opCtx, cancel := context.WithTimeout(ctx, h.opTimeout)
	defer cancel()

	message, err := h.store.GetMessage(opCtx, messageID)
	if err != nil {
		h.logger.Debug("message lookup failed",
			slog.String("message_id", messageID),
			slog.Any("error", err))
		return models.Message{}, err
	}
	return message, nil
}

// attach registers conn and reports whether it is the user's first connection.
func (h *Hub) attach(conn *Connection) bool {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.conns[conn.ID] = conn
	h.connRooms[conn.ID] = make(map[string]struct{})

	userConns := h.userConns[conn.UserID]
	if userConns == nil {
		userConns = make(map[string]*Connection)
		h.userConns[conn.UserID] = userConns
	}
	userConns[conn.ID] = conn
	return len(userConns) == 1
}

// detach removes conn and reports whether it was the user's last connection.
func (h *Hub) detach(conn *Connection) bool {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, ok := h.conns[conn.ID]; !ok {
		return false
	}
	delete(h.conns, conn.ID)

	for roomID := range h.connRooms[conn.ID] {
		h.leaveLocked(roomID, conn.ID)
	}
	delete(h.connRooms, conn.ID)

	userConns := h.userConns[conn.UserID]
	delete(userConns, conn.ID)
	if len(userConns) == 0 {
		delete(h.userConns, conn.UserID)
		return true
	}
	return false
}

func (h *Hub) leaveLocked(conversationID, connectionID string) {
	if room := h.rooms[conversationID]; room != nil {
		delete(room, connectionID)
		if len(room) == 0 {
			delete(h.rooms, conversationID)
		}
	}
	if memberships, ok := h.connRooms[connectionID]; ok {
		delete(memberships, conversationID)
	}
}

func (h *Hub) inRoom(conversationID, connectionID string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	_, ok := h.rooms[conversationID][connectionID]
	return ok
}

// messageRecipients returns the room members plus every connection of the
// receiver, without duplicates and without the emitting connection.
func (h *Hub) messageRecipients(conversationID, receiverID, excludeConnID string) []*Connection {
	h.mu.RLock()
	defer h.mu.RUnlock()

	seen := make(map[string]struct{})
	out := make([]*Connection, 0, len(h.rooms[conversationID])+len(h.userConns[receiverID]))
	add := func(conn *Connection) {
		if conn.ID == excludeConnID {
			return
		}
		if _, dup := seen[conn.ID]; dup {
			return
		}
		seen[conn.ID] = struct{}{}
		out = append(out, conn)
	}
	for _, conn := range h.rooms[conversationID] {
		add(conn)
	}
	for _, conn := range h.userConns[receiverID] {
		add(conn)
	}
	return out
}

func (h *Hub) broadcastRoom(conversationID, event string, payload any, excludeConnID string) {
	frame, err := EncodeFrame(event, payload)
	if err != nil {
		h.logger.Error("encode room frame failed",
			slog.String("event", event),
			slog.Any("error", err))
		return
	}

	h.mu.RLock()
	targets := make([]*Connection, 0, len(h.rooms[conversationID]))
	for id, conn := range h.rooms[conversationID] {
		if id != excludeConnID {
			targets = append(targets, conn)
		}
	}
	h.mu.RUnlock()

	for _, conn := range targets {
		_ = conn.Send(frame)
	}
}

func (h *Hub) broadcastAll(event, userID, excludeConnID string) {
	frame, err := EncodeFrame(event, userID)
	if err != nil {
		return
	}

	h.mu.RLock()
	targets := make([]*Connection, 0, len(h.conns))
	for id, conn := range h.conns {
		if id != excludeConnID {
			targets = append(targets, conn)
		}
	}
	h.mu.RUnlock()

	for _, conn := range targets {
		_ = conn.Send(frame)
	}
}

func (h *Hub) replyError(conn *Connection, code, message string) {
	frame, err := EncodeFrame(EventError, ErrorPayload{Code: code, Message: message})
	if err != nil {
		return
	}
	_ = conn.Send(frame)
}
