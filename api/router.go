// Package api exposes the Durable Store over HTTP and provides the typed
// client the chat core uses to reach it.
package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"gochat/auth"
	"gochat/models"

	"github.com/gin-gonic/gin"
)

// DefaultOperationTimeout bounds each request's storage work.
const DefaultOperationTimeout = 5 * time.Second

const userIDKey = "gochat.user_id"

// Store is the subset of the Durable Store the HTTP surface serves.
type Store interface {
	GetOrCreateConversation(ctx context.Context, a, b string) (models.Conversation, error)
	GetConversation(ctx context.Context, conversationID string) (models.Conversation, error)
	ListConversations(ctx context.Context, userID string) ([]models.Conversation, error)
	CreateMessage(ctx context.Context, conversationID, senderID, receiverID, text string) (models.Message, error)
	ListMessages(ctx context.Context, conversationID, viewerID string) ([]models.Message, error)
	MarkRead(ctx context.Context, conversationID, userID string) error
	HideForViewer(ctx context.Context, messageID, userID, conversationID string) error
	ClearForEveryone(ctx context.Context, messageID, conversationID string) error
	UpsertProfile(ctx context.Context, profile models.Profile) error
	ProfileOrDefault(ctx context.Context, userID string) (models.Profile, error)
}

// TokenVerifier authenticates bearer tokens.
type TokenVerifier interface {
	Verify(raw string) (auth.Claims, error)
}

// RouterOptions wires the HTTP surface.
type RouterOptions struct {
	Store    Store
	Verifier TokenVerifier
	// Live, when set, is mounted at /ws. It authenticates on its own.
	Live             http.Handler
	Logger           *slog.Logger
	OperationTimeout time.Duration
}

func (o RouterOptions) withDefaults() RouterOptions {
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	if o.OperationTimeout <= 0 {
		o.OperationTimeout = DefaultOperationTimeout
	}
	return o
}

type handlers struct {
	store   Store
	logger  *slog.Logger
	timeout time.Duration
}

// NewRouter builds the gin engine serving /api/v1, /healthz and, when
// configured, the live channel at /ws.
func NewRouter(opts RouterOptions) (*gin.Engine, error) {
	opts = opts.withDefaults()
	if opts.Store == nil {
		return nil, errors.New("store is required")
	}
	if opts.Verifier == nil {
		return nil, errors.New("token verifier is required")
	}

	r := gin.New()
	r.Use(gin.Recovery(), requestLogger(opts.Logger))

	h := &handlers{store: opts.Store, logger: opts.Logger, timeout: opts.OperationTimeout}

	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	if opts.Live != nil {
		r.GET("/ws", gin.WrapH(opts.Live))
	}

	v1 := r.Group("/api/v1", requireUser(opts.Verifier))

	// POST /api/v1/conversations -> get or create the conversation with a peer
	v1.POST("/conversations", h.openConversation)
	// GET /api/v1/conversations -> the caller's conversations, most recent first
	v1.GET("/conversations", h.listConversations)
	v1.GET("/conversations/:id/messages", h.listMessages)
	v1.POST("/conversations/:id/messages", h.createMessage)
	v1.POST("/conversations/:id/read", h.markRead)
	v1.POST("/conversations/:id/messages/:messageId/hide", h.hideMessage)
	v1.POST("/conversations/:id/messages/:messageId/clear", h.clearMessage)
	v1.PUT("/profile", h.updateProfile)
	v1.GET("/profiles/:userId", h.getProfile)

	return r, nil
}

// requireUser rejects requests without a valid bearer token and stores the
// authenticated user id on the context.
func requireUser(verifier TokenVerifier) gin.HandlerFunc {
	return func(c *gin.Context) {
		token, ok := auth.BearerToken(c.GetHeader("Authorization"))
		if !ok {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "bearer token is required"})
			return
		}
		claims, err := verifier.Verify(token)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid session token"})
			return
		}
		c.Set(userIDKey, claims.UserID)
		c.Next()
	}
}

func requestLogger(logger *slog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		started := time.Now()
		c.Next()
		logger.Debug("http request",
			slog.String("method", c.Request.Method),
			slog.String("path", c.FullPath()),
			slog.Int("status", c.Writer.Status()),
			slog.Duration("elapsed", time.Since(started)),
		)
	}
}

func callerID(c *gin.Context) string {
	return c.GetString(userIDKey)
}
