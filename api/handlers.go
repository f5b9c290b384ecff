package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"gochat/models"
	"gochat/storage"

	"github.com/gin-gonic/gin"
)

type openConversationRequest struct {
	PeerID string `json:"peerId" binding:"required"`
}

type createMessageRequest struct {
	ReceiverID string `json:"receiverId" binding:"required"`
	Text       string `json:"text"`
}

type updateProfileRequest struct {
	Name   string `json:"name"`
	Avatar string `json:"avatar"`
}

func (h *handlers) context(c *gin.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(c.Request.Context(), h.timeout)
}

func (h *handlers) openConversation(c *gin.Context) {
	var req openConversationRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	ctx, cancel := h.context(c)
	defer cancel()
	conversation, err := h.store.GetOrCreateConversation(ctx, callerID(c), strings.TrimSpace(req.PeerID))
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, conversation)
}

func (h *handlers) listConversations(c *gin.Context) {
	ctx, cancel := h.context(c)
	defer cancel()
	conversations, err := h.store.ListConversations(ctx, callerID(c))
	if err != nil {
		h.fail(c, err)
		return
	}
	if conversations == nil {
		conversations = []models.Conversation{}
	}
	c.JSON(http.StatusOK, conversations)
}

func (h *handlers) listMessages(c *gin.Context) {
	ctx, cancel := h.context(c)
	defer cancel()
	conversationID := c.Param("id")
	if err := h.requireParticipant(ctx, conversationID, callerID(c)); err != nil {
		h.fail(c, err)
		return
	}
	messages, err := h.store.ListMessages(ctx, conversationID, callerID(c))
	if err != nil {
		h.fail(c, err)
		return
	}
	if messages == nil {
		messages = []models.Message{}
	}
	c.JSON(http.StatusOK, messages)
}

func (h *handlers) createMessage(c *gin.Context) {
	var req createMessageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	ctx, cancel := h.context(c)
	defer cancel()
	message, err := h.store.CreateMessage(ctx, c.Param("id"), callerID(c), req.ReceiverID, req.Text)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, message)
}

func (h *handlers) markRead(c *gin.Context) {
	ctx, cancel := h.context(c)
	defer cancel()
	if err := h.store.MarkRead(ctx, c.Param("id"), callerID(c)); err != nil {
		h.fail(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *handlers) hideMessage(c *gin.Context) {
	ctx, cancel := h.context(c)
	defer cancel()
	if err := h.store.HideForViewer(ctx, c.Param("messageId"), callerID(c), c.Param("id")); err != nil {
		h.fail(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *handlers) clearMessage(c *gin.Context) {
	ctx, cancel := h.context(c)
	defer cancel()
	conversationID := c.Param("id")
	if err := h.requireParticipant(ctx, conversationID, callerID(c)); err != nil {
		h.fail(c, err)
		return
	}
	if err := h.store.ClearForEveryone(ctx, c.Param("messageId"), conversationID); err != nil {
		h.fail(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *handlers) updateProfile(c *gin.Context) {
	var req updateProfileRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	profile := models.Profile{
		UserID: callerID(c),
		Name:   strings.TrimSpace(req.Name),
		Avatar: strings.TrimSpace(req.Avatar),
	}
	ctx, cancel := h.context(c)
	defer cancel()
	if err := h.store.UpsertProfile(ctx, profile); err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, profile)
}

func (h *handlers) getProfile(c *gin.Context) {
	ctx, cancel := h.context(c)
	defer cancel()
	profile, err := h.store.ProfileOrDefault(ctx, c.Param("userId"))
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, profile)
}

func (h *handlers) requireParticipant(ctx context.Context, conversationID, userID string) error {
	conversation, err := h.store.GetConversation(ctx, conversationID)
	if err != nil {
		return err
	}
	if !conversation.HasParticipant(userID) {
		return storage.ErrNotParticipant
	}
	return nil
}

// fail maps a store error onto its HTTP status. Persistence failures are
// logged and reported without their cause.
func (h *handlers) fail(c *gin.Context, err error) {
	switch {
	case errors.Is(err, storage.ErrInvalidArgument):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	case errors.Is(err, storage.ErrNotParticipant):
		c.JSON(http.StatusForbidden, gin.H{"error": err.Error()})
	case errors.Is(err, storage.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
	default:
		h.logger.Error("store operation failed",
			slog.String("path", c.FullPath()),
			slog.String("user_id", callerID(c)),
			slog.Any("error", err),
		)
		c.JSON(http.StatusInternalServerError, gin.H{"error": ErrPersistence.Error()})
	}
}
