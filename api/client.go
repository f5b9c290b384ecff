package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"gochat/models"
)

// DefaultClientTimeout bounds one HTTP round trip.
const DefaultClientTimeout = 10 * time.Second

// ClientOptions configures a Client.
type ClientOptions struct {
	// BaseURL is the relay root, e.g. http://host:port.
	BaseURL string
	// Token returns the caller's session token for each request.
	Token      func() string
	HTTPClient *http.Client
}

// Client calls the HTTP API on behalf of one signed-in user. Every call is
// made once; failures are returned, never retried.
type Client struct {
	base  *url.URL
	token func() string
	http  *http.Client
}

// NewClient builds a Client for opts.BaseURL.
func NewClient(opts ClientOptions) (*Client, error) {
	base, err := url.Parse(strings.TrimRight(strings.TrimSpace(opts.BaseURL), "/"))
	if err != nil {
		return nil, fmt.Errorf("parse base url: %w", err)
	}
	if base.Scheme != "http" && base.Scheme != "https" {
		return nil, fmt.Errorf("base url %q must be http or https", opts.BaseURL)
	}
	if opts.Token == nil {
		return nil, errors.New("token source is required")
	}
	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: DefaultClientTimeout}
	}
	return &Client{base: base, token: opts.Token, http: httpClient}, nil
}

// GetOrCreateConversation returns the caller's conversation with peerID.
func (c *Client) GetOrCreateConversation(ctx context.Context, peerID string) (models.Conversation, error) {
	var conversation models.Conversation
	err := c.do(ctx, http.MethodPost, "/conversations", openConversationRequest{PeerID: peerID}, &conversation)
	return conversation, err
}

// ListConversations returns the caller's conversations, most recent first.
func (c *Client) ListConversations(ctx context.Context) ([]models.Conversation, error) {
	var conversations []models.Conversation
	err := c.do(ctx, http.MethodGet, "/conversations", nil, &conversations)
	return conversations, err
}

// ListMessages returns the history the caller sees, oldest first.
func (c *Client) ListMessages(ctx context.Context, conversationID string) ([]models.Message, error) {
	var messages []models.Message
	err := c.do(ctx, http.MethodGet, conversationPath(conversationID, "messages"), nil, &messages)
	return messages, err
}

// CreateMessage persists a message from the caller and returns it with its
// authoritative id.
func (c *Client) CreateMessage(ctx context.Context, conversationID, receiverID, text string) (models.Message, error) {
	var message models.Message
	err := c.do(ctx, http.MethodPost, conversationPath(conversationID, "messages"),
		createMessageRequest{ReceiverID: receiverID, Text: text}, &message)
	return message, err
}

// MarkRead resets the caller's unread counter for conversationID.
func (c *Client) MarkRead(ctx context.Context, conversationID string) error {
	return c.do(ctx, http.MethodPost, conversationPath(conversationID, "read"), nil, nil)
}

// HideMessage deletes a message for the caller only.
func (c *Client) HideMessage(ctx context.Context, conversationID, messageID string) error {
	return c.do(ctx, http.MethodPost, conversationPath(conversationID, "messages", messageID, "hide"), nil, nil)
}

// ClearMessage deletes a message's text for both participants.
func (c *Client) ClearMessage(ctx context.Context, conversationID, messageID string) error {
	return c.do(ctx, http.MethodPost, conversationPath(conversationID, "messages", messageID, "clear"), nil, nil)
}

// UpdateProfile sets the caller's display name and avatar.
func (c *Client) UpdateProfile(ctx context.Context, name, avatar string) (models.Profile, error) {
	var profile models.Profile
	err := c.do(ctx, http.MethodPut, "/profile", updateProfileRequest{Name: name, Avatar: avatar}, &profile)
	return profile, err
}

// Profile returns a user's public profile.
func (c *Client) Profile(ctx context.Context, userID string) (models.Profile, error) {
	var profile models.Profile
	err := c.do(ctx, http.MethodGet, "/profiles/"+url.PathEscape(userID), nil, &profile)
	return profile, err
}

func conversationPath(conversationID string, parts ...string) string {
	segments := []string{"/conversations", url.PathEscape(conversationID)}
	for _, part := range parts {
		segments = append(segments, url.PathEscape(part))
	}
	return strings.Join(segments, "/")
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode %s %s: %w", method, path, err)
		}
		reader = bytes.NewReader(raw)
	}

	endpoint := c.base.String() + "/api/v1" + path
	req, err := http.NewRequestWithContext(ctx, method, endpoint, reader)
	if err != nil {
		return fmt.Errorf("build %s %s: %w", method, path, err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	if token := c.token(); token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		var failure struct {
			Error string `json:"error"`
		}
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
		_ = json.Unmarshal(raw, &failure)
		return &StatusError{StatusCode: resp.StatusCode, Message: failure.Error}
	}

	if out == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s %s: %w", method, path, err)
	}
	return nil
}
