package oceanchat

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
)

const (
	DefaultBaseURL = "http://localhost:3000"
	DefaultTimeout = 30 * time.Second
)

// ErrUnauthorized marks request failures caused by an expired or invalid
// session. APIError unwraps to it so callers can errors.Is against it.
var ErrUnauthorized = errors.New("unauthorized")

// APIError is a non-2xx response from the chat service.
type APIError struct {
	Status  int
	Message string
}

func (e *APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("api error: HTTP %d", e.Status)
	}
	return fmt.Sprintf("api error: %s (HTTP %d)", e.Message, e.Status)
}

func (e *APIError) Unwrap() error {
	if e.Status == http.StatusUnauthorized || e.Status == http.StatusForbidden {
		return ErrUnauthorized
	}
	return nil
}

// ============================================================================
// Client
// ============================================================================

// Client talks to the chat service's request/response API. It is safe for
// use from multiple goroutines once configured.
type Client struct {
	baseURL        string
	token          string
	httpClient     *http.Client
	onUnauthorized func()
}

type ClientOption func(*Client)

func WithBaseURL(u string) ClientOption {
	return func(c *Client) { c.baseURL = strings.TrimRight(u, "/") }
}

func WithTimeout(timeout time.Duration) ClientOption {
	return func(c *Client) { c.httpClient.Timeout = timeout }
}

func WithHTTPClient(client *http.Client) ClientOption {
	return func(c *Client) { c.httpClient = client }
}

func WithToken(token string) ClientOption {
	return func(c *Client) { c.token = token }
}

// NewClient creates a chat service client. token may be empty before login.
func NewClient(opts ...ClientOption) *Client {
	c := &Client{
		baseURL: DefaultBaseURL,
		httpClient: &http.Client{
			Timeout: DefaultTimeout,
		},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// SetToken sets or replaces the bearer token after login.
func (c *Client) SetToken(token string) {
	c.token = token
}

// OnUnauthorized registers the logout broadcast: fn runs whenever any
// request fails with an authorization error.
func (c *Client) OnUnauthorized(fn func()) {
	c.onUnauthorized = fn
}

// ============================================================================
// Internal request helpers
// ============================================================================

func (c *Client) doRequest(ctx context.Context, method, path string, body interface{}, query map[string]string) ([]byte, error) {
	var bodyReader io.Reader
	contentType := ""
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal request: %w", err)
		}
		bodyReader = bytes.NewReader(b)
		contentType = "application/json"
	}
	return c.do(ctx, method, path, bodyReader, contentType, query)
}

// doForm sends an application/x-www-form-urlencoded request. The auth
// endpoints expect form bodies rather than JSON.
func (c *Client) doForm(ctx context.Context, method, path string, form url.Values) ([]byte, error) {
	return c.do(ctx, method, path, strings.NewReader(form.Encode()), "application/x-www-form-urlencoded", nil)
}

func (c *Client) do(ctx context.Context, method, path string, body io.Reader, contentType string, query map[string]string) ([]byte, error) {
	u := c.baseURL + path
	if len(query) > 0 {
		params := url.Values{}
		for k, v := range query {
			params.Set(k, v)
		}
		u += "?" + params.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, method, u, body)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		apiErr := &APIError{Status: resp.StatusCode}
		var payload struct {
			Message string `json:"message"`
		}
		if json.Unmarshal(data, &payload) == nil {
			apiErr.Message = payload.Message
		}
		if errors.Is(apiErr, ErrUnauthorized) && c.onUnauthorized != nil {
			c.onUnauthorized()
		}
		return nil, apiErr
	}
	return data, nil
}

func decodeJSON[T any](data []byte) (*T, error) {
	var result T
	if err := json.Unmarshal(data, &result); err != nil {
		return nil, fmt.Errorf("failed to unmarshal response: %w", err)
	}
	return &result, nil
}

// ============================================================================
// Auth endpoints
// ============================================================================

// Login authenticates with username/password and returns the session. The
// caller is responsible for calling SetToken with the returned token.
func (c *Client) Login(ctx context.Context, username, password string) (*Session, error) {
	form := url.Values{}
	form.Set("username", username)
	form.Set("password", password)
	data, err := c.doForm(ctx, "POST", "/auth/login", form)
	if err != nil {
		return nil, err
	}
	return decodeJSON[Session](data)
}

// Register creates an account. The server responds with a code/message
// pair; only failure is interesting to the caller.
func (c *Client) Register(ctx context.Context, username, password, email string) error {
	form := url.Values{}
	form.Set("username", username)
	form.Set("password", password)
	form.Set("email", email)
	_, err := c.doForm(ctx, "POST", "/auth/register", form)
	return err
}

// Logout invalidates the server-side session.
func (c *Client) Logout(ctx context.Context) error {
	_, err := c.doRequest(ctx, "POST", "/auth/logout", map[string]string{}, nil)
	return err
}

// ============================================================================
// Wire shapes (request/response DTOs)
// ============================================================================

const unknownUsername = "Unknown"

// displayName picks the best handle available: username unless it is empty
// or the unresolved placeholder, then name, then email.
func displayName(username, name, email string) string {
	if username != "" && username != unknownUsername {
		return username
	}
	if name != "" {
		return name
	}
	if email != "" {
		return email
	}
	return unknownUsername
}

type wireUser struct {
	ID       string `json:"id"`
	Username string `json:"username"`
	Name     string `json:"name,omitempty"`
	Email    string `json:"email,omitempty"`
}

type wireConversation struct {
	ID        string           `json:"id"`
	Type      ConversationType `json:"type"`
	Name      string           `json:"name"`
	LastEvent string           `json:"lastEvent,omitempty"`
	Creator   UserRef          `json:"creator"`
}

type wireParticipant struct {
	User wireUser        `json:"user"`
	Role ParticipantRole `json:"role"`
}

type wireMessage struct {
	ID       string  `json:"id"`
	Content  string  `json:"content"`
	SenderID *string `json:"senderId"`
}

// conversationItem is one element of the conversations snapshot: the
// conversation, its participants, and a trailing slice of recent messages
// whose last element feeds the lastMessage denormalization.
type conversationItem struct {
	Conversation wireConversation  `json:"conversation"`
	Participants []wireParticipant `json:"participants"`
	Messages     []wireMessage     `json:"messages"`
}

func (item *conversationItem) toConversation() Conversation {
	conv := Conversation{
		ID:        item.Conversation.ID,
		Type:      item.Conversation.Type,
		Name:      item.Conversation.Name,
		CreatorID: item.Conversation.Creator.ID,
	}
	for _, p := range item.Participants {
		conv.Participants = append(conv.Participants, Participant{
			UserID:   p.User.ID,
			Username: displayName(p.User.Username, p.User.Name, p.User.Email),
			Role:     p.Role,
		})
	}
	if len(item.Messages) > 0 {
		last := item.Messages[len(item.Messages)-1]
		msg := &Message{
			ID:             last.ID,
			ConversationID: conv.ID,
			Content:        last.Content,
			Sender:         SystemSender,
		}
		if last.SenderID != nil && *last.SenderID != "" {
			msg.Sender = UserRef{ID: *last.SenderID, Username: unknownUsername}
			for _, p := range conv.Participants {
				if p.UserID == *last.SenderID {
					msg.Sender.Username = p.Username
					break
				}
			}
		}
		conv.LastMessage = msg
	}
	return conv
}

// messageItem is one element of the message-history page. The service maps
// the entity's content field to "message" on this endpoint.
type messageItem struct {
	ID             string   `json:"id"`
	Sender         *UserRef `json:"sender"`
	ConversationID string   `json:"conversationId"`
	Message        string   `json:"message"`
	CreatedAt      string   `json:"createdAt,omitempty"`
}

// ============================================================================
// Conversation endpoints
// ============================================================================

// GetConversations fetches the server's full conversation snapshot for the
// user, mapped to the domain model.
func (c *Client) GetConversations(ctx context.Context, userID string) ([]Conversation, error) {
	data, err := c.doRequest(ctx, "GET", "/v1/conversations", nil, map[string]string{"userId": userID})
	if err != nil {
		return nil, err
	}
	var items []conversationItem
	if err := json.Unmarshal(data, &items); err != nil {
		return nil, fmt.Errorf("failed to unmarshal conversations: %w", err)
	}
	conversations := make([]Conversation, 0, len(items))
	for i := range items {
		conversations = append(conversations, items[i].toConversation())
	}
	return conversations, nil
}

// GetMessages fetches one page of a conversation's history.
func (c *Client) GetMessages(ctx context.Context, conversationID string, limit, offset int) ([]Message, error) {
	data, err := c.doRequest(ctx, "GET", "/v1/conversation/messages", nil, map[string]string{
		"conversationId": conversationID,
		"limit":          fmt.Sprintf("%d", limit),
		"offset":         fmt.Sprintf("%d", offset),
	})
	if err != nil {
		return nil, err
	}
	var items []messageItem
	if err := json.Unmarshal(data, &items); err != nil {
		return nil, fmt.Errorf("failed to unmarshal messages: %w", err)
	}
	messages := make([]Message, 0, len(items))
	for _, item := range items {
		msg := Message{
			ID:             item.ID,
			ConversationID: item.ConversationID,
			Content:        item.Message,
			Sender:         SystemSender,
		}
		if item.Sender != nil && item.Sender.ID != "" {
			msg.Sender = *item.Sender
		}
		// The history endpoint does not return timestamps yet; stamp with
		// receipt time so ordering among freshly loaded pages holds.
		if t, err := time.Parse(time.RFC3339, item.CreatedAt); err == nil {
			msg.CreatedAt = t
		} else {
			msg.CreatedAt = time.Now()
		}
		messages = append(messages, msg)
	}
	return messages, nil
}

// CreateConversation creates a conversation and returns the full
// conversation object, participants included, from the response payload.
func (c *Client) CreateConversation(ctx context.Context, input CreateConversationInput) (*Conversation, error) {
	name := input.Name
	if name == "" {
		name = "New Conversation"
	}
	payload := map[string]interface{}{
		"conversation": map[string]string{
			"type": string(input.Type),
			"name": name,
		},
		"participantIds": input.ParticipantIDs,
	}
	data, err := c.doRequest(ctx, "POST", "/v1/conversation/group", payload, nil)
	if err != nil {
		return nil, err
	}
	item, err := decodeJSON[conversationItem](data)
	if err != nil {
		return nil, err
	}
	conv := item.toConversation()
	return &conv, nil
}

// SendMessage posts a message. The service does not echo a canonical
// message id back, so there is nothing to return on success.
func (c *Client) SendMessage(ctx context.Context, conversationID, content string) error {
	_, err := c.doRequest(ctx, "POST", "/v1/conversation/message", map[string]string{
		"conversationId": conversationID,
		"message":        content,
	}, nil)
	return err
}

// AddParticipants adds users to an existing conversation.
func (c *Client) AddParticipants(ctx context.Context, conversationID string, userIDs []string) error {
	_, err := c.doRequest(ctx, "POST", "/v1/conversation/participants", map[string]interface{}{
		"conversationId": conversationID,
		"participantIds": userIDs,
	}, nil)
	return err
}

// DeleteConversation removes a conversation. Deleting a direct
// conversation is how unfriending is effected.
func (c *Client) DeleteConversation(ctx context.Context, conversationID string) error {
	_, err := c.doRequest(ctx, "DELETE", "/v1/conversation", nil, map[string]string{
		"conversationId": conversationID,
	})
	return err
}

// ============================================================================
// Profile endpoints
// ============================================================================

// GetUsers fetches the user directory.
func (c *Client) GetUsers(ctx context.Context) ([]User, error) {
	data, err := c.doRequest(ctx, "GET", "/v1/profile/users", nil, nil)
	if err != nil {
		return nil, err
	}
	var users []User
	if err := json.Unmarshal(data, &users); err != nil {
		return nil, fmt.Errorf("failed to unmarshal users: %w", err)
	}
	return users, nil
}

// GetUser fetches a single profile by id.
func (c *Client) GetUser(ctx context.Context, userID string) (User, error) {
	data, err := c.doRequest(ctx, "GET", "/v1/profile/user", nil, map[string]string{"userId": userID})
	if err != nil {
		return User{}, err
	}
	var user User
	if err := json.Unmarshal(data, &user); err != nil {
		return User{}, fmt.Errorf("failed to unmarshal user: %w", err)
	}
	return user, nil
}

// ============================================================================
// Notification endpoints
// ============================================================================

// SendFriendRequest creates a pending friend-request record.
func (c *Client) SendFriendRequest(ctx context.Context, userID, username string) error {
	_, err := c.doRequest(ctx, "POST", "/v1/notification/friend-request", map[string]interface{}{
		"recipient": UserRef{ID: userID, Username: username},
	}, nil)
	return err
}

// RespondFriendRequest resolves a pending request. target is the other
// party of the response: the original sender when accepting or denying,
// the original recipient when cancelling.
func (c *Client) RespondFriendRequest(ctx context.Context, notificationID, targetID, targetUsername string, action FriendAction) error {
	switch action {
	case FriendAccept, FriendDeny, FriendCancel:
	default:
		return fmt.Errorf("unknown friend action %q", action)
	}
	_, err := c.doRequest(ctx, "POST", "/v1/notification/friend-request/"+string(action), map[string]interface{}{
		"notificationId": notificationID,
		"recipient":      UserRef{ID: targetID, Username: targetUsername},
	}, nil)
	return err
}

// GetNotifications fetches every notification record involving the
// authenticated user, unresolved. Filtering into the two store views and
// id-to-user resolution happen in the store.
func (c *Client) GetNotifications(ctx context.Context) ([]NotificationRecord, error) {
	data, err := c.doRequest(ctx, "GET", "/v1/notifications", nil, nil)
	if err != nil {
		return nil, err
	}
	var records []NotificationRecord
	if err := json.Unmarshal(data, &records); err != nil {
		return nil, fmt.Errorf("failed to unmarshal notifications: %w", err)
	}
	return records, nil
}

// MarkNotificationsAsRead flips every notification addressed to the user
// to read, server-side.
func (c *Client) MarkNotificationsAsRead(ctx context.Context) error {
	_, err := c.doRequest(ctx, "PUT", "/v1/notifications/read", nil, nil)
	return err
}
