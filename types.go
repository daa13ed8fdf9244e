package oceanchat

import (
	"strings"
	"time"
)

// ============================================================================
// Enums
// ============================================================================

// ConversationType classifies a conversation.
type ConversationType string

const (
	ConversationDirect ConversationType = "direct"
	ConversationGroup  ConversationType = "group"
	// ConversationSelf is the user's notes-to-self channel. The wire value
	// is "myself", matching the backend enum.
	ConversationSelf ConversationType = "myself"
)

// ParticipantRole is a participant's role within one conversation.
type ParticipantRole string

const (
	RoleAdmin  ParticipantRole = "admin"
	RoleMember ParticipantRole = "member"
)

// NotificationType classifies a friend-request notification record.
type NotificationType string

const (
	NotificationFriendRequest  NotificationType = "friend_request"
	NotificationFriendAccepted NotificationType = "accept_friend_request"
	NotificationFriendDenied   NotificationType = "reject_friend_request"
)

// NotificationStatus is the lifecycle state of a friend-request record.
// pending is the only non-terminal state.
type NotificationStatus string

const (
	StatusPending   NotificationStatus = "pending"
	StatusAccepted  NotificationStatus = "accepted"
	StatusRejected  NotificationStatus = "rejected"
	StatusCancelled NotificationStatus = "cancelled"
)

// Relationship is the derived classification between the current user and
// another user. It is computed on demand, never stored.
type Relationship string

const (
	RelationNone            Relationship = "none"
	RelationPendingSent     Relationship = "pending_sent"
	RelationPendingReceived Relationship = "pending_received"
	RelationFriend          Relationship = "friend"
)

// FriendAction is a response to a pending friend request.
type FriendAction string

const (
	FriendAccept FriendAction = "accept"
	FriendDeny   FriendAction = "deny"
	FriendCancel FriendAction = "cancel"
)

// ============================================================================
// Domain entities
// ============================================================================

// User is a directory entry. Username may be empty or the "Unknown"
// placeholder until lazily enriched after login.
type User struct {
	ID       string `json:"id"`
	Username string `json:"username"`
	Name     string `json:"name,omitempty"`
	Email    string `json:"email,omitempty"`
}

// UserRef is a lightweight by-id reference with a resolved display handle.
type UserRef struct {
	ID       string `json:"id"`
	Username string `json:"username"`
}

// SystemSender is the sentinel sender for server-generated messages.
var SystemSender = UserRef{ID: "", Username: "System"}

// Id namespaces for locally-synthesized message ids. Server-issued ids
// never carry these prefixes, which keeps the two spaces distinguishable.
const (
	localIDPrefix = "local-"
	pushIDPrefix  = "ws-"
)

// Message is one entry in a conversation's history.
type Message struct {
	ID             string    `json:"id"`
	ConversationID string    `json:"conversationId"`
	Content        string    `json:"content"`
	Sender         UserRef   `json:"sender"`
	CreatedAt      time.Time `json:"createdAt"`
}

// IsLocal reports whether the message id was synthesized client-side and
// never confirmed by the server.
func (m Message) IsLocal() bool {
	return strings.HasPrefix(m.ID, localIDPrefix)
}

// IsSystem reports whether the message has the no-sender sentinel.
func (m Message) IsSystem() bool {
	return m.Sender.ID == ""
}

// Participant is a conversation-scoped membership record. Username is the
// resolved display name; when the raw username is unresolved the name or
// email stands in for it.
type Participant struct {
	UserID   string          `json:"userId"`
	Username string          `json:"username"`
	Role     ParticipantRole `json:"role"`
}

// Conversation is an ordered-membership channel. A direct conversation has
// exactly two participants and doubles as the friendship record: deleting
// it is how "unfriend" is modeled.
type Conversation struct {
	ID           string           `json:"id"`
	Type         ConversationType `json:"type"`
	Name         string           `json:"name"`
	CreatorID    string           `json:"creatorId"`
	Participants []Participant    `json:"participants"`
	LastMessage  *Message         `json:"lastMessage,omitempty"`
}

// HasParticipant reports whether userID is a member of the conversation.
func (c *Conversation) HasParticipant(userID string) bool {
	for _, p := range c.Participants {
		if p.UserID == userID {
			return true
		}
	}
	return false
}

// Notification is a friend-request record with resolved sender/recipient
// handles. Terminal-state records stay visible in the "all" view but are
// excluded from relationship derivation.
type Notification struct {
	ID        string             `json:"id"`
	Type      NotificationType   `json:"type"`
	Status    NotificationStatus `json:"status"`
	Sender    UserRef            `json:"sender"`
	Recipient UserRef            `json:"recipient"`
	Content   string             `json:"content,omitempty"`
	IsRead    bool               `json:"isRead"`
}

// NotificationRecord is the unresolved wire form: sender and recipient are
// bare ids that the store resolves through the user directory.
type NotificationRecord struct {
	ID          string             `json:"id"`
	Type        NotificationType   `json:"type"`
	Status      NotificationStatus `json:"status"`
	IsRead      bool               `json:"isRead"`
	Content     string             `json:"content"`
	SenderID    string             `json:"senderId"`
	RecipientID string             `json:"recipientId"`
}

// Session is the identity collaborator's view of a signed-in user.
type Session struct {
	UserID      string `json:"userId"`
	Username    string `json:"username"`
	Email       string `json:"email"`
	AccessToken string `json:"accessToken"`
}

// User converts the session identity into a directory entry.
func (s Session) User() User {
	return User{ID: s.UserID, Username: s.Username, Email: s.Email}
}

// CreateConversationInput describes a conversation to create. For direct
// conversations Name is derived server-side from the other participant.
type CreateConversationInput struct {
	Type           ConversationType
	Name           string
	ParticipantIDs []string
}
