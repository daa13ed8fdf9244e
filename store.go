package oceanchat

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// ChatService is the request/response collaborator the store depends on.
// *Client implements it; tests substitute a fake.
type ChatService interface {
	GetConversations(ctx context.Context, userID string) ([]Conversation, error)
	GetMessages(ctx context.Context, conversationID string, limit, offset int) ([]Message, error)
	CreateConversation(ctx context.Context, input CreateConversationInput) (*Conversation, error)
	SendMessage(ctx context.Context, conversationID, content string) error
	GetUsers(ctx context.Context) ([]User, error)
	GetUser(ctx context.Context, userID string) (User, error)
	SendFriendRequest(ctx context.Context, userID, username string) error
	RespondFriendRequest(ctx context.Context, notificationID, targetID, targetUsername string, action FriendAction) error
	GetNotifications(ctx context.Context) ([]NotificationRecord, error)
	MarkNotificationsAsRead(ctx context.Context) error
	AddParticipants(ctx context.Context, conversationID string, userIDs []string) error
	DeleteConversation(ctx context.Context, conversationID string) error
}

var _ ChatService = (*Client)(nil)

const (
	// dedupWindow is the tolerance for recognizing a push-delivered message
	// as the same real-world event as one already cached. The push path
	// carries no message id, so sender+content+time is the correlation key.
	dedupWindow = 2 * time.Second

	defaultMessagePageSize = 50
	defaultResyncDelay     = 2 * time.Second
	eventApplyTimeout      = 15 * time.Second
)

// StoreOptions tunes a ChatStore. Zero values pick defaults.
type StoreOptions struct {
	Logger *slog.Logger
	// Clock overrides the timestamp source, for tests.
	Clock func() time.Time
	// ResyncDelay is the lag before the delayed full-resync backstop runs
	// after a participant merge.
	ResyncDelay     time.Duration
	MessagePageSize int
}

// ChatStore is the synchronization core: it owns the conversation list,
// the open conversation's message cache, both notification views, and the
// user directory, and reconciles optimistic local mutations with push
// events and server snapshots.
//
// All mutation goes through its methods; a single mutex makes each
// mutation atomic relative to every other. The rendering layer only reads
// snapshot copies. Lifecycle is tied to the authenticated session:
// construct after login, Reset on logout or forced session expiry.
type ChatStore struct {
	svc         ChatService
	logger      *slog.Logger
	now         func() time.Time
	resyncDelay time.Duration
	pageSize    int
	handlers    map[string]func(context.Context, Event)

	mu            sync.Mutex
	user          User
	conversations []*Conversation
	selected      string
	fetchSeq      uint64
	messages      []Message
	users         map[string]User
	inbox         []Notification // addressed to me
	all           []Notification // all involving me
	resyncTimer   *time.Timer
}

// NewChatStore creates the store for one signed-in user.
func NewChatStore(svc ChatService, user User, opts *StoreOptions) *ChatStore {
	s := &ChatStore{
		svc:         svc,
		logger:      slog.Default(),
		now:         time.Now,
		resyncDelay: defaultResyncDelay,
		pageSize:    defaultMessagePageSize,
		user:        user,
		users:       map[string]User{user.ID: user},
	}
	if opts != nil {
		if opts.Logger != nil {
			s.logger = opts.Logger
		}
		if opts.Clock != nil {
			s.now = opts.Clock
		}
		if opts.ResyncDelay > 0 {
			s.resyncDelay = opts.ResyncDelay
		}
		if opts.MessagePageSize > 0 {
			s.pageSize = opts.MessagePageSize
		}
	}
	s.handlers = map[string]func(context.Context, Event){
		EventMessageCreated:      s.handleMessageCreated,
		EventConversationCreated: s.handleConversationCreated,
		EventParticipantsAdded:   s.handleParticipantsAdded,
		EventFriendRequest:       s.handleNotificationTrigger,
		EventFriendRequestAccept: s.handleFriendAccepted,
		EventFriendRequestCancel: s.handleNotificationTrigger,
		EventFriendRequestDenied: s.handleNotificationTrigger,
	}
	return s
}

// CurrentUser returns the signed-in identity.
func (s *ChatStore) CurrentUser() User {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.user
}

// ============================================================================
// Conversation store
// ============================================================================

// LoadConversations replaces the conversation list with the server's
// current snapshot. On failure prior state is left intact.
func (s *ChatStore) LoadConversations(ctx context.Context) error {
	s.mu.Lock()
	userID := s.user.ID
	s.mu.Unlock()

	convs, err := s.svc.GetConversations(ctx, userID)
	if err != nil {
		s.logger.Warn("conversation snapshot load failed", "error", err)
		return fmt.Errorf("load conversations: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.conversations = make([]*Conversation, 0, len(convs))
	for i := range convs {
		c := convs[i]
		c.Participants = uniqueParticipants(c.Participants)
		s.conversations = append(s.conversations, &c)
	}
	return nil
}

// Conversations returns a snapshot of the list, most recently active
// first.
func (s *ChatStore) Conversations() []Conversation {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Conversation, 0, len(s.conversations))
	for _, c := range s.conversations {
		cc := *c
		cc.Participants = append([]Participant(nil), c.Participants...)
		if c.LastMessage != nil {
			m := *c.LastMessage
			cc.LastMessage = &m
		}
		out = append(out, cc)
	}
	return out
}

func (s *ChatStore) findConversationLocked(id string) (int, *Conversation) {
	for i, c := range s.conversations {
		if c.ID == id {
			return i, c
		}
	}
	return -1, nil
}

// upsertLocked inserts or fully replaces a conversation by id. A known id
// keeps its position; a new conversation joins the front as the most
// recent activity.
func (s *ChatStore) upsertLocked(conv Conversation) {
	conv.Participants = uniqueParticipants(conv.Participants)
	if i, _ := s.findConversationLocked(conv.ID); i >= 0 {
		s.conversations[i] = &conv
		return
	}
	s.conversations = append([]*Conversation{&conv}, s.conversations...)
}

// convSummaryUndo captures the state touchWithMessageLocked overwrites.
type convSummaryUndo struct {
	index       int
	lastMessage *Message
}

// touchWithMessageLocked sets the conversation's lastMessage and moves it
// to the front, preserving the relative order of everything else. Returns
// known=false when the conversation is not in the store, in which case the
// caller must trigger a snapshot reload to self-heal.
func (s *ChatStore) touchWithMessageLocked(conversationID string, msg *Message) (convSummaryUndo, bool) {
	i, c := s.findConversationLocked(conversationID)
	if i < 0 {
		return convSummaryUndo{}, false
	}
	undo := convSummaryUndo{index: i, lastMessage: c.LastMessage}
	c.LastMessage = msg
	copy(s.conversations[1:i+1], s.conversations[:i])
	s.conversations[0] = c
	return undo, true
}

func (s *ChatStore) revertTouchLocked(conversationID string, undo convSummaryUndo) {
	i, c := s.findConversationLocked(conversationID)
	if i < 0 {
		return
	}
	c.LastMessage = undo.lastMessage
	s.conversations = append(s.conversations[:i], s.conversations[i+1:]...)
	at := undo.index
	if at > len(s.conversations) {
		at = len(s.conversations)
	}
	s.conversations = append(s.conversations[:at], append([]*Conversation{c}, s.conversations[at:]...)...)
}

// mergeParticipantsLocked adds only participants whose userId is not
// already present. Duplicates are silently dropped, which makes replayed
// or retried membership events harmless.
func (s *ChatStore) mergeParticipantsLocked(conversationID string, incoming []Participant) (int, bool) {
	_, c := s.findConversationLocked(conversationID)
	if c == nil {
		return 0, false
	}
	added := 0
	for _, p := range incoming {
		if !c.HasParticipant(p.UserID) {
			c.Participants = append(c.Participants, p)
			added++
		}
	}
	return added, true
}

func uniqueParticipants(ps []Participant) []Participant {
	seen := make(map[string]bool, len(ps))
	out := ps[:0]
	for _, p := range ps {
		if seen[p.UserID] {
			continue
		}
		seen[p.UserID] = true
		out = append(out, p)
	}
	return out
}

// ============================================================================
// Message cache
// ============================================================================

// SelectConversation opens a conversation and replaces the visible
// history with a fresh page. Loads are tagged with a fetch sequence: a
// late response for a conversation that is no longer selected is
// discarded instead of overwriting the now-displayed history.
func (s *ChatStore) SelectConversation(ctx context.Context, conversationID string) error {
	s.mu.Lock()
	s.selected = conversationID
	s.fetchSeq++
	seq := s.fetchSeq
	pageSize := s.pageSize
	s.mu.Unlock()

	msgs, err := s.svc.GetMessages(ctx, conversationID, pageSize, 0)

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fetchSeq != seq || s.selected != conversationID {
		return nil // stale in-flight fetch; a newer selection won
	}
	if err != nil {
		s.logger.Warn("message history load failed", "conversationId", conversationID, "error", err)
		return fmt.Errorf("load messages: %w", err)
	}
	s.messages = msgs
	return nil
}

// SelectedConversation returns the id of the open conversation, or "".
func (s *ChatStore) SelectedConversation() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.selected
}

// Messages returns a snapshot of the open conversation's history.
func (s *ChatStore) Messages() []Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Message(nil), s.messages...)
}

// appendFromEventLocked applies the push-path dedup rule: an event is a
// duplicate of a cached entry when sender and content match and the
// timestamps fall within the dedup window.
func (s *ChatStore) appendFromEventLocked(msg Message) bool {
	for _, existing := range s.messages {
		if existing.Sender.ID == msg.Sender.ID &&
			existing.Content == msg.Content &&
			absDuration(msg.CreatedAt.Sub(existing.CreatedAt)) <= dedupWindow {
			return false
		}
	}
	s.messages = append(s.messages, msg)
	return true
}

func (s *ChatStore) discardMessageLocked(messageID string) {
	for i, m := range s.messages {
		if m.ID == messageID {
			s.messages = append(s.messages[:i], s.messages[i+1:]...)
			return
		}
	}
}

func absDuration(d time.Duration) time.Duration {
	if d < 0 {
		return -d
	}
	return d
}

// ============================================================================
// Optimistic mutations
// ============================================================================

// SendMessage appends a locally-synthesized message and updates the owning
// conversation's summary before the request is issued. On rejection the
// optimistic entry is discarded, the summary reverted, and the
// conversation snapshot reloaded: partial server effects of a failed send
// are unknowable, so local state cannot be trusted. On success the
// optimistic entry stays as the permanent local record; the service never
// echoes a canonical id, and the push echo of our own send is ignored.
func (s *ChatStore) SendMessage(ctx context.Context, conversationID, content string) error {
	s.mu.Lock()
	if s.user.ID == "" {
		s.mu.Unlock()
		return fmt.Errorf("send message: no signed-in user")
	}
	msg := Message{
		ID:             localIDPrefix + uuid.NewString(),
		ConversationID: conversationID,
		Content:        content,
		Sender:         UserRef{ID: s.user.ID, Username: displayName(s.user.Username, s.user.Name, s.user.Email)},
		CreatedAt:      s.now(),
	}
	if s.selected == conversationID {
		s.messages = append(s.messages, msg)
	}
	undo, known := s.touchWithMessageLocked(conversationID, &msg)
	s.mu.Unlock()

	err := s.svc.SendMessage(ctx, conversationID, content)
	if err == nil {
		if !known {
			// Sent into a conversation the snapshot has never seen; reload
			// so the summary catches up.
			_ = s.LoadConversations(ctx)
		}
		return nil
	}

	s.mu.Lock()
	s.discardMessageLocked(msg.ID)
	if known {
		s.revertTouchLocked(conversationID, undo)
	}
	s.mu.Unlock()
	_ = s.LoadConversations(ctx)
	return fmt.Errorf("send message: %w", err)
}

// CreateConversation creates a conversation through the service and
// inserts the full object from the response payload. The insert is an
// upsert, so a subsequent push event describing the same creation is
// harmless.
func (s *ChatStore) CreateConversation(ctx context.Context, input CreateConversationInput) (*Conversation, error) {
	s.mu.Lock()
	me := s.user.ID
	s.mu.Unlock()

	ids := append([]string(nil), input.ParticipantIDs...)
	found := false
	for _, id := range ids {
		if id == me {
			found = true
			break
		}
	}
	if !found {
		ids = append(ids, me)
	}

	conv, err := s.svc.CreateConversation(ctx, CreateConversationInput{
		Type:           input.Type,
		Name:           input.Name,
		ParticipantIDs: ids,
	})
	if err != nil {
		return nil, fmt.Errorf("create conversation: %w", err)
	}

	s.mu.Lock()
	s.upsertLocked(*conv)
	s.mu.Unlock()
	return conv, nil
}

// AddParticipants adds users to a conversation, merges them into the
// local membership from the directory, and refreshes the snapshot in the
// background for authority.
func (s *ChatStore) AddParticipants(ctx context.Context, conversationID string, userIDs []string) error {
	if err := s.svc.AddParticipants(ctx, conversationID, userIDs); err != nil {
		return fmt.Errorf("add participants: %w", err)
	}

	s.mu.Lock()
	incoming := make([]Participant, 0, len(userIDs))
	for _, id := range userIDs {
		u := s.users[id]
		incoming = append(incoming, Participant{
			UserID:   id,
			Username: displayName(u.Username, u.Name, u.Email),
			Role:     RoleMember,
		})
	}
	_, known := s.mergeParticipantsLocked(conversationID, incoming)
	s.mu.Unlock()

	if !known {
		_ = s.LoadConversations(ctx)
	}
	return nil
}

// Unfriend deletes the direct conversation shared with userID, which is
// how the friendship record is removed.
func (s *ChatStore) Unfriend(ctx context.Context, userID string) error {
	s.mu.Lock()
	var conversationID string
	for _, c := range s.conversations {
		if c.Type == ConversationDirect && c.HasParticipant(userID) {
			conversationID = c.ID
			break
		}
	}
	s.mu.Unlock()

	if conversationID == "" {
		return fmt.Errorf("unfriend: no direct conversation with user %s", userID)
	}
	if err := s.svc.DeleteConversation(ctx, conversationID); err != nil {
		return fmt.Errorf("unfriend: %w", err)
	}

	s.mu.Lock()
	if i, _ := s.findConversationLocked(conversationID); i >= 0 {
		s.conversations = append(s.conversations[:i], s.conversations[i+1:]...)
	}
	if s.selected == conversationID {
		s.selected = ""
		s.messages = nil
		s.fetchSeq++
	}
	s.mu.Unlock()

	_ = s.RefreshNotifications(ctx)
	return nil
}

// ============================================================================
// User directory
// ============================================================================

// LoadUsers merges the server's user directory into the local one.
func (s *ChatStore) LoadUsers(ctx context.Context) error {
	users, err := s.svc.GetUsers(ctx)
	if err != nil {
		s.logger.Warn("user directory load failed", "error", err)
		return fmt.Errorf("load users: %w", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, u := range users {
		s.users[u.ID] = u
	}
	return nil
}

// Users returns the directory sorted by username.
func (s *ChatStore) Users() []User {
	s.mu.Lock()
	out := make([]User, 0, len(s.users))
	for _, u := range s.users {
		out = append(out, u)
	}
	s.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Username < out[j].Username })
	return out
}

// resolveUser turns a bare user id into a display reference, consulting
// the directory first and falling back to a profile fetch that is cached
// on success.
func (s *ChatStore) resolveUser(ctx context.Context, userID string) UserRef {
	s.mu.Lock()
	u, ok := s.users[userID]
	s.mu.Unlock()
	if !ok {
		fetched, err := s.svc.GetUser(ctx, userID)
		if err != nil {
			s.logger.Warn("user lookup failed", "userId", userID, "error", err)
			return UserRef{ID: userID, Username: unknownUsername}
		}
		u = fetched
		s.mu.Lock()
		s.users[userID] = u
		s.mu.Unlock()
	}
	return UserRef{ID: userID, Username: displayName(u.Username, u.Name, u.Email)}
}

func (s *ChatStore) usernameForLocked(userID string) string {
	if u, ok := s.users[userID]; ok {
		return displayName(u.Username, u.Name, u.Email)
	}
	return unknownUsername
}

// ============================================================================
// Notification store
// ============================================================================

// RefreshNotifications refetches both notification views from the
// service. Prior state survives a failed fetch.
func (s *ChatStore) RefreshNotifications(ctx context.Context) error {
	s.mu.Lock()
	me := s.user.ID
	s.mu.Unlock()

	records, err := s.svc.GetNotifications(ctx)
	if err != nil {
		s.logger.Warn("notification refresh failed", "error", err)
		return fmt.Errorf("refresh notifications: %w", err)
	}

	var all, inbox []Notification
	for _, r := range records {
		if r.SenderID != me && r.RecipientID != me {
			continue
		}
		n := Notification{
			ID:        r.ID,
			Type:      r.Type,
			Status:    r.Status,
			Sender:    s.resolveUser(ctx, r.SenderID),
			Recipient: s.resolveUser(ctx, r.RecipientID),
			Content:   r.Content,
			IsRead:    r.IsRead,
		}
		all = append(all, n)
		if r.RecipientID == me {
			inbox = append(inbox, n)
		}
	}

	s.mu.Lock()
	s.all = all
	s.inbox = inbox
	s.mu.Unlock()
	return nil
}

// Notifications returns the actionable view: records addressed to the
// current user.
func (s *ChatStore) Notifications() []Notification {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Notification(nil), s.inbox...)
}

// AllNotifications returns every record involving the current user,
// terminal states included. Relationship derivation reads this view.
func (s *ChatStore) AllNotifications() []Notification {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Notification(nil), s.all...)
}

// MarkAllNotificationsAsRead optimistically flips the read flag on both
// views before the confirming call, and deliberately does not roll back
// on failure: read-state is not safety-critical, the error is only
// logged.
func (s *ChatStore) MarkAllNotificationsAsRead(ctx context.Context) {
	s.mu.Lock()
	for i := range s.inbox {
		s.inbox[i].IsRead = true
	}
	for i := range s.all {
		s.all[i].IsRead = true
	}
	s.mu.Unlock()

	if err := s.svc.MarkNotificationsAsRead(ctx); err != nil {
		s.logger.Warn("mark notifications read failed", "error", err)
	}
}

// ============================================================================
// Friend requests
// ============================================================================

// SendFriendRequest creates a pending request and refreshes the local
// views so the pending_sent relationship is visible immediately.
func (s *ChatStore) SendFriendRequest(ctx context.Context, userID, username string) error {
	if err := s.svc.SendFriendRequest(ctx, userID, username); err != nil {
		return fmt.Errorf("send friend request: %w", err)
	}
	_ = s.RefreshNotifications(ctx)
	return nil
}

// AcceptFriendRequest accepts a pending request from senderID. Acceptance
// creates the direct conversation server-side, so the snapshot is
// reloaded along with the notification views.
func (s *ChatStore) AcceptFriendRequest(ctx context.Context, notificationID, senderID, senderUsername string) error {
	if err := s.svc.RespondFriendRequest(ctx, notificationID, senderID, senderUsername, FriendAccept); err != nil {
		return fmt.Errorf("accept friend request: %w", err)
	}
	_ = s.RefreshNotifications(ctx)
	_ = s.LoadConversations(ctx)
	return nil
}

// DenyFriendRequest denies a pending request from senderID.
func (s *ChatStore) DenyFriendRequest(ctx context.Context, notificationID, senderID, senderUsername string) error {
	if err := s.svc.RespondFriendRequest(ctx, notificationID, senderID, senderUsername, FriendDeny); err != nil {
		return fmt.Errorf("deny friend request: %w", err)
	}
	_ = s.RefreshNotifications(ctx)
	return nil
}

// CancelFriendRequest withdraws a request the current user sent.
func (s *ChatStore) CancelFriendRequest(ctx context.Context, notificationID, recipientID, recipientUsername string) error {
	if err := s.svc.RespondFriendRequest(ctx, notificationID, recipientID, recipientUsername, FriendCancel); err != nil {
		return fmt.Errorf("cancel friend request: %w", err)
	}
	_ = s.RefreshNotifications(ctx)
	return nil
}

// PendingRequestWith returns the first pending friend-request record
// between the current user and otherUserID, in store iteration order.
func (s *ChatStore) PendingRequestWith(otherUserID string) (Notification, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	me := s.user.ID
	for _, n := range s.all {
		if n.Type != NotificationFriendRequest || n.Status != StatusPending {
			continue
		}
		if (n.Sender.ID == me && n.Recipient.ID == otherUserID) ||
			(n.Sender.ID == otherUserID && n.Recipient.ID == me) {
			return n, true
		}
	}
	return Notification{}, false
}

// ============================================================================
// Relationship resolver
// ============================================================================

// Relationship derives the classification between the current user and
// otherUserID from conversation and notification state. An existing
// direct conversation wins over any notification record, including a
// stale pending one left over from before the friendship. Pending records
// are consulted in store iteration order, so duplicate pendings (a bug
// elsewhere) resolve deterministically instead of failing.
func (s *ChatStore) Relationship(otherUserID string) Relationship {
	s.mu.Lock()
	defer s.mu.Unlock()

	if otherUserID != s.user.ID {
		for _, c := range s.conversations {
			if c.Type == ConversationDirect && c.HasParticipant(otherUserID) {
				return RelationFriend
			}
		}
	}
	for _, n := range s.all {
		if n.Type == NotificationFriendRequest && n.Status == StatusPending &&
			n.Sender.ID == s.user.ID && n.Recipient.ID == otherUserID {
			return RelationPendingSent
		}
	}
	for _, n := range s.all {
		if n.Type == NotificationFriendRequest && n.Status == StatusPending &&
			n.Sender.ID == otherUserID && n.Recipient.ID == s.user.ID {
			return RelationPendingReceived
		}
	}
	return RelationNone
}

// ============================================================================
// Lifecycle
// ============================================================================

// Resync reloads the conversation snapshot and both notification views.
// Used after reconnects and as the self-heal path for events the store
// cannot reconcile locally. Failures are logged; prior state survives.
func (s *ChatStore) Resync(ctx context.Context) {
	_ = s.LoadConversations(ctx)
	_ = s.RefreshNotifications(ctx)
}

// Reset tears the store down: every collection is cleared and any pending
// backstop cancelled. Called on logout or forced session expiry.
func (s *ChatStore) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.resyncTimer != nil {
		s.resyncTimer.Stop()
		s.resyncTimer = nil
	}
	s.user = User{}
	s.conversations = nil
	s.selected = ""
	s.fetchSeq++
	s.messages = nil
	s.users = make(map[string]User)
	s.inbox = nil
	s.all = nil
}
