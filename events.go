package oceanchat

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// ApplyEvent reconciles one push event into the store. Events carry
// different trust levels: message events hold their payload and apply
// directly, notification events are refetch triggers whose payload text
// is never parsed for record details. Unknown event types are dropped.
func (s *ChatStore) ApplyEvent(ev Event) {
	h, ok := s.handlers[ev.Type]
	if !ok {
		s.logger.Debug("dropping unhandled push event", "type", ev.Type)
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), eventApplyTimeout)
	defer cancel()
	h(ctx, ev)
}

// BindRealtime subscribes the store to every event type it reconciles and
// arranges a full resync on every successful connect, covering both the
// initial snapshot and gap recovery after an outage (the push channel
// never replays missed events). Returns an unbind function.
func (s *ChatStore) BindRealtime(src EventSource) func() {
	types := []string{
		EventMessageCreated,
		EventConversationCreated,
		EventParticipantsAdded,
		EventFriendRequest,
		EventFriendRequestAccept,
		EventFriendRequestCancel,
		EventFriendRequestDenied,
	}
	offs := make([]func(), 0, len(types)+1)
	for _, t := range types {
		offs = append(offs, src.On(t, s.ApplyEvent))
	}
	offs = append(offs, src.OnConnected(func() {
		ctx, cancel := context.WithTimeout(context.Background(), eventApplyTimeout)
		defer cancel()
		s.Resync(ctx)
	}))
	return func() {
		for _, off := range offs {
			off()
		}
	}
}

// handleMessageCreated applies an incoming message. The sender's own echo
// is ignored: the optimistic entry added at send time is already the
// local record, and appending the echo would duplicate it. For everyone
// else the owning conversation's summary is updated regardless of which
// conversation is open; the message itself is cached only when its
// conversation is the selected one.
func (s *ChatStore) handleMessageCreated(ctx context.Context, ev Event) {
	senderID := ev.Metadata.SenderID
	conversationID := ev.Metadata.ConversationID
	content := ev.Text()
	if senderID == "" || conversationID == "" {
		s.logger.Warn("dropping message event with incomplete metadata")
		return
	}

	s.mu.Lock()
	if senderID == s.user.ID {
		s.mu.Unlock()
		return
	}
	msg := Message{
		ID:             pushIDPrefix + uuid.NewString(),
		ConversationID: conversationID,
		Content:        content,
		Sender:         UserRef{ID: senderID, Username: s.usernameForLocked(senderID)},
		CreatedAt:      s.now(),
	}
	_, known := s.touchWithMessageLocked(conversationID, &msg)
	if known && s.selected == conversationID {
		s.appendFromEventLocked(msg)
	}
	s.mu.Unlock()

	if !known {
		// A message for a conversation we have never seen means the local
		// snapshot is behind; reload rather than guess.
		s.logger.Info("message event for unknown conversation, resyncing",
			"conversationId", conversationID)
		s.Resync(ctx)
	}
}

// wsConversationPayload is the nested body of a conversation.created
// event. Older gateway versions omit the conversation object, in which
// case only a snapshot reload can reconstruct the state.
type wsConversationPayload struct {
	Conversation *conversationItem `json:"conversation"`
}

func (s *ChatStore) handleConversationCreated(ctx context.Context, ev Event) {
	var payload wsConversationPayload
	if err := json.Unmarshal(ev.Data, &payload); err == nil &&
		payload.Conversation != nil && payload.Conversation.Conversation.ID != "" {
		conv := payload.Conversation.toConversation()
		s.mu.Lock()
		s.upsertLocked(conv)
		s.mu.Unlock()
		return
	}
	s.logger.Info("conversation event without full payload, reloading snapshot")
	_ = s.LoadConversations(ctx)
}

// wsParticipantsPayload is the body of a membership-change event.
type wsParticipantsPayload struct {
	ConversationID string            `json:"conversationId"`
	Participants   []wireParticipant `json:"participants"`
}

// handleParticipantsAdded merges the payload members into the local
// conversation and schedules a delayed full resync as a backstop: the
// payload carries no role or ordering authority, so the server snapshot
// gets the last word shortly after.
func (s *ChatStore) handleParticipantsAdded(ctx context.Context, ev Event) {
	var payload wsParticipantsPayload
	if err := json.Unmarshal(ev.Data, &payload); err != nil {
		s.logger.Warn("dropping undecodable participants event", "error", err)
		return
	}
	conversationID := payload.ConversationID
	if conversationID == "" {
		conversationID = ev.Metadata.ConversationID
	}

	incoming := make([]Participant, 0, len(payload.Participants))
	for _, p := range payload.Participants {
		incoming = append(incoming, Participant{
			UserID:   p.User.ID,
			Username: displayName(p.User.Username, p.User.Name, p.User.Email),
			Role:     p.Role,
		})
	}

	s.mu.Lock()
	_, known := s.mergeParticipantsLocked(conversationID, incoming)
	s.mu.Unlock()

	if !known {
		s.Resync(ctx)
		return
	}
	s.scheduleResync()
}

// handleNotificationTrigger covers friend request, cancel, and deny
// events. The event proves only that the notification set changed; the
// authoritative records come from a refetch.
func (s *ChatStore) handleNotificationTrigger(ctx context.Context, ev Event) {
	_ = s.RefreshNotifications(ctx)
}

// handleFriendAccepted additionally reloads conversations: acceptance
// creates the direct conversation, and the friend relationship derives
// from its existence.
func (s *ChatStore) handleFriendAccepted(ctx context.Context, ev Event) {
	_ = s.RefreshNotifications(ctx)
	_ = s.LoadConversations(ctx)
}

// scheduleResync arms the delayed-resync backstop if it is not already
// pending. Coalescing bursts into one reload keeps event storms cheap.
func (s *ChatStore) scheduleResync() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.resyncTimer != nil {
		return
	}
	s.resyncTimer = time.AfterFunc(s.resyncDelay, func() {
		s.mu.Lock()
		s.resyncTimer = nil
		s.mu.Unlock()

		ctx, cancel := context.WithTimeout(context.Background(), eventApplyTimeout)
		defer cancel()
		s.Resync(ctx)
	})
}
