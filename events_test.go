package oceanchat

import (
	"context"
	"encoding/json"
	"strings"
	"testing"
	"time"
)

// ============================================================================
// Event fixtures
// ============================================================================

func messageEvent(senderID, conversationID, content string) Event {
	data, _ := json.Marshal(content)
	return Event{
		Type:     EventMessageCreated,
		Metadata: EventMetadata{SenderID: senderID, ConversationID: conversationID},
		Data:     data,
	}
}

func notificationEvent(eventType, senderID string) Event {
	data, _ := json.Marshal("friend request update")
	return Event{
		Type:     eventType,
		Metadata: EventMetadata{SenderID: senderID},
		Data:     data,
	}
}

// loadedStore returns a store primed with one group and one direct
// conversation, the group selected.
func loadedStore(t *testing.T, svc *fakeService, clock *fakeClock) *ChatStore {
	t.Helper()
	if svc.getConversations == nil {
		svc.getConversations = func(ctx context.Context, userID string) ([]Conversation, error) {
			return []Conversation{groupConv("g1", "grp", "me", "bob"), directConv("d1", "bob", "bob")}, nil
		}
	}
	s := testStore(svc, clock)
	if err := s.LoadConversations(context.Background()); err != nil {
		t.Fatal(err)
	}
	if err := s.SelectConversation(context.Background(), "g1"); err != nil {
		t.Fatal(err)
	}
	return s
}

// ============================================================================
// message.created
// ============================================================================

func TestApplyMessageCreated(t *testing.T) {
	t.Run("appends to the open conversation", func(t *testing.T) {
		svc := newFakeService()
		svc.getUsers = func(ctx context.Context) ([]User, error) {
			return []User{{ID: "bob", Username: "bob"}}, nil
		}
		s := loadedStore(t, svc, nil)
		if err := s.LoadUsers(context.Background()); err != nil {
			t.Fatal(err)
		}

		s.ApplyEvent(messageEvent("bob", "g1", "hey"))

		msgs := s.Messages()
		if len(msgs) != 1 {
			t.Fatalf("expected 1 message, got %d", len(msgs))
		}
		if msgs[0].Content != "hey" || msgs[0].Sender.Username != "bob" {
			t.Fatalf("unexpected message: %+v", msgs[0])
		}
		if !strings.HasPrefix(msgs[0].ID, "ws-") {
			t.Fatalf("expected ws- synthesized id, got %s", msgs[0].ID)
		}
		if lm := s.Conversations()[0].LastMessage; lm == nil || lm.Content != "hey" {
			t.Fatalf("summary not updated: %+v", lm)
		}
	})

	t.Run("ignores the sender's own echo", func(t *testing.T) {
		svc := newFakeService()
		s := loadedStore(t, svc, nil)

		s.ApplyEvent(messageEvent("me", "g1", "my own words"))

		if msgs := s.Messages(); len(msgs) != 0 {
			t.Fatalf("own echo must not append: %+v", msgs)
		}
	})

	t.Run("touches a closed conversation without caching the message", func(t *testing.T) {
		svc := newFakeService()
		s := loadedStore(t, svc, nil)

		s.ApplyEvent(messageEvent("bob", "d1", "psst"))

		if msgs := s.Messages(); len(msgs) != 0 {
			t.Fatalf("closed conversation leaked into the cache: %+v", msgs)
		}
		convs := s.Conversations()
		if convs[0].ID != "d1" {
			t.Fatalf("expected d1 moved to front, got %v", conversationIDs(convs))
		}
		if convs[0].LastMessage == nil || convs[0].LastMessage.Content != "psst" {
			t.Fatalf("summary not updated: %+v", convs[0].LastMessage)
		}
	})

	t.Run("unknown conversation triggers a resync", func(t *testing.T) {
		svc := newFakeService()
		s := loadedStore(t, svc, nil)
		loads := svc.callCount("GetConversations")

		s.ApplyEvent(messageEvent("bob", "mystery", "hello?"))

		if svc.callCount("GetConversations") != loads+1 {
			t.Fatal("expected a snapshot reload for an unknown conversation")
		}
	})

	t.Run("incomplete metadata is dropped", func(t *testing.T) {
		svc := newFakeService()
		s := loadedStore(t, svc, nil)
		loads := svc.callCount("GetConversations")

		s.ApplyEvent(messageEvent("", "g1", "no sender"))
		s.ApplyEvent(messageEvent("bob", "", "no conversation"))

		if len(s.Messages()) != 0 || svc.callCount("GetConversations") != loads {
			t.Fatal("malformed events must be inert")
		}
	})

	t.Run("duplicate within the window is dropped", func(t *testing.T) {
		svc := newFakeService()
		clock := newFakeClock()
		s := loadedStore(t, svc, clock)

		s.ApplyEvent(messageEvent("bob", "g1", "twice"))
		clock.advance(time.Second)
		s.ApplyEvent(messageEvent("bob", "g1", "twice"))

		if msgs := s.Messages(); len(msgs) != 1 {
			t.Fatalf("expected duplicate suppressed, got %d messages", len(msgs))
		}
	})

	t.Run("repeat outside the window is a new message", func(t *testing.T) {
		svc := newFakeService()
		clock := newFakeClock()
		s := loadedStore(t, svc, clock)

		s.ApplyEvent(messageEvent("bob", "g1", "again"))
		clock.advance(3 * time.Second)
		s.ApplyEvent(messageEvent("bob", "g1", "again"))

		if msgs := s.Messages(); len(msgs) != 2 {
			t.Fatalf("expected both messages, got %d", len(msgs))
		}
	})

	t.Run("same content different sender is kept", func(t *testing.T) {
		svc := newFakeService()
		clock := newFakeClock()
		svc.getConversations = func(ctx context.Context, userID string) ([]Conversation, error) {
			return []Conversation{groupConv("g1", "grp", "me", "bob", "carol")}, nil
		}
		s := loadedStore(t, svc, clock)

		s.ApplyEvent(messageEvent("bob", "g1", "+1"))
		s.ApplyEvent(messageEvent("carol", "g1", "+1"))

		if msgs := s.Messages(); len(msgs) != 2 {
			t.Fatalf("expected both senders kept, got %d", len(msgs))
		}
	})
}

// Sending and then receiving the push echo of the same message must leave
// exactly one visible entry.
func TestOptimisticSendThenEcho(t *testing.T) {
	svc := newFakeService()
	clock := newFakeClock()
	s := loadedStore(t, svc, clock)

	if err := s.SendMessage(context.Background(), "g1", "hi"); err != nil {
		t.Fatal(err)
	}
	clock.advance(500 * time.Millisecond)
	s.ApplyEvent(messageEvent("me", "g1", "hi"))

	msgs := s.Messages()
	if len(msgs) != 1 {
		t.Fatalf("expected exactly one message, got %d", len(msgs))
	}
	if msgs[0].Content != "hi" || msgs[0].Sender.ID != "me" || !msgs[0].IsLocal() {
		t.Fatalf("unexpected surviving entry: %+v", msgs[0])
	}
}

// A denied request followed by a later friendship resolves as friend.
func TestDeniedThenFriended(t *testing.T) {
	svc := newFakeService()
	denied := pendingRequest("n1", "bob", "me")
	denied.Status = StatusRejected
	svc.getNotifications = func(ctx context.Context) ([]NotificationRecord, error) {
		return []NotificationRecord{denied}, nil
	}
	svc.getConversations = func(ctx context.Context, userID string) ([]Conversation, error) {
		return nil, nil
	}
	s := testStore(svc, nil)
	if err := s.RefreshNotifications(context.Background()); err != nil {
		t.Fatal(err)
	}
	if got := s.Relationship("bob"); got != RelationNone {
		t.Fatalf("expected none after denial, got %s", got)
	}

	// The friendship later forms through a direct conversation.
	svc.getConversations = func(ctx context.Context, userID string) ([]Conversation, error) {
		return []Conversation{directConv("d1", "bob", "bob")}, nil
	}
	s.ApplyEvent(notificationEvent(EventFriendRequestAccept, "bob"))

	if got := s.Relationship("bob"); got != RelationFriend {
		t.Fatalf("expected friend, got %s", got)
	}
}

// ============================================================================
// conversation.created
// ============================================================================

func TestApplyConversationCreated(t *testing.T) {
	fullPayload := func(id, name string) json.RawMessage {
		data, _ := json.Marshal(map[string]any{
			"conversation": map[string]any{
				"conversation": map[string]any{
					"id":      id,
					"type":    "group",
					"name":    name,
					"creator": map[string]string{"id": "bob", "username": "bob"},
				},
				"participants": []map[string]any{
					{"user": map[string]string{"id": "me", "username": "alice"}, "role": "member"},
					{"user": map[string]string{"id": "bob", "username": "bob"}, "role": "admin"},
				},
				"messages": []any{},
			},
		})
		return data
	}

	t.Run("full payload is inserted without a reload", func(t *testing.T) {
		svc := newFakeService()
		s := loadedStore(t, svc, nil)
		loads := svc.callCount("GetConversations")

		s.ApplyEvent(Event{
			Type:     EventConversationCreated,
			Metadata: EventMetadata{SenderID: "bob"},
			Data:     fullPayload("g2", "fresh"),
		})

		convs := s.Conversations()
		if convs[0].ID != "g2" || convs[0].Name != "fresh" {
			t.Fatalf("expected g2 prepended, got %v", conversationIDs(convs))
		}
		if svc.callCount("GetConversations") != loads {
			t.Fatal("full payload must not trigger a reload")
		}
	})

	t.Run("replayed event is idempotent", func(t *testing.T) {
		svc := newFakeService()
		s := loadedStore(t, svc, nil)

		ev := Event{Type: EventConversationCreated, Data: fullPayload("g2", "fresh")}
		s.ApplyEvent(ev)
		s.ApplyEvent(ev)

		count := 0
		for _, c := range s.Conversations() {
			if c.ID == "g2" {
				count++
			}
		}
		if count != 1 {
			t.Fatalf("expected one g2, got %d", count)
		}
	})

	t.Run("partial payload falls back to a reload", func(t *testing.T) {
		svc := newFakeService()
		s := loadedStore(t, svc, nil)
		loads := svc.callCount("GetConversations")

		data, _ := json.Marshal("a new conversation was created")
		s.ApplyEvent(Event{Type: EventConversationCreated, Data: data})

		if svc.callCount("GetConversations") != loads+1 {
			t.Fatal("expected a snapshot reload for a partial payload")
		}
	})
}

// ============================================================================
// conversation.added.participants
// ============================================================================

func TestApplyParticipantsAdded(t *testing.T) {
	participantsPayload := func(conversationID string, ids ...string) json.RawMessage {
		ps := make([]map[string]any, 0, len(ids))
		for _, id := range ids {
			ps = append(ps, map[string]any{
				"user": map[string]string{"id": id, "username": "user-" + id},
				"role": "member",
			})
		}
		data, _ := json.Marshal(map[string]any{
			"conversationId": conversationID,
			"participants":   ps,
		})
		return data
	}

	t.Run("merges new members and schedules the backstop", func(t *testing.T) {
		svc := newFakeService()
		s := loadedStore(t, svc, nil)
		s.resyncDelay = 10 * time.Millisecond
		loads := svc.callCount("GetConversations")

		s.ApplyEvent(Event{
			Type: EventParticipantsAdded,
			Data: participantsPayload("g1", "carol", "bob"),
		})

		var g1 Conversation
		for _, c := range s.Conversations() {
			if c.ID == "g1" {
				g1 = c
			}
		}
		if !g1.HasParticipant("carol") {
			t.Fatalf("carol not merged: %+v", g1.Participants)
		}
		bobs := 0
		for _, p := range g1.Participants {
			if p.UserID == "bob" {
				bobs++
			}
		}
		if bobs != 1 {
			t.Fatalf("existing member duplicated: %d", bobs)
		}

		// The delayed resync fires once even after a burst of events.
		s.ApplyEvent(Event{Type: EventParticipantsAdded, Data: participantsPayload("g1", "dave")})
		deadline := time.Now().Add(2 * time.Second)
		for svc.callCount("GetConversations") < loads+1 {
			if time.Now().After(deadline) {
				t.Fatal("backstop resync never fired")
			}
			time.Sleep(5 * time.Millisecond)
		}
	})

	t.Run("unknown conversation resyncs immediately", func(t *testing.T) {
		svc := newFakeService()
		s := loadedStore(t, svc, nil)
		loads := svc.callCount("GetConversations")

		s.ApplyEvent(Event{
			Type: EventParticipantsAdded,
			Data: participantsPayload("mystery", "carol"),
		})

		if svc.callCount("GetConversations") != loads+1 {
			t.Fatal("expected an immediate reload for an unknown conversation")
		}
	})
}

// ============================================================================
// Notification-triggering events
// ============================================================================

func TestApplyNotificationEvents(t *testing.T) {
	triggers := []string{
		EventFriendRequest,
		EventFriendRequestCancel,
		EventFriendRequestDenied,
	}
	for _, eventType := range triggers {
		t.Run(eventType+" refetches records", func(t *testing.T) {
			svc := newFakeService()
			svc.getNotifications = func(ctx context.Context) ([]NotificationRecord, error) {
				return []NotificationRecord{pendingRequest("n1", "bob", "me")}, nil
			}
			s := loadedStore(t, svc, nil)

			s.ApplyEvent(notificationEvent(eventType, "bob"))

			if svc.callCount("GetNotifications") != 1 {
				t.Fatalf("expected one refetch, got %d", svc.callCount("GetNotifications"))
			}
			// The event text is informational only; records come from the
			// refetch.
			if got := s.Notifications(); len(got) != 1 || got[0].ID != "n1" {
				t.Fatalf("unexpected inbox: %+v", got)
			}
		})
	}

	t.Run("accepted also reloads conversations", func(t *testing.T) {
		svc := newFakeService()
		s := loadedStore(t, svc, nil)
		loads := svc.callCount("GetConversations")

		s.ApplyEvent(notificationEvent(EventFriendRequestAccept, "bob"))

		if svc.callCount("GetNotifications") != 1 {
			t.Fatal("expected a notification refetch")
		}
		if svc.callCount("GetConversations") != loads+1 {
			t.Fatal("expected a conversation reload: acceptance creates the direct conversation")
		}
	})

	t.Run("unknown event type is dropped", func(t *testing.T) {
		svc := newFakeService()
		s := loadedStore(t, svc, nil)
		loads := svc.callCount("GetConversations")

		s.ApplyEvent(Event{Type: "totally.unknown"})

		if svc.callCount("GetConversations") != loads || svc.callCount("GetNotifications") != 0 {
			t.Fatal("unknown events must be inert")
		}
	})
}

// ============================================================================
// Realtime binding
// ============================================================================

// stubSource is an EventSource driven directly by tests.
type stubSource struct {
	dispatcher *eventDispatcher
	connected  bool
}

func newStubSource() *stubSource {
	return &stubSource{dispatcher: newEventDispatcher()}
}

func (s *stubSource) Connect(ctx context.Context, token string) error {
	s.connected = true
	s.dispatcher.emitConnected()
	return nil
}

func (s *stubSource) Disconnect() error {
	s.connected = false
	return nil
}

func (s *stubSource) On(eventType string, h EventHandler) func() {
	return s.dispatcher.on(eventType, h)
}

func (s *stubSource) OnConnected(h func()) func() {
	return s.dispatcher.onMeta(h, nil)
}

func (s *stubSource) OnDisconnected(h func(reason string)) func() {
	return s.dispatcher.onMeta(nil, func(reason string) { h(reason) })
}

func (s *stubSource) emit(ev Event) {
	s.dispatcher.dispatch(ev)
}

func TestBindRealtime(t *testing.T) {
	t.Run("connect resyncs and events flow", func(t *testing.T) {
		svc := newFakeService()
		svc.getConversations = func(ctx context.Context, userID string) ([]Conversation, error) {
			return []Conversation{groupConv("g1", "grp", "me", "bob")}, nil
		}
		s := testStore(svc, nil)
		src := newStubSource()
		unbind := s.BindRealtime(src)
		defer unbind()

		if err := src.Connect(context.Background(), "token"); err != nil {
			t.Fatal(err)
		}
		if svc.callCount("GetConversations") != 1 || svc.callCount("GetNotifications") != 1 {
			t.Fatal("expected a full resync on connect")
		}

		src.emit(messageEvent("bob", "g1", "hello"))
		if lm := s.Conversations()[0].LastMessage; lm == nil || lm.Content != "hello" {
			t.Fatalf("event did not reach the store: %+v", lm)
		}
	})

	t.Run("unbind stops delivery", func(t *testing.T) {
		svc := newFakeService()
		svc.getConversations = func(ctx context.Context, userID string) ([]Conversation, error) {
			return []Conversation{groupConv("g1", "grp", "me", "bob")}, nil
		}
		s := testStore(svc, nil)
		if err := s.LoadConversations(context.Background()); err != nil {
			t.Fatal(err)
		}
		src := newStubSource()
		unbind := s.BindRealtime(src)
		unbind()

		src.emit(messageEvent("bob", "g1", "into the void"))
		if lm := s.Conversations()[0].LastMessage; lm != nil {
			t.Fatalf("unbound store still received events: %+v", lm)
		}
	})
}
