package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	oceanchat "github.com/sang6174/ocean-chat-web"
	"github.com/spf13/cobra"
)

var (
	messagesLimit      int
	createType         string
	createParticipants string
)

func init() {
	rootCmd.AddCommand(conversationsCmd)
	rootCmd.AddCommand(messagesCmd)
	rootCmd.AddCommand(sendCmd)
	rootCmd.AddCommand(createCmd)
	rootCmd.AddCommand(addParticipantsCmd)
	rootCmd.AddCommand(watchCmd)

	messagesCmd.Flags().IntVar(&messagesLimit, "limit", 50, "maximum messages to fetch")
	createCmd.Flags().StringVar(&createType, "type", "group", "conversation type (direct, group, myself)")
	createCmd.Flags().StringVar(&createParticipants, "with", "", "comma-separated usernames to include")
}

// conversationLabel renders a display name: the stored name, or the other
// party for unnamed direct conversations.
func conversationLabel(c oceanchat.Conversation, myID string) string {
	if c.Name != "" && c.Type != oceanchat.ConversationDirect {
		return c.Name
	}
	if c.Type == oceanchat.ConversationDirect {
		for _, p := range c.Participants {
			if p.UserID != myID {
				return p.Username
			}
		}
	}
	if c.Name != "" {
		return c.Name
	}
	return c.ID
}

var conversationsCmd = &cobra.Command{
	Use:   "conversations",
	Short: "List conversations, most recently active first",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := cmdContext()
		defer cancel()
		store, _, cfg := getStore(ctx)

		convs := store.Conversations()
		if len(convs) == 0 {
			fmt.Println("No conversations.")
			return nil
		}
		for _, c := range convs {
			line := fmt.Sprintf("%-24s  [%s]  %s", c.ID, c.Type, conversationLabel(c, cfg.Auth.UserID))
			if c.LastMessage != nil {
				line += fmt.Sprintf("  — %s: %s", c.LastMessage.Sender.Username, c.LastMessage.Content)
			}
			fmt.Println(line)
		}
		return nil
	},
}

var messagesCmd = &cobra.Command{
	Use:   "messages <conversation-id>",
	Short: "Show a conversation's recent messages",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := cmdContext()
		defer cancel()
		store, _, _ := getStore(ctx)

		if err := store.SelectConversation(ctx, args[0]); err != nil {
			return err
		}
		msgs := store.Messages()
		if len(msgs) == 0 {
			fmt.Println("No messages.")
			return nil
		}
		if messagesLimit > 0 && len(msgs) > messagesLimit {
			msgs = msgs[len(msgs)-messagesLimit:]
		}
		for _, m := range msgs {
			fmt.Printf("[%s] %s: %s\n", m.CreatedAt.Format(time.RFC3339), m.Sender.Username, m.Content)
		}
		return nil
	},
}

var sendCmd = &cobra.Command{
	Use:   "send <conversation-id> <message>",
	Short: "Send a message to a conversation",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := cmdContext()
		defer cancel()
		store, _, _ := getStore(ctx)

		if err := store.SendMessage(ctx, args[0], args[1]); err != nil {
			return err
		}
		fmt.Println("Message sent.")
		return nil
	},
}

var createCmd = &cobra.Command{
	Use:   "create <name>",
	Short: "Create a conversation",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := cmdContext()
		defer cancel()
		store, _, _ := getStore(ctx)

		var ids []string
		if createParticipants != "" {
			for _, name := range strings.Split(createParticipants, ",") {
				u, err := findUser(store, strings.TrimSpace(name))
				if err != nil {
					return err
				}
				ids = append(ids, u.ID)
			}
		}

		conv, err := store.CreateConversation(ctx, oceanchat.CreateConversationInput{
			Type:           oceanchat.ConversationType(createType),
			Name:           args[0],
			ParticipantIDs: ids,
		})
		if err != nil {
			return err
		}
		fmt.Printf("Created conversation %s (%d participants)\n", conv.ID, len(conv.Participants))
		return nil
	},
}

var addParticipantsCmd = &cobra.Command{
	Use:   "add-participants <conversation-id> <username>...",
	Short: "Add users to a conversation",
	Args:  cobra.MinimumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := cmdContext()
		defer cancel()
		store, _, _ := getStore(ctx)

		var ids []string
		for _, name := range args[1:] {
			u, err := findUser(store, name)
			if err != nil {
				return err
			}
			ids = append(ids, u.ID)
		}
		if err := store.AddParticipants(ctx, args[0], ids); err != nil {
			return err
		}
		fmt.Printf("Added %d participant(s).\n", len(ids))
		return nil
	},
}

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Stream live events until interrupted",
	Long:  "Connect to the push channel and print messages and notification changes as they arrive. Reconnects automatically; Ctrl-C exits.",
	RunE: func(cmd *cobra.Command, args []string) error {
		loadCtx, cancel := cmdContext()
		store, client, cfg := getStore(loadCtx)
		cancel()

		rt := oceanchat.NewRealtimeClient(wsURL(cfg))
		unbind := store.BindRealtime(rt)
		defer unbind()

		client.OnUnauthorized(func() {
			store.Reset()
			_ = rt.Disconnect()
			fmt.Fprintln(os.Stderr, "Session expired. Run 'oceanchat login <username>' again.")
			os.Exit(1)
		})

		// Print on top of the store's reconciliation.
		offMsg := rt.On(oceanchat.EventMessageCreated, func(ev oceanchat.Event) {
			fmt.Printf("[%s] %s in %s: %s\n",
				time.Now().Format("15:04:05"), ev.Metadata.SenderID, ev.Metadata.ConversationID, ev.Text())
		})
		defer offMsg()
		offConn := rt.OnConnected(func() {
			fmt.Fprintln(os.Stderr, "Connected.")
		})
		defer offConn()
		offDisc := rt.OnDisconnected(func(reason string) {
			fmt.Fprintf(os.Stderr, "Disconnected (%s); reconnecting...\n", reason)
		})
		defer offDisc()

		dialCtx, dialCancel := context.WithTimeout(context.Background(), 15*time.Second)
		err := rt.Connect(dialCtx, cfg.Auth.Token)
		dialCancel()
		if err != nil {
			return fmt.Errorf("connect failed: %w", err)
		}

		sig := make(chan os.Signal, 1)
		signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
		<-sig

		return rt.Disconnect()
	},
}
