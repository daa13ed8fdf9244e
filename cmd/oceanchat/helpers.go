package main

import (
	"context"
	"fmt"
	"os"
	"time"

	oceanchat "github.com/sang6174/ocean-chat-web"
)

// getAnonClient creates a client without a session, for login/register.
func getAnonClient() (*oceanchat.Client, *Config) {
	cfg, err := loadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}

	var opts []oceanchat.ClientOption
	if u := apiURL(cfg); u != "" {
		opts = append(opts, oceanchat.WithBaseURL(u))
	}
	return oceanchat.NewClient(opts...), cfg
}

// getClient creates a client authenticated with the stored session token.
func getClient() (*oceanchat.Client, *Config) {
	client, cfg := getAnonClient()
	if cfg.Auth.Token == "" {
		fmt.Fprintln(os.Stderr, "Not signed in. Run 'oceanchat login <username>' first.")
		os.Exit(1)
	}
	client.SetToken(cfg.Auth.Token)
	return client, cfg
}

// getStore creates an authenticated client and a store primed with the
// conversation snapshot, user directory, and notification views.
func getStore(ctx context.Context) (*oceanchat.ChatStore, *oceanchat.Client, *Config) {
	client, cfg := getClient()
	store := oceanchat.NewChatStore(client, oceanchat.User{
		ID:       cfg.Auth.UserID,
		Username: cfg.Auth.Username,
		Email:    cfg.Auth.Email,
	}, nil)

	client.OnUnauthorized(func() {
		store.Reset()
		fmt.Fprintln(os.Stderr, "Session expired. Run 'oceanchat login <username>' again.")
	})

	if err := store.LoadConversations(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load conversations: %v\n", err)
		os.Exit(1)
	}
	_ = store.LoadUsers(ctx)
	_ = store.RefreshNotifications(ctx)
	return store, client, cfg
}

// findUser resolves a username to a directory entry.
func findUser(store *oceanchat.ChatStore, username string) (oceanchat.User, error) {
	for _, u := range store.Users() {
		if u.Username == username {
			return u, nil
		}
	}
	return oceanchat.User{}, fmt.Errorf("no user named %q", username)
}

func cmdContext() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), 30*time.Second)
}
