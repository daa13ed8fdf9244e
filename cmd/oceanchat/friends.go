package main

import (
	"fmt"

	oceanchat "github.com/sang6174/ocean-chat-web"
	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(friendsCmd)
	friendsCmd.AddCommand(friendsRequestCmd)
	friendsCmd.AddCommand(friendsAcceptCmd)
	friendsCmd.AddCommand(friendsDenyCmd)
	friendsCmd.AddCommand(friendsCancelCmd)
	friendsCmd.AddCommand(friendsRemoveCmd)
	friendsCmd.AddCommand(friendsStatusCmd)
}

var friendsCmd = &cobra.Command{
	Use:   "friends",
	Short: "Manage friend requests and friendships",
}

var friendsRequestCmd = &cobra.Command{
	Use:   "request <username>",
	Short: "Send a friend request",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := cmdContext()
		defer cancel()
		store, _, _ := getStore(ctx)

		u, err := findUser(store, args[0])
		if err != nil {
			return err
		}
		switch store.Relationship(u.ID) {
		case oceanchat.RelationFriend:
			return fmt.Errorf("%s is already a friend", u.Username)
		case oceanchat.RelationPendingSent:
			return fmt.Errorf("a request to %s is already pending", u.Username)
		case oceanchat.RelationPendingReceived:
			return fmt.Errorf("%s already sent you a request; run 'oceanchat friends accept %s'", u.Username, u.Username)
		}
		if err := store.SendFriendRequest(ctx, u.ID, u.Username); err != nil {
			return err
		}
		fmt.Printf("Friend request sent to %s.\n", u.Username)
		return nil
	},
}

var friendsAcceptCmd = &cobra.Command{
	Use:   "accept <username>",
	Short: "Accept a pending friend request",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := cmdContext()
		defer cancel()
		store, _, _ := getStore(ctx)

		u, err := findUser(store, args[0])
		if err != nil {
			return err
		}
		n, ok := store.PendingRequestWith(u.ID)
		if !ok || n.Sender.ID != u.ID {
			return fmt.Errorf("no pending request from %s", u.Username)
		}
		if err := store.AcceptFriendRequest(ctx, n.ID, n.Sender.ID, n.Sender.Username); err != nil {
			return err
		}
		fmt.Printf("You and %s are now friends.\n", u.Username)
		return nil
	},
}

var friendsDenyCmd = &cobra.Command{
	Use:   "deny <username>",
	Short: "Deny a pending friend request",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := cmdContext()
		defer cancel()
		store, _, _ := getStore(ctx)

		u, err := findUser(store, args[0])
		if err != nil {
			return err
		}
		n, ok := store.PendingRequestWith(u.ID)
		if !ok || n.Sender.ID != u.ID {
			return fmt.Errorf("no pending request from %s", u.Username)
		}
		if err := store.DenyFriendRequest(ctx, n.ID, n.Sender.ID, n.Sender.Username); err != nil {
			return err
		}
		fmt.Printf("Denied request from %s.\n", u.Username)
		return nil
	},
}

var friendsCancelCmd = &cobra.Command{
	Use:   "cancel <username>",
	Short: "Withdraw a friend request you sent",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := cmdContext()
		defer cancel()
		store, _, _ := getStore(ctx)

		u, err := findUser(store, args[0])
		if err != nil {
			return err
		}
		n, ok := store.PendingRequestWith(u.ID)
		if !ok || n.Recipient.ID != u.ID {
			return fmt.Errorf("no pending request to %s", u.Username)
		}
		if err := store.CancelFriendRequest(ctx, n.ID, n.Recipient.ID, n.Recipient.Username); err != nil {
			return err
		}
		fmt.Printf("Cancelled request to %s.\n", u.Username)
		return nil
	},
}

var friendsRemoveCmd = &cobra.Command{
	Use:   "remove <username>",
	Short: "Unfriend a user (deletes the direct conversation)",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := cmdContext()
		defer cancel()
		store, _, _ := getStore(ctx)

		u, err := findUser(store, args[0])
		if err != nil {
			return err
		}
		if err := store.Unfriend(ctx, u.ID); err != nil {
			return err
		}
		fmt.Printf("Removed %s from friends.\n", u.Username)
		return nil
	},
}

var friendsStatusCmd = &cobra.Command{
	Use:   "status <username>",
	Short: "Show the relationship with a user",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := cmdContext()
		defer cancel()
		store, _, _ := getStore(ctx)

		u, err := findUser(store, args[0])
		if err != nil {
			return err
		}
		fmt.Printf("%s: %s\n", u.Username, store.Relationship(u.ID))
		return nil
	},
}
