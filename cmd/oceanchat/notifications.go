package main

import (
	"fmt"

	oceanchat "github.com/sang6174/ocean-chat-web"
	"github.com/spf13/cobra"
)

var notificationsAll bool

func init() {
	rootCmd.AddCommand(notificationsCmd)
	notificationsCmd.AddCommand(notificationsReadCmd)

	notificationsCmd.Flags().BoolVar(&notificationsAll, "all", false, "include requests you sent and resolved records")
}

func printNotifications(notifications []oceanchat.Notification) {
	if len(notifications) == 0 {
		fmt.Println("No notifications.")
		return
	}
	for _, n := range notifications {
		read := " "
		if !n.IsRead {
			read = "*"
		}
		fmt.Printf("%s %-24s  %-22s  %-9s  %s -> %s\n",
			read, n.ID, n.Type, n.Status, n.Sender.Username, n.Recipient.Username)
	}
}

var notificationsCmd = &cobra.Command{
	Use:   "notifications",
	Short: "List friend-request notifications",
	Long:  "List notifications addressed to you. Unread entries are marked with *.\nWith --all, every record involving you is shown, resolved ones included.",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := cmdContext()
		defer cancel()
		store, _, _ := getStore(ctx)

		if notificationsAll {
			printNotifications(store.AllNotifications())
		} else {
			printNotifications(store.Notifications())
		}
		return nil
	},
}

var notificationsReadCmd = &cobra.Command{
	Use:   "read",
	Short: "Mark all notifications as read",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := cmdContext()
		defer cancel()
		store, _, _ := getStore(ctx)

		store.MarkAllNotificationsAsRead(ctx)
		fmt.Println("Marked all notifications as read.")
		return nil
	},
}
