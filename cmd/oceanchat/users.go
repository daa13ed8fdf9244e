package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(usersCmd)
}

var usersCmd = &cobra.Command{
	Use:   "users",
	Short: "List the user directory with relationship status",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := cmdContext()
		defer cancel()
		store, _, cfg := getStore(ctx)

		users := store.Users()
		if len(users) == 0 {
			fmt.Println("No users.")
			return nil
		}
		for _, u := range users {
			if u.ID == cfg.Auth.UserID {
				continue
			}
			fmt.Printf("%-24s  %-20s  %s\n", u.ID, u.Username, store.Relationship(u.ID))
		}
		return nil
	},
}
