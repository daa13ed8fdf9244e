package main

import (
	"fmt"
	"os"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/term"
)

func init() {
	rootCmd.AddCommand(loginCmd)
	rootCmd.AddCommand(registerCmd)
	rootCmd.AddCommand(logoutCmd)

	registerCmd.Flags().StringVar(&registerEmail, "email", "", "account email address")
}

var registerEmail string

// readPassword prompts on stderr and reads without echo when stdin is a
// terminal, falling back to a plain line read otherwise (pipes, CI).
func readPassword(prompt string) (string, error) {
	fmt.Fprint(os.Stderr, prompt)
	if term.IsTerminal(int(syscall.Stdin)) {
		b, err := term.ReadPassword(int(syscall.Stdin))
		fmt.Fprintln(os.Stderr)
		if err != nil {
			return "", fmt.Errorf("cannot read password: %w", err)
		}
		return string(b), nil
	}
	var pw string
	if _, err := fmt.Fscanln(os.Stdin, &pw); err != nil {
		return "", fmt.Errorf("cannot read password: %w", err)
	}
	return pw, nil
}

var loginCmd = &cobra.Command{
	Use:   "login <username>",
	Short: "Sign in and store the session",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		username := args[0]
		password, err := readPassword("Password: ")
		if err != nil {
			return err
		}

		client, cfg := getAnonClient()
		ctx, cancel := cmdContext()
		defer cancel()

		session, err := client.Login(ctx, username, password)
		if err != nil {
			return fmt.Errorf("login failed: %w", err)
		}

		cfg.Auth.Token = session.AccessToken
		cfg.Auth.UserID = session.UserID
		cfg.Auth.Username = session.Username
		cfg.Auth.Email = session.Email
		if err := saveConfig(cfg); err != nil {
			return fmt.Errorf("failed to save config: %w", err)
		}

		fmt.Printf("Signed in as %s\n", session.Username)
		return nil
	},
}

var registerCmd = &cobra.Command{
	Use:   "register <username>",
	Short: "Create an account",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		username := args[0]
		password, err := readPassword("Password: ")
		if err != nil {
			return err
		}

		client, _ := getAnonClient()
		ctx, cancel := cmdContext()
		defer cancel()

		if err := client.Register(ctx, username, password, registerEmail); err != nil {
			return fmt.Errorf("registration failed: %w", err)
		}

		fmt.Printf("Account %s created. Run 'oceanchat login %s' to sign in.\n", username, username)
		return nil
	},
}

var logoutCmd = &cobra.Command{
	Use:   "logout",
	Short: "Sign out and clear the stored session",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, cfg := getClient()
		ctx, cancel := cmdContext()
		defer cancel()

		// Best effort server-side; the local session is cleared regardless.
		if err := client.Logout(ctx); err != nil {
			fmt.Fprintf(os.Stderr, "Warning: server logout failed: %v\n", err)
		}

		cfg.Auth = ConfigAuth{}
		if err := saveConfig(cfg); err != nil {
			return fmt.Errorf("failed to save config: %w", err)
		}

		fmt.Println("Signed out.")
		return nil
	},
}
