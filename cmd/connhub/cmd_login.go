package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"
	"golang.org/x/term"
)

func init() {
	rootCmd.AddCommand(loginCmd, logoutCmd, registerCmd, whoamiCmd)
}

func stdinIsTerminal() bool {
	fd := os.Stdin.Fd()
	return isatty.IsTerminal(fd) || isatty.IsCygwinTerminal(fd)
}

// readPassword prompts without echo on a terminal and reads one line
// from stdin otherwise.
func readPassword(label string) (string, error) {
	if stdinIsTerminal() {
		fmt.Fprintf(os.Stderr, "%s: ", label)
		b, err := term.ReadPassword(int(os.Stdin.Fd()))
		fmt.Fprintln(os.Stderr)
		if err != nil {
			return "", fmt.Errorf("read password: %w", err)
		}
		return string(b), nil
	}
	line, err := bufio.NewReader(os.Stdin).ReadString('\n')
	if err != nil && line == "" {
		return "", fmt.Errorf("read password: %w", err)
	}
	return strings.TrimRight(line, "\r\n"), nil
}

var loginCmd = &cobra.Command{
	Use:   "login <username>",
	Short: "Sign in and store the session credential",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newClient()
		if err != nil {
			return err
		}
		defer c.Close()

		password, err := readPassword("Password")
		if err != nil {
			return err
		}
		sess, err := c.gw.Login(context.Background(), args[0], password)
		if err != nil {
			return fmt.Errorf("login: %w", err)
		}
		if err := c.store.SetSession(sess); err != nil {
			return fmt.Errorf("store session: %w", err)
		}
		fmt.Fprintf(os.Stdout, "Logged in as %s.\n", sess.Identity)
		return nil
	},
}

var logoutCmd = &cobra.Command{
	Use:   "logout",
	Short: "Forget the stored session credential",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newClient()
		if err != nil {
			return err
		}
		defer c.Close()

		if err := c.store.ClearSession(); err != nil {
			return fmt.Errorf("clear session: %w", err)
		}
		if err := clearNavigation(c.backend); err != nil {
			return err
		}
		fmt.Println("Logged out.")
		return nil
	},
}

var registerCmd = &cobra.Command{
	Use:   "register <username>",
	Short: "Create an account on the backend",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newClient()
		if err != nil {
			return err
		}
		defer c.Close()

		password, err := readPassword("Choose a password")
		if err != nil {
			return err
		}
		if password == "" {
			return fmt.Errorf("password must not be empty")
		}
		if err := c.gw.Register(context.Background(), args[0], password); err != nil {
			return fmt.Errorf("register: %w", err)
		}
		fmt.Fprintf(os.Stdout, "Account %s created. Run 'connhub login %s' to sign in.\n", args[0], args[0])
		return nil
	},
}

var whoamiCmd = &cobra.Command{
	Use:   "whoami",
	Short: "Show the signed-in identity",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newClient()
		if err != nil {
			return err
		}
		defer c.Close()

		sess, ok := c.store.GetSession()
		if !ok {
			fmt.Println("Not logged in.")
			return nil
		}
		fmt.Println(sess.Identity)
		return nil
	},
}
