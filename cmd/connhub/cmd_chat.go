package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/user/connhub/internal/chat"
)

func init() {
	rootCmd.AddCommand(chatCmd)
}

var chatCmd = &cobra.Command{
	Use:   "chat [message]",
	Short: "Talk to the backend agent",
	Long:  "Sends a single message when one is given, otherwise reads messages from stdin until EOF.",
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newClient()
		if err != nil {
			return err
		}
		defer c.Close()

		if _, ok := c.store.GetSession(); !ok {
			return errNotLoggedIn
		}
		sess := chat.NewSession(c.gw)
		ctx := context.Background()

		if len(args) > 0 {
			reply, err := sess.Send(ctx, strings.Join(args, " "))
			fmt.Println(reply.Content)
			return err
		}

		interactive := stdinIsTerminal()
		scanner := bufio.NewScanner(os.Stdin)
		for {
			if interactive {
				fmt.Print("> ")
			}
			if !scanner.Scan() {
				break
			}
			reply, err := sess.Send(ctx, scanner.Text())
			if errors.Is(err, chat.ErrEmptyQuery) {
				continue
			}
			fmt.Println(reply.Content)
			if err != nil {
				fmt.Fprintln(os.Stderr, "Error:", err)
			}
		}
		return scanner.Err()
	},
}
