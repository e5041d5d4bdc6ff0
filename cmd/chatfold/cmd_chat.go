package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"github.com/user/chatfold/internal/storage"
	"github.com/user/chatfold/internal/types"
)

func init() {
	rootCmd.AddCommand(chatCmd)
	chatCmd.AddCommand(chatListCmd, chatShowCmd)
}

var chatCmd = &cobra.Command{
	Use:   "chat",
	Short: "Inspect stored chats",
}

func openStore() (*storage.Store, error) {
	cfg := loadConfig()
	return storage.Open(filepath.Join(cfg.DataDir, "chatfold.db"))
}

var chatListCmd = &cobra.Command{
	Use:   "list <user-id>",
	Short: "List a user's chats",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		store, err := openStore()
		if err != nil {
			return fmt.Errorf("open storage: %w", err)
		}
		defer store.Close()

		ctx := context.Background()
		chats, err := store.GetUserChats(ctx, types.UserID(args[0]), time.Time{})
		if err != nil {
			return fmt.Errorf("list chats: %w", err)
		}

		if len(chats) == 0 {
			fmt.Fprintln(os.Stdout, "No chats found")
			return nil
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tNAME\tSHARED\tUPDATED")
		for _, c := range chats {
			name := c.Name
			if name == "" {
				name = "(untitled)"
			}
			fmt.Fprintf(w, "%s\t%s\t%v\t%s\n", c.ID, name, c.Shared, c.UpdatedAt.Format(time.RFC3339))
		}
		return w.Flush()
	},
}

var chatShowCmd = &cobra.Command{
	Use:   "show <user-id> <chat-id>",
	Short: "Show a chat's history",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		store, err := openStore()
		if err != nil {
			return fmt.Errorf("open storage: %w", err)
		}
		defer store.Close()

		ctx := context.Background()
		c, err := store.ReadChatContext(ctx, types.UserID(args[0]), types.ChatID(args[1]))
		if err != nil {
			return fmt.Errorf("read chat: %w", err)
		}

		fmt.Fprintf(os.Stdout, "Chat: %s\n", c.ID)
		if c.Name != "" {
			fmt.Fprintf(os.Stdout, "Name: %s\n", c.Name)
		}
		if c.BranchedFromID != "" {
			fmt.Fprintf(os.Stdout, "Branched from: %s\n", c.BranchedFromID)
		}
		fmt.Fprintf(os.Stdout, "Messages: %d\n\n", len(c.History))

		for _, m := range c.History {
			fmt.Fprintf(os.Stdout, "[%s] %s\n", m.Role, m.Time.Format(time.RFC3339))
			if m.Text != "" {
				fmt.Fprintln(os.Stdout, m.Text)
			}
			for _, inv := range m.ToolInvocations {
				fmt.Fprintf(os.Stdout, "  tool %s(%s)\n", inv.Name, inv.Args)
			}
			fmt.Fprintln(os.Stdout)
		}
		return nil
	},
}
