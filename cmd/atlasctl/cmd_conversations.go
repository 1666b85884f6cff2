package main

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/matheus3301/atlas/internal/client"
	"github.com/matheus3301/atlas/internal/rpc"
)

var conversationsCmd = &cobra.Command{
	Use:     "conversations",
	Aliases: []string{"conv"},
	Short:   "Conversation operations",
}

var conversationsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List cached conversations",
	RunE:  runConversationsList,
}

var conversationsCreateCmd = &cobra.Command{
	Use:   "create [title]",
	Short: "Create a conversation",
	RunE:  runConversationsCreate,
}

var conversationsRenameCmd = &cobra.Command{
	Use:   "rename <id> <title>",
	Short: "Rename a conversation",
	Args:  cobra.MinimumNArgs(2),
	RunE:  runConversationsRename,
}

var conversationsDeleteCmd = &cobra.Command{
	Use:   "delete <id>",
	Short: "Delete a conversation",
	Args:  cobra.ExactArgs(1),
	RunE:  runConversationsDelete,
}

func init() {
	rootCmd.AddCommand(conversationsCmd)
	conversationsCmd.AddCommand(conversationsListCmd, conversationsCreateCmd, conversationsRenameCmd, conversationsDeleteCmd)

	conversationsListCmd.Flags().IntP("limit", "n", 50, "maximum conversations to show")
	conversationsListCmd.Flags().Int("offset", 0, "conversations to skip")
}

func runConversationsList(cmd *cobra.Command, _ []string) error {
	limit, _ := cmd.Flags().GetInt("limit")
	offset, _ := cmd.Flags().GetInt("offset")
	return withClient(cmd, 10*time.Second, func(ctx context.Context, c *client.Client) error {
		resp, err := c.Conversation.ListConversations(ctx, &rpc.ListConversationsRequest{Limit: limit, Offset: offset})
		if err != nil {
			return err
		}
		if jsonOutput(cmd) {
			outputJSON(resp)
			return nil
		}
		if len(resp.Conversations) == 0 {
			fmt.Println("No conversations.")
			return nil
		}
		for _, conv := range resp.Conversations {
			title := conv.Title
			if title == "" {
				title = "(untitled)"
			}
			fmt.Printf("%-36s %-19s %s\n", conv.ID, formatTime(conv.UpdatedAt), title)
		}
		if resp.HasMore {
			fmt.Printf("... more (use --offset %d)\n", offset+len(resp.Conversations))
		}
		return nil
	})
}

func runConversationsCreate(cmd *cobra.Command, args []string) error {
	title := strings.Join(args, " ")
	return withClient(cmd, 10*time.Second, func(ctx context.Context, c *client.Client) error {
		resp, err := c.Conversation.CreateConversation(ctx, &rpc.CreateConversationRequest{Title: title})
		if err != nil {
			return err
		}
		printWrite(cmd, resp)
		return nil
	})
}

func runConversationsRename(cmd *cobra.Command, args []string) error {
	return withClient(cmd, 10*time.Second, func(ctx context.Context, c *client.Client) error {
		resp, err := c.Conversation.RenameConversation(ctx, &rpc.RenameConversationRequest{
			ID:    args[0],
			Title: strings.Join(args[1:], " "),
		})
		if err != nil {
			return err
		}
		printWrite(cmd, resp)
		return nil
	})
}

func runConversationsDelete(cmd *cobra.Command, args []string) error {
	return withClient(cmd, 10*time.Second, func(ctx context.Context, c *client.Client) error {
		resp, err := c.Conversation.DeleteConversation(ctx, &rpc.DeleteConversationRequest{ID: args[0]})
		if err != nil {
			return err
		}
		printWrite(cmd, resp)
		return nil
	})
}

func printWrite(cmd *cobra.Command, resp *rpc.WriteResponse) {
	if jsonOutput(cmd) {
		outputJSON(resp)
		return
	}
	fmt.Printf("Queued %s\n", resp.ID)
}
