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

var messagesCmd = &cobra.Command{
	Use:   "messages",
	Short: "Message operations",
}

var messagesListCmd = &cobra.Command{
	Use:   "list <conversation-id>",
	Short: "List cached messages, newest first",
	Args:  cobra.ExactArgs(1),
	RunE:  runMessagesList,
}

var sendCmd = &cobra.Command{
	Use:   "send <conversation-id> <text>",
	Short: "Send a message",
	Args:  cobra.MinimumNArgs(2),
	RunE:  runSend,
}

func init() {
	rootCmd.AddCommand(messagesCmd, sendCmd)
	messagesCmd.AddCommand(messagesListCmd)

	messagesListCmd.Flags().IntP("limit", "n", 50, "maximum messages to show")
	messagesListCmd.Flags().String("before", "", "only messages created before this RFC3339 time")
	sendCmd.Flags().String("capability", "text", "capability the message uses (text, audio, image, camera)")
	sendCmd.Flags().String("role", "user", "message role")
	sendCmd.Flags().String("id", "", "message id, for retrying a send")
}

func runMessagesList(cmd *cobra.Command, args []string) error {
	limit, _ := cmd.Flags().GetInt("limit")
	req := &rpc.ListMessagesRequest{ConversationID: args[0], Limit: limit}
	if raw, _ := cmd.Flags().GetString("before"); raw != "" {
		before, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			return fmt.Errorf("invalid --before: %w", err)
		}
		req.Before = before
	}
	return withClient(cmd, 10*time.Second, func(ctx context.Context, c *client.Client) error {
		resp, err := c.Message.ListMessages(ctx, req)
		if err != nil {
			return err
		}
		if jsonOutput(cmd) {
			outputJSON(resp)
			return nil
		}
		if len(resp.Messages) == 0 {
			fmt.Println("No messages.")
			return nil
		}
		for _, m := range resp.Messages {
			fmt.Printf("%s %-9s %s\n", formatTime(m.CreatedAt), m.Role, m.Content)
		}
		return nil
	})
}

func runSend(cmd *cobra.Command, args []string) error {
	capability, _ := cmd.Flags().GetString("capability")
	role, _ := cmd.Flags().GetString("role")
	id, _ := cmd.Flags().GetString("id")
	return withClient(cmd, 10*time.Second, func(ctx context.Context, c *client.Client) error {
		resp, err := c.Message.SendMessage(ctx, &rpc.SendMessageRequest{
			ID:             id,
			ConversationID: args[0],
			Content:        strings.Join(args[1:], " "),
			Role:           role,
			Capability:     capability,
		})
		if err != nil {
			return err
		}
		if jsonOutput(cmd) {
			outputJSON(resp)
			return nil
		}
		if !resp.Accepted {
			msg := fmt.Sprintf("Rejected: %s", resp.Reason)
			if resp.Limit > 0 {
				msg += fmt.Sprintf(" (%d/%d)", resp.Count, resp.Limit)
			}
			if resp.RetryAfter > 0 {
				msg += fmt.Sprintf(", retry in %s", resp.RetryAfter.Round(time.Minute))
			}
			if resp.SuggestTier != "" {
				msg += fmt.Sprintf(", upgrade to %s", resp.SuggestTier)
			}
			fmt.Println(msg)
			return nil
		}
		fmt.Printf("Queued %s\n", resp.MessageID)
		if resp.Degraded {
			fmt.Println("Usage counter unreachable; accepted on cached tier.")
		}
		return nil
	})
}
