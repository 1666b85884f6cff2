package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"time"

	"github.com/spf13/cobra"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/matheus3301/atlas/internal/client"
	"github.com/matheus3301/atlas/internal/rpc"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show sync status",
	RunE:  runStatus,
}

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Run a reconciliation pass now",
	RunE:  runSync,
}

var pendingCmd = &cobra.Command{
	Use:   "pending",
	Short: "List writes not yet confirmed by the remote store",
	RunE:  runPending,
}

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Stream daemon events",
	RunE:  runWatch,
}

func init() {
	rootCmd.AddCommand(statusCmd, syncCmd, pendingCmd, watchCmd)
	syncCmd.Flags().String("conversation", "", "sync only this conversation")
	watchCmd.Flags().String("prefix", "", "only events whose kind starts with this prefix")
}

func runStatus(cmd *cobra.Command, _ []string) error {
	return withClient(cmd, 10*time.Second, func(ctx context.Context, c *client.Client) error {
		resp, err := c.Sync.GetSyncStatus(ctx, &rpc.GetSyncStatusRequest{})
		if status.Code(err) == codes.Unavailable {
			name, _ := profileName(cmd)
			return fmt.Errorf("%s: %w", daemonHint(name), err)
		}
		if err != nil {
			return err
		}
		if jsonOutput(cmd) {
			outputJSON(resp)
			return nil
		}
		fmt.Printf("Profile:       %s\n", resp.Profile)
		fmt.Printf("Owner:         %s (%s)\n", resp.OwnerID, resp.Tier)
		fmt.Printf("State:         %s\n", resp.State)
		if resp.LastError != "" {
			fmt.Printf("Last error:    %s\n", resp.LastError)
		}
		fmt.Printf("Last sync:     %s\n", formatTime(resp.LastSyncAt))
		fmt.Printf("Checkpoint:    %s %s\n", formatTime(resp.Checkpoint), resp.CheckpointMode)
		fmt.Printf("Live:          %v\n", resp.Live)
		fmt.Printf("Conversations: %d\n", resp.Conversations)
		fmt.Printf("Messages:      %d\n", resp.Messages)
		fmt.Printf("Pending ops:   %d\n", resp.PendingOps)
		fmt.Printf("Uptime:        %s\n", time.Since(resp.StartedAt).Round(time.Second))
		return nil
	})
}

func runSync(cmd *cobra.Command, _ []string) error {
	conversationID, _ := cmd.Flags().GetString("conversation")
	return withClient(cmd, 2*time.Minute, func(ctx context.Context, c *client.Client) error {
		var (
			resp *rpc.SyncResponse
			err  error
		)
		if conversationID != "" {
			resp, err = c.Sync.SyncConversation(ctx, &rpc.SyncConversationRequest{ConversationID: conversationID})
		} else {
			resp, err = c.Sync.Sync(ctx, &rpc.SyncRequest{})
		}
		if err != nil {
			return err
		}
		if jsonOutput(cmd) {
			outputJSON(resp)
			return nil
		}
		fmt.Printf("Mode: %s, pages: %d, conversations: %d, messages: %d, pruned: %d\n",
			resp.Mode, resp.Pages, resp.Conversations, resp.Messages, resp.Pruned)
		if resp.Advanced {
			fmt.Printf("Checkpoint advanced to %s\n", formatTime(resp.Watermark))
		}
		return nil
	})
}

func runPending(cmd *cobra.Command, _ []string) error {
	return withClient(cmd, 10*time.Second, func(ctx context.Context, c *client.Client) error {
		resp, err := c.Message.ListPending(ctx, &rpc.ListPendingRequest{})
		if err != nil {
			return err
		}
		if jsonOutput(cmd) {
			outputJSON(resp)
			return nil
		}
		if len(resp.Ops) == 0 {
			fmt.Println("Nothing pending.")
			return nil
		}
		for _, op := range resp.Ops {
			line := fmt.Sprintf("%-36s %-20s %-8s attempts=%d conv=%s", op.OpID, op.Kind, op.Status, op.Attempts, op.ConversationID)
			if op.Error != "" {
				line += " error=" + op.Error
			}
			fmt.Println(line)
		}
		return nil
	})
}

func runWatch(cmd *cobra.Command, _ []string) error {
	prefix, _ := cmd.Flags().GetString("prefix")
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()
	cmd.SetContext(ctx)

	return withClient(cmd, 0, func(ctx context.Context, c *client.Client) error {
		stream, err := c.Message.WatchEvents(ctx, &rpc.WatchEventsRequest{Prefix: prefix})
		if err != nil {
			return err
		}
		for {
			evt, err := stream.Recv()
			if errors.Is(err, io.EOF) || ctx.Err() != nil {
				return nil
			}
			if err != nil {
				return err
			}
			if jsonOutput(cmd) {
				outputJSON(evt)
				continue
			}
			fmt.Printf("%s %-22s %s\n", evt.OccurredAt.Local().Format(time.TimeOnly), evt.Kind, evt.Payload)
		}
	})
}
