package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newSendCmd() *cobra.Command {
	var configPath string
	var conversationID string

	cmd := &cobra.Command{
		Use:   "send [text]",
		Short: "Send a message to a conversation",
		Long:  "Composes a message, queues it locally, and attempts immediate delivery.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSend(cmd, configPath, conversationID, args[0])
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "config.yaml", "path to config file")
	cmd.Flags().StringVarP(&conversationID, "conversation", "C", "", "conversation id (required)")
	cmd.MarkFlagRequired("conversation")
	return cmd
}

func runSend(cmd *cobra.Command, configPath, conversationID, text string) error {
	out := cmd.OutOrStdout()
	ctx := cmd.Context()

	// Compose queued-first, then drain. A one-shot process cannot leave an
	// async send behind, so the synchronous queue path is the safe one.
	a, err := openApp(ctx, configPath, false)
	if err != nil {
		return err
	}
	defer a.close()

	msg, err := a.engine.SendMessage(ctx, conversationID, text, nil)
	if err != nil {
		return fmt.Errorf("compose: %w", err)
	}
	fmt.Fprintf(out, "Composed %s (status %s)\n", msg.ID, msg.Status)

	sent, remaining, err := a.engine.RetryAllQueued(ctx)
	if err != nil {
		return fmt.Errorf("deliver: %w", err)
	}
	fmt.Fprintf(out, "Delivered %d message(s), %d still queued\n", sent, remaining)
	return nil
}
