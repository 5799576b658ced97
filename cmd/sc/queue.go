package main

import (
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
)

func newQueueCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "queue",
		Short: "Inspect and manage the offline queue",
	}

	cmd.AddCommand(newQueueListCmd())
	cmd.AddCommand(newQueueRetryCmd())
	cmd.AddCommand(newQueueRmCmd())
	return cmd
}

func newQueueListCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List queued messages in delivery order",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(cmd.Context(), configPath, false)
			if err != nil {
				return err
			}
			defer a.close()

			entries := a.queue.All()
			out := cmd.OutOrStdout()
			if len(entries) == 0 {
				fmt.Fprintln(out, "Queue is empty")
				return nil
			}

			w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "MESSAGE\tCONVERSATION\tSTATUS\tRETRIES\tENQUEUED")
			for _, e := range entries {
				fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%s\n",
					e.Message.ID, e.Message.ConversationID, e.Message.Status,
					e.RetryCount, e.EnqueuedAt.Format(time.RFC3339))
			}
			return w.Flush()
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "config.yaml", "path to config file")
	return cmd
}

func newQueueRetryCmd() *cobra.Command {
	var configPath string
	var all bool

	cmd := &cobra.Command{
		Use:   "retry [message-id]",
		Short: "Retry one queued message, or all with --all",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if !all && len(args) == 0 {
				return fmt.Errorf("provide a message id or --all")
			}

			a, err := openApp(cmd.Context(), configPath, false)
			if err != nil {
				return err
			}
			defer a.close()
			out := cmd.OutOrStdout()

			if all {
				sent, remaining, err := a.engine.RetryAllQueued(cmd.Context())
				if err != nil {
					return err
				}
				fmt.Fprintf(out, "Delivered %d message(s), %d still queued\n", sent, remaining)
				return nil
			}

			if err := a.engine.RetryQueuedMessage(cmd.Context(), args[0]); err != nil {
				return err
			}
			fmt.Fprintf(out, "Delivered %s\n", args[0])
			return nil
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "config.yaml", "path to config file")
	cmd.Flags().BoolVar(&all, "all", false, "retry every queued message")
	return cmd
}

func newQueueRmCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "rm <message-id>",
		Short: "Remove a queued message without sending it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(cmd.Context(), configPath, false)
			if err != nil {
				return err
			}
			defer a.close()

			if err := a.engine.DeleteMessage(cmd.Context(), args[0]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Removed %s\n", args[0])
			return nil
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "config.yaml", "path to config file")
	return cmd
}
