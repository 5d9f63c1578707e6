package main

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

func newDLQCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "dlq",
		Short: "Inspect and requeue dead-lettered messages",
	}
	cmd.AddCommand(newDLQListCmd(), newDLQRequeueCmd())
	return cmd
}

func newDLQListCmd() *cobra.Command {
	var limit int64
	cmd := &cobra.Command{
		Use:   "list [stream]",
		Short: "List dead-lettered messages, oldest first",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signalContext()
			defer cancel()

			rt, err := newRuntime(ctx, "dlq")
			if err != nil {
				return err
			}
			defer rt.shutdown.Shutdown(context.Background())

			stream := rt.settings.Queues.ToSecretary
			if len(args) == 1 {
				stream = args[0]
			}

			items, err := rt.queues.ListDLQ(ctx, stream, limit)
			if err != nil {
				return err
			}
			if len(items) == 0 {
				fmt.Println("dead letter queue is empty")
				return nil
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tFAILED AT\tRETRIES\tUSER\tERROR")
			for _, item := range items {
				fmt.Fprintf(w, "%s\t%s\t%d\t%d\t%s: %s\n",
					item.ID,
					item.Entry.FailedAt.Format("2006-01-02 15:04:05"),
					item.Entry.RetryCount,
					item.Entry.UserID,
					item.Entry.ErrorType,
					item.Entry.ErrorMessage)
			}
			return w.Flush()
		},
	}
	cmd.Flags().Int64Var(&limit, "limit", 50, "maximum entries to list")
	return cmd
}

func newDLQRequeueCmd() *cobra.Command {
	var stream string
	cmd := &cobra.Command{
		Use:   "requeue <dlq-id>...",
		Short: "Move dead-lettered messages back onto their stream",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signalContext()
			defer cancel()

			rt, err := newRuntime(ctx, "dlq")
			if err != nil {
				return err
			}
			defer rt.shutdown.Shutdown(context.Background())

			if stream == "" {
				stream = rt.settings.Queues.ToSecretary
			}
			for _, dlqID := range args {
				newID, err := rt.queues.RequeueFromDLQ(ctx, stream, dlqID)
				if err != nil {
					return err
				}
				fmt.Printf("requeued %s as %s on %s\n", dlqID, newID, stream)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&stream, "stream", "", "main stream the entries belong to (default: to_secretary)")
	return cmd
}
