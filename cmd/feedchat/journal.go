package main

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"feedchat/internal/journal"

	"github.com/spf13/cobra"
)

func journalCmd() *cobra.Command {
	var limit int
	var statuses bool
	cmd := &cobra.Command{
		Use:   "journal [conversationId]",
		Short: "Show journalled deliveries",
		Long:  "Without arguments, lists conversations in the journal. With a conversation id, prints its messages (or connection history with --status).",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logCloser, err := loadConfig()
			if err != nil {
				return err
			}
			defer logCloser.Close()

			if _, err := os.Stat(cfg.Journal.DBPath); err != nil {
				return fmt.Errorf("no journal at %s (set journal.enabled to true)", cfg.Journal.DBPath)
			}
			j, err := journal.NewSQLiteJournal(cfg.Journal.DBPath, logger)
			if err != nil {
				return err
			}
			defer j.Close()

			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()

			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			defer w.Flush()

			if len(args) == 0 {
				ids, err := j.Conversations(ctx)
				if err != nil {
					return err
				}
				for _, id := range ids {
					fmt.Fprintln(w, id)
				}
				return nil
			}

			if statuses {
				changes, err := j.StatusHistory(ctx, args[0], limit)
				if err != nil {
					return err
				}
				for _, c := range changes {
					fmt.Fprintf(w, "%s\t%s\t%s\n", c.CreatedAt.Local().Format(time.DateTime), c.Status, c.Detail)
				}
				return nil
			}

			entries, err := j.Messages(ctx, args[0], limit)
			if err != nil {
				return err
			}
			for _, e := range entries {
				content := e.Content
				if e.FileName != "" {
					content += " [" + e.FileName + "]"
				}
				state := string(e.State)
				if e.Reason != "" {
					state += ": " + e.Reason
				}
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", e.Timestamp.Local().Format(time.DateTime), e.SenderID, content, state)
			}
			return nil
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", 50, "number of entries to show")
	cmd.Flags().BoolVar(&statuses, "status", false, "show connection history instead of messages")
	return cmd
}
