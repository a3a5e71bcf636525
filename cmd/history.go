package cmd

import (
	"context"
	"errors"
	"os"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"

	"github.com/example/visa-rescheduler/internal/config"
	"github.com/example/visa-rescheduler/internal/store"
)

func newHistoryCmd() *cobra.Command {
	var (
		historyURL string
		limit      int
	)

	c := &cobra.Command{
		Use:   "history",
		Short: "List recorded reschedule attempts, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			if historyURL == "" {
				historyURL = config.FromEnv(os.Getenv).HistoryURL
			}
			if historyURL == "" {
				return errors.New("no history database: pass --history-url or set VISASCHED_HISTORY_URL")
			}
			cmd.SilenceUsage = true

			ctx := context.Background()
			s, err := store.Open(ctx, historyURL)
			if err != nil {
				return err
			}
			defer s.Close()

			attempts, err := s.ListAttempts(ctx, limit)
			if err != nil {
				return err
			}

			t := table.NewWriter()
			t.SetOutputMirror(cmd.OutOrStdout())
			t.AppendHeader(table.Row{"ID", "When", "Run", "Location", "Date", "Previous", "Result"})
			for _, a := range attempts {
				result := "failed"
				if a.Success {
					result = "booked"
				}
				t.AppendRow(table.Row{
					a.ID,
					a.CreatedAt.Local().Format(time.DateTime),
					shortRunID(a.RunID),
					a.Location,
					a.Date.Format(time.DateOnly),
					a.PreviousDate.Format(time.DateOnly),
					result,
				})
			}
			t.SetStyle(table.StyleRounded)
			t.Render()
			return nil
		},
	}

	c.Flags().StringVar(&historyURL, "history-url", "", "postgres:// or sqlite:// url (default $VISASCHED_HISTORY_URL)")
	c.Flags().IntVarP(&limit, "limit", "n", 20, "number of attempts to show")
	return c
}

func shortRunID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
