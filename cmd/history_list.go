package cmd

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"convoy/internal/clix"

	"github.com/olekukonko/tablewriter"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

// historyListCmd lists recorded request outcomes.
var historyListCmd = &cobra.Command{
	Use:   "list",
	Short: "List recorded request outcomes",
	Long:  `Lists the request outcomes recorded in the history database, most recent first.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		appInstance, err := GetAppFromContext(cmd.Context())
		if err != nil {
			return err
		}

		if appInstance.HistoryStore == nil {
			return fmt.Errorf("history store is not configured (set database.history.dsn)")
		}

		pagination := clix.ParsePagination(cmd.Flags())
		log.Debugf("Listing outcomes (limit: %d, offset: %d)", pagination.Limit, pagination.Offset)

		records, err := appInstance.HistoryStore.ListOutcomes(cmd.Context(), pagination.Limit, pagination.Offset)
		if err != nil {
			return fmt.Errorf("failed to list outcomes: %w", err)
		}

		if len(records) == 0 {
			fmt.Println("No recorded outcomes found.")
			return nil
		}

		table := tablewriter.NewWriter(os.Stdout)
		table.SetHeader([]string{"Request", "Status", "Error", "Started At", "Ended At", "Duration"})
		table.SetBorder(true)
		table.SetRowLine(true)

		for _, rec := range records {
			table.Append([]string{
				rec.RequestID,
				colorStatus(rec.Status),
				getStringPtrValue(rec.Error, ""),
				formatNullTime(rec.StartedAt, time.RFC3339),
				formatNullTime(rec.EndedAt, time.RFC3339),
				formatDurationMS(rec.DurationMS),
			})
		}

		table.Render()
		return nil
	},
}

func init() {
	historyCmd.AddCommand(historyListCmd)

	historyListCmd.Flags().IntP("limit", "n", 20, "Maximum number of outcomes to list")
	historyListCmd.Flags().IntP("offset", "o", 0, "Number of outcomes to skip")
}

// Helper to safely get string from pointer or return default
func getStringPtrValue(ptr *string, def string) string {
	if ptr != nil {
		return *ptr
	}
	return def
}

// Helper to format nullable time
func formatNullTime(t *time.Time, layout string) string {
	if t != nil {
		return t.Format(layout)
	}
	return "N/A"
}

// Helper to format nullable millisecond duration
func formatDurationMS(ms *int64) string {
	if ms == nil {
		return "N/A"
	}
	return strconv.FormatInt(*ms, 10) + "ms"
}
