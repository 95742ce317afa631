package cmd

import (
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"convoy/internal/models"
	"convoy/internal/scheduler"

	"github.com/fatih/color"
	"github.com/olekukonko/tablewriter"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

// runCmd loads a batch manifest, processes it to completion, and prints a
// final report.
var runCmd = &cobra.Command{
	Use:   "run <manifest.json>",
	Short: "Submit a batch manifest and process it to completion",
	Long: `Loads the work items described in a JSON manifest, starts the scheduler,
and waits until every item has reached a terminal state. A summary table is
printed when the batch drains. Interrupting the run pauses admission and
reports the partial results.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		appInstance, err := GetAppFromContext(cmd.Context())
		if err != nil {
			return err
		}
		defer appInstance.Close()

		descs, err := readManifest(args[0])
		if err != nil {
			return err
		}

		sched := appInstance.Scheduler
		if err := sched.LoadBatch(descs); err != nil {
			return fmt.Errorf("failed to load batch: %w", err)
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		sched.Start()

		// Periodic progress summary while the batch drains.
		progressDone := make(chan struct{})
		go func() {
			ticker := time.NewTicker(2 * time.Second)
			defer ticker.Stop()
			for {
				select {
				case <-progressDone:
					return
				case <-ticker.C:
					snap := sched.Snapshot()
					log.Infof("Progress: %d queued, %d active, %d completed",
						snap.Metrics.QueueLength, snap.Metrics.ActiveCount, len(snap.Completed))
				}
			}
		}()

		waitErr := sched.Wait(ctx)
		close(progressDone)
		if waitErr != nil {
			sched.Pause()
			log.Warn("Interrupted; pausing admission and reporting partial results.")
		}

		printRunReport(sched.Snapshot())
		if waitErr != nil {
			return fmt.Errorf("batch interrupted: %w", waitErr)
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(runCmd)

	runCmd.Flags().IntP("concurrency", "c", 0, "Maximum number of in-flight items (overrides config)")
	runCmd.Flags().Duration("poll-interval", 0, "Status poll cadence per item (overrides config)")

	// Bind the overrides into the config keys so PersistentPreRunE picks
	// them up when building the scheduler.
	viper.BindPFlag("scheduler.concurrency", runCmd.Flags().Lookup("concurrency"))
	viper.BindPFlag("scheduler.poll_interval", runCmd.Flags().Lookup("poll-interval"))
}

type manifestEntry struct {
	RequestID    string          `json:"request_id"`
	DocumentType string          `json:"document_type"`
	Payload      json.RawMessage `json:"payload"`
}

// readManifest parses a JSON manifest into work descriptors, preserving the
// order of entries.
func readManifest(path string) ([]models.WorkDescriptor, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read manifest '%s': %w", path, err)
	}

	var entries []manifestEntry
	if err := json.Unmarshal(data, &entries); err != nil {
		return nil, fmt.Errorf("failed to parse manifest '%s': %w", path, err)
	}
	if len(entries) == 0 {
		return nil, fmt.Errorf("manifest '%s' contains no work items", path)
	}

	descs := make([]models.WorkDescriptor, 0, len(entries))
	for _, e := range entries {
		descs = append(descs, models.WorkDescriptor{
			RequestID:    e.RequestID,
			DocumentType: e.DocumentType,
			Payload:      e.Payload,
		})
	}
	return descs, nil
}

// printRunReport renders the final state of every item in the batch.
func printRunReport(snap scheduler.Snapshot) {
	items := make([]models.WorkItem, 0, len(snap.Completed)+len(snap.Active)+len(snap.Queued))
	items = append(items, snap.Completed...)
	items = append(items, snap.Active...)
	items = append(items, snap.Queued...)
	if len(items) == 0 {
		fmt.Println("No work items were processed.")
		return
	}

	table := tablewriter.NewWriter(os.Stdout)
	table.SetHeader([]string{"Request", "Status", "Progress", "Duration", "Error"})
	table.SetBorder(true)
	table.SetRowLine(true)

	for _, item := range items {
		duration := "N/A"
		if d := item.Duration(); d > 0 {
			duration = d.Round(time.Millisecond).String()
		}
		table.Append([]string{
			item.RequestID,
			colorStatus(item.Status),
			fmt.Sprintf("%d%%", item.Progress),
			duration,
			item.Error,
		})
	}

	table.Render()
	fmt.Printf("Succeeded: %d  Failed/cancelled: %d\n",
		snap.Metrics.Succeeded, snap.Metrics.FailedOrCancelled)
}

func colorStatus(status string) string {
	switch status {
	case models.ItemStatusCompleted:
		return color.GreenString(status)
	case models.ItemStatusFailed:
		return color.RedString(status)
	case models.ItemStatusCancelled:
		return color.YellowString(status)
	case models.ItemStatusProcessing:
		return color.CyanString(status)
	}
	return status
}
