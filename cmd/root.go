package cmd

import (
	"context"
	"fmt"
	"os"

	"convoy/internal/app"
	"convoy/internal/config"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "convoy",
	Short: "Convoy CLI",
	Long: `Convoy is a dashboard tool for submitting batches of business documents
to the backend pipeline and tracking their progress.`,
	Run: func(cmd *cobra.Command, args []string) {
		// If no subcommand is given, print help.
		cmd.Help()
	},
	// PersistentPreRunE runs before any subcommand's RunE.
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if cmd.Name() == "help" || cmd.Name() == "version" || cmd.Name() == "completion" {
			return nil
		}

		cfg, err := config.LoadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		if err := cfg.Validate(); err != nil {
			return fmt.Errorf("invalid configuration: %w", err)
		}

		if level, err := log.ParseLevel(cfg.Log.Level); err == nil {
			log.SetLevel(level)
		}

		appInstance, err := app.NewApp(cfg)
		if err != nil {
			return fmt.Errorf("failed to initialize app: %w", err)
		}

		// Store the app instance in the command's context.
		ctx := context.WithValue(cmd.Context(), appKey, appInstance)
		cmd.SetContext(ctx)
		return nil
	},
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// Custom type for the context key to avoid collisions.
type contextKey string

const appKey contextKey = "app"

// GetAppFromContext retrieves the app instance stored by PersistentPreRunE.
func GetAppFromContext(ctx context.Context) (*app.App, error) {
	appInstance, ok := ctx.Value(appKey).(*app.App)
	if !ok || appInstance == nil {
		return nil, fmt.Errorf("application instance not found in context")
	}
	return appInstance, nil
}

func init() {
	rootCmd.AddCommand(doctorCmd)
	// run, serve, and history register themselves in their own init().
}

var doctorCmd = &cobra.Command{
	Use:   "doctor",
	Short: "Check pipeline and database connectivity",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		appInstance, err := GetAppFromContext(ctx)
		if err != nil {
			return fmt.Errorf("failed to get app instance: %w", err)
		}

		fmt.Println("Checking pipeline connectivity...")
		if err := appInstance.Pipeline.Health(ctx); err != nil {
			return fmt.Errorf("pipeline health check failed: %w", err)
		}
		fmt.Println("Pipeline connection successful.")

		if appInstance.HistoryStore == nil {
			fmt.Println("History store not configured; skipping database check.")
			return nil
		}
		fmt.Println("Checking history database connectivity...")
		if err := appInstance.HistoryStore.Ping(ctx); err != nil {
			return fmt.Errorf("history database ping failed: %w", err)
		}
		fmt.Println("History database connection successful.")
		return nil
	},
}
