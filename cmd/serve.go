package cmd

import (
	"fmt"
	"net/http"

	"convoy/internal/apihandlers"

	"github.com/gin-gonic/gin"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

// serveCmd exposes the scheduler to the rendering layer over HTTP.
var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run Convoy as an HTTP API server",
	Long: `Starts an HTTP server exposing the scheduler to operator dashboards:
loading batches, starting and pausing admission, changing the concurrency
limit, cancelling items, and reading the live state snapshot.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		appInstance, err := GetAppFromContext(cmd.Context())
		if err != nil {
			return err
		}
		defer appInstance.Close()

		router := gin.Default()

		apiHandler := apihandlers.NewAPIHandler(appInstance)
		apiHandler.RegisterRoutes(router)

		listenAddr := fmt.Sprintf("%s:%s", appInstance.Config.Server.Addr, appInstance.Config.Server.Port)
		log.Infof("Starting Convoy API server on http://%s", listenAddr)

		if err := router.Run(listenAddr); err != nil && err != http.ErrServerClosed {
			return fmt.Errorf("failed to run API server: %w", err)
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(serveCmd)

	serveCmd.Flags().String("addr", "localhost", "Address to listen on ('0.0.0.0' for all interfaces)")
	serveCmd.Flags().String("port", "8080", "Port to listen on")
	viper.BindPFlag("server.addr", serveCmd.Flags().Lookup("addr"))
	viper.BindPFlag("server.port", serveCmd.Flags().Lookup("port"))
}
