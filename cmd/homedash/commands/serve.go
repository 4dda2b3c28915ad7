package commands

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/TimonBed/dashboard-sub000/internal/api"
	"github.com/TimonBed/dashboard-sub000/internal/store"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var servePort int

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Connect to the hub and serve the HTTP API",
	Long: `Connect to Home Assistant, keep the entity mirror up to date and serve
it over HTTP until interrupted. A failed connection does not stop the
server; POST /api/reconnect starts a fresh attempt.`,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().IntVarP(&servePort, "port", "p", 0, "HTTP port; overrides API_PORT")
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	c, err := setup()
	if err != nil {
		return err
	}
	defer c.logger.Sync()

	port := c.cfg.API.Port
	if servePort != 0 {
		port = servePort
	}

	c.logger.Info("Starting home dashboard",
		zap.String("address", c.cfg.Hub.Address),
		zap.Bool("read_only", c.cfg.ReadOnly),
		zap.Int("port", port))
	if c.cfg.ReadOnly {
		c.logger.Info("Running in READ-ONLY mode - no service calls will be sent to Home Assistant")
	}

	sub := c.store.Subscribe(func(change store.Change) {
		if change.Kind == store.ChangeConnection {
			cs := c.store.ConnectionState()
			c.logger.Debug("Connection state changed",
				zap.Bool("connected", cs.Connected),
				zap.Bool("loading", cs.Loading),
				zap.String("error", cs.Error))
		}
	})
	defer sub.Unsubscribe()

	server := api.NewServer(c.store, c.manager, c.facade, c.registry, c.logger, port)
	if err := server.Start(); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	go func() {
		if err := c.manager.Activate(ctx, c.cfg.Hub); err != nil && ctx.Err() == nil {
			c.logger.Error("Failed to connect to Home Assistant", zap.Error(err))
		}
	}()

	c.logger.Info("Application running. Press Ctrl+C to exit.")
	<-ctx.Done()

	c.logger.Info("Shutting down gracefully...")
	c.manager.Deactivate()
	return server.Stop()
}
