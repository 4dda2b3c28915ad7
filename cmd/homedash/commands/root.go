package commands

import (
	"fmt"

	"github.com/TimonBed/dashboard-sub000/internal/command"
	"github.com/TimonBed/dashboard-sub000/internal/config"
	"github.com/TimonBed/dashboard-sub000/internal/connection"
	"github.com/TimonBed/dashboard-sub000/internal/metrics"
	"github.com/TimonBed/dashboard-sub000/internal/store"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var (
	configPath string
	envFile    string
	logLevel   string
	hubAddress string
	hubToken   string
)

var rootCmd = &cobra.Command{
	Use:   "homedash",
	Short: "Home dashboard core for Home Assistant",
	Long: `homedash keeps a live mirror of a Home Assistant instance's entity
states over the WebSocket API and lets you call services against it.

Configuration comes from a YAML file, a .env file and the environment
(HA_URL, HA_TOKEN, API_PORT, LOG_LEVEL, READ_ONLY), later sources winning.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return cmd.Help()
	},
}

// Execute runs the root command.
func Execute() error {
	rootCmd.SilenceErrors = true
	rootCmd.SilenceUsage = true
	err := rootCmd.Execute()
	if err != nil {
		printError(err)
	}
	return err
}

// SetVersionInfo sets the version shown by --version.
func SetVersionInfo(v, c string) {
	rootCmd.Version = fmt.Sprintf("%s (commit: %s)", v, c)
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "homedash.yaml", "Path to the YAML config file")
	rootCmd.PersistentFlags().StringVar(&envFile, "env-file", ".env", "Path to a .env file")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Log level (debug, info, warn, error); overrides LOG_LEVEL")
	addHubFlags(rootCmd.PersistentFlags())
}

func addHubFlags(fs *pflag.FlagSet) {
	fs.StringVar(&hubAddress, "address", "", "Hub address, e.g. homeassistant.local:8123; overrides HA_URL")
	fs.StringVar(&hubToken, "token", "", "Long-lived access token; overrides HA_TOKEN")
}

// loadConfig reads the .env file, then the config file and environment.
// envLoaded is false when the .env file could not be read.
func loadConfig() (cfg *config.Config, envLoaded bool, err error) {
	envLoaded = godotenv.Load(envFile) == nil

	cfg, err = config.Load(configPath)
	if err != nil {
		return nil, envLoaded, err
	}
	if logLevel != "" {
		cfg.LogLevel = logLevel
	}
	if hubAddress != "" {
		cfg.Hub.Address = hubAddress
	}
	if hubToken != "" {
		cfg.Hub.Token = hubToken
	}
	return cfg, envLoaded, nil
}

func newLogger(level zapcore.Level) (*zap.Logger, error) {
	zcfg := zap.NewProductionConfig()
	zcfg.Level = zap.NewAtomicLevelAt(level)
	logger, err := zcfg.Build()
	if err != nil {
		return nil, fmt.Errorf("failed to create logger: %w", err)
	}
	return logger, nil
}

// core is the set of components every command wires the same way.
type core struct {
	cfg      *config.Config
	logger   *zap.Logger
	registry *prometheus.Registry
	store    *store.Store
	manager  *connection.Manager
	facade   *command.Facade
}

func newCore(cfg *config.Config, logger *zap.Logger) *core {
	registry := prometheus.NewRegistry()
	m := metrics.New(registry)
	st := store.New(logger, nil)

	manager := connection.NewManager(st, logger, connection.ManagerOptions{
		Retry: connection.RetryPolicy{
			MaxAttempts: cfg.Retry.MaxAttempts,
			Delay:       cfg.Retry.Delay,
		},
		Metrics: m,
	})

	facade := command.NewFacade(manager, logger)
	facade.SetReadOnly(cfg.ReadOnly)

	return &core{
		cfg:      cfg,
		logger:   logger,
		registry: registry,
		store:    st,
		manager:  manager,
		facade:   facade,
	}
}

// setup loads configuration and builds the core. The caller owns logger.Sync.
func setup() (*core, error) {
	cfg, envLoaded, err := loadConfig()
	if err != nil {
		return nil, err
	}

	logger, err := newLogger(cfg.Level())
	if err != nil {
		return nil, err
	}
	if !envLoaded {
		logger.Warn("No .env file found, using environment variables", zap.String("path", envFile))
	}

	return newCore(cfg, logger), nil
}
