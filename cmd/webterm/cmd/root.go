package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/jumpserver/webterm/internal/config"
	"github.com/jumpserver/webterm/internal/db"
	"github.com/jumpserver/webterm/internal/logger"
	"github.com/jumpserver/webterm/internal/repository"
)

var (
	cfgFile   string
	logLevel  string
	logFormat string
	logFile   string

	cfg *config.Config
	log *logger.Logger
)

var rootCmd = &cobra.Command{
	Use:   "webterm",
	Short: "webterm - connect to browser-style terminal endpoints",
	Long: `webterm connects the local terminal to the WebSocket terminal endpoint
served alongside a web console, records and replays sessions, and keeps a
journal of every session it opened.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		c, err := config.LoadWithPath(cfgFile)
		if err != nil {
			return err
		}
		flags := cmd.Flags()
		if flags.Changed("log-level") {
			c.Logging.Level = logLevel
		}
		if flags.Changed("log-format") {
			c.Logging.Format = logFormat
		}
		if flags.Changed("log-file") {
			c.Logging.OutputPath = logFile
		}

		l, err := logger.New(c.Logging)
		if err != nil {
			return fmt.Errorf("failed to initialize logger: %w", err)
		}
		logger.SetDefault(l)
		cfg, log = c, l
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if log != nil {
			_ = log.Sync()
		}
	},
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file or directory holding webterm.yaml")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "warn", "log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().StringVar(&logFormat, "log-format", "text", "log format (text, json)")
	rootCmd.PersistentFlags().StringVar(&logFile, "log-file", "stderr", "log destination: stderr, stdout or a file path")
}

// openJournal opens the session journal configured in storage.dbPath.
// It returns a nil repository when journaling is disabled.
func openJournal() (*repository.SessionRepository, func(), error) {
	if cfg.Storage.DBPath == "" {
		return nil, func() {}, nil
	}
	conn, err := db.Open(cfg.Storage.DBPath)
	if err != nil {
		return nil, nil, err
	}
	return repository.NewSessionRepository(conn), func() { _ = conn.Close() }, nil
}
