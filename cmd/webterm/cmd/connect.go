package cmd

import (
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/jumpserver/webterm/internal/console"
	"github.com/jumpserver/webterm/internal/model"
	"github.com/jumpserver/webterm/internal/recorder"
	"github.com/jumpserver/webterm/internal/session"
	"github.com/jumpserver/webterm/internal/transport"
)

var connectCmd = &cobra.Command{
	Use:   "connect [page-url]",
	Short: "Open a terminal session",
	Long: `Connect the local terminal to the terminal endpoint of a web page.
The endpoint is derived from the page URL: https pages use wss, http pages
use ws, and the configured path (default /terminal) is appended.
Example: webterm connect https://console.example.com/luna/

Type Ctrl-] to detach.`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var page string
		if len(args) > 0 {
			page = args[0]
		}
		endpoint, _ := cmd.Flags().GetString("endpoint")
		if page == "" && endpoint == "" {
			return fmt.Errorf("a page URL or --endpoint is required")
		}

		endpointOpts, err := endpointOptions(cmd)
		if err != nil {
			return err
		}
		transportCfg, err := transportConfig(cmd)
		if err != nil {
			return err
		}

		ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer cancel()

		con := console.New(cmd.InOrStdin(), cmd.OutOrStdout(), log)
		dims := con.Size()
		var term session.Terminal = con

		recordPath, err := recordingPath(cmd)
		if err != nil {
			return err
		}
		if recordPath != "" {
			rec, err := recorder.Create(recordPath, con, dims, page)
			if err != nil {
				return err
			}
			defer rec.Close()
			term = rec
		}

		var journal session.Journal
		if noJournal, _ := cmd.Flags().GetBool("no-journal"); !noJournal {
			repo, closeJournal, err := openJournal()
			if err != nil {
				return err
			}
			defer closeJournal()
			if repo != nil {
				journal = repo
			}
		}

		mgr := session.NewManager(session.WebSocket(transport.NewDialer(transportCfg, log)), journal, session.ManagerConfig{
			Endpoint:        endpointOpts,
			MaxSessions:     cfg.Session.MaxSessions,
			HistorySize:     cfg.Session.HistorySize,
			SendInitialSize: cfg.Session.SendInitialSize,
		}, log)
		defer mgr.Close()

		connected := make(chan struct{})
		s, err := mgr.Open(ctx, session.OpenRequest{
			Page:     page,
			Endpoint: endpoint,
			Terminal: term,
			Hooks: session.Hooks{
				OnConnect: func() { close(connected) },
			},
			Dimensions:    dims,
			RecordingPath: recordPath,
		})
		if err != nil {
			return err
		}

		if err := con.MakeRaw(); err != nil {
			_ = s.Close()
			return fmt.Errorf("failed to set raw mode: %w", err)
		}
		defer con.Restore()

		go con.WatchResize(ctx, func(d model.Dimensions) {
			if err := s.Resize(d.Rows, d.Cols); err != nil {
				log.Debug("resize not sent", zap.Error(err))
			}
		})

		pumpErr := make(chan error, 1)
		go func() {
			select {
			case <-connected:
			case <-s.Done():
				return
			}
			pumpErr <- con.Pump(ctx, s.Input)
		}()

		select {
		case <-s.Done():
		case err := <-pumpErr:
			// End of input keeps the session running until the peer ends it.
			if err != nil {
				log.Debug("input ended", zap.Error(err))
				_ = s.Close()
			}
			<-s.Done()
		}
		con.Restore()

		if err := s.Err(); err != nil {
			return err
		}
		if recordPath != "" {
			fmt.Fprintf(cmd.ErrOrStderr(), "recording saved to %s\n", recordPath)
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(connectCmd)

	flags := connectCmd.Flags()
	flags.String("endpoint", "", "dial this WebSocket URL instead of deriving one from the page")
	flags.String("path", "", "terminal resource path appended to the page origin")
	flags.Int("port", 0, "use this port instead of the page's port")
	flags.Bool("forward-query", false, "copy the page's query string onto the endpoint")
	flags.Duration("connect-timeout", 0, "give up connecting after this long (0 waits indefinitely)")
	flags.StringArrayP("header", "H", nil, `extra upgrade request header, "Name: value" (repeatable)`)
	flags.String("record", "", "record the session as an asciinema cast; --record=FILE, or bare --record for a file in storage.recordDir")
	flags.Lookup("record").NoOptDefVal = "auto"
	flags.Bool("no-journal", false, "do not record the session in the journal")
}

func endpointOptions(cmd *cobra.Command) (transport.EndpointOptions, error) {
	opts := cfg.Endpoint
	flags := cmd.Flags()
	if flags.Changed("path") {
		opts.Path, _ = flags.GetString("path")
	}
	if flags.Changed("port") {
		opts.Port, _ = flags.GetInt("port")
		if opts.Port < 0 || opts.Port > 65535 {
			return opts, fmt.Errorf("invalid --port %d", opts.Port)
		}
	}
	if flags.Changed("forward-query") {
		opts.ForwardQuery, _ = flags.GetBool("forward-query")
	}
	return opts, nil
}

func transportConfig(cmd *cobra.Command) (transport.Config, error) {
	tc := cfg.Transport
	tc.Header = cfg.Header()
	flags := cmd.Flags()
	if flags.Changed("connect-timeout") {
		tc.ConnectTimeout, _ = flags.GetDuration("connect-timeout")
	}
	headers, _ := flags.GetStringArray("header")
	for _, h := range headers {
		name, value, ok := strings.Cut(h, ":")
		if !ok || strings.TrimSpace(name) == "" {
			return tc, fmt.Errorf("invalid --header %q, want \"Name: value\"", h)
		}
		tc.Header.Set(strings.TrimSpace(name), strings.TrimSpace(value))
	}
	return tc, nil
}

// recordingPath returns the cast file for --record; "auto" picks a
// timestamped name in storage.recordDir.
func recordingPath(cmd *cobra.Command) (string, error) {
	path, _ := cmd.Flags().GetString("record")
	if path != "auto" {
		return path, nil
	}
	if cfg.Storage.RecordDir == "" {
		return "", errors.New("--record without a file needs storage.recordDir")
	}
	name := time.Now().Format("20060102-150405") + ".cast"
	return filepath.Join(cfg.Storage.RecordDir, name), nil
}
