package cmd

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/jumpserver/webterm/internal/mockpeer"
)

var mockPeerCmd = &cobra.Command{
	Use:   "mock-peer",
	Short: "Serve a mock terminal endpoint",
	Long: `Serve the terminal wire protocol without a shell, for development.
It echoes keystrokes, answers "echo" and "size", sends an error frame for
the configured trigger line and closes the connection on "exit".
Example: webterm mock-peer --listen 127.0.0.1:8080 && webterm connect http://127.0.0.1:8080/`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		pc := cfg.MockPeer
		flags := cmd.Flags()
		if flags.Changed("listen") {
			pc.Listen, _ = flags.GetString("listen")
		}
		if flags.Changed("path") {
			pc.Path, _ = flags.GetString("path")
		}
		if flags.Changed("plain") {
			pc.PlainOutput, _ = flags.GetBool("plain")
		}

		ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer cancel()

		srv := mockpeer.New(pc, log)
		fmt.Fprintf(cmd.ErrOrStderr(), "mock peer serving ws://%s%s\n", pc.Listen, pc.Path)
		return srv.Run(ctx)
	},
}

func init() {
	rootCmd.AddCommand(mockPeerCmd)

	mockPeerCmd.Flags().String("listen", "", "address to listen on (default from mockPeer.listen)")
	mockPeerCmd.Flags().String("path", "", "terminal resource path (default from mockPeer.path)")
	mockPeerCmd.Flags().Bool("plain", false, "send output as bare text frames instead of data envelopes")
}
