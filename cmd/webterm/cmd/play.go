package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/jumpserver/webterm/internal/recorder"
)

var playCmd = &cobra.Command{
	Use:   "play <file.cast>",
	Short: "Replay a recorded session",
	Long: `Replay an asciinema v2 cast recorded with "webterm connect --record".
Example: webterm play --speed 2 --max-idle 1s ~/.webterm/recordings/20260101-120000.cast`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		speed, _ := cmd.Flags().GetFloat64("speed")
		maxIdle, _ := cmd.Flags().GetDuration("max-idle")
		if speed <= 0 {
			return fmt.Errorf("invalid --speed %v, must be positive", speed)
		}

		f, err := os.Open(args[0])
		if err != nil {
			return fmt.Errorf("failed to open recording: %w", err)
		}
		defer f.Close()

		ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer cancel()

		err = recorder.Play(ctx, f, cmd.OutOrStdout(), recorder.PlayOptions{Speed: speed, MaxIdle: maxIdle})
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	},
}

func init() {
	rootCmd.AddCommand(playCmd)

	playCmd.Flags().Float64("speed", 1, "playback speed multiplier")
	playCmd.Flags().Duration("max-idle", 0, "cap pauses between events (0 keeps recorded pauses)")
}
