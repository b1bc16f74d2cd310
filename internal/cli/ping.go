package cli

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
)

var pingCmd = &cobra.Command{
	Use:   "ping",
	Short: "Check that the API answers",
	Run:   runPing,
}

func init() {
	rootCmd.AddCommand(pingCmd)
}

func runPing(cmd *cobra.Command, args []string) {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	start := time.Now()
	a, err := newApp(ctx)
	if err != nil {
		fatal(nil, "Failed to connect", err)
	}
	defer a.Close()

	fmt.Printf("API reachable (%s)\n", time.Since(start).Round(time.Millisecond))
}

// fatal releases a's resources, logs err and exits.
func fatal(a *app, msg string, err error) {
	if a != nil {
		a.Close()
	}
	slog.Error(msg, "error", err)
	os.Exit(1)
}
