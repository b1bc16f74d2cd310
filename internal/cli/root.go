package cli

import (
	"log/slog"
	"os"
	"time"

	"github.com/joho/godotenv"
	"github.com/lmittmann/tint"
	"github.com/spf13/cobra"
	"github.com/vietddude/stylelog"
)

var (
	cfgPath     string
	baseURL     string
	isDebug     bool
	token       string
	tokenFile   string
	metricsAddr string
	trustFile   string
)

var rootCmd = &cobra.Command{
	Use:   "orbxctl",
	Short: "OrbX control-plane client",
	Long: `orbxctl talks to the OrbX VPN control-plane API through the same client core the
app uses: certificate pinning, retries and token refresh included.`,
	PersistentPreRun: setupLogging,
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgPath, "config", "", "config file (tier preset from ORBX_TIER when empty)")
	rootCmd.PersistentFlags().StringVar(&baseURL, "base-url", "", "API base URL, overrides base_url from the config")
	rootCmd.PersistentFlags().BoolVar(&isDebug, "debug", false, "enable debug logging")
	rootCmd.PersistentFlags().StringVar(&token, "token", "", "access token (default $ORBX_TOKEN)")
	rootCmd.PersistentFlags().StringVar(&tokenFile, "token-file", "", "file holding the access token, re-read on refresh (default $ORBX_TOKEN_FILE)")
	rootCmd.PersistentFlags().StringVar(&trustFile, "trust-file", "", "keep pinned certificates in this JSON file, overrides trust_store (default $ORBX_TRUST_FILE)")
	rootCmd.PersistentFlags().StringVar(&metricsAddr, "metrics-addr", "", "serve Prometheus metrics on this address while the command runs")
}

func setupLogging(_ *cobra.Command, _ []string) {
	_ = godotenv.Load()

	slogLevel := slog.LevelInfo
	if isDebug || os.Getenv("ORBX_DEBUG") == "true" {
		slogLevel = slog.LevelDebug
	}

	stylelog.InitDefault(&tint.Options{
		Level:      slogLevel,
		TimeFormat: time.RFC3339,
	})
}
