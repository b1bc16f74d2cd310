package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"strconv"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	client "github.com/orbvpn/orbx-client"
)

var trustCmd = &cobra.Command{
	Use:   "trust",
	Short: "Inspect and manage pinned server certificates",
}

var trustListCmd = &cobra.Command{
	Use:   "list",
	Short: "List pinned certificates",
	Run:   runTrustList,
}

var trustConfirmCmd = &cobra.Command{
	Use:   "confirm [host:port] [fingerprint]",
	Short: "Pin a new certificate fingerprint after verifying it out of band",
	Args:  cobra.ExactArgs(2),
	Run:   runTrustConfirm,
}

func init() {
	trustCmd.AddCommand(trustListCmd, trustConfirmCmd)
	rootCmd.AddCommand(trustCmd)
}

// errNoPersistentTrustStore is returned by the trust commands when pins would only
// live for the duration of the command.
var errNoPersistentTrustStore = errors.New("trust commands need a persistent trust store: pass --trust-file, set ORBX_TRUST_FILE or configure trust_store.backend as file or redis")

// openTrustStore opens the configured record backend without connecting to the API.
func openTrustStore(ctx context.Context, cfg *client.Config) (*client.TrustStore, func(), error) {
	switch cfg.TrustStore.Backend {
	case "file", "redis":
	default:
		return nil, nil, errNoPersistentTrustStore
	}

	records, closeRecords, err := openRecords(ctx, cfg)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open trust store: %w", err)
	}

	store := client.NewTrustStore(records, client.TrustPolicy{
		TOFU:                 cfg.TOFU,
		AllowAutomaticUpdate: cfg.AllowCertificateUpdate,
		RequireValidChain:    cfg.RequireValidChain,
	})
	return store, closeRecords, nil
}

func runTrustList(cmd *cobra.Command, args []string) {
	ctx := context.Background()

	cfg, err := loadConfig()
	if err != nil {
		slog.Error("Failed to load config", "error", err)
		os.Exit(1)
	}

	store, closeStore, err := openTrustStore(ctx, cfg)
	if err != nil {
		slog.Error("Failed to open trust store", "error", err)
		os.Exit(1)
	}
	defer closeStore()

	records, err := store.Records().List(ctx)
	if err != nil {
		closeStore()
		slog.Error("Failed to list trust records", "error", err)
		os.Exit(1)
	}

	writeTrustRecords(os.Stdout, records)
}

func writeTrustRecords(out io.Writer, records []client.TrustRecord) {
	w := tabwriter.NewWriter(out, 0, 0, 3, ' ', 0)
	_, _ = fmt.Fprintln(w, "ENDPOINT\tFINGERPRINT\tSOURCE\tFIRST SEEN\tUPDATED")
	for _, rec := range records {
		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
			rec.Key(), rec.Fingerprint, rec.Source,
			rec.FirstSeen.Format(time.RFC3339), rec.UpdatedAt.Format(time.RFC3339))
	}
	_ = w.Flush()
}

func runTrustConfirm(cmd *cobra.Command, args []string) {
	host, portStr, err := net.SplitHostPort(args[0])
	if err != nil {
		fmt.Printf("Invalid endpoint: %v\n", err)
		os.Exit(1)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil || port <= 0 {
		fmt.Printf("Invalid port: %s\n", portStr)
		os.Exit(1)
	}

	ctx := context.Background()

	cfg, err := loadConfig()
	if err != nil {
		slog.Error("Failed to load config", "error", err)
		os.Exit(1)
	}

	store, closeStore, err := openTrustStore(ctx, cfg)
	if err != nil {
		slog.Error("Failed to open trust store", "error", err)
		os.Exit(1)
	}
	defer closeStore()

	if err := store.Confirm(ctx, host, port, args[1]); err != nil {
		closeStore()
		slog.Error("Failed to pin certificate", "error", err)
		os.Exit(1)
	}

	fmt.Printf("Pinned %s for %s\n", client.NormalizeFingerprint(args[1]), args[0])
}
