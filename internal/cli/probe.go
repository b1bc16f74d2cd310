package cli

import (
	"context"
	"encoding/json"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	client "github.com/orbvpn/orbx-client"
)

var probePaths []string

var probeCmd = &cobra.Command{
	Use:   "probe",
	Short: "Probe API endpoints and print a JSON report",
	Long: `probe sends each endpoint through the full client pipeline and prints status,
latency and the classified failure for each one. Endpoints are given as
[METHOD ]PATH, for example --path "GET /servers".`,
	Run: runProbe,
}

func init() {
	probeCmd.Flags().StringSliceVar(&probePaths, "path", []string{"GET /ping", "GET /servers"}, "endpoint to probe, repeatable")
	rootCmd.AddCommand(probeCmd)
}

type probeReport struct {
	BaseURL   string               `json:"base_url"`
	Timestamp time.Time            `json:"timestamp"`
	Passed    int                  `json:"passed"`
	Failed    int                  `json:"failed"`
	Results   []client.ProbeResult `json:"results"`
}

func runProbe(cmd *cobra.Command, args []string) {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := newApp(ctx)
	if err != nil {
		fatal(nil, "Failed to connect", err)
	}
	defer a.Close()

	targets := make([]client.ProbeTarget, 0, len(probePaths))
	for _, p := range probePaths {
		targets = append(targets, parseProbeTarget(p))
	}

	results, err := a.client.Probe(ctx, targets)
	if err != nil {
		fatal(a, "Probe interrupted", err)
	}

	report := probeReport{
		BaseURL:   a.baseURL,
		Timestamp: time.Now().UTC(),
		Results:   results,
	}
	for _, r := range results {
		if r.OK {
			report.Passed++
		} else {
			report.Failed++
		}
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(report); err != nil {
		fatal(a, "Failed to write report", err)
	}

	if report.Failed > 0 {
		a.Close()
		os.Exit(2)
	}
}

func parseProbeTarget(s string) client.ProbeTarget {
	method, path := http.MethodGet, strings.TrimSpace(s)
	if m, p, ok := strings.Cut(path, " "); ok {
		method, path = strings.ToUpper(m), strings.TrimSpace(p)
	}
	return client.ProbeTarget{Name: method + " " + path, Method: method, Path: path}
}
