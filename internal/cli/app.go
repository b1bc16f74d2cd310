package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	client "github.com/orbvpn/orbx-client"
)

// loadConfig reads --config, or falls back to the preset named by ORBX_TIER.
// --trust-file (or ORBX_TRUST_FILE) switches the trust store to a local file.
func loadConfig() (*client.Config, error) {
	var cfg *client.Config
	if cfgPath != "" {
		loaded, err := client.LoadConfig(cfgPath)
		if err != nil {
			return nil, err
		}
		cfg = loaded
	} else {
		preset, err := client.ConfigForTier(client.Tier(os.Getenv("ORBX_TIER")))
		if err != nil {
			return nil, err
		}
		if url := os.Getenv("ORBX_BASE_URL"); url != "" {
			preset.BaseURL = url
		}
		cfg = &preset
	}

	path := trustFile
	if path == "" {
		path = os.Getenv("ORBX_TRUST_FILE")
	}
	if path != "" {
		cfg.TrustStore = client.TrustStoreConfig{Backend: "file", Path: path}
	}
	return cfg, nil
}

// openRecords opens the configured trust record backend. The returned func releases it.
func openRecords(ctx context.Context, cfg *client.Config) (client.TrustRecordStore, func(), error) {
	switch cfg.TrustStore.Backend {
	case "file":
		return client.NewFileRecordStore(cfg.TrustStore.Path), func() {}, nil
	case "redis":
		store, err := client.DialRedisRecordStore(ctx, cfg.TrustStore.RedisConfig)
		if err != nil {
			return nil, nil, err
		}
		return store, func() { _ = store.Close() }, nil
	default:
		return client.NewMemoryRecordStore(), func() {}, nil
	}
}

// app is one CLI invocation's connected client and the resources it owns.
type app struct {
	client  *client.Client
	baseURL string
	cleanup []func()
}

func (a *app) Close() {
	for i := len(a.cleanup) - 1; i >= 0; i-- {
		a.cleanup[i]()
	}
}

// newApp builds and connects a client from the flags and config.
func newApp(ctx context.Context) (*app, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	url := cfg.BaseURL
	if baseURL != "" {
		url = baseURL
	}
	if url == "" {
		return nil, errors.New("no base URL: set base_url in the config, ORBX_BASE_URL or --base-url")
	}

	a := &app{baseURL: url}

	records, closeRecords, err := openRecords(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to open trust store: %w", err)
	}
	a.cleanup = append(a.cleanup, closeRecords)

	session, err := newFileSession(token, tokenFile)
	if err != nil {
		a.Close()
		return nil, err
	}

	opts := []client.Option{
		client.WithConfig(*cfg),
		client.WithRequestLogger(client.NewSlogLogger(slog.Default())),
		client.WithTrustRecordStore(records),
		client.WithSession(session),
		client.WithRequestHeader("User-Agent", "orbxctl"),
	}
	if isDebug {
		opts = append(opts, client.WithVerboseLogging(true))
	}

	if metricsAddr != "" {
		reg := prometheus.NewRegistry()
		reg.MustRegister(collectors.NewGoCollector())
		opts = append(opts, client.WithMetricsRegisterer(reg))
		a.cleanup = append(a.cleanup, serveMetrics(metricsAddr, reg))
	}

	c := client.New(url, opts...)
	if err := c.Connect(ctx); err != nil {
		a.Close()
		return nil, err
	}
	a.client = c
	a.cleanup = append(a.cleanup, func() { _ = c.Close() })

	slog.Debug("Client connected", "base_url", url, "tier", cfg.Tier)
	return a, nil
}

// serveMetrics exposes reg on addr until the returned func is called.
func serveMetrics(addr string, reg *prometheus.Registry) func() {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))

	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("Metrics server failed", "error", err)
		}
	}()
	slog.Info("Serving metrics", "addr", addr)

	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(ctx)
	}
}
