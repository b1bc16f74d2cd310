package client

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"
)

func TestServers(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/servers" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"servers":[
			{"id":"de-1","name":"Frankfurt 1","country":"DE","host":"de1.vpn.example.test","port":443,"load":0.42,"cert_fingerprint":"` + fpOne + `"},
			{"id":"us-1","name":"New York 1","country":"US","host":"us1.vpn.example.test","port":443,"load":0.1}
		]}`))
	}))
	defer server.Close()

	client := newConnectedClient(t, server.URL, WithAuthToken("token"))

	servers, err := client.Servers(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if len(servers) != 2 {
		t.Fatalf("expected 2 servers, got %d", len(servers))
	}
	if servers[0].ID != "de-1" || servers[0].Country != "DE" || servers[0].Load != 0.42 {
		t.Errorf("unexpected first server: %+v", servers[0])
	}

	rec, found, _ := client.TrustStore().Records().Get(context.Background(), "de1.vpn.example.test", 443)
	if !found || rec.Fingerprint != fpOne || rec.Source != PinServerProvided {
		t.Errorf("expected provisioned pin, got %+v", rec)
	}
	if _, found, _ := client.TrustStore().Records().Get(context.Background(), "us1.vpn.example.test", 443); found {
		t.Error("expected no pin for server without fingerprint")
	}
}

func TestServers_InvalidJSON(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`not json`))
	}))
	defer server.Close()

	client := newConnectedClient(t, server.URL)

	_, err := client.Servers(context.Background())
	if err == nil || !strings.Contains(err.Error(), "failed to decode /servers response") {
		t.Errorf("expected decode error, got: %v", err)
	}
}

func TestReportUsage_JSONFormat(t *testing.T) {
	t.Parallel()

	var (
		mu       sync.Mutex
		received map[string]any
		method   string
	)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		defer mu.Unlock()
		method = r.Method
		_ = json.NewDecoder(r.Body).Decode(&received)
		w.WriteHeader(http.StatusAccepted)
	}))
	defer server.Close()

	client := newConnectedClient(t, server.URL)

	started := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	err := client.ReportUsage(context.Background(), UsageReport{
		SessionID:     "sess-1",
		ServerID:      "de-1",
		BytesSent:     1024,
		BytesReceived: 4096,
		StartedAt:     started,
		EndedAt:       started.Add(time.Hour),
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	mu.Lock()
	defer mu.Unlock()

	if method != http.MethodPost {
		t.Errorf("expected POST, got %s", method)
	}
	if received["session_id"] != "sess-1" {
		t.Errorf("expected session_id=sess-1, got %v", received["session_id"])
	}
	if received["bytes_received"] != float64(4096) {
		t.Errorf("expected bytes_received=4096, got %v", received["bytes_received"])
	}
	if received["started_at"] != "2026-01-02T03:04:05Z" {
		t.Errorf("unexpected started_at %v", received["started_at"])
	}
}

func TestReportUsage_Validation(t *testing.T) {
	t.Parallel()

	client := newConnectedClient(t, "http://example.com")
	now := time.Now()

	if err := client.ReportUsage(context.Background(), UsageReport{StartedAt: now, EndedAt: now}); err == nil {
		t.Error("expected error for missing session ID")
	}
	if err := client.ReportUsage(context.Background(), UsageReport{SessionID: "s", StartedAt: now, EndedAt: now.Add(-time.Second)}); err == nil {
		t.Error("expected error for report ending before it starts")
	}
}

func TestPing_NotConnected(t *testing.T) {
	t.Parallel()

	client := New("http://example.com")
	if err := client.Ping(context.Background()); !errors.Is(err, ErrNotConnected) {
		t.Errorf("expected ErrNotConnected, got: %v", err)
	}
}

func TestProbe(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/ping":
			w.WriteHeader(http.StatusOK)
		case "/admin":
			w.WriteHeader(http.StatusForbidden)
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer server.Close()

	client := newConnectedClient(t, server.URL)

	results, err := client.Probe(context.Background(), []ProbeTarget{
		{Name: "ping", Path: "/ping"},
		{Name: "admin", Method: http.MethodPost, Path: "/admin"},
		{Name: "missing", Path: "/missing"},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if len(results) != 3 {
		t.Fatalf("expected 3 results, got %d", len(results))
	}

	if !results[0].OK || results[0].Status != http.StatusOK || results[0].Sends != 1 {
		t.Errorf("unexpected ping result: %+v", results[0])
	}
	if results[1].OK || results[1].Kind != "forbidden" || results[1].Status != http.StatusForbidden {
		t.Errorf("unexpected admin result: %+v", results[1])
	}
	if results[2].Kind != "not_found" || results[2].Message == "" {
		t.Errorf("unexpected missing result: %+v", results[2])
	}
}

func TestProbe_StopsWhenContextEnds(t *testing.T) {
	t.Parallel()

	client := newConnectedClient(t, "http://example.com")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	results, err := client.Probe(ctx, []ProbeTarget{{Name: "ping", Path: "/ping"}})
	if !errors.Is(err, context.Canceled) {
		t.Errorf("expected context.Canceled, got: %v", err)
	}
	if len(results) != 0 {
		t.Errorf("expected no results, got %d", len(results))
	}
}
