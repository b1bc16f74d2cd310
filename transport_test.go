package client

import (
	"context"
	"errors"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"sync/atomic"
	"testing"
	"time"

	"github.com/go-resty/resty/v2"
)

func serverHostPort(t *testing.T, server *httptest.Server) (string, int) {
	t.Helper()

	u, err := url.Parse(server.URL)
	if err != nil {
		t.Fatal(err)
	}
	host, portStr, err := net.SplitHostPort(u.Host)
	if err != nil {
		t.Fatal(err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		t.Fatal(err)
	}
	return host, port
}

func TestTransport_TLSFirstUsePinsCertificate(t *testing.T) {
	t.Parallel()

	server := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	client := New(server.URL, WithTOFU(true))
	defer client.Close()

	if err := client.Connect(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	host, port := serverHostPort(t, server)
	rec, found, err := client.TrustStore().Records().Get(context.Background(), host, port)
	if err != nil || !found {
		t.Fatalf("expected a pin for %s:%d, got found=%v err=%v", host, port, found, err)
	}
	if rec.Fingerprint != Fingerprint(server.Certificate()) {
		t.Errorf("expected server certificate to be pinned, got %s", rec.Fingerprint)
	}
	if rec.Source != PinAuto {
		t.Errorf("expected auto source, got %s", rec.Source)
	}
}

func TestTransport_TLSStrictRejectsUnknownCertificate(t *testing.T) {
	t.Parallel()

	var hits atomic.Int32
	server := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	client := newConnectedClient(t, server.URL, WithRetryWaitTime(time.Millisecond))

	req := NewRequest(http.MethodGet, "/servers", nil)
	_, err := client.Do(context.Background(), req)

	if !errors.Is(err, ErrCertificateRejected) {
		t.Fatalf("expected certificate rejection, got: %v", err)
	}
	if req.Sends() != 1 {
		t.Errorf("expected certificate rejection not to be retried, got %d sends", req.Sends())
	}
	if hits.Load() != 0 {
		t.Errorf("expected no request to reach the server, got %d", hits.Load())
	}
}

func TestTransport_TLSAllowListedPin(t *testing.T) {
	t.Parallel()

	server := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	host, port := serverHostPort(t, server)
	client := newConnectedClient(t, server.URL,
		WithPins(Pin{Host: host, Port: port, Fingerprint: Fingerprint(server.Certificate())}),
	)

	if _, err := client.Do(context.Background(), NewRequest(http.MethodGet, "/servers", nil)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestTransport_TLSConflictSurfacesFingerprints(t *testing.T) {
	t.Parallel()

	server := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	host, port := serverHostPort(t, server)
	store := NewTrustStore(nil, TrustPolicy{TOFU: true})
	if err := store.Confirm(context.Background(), host, port, fpOne); err != nil {
		t.Fatal(err)
	}

	client := newConnectedClient(t, server.URL, WithTrustStore(store))

	_, err := client.Do(context.Background(), NewRequest(http.MethodGet, "/servers", nil))

	var conflict *CertificateConflictError
	if !errors.As(err, &conflict) {
		t.Fatalf("expected CertificateConflictError, got: %v", err)
	}
	if conflict.Pinned != fpOne || conflict.Presented != Fingerprint(server.Certificate()) {
		t.Errorf("unexpected conflict: %+v", conflict)
	}

	// After the user confirms the new certificate the request goes through.
	if err := store.Confirm(context.Background(), host, port, conflict.Presented); err != nil {
		t.Fatal(err)
	}
	if _, err := client.Do(context.Background(), NewRequest(http.MethodGet, "/servers", nil)); err != nil {
		t.Errorf("unexpected error after confirmation: %v", err)
	}
}

func TestTransport_ReceiveTimeout(t *testing.T) {
	t.Parallel()

	release := make(chan struct{})
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()
	defer close(release)

	client := newConnectedClient(t, server.URL,
		WithReceiveTimeout(50*time.Millisecond),
		WithRetryCount(1),
		WithRetryWaitTime(time.Millisecond),
	)

	req := NewRequest(http.MethodGet, "/servers", nil)
	_, err := client.Do(context.Background(), req)

	if !errors.Is(err, ErrReceiveTimeout) {
		t.Fatalf("expected receive timeout, got: %v", err)
	}
	if req.Sends() != 2 {
		t.Errorf("expected 1 retry, got %d sends", req.Sends())
	}
}

func TestTransport_SendsBody(t *testing.T) {
	t.Parallel()

	var contentType atomic.Value
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		contentType.Store(r.Header.Get("Content-Type"))
		w.WriteHeader(http.StatusCreated)
	}))
	defer server.Close()

	client := newConnectedClient(t, server.URL)

	resp, err := client.Do(context.Background(), NewRequest(http.MethodPost, "/usage", map[string]int{"bytes": 1}))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.StatusCode != http.StatusCreated {
		t.Errorf("expected 201, got %d", resp.StatusCode)
	}
	if contentType.Load() != "application/json" {
		t.Errorf("expected application/json, got %v", contentType.Load())
	}
}

func TestRedactRequestLog(t *testing.T) {
	t.Parallel()

	rl := &resty.RequestLog{Header: http.Header{
		"Authorization": []string{"Bearer secret"},
		"Accept":        []string{"application/json"},
	}}

	if err := redactRequestLog(rl); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rl.Header.Get("Authorization") != "[REDACTED]" {
		t.Errorf("expected Authorization to be redacted, got %s", rl.Header.Get("Authorization"))
	}
	if rl.Header.Get("Accept") != "application/json" {
		t.Error("expected other headers to be kept")
	}
}
