package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"
)

// Server is one entry of the VPN server directory.
type Server struct {
	ID        string   `json:"id"`
	Name      string   `json:"name"`
	Country   string   `json:"country"`
	City      string   `json:"city,omitempty"`
	Host      string   `json:"host"`
	Port      int      `json:"port"`
	Protocols []string `json:"protocols,omitempty"`
	Load      float64  `json:"load"`

	// CertFingerprint is the server's certificate pin, if the backend provides one.
	CertFingerprint string `json:"cert_fingerprint,omitempty"`
}

// UsageReport is the traffic of one tunnel session, as counted by the tunnel library.
type UsageReport struct {
	SessionID     string    `json:"session_id"`
	ServerID      string    `json:"server_id"`
	BytesSent     uint64    `json:"bytes_sent"`
	BytesReceived uint64    `json:"bytes_received"`
	StartedAt     time.Time `json:"started_at"`
	EndedAt       time.Time `json:"ended_at"`
}

// Ping checks that the API answers.
func (c *Client) Ping(ctx context.Context) error {
	if err := c.acquire(); err != nil {
		return err
	}
	defer c.inflight.Done()

	return c.ping(ctx)
}

func (c *Client) ping(ctx context.Context) error {
	req := NewRequest(http.MethodGet, "/ping", nil)
	req.Anonymous = true

	_, err := c.execute(ctx, req)
	return err
}

// Servers fetches the server directory. Certificate pins shipped with the directory
// are provisioned into the trust store for hosts that have no pin yet.
func (c *Client) Servers(ctx context.Context) ([]Server, error) {
	if err := c.acquire(); err != nil {
		return nil, err
	}
	defer c.inflight.Done()

	var payload struct {
		Servers []Server `json:"servers"`
	}
	if err := c.getJSON(ctx, "/servers", &payload); err != nil {
		return nil, err
	}

	for _, s := range payload.Servers {
		if s.CertFingerprint == "" || s.Host == "" || s.Port <= 0 {
			continue
		}
		if err := c.trust.Provision(ctx, s.Host, s.Port, s.CertFingerprint); err != nil {
			c.logger.Warnf("failed to provision pin for server %s: %v", s.ID, err)
		}
	}

	return payload.Servers, nil
}

// ReportUsage uploads the traffic counters of a finished tunnel session.
func (c *Client) ReportUsage(ctx context.Context, report UsageReport) error {
	if report.SessionID == "" {
		return errors.New("usage report session ID must be set")
	}
	if report.EndedAt.Before(report.StartedAt) {
		return errors.New("usage report ends before it starts")
	}

	if err := c.acquire(); err != nil {
		return err
	}
	defer c.inflight.Done()

	_, err := c.execute(ctx, NewRequest(http.MethodPost, "/usage", report))
	return err
}

func (c *Client) getJSON(ctx context.Context, path string, out any) error {
	resp, err := c.execute(ctx, NewRequest(http.MethodGet, path, nil))
	if err != nil {
		return err
	}

	if err := json.Unmarshal(resp.Body, out); err != nil {
		return fmt.Errorf("failed to decode %s response: %w", path, err)
	}
	return nil
}

// ProbeTarget is one endpoint checked by [Client.Probe].
type ProbeTarget struct {
	Name   string `json:"name" yaml:"name"`
	Method string `json:"method" yaml:"method"`
	Path   string `json:"path" yaml:"path"`
	Body   any    `json:"body,omitempty" yaml:"body"`
}

// ProbeResult is the outcome of one probe.
type ProbeResult struct {
	Name      string        `json:"name"`
	Path      string        `json:"path"`
	OK        bool          `json:"ok"`
	Status    int           `json:"status"`
	Latency   time.Duration `json:"latency_ns"`
	Sends     int           `json:"sends"`
	Kind      string        `json:"kind,omitempty"`
	Message   string        `json:"message,omitempty"`
	CheckedAt time.Time     `json:"checked_at"`
}

// Probe sends each target through the full pipeline, one after another, and reports
// status and latency. It stops early only when ctx ends.
func (c *Client) Probe(ctx context.Context, targets []ProbeTarget) ([]ProbeResult, error) {
	if err := c.acquire(); err != nil {
		return nil, err
	}
	defer c.inflight.Done()

	results := make([]ProbeResult, 0, len(targets))
	for _, t := range targets {
		if err := ctx.Err(); err != nil {
			return results, err
		}

		method := t.Method
		if method == "" {
			method = http.MethodGet
		}
		req := NewRequest(method, t.Path, t.Body)

		start := time.Now()
		resp, err := c.execute(ctx, req)
		result := ProbeResult{
			Name:      t.Name,
			Path:      t.Path,
			Latency:   time.Since(start),
			Sends:     req.Sends(),
			CheckedAt: start,
		}

		if err != nil {
			if ce, ok := AsClassified(err); ok {
				result.Status = ce.Status
				result.Kind = ce.Kind.String()
				result.Message = ce.Message
			} else {
				result.Message = err.Error()
			}
		} else {
			result.OK = true
			result.Status = resp.StatusCode
		}

		results = append(results, result)
	}

	return results, nil
}
