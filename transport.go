package client

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
)

// Transport performs one send attempt. Implementations must not retry on their own;
// retry and refresh decisions belong to [Client.Do].
type Transport interface {
	Send(ctx context.Context, req *Request) (*Response, error)
}

// TransportFunc adapts a function to [Transport].
type TransportFunc func(ctx context.Context, req *Request) (*Response, error)

func (f TransportFunc) Send(ctx context.Context, req *Request) (*Response, error) {
	return f(ctx, req)
}

// dialError marks failures that happened while establishing a connection, including
// the TLS handshake, so that they classify as connect-phase failures.
type dialError struct {
	addr string
	err  error
}

func (e *dialError) Error() string {
	return fmt.Sprintf("dial %s: %v", e.addr, e.err)
}

func (e *dialError) Unwrap() error {
	return e.err
}

// writeDeadlineConn bounds every write, which turns a stalled request upload into a
// send timeout.
type writeDeadlineConn struct {
	net.Conn
	timeout time.Duration
}

func (c *writeDeadlineConn) Write(b []byte) (int, error) {
	if c.timeout > 0 {
		_ = c.Conn.SetWriteDeadline(time.Now().Add(c.timeout))
	}
	return c.Conn.Write(b)
}

type transportSettings struct {
	baseURL           string
	connectTimeout    time.Duration
	sendTimeout       time.Duration
	receiveTimeout    time.Duration
	trust             *TrustStore
	headers           map[string]string
	basicAuthUsername string
	basicAuthPassword string
	logger            RequestLogger
	debug             bool
}

// RestyTransport is the default [Transport], built on resty. TLS handshakes ask the
// client's [TrustStore] whether to accept the server certificate.
type RestyTransport struct {
	client *resty.Client
	dialer *net.Dialer
	s      transportSettings
}

func newRestyTransport(s transportSettings) *RestyTransport {
	t := &RestyTransport{
		dialer: &net.Dialer{
			Timeout:   s.connectTimeout,
			KeepAlive: 30 * time.Second,
		},
		s: s,
	}

	httpTransport := &http.Transport{
		DialContext:           t.dial,
		DialTLSContext:        t.dialTLS,
		ResponseHeaderTimeout: s.receiveTimeout,
		MaxIdleConns:          100,
		MaxIdleConnsPerHost:   10,
		IdleConnTimeout:       90 * time.Second,
	}

	client := resty.New().
		SetBaseURL(s.baseURL).
		SetTransport(httpTransport).
		SetRetryCount(0).
		SetLogger(s.logger).
		SetDebug(s.debug).
		SetHeaders(s.headers).
		OnRequestLog(redactRequestLog)

	if s.basicAuthUsername != "" || s.basicAuthPassword != "" {
		client.SetBasicAuth(s.basicAuthUsername, s.basicAuthPassword)
	}

	t.client = client
	return t
}

// Send executes req once.
func (t *RestyTransport) Send(ctx context.Context, req *Request) (*Response, error) {
	r := t.client.R().
		SetContext(ctx).
		SetHeaderMultiValues(req.Header)

	if req.Body != nil {
		r.SetBody(req.Body)
	}

	resp, err := r.Execute(req.Method, req.URL)
	if err != nil {
		return nil, err
	}

	return &Response{
		StatusCode: resp.StatusCode(),
		Header:     resp.Header(),
		Body:       resp.Body(),
	}, nil
}

// Close releases idle connections.
func (t *RestyTransport) Close() {
	t.client.GetClient().CloseIdleConnections()
}

func (t *RestyTransport) dial(ctx context.Context, network, addr string) (net.Conn, error) {
	conn, err := t.dialer.DialContext(ctx, network, addr)
	if err != nil {
		return nil, &dialError{addr: addr, err: err}
	}
	return &writeDeadlineConn{Conn: conn, timeout: t.s.sendTimeout}, nil
}

func (t *RestyTransport) dialTLS(ctx context.Context, network, addr string) (net.Conn, error) {
	host, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		return nil, &dialError{addr: addr, err: err}
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return nil, &dialError{addr: addr, err: err}
	}

	connectCtx := ctx
	if t.s.connectTimeout > 0 {
		var cancel context.CancelFunc
		connectCtx, cancel = context.WithTimeout(ctx, t.s.connectTimeout)
		defer cancel()
	}

	raw, err := t.dial(connectCtx, network, addr)
	if err != nil {
		return nil, err
	}

	cfg := &tls.Config{
		ServerName: host,
		MinVersion: tls.VersionTLS12,
		NextProtos: []string{"http/1.1"},
	}
	if t.s.trust != nil {
		// Chain verification, when required, happens inside the trust decision.
		cfg.InsecureSkipVerify = true
		cfg.VerifyConnection = t.s.trust.VerifyConnection(ctx, host, port)
	}

	conn := tls.Client(raw, cfg)
	if err := conn.HandshakeContext(connectCtx); err != nil {
		_ = raw.Close()
		return nil, &dialError{addr: addr, err: err}
	}
	return conn, nil
}

func redactRequestLog(rl *resty.RequestLog) error {
	for name := range rl.Header {
		if strings.EqualFold(name, "Authorization") {
			rl.Header.Set(name, "[REDACTED]")
		}
	}
	return nil
}
