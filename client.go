package client

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
)

var (
	ErrClientNil    = errors.New("api client is nil")
	ErrNotConnected = errors.New("client not connected - call Connect() first")
	ErrClientClosed = errors.New("client closed")
)

// Client sends requests to the OrbX control-plane API. Create it with [New], call
// [Client.Connect] once before use and [Client.Close] when done. A Client is safe for
// concurrent use; each call to [Client.Do] runs its own retry and refresh loop while
// sharing the token refresh coordinator and trust store.
type Client struct {
	baseURL string
	options *Options

	connectMu sync.Mutex
	built     bool

	mu        sync.RWMutex
	connected bool
	closed    bool
	inflight  sync.WaitGroup

	ctx    context.Context
	cancel context.CancelFunc

	transport   Transport
	trust       *TrustStore
	coordinator *RefreshCoordinator
	auth        *AuthDecorator
	retry       *RetryController
	metrics     *clientMetrics
	logger      RequestLogger
}

// New creates a client for baseURL. Invalid option values are ignored and the default
// is kept; the resulting configuration is validated by Connect.
func New(baseURL string, opts ...Option) *Client {
	options := newClientOptions()
	for _, opt := range opts {
		opt(options)
	}

	return &Client{
		baseURL: baseURL,
		options: options,
	}
}

// Connect validates the configuration, wires the pipeline and, unless disabled with
// [WithPingOnConnect], checks that the API answers GET /ping. Calling Connect on a
// connected client is a no-op.
func (c *Client) Connect(ctx context.Context) error {
	if c == nil {
		return ErrClientNil
	}

	c.connectMu.Lock()
	defer c.connectMu.Unlock()

	c.mu.RLock()
	connected, closed := c.connected, c.closed
	c.mu.RUnlock()
	if closed {
		return ErrClientClosed
	}
	if connected {
		return nil
	}

	if c.baseURL == "" {
		return errors.New("base URL must be set")
	}

	if err := c.options.validate(); err != nil {
		return fmt.Errorf("invalid options: %w", err)
	}

	if !c.built {
		c.mu.Lock()
		c.build()
		c.mu.Unlock()
		c.built = true
	}

	var pingErr error
	if c.options.pingOnConnect {
		pingErr = c.ping(ctx)
	}

	// Close may have run while the ping was in flight.
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		c.release()
		return ErrClientClosed
	}
	if pingErr != nil {
		c.mu.Unlock()
		return fmt.Errorf("failed to ping API: %w", pingErr)
	}
	c.connected = true
	c.mu.Unlock()

	c.logger.Debugf("connected to %s", c.baseURL)
	return nil
}

func (c *Client) build() {
	o := c.options
	c.ctx, c.cancel = context.WithCancel(context.Background())

	c.logger = o.requestLogger
	if !o.verbose {
		c.logger = quietLogger{o.requestLogger}
	}

	if o.registerer != nil {
		c.metrics = newClientMetrics(o.registerer)
	}

	c.trust = o.trustStore
	if c.trust == nil {
		c.trust = NewTrustStore(o.trustRecords, TrustPolicy{
			TOFU:                 o.tofu,
			AllowAutomaticUpdate: o.allowCertUpdate,
			RequireValidChain:    o.requireValidChain,
		})
		c.trust.logger = c.logger
		c.trust.metrics = c.metrics
	}
	for _, pin := range o.pins {
		c.trust.AllowFingerprint(pin.Host, pin.Port, pin.Fingerprint)
	}

	session := o.session
	if session == nil {
		session = NewStaticSession(o.authToken)
	}
	c.coordinator = NewRefreshCoordinator(c.ctx, session, o.refreshTimeout, o.expiryLeeway)
	c.coordinator.logger = c.logger
	c.coordinator.metrics = c.metrics

	c.auth = NewAuthDecorator(c.coordinator, o.authScheme)

	c.retry = &RetryController{
		MaxAttempts: o.retryCount,
		BaseDelay:   o.retryWaitTime,
		MaxDelay:    o.retryMaxWaitTime,
		Policy:      o.retryPolicy,
	}

	c.transport = o.transport
	if c.transport == nil {
		c.transport = newRestyTransport(transportSettings{
			baseURL:           c.baseURL,
			connectTimeout:    o.connectTimeout,
			sendTimeout:       o.sendTimeout,
			receiveTimeout:    o.receiveTimeout,
			trust:             c.trust,
			headers:           o.requestHeaders,
			basicAuthUsername: o.basicAuthUsername,
			basicAuthPassword: o.basicAuthPassword,
			logger:            c.logger,
			debug:             o.verbose,
		})
	}
}

// Close cancels in-flight requests and token refreshes, waits for them to return and
// releases idle connections. Close is idempotent.
func (c *Client) Close() error {
	if c == nil {
		return nil
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.connected = false
	cancel, transport := c.cancel, c.transport
	c.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	c.inflight.Wait()

	if rt, ok := transport.(*RestyTransport); ok {
		rt.Close()
	}
	return nil
}

// release cancels the lifetime context and drops idle connections of a client that
// was closed while connecting.
func (c *Client) release() {
	c.cancel()
	if rt, ok := c.transport.(*RestyTransport); ok {
		rt.Close()
	}
}

// TrustStore returns the client's certificate trust store, or nil before Connect.
func (c *Client) TrustStore() *TrustStore {
	return c.trust
}

// EnsureValidToken returns a usable access token, refreshing it if it is missing or
// about to expire. Concurrent callers share one refresh.
func (c *Client) EnsureValidToken(ctx context.Context) (string, error) {
	if err := c.acquire(); err != nil {
		return "", err
	}
	defer c.inflight.Done()

	return c.coordinator.EnsureValidToken(ctx)
}

// Do runs req through the pipeline: attach token, send, classify a failure, then
// retry with backoff, refresh the token and resubmit once, or fail. Every error
// returned is a *[ClassifiedError] except the client state errors.
func (c *Client) Do(ctx context.Context, req *Request) (*Response, error) {
	if err := c.acquire(); err != nil {
		return nil, err
	}
	defer c.inflight.Done()

	if req == nil {
		return nil, errors.New("request is nil")
	}

	return c.execute(ctx, req)
}

func (c *Client) acquire() error {
	if c == nil {
		return ErrClientNil
	}

	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return ErrClientClosed
	}
	if !c.connected {
		return ErrNotConnected
	}
	c.inflight.Add(1)
	return nil
}

func (c *Client) execute(ctx context.Context, req *Request) (*Response, error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(c.ctx, cancel)
	defer stop()

	if req.ID == "" {
		req.ID = uuid.NewString()
	}
	if req.Header == nil {
		req.Header = make(http.Header)
	}

	start := time.Now()
	c.observe(req, StateCreated)

	// A streamed body can be read once; every attempt sends the buffered copy.
	if r, ok := req.Body.(io.Reader); ok {
		data, err := io.ReadAll(r)
		if rc, ok := r.(io.Closer); ok {
			_ = rc.Close()
		}
		if err != nil {
			return nil, c.fail(req, start, NewClassifiedError(KindUnknown, 0, fmt.Errorf("failed to read request body: %w", err)))
		}
		req.Body = data
	}

	for {
		if err := ctx.Err(); err != nil {
			return nil, c.fail(req, start, NewClassifiedError(KindCancelled, 0, err))
		}

		var sentToken string
		if req.Anonymous {
			req.Header.Del("Authorization")
		} else {
			sentToken = c.auth.Attach(req)
		}
		req.Header.Set("X-Request-ID", req.ID)

		c.observe(req, StateSending)
		req.markSent()
		resp, err := c.transport.Send(ctx, req)

		cerr := Classify(ctx, resp, err)
		if cerr == nil {
			c.observe(req, StateSucceeded)
			c.metrics.request(req.Method, "success", time.Since(start).Seconds())
			return resp, nil
		}

		c.observe(req, StateClassifyingFailure)

		switch {
		case cerr.Kind == KindUnauthorized && !req.Anonymous:
			c.observe(req, StateRefreshingAuth)
			resubmit, werr := c.auth.HandleUnauthorized(ctx, req, sentToken)
			if werr != nil {
				return nil, c.fail(req, start, NewClassifiedError(KindCancelled, 0, werr))
			}
			if !resubmit {
				return nil, c.fail(req, start, cerr)
			}
			c.logger.Debugf("%s %s [%s]: resubmitting with refreshed token", req.Method, req.URL, req.ID)

		case cerr.Kind.Transient():
			decision := c.retry.ShouldRetry(cerr, req.Attempt())
			if !decision.Retry {
				return nil, c.fail(req, start, cerr)
			}

			c.observe(req, StateRetrying)
			c.metrics.retry(cerr.Kind)
			c.logger.Warnf("%s %s [%s]: %s, retry %d/%d in %s",
				req.Method, req.URL, req.ID, cerr.Kind, req.Attempt()+1, c.retry.MaxAttempts, decision.Delay)

			if err := wait(ctx, decision.Delay); err != nil {
				if errors.Is(err, context.Canceled) {
					return nil, c.fail(req, start, NewClassifiedError(KindCancelled, 0, err))
				}
				return nil, c.fail(req, start, cerr)
			}
			req.nextAttempt(c.retry.MaxAttempts)

		default:
			return nil, c.fail(req, start, cerr)
		}
	}
}

func (c *Client) fail(req *Request, start time.Time, cerr *ClassifiedError) error {
	c.observe(req, StateFailed)
	c.metrics.request(req.Method, cerr.Kind.String(), time.Since(start).Seconds())
	c.logger.Debugf("%s %s [%s] failed after %d send(s): %v", req.Method, req.URL, req.ID, req.Sends(), cerr)
	return cerr
}

func (c *Client) observe(req *Request, state RequestState) {
	if c.options.stateObserver != nil {
		c.options.stateObserver(req, state)
	}
}
