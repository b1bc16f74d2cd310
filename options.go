package client

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

type Option func(*Options)

// Pin is a pre-provisioned certificate fingerprint. An empty Host applies the pin to
// every host.
type Pin struct {
	Host        string `yaml:"host"`
	Port        int    `yaml:"port"`
	Fingerprint string `yaml:"fingerprint"`
}

type Options struct {
	retryCount        int
	retryWaitTime     time.Duration
	retryMaxWaitTime  time.Duration
	requestLogger     RequestLogger
	retryPolicy       func(*ClassifiedError) bool
	requestHeaders    map[string]string
	basicAuthUsername string
	basicAuthPassword string
	authScheme        string
	authToken         string

	session        SessionRepository
	refreshTimeout time.Duration
	expiryLeeway   time.Duration

	connectTimeout time.Duration
	sendTimeout    time.Duration
	receiveTimeout time.Duration

	trustStore        *TrustStore
	trustRecords      TrustRecordStore
	tofu              bool
	allowCertUpdate   bool
	requireValidChain bool
	pins              []Pin

	verbose       bool
	pingOnConnect bool
	transport     Transport
	registerer    prometheus.Registerer
	stateObserver func(*Request, RequestState)

	configErr error
}

func newClientOptions() *Options {
	return &Options{
		retryCount:       3,
		retryWaitTime:    500 * time.Millisecond,
		retryMaxWaitTime: 3 * time.Second,
		requestLogger:    &NoopLogger{},
		retryPolicy:      DefaultRetryPolicy,
		requestHeaders: map[string]string{
			"Content-Type": "application/json",
			"Accept":       "application/json",
		},
		authScheme:     "Bearer",
		refreshTimeout: 30 * time.Second,
		expiryLeeway:   30 * time.Second,
		connectTimeout: 10 * time.Second,
		sendTimeout:    10 * time.Second,
		receiveTimeout: 30 * time.Second,
		pingOnConnect:  true,
	}
}

func (o *Options) validate() error {
	var errs []error

	if o.configErr != nil {
		errs = append(errs, o.configErr)
	}
	if o.requestLogger == nil {
		errs = append(errs, errors.New("request logger must be set"))
	}
	if o.retryPolicy == nil {
		errs = append(errs, errors.New("retry policy must be set"))
	}
	if o.retryMaxWaitTime < o.retryWaitTime {
		errs = append(errs, fmt.Errorf("retry max wait time %s is below retry wait time %s", o.retryMaxWaitTime, o.retryWaitTime))
	}
	if (o.basicAuthUsername != "" || o.basicAuthPassword != "") && (o.authToken != "" || o.session != nil) {
		errs = append(errs, errors.New("basic auth and token auth are mutually exclusive"))
	}
	if o.authToken != "" && o.session != nil {
		errs = append(errs, errors.New("auth token and session repository are mutually exclusive"))
	}
	for i, pin := range o.pins {
		if NormalizeFingerprint(pin.Fingerprint) == "" {
			errs = append(errs, fmt.Errorf("pin %d has no fingerprint", i))
		}
		if pin.Host != "" && pin.Port <= 0 {
			errs = append(errs, fmt.Errorf("pin %d for host %s needs a port", i, pin.Host))
		}
	}

	return errors.Join(errs...)
}

// WithRetryCount sets the maximum number of automatic retries per logical request.
func WithRetryCount(count int) Option {
	return func(o *Options) {
		if count >= 0 {
			o.retryCount = count
		}
	}
}

// WithRetryWaitTime sets the base delay; the n-th retry waits n times this long.
func WithRetryWaitTime(waitTime time.Duration) Option {
	return func(o *Options) {
		if waitTime > 0 {
			o.retryWaitTime = waitTime
		}
	}
}

// WithRetryMaxWaitTime caps any single retry delay.
func WithRetryMaxWaitTime(maxWaitTime time.Duration) Option {
	return func(o *Options) {
		if maxWaitTime > 0 {
			o.retryMaxWaitTime = maxWaitTime
		}
	}
}

func WithRequestLogger(logger RequestLogger) Option {
	return func(o *Options) {
		if logger != nil {
			o.requestLogger = logger
		}
	}
}

// WithRetryPolicy narrows which transient failures are retried. See [DefaultRetryPolicy].
func WithRetryPolicy(policy func(*ClassifiedError) bool) Option {
	return func(o *Options) {
		if policy != nil {
			o.retryPolicy = policy
		}
	}
}

func WithRequestHeader(header, value string) Option {
	return func(o *Options) {
		header = strings.TrimSpace(header)

		if header == "" ||
			strings.EqualFold(header, "Content-Type") ||
			strings.EqualFold(header, "Accept") ||
			strings.EqualFold(header, "Authorization") {
			return
		}

		o.requestHeaders[header] = value
	}
}

func WithBasicAuth(username, password string) Option {
	return func(o *Options) {
		o.basicAuthUsername = username
		o.basicAuthPassword = password
	}
}

func WithAuthScheme(scheme string) Option {
	return func(o *Options) {
		if scheme = strings.TrimSpace(scheme); scheme != "" {
			o.authScheme = scheme
		}
	}
}

// WithAuthToken uses a fixed token that cannot be refreshed. Prefer [WithSession].
func WithAuthToken(token string) Option {
	return func(o *Options) {
		o.authToken = token
	}
}

// WithSession sets the session repository supplying and refreshing access tokens.
func WithSession(session SessionRepository) Option {
	return func(o *Options) {
		if session != nil {
			o.session = session
		}
	}
}

// WithRefreshTimeout bounds a single token refresh.
func WithRefreshTimeout(timeout time.Duration) Option {
	return func(o *Options) {
		if timeout > 0 {
			o.refreshTimeout = timeout
		}
	}
}

// WithTokenExpiryLeeway makes EnsureValidToken refresh JWT tokens expiring within leeway.
func WithTokenExpiryLeeway(leeway time.Duration) Option {
	return func(o *Options) {
		if leeway >= 0 {
			o.expiryLeeway = leeway
		}
	}
}

func WithConnectTimeout(timeout time.Duration) Option {
	return func(o *Options) {
		if timeout > 0 {
			o.connectTimeout = timeout
		}
	}
}

func WithSendTimeout(timeout time.Duration) Option {
	return func(o *Options) {
		if timeout > 0 {
			o.sendTimeout = timeout
		}
	}
}

func WithReceiveTimeout(timeout time.Duration) Option {
	return func(o *Options) {
		if timeout > 0 {
			o.receiveTimeout = timeout
		}
	}
}

// WithTrustStore uses a caller-owned trust store; the trust options below are then ignored.
func WithTrustStore(store *TrustStore) Option {
	return func(o *Options) {
		if store != nil {
			o.trustStore = store
		}
	}
}

// WithTrustRecordStore persists trust records in store instead of memory.
func WithTrustRecordStore(store TrustRecordStore) Option {
	return func(o *Options) {
		if store != nil {
			o.trustRecords = store
		}
	}
}

// WithTOFU enables trust-on-first-use pinning of unknown hosts.
func WithTOFU(enabled bool) Option {
	return func(o *Options) {
		o.tofu = enabled
	}
}

// WithAutomaticCertificateUpdate accepts changed certificates and re-pins them.
func WithAutomaticCertificateUpdate(enabled bool) Option {
	return func(o *Options) {
		o.allowCertUpdate = enabled
	}
}

// WithValidChainRequired verifies certificate chains against system roots before pinning.
func WithValidChainRequired(required bool) Option {
	return func(o *Options) {
		o.requireValidChain = required
	}
}

// WithPins adds pre-provisioned fingerprints to the allow-list.
func WithPins(pins ...Pin) Option {
	return func(o *Options) {
		o.pins = append(o.pins, pins...)
	}
}

// WithVerboseLogging forwards debug messages to the logger and enables resty debug output.
func WithVerboseLogging(enabled bool) Option {
	return func(o *Options) {
		o.verbose = enabled
	}
}

// WithPingOnConnect controls whether Connect checks the API with GET /ping.
func WithPingOnConnect(enabled bool) Option {
	return func(o *Options) {
		o.pingOnConnect = enabled
	}
}

// WithTransport replaces the default resty transport. The trust store is then only
// consulted if the custom transport does so.
func WithTransport(transport Transport) Option {
	return func(o *Options) {
		if transport != nil {
			o.transport = transport
		}
	}
}

// WithMetricsRegisterer registers the client's collectors on reg.
func WithMetricsRegisterer(reg prometheus.Registerer) Option {
	return func(o *Options) {
		if reg != nil {
			o.registerer = reg
		}
	}
}

// WithStateObserver is called on every state transition of every logical request.
func WithStateObserver(observer func(*Request, RequestState)) Option {
	return func(o *Options) {
		o.stateObserver = observer
	}
}
