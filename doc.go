// Package client provides the secure API client core of the OrbX VPN app.
//
// Every control-plane request (sign-in, server directory, usage reporting) goes
// through one pipeline that attaches the bearer token, decides certificate trust
// during the TLS handshake, classifies failures, retries transient ones with backoff
// and refreshes the token after a 401. The transport is built on
// [github.com/go-resty/resty/v2].
//
// # Basic Usage
//
//	c := client.New("https://api.orbvpn.example:8443",
//	    client.WithConfig(client.ProductionConfig()),
//	    client.WithSession(sessionRepo),
//	)
//
//	if err := c.Connect(ctx); err != nil {
//	    log.Fatal(err)
//	}
//	defer c.Close()
//
//	servers, err := c.Servers(ctx)
//
// # Configuration
//
// All configuration is supplied as [Option] functions passed to [New]. Tier presets
// ([DevelopmentConfig], [StagingConfig], [ProductionConfig]) or a YAML file read with
// [LoadConfig] are applied with [WithConfig]. Invalid values are silently ignored and
// the default is retained; all configuration is validated when [Client.Connect] is
// called.
//
// # Retry Behaviour
//
// Connect, send and receive timeouts and connection errors are retried up to the
// configured count, waiting base * (n+1) before the n-th retry. A 401 is never
// retried as such; it triggers one token refresh and one resubmission. Certificate
// rejections, cancellation and HTTP 403, 404 and 5xx responses are returned
// immediately. Every failure is returned as a *[ClassifiedError] whose Message is
// ready to show to the user.
//
// # Authentication
//
// Tokens come from a [SessionRepository] supplied with [WithSession]. At most one
// refresh runs at a time: requests that fail with 401 while a refresh is running wait
// for it and all observe the same result. A failed refresh, or a second 401 after a
// refresh within the same call, logs the session out once. A request sent with no
// token is not an error; it simply goes out unauthenticated.
//
// # Certificate Trust
//
// The [TrustStore] pins a SHA-256 fingerprint per host and port. Development and
// staging policies trust unknown hosts on first use; production accepts only
// pre-provisioned pins ([WithPins], Config.PinDir, or pins shipped with the server
// directory). A changed certificate is rejected with a [CertificateConflictError]
// unless automatic updates are allowed; [TrustStore.Confirm] re-pins after the user
// confirms. Records are kept in memory or shared through Redis with
// [RedisRecordStore].
//
// # Logging
//
// Implement [RequestLogger] and supply it via [WithRequestLogger] to integrate with
// your logging library, or wrap a *slog.Logger with [NewSlogLogger]. The default
// [NoopLogger] discards all log output. Debug messages are only forwarded with
// [WithVerboseLogging]. Authorization headers are redacted from resty debug output.
package client
