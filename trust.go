package client

import (
	"context"
	"crypto/sha256"
	"crypto/tls"
	"crypto/x509"
	"encoding/hex"
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"
)

// PinSource records how a fingerprint came to be trusted.
type PinSource int

const (
	PinAuto PinSource = iota
	PinManual
	PinServerProvided
)

func (s PinSource) String() string {
	switch s {
	case PinAuto:
		return "auto"
	case PinManual:
		return "manual"
	case PinServerProvided:
		return "server-provided"
	default:
		return "unknown"
	}
}

// TrustRecord is the pinned certificate fingerprint for one (host, port).
type TrustRecord struct {
	Host        string    `json:"host"`
	Port        int       `json:"port"`
	Fingerprint string    `json:"fingerprint"`
	FirstSeen   time.Time `json:"first_seen"`
	UpdatedAt   time.Time `json:"updated_at"`
	Source      PinSource `json:"source"`
}

// Key returns the record's "host:port" key.
func (r TrustRecord) Key() string {
	return trustKey(r.Host, r.Port)
}

func trustKey(host string, port int) string {
	return net.JoinHostPort(strings.ToLower(host), strconv.Itoa(port))
}

// TrustRecordStore persists trust records. Create and Replace are conditional writes
// so that several processes sharing a backend cannot overwrite each other's pins.
type TrustRecordStore interface {
	Get(ctx context.Context, host string, port int) (TrustRecord, bool, error)

	// Create stores rec only if no record exists for its key.
	Create(ctx context.Context, rec TrustRecord) (bool, error)

	// Replace stores rec only if the current fingerprint equals previous.
	Replace(ctx context.Context, rec TrustRecord, previous string) (bool, error)

	List(ctx context.Context) ([]TrustRecord, error)
}

// Verdict is the result of a trust decision.
type Verdict int

const (
	Reject Verdict = iota
	Trust
)

func (v Verdict) String() string {
	if v == Trust {
		return "trust"
	}
	return "reject"
}

// CertificateConflictError reports that a host presented a fingerprint different from
// the pinned one and policy forbids automatic updates. Resolving it requires an
// explicit [TrustStore.Confirm].
type CertificateConflictError struct {
	Host      string
	Port      int
	Pinned    string
	Presented string
}

func (e *CertificateConflictError) Error() string {
	return fmt.Sprintf("certificate for %s changed: pinned %s, presented %s",
		trustKey(e.Host, e.Port), shortFingerprint(e.Pinned), shortFingerprint(e.Presented))
}

// CertificateRejectedError reports any other rejection of a presented certificate.
type CertificateRejectedError struct {
	Host   string
	Port   int
	Reason string
	Err    error
}

func (e *CertificateRejectedError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("certificate for %s rejected: %s: %v", trustKey(e.Host, e.Port), e.Reason, e.Err)
	}
	return fmt.Sprintf("certificate for %s rejected: %s", trustKey(e.Host, e.Port), e.Reason)
}

func (e *CertificateRejectedError) Unwrap() error {
	return e.Err
}

// TrustPolicy configures a [TrustStore].
type TrustPolicy struct {
	// TOFU pins unknown hosts on first contact. Disable in production.
	TOFU bool

	// AllowAutomaticUpdate accepts a changed fingerprint and re-pins it with a warning.
	AllowAutomaticUpdate bool

	// RequireValidChain additionally verifies the chain against Roots (system roots
	// when nil) before the pin check.
	RequireValidChain bool
	Roots             *x509.CertPool
}

// TrustStore makes trust-on-first-use decisions for server certificates. Decisions for
// the same (host, port) are serialized; different hosts proceed in parallel.
type TrustStore struct {
	records TrustRecordStore
	policy  TrustPolicy

	allowMu sync.RWMutex
	allowed map[string]map[string]bool

	keyLocks sync.Map

	logger  RequestLogger
	metrics *clientMetrics
	now     func() time.Time
}

// NewTrustStore creates a TrustStore backed by records. A nil records uses an
// in-memory store.
func NewTrustStore(records TrustRecordStore, policy TrustPolicy) *TrustStore {
	if records == nil {
		records = NewMemoryRecordStore()
	}
	return &TrustStore{
		records: records,
		policy:  policy,
		allowed: make(map[string]map[string]bool),
		logger:  &NoopLogger{},
		now:     time.Now,
	}
}

// Policy returns the store's policy.
func (ts *TrustStore) Policy() TrustPolicy {
	return ts.policy
}

// Records returns the backing record store.
func (ts *TrustStore) Records() TrustRecordStore {
	return ts.records
}

// AllowFingerprint adds fingerprint to the pre-provisioned allow-list for host:port.
// An empty host matches every host and port.
func (ts *TrustStore) AllowFingerprint(host string, port int, fingerprint string) {
	key := "*"
	if host != "" {
		key = trustKey(host, port)
	}

	ts.allowMu.Lock()
	defer ts.allowMu.Unlock()
	if ts.allowed[key] == nil {
		ts.allowed[key] = make(map[string]bool)
	}
	ts.allowed[key][NormalizeFingerprint(fingerprint)] = true
}

func (ts *TrustStore) isAllowListed(host string, port int, fingerprint string) bool {
	ts.allowMu.RLock()
	defer ts.allowMu.RUnlock()
	return ts.allowed[trustKey(host, port)][fingerprint] || ts.allowed["*"][fingerprint]
}

func (ts *TrustStore) lockKey(key string) func() {
	v, _ := ts.keyLocks.LoadOrStore(key, &sync.Mutex{})
	mu := v.(*sync.Mutex)
	mu.Lock()
	return mu.Unlock
}

// Decide returns Trust or Reject for a fingerprint presented by host:port, persisting
// or updating the record on acceptance. A Reject always comes with a non-nil error
// explaining it.
func (ts *TrustStore) Decide(ctx context.Context, host string, port int, fingerprint string) (Verdict, error) {
	fingerprint = NormalizeFingerprint(fingerprint)
	if fingerprint == "" {
		return ts.reject(host, port, "empty_fingerprint", &CertificateRejectedError{Host: host, Port: port, Reason: "no fingerprint presented"})
	}

	unlock := ts.lockKey(trustKey(host, port))
	defer unlock()

	// A conditional write can lose to another process sharing the backend; the
	// second pass decides against the record that won.
	for range 2 {
		rec, found, err := ts.records.Get(ctx, host, port)
		if err != nil {
			return ts.reject(host, port, "store_error", &CertificateRejectedError{Host: host, Port: port, Reason: "trust store unavailable", Err: err})
		}

		if !found {
			verdict, retry, err := ts.decideUnknown(ctx, host, port, fingerprint)
			if retry {
				continue
			}
			return verdict, err
		}

		if rec.Fingerprint == fingerprint {
			ts.metrics.trustDecision(Trust, "match")
			return Trust, nil
		}

		verdict, retry, err := ts.decideMismatch(ctx, rec, fingerprint)
		if retry {
			continue
		}
		return verdict, err
	}

	return ts.reject(host, port, "contended", &CertificateRejectedError{Host: host, Port: port, Reason: "trust record changed concurrently"})
}

func (ts *TrustStore) decideUnknown(ctx context.Context, host string, port int, fingerprint string) (Verdict, bool, error) {
	var (
		source PinSource
		reason string
	)
	switch {
	case ts.isAllowListed(host, port, fingerprint):
		source, reason = PinManual, "allow_list"
	case ts.policy.TOFU:
		source, reason = PinAuto, "first_use"
	default:
		v, err := ts.reject(host, port, "not_pinned", &CertificateRejectedError{Host: host, Port: port, Reason: "fingerprint not in allow-list"})
		return v, false, err
	}

	now := ts.now()
	created, err := ts.records.Create(ctx, TrustRecord{
		Host:        strings.ToLower(host),
		Port:        port,
		Fingerprint: fingerprint,
		FirstSeen:   now,
		UpdatedAt:   now,
		Source:      source,
	})
	if err != nil {
		v, err := ts.reject(host, port, "store_error", &CertificateRejectedError{Host: host, Port: port, Reason: "failed to pin certificate", Err: err})
		return v, false, err
	}
	if !created {
		return Reject, true, nil
	}

	ts.logger.Debugf("pinned certificate for %s (%s): %s", trustKey(host, port), source, shortFingerprint(fingerprint))
	ts.metrics.trustDecision(Trust, reason)
	return Trust, false, nil
}

func (ts *TrustStore) decideMismatch(ctx context.Context, rec TrustRecord, fingerprint string) (Verdict, bool, error) {
	if !ts.policy.AllowAutomaticUpdate {
		v, err := ts.reject(rec.Host, rec.Port, "conflict", &CertificateConflictError{
			Host:      rec.Host,
			Port:      rec.Port,
			Pinned:    rec.Fingerprint,
			Presented: fingerprint,
		})
		return v, false, err
	}

	now := ts.now()
	updated := rec
	updated.Fingerprint = fingerprint
	updated.UpdatedAt = now
	updated.Source = PinAuto

	replaced, err := ts.records.Replace(ctx, updated, rec.Fingerprint)
	if err != nil {
		v, err := ts.reject(rec.Host, rec.Port, "store_error", &CertificateRejectedError{Host: rec.Host, Port: rec.Port, Reason: "failed to update pin", Err: err})
		return v, false, err
	}
	if !replaced {
		return Reject, true, nil
	}

	ts.logger.Warnf("certificate for %s changed from %s to %s; pin updated automatically",
		rec.Key(), shortFingerprint(rec.Fingerprint), shortFingerprint(fingerprint))
	ts.metrics.trustDecision(Trust, "auto_update")
	return Trust, false, nil
}

func (ts *TrustStore) reject(host string, port int, reason string, err error) (Verdict, error) {
	ts.logger.Warnf("rejecting certificate for %s: %v", trustKey(host, port), err)
	ts.metrics.trustDecision(Reject, reason)
	return Reject, err
}

// Confirm pins fingerprint for host:port after explicit user confirmation, replacing
// any existing record.
func (ts *TrustStore) Confirm(ctx context.Context, host string, port int, fingerprint string) error {
	return ts.pin(ctx, host, port, fingerprint, PinManual, true)
}

// Provision pins a fingerprint supplied by the backend (for example in the server
// directory). An existing record is never replaced.
func (ts *TrustStore) Provision(ctx context.Context, host string, port int, fingerprint string) error {
	return ts.pin(ctx, host, port, fingerprint, PinServerProvided, false)
}

func (ts *TrustStore) pin(ctx context.Context, host string, port int, fingerprint string, source PinSource, overwrite bool) error {
	fingerprint = NormalizeFingerprint(fingerprint)
	if host == "" || port <= 0 || fingerprint == "" {
		return errors.New("host, port and fingerprint must be set")
	}

	unlock := ts.lockKey(trustKey(host, port))
	defer unlock()

	now := ts.now()
	rec := TrustRecord{
		Host:        strings.ToLower(host),
		Port:        port,
		Fingerprint: fingerprint,
		FirstSeen:   now,
		UpdatedAt:   now,
		Source:      source,
	}

	existing, found, err := ts.records.Get(ctx, host, port)
	if err != nil {
		return fmt.Errorf("failed to read trust record: %w", err)
	}
	if !found {
		if _, err := ts.records.Create(ctx, rec); err != nil {
			return fmt.Errorf("failed to create trust record: %w", err)
		}
		return nil
	}
	if !overwrite || existing.Fingerprint == fingerprint {
		return nil
	}
	rec.FirstSeen = existing.FirstSeen

	ok, err := ts.records.Replace(ctx, rec, existing.Fingerprint)
	if err != nil {
		return fmt.Errorf("failed to replace trust record: %w", err)
	}
	if !ok {
		return fmt.Errorf("trust record for %s changed concurrently", trustKey(host, port))
	}

	ts.logger.Warnf("certificate for %s re-pinned by confirmation: %s", trustKey(host, port), shortFingerprint(fingerprint))
	return nil
}

// VerifyConnection returns a tls.Config.VerifyConnection hook deciding trust for
// connections to host:port.
func (ts *TrustStore) VerifyConnection(ctx context.Context, host string, port int) func(tls.ConnectionState) error {
	return func(cs tls.ConnectionState) error {
		if len(cs.PeerCertificates) == 0 {
			_, err := ts.reject(host, port, "no_certificate", &CertificateRejectedError{Host: host, Port: port, Reason: "no certificate presented"})
			return err
		}
		leaf := cs.PeerCertificates[0]

		if ts.policy.RequireValidChain {
			intermediates := x509.NewCertPool()
			for _, cert := range cs.PeerCertificates[1:] {
				intermediates.AddCert(cert)
			}
			_, err := leaf.Verify(x509.VerifyOptions{
				DNSName:       host,
				Roots:         ts.policy.Roots,
				Intermediates: intermediates,
			})
			if err != nil {
				_, rerr := ts.reject(host, port, "invalid_chain", &CertificateRejectedError{Host: host, Port: port, Reason: "chain verification failed", Err: err})
				return rerr
			}
		}

		_, err := ts.Decide(ctx, host, port, Fingerprint(leaf))
		return err
	}
}

// Fingerprint returns the hex SHA-256 digest of a certificate's DER encoding.
func Fingerprint(cert *x509.Certificate) string {
	sum := sha256.Sum256(cert.Raw)
	return hex.EncodeToString(sum[:])
}

// NormalizeFingerprint lowercases a fingerprint and strips ':' separators and an
// optional "sha256/" prefix.
func NormalizeFingerprint(fp string) string {
	fp = strings.TrimSpace(strings.ToLower(fp))
	fp = strings.TrimPrefix(fp, "sha256/")
	fp = strings.TrimPrefix(fp, "sha256:")
	return strings.ReplaceAll(fp, ":", "")
}

func shortFingerprint(fp string) string {
	if len(fp) <= 16 {
		return fp
	}
	return fp[:16] + "..."
}
