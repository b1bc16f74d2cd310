package client

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"errors"
	"io"
	"net"
	"net/http"
	"strings"
	"syscall"
)

// Classify maps the outcome of one send attempt into the error taxonomy. It returns
// nil when the attempt succeeded. The mapping depends only on its inputs.
func Classify(ctx context.Context, resp *Response, err error) *ClassifiedError {
	if err == nil {
		if resp == nil {
			return NewClassifiedError(KindUnknown, 0, errors.New("no response"))
		}
		if resp.IsSuccess() {
			return nil
		}
		return classifyStatus(resp)
	}

	if ce, ok := AsClassified(err); ok {
		return ce
	}

	if errors.Is(err, context.Canceled) || (ctx != nil && errors.Is(ctx.Err(), context.Canceled)) {
		return NewClassifiedError(KindCancelled, 0, err)
	}

	if isCertificateFailure(err) {
		return NewClassifiedError(KindCertificateRejected, 0, err)
	}

	var de *dialError
	if errors.As(err, &de) {
		if isTimeout(de.err) {
			return NewClassifiedError(KindConnectTimeout, 0, err)
		}
		return connectionError(err)
	}

	var opErr *net.OpError
	if errors.As(err, &opErr) {
		switch opErr.Op {
		case "dial":
			if opErr.Timeout() {
				return NewClassifiedError(KindConnectTimeout, 0, err)
			}
			return connectionError(err)
		case "write":
			if opErr.Timeout() {
				return NewClassifiedError(KindSendTimeout, 0, err)
			}
		case "read":
			if opErr.Timeout() {
				return NewClassifiedError(KindReceiveTimeout, 0, err)
			}
		}
	}

	if isTimeout(err) {
		return NewClassifiedError(KindReceiveTimeout, 0, err)
	}

	if isConnectionFailure(err) {
		return connectionError(err)
	}

	return NewClassifiedError(KindUnknown, 0, err)
}

func classifyStatus(resp *Response) *ClassifiedError {
	var kind ErrorKind
	switch {
	case resp.StatusCode == http.StatusUnauthorized:
		kind = KindUnauthorized
	case resp.StatusCode == http.StatusForbidden:
		kind = KindForbidden
	case resp.StatusCode == http.StatusNotFound:
		kind = KindNotFound
	case resp.StatusCode == http.StatusRequestTimeout:
		kind = KindSendTimeout
	case resp.StatusCode >= 500:
		kind = KindServerError
	default:
		kind = KindUnknown
	}

	ce := NewClassifiedError(kind, resp.StatusCode, nil)
	// Only timeouts a server reports (408) are transient among HTTP statuses.
	ce.Retryable = kind == KindSendTimeout
	ce.Detail = extractErrorDetail(resp.Body)
	return ce
}

// connectionError builds a ConnectionError. Name resolution failures for hosts that
// do not exist are not retried.
func connectionError(err error) *ClassifiedError {
	ce := NewClassifiedError(KindConnectionError, 0, err)
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) && dnsErr.IsNotFound {
		ce.Retryable = false
	}
	return ce
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, syscall.ETIMEDOUT) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

func isConnectionFailure(err error) bool {
	if errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.ECONNABORTED) ||
		errors.Is(err, syscall.EPIPE) ||
		errors.Is(err, syscall.ENETUNREACH) ||
		errors.Is(err, syscall.EHOSTUNREACH) ||
		errors.Is(err, io.EOF) ||
		errors.Is(err, io.ErrUnexpectedEOF) ||
		errors.Is(err, net.ErrClosed) {
		return true
	}

	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return true
	}

	var opErr *net.OpError
	return errors.As(err, &opErr)
}

func isCertificateFailure(err error) bool {
	var (
		rejected    *CertificateRejectedError
		conflict    *CertificateConflictError
		verifyErr   *tls.CertificateVerificationError
		unknownAuth x509.UnknownAuthorityError
		hostErr     x509.HostnameError
		invalidErr  x509.CertificateInvalidError
	)
	return errors.As(err, &rejected) ||
		errors.As(err, &conflict) ||
		errors.As(err, &verifyErr) ||
		errors.As(err, &unknownAuth) ||
		errors.As(err, &hostErr) ||
		errors.As(err, &invalidErr)
}

// extractErrorDetail pulls the "error" field out of a JSON error body, falling back to
// the raw body.
func extractErrorDetail(body []byte) string {
	text := strings.TrimSpace(string(body))
	if text == "" {
		return "(empty error body)"
	}

	var payload struct {
		Error string `json:"error"`
	}
	if err := json.Unmarshal(body, &payload); err == nil && payload.Error != "" {
		return payload.Error
	}

	const maxDetail = 512
	if len(text) > maxDetail {
		text = text[:maxDetail] + "..."
	}
	return text
}
