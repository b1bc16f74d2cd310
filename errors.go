package client

import (
	"errors"
	"fmt"
)

// ErrorKind is the closed set of failure categories produced by [Classify].
type ErrorKind int

const (
	KindUnknown ErrorKind = iota
	KindConnectTimeout
	KindSendTimeout
	KindReceiveTimeout
	KindConnectionError
	KindCertificateRejected
	KindUnauthorized
	KindForbidden
	KindNotFound
	KindServerError
	KindCancelled
)

var kindNames = map[ErrorKind]string{
	KindUnknown:             "unknown",
	KindConnectTimeout:      "connect_timeout",
	KindSendTimeout:         "send_timeout",
	KindReceiveTimeout:      "receive_timeout",
	KindConnectionError:     "connection_error",
	KindCertificateRejected: "certificate_rejected",
	KindUnauthorized:        "unauthorized",
	KindForbidden:           "forbidden",
	KindNotFound:            "not_found",
	KindServerError:         "server_error",
	KindCancelled:           "cancelled",
}

func (k ErrorKind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return kindNames[KindUnknown]
}

// Transient reports whether failures of this kind are eligible for automatic retry.
func (k ErrorKind) Transient() bool {
	switch k {
	case KindConnectTimeout, KindSendTimeout, KindReceiveTimeout, KindConnectionError:
		return true
	default:
		return false
	}
}

// Sentinel errors, one per [ErrorKind]. A [*ClassifiedError] matches the sentinel of
// its kind with errors.Is.
var (
	ErrUnknown             = errors.New("unknown error")
	ErrConnectTimeout      = errors.New("connect timeout")
	ErrSendTimeout         = errors.New("send timeout")
	ErrReceiveTimeout      = errors.New("receive timeout")
	ErrConnection          = errors.New("connection error")
	ErrCertificateRejected = errors.New("certificate rejected")
	ErrUnauthorized        = errors.New("unauthorized")
	ErrForbidden           = errors.New("forbidden")
	ErrNotFound            = errors.New("not found")
	ErrServerError         = errors.New("server error")
	ErrCancelled           = errors.New("request cancelled")
)

var kindSentinels = map[ErrorKind]error{
	KindUnknown:             ErrUnknown,
	KindConnectTimeout:      ErrConnectTimeout,
	KindSendTimeout:         ErrSendTimeout,
	KindReceiveTimeout:      ErrReceiveTimeout,
	KindConnectionError:     ErrConnection,
	KindCertificateRejected: ErrCertificateRejected,
	KindUnauthorized:        ErrUnauthorized,
	KindForbidden:           ErrForbidden,
	KindNotFound:            ErrNotFound,
	KindServerError:         ErrServerError,
	KindCancelled:           ErrCancelled,
}

// Sentinel returns the sentinel error for k.
func (k ErrorKind) Sentinel() error {
	if err, ok := kindSentinels[k]; ok {
		return err
	}
	return ErrUnknown
}

// ClassifiedError is a transport or protocol failure mapped into the [ErrorKind]
// taxonomy. It is what [Client.Do] returns for every failed logical request.
type ClassifiedError struct {
	Kind ErrorKind

	// Status is the HTTP status code, or 0 when no response was received.
	Status int

	Retryable bool

	// Message is the user-facing text derived from Kind (and Status for server errors).
	Message string

	// Detail is the server-provided error text, if any.
	Detail string

	// Err is the raw transport error, if any.
	Err error
}

// NewClassifiedError builds a ClassifiedError with the deterministic user message for kind.
func NewClassifiedError(kind ErrorKind, status int, err error) *ClassifiedError {
	return &ClassifiedError{
		Kind:      kind,
		Status:    status,
		Retryable: kind.Transient(),
		Message:   UserMessage(kind, status),
		Err:       err,
	}
}

func (e *ClassifiedError) Error() string {
	msg := e.Kind.String()
	if e.Status != 0 {
		msg = fmt.Sprintf("%s (HTTP %d)", msg, e.Status)
	}
	if e.Detail != "" {
		msg = fmt.Sprintf("%s: %s", msg, e.Detail)
	}
	if e.Err != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.Err)
	}
	return msg
}

func (e *ClassifiedError) Unwrap() error {
	return e.Err
}

// Is matches the sentinel of the error's kind, then the wrapped chain.
func (e *ClassifiedError) Is(target error) bool {
	if target == e.Kind.Sentinel() {
		return true
	}
	return e.Err != nil && errors.Is(e.Err, target)
}

// UserMessage returns the text the presentation layer shows for a failure.
func UserMessage(kind ErrorKind, status int) string {
	switch kind {
	case KindConnectTimeout:
		return "Connection timed out. Check your internet connection and try again."
	case KindSendTimeout:
		return "Sending the request took too long. Please try again."
	case KindReceiveTimeout:
		return "The server took too long to respond. Please try again."
	case KindConnectionError:
		return "Unable to reach the server. Check your internet connection."
	case KindCertificateRejected:
		return "The server's security certificate could not be verified."
	case KindUnauthorized:
		return "Your session has expired. Please sign in again."
	case KindForbidden:
		return "You do not have permission to perform this action."
	case KindNotFound:
		return "The requested resource was not found."
	case KindServerError:
		switch status {
		case 502:
			return "The server is temporarily unreachable (bad gateway). Please try again later."
		case 503:
			return "The service is temporarily unavailable. Please try again later."
		case 504:
			return "The server timed out while handling the request. Please try again later."
		default:
			return fmt.Sprintf("The server encountered an error (%d). Please try again later.", status)
		}
	case KindCancelled:
		return "The request was cancelled."
	default:
		return "An unexpected error occurred."
	}
}

// AsClassified extracts a *ClassifiedError from err's chain.
func AsClassified(err error) (*ClassifiedError, bool) {
	var ce *ClassifiedError
	if errors.As(err, &ce) {
		return ce, true
	}
	return nil, false
}
