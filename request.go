package client

import (
	"net/http"
	"sync"

	"github.com/google/uuid"
)

// Per-request flags carried across the attempts of one logical call.
const (
	flagRetriedAfterRefresh = "retried_after_refresh"
)

// Request is one logical call submitted to [Client.Do]. The client owns it for the
// lifetime of the call, including every retry and the resubmission after a token
// refresh, so a Request must not be shared between concurrent calls.
type Request struct {
	// ID identifies the logical call; it is sent as X-Request-ID on every attempt.
	ID string

	Method string

	// URL is either absolute or a path relative to the client's base URL.
	URL string

	Header http.Header

	// Body is encoded as JSON unless it is a string, []byte or io.Reader. A reader is
	// drained once when the call starts so that retries resend the same bytes.
	Body any

	// Anonymous requests are sent without a token and a 401 is returned as is, for
	// example for sign-in calls.
	Anonymous bool

	attempt int
	sends   int
	flags   map[string]bool
	mu      sync.Mutex
}

// NewRequest creates a Request with a fresh ID.
func NewRequest(method, url string, body any) *Request {
	return &Request{
		ID:     uuid.NewString(),
		Method: method,
		URL:    url,
		Header: make(http.Header),
		Body:   body,
		flags:  make(map[string]bool),
	}
}

// Attempt returns how many retries have been consumed so far.
func (r *Request) Attempt() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.attempt
}

// Sends returns how many times the request has been handed to the transport.
func (r *Request) Sends() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.sends
}

// nextAttempt advances the retry counter, never beyond limit.
func (r *Request) nextAttempt(limit int) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.attempt < limit {
		r.attempt++
	}
	return r.attempt
}

func (r *Request) markSent() {
	r.mu.Lock()
	r.sends++
	r.mu.Unlock()
}

func (r *Request) flag(name string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.flags[name]
}

func (r *Request) setFlag(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.flags == nil {
		r.flags = make(map[string]bool)
	}
	r.flags[name] = true
}

// Response is a completed HTTP exchange. Body is fully read.
type Response struct {
	StatusCode int
	Header     http.Header
	Body       []byte
}

// IsSuccess reports a 2xx status.
func (r *Response) IsSuccess() bool {
	return r != nil && r.StatusCode >= 200 && r.StatusCode < 300
}
