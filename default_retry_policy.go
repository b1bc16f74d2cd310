package client

// DefaultRetryPolicy is the default retry eligibility check used by [Client]. Only
// connect, send and receive timeouts and connection errors are retried. Unauthorized
// failures go through the token refresh path instead, certificate rejections are
// terminal for the connection, and cancellation, HTTP 403/404/5xx and unknown failures
// are never retried. Name resolution failures for unknown hosts are not retried either.
//
// Supply a custom function via [WithRetryPolicy] to narrow this behaviour. A custom
// policy can never widen it: [RetryController] only consults the policy for kinds that
// are transient.
func DefaultRetryPolicy(err *ClassifiedError) bool {
	if err == nil {
		return false
	}

	return err.Kind.Transient() && err.Retryable
}
