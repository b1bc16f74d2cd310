package client

// RequestState is a stage in the life of one logical request.
//
//	Created -> Sending -> Succeeded
//	                   -> ClassifyingFailure -> Retrying       -> Sending
//	                                         -> RefreshingAuth -> Sending
//	                                         -> Failed
type RequestState int

const (
	StateCreated RequestState = iota
	StateSending
	StateClassifyingFailure
	StateRetrying
	StateRefreshingAuth
	StateSucceeded
	StateFailed
)

func (s RequestState) String() string {
	switch s {
	case StateCreated:
		return "created"
	case StateSending:
		return "sending"
	case StateClassifyingFailure:
		return "classifying_failure"
	case StateRetrying:
		return "retrying"
	case StateRefreshingAuth:
		return "refreshing_auth"
	case StateSucceeded:
		return "succeeded"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Terminal reports whether no further transition follows s.
func (s RequestState) Terminal() bool {
	return s == StateSucceeded || s == StateFailed
}
