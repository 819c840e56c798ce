package syncer

import "net/http"

// Outcome is the result variant of a sync orchestration. Callers match on
// it instead of catching control-flow errors. All outcomes map to 2xx
// statuses on the task surface so the queue never redelivers on its own.
type Outcome int

const (
	// Completed means the worker ran and the connection recorded success.
	Completed Outcome = iota

	// NoCredentials means the connection is missing its required
	// credential key; the worker was never invoked.
	NoCredentials

	// NoService means no connection document was found for the request.
	NoService

	// Failed means the worker ran and failed; the message is recorded on
	// the connection's sync state.
	Failed
)

func (o Outcome) String() string {
	switch o {
	case Completed:
		return "OK"
	case NoCredentials:
		return "NO CREDENTIALS"
	case NoService:
		return "NO SERVICE"
	case Failed:
		return "SYNC EXCEPTION"
	default:
		return "UNKNOWN"
	}
}

// StatusCode maps the outcome to the task surface's fixed response codes.
// Everything is 2xx: the connection's sync_state carries the real result
// and queue-level redelivery stays suppressed.
func (o Outcome) StatusCode() int {
	switch o {
	case Completed:
		return http.StatusOK
	case Failed:
		return 201
	case NoService:
		return 210
	case NoCredentials:
		return 220
	default:
		return 299
	}
}

// Result couples an outcome with the failure that produced it, if any.
type Result struct {
	Outcome Outcome
	Err     error
}

// OK reports whether the sync actually completed.
func (r Result) OK() bool {
	return r.Outcome == Completed
}
