package tracker

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// ErrorKind classifies a connector failure. The orchestrator decides whether
// to retry, fail the item, or abort the run based on the kind.
type ErrorKind int

// Error kinds
const (
	KindTransient          ErrorKind = iota + 1 // Network, timeout, throttling; retried with backoff
	KindValidation                              // Rejected payload or mapping failure; item fails
	KindWorkflowTransition                      // Target refused the requested state change
	KindAuth                                    // Credentials rejected; run aborts
	KindNotFound                                // Referenced item does not exist
)

func (k ErrorKind) String() string {
	switch k {
	case KindTransient:
		return "transient"
	case KindValidation:
		return "validation"
	case KindWorkflowTransition:
		return "workflow transition"
	case KindAuth:
		return "authentication"
	case KindNotFound:
		return "not found"
	default:
		return "unknown"
	}
}

// Error is a classified connector error.
type Error struct {
	Kind   ErrorKind
	Op     string        // Operation that failed, e.g. "rally.FetchItem"
	Field  string        // Offending field for validation and workflow errors
	Status int           // HTTP status when the error came from a response
	Err    error         // Underlying cause
	Retry  time.Duration // Server-suggested wait (Retry-After), zero if none
}

func (e *Error) Error() string {
	var b strings.Builder
	if e.Op != "" {
		b.WriteString(e.Op)
		b.WriteString(": ")
	}
	b.WriteString(e.Kind.String())
	b.WriteString(" error")
	if e.Field != "" {
		fmt.Fprintf(&b, " on field %s", e.Field)
	}
	if e.Status != 0 {
		fmt.Fprintf(&b, " (HTTP %d)", e.Status)
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *Error) Unwrap() error { return e.Err }

// TransientError wraps err as a retryable failure.
func TransientError(op string, err error) error {
	return &Error{Kind: KindTransient, Op: op, Err: err}
}

// ValidationError reports a rejected value for field.
func ValidationError(op, field string, err error) error {
	return &Error{Kind: KindValidation, Op: op, Field: field, Err: err}
}

// WorkflowTransitionError reports a refused state change.
func WorkflowTransitionError(op, field string, err error) error {
	return &Error{Kind: KindWorkflowTransition, Op: op, Field: field, Err: err}
}

// AuthError reports rejected credentials.
func AuthError(op string, err error) error {
	return &Error{Kind: KindAuth, Op: op, Err: err}
}

// NotFoundError reports a missing item.
func NotFoundError(op, id string) error {
	return &Error{Kind: KindNotFound, Op: op, Err: fmt.Errorf("item %s not found", id)}
}

func kindOf(err error) ErrorKind {
	var te *Error
	if errors.As(err, &te) {
		return te.Kind
	}
	return 0
}

// IsTransient reports whether err should be retried. Timeouts from the
// network stack and context deadlines count as transient.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if k := kindOf(err); k != 0 {
		return k == KindTransient
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

// IsValidation reports whether err is a validation failure.
func IsValidation(err error) bool { return kindOf(err) == KindValidation }

// IsWorkflowTransition reports whether err is a refused state transition.
func IsWorkflowTransition(err error) bool { return kindOf(err) == KindWorkflowTransition }

// IsAuth reports whether err is an authentication failure.
func IsAuth(err error) bool { return kindOf(err) == KindAuth }

// IsNotFound reports whether err reports a missing item.
func IsNotFound(err error) bool { return kindOf(err) == KindNotFound }

// RetryAfter returns the server-suggested wait carried by err, if any.
func RetryAfter(err error) time.Duration {
	var te *Error
	if errors.As(err, &te) {
		return te.Retry
	}
	return 0
}

// stateFields are the field names a tracker reports when it refuses a state
// change.
var stateFields = []string{"System.State", "ScheduleState", "State"}

// ClassifyStatus turns a non-2xx HTTP response into a classified error.
func ClassifyStatus(op string, status int, body []byte) error {
	msg := strings.TrimSpace(string(body))
	if len(msg) > 512 {
		msg = msg[:512] + "..."
	}
	cause := fmt.Errorf("%s", msg)
	if msg == "" {
		cause = errors.New(http.StatusText(status))
	}

	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return &Error{Kind: KindAuth, Op: op, Status: status, Err: cause}
	case status == http.StatusNotFound:
		return &Error{Kind: KindNotFound, Op: op, Status: status, Err: cause}
	case status == http.StatusRequestTimeout || status == http.StatusTooManyRequests || status >= 500:
		return &Error{Kind: KindTransient, Op: op, Status: status, Err: cause}
	case status == http.StatusBadRequest:
		for _, f := range stateFields {
			if strings.Contains(msg, f) {
				return &Error{Kind: KindWorkflowTransition, Op: op, Field: f, Status: status, Err: cause}
			}
		}
	}
	return &Error{Kind: KindValidation, Op: op, Status: status, Err: cause}
}

// ClassifyResponse is ClassifyStatus plus Retry-After handling.
func ClassifyResponse(op string, resp *http.Response, body []byte) error {
	err := ClassifyStatus(op, resp.StatusCode, body)
	if wait := parseRetryAfter(resp.Header.Get("Retry-After")); wait > 0 {
		var te *Error
		if errors.As(err, &te) {
			te.Retry = wait
		}
	}
	return err
}

// ClassifyTransport wraps an error returned by http.Client.Do.
func ClassifyTransport(op string, err error) error {
	if errors.Is(err, context.Canceled) {
		return err
	}
	return TransientError(op, err)
}

func parseRetryAfter(v string) time.Duration {
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(v); err == nil {
		if d := time.Until(t); d > 0 {
			return d
		}
	}
	return 0
}
