package resilience

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// Kind is the bounded failure taxonomy shared by every classifier.
type Kind string

const (
	KindConnectionTimeout  Kind = "connection_timeout"
	KindConnectionRefused  Kind = "connection_refused"
	KindConnectionReset    Kind = "connection_reset"
	KindDNSFailure         Kind = "dns_failure"
	KindNetworkOffline     Kind = "network_offline"
	KindServerError        Kind = "server_error"
	KindServiceOverloaded  Kind = "service_overloaded"
	KindTokenExpired       Kind = "token_expired"
	KindTokenInvalid       Kind = "token_invalid"
	KindTokenRefreshFailed Kind = "token_refresh_failed"
	KindPermissionDenied   Kind = "permission_denied"
	KindRateLimitExceeded  Kind = "rate_limit_exceeded"
	KindQuotaExceeded      Kind = "quota_exceeded"
	KindContentFiltered    Kind = "content_filtered"
	KindContextLength      Kind = "context_length_exceeded"
	KindInvalidRequest     Kind = "invalid_request"
	KindNotFound           Kind = "not_found"
	KindConflict           Kind = "conflict"
	KindCancelled          Kind = "cancelled"
	KindUnknown            Kind = "unknown"
)

// Family groups kinds by how they are recovered from.
type Family string

const (
	FamilyTransport  Family = "transport"
	FamilyThrottling Family = "throttling"
	FamilyCredential Family = "credential"
	FamilySemantic   Family = "semantic"
	FamilyCancelled  Family = "cancelled"
	FamilyUnknown    Family = "unknown"
)

// Family returns the recovery family for k.
func (k Kind) Family() Family {
	switch k {
	case KindConnectionTimeout, KindConnectionRefused, KindConnectionReset,
		KindDNSFailure, KindNetworkOffline, KindServerError:
		return FamilyTransport
	case KindRateLimitExceeded, KindQuotaExceeded, KindServiceOverloaded:
		return FamilyThrottling
	case KindTokenExpired, KindTokenInvalid, KindTokenRefreshFailed, KindPermissionDenied:
		return FamilyCredential
	case KindContentFiltered, KindContextLength, KindInvalidRequest, KindNotFound, KindConflict:
		return FamilySemantic
	case KindCancelled:
		return FamilyCancelled
	default:
		return FamilyUnknown
	}
}

// Connectivity reports whether k means the remote side could not be reached
// at all. Only these failures are eligible for the offline queue.
func (k Kind) Connectivity() bool {
	switch k {
	case KindConnectionTimeout, KindConnectionRefused, KindConnectionReset,
		KindDNSFailure, KindNetworkOffline:
		return true
	default:
		return false
	}
}

// Domain identifies which collaborator a failure came from.
type Domain string

const (
	DomainNetwork     Domain = "network"
	DomainAuth        Domain = "auth"
	DomainAIService   Domain = "ai_service"
	DomainCalendarAPI Domain = "calendar_api"
)

// Sentinel errors collaborators can return (or wrap) to get a precise
// classification without relying on message text.
var (
	ErrOffline         = errors.New("network is offline")
	ErrTokenExpired    = errors.New("access token expired")
	ErrTokenInvalid    = errors.New("access token invalid")
	ErrContentFiltered = errors.New("content rejected by policy")
	ErrNoRefreshToken  = errors.New("no refresh token available")
)

// ClassifiedError is the structured description of a failure that drives
// every retry, queue and fallback decision.
type ClassifiedError struct {
	Kind              Kind
	Domain            Domain
	Message           string
	Retryable         bool
	RetryAfter        *time.Duration
	FallbackAvailable bool
	PreserveState     bool
	RecoveryOptions   []string
	Cause             error

	// Set by the recovery layer after the fact.
	ProgressSaved bool
	QueuedID      string
	Attempts      int
}

func (e *ClassifiedError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s/%s: %s: %v", e.Domain, e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s/%s: %s", e.Domain, e.Kind, e.Message)
}

func (e *ClassifiedError) Unwrap() error {
	return e.Cause
}

// Family is shorthand for e.Kind.Family().
func (e *ClassifiedError) Family() Family {
	return e.Kind.Family()
}

// UserMessage renders the failure for direct display to an end user.
func (e *ClassifiedError) UserMessage() string {
	var b strings.Builder
	b.WriteString(e.Message)
	if e.ProgressSaved {
		b.WriteString("\nYour progress has been saved.")
	}
	if e.QueuedID != "" {
		b.WriteString("\nWe'll finish this automatically once you're back online.")
	}
	if len(e.RecoveryOptions) > 0 {
		b.WriteString("\nYou can:")
		for _, opt := range e.RecoveryOptions {
			b.WriteString("\n  - ")
			b.WriteString(opt)
		}
	}
	return b.String()
}

// AsClassified extracts a *ClassifiedError from err's chain.
func AsClassified(err error) (*ClassifiedError, bool) {
	var ce *ClassifiedError
	if errors.As(err, &ce) {
		return ce, true
	}
	return nil, false
}

// StatusError carries an HTTP status for collaborators built on net/http.
type StatusError struct {
	StatusCode int
	Header     http.Header
	Err        error
}

func (e *StatusError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("http %d: %v", e.StatusCode, e.Err)
	}
	return fmt.Sprintf("http %d: %s", e.StatusCode, http.StatusText(e.StatusCode))
}

func (e *StatusError) Unwrap() error {
	return e.Err
}

// NewStatusError builds a StatusError from a response. The body is not read.
func NewStatusError(resp *http.Response, err error) *StatusError {
	return &StatusError{StatusCode: resp.StatusCode, Header: resp.Header, Err: err}
}

// TransientError wraps an error that is safe to retry (e.g., 429, 5xx, network timeout).
type TransientError struct {
	Err        error
	StatusCode int
}

func (e *TransientError) Error() string {
	return e.Err.Error()
}

func (e *TransientError) Unwrap() error {
	return e.Err
}

// NewTransientError wraps an error as transient with an optional HTTP status code.
func NewTransientError(err error, statusCode int) *TransientError {
	return &TransientError{Err: err, StatusCode: statusCode}
}

// IsTransientHTTPStatus returns true if the HTTP status code indicates a
// transient server-side issue that is safe to retry.
func IsTransientHTTPStatus(statusCode int) bool {
	switch statusCode {
	case 408, // Request Timeout
		429, // Too Many Requests
		500, // Internal Server Error
		502, // Bad Gateway
		503, // Service Unavailable
		504, // Gateway Timeout
		529: // Overloaded
		return true
	default:
		return false
	}
}

// ParseRetryAfter reads a Retry-After header value in either delta-seconds
// or HTTP-date form. Negative results clamp to zero.
func ParseRetryAfter(value string, now time.Time) (time.Duration, bool) {
	value = strings.TrimSpace(value)
	if value == "" {
		return 0, false
	}
	if secs, err := strconv.ParseFloat(value, 64); err == nil {
		if secs < 0 {
			secs = 0
		}
		return time.Duration(secs * float64(time.Second)), true
	}
	if at, err := http.ParseTime(value); err == nil {
		d := at.Sub(now)
		if d < 0 {
			d = 0
		}
		return d, true
	}
	return 0, false
}

// retryAfterFromHeader checks the standard header plus the millisecond
// variant some AI providers send.
func retryAfterFromHeader(h http.Header, now time.Time) *time.Duration {
	if h == nil {
		return nil
	}
	if ms := h.Get("Retry-After-Ms"); ms != "" {
		if v, err := strconv.ParseFloat(ms, 64); err == nil && v >= 0 {
			d := time.Duration(v * float64(time.Millisecond))
			return &d
		}
	}
	if d, ok := ParseRetryAfter(h.Get("Retry-After"), now); ok {
		return &d
	}
	return nil
}

func durationPtr(d time.Duration) *time.Duration {
	return &d
}
