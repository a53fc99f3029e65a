package resilience

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"syscall"
	"time"

	"github.com/sells-group/calendar-assistant/internal/model"
)

// Classifier maps a raw failure from one domain onto the shared taxonomy.
// Classify returns nil only for a nil error.
type Classifier interface {
	Domain() Domain
	Classify(err error) *ClassifiedError
}

// Default delays for throttling responses that carry no retry hint.
const (
	DefaultRateLimitDelay = 5 * time.Second
	DefaultOverloadDelay  = 15 * time.Second
	DefaultQuotaDelay     = 60 * time.Second
)

// recoveryOptions are the user-facing next steps per kind.
var recoveryOptions = map[Kind][]string{
	KindConnectionTimeout:  {"Check your internet connection", "Try again in a few moments"},
	KindConnectionRefused:  {"Try again in a few moments", "Check the service status page"},
	KindConnectionReset:    {"Try again in a few moments"},
	KindDNSFailure:         {"Check your internet connection", "Check your DNS or VPN settings"},
	KindNetworkOffline:     {"Reconnect to the internet", "Your request will be retried when you're back online"},
	KindServerError:        {"Try again in a few minutes"},
	KindServiceOverloaded:  {"Try again in a few minutes"},
	KindTokenExpired:       {"Sign in again to continue"},
	KindTokenInvalid:       {"Sign in again to continue"},
	KindTokenRefreshFailed: {"Sign in again to continue", "Reconnect your calendar account"},
	KindPermissionDenied:   {"Grant calendar access in your account settings", "Ask the calendar owner for access"},
	KindRateLimitExceeded:  {"Wait a moment and try again"},
	KindQuotaExceeded:      {"Try again later today", "Contact support if this keeps happening"},
	KindContentFiltered:    {"Rephrase your request", "Remove sensitive content and try again"},
	KindContextLength:      {"Shorten your request", "Split it into smaller parts"},
	KindInvalidRequest:     {"Check the details you entered and try again"},
	KindNotFound:           {"Refresh your calendar view", "Check that the event still exists"},
	KindConflict:           {"Refresh your calendar and try again"},
	KindCancelled:          {"Try again"},
	KindUnknown:            {"Try again", "Contact support if this keeps happening"},
}

// userMessages are the default user-facing messages per kind.
var userMessages = map[Kind]string{
	KindConnectionTimeout:  "The request timed out.",
	KindConnectionRefused:  "The service refused the connection.",
	KindConnectionReset:    "The connection was interrupted.",
	KindDNSFailure:         "The service address could not be resolved.",
	KindNetworkOffline:     "You appear to be offline.",
	KindServerError:        "The service had a temporary problem.",
	KindServiceOverloaded:  "The service is busy right now.",
	KindTokenExpired:       "Your session has expired.",
	KindTokenInvalid:       "Your sign-in is no longer valid.",
	KindTokenRefreshFailed: "We couldn't renew your sign-in.",
	KindPermissionDenied:   "You don't have permission to do that.",
	KindRateLimitExceeded:  "Too many requests in a short time.",
	KindQuotaExceeded:      "The usage limit has been reached.",
	KindContentFiltered:    "The request was blocked by the content policy.",
	KindContextLength:      "The request is too long to process.",
	KindInvalidRequest:     "The request couldn't be processed as entered.",
	KindNotFound:           "The item could not be found.",
	KindConflict:           "The item was changed by someone else.",
	KindCancelled:          "The request was cancelled.",
	KindUnknown:            "Something went wrong.",
}

// newClassified fills in the family-level defaults for kind. Domain
// classifiers adjust fields afterwards.
func newClassified(kind Kind, domain Domain, cause error) *ClassifiedError {
	ce := &ClassifiedError{
		Kind:            kind,
		Domain:          domain,
		Message:         userMessages[kind],
		RecoveryOptions: append([]string(nil), recoveryOptions[kind]...),
		Cause:           cause,
	}
	switch kind.Family() {
	case FamilyTransport, FamilyThrottling:
		ce.Retryable = true
		ce.PreserveState = true
	case FamilyCredential:
		ce.PreserveState = true
	case FamilySemantic:
		ce.FallbackAvailable = true
	case FamilyUnknown:
		ce.Retryable = true
	}
	return ce
}

// prepass handles the cases every domain treats identically.
func prepass(err error, domain Domain) (*ClassifiedError, bool) {
	if err == nil {
		return nil, true
	}
	if ce, ok := AsClassified(err); ok {
		return ce, true
	}
	if errors.Is(err, context.Canceled) {
		return newClassified(KindCancelled, domain, err), true
	}
	return nil, false
}

// transientPatterns maps message fragments from wrapped HTTP client errors
// to kinds. Checked in order.
var transientPatterns = []struct {
	pattern string
	kind    Kind
}{
	{"network is unreachable", KindNetworkOffline},
	{"no route to host", KindNetworkOffline},
	{"connection refused", KindConnectionRefused},
	{"connection reset by peer", KindConnectionReset},
	{"broken pipe", KindConnectionReset},
	{"server closed idle connection", KindConnectionReset},
	{"transport connection broken", KindConnectionReset},
	{"unexpected eof", KindConnectionReset},
	{"temporary failure in name resolution", KindDNSFailure},
	{"no such host", KindDNSFailure},
	{"tls handshake timeout", KindConnectionTimeout},
	{"i/o timeout", KindConnectionTimeout},
	{"deadline exceeded", KindConnectionTimeout},
}

// classifyNetwork recognizes transport-level failures. Returns nil when err
// does not look like one, so domain classifiers can chain it.
func classifyNetwork(err error, domain Domain) *ClassifiedError {
	if errors.Is(err, ErrOffline) {
		return newClassified(KindNetworkOffline, domain, err)
	}

	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return newClassified(KindDNSFailure, domain, err)
	}

	if errors.Is(err, syscall.ENETUNREACH) || errors.Is(err, syscall.EHOSTUNREACH) {
		return newClassified(KindNetworkOffline, domain, err)
	}
	if errors.Is(err, syscall.ECONNREFUSED) {
		return newClassified(KindConnectionRefused, domain, err)
	}
	if errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.ECONNABORTED) ||
		errors.Is(err, syscall.EPIPE) {
		return newClassified(KindConnectionReset, domain, err)
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return newClassified(KindConnectionTimeout, domain, err)
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return newClassified(KindConnectionTimeout, domain, err)
	}

	var se *StatusError
	if errors.As(err, &se) {
		if ce := classifyTransportStatus(se.StatusCode, domain, err); ce != nil {
			return ce
		}
	}
	var te *TransientError
	if errors.As(err, &te) {
		if ce := classifyTransportStatus(te.StatusCode, domain, err); ce != nil {
			return ce
		}
		return newClassified(KindServerError, domain, err)
	}

	msg := strings.ToLower(err.Error())
	for _, p := range transientPatterns {
		if strings.Contains(msg, p.pattern) {
			return newClassified(p.kind, domain, err)
		}
	}
	return nil
}

// classifyTransportStatus handles the status codes whose meaning does not
// depend on the domain.
func classifyTransportStatus(code int, domain Domain, err error) *ClassifiedError {
	switch {
	case code == 408 || code == 504:
		return newClassified(KindConnectionTimeout, domain, err)
	case code == 429:
		return withRetryAfter(newClassified(KindRateLimitExceeded, domain, err), err, DefaultRateLimitDelay)
	case code == 503 || code == 529:
		return withRetryAfter(newClassified(KindServiceOverloaded, domain, err), err, DefaultOverloadDelay)
	case code >= 500:
		return newClassified(KindServerError, domain, err)
	}
	return nil
}

// classifyClientStatus maps 4xx responses that retrying cannot fix.
func classifyClientStatus(code int, domain Domain, err error) *ClassifiedError {
	switch code {
	case 400, 422:
		return newClassified(KindInvalidRequest, domain, err)
	case 401:
		return newClassified(KindTokenExpired, domain, err)
	case 403:
		return newClassified(KindPermissionDenied, domain, err)
	case 404, 410:
		return newClassified(KindNotFound, domain, err)
	case 409, 412:
		return newClassified(KindConflict, domain, err)
	case 413:
		return newClassified(KindContextLength, domain, err)
	}
	return nil
}

// withRetryAfter sets the provider's retry hint from any StatusError in
// err's chain, or def when there is none.
func withRetryAfter(ce *ClassifiedError, err error, def time.Duration) *ClassifiedError {
	var se *StatusError
	if errors.As(err, &se) {
		ce.RetryAfter = retryAfterFromHeader(se.Header, time.Now())
	}
	if ce.RetryAfter == nil {
		ce.RetryAfter = durationPtr(def)
	}
	return ce
}

func unknown(domain Domain, err error) *ClassifiedError {
	ce := newClassified(KindUnknown, domain, err)
	ce.Message = fmt.Sprintf("%s (%s)", userMessages[KindUnknown], domain)
	return ce
}

// NetworkClassifier classifies plain transport failures.
type NetworkClassifier struct{}

// NewNetworkClassifier returns the transport classifier.
func NewNetworkClassifier() *NetworkClassifier {
	return &NetworkClassifier{}
}

func (c *NetworkClassifier) Domain() Domain { return DomainNetwork }

func (c *NetworkClassifier) Classify(err error) *ClassifiedError {
	if ce, done := prepass(err, DomainNetwork); done {
		return ce
	}
	if ce := classifyNetwork(err, DomainNetwork); ce != nil {
		return ce
	}
	var se *StatusError
	if errors.As(err, &se) {
		if ce := classifyClientStatus(se.StatusCode, DomainNetwork, err); ce != nil {
			return ce
		}
	}
	return unknown(DomainNetwork, err)
}

// IsTransient reports whether err classifies as retryable transport or
// throttling failure.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	ce := NewNetworkClassifier().Classify(err)
	if ce.Kind == KindUnknown {
		return false
	}
	return ce.Retryable
}

// IsOffline reports whether status means there is no usable connectivity,
// independent of any particular error text.
func IsOffline(status model.NetworkStatus) bool {
	return !status.IsOnline || status.ConnectionClass == model.ConnectionOffline
}

// ClassifyWithStatus classifies err and, when the monitor already knows the
// device is offline, rewrites any transport failure to network_offline.
func ClassifyWithStatus(c Classifier, err error, status model.NetworkStatus) *ClassifiedError {
	ce := c.Classify(err)
	if ce == nil || !IsOffline(status) {
		return ce
	}
	if ce.Kind.Family() == FamilyTransport && ce.Kind != KindNetworkOffline {
		offline := newClassified(KindNetworkOffline, ce.Domain, ce.Cause)
		offline.RetryAfter = ce.RetryAfter
		offline.FallbackAvailable = ce.FallbackAvailable
		return offline
	}
	return ce
}

// Registry holds one classifier per domain.
type Registry struct {
	classifiers map[Domain]Classifier
	fallback    Classifier
}

// NewRegistry builds a registry. Unregistered domains use the network
// classifier.
func NewRegistry(classifiers ...Classifier) *Registry {
	r := &Registry{
		classifiers: make(map[Domain]Classifier, len(classifiers)),
		fallback:    NewNetworkClassifier(),
	}
	for _, c := range classifiers {
		r.classifiers[c.Domain()] = c
	}
	return r
}

// DefaultRegistry wires the four built-in classifiers. canRefresh tells the
// credential rules whether an automatic refresh path exists.
func DefaultRegistry(canRefresh bool) *Registry {
	auth := NewAuthClassifier(canRefresh)
	return NewRegistry(
		NewNetworkClassifier(),
		auth,
		NewAIServiceClassifier(),
		NewCalendarClassifier(auth),
	)
}

// For returns the classifier registered for domain.
func (r *Registry) For(domain Domain) Classifier {
	if c, ok := r.classifiers[domain]; ok {
		return c
	}
	return r.fallback
}

// Classify is classify(rawFailure, domain).
func (r *Registry) Classify(domain Domain, err error) *ClassifiedError {
	return r.For(domain).Classify(err)
}
