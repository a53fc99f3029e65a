package resilience

import (
	"errors"
	"net/http"
	"time"

	"google.golang.org/api/googleapi"
)

// CalendarClassifier classifies failures from the external calendar API.
// Google reports throttling as 403 with a reason, so reasons are checked
// before status codes.
type CalendarClassifier struct {
	auth    *AuthClassifier
	nowFunc func() time.Time
}

// NewCalendarClassifier returns the calendar-API classifier. Token failures
// are delegated to auth so refreshability is decided in one place.
func NewCalendarClassifier(auth *AuthClassifier) *CalendarClassifier {
	if auth == nil {
		auth = NewAuthClassifier(false)
	}
	return &CalendarClassifier{auth: auth, nowFunc: time.Now}
}

func (c *CalendarClassifier) Domain() Domain { return DomainCalendarAPI }

func (c *CalendarClassifier) Classify(err error) *ClassifiedError {
	if ce, done := prepass(err, DomainCalendarAPI); done {
		return ce
	}

	var gErr *googleapi.Error
	if errors.As(err, &gErr) {
		return c.classifyGoogle(gErr, err)
	}

	var se *StatusError
	if errors.As(err, &se) {
		return c.byStatus(se.StatusCode, se.Header, err)
	}

	if ce := c.auth.classifyCredential(err, DomainCalendarAPI); ce != nil {
		return ce
	}
	if ce := classifyNetwork(err, DomainCalendarAPI); ce != nil {
		return ce
	}
	return unknown(DomainCalendarAPI, err)
}

func (c *CalendarClassifier) classifyGoogle(gErr *googleapi.Error, err error) *ClassifiedError {
	for _, item := range gErr.Errors {
		switch item.Reason {
		case "rateLimitExceeded", "userRateLimitExceeded":
			return c.throttled(KindRateLimitExceeded, gErr.Header, DefaultRateLimitDelay, err)
		case "quotaExceeded", "dailyLimitExceeded", "usageLimits":
			return c.throttled(KindQuotaExceeded, gErr.Header, DefaultQuotaDelay, err)
		case "authError", "expired":
			return c.auth.expired(KindTokenExpired, DomainCalendarAPI, err)
		case "forbidden", "insufficientPermissions", "forbiddenForNonOrganizer":
			return newClassified(KindPermissionDenied, DomainCalendarAPI, err)
		case "notFound", "deleted":
			return newClassified(KindNotFound, DomainCalendarAPI, err)
		case "conditionNotMet", "duplicate", "fullSyncRequired", "updatedMinTooLongAgo":
			return newClassified(KindConflict, DomainCalendarAPI, err)
		case "backendError", "internalError":
			return newClassified(KindServerError, DomainCalendarAPI, err)
		}
	}
	return c.byStatus(gErr.Code, gErr.Header, err)
}

func (c *CalendarClassifier) byStatus(code int, header http.Header, err error) *ClassifiedError {
	switch {
	case code == http.StatusUnauthorized:
		return c.auth.expired(KindTokenExpired, DomainCalendarAPI, err)
	case code == http.StatusTooManyRequests:
		return c.throttled(KindRateLimitExceeded, header, DefaultRateLimitDelay, err)
	case code == http.StatusServiceUnavailable:
		return c.throttled(KindServiceOverloaded, header, DefaultOverloadDelay, err)
	}
	if ce := classifyTransportStatus(code, DomainCalendarAPI, err); ce != nil {
		return ce
	}
	if ce := classifyClientStatus(code, DomainCalendarAPI, err); ce != nil {
		if ce.Kind == KindContextLength {
			ce = newClassified(KindInvalidRequest, DomainCalendarAPI, err)
		}
		return ce
	}
	if ce := classifyNetwork(err, DomainCalendarAPI); ce != nil {
		return ce
	}
	return unknown(DomainCalendarAPI, err)
}

func (c *CalendarClassifier) throttled(kind Kind, header http.Header, def time.Duration, err error) *ClassifiedError {
	ce := newClassified(kind, DomainCalendarAPI, err)
	ce.RetryAfter = retryAfterFromHeader(header, c.nowFunc())
	if ce.RetryAfter == nil {
		ce.RetryAfter = durationPtr(def)
	}
	return ce
}
