package resilience

import (
	"errors"

	"golang.org/x/oauth2"
)

// AuthClassifier classifies credential failures from the OAuth collaborator
// and from any API that rejects a token.
type AuthClassifier struct {
	canRefresh bool
}

// NewAuthClassifier returns a credential classifier. canRefresh reports
// whether an automatic refresh path exists; without one, expired and
// invalid tokens are not retryable.
func NewAuthClassifier(canRefresh bool) *AuthClassifier {
	return &AuthClassifier{canRefresh: canRefresh}
}

func (c *AuthClassifier) Domain() Domain { return DomainAuth }

// CanRefresh reports whether expired credentials are classified retryable.
func (c *AuthClassifier) CanRefresh() bool { return c.canRefresh }

func (c *AuthClassifier) Classify(err error) *ClassifiedError {
	if ce, done := prepass(err, DomainAuth); done {
		return ce
	}
	if ce := c.classifyCredential(err, DomainAuth); ce != nil {
		return ce
	}
	if ce := classifyNetwork(err, DomainAuth); ce != nil {
		return ce
	}
	return unknown(DomainAuth, err)
}

// classifyCredential is shared with the calendar classifier, which sees the
// same token failures through a different client.
func (c *AuthClassifier) classifyCredential(err error, domain Domain) *ClassifiedError {
	switch {
	case errors.Is(err, ErrTokenExpired):
		return c.expired(KindTokenExpired, domain, err)
	case errors.Is(err, ErrTokenInvalid):
		return c.expired(KindTokenInvalid, domain, err)
	case errors.Is(err, ErrNoRefreshToken):
		return newClassified(KindTokenRefreshFailed, domain, err)
	}

	var re *oauth2.RetrieveError
	if errors.As(err, &re) {
		return c.classifyRetrieve(re, domain, err)
	}

	var se *StatusError
	if errors.As(err, &se) {
		switch se.StatusCode {
		case 401:
			return c.expired(KindTokenExpired, domain, err)
		case 403:
			return newClassified(KindPermissionDenied, domain, err)
		}
	}
	return nil
}

// classifyRetrieve maps RFC 6749 token endpoint error codes.
func (c *AuthClassifier) classifyRetrieve(re *oauth2.RetrieveError, domain Domain, err error) *ClassifiedError {
	switch re.ErrorCode {
	case "invalid_grant", "invalid_client", "unauthorized_client", "unsupported_grant_type":
		return newClassified(KindTokenRefreshFailed, domain, err)
	case "invalid_token":
		return c.expired(KindTokenExpired, domain, err)
	case "insufficient_scope", "access_denied":
		return newClassified(KindPermissionDenied, domain, err)
	case "temporarily_unavailable", "server_error":
		return newClassified(KindServerError, domain, err)
	}
	if re.Response != nil {
		if ce := classifyTransportStatus(re.Response.StatusCode, domain, err); ce != nil {
			return ce
		}
	}
	return newClassified(KindTokenRefreshFailed, domain, err)
}

func (c *AuthClassifier) expired(kind Kind, domain Domain, err error) *ClassifiedError {
	ce := newClassified(kind, domain, err)
	ce.Retryable = c.canRefresh
	return ce
}

// Refreshable reports whether ce is an expired-but-refreshable credential,
// the one case the refresh wrapper handles.
func Refreshable(ce *ClassifiedError) bool {
	if ce == nil || !ce.Retryable {
		return false
	}
	return ce.Kind == KindTokenExpired || ce.Kind == KindTokenInvalid
}
