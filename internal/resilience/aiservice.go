package resilience

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	sdk "github.com/anthropics/anthropic-sdk-go"
	openai "github.com/sashabaranov/go-openai"
)

// AIServiceClassifier classifies failures from the generative-AI providers
// used for agenda and summary text. Terminal failures always have a
// deterministic fallback.
type AIServiceClassifier struct {
	nowFunc func() time.Time
}

// NewAIServiceClassifier returns the AI-service classifier.
func NewAIServiceClassifier() *AIServiceClassifier {
	return &AIServiceClassifier{nowFunc: time.Now}
}

func (c *AIServiceClassifier) Domain() Domain { return DomainAIService }

func (c *AIServiceClassifier) Classify(err error) *ClassifiedError {
	if ce, done := prepass(err, DomainAIService); done {
		return ce
	}
	ce := c.classify(err)
	ce.FallbackAvailable = true
	return ce
}

func (c *AIServiceClassifier) classify(err error) *ClassifiedError {
	if errors.Is(err, ErrContentFiltered) {
		return newClassified(KindContentFiltered, DomainAIService, err)
	}

	var anthropicErr *sdk.Error
	if errors.As(err, &anthropicErr) {
		var header http.Header
		if anthropicErr.Response != nil {
			header = anthropicErr.Response.Header
		}
		return c.byStatus(anthropicErr.StatusCode, header, err)
	}

	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		if ce := c.byOpenAICode(apiErr, err); ce != nil {
			return ce
		}
		return c.byStatus(apiErr.HTTPStatusCode, nil, err)
	}

	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) {
		return c.byStatus(reqErr.HTTPStatusCode, nil, err)
	}

	var se *StatusError
	if errors.As(err, &se) {
		return c.byStatus(se.StatusCode, se.Header, err)
	}

	if ce := classifyNetwork(err, DomainAIService); ce != nil {
		return ce
	}
	if ce := c.byMessage(err); ce != nil {
		return ce
	}
	return unknown(DomainAIService, err)
}

func (c *AIServiceClassifier) byStatus(code int, header http.Header, err error) *ClassifiedError {
	switch {
	case code == http.StatusTooManyRequests:
		return c.throttled(KindRateLimitExceeded, header, DefaultRateLimitDelay*2, err)
	case code == 529 || code == http.StatusServiceUnavailable:
		return c.throttled(KindServiceOverloaded, header, DefaultOverloadDelay, err)
	case code == http.StatusUnauthorized:
		// API keys are configuration, not user credentials: no refresh path.
		ce := newClassified(KindTokenInvalid, DomainAIService, err)
		ce.Message = "The assistant service rejected its credentials."
		ce.RecoveryOptions = []string{"Try again later", "Contact support if this keeps happening"}
		return ce
	case code == http.StatusForbidden:
		return newClassified(KindPermissionDenied, DomainAIService, err)
	case code == http.StatusRequestEntityTooLarge:
		return newClassified(KindContextLength, DomainAIService, err)
	case code == http.StatusNotFound:
		return newClassified(KindNotFound, DomainAIService, err)
	case code == http.StatusBadRequest || code == http.StatusUnprocessableEntity:
		if ce := c.byMessage(err); ce != nil && ce.Kind.Family() == FamilySemantic {
			return ce
		}
		return newClassified(KindInvalidRequest, DomainAIService, err)
	case code >= 500:
		return newClassified(KindServerError, DomainAIService, err)
	}
	if ce := classifyNetwork(err, DomainAIService); ce != nil {
		return ce
	}
	return unknown(DomainAIService, err)
}

func (c *AIServiceClassifier) byOpenAICode(apiErr *openai.APIError, err error) *ClassifiedError {
	code := ""
	if apiErr.Code != nil {
		code = fmt.Sprint(apiErr.Code)
	}
	for _, v := range []string{code, apiErr.Type} {
		switch v {
		case "insufficient_quota", "billing_hard_limit_reached":
			return c.throttled(KindQuotaExceeded, nil, DefaultQuotaDelay, err)
		case "rate_limit_exceeded", "requests", "tokens":
			return c.throttled(KindRateLimitExceeded, nil, DefaultRateLimitDelay*2, err)
		case "content_filter", "content_policy_violation":
			return newClassified(KindContentFiltered, DomainAIService, err)
		case "context_length_exceeded", "string_above_max_length":
			return newClassified(KindContextLength, DomainAIService, err)
		case "server_error":
			return newClassified(KindServerError, DomainAIService, err)
		}
	}
	return nil
}

var aiMessagePatterns = []struct {
	pattern string
	kind    Kind
}{
	{"content policy", KindContentFiltered},
	{"content_filter", KindContentFiltered},
	{"safety system", KindContentFiltered},
	{"prompt is too long", KindContextLength},
	{"maximum context length", KindContextLength},
	{"insufficient_quota", KindQuotaExceeded},
	{"quota", KindQuotaExceeded},
	{"overloaded", KindServiceOverloaded},
	{"rate limit", KindRateLimitExceeded},
	{"rate_limit", KindRateLimitExceeded},
}

func (c *AIServiceClassifier) byMessage(err error) *ClassifiedError {
	msg := strings.ToLower(err.Error())
	for _, p := range aiMessagePatterns {
		if !strings.Contains(msg, p.pattern) {
			continue
		}
		switch p.kind {
		case KindQuotaExceeded:
			return c.throttled(p.kind, nil, DefaultQuotaDelay, err)
		case KindServiceOverloaded:
			return c.throttled(p.kind, nil, DefaultOverloadDelay, err)
		case KindRateLimitExceeded:
			return c.throttled(p.kind, nil, DefaultRateLimitDelay*2, err)
		default:
			return newClassified(p.kind, DomainAIService, err)
		}
	}
	return nil
}

func (c *AIServiceClassifier) throttled(kind Kind, header http.Header, def time.Duration, err error) *ClassifiedError {
	ce := newClassified(kind, DomainAIService, err)
	ce.RetryAfter = retryAfterFromHeader(header, c.nowFunc())
	if ce.RetryAfter == nil {
		ce.RetryAfter = durationPtr(def)
	}
	return ce
}
