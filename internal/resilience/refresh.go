package resilience

import (
	"context"

	"go.uber.org/zap"
	"golang.org/x/oauth2"
)

// Refresher renews an expired access token. Refresh is invoked at most once
// per ExecuteWithRefresh call; Policy bounds retries of that single
// invocation against transport failures.
type Refresher struct {
	Refresh func(ctx context.Context, tok *oauth2.Token) (*oauth2.Token, error)

	// Policy defaults to a single attempt.
	Policy RetryPolicy

	// OnRefreshed persists the new token.
	OnRefreshed func(tok *oauth2.Token)

	// Classifier classifies refresh failures. Defaults to an auth
	// classifier without a refresh path.
	Classifier Classifier
}

// NewRefresher returns a Refresher around fn with the auth domain defaults.
func NewRefresher(fn func(ctx context.Context, tok *oauth2.Token) (*oauth2.Token, error)) *Refresher {
	return &Refresher{
		Refresh: fn,
		Policy:  RetryPolicy{MaxRetries: 0, RetryableKinds: KindSet(transportKinds...)},
	}
}

// TokenSourceRefresher adapts an oauth2.Config: the refresh hook exchanges
// the refresh token through cfg.TokenSource.
func TokenSourceRefresher(cfg *oauth2.Config) *Refresher {
	return NewRefresher(func(ctx context.Context, tok *oauth2.Token) (*oauth2.Token, error) {
		if tok == nil || tok.RefreshToken == "" {
			return nil, ErrNoRefreshToken
		}
		expired := *tok
		expired.AccessToken = ""
		return cfg.TokenSource(ctx, &expired).Token()
	})
}

// AuthRequest is a Request whose operation needs an access token.
type AuthRequest[T any] struct {
	Name            string
	Op              func(ctx context.Context, tok *oauth2.Token) (T, error)
	Policy          RetryPolicy
	Classifier      Classifier
	Fallback        FallbackProvider[T]
	FallbackContext FallbackContext
}

// ExecuteWithRefresh runs req with tok. When the classified failure is an
// expired credential with a refresh path, it refreshes once and retries
// under the normal policy with the new token. It returns the token that
// should be used from now on.
func ExecuteWithRefresh[T any](ctx context.Context, ex *Executor, r *Refresher, tok *oauth2.Token, req AuthRequest[T]) (T, *oauth2.Token, error) {
	var zero T
	if req.Classifier == nil {
		req.Classifier = NewAuthClassifier(r != nil && r.Refresh != nil)
	}

	base := Request[T]{
		Name:            req.Name,
		Policy:          req.Policy,
		Classifier:      req.Classifier,
		FallbackContext: req.FallbackContext,
	}
	withToken := func(t *oauth2.Token) Request[T] {
		b := base
		b.Op = func(ctx context.Context) (T, error) { return req.Op(ctx, t) }
		return b
	}

	val, err := Execute(ctx, ex, withToken(tok))
	if err == nil {
		return val, tok, nil
	}
	ce, ok := AsClassified(err)
	if !ok || !Refreshable(ce) || r == nil || r.Refresh == nil {
		return finishAuth(ex, req, tok, err)
	}

	fresh, rerr := r.refresh(ctx, ex, tok)
	if rerr != nil {
		return zero, tok, rerr
	}

	val, err = Execute(ctx, ex, withToken(fresh))
	if err == nil {
		return val, fresh, nil
	}
	return finishAuth(ex, req, fresh, err)
}

func finishAuth[T any](ex *Executor, req AuthRequest[T], tok *oauth2.Token, err error) (T, *oauth2.Token, error) {
	ce, ok := AsClassified(err)
	if !ok {
		var zero T
		return zero, tok, err
	}
	val, err := finish(ex, Request[T]{Name: req.Name, Fallback: req.Fallback, FallbackContext: req.FallbackContext}, ce)
	return val, tok, err
}

// refresh invokes the hook exactly once (plus transport retries) and maps
// every failure to token_refresh_failed.
func (r *Refresher) refresh(ctx context.Context, ex *Executor, tok *oauth2.Token) (*oauth2.Token, error) {
	classifier := r.Classifier
	if classifier == nil {
		classifier = NewAuthClassifier(false)
	}
	policy := r.Policy
	if policy.RetryableKinds == nil {
		policy.RetryableKinds = KindSet(transportKinds...)
	}

	fresh, err := Execute(ctx, ex, Request[*oauth2.Token]{
		Name:       "token_refresh",
		Op:         func(ctx context.Context) (*oauth2.Token, error) { return r.Refresh(ctx, tok) },
		Policy:     policy,
		Classifier: classifier,
	})
	if err == nil && fresh == nil {
		err = ErrNoRefreshToken
	}
	if err != nil {
		ex.record(Event{Type: EventRefresh, Operation: "token_refresh", Domain: DomainAuth, Success: false, Detail: err.Error()})
		if ce, ok := AsClassified(err); ok && ce.Kind == KindCancelled {
			return nil, ce
		}
		failed := newClassified(KindTokenRefreshFailed, DomainAuth, err)
		zap.L().Warn("token refresh failed", zap.Error(err))
		return nil, failed
	}

	ex.record(Event{Type: EventRefresh, Operation: "token_refresh", Domain: DomainAuth, Success: true})
	if r.OnRefreshed != nil {
		r.OnRefreshed(fresh)
	}
	return fresh, nil
}
