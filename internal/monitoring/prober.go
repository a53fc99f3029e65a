package monitoring

import (
	"context"
	"io"
	"net/http"
	"time"

	"github.com/rotisserie/eris"
)

// Prober performs one reachability check and reports its latency.
type Prober interface {
	Probe(ctx context.Context) (time.Duration, error)
}

// ProberFunc adapts a function to Prober.
type ProberFunc func(ctx context.Context) (time.Duration, error)

func (f ProberFunc) Probe(ctx context.Context) (time.Duration, error) { return f(ctx) }

// HTTPProber checks reachability with a HEAD request, falling back to GET
// when the endpoint rejects HEAD. Any 2xx-4xx answer means the network is up.
type HTTPProber struct {
	url    string
	client *http.Client
}

// NewHTTPProber creates a prober for url. timeout bounds each probe.
func NewHTTPProber(url string, timeout time.Duration) *HTTPProber {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &HTTPProber{
		url:    url,
		client: &http.Client{Timeout: timeout},
	}
}

// Probe implements Prober.
func (p *HTTPProber) Probe(ctx context.Context) (time.Duration, error) {
	start := time.Now()
	status, err := p.do(ctx, http.MethodHead)
	if err == nil && status == http.StatusMethodNotAllowed {
		status, err = p.do(ctx, http.MethodGet)
	}
	latency := time.Since(start)
	if err != nil {
		return latency, err
	}
	if status >= 500 {
		return latency, eris.Errorf("monitoring: probe returned status %d", status)
	}
	return latency, nil
}

func (p *HTTPProber) do(ctx context.Context, method string) (int, error) {
	req, err := http.NewRequestWithContext(ctx, method, p.url, nil)
	if err != nil {
		return 0, eris.Wrap(err, "monitoring: create probe request")
	}
	resp, err := p.client.Do(req)
	if err != nil {
		return 0, eris.Wrap(err, "monitoring: probe request")
	}
	defer resp.Body.Close() //nolint:errcheck
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
	return resp.StatusCode, nil
}
