package heartbeat

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"
)

// FuncTarget adapts a plain function into a Target.
type FuncTarget struct {
	TargetName string
	Disabled   bool
	Budget     time.Duration
	Fn         func(ctx context.Context) error
}

func (f *FuncTarget) Name() string           { return f.TargetName }
func (f *FuncTarget) Enabled() bool          { return !f.Disabled && f.Fn != nil }
func (f *FuncTarget) Timeout() time.Duration { return f.Budget }

func (f *FuncTarget) Check(ctx context.Context) (time.Duration, error) {
	start := time.Now()
	err := f.Fn(ctx)
	return time.Since(start), err
}

// HTTPTarget probes a URL with GET. Any 2xx or 3xx response is healthy.
type HTTPTarget struct {
	TargetName string
	URL        string
	Budget     time.Duration
	Client     *http.Client
}

func (h *HTTPTarget) Name() string           { return h.TargetName }
func (h *HTTPTarget) Enabled() bool          { return h.URL != "" }
func (h *HTTPTarget) Timeout() time.Duration { return h.Budget }

func (h *HTTPTarget) Check(ctx context.Context) (time.Duration, error) {
	client := h.Client
	if client == nil {
		client = http.DefaultClient
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, h.URL, nil)
	if err != nil {
		return 0, fmt.Errorf("build request: %w", err)
	}

	start := time.Now()
	resp, err := client.Do(req)
	latency := time.Since(start)
	if err != nil {
		return latency, fmt.Errorf("probe %s: %w", h.URL, err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))

	if resp.StatusCode >= 400 {
		return latency, fmt.Errorf("probe %s: status %d", h.URL, resp.StatusCode)
	}
	return latency, nil
}
