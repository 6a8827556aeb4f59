package fooocus

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"fooocusbot/internal/domain"
	"fooocusbot/internal/infra"
)

const (
	pathPing        = "/ping"
	pathModels      = "/v1/engines/all-models"
	pathTextToImage = "/v1/generation/text-to-image"
	pathQueryJob    = "/v1/generation/query-job"
	pathStop        = "/v1/generation/stop"

	maxRedirects = 5
)

// Defaults are the job payload fields the chat layer never varies per request.
type Defaults struct {
	PerformanceSelection string
	AspectRatio          string
	StyleSelections      []string
	Sharpness            float64
	GuidanceScale        float64
	ImageSeed            int64
}

// Options configures the Fooocus API client.
type Options struct {
	BaseURL    string
	HTTPClient *http.Client
	Logger     *infra.Logger
	Defaults   Defaults

	PingTimeout    time.Duration
	RequestTimeout time.Duration
	SyncTimeout    time.Duration
	FetchTimeout   time.Duration
}

// Client is a stateless façade over the Fooocus HTTP API. It is safe for
// concurrent use.
type Client struct {
	base           *url.URL
	httpClient     *http.Client
	fetchClient    *http.Client
	logger         *infra.Logger
	defaults       Defaults
	pingTimeout    time.Duration
	requestTimeout time.Duration
	syncTimeout    time.Duration
	fetchTimeout   time.Duration
}

// NewClient applies Options defaults and validates the base URL.
func NewClient(opts Options) (*Client, error) {
	raw := strings.TrimRight(strings.TrimSpace(opts.BaseURL), "/")
	if raw == "" {
		raw = "http://127.0.0.1:8888"
	}
	base, err := url.Parse(raw)
	if err != nil || base.Scheme == "" || base.Host == "" {
		return nil, fmt.Errorf("fooocus: invalid base url %q", opts.BaseURL)
	}
	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	fetchClient := *httpClient
	fetchClient.CheckRedirect = func(req *http.Request, via []*http.Request) error {
		if len(via) >= maxRedirects {
			return fmt.Errorf("fooocus: stopped after %d redirects", maxRedirects)
		}
		if !strings.EqualFold(req.URL.Host, base.Host) {
			return fmt.Errorf("fooocus: refusing redirect to foreign host %q", req.URL.Host)
		}
		return nil
	}
	defaults := opts.Defaults
	if defaults.PerformanceSelection == "" {
		defaults.PerformanceSelection = "Speed"
	}
	if defaults.AspectRatio == "" {
		defaults.AspectRatio = "1152*896"
	}
	if defaults.Sharpness == 0 {
		defaults.Sharpness = 2.0
	}
	if defaults.GuidanceScale == 0 {
		defaults.GuidanceScale = 4.0
	}
	if defaults.ImageSeed == 0 {
		defaults.ImageSeed = -1
	}
	return &Client{
		base:           base,
		httpClient:     httpClient,
		fetchClient:    &fetchClient,
		logger:         infra.LoggerOrDiscard(opts.Logger),
		defaults:       defaults,
		pingTimeout:    durationOr(opts.PingTimeout, 5*time.Second),
		requestTimeout: durationOr(opts.RequestTimeout, 10*time.Second),
		syncTimeout:    durationOr(opts.SyncTimeout, 300*time.Second),
		fetchTimeout:   durationOr(opts.FetchTimeout, 60*time.Second),
	}, nil
}

// BaseURL returns the configured backend endpoint.
func (c *Client) BaseURL() string {
	return c.base.String()
}

// Ping is a liveness probe. It never fails; any error reads as "down".
func (c *Client) Ping(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, c.pingTimeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.endpoint(pathPing), nil)
	if err != nil {
		return false
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)
	return resp.StatusCode == http.StatusOK
}

// ListModels returns the backend's model filenames. On any failure the slice
// is empty and the error says why; callers show "unavailable" rather than
// "no models".
func (c *Client) ListModels(ctx context.Context) ([]string, error) {
	raw, err := c.getJSON(ctx, c.endpoint(pathModels), c.requestTimeout)
	if err != nil {
		return []string{}, err
	}
	var decoded modelsResponse
	if err := json.Unmarshal(raw, &decoded); err != nil {
		return []string{}, fmt.Errorf("fooocus: decode models: %w: %v", domain.ErrMalformedResponse, err)
	}
	models := make([]string, 0, len(decoded.ModelFilenames))
	for _, name := range decoded.ModelFilenames {
		if name = strings.TrimSpace(name); name != "" {
			models = append(models, name)
		}
	}
	return models, nil
}

// StartJob submits a text-to-image job. Async jobs return a job id; sync jobs
// block (bounded by the sync timeout) and return the results directly.
func (c *Client) StartJob(ctx context.Context, req GenerateRequest) (*StartResult, error) {
	count := req.ImageCount
	if count <= 0 {
		count = 1
	}
	styles := c.defaults.StyleSelections
	if styles == nil {
		styles = []string{}
	}
	payload := generationPayload{
		Prompt:               req.Prompt,
		NegativePrompt:       req.NegativePrompt,
		StyleSelections:      styles,
		PerformanceSelection: c.defaults.PerformanceSelection,
		AspectRatiosSelected: c.defaults.AspectRatio,
		ImageNumber:          count,
		ImageSeed:            c.defaults.ImageSeed,
		Sharpness:            c.defaults.Sharpness,
		GuidanceScale:        c.defaults.GuidanceScale,
		AsyncProcess:         req.Async,
		BaseModelName:        strings.TrimSpace(req.Model),
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("fooocus: encode request: %w", err)
	}
	timeout := c.syncTimeout
	if req.Async {
		timeout = c.requestTimeout
	}
	raw, err := c.postJSON(ctx, c.endpoint(pathTextToImage), body, timeout)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", domain.ErrJobStart, err)
	}

	if req.Async {
		var decoded asyncJobResponse
		if err := json.Unmarshal(raw, &decoded); err != nil {
			return nil, fmt.Errorf("%w: fooocus: decode job: %w: %v", domain.ErrJobStart, domain.ErrMalformedResponse, err)
		}
		jobID := strings.TrimSpace(decoded.JobID)
		if jobID == "" {
			return nil, fmt.Errorf("%w: fooocus: response carried no job_id", domain.ErrJobStart)
		}
		c.logger.Debug().Str("job_id", jobID).Str("model", payload.BaseModelName).Msg("fooocus: job started")
		return &StartResult{JobID: jobID}, nil
	}

	var results Results
	if err := json.Unmarshal(raw, &results); err != nil {
		return nil, fmt.Errorf("%w: fooocus: decode results: %w: %v", domain.ErrJobStart, domain.ErrMalformedResponse, err)
	}
	return &StartResult{Results: results}, nil
}

// QueryJob fetches the current state of a job. A nil snapshot with an error
// is a missed tick for the caller, not a job failure.
func (c *Client) QueryJob(ctx context.Context, jobID string) (*JobSnapshot, error) {
	q := url.Values{}
	q.Set("job_id", jobID)
	q.Set("require_step_preview", "true")
	raw, err := c.getJSON(ctx, c.endpoint(pathQueryJob)+"?"+q.Encode(), c.requestTimeout)
	if err != nil {
		return nil, err
	}
	var decoded queryJobResponse
	if err := json.Unmarshal(raw, &decoded); err != nil {
		return nil, fmt.Errorf("fooocus: decode job %s: %w: %v", jobID, domain.ErrMalformedResponse, err)
	}
	snap, err := decoded.snapshot()
	if err != nil {
		return nil, fmt.Errorf("fooocus: job %s: %w: %v", jobID, domain.ErrMalformedResponse, err)
	}
	if snap.JobID == "" {
		snap.JobID = jobID
	}
	return snap, nil
}

// StopJob asks the backend to abandon the task it is running. The backend has
// a single worker, so the call takes no job id.
func (c *Client) StopJob(ctx context.Context) error {
	_, err := c.postJSON(ctx, c.endpoint(pathStop), []byte("{}"), c.requestTimeout)
	return err
}

// FetchImage downloads a result URL after pointing it at the configured
// backend endpoint. Redirects may not leave that endpoint.
func (c *Client) FetchImage(ctx context.Context, rawURL string) ([]byte, error) {
	target, err := c.RewriteURL(rawURL)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", domain.ErrImageDecode, err)
	}
	ctx, cancel := context.WithTimeout(ctx, c.fetchTimeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: fooocus: build download request: %v", domain.ErrImageDecode, err)
	}
	resp, err := c.fetchClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: fooocus: download %s: %w: %v", domain.ErrImageDecode, target, domain.ErrTransport, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("%w: fooocus: download %s: %w: status %d", domain.ErrImageDecode, target, domain.ErrBackendRejected, resp.StatusCode)
	}
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: fooocus: read image: %v", domain.ErrImageDecode, err)
	}
	if len(data) == 0 {
		return nil, fmt.Errorf("%w: fooocus: empty image body from %s", domain.ErrImageDecode, target)
	}
	return data, nil
}

// RewriteURL keeps the path and query of a backend-reported URL but replaces
// scheme and host:port with the configured endpoint. The backend commonly
// reports a loopback address that is only valid from its own machine.
func (c *Client) RewriteURL(rawURL string) (string, error) {
	parsed, err := url.Parse(strings.TrimSpace(rawURL))
	if err != nil {
		return "", fmt.Errorf("fooocus: invalid image url %q: %v", rawURL, err)
	}
	if parsed.Path == "" {
		return "", fmt.Errorf("fooocus: image url %q has no path", rawURL)
	}
	parsed.Scheme = c.base.Scheme
	parsed.Host = c.base.Host
	parsed.User = c.base.User
	return parsed.String(), nil
}

func (c *Client) endpoint(path string) string {
	return c.base.String() + path
}

func (c *Client) getJSON(ctx context.Context, endpoint string, timeout time.Duration) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("fooocus: build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	return c.do(req)
}

func (c *Client) postJSON(ctx context.Context, endpoint string, body []byte, timeout time.Duration) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("fooocus: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	return c.do(req)
}

func (c *Client) do(req *http.Request) ([]byte, error) {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return nil, fmt.Errorf("fooocus: %s %s: %w", req.Method, req.URL.Path, err)
		}
		return nil, fmt.Errorf("fooocus: %s %s: %w: %v", req.Method, req.URL.Path, domain.ErrTransport, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("fooocus: read response: %w: %v", domain.ErrTransport, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("fooocus: %s %s: %w: status %d: %s", req.Method, req.URL.Path, domain.ErrBackendRejected, resp.StatusCode, truncate(strings.TrimSpace(string(raw)), 200))
	}
	return raw, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}

func durationOr(d, fallback time.Duration) time.Duration {
	if d > 0 {
		return d
	}
	return fallback
}
