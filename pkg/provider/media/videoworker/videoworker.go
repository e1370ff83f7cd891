// Package videoworker provides a video generator backed by an HTTP render
// worker with an asynchronous job API:
//
//	POST {endpoint}/v1/jobs            submit {type, prompt, image_base64} -> {id}
//	GET  {endpoint}/v1/jobs/{id}       poll   -> {status, error, result:{resource_url}}
//	GET  {result.resource_url}         download the finished clip
//	DELETE {endpoint}/v1/jobs/{id}     best-effort cancel when ctx ends first
//
// GenerateVideo blocks until the job reaches a terminal status, ctx is done,
// or the configured job timeout elapses.
package videoworker

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/MrWong99/storyloom/pkg/provider/media"
)

// Compile-time interface assertion.
var _ media.VideoGenerator = (*Provider)(nil)

const (
	defaultPollInterval = 3 * time.Second
	defaultJobTimeout   = 10 * time.Minute
	requestTimeout      = 30 * time.Second
)

// ErrJobFailed is returned when the worker reports a terminal failure.
var ErrJobFailed = errors.New("videoworker: job failed")

// Option is a functional option for configuring a Provider.
type Option func(*Provider)

// WithPollInterval sets how often job status is polled.
func WithPollInterval(d time.Duration) Option {
	return func(p *Provider) {
		if d > 0 {
			p.pollInterval = d
		}
	}
}

// WithJobTimeout bounds the total time spent waiting for a single job.
func WithJobTimeout(d time.Duration) Option {
	return func(p *Provider) {
		if d > 0 {
			p.jobTimeout = d
		}
	}
}

// WithHTTPClient overrides the HTTP client used for all requests.
func WithHTTPClient(c *http.Client) Option {
	return func(p *Provider) {
		if c != nil {
			p.httpClient = c
		}
	}
}

// Provider implements media.VideoGenerator against a render worker.
type Provider struct {
	endpoint     string
	pollInterval time.Duration
	jobTimeout   time.Duration
	httpClient   *http.Client
}

// New creates a Provider targeting the worker at endpoint.
func New(endpoint string, opts ...Option) (*Provider, error) {
	if endpoint == "" {
		return nil, errors.New("videoworker: endpoint must not be empty")
	}
	if _, err := url.Parse(endpoint); err != nil {
		return nil, fmt.Errorf("videoworker: parse endpoint: %w", err)
	}
	p := &Provider{
		endpoint:     strings.TrimRight(endpoint, "/"),
		pollInterval: defaultPollInterval,
		jobTimeout:   defaultJobTimeout,
		httpClient:   &http.Client{Timeout: requestTimeout},
	}
	for _, o := range opts {
		o(p)
	}
	return p, nil
}

type submitRequest struct {
	Type        string `json:"type"`
	Prompt      string `json:"prompt"`
	ImageBase64 string `json:"image_base64"`
}

type submitResponse struct {
	ID string `json:"id"`
}

type jobResult struct {
	ResourceURL string `json:"resource_url"`
}

type jobStatus struct {
	ID       string    `json:"id"`
	Status   string    `json:"status"`
	Progress int       `json:"progress"`
	Error    string    `json:"error"`
	Result   jobResult `json:"result"`
}

// GenerateVideo implements media.VideoGenerator.
func (p *Provider) GenerateVideo(ctx context.Context, image []byte, prompt string) ([]byte, error) {
	if len(image) == 0 {
		return nil, errors.New("videoworker: source image must not be empty")
	}
	jobID, err := p.submit(ctx, image, prompt)
	if err != nil {
		return nil, err
	}

	pollCtx, cancel := context.WithTimeout(ctx, p.jobTimeout)
	defer cancel()

	res, err := p.poll(pollCtx, jobID)
	if err != nil {
		if pollCtx.Err() != nil {
			p.cancelJob(jobID)
		}
		return nil, err
	}
	return p.download(ctx, res.ResourceURL)
}

func (p *Provider) submit(ctx context.Context, image []byte, prompt string) (string, error) {
	body, err := json.Marshal(submitRequest{
		Type:        "video",
		Prompt:      prompt,
		ImageBase64: base64.StdEncoding.EncodeToString(image),
	})
	if err != nil {
		return "", fmt.Errorf("videoworker: marshal submit: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.endpoint+"/v1/jobs", bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("videoworker: create submit request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("videoworker: submit: %w", err)
	}
	defer resp.Body.Close()
	switch resp.StatusCode {
	case http.StatusOK, http.StatusCreated, http.StatusAccepted:
	default:
		return "", fmt.Errorf("videoworker: submit returned status %d", resp.StatusCode)
	}

	var sr submitResponse
	if err := json.NewDecoder(resp.Body).Decode(&sr); err != nil {
		return "", fmt.Errorf("videoworker: decode submit response: %w", err)
	}
	if sr.ID == "" {
		return "", errors.New("videoworker: submit response has no job id")
	}
	return sr.ID, nil
}

// poll checks job status every pollInterval until the job is terminal.
// Transport errors and unparsable bodies are logged and retried on the next
// tick.
func (p *Provider) poll(ctx context.Context, jobID string) (jobResult, error) {
	jobURL := p.endpoint + "/v1/jobs/" + url.PathEscape(jobID)
	ticker := time.NewTicker(p.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return jobResult{}, fmt.Errorf("videoworker: poll job %s: %w", jobID, ctx.Err())
		case <-ticker.C:
		}

		st, err := p.fetchStatus(ctx, jobURL)
		if err != nil {
			slog.Debug("videoworker: poll failed, retrying", "job", jobID, "err", err)
			continue
		}
		switch strings.ToLower(st.Status) {
		case "success", "succeeded", "completed", "finished":
			if st.Result.ResourceURL == "" {
				return jobResult{}, fmt.Errorf("videoworker: job %s: %w", jobID, media.ErrEmptyPayload)
			}
			return st.Result, nil
		case "failed", "error", "cancelled":
			return jobResult{}, fmt.Errorf("%w: %s: %s", ErrJobFailed, jobID, st.Error)
		}
	}
}

func (p *Provider) fetchStatus(ctx context.Context, jobURL string) (jobStatus, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, jobURL, nil)
	if err != nil {
		return jobStatus{}, err
	}
	resp, err := p.httpClient.Do(req)
	if err != nil {
		return jobStatus{}, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return jobStatus{}, fmt.Errorf("status %d", resp.StatusCode)
	}
	var st jobStatus
	if err := json.NewDecoder(resp.Body).Decode(&st); err != nil {
		return jobStatus{}, err
	}
	return st, nil
}

func (p *Provider) download(ctx context.Context, resource string) ([]byte, error) {
	u, err := p.resolve(resource)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, fmt.Errorf("videoworker: create download request: %w", err)
	}
	resp, err := p.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("videoworker: download: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("videoworker: download returned status %d", resp.StatusCode)
	}
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("videoworker: read video: %w", err)
	}
	if len(data) == 0 {
		return nil, fmt.Errorf("videoworker: %w", media.ErrEmptyPayload)
	}
	return data, nil
}

// resolve makes a relative resource URL absolute against the worker endpoint.
func (p *Provider) resolve(resource string) (string, error) {
	ref, err := url.Parse(resource)
	if err != nil {
		return "", fmt.Errorf("videoworker: parse resource url: %w", err)
	}
	if ref.IsAbs() {
		return resource, nil
	}
	base, err := url.Parse(p.endpoint + "/")
	if err != nil {
		return "", fmt.Errorf("videoworker: parse endpoint: %w", err)
	}
	return base.ResolveReference(ref).String(), nil
}

// cancelJob asks the worker to drop a job whose caller gave up. Failures are
// only logged.
func (p *Provider) cancelJob(jobID string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, p.endpoint+"/v1/jobs/"+url.PathEscape(jobID), nil)
	if err != nil {
		return
	}
	resp, err := p.httpClient.Do(req)
	if err != nil {
		slog.Warn("videoworker: cancel job failed", "job", jobID, "err", err)
		return
	}
	resp.Body.Close()
}
