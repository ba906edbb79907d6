package tsuzuki

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Config holds the settings needed to construct a Client.
type Config struct {
	// BaseURL is the root URL of the tsuzuki server (e.g. "http://localhost:8080").
	BaseURL string

	// APIKey is the operator key printed by `tsuzuki keygen`.
	APIKey string

	// HTTPClient is an optional custom HTTP client. If nil, a default client
	// with a 30-second timeout is used.
	HTTPClient *http.Client

	// Timeout applies to individual API requests. Defaults to 30 seconds.
	Timeout time.Duration
}

// Client is an HTTP client for the tsuzuki operator API.
// All methods are safe for concurrent use.
type Client struct {
	baseURL string
	apiKey  string
	client  *http.Client
}

// NewClient creates a Client from the given configuration.
// Returns an error if BaseURL or APIKey is empty.
func NewClient(cfg Config) (*Client, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("tsuzuki: BaseURL is required")
	}
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("tsuzuki: APIKey is required")
	}

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		timeout := cfg.Timeout
		if timeout == 0 {
			timeout = 30 * time.Second
		}
		httpClient = &http.Client{Timeout: timeout}
	}

	return &Client{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:  cfg.APIKey,
		client:  httpClient,
	}, nil
}

// GetRun returns a run with its steps and latest checkpoint.
func (c *Client) GetRun(ctx context.Context, runID uuid.UUID) (*RunDetail, error) {
	var out RunDetail
	if _, err := c.get(ctx, "/v1/runs/"+runID.String(), &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// ListSteps returns the steps of a run in creation order.
func (c *Client) ListSteps(ctx context.Context, runID uuid.UUID) ([]Step, error) {
	var out []Step
	if _, err := c.get(ctx, "/v1/runs/"+runID.String()+"/steps", &out); err != nil {
		return nil, err
	}
	return out, nil
}

// Resume reactivates a run and enqueues a job that continues it from its
// latest checkpoint. The server answers before the job runs; poll GetJob
// with the returned JobID to follow it. A run whose job is still queued or
// running is not resumed: the error satisfies IsConflict and ActiveJobID
// returns that job.
func (c *Client) Resume(ctx context.Context, runID uuid.UUID) (*ResumeResponse, error) {
	var out ResumeResponse
	header, err := c.doRequest(ctx, http.MethodPost, "/v1/runs/"+runID.String()+"/resume", nil, &out)
	if err != nil {
		return nil, err
	}
	if loc := header.Get("Location"); loc != "" {
		id, err := uuid.Parse(path.Base(loc))
		if err != nil {
			return nil, fmt.Errorf("tsuzuki: parse job location %q: %w", loc, err)
		}
		out.JobID = id
	}
	return &out, nil
}

// ListArtifacts returns the artifact index of a run.
func (c *Client) ListArtifacts(ctx context.Context, runID uuid.UUID) ([]IndexEntry, error) {
	var out []IndexEntry
	if _, err := c.get(ctx, "/v1/runs/"+runID.String()+"/artifacts", &out); err != nil {
		return nil, err
	}
	return out, nil
}

// GetArtifact returns one artifact of a run by type.
func (c *Client) GetArtifact(ctx context.Context, runID uuid.UUID, artifactType string) (*Artifact, error) {
	var out Artifact
	p := "/v1/runs/" + runID.String() + "/artifacts/" + url.PathEscape(artifactType)
	if _, err := c.get(ctx, p, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// VerifyArtifacts rehashes a run's artifacts against its index.
// A mismatch is reported in the result, not as an error.
func (c *Client) VerifyArtifacts(ctx context.Context, runID uuid.UUID) (*Verification, error) {
	var out Verification
	if _, err := c.get(ctx, "/v1/runs/"+runID.String()+"/verify", &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// PromoteDecision copies source from the run's artifact directory to
// decisions/name in global memory.
func (c *Client) PromoteDecision(ctx context.Context, runID uuid.UUID, source, name string) (*PromotedDecision, error) {
	var out PromotedDecision
	body := map[string]string{"source": source, "name": name}
	if _, err := c.doRequest(ctx, http.MethodPost, "/v1/runs/"+runID.String()+"/decisions", body, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// UpdateGlobalDoc replaces architecture.md, roadmap.md or vision.md in
// global memory.
func (c *Client) UpdateGlobalDoc(ctx context.Context, name, content string) error {
	body := map[string]string{"content": content}
	_, err := c.doRequest(ctx, http.MethodPut, "/v1/memory/"+url.PathEscape(name), body, nil)
	return err
}

// GetJob returns a background job.
func (c *Client) GetJob(ctx context.Context, jobID uuid.UUID) (*Job, error) {
	var out Job
	if _, err := c.get(ctx, "/v1/jobs/"+jobID.String(), &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// JobHealth returns aggregate job counts and stalled jobs.
func (c *Client) JobHealth(ctx context.Context) (*JobHealth, error) {
	var out JobHealth
	if _, err := c.get(ctx, "/v1/jobs/health", &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Health checks server liveness. It does not require authentication.
func (c *Client) Health(ctx context.Context) (*HealthResponse, error) {
	var out HealthResponse
	if _, err := c.get(ctx, "/health", &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// --- HTTP helpers ---

func (c *Client) get(ctx context.Context, p string, dest any) (http.Header, error) {
	return c.doRequest(ctx, http.MethodGet, p, nil, dest)
}

// doRequest sends body, if any, as JSON and decodes the data envelope into
// dest.
func (c *Client) doRequest(ctx context.Context, method, p string, body, dest any) (http.Header, error) {
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("tsuzuki: encode request: %w", err)
		}
		reader = bytes.NewReader(raw)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+p, reader)
	if err != nil {
		return nil, fmt.Errorf("tsuzuki: create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("tsuzuki: %s %s: %w", method, p, err)
	}
	defer func() { _ = resp.Body.Close() }()

	return resp.Header, handleResponse(resp, dest)
}

func handleResponse(resp *http.Response, dest any) error {
	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 10*1024*1024))
	if err != nil {
		return fmt.Errorf("tsuzuki: read response: %w", err)
	}

	if resp.StatusCode >= 400 {
		e := parseErrorResponse(resp.StatusCode, respBody)
		e.Location = resp.Header.Get("Location")
		return e
	}
	if dest == nil {
		return nil
	}

	var envelope apiEnvelope
	if err := json.Unmarshal(respBody, &envelope); err != nil {
		return fmt.Errorf("tsuzuki: decode response envelope: %w", err)
	}
	if len(envelope.Data) == 0 {
		return nil
	}
	if err := json.Unmarshal(envelope.Data, dest); err != nil {
		return fmt.Errorf("tsuzuki: decode response data: %w", err)
	}
	return nil
}

func parseErrorResponse(statusCode int, body []byte) *Error {
	var envelope apiErrorEnvelope
	if err := json.Unmarshal(body, &envelope); err != nil || envelope.Error.Code == "" {
		return &Error{
			StatusCode: statusCode,
			Code:       "UNKNOWN",
			Message:    strings.TrimSpace(string(body)),
		}
	}
	return &Error{
		StatusCode: statusCode,
		Code:       envelope.Error.Code,
		Message:    envelope.Error.Message,
	}
}
