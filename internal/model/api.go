package model

import (
	"fmt"
	"net"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
)

// privateIPRanges is the set of CIDR blocks considered non-public.
// Populated once at package init; used by ValidatePublicURL.
var privateIPRanges []*net.IPNet

func init() {
	for _, cidr := range []string{
		"10.0.0.0/8",
		"172.16.0.0/12",
		"192.168.0.0/16",
		"127.0.0.0/8",
		"169.254.0.0/16", // link-local
		"::1/128",
		"fc00::/7",  // unique-local IPv6
		"fe80::/10", // link-local IPv6
	} {
		_, network, err := net.ParseCIDR(cidr)
		if err == nil {
			privateIPRanges = append(privateIPRanges, network)
		}
	}
}

// ValidatePublicURL ensures a URL handed to the browser tool is a
// publicly-routable http/https URL without embedded credentials.
func ValidatePublicURL(rawURI string) error {
	u, err := url.Parse(rawURI)
	if err != nil {
		return fmt.Errorf("invalid URL: %w", err)
	}
	scheme := strings.ToLower(u.Scheme)
	if scheme != "http" && scheme != "https" {
		return fmt.Errorf("url must use http or https scheme (got %q)", u.Scheme)
	}
	if u.User != nil {
		return fmt.Errorf("url must not include credentials")
	}
	host := u.Hostname()
	if host == "" {
		return fmt.Errorf("url must include a host")
	}
	if strings.EqualFold(host, "localhost") {
		return fmt.Errorf("url must not point to localhost")
	}
	if ip := net.ParseIP(host); ip != nil {
		for _, r := range privateIPRanges {
			if r.Contains(ip) {
				return fmt.Errorf("url must not point to a private or loopback address")
			}
		}
	}
	return nil
}

// APIResponse is the standard response envelope for all HTTP API responses.
type APIResponse struct {
	Data any          `json:"data,omitempty"`
	Meta ResponseMeta `json:"meta"`
}

// APIError is the standard error response envelope.
type APIError struct {
	Error ErrorDetail  `json:"error"`
	Meta  ResponseMeta `json:"meta"`
}

// ResponseMeta contains request metadata included in every response.
type ResponseMeta struct {
	RequestID string    `json:"request_id"`
	Timestamp time.Time `json:"timestamp"`
}

// ErrorDetail describes an API error.
type ErrorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details any    `json:"details,omitempty"`
}

// ErrorCode constants for standard API error codes.
const (
	ErrCodeInvalidInput  = "INVALID_INPUT"
	ErrCodeUnauthorized  = "UNAUTHORIZED"
	ErrCodeNotFound      = "NOT_FOUND"
	ErrCodeConflict      = "CONFLICT"
	ErrCodeIntegrity     = "INTEGRITY_ERROR"
	ErrCodeInternalError = "INTERNAL_ERROR"
)

// HealthResponse is the response for GET /health.
type HealthResponse struct {
	Status   string `json:"status"`
	Version  string `json:"version"`
	Store    string `json:"store"`
	Database string `json:"database"`
	JobsBusy int    `json:"jobs_in_flight"`
	Uptime   int64  `json:"uptime_seconds"`
}

// RunDetail is the response body for GET /v1/runs/{run_id}.
type RunDetail struct {
	Run        Run         `json:"run"`
	Steps      []Step      `json:"steps"`
	Checkpoint *Checkpoint `json:"latest_checkpoint,omitempty"`
}

// ResumeResponse is the response body for POST /v1/runs/{run_id}/resume.
type ResumeResponse struct {
	Run           Run         `json:"run"`
	Checkpoint    *Checkpoint `json:"checkpoint,omitempty"`
	WasCompleted  bool        `json:"was_completed"`
	StagesSkipped []string    `json:"stages_skipped,omitempty"`
}

// PromoteDecisionRequest is the request body for
// POST /v1/runs/{run_id}/decisions. Source is relative to the run's
// artifact directory; Name is the file name under decisions/.
type PromoteDecisionRequest struct {
	Source string `json:"source"`
	Name   string `json:"name"`
}

// PromoteDecisionResponse is the response body for
// POST /v1/runs/{run_id}/decisions.
type PromoteDecisionResponse struct {
	RunID uuid.UUID `json:"run_id"`
	Path  string    `json:"path"`
}

// UpdateGlobalDocRequest is the request body for PUT /v1/memory/{doc}.
type UpdateGlobalDocRequest struct {
	Content string `json:"content"`
}
