// Package apiclient is the HTTP client builders use to report back to the
// build API (v2).
package apiclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/readthedocs/rtd/internal/governance"
	"github.com/readthedocs/rtd/pkg/config"
	"github.com/readthedocs/rtd/pkg/domain"
	"github.com/readthedocs/rtd/pkg/logging"
	"github.com/readthedocs/rtd/pkg/projects"
)

const maxErrorBody = 4096

// Config configures a Client.
type Config struct {
	// Host is the scheme and host of the API, e.g. https://readthedocs.org.
	Host string
	// ProductionDomain is sent as the Host header.
	ProductionDomain string
	Username         string
	Password         string
	Timeout          time.Duration
	Retry            governance.RetryConfig
	HTTPClient       *http.Client
}

// ConfigFrom builds a client config from the application settings.
func ConfigFrom(cfg *config.Config) Config {
	return Config{
		Host:             cfg.Builder.APIHost,
		ProductionDomain: cfg.Domains.ProductionDomain,
		Username:         cfg.Builder.APIUsername,
		Password:         cfg.Builder.APIPassword,
		Retry:            governance.DefaultRetryConfig(),
	}
}

// Error is a non-2xx answer from the API.
type Error struct {
	Method string
	URL    string
	Status int
	Body   string
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s %s: status %d: %s", e.Method, e.URL, e.Status, e.Body)
}

// Is maps 404 answers to domain.IsNotFound style checks.
func (e *Error) Is(target error) bool {
	switch target {
	case domain.ErrProjectNotFound, domain.ErrBuildNotFound, domain.ErrVersionNotFound:
		return e.Status == http.StatusNotFound
	case domain.ErrDuplicatedReservedVersions:
		return e.Status == http.StatusBadRequest && strings.Contains(e.Body, domain.CodeDuplicatedLatest)
	}
	return false
}

// Client talks to /api/v2/.
type Client struct {
	base       *url.URL
	host       string
	username   string
	password   string
	httpClient *http.Client
	retry      *governance.RetryPolicy
	logger     *slog.Logger
}

// New creates a client. Without credentials requests are anonymous and a
// warning is logged.
func New(cfg Config, logger *slog.Logger) (*Client, error) {
	logger = logging.OrDefault(logger)
	if cfg.Host == "" {
		cfg.Host = "https://readthedocs.org"
	}
	if cfg.ProductionDomain == "" {
		cfg.ProductionDomain = "readthedocs.org"
	}
	base, err := url.Parse(strings.TrimSuffix(cfg.Host, "/") + "/api/v2/")
	if err != nil {
		return nil, fmt.Errorf("parse api host %q: %w", cfg.Host, err)
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = 30 * time.Second
		}
		httpClient = &http.Client{
			Timeout:   timeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		}
	}

	if cfg.Username != "" && cfg.Password != "" {
		logger.Debug("using api credentials", "user", cfg.Username, "api_host", cfg.Host)
	} else {
		logger.Warn("SLUMBER_USERNAME/PASSWORD settings are not set")
	}

	return &Client{
		base:       base,
		host:       cfg.ProductionDomain,
		username:   cfg.Username,
		password:   cfg.Password,
		httpClient: httpClient,
		retry:      governance.NewRetryPolicy(cfg.Retry),
		logger:     logger,
	}, nil
}

// BaseURL returns the API root.
func (c *Client) BaseURL() string {
	return c.base.String()
}

func (c *Client) do(ctx context.Context, method, path string, in, out any) error {
	target := c.base.ResolveReference(&url.URL{Path: path})

	var payload []byte
	if in != nil {
		var err error
		if payload, err = json.Marshal(in); err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
	}

	var body []byte
	status, err := c.retry.ExecuteWithRetry(ctx, method, func() (int, error) {
		req, err := http.NewRequestWithContext(ctx, method, target.String(), bytes.NewReader(payload))
		if err != nil {
			return 0, err
		}
		req.Host = c.host
		req.Header.Set("Accept", "application/json")
		if in != nil {
			req.Header.Set("Content-Type", "application/json")
		}
		if c.username != "" && c.password != "" {
			req.SetBasicAuth(c.username, c.password)
		}
		resp, err := c.httpClient.Do(req)
		if err != nil {
			return 0, err
		}
		defer resp.Body.Close()
		body, err = io.ReadAll(resp.Body)
		if err != nil {
			return resp.StatusCode, err
		}
		return resp.StatusCode, nil
	})
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, target, err)
	}
	if status < 200 || status > 299 {
		if len(body) > maxErrorBody {
			body = body[:maxErrorBody]
		}
		return &Error{Method: method, URL: target.String(), Status: status, Body: string(body)}
	}
	if out == nil || len(body) == 0 {
		return nil
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("decode %s %s: %w", method, target, err)
	}
	return nil
}

// Project fetches a project.
func (c *Client) Project(ctx context.Context, slug string) (*domain.Project, error) {
	var p domain.Project
	if err := c.do(ctx, http.MethodGet, "project/"+url.PathEscape(slug)+"/", nil, &p); err != nil {
		return nil, err
	}
	return &p, nil
}

// Version fetches a version of a project.
func (c *Client) Version(ctx context.Context, project, slug string) (*domain.Version, error) {
	var v domain.Version
	path := "project/" + url.PathEscape(project) + "/version/" + url.PathEscape(slug) + "/"
	if err := c.do(ctx, http.MethodGet, path, nil, &v); err != nil {
		return nil, err
	}
	return &v, nil
}

// SyncVersionsRequest is the body of the sync_versions endpoint.
type SyncVersionsRequest struct {
	Branches []projects.Ref `json:"branches"`
	Tags     []projects.Ref `json:"tags"`
}

// SyncVersions reports the repository's branches and tags.
func (c *Client) SyncVersions(ctx context.Context, project string, branches, tags []projects.Ref) (*projects.SyncResult, error) {
	var out projects.SyncResult
	req := SyncVersionsRequest{Branches: branches, Tags: tags}
	if err := c.do(ctx, http.MethodPost, "project/"+url.PathEscape(project)+"/sync_versions/", req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// BuildPatch carries the build fields a builder updates. Nil fields are
// left untouched.
type BuildPatch struct {
	State   *domain.BuildState `json:"state,omitempty"`
	Success *bool              `json:"success,omitempty"`
	Error   *string            `json:"error,omitempty"`
	Length  *int               `json:"length,omitempty"`
	Commit  *string            `json:"commit,omitempty"`
	Builder *string            `json:"builder,omitempty"`
}

// Build fetches a build.
func (c *Client) Build(ctx context.Context, id int) (*domain.Build, error) {
	var b domain.Build
	if err := c.do(ctx, http.MethodGet, "build/"+strconv.Itoa(id)+"/", nil, &b); err != nil {
		return nil, err
	}
	return &b, nil
}

// UpdateBuild patches a build.
func (c *Client) UpdateBuild(ctx context.Context, id int, patch BuildPatch) (*domain.Build, error) {
	var b domain.Build
	if err := c.do(ctx, http.MethodPatch, "build/"+strconv.Itoa(id)+"/", patch, &b); err != nil {
		return nil, err
	}
	return &b, nil
}

// IsNotFound reports whether err is a 404 from the API.
func IsNotFound(err error) bool {
	var apiErr *Error
	return errors.As(err, &apiErr) && apiErr.Status == http.StatusNotFound
}
