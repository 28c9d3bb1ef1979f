package oauth

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"regexp"
	"strings"

	"github.com/readthedocs/rtd/internal/governance"
	"github.com/readthedocs/rtd/pkg/domain"
)

const maxPages = 50

// dialect holds the provider specific parts of the REST exchange.
type dialect interface {
	authorize(req *http.Request, token string)
	reposURL(base string) string
	parseRepos(body []byte, header http.Header) ([]RemoteRepo, string, error)
	webhook(base, fullName string, hook Webhook) (string, any)
}

type response struct {
	status int
	header http.Header
	body   []byte
}

type restService struct {
	provider *Provider
	account  domain.SocialAccount
	client   *http.Client
	breaker  *governance.CircuitBreaker
}

func (s *restService) ProviderName() string          { return s.provider.Name }
func (s *restService) Account() domain.SocialAccount { return s.account }

// call runs one request through the provider's circuit breaker. Only
// transport failures and 5xx answers count against the breaker.
func (s *restService) call(ctx context.Context, method, target string, payload any) (*response, error) {
	var body []byte
	if payload != nil {
		var err error
		if body, err = json.Marshal(payload); err != nil {
			return nil, err
		}
	}
	var out response
	err := s.breaker.Execute(ctx, func(ctx context.Context) error {
		req, err := http.NewRequestWithContext(ctx, method, target, bytes.NewReader(body))
		if err != nil {
			return err
		}
		req.Header.Set("Accept", "application/json")
		if payload != nil {
			req.Header.Set("Content-Type", "application/json")
		}
		s.provider.dialect.authorize(req, s.account.Token)
		resp, err := s.client.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()
		raw, err := io.ReadAll(io.LimitReader(resp.Body, 16<<20))
		if err != nil {
			return err
		}
		out = response{status: resp.StatusCode, header: resp.Header, body: raw}
		if resp.StatusCode >= 500 {
			return fmt.Errorf("%s answered %d", s.provider.Name, resp.StatusCode)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &out, nil
}

func (s *restService) Repositories(ctx context.Context) ([]RemoteRepo, error) {
	var repos []RemoteRepo
	next := s.provider.dialect.reposURL(s.provider.BaseURL)
	for page := 0; next != "" && page < maxPages; page++ {
		resp, err := s.call(ctx, http.MethodGet, next, nil)
		if err != nil {
			return nil, err
		}
		switch {
		case resp.status == http.StatusUnauthorized || resp.status == http.StatusForbidden:
			return nil, &SyncServiceError{
				Provider: s.provider.Name,
				Err:      fmt.Errorf("access revoked for account %s (status %d)", s.account.UID, resp.status),
			}
		case resp.status < 200 || resp.status > 299:
			return nil, fmt.Errorf("list %s repositories: status %d", s.provider.Name, resp.status)
		}
		batch, following, err := s.provider.dialect.parseRepos(resp.body, resp.header)
		if err != nil {
			return nil, fmt.Errorf("decode %s repositories: %w", s.provider.Name, err)
		}
		repos = append(repos, batch...)
		next = following
	}
	return repos, nil
}

func (s *restService) SetupWebhook(ctx context.Context, project *domain.Project, hook Webhook) (bool, error) {
	fullName, ok := RepoFullName(project.Repo)
	if !ok {
		return false, nil
	}
	target, payload := s.provider.dialect.webhook(s.provider.BaseURL, fullName, hook)
	resp, err := s.call(ctx, http.MethodPost, target, payload)
	if err != nil {
		if errors.Is(err, governance.ErrCircuitOpen) {
			return false, err
		}
		return false, fmt.Errorf("create %s webhook: %w", s.provider.Name, err)
	}
	switch {
	case resp.status >= 200 && resp.status <= 299:
		return true, nil
	case resp.status == http.StatusUnauthorized, resp.status == http.StatusForbidden,
		resp.status == http.StatusNotFound, resp.status == http.StatusUnprocessableEntity:
		return false, nil
	default:
		return false, fmt.Errorf("create %s webhook: status %d", s.provider.Name, resp.status)
	}
}

var repoPattern = regexp.MustCompile(`^(?:[a-z+]+://(?:[^@/]+@)?[^/]+/|[^@]+@[^:]+:)(.+?)(?:\.git)?/?$`)

// RepoFullName extracts owner/name from an HTTPS or SSH clone URL.
func RepoFullName(repo string) (string, bool) {
	m := repoPattern.FindStringSubmatch(strings.TrimSpace(repo))
	if m == nil || !strings.Contains(m[1], "/") {
		return "", false
	}
	return m[1], true
}

var linkNext = regexp.MustCompile(`<([^>]+)>;\s*rel="next"`)

func nextFromLink(header http.Header) string {
	m := linkNext.FindStringSubmatch(header.Get("Link"))
	if m == nil {
		return ""
	}
	return m[1]
}

// GitHub

type githubDialect struct{}

func (githubDialect) authorize(req *http.Request, token string) {
	req.Header.Set("Authorization", "token "+token)
	req.Header.Set("Accept", "application/vnd.github+json")
}

func (githubDialect) reposURL(base string) string {
	return base + "/user/repos?per_page=100"
}

func (githubDialect) parseRepos(body []byte, header http.Header) ([]RemoteRepo, string, error) {
	var items []map[string]any
	if err := json.Unmarshal(body, &items); err != nil {
		return nil, "", err
	}
	repos := make([]RemoteRepo, 0, len(items))
	for _, it := range items {
		perms, _ := it["permissions"].(map[string]any)
		repos = append(repos, RemoteRepo{
			RemoteID: fmt.Sprint(it["id"]),
			FullName: str(it["full_name"]),
			CloneURL: str(it["clone_url"]),
			HTMLURL:  str(it["html_url"]),
			Private:  it["private"] == true,
			Admin:    perms["admin"] == true,
			JSON:     it,
		})
	}
	return repos, nextFromLink(header), nil
}

func (githubDialect) webhook(base, fullName string, hook Webhook) (string, any) {
	return base + "/repos/" + fullName + "/hooks", map[string]any{
		"name":   "web",
		"active": true,
		"config": map[string]any{
			"url":          hook.URL,
			"secret":       hook.Secret,
			"content_type": "json",
		},
		"events": []string{"push", "pull_request", "create", "delete"},
	}
}

// GitLab

type gitlabDialect struct{}

func (gitlabDialect) authorize(req *http.Request, token string) {
	req.Header.Set("Authorization", "Bearer "+token)
}

func (gitlabDialect) reposURL(base string) string {
	return base + "/projects?membership=true&per_page=100"
}

func (gitlabDialect) parseRepos(body []byte, header http.Header) ([]RemoteRepo, string, error) {
	var items []map[string]any
	if err := json.Unmarshal(body, &items); err != nil {
		return nil, "", err
	}
	repos := make([]RemoteRepo, 0, len(items))
	for _, it := range items {
		level := 0.0
		if perms, ok := it["permissions"].(map[string]any); ok {
			for _, scope := range []string{"project_access", "group_access"} {
				if access, ok := perms[scope].(map[string]any); ok {
					if l, ok := access["access_level"].(float64); ok && l > level {
						level = l
					}
				}
			}
		}
		repos = append(repos, RemoteRepo{
			RemoteID: fmt.Sprint(it["id"]),
			FullName: str(it["path_with_namespace"]),
			CloneURL: str(it["http_url_to_repo"]),
			HTMLURL:  str(it["web_url"]),
			Private:  str(it["visibility"]) == "private",
			// Maintainer (40) and owner (50) can manage hooks.
			Admin: level >= 40,
			JSON:  it,
		})
	}
	return repos, nextFromLink(header), nil
}

func (gitlabDialect) webhook(base, fullName string, hook Webhook) (string, any) {
	return base + "/projects/" + url.PathEscape(fullName) + "/hooks", map[string]any{
		"url":                   hook.URL,
		"token":                 hook.Secret,
		"push_events":           true,
		"tag_push_events":       true,
		"merge_requests_events": true,
	}
}

// Bitbucket

type bitbucketDialect struct{}

func (bitbucketDialect) authorize(req *http.Request, token string) {
	req.Header.Set("Authorization", "Bearer "+token)
}

func (bitbucketDialect) reposURL(base string) string {
	return base + "/repositories?role=member&pagelen=100"
}

func (bitbucketDialect) parseRepos(body []byte, _ http.Header) ([]RemoteRepo, string, error) {
	var page struct {
		Values []map[string]any `json:"values"`
		Next   string           `json:"next"`
	}
	if err := json.Unmarshal(body, &page); err != nil {
		return nil, "", err
	}
	repos := make([]RemoteRepo, 0, len(page.Values))
	for _, it := range page.Values {
		links, _ := it["links"].(map[string]any)
		html, _ := links["html"].(map[string]any)
		var clone string
		if clones, ok := links["clone"].([]any); ok {
			for _, c := range clones {
				if m, ok := c.(map[string]any); ok && m["name"] == "https" {
					clone = str(m["href"])
				}
			}
		}
		repos = append(repos, RemoteRepo{
			RemoteID: str(it["uuid"]),
			FullName: str(it["full_name"]),
			CloneURL: clone,
			HTMLURL:  str(html["href"]),
			Private:  it["is_private"] == true,
			JSON:     it,
		})
	}
	return repos, page.Next, nil
}

func (bitbucketDialect) webhook(base, fullName string, hook Webhook) (string, any) {
	return base + "/repositories/" + fullName + "/hooks", map[string]any{
		"description": "Read the Docs",
		"url":         hook.URL,
		"active":      true,
		"events":      []string{"repo:push"},
	}
}

func str(v any) string {
	s, _ := v.(string)
	return s
}
