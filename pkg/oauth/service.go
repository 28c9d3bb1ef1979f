// Package oauth syncs the repositories users can reach through their
// connected VCS accounts and attaches build webhooks to those repositories.
package oauth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/readthedocs/rtd/internal/governance"
	"github.com/readthedocs/rtd/pkg/config"
	"github.com/readthedocs/rtd/pkg/domain"
)

// Provider IDs as stored on social accounts.
const (
	ProviderGitHub    = "github"
	ProviderGitLab    = "gitlab"
	ProviderBitbucket = "bitbucket"
)

// ErrSyncService marks a provider that refused our credentials.
var ErrSyncService = errors.New("sync service error")

// SyncServiceError is returned by Sync when the provider no longer accepts
// the account's token.
type SyncServiceError struct {
	Provider string
	Err      error
}

func (e *SyncServiceError) Error() string {
	return fmt.Sprintf("%s: %v", e.Provider, e.Err)
}

func (e *SyncServiceError) Unwrap() error { return e.Err }

func (e *SyncServiceError) Is(target error) bool { return target == ErrSyncService }

// Webhook is the endpoint a provider should call on pushes.
type Webhook struct {
	URL    string
	Secret string
}

// Service is a provider bound to one of a user's social accounts.
type Service interface {
	// ProviderName is the display name, e.g. GitHub.
	ProviderName() string
	Account() domain.SocialAccount
	// Repositories lists the repositories the account can see.
	Repositories(ctx context.Context) ([]RemoteRepo, error)
	// SetupWebhook creates a push webhook on the project's repository. It
	// reports false when the account lacks permission.
	SetupWebhook(ctx context.Context, project *domain.Project, hook Webhook) (bool, error)
}

// RemoteRepo is a repository as reported by a provider.
type RemoteRepo struct {
	RemoteID string
	FullName string
	CloneURL string
	HTMLURL  string
	Private  bool
	Admin    bool
	JSON     map[string]any
}

// Provider describes one VCS provider.
type Provider struct {
	ID              string
	Name            string
	BaseURL         string
	RepoHost        string
	IntegrationType string
	dialect         dialect
}

// IsProjectService reports whether the project's repository lives on this
// provider.
func (p *Provider) IsProjectService(project *domain.Project) bool {
	return project.Repo != "" && strings.Contains(strings.ToLower(project.Repo), p.RepoHost)
}

// Registry holds the configured providers and the HTTP plumbing shared by
// their services.
type Registry struct {
	providers  []*Provider
	httpClient *http.Client
	breakers   *governance.CircuitBreakerManager
}

// NewRegistry builds the GitHub, GitLab and Bitbucket providers. Empty base
// URLs fall back to the public SaaS endpoints.
func NewRegistry(cfg config.OAuthConfig, httpClient *http.Client, breakers *governance.CircuitBreakerManager) *Registry {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	if breakers == nil {
		breakers = governance.NewCircuitBreakerManager(governance.DefaultCircuitBreakerConfig())
	}
	orDefault := func(v, def string) string {
		if v == "" {
			return def
		}
		return strings.TrimSuffix(v, "/")
	}
	return &Registry{
		httpClient: httpClient,
		breakers:   breakers,
		providers: []*Provider{
			{
				ID:              ProviderGitHub,
				Name:            "GitHub",
				BaseURL:         orDefault(cfg.GitHubURL, "https://api.github.com"),
				RepoHost:        "github.com",
				IntegrationType: domain.IntegrationGitHubWebhook,
				dialect:         githubDialect{},
			},
			{
				ID:              ProviderGitLab,
				Name:            "GitLab",
				BaseURL:         orDefault(cfg.GitLabURL, "https://gitlab.com/api/v4"),
				RepoHost:        "gitlab.com",
				IntegrationType: domain.IntegrationGitLabWebhook,
				dialect:         gitlabDialect{},
			},
			{
				ID:              ProviderBitbucket,
				Name:            "Bitbucket",
				BaseURL:         orDefault(cfg.BitbucketURL, "https://api.bitbucket.org/2.0"),
				RepoHost:        "bitbucket.org",
				IntegrationType: domain.IntegrationBitbucketWebhook,
				dialect:         bitbucketDialect{},
			},
		},
	}
}

// Providers returns the registered providers in registration order.
func (r *Registry) Providers() []*Provider {
	return r.providers
}

// ByIntegrationType returns the provider handling an integration type.
func (r *Registry) ByIntegrationType(integrationType string) *Provider {
	for _, p := range r.providers {
		if p.IntegrationType == integrationType {
			return p
		}
	}
	return nil
}

// ForProject returns the first provider hosting the project's repository.
func (r *Registry) ForProject(project *domain.Project) *Provider {
	for _, p := range r.providers {
		if p.IsProjectService(project) {
			return p
		}
	}
	return nil
}

// ForUser returns a service per social account the user has on provider.
func (r *Registry) ForUser(p *Provider, user *domain.User) []Service {
	var out []Service
	for _, account := range user.SocialAccounts {
		if account.Provider != p.ID {
			continue
		}
		out = append(out, &restService{
			provider: p,
			account:  account,
			client:   r.httpClient,
			breaker:  r.breakers.Get(p.ID),
		})
	}
	return out
}
