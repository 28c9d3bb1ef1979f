package oauth

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/readthedocs/rtd/internal/governance"
	"github.com/readthedocs/rtd/pkg/config"
	"github.com/readthedocs/rtd/pkg/domain"
	"github.com/readthedocs/rtd/pkg/storage"
	"github.com/readthedocs/rtd/pkg/tasks"
)

type fakeProviders struct {
	srv      *httptest.Server
	shrunk   atomic.Bool
	mu       sync.Mutex
	webhooks []map[string]any
}

func newFakeProviders(t *testing.T) *fakeProviders {
	t.Helper()
	f := &fakeProviders{}
	mux := http.NewServeMux()
	mux.HandleFunc("GET /github/user/repos", func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") == "token revoked" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		repo := func(id int, name string, admin bool) map[string]any {
			return map[string]any{
				"id": id, "full_name": name, "private": false,
				"clone_url":   "https://github.com/" + name + ".git",
				"html_url":    "https://github.com/" + name,
				"permissions": map[string]any{"admin": admin},
			}
		}
		if f.shrunk.Load() {
			_ = json.NewEncoder(w).Encode([]any{repo(1, "pypa/pip", true)})
			return
		}
		if r.URL.Query().Get("page") == "2" {
			_ = json.NewEncoder(w).Encode([]any{repo(3, "pypa/wheel", false)})
			return
		}
		w.Header().Set("Link", fmt.Sprintf(`<%s/github/user/repos?page=2>; rel="next"`, f.srv.URL))
		_ = json.NewEncoder(w).Encode([]any{repo(1, "pypa/pip", true), repo(2, "pypa/setuptools", false)})
	})
	mux.HandleFunc("GET /gitlab/projects", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	})
	mux.HandleFunc("POST /github/repos/pypa/pip/hooks", func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "token good" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		var body map[string]any
		_ = json.NewDecoder(r.Body).Decode(&body)
		f.mu.Lock()
		f.webhooks = append(f.webhooks, body)
		f.mu.Unlock()
		w.WriteHeader(http.StatusCreated)
	})
	f.srv = httptest.NewServer(mux)
	t.Cleanup(f.srv.Close)
	return f
}

func (f *fakeProviders) registry() *Registry {
	return NewRegistry(config.OAuthConfig{
		GitHubURL:    f.srv.URL + "/github",
		GitLabURL:    f.srv.URL + "/gitlab",
		BitbucketURL: f.srv.URL + "/bitbucket",
	}, f.srv.Client(), nil)
}

type staticMembers []string

func (m staticMembers) OrganizationMembers(context.Context, *domain.Organization) ([]string, error) {
	return m, nil
}

type env struct {
	store  *storage.Store
	broker *tasks.MemoryBroker
	tasks  *Tasks
	fake   *fakeProviders
}

func newEnv(t *testing.T) *env {
	t.Helper()
	fake := newFakeProviders(t)
	store := storage.NewMemoryStore()
	broker := tasks.NewMemoryBroker(1, 64, nil, nil)
	t.Cleanup(func() { _ = broker.Close() })
	require.NoError(t, store.Update(context.Background(), func(tx *storage.Tx) error {
		users := []*domain.User{
			{Username: "eric", SocialAccounts: []domain.SocialAccount{
				{Provider: ProviderGitHub, UID: "1", Token: "good"},
				{Provider: ProviderGitLab, UID: "2", Token: "revoked"},
			}},
			{Username: "noperm", SocialAccounts: []domain.SocialAccount{{Provider: ProviderGitHub, UID: "3", Token: "weak"}}},
			{Username: "lonely"},
		}
		for _, u := range users {
			if err := tx.PutUser(u); err != nil {
				return err
			}
		}
		if err := tx.PutProject(&domain.Project{Slug: "pip", Name: "Pip", Repo: "https://github.com/pypa/pip.git"}); err != nil {
			return err
		}
		return tx.PutProject(&domain.Project{Slug: "selfhosted", Name: "Self", Repo: "https://git.example.com/x/y.git"})
	}))
	return &env{
		store:  store,
		broker: broker,
		tasks:  NewTasks(store, fake.registry(), broker, staticMembers{"eric", "noperm"}, "https://readthedocs.org/", nil),
		fake:   fake,
	}
}

func (e *env) relations(t *testing.T, user string) []domain.RemoteRepositoryRelation {
	t.Helper()
	var out []domain.RemoteRepositoryRelation
	require.NoError(t, e.store.View(context.Background(), func(tx *storage.Tx) error {
		var err error
		out, err = tx.RemoteRelations(user)
		return err
	}))
	return out
}

func (e *env) notifications(t *testing.T, user string) []domain.Notification {
	t.Helper()
	var out []domain.Notification
	require.NoError(t, e.store.View(context.Background(), func(tx *storage.Tx) error {
		var err error
		out, err = tx.Notifications(user)
		return err
	}))
	return out
}

func TestRepoFullName(t *testing.T) {
	tests := map[string]string{
		"https://github.com/pypa/pip.git":          "pypa/pip",
		"https://github.com/pypa/pip":              "pypa/pip",
		"git@github.com:pypa/pip.git":              "pypa/pip",
		"https://user@bitbucket.org/team/repo":     "team/repo",
		"https://gitlab.com/group/sub/project.git": "group/sub/project",
	}
	for in, want := range tests {
		got, ok := RepoFullName(in)
		assert.True(t, ok, in)
		assert.Equal(t, want, got, in)
	}
	_, ok := RepoFullName("https://github.com/pip")
	assert.False(t, ok)
}

func TestSyncRemoteRepositoriesReportsRevokedProviders(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	err := e.tasks.SyncRemoteRepositories(ctx, "eric")
	var revoked *RevokedAccessError
	require.ErrorAs(t, err, &revoked)
	assert.Equal(t, []string{"GitLab"}, revoked.Providers)
	assert.EqualError(t, err, "Our access to your following accounts was revoked: GitLab. "+
		"Please, reconnect them from your social account connections.")

	rels := e.relations(t, "eric")
	require.Len(t, rels, 3)
	admin := 0
	for _, r := range rels {
		if r.Admin {
			admin++
		}
	}
	assert.Equal(t, 1, admin)

	e.fake.shrunk.Store(true)
	_ = e.tasks.SyncRemoteRepositories(ctx, "eric")
	assert.Len(t, e.relations(t, "eric"), 1)
}

func TestSyncRemoteRepositoriesMissingUser(t *testing.T) {
	e := newEnv(t)
	assert.NoError(t, e.tasks.SyncRemoteRepositories(context.Background(), "ghost"))
}

func TestSyncTaskDoesNotRetryRevokedAccess(t *testing.T) {
	e := newEnv(t)
	reg := tasks.NewRegistry()
	e.tasks.Register(reg)
	w := tasks.NewWorker(e.broker, reg, tasks.WithRetryPolicy(governance.NewRetryPolicy(governance.RetryConfig{MaxRetries: 3})))

	task, err := tasks.New(tasks.SyncRemoteRepositories, tasks.QueueWeb, SyncArgs{User: "eric"})
	require.NoError(t, err)
	err = w.Handle(context.Background(), task)
	var revoked *RevokedAccessError
	assert.ErrorAs(t, err, &revoked)
	assert.NotErrorIs(t, err, governance.ErrMaxRetriesExceeded)
}

func TestSyncRemoteRepositoriesOrganizations(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	require.NoError(t, e.store.Update(ctx, func(tx *storage.Tx) error {
		if err := tx.PutOrganization(&domain.Organization{Slug: "pypa", SSOProvider: ProviderGitHub}); err != nil {
			return err
		}
		return tx.PutOrganization(&domain.Organization{Slug: "plain"})
	}))

	n, err := e.tasks.SyncRemoteRepositoriesOrganizations(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	pending := e.broker.Pending(tasks.QueueWeb)
	require.Len(t, pending, 2)
	var users []string
	for _, task := range pending {
		assert.Equal(t, tasks.SyncRemoteRepositories, task.Name)
		var args SyncArgs
		require.NoError(t, task.Decode(&args))
		users = append(users, args.User)
	}
	assert.Equal(t, []string{"eric", "noperm"}, users)
}

func TestAttachWebhookSuccess(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	result, err := e.tasks.AttachWebhook(ctx, AttachWebhookArgs{Project: "pip", User: "eric"})
	require.NoError(t, err)
	assert.Equal(t, WebhookAttached, result)

	var project *domain.Project
	var integrations []domain.Integration
	require.NoError(t, e.store.View(ctx, func(tx *storage.Tx) error {
		var err error
		if project, err = tx.Project("pip"); err != nil {
			return err
		}
		integrations, err = tx.Integrations("pip")
		return err
	}))
	assert.True(t, project.HasValidWebhook)
	require.Len(t, integrations, 1)
	assert.Equal(t, domain.IntegrationGitHubWebhook, integrations[0].Type)
	assert.Len(t, integrations[0].Secret, 128)

	require.Len(t, e.fake.webhooks, 1)
	cfg := e.fake.webhooks[0]["config"].(map[string]any)
	assert.Equal(t, fmt.Sprintf("https://readthedocs.org/api/v2/webhook/pip/%d/", integrations[0].ID), cfg["url"])
	assert.Equal(t, integrations[0].Secret, cfg["secret"])

	notes := e.notifications(t, "eric")
	require.Len(t, notes, 1)
	assert.Equal(t, domain.NotificationSuccess, notes[0].Level)
	assert.Equal(t, TemplateAttachWebhook, notes[0].Template)
}

func TestAttachWebhookFailures(t *testing.T) {
	tests := []struct {
		user   string
		reason string
	}{
		{"noperm", ReasonNoPermissions},
		{"lonely", ReasonNoAccounts},
	}
	for _, tt := range tests {
		t.Run(tt.reason, func(t *testing.T) {
			e := newEnv(t)
			result, err := e.tasks.AttachWebhook(context.Background(), AttachWebhookArgs{Project: "pip", User: tt.user})
			require.NoError(t, err)
			assert.Equal(t, WebhookFailed, result)

			notes := e.notifications(t, tt.user)
			require.Len(t, notes, 2)
			templates := []string{notes[0].Template, notes[1].Template}
			assert.ElementsMatch(t, []string{TemplateInvalidProjectWebhook, TemplateAttachWebhook}, templates)
			for _, n := range notes {
				if n.Template == TemplateAttachWebhook {
					assert.Equal(t, tt.reason, n.Reason)
					assert.Contains(t, n.Message, "GitHub")
				}
			}
		})
	}
}

func TestAttachWebhookWithoutService(t *testing.T) {
	e := newEnv(t)
	result, err := e.tasks.AttachWebhook(context.Background(), AttachWebhookArgs{Project: "selfhosted", User: "eric"})
	require.NoError(t, err)
	assert.Equal(t, WebhookNoService, result)
	notes := e.notifications(t, "eric")
	require.Len(t, notes, 1)
	assert.Equal(t, TemplateInvalidProjectWebhook, notes[0].Template)
}

func TestAttachWebhookUsesIntegrationProvider(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	integration := &domain.Integration{Project: "selfhosted", Type: domain.IntegrationGitHubWebhook, Secret: "s"}
	require.NoError(t, e.store.Update(ctx, func(tx *storage.Tx) error {
		p, err := tx.Project("selfhosted")
		if err != nil {
			return err
		}
		p.Repo = "https://github.com/pypa/pip"
		if err := tx.PutProject(p); err != nil {
			return err
		}
		return tx.PutIntegration(integration)
	}))

	result, err := e.tasks.AttachWebhook(ctx, AttachWebhookArgs{Project: "selfhosted", User: "eric", Integration: integration.ID})
	require.NoError(t, err)
	assert.Equal(t, WebhookAttached, result)
	cfg := e.fake.webhooks[0]["config"].(map[string]any)
	assert.Equal(t, "s", cfg["secret"])
}

func TestAttachWebhookMissingProject(t *testing.T) {
	e := newEnv(t)
	result, err := e.tasks.AttachWebhook(context.Background(), AttachWebhookArgs{Project: "nope", User: "eric"})
	require.NoError(t, err)
	assert.Equal(t, WebhookFailed, result)
}

func TestSyncVCSData(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	require.NoError(t, e.store.Update(ctx, func(tx *storage.Tx) error {
		if err := tx.PutUser(&domain.User{Username: "synced", SocialAccounts: []domain.SocialAccount{{Provider: ProviderGitHub}}}); err != nil {
			return err
		}
		repo := &domain.RemoteRepository{RemoteID: "9", VCSProvider: ProviderGitHub}
		if err := tx.PutRemoteRepository(repo); err != nil {
			return err
		}
		return tx.PutRemoteRelation(&domain.RemoteRepositoryRelation{User: "synced", RemoteRepository: repo.ID})
	}))

	t.Run("dry run", func(t *testing.T) {
		var out bytes.Buffer
		opts := DefaultSyncVCSOptions()
		opts.DryRun = true
		queued, err := SyncVCSData(ctx, e.store, e.broker, opts, &out)
		require.NoError(t, err)
		assert.Empty(t, queued)
		assert.Equal(t, "Total 2 user(s) can be synced\n"+
			"No VCS provider re-sync task was triggered. Run it without --dry-run to trigger the re-sync tasks.\n", out.String())
	})

	t.Run("filtered", func(t *testing.T) {
		var out bytes.Buffer
		opts := DefaultSyncVCSOptions()
		opts.Users = []string{"eric", "synced", "lonely"}
		opts.SkipUsers = []string{"noperm"}
		queued, err := SyncVCSData(ctx, e.store, e.broker, opts, &out)
		require.NoError(t, err)
		assert.Equal(t, []string{"eric"}, queued)
		assert.Equal(t, "Total 2 user(s) can be synced\n"+
			"Found 1 user(s) with the given parameters\n"+
			"Triggering VCS provider re-sync task(s) for 1 user(s)\n", out.String())
	})

	t.Run("force with limit", func(t *testing.T) {
		var out bytes.Buffer
		opts := SyncVCSOptions{Queue: "custom", MaxUsers: 2, Force: true}
		queued, err := SyncVCSData(ctx, e.store, e.broker, opts, &out)
		require.NoError(t, err)
		assert.Equal(t, []string{"eric", "noperm"}, queued)
		assert.True(t, strings.HasPrefix(out.String(), "Total 3 user(s) can be synced\n"))
		assert.Len(t, e.broker.Pending("custom"), 2)
	})
}
