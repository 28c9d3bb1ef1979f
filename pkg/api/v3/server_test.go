package v3

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/readthedocs/rtd/internal/governance"
	"github.com/readthedocs/rtd/pkg/api"
	"github.com/readthedocs/rtd/pkg/config"
	"github.com/readthedocs/rtd/pkg/domain"
	"github.com/readthedocs/rtd/pkg/integrations"
	"github.com/readthedocs/rtd/pkg/permissions"
	"github.com/readthedocs/rtd/pkg/projects"
	"github.com/readthedocs/rtd/pkg/search"
	"github.com/readthedocs/rtd/pkg/storage"
	"github.com/readthedocs/rtd/pkg/tasks"
)

var created = time.Date(2019, 4, 29, 10, 0, 0, 0, time.UTC)

type fixture struct {
	store   *storage.Store
	broker  *tasks.MemoryBroker
	service *projects.Service
	router  *gin.Engine
}

func newFixture(t *testing.T, opts ...Option) *fixture {
	t.Helper()
	gin.SetMode(gin.TestMode)
	ctx := context.Background()
	store := storage.NewMemoryStore().WithClock(func() time.Time { return created })
	broker := tasks.NewMemoryBroker(1, 64, nil, nil)
	t.Cleanup(func() { _ = broker.Close() })
	svc := projects.NewService(store, broker, config.DomainsConfig{
		ProductionDomain: "readthedocs.org",
		PublicDomain:     "readthedocs.io",
	}, nil)

	require.NoError(t, store.Update(ctx, func(tx *storage.Tx) error {
		for _, u := range []domain.User{
			{Username: "testuser", Token: "admin-token", FirstName: "Test"},
			{Username: "reader", Token: "reader-token"},
			{Username: "stranger", Token: "stranger-token"},
		} {
			u := u
			if err := tx.PutUser(&u); err != nil {
				return err
			}
		}
		if err := tx.PutOrganization(&domain.Organization{
			Slug:   "acme",
			Owners: []string{"testuser"},
			Teams: []domain.Team{{
				Slug: "readers", Access: domain.TeamAccessReadonly,
				Members: []string{"reader"}, Projects: []string{"project"},
			}},
		}); err != nil {
			return err
		}
		if err := tx.PutProject(&domain.Project{
			Slug:         "project",
			Name:         "project",
			Description:  "Project description",
			Repo:         "https://github.com/rtfd/project",
			Users:        []string{"testuser"},
			Organization: "acme",
			Tags:         []string{"tag", "project", "test"},
		}); err != nil {
			return err
		}
		return tx.PutProject(&domain.Project{Slug: "other", Users: []string{"stranger"}})
	}))
	_, err := svc.SyncVersions(ctx, "project", []projects.Ref{
		{Identifier: "origin/master", VerboseName: "master"},
		{Identifier: "origin/feature", VerboseName: "feature"},
	}, []projects.Ref{{Identifier: "abc123", VerboseName: "v1.0"}})
	require.NoError(t, err)

	checker, err := permissions.NewChecker(ctx, store, permissions.Options{OrganizationsEnabled: true})
	require.NoError(t, err)

	router := api.NewEngine("rtd-api-test", nil)
	opts = append([]Option{
		WithSearch(search.NewIndexer(store, nil, nil, nil)),
		WithRecorder(integrations.NewRecorder(store, 10, nil)),
	}, opts...)
	NewServer(store, svc, checker, opts...).Register(router)
	return &fixture{store: store, broker: broker, service: svc, router: router}
}

func (f *fixture) do(t *testing.T, method, path, token, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if token != "" {
		req.Header.Set("Authorization", "Token "+token)
	}
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	f.router.ServeHTTP(w, req)
	return w
}

func itoa(i int) string { return strconv.Itoa(i) }

func decode(t *testing.T, w *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out), w.Body.String())
	return out
}

func TestAuthentication(t *testing.T) {
	f := newFixture(t)

	w := f.do(t, http.MethodGet, "/api/v3/projects/", "", "")
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = f.do(t, http.MethodGet, "/api/v3/projects/", "nope", "")
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Equal(t, domain.CodeAuthnFailed, decode(t, w)["code"])

	w = f.do(t, http.MethodGet, "/api/v3/", "admin-token", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "/api/v3/projects/", decode(t, w)["projects"])
}

func TestRateLimit(t *testing.T) {
	rl := governance.NewRateLimiter(governance.RateLimiterConfig{RequestsPerSecond: 0.001, BurstSize: 2})
	f := newFixture(t, WithRateLimiter(rl))

	for i := 0; i < 2; i++ {
		w := f.do(t, http.MethodGet, "/api/v3/", "admin-token", "")
		require.Equal(t, http.StatusOK, w.Code)
		assert.Equal(t, "2", w.Header().Get("X-RateLimit-Limit"))
	}
	w := f.do(t, http.MethodGet, "/api/v3/", "admin-token", "")
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.Equal(t, "0", w.Header().Get("X-RateLimit-Remaining"))

	// Buckets are per token.
	w = f.do(t, http.MethodGet, "/api/v3/", "reader-token", "")
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestProjectDetail(t *testing.T) {
	f := newFixture(t)
	w := f.do(t, http.MethodGet, "/api/v3/projects/project/", "admin-token", "")
	require.Equal(t, http.StatusOK, w.Code)

	body := decode(t, w)
	assert.Equal(t, "project", body["slug"])
	assert.Equal(t, "Project description", body["description"])
	assert.Equal(t, map[string]any{"code": "en", "name": "English"}, body["language"])
	assert.Equal(t, map[string]any{"code": "words", "name": "Only Words"}, body["programming_language"])
	assert.Equal(t, map[string]any{"code": "public", "name": "Public"}, body["privacy_level"])
	assert.Equal(t, map[string]any{"url": "https://github.com/rtfd/project", "type": "git"}, body["repository"])
	assert.Equal(t, "master", body["default_branch"])
	assert.Nil(t, body["subproject_of"])
	assert.Nil(t, body["translation_of"])
	assert.Equal(t, []any{"tag", "project", "test"}, body["tags"])
	assert.Equal(t, map[string]any{
		"documentation": "http://project.readthedocs.io/en/latest/",
		"project":       nil,
	}, body["urls"])
	links := body["links"].(map[string]any)
	assert.Equal(t, "/api/v3/projects/project/", links["_self"])
	assert.NotContains(t, body, "users")
	assert.NotContains(t, body, "active_versions")
}

func TestProjectExpand(t *testing.T) {
	f := newFixture(t)
	_, err := f.service.TriggerBuild(context.Background(), "project", "latest")
	require.NoError(t, err)

	w := f.do(t, http.MethodGet, "/api/v3/projects/project/?expand=users,active_versions.last_build", "admin-token", "")
	require.Equal(t, http.StatusOK, w.Code)
	body := decode(t, w)

	users := body["users"].([]any)
	require.Len(t, users, 1)
	assert.Equal(t, "testuser", users[0].(map[string]any)["username"])
	assert.NotContains(t, users[0], "token")

	var latest map[string]any
	for _, raw := range body["active_versions"].([]any) {
		v := raw.(map[string]any)
		if v["slug"] == "latest" {
			latest = v
		}
	}
	require.NotNil(t, latest)
	build := latest["last_build"].(map[string]any)
	assert.Equal(t, "triggered", build["state"])
	assert.Nil(t, build["finished"])
}

func TestProjectVisibility(t *testing.T) {
	f := newFixture(t)

	w := f.do(t, http.MethodGet, "/api/v3/projects/", "stranger-token", "")
	require.Equal(t, http.StatusOK, w.Code)
	body := decode(t, w)
	assert.EqualValues(t, 1, body["count"])
	assert.Equal(t, "other", body["results"].([]any)[0].(map[string]any)["slug"])

	w = f.do(t, http.MethodGet, "/api/v3/projects/project/", "stranger-token", "")
	assert.Equal(t, http.StatusNotFound, w.Code)

	// Organization team members can read but not write.
	w = f.do(t, http.MethodGet, "/api/v3/projects/project/versions/", "reader-token", "")
	assert.Equal(t, http.StatusOK, w.Code)
	w = f.do(t, http.MethodPatch, "/api/v3/projects/project/versions/feature/", "reader-token", `{"active": true}`)
	assert.Equal(t, http.StatusForbidden, w.Code)
}

func TestVersions(t *testing.T) {
	f := newFixture(t)

	w := f.do(t, http.MethodGet, "/api/v3/projects/project/versions/?limit=2", "admin-token", "")
	require.Equal(t, http.StatusOK, w.Code)
	body := decode(t, w)
	assert.EqualValues(t, 5, body["count"])
	assert.Len(t, body["results"], 2)
	assert.Equal(t, "/api/v3/projects/project/versions/?limit=2&offset=2", body["next"])
	assert.Nil(t, body["previous"])

	w = f.do(t, http.MethodGet, "/api/v3/projects/project/versions/?active=true", "admin-token", "")
	require.Equal(t, http.StatusOK, w.Code)
	for _, raw := range decode(t, w)["results"].([]any) {
		assert.Equal(t, true, raw.(map[string]any)["active"])
	}

	w = f.do(t, http.MethodGet, "/api/v3/projects/project/versions/stable/", "admin-token", "")
	require.Equal(t, http.StatusOK, w.Code)
	stable := decode(t, w)
	assert.Equal(t, "v1.0", stable["ref"])
	assert.Equal(t, map[string]any{
		"documentation": "http://project.readthedocs.io/en/stable/",
		"vcs":           "https://github.com/rtfd/project/tree/stable",
	}, stable["urls"])

	w = f.do(t, http.MethodGet, "/api/v3/projects/project/versions/master/", "admin-token", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Nil(t, decode(t, w)["ref"])

	w = f.do(t, http.MethodGet, "/api/v3/projects/project/versions/missing/", "admin-token", "")
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestPatchVersion(t *testing.T) {
	f := newFixture(t)

	w := f.do(t, http.MethodPatch, "/api/v3/projects/project/versions/feature/", "admin-token",
		`{"active": true, "hidden": true, "privacy_level": "private"}`)
	require.Equal(t, http.StatusNoContent, w.Code, w.Body.String())

	require.NoError(t, f.store.View(context.Background(), func(tx *storage.Tx) error {
		v, err := tx.Version("project", "feature")
		require.NoError(t, err)
		assert.True(t, v.Active)
		assert.True(t, v.Hidden)
		assert.Equal(t, domain.PrivacyPrivate, v.PrivacyLevel)

		builds, err := tx.Builds("project", "feature")
		require.NoError(t, err)
		assert.Len(t, builds, 1)
		return nil
	}))

	w = f.do(t, http.MethodPatch, "/api/v3/projects/project/versions/feature/", "admin-token", `{"privacy_level": "secret"}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestBuilds(t *testing.T) {
	f := newFixture(t)
	queued := len(f.broker.Pending(tasks.QueueBuild))

	w := f.do(t, http.MethodPost, "/api/v3/projects/project/versions/latest/builds/", "admin-token", "")
	require.Equal(t, http.StatusAccepted, w.Code, w.Body.String())
	body := decode(t, w)
	build := body["build"].(map[string]any)
	assert.Equal(t, "latest", build["version"])
	assert.Equal(t, "latest", body["version"].(map[string]any)["slug"])
	id := int(build["id"].(float64))
	require.Len(t, f.broker.Pending(tasks.QueueBuild), queued+1)

	_, err := f.service.UpdateBuild(context.Background(), id, func(b *domain.Build) error {
		b.State = domain.BuildFinished
		b.Success = true
		b.Length = 60
		b.Config = map[string]any{"version": 2}
		return nil
	})
	require.NoError(t, err)

	w = f.do(t, http.MethodGet, "/api/v3/projects/project/versions/latest/builds/", "admin-token", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.EqualValues(t, 1, decode(t, w)["count"])

	w = f.do(t, http.MethodGet, "/api/v3/projects/project/builds/", "admin-token", "")
	require.Equal(t, http.StatusOK, w.Code)
	first := decode(t, w)["results"].([]any)[0].(map[string]any)
	assert.EqualValues(t, id, first["id"])

	w = f.do(t, http.MethodGet, "/api/v3/projects/project/versions/latest/builds/"+itoa(id)+"/?expand=config", "admin-token", "")
	require.Equal(t, http.StatusOK, w.Code)
	detail := decode(t, w)
	assert.Equal(t, "2019-04-29T10:01:00Z", detail["finished"])
	assert.EqualValues(t, 60, detail["duration"])
	assert.Equal(t, map[string]any{"version": float64(2)}, detail["config"])

	w = f.do(t, http.MethodGet, "/api/v3/projects/project/versions/master/builds/"+itoa(id)+"/", "admin-token", "")
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = f.do(t, http.MethodPost, "/api/v3/projects/project/versions/latest/builds/", "reader-token", "")
	assert.Equal(t, http.StatusForbidden, w.Code)
}

func TestUsersAndRedirects(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.store.Update(context.Background(), func(tx *storage.Tx) error {
		return tx.PutRedirect(&domain.Redirect{Project: "project", Type: domain.RedirectPage, FromURL: "/a.html", ToURL: "/b.html"})
	}))

	w := f.do(t, http.MethodGet, "/api/v3/projects/project/users/", "admin-token", "")
	require.Equal(t, http.StatusOK, w.Code)
	users := decode(t, w)["results"].([]any)
	require.Len(t, users, 1)
	assert.Equal(t, "Test", users[0].(map[string]any)["first_name"])

	usernames := func(role string) []string {
		w := f.do(t, http.MethodGet, "/api/v3/projects/project/users/?role="+role, "admin-token", "")
		require.Equal(t, http.StatusOK, w.Code, w.Body.String())
		var out []string
		for _, u := range decode(t, w)["results"].([]any) {
			out = append(out, u.(map[string]any)["username"].(string))
		}
		return out
	}
	assert.Equal(t, []string{"testuser"}, usernames("owners"))
	assert.ElementsMatch(t, []string{"testuser", "reader"}, usernames("members"))
	w = f.do(t, http.MethodGet, "/api/v3/projects/project/users/?role=guests", "admin-token", "")
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = f.do(t, http.MethodGet, "/api/v3/projects/project/redirects/", "admin-token", "")
	require.Equal(t, http.StatusOK, w.Code)
	redirects := decode(t, w)["results"].([]any)
	require.Len(t, redirects, 1)
	assert.Equal(t, "/b.html", redirects[0].(map[string]any)["to_url"])
}

func TestAutomationRules(t *testing.T) {
	f := newFixture(t)
	base := "/api/v3/projects/project/automation-rules/"

	var ids []int
	for _, arg := range []string{"^v1", "^v2", "^v3"} {
		w := f.do(t, http.MethodPost, base, "admin-token",
			`{"match_arg": "`+arg+`", "action": "activate-version", "version_type": "tag"}`)
		require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
		ids = append(ids, int(decode(t, w)["id"].(float64)))
	}

	w := f.do(t, http.MethodPost, base, "admin-token", `{"match_arg": "(", "action": "activate-version", "version_type": "tag"}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	w = f.do(t, http.MethodPost, base, "admin-token", `{"match_arg": ".*", "action": "explode", "version_type": "tag"}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = f.do(t, http.MethodPost, base+itoa(ids[2])+"/move/", "admin-token", `{"steps": -2}`)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.EqualValues(t, 0, decode(t, w)["priority"])

	w = f.do(t, http.MethodGet, base, "admin-token", "")
	require.Equal(t, http.StatusOK, w.Code)
	var order []string
	for _, raw := range decode(t, w)["results"].([]any) {
		order = append(order, raw.(map[string]any)["match_arg"].(string))
	}
	assert.Equal(t, []string{"^v3", "^v1", "^v2"}, order)

	w = f.do(t, http.MethodDelete, base+itoa(ids[0])+"/", "admin-token", "")
	require.Equal(t, http.StatusNoContent, w.Code)
	w = f.do(t, http.MethodGet, base+itoa(ids[0])+"/", "admin-token", "")
	assert.Equal(t, http.StatusNotFound, w.Code)
	w = f.do(t, http.MethodGet, base+itoa(ids[1])+"/", "admin-token", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.EqualValues(t, 1, decode(t, w)["priority"])

	w = f.do(t, http.MethodDelete, base+itoa(ids[1])+"/", "reader-token", "")
	assert.Equal(t, http.StatusForbidden, w.Code)
}
