package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strconv"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/readthedocs/rtd/internal/governance"
	"github.com/readthedocs/rtd/pkg/domain"
	"github.com/readthedocs/rtd/pkg/storage"
)

func TestRootCommandTree(t *testing.T) {
	root := newRootCmd()
	names := map[string]bool{}
	for _, c := range root.Commands() {
		names[c.Name()] = true
	}
	for _, want := range []string{"serve", "sync-vcs-data", "build", "index", "rules"} {
		assert.True(t, names[want], "missing command %s", want)
	}
	assert.NotNil(t, root.PersistentFlags().Lookup("config"))
	assert.NotNil(t, root.PersistentFlags().Lookup("log-level"))
}

// testEnv writes a config using a badger store under a temporary
// directory so state survives between command invocations.
type testEnv struct {
	config    string
	storePath string
	mediaRoot string
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	dir := t.TempDir()
	env := &testEnv{
		config:    filepath.Join(dir, "rtd.yaml"),
		storePath: filepath.Join(dir, "db"),
		mediaRoot: filepath.Join(dir, "media"),
	}
	cfg := fmt.Sprintf(`
storage:
  backend: badger
  path: %s
  gc_interval: 0s
media:
  backend: filesystem
  root: %s
  media_url: /media/
logging:
  level: error
`, env.storePath, env.mediaRoot)
	require.NoError(t, os.WriteFile(env.config, []byte(cfg), 0o600))
	return env
}

func (e *testEnv) withStore(t *testing.T, fn func(tx *storage.Tx) error) {
	t.Helper()
	cfg := storage.DefaultBadgerConfig(e.storePath)
	cfg.GCInterval = 0
	kv, err := storage.OpenBadger(cfg)
	require.NoError(t, err)
	store := storage.NewStore(kv)
	defer func() { require.NoError(t, store.Close()) }()
	require.NoError(t, store.Update(context.Background(), fn))
}

func (e *testEnv) run(t *testing.T, args ...string) string {
	t.Helper()
	var out bytes.Buffer
	root := newRootCmd()
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(append([]string{"--config", e.config}, args...))
	require.NoError(t, root.Execute(), out.String())
	return out.String()
}

func TestRulesCommands(t *testing.T) {
	env := newTestEnv(t)
	env.withStore(t, func(tx *storage.Tx) error {
		return tx.PutProject(&domain.Project{Slug: "pip", Name: "Pip", Repo: "https://github.com/pypa/pip"})
	})

	var first, second domain.AutomationRule
	require.NoError(t, json.Unmarshal([]byte(env.run(t, "rules", "append", "-p", "pip",
		"--action", "activate-version", "--match", "^v", "--description", "tags")), &first))
	require.NoError(t, json.Unmarshal([]byte(env.run(t, "rules", "append", "-p", "pip",
		"--action", "hide-version", "--predefined-match", "all-versions", "--version-type", "branch")), &second))
	assert.Equal(t, 0, first.Priority)
	assert.Equal(t, 1, second.Priority)
	assert.Equal(t, domain.VersionTag, first.VersionType)

	listing := env.run(t, "rules", "list", "-p", "pip")
	assert.Contains(t, listing, "activate-version")
	assert.Contains(t, listing, "all-versions")

	var moved domain.AutomationRule
	require.NoError(t, json.Unmarshal([]byte(env.run(t, "rules", "move", "-p", "pip", strconv.Itoa(second.ID), "--steps", "-1")), &moved))
	assert.Equal(t, 0, moved.Priority)

	env.run(t, "rules", "delete", "-p", "pip", strconv.Itoa(second.ID))
	env.withStore(t, func(tx *storage.Tx) error {
		rules, err := tx.Rules("pip")
		require.NoError(t, err)
		require.Len(t, rules, 1)
		assert.Equal(t, first.ID, rules[0].ID)
		assert.Equal(t, 0, rules[0].Priority)
		return nil
	})
}

func TestRulesAppendRejectsBadRegex(t *testing.T) {
	env := newTestEnv(t)
	env.withStore(t, func(tx *storage.Tx) error {
		return tx.PutProject(&domain.Project{Slug: "pip"})
	})

	root := newRootCmd()
	root.SetOut(&bytes.Buffer{})
	root.SetErr(&bytes.Buffer{})
	root.SetArgs([]string{"--config", env.config, "rules", "append", "-p", "pip", "--action", "activate-version", "--match", "("})
	err := root.Execute()
	assert.ErrorIs(t, err, domain.ErrInvalidArgument)
}

func TestIndexCommand(t *testing.T) {
	env := newTestEnv(t)
	dir := t.TempDir()
	htmlDir := filepath.Join(dir, "html")
	jsonDir := filepath.Join(dir, "json")
	require.NoError(t, os.MkdirAll(htmlDir, 0o750))
	require.NoError(t, os.MkdirAll(jsonDir, 0o750))
	require.NoError(t, os.WriteFile(filepath.Join(htmlDir, "install.html"), []byte("<html></html>"), 0o600))
	fjson := `{"current_page_name": "install", "title": "Installation", "body": "<div class=\"section\" id=\"install\"><h1>Installation</h1><p>Use pip install.</p></div>"}`
	require.NoError(t, os.WriteFile(filepath.Join(jsonDir, "install.fjson"), []byte(fjson), 0o600))

	out := env.run(t, "index", htmlDir, "-p", "pip", "-v", "latest", "--json-dir", jsonDir, "--build", "7")
	assert.Contains(t, out, "Indexed 1 page(s) of pip/latest")

	env.withStore(t, func(tx *storage.Tx) error {
		docs, err := tx.PageDocuments("pip", "latest")
		require.NoError(t, err)
		require.Len(t, docs, 1)
		assert.Equal(t, "install.html", docs[0].Path)
		assert.Equal(t, "Installation", docs[0].Title)
		assert.Equal(t, 7, docs[0].Build)
		return nil
	})
}

func TestIndexCheck(t *testing.T) {
	env := newTestEnv(t)
	dir := t.TempDir()
	fjson := `{"current_page_name": "install", "title": "Installation", "body": "<div class=\"section\" id=\"install\"><h1>Installation</h1><p>Use pip.</p></div>"}`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "install.fjson"), []byte(fjson), 0o600))

	out := env.run(t, "index", dir, "-p", "pip", "--check")
	assert.Contains(t, out, "install.fjson")
	assert.Contains(t, out, "Installation")

	require.NoError(t, os.WriteFile(filepath.Join(dir, "broken.fjson"), []byte("{"), 0o600))
	root := newRootCmd()
	root.SetOut(&bytes.Buffer{})
	root.SetErr(&bytes.Buffer{})
	root.SetArgs([]string{"--config", env.config, "index", dir, "-p", "pip", "--check"})
	assert.ErrorIs(t, root.Execute(), domain.ErrInvalidArgument)
}

func TestSyncVCSDataDryRun(t *testing.T) {
	env := newTestEnv(t)
	env.withStore(t, func(tx *storage.Tx) error {
		return tx.PutUser(&domain.User{
			Username:       "eric",
			SocialAccounts: []domain.SocialAccount{{Provider: "github", UID: "1", Token: "t"}},
		})
	})

	out := env.run(t, "sync-vcs-data", "--dry-run")
	assert.Contains(t, out, "Total 1 user(s) can be synced")
	assert.Contains(t, out, "No VCS provider re-sync task was triggered")
}

func TestAdminHandler(t *testing.T) {
	env := newTestEnv(t)
	a := &app{configPath: env.config}
	require.NoError(t, a.load())
	c, err := a.openComponents(context.Background())
	require.NoError(t, err)
	defer func() { require.NoError(t, c.Close()) }()

	limiter := governance.NewRateLimiter(governance.RateLimiterConfig{RequestsPerSecond: 10, BurstSize: 10})
	handler := a.adminHandler(c, limiter, limiter)

	serve := func(method, path string) *httptest.ResponseRecorder {
		w := httptest.NewRecorder()
		handler.ServeHTTP(w, httptest.NewRequest(method, path, nil))
		return w
	}
	assert.Equal(t, http.StatusOK, serve(http.MethodGet, "/admin/health").Code)

	stats := serve(http.MethodGet, "/admin/stats")
	require.Equal(t, http.StatusOK, stats.Code)
	assert.Contains(t, stats.Body.String(), "circuit_breakers")
	assert.Contains(t, stats.Body.String(), "queues")

	assert.Equal(t, http.StatusNoContent, serve(http.MethodPost, "/admin/reset").Code)
	assert.Equal(t, http.StatusMethodNotAllowed, serve(http.MethodGet, "/admin/reset").Code)
}
