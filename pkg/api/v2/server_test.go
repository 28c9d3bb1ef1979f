package v2

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/readthedocs/rtd/internal/governance"
	"github.com/readthedocs/rtd/pkg/api"
	"github.com/readthedocs/rtd/pkg/apiclient"
	"github.com/readthedocs/rtd/pkg/config"
	"github.com/readthedocs/rtd/pkg/domain"
	"github.com/readthedocs/rtd/pkg/integrations"
	"github.com/readthedocs/rtd/pkg/projects"
	"github.com/readthedocs/rtd/pkg/storage"
	"github.com/readthedocs/rtd/pkg/tasks"
)

type fixture struct {
	store    *storage.Store
	broker   *tasks.MemoryBroker
	service  *projects.Service
	recorder *integrations.Recorder
	router   *gin.Engine
}

func newFixture(t *testing.T, opts ...Option) *fixture {
	t.Helper()
	gin.SetMode(gin.TestMode)
	store := storage.NewMemoryStore()
	broker := tasks.NewMemoryBroker(1, 64, nil, nil)
	t.Cleanup(func() { _ = broker.Close() })
	svc := projects.NewService(store, broker, config.DomainsConfig{PublicDomain: "readthedocs.io"}, nil)
	recorder := integrations.NewRecorder(store, 0, nil)

	require.NoError(t, store.Update(context.Background(), func(tx *storage.Tx) error {
		return tx.PutProject(&domain.Project{Slug: "pip", Name: "Pip"})
	}))
	_, err := svc.SyncVersions(context.Background(), "pip", []projects.Ref{
		{Identifier: "origin/master", VerboseName: "master"},
	}, nil)
	require.NoError(t, err)

	router := api.NewEngine("rtd-api-test", nil)
	NewServer(store, svc, recorder, opts...).Register(router)
	return &fixture{store: store, broker: broker, service: svc, recorder: recorder, router: router}
}

func (f *fixture) do(t *testing.T, method, path, body string, header http.Header) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, values := range header {
		for _, v := range values {
			req.Header.Add(k, v)
		}
	}
	w := httptest.NewRecorder()
	f.router.ServeHTTP(w, req)
	return w
}

func (f *fixture) integration(t *testing.T, typ, secret string) int {
	t.Helper()
	i := &domain.Integration{Project: "pip", Type: typ, Secret: secret}
	require.NoError(t, f.store.Update(context.Background(), func(tx *storage.Tx) error {
		return tx.PutIntegration(i)
	}))
	return i.ID
}

func TestGetProjectAndVersion(t *testing.T) {
	f := newFixture(t)

	w := f.do(t, http.MethodGet, "/api/v2/project/pip/", "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var p domain.Project
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &p))
	assert.Equal(t, "Pip", p.Name)

	w = f.do(t, http.MethodGet, "/api/v2/project/pip/version/latest/", "", nil)
	require.Equal(t, http.StatusOK, w.Code)

	w = f.do(t, http.MethodGet, "/api/v2/project/nope/", "", nil)
	require.Equal(t, http.StatusNotFound, w.Code)
	var e domain.ErrorResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &e))
	assert.Equal(t, domain.CodeNotFound, e.Code)
}

func TestBasicAuth(t *testing.T) {
	f := newFixture(t, WithCredentials("builder", "s3cret"))

	w := f.do(t, http.MethodGet, "/api/v2/project/pip/", "", nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	req := httptest.NewRequest(http.MethodGet, "/api/v2/project/pip/", nil)
	req.SetBasicAuth("builder", "s3cret")
	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestSyncVersions(t *testing.T) {
	f := newFixture(t)
	body := `{"branches":[{"identifier":"origin/master","verbose_name":"master"},{"identifier":"origin/2.0","verbose_name":"2.0"}],"tags":[]}`
	w := f.do(t, http.MethodPost, "/api/v2/project/pip/sync_versions/", body, nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var res projects.SyncResult
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &res))
	assert.Equal(t, []string{"2.0"}, res.Added)

	body = `{"branches":[{"identifier":"origin/latest","verbose_name":"latest"}],"tags":[{"identifier":"abc","verbose_name":"latest"}]}`
	w = f.do(t, http.MethodPost, "/api/v2/project/pip/sync_versions/", body, nil)
	require.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, w.Body.String(), domain.CodeDuplicatedLatest)

	w = f.do(t, http.MethodPost, "/api/v2/project/pip/sync_versions/", "{", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestPatchBuild(t *testing.T) {
	f := newFixture(t)
	build, err := f.service.TriggerBuild(context.Background(), "pip", "latest")
	require.NoError(t, err)
	path := "/api/v2/build/" + strconv.Itoa(build.ID) + "/"

	w := f.do(t, http.MethodPatch, path, `{"state":"finished","success":true,"length":12,"commit":"abc"}`, nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var b domain.Build
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &b))
	assert.Equal(t, domain.BuildFinished, b.State)
	assert.Equal(t, 12, b.Length)
	assert.Equal(t, "abc", b.Commit)

	w = f.do(t, http.MethodPatch, path, `{"state":"exploded"}`, nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	w = f.do(t, http.MethodPatch, path, `{"length":-1}`, nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	w = f.do(t, http.MethodGet, "/api/v2/build/999/", "", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
	w = f.do(t, http.MethodGet, "/api/v2/build/abc/", "", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestClientAgainstServer(t *testing.T) {
	f := newFixture(t, WithCredentials("builder", "s3cret"))
	srv := httptest.NewServer(f.router)
	defer srv.Close()

	retry := governance.DefaultRetryConfig()
	retry.InitialBackoff = time.Millisecond
	client, err := apiclient.New(apiclient.Config{
		Host:       srv.URL,
		Username:   "builder",
		Password:   "s3cret",
		Retry:      retry,
		HTTPClient: srv.Client(),
	}, nil)
	require.NoError(t, err)
	ctx := context.Background()

	p, err := client.Project(ctx, "pip")
	require.NoError(t, err)
	assert.Equal(t, "pip", p.Slug)

	_, err = client.Version(ctx, "pip", "missing")
	assert.True(t, errors.Is(err, domain.ErrVersionNotFound))

	_, err = client.SyncVersions(ctx, "pip",
		[]projects.Ref{{Identifier: "origin/stable", VerboseName: "stable"}},
		[]projects.Ref{{Identifier: "abc", VerboseName: "stable"}})
	assert.True(t, errors.Is(err, domain.ErrDuplicatedReservedVersions))

	build, err := f.service.TriggerBuild(ctx, "pip", "latest")
	require.NoError(t, err)
	state := domain.BuildBuilding
	updated, err := client.UpdateBuild(ctx, build.ID, apiclient.BuildPatch{State: &state})
	require.NoError(t, err)
	assert.Equal(t, domain.BuildBuilding, updated.State)
}

func TestGitHubPushWebhook(t *testing.T) {
	f := newFixture(t)
	id := f.integration(t, domain.IntegrationGitHubWebhook, "")
	path := "/api/v2/webhook/pip/" + strconv.Itoa(id) + "/"

	w := f.do(t, http.MethodPost, path, `{"ref":"refs/heads/master"}`, http.Header{GitHubEventHeader: {"push"}})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var resp webhookResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.True(t, resp.BuildTriggered)
	assert.Equal(t, []string{domain.LatestSlug}, resp.Versions)
	require.Len(t, f.broker.Pending(tasks.QueueBuild), 1)

	exchanges, err := f.recorder.Exchanges(context.Background(), id)
	require.NoError(t, err)
	require.Len(t, exchanges, 1)
	assert.Equal(t, http.StatusOK, exchanges[0].StatusCode)
	assert.Contains(t, exchanges[0].RequestBody, "refs/heads/master")

	w = f.do(t, http.MethodPost, path, `{}`, http.Header{GitHubEventHeader: {"ping"}})
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "Webhook configured correctly")

	w = f.do(t, http.MethodPost, path, `{"ref":"feature","ref_type":"branch"}`, http.Header{GitHubEventHeader: {"create"}})
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"versions_synced":true`)
	pending := f.broker.Pending(tasks.QueueBuild)
	assert.Equal(t, tasks.SyncRepository, pending[len(pending)-1].Name)
}

func TestGitHubFormPayloadAndSignature(t *testing.T) {
	f := newFixture(t)
	id := f.integration(t, domain.IntegrationGitHubWebhook, "topsecret")
	path := "/api/v2/webhook/pip/" + strconv.Itoa(id) + "/"

	body := "payload=" + url.QueryEscape(`{"ref":"refs/heads/master"}`)
	mac := hmac.New(sha256.New, []byte("topsecret"))
	mac.Write([]byte(body))
	good := "sha256=" + hex.EncodeToString(mac.Sum(nil))

	send := func(sig string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
		req.Header.Set(GitHubSignature, sig)
		w := httptest.NewRecorder()
		f.router.ServeHTTP(w, req)
		return w
	}
	w := send(good)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Contains(t, w.Body.String(), `"build_triggered":true`)

	w = send("sha256=deadbeef")
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = send("")
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, w.Body.String(), "Invalid payload signature")
	assert.Len(t, f.broker.Pending(tasks.QueueBuild), 1)
}

func TestGitLabAndBitbucketWebhooks(t *testing.T) {
	f := newFixture(t)
	gitlab := f.integration(t, domain.IntegrationGitLabWebhook, "")
	bitbucket := f.integration(t, domain.IntegrationBitbucketWebhook, "")

	w := f.do(t, http.MethodPost, "/api/v2/webhook/pip/"+strconv.Itoa(gitlab)+"/",
		`{"ref":"refs/heads/master","before":"95790bf891e76fee5e1747ab589903a6a1f80f22","after":"da1560886d4f094c3e6c9ef40349f7d38b5d27d7"}`,
		http.Header{GitLabEventHeader: {"Push Hook"}})
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"build_triggered":true`)

	w = f.do(t, http.MethodPost, "/api/v2/webhook/pip/"+strconv.Itoa(gitlab)+"/",
		`{"ref":"refs/heads/new","before":"0000000000000000000000000000000000000000","after":"da1560886d4f094c3e6c9ef40349f7d38b5d27d7"}`,
		http.Header{GitLabEventHeader: {"Push Hook"}})
	assert.Contains(t, w.Body.String(), `"versions_synced":true`)

	w = f.do(t, http.MethodPost, "/api/v2/webhook/pip/"+strconv.Itoa(bitbucket)+"/",
		`{"push":{"changes":[{"new":{"name":"master"},"old":{"name":"master"}}]}}`,
		http.Header{BitbucketEventHeader: {"repo:push"}})
	assert.Contains(t, w.Body.String(), `"build_triggered":true`)

	w = f.do(t, http.MethodPost, "/api/v2/webhook/pip/"+strconv.Itoa(bitbucket)+"/",
		`{"push":{"changes":[{"new":{"name":"fresh"},"old":null}]}}`,
		http.Header{BitbucketEventHeader: {"repo:push"}})
	assert.Contains(t, w.Body.String(), `"versions_synced":true`)
}

func TestGenericWebhook(t *testing.T) {
	f := newFixture(t)
	id := f.integration(t, domain.IntegrationGenericAPI, "tok")
	path := "/api/v2/webhook/pip/" + strconv.Itoa(id) + "/"

	w := f.do(t, http.MethodPost, path, `{"token":"wrong"}`, nil)
	assert.Equal(t, http.StatusForbidden, w.Code)

	w = f.do(t, http.MethodPost, path, `{"token":"tok"}`, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"versions":["latest"]`)

	w = f.do(t, http.MethodPost, path, `{"token":"tok","branches":["nothing"]}`, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"build_triggered":false`)

	exchanges, err := f.recorder.Exchanges(context.Background(), id)
	require.NoError(t, err)
	assert.Len(t, exchanges, 3)
	assert.Equal(t, http.StatusForbidden, exchanges[2].StatusCode)
}

func TestWebhookUnknownIntegration(t *testing.T) {
	f := newFixture(t)
	w := f.do(t, http.MethodPost, "/api/v2/webhook/pip/42/", `{}`, nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
	w = f.do(t, http.MethodPost, "/api/v2/webhook/pip/x/", `{}`, nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}
