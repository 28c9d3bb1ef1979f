package projects

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/readthedocs/rtd/pkg/config"
	"github.com/readthedocs/rtd/pkg/domain"
	"github.com/readthedocs/rtd/pkg/mediastorage"
	"github.com/readthedocs/rtd/pkg/storage"
	"github.com/readthedocs/rtd/pkg/tasks"
)

var testDomains = config.DomainsConfig{
	ProductionDomain: "readthedocs.org",
	PublicDomain:     "readthedocs.io",
}

type fixture struct {
	store   *storage.Store
	broker  *tasks.MemoryBroker
	service *Service
}

func newFixture(t *testing.T, opts ...Option) *fixture {
	t.Helper()
	store := storage.NewMemoryStore()
	broker := tasks.NewMemoryBroker(1, 64, nil, nil)
	t.Cleanup(func() { _ = broker.Close() })
	require.NoError(t, store.Update(context.Background(), func(tx *storage.Tx) error {
		return tx.PutProject(&domain.Project{Slug: "pip", Name: "Pip", Users: []string{"eric"}})
	}))
	return &fixture{store: store, broker: broker, service: NewService(store, broker, testDomains, nil, opts...)}
}

func (f *fixture) version(t *testing.T, slug string) *domain.Version {
	t.Helper()
	var v *domain.Version
	require.NoError(t, f.store.View(context.Background(), func(tx *storage.Tx) error {
		var err error
		v, err = tx.Version("pip", slug)
		return err
	}))
	return v
}

func (f *fixture) queuedBuilds(t *testing.T) []string {
	t.Helper()
	var out []string
	for _, task := range f.broker.Pending(tasks.QueueBuild) {
		var args UpdateDocsArgs
		require.NoError(t, task.Decode(&args))
		out = append(out, args.Version)
	}
	return out
}

func TestVersionSlug(t *testing.T) {
	tests := map[string]string{
		"master":          "master",
		"Feature/Login":   "feature-login",
		"1.0":             "1.0",
		"v2.1.0-beta":     "v2.1.0-beta",
		"  spaces  here ": "spaces-here",
		"___":             "unknown",
		"release//1.x":    "release-1.x",
	}
	for in, want := range tests {
		assert.Equal(t, want, VersionSlug(in), in)
	}
}

func TestDetermineStableVersion(t *testing.T) {
	versions := []domain.Version{
		{Slug: "master", VerboseName: "master", Type: domain.VersionBranch},
		{Slug: "1.0", VerboseName: "1.0", Type: domain.VersionTag},
		{Slug: "2.0-branch", VerboseName: "2.0", Type: domain.VersionBranch},
		{Slug: "2.0", VerboseName: "2.0", Type: domain.VersionTag},
		{Slug: "3.0.0-rc1", VerboseName: "3.0.0-rc1", Type: domain.VersionTag},
		{Slug: "stable", VerboseName: "stable", Type: domain.VersionTag, Machine: true},
	}
	best := DetermineStableVersion(versions)
	require.NotNil(t, best)
	assert.Equal(t, "2.0", best.Slug)
	assert.Equal(t, domain.VersionTag, best.Type)

	assert.Nil(t, DetermineStableVersion([]domain.Version{{Slug: "master", VerboseName: "master"}}))
	assert.Equal(t, "v10.1", DetermineStableVersion([]domain.Version{
		{Slug: "v9.9", VerboseName: "v9.9"},
		{Slug: "v10.1", VerboseName: "v10.1"},
	}).Slug)
}

func TestCheckDuplicateReservedVersions(t *testing.T) {
	for _, reserved := range []string{domain.LatestSlug, domain.StableSlug} {
		t.Run(reserved, func(t *testing.T) {
			ref := Ref{Identifier: "abc", VerboseName: reserved}
			err := CheckDuplicateReservedVersions([]Ref{ref}, []Ref{ref})
			assert.ErrorIs(t, err, domain.ErrDuplicatedReservedVersions)

			assert.NoError(t, CheckDuplicateReservedVersions([]Ref{ref}, nil))
			assert.NoError(t, CheckDuplicateReservedVersions(nil, []Ref{ref}))
		})
	}
	ref := Ref{Identifier: "abc", VerboseName: "no-reserved"}
	assert.NoError(t, CheckDuplicateReservedVersions([]Ref{ref}, []Ref{ref}))
}

func TestSyncVersions(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	branches := []Ref{{Identifier: "origin/master", VerboseName: "master"}}
	tags := []Ref{
		{Identifier: "t1", VerboseName: "1.0"},
		{Identifier: "t2", VerboseName: "2.0"},
		{Identifier: "t3", VerboseName: "2.1.0-beta"},
	}
	result, err := f.service.SyncVersions(ctx, "pip", branches, tags)
	require.NoError(t, err)
	assert.Equal(t, []string{"1.0", "2.0", "2.1.0-beta", "master"}, result.Added)
	assert.Empty(t, result.Deleted)
	assert.Equal(t, "2.0", result.Stable)

	latest := f.version(t, domain.LatestSlug)
	assert.True(t, latest.Machine)
	assert.True(t, latest.Active)
	assert.Equal(t, "master", latest.Identifier)

	stable := f.version(t, domain.StableSlug)
	assert.Equal(t, "t2", stable.Identifier)
	assert.Equal(t, domain.VersionTag, stable.Type)
	assert.False(t, f.version(t, "1.0").Active)
	assert.Equal(t, []string{domain.StableSlug}, f.queuedBuilds(t))

	// 1.0 disappears and is removed; 2.0 stays stable so nothing is rebuilt.
	result, err = f.service.SyncVersions(ctx, "pip", branches, tags[1:])
	require.NoError(t, err)
	assert.Empty(t, result.Added)
	assert.Equal(t, []string{"1.0"}, result.Deleted)
	assert.Len(t, f.queuedBuilds(t), 1)
}

func TestSyncVersionsKeepsActiveVersions(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	require.NoError(t, f.store.Update(ctx, func(tx *storage.Tx) error {
		return tx.PutVersion(&domain.Version{Project: "pip", Slug: "old", Type: domain.VersionBranch, Active: true})
	}))

	result, err := f.service.SyncVersions(ctx, "pip", []Ref{{Identifier: "m", VerboseName: "master"}}, nil)
	require.NoError(t, err)
	assert.Empty(t, result.Deleted)
	assert.NotNil(t, f.version(t, "old"))
}

func TestSyncVersionsRejectsDuplicateReserved(t *testing.T) {
	f := newFixture(t)
	ref := Ref{Identifier: "x", VerboseName: domain.LatestSlug}
	_, err := f.service.SyncVersions(context.Background(), "pip", []Ref{ref}, []Ref{ref})
	assert.ErrorIs(t, err, domain.ErrDuplicatedReservedVersions)

	_, err = f.service.SyncVersions(context.Background(), "pip", []Ref{ref}, nil)
	require.NoError(t, err)
	latest := f.version(t, domain.LatestSlug)
	assert.False(t, latest.Machine)
	assert.Equal(t, "x", latest.Identifier)
}

func TestSyncVersionsUserDefinedStable(t *testing.T) {
	f := newFixture(t)
	result, err := f.service.SyncVersions(context.Background(), "pip",
		[]Ref{{Identifier: "s", VerboseName: domain.StableSlug}},
		[]Ref{{Identifier: "t", VerboseName: "5.0"}})
	require.NoError(t, err)
	assert.Equal(t, "s", result.Stable)
	assert.Equal(t, "s", f.version(t, domain.StableSlug).Identifier)
}

func TestSyncVersionsRunsAutomationRules(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	require.NoError(t, f.service.Rules().Append(ctx, &domain.AutomationRule{
		Project:     "pip",
		MatchArg:    `^3\.`,
		Action:      domain.ActionActivateVersion,
		VersionType: domain.VersionTag,
	}))

	result, err := f.service.SyncVersions(ctx, "pip", nil, []Ref{
		{Identifier: "a", VerboseName: "3.1"},
		{Identifier: "b", VerboseName: "4.0-dev"},
	})
	require.NoError(t, err)
	require.Len(t, result.Rules, 1)
	assert.Equal(t, "3.1", result.Rules[0].Version)
	assert.True(t, f.version(t, "3.1").Active)
	assert.False(t, f.version(t, "4.0-dev").Active)
	assert.ElementsMatch(t, []string{domain.StableSlug, "3.1"}, f.queuedBuilds(t))
}

func TestSyncVersionsUnknownProject(t *testing.T) {
	f := newFixture(t)
	_, err := f.service.SyncVersions(context.Background(), "nope", nil, nil)
	assert.ErrorIs(t, err, domain.ErrProjectNotFound)
}

func TestTriggerBuild(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, err := f.service.SyncVersions(ctx, "pip", []Ref{{Identifier: "m", VerboseName: "master"}}, nil)
	require.NoError(t, err)

	build, err := f.service.TriggerBuild(ctx, "pip", "")
	require.NoError(t, err)
	assert.Equal(t, domain.LatestSlug, build.Version)
	assert.Equal(t, domain.BuildTriggered, build.State)

	pending := f.broker.Pending(tasks.QueueBuild)
	require.Len(t, pending, 1)
	assert.Equal(t, tasks.UpdateDocs, pending[0].Name)
	var args UpdateDocsArgs
	require.NoError(t, pending[0].Decode(&args))
	assert.Equal(t, UpdateDocsArgs{Project: "pip", Version: domain.LatestSlug, Build: build.ID}, args)

	_, err = f.service.TriggerBuild(ctx, "pip", "missing")
	assert.ErrorIs(t, err, domain.ErrVersionNotFound)
}

func TestUpdateBuildMarksVersionBuilt(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, err := f.service.SyncVersions(ctx, "pip", nil, nil)
	require.NoError(t, err)
	build, err := f.service.TriggerBuild(ctx, "pip", domain.LatestSlug)
	require.NoError(t, err)

	updated, err := f.service.UpdateBuild(ctx, build.ID, func(b *domain.Build) error {
		b.State = domain.BuildFinished
		b.Success = true
		b.Length = 30
		return nil
	})
	require.NoError(t, err)
	assert.NotNil(t, updated.Finished())
	assert.True(t, f.version(t, domain.LatestSlug).Built)

	_, err = f.service.UpdateBuild(ctx, build.ID, func(b *domain.Build) error {
		b.State = "exploded"
		return nil
	})
	assert.ErrorIs(t, err, domain.ErrInvalidArgument)
}

func TestDocsURL(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	require.NoError(t, f.store.Update(ctx, func(tx *storage.Tx) error {
		if err := tx.PutProject(&domain.Project{Slug: "sub"}); err != nil {
			return err
		}
		if err := tx.PutProject(&domain.Project{Slug: "pip-es", Language: "es", MainLanguageProject: "pip"}); err != nil {
			return err
		}
		if err := tx.PutProject(&domain.Project{Slug: "canonical"}); err != nil {
			return err
		}
		if err := tx.PutDomain(&domain.Domain{Domain: "docs.example.com", Project: "canonical", Canonical: true, HTTPS: true}); err != nil {
			return err
		}
		p, err := tx.Project("pip")
		if err != nil {
			return err
		}
		p.Subprojects = []domain.Subproject{{Child: "sub", Alias: "sub-alias"}}
		return tx.PutProject(p)
	}))

	tests := []struct {
		project, version, want string
	}{
		{"pip", "", "http://pip.readthedocs.io/en/latest/"},
		{"pip", "2.0", "http://pip.readthedocs.io/en/2.0/"},
		{"pip-es", "latest", "http://pip.readthedocs.io/es/latest/"},
		{"sub", "", "http://pip.readthedocs.io/projects/sub-alias/en/latest/"},
		{"canonical", "", "https://docs.example.com/en/latest/"},
	}
	for _, tt := range tests {
		t.Run(tt.project+"/"+tt.version, func(t *testing.T) {
			got, err := f.service.DocsURL(ctx, tt.project, tt.version)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}

	https := NewService(f.store, nil, config.DomainsConfig{PublicDomain: "readthedocs.io", PublicDomainUsesHTTPS: true}, nil)
	got, err := https.DocsURL(ctx, "pip", "")
	require.NoError(t, err)
	assert.Equal(t, "https://pip.readthedocs.io/en/latest/", got)
}

func TestVisibleProjects(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	require.NoError(t, f.store.Update(ctx, func(tx *storage.Tx) error {
		if err := tx.PutUser(&domain.User{Username: "eric"}); err != nil {
			return err
		}
		if err := tx.PutProject(&domain.Project{Slug: "secret", Users: []string{"eric"}, PrivacyLevel: domain.PrivacyPrivate}); err != nil {
			return err
		}
		return tx.PutBuild(&domain.Build{Project: "pip", Version: "latest", Success: true, State: domain.BuildFinished})
	}))

	slugs := func(in []ProjectSummary) []string {
		var out []string
		for _, p := range in {
			out = append(out, p.Slug)
		}
		return out
	}

	anonymous, err := f.service.VisibleProjects(ctx, "eric", nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"pip"}, slugs(anonymous))
	assert.True(t, anonymous[0].GoodBuild)
	assert.NotNil(t, anonymous[0].LatestBuildDate)

	owner, err := f.service.VisibleProjects(ctx, "eric", &domain.User{Username: "eric"})
	require.NoError(t, err)
	assert.Equal(t, []string{"pip", "secret"}, slugs(owner))
	assert.False(t, owner[1].GoodBuild)
	assert.Nil(t, owner[1].LatestBuildDate)

	admin, err := f.service.VisibleProjects(ctx, "eric", &domain.User{Username: "root", IsSuperuser: true})
	require.NoError(t, err)
	assert.Len(t, admin, 2)

	_, err = f.service.VisibleProjects(ctx, "ghost", nil)
	assert.ErrorIs(t, err, domain.ErrUserNotFound)
}

func TestClearArtifacts(t *testing.T) {
	root := t.TempDir()
	media, err := mediastorage.NewFileSystem(root, "/media/")
	require.NoError(t, err)
	f := newFixture(t, WithMedia(media))
	ctx := context.Background()

	for _, typ := range []string{mediastorage.TypeHTML, mediastorage.TypePDF} {
		require.NoError(t, media.Save(ctx, mediastorage.Path(typ, "pip", "latest", "file"), strings.NewReader("x")))
	}
	buildDir := filepath.Join(t.TempDir(), "checkouts", "pip", "latest")
	require.NoError(t, os.MkdirAll(buildDir, 0o755))

	reg := tasks.NewRegistry()
	f.service.RegisterTasks(reg)
	task, err := tasks.New(tasks.ClearArtifacts, tasks.QueueDefault, ClearArtifactsArgs{
		Project: "pip", Version: "latest", Paths: []string{buildDir},
	})
	require.NoError(t, err)
	require.NoError(t, reg.Dispatch(ctx, task))

	for _, typ := range []string{mediastorage.TypeHTML, mediastorage.TypePDF} {
		ok, err := media.Exists(ctx, mediastorage.Path(typ, "pip", "latest", "file"))
		require.NoError(t, err)
		assert.False(t, ok, typ)
	}
	assert.NoDirExists(t, buildDir)
}

func TestRemoveDir(t *testing.T) {
	dir := t.TempDir()
	sub := filepath.Join(dir, "a", "b")
	require.NoError(t, os.MkdirAll(sub, 0o755))
	require.NoError(t, RemoveDir(filepath.Join(dir, "a")))
	assert.NoDirExists(t, sub)
	assert.NoError(t, RemoveDir(filepath.Join(dir, "missing")))
	assert.ErrorIs(t, RemoveDir("/"), domain.ErrInvalidArgument)
}

func TestBuildBranches(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, err := f.service.SyncVersions(ctx, "pip", []Ref{
		{Identifier: "origin/master", VerboseName: "master"},
		{Identifier: "origin/feature", VerboseName: "feature"},
	}, nil)
	require.NoError(t, err)

	res, err := f.service.BuildBranches(ctx, "pip", []string{"master", "feature", "unknown"})
	require.NoError(t, err)
	assert.Equal(t, []string{domain.LatestSlug}, res.Triggered)
	assert.ElementsMatch(t, []string{"master", "feature"}, res.NotBuilding)
	require.Len(t, f.broker.Pending(tasks.QueueBuild), 1)

	_, err = f.service.BuildBranches(ctx, "missing", []string{"master"})
	assert.ErrorIs(t, err, domain.ErrProjectNotFound)
}

func TestSyncRepositoryQueuesTask(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.service.SyncRepository(context.Background(), "pip", ""))
	pending := f.broker.Pending(tasks.QueueBuild)
	require.Len(t, pending, 1)
	assert.Equal(t, tasks.SyncRepository, pending[0].Name)
	var args SyncRepositoryArgs
	require.NoError(t, pending[0].Decode(&args))
	assert.Equal(t, SyncRepositoryArgs{Project: "pip", Version: domain.LatestSlug}, args)
}
