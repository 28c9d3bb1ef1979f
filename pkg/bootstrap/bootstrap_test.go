package bootstrap

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/readthedocs/rtd/pkg/config"
	"github.com/readthedocs/rtd/pkg/domain"
	"github.com/readthedocs/rtd/pkg/projects"
	"github.com/readthedocs/rtd/pkg/storage"
)

const seedYAML = `
users:
  - username: eric
    token: secret-token
    is_superuser: true
organizations:
  - slug: acme
    owners: [eric]
projects:
  - slug: pip
    name: Pip
    repo: https://github.com/pypa/pip
    users: [eric]
    organization: acme
    branches:
      - {identifier: origin/master, verbose_name: master}
    tags:
      - {identifier: 1a2b3c, verbose_name: "1.0"}
    versions:
      - slug: "1.0"
        active: true
        privacy_level: private
    domains:
      - domain: docs.pip.io
        canonical: true
        https: true
    redirects:
      - {type: page, from_url: /old.html, to_url: /new.html}
    automation_rules:
      - {match_arg: "^v", action: activate-version, version_type: tag}
      - {predefined_match_arg: all-versions, action: hide-version, version_type: branch}
    integrations:
      - {integration_type: github_webhook, secret: s3cr3t}
`

func newLoader(t *testing.T) (*Loader, *storage.Store) {
	t.Helper()
	store := storage.NewMemoryStore()
	svc := projects.NewService(store, nil, config.DomainsConfig{PublicDomain: "readthedocs.io"}, nil)
	return NewLoader(store, svc, nil), store
}

func TestParseSeed(t *testing.T) {
	seed, err := config.ParseSeed([]byte(seedYAML))
	require.NoError(t, err)
	require.Len(t, seed.Projects, 1)
	p := seed.Projects[0]
	assert.Equal(t, "pip", p.Slug)
	assert.Equal(t, "acme", p.Organization)
	assert.Equal(t, []config.SeedRef{{Identifier: "origin/master", VerboseName: "master"}}, p.Branches)
	assert.Equal(t, domain.PrivacyPrivate, p.Versions[0].PrivacyLevel)

	_, err = config.ParseSeed([]byte("projects:\n  - slug: a\n    organization: nope\n"))
	assert.Error(t, err)
	_, err = config.ParseSeed([]byte("projects:\n  - slug: a\n  - slug: a\n"))
	assert.Error(t, err)
	_, err = config.ParseSeed([]byte(`{"projects": [{"slug": "json"}]}`))
	assert.NoError(t, err)
}

func TestApplyIsIdempotent(t *testing.T) {
	ctx := context.Background()
	loader, store := newLoader(t)
	seed, err := config.ParseSeed([]byte(seedYAML))
	require.NoError(t, err)

	for i := 0; i < 2; i++ {
		sum, err := loader.Apply(ctx, seed)
		require.NoError(t, err)
		assert.Equal(t, Summary{Users: 1, Organizations: 1, Projects: 1, Versions: 1}, sum)
	}

	require.NoError(t, store.View(ctx, func(tx *storage.Tx) error {
		u, err := tx.UserByToken("secret-token")
		require.NoError(t, err)
		assert.Equal(t, "eric", u.Username)

		v, err := tx.Version("pip", "1.0")
		require.NoError(t, err)
		assert.True(t, v.Active)
		assert.Equal(t, domain.PrivacyPrivate, v.PrivacyLevel)
		assert.Equal(t, "1a2b3c", v.Identifier)
		assert.Equal(t, domain.VersionTag, v.Type)

		stable, err := tx.Version("pip", domain.StableSlug)
		require.NoError(t, err)
		assert.Equal(t, "1a2b3c", stable.Identifier)

		d, err := tx.CanonicalDomain("pip")
		require.NoError(t, err)
		require.NotNil(t, d)
		assert.Equal(t, "docs.pip.io", d.Domain)

		redirects, err := tx.Redirects("pip")
		require.NoError(t, err)
		assert.Len(t, redirects, 1)

		rules, err := tx.Rules("pip")
		require.NoError(t, err)
		require.Len(t, rules, 2)
		assert.Equal(t, 0, rules[0].Priority)
		assert.Equal(t, 1, rules[1].Priority)

		integrations, err := tx.Integrations("pip")
		require.NoError(t, err)
		require.Len(t, integrations, 1)
		assert.Equal(t, "s3cr3t", integrations[0].Secret)
		return nil
	}))
}

func TestApplyRejectsInvalidRule(t *testing.T) {
	loader, _ := newLoader(t)
	seed, err := config.ParseSeed([]byte(`
projects:
  - slug: pip
    automation_rules:
      - {match_arg: "(", action: activate-version, version_type: tag}
`))
	require.NoError(t, err)
	_, err = loader.Apply(context.Background(), seed)
	assert.ErrorIs(t, err, domain.ErrInvalidArgument)
}

func TestWatchAppliesChanges(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	loader, store := newLoader(t)

	path := filepath.Join(t.TempDir(), "seed.yaml")
	require.NoError(t, os.WriteFile(path, []byte("projects:\n  - slug: first\n"), 0o600))

	provider, err := config.NewSeedProvider(path, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = provider.Close() })
	_, err = loader.Apply(ctx, provider.Current())
	require.NoError(t, err)
	go loader.Watch(ctx, provider.Subscribe())

	require.NoError(t, os.WriteFile(path, []byte("projects:\n  - slug: first\n  - slug: second\n"), 0o600))

	require.Eventually(t, func() bool {
		err := store.View(ctx, func(tx *storage.Tx) error {
			_, err := tx.Project("second")
			return err
		})
		return err == nil
	}, 5*time.Second, 50*time.Millisecond)
}
