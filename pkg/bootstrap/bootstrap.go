// Package bootstrap writes seed files into the store and keeps them applied
// while the file changes.
package bootstrap

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/readthedocs/rtd/pkg/automation"
	"github.com/readthedocs/rtd/pkg/config"
	"github.com/readthedocs/rtd/pkg/domain"
	"github.com/readthedocs/rtd/pkg/logging"
	"github.com/readthedocs/rtd/pkg/projects"
	"github.com/readthedocs/rtd/pkg/storage"
)

// Loader applies seeds.
type Loader struct {
	store    *storage.Store
	projects *projects.Service
	logger   *slog.Logger
}

// NewLoader creates a Loader. Branches and tags of seeded projects are
// synced through svc so stable and automation rules behave as for a real
// repository.
func NewLoader(store *storage.Store, svc *projects.Service, logger *slog.Logger) *Loader {
	return &Loader{store: store, projects: svc, logger: logging.OrDefault(logger)}
}

// Summary counts what an Apply wrote.
type Summary struct {
	Users         int
	Organizations int
	Projects      int
	Versions      int
}

// Apply upserts everything in seed. Applying the same seed twice leaves
// the store unchanged: redirects and automation rules of seeded projects
// are replaced, domains and integrations are matched by host and type.
func (l *Loader) Apply(ctx context.Context, seed *config.Seed) (Summary, error) {
	var sum Summary
	err := l.store.Update(ctx, func(tx *storage.Tx) error {
		for i := range seed.Users {
			u := seed.Users[i]
			if prev, err := tx.User(u.Username); err == nil && u.DateJoined.IsZero() {
				u.DateJoined = prev.DateJoined
			}
			if err := tx.PutUser(&u); err != nil {
				return fmt.Errorf("user %s: %w", u.Username, err)
			}
			sum.Users++
		}
		for i := range seed.Organizations {
			o := seed.Organizations[i]
			if err := tx.PutOrganization(&o); err != nil {
				return fmt.Errorf("organization %s: %w", o.Slug, err)
			}
			sum.Organizations++
		}
		for i := range seed.Projects {
			p := seed.Projects[i].Project
			if prev, err := tx.Project(p.Slug); err == nil && p.Created.IsZero() {
				p.Created = prev.Created
			}
			if err := tx.PutProject(&p); err != nil {
				return fmt.Errorf("project %s: %w", p.Slug, err)
			}
			sum.Projects++
		}
		return nil
	})
	if err != nil {
		return sum, err
	}

	for _, ps := range seed.Projects {
		if len(ps.Branches) > 0 || len(ps.Tags) > 0 {
			if _, err := l.projects.SyncVersions(ctx, ps.Slug, refs(ps.Branches), refs(ps.Tags)); err != nil {
				return sum, fmt.Errorf("project %s: sync versions: %w", ps.Slug, err)
			}
		}
		n, err := l.applyScoped(ctx, ps)
		if err != nil {
			return sum, fmt.Errorf("project %s: %w", ps.Slug, err)
		}
		sum.Versions += n
	}

	l.logger.Info("seed applied",
		"users", sum.Users,
		"organizations", sum.Organizations,
		"projects", sum.Projects,
		"versions", sum.Versions)
	return sum, nil
}

func refs(in []config.SeedRef) []projects.Ref {
	out := make([]projects.Ref, 0, len(in))
	for _, r := range in {
		out = append(out, projects.Ref{Identifier: r.Identifier, VerboseName: r.VerboseName})
	}
	return out
}

func (l *Loader) applyScoped(ctx context.Context, ps config.ProjectSeed) (int, error) {
	versions := 0
	err := l.store.Update(ctx, func(tx *storage.Tx) error {
		slug := ps.Slug
		for i := range ps.Versions {
			v := ps.Versions[i]
			v.Project = slug
			if prev, err := tx.Version(slug, v.Slug); err == nil {
				v.ID, v.Machine = prev.ID, prev.Machine
				if v.VerboseName == "" {
					v.VerboseName = prev.VerboseName
				}
				if v.Identifier == "" {
					v.Identifier = prev.Identifier
				}
				if v.Type == "" {
					v.Type = prev.Type
				}
			}
			if err := tx.PutVersion(&v); err != nil {
				return fmt.Errorf("version %s: %w", v.Slug, err)
			}
			versions++
		}

		for i := range ps.Domains {
			d := ps.Domains[i]
			d.Project = slug
			if prev, err := tx.Domain(d.Domain); err == nil {
				d.ID, d.Created, d.Count = prev.ID, prev.Created, prev.Count
			}
			if err := tx.PutDomain(&d); err != nil {
				return fmt.Errorf("domain %s: %w", d.Domain, err)
			}
		}

		if err := replaceRedirects(tx, slug, ps.Redirects); err != nil {
			return err
		}
		if err := replaceRules(tx, slug, ps.AutomationRules); err != nil {
			return err
		}
		return upsertIntegrations(tx, slug, ps.Integrations)
	})
	return versions, err
}

func replaceRedirects(tx *storage.Tx, project string, redirects []domain.Redirect) error {
	existing, err := tx.Redirects(project)
	if err != nil {
		return err
	}
	for _, r := range existing {
		if err := tx.DeleteRedirect(project, r.ID); err != nil {
			return err
		}
	}
	for i := range redirects {
		r := redirects[i]
		r.ID = 0
		r.Project = project
		if err := tx.PutRedirect(&r); err != nil {
			return fmt.Errorf("redirect %s: %w", r.FromURL, err)
		}
	}
	return nil
}

func replaceRules(tx *storage.Tx, project string, rules []domain.AutomationRule) error {
	existing, err := tx.Rules(project)
	if err != nil {
		return err
	}
	for _, r := range existing {
		if err := tx.DeleteRule(project, r.ID); err != nil {
			return err
		}
	}
	for i := range rules {
		r := rules[i]
		r.Project = project
		if err := automation.Validate(&r); err != nil {
			return fmt.Errorf("automation rule %d: %w", i, err)
		}
		if err := automation.AppendTx(tx, &r); err != nil {
			return err
		}
	}
	return nil
}

func upsertIntegrations(tx *storage.Tx, project string, integrations []domain.Integration) error {
	existing, err := tx.Integrations(project)
	if err != nil {
		return err
	}
	byType := make(map[string]domain.Integration, len(existing))
	for _, i := range existing {
		byType[i.Type] = i
	}
	for i := range integrations {
		in := integrations[i]
		in.Project = project
		if prev, ok := byType[in.Type]; ok && in.ID == 0 {
			in.ID = prev.ID
		}
		if err := tx.PutIntegration(&in); err != nil {
			return fmt.Errorf("integration %s: %w", in.Type, err)
		}
	}
	return nil
}

// Watch applies every seed received on updates, typically a
// SeedProvider subscription, until ctx is done or the channel closes.
func (l *Loader) Watch(ctx context.Context, updates <-chan *config.Seed) {
	for {
		select {
		case <-ctx.Done():
			return
		case seed, ok := <-updates:
			if !ok {
				return
			}
			if _, err := l.Apply(ctx, seed); err != nil {
				l.logger.Error("seed not applied", "error", err)
			}
		}
	}
}
