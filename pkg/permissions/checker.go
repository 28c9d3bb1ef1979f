// Package permissions answers admin, member and owner questions about
// projects and organizations by evaluating a Rego policy.
package permissions

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"os"
	"sort"

	"go.opentelemetry.io/otel/trace"

	"github.com/readthedocs/rtd/pkg/domain"
	"github.com/readthedocs/rtd/pkg/storage"
	"github.com/readthedocs/rtd/pkg/telemetry"
)

//go:embed permissions.rego
var defaultPolicy string

// Options configure a Checker.
type Options struct {
	OrganizationsEnabled bool
	// PolicyFile replaces the built-in policy when set.
	PolicyFile      string
	CacheMaxEntries int
}

// Decision is the policy answer for one user and one project or organization.
type Decision struct {
	Admin   bool
	Member  bool
	Owner   bool
	Owners  []string
	Members []string
}

// Checker evaluates permissions for stored projects and organizations.
type Checker struct {
	store       *storage.Store
	engine      *Engine
	orgsEnabled bool
}

// NewChecker compiles the policy.
func NewChecker(ctx context.Context, store *storage.Store, opts Options) (*Checker, error) {
	source := defaultPolicy
	if opts.PolicyFile != "" {
		raw, err := os.ReadFile(opts.PolicyFile)
		if err != nil {
			return nil, fmt.Errorf("read policy file: %w", err)
		}
		source = string(raw)
	}
	engine, err := NewEngine(ctx, EngineOptions{
		Modules:         map[string]string{"permissions.rego": source},
		CacheMaxEntries: opts.CacheMaxEntries,
	})
	if err != nil {
		return nil, err
	}
	return &Checker{store: store, engine: engine, orgsEnabled: opts.OrganizationsEnabled}, nil
}

// Decide evaluates the policy for user on project, or on org when project
// is nil. A nil user is anonymous.
func (c *Checker) Decide(ctx context.Context, user *domain.User, project *domain.Project, org *domain.Organization) (Decision, error) {
	if project != nil && org == nil && project.Organization != "" {
		err := c.store.View(ctx, func(tx *storage.Tx) error {
			var err error
			org, err = tx.Organization(project.Organization)
			return err
		})
		if err != nil && !errors.Is(err, domain.ErrOrganizationNotFound) {
			return Decision{}, err
		}
	}

	input := map[string]any{
		"user":                  userInput(user),
		"organizations_enabled": c.orgsEnabled,
	}
	if project != nil {
		input["project"] = map[string]any{
			"slug":          project.Slug,
			"users":         nonNil(project.Users),
			"privacy_level": string(project.PrivacyLevel),
		}
	}
	if org != nil {
		input["organization"] = orgInput(org)
	}

	raw, err := c.engine.Evaluate(ctx, input)
	if err != nil {
		return Decision{}, err
	}
	return Decision{
		Admin:   raw["admin"] == true,
		Member:  raw["member"] == true,
		Owner:   raw["owner"] == true,
		Owners:  stringList(raw["owners"]),
		Members: stringList(raw["members"]),
	}, nil
}

// FlushCache drops the cached policy decisions.
func (c *Checker) FlushCache() {
	c.engine.FlushCache()
}

// IsAdmin reports whether user administers project.
func (c *Checker) IsAdmin(ctx context.Context, user *domain.User, project *domain.Project) (bool, error) {
	d, err := c.Decide(ctx, user, project, nil)
	return d.Admin, err
}

// IsMember reports whether user belongs to project.
func (c *Checker) IsMember(ctx context.Context, user *domain.User, project *domain.Project) (bool, error) {
	d, err := c.Decide(ctx, user, project, nil)
	return d.Member, err
}

// Owners returns the usernames owning project: the organization owners
// when organizations are enabled, the project users otherwise.
func (c *Checker) Owners(ctx context.Context, project *domain.Project) ([]string, error) {
	d, err := c.Decide(ctx, nil, project, nil)
	return d.Owners, err
}

// Members returns the usernames that may maintain project.
func (c *Checker) Members(ctx context.Context, project *domain.Project) ([]string, error) {
	d, err := c.Decide(ctx, nil, project, nil)
	return d.Members, err
}

// OrganizationMembers returns the owners and team members of org.
func (c *Checker) OrganizationMembers(ctx context.Context, org *domain.Organization) ([]string, error) {
	d, err := c.Decide(ctx, nil, nil, org)
	return d.Members, err
}

// CanView lets everybody read public versions of non private projects and
// restricts the rest to members.
func (c *Checker) CanView(ctx context.Context, user *domain.User, project *domain.Project, version *domain.Version) (bool, error) {
	span := trace.SpanFromContext(ctx)
	if project.PrivacyLevel != domain.PrivacyPrivate && (version == nil || version.IsPublic()) {
		return true, nil
	}
	if user == nil {
		telemetry.RecordPermissionDecision(span, "view", false, "anonymous")
		return false, nil
	}
	member, err := c.IsMember(ctx, user, project)
	if err != nil {
		return false, err
	}
	reason := "member"
	if !member {
		reason = "not a member"
	}
	telemetry.RecordPermissionDecision(span, "view", member, reason)
	return member, nil
}

func userInput(u *domain.User) map[string]any {
	if u == nil {
		return map[string]any{"username": "", "is_superuser": false}
	}
	return map[string]any{"username": u.Username, "is_superuser": u.IsSuperuser}
}

func orgInput(o *domain.Organization) map[string]any {
	teams := make([]any, 0, len(o.Teams))
	for _, t := range o.Teams {
		teams = append(teams, map[string]any{
			"slug":     t.Slug,
			"access":   t.Access,
			"members":  nonNil(t.Members),
			"projects": nonNil(t.Projects),
		})
	}
	return map[string]any{
		"slug":   o.Slug,
		"owners": nonNil(o.Owners),
		"teams":  teams,
	}
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

func stringList(v any) []string {
	items, _ := v.([]any)
	out := make([]string, 0, len(items))
	for _, item := range items {
		if s, ok := item.(string); ok {
			out = append(out, s)
		}
	}
	sort.Strings(out)
	return out
}
