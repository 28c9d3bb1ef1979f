package projects

import (
	"context"
	"fmt"
	"regexp"
	"sort"
	"strings"

	"github.com/readthedocs/rtd/pkg/automation"
	"github.com/readthedocs/rtd/pkg/domain"
	"github.com/readthedocs/rtd/pkg/storage"
)

// Ref is a branch or tag reported by the VCS.
type Ref struct {
	Identifier  string `json:"identifier" validate:"required"`
	VerboseName string `json:"verbose_name" validate:"required"`
}

// SyncResult describes what SyncVersions changed.
type SyncResult struct {
	Added   []string            `json:"added_versions"`
	Deleted []string            `json:"deleted_versions"`
	Stable  string              `json:"stable,omitempty"`
	Rules   []automation.Result `json:"automation_rules,omitempty"`
}

var (
	slugInvalid = regexp.MustCompile(`[^a-z0-9._-]+`)
	slugRepeat  = regexp.MustCompile(`-{2,}`)
)

// VersionSlug turns a VCS name into a URL safe version slug.
func VersionSlug(name string) string {
	s := strings.ToLower(strings.TrimSpace(name))
	s = slugInvalid.ReplaceAllString(s, "-")
	s = slugRepeat.ReplaceAllString(s, "-")
	s = strings.TrimLeft(s, "-._")
	s = strings.TrimRight(s, "-")
	if s == "" {
		return "unknown"
	}
	return s
}

// CheckDuplicateReservedVersions fails when latest or stable is both a
// branch and a tag, because both would claim the same slug.
func CheckDuplicateReservedVersions(branches, tags []Ref) error {
	for _, reserved := range []string{domain.LatestSlug, domain.StableSlug} {
		if hasName(branches, reserved) && hasName(tags, reserved) {
			return &domain.DomainError{
				Err:     domain.ErrDuplicatedReservedVersions,
				Code:    domain.CodeDuplicatedLatest,
				Message: domain.ErrDuplicatedReservedVersions.Error(),
				Details: map[string]any{"version": reserved},
			}
		}
	}
	return nil
}

func hasName(refs []Ref, name string) bool {
	for _, r := range refs {
		if r.VerboseName == name {
			return true
		}
	}
	return false
}

// SyncVersions reconciles the project's versions with the branches and
// tags found in its repository. New versions start inactive, vanished ones
// are deleted unless active, uploaded or reserved, the machine stable
// version follows the highest release and automation rules run on the
// added versions.
func (s *Service) SyncVersions(ctx context.Context, slug string, branches, tags []Ref) (*SyncResult, error) {
	if err := CheckDuplicateReservedVersions(branches, tags); err != nil {
		return nil, err
	}

	result := &SyncResult{}
	var builds []string
	err := s.store.Update(ctx, func(tx *storage.Tx) error {
		project, err := tx.Project(slug)
		if err != nil {
			return err
		}
		existing, err := tx.Versions(project.Slug)
		if err != nil {
			return err
		}
		bySlug := make(map[string]domain.Version, len(existing))
		for _, v := range existing {
			bySlug[v.Slug] = v
		}

		seen := map[string]bool{}
		upsert := func(ref Ref, typ domain.VersionType) error {
			vslug := VersionSlug(ref.VerboseName)
			seen[vslug] = true
			if v, ok := bySlug[vslug]; ok {
				changed := v.Identifier != ref.Identifier || v.Type != typ
				if v.Machine && domain.IsReservedSlug(vslug) {
					// A real branch or tag takes over the reserved name.
					v.Machine = false
					changed = true
				}
				if !changed {
					return nil
				}
				v.Identifier = ref.Identifier
				v.Type = typ
				bySlug[vslug] = v
				return tx.PutVersion(&v)
			}
			v := domain.Version{
				Project:     project.Slug,
				Slug:        vslug,
				VerboseName: ref.VerboseName,
				Identifier:  ref.Identifier,
				Type:        typ,
			}
			if err := tx.PutVersion(&v); err != nil {
				return err
			}
			bySlug[vslug] = v
			result.Added = append(result.Added, vslug)
			return nil
		}
		for _, ref := range branches {
			if err := upsert(ref, domain.VersionBranch); err != nil {
				return err
			}
		}
		for _, ref := range tags {
			if err := upsert(ref, domain.VersionTag); err != nil {
				return err
			}
		}

		for vslug, v := range bySlug {
			if seen[vslug] || v.Machine || v.Active || v.Uploaded ||
				domain.IsReservedSlug(vslug) || v.Type == domain.VersionExternal {
				continue
			}
			if err := tx.DeleteVersion(project.Slug, vslug); err != nil {
				return err
			}
			delete(bySlug, vslug)
			result.Deleted = append(result.Deleted, vslug)
		}

		if _, ok := bySlug[domain.LatestSlug]; !ok {
			latest := latestVersion(project)
			if err := tx.PutVersion(&latest); err != nil {
				return err
			}
			bySlug[latest.Slug] = latest
		}

		stable, build, err := updateStable(tx, project.Slug, bySlug)
		if err != nil {
			return err
		}
		result.Stable = stable
		if build {
			builds = append(builds, domain.StableSlug)
		}

		sort.Strings(result.Added)
		sort.Strings(result.Deleted)
		rules, ruleBuilds, err := automation.RunRulesTx(ctx, tx, project.Slug, result.Added)
		if err != nil {
			return err
		}
		result.Rules = rules
		builds = append(builds, ruleBuilds...)
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.rules.TriggerBuilds(ctx, slug, builds)
	s.logger.Info("versions synced",
		"project_slug", slug,
		"added", len(result.Added),
		"deleted", len(result.Deleted),
		"stable", result.Stable)
	return result, nil
}

// DefaultBranch returns the branch latest follows: the configured default
// branch or the repository type's conventional one.
func DefaultBranch(p *domain.Project) string {
	if p.DefaultBranch != "" {
		return p.DefaultBranch
	}
	return defaultBranch(p.RepoType)
}

func latestVersion(p *domain.Project) domain.Version {
	return domain.Version{
		Project:     p.Slug,
		Slug:        domain.LatestSlug,
		VerboseName: domain.LatestSlug,
		Identifier:  DefaultBranch(p),
		Type:        domain.VersionBranch,
		Active:      true,
		Machine:     true,
	}
}

func defaultBranch(repoType string) string {
	switch repoType {
	case domain.RepoMercurial:
		return "default"
	case domain.RepoSVN:
		return "trunk"
	default:
		return "master"
	}
}

// updateStable points the machine stable version at the highest release.
// A user defined stable branch or tag is left alone. It reports whether the
// stable version changed and should be rebuilt.
func updateStable(tx *storage.Tx, project string, bySlug map[string]domain.Version) (string, bool, error) {
	current, exists := bySlug[domain.StableSlug]
	if exists && !current.Machine {
		return current.Identifier, false, nil
	}

	candidates := make([]domain.Version, 0, len(bySlug))
	for _, v := range bySlug {
		candidates = append(candidates, v)
	}
	sort.Slice(candidates, func(i, j int) bool { return candidates[i].Slug < candidates[j].Slug })
	best := DetermineStableVersion(candidates)
	if best == nil {
		if exists {
			return current.Identifier, false, nil
		}
		return "", false, nil
	}

	if exists && current.Identifier == best.Identifier && current.Type == best.Type {
		return best.VerboseName, false, nil
	}
	stable := current
	if !exists {
		stable = domain.Version{
			Project:     project,
			Slug:        domain.StableSlug,
			VerboseName: domain.StableSlug,
			Active:      true,
			Machine:     true,
		}
	}
	stable.Identifier = best.Identifier
	stable.Type = best.Type
	if err := tx.PutVersion(&stable); err != nil {
		return "", false, fmt.Errorf("update stable version: %w", err)
	}
	return best.VerboseName, stable.Active, nil
}

// Versions lists a project's versions. Only active ones are returned when
// activeOnly is set.
func (s *Service) Versions(ctx context.Context, project string, activeOnly bool) ([]domain.Version, error) {
	var out []domain.Version
	err := s.store.View(ctx, func(tx *storage.Tx) error {
		if _, err := tx.Project(project); err != nil {
			return err
		}
		all, err := tx.Versions(project)
		if err != nil {
			return err
		}
		for _, v := range all {
			if activeOnly && !v.Active {
				continue
			}
			out = append(out, v)
		}
		return nil
	})
	return out, err
}
