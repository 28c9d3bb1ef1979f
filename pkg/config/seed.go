package config

import (
	"encoding/json"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/readthedocs/rtd/pkg/domain"
)

// Seed is the bootstrap file: records written to the store at startup and
// whenever the file changes.
type Seed struct {
	Users         []domain.User         `json:"users" yaml:"users"`
	Organizations []domain.Organization `json:"organizations" yaml:"organizations"`
	Projects      []ProjectSeed         `json:"projects" yaml:"projects"`
}

// ProjectSeed is a project together with the records scoped to it.
type ProjectSeed struct {
	domain.Project `yaml:",inline"`

	// Branches and tags are synced as if reported by the repository.
	Branches []SeedRef `json:"branches" yaml:"branches"`
	Tags     []SeedRef `json:"tags" yaml:"tags"`
	// Versions override flags of synced versions or add external ones.
	Versions        []domain.Version        `json:"versions" yaml:"versions"`
	Domains         []domain.Domain         `json:"domains" yaml:"domains"`
	Redirects       []domain.Redirect       `json:"redirects" yaml:"redirects"`
	AutomationRules []domain.AutomationRule `json:"automation_rules" yaml:"automation_rules"`
	Integrations    []domain.Integration    `json:"integrations" yaml:"integrations"`
}

// SeedRef is a VCS branch or tag.
type SeedRef struct {
	Identifier  string `json:"identifier" yaml:"identifier" validate:"required"`
	VerboseName string `json:"verbose_name" yaml:"verbose_name" validate:"required"`
}

// ParseSeed decodes a seed document, YAML first and JSON as a fallback.
func ParseSeed(data []byte) (*Seed, error) {
	var seed Seed
	if err := yaml.Unmarshal(data, &seed); err != nil {
		if jsonErr := json.Unmarshal(data, &seed); jsonErr != nil {
			return nil, fmt.Errorf("failed to parse seed file: %w", err)
		}
	}
	if err := seed.Validate(); err != nil {
		return nil, err
	}
	return &seed, nil
}

// LoadSeed reads and parses a seed file.
func LoadSeed(path string) (*Seed, error) {
	// #nosec G304 -- seed path is configured by the operator
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read seed file %s: %w", path, err)
	}
	return ParseSeed(data)
}

// Validate checks references inside the seed.
func (s *Seed) Validate() error {
	users := map[string]bool{}
	for _, u := range s.Users {
		if u.Username == "" {
			return NewConfigMissingError("users[].username")
		}
		users[u.Username] = true
	}
	orgs := map[string]bool{}
	for _, o := range s.Organizations {
		if o.Slug == "" {
			return NewConfigMissingError("organizations[].slug")
		}
		orgs[o.Slug] = true
	}
	slugs := map[string]bool{}
	for _, p := range s.Projects {
		if p.Slug == "" {
			return NewConfigMissingError("projects[].slug")
		}
		if slugs[p.Slug] {
			return NewConfigValidationError("projects[].slug", p.Slug, "duplicated project")
		}
		slugs[p.Slug] = true
		if p.Organization != "" && !orgs[p.Organization] {
			return NewConfigValidationError("projects[].organization", p.Organization, "unknown organization")
		}
		for _, refs := range [][]SeedRef{p.Branches, p.Tags} {
			for _, ref := range refs {
				if err := validate.Struct(ref); err != nil {
					return NewConfigValidationError("projects[].branches", p.Slug, err.Error())
				}
			}
		}
	}
	return nil
}
