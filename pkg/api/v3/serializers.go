package v3

import (
	"context"
	"strconv"
	"time"

	"github.com/readthedocs/rtd/pkg/domain"
	"github.com/readthedocs/rtd/pkg/projects"
	"github.com/readthedocs/rtd/pkg/storage"
)

type codeName struct {
	Code string `json:"code"`
	Name string `json:"name"`
}

type userJSON struct {
	Username   string     `json:"username"`
	DateJoined time.Time  `json:"date_joined"`
	LastLogin  *time.Time `json:"last_login"`
	FirstName  string     `json:"first_name"`
	LastName   string     `json:"last_name"`
}

func serializeUser(u domain.User) userJSON {
	return userJSON{
		Username:   u.Username,
		DateJoined: u.DateJoined,
		LastLogin:  u.LastLogin,
		FirstName:  u.FirstName,
		LastName:   u.LastName,
	}
}

type buildJSON struct {
	ID          int               `json:"id"`
	Version     string            `json:"version"`
	Project     string            `json:"project"`
	Created     time.Time         `json:"created"`
	Finished    *time.Time        `json:"finished"`
	Duration    int               `json:"duration"`
	State       domain.BuildState `json:"state"`
	Success     bool              `json:"success"`
	Error       string            `json:"error"`
	Commit      string            `json:"commit"`
	Builder     string            `json:"builder"`
	ColdStorage bool              `json:"cold_storage"`
	Config      map[string]any    `json:"config,omitempty"`
	Links       buildLinks        `json:"links"`
}

type buildLinks struct {
	Self    string `json:"_self"`
	Version string `json:"version"`
	Project string `json:"project"`
}

func serializeBuild(b domain.Build, expand expansion) buildJSON {
	out := buildJSON{
		ID:          b.ID,
		Version:     b.Version,
		Project:     b.Project,
		Created:     b.Date,
		Finished:    b.Finished(),
		Duration:    b.Length,
		State:       b.State,
		Success:     b.Success,
		Error:       b.Error,
		Commit:      b.Commit,
		Builder:     b.Builder,
		ColdStorage: b.ColdStorage,
		Links: buildLinks{
			Self:    projectLink(b.Project) + "builds/" + strconv.Itoa(b.ID) + "/",
			Version: projectLink(b.Project) + "versions/" + b.Version + "/",
			Project: projectLink(b.Project),
		},
	}
	if expand.has("config") {
		out.Config = b.Config
		if out.Config == nil {
			out.Config = map[string]any{}
		}
	}
	return out
}

type versionURLs struct {
	Documentation string  `json:"documentation"`
	VCS           *string `json:"vcs"`
}

type versionJSON struct {
	ID           int                `json:"id"`
	Slug         string             `json:"slug"`
	VerboseName  string             `json:"verbose_name"`
	Identifier   string             `json:"identifier"`
	Ref          *string            `json:"ref"`
	Built        bool               `json:"built"`
	Active       bool               `json:"active"`
	Hidden       bool               `json:"hidden"`
	Uploaded     bool               `json:"uploaded"`
	PrivacyLevel codeName           `json:"privacy_level"`
	Type         domain.VersionType `json:"type"`
	Downloads    map[string]string  `json:"downloads"`
	URLs         versionURLs        `json:"urls"`
	Links        versionLinks       `json:"links"`
	LastBuild    *buildJSON         `json:"last_build,omitempty"`
}

type versionLinks struct {
	Self    string `json:"_self"`
	Builds  string `json:"builds"`
	Project string `json:"project"`
}

// versionData is what serializing a version needs from the store.
type versionData struct {
	version   domain.Version
	project   *domain.Project
	stableRef *string
	lastBuild *domain.Build
}

// loadVersionData gathers stable refs and last builds inside tx.
func loadVersionData(tx *storage.Tx, p *domain.Project, versions []domain.Version, expand expansion) ([]versionData, error) {
	var stableRef *string
	all, err := tx.Versions(p.Slug)
	if err != nil {
		return nil, err
	}
	if stable := projects.DetermineStableVersion(all); stable != nil {
		stableRef = &stable.Slug
	}

	out := make([]versionData, 0, len(versions))
	for _, v := range versions {
		d := versionData{version: v, project: p}
		if v.Slug == domain.StableSlug && v.Machine {
			d.stableRef = stableRef
		}
		if expand.has("last_build") {
			if d.lastBuild, err = tx.LastBuild(p.Slug, v.Slug); err != nil {
				return nil, err
			}
		}
		out = append(out, d)
	}
	return out, nil
}

func (s *Server) serializeVersion(ctx context.Context, d versionData, expand expansion) versionJSON {
	v, p := d.version, d.project
	out := versionJSON{
		ID:           v.ID,
		Slug:         v.Slug,
		VerboseName:  v.VerboseName,
		Identifier:   v.Identifier,
		Ref:          d.stableRef,
		Built:        v.Built,
		Active:       v.Active,
		Hidden:       v.Hidden,
		Uploaded:     v.Uploaded,
		PrivacyLevel: codeName{Code: string(v.PrivacyLevel), Name: v.PrivacyLevel.Title()},
		Type:         v.Type,
		Downloads:    map[string]string{},
		URLs:         versionURLs{Documentation: s.docsURL(ctx, p.Slug, v.Slug)},
		Links: versionLinks{
			Self:    projectLink(p.Slug) + "versions/" + v.Slug + "/",
			Builds:  projectLink(p.Slug) + "versions/" + v.Slug + "/builds/",
			Project: projectLink(p.Slug),
		},
	}
	if p.RepoType == domain.RepoGit && p.Repo != "" {
		vcs := p.Repo + "/tree/" + v.Slug
		out.URLs.VCS = &vcs
	}
	if d.lastBuild != nil {
		b := serializeBuild(*d.lastBuild, expand.nested("last_build"))
		out.LastBuild = &b
	}
	return out
}

type repositoryJSON struct {
	URL  string `json:"url"`
	Type string `json:"type"`
}

type projectURLs struct {
	Documentation string  `json:"documentation"`
	Project       *string `json:"project"`
}

type projectLinks struct {
	Self     string `json:"_self"`
	Versions string `json:"versions"`
	Builds   string `json:"builds"`
	Users    string `json:"users"`
}

type projectJSON struct {
	Name                string         `json:"name"`
	Slug                string         `json:"slug"`
	Description         *string        `json:"description"`
	Created             time.Time      `json:"created"`
	Modified            time.Time      `json:"modified"`
	Language            codeName       `json:"language"`
	ProgrammingLanguage codeName       `json:"programming_language"`
	Repository          repositoryJSON `json:"repository"`
	DefaultVersion      string         `json:"default_version"`
	DefaultBranch       string         `json:"default_branch"`
	PrivacyLevel        codeName       `json:"privacy_level"`
	SubprojectOf        *string        `json:"subproject_of"`
	TranslationOf       *string        `json:"translation_of"`
	URLs                projectURLs    `json:"urls"`
	Tags                []string       `json:"tags"`
	Links               projectLinks   `json:"links"`
	Users               []userJSON     `json:"users,omitempty"`
	ActiveVersions      []versionJSON  `json:"active_versions,omitempty"`
}

// projectData is what serializing a project needs from the store.
type projectData struct {
	project        domain.Project
	superproject   string
	users          []domain.User
	activeVersions []versionData
}

func loadProjectData(tx *storage.Tx, p domain.Project, expand expansion) (projectData, error) {
	d := projectData{project: p}
	parent, err := tx.SuperprojectOf(p.Slug)
	if err != nil {
		return d, err
	}
	if parent != nil {
		d.superproject = parent.Slug
	}
	if expand.has("users") {
		if d.users, err = tx.ProjectUsers(&p); err != nil {
			return d, err
		}
	}
	if expand.has("active_versions") {
		all, err := tx.Versions(p.Slug)
		if err != nil {
			return d, err
		}
		var active []domain.Version
		for _, v := range all {
			if v.Active {
				active = append(active, v)
			}
		}
		if d.activeVersions, err = loadVersionData(tx, &p, active, expand.nested("active_versions")); err != nil {
			return d, err
		}
	}
	return d, nil
}

func (s *Server) serializeProject(ctx context.Context, d projectData, expand expansion) projectJSON {
	p := d.project
	out := projectJSON{
		Name:                p.Name,
		Slug:                p.Slug,
		Description:         optional(p.Description),
		Created:             p.Created,
		Modified:            p.Modified,
		Language:            codeName{Code: p.Language, Name: domain.LanguageName(p.Language)},
		ProgrammingLanguage: codeName{Code: p.ProgrammingLanguage, Name: domain.ProgrammingLanguageName(p.ProgrammingLanguage)},
		Repository:          repositoryJSON{URL: p.Repo, Type: p.RepoType},
		DefaultVersion:      p.DefaultVersion,
		DefaultBranch:       projects.DefaultBranch(&p),
		PrivacyLevel:        codeName{Code: string(p.PrivacyLevel), Name: p.PrivacyLevel.Title()},
		SubprojectOf:        optional(d.superproject),
		TranslationOf:       optional(p.MainLanguageProject),
		URLs: projectURLs{
			Documentation: s.docsURL(ctx, p.Slug, ""),
			Project:       optional(p.ProjectURL),
		},
		Tags: nonNil(p.Tags),
		Links: projectLinks{
			Self:     projectLink(p.Slug),
			Versions: projectLink(p.Slug) + "versions/",
			Builds:   projectLink(p.Slug) + "builds/",
			Users:    projectLink(p.Slug) + "users/",
		},
	}
	if expand.has("users") {
		out.Users = make([]userJSON, 0, len(d.users))
		for _, u := range d.users {
			out.Users = append(out.Users, serializeUser(u))
		}
	}
	if expand.has("active_versions") {
		out.ActiveVersions = make([]versionJSON, 0, len(d.activeVersions))
		for _, v := range d.activeVersions {
			out.ActiveVersions = append(out.ActiveVersions, s.serializeVersion(ctx, v, expand.nested("active_versions")))
		}
	}
	return out
}

type ruleJSON struct {
	domain.AutomationRule
	Links ruleLinks `json:"links"`
}

type ruleLinks struct {
	Self    string `json:"_self"`
	Project string `json:"project"`
}

func serializeRule(r domain.AutomationRule) ruleJSON {
	return ruleJSON{
		AutomationRule: r,
		Links: ruleLinks{
			Self:    projectLink(r.Project) + "automation-rules/" + strconv.Itoa(r.ID) + "/",
			Project: projectLink(r.Project),
		},
	}
}

func projectLink(slug string) string {
	return Prefix + "/projects/" + slug + "/"
}

func optional(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
