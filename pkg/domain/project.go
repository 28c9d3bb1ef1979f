package domain

import (
	"strings"
	"time"
)

// PrivacyLevel controls who can see a project or version.
type PrivacyLevel string

// Privacy levels.
const (
	PrivacyPublic    PrivacyLevel = "public"
	PrivacyPrivate   PrivacyLevel = "private"
	PrivacyProtected PrivacyLevel = "protected"
)

// Title returns the display name of the privacy level.
func (p PrivacyLevel) Title() string {
	if p == "" {
		return ""
	}
	return strings.ToUpper(string(p[:1])) + string(p[1:])
}

// Repository types.
const (
	RepoGit       = "git"
	RepoMercurial = "hg"
	RepoSVN       = "svn"
	RepoBazaar    = "bzr"
)

// Documentation types.
const (
	DocTypeMkDocs     = "mkdocs"
	DocTypeMkDocsJSON = "mkdocs_json"
	DocTypeSphinx     = "sphinx"
)

// Project is a documentation project.
type Project struct {
	Slug                string       `json:"slug" yaml:"slug"`
	Name                string       `json:"name" yaml:"name"`
	Description         string       `json:"description" yaml:"description"`
	Language            string       `json:"language" yaml:"language"`
	ProgrammingLanguage string       `json:"programming_language" yaml:"programming_language"`
	Repo                string       `json:"repo" yaml:"repo"`
	RepoType            string       `json:"repo_type" yaml:"repo_type"`
	DefaultVersion      string       `json:"default_version" yaml:"default_version"`
	DefaultBranch       string       `json:"default_branch" yaml:"default_branch"`
	PrivacyLevel        PrivacyLevel `json:"privacy_level" yaml:"privacy_level"`
	DocumentationType   string       `json:"documentation_type" yaml:"documentation_type"`
	Users               []string     `json:"users" yaml:"users"`
	Organization        string       `json:"organization,omitempty" yaml:"organization"`
	AnalyticsCode       string       `json:"analytics_code,omitempty" yaml:"analytics_code"`
	ProjectURL          string       `json:"project_url,omitempty" yaml:"project_url"`
	Tags                []string     `json:"tags" yaml:"tags"`
	MainLanguageProject string       `json:"main_language_project,omitempty" yaml:"main_language_project"`
	Subprojects         []Subproject `json:"subprojects,omitempty" yaml:"subprojects"`
	HasValidWebhook     bool         `json:"has_valid_webhook" yaml:"has_valid_webhook"`
	Created             time.Time    `json:"created" yaml:"created"`
	Modified            time.Time    `json:"modified" yaml:"modified"`
}

// Subproject relates a child project to its parent under an alias.
type Subproject struct {
	Child string `json:"child" yaml:"child"`
	Alias string `json:"alias" yaml:"alias"`
}

// ApplyDefaults fills unset fields with the values a new project gets.
func (p *Project) ApplyDefaults() {
	p.Slug = strings.ToLower(p.Slug)
	if p.Name == "" {
		p.Name = p.Slug
	}
	if p.Language == "" {
		p.Language = "en"
	}
	if p.ProgrammingLanguage == "" {
		p.ProgrammingLanguage = "words"
	}
	if p.RepoType == "" {
		p.RepoType = RepoGit
	}
	if p.DefaultVersion == "" {
		p.DefaultVersion = LatestSlug
	}
	if p.PrivacyLevel == "" {
		p.PrivacyLevel = PrivacyPublic
	}
	if p.DocumentationType == "" {
		p.DocumentationType = DocTypeMkDocs
	}
}

// HasUser reports whether username maintains the project.
func (p *Project) HasUser(username string) bool {
	for _, u := range p.Users {
		if u == username {
			return true
		}
	}
	return false
}

// SubprojectAlias returns the child slug registered under alias.
func (p *Project) SubprojectAlias(alias string) (string, bool) {
	for _, sp := range p.Subprojects {
		if sp.Alias == alias || sp.Child == alias {
			return sp.Child, true
		}
	}
	return "", false
}

var languageNames = map[string]string{
	"ar":    "Arabic",
	"ca":    "Catalan",
	"cs":    "Czech",
	"da":    "Danish",
	"de":    "German",
	"el":    "Greek",
	"en":    "English",
	"es":    "Spanish",
	"fa":    "Persian",
	"fi":    "Finnish",
	"fr":    "French",
	"he":    "Hebrew",
	"hu":    "Hungarian",
	"id":    "Indonesian",
	"it":    "Italian",
	"ja":    "Japanese",
	"ko":    "Korean",
	"nl":    "Dutch",
	"no":    "Norwegian",
	"pl":    "Polish",
	"pt":    "Portuguese",
	"pt_BR": "Brazilian Portuguese",
	"ru":    "Russian",
	"sv":    "Swedish",
	"tr":    "Turkish",
	"uk":    "Ukrainian",
	"vi":    "Vietnamese",
	"zh_CN": "Simplified Chinese",
	"zh_TW": "Traditional Chinese",
}

var programmingLanguageNames = map[string]string{
	"words":   "Only Words",
	"py":      "Python",
	"js":      "JavaScript",
	"php":     "PHP",
	"ruby":    "Ruby",
	"perl":    "Perl",
	"java":    "Java",
	"go":      "Go",
	"julia":   "Julia",
	"c":       "C",
	"csharp":  "C#",
	"cpp":     "C++",
	"objc":    "Objective-C",
	"css":     "CSS",
	"ts":      "TypeScript",
	"swift":   "Swift",
	"vb":      "Visual Basic",
	"r":       "R",
	"scala":   "Scala",
	"groovy":  "Groovy",
	"coffee":  "CoffeeScript",
	"lua":     "Lua",
	"haskell": "Haskell",
	"other":   "Other",
}

// LanguageName returns the display name of a language code, or "Unknown".
func LanguageName(code string) string {
	if name, ok := languageNames[code]; ok {
		return name
	}
	return "Unknown"
}

// ProgrammingLanguageName returns the display name of a programming
// language code, or "Unknown".
func ProgrammingLanguageName(code string) string {
	if name, ok := programmingLanguageNames[code]; ok {
		return name
	}
	return "Unknown"
}
