package domain

import "time"

// Domain is a custom hostname that serves a project's documentation.
type Domain struct {
	ID                    int       `json:"id" yaml:"id"`
	Domain                string    `json:"domain" yaml:"domain"`
	Project               string    `json:"project" yaml:"project"`
	Canonical             bool      `json:"canonical" yaml:"canonical"`
	HTTPS                 bool      `json:"https" yaml:"https"`
	HSTSMaxAge            int       `json:"hsts_max_age" yaml:"hsts_max_age"`
	HSTSIncludeSubdomains bool      `json:"hsts_include_subdomains" yaml:"hsts_include_subdomains"`
	HSTSPreload           bool      `json:"hsts_preload" yaml:"hsts_preload"`
	Count                 int       `json:"count" yaml:"count"`
	Created               time.Time `json:"created" yaml:"created"`
}

// RedirectType selects how a user redirect rewrites a path.
type RedirectType string

// Redirect types.
const (
	RedirectPrefix        RedirectType = "prefix"
	RedirectPage          RedirectType = "page"
	RedirectExact         RedirectType = "exact"
	RedirectSphinxHTML    RedirectType = "sphinx_html"
	RedirectSphinxHTMLDir RedirectType = "sphinx_htmldir"
)

// Valid reports whether t is a known redirect type.
func (t RedirectType) Valid() bool {
	switch t {
	case RedirectPrefix, RedirectPage, RedirectExact, RedirectSphinxHTML, RedirectSphinxHTMLDir:
		return true
	}
	return false
}

// Redirect is a user-defined redirect of a project.
type Redirect struct {
	ID         int          `json:"id" yaml:"id"`
	Project    string       `json:"project" yaml:"project"`
	Type       RedirectType `json:"type" yaml:"type"`
	FromURL    string       `json:"from_url" yaml:"from_url"`
	ToURL      string       `json:"to_url" yaml:"to_url"`
	StatusCode int          `json:"status_code" yaml:"status_code"`
}
