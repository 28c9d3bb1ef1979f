package domain

import "time"

// HTMLFile is one built page of a version.
type HTMLFile struct {
	ID      int    `json:"id"`
	Project string `json:"project"`
	Version string `json:"version"`
	Path    string `json:"path"`
	Name    string `json:"name"`
	Commit  string `json:"commit,omitempty"`
	Build   int    `json:"build"`
}

// SearchQuery records a search performed on a project's docs.
type SearchQuery struct {
	Project      string    `json:"project"`
	Version      string    `json:"version"`
	Query        string    `json:"query"`
	TotalResults int       `json:"total_results"`
	Created      time.Time `json:"created"`
}

// PageView counts views of a page per day.
type PageView struct {
	Project string    `json:"project"`
	Version string    `json:"version"`
	Path    string    `json:"path"`
	Date    time.Time `json:"date"`
	Count   int       `json:"view_count"`
}

// PageSection is one titled section of an indexed page.
type PageSection struct {
	ID      string `json:"id"`
	Title   string `json:"title"`
	Content string `json:"content"`
}

// DomainObject is a documented API object found on a page.
type DomainObject struct {
	Signature  string `json:"signature"`
	Docstrings string `json:"docstrings"`
}

// PageDocument is the search index entry of a built page.
type PageDocument struct {
	Project    string                  `json:"project"`
	Version    string                  `json:"version"`
	Path       string                  `json:"path"`
	Title      string                  `json:"title"`
	Sections   []PageSection           `json:"sections"`
	DomainData map[string]DomainObject `json:"domain_data,omitempty"`
	Commit     string                  `json:"commit,omitempty"`
	Build      int                     `json:"build,omitempty"`
}
