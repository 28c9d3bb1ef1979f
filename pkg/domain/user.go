package domain

import "time"

// User is an account on the platform.
type User struct {
	Username       string          `json:"username" yaml:"username"`
	Email          string          `json:"email,omitempty" yaml:"email"`
	FirstName      string          `json:"first_name" yaml:"first_name"`
	LastName       string          `json:"last_name" yaml:"last_name"`
	IsSuperuser    bool            `json:"is_superuser,omitempty" yaml:"is_superuser"`
	Token          string          `json:"token,omitempty" yaml:"token"`
	Password       string          `json:"password,omitempty" yaml:"password"`
	DateJoined     time.Time       `json:"date_joined" yaml:"date_joined"`
	LastLogin      *time.Time      `json:"last_login,omitempty" yaml:"last_login"`
	SocialAccounts []SocialAccount `json:"social_accounts,omitempty" yaml:"social_accounts"`
}

// SocialAccount links a user to a VCS provider account.
type SocialAccount struct {
	ID       int    `json:"id" yaml:"id"`
	Provider string `json:"provider" yaml:"provider"`
	UID      string `json:"uid" yaml:"uid"`
	Token    string `json:"token,omitempty" yaml:"token"`
}

// Organization groups projects and users.
type Organization struct {
	Slug     string   `json:"slug" yaml:"slug"`
	Name     string   `json:"name" yaml:"name"`
	Owners   []string `json:"owners" yaml:"owners"`
	Teams    []Team   `json:"teams" yaml:"teams"`
	Projects []string `json:"projects" yaml:"projects"`
	// SSOProvider is set when members authenticate through a VCS provider
	// and their remote repositories are synced as a group.
	SSOProvider string `json:"sso_provider,omitempty" yaml:"sso_provider"`
}

// Team access levels.
const (
	TeamAccessAdmin    = "admin"
	TeamAccessReadonly = "readonly"
)

// Team is a set of organization members with a shared access level.
type Team struct {
	Slug     string   `json:"slug" yaml:"slug"`
	Access   string   `json:"access" yaml:"access"`
	Members  []string `json:"members" yaml:"members"`
	Projects []string `json:"projects" yaml:"projects"`
}

// RemoteRepository is a repository discovered on a VCS provider.
type RemoteRepository struct {
	ID          int       `json:"id"`
	RemoteID    string    `json:"remote_id"`
	FullName    string    `json:"full_name"`
	CloneURL    string    `json:"clone_url"`
	HTMLURL     string    `json:"html_url"`
	VCSProvider string    `json:"vcs_provider"`
	Private     bool      `json:"private"`
	Created     time.Time `json:"created"`
	Modified    time.Time `json:"modified"`
}

// RemoteRepositoryRelation links a user and the account it was fetched
// with to a remote repository.
type RemoteRepositoryRelation struct {
	ID               int            `json:"id"`
	User             string         `json:"user"`
	RemoteRepository int            `json:"remote_repository"`
	Account          int            `json:"account"`
	Admin            bool           `json:"admin"`
	JSON             map[string]any `json:"json,omitempty"`
	Created          time.Time      `json:"created"`
	Modified         time.Time      `json:"modified"`
}
