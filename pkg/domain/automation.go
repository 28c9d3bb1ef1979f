package domain

import "time"

// Automation rule actions.
const (
	ActionActivateVersion    = "activate-version"
	ActionHideVersion        = "hide-version"
	ActionMakeVersionPublic  = "make-version-public"
	ActionMakeVersionPrivate = "make-version-private"
	ActionSetDefaultVersion  = "set-default-version"
	ActionDeleteVersion      = "delete-version"
)

// Predefined match arguments.
const (
	PredefinedAllVersions    = "all-versions"
	PredefinedSemverVersions = "semver-versions"
)

// AutomationRule runs an action on versions whose name matches MatchArg.
//
// Rules of a project form a priority sequence starting at zero; the rule
// with the lowest priority is evaluated first.
type AutomationRule struct {
	ID                 int         `json:"id" yaml:"id"`
	Project            string      `json:"project" yaml:"project"`
	Priority           int         `json:"priority" yaml:"priority"`
	Description        string      `json:"description" yaml:"description"`
	MatchArg           string      `json:"match_arg" yaml:"match_arg"`
	PredefinedMatchArg string      `json:"predefined_match_arg,omitempty" yaml:"predefined_match_arg"`
	Action             string      `json:"action" yaml:"action"`
	ActionArg          string      `json:"action_arg,omitempty" yaml:"action_arg"`
	VersionType        VersionType `json:"version_type" yaml:"version_type"`
	Created            time.Time   `json:"created" yaml:"created"`
	Modified           time.Time   `json:"modified" yaml:"modified"`
}
