package domain

import "time"

// BuildState is the lifecycle stage of a build.
type BuildState string

// Build states, in order.
const (
	BuildTriggered  BuildState = "triggered"
	BuildCloning    BuildState = "cloning"
	BuildInstalling BuildState = "installing"
	BuildBuilding   BuildState = "building"
	BuildUploading  BuildState = "uploading"
	BuildFinished   BuildState = "finished"
)

// Valid reports whether s is a known build state.
func (s BuildState) Valid() bool {
	switch s {
	case BuildTriggered, BuildCloning, BuildInstalling, BuildBuilding, BuildUploading, BuildFinished:
		return true
	}
	return false
}

// Build is one documentation build of a version.
type Build struct {
	ID          int            `json:"id"`
	Project     string         `json:"project"`
	Version     string         `json:"version"`
	Date        time.Time      `json:"date"`
	Length      int            `json:"length"`
	State       BuildState     `json:"state"`
	Success     bool           `json:"success"`
	Error       string         `json:"error"`
	Commit      string         `json:"commit"`
	Builder     string         `json:"builder"`
	ColdStorage bool           `json:"cold_storage"`
	Config      map[string]any `json:"config,omitempty"`
}

// Finished returns the completion time, or nil while the build has no
// recorded duration.
func (b *Build) Finished() *time.Time {
	if b.Date.IsZero() || b.Length == 0 {
		return nil
	}
	t := b.Date.Add(time.Duration(b.Length) * time.Second)
	return &t
}
