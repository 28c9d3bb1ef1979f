package domain

// VersionType is the kind of VCS reference a version was created from.
type VersionType string

// Version types.
const (
	VersionBranch   VersionType = "branch"
	VersionTag      VersionType = "tag"
	VersionExternal VersionType = "external"
	VersionUnknown  VersionType = "unknown"
)

// Valid reports whether t is a known version type.
func (t VersionType) Valid() bool {
	switch t {
	case VersionBranch, VersionTag, VersionExternal, VersionUnknown:
		return true
	}
	return false
}

// Reserved version slugs.
const (
	LatestSlug = "latest"
	StableSlug = "stable"
)

// IsReservedSlug reports whether slug is managed by the platform itself.
func IsReservedSlug(slug string) bool {
	return slug == LatestSlug || slug == StableSlug
}

// Version is a buildable VCS reference of a project.
type Version struct {
	ID           int          `json:"id" yaml:"id"`
	Project      string       `json:"project" yaml:"project"`
	Slug         string       `json:"slug" yaml:"slug"`
	VerboseName  string       `json:"verbose_name" yaml:"verbose_name"`
	Identifier   string       `json:"identifier" yaml:"identifier"`
	Type         VersionType  `json:"type" yaml:"type"`
	Active       bool         `json:"active" yaml:"active"`
	Hidden       bool         `json:"hidden" yaml:"hidden"`
	Built        bool         `json:"built" yaml:"built"`
	Uploaded     bool         `json:"uploaded" yaml:"uploaded"`
	PrivacyLevel PrivacyLevel `json:"privacy_level" yaml:"privacy_level"`
	// Machine is set on versions the platform created itself (latest, stable).
	Machine bool `json:"machine" yaml:"machine"`
}

// Normalize fills defaults and folds the retired protected privacy level
// into the hidden flag.
func (v *Version) Normalize() {
	if v.Type == "" {
		v.Type = VersionUnknown
	}
	if v.VerboseName == "" {
		v.VerboseName = v.Slug
	}
	if v.PrivacyLevel == "" {
		v.PrivacyLevel = PrivacyPublic
	}
	if v.PrivacyLevel == PrivacyProtected {
		v.Hidden = true
	}
}

// IsPublic reports whether anonymous readers may see the version.
func (v *Version) IsPublic() bool {
	return v.PrivacyLevel != PrivacyPrivate
}
