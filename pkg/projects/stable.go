package projects

import (
	"strings"

	"golang.org/x/mod/semver"

	"github.com/readthedocs/rtd/pkg/domain"
)

// comparableVersion returns the canonical semver form of a version name, or "" if
// the name is not a version number.
func comparableVersion(name string) string {
	v := strings.TrimSpace(name)
	if v == "" {
		return ""
	}
	if v[0] != 'v' && v[0] != 'V' {
		v = "v" + v
	} else {
		v = "v" + v[1:]
	}
	if !semver.IsValid(v) {
		return ""
	}
	return semver.Canonical(v)
}

// DetermineStableVersion returns the version with the highest
// non-prerelease version number, preferring tags over branches on ties.
// Reserved and external versions are ignored. It returns nil when no
// version name parses as a version number.
func DetermineStableVersion(versions []domain.Version) *domain.Version {
	var (
		best    *domain.Version
		bestKey string
	)
	for i := range versions {
		v := &versions[i]
		if v.Machine || domain.IsReservedSlug(v.Slug) || v.Type == domain.VersionExternal {
			continue
		}
		key := comparableVersion(v.VerboseName)
		if key == "" || semver.Prerelease(key) != "" {
			continue
		}
		switch cmp := semver.Compare(key, bestKey); {
		case best == nil, cmp > 0:
			best, bestKey = v, key
		case cmp == 0 && v.Type == domain.VersionTag && best.Type != domain.VersionTag:
			best = v
		}
	}
	return best
}
