// Package automation implements version automation rules: regular
// expressions matched against VCS version names that trigger an action
// (activate, hide, make default, ...) on the versions they match.
package automation

import (
	"log/slog"
	"regexp"
	"sync"

	"github.com/readthedocs/rtd/pkg/domain"
)

// Predefined match arguments.
const (
	allVersionsRegex    = `.*`
	semverVersionsRegex = `^v?(\d+\.)(\d+\.)(\d+)(-.+)?$`
)

// maxCompiledPatterns bounds the pattern cache; it is emptied when full.
const maxCompiledPatterns = 512

// patternCache maps a pattern to its compiled form, nil for invalid ones.
type patternCache struct {
	mu       sync.Mutex
	patterns map[string]*regexp.Regexp
}

var compiled = &patternCache{patterns: map[string]*regexp.Regexp{}}

func (c *patternCache) get(pattern string) (*regexp.Regexp, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	re, ok := c.patterns[pattern]
	return re, ok
}

func (c *patternCache) put(pattern string, re *regexp.Regexp) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.patterns) >= maxCompiledPatterns {
		clear(c.patterns)
	}
	c.patterns[pattern] = re
}

func (c *patternCache) size() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.patterns)
}

// Match reports whether pattern matches anywhere in name. Invalid patterns
// never match.
func Match(pattern, name string) bool {
	if re, ok := compiled.get(pattern); ok {
		return re != nil && re.MatchString(name)
	}

	re, err := regexp.Compile(pattern)
	if err != nil {
		slog.Warn("invalid automation rule pattern", "pattern", pattern, "error", err)
		compiled.put(pattern, nil)
		return false
	}
	compiled.put(pattern, re)
	return re.MatchString(name)
}

// MatchArg returns the effective pattern of a rule; a predefined match
// argument takes precedence over the custom one.
func MatchArg(rule *domain.AutomationRule) string {
	switch rule.PredefinedMatchArg {
	case domain.PredefinedAllVersions:
		return allVersionsRegex
	case domain.PredefinedSemverVersions:
		return semverVersionsRegex
	}
	return rule.MatchArg
}
