package automation

import (
	"fmt"
	"regexp"

	"github.com/readthedocs/rtd/pkg/domain"
	"github.com/readthedocs/rtd/pkg/storage"
)

// Run applies rule to v when v has the rule's version type and its name
// matches the rule's pattern. It reports whether the rule ran.
func Run(tx *storage.Tx, rule *domain.AutomationRule, v *domain.Version) (bool, Effect, error) {
	if v.Type != rule.VersionType {
		return false, Effect{}, nil
	}
	if !Match(MatchArg(rule), v.VerboseName) {
		return false, Effect{}, nil
	}
	act, ok := actions[rule.Action]
	if !ok {
		return false, Effect{}, fmt.Errorf("%w: unknown action %q", domain.ErrInvalidArgument, rule.Action)
	}
	effect, err := act(tx, rule, v)
	if err != nil {
		return false, Effect{}, err
	}
	return true, effect, nil
}

// Validate checks a rule before it is stored.
func Validate(rule *domain.AutomationRule) error {
	if !ValidAction(rule.Action) {
		return fmt.Errorf("%w: unknown action %q", domain.ErrInvalidArgument, rule.Action)
	}
	if rule.VersionType != domain.VersionBranch && rule.VersionType != domain.VersionTag {
		return fmt.Errorf("%w: version type must be %q or %q", domain.ErrInvalidArgument, domain.VersionBranch, domain.VersionTag)
	}
	switch rule.PredefinedMatchArg {
	case "":
		if rule.MatchArg == "" {
			return fmt.Errorf("%w: a match argument is required", domain.ErrInvalidArgument)
		}
		if _, err := regexp.Compile(rule.MatchArg); err != nil {
			return fmt.Errorf("%w: invalid regular expression: %v", domain.ErrInvalidArgument, err)
		}
	case domain.PredefinedAllVersions, domain.PredefinedSemverVersions:
	default:
		return fmt.Errorf("%w: unknown predefined match argument %q", domain.ErrInvalidArgument, rule.PredefinedMatchArg)
	}
	return nil
}
