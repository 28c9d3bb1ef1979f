package automation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/readthedocs/rtd/pkg/domain"
	"github.com/readthedocs/rtd/pkg/logging"
	"github.com/readthedocs/rtd/pkg/storage"
	"github.com/readthedocs/rtd/pkg/telemetry"
)

// BuildTrigger queues a build of a project version.
type BuildTrigger interface {
	TriggerBuild(ctx context.Context, project, version string) (*domain.Build, error)
}

// Result records a rule that ran on a version.
type Result struct {
	Version string `json:"version"`
	Rule    int    `json:"rule"`
	Action  string `json:"action"`
}

// Manager maintains the priority order of a project's rules and runs them.
type Manager struct {
	store   *storage.Store
	trigger BuildTrigger
	logger  *slog.Logger
}

// NewManager creates a Manager. trigger may be nil when no action needs
// to queue builds.
func NewManager(store *storage.Store, trigger BuildTrigger, logger *slog.Logger) *Manager {
	return &Manager{store: store, trigger: trigger, logger: logging.OrDefault(logger)}
}

// List returns a project's rules in evaluation order.
func (m *Manager) List(ctx context.Context, project string) ([]domain.AutomationRule, error) {
	var rules []domain.AutomationRule
	err := m.store.View(ctx, func(tx *storage.Tx) error {
		var err error
		rules, err = tx.Rules(project)
		return err
	})
	return rules, err
}

// Get loads a single rule.
func (m *Manager) Get(ctx context.Context, project string, id int) (*domain.AutomationRule, error) {
	var rule *domain.AutomationRule
	err := m.store.View(ctx, func(tx *storage.Tx) error {
		var err error
		rule, err = tx.Rule(project, id)
		return err
	})
	return rule, err
}

// Append stores rule after the project's last rule: its priority becomes
// one more than the highest existing priority, or zero for the first rule.
func (m *Manager) Append(ctx context.Context, rule *domain.AutomationRule) error {
	if err := Validate(rule); err != nil {
		return err
	}
	return m.store.Update(ctx, func(tx *storage.Tx) error {
		return AppendTx(tx, rule)
	})
}

// AppendTx is Append inside an existing transaction.
func AppendTx(tx *storage.Tx, rule *domain.AutomationRule) error {
	if _, err := tx.Project(rule.Project); err != nil {
		return err
	}
	rules, err := tx.Rules(rule.Project)
	if err != nil {
		return err
	}
	priority := 0
	for _, r := range rules {
		if r.Priority >= priority {
			priority = r.Priority + 1
		}
	}
	rule.ID = 0
	rule.Priority = priority
	return tx.PutRule(rule)
}

// Move relocates a rule by steps positions. Positions wrap around the
// rule list, so moving the last rule one step down makes it the first.
// Afterwards priorities are the contiguous sequence 0..n-1.
func (m *Manager) Move(ctx context.Context, project string, id, steps int) (*domain.AutomationRule, error) {
	var moved *domain.AutomationRule
	err := m.store.Update(ctx, func(tx *storage.Tx) error {
		var err error
		moved, err = moveTx(tx, project, id, steps)
		return err
	})
	if err != nil {
		return nil, err
	}
	m.logger.Info("automation rule moved", "project_slug", project, "rule_id", id, "steps", steps, "priority", moved.Priority)
	return moved, nil
}

func moveTx(tx *storage.Tx, project string, id, steps int) (*domain.AutomationRule, error) {
	rules, err := tx.Rules(project)
	if err != nil {
		return nil, err
	}
	from := indexOf(rules, id)
	if from < 0 {
		return nil, domain.NotFound(domain.ErrRuleNotFound, "automation rule", fmt.Sprint(id))
	}

	total := len(rules)
	to := ((from+steps)%total + total) % total

	rule := rules[from]
	ordered := make([]domain.AutomationRule, 0, total)
	ordered = append(ordered, rules[:from]...)
	ordered = append(ordered, rules[from+1:]...)
	ordered = append(ordered[:to], append([]domain.AutomationRule{rule}, ordered[to:]...)...)

	if err := renumber(tx, ordered, id); err != nil {
		return nil, err
	}
	return &ordered[to], nil
}

// Delete removes a rule; the rules after it move up one position.
func (m *Manager) Delete(ctx context.Context, project string, id int) error {
	return m.store.Update(ctx, func(tx *storage.Tx) error {
		rules, err := tx.Rules(project)
		if err != nil {
			return err
		}
		idx := indexOf(rules, id)
		if idx < 0 {
			return domain.NotFound(domain.ErrRuleNotFound, "automation rule", fmt.Sprint(id))
		}
		if err := tx.DeleteRule(project, id); err != nil {
			return err
		}
		remaining := append(rules[:idx:idx], rules[idx+1:]...)
		return renumber(tx, remaining, 0)
	})
}

// renumber writes rules whose priority differs from their position. The
// rule with ID touch is always written.
func renumber(tx *storage.Tx, ordered []domain.AutomationRule, touch int) error {
	for i := range ordered {
		if ordered[i].Priority == i && ordered[i].ID != touch {
			continue
		}
		ordered[i].Priority = i
		if err := tx.PutRule(&ordered[i]); err != nil {
			return err
		}
	}
	return nil
}

func indexOf(rules []domain.AutomationRule, id int) int {
	for i := range rules {
		if rules[i].ID == id {
			return i
		}
	}
	return -1
}

// RunRules evaluates the project's rules against each named version and
// queues the builds the applied actions requested.
func (m *Manager) RunRules(ctx context.Context, project string, versions []string) ([]Result, error) {
	var (
		results []Result
		builds  []string
	)
	err := m.store.Update(ctx, func(tx *storage.Tx) error {
		var err error
		results, builds, err = RunRulesTx(ctx, tx, project, versions)
		return err
	})
	if err != nil {
		return nil, err
	}
	m.TriggerBuilds(ctx, project, builds)
	return results, nil
}

// TriggerBuilds queues builds requested by actions. Failures are logged;
// the actions themselves have already been committed.
func (m *Manager) TriggerBuilds(ctx context.Context, project string, versions []string) {
	if m.trigger == nil {
		return
	}
	for _, version := range versions {
		if _, err := m.trigger.TriggerBuild(ctx, project, version); err != nil {
			m.logger.Error("failed to trigger build from automation rule",
				"project_slug", project, "version_slug", version, "error", err)
		}
	}
}

// RunRulesTx is RunRules inside an existing transaction. For every version
// only the first rule that runs is applied. It returns the versions whose
// actions requested a build.
func RunRulesTx(ctx context.Context, tx *storage.Tx, project string, versions []string) ([]Result, []string, error) {
	rules, err := tx.Rules(project)
	if err != nil {
		return nil, nil, err
	}
	if len(rules) == 0 {
		return nil, nil, nil
	}

	var (
		results []Result
		builds  []string
	)
	for _, slug := range versions {
		version, err := tx.Version(project, slug)
		if errors.Is(err, domain.ErrVersionNotFound) {
			continue
		}
		if err != nil {
			return nil, nil, err
		}
		for i := range rules {
			ran, effect, err := Run(tx, &rules[i], version)
			if err != nil {
				return nil, nil, fmt.Errorf("rule %d on version %s: %w", rules[i].ID, slug, err)
			}
			if !ran {
				continue
			}
			telemetry.RecordRuleMatch(ctx, project, rules[i].Action)
			results = append(results, Result{Version: slug, Rule: rules[i].ID, Action: rules[i].Action})
			if effect.Build {
				builds = append(builds, slug)
			}
			break
		}
	}
	return results, builds, nil
}
