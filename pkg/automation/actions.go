package automation

import (
	"fmt"

	"github.com/readthedocs/rtd/pkg/domain"
	"github.com/readthedocs/rtd/pkg/storage"
)

// Effect is follow-up work requested by an action, carried out after the
// transaction that applied the action commits.
type Effect struct {
	Build bool
}

type action func(tx *storage.Tx, rule *domain.AutomationRule, v *domain.Version) (Effect, error)

var actions = map[string]action{
	domain.ActionActivateVersion:    activateVersion,
	domain.ActionHideVersion:        hideVersion,
	domain.ActionMakeVersionPublic:  makeVersionPublic,
	domain.ActionMakeVersionPrivate: makeVersionPrivate,
	domain.ActionSetDefaultVersion:  setDefaultVersion,
	domain.ActionDeleteVersion:      deleteVersion,
}

// ValidAction reports whether name is a known action.
func ValidAction(name string) bool {
	_, ok := actions[name]
	return ok
}

// Actions lists the known action names.
func Actions() []string {
	return []string{
		domain.ActionActivateVersion,
		domain.ActionHideVersion,
		domain.ActionMakeVersionPublic,
		domain.ActionMakeVersionPrivate,
		domain.ActionSetDefaultVersion,
		domain.ActionDeleteVersion,
	}
}

func activateVersion(tx *storage.Tx, _ *domain.AutomationRule, v *domain.Version) (Effect, error) {
	v.Active = true
	if err := tx.PutVersion(v); err != nil {
		return Effect{}, err
	}
	return Effect{Build: true}, nil
}

func hideVersion(tx *storage.Tx, _ *domain.AutomationRule, v *domain.Version) (Effect, error) {
	v.Hidden = true
	return Effect{}, tx.PutVersion(v)
}

func makeVersionPublic(tx *storage.Tx, _ *domain.AutomationRule, v *domain.Version) (Effect, error) {
	v.PrivacyLevel = domain.PrivacyPublic
	return Effect{}, tx.PutVersion(v)
}

func makeVersionPrivate(tx *storage.Tx, _ *domain.AutomationRule, v *domain.Version) (Effect, error) {
	v.PrivacyLevel = domain.PrivacyPrivate
	return Effect{}, tx.PutVersion(v)
}

func setDefaultVersion(tx *storage.Tx, _ *domain.AutomationRule, v *domain.Version) (Effect, error) {
	project, err := tx.Project(v.Project)
	if err != nil {
		return Effect{}, err
	}
	project.DefaultVersion = v.Slug
	return Effect{}, tx.PutProject(project)
}

// deleteVersion removes the version unless it is reserved or the project's
// default version.
func deleteVersion(tx *storage.Tx, _ *domain.AutomationRule, v *domain.Version) (Effect, error) {
	if domain.IsReservedSlug(v.Slug) || v.Machine {
		return Effect{}, nil
	}
	project, err := tx.Project(v.Project)
	if err != nil {
		return Effect{}, err
	}
	if project.DefaultVersion == v.Slug {
		return Effect{}, nil
	}
	if err := tx.DeleteVersion(v.Project, v.Slug); err != nil {
		return Effect{}, fmt.Errorf("delete version %s: %w", v.Slug, err)
	}
	return Effect{}, nil
}
