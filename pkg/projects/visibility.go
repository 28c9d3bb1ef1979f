package projects

import (
	"context"
	"time"

	"github.com/readthedocs/rtd/pkg/domain"
	"github.com/readthedocs/rtd/pkg/storage"
)

// ProjectSummary is a project listed on a user's profile.
type ProjectSummary struct {
	domain.Project
	LatestBuildDate *time.Time `json:"latest_build_date"`
	GoodBuild       bool       `json:"good_build"`
}

// VisibleProjects returns the projects maintained by username that viewer
// may see: public ones, or all of them when viewer maintains the project
// or is a superuser. viewer may be nil for anonymous requests.
func (s *Service) VisibleProjects(ctx context.Context, username string, viewer *domain.User) ([]ProjectSummary, error) {
	var out []ProjectSummary
	err := s.store.View(ctx, func(tx *storage.Tx) error {
		if _, err := tx.User(username); err != nil {
			return err
		}
		projects, err := tx.UserProjects(username)
		if err != nil {
			return err
		}
		for _, p := range projects {
			if !visibleTo(&p, viewer) {
				continue
			}
			summary := ProjectSummary{Project: p}
			builds, err := tx.Builds(p.Slug, "")
			if err != nil {
				return err
			}
			if len(builds) > 0 {
				date := builds[0].Date
				summary.LatestBuildDate = &date
			}
			for _, b := range builds {
				if b.Success {
					summary.GoodBuild = true
					break
				}
			}
			out = append(out, summary)
		}
		return nil
	})
	return out, err
}

func visibleTo(p *domain.Project, viewer *domain.User) bool {
	if p.PrivacyLevel == domain.PrivacyPublic {
		return true
	}
	if viewer == nil {
		return false
	}
	return viewer.IsSuperuser || p.HasUser(viewer.Username)
}
