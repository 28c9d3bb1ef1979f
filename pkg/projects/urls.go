package projects

import (
	"context"
	"fmt"
	"net/url"

	"github.com/readthedocs/rtd/pkg/domain"
	"github.com/readthedocs/rtd/pkg/storage"
)

// DocsURL returns the public URL of a version's documentation. Projects
// with a canonical custom domain use it; subprojects are served under
// their parent's host; everything else lives on <slug>.<public domain>.
// An empty version means the project's default version.
func (s *Service) DocsURL(ctx context.Context, project, version string) (string, error) {
	var out string
	err := s.store.View(ctx, func(tx *storage.Tx) error {
		p, err := tx.Project(project)
		if err != nil {
			return err
		}
		if version == "" {
			version = p.DefaultVersion
		}

		path := fmt.Sprintf("/%s/%s/", p.Language, version)
		main := p
		if p.MainLanguageProject != "" {
			if parent, err := tx.Project(p.MainLanguageProject); err == nil {
				main = parent
			}
		}
		host, scheme, err := s.hostFor(tx, main)
		if err != nil {
			return err
		}
		if parent, err := tx.SuperprojectOf(main.Slug); err != nil {
			return err
		} else if parent != nil {
			alias := main.Slug
			for _, sp := range parent.Subprojects {
				if sp.Child == main.Slug && sp.Alias != "" {
					alias = sp.Alias
				}
			}
			if host, scheme, err = s.hostFor(tx, parent); err != nil {
				return err
			}
			path = "/projects/" + alias + path
		}
		u := url.URL{Scheme: scheme, Host: host, Path: path}
		out = u.String()
		return nil
	})
	return out, err
}

func (s *Service) hostFor(tx *storage.Tx, p *domain.Project) (string, string, error) {
	canonical, err := tx.CanonicalDomain(p.Slug)
	if err != nil {
		return "", "", err
	}
	if canonical != nil {
		scheme := "http"
		if canonical.HTTPS {
			scheme = "https"
		}
		return canonical.Domain, scheme, nil
	}
	scheme := "http"
	if s.domains.PublicDomainUsesHTTPS {
		scheme = "https"
	}
	if s.domains.PublicDomain == "" {
		return s.domains.ProductionDomain, scheme, nil
	}
	return p.Slug + "." + s.domains.PublicDomain, scheme, nil
}
