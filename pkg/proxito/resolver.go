package proxito

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"slices"
	"strings"

	"github.com/readthedocs/rtd/pkg/config"
	"github.com/readthedocs/rtd/pkg/domain"
	"github.com/readthedocs/rtd/pkg/storage"
)

// SlugHeader overrides host based resolution when it names a project.
const SlugHeader = "X-RTD-Slug"

// Canonicalization requested by the resolver.
const (
	CanonicalizeHTTPS          = "https"
	CanonicalizeCanonicalCNAME = "canonical-cname"
)

// Resolution kinds, as reported in metrics.
const (
	KindSubdomain = "subdomain"
	KindCNAME     = "cname"
	KindRTDHeader = "rtdheader"
	KindExternal  = "external"
	KindNone      = "none"
)

// Config holds the hostnames the resolver recognises.
type Config struct {
	PublicDomain          string
	PublicDomainUsesHTTPS bool
	ExternalVersionDomain string
	// UseXForwardedHost trusts X-Forwarded-Host and X-Forwarded-Proto.
	UseXForwardedHost bool
}

// ConfigFrom extracts the resolver settings from the domains section.
func ConfigFrom(cfg config.DomainsConfig) Config {
	return Config{
		PublicDomain:          cfg.PublicDomain,
		PublicDomainUsesHTTPS: cfg.PublicDomainUsesHTTPS,
		ExternalVersionDomain: cfg.ExternalVersionDomain,
		UseXForwardedHost:     cfg.UseXForwardedHost,
	}
}

// Resolution is what the middleware learned about the request's project.
type Resolution struct {
	Host        string
	ProjectSlug string
	Secure      bool

	Subdomain bool
	CNAME     bool
	RTDHeader bool
	// ExternalVersion is set for pull request builds served from the
	// external version domain as <project>--<version>.<domain>.
	ExternalVersion string

	// Domain is the matched custom domain for cname resolutions.
	Domain       *domain.Domain
	Canonicalize string
}

// Kind names how the project was found.
func (r *Resolution) Kind() string {
	switch {
	case r.Subdomain:
		return KindSubdomain
	case r.CNAME:
		return KindCNAME
	case r.RTDHeader:
		return KindRTDHeader
	case r.ExternalVersion != "":
		return KindExternal
	default:
		return KindNone
	}
}

// HostError is a resolution failure rendered as an error page.
type HostError struct {
	Status int
	Host   string
}

func (e *HostError) Error() string {
	if e.Status == http.StatusBadRequest {
		return fmt.Sprintf("unsupported variation of the public domain: %s", e.Host)
	}
	return fmt.Sprintf("no project is served on %s", e.Host)
}

// Resolver maps hosts to projects.
type Resolver struct {
	store *storage.Store
	cfg   Config
}

// NewResolver creates a resolver backed by store.
func NewResolver(store *storage.Store, cfg Config) *Resolver {
	cfg.PublicDomain = stripPort(strings.ToLower(cfg.PublicDomain))
	cfg.ExternalVersionDomain = stripPort(strings.ToLower(cfg.ExternalVersionDomain))
	return &Resolver{store: store, cfg: cfg}
}

// Host returns the lowercased request host without its port.
func (rv *Resolver) Host(r *http.Request) string {
	host := r.Host
	if rv.cfg.UseXForwardedHost {
		if fwd := r.Header.Get("X-Forwarded-Host"); fwd != "" {
			host = strings.TrimSpace(strings.Split(fwd, ",")[0])
		}
	}
	return stripPort(strings.ToLower(host))
}

// Secure reports whether the client reached us over TLS.
func (rv *Resolver) Secure(r *http.Request) bool {
	if r.TLS != nil {
		return true
	}
	return rv.cfg.UseXForwardedHost && strings.EqualFold(r.Header.Get("X-Forwarded-Proto"), "https")
}

func stripPort(host string) string {
	return strings.Split(host, ":")[0]
}

// Resolve finds the project for r. The returned error is a *HostError for
// hosts that cannot be served.
func (rv *Resolver) Resolve(ctx context.Context, r *http.Request) (*Resolution, error) {
	res := &Resolution{Host: rv.Host(r), Secure: rv.Secure(r)}
	hostParts := strings.Split(res.Host, ".")

	if public := rv.cfg.PublicDomain; public != "" && strings.Contains(res.Host, public) {
		if slices.Equal(hostParts[1:], strings.Split(public, ".")) {
			res.Subdomain = true
			res.ProjectSlug = hostParts[0]
			canonical, err := rv.canonicalDomain(ctx, res.ProjectSlug)
			if err != nil {
				return nil, err
			}
			if canonical != nil && canonical.HTTPS {
				res.Canonicalize = CanonicalizeCanonicalCNAME
			}
			return res, nil
		}
		return nil, &HostError{Status: http.StatusBadRequest, Host: res.Host}
	}

	if external := rv.cfg.ExternalVersionDomain; external != "" && strings.Contains(res.Host, external) {
		if slices.Equal(hostParts[1:], strings.Split(external, ".")) {
			project, version, ok := strings.Cut(hostParts[0], "--")
			if ok && project != "" && version != "" {
				res.ProjectSlug = project
				res.ExternalVersion = version
				return res, nil
			}
		}
		return nil, &HostError{Status: http.StatusBadRequest, Host: res.Host}
	}

	var d *domain.Domain
	err := rv.store.View(ctx, func(tx *storage.Tx) error {
		var err error
		d, err = tx.Domain(res.Host)
		return err
	})
	switch {
	case err == nil:
		res.CNAME = true
		res.ProjectSlug = d.Project
		res.Domain = d
		if d.HTTPS && !res.Secure {
			res.Canonicalize = CanonicalizeHTTPS
		}
		return res, nil
	case !errors.Is(err, domain.ErrDomainNotFound):
		return nil, err
	}

	if slug := strings.ToLower(r.Header.Get(SlugHeader)); slug != "" {
		err := rv.store.View(ctx, func(tx *storage.Tx) error {
			_, err := tx.Project(slug)
			return err
		})
		switch {
		case err == nil:
			res.RTDHeader = true
			res.ProjectSlug = slug
			return res, nil
		case !errors.Is(err, domain.ErrProjectNotFound):
			return nil, err
		}
	}

	return nil, &HostError{Status: http.StatusNotFound, Host: res.Host}
}

func (rv *Resolver) canonicalDomain(ctx context.Context, project string) (*domain.Domain, error) {
	var d *domain.Domain
	err := rv.store.View(ctx, func(tx *storage.Tx) error {
		var err error
		d, err = tx.CanonicalDomain(project)
		return err
	})
	return d, err
}
