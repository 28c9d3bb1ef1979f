package proxito

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"path"
	"strings"

	"go.opentelemetry.io/otel/trace"

	"github.com/readthedocs/rtd/pkg/domain"
	"github.com/readthedocs/rtd/pkg/mediastorage"
	"github.com/readthedocs/rtd/pkg/storage"
	"github.com/readthedocs/rtd/pkg/telemetry"
)

// AccelRedirectHeader tells the front proxy which internal location to serve.
const AccelRedirectHeader = "X-Accel-Redirect"

// Internal location prefix the front proxy maps onto media storage.
const accelPrefix = "/proxito/media/"

// Access decides whether user may read version of project. user is nil for
// anonymous requests.
type Access interface {
	CanView(ctx context.Context, user *domain.User, project *domain.Project, version *domain.Version) (bool, error)
}

// Authenticator identifies the user behind a request, or returns nil.
type Authenticator func(r *http.Request) *domain.User

// publicOnly lets anonymous readers see public versions of public projects.
type publicOnly struct{}

func (publicOnly) CanView(_ context.Context, _ *domain.User, project *domain.Project, version *domain.Version) (bool, error) {
	return project.PrivacyLevel != domain.PrivacyPrivate && version.IsPublic(), nil
}

// TokenAuthenticator resolves "Authorization: Token <key>" against store.
func TokenAuthenticator(store *storage.Store) Authenticator {
	return func(r *http.Request) *domain.User {
		token, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Token ")
		if !ok || token == "" {
			return nil
		}
		var user *domain.User
		_ = store.View(r.Context(), func(tx *storage.Tx) error {
			var err error
			user, err = tx.UserByToken(strings.TrimSpace(token))
			return err
		})
		return user
	}
}

// Handler serves documentation for the project found by the Middleware.
type Handler struct {
	store  *storage.Store
	media  mediastorage.Storage
	access Access
	auth   Authenticator
	logger *slog.Logger
}

// HandlerOption customises a Handler.
type HandlerOption func(*Handler)

// WithAccess sets the privacy check for non public versions.
func WithAccess(a Access) HandlerOption {
	return func(h *Handler) { h.access = a }
}

// WithAuthenticator sets how readers are identified.
func WithAuthenticator(a Authenticator) HandlerOption {
	return func(h *Handler) { h.auth = a }
}

// NewHandler creates the documentation serving handler.
func NewHandler(store *storage.Store, media mediastorage.Storage, logger *slog.Logger, opts ...HandlerOption) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	h := &Handler{
		store:  store,
		media:  media,
		access: publicOnly{},
		auth:   TokenAuthenticator(store),
		logger: logger,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	res, ok := FromContext(r.Context())
	if !ok {
		h.notFound(w)
		return
	}

	if target, err := h.canonicalURL(r, res); err != nil {
		h.internalError(w, r, err)
		return
	} else if target != "" {
		http.Redirect(w, r, target, http.StatusFound)
		return
	}

	project, err := h.project(r.Context(), res.ProjectSlug)
	if errors.Is(err, domain.ErrProjectNotFound) {
		h.notFound(w)
		return
	}
	if err != nil {
		h.internalError(w, r, err)
		return
	}

	p := r.URL.Path
	if p == "" {
		p = "/"
	}
	if rest, ok := strings.CutPrefix(p, "/projects/"); ok {
		h.serveSubproject(w, r, res, project, rest)
		return
	}
	h.serveProject(w, r, res, project, "", p)
}

// canonicalURL returns the URL the request must be redirected to, if any.
func (h *Handler) canonicalURL(r *http.Request, res *Resolution) (string, error) {
	switch res.Canonicalize {
	case CanonicalizeHTTPS:
		return "https://" + res.Host + r.URL.RequestURI(), nil
	case CanonicalizeCanonicalCNAME:
		var canonical *domain.Domain
		err := h.store.View(r.Context(), func(tx *storage.Tx) error {
			var err error
			canonical, err = tx.CanonicalDomain(res.ProjectSlug)
			return err
		})
		if err != nil || canonical == nil {
			return "", err
		}
		return "https://" + canonical.Domain + r.URL.RequestURI(), nil
	}
	return "", nil
}

func (h *Handler) serveSubproject(w http.ResponseWriter, r *http.Request, res *Resolution, parent *domain.Project, rest string) {
	alias, subpath, _ := strings.Cut(rest, "/")
	childSlug, ok := parent.SubprojectAlias(alias)
	if !ok {
		h.tryRedirects(w, r, res, parent, "", r.URL.Path, parent.Language, parent.DefaultVersion)
		return
	}
	child, err := h.project(r.Context(), childSlug)
	if errors.Is(err, domain.ErrProjectNotFound) {
		h.notFound(w)
		return
	}
	if err != nil {
		h.internalError(w, r, err)
		return
	}
	h.serveProject(w, r, res, child, "/projects/"+alias, "/"+subpath)
}

// serveProject handles p, a path relative to the project root. prefix is
// the URL path the project root is mounted on.
func (h *Handler) serveProject(w http.ResponseWriter, r *http.Request, res *Resolution, project *domain.Project, prefix, p string) {
	defaultVersion := project.DefaultVersion
	if res.ExternalVersion != "" {
		defaultVersion = res.ExternalVersion
	}
	docsRoot := prefix + "/" + project.Language + "/" + defaultVersion + "/"

	if p == "/" {
		h.redirect(w, r, res, docsRoot, http.StatusFound)
		return
	}
	if page, ok := strings.CutPrefix(p, "/page/"); ok {
		h.redirect(w, r, res, docsRoot+page, http.StatusFound)
		return
	}

	parts := strings.SplitN(strings.TrimPrefix(p, "/"), "/", 3)
	if len(parts) < 2 || parts[0] == "" || parts[1] == "" {
		h.tryRedirects(w, r, res, project, prefix, p, project.Language, defaultVersion)
		return
	}
	if len(parts) == 2 {
		h.redirect(w, r, res, prefix+p+"/", http.StatusFound)
		return
	}
	h.serveDocs(w, r, res, project, prefix, parts[0], parts[1], parts[2])
}

func (h *Handler) serveDocs(w http.ResponseWriter, r *http.Request, res *Resolution, project *domain.Project, prefix, lang, versionSlug, file string) {
	ctx := r.Context()
	if hasDotDot(lang) || hasDotDot(versionSlug) || hasDotDot(file) {
		h.notFound(w)
		return
	}
	fullPath := "/" + lang + "/" + versionSlug + "/" + file

	target, err := h.languageProject(ctx, project, lang)
	if errors.Is(err, domain.ErrProjectNotFound) {
		h.tryRedirects(w, r, res, project, prefix, fullPath, project.Language, project.DefaultVersion)
		return
	}
	if err != nil {
		h.internalError(w, r, err)
		return
	}

	version, err := h.version(ctx, target.Slug, versionSlug)
	if errors.Is(err, domain.ErrVersionNotFound) {
		h.tryRedirects(w, r, res, target, prefix, fullPath, lang, target.DefaultVersion)
		return
	}
	if err != nil {
		h.internalError(w, r, err)
		return
	}

	allowed, err := h.access.CanView(ctx, h.auth(r), target, version)
	if err != nil {
		h.internalError(w, r, err)
		return
	}
	if !allowed {
		h.logger.Debug("private version requested", "project_slug", target.Slug, "version_slug", version.Slug)
		h.notFound(w)
		return
	}

	if file == "" || strings.HasSuffix(file, "/") {
		file += "index.html"
	}
	storagePath := mediastorage.HTMLPath(target.Slug, version.Slug, file)
	if !strings.HasPrefix(storagePath, mediastorage.HTMLPath(target.Slug, version.Slug, "")+"/") {
		h.notFound(w)
		return
	}
	exists, err := h.media.Exists(ctx, storagePath)
	if err != nil {
		h.internalError(w, r, err)
		return
	}
	if !exists {
		if path.Ext(file) == "" {
			index := mediastorage.HTMLPath(target.Slug, version.Slug, file+"/index.html")
			if ok, err := h.media.Exists(ctx, index); err == nil && ok {
				h.redirect(w, r, res, prefix+fullPath+"/", http.StatusFound)
				return
			}
		}
		h.tryRedirects(w, r, res, target, prefix, fullPath, lang, version.Slug)
		return
	}

	telemetry.AnnotateProject(trace.SpanFromContext(ctx), target.Slug, version.Slug)
	w.Header().Set(AccelRedirectHeader, accelPrefix+storagePath)
	w.Header().Set("X-RTD-Version", version.Slug)
	// Let the front proxy pick the content type of the real file.
	w.Header()["Content-Type"] = nil
	w.WriteHeader(http.StatusOK)

	if strings.HasSuffix(file, ".html") {
		h.recordPageView(ctx, target.Slug, version.Slug, file)
	}
}

func (h *Handler) tryRedirects(w http.ResponseWriter, r *http.Request, res *Resolution, project *domain.Project, prefix, fullPath, lang, version string) {
	var redirects []domain.Redirect
	err := h.store.View(r.Context(), func(tx *storage.Tx) error {
		var err error
		redirects, err = tx.Redirects(project.Slug)
		return err
	})
	if err != nil {
		h.internalError(w, r, err)
		return
	}
	target, ok := matchRedirect(redirects, fullPath, lang, version)
	if !ok {
		h.notFound(w)
		return
	}
	h.logger.Debug("user redirect",
		"project_slug", project.Slug,
		"from", fullPath,
		"to", target.Location,
	)
	if isAbsoluteURL(target.Location) {
		http.Redirect(w, r, target.Location, target.Status)
		return
	}
	h.redirect(w, r, res, prefix+target.Location, target.Status)
}

// redirect sends the client to p on the requested host, keeping the query.
func (h *Handler) redirect(w http.ResponseWriter, r *http.Request, res *Resolution, p string, status int) {
	scheme := "http"
	if res.Secure {
		scheme = "https"
	}
	location := scheme + "://" + res.Host + p
	if r.URL.RawQuery != "" {
		location += "?" + r.URL.RawQuery
	}
	http.Redirect(w, r, location, status)
}

func (h *Handler) recordPageView(ctx context.Context, project, version, file string) {
	err := h.store.Update(ctx, func(tx *storage.Tx) error {
		return tx.IncrementPageView(project, version, file, tx.Now())
	})
	if err != nil {
		h.logger.Warn("failed to record page view", "project_slug", project, "path", file, "error", err)
	}
}

func (h *Handler) project(ctx context.Context, slug string) (*domain.Project, error) {
	var p *domain.Project
	err := h.store.View(ctx, func(tx *storage.Tx) error {
		var err error
		p, err = tx.Project(slug)
		return err
	})
	return p, err
}

func (h *Handler) version(ctx context.Context, project, slug string) (*domain.Version, error) {
	var v *domain.Version
	err := h.store.View(ctx, func(tx *storage.Tx) error {
		var err error
		v, err = tx.Version(project, slug)
		return err
	})
	return v, err
}

// languageProject returns the project that serves lang: the project itself,
// one of its translations, or its main language project.
func (h *Handler) languageProject(ctx context.Context, project *domain.Project, lang string) (*domain.Project, error) {
	if project.Language == lang {
		return project, nil
	}
	var found *domain.Project
	err := h.store.View(ctx, func(tx *storage.Tx) error {
		main := project
		if project.MainLanguageProject != "" {
			p, err := tx.Project(project.MainLanguageProject)
			if err != nil {
				return err
			}
			if p.Language == lang {
				found = p
				return nil
			}
			main = p
		}
		translations, err := tx.Translations(main.Slug)
		if err != nil {
			return err
		}
		for i := range translations {
			if translations[i].Language == lang {
				found = &translations[i]
				return nil
			}
		}
		return domain.NotFound(domain.ErrProjectNotFound, "translation", lang)
	})
	return found, err
}

func (h *Handler) notFound(w http.ResponseWriter) {
	writePage(w, http.StatusNotFound, "<h1>Not Found</h1>\n<p>The page you requested does not exist.</p>\n")
}

func (h *Handler) internalError(w http.ResponseWriter, r *http.Request, err error) {
	h.logger.Error("failed to serve documentation", "host", r.Host, "path", r.URL.Path, "error", err)
	http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
}

// hasDotDot reports whether a slash separated path has a ".." segment.
func hasDotDot(p string) bool {
	for _, seg := range strings.Split(p, "/") {
		if seg == ".." {
			return true
		}
	}
	return false
}
