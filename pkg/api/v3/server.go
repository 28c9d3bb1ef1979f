// Package v3 serves the public, token authenticated REST API under
// /api/v3/.
package v3

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/readthedocs/rtd/internal/governance"
	"github.com/readthedocs/rtd/pkg/api"
	"github.com/readthedocs/rtd/pkg/domain"
	"github.com/readthedocs/rtd/pkg/integrations"
	"github.com/readthedocs/rtd/pkg/logging"
	"github.com/readthedocs/rtd/pkg/permissions"
	"github.com/readthedocs/rtd/pkg/projects"
	"github.com/readthedocs/rtd/pkg/search"
	"github.com/readthedocs/rtd/pkg/storage"
)

// Prefix is where the API is mounted.
const Prefix = "/api/v3"

const (
	userKey       = "rtd.user"
	defaultLimit  = 10
	maxLimit      = 100
	tokenScheme   = "Token"
	authorization = "Authorization"
)

// Server holds the v3 handlers.
type Server struct {
	store    *storage.Store
	projects *projects.Service
	perms    *permissions.Checker
	limiter  *governance.RateLimiter
	search   *search.Indexer
	recorder *integrations.Recorder
	logger   *slog.Logger
}

// Option customises a Server.
type Option func(*Server)

// WithRateLimiter limits requests per API token.
func WithRateLimiter(rl *governance.RateLimiter) Option {
	return func(s *Server) { s.limiter = rl }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Server) { s.logger = l }
}

// NewServer creates the v3 API.
func NewServer(store *storage.Store, svc *projects.Service, perms *permissions.Checker, opts ...Option) *Server {
	s := &Server{store: store, projects: svc, perms: perms}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = logging.OrDefault(s.logger)
	return s
}

// Register mounts the routes on r.
func (s *Server) Register(r gin.IRouter) {
	g := r.Group(Prefix, s.authenticate, s.rateLimit)
	g.GET("/", s.root)

	g.GET("/projects/", s.listProjects)
	p := g.Group("/projects/:project", s.loadProject)
	p.GET("/", s.getProject)
	p.GET("/versions/", s.listVersions)
	p.GET("/versions/:version/", s.getVersion)
	p.PATCH("/versions/:version/", s.patchVersion)
	p.GET("/versions/:version/builds/", s.listBuilds)
	p.POST("/versions/:version/builds/", s.triggerBuild)
	p.GET("/versions/:version/builds/:build/", s.getBuild)
	p.GET("/builds/", s.listBuilds)
	p.GET("/builds/:build/", s.getBuild)
	p.GET("/users/", s.listUsers)
	p.GET("/automation-rules/", s.listRules)
	p.POST("/automation-rules/", s.appendRule)
	p.GET("/automation-rules/:rule/", s.getRule)
	p.DELETE("/automation-rules/:rule/", s.deleteRule)
	p.POST("/automation-rules/:rule/move/", s.moveRule)
	p.GET("/redirects/", s.listRedirects)
	s.registerInsights(g, p)
}

func (s *Server) authenticate(c *gin.Context) {
	scheme, token, ok := strings.Cut(c.GetHeader(authorization), " ")
	if !ok || scheme != tokenScheme || strings.TrimSpace(token) == "" {
		api.AbortWith(c, http.StatusUnauthorized, domain.CodeAuthnFailed, "Authentication credentials were not provided.")
		return
	}
	var user *domain.User
	err := s.store.View(c.Request.Context(), func(tx *storage.Tx) error {
		var err error
		user, err = tx.UserByToken(strings.TrimSpace(token))
		return err
	})
	if err != nil {
		if domain.IsNotFound(err) {
			api.AbortWith(c, http.StatusUnauthorized, domain.CodeAuthnFailed, "Invalid token.")
			return
		}
		api.Abort(c, err)
		return
	}
	c.Set(userKey, user)
	c.Next()
}

func (s *Server) rateLimit(c *gin.Context) {
	if s.limiter == nil {
		c.Next()
		return
	}
	key := currentUser(c).Username
	allowed := s.limiter.Allow(key)
	s.limiter.Headers(c.Writer, key)
	if !allowed {
		api.AbortWith(c, http.StatusTooManyRequests, domain.CodeRateLimited, "Request was throttled.")
		return
	}
	c.Next()
}

func currentUser(c *gin.Context) *domain.User {
	u, _ := c.Get(userKey)
	user, _ := u.(*domain.User)
	return user
}

func (s *Server) root(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"projects": Prefix + "/projects/"})
}

// page is the limit/offset envelope of list responses.
type page struct {
	Count    int     `json:"count"`
	Next     *string `json:"next"`
	Previous *string `json:"previous"`
	Results  any     `json:"results"`
}

// paginate slices items according to ?limit= and ?offset=.
func paginate[T any](c *gin.Context, items []T) page {
	limit := queryInt(c, "limit", defaultLimit)
	if limit <= 0 {
		limit = defaultLimit
	}
	if limit > maxLimit {
		limit = maxLimit
	}
	offset := queryInt(c, "offset", 0)
	if offset < 0 {
		offset = 0
	}

	total := len(items)
	start := min(offset, total)
	end := min(start+limit, total)
	out := page{Count: total, Results: nonNil(items[start:end])}
	if end < total {
		out.Next = pageLink(c.Request.URL, limit, end)
	}
	if start > 0 {
		out.Previous = pageLink(c.Request.URL, limit, max(start-limit, 0))
	}
	return out
}

func pageLink(u *url.URL, limit, offset int) *string {
	q := u.Query()
	q.Set("limit", strconv.Itoa(limit))
	q.Set("offset", strconv.Itoa(offset))
	link := url.URL{Path: u.Path, RawQuery: q.Encode()}
	s := link.String()
	return &s
}

func queryInt(c *gin.Context, name string, def int) int {
	v, err := strconv.Atoi(c.Query(name))
	if err != nil {
		return def
	}
	return v
}

func nonNil[T any](items []T) []T {
	if items == nil {
		return []T{}
	}
	return items
}

// expansion is the parsed ?expand= list. Nested fields are dotted, as in
// active_versions.last_build.
type expansion []string

func parseExpand(c *gin.Context) expansion {
	var out expansion
	for _, raw := range c.QueryArray("expand") {
		for _, f := range strings.Split(raw, ",") {
			if f = strings.TrimSpace(f); f != "" {
				out = append(out, f)
			}
		}
	}
	return out
}

func (e expansion) has(field string) bool {
	for _, f := range e {
		if f == field || strings.HasPrefix(f, field+".") {
			return true
		}
	}
	return false
}

func (e expansion) nested(field string) expansion {
	var out expansion
	for _, f := range e {
		if rest, ok := strings.CutPrefix(f, field+"."); ok {
			out = append(out, rest)
		}
	}
	return out
}

// loadProject resolves :project for the nested routes. Projects the user
// is not a member of are reported as missing.
func (s *Server) loadProject(c *gin.Context) {
	ctx := c.Request.Context()
	var p *domain.Project
	err := s.store.View(ctx, func(tx *storage.Tx) error {
		var err error
		p, err = tx.Project(c.Param("project"))
		return err
	})
	if err == nil {
		var member bool
		member, err = s.perms.IsMember(ctx, currentUser(c), p)
		if err == nil && !member {
			err = domain.NotFound(domain.ErrProjectNotFound, "project", c.Param("project"))
		}
	}
	if err != nil {
		api.Abort(c, err)
		return
	}
	c.Set(projectKey, p)
	c.Next()
}

const projectKey = "rtd.project"

func currentProject(c *gin.Context) *domain.Project {
	v, _ := c.Get(projectKey)
	p, _ := v.(*domain.Project)
	return p
}

// requireAdmin aborts with 403 unless the user administers the project.
func (s *Server) requireAdmin(c *gin.Context) bool {
	admin, err := s.perms.IsAdmin(c.Request.Context(), currentUser(c), currentProject(c))
	if err != nil {
		api.Abort(c, err)
		return false
	}
	if !admin {
		api.Abort(c, domain.ErrAuthorizationDenied)
		return false
	}
	return true
}

func pathID(c *gin.Context, name string, notFound error) (int, bool) {
	id, err := strconv.Atoi(c.Param(name))
	if err != nil || id <= 0 {
		api.Abort(c, domain.NotFound(notFound, name, c.Param(name)))
		return 0, false
	}
	return id, true
}

func (s *Server) docsURL(ctx context.Context, project, version string) string {
	u, err := s.projects.DocsURL(ctx, project, version)
	if err != nil && !errors.Is(err, context.Canceled) {
		s.logger.Warn("docs url not resolved", "project", project, "version", version, "error", err)
	}
	return u
}
