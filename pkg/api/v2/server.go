// Package v2 serves the internal API used by builders and the incoming VCS
// webhooks under /api/v2/.
package v2

import (
	"log/slog"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/readthedocs/rtd/pkg/api"
	"github.com/readthedocs/rtd/pkg/domain"
	"github.com/readthedocs/rtd/pkg/integrations"
	"github.com/readthedocs/rtd/pkg/logging"
	"github.com/readthedocs/rtd/pkg/projects"
	"github.com/readthedocs/rtd/pkg/storage"
)

// Prefix is where the API is mounted.
const Prefix = "/api/v2"

// Server holds the v2 handlers.
type Server struct {
	store    *storage.Store
	projects *projects.Service
	recorder *integrations.Recorder
	accounts gin.Accounts
	logger   *slog.Logger
}

// Option customises a Server.
type Option func(*Server)

// WithCredentials requires HTTP basic auth with the given account on every
// endpoint but the webhooks.
func WithCredentials(username, password string) Option {
	return func(s *Server) {
		if username != "" && password != "" {
			s.accounts = gin.Accounts{username: password}
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Server) { s.logger = l }
}

// NewServer creates the v2 API.
func NewServer(store *storage.Store, svc *projects.Service, recorder *integrations.Recorder, opts ...Option) *Server {
	s := &Server{store: store, projects: svc, recorder: recorder}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = logging.OrDefault(s.logger)
	return s
}

// Register mounts the routes on r.
func (s *Server) Register(r gin.IRouter) {
	g := r.Group(Prefix)

	internal := g.Group("")
	if len(s.accounts) > 0 {
		internal.Use(gin.BasicAuth(s.accounts))
	}
	internal.GET("/project/:project/", s.getProject)
	internal.GET("/project/:project/version/:version/", s.getVersion)
	internal.POST("/project/:project/sync_versions/", s.syncVersions)
	internal.GET("/build/:id/", s.getBuild)
	internal.PATCH("/build/:id/", s.patchBuild)

	g.POST("/webhook/:project/:integration/", s.webhook)
}

func (s *Server) getProject(c *gin.Context) {
	var p *domain.Project
	err := s.store.View(c.Request.Context(), func(tx *storage.Tx) error {
		var err error
		p, err = tx.Project(c.Param("project"))
		return err
	})
	if err != nil {
		api.Abort(c, err)
		return
	}
	c.JSON(http.StatusOK, p)
}

func (s *Server) getVersion(c *gin.Context) {
	var v *domain.Version
	err := s.store.View(c.Request.Context(), func(tx *storage.Tx) error {
		var err error
		v, err = tx.Version(c.Param("project"), c.Param("version"))
		return err
	})
	if err != nil {
		api.Abort(c, err)
		return
	}
	c.JSON(http.StatusOK, v)
}

type syncVersionsRequest struct {
	Branches []projects.Ref `json:"branches" validate:"dive"`
	Tags     []projects.Ref `json:"tags" validate:"dive"`
}

func (s *Server) syncVersions(c *gin.Context) {
	var req syncVersionsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		api.AbortWith(c, http.StatusBadRequest, domain.CodeInvalidRequest, err.Error())
		return
	}
	res, err := s.projects.SyncVersions(c.Request.Context(), c.Param("project"), req.Branches, req.Tags)
	if err != nil {
		api.Abort(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

func buildID(c *gin.Context) (int, bool) {
	id, err := strconv.Atoi(c.Param("id"))
	if err != nil || id <= 0 {
		api.AbortWith(c, http.StatusNotFound, domain.CodeNotFound, "build not found")
		return 0, false
	}
	return id, true
}

func (s *Server) getBuild(c *gin.Context) {
	id, ok := buildID(c)
	if !ok {
		return
	}
	var b *domain.Build
	err := s.store.View(c.Request.Context(), func(tx *storage.Tx) error {
		var err error
		b, err = tx.Build(id)
		return err
	})
	if err != nil {
		api.Abort(c, err)
		return
	}
	c.JSON(http.StatusOK, b)
}

type buildPatch struct {
	State   *domain.BuildState `json:"state"`
	Success *bool              `json:"success"`
	Error   *string            `json:"error"`
	Length  *int               `json:"length" validate:"omitempty,gte=0"`
	Commit  *string            `json:"commit"`
	Builder *string            `json:"builder"`
}

func (p buildPatch) apply(b *domain.Build) error {
	if p.State != nil {
		b.State = *p.State
	}
	if p.Success != nil {
		b.Success = *p.Success
	}
	if p.Error != nil {
		b.Error = *p.Error
	}
	if p.Length != nil {
		b.Length = *p.Length
	}
	if p.Commit != nil {
		b.Commit = *p.Commit
	}
	if p.Builder != nil {
		b.Builder = *p.Builder
	}
	return nil
}

func (s *Server) patchBuild(c *gin.Context) {
	id, ok := buildID(c)
	if !ok {
		return
	}
	var patch buildPatch
	if err := c.ShouldBindJSON(&patch); err != nil {
		api.AbortWith(c, http.StatusBadRequest, domain.CodeInvalidRequest, err.Error())
		return
	}
	b, err := s.projects.UpdateBuild(c.Request.Context(), id, patch.apply)
	if err != nil {
		api.Abort(c, err)
		return
	}
	c.JSON(http.StatusOK, b)
}
