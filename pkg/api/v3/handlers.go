package v3

import (
	"context"
	"fmt"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/readthedocs/rtd/pkg/api"
	"github.com/readthedocs/rtd/pkg/domain"
	"github.com/readthedocs/rtd/pkg/storage"
)

func (s *Server) listProjects(c *gin.Context) {
	ctx := c.Request.Context()
	user := currentUser(c)
	expand := parseExpand(c)

	var data []projectData
	err := s.store.View(ctx, func(tx *storage.Tx) error {
		var (
			list []domain.Project
			err  error
		)
		if user.IsSuperuser {
			list, err = tx.Projects()
		} else {
			list, err = tx.UserProjects(user.Username)
		}
		if err != nil {
			return err
		}
		for _, p := range list {
			d, err := loadProjectData(tx, p, expand)
			if err != nil {
				return err
			}
			data = append(data, d)
		}
		return nil
	})
	if err != nil {
		api.Abort(c, err)
		return
	}
	out := make([]projectJSON, 0, len(data))
	for _, d := range data {
		out = append(out, s.serializeProject(ctx, d, expand))
	}
	c.JSON(http.StatusOK, paginate(c, out))
}

func (s *Server) getProject(c *gin.Context) {
	ctx := c.Request.Context()
	expand := parseExpand(c)
	var d projectData
	err := s.store.View(ctx, func(tx *storage.Tx) error {
		var err error
		d, err = loadProjectData(tx, *currentProject(c), expand)
		return err
	})
	if err != nil {
		api.Abort(c, err)
		return
	}
	c.JSON(http.StatusOK, s.serializeProject(ctx, d, expand))
}

// versionsData loads the given versions of the current project, or all of
// them when slug is empty.
func (s *Server) versionsData(ctx context.Context, p *domain.Project, slug string, filter func(domain.Version) bool, expand expansion) ([]versionData, error) {
	var out []versionData
	err := s.store.View(ctx, func(tx *storage.Tx) error {
		var versions []domain.Version
		if slug != "" {
			v, err := tx.Version(p.Slug, slug)
			if err != nil {
				return err
			}
			versions = []domain.Version{*v}
		} else {
			all, err := tx.Versions(p.Slug)
			if err != nil {
				return err
			}
			for _, v := range all {
				if filter == nil || filter(v) {
					versions = append(versions, v)
				}
			}
		}
		var err error
		out, err = loadVersionData(tx, p, versions, expand)
		return err
	})
	return out, err
}

func (s *Server) listVersions(c *gin.Context) {
	ctx := c.Request.Context()
	expand := parseExpand(c)
	var filter func(domain.Version) bool
	if raw, ok := c.GetQuery("active"); ok {
		active, err := strconv.ParseBool(raw)
		if err != nil {
			api.AbortWith(c, http.StatusBadRequest, domain.CodeInvalidRequest, "active must be a boolean")
			return
		}
		filter = func(v domain.Version) bool { return v.Active == active }
	}
	data, err := s.versionsData(ctx, currentProject(c), "", filter, expand)
	if err != nil {
		api.Abort(c, err)
		return
	}
	out := make([]versionJSON, 0, len(data))
	for _, d := range data {
		out = append(out, s.serializeVersion(ctx, d, expand))
	}
	c.JSON(http.StatusOK, paginate(c, out))
}

func (s *Server) getVersion(c *gin.Context) {
	ctx := c.Request.Context()
	expand := parseExpand(c)
	data, err := s.versionsData(ctx, currentProject(c), c.Param("version"), nil, expand)
	if err != nil {
		api.Abort(c, err)
		return
	}
	c.JSON(http.StatusOK, s.serializeVersion(ctx, data[0], expand))
}

type versionPatch struct {
	Active       *bool                `json:"active"`
	Hidden       *bool                `json:"hidden"`
	PrivacyLevel *domain.PrivacyLevel `json:"privacy_level" validate:"omitempty,oneof=public private"`
}

// patchVersion updates the active, hidden and privacy_level flags.
// Activating a version that was never built triggers a build of it.
func (s *Server) patchVersion(c *gin.Context) {
	if !s.requireAdmin(c) {
		return
	}
	var patch versionPatch
	if err := c.ShouldBindJSON(&patch); err != nil {
		api.AbortWith(c, http.StatusBadRequest, domain.CodeInvalidRequest, err.Error())
		return
	}
	ctx := c.Request.Context()
	p := currentProject(c)
	slug := c.Param("version")

	var activated bool
	err := s.store.Update(ctx, func(tx *storage.Tx) error {
		v, err := tx.Version(p.Slug, slug)
		if err != nil {
			return err
		}
		if patch.Active != nil {
			activated = *patch.Active && !v.Active && !v.Built
			v.Active = *patch.Active
		}
		if patch.Hidden != nil {
			v.Hidden = *patch.Hidden
		}
		if patch.PrivacyLevel != nil {
			v.PrivacyLevel = *patch.PrivacyLevel
		}
		return tx.PutVersion(v)
	})
	if err != nil {
		api.Abort(c, err)
		return
	}
	if activated {
		if _, err := s.projects.TriggerBuild(ctx, p.Slug, slug); err != nil {
			s.logger.Warn("build of activated version not triggered", "project", p.Slug, "version", slug, "error", err)
		}
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) listBuilds(c *gin.Context) {
	p := currentProject(c)
	version := c.Param("version")
	expand := parseExpand(c)
	var builds []domain.Build
	err := s.store.View(c.Request.Context(), func(tx *storage.Tx) error {
		if version != "" {
			if _, err := tx.Version(p.Slug, version); err != nil {
				return err
			}
		}
		var err error
		builds, err = tx.Builds(p.Slug, version)
		return err
	})
	if err != nil {
		api.Abort(c, err)
		return
	}
	out := make([]buildJSON, 0, len(builds))
	for _, b := range builds {
		out = append(out, serializeBuild(b, expand))
	}
	c.JSON(http.StatusOK, paginate(c, out))
}

func (s *Server) getBuild(c *gin.Context) {
	id, ok := pathID(c, "build", domain.ErrBuildNotFound)
	if !ok {
		return
	}
	p := currentProject(c)
	version := c.Param("version")
	var b *domain.Build
	err := s.store.View(c.Request.Context(), func(tx *storage.Tx) error {
		var err error
		if b, err = tx.Build(id); err != nil {
			return err
		}
		if b.Project != p.Slug || (version != "" && b.Version != version) {
			return domain.NotFound(domain.ErrBuildNotFound, "build", c.Param("build"))
		}
		return nil
	})
	if err != nil {
		api.Abort(c, err)
		return
	}
	c.JSON(http.StatusOK, serializeBuild(*b, parseExpand(c)))
}

type triggerResponse struct {
	Build   buildJSON   `json:"build"`
	Project string      `json:"project"`
	Version versionJSON `json:"version"`
}

func (s *Server) triggerBuild(c *gin.Context) {
	if !s.requireAdmin(c) {
		return
	}
	ctx := c.Request.Context()
	p := currentProject(c)
	b, err := s.projects.TriggerBuild(ctx, p.Slug, c.Param("version"))
	if err != nil && b == nil {
		api.Abort(c, err)
		return
	}
	if err != nil {
		s.logger.Warn("build recorded but not queued", "project", p.Slug, "build", b.ID, "error", err)
	}
	data, err := s.versionsData(ctx, p, b.Version, nil, nil)
	if err != nil {
		api.Abort(c, err)
		return
	}
	c.JSON(http.StatusAccepted, triggerResponse{
		Build:   serializeBuild(*b, nil),
		Project: p.Slug,
		Version: s.serializeVersion(ctx, data[0], nil),
	})
}

// listUsers lists the project's users. ?role=owners or ?role=members
// lists who owns or maintains it instead, which differs for projects of an
// organization.
func (s *Server) listUsers(c *gin.Context) {
	ctx := c.Request.Context()
	p := currentProject(c)
	role := c.Query("role")
	var names []string
	var err error
	switch role {
	case "":
	case "owners":
		names, err = s.perms.Owners(ctx, p)
	case "members":
		names, err = s.perms.Members(ctx, p)
	default:
		err = fmt.Errorf("%w: unknown role %q", domain.ErrInvalidArgument, role)
	}
	if err != nil {
		api.Abort(c, err)
		return
	}

	var users []domain.User
	err = s.store.View(ctx, func(tx *storage.Tx) error {
		if role == "" {
			var err error
			users, err = tx.ProjectUsers(p)
			return err
		}
		for _, name := range names {
			u, err := tx.User(name)
			if domain.IsNotFound(err) {
				continue
			}
			if err != nil {
				return err
			}
			users = append(users, *u)
		}
		return nil
	})
	if err != nil {
		api.Abort(c, err)
		return
	}
	out := make([]userJSON, 0, len(users))
	for _, u := range users {
		out = append(out, serializeUser(u))
	}
	c.JSON(http.StatusOK, paginate(c, out))
}

func (s *Server) listRedirects(c *gin.Context) {
	p := currentProject(c)
	var redirects []domain.Redirect
	err := s.store.View(c.Request.Context(), func(tx *storage.Tx) error {
		var err error
		redirects, err = tx.Redirects(p.Slug)
		return err
	})
	if err != nil {
		api.Abort(c, err)
		return
	}
	c.JSON(http.StatusOK, paginate(c, redirects))
}
