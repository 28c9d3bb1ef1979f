package v3

import (
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/readthedocs/rtd/pkg/api"
	"github.com/readthedocs/rtd/pkg/domain"
	"github.com/readthedocs/rtd/pkg/integrations"
	"github.com/readthedocs/rtd/pkg/search"
	"github.com/readthedocs/rtd/pkg/storage"
)

const sinceLayout = "2006-01-02"

// WithSearch enables the project search and analytics endpoints.
func WithSearch(ix *search.Indexer) Option {
	return func(s *Server) { s.search = ix }
}

// WithRecorder enables the integration exchange endpoints.
func WithRecorder(rec *integrations.Recorder) Option {
	return func(s *Server) { s.recorder = rec }
}

func (s *Server) registerInsights(g, p *gin.RouterGroup) {
	g.GET("/users/:username/projects/", s.userProjects)
	if s.search != nil {
		p.GET("/search/", s.searchProject)
		p.GET("/analytics/", s.analytics)
	}
	if s.recorder != nil {
		p.GET("/integrations/", s.listIntegrations)
		p.GET("/integrations/:integration/exchanges/", s.listExchanges)
	}
}

// searchProject runs ?q= against the indexed pages of ?version=, the
// default version when omitted. Queries are recorded for analytics.
func (s *Server) searchProject(c *gin.Context) {
	p := currentProject(c)
	version := c.DefaultQuery("version", p.DefaultVersion)
	results, err := s.search.Search(c.Request.Context(), search.Query{
		Project: p.Slug,
		Version: version,
		Term:    c.Query("q"),
		Record:  true,
	})
	if err != nil {
		api.Abort(c, err)
		return
	}
	c.JSON(http.StatusOK, paginate(c, results))
}

type analyticsJSON struct {
	Queries   search.DailyCounts `json:"queries"`
	TopPages  search.TopPages    `json:"top_pages"`
	PageViews search.DailyCounts `json:"page_views"`
}

func (s *Server) analytics(c *gin.Context) {
	if !s.requireAdmin(c) {
		return
	}
	var since *time.Time
	if raw := c.Query("since"); raw != "" {
		t, err := time.Parse(sinceLayout, raw)
		if err != nil {
			api.Abort(c, fmt.Errorf("%w: since must be a YYYY-MM-DD date", domain.ErrInvalidArgument))
			return
		}
		since = &t
	}
	ctx := c.Request.Context()
	slug := currentProject(c).Slug

	var out analyticsJSON
	var err error
	if out.Queries, err = search.QueriesCountOfOneMonth(ctx, s.store, slug); err == nil {
		if out.TopPages, err = search.TopViewedPages(ctx, s.store, slug, since); err == nil {
			out.PageViews, err = search.PageViewsByDate(ctx, s.store, slug, since)
		}
	}
	if err != nil {
		api.Abort(c, err)
		return
	}
	c.JSON(http.StatusOK, out)
}

type integrationJSON struct {
	ID        int    `json:"id"`
	Type      string `json:"integration_type"`
	Exchanges string `json:"exchanges"`
}

func (s *Server) listIntegrations(c *gin.Context) {
	if !s.requireAdmin(c) {
		return
	}
	p := currentProject(c)
	var found []domain.Integration
	err := s.store.View(c.Request.Context(), func(tx *storage.Tx) error {
		var err error
		found, err = tx.Integrations(p.Slug)
		return err
	})
	if err != nil {
		api.Abort(c, err)
		return
	}
	out := make([]integrationJSON, 0, len(found))
	for _, i := range found {
		out = append(out, integrationJSON{
			ID:        i.ID,
			Type:      i.Type,
			Exchanges: Prefix + "/projects/" + p.Slug + "/integrations/" + strconv.Itoa(i.ID) + "/exchanges/",
		})
	}
	c.JSON(http.StatusOK, paginate(c, out))
}

func (s *Server) listExchanges(c *gin.Context) {
	if !s.requireAdmin(c) {
		return
	}
	id, ok := pathID(c, "integration", domain.ErrIntegrationNotFound)
	if !ok {
		return
	}
	ctx := c.Request.Context()
	err := s.store.View(ctx, func(tx *storage.Tx) error {
		_, err := tx.Integration(currentProject(c).Slug, id)
		return err
	})
	if err != nil {
		api.Abort(c, err)
		return
	}
	exchanges, err := s.recorder.Exchanges(ctx, id)
	if err != nil {
		api.Abort(c, err)
		return
	}
	c.JSON(http.StatusOK, paginate(c, exchanges))
}

// userProjects lists what a user maintains, filtered to what the caller
// may see.
func (s *Server) userProjects(c *gin.Context) {
	found, err := s.projects.VisibleProjects(c.Request.Context(), c.Param("username"), currentUser(c))
	if err != nil {
		api.Abort(c, err)
		return
	}
	c.JSON(http.StatusOK, paginate(c, found))
}
