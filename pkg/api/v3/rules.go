package v3

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/readthedocs/rtd/pkg/api"
	"github.com/readthedocs/rtd/pkg/domain"
)

type ruleRequest struct {
	Description        string             `json:"description"`
	MatchArg           string             `json:"match_arg"`
	PredefinedMatchArg string             `json:"predefined_match_arg"`
	Action             string             `json:"action" validate:"required"`
	ActionArg          string             `json:"action_arg"`
	VersionType        domain.VersionType `json:"version_type" validate:"required"`
}

type moveRequest struct {
	Steps int `json:"steps" validate:"required"`
}

func (s *Server) listRules(c *gin.Context) {
	rules, err := s.projects.Rules().List(c.Request.Context(), currentProject(c).Slug)
	if err != nil {
		api.Abort(c, err)
		return
	}
	out := make([]ruleJSON, 0, len(rules))
	for _, r := range rules {
		out = append(out, serializeRule(r))
	}
	c.JSON(http.StatusOK, paginate(c, out))
}

func (s *Server) getRule(c *gin.Context) {
	id, ok := pathID(c, "rule", domain.ErrRuleNotFound)
	if !ok {
		return
	}
	rule, err := s.projects.Rules().Get(c.Request.Context(), currentProject(c).Slug, id)
	if err != nil {
		api.Abort(c, err)
		return
	}
	c.JSON(http.StatusOK, serializeRule(*rule))
}

func (s *Server) appendRule(c *gin.Context) {
	if !s.requireAdmin(c) {
		return
	}
	var req ruleRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		api.AbortWith(c, http.StatusBadRequest, domain.CodeInvalidRequest, err.Error())
		return
	}
	rule := &domain.AutomationRule{
		Project:            currentProject(c).Slug,
		Description:        req.Description,
		MatchArg:           req.MatchArg,
		PredefinedMatchArg: req.PredefinedMatchArg,
		Action:             req.Action,
		ActionArg:          req.ActionArg,
		VersionType:        req.VersionType,
	}
	if err := s.projects.Rules().Append(c.Request.Context(), rule); err != nil {
		api.Abort(c, err)
		return
	}
	c.JSON(http.StatusCreated, serializeRule(*rule))
}

func (s *Server) deleteRule(c *gin.Context) {
	if !s.requireAdmin(c) {
		return
	}
	id, ok := pathID(c, "rule", domain.ErrRuleNotFound)
	if !ok {
		return
	}
	if err := s.projects.Rules().Delete(c.Request.Context(), currentProject(c).Slug, id); err != nil {
		api.Abort(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) moveRule(c *gin.Context) {
	if !s.requireAdmin(c) {
		return
	}
	id, ok := pathID(c, "rule", domain.ErrRuleNotFound)
	if !ok {
		return
	}
	var req moveRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		api.AbortWith(c, http.StatusBadRequest, domain.CodeInvalidRequest, err.Error())
		return
	}
	rule, err := s.projects.Rules().Move(c.Request.Context(), currentProject(c).Slug, id, req.Steps)
	if err != nil {
		api.Abort(c, err)
		return
	}
	c.JSON(http.StatusOK, serializeRule(*rule))
}
