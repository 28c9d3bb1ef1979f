package v2

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/readthedocs/rtd/pkg/domain"
	"github.com/readthedocs/rtd/pkg/integrations"
	"github.com/readthedocs/rtd/pkg/storage"
)

// Webhook event headers.
const (
	GitHubEventHeader    = "X-GitHub-Event"
	GitHubSignature      = "X-Hub-Signature-256"
	GitLabEventHeader    = "X-Gitlab-Event"
	BitbucketEventHeader = "X-Event-Key"
)

type webhookResponse struct {
	BuildTriggered bool     `json:"build_triggered"`
	Project        string   `json:"project"`
	Versions       []string `json:"versions"`
	VersionsSynced bool     `json:"versions_synced,omitempty"`
	Detail         string   `json:"detail,omitempty"`
}

// webhookAction is what a payload asks for: build some branches, resync
// the repository refs, or nothing.
type webhookAction struct {
	branches []string
	sync     bool
	detail   string
}

var errForbiddenToken = errors.New("invalid token")

func (s *Server) webhook(c *gin.Context) {
	ctx := c.Request.Context()
	slug := c.Param("project")
	id, err := strconv.Atoi(c.Param("integration"))
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"detail": "Integration not found"})
		return
	}

	var (
		project     *domain.Project
		integration *domain.Integration
	)
	err = s.store.View(ctx, func(tx *storage.Tx) error {
		var err error
		if project, err = tx.Project(slug); err != nil {
			return err
		}
		integration, err = tx.Integration(project.Slug, id)
		return err
	})
	if err != nil {
		if domain.IsNotFound(err) {
			c.JSON(http.StatusNotFound, gin.H{"detail": "Project or integration not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"detail": "internal server error"})
		return
	}

	payload, raw, err := integrations.NormalizeRequestPayload(c.Request)
	var (
		status int
		body   any
	)
	switch {
	case err != nil:
		status, body = http.StatusBadRequest, gin.H{"detail": "Malformed payload"}
	case !validSignature(integration, c.Request, raw):
		status, body = http.StatusBadRequest, gin.H{"detail": "Invalid payload signature"}
	default:
		action, aerr := parseWebhook(integration, project, c.Request.Header, payload)
		if errors.Is(aerr, errForbiddenToken) {
			status, body = http.StatusForbidden, gin.H{"detail": "Invalid token"}
			break
		}
		status, body = s.handleAction(c, project, action)
	}

	out, _ := json.Marshal(body)
	resp := integrations.Response{
		Status:  status,
		Headers: http.Header{"Content-Type": []string{"application/json"}},
		Body:    out,
	}
	if _, err := s.recorder.RecordExchange(ctx, integration.ID, c.Request, raw, resp); err != nil {
		s.logger.Warn("webhook exchange not recorded", "project", project.Slug, "integration", integration.ID, "error", err)
	}
	c.Data(status, "application/json", out)
}

func (s *Server) handleAction(c *gin.Context, project *domain.Project, action webhookAction) (int, any) {
	ctx := c.Request.Context()
	resp := webhookResponse{Project: project.Slug, Versions: []string{}, Detail: action.detail}
	switch {
	case action.sync:
		if err := s.projects.SyncRepository(ctx, project.Slug, ""); err != nil {
			s.logger.Warn("repository sync not queued", "project", project.Slug, "error", err)
			return http.StatusInternalServerError, gin.H{"detail": "internal server error"}
		}
		resp.VersionsSynced = true
	case len(action.branches) > 0:
		res, err := s.projects.BuildBranches(ctx, project.Slug, action.branches)
		if err != nil {
			return http.StatusInternalServerError, gin.H{"detail": "internal server error"}
		}
		resp.BuildTriggered = len(res.Triggered) > 0
		resp.Versions = res.Triggered
	}
	return http.StatusOK, resp
}

// validSignature checks the HMAC of GitHub payloads. Integrations with a
// secret reject unsigned requests.
func validSignature(integration *domain.Integration, r *http.Request, body []byte) bool {
	if integration.Type != domain.IntegrationGitHubWebhook || integration.Secret == "" {
		return true
	}
	sig := r.Header.Get(GitHubSignature)
	if sig == "" {
		return false
	}
	mac := hmac.New(sha256.New, []byte(integration.Secret))
	mac.Write(body)
	expected := "sha256=" + hex.EncodeToString(mac.Sum(nil))
	return hmac.Equal([]byte(expected), []byte(sig))
}

func branchFromRef(ref string) (string, bool) {
	if name, ok := strings.CutPrefix(ref, "refs/heads/"); ok {
		return name, true
	}
	if strings.HasPrefix(ref, "refs/tags/") {
		return "", false
	}
	return ref, ref != ""
}

func parseWebhook(integration *domain.Integration, project *domain.Project, h http.Header, payload any) (webhookAction, error) {
	data, _ := payload.(map[string]any)
	if inner, ok := data["payload"].(map[string]any); ok {
		data = inner
	}
	switch integration.Type {
	case domain.IntegrationGitHubWebhook:
		switch h.Get(GitHubEventHeader) {
		case "ping":
			return webhookAction{detail: "Webhook configured correctly"}, nil
		case "create", "delete":
			return webhookAction{sync: true}, nil
		}
		ref, _ := data["ref"].(string)
		if branch, ok := branchFromRef(ref); ok {
			return webhookAction{branches: []string{branch}}, nil
		}
	case domain.IntegrationGitLabWebhook:
		if h.Get(GitLabEventHeader) == "Tag Push Hook" {
			return webhookAction{sync: true}, nil
		}
		before, _ := data["before"].(string)
		after, _ := data["after"].(string)
		if isNullSHA(before) || isNullSHA(after) {
			return webhookAction{sync: true}, nil
		}
		ref, _ := data["ref"].(string)
		if branch, ok := branchFromRef(ref); ok {
			return webhookAction{branches: []string{branch}}, nil
		}
	case domain.IntegrationBitbucketWebhook:
		if event := h.Get(BitbucketEventHeader); event != "" && event != "repo:push" {
			return webhookAction{}, nil
		}
		return bitbucketAction(data), nil
	case domain.IntegrationGenericAPI:
		if integration.Secret != "" {
			token, _ := data["token"].(string)
			if !hmac.Equal([]byte(token), []byte(integration.Secret)) {
				return webhookAction{}, errForbiddenToken
			}
		}
		return webhookAction{branches: genericBranches(project, data["branches"])}, nil
	}
	return webhookAction{}, nil
}

func isNullSHA(sha string) bool {
	return sha != "" && strings.Trim(sha, "0") == ""
}

func bitbucketAction(data map[string]any) webhookAction {
	push, _ := data["push"].(map[string]any)
	changes, _ := push["changes"].([]any)
	var branches []string
	for _, raw := range changes {
		change, _ := raw.(map[string]any)
		newRef, _ := change["new"].(map[string]any)
		oldRef, _ := change["old"].(map[string]any)
		if newRef == nil || oldRef == nil {
			return webhookAction{sync: true}
		}
		if name, _ := newRef["name"].(string); name != "" {
			branches = append(branches, name)
		}
	}
	return webhookAction{branches: branches}
}

func genericBranches(project *domain.Project, raw any) []string {
	switch v := raw.(type) {
	case string:
		return []string{v}
	case []any:
		var out []string
		for _, b := range v {
			if s, ok := b.(string); ok && s != "" {
				out = append(out, s)
			}
		}
		if len(out) > 0 {
			return out
		}
	}
	if project.DefaultBranch != "" {
		return []string{project.DefaultBranch}
	}
	return []string{"master"}
}
