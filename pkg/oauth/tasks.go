package oauth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"github.com/readthedocs/rtd/internal/governance"
	"github.com/readthedocs/rtd/pkg/domain"
	"github.com/readthedocs/rtd/pkg/integrations"
	"github.com/readthedocs/rtd/pkg/logging"
	"github.com/readthedocs/rtd/pkg/storage"
	"github.com/readthedocs/rtd/pkg/tasks"
)

// MemberLister resolves the members of an organization.
type MemberLister interface {
	OrganizationMembers(ctx context.Context, org *domain.Organization) ([]string, error)
}

// WebhookResult is the outcome of AttachWebhook.
type WebhookResult int

const (
	// WebhookFailed means no account could create the webhook.
	WebhookFailed WebhookResult = iota
	// WebhookAttached means the webhook exists now.
	WebhookAttached
	// WebhookNoService means no provider handles the project's repository.
	WebhookNoService
)

func (r WebhookResult) String() string {
	switch r {
	case WebhookAttached:
		return "attached"
	case WebhookNoService:
		return "no_service"
	default:
		return "failed"
	}
}

// SyncArgs are the arguments of oauth.sync_remote_repositories.
type SyncArgs struct {
	User string `json:"user"`
}

// AttachWebhookArgs are the arguments of oauth.attach_webhook.
type AttachWebhookArgs struct {
	Project     string `json:"project"`
	User        string `json:"user"`
	Integration int    `json:"integration,omitempty"`
}

// Tasks implements the oauth task handlers.
type Tasks struct {
	store       *storage.Store
	registry    *Registry
	broker      tasks.Broker
	members     MemberLister
	webhookHost string
	logger      *slog.Logger
}

// NewTasks wires the oauth tasks. webhookHost is the scheme and host
// providers call back, e.g. https://readthedocs.org.
func NewTasks(store *storage.Store, registry *Registry, broker tasks.Broker, members MemberLister, webhookHost string, logger *slog.Logger) *Tasks {
	return &Tasks{
		store:       store,
		registry:    registry,
		broker:      broker,
		members:     members,
		webhookHost: strings.TrimSuffix(webhookHost, "/"),
		logger:      logging.OrDefault(logger),
	}
}

// RevokedAccessError lists the providers that rejected the user's tokens.
type RevokedAccessError struct {
	Providers []string
}

func (e *RevokedAccessError) Error() string {
	return fmt.Sprintf("Our access to your following accounts was revoked: %s. "+
		"Please, reconnect them from your social account connections.", strings.Join(e.Providers, ", "))
}

// SyncRemoteRepositories refreshes the remote repositories of every social
// account of the user. Providers that refuse the token are collected and
// reported together in a RevokedAccessError. A missing user is a no-op.
func (t *Tasks) SyncRemoteRepositories(ctx context.Context, username string) error {
	user, err := t.user(ctx, username)
	if errors.Is(err, domain.ErrUserNotFound) {
		return nil
	}
	if err != nil {
		return err
	}

	t.logger.Info("syncing remote repositories", "user", username)
	failed := map[string]bool{}
	for _, provider := range t.registry.Providers() {
		for _, svc := range t.registry.ForUser(provider, user) {
			err := t.syncService(ctx, username, provider, svc)
			if errors.Is(err, ErrSyncService) {
				failed[svc.ProviderName()] = true
				continue
			}
			if err != nil {
				return fmt.Errorf("sync %s for %s: %w", provider.Name, username, err)
			}
		}
	}
	if len(failed) > 0 {
		names := make([]string, 0, len(failed))
		for name := range failed {
			names = append(names, name)
		}
		sort.Strings(names)
		return &RevokedAccessError{Providers: names}
	}
	return nil
}

func (t *Tasks) syncService(ctx context.Context, username string, provider *Provider, svc Service) error {
	repos, err := svc.Repositories(ctx)
	if err != nil {
		return err
	}
	account := svc.Account()
	return t.store.Update(ctx, func(tx *storage.Tx) error {
		kept := map[int]bool{}
		for _, r := range repos {
			remote := &domain.RemoteRepository{
				RemoteID:    r.RemoteID,
				FullName:    r.FullName,
				CloneURL:    r.CloneURL,
				HTMLURL:     r.HTMLURL,
				VCSProvider: provider.ID,
				Private:     r.Private,
			}
			if err := tx.PutRemoteRepository(remote); err != nil {
				return err
			}
			kept[remote.ID] = true
			if err := tx.PutRemoteRelation(&domain.RemoteRepositoryRelation{
				User:             username,
				RemoteRepository: remote.ID,
				Account:          account.ID,
				Admin:            r.Admin,
				JSON:             r.JSON,
			}); err != nil {
				return err
			}
		}
		relations, err := tx.RemoteRelations(username)
		if err != nil {
			return err
		}
		for _, rel := range relations {
			if rel.Account == account.ID && !kept[rel.RemoteRepository] {
				if err := tx.DeleteRemoteRelation(username, rel.ID); err != nil {
					return err
				}
			}
		}
		return nil
	})
}

// SyncRemoteRepositoriesOrganizations queues one repository sync per
// member of every organization with single sign-on through a provider. It
// returns the number of queued tasks.
func (t *Tasks) SyncRemoteRepositoriesOrganizations(ctx context.Context) (int, error) {
	var orgs []domain.Organization
	err := t.store.View(ctx, func(tx *storage.Tx) error {
		all, err := tx.Organizations()
		for _, o := range all {
			if o.SSOProvider != "" {
				orgs = append(orgs, o)
			}
		}
		return err
	})
	if err != nil {
		return 0, err
	}

	t.logger.Info("triggering scheduled SSO re-sync for all organizations", "count", len(orgs))
	queued := 0
	for i := range orgs {
		members, err := t.members.OrganizationMembers(ctx, &orgs[i])
		if err != nil {
			return queued, err
		}
		t.logger.Info("triggering scheduled SSO re-sync for organization",
			"organization", orgs[i].Slug, "users", len(members))
		for _, member := range members {
			if _, err := tasks.Enqueue(ctx, t.broker, tasks.QueueWeb, tasks.SyncRemoteRepositories, SyncArgs{User: member}); err != nil {
				return queued, err
			}
			queued++
		}
	}
	return queued, nil
}

// AttachWebhook tries each of the user's accounts on the project's provider
// until one creates the webhook. The user is notified of the outcome.
func (t *Tasks) AttachWebhook(ctx context.Context, args AttachWebhookArgs) (WebhookResult, error) {
	var (
		project     *domain.Project
		user        *domain.User
		integration *domain.Integration
	)
	err := t.store.View(ctx, func(tx *storage.Tx) error {
		var err error
		if project, err = tx.Project(args.Project); err != nil {
			return err
		}
		if user, err = tx.User(args.User); err != nil {
			return err
		}
		if args.Integration != 0 {
			integration, err = tx.Integration(project.Slug, args.Integration)
		}
		return err
	})
	if domain.IsNotFound(err) {
		return WebhookFailed, nil
	}
	if err != nil {
		return WebhookFailed, err
	}

	var provider *Provider
	if integration != nil {
		provider = t.registry.ByIntegrationType(integration.Type)
	} else {
		provider = t.registry.ForProject(project)
	}
	if provider == nil {
		t.logger.Warn("there are no registered services in the application", "project_slug", project.Slug)
		return WebhookNoService, t.notify(ctx, invalidProjectWebhookNotification(user, project))
	}

	services := t.registry.ForUser(provider, user)
	if len(services) > 0 {
		if integration == nil {
			if integration, err = t.ensureIntegration(ctx, project.Slug, provider.IntegrationType); err != nil {
				return WebhookFailed, err
			}
		}
		hook := Webhook{
			URL:    fmt.Sprintf("%s/api/v2/webhook/%s/%d/", t.webhookHost, project.Slug, integration.ID),
			Secret: integration.Secret,
		}
		for _, svc := range services {
			ok, err := svc.SetupWebhook(ctx, project, hook)
			if err != nil {
				t.logger.Warn("webhook setup failed", "project_slug", project.Slug,
					"provider", provider.ID, "account", svc.Account().UID, "error", err)
				continue
			}
			if !ok {
				continue
			}
			if err := t.notify(ctx, attachWebhookNotification(user, project, provider.Name, "")); err != nil {
				return WebhookAttached, err
			}
			err = t.store.Update(ctx, func(tx *storage.Tx) error {
				p, err := tx.Project(project.Slug)
				if err != nil {
					return err
				}
				p.HasValidWebhook = true
				return tx.PutProject(p)
			})
			return WebhookAttached, err
		}
	}

	reason := ReasonNoAccounts
	if len(services) > 0 {
		reason = ReasonNoPermissions
	}
	err = t.notify(ctx,
		invalidProjectWebhookNotification(user, project),
		attachWebhookNotification(user, project, provider.Name, reason))
	return WebhookFailed, err
}

func (t *Tasks) ensureIntegration(ctx context.Context, project, integrationType string) (*domain.Integration, error) {
	var out *domain.Integration
	err := t.store.Update(ctx, func(tx *storage.Tx) error {
		existing, err := tx.Integrations(project)
		if err != nil {
			return err
		}
		for i := range existing {
			if existing[i].Type == integrationType {
				out = &existing[i]
				return nil
			}
		}
		secret, err := integrations.GetSecret(0)
		if err != nil {
			return err
		}
		out = &domain.Integration{Project: project, Type: integrationType, Secret: secret}
		return tx.PutIntegration(out)
	})
	return out, err
}

func (t *Tasks) notify(ctx context.Context, notes ...*domain.Notification) error {
	return t.store.Update(ctx, func(tx *storage.Tx) error {
		for _, n := range notes {
			if err := tx.PutNotification(n); err != nil {
				return err
			}
		}
		return nil
	})
}

func (t *Tasks) user(ctx context.Context, username string) (*domain.User, error) {
	var user *domain.User
	err := t.store.View(ctx, func(tx *storage.Tx) error {
		var err error
		user, err = tx.User(username)
		return err
	})
	return user, err
}

// Register binds the oauth task handlers. A revoked token will not fix
// itself, so that failure is not retried.
func (t *Tasks) Register(reg *tasks.Registry) {
	reg.Register(tasks.SyncRemoteRepositories, func(ctx context.Context, task tasks.Task) error {
		var args SyncArgs
		if err := task.Decode(&args); err != nil {
			return governance.Permanent(err)
		}
		err := t.SyncRemoteRepositories(ctx, args.User)
		var revoked *RevokedAccessError
		if errors.As(err, &revoked) {
			return governance.Permanent(err)
		}
		return err
	})
	reg.Register(tasks.SyncRemoteRepositoriesOrganizations, func(ctx context.Context, _ tasks.Task) error {
		_, err := t.SyncRemoteRepositoriesOrganizations(ctx)
		return err
	})
	reg.Register(tasks.AttachWebhook, func(ctx context.Context, task tasks.Task) error {
		var args AttachWebhookArgs
		if err := task.Decode(&args); err != nil {
			return governance.Permanent(err)
		}
		result, err := t.AttachWebhook(ctx, args)
		t.logger.Info("attach webhook finished", "project_slug", args.Project, "result", result.String())
		return err
	})
}
