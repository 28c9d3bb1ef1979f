package oauth

import (
	"fmt"

	"github.com/google/uuid"

	"github.com/readthedocs/rtd/pkg/domain"
)

// Notification templates.
const (
	TemplateAttachWebhook         = "oauth/attach_webhook"
	TemplateInvalidProjectWebhook = "oauth/invalid_project_webhook"
)

// Reasons a webhook could not be attached.
const (
	ReasonNoPermissions = "no_permissions"
	ReasonNoAccounts    = "no_accounts"
)

func invalidProjectWebhookNotification(user *domain.User, project *domain.Project) *domain.Notification {
	return &domain.Notification{
		ID:       uuid.NewString(),
		User:     user.Username,
		Project:  project.Slug,
		Level:    domain.NotificationError,
		Template: TemplateInvalidProjectWebhook,
		Message: fmt.Sprintf(
			"The project %s doesn't have a valid webhook set up, commits won't trigger new builds for this project. "+
				"See your project integrations for more information.", project.Name),
	}
}

func attachWebhookNotification(user *domain.User, project *domain.Project, provider string, reason string) *domain.Notification {
	n := &domain.Notification{
		ID:       uuid.NewString(),
		User:     user.Username,
		Project:  project.Slug,
		Template: TemplateAttachWebhook,
		Reason:   reason,
	}
	switch reason {
	case "":
		n.Level = domain.NotificationSuccess
		n.Message = "Webhook successfully added."
	case ReasonNoPermissions:
		n.Level = domain.NotificationError
		n.Message = fmt.Sprintf("Could not add webhook for %s. Make sure you have the correct %s permissions.", project.Name, provider)
	default:
		n.Level = domain.NotificationError
		n.Message = fmt.Sprintf("Could not add webhook for %s. Please connect your %s account.", project.Name, provider)
	}
	return n
}
