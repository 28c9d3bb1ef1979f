package domain

import (
	"net/http"
	"time"
)

// Integration types.
const (
	IntegrationGitHubWebhook    = "github_webhook"
	IntegrationGitLabWebhook    = "gitlab_webhook"
	IntegrationBitbucketWebhook = "bitbucket_webhook"
	IntegrationGenericAPI       = "api_webhook"
)

// Integration is an incoming webhook endpoint of a project.
type Integration struct {
	ID           int            `json:"id" yaml:"id"`
	Project      string         `json:"project" yaml:"project"`
	Type         string         `json:"integration_type" yaml:"integration_type"`
	ProviderData map[string]any `json:"provider_data,omitempty" yaml:"provider_data"`
	Secret       string         `json:"secret,omitempty" yaml:"secret"`
}

// HTTPExchange is a recorded webhook request and the response we sent.
type HTTPExchange struct {
	ID              string      `json:"id"`
	Integration     int         `json:"integration"`
	Date            time.Time   `json:"date"`
	RequestHeaders  http.Header `json:"request_headers"`
	RequestBody     string      `json:"request_body"`
	ResponseHeaders http.Header `json:"response_headers"`
	ResponseBody    string      `json:"response_body"`
	StatusCode      int         `json:"status_code"`
}

// Failed reports whether the response status was not a success.
func (e *HTTPExchange) Failed() bool {
	return e.StatusCode < 200 || e.StatusCode > 299
}

// Notification levels.
const (
	NotificationSuccess = "success"
	NotificationError   = "error"
	NotificationInfo    = "info"
)

// Notification is a message shown to a user.
type Notification struct {
	ID       string    `json:"id"`
	User     string    `json:"user"`
	Project  string    `json:"project,omitempty"`
	Level    string    `json:"level"`
	Template string    `json:"template"`
	Reason   string    `json:"reason,omitempty"`
	Message  string    `json:"message"`
	Created  time.Time `json:"created"`
}
