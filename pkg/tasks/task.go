// Package tasks runs named background jobs on queues. Brokers move Task
// messages (in process or over NATS) and a Worker dispatches them to the
// handlers in a Registry with retries and rate limiting.
package tasks

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Queue names.
const (
	QueueDefault     = "default"
	QueueBuild       = "build"
	QueueWeb         = "web"
	QueueResyncOAuth = "resync-oauth"
)

// Task names.
const (
	UpdateDocs                          = "projects.update_docs"
	SyncRepository                      = "projects.sync_repository"
	ClearArtifacts                      = "projects.clear_artifacts"
	SyncRemoteRepositories              = "oauth.sync_remote_repositories"
	SyncRemoteRepositoriesOrganizations = "oauth.sync_remote_repositories_organizations"
	AttachWebhook                       = "oauth.attach_webhook"
	IndexObjects                        = "search.index_objects"
	DeleteObjects                       = "search.delete_objects"
)

var (
	ErrQueueFull     = errors.New("task queue is full")
	ErrUnknownTask   = errors.New("unknown task")
	ErrBrokerClosed  = errors.New("broker is closed")
	ErrAlreadyActive = errors.New("queue already has a consumer")
)

// Task is one job message.
type Task struct {
	ID      string          `json:"id"`
	Name    string          `json:"name"`
	Queue   string          `json:"queue"`
	Args    json.RawMessage `json:"args,omitempty"`
	Attempt int             `json:"attempt"`
	Created time.Time       `json:"created"`
}

// New builds a task with JSON encoded args.
func New(name, queue string, args any) (Task, error) {
	t := Task{
		ID:      uuid.NewString(),
		Name:    name,
		Queue:   queue,
		Created: time.Now().UTC(),
	}
	if args != nil {
		raw, err := json.Marshal(args)
		if err != nil {
			return Task{}, fmt.Errorf("encode %s args: %w", name, err)
		}
		t.Args = raw
	}
	return t, nil
}

// Decode unmarshals the task arguments into v.
func (t Task) Decode(v any) error {
	if len(t.Args) == 0 {
		return fmt.Errorf("task %s has no arguments", t.Name)
	}
	if err := json.Unmarshal(t.Args, v); err != nil {
		return fmt.Errorf("decode %s args: %w", t.Name, err)
	}
	return nil
}

// Handler processes one task.
type Handler func(ctx context.Context, t Task) error

// Broker moves tasks between publishers and consumers.
type Broker interface {
	Publish(ctx context.Context, queue string, t Task) error
	// Consume delivers the queue's tasks to handler until ctx is done.
	Consume(ctx context.Context, queue string, handler Handler) error
	Close() error
}

// Enqueue builds a task and publishes it.
func Enqueue(ctx context.Context, b Broker, queue, name string, args any) (Task, error) {
	t, err := New(name, queue, args)
	if err != nil {
		return Task{}, err
	}
	if err := b.Publish(ctx, queue, t); err != nil {
		return Task{}, fmt.Errorf("publish %s to %s: %w", name, queue, err)
	}
	return t, nil
}
