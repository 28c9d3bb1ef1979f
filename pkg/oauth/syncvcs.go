package oauth

import (
	"context"
	"fmt"
	"io"

	"github.com/readthedocs/rtd/pkg/domain"
	"github.com/readthedocs/rtd/pkg/storage"
	"github.com/readthedocs/rtd/pkg/tasks"
)

// DefaultMaxUsers caps a sync-vcs-data run.
const DefaultMaxUsers = 100

// SyncVCSOptions select the users whose VCS data is re-synced.
type SyncVCSOptions struct {
	Queue     string
	Users     []string
	SkipUsers []string
	MaxUsers  int
	// Force includes users that already have synced repositories.
	Force  bool
	DryRun bool
}

// DefaultSyncVCSOptions returns the command defaults.
func DefaultSyncVCSOptions() SyncVCSOptions {
	return SyncVCSOptions{Queue: tasks.QueueResyncOAuth, MaxUsers: DefaultMaxUsers}
}

// SyncVCSData queues oauth.sync_remote_repositories for users with
// connected social accounts, writing progress to out. It returns the
// usernames a task was queued for.
func SyncVCSData(ctx context.Context, store *storage.Store, broker tasks.Broker, opts SyncVCSOptions, out io.Writer) ([]string, error) {
	if opts.Queue == "" {
		opts.Queue = tasks.QueueResyncOAuth
	}

	var candidates []domain.User
	err := store.View(ctx, func(tx *storage.Tx) error {
		users, err := tx.Users()
		if err != nil {
			return err
		}
		for _, u := range users {
			if len(u.SocialAccounts) == 0 {
				continue
			}
			if !opts.Force {
				relations, err := tx.RemoteRelations(u.Username)
				if err != nil {
					return err
				}
				if len(relations) > 0 {
					continue
				}
			}
			candidates = append(candidates, u)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	fmt.Fprintf(out, "Total %d user(s) can be synced\n", len(candidates))

	if len(opts.Users) > 0 {
		candidates = filterUsers(candidates, opts.Users, true)
	}
	if len(opts.SkipUsers) > 0 {
		candidates = filterUsers(candidates, opts.SkipUsers, false)
	}
	if len(opts.Users) > 0 || len(opts.SkipUsers) > 0 {
		fmt.Fprintf(out, "Found %d user(s) with the given parameters\n", len(candidates))
	}

	if opts.DryRun {
		fmt.Fprintln(out, "No VCS provider re-sync task was triggered. "+
			"Run it without --dry-run to trigger the re-sync tasks.")
		return nil, nil
	}

	limit := opts.MaxUsers
	if limit < 0 || limit > len(candidates) {
		limit = len(candidates)
	}
	toSync := candidates[:limit]
	fmt.Fprintf(out, "Triggering VCS provider re-sync task(s) for %d user(s)\n", len(toSync))

	queued := make([]string, 0, len(toSync))
	for _, u := range toSync {
		if _, err := tasks.Enqueue(ctx, broker, opts.Queue, tasks.SyncRemoteRepositories, SyncArgs{User: u.Username}); err != nil {
			return queued, err
		}
		queued = append(queued, u.Username)
	}
	return queued, nil
}

func filterUsers(users []domain.User, names []string, keep bool) []domain.User {
	set := make(map[string]bool, len(names))
	for _, n := range names {
		set[n] = true
	}
	var out []domain.User
	for _, u := range users {
		if set[u.Username] == keep {
			out = append(out, u)
		}
	}
	return out
}
