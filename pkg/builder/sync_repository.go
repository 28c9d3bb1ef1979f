package builder

import (
	"context"
	"fmt"
	"strings"

	"github.com/readthedocs/rtd/pkg/projects"
	"github.com/readthedocs/rtd/pkg/tasks"
)

// VersionSyncer reports a repository's refs, typically the v2 API client.
type VersionSyncer interface {
	SyncVersions(ctx context.Context, project string, branches, tags []projects.Ref) (*projects.SyncResult, error)
}

var refsCommand = []string{"git", "for-each-ref", "--format=%(objectname) %(refname)", "refs/heads", "refs/remotes", "refs/tags"}

// ParseRefs splits `git for-each-ref` output into branches and tags.
// Remote branches win over local ones of the same name and HEAD pointers
// are skipped.
func ParseRefs(output string) (branches, tags []projects.Ref) {
	seen := map[string]int{}
	for _, line := range strings.Split(output, "\n") {
		sha, ref, ok := strings.Cut(strings.TrimSpace(line), " ")
		if !ok {
			continue
		}
		switch {
		case strings.HasPrefix(ref, "refs/tags/"):
			tags = append(tags, projects.Ref{Identifier: sha, VerboseName: strings.TrimPrefix(ref, "refs/tags/")})
		case strings.HasPrefix(ref, "refs/remotes/origin/"):
			name := strings.TrimPrefix(ref, "refs/remotes/origin/")
			if name == "HEAD" {
				continue
			}
			r := projects.Ref{Identifier: "origin/" + name, VerboseName: name}
			if i, ok := seen[name]; ok {
				branches[i] = r
				continue
			}
			seen[name] = len(branches)
			branches = append(branches, r)
		case strings.HasPrefix(ref, "refs/heads/"):
			name := strings.TrimPrefix(ref, "refs/heads/")
			if _, ok := seen[name]; ok {
				continue
			}
			seen[name] = len(branches)
			branches = append(branches, projects.Ref{Identifier: name, VerboseName: name})
		}
	}
	return branches, tags
}

// SyncRepository lists the refs of a checkout and reports them so the
// project's versions follow the repository.
func (u *Updater) SyncRepository(ctx context.Context, syncer VersionSyncer, args projects.SyncRepositoryArgs) error {
	checkout := CheckoutPath(u.docRoot, args.Project, args.Version)
	res, err := u.runner.Run(ctx, Command{Args: refsCommand, Dir: checkout})
	if err != nil {
		return err
	}
	if !res.Successful() {
		return fmt.Errorf("list refs of %s: exit code %d", checkout, res.ExitCode)
	}
	branches, tags := ParseRefs(res.Output)
	result, err := syncer.SyncVersions(ctx, args.Project, branches, tags)
	if err != nil {
		return err
	}
	u.logger.Info("versions synced",
		"project", args.Project,
		"added", len(result.Added),
		"deleted", len(result.Deleted),
	)
	return nil
}

// RegisterSyncTask binds projects.sync_repository.
func (u *Updater) RegisterSyncTask(reg *tasks.Registry, syncer VersionSyncer) {
	reg.Register(tasks.SyncRepository, func(ctx context.Context, t tasks.Task) error {
		var args projects.SyncRepositoryArgs
		if err := t.Decode(&args); err != nil {
			return err
		}
		return u.SyncRepository(ctx, syncer, args)
	})
}
