package projects

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/readthedocs/rtd/pkg/domain"
	"github.com/readthedocs/rtd/pkg/mediastorage"
	"github.com/readthedocs/rtd/pkg/storage"
	"github.com/readthedocs/rtd/pkg/tasks"
	"github.com/readthedocs/rtd/pkg/telemetry"
)

// UpdateDocsArgs are the arguments of the projects.update_docs task.
type UpdateDocsArgs struct {
	Project string `json:"project"`
	Version string `json:"version"`
	Build   int    `json:"build"`
}

// ClearArtifactsArgs are the arguments of the projects.clear_artifacts task.
type ClearArtifactsArgs struct {
	Project string `json:"project"`
	Version string `json:"version"`
	// Paths are local build directories removed as well.
	Paths []string `json:"paths,omitempty"`
}

// TriggerBuild records a triggered build of version and queues
// projects.update_docs for it. An empty version builds the project's
// default version.
func (s *Service) TriggerBuild(ctx context.Context, project, version string) (*domain.Build, error) {
	var build domain.Build
	err := s.store.Update(ctx, func(tx *storage.Tx) error {
		p, err := tx.Project(project)
		if err != nil {
			return err
		}
		if version == "" {
			version = p.DefaultVersion
		}
		v, err := tx.Version(p.Slug, version)
		if err != nil {
			return err
		}
		build = domain.Build{
			Project: p.Slug,
			Version: v.Slug,
			State:   domain.BuildTriggered,
		}
		return tx.PutBuild(&build)
	})
	if err != nil {
		return nil, err
	}

	telemetry.RecordBuildTriggered(ctx, build.Project)
	if s.broker == nil {
		return &build, nil
	}
	args := UpdateDocsArgs{Project: build.Project, Version: build.Version, Build: build.ID}
	if _, err := tasks.Enqueue(ctx, s.broker, tasks.QueueBuild, tasks.UpdateDocs, args); err != nil {
		return &build, fmt.Errorf("queue build %d: %w", build.ID, err)
	}
	s.logger.Info("build triggered",
		"project_slug", build.Project, "version_slug", build.Version, "build_id", build.ID)
	return &build, nil
}

// SyncRepositoryArgs are the arguments of the projects.sync_repository task.
type SyncRepositoryArgs struct {
	Project string `json:"project"`
	Version string `json:"version"`
}

// BranchBuilds is the outcome of BuildBranches.
type BranchBuilds struct {
	Triggered   []string `json:"triggered"`
	NotBuilding []string `json:"not_building"`
}

func branchVersions(versions []domain.Version, branch string) []domain.Version {
	var out []domain.Version
	for _, v := range versions {
		switch v.Identifier {
		case branch, "origin/" + branch, "remotes/origin/" + branch:
			out = append(out, v)
			continue
		}
		if v.VerboseName == branch {
			out = append(out, v)
		}
	}
	return out
}

// BuildBranches triggers a build of every active version pointing at one of
// the pushed branches.
func (s *Service) BuildBranches(ctx context.Context, project string, branches []string) (*BranchBuilds, error) {
	var versions []domain.Version
	err := s.store.View(ctx, func(tx *storage.Tx) error {
		if _, err := tx.Project(project); err != nil {
			return err
		}
		var err error
		versions, err = tx.Versions(project)
		return err
	})
	if err != nil {
		return nil, err
	}

	out := &BranchBuilds{Triggered: []string{}, NotBuilding: []string{}}
	seen := map[string]bool{}
	for _, branch := range branches {
		for _, v := range branchVersions(versions, branch) {
			if seen[v.Slug] {
				continue
			}
			seen[v.Slug] = true
			if !v.Active {
				out.NotBuilding = append(out.NotBuilding, v.Slug)
				continue
			}
			if _, err := s.TriggerBuild(ctx, project, v.Slug); err != nil {
				s.logger.Warn("branch build not triggered",
					"project_slug", project, "version_slug", v.Slug, "error", err)
				out.NotBuilding = append(out.NotBuilding, v.Slug)
				continue
			}
			out.Triggered = append(out.Triggered, v.Slug)
		}
	}
	return out, nil
}

// SyncRepository queues a refresh of the project's branches and tags from
// the checkout of version, latest by default.
func (s *Service) SyncRepository(ctx context.Context, project, version string) error {
	if version == "" {
		version = domain.LatestSlug
	}
	if s.broker == nil {
		return nil
	}
	_, err := tasks.Enqueue(ctx, s.broker, tasks.QueueBuild, tasks.SyncRepository, SyncRepositoryArgs{Project: project, Version: version})
	return err
}

// UpdateBuild applies fn to a stored build.
func (s *Service) UpdateBuild(ctx context.Context, id int, fn func(*domain.Build) error) (*domain.Build, error) {
	var out *domain.Build
	err := s.store.Update(ctx, func(tx *storage.Tx) error {
		b, err := tx.Build(id)
		if err != nil {
			return err
		}
		if err := fn(b); err != nil {
			return err
		}
		if !b.State.Valid() {
			return fmt.Errorf("%w: unknown build state %q", domain.ErrInvalidArgument, b.State)
		}
		if b.State == domain.BuildFinished && b.Success {
			v, err := tx.Version(b.Project, b.Version)
			if err == nil {
				v.Built = true
				if err := tx.PutVersion(v); err != nil {
					return err
				}
			} else if !errors.Is(err, domain.ErrVersionNotFound) {
				return err
			}
		}
		out = b
		return tx.PutBuild(b)
	})
	return out, err
}

// ClearArtifacts removes every media type stored for a version and the
// given local directories.
func (s *Service) ClearArtifacts(ctx context.Context, args ClearArtifactsArgs) error {
	if s.media != nil {
		for _, typ := range []string{
			mediastorage.TypeHTML, mediastorage.TypeJSON, mediastorage.TypePDF,
			mediastorage.TypeEPUB, mediastorage.TypeHTMLZip,
		} {
			dir := mediastorage.Path(typ, args.Project, args.Version, "")
			if err := s.media.DeleteDirectory(ctx, dir); err != nil {
				return fmt.Errorf("clear %s: %w", dir, err)
			}
		}
	}
	for _, path := range args.Paths {
		if err := RemoveDir(path); err != nil {
			return err
		}
	}
	return nil
}

// RemoveDir deletes a local directory tree. A missing directory is not an
// error.
func RemoveDir(path string) error {
	if path == "" || path == "/" {
		return fmt.Errorf("%w: refusing to remove %q", domain.ErrInvalidArgument, path)
	}
	if err := os.RemoveAll(path); err != nil {
		return fmt.Errorf("remove %s: %w", path, err)
	}
	return nil
}

// RegisterTasks binds the project task handlers.
func (s *Service) RegisterTasks(reg *tasks.Registry) {
	reg.Register(tasks.ClearArtifacts, func(ctx context.Context, t tasks.Task) error {
		var args ClearArtifactsArgs
		if err := t.Decode(&args); err != nil {
			return err
		}
		return s.ClearArtifacts(ctx, args)
	})
}
