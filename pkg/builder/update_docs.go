package builder

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/readthedocs/rtd/pkg/apiclient"
	"github.com/readthedocs/rtd/pkg/domain"
	"github.com/readthedocs/rtd/pkg/logging"
	"github.com/readthedocs/rtd/pkg/mediastorage"
	"github.com/readthedocs/rtd/pkg/projects"
	"github.com/readthedocs/rtd/pkg/tasks"
)

// GenericError is stored on builds that failed for reasons outside the
// user's project.
const GenericError = "There was a problem with Read the Docs while building your documentation. Please try again later."

// API is the part of the v2 API a builder talks to.
type API interface {
	Project(ctx context.Context, slug string) (*domain.Project, error)
	Version(ctx context.Context, project, slug string) (*domain.Version, error)
	Build(ctx context.Context, id int) (*domain.Build, error)
	UpdateBuild(ctx context.Context, id int, patch apiclient.BuildPatch) (*domain.Build, error)
}

// FileSyncer records the pages a build produced, typically the search
// indexer.
type FileSyncer interface {
	SyncFiles(ctx context.Context, project, version, commit string, build int, paths []string) error
}

// Updater runs the projects.update_docs task: it builds a checkout with
// mkdocs, uploads the output and reports progress on the build record.
type Updater struct {
	api      API
	media    mediastorage.Storage
	files    FileSyncer
	settings Settings
	docRoot  string
	runner   Runner
	hostname string
	logger   *slog.Logger
}

// UpdaterOption customises an Updater.
type UpdaterOption func(*Updater)

// WithFileSyncer registers built pages after each successful upload.
func WithFileSyncer(fs FileSyncer) UpdaterOption {
	return func(u *Updater) { u.files = fs }
}

// WithRunner replaces the process runner.
func WithRunner(r Runner) UpdaterOption {
	return func(u *Updater) { u.runner = r }
}

// WithUpdaterLogger sets the logger.
func WithUpdaterLogger(l *slog.Logger) UpdaterOption {
	return func(u *Updater) { u.logger = l }
}

// NewUpdater creates an Updater building checkouts found under docRoot.
func NewUpdater(api API, media mediastorage.Storage, settings Settings, docRoot string, opts ...UpdaterOption) *Updater {
	u := &Updater{api: api, media: media, settings: settings, docRoot: docRoot}
	for _, opt := range opts {
		opt(u)
	}
	u.logger = logging.OrDefault(u.logger)
	if u.runner == nil {
		u.runner = ExecRunner{Logger: u.logger}
	}
	u.hostname, _ = os.Hostname()
	return u
}

// CheckoutPath is where the sources of a version are checked out.
func CheckoutPath(docRoot, project, version string) string {
	return filepath.Join(docRoot, project, "checkouts", version)
}

func ptr[T any](v T) *T { return &v }

func (u *Updater) setState(ctx context.Context, id int, state domain.BuildState) error {
	_, err := u.api.UpdateBuild(ctx, id, apiclient.BuildPatch{State: ptr(state), Builder: ptr(u.hostname)})
	return err
}

// UpdateDocs builds and uploads one version. Failures caused by the project
// are stored on the build and not returned.
func (u *Updater) UpdateDocs(ctx context.Context, args projects.UpdateDocsArgs) error {
	start := time.Now()
	log := u.logger.With("project", args.Project, "version", args.Version, "build", args.Build)

	err := u.run(ctx, args, log)
	length := int(time.Since(start).Seconds())
	patch := apiclient.BuildPatch{
		State:   ptr(domain.BuildFinished),
		Success: ptr(err == nil),
		Length:  ptr(length),
	}
	if err != nil {
		msg := GenericError
		var be *BuildError
		if errors.As(err, &be) {
			msg = be.Message
		}
		patch.Error = ptr(msg)
		log.Warn("build failed", "error", err)
	} else {
		log.Info("build finished", "length", length)
	}
	if _, perr := u.api.UpdateBuild(ctx, args.Build, patch); perr != nil {
		return errors.Join(err, fmt.Errorf("report build %d: %w", args.Build, perr))
	}
	if IsBuildError(err) {
		return nil
	}
	return err
}

func (u *Updater) run(ctx context.Context, args projects.UpdateDocsArgs, log *slog.Logger) error {
	build, err := u.api.Build(ctx, args.Build)
	if err != nil {
		return err
	}
	project, err := u.api.Project(ctx, args.Project)
	if err != nil {
		return err
	}
	version, err := u.api.Version(ctx, args.Project, args.Version)
	if err != nil {
		return err
	}

	checkout := CheckoutPath(u.docRoot, project.Slug, version.Slug)
	if info, err := os.Stat(checkout); err != nil || !info.IsDir() {
		return &BuildError{Message: fmt.Sprintf("No checkout found for version %s.", version.Slug)}
	}
	if err := u.setState(ctx, args.Build, domain.BuildBuilding); err != nil {
		return err
	}

	opts := Options{
		Project:  *project,
		Version:  *version,
		Checkout: checkout,
		Commit:   build.Commit,
		Settings: u.settings,
		Runner:   u.runner,
		Logger:   u.logger,
	}
	html := New(HTML, opts)
	if err := html.AppendConf(); err != nil {
		return err
	}
	res, err := html.Build(ctx)
	if err != nil {
		return err
	}
	if !res.Successful() {
		return Failure(HTML, res)
	}

	search := New(JSON, opts)
	searchOK := false
	if res, err := search.Build(ctx); err != nil {
		log.Warn("search build failed", "error", err)
	} else if !res.Successful() {
		log.Warn("search build failed", "exit_code", res.ExitCode)
	} else {
		searchOK = true
	}

	if err := u.setState(ctx, args.Build, domain.BuildUploading); err != nil {
		return err
	}
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return u.media.SyncDirectory(gctx, html.OutputDir(), mediastorage.HTMLPath(project.Slug, version.Slug, ""))
	})
	if searchOK {
		g.Go(func() error {
			return u.media.SyncDirectory(gctx, search.OutputDir(), mediastorage.Path(mediastorage.TypeJSON, project.Slug, version.Slug, ""))
		})
	}
	if err := g.Wait(); err != nil {
		return fmt.Errorf("upload: %w", err)
	}

	if u.files != nil && searchOK {
		pages, err := HTMLPages(html.OutputDir())
		if err != nil {
			return err
		}
		if err := u.files.SyncFiles(ctx, project.Slug, version.Slug, build.Commit, args.Build, pages); err != nil {
			log.Warn("indexing failed", "error", err)
		}
	}
	return nil
}

// HTMLPages lists the .html files below dir as slash separated relative
// paths.
func HTMLPages(dir string) ([]string, error) {
	var pages []string
	err := filepath.WalkDir(dir, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || !strings.HasSuffix(p, ".html") {
			return nil
		}
		rel, err := filepath.Rel(dir, p)
		if err != nil {
			return err
		}
		pages = append(pages, filepath.ToSlash(rel))
		return nil
	})
	return pages, err
}

// RegisterTasks binds projects.update_docs.
func (u *Updater) RegisterTasks(reg *tasks.Registry) {
	reg.Register(tasks.UpdateDocs, func(ctx context.Context, t tasks.Task) error {
		var args projects.UpdateDocsArgs
		if err := t.Decode(&args); err != nil {
			return err
		}
		return u.UpdateDocs(ctx, args)
	})
}
