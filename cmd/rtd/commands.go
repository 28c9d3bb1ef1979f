package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"path/filepath"
	"strconv"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/readthedocs/rtd/pkg/builder"
	"github.com/readthedocs/rtd/pkg/domain"
	"github.com/readthedocs/rtd/pkg/mediastorage"
	"github.com/readthedocs/rtd/pkg/oauth"
	"github.com/readthedocs/rtd/pkg/search"
	"github.com/readthedocs/rtd/pkg/storage"
)

// withComponents opens the shared components for the duration of fn.
func (a *app) withComponents(ctx context.Context, fn func(*components) error) error {
	c, err := a.openComponents(ctx)
	if err != nil {
		return err
	}
	err = fn(c)
	return errors.Join(err, c.Close())
}

func newSyncVCSDataCmd(a *app) *cobra.Command {
	opts := oauth.DefaultSyncVCSOptions()
	cmd := &cobra.Command{
		Use:   "sync-vcs-data",
		Short: "Queue a VCS provider re-sync for users with connected accounts",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return a.withComponents(cmd.Context(), func(c *components) error {
				if c.memory != nil && !opts.DryRun {
					a.logger.Warn("in-memory broker: queued tasks only run inside this process")
				}
				queued, err := oauth.SyncVCSData(cmd.Context(), c.store, c.broker, opts, cmd.OutOrStdout())
				if err != nil {
					return err
				}
				a.logger.Info("sync tasks queued", "count", len(queued), "queue", opts.Queue)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&opts.Queue, "queue", opts.Queue, "Queue receiving the re-sync tasks")
	cmd.Flags().StringSliceVar(&opts.Users, "users", nil, "Only re-sync these usernames")
	cmd.Flags().StringSliceVar(&opts.SkipUsers, "skip-users", nil, "Never re-sync these usernames")
	cmd.Flags().IntVar(&opts.MaxUsers, "max-users", opts.MaxUsers, "Maximum users to re-sync, negative for all")
	cmd.Flags().BoolVar(&opts.Force, "force", false, "Include users whose repositories were already synced")
	cmd.Flags().BoolVar(&opts.DryRun, "dry-run", false, "Only report what would be queued")
	return cmd
}

type buildOptions struct {
	project  string
	version  string
	checkout string
	commit   string
	search   bool
	upload   bool
}

func newBuildCmd(a *app) *cobra.Command {
	opts := &buildOptions{}
	cmd := &cobra.Command{
		Use:   "build",
		Short: "Build a local checkout with mkdocs",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return a.withComponents(cmd.Context(), func(c *components) error {
				return a.build(cmd.Context(), c, opts, cmd.OutOrStdout())
			})
		},
	}
	cmd.Flags().StringVarP(&opts.project, "project", "p", "", "Project slug")
	cmd.Flags().StringVarP(&opts.version, "version", "v", "latest", "Version slug")
	cmd.Flags().StringVar(&opts.checkout, "checkout", "", "Checkout directory, defaults to the builder doc root")
	cmd.Flags().StringVar(&opts.commit, "commit", "", "Commit recorded in the generated data")
	cmd.Flags().BoolVar(&opts.search, "search", false, "Also render the JSON output used for search")
	cmd.Flags().BoolVar(&opts.upload, "upload", false, "Upload the output to media storage")
	_ = cmd.MarkFlagRequired("project")
	return cmd
}

func (a *app) build(ctx context.Context, c *components, opts *buildOptions, out io.Writer) error {
	project, version := a.lookup(ctx, c.store, opts.project, opts.version)
	checkout := opts.checkout
	if checkout == "" {
		checkout = builder.CheckoutPath(a.cfg.Builder.DocRoot, project.Slug, version.Slug)
	}
	bopts := builder.Options{
		Project:  *project,
		Version:  *version,
		Checkout: checkout,
		Commit:   opts.commit,
		Settings: builder.SettingsFrom(a.cfg),
		Logger:   a.logger,
	}

	html := builder.New(builder.HTML, bopts)
	if err := html.AppendConf(); err != nil {
		return err
	}
	res, err := html.Build(ctx)
	if err != nil {
		return err
	}
	if !res.Successful() {
		return builder.Failure(builder.HTML, res)
	}
	fmt.Fprintf(out, "HTML written to %s\n", html.OutputDir())

	kinds := []*builder.MkDocs{html}
	if opts.search {
		jsonBuild := builder.New(builder.JSON, bopts)
		res, err := jsonBuild.Build(ctx)
		if err != nil {
			return err
		}
		if !res.Successful() {
			return builder.Failure(builder.JSON, res)
		}
		fmt.Fprintf(out, "JSON written to %s\n", jsonBuild.OutputDir())
		kinds = append(kinds, jsonBuild)
	}

	if !opts.upload {
		return nil
	}
	for _, m := range kinds {
		mediaType := mediastorage.TypeHTML
		if m.Kind() == builder.JSON {
			mediaType = mediastorage.TypeJSON
		}
		dst := mediastorage.Path(mediaType, project.Slug, version.Slug, "")
		if err := c.media.SyncDirectory(ctx, m.OutputDir(), dst); err != nil {
			return fmt.Errorf("upload %s: %w", mediaType, err)
		}
		fmt.Fprintf(out, "Uploaded %s\n", c.media.URL(dst))
	}
	return nil
}

// lookup returns the stored project and version, or bare records carrying
// only the slugs when the store does not know them.
func (a *app) lookup(ctx context.Context, store *storage.Store, projectSlug, versionSlug string) (*domain.Project, *domain.Version) {
	project := &domain.Project{Slug: projectSlug, Name: projectSlug}
	version := &domain.Version{Project: projectSlug, Slug: versionSlug, VerboseName: versionSlug}
	err := store.View(ctx, func(tx *storage.Tx) error {
		p, err := tx.Project(projectSlug)
		if err != nil {
			return err
		}
		project = p
		v, err := tx.Version(projectSlug, versionSlug)
		if err != nil {
			return err
		}
		version = v
		return nil
	})
	if err != nil {
		a.logger.Debug("building without stored metadata", "project", projectSlug, "version", versionSlug, "error", err)
	}
	return project, version
}

type indexOptions struct {
	project string
	version string
	commit  string
	build   int
	jsonDir string
	check   bool
}

func newIndexCmd(a *app) *cobra.Command {
	opts := &indexOptions{}
	cmd := &cobra.Command{
		Use:   "index <html-dir>",
		Short: "Index the pages of a built version for search",
		Long: `Index records every .html page under html-dir for the version and
stores a search document for each, read from the .fjson files in media
storage. With --json-dir the .fjson files are uploaded first.

With --check the .fjson files under html-dir are parsed and summarised
without touching storage.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if opts.check {
				return a.checkFJSON(args[0], cmd.OutOrStdout())
			}
			return a.withComponents(cmd.Context(), func(c *components) error {
				return a.index(cmd.Context(), c, opts, args[0], cmd.OutOrStdout())
			})
		},
	}
	cmd.Flags().StringVarP(&opts.project, "project", "p", "", "Project slug")
	cmd.Flags().StringVarP(&opts.version, "version", "v", "latest", "Version slug")
	cmd.Flags().StringVar(&opts.commit, "commit", "", "Commit the pages were built from")
	cmd.Flags().IntVar(&opts.build, "build", 0, "Build id the pages belong to")
	cmd.Flags().StringVar(&opts.jsonDir, "json-dir", "", "Local mkdocs json output to upload before indexing")
	cmd.Flags().BoolVar(&opts.check, "check", false, "Only parse the .fjson files under the directory and print a summary")
	_ = cmd.MarkFlagRequired("project")
	return cmd
}

// checkFJSON parses every .fjson file under dir and prints one line per
// page. Files that fail to parse are listed and make the command fail.
func (a *app) checkFJSON(dir string, out io.Writer) error {
	w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "FILE\tPATH\tTITLE\tSECTIONS")
	failed := 0
	err := filepath.WalkDir(dir, func(name string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() || filepath.Ext(name) != ".fjson" {
			return err
		}
		rel, _ := filepath.Rel(dir, name)
		page, perr := search.ProcessFile(name, a.logger)
		if perr != nil {
			failed++
			fmt.Fprintf(w, "%s\t-\t%v\t-\n", rel, perr)
			return nil
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%d\n", rel, page.Path, page.Title, len(page.Sections))
		return nil
	})
	if ferr := w.Flush(); err == nil {
		err = ferr
	}
	if err != nil {
		return err
	}
	if failed > 0 {
		return fmt.Errorf("%w: %d .fjson file(s) could not be parsed", domain.ErrInvalidArgument, failed)
	}
	return nil
}

func (a *app) index(ctx context.Context, c *components, opts *indexOptions, htmlDir string, out io.Writer) error {
	if opts.jsonDir != "" {
		dst := mediastorage.Path(mediastorage.TypeJSON, opts.project, opts.version, "")
		if err := c.media.SyncDirectory(ctx, opts.jsonDir, dst); err != nil {
			return fmt.Errorf("upload json output: %w", err)
		}
	}
	pages, err := builder.HTMLPages(htmlDir)
	if err != nil {
		return err
	}
	indexer := search.NewIndexer(c.store, nil, c.media, a.logger)
	if err := indexer.SyncFiles(ctx, opts.project, opts.version, opts.commit, opts.build, pages); err != nil {
		return err
	}
	fmt.Fprintf(out, "Indexed %d page(s) of %s/%s\n", len(pages), opts.project, opts.version)
	return nil
}

func newRulesCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "rules",
		Short: "Manage the version automation rules of a project",
	}
	var project string
	cmd.PersistentFlags().StringVarP(&project, "project", "p", "", "Project slug")
	_ = cmd.MarkPersistentFlagRequired("project")

	list := &cobra.Command{
		Use:   "list",
		Short: "List rules in priority order",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return a.withComponents(cmd.Context(), func(c *components) error {
				rules, err := c.projects.Rules().List(cmd.Context(), project)
				if err != nil {
					return err
				}
				return printRules(cmd.OutOrStdout(), rules)
			})
		},
	}

	rule := domain.AutomationRule{}
	var versionType string
	appendCmd := &cobra.Command{
		Use:   "append",
		Short: "Add a rule with the lowest priority",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			rule.Project = project
			rule.VersionType = domain.VersionType(versionType)
			return a.withComponents(cmd.Context(), func(c *components) error {
				if err := c.projects.Rules().Append(cmd.Context(), &rule); err != nil {
					return err
				}
				return writeJSON(cmd.OutOrStdout(), rule)
			})
		},
	}
	appendCmd.Flags().StringVar(&rule.Description, "description", "", "Rule description")
	appendCmd.Flags().StringVar(&rule.MatchArg, "match", "", "Regular expression matched against version names")
	appendCmd.Flags().StringVar(&rule.PredefinedMatchArg, "predefined-match", "", "Predefined match (all-versions, semver-versions)")
	appendCmd.Flags().StringVar(&rule.Action, "action", "", "Action applied to matching versions")
	appendCmd.Flags().StringVar(&rule.ActionArg, "action-arg", "", "Argument of the action")
	appendCmd.Flags().StringVar(&versionType, "version-type", string(domain.VersionTag), "Version type the rule applies to (branch, tag)")
	_ = appendCmd.MarkFlagRequired("action")

	var steps int
	move := &cobra.Command{
		Use:   "move <rule-id>",
		Short: "Move a rule up (negative steps) or down (positive steps)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := strconv.Atoi(args[0])
			if err != nil {
				return fmt.Errorf("invalid rule id %q", args[0])
			}
			return a.withComponents(cmd.Context(), func(c *components) error {
				moved, err := c.projects.Rules().Move(cmd.Context(), project, id, steps)
				if err != nil {
					return err
				}
				return writeJSON(cmd.OutOrStdout(), moved)
			})
		},
	}
	move.Flags().IntVar(&steps, "steps", 1, "Positions to move the rule")

	del := &cobra.Command{
		Use:   "delete <rule-id>",
		Short: "Delete a rule",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := strconv.Atoi(args[0])
			if err != nil {
				return fmt.Errorf("invalid rule id %q", args[0])
			}
			return a.withComponents(cmd.Context(), func(c *components) error {
				return c.projects.Rules().Delete(cmd.Context(), project, id)
			})
		},
	}

	cmd.AddCommand(list, appendCmd, move, del)
	return cmd
}

func printRules(out io.Writer, rules []domain.AutomationRule) error {
	w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tPRIORITY\tTYPE\tMATCH\tACTION\tDESCRIPTION")
	for _, r := range rules {
		match := r.MatchArg
		if r.PredefinedMatchArg != "" {
			match = r.PredefinedMatchArg
		}
		fmt.Fprintf(w, "%d\t%d\t%s\t%s\t%s\t%s\n", r.ID, r.Priority, r.VersionType, match, r.Action, r.Description)
	}
	return w.Flush()
}

func writeJSON(out io.Writer, v any) error {
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
