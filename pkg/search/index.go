package search

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path"
	"slices"
	"sort"
	"strings"

	"github.com/readthedocs/rtd/pkg/domain"
	"github.com/readthedocs/rtd/pkg/logging"
	"github.com/readthedocs/rtd/pkg/mediastorage"
	"github.com/readthedocs/rtd/pkg/storage"
	"github.com/readthedocs/rtd/pkg/tasks"
)

// IndexArgs are the arguments of the search.index_objects task.
type IndexArgs struct {
	Project string   `json:"project"`
	Version string   `json:"version"`
	Build   int      `json:"build,omitempty"`
	Commit  string   `json:"commit,omitempty"`
	Paths   []string `json:"paths"`
}

// DeleteArgs are the arguments of the search.delete_objects task. An empty
// Paths removes the whole version.
type DeleteArgs struct {
	Project string   `json:"project"`
	Version string   `json:"version"`
	Paths   []string `json:"paths,omitempty"`
}

// Indexer keeps page documents in sync with the HTML files of each build.
type Indexer struct {
	store  *storage.Store
	broker tasks.Broker
	media  mediastorage.Storage
	logger *slog.Logger
}

// NewIndexer creates an Indexer. media is where the .fjson output of builds
// is read from; broker may be nil, in which case indexing runs inline.
func NewIndexer(store *storage.Store, broker tasks.Broker, media mediastorage.Storage, logger *slog.Logger) *Indexer {
	return &Indexer{store: store, broker: broker, media: media, logger: logging.OrDefault(logger)}
}

// SyncFiles records the HTML pages produced by a build, drops the pages
// from earlier builds and updates the index for both sets.
func (ix *Indexer) SyncFiles(ctx context.Context, project, version, commit string, build int, paths []string) error {
	var removed []domain.HTMLFile
	err := ix.store.Update(ctx, func(tx *storage.Tx) error {
		for _, p := range paths {
			f := &domain.HTMLFile{
				Project: project,
				Version: version,
				Path:    p,
				Name:    path.Base(p),
				Commit:  commit,
				Build:   build,
			}
			if err := tx.PutHTMLFile(f); err != nil {
				return err
			}
		}
		var err error
		removed, err = tx.DeleteHTMLFiles(project, version, build)
		return err
	})
	if err != nil {
		return fmt.Errorf("sync html files of %s/%s: %w", project, version, err)
	}

	if len(removed) > 0 {
		stale := make([]string, 0, len(removed))
		for _, f := range removed {
			stale = append(stale, f.Path)
		}
		if err := ix.Delete(ctx, DeleteArgs{Project: project, Version: version, Paths: stale}); err != nil {
			return err
		}
	}
	if len(paths) == 0 {
		return nil
	}
	return ix.dispatch(ctx, tasks.IndexObjects, IndexArgs{
		Project: project,
		Version: version,
		Build:   build,
		Commit:  commit,
		Paths:   paths,
	})
}

func (ix *Indexer) dispatch(ctx context.Context, name string, args IndexArgs) error {
	if ix.broker == nil {
		return ix.Index(ctx, args)
	}
	_, err := tasks.Enqueue(ctx, ix.broker, tasks.QueueWeb, name, args)
	return err
}

// Index reads the .fjson output of each page from media storage and stores
// its search document. Pages that cannot be read or parsed are logged and
// skipped.
func (ix *Indexer) Index(ctx context.Context, args IndexArgs) error {
	if ix.media == nil {
		return errors.New("search index: no media storage configured")
	}
	docs := make([]domain.PageDocument, 0, len(args.Paths))
	for _, p := range args.Paths {
		name := mediastorage.Path(mediastorage.TypeJSON, args.Project, args.Version, FJSONPath(p))
		page, err := ix.load(ctx, name)
		if err != nil {
			ix.logger.Warn("skipping page", "project", args.Project, "version", args.Version, "path", p, "error", err)
			continue
		}
		docs = append(docs, Document(args.Project, args.Version, args.Commit, args.Build, p, page))
	}
	return ix.Put(ctx, docs...)
}

func (ix *Indexer) load(ctx context.Context, name string) (*Page, error) {
	r, err := ix.media.Open(ctx, name)
	if err != nil {
		return nil, err
	}
	defer r.Close()
	raw, err := io.ReadAll(r)
	if err != nil {
		return nil, err
	}
	return ParseJSON(name, raw, ix.logger)
}

// Put stores documents directly.
func (ix *Indexer) Put(ctx context.Context, docs ...domain.PageDocument) error {
	if len(docs) == 0 {
		return nil
	}
	return ix.store.Update(ctx, func(tx *storage.Tx) error {
		for i := range docs {
			if err := tx.PutPageDocument(&docs[i]); err != nil {
				return err
			}
		}
		return nil
	})
}

// Delete removes documents for the given pages, or for the whole version
// when no paths are given.
func (ix *Indexer) Delete(ctx context.Context, args DeleteArgs) error {
	return ix.store.Update(ctx, func(tx *storage.Tx) error {
		if len(args.Paths) == 0 {
			return tx.DeletePageDocuments(args.Project, args.Version)
		}
		for _, p := range args.Paths {
			if err := tx.DeletePageDocument(args.Project, args.Version, p); err != nil {
				return err
			}
		}
		return nil
	})
}

// RegisterTasks binds the indexing task handlers.
func (ix *Indexer) RegisterTasks(reg *tasks.Registry) {
	reg.Register(tasks.IndexObjects, func(ctx context.Context, t tasks.Task) error {
		var args IndexArgs
		if err := t.Decode(&args); err != nil {
			return err
		}
		return ix.Index(ctx, args)
	})
	reg.Register(tasks.DeleteObjects, func(ctx context.Context, t tasks.Task) error {
		var args DeleteArgs
		if err := t.Decode(&args); err != nil {
			return err
		}
		return ix.Delete(ctx, args)
	})
}

// FJSONPath maps an HTML page path to the .fjson file Sphinx writes for it:
// "install.html" and "install/index.html" both read "install.fjson".
func FJSONPath(htmlPath string) string {
	p := strings.TrimSuffix(htmlPath, ".html")
	if p != "index" {
		p = strings.TrimSuffix(p, "/index")
	}
	return p + ".fjson"
}

// Document builds the stored form of a parsed page.
func Document(project, version, commit string, build int, htmlPath string, page *Page) domain.PageDocument {
	doc := domain.PageDocument{
		Project:    project,
		Version:    version,
		Path:       htmlPath,
		Title:      page.Title,
		Sections:   page.Sections,
		DomainData: page.DomainData,
		Commit:     commit,
		Build:      build,
	}
	if page.Path != "" && doc.Path == "" {
		doc.Path = page.Path
	}
	return doc
}

// Query is a search over one project.
type Query struct {
	Project string
	// Version restricts the search; empty searches every version.
	Version string
	Term    string
	// Record stores the query for analytics.
	Record bool
}

// Result is one matching page.
type Result struct {
	Project  string   `json:"project"`
	Version  string   `json:"version"`
	Path     string   `json:"path"`
	Title    string   `json:"title"`
	Score    int      `json:"score"`
	Sections []string `json:"sections,omitempty"`
}

// Search returns pages containing every word of the term, best first.
// Title hits weigh more than section or docstring hits.
func (ix *Indexer) Search(ctx context.Context, q Query) ([]Result, error) {
	words := strings.Fields(strings.ToLower(q.Term))
	if len(words) == 0 {
		return []Result{}, nil
	}
	results := []Result{}
	err := ix.store.Update(ctx, func(tx *storage.Tx) error {
		docs, err := tx.PageDocuments(q.Project, q.Version)
		if err != nil {
			return err
		}
		for _, doc := range docs {
			if r, ok := score(doc, words); ok {
				results = append(results, r)
			}
		}
		if !q.Record || q.Version == "" {
			return nil
		}
		return tx.PutSearchQuery(&domain.SearchQuery{
			Project:      q.Project,
			Version:      q.Version,
			Query:        q.Term,
			TotalResults: len(results),
		})
	})
	if err != nil {
		return nil, err
	}
	sort.SliceStable(results, func(i, j int) bool {
		if results[i].Score != results[j].Score {
			return results[i].Score > results[j].Score
		}
		return results[i].Path < results[j].Path
	})
	return results, nil
}

func score(doc domain.PageDocument, words []string) (Result, bool) {
	r := Result{Project: doc.Project, Version: doc.Version, Path: doc.Path, Title: doc.Title}
	title := strings.ToLower(doc.Title)
	for _, w := range words {
		hits := 3 * strings.Count(title, w)
		for _, s := range doc.Sections {
			n := strings.Count(strings.ToLower(s.Title), w)*2 + strings.Count(strings.ToLower(s.Content), w)
			if n > 0 && !slices.Contains(r.Sections, s.ID) {
				r.Sections = append(r.Sections, s.ID)
			}
			hits += n
		}
		for id, obj := range doc.DomainData {
			hits += strings.Count(strings.ToLower(id), w) +
				strings.Count(strings.ToLower(obj.Signature), w) +
				strings.Count(strings.ToLower(obj.Docstrings), w)
		}
		if hits == 0 {
			return Result{}, false
		}
		r.Score += hits
	}
	return r, true
}
