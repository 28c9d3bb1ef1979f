package search

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/readthedocs/rtd/pkg/domain"
	"github.com/readthedocs/rtd/pkg/mediastorage"
	"github.com/readthedocs/rtd/pkg/storage"
	"github.com/readthedocs/rtd/pkg/tasks"
)

const installBody = `<div class="section" id="pip">
<h1>Pip<a class="headerlink" href="#pip">¶</a></h1>
<p>The package installer.</p>
<div class="section" id="install">
<h2>Install<a class="headerlink" href="#install">¶</a></h2>
<p>Run pip install.</p>
<dl class="function">
<dt id="pip.main">pip.main(args)<a class="headerlink" href="#pip.main">¶</a></dt>
<dd><p>Entry point.</p></dd>
</dl>
</div>
</div>`

func fjsonDoc(t *testing.T, name, title, body string) []byte {
	t.Helper()
	raw, err := json.Marshal(map[string]string{
		"current_page_name": name,
		"title":             title,
		"body":              body,
	})
	require.NoError(t, err)
	return raw
}

func TestParseContent(t *testing.T) {
	assert.Equal(t, "Body. More", ParseContent("Title¶\nBody.\n  More...  ", true))
	assert.Equal(t, "Title. Body", ParseContent("Title¶\nBody", false))
	assert.Equal(t, "Only", ParseContent("Only.", true))
}

func TestParseJSON(t *testing.T) {
	page, err := ParseJSON("install.fjson", fjsonDoc(t, "install", "<em>Pip</em> install¶", installBody), nil)
	require.NoError(t, err)

	assert.Equal(t, "install", page.Path)
	assert.Equal(t, "Pip install", page.Title)
	require.Len(t, page.Sections, 2)
	assert.Equal(t, domain.PageSection{ID: "pip", Title: "Pip", Content: "The package installer"}, page.Sections[0])
	assert.Equal(t, domain.PageSection{
		ID:      "install",
		Title:   "Install",
		Content: "Run pip install. pip.main(args). Entry point",
	}, page.Sections[1])
	assert.Equal(t, map[string]domain.DomainObject{
		"pip.main": {Signature: "pip.main(args)", Docstrings: "Entry point"},
	}, page.DomainData)
}

func TestParseJSONMissingFields(t *testing.T) {
	page, err := ParseJSON("empty.fjson", []byte(`{}`), nil)
	require.NoError(t, err)
	assert.Empty(t, page.Path)
	assert.Empty(t, page.Title)
	assert.Empty(t, page.Sections)
	assert.Empty(t, page.DomainData)

	_, err = ParseJSON("bad.fjson", []byte(`{`), nil)
	assert.Error(t, err)
}

func TestProcessFile(t *testing.T) {
	name := filepath.Join(t.TempDir(), "install.fjson")
	require.NoError(t, os.WriteFile(name, fjsonDoc(t, "install", "Install", installBody), 0o644))
	page, err := ProcessFile(name, nil)
	require.NoError(t, err)
	assert.Equal(t, "install", page.Path)

	_, err = ProcessFile(filepath.Join(t.TempDir(), "missing.fjson"), nil)
	assert.Error(t, err)
}

func TestFJSONPath(t *testing.T) {
	assert.Equal(t, "index.fjson", FJSONPath("index.html"))
	assert.Equal(t, "install.fjson", FJSONPath("install.html"))
	assert.Equal(t, "guide/install.fjson", FJSONPath("guide/install/index.html"))
}

type indexFixture struct {
	store   *storage.Store
	media   *mediastorage.FileSystem
	indexer *Indexer
}

func newIndexFixture(t *testing.T, broker tasks.Broker) *indexFixture {
	t.Helper()
	media, err := mediastorage.NewFileSystem(t.TempDir(), "/media/")
	require.NoError(t, err)
	store := storage.NewMemoryStore()
	return &indexFixture{store: store, media: media, indexer: NewIndexer(store, broker, media, nil)}
}

func (f *indexFixture) save(t *testing.T, version, file string, raw []byte) {
	t.Helper()
	name := mediastorage.Path(mediastorage.TypeJSON, "pip", version, file)
	require.NoError(t, f.media.Save(context.Background(), name, strings.NewReader(string(raw))))
}

func TestIndexerSyncAndSearch(t *testing.T) {
	ctx := context.Background()
	f := newIndexFixture(t, nil)
	f.save(t, "latest", "install.fjson", fjsonDoc(t, "install", "Install", installBody))
	f.save(t, "latest", "index.fjson", fjsonDoc(t, "index", "Welcome", `<div class="section" id="w"><h2>Welcome</h2><p>Hello.</p></div>`))

	require.NoError(t, f.indexer.SyncFiles(ctx, "pip", "latest", "abc", 1, []string{"install.html", "index.html", "missing.html"}))

	results, err := f.indexer.Search(ctx, Query{Project: "pip", Version: "latest", Term: "install", Record: true})
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, "install.html", results[0].Path)
	assert.Equal(t, []string{"pip", "install"}, results[0].Sections)

	results, err = f.indexer.Search(ctx, Query{Project: "pip", Term: "pip entry"})
	require.NoError(t, err)
	require.Len(t, results, 1)

	results, err = f.indexer.Search(ctx, Query{Project: "pip", Term: "   "})
	require.NoError(t, err)
	assert.Empty(t, results)

	// A later build that drops install.html removes its document.
	require.NoError(t, f.indexer.SyncFiles(ctx, "pip", "latest", "def", 2, []string{"index.html"}))
	results, err = f.indexer.Search(ctx, Query{Project: "pip", Version: "latest", Term: "install"})
	require.NoError(t, err)
	assert.Empty(t, results)

	require.NoError(t, f.store.View(ctx, func(tx *storage.Tx) error {
		files, err := tx.HTMLFiles("pip", "latest")
		require.NoError(t, err)
		require.Len(t, files, 1)
		assert.Equal(t, 2, files[0].Build)

		queries, err := tx.SearchQueries("pip")
		require.NoError(t, err)
		require.Len(t, queries, 1)
		assert.Equal(t, 1, queries[0].TotalResults)
		return nil
	}))
}

func TestIndexerQueuesIndexTask(t *testing.T) {
	ctx := context.Background()
	broker := tasks.NewMemoryBroker(1, 8, nil, nil)
	t.Cleanup(func() { _ = broker.Close() })
	f := newIndexFixture(t, broker)
	f.save(t, "latest", "install.fjson", fjsonDoc(t, "install", "Install", installBody))

	require.NoError(t, f.indexer.SyncFiles(ctx, "pip", "latest", "abc", 1, []string{"install.html"}))
	require.Len(t, broker.Pending(tasks.QueueWeb), 1)

	reg := tasks.NewRegistry()
	f.indexer.RegisterTasks(reg)
	task, err := tasks.New(tasks.IndexObjects, tasks.QueueWeb, IndexArgs{Project: "pip", Version: "latest", Paths: []string{"install.html"}})
	require.NoError(t, err)
	require.NoError(t, reg.Dispatch(ctx, task))

	results, err := f.indexer.Search(ctx, Query{Project: "pip", Term: "installer"})
	require.NoError(t, err)
	require.Len(t, results, 1)

	task, err = tasks.New(tasks.DeleteObjects, tasks.QueueWeb, DeleteArgs{Project: "pip", Version: "latest"})
	require.NoError(t, err)
	require.NoError(t, reg.Dispatch(ctx, task))
	results, err = f.indexer.Search(ctx, Query{Project: "pip", Term: "installer"})
	require.NoError(t, err)
	assert.Empty(t, results)
}

var now = time.Date(2020, time.July, 16, 12, 0, 0, 0, time.UTC)

func TestQueriesCountOfOneMonth(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryStore().WithClock(func() time.Time { return now })
	require.NoError(t, store.Update(ctx, func(tx *storage.Tx) error {
		for _, created := range []time.Time{now, now.Add(-time.Hour), now.AddDate(0, 0, -30), now.AddDate(0, 0, -31)} {
			if err := tx.PutSearchQuery(&domain.SearchQuery{Project: "pip", Version: "latest", Query: "q", Created: created}); err != nil {
				return err
			}
		}
		return nil
	}))

	counts, err := QueriesCountOfOneMonth(ctx, store, "pip")
	require.NoError(t, err)
	require.Len(t, counts.Labels, 31)
	require.Len(t, counts.IntData, 31)
	assert.Equal(t, "16 Jun", counts.Labels[0])
	assert.Equal(t, "16 Jul", counts.Labels[30])
	assert.Equal(t, 1, counts.IntData[0])
	assert.Equal(t, 2, counts.IntData[30])
}

func TestPageViewAnalytics(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryStore().WithClock(func() time.Time { return now })
	require.NoError(t, store.Update(ctx, func(tx *storage.Tx) error {
		for i := 0; i < 12; i++ {
			page := "page" + string(rune('a'+i)) + ".html"
			for n := 0; n <= i; n++ {
				if err := tx.IncrementPageView("pip", "latest", page, now); err != nil {
					return err
				}
			}
		}
		// Too old for the default window.
		for n := 0; n < 50; n++ {
			if err := tx.IncrementPageView("pip", "latest", "old.html", now.AddDate(0, 0, -40)); err != nil {
				return err
			}
		}
		return tx.IncrementPageView("pip", "stable", "pagea.html", now.AddDate(0, 0, -1))
	}))

	top, err := TopViewedPages(ctx, store, "pip", nil)
	require.NoError(t, err)
	require.Len(t, top.Pages, 10)
	assert.Equal(t, "pagel.html", top.Pages[0])
	assert.Equal(t, 12, top.ViewCounts[0])
	assert.NotContains(t, top.Pages, "old.html")

	since := now.AddDate(0, 0, -60)
	top, err = TopViewedPages(ctx, store, "pip", &since)
	require.NoError(t, err)
	assert.Equal(t, "old.html", top.Pages[0])

	byDate, err := PageViewsByDate(ctx, store, "pip", nil)
	require.NoError(t, err)
	require.Len(t, byDate.IntData, 31)
	assert.Equal(t, 78, byDate.IntData[30])
	assert.Equal(t, 1, byDate.IntData[29])
	assert.Equal(t, 0, byDate.IntData[0])
}
