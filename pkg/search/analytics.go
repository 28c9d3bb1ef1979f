package search

import (
	"context"
	"sort"
	"time"

	"github.com/readthedocs/rtd/pkg/storage"
)

const (
	analyticsDays = 30
	topPagesLimit = 10
	labelLayout   = "02 Jan"
)

// DailyCounts is a per-day series ready to be graphed.
type DailyCounts struct {
	Labels  []string `json:"labels"`
	IntData []int    `json:"int_data"`
}

// TopPages lists the most viewed pages and their view counts.
type TopPages struct {
	Pages      []string `json:"pages"`
	ViewCounts []int    `json:"view_counts"`
}

func day(t time.Time) time.Time {
	y, m, d := t.UTC().Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

// lastDays returns the 31 days ending today, oldest first.
func lastDays(today time.Time) []time.Time {
	days := make([]time.Time, 0, analyticsDays+1)
	for i := analyticsDays; i >= 0; i-- {
		days = append(days, today.AddDate(0, 0, -i))
	}
	return days
}

func series(today time.Time, counts map[time.Time]int) DailyCounts {
	out := DailyCounts{Labels: []string{}, IntData: []int{}}
	for _, d := range lastDays(today) {
		out.Labels = append(out.Labels, d.Format(labelLayout))
		out.IntData = append(out.IntData, counts[d])
	}
	return out
}

// QueriesCountOfOneMonth counts the searches made on a project each day of
// the last 30 days, today included.
func QueriesCountOfOneMonth(ctx context.Context, store *storage.Store, project string) (DailyCounts, error) {
	var out DailyCounts
	err := store.View(ctx, func(tx *storage.Tx) error {
		today := day(tx.Now())
		from := today.AddDate(0, 0, -analyticsDays)
		queries, err := tx.SearchQueries(project)
		if err != nil {
			return err
		}
		counts := map[time.Time]int{}
		for _, q := range queries {
			d := day(q.Created)
			if d.Before(from) || d.After(today) {
				continue
			}
			counts[d]++
		}
		out = series(today, counts)
		return nil
	})
	return out, err
}

// TopViewedPages returns the ten most viewed pages since the given day, 30
// days ago when since is nil.
func TopViewedPages(ctx context.Context, store *storage.Store, project string, since *time.Time) (TopPages, error) {
	out := TopPages{Pages: []string{}, ViewCounts: []int{}}
	err := store.View(ctx, func(tx *storage.Tx) error {
		from := day(tx.Now()).AddDate(0, 0, -analyticsDays)
		if since != nil {
			from = day(*since)
		}
		views, err := tx.PageViews(project)
		if err != nil {
			return err
		}
		totals := map[string]int{}
		for _, v := range views {
			if day(v.Date).Before(from) {
				continue
			}
			totals[v.Path] += v.Count
		}
		pages := make([]string, 0, len(totals))
		for p := range totals {
			pages = append(pages, p)
		}
		sort.Slice(pages, func(i, j int) bool {
			if totals[pages[i]] != totals[pages[j]] {
				return totals[pages[i]] > totals[pages[j]]
			}
			return pages[i] < pages[j]
		})
		if len(pages) > topPagesLimit {
			pages = pages[:topPagesLimit]
		}
		for _, p := range pages {
			out.Pages = append(out.Pages, p)
			out.ViewCounts = append(out.ViewCounts, totals[p])
		}
		return nil
	})
	return out, err
}

// PageViewsByDate sums a project's page views per day for the last 30
// days. Only days strictly after since count; since defaults to 30 days ago.
func PageViewsByDate(ctx context.Context, store *storage.Store, project string, since *time.Time) (DailyCounts, error) {
	var out DailyCounts
	err := store.View(ctx, func(tx *storage.Tx) error {
		today := day(tx.Now())
		from := today.AddDate(0, 0, -analyticsDays)
		if since != nil {
			from = day(*since)
		}
		views, err := tx.PageViews(project)
		if err != nil {
			return err
		}
		counts := map[time.Time]int{}
		for _, v := range views {
			d := day(v.Date)
			if !d.After(from) {
				continue
			}
			counts[d] += v.Count
		}
		out = series(today, counts)
		return nil
	})
	return out, err
}
