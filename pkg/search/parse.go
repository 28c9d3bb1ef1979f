// Package search turns built Sphinx pages into search documents, answers
// queries over them and aggregates search and page view analytics.
package search

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"

	"github.com/readthedocs/rtd/pkg/domain"
	"github.com/readthedocs/rtd/pkg/logging"
)

const pilcrow = "¶"

// Page is the parsed content of one .fjson file.
type Page struct {
	Path       string                         `json:"path"`
	Title      string                         `json:"title"`
	Sections   []domain.PageSection           `json:"sections"`
	DomainData map[string]domain.DomainObject `json:"domain_data"`
}

type fjson struct {
	CurrentPageName *string `json:"current_page_name"`
	Body            string  `json:"body"`
	Title           *string `json:"title"`
}

// ProcessFile reads a .fjson file from disk and parses it.
func ProcessFile(name string, logger *slog.Logger) (*Page, error) {
	logger = logging.OrDefault(logger)
	raw, err := os.ReadFile(name)
	if err != nil {
		logger.Info("Unable to read file", "file", name, "error", err)
		return nil, err
	}
	return ParseJSON(name, raw, logger)
}

// ParseJSON parses the contents of a .fjson file; name is only used for logs.
func ParseJSON(name string, raw []byte, logger *slog.Logger) (*Page, error) {
	logger = logging.OrDefault(logger)
	var data fjson
	if err := json.Unmarshal(raw, &data); err != nil {
		return nil, fmt.Errorf("decode %s: %w", name, err)
	}

	page := &Page{Sections: []domain.PageSection{}, DomainData: map[string]domain.DomainObject{}}
	if data.CurrentPageName != nil {
		page.Path = *data.CurrentPageName
	} else {
		logger.Info("Unable to index file due to no name", "file", name)
	}

	if data.Body != "" {
		body, err := parseFragment(data.Body)
		if err != nil {
			return nil, fmt.Errorf("parse body of %s: %w", name, err)
		}
		page.Sections = generateSections(body)
		page.DomainData = generateDomainData(body)
	} else {
		logger.Info("Unable to index content", "file", name)
	}

	if data.Title != nil {
		title, err := parseFragment(*data.Title)
		if err != nil {
			return nil, fmt.Errorf("parse title of %s: %w", name, err)
		}
		page.Title = strings.TrimSpace(strings.ReplaceAll(text(title, nil), pilcrow, ""))
	} else {
		logger.Info("Unable to index title", "file", name)
	}
	return page, nil
}

// ParseContent strips pilcrows, optionally drops the first line (the
// heading) and joins the remaining lines with ". ".
func ParseContent(content string, removeFirstLine bool) string {
	content = strings.TrimSpace(strings.ReplaceAll(content, pilcrow, ""))
	lines := strings.Split(content, "\n")
	if removeFirstLine && len(lines) > 1 {
		lines = lines[1:]
	}
	for i, line := range lines {
		lines[i] = strings.TrimRight(strings.TrimSpace(line), ".")
	}
	return strings.Join(lines, ". ")
}

func generateSections(body *html.Node) []domain.PageSection {
	sections := []domain.PageSection{}

	if h1 := first(body, sectionChild(atom.H1)); h1 != nil {
		title := strings.TrimSpace(strings.ReplaceAll(text(h1, nil), pilcrow, ""))
		var content strings.Builder
		for next := nextElement(h1); next != nil; next = nextElement(next) {
			if next.DataAtom == atom.Div && hasAttr(next, "class") && hasClass(next, "section") {
				break
			}
			content.WriteString(ParseContent(text(next, nil), true))
		}
		if content.Len() > 0 {
			sections = append(sections, domain.PageSection{
				ID:      attr(h1.Parent, "id"),
				Title:   title,
				Content: strings.ReplaceAll(content.String(), "\n", ". "),
			})
		}
	}

	for _, h2 := range all(body, sectionChild(atom.H2)) {
		div := h2.Parent
		sections = append(sections, domain.PageSection{
			ID:      attr(div, "id"),
			Title:   strings.TrimSpace(strings.ReplaceAll(text(h2, nil), pilcrow, "")),
			Content: ParseContent(text(div, nil), true),
		})
	}
	return sections
}

func generateDomainData(body *html.Node) map[string]domain.DomainObject {
	data := map[string]domain.DomainObject{}
	for _, dl := range all(body, isAtom(atom.Dl)) {
		dts := children(dl, atom.Dt)
		dds := children(dl, atom.Dd)
		for i := 0; i < len(dts) && i < len(dds); i++ {
			id := attr(dts[i], "id")
			if id == "" {
				continue
			}
			data[id] = domain.DomainObject{
				Signature:  ParseContent(text(dts[i], nestedDefinition), false),
				Docstrings: ParseContent(text(dds[i], nestedDefinition), false),
			}
		}
	}
	return data
}

func nestedDefinition(n *html.Node) bool {
	switch n.DataAtom {
	case atom.Dl, atom.Dt, atom.Dd:
		return true
	}
	return false
}

// HTML helpers

func parseFragment(s string) (*html.Node, error) {
	root := &html.Node{Type: html.ElementNode, Data: "div", DataAtom: atom.Div}
	nodes, err := html.ParseFragment(strings.NewReader(s), root)
	if err != nil {
		return nil, err
	}
	for _, n := range nodes {
		root.AppendChild(n)
	}
	return root, nil
}

type matcher func(*html.Node) bool

func isAtom(a atom.Atom) matcher {
	return func(n *html.Node) bool { return n.Type == html.ElementNode && n.DataAtom == a }
}

func sectionChild(a atom.Atom) matcher {
	return func(n *html.Node) bool {
		return n.Type == html.ElementNode && n.DataAtom == a &&
			n.Parent != nil && hasClass(n.Parent, "section")
	}
}

func all(root *html.Node, match matcher) []*html.Node {
	var out []*html.Node
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			if match(c) {
				out = append(out, c)
			}
			walk(c)
		}
	}
	walk(root)
	return out
}

func first(root *html.Node, match matcher) *html.Node {
	if found := all(root, match); len(found) > 0 {
		return found[0]
	}
	return nil
}

func children(n *html.Node, a atom.Atom) []*html.Node {
	var out []*html.Node
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		if c.Type == html.ElementNode && c.DataAtom == a {
			out = append(out, c)
		}
	}
	return out
}

func nextElement(n *html.Node) *html.Node {
	for s := n.NextSibling; s != nil; s = s.NextSibling {
		if s.Type == html.ElementNode {
			return s
		}
	}
	return nil
}

func attr(n *html.Node, key string) string {
	if n == nil {
		return ""
	}
	for _, a := range n.Attr {
		if a.Key == key {
			return a.Val
		}
	}
	return ""
}

func hasAttr(n *html.Node, key string) bool {
	for _, a := range n.Attr {
		if a.Key == key {
			return true
		}
	}
	return false
}

func hasClass(n *html.Node, class string) bool {
	for _, c := range strings.Fields(attr(n, "class")) {
		if c == class {
			return true
		}
	}
	return false
}

var blockElements = map[atom.Atom]bool{
	atom.Address: true, atom.Article: true, atom.Aside: true, atom.Blockquote: true,
	atom.Dd: true, atom.Div: true, atom.Dl: true, atom.Dt: true, atom.Fieldset: true,
	atom.Figcaption: true, atom.Figure: true, atom.Footer: true, atom.Form: true,
	atom.H1: true, atom.H2: true, atom.H3: true, atom.H4: true, atom.H5: true,
	atom.H6: true, atom.Header: true, atom.Hr: true, atom.Li: true, atom.Main: true,
	atom.Nav: true, atom.Ol: true, atom.P: true, atom.Pre: true, atom.Section: true,
	atom.Table: true, atom.Tr: true, atom.Ul: true, atom.Br: true,
}

// text renders the text of n the way a browser lays out block elements: one
// line per block, whitespace squashed inside a line, empty lines dropped.
// Descendants for which skip returns true are left out.
func text(n *html.Node, skip matcher) string {
	var lines []string
	var current strings.Builder
	flush := func() {
		line := strings.Join(strings.Fields(current.String()), " ")
		if line != "" {
			lines = append(lines, line)
		}
		current.Reset()
	}
	var walk func(*html.Node, bool)
	walk = func(n *html.Node, root bool) {
		if !root && skip != nil && skip(n) {
			return
		}
		switch n.Type {
		case html.TextNode:
			current.WriteString(n.Data)
			return
		case html.ElementNode:
			if n.DataAtom == atom.Script || n.DataAtom == atom.Style {
				return
			}
		}
		block := n.Type == html.ElementNode && blockElements[n.DataAtom]
		if block {
			flush()
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c, false)
		}
		if block {
			flush()
		}
	}
	walk(n, true)
	flush()
	return strings.Join(lines, "\n")
}
