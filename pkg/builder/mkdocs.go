// Package builder prepares a MkDocs project for hosting and runs the mkdocs
// command against a checkout.
package builder

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"text/template"

	"gopkg.in/yaml.v3"

	"github.com/readthedocs/rtd/pkg/config"
	"github.com/readthedocs/rtd/pkg/domain"
	"github.com/readthedocs/rtd/pkg/logging"
)

// Kind describes one mkdocs output format.
type Kind struct {
	Type     string
	Command  string
	BuildDir string
	UseTheme bool
}

var (
	// HTML renders the site with the hosted theme.
	HTML = Kind{Type: "mkdocs", Command: "build", BuildDir: "_build/html", UseTheme: true}
	// JSON renders one JSON file per page for search indexing.
	JSON = Kind{Type: "mkdocs_json", Command: "json", BuildDir: "_build/json"}
)

// BuildError is a build failure caused by the user's project, reported back
// on the build instead of being retried.
type BuildError struct {
	Message string
}

func (e *BuildError) Error() string { return e.Message }

// IsBuildError reports whether err carries a BuildError.
func IsBuildError(err error) bool {
	var be *BuildError
	return errors.As(err, &be)
}

// Settings are the site wide values injected into every mkdocs project.
type Settings struct {
	TemplateDir         string
	MediaURL            string
	ProductionDomain    string
	PublicAPIURL        string
	GlobalAnalyticsCode string
	Python              string
	VenvBinDir          string
}

// SettingsFrom collects Settings from the service configuration.
func SettingsFrom(cfg *config.Config) Settings {
	return Settings{
		TemplateDir:         cfg.Builder.TemplateDir,
		MediaURL:            cfg.Media.MediaURL,
		ProductionDomain:    cfg.Domains.ProductionDomain,
		PublicAPIURL:        cfg.Domains.PublicAPIURL,
		GlobalAnalyticsCode: cfg.Builder.GlobalAnalyticsCode,
		Python:              cfg.Builder.Python,
		VenvBinDir:          cfg.Builder.VenvBinDir,
	}
}

// AbsoluteMediaURL returns the media URL with a scheme and host, since
// mkdocs links to media files from other origins.
func (s Settings) AbsoluteMediaURL() string {
	if strings.HasPrefix(s.MediaURL, "http") {
		return s.MediaURL
	}
	return "http://" + s.ProductionDomain + s.MediaURL
}

// MkDocs builds one version of a project from its checkout.
type MkDocs struct {
	kind     Kind
	project  domain.Project
	version  domain.Version
	root     string
	commit   string
	settings Settings
	runner   Runner
	logger   *slog.Logger
}

// Options configures a MkDocs builder.
type Options struct {
	Project  domain.Project
	Version  domain.Version
	Checkout string
	Commit   string
	Settings Settings
	Runner   Runner
	Logger   *slog.Logger
}

// New creates a builder of the given kind.
func New(kind Kind, opts Options) *MkDocs {
	runner := opts.Runner
	if runner == nil {
		runner = ExecRunner{Logger: opts.Logger}
	}
	return &MkDocs{
		kind:     kind,
		project:  opts.Project,
		version:  opts.Version,
		root:     opts.Checkout,
		commit:   opts.Commit,
		settings: opts.Settings,
		runner:   runner,
		logger:   logging.OrDefault(opts.Logger),
	}
}

// Kind returns the output format of the builder.
func (m *MkDocs) Kind() Kind { return m.kind }

// OutputDir is where mkdocs writes the site.
func (m *MkDocs) OutputDir() string {
	return filepath.Join(m.root, filepath.FromSlash(m.kind.BuildDir))
}

func (m *MkDocs) configPath() string {
	return filepath.Join(m.root, "mkdocs.yml")
}

var yamlLine = regexp.MustCompile(`line (\d+)(?:, column (\d+))?`)

// LoadYAMLConfig reads mkdocs.yml. A missing file yields a config naming the
// site after the project; a syntax error yields a BuildError pointing at the
// offending line.
func (m *MkDocs) LoadYAMLConfig() (map[string]any, error) {
	raw, err := os.ReadFile(m.configPath())
	if errors.Is(err, fs.ErrNotExist) {
		return map[string]any{"site_name": m.project.Name}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read mkdocs.yml: %w", err)
	}
	var cfg map[string]any
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		note := ""
		if match := yamlLine.FindStringSubmatch(err.Error()); match != nil {
			if match[2] != "" {
				note = fmt.Sprintf(" (line %s, column %s)", match[1], match[2])
			} else {
				note = fmt.Sprintf(" (line %s)", match[1])
			}
		}
		return nil, &BuildError{Message: "Your mkdocs.yml could not be loaded, possibly due to a syntax error" + note}
	}
	if cfg == nil {
		cfg = map[string]any{}
	}
	return cfg, nil
}

var docsDirCandidates = []string{"docs", "doc", "Doc", "book"}

// DocsDir returns the documentation directory relative to the checkout:
// the configured one, else the first conventional directory present, else
// the checkout root.
func (m *MkDocs) DocsDir(configured string) string {
	if configured != "" {
		return configured
	}
	for _, name := range docsDirCandidates {
		if info, err := os.Stat(filepath.Join(m.root, name)); err == nil && info.IsDir() {
			return name
		}
	}
	return "."
}

const indexTemplate = `
Welcome to Read the Docs
------------------------

This is an autogenerated index file.

Please create an ` + "``index.%[1]s`` or ``README.%[1]s``" + ` file with your own content
under the root (or ` + "``/docs``" + `) directory in your repository.

If you want to use another markup, choose a different builder in your settings.

Check out our ` + "`Getting Started Guide <https://docs.readthedocs.io/en/latest/getting_started.html>`_" + ` to become more familiar with Read the Docs.
`

// CreateIndex writes a placeholder index page when the docs directory has
// neither index.<ext> nor README.<ext>, and returns the index page name.
func (m *MkDocs) CreateIndex(docsDir, ext string) (string, error) {
	dir := filepath.Join(m.root, docsDir)
	index := filepath.Join(dir, "index."+ext)
	if _, err := os.Stat(index); err == nil {
		return "index", nil
	}
	if _, err := os.Stat(filepath.Join(dir, "README."+ext)); err == nil {
		return "README", nil
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", err
	}
	if err := os.WriteFile(index, []byte(fmt.Sprintf(indexTemplate, ext)), 0o644); err != nil {
		return "", fmt.Errorf("write %s: %w", index, err)
	}
	return "index", nil
}

func appendStrings(cfg map[string]any, key string, values ...string) {
	var list []any
	switch existing := cfg[key].(type) {
	case []any:
		list = existing
	case string:
		list = []any{existing}
	}
	for _, v := range values {
		list = append(list, v)
	}
	cfg[key] = list
}

// AppendConf rewrites mkdocs.yml so the build uses the hosted theme, media
// and analytics, and writes readthedocs-data.js into the docs directory.
func (m *MkDocs) AppendConf() error {
	cfg, err := m.LoadYAMLConfig()
	if err != nil {
		return err
	}

	configured, _ := cfg["docs_dir"].(string)
	docsDir := m.DocsDir(configured)
	if _, err := m.CreateIndex(docsDir, "md"); err != nil {
		return err
	}
	cfg["docs_dir"] = docsDir

	media := m.settings.AbsoluteMediaURL()
	appendStrings(cfg, "extra_javascript",
		"readthedocs-data.js",
		media+"static/core/js/readthedocs-doc-embed.js",
		media+"javascript/readthedocs-analytics.js",
	)
	appendStrings(cfg, "extra_css",
		media+"css/badge_only.css",
		media+"css/readthedocs-doc-embed.css",
	)

	if _, ok := cfg["theme_dir"]; !ok && m.kind.UseTheme {
		cfg["theme_dir"] = m.settings.TemplateDir
	}

	data, err := m.GenerateRTDData(docsDir, cfg)
	if err != nil {
		return err
	}
	dataPath := filepath.Join(m.root, docsDir, "readthedocs-data.js")
	if err := os.WriteFile(dataPath, []byte(data), 0o644); err != nil {
		return fmt.Errorf("write readthedocs-data.js: %w", err)
	}

	cfg["google_analytics"] = nil
	return m.writeConfig(cfg)
}

func (m *MkDocs) writeConfig(cfg map[string]any) error {
	out, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("encode mkdocs.yml: %w", err)
	}
	if err := os.WriteFile(m.configPath(), out, 0o644); err != nil {
		return fmt.Errorf("write mkdocs.yml: %w", err)
	}
	return nil
}

// RTDData is exposed to pages as READTHEDOCS_DATA.
type RTDData struct {
	Project             string  `json:"project"`
	Version             string  `json:"version"`
	Language            string  `json:"language"`
	ProgrammingLanguage string  `json:"programming_language"`
	Page                *string `json:"page"`
	Theme               string  `json:"theme"`
	Builder             string  `json:"builder"`
	DocRoot             string  `json:"docroot"`
	SourceSuffix        string  `json:"source_suffix"`
	APIHost             string  `json:"api_host"`
	Commit              string  `json:"commit"`
	GlobalAnalyticsCode string  `json:"global_analytics_code"`
	UserAnalyticsCode   string  `json:"user_analytics_code"`
}

var dataJS = template.Must(template.New("readthedocs-data.js").Parse(`var READTHEDOCS_DATA = {{.DataJSON}};

// Old variables
var doc_version = "{{.CurrentVersion}}";
var doc_slug = "{{.Slug}}";
var page_name = "None";
var html_theme = "{{.HTMLTheme}}";

// mkdocs_page_input_path is only defined on the RTD mkdocs theme but it isn't
// available on all pages (e.g. missing in search result)
if (typeof mkdocs_page_input_path !== "undefined") {
  READTHEDOCS_DATA["page"] = mkdocs_page_input_path.substr(
      0, mkdocs_page_input_path.lastIndexOf(READTHEDOCS_DATA.source_suffix));
}
`))

// GenerateRTDData renders readthedocs-data.js for the given docs directory
// and mkdocs config.
func (m *MkDocs) GenerateRTDData(docsDir string, cfg map[string]any) (string, error) {
	theme := "readthedocs"
	if dir, _ := cfg["theme_dir"].(string); dir != "" {
		parts := strings.Split(strings.TrimRight(dir, "/"), "/")
		theme = parts[len(parts)-1]
	}

	analytics := m.project.AnalyticsCode
	if analytics == "" {
		switch ga := cfg["google_analytics"].(type) {
		case []any:
			if len(ga) > 0 {
				analytics = fmt.Sprint(ga[0])
			}
		case string:
			analytics = ga
		}
	}

	apiHost := m.settings.PublicAPIURL
	if apiHost == "" {
		apiHost = "https://readthedocs.org"
	}
	data := RTDData{
		Project:             m.project.Slug,
		Version:             m.version.Slug,
		Language:            m.project.Language,
		ProgrammingLanguage: m.project.ProgrammingLanguage,
		Theme:               theme,
		Builder:             "mkdocs",
		DocRoot:             docsDir,
		SourceSuffix:        ".md",
		APIHost:             apiHost,
		Commit:              m.commit,
		GlobalAnalyticsCode: m.settings.GlobalAnalyticsCode,
		UserAnalyticsCode:   analytics,
	}
	raw, err := json.MarshalIndent(data, "", "    ")
	if err != nil {
		return "", err
	}
	var buf bytes.Buffer
	err = dataJS.Execute(&buf, map[string]string{
		"DataJSON":       string(raw),
		"CurrentVersion": data.Version,
		"Slug":           data.Project,
		"HTMLTheme":      data.Theme,
	})
	return buf.String(), err
}

// Command returns the mkdocs command line.
func (m *MkDocs) Command() []string {
	python := m.settings.Python
	if python == "" {
		python = "python"
	}
	args := []string{
		python,
		filepath.Join(m.settings.VenvBinDir, "mkdocs"),
		m.kind.Command,
		"--clean",
		"--site-dir", m.kind.BuildDir,
	}
	if m.kind.UseTheme {
		args = append(args, "--theme", "readthedocs")
	}
	return args
}

// Build runs mkdocs in the checkout. The JSON builder first drops the hosted
// theme_dir from mkdocs.yml since the json command renders no theme.
func (m *MkDocs) Build(ctx context.Context) (Result, error) {
	if !m.kind.UseTheme {
		if err := m.stripThemeDir(); err != nil {
			return Result{}, err
		}
	}
	res, err := m.runner.Run(ctx, Command{
		Args:    m.Command(),
		Dir:     m.root,
		BinPath: m.settings.VenvBinDir,
	})
	if err != nil {
		return Result{}, err
	}
	m.logger.Info("mkdocs finished",
		"project", m.project.Slug,
		"version", m.version.Slug,
		"builder", m.kind.Command,
		"exit_code", res.ExitCode,
	)
	return res, nil
}

func (m *MkDocs) stripThemeDir() error {
	cfg, err := m.LoadYAMLConfig()
	if err != nil {
		return err
	}
	if dir, _ := cfg["theme_dir"].(string); dir == m.settings.TemplateDir {
		delete(cfg, "theme_dir")
	}
	return m.writeConfig(cfg)
}

// Failure turns an unsuccessful run into the message stored on the build.
func Failure(kind Kind, res Result) *BuildError {
	msg := "mkdocs " + kind.Command + " failed with exit code " + strconv.Itoa(res.ExitCode)
	if out := strings.TrimSpace(res.Output); out != "" {
		lines := strings.Split(out, "\n")
		msg += ": " + lines[len(lines)-1]
	}
	return &BuildError{Message: msg}
}
