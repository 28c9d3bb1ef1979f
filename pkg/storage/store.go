package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/readthedocs/rtd/pkg/domain"
)

// Store exposes typed access to platform records.
type Store struct {
	kv  KV
	now func() time.Time
}

// NewStore wraps kv.
func NewStore(kv KV) *Store {
	return &Store{kv: kv, now: time.Now}
}

// NewMemoryStore returns a Store backed by a fresh MemoryKV.
func NewMemoryStore() *Store {
	return NewStore(NewMemoryKV())
}

// WithClock overrides the clock used for created/modified timestamps.
func (s *Store) WithClock(now func() time.Time) *Store {
	s.now = now
	return s
}

// Close closes the underlying KV.
func (s *Store) Close() error {
	return s.kv.Close()
}

// View runs fn in a read-only transaction.
func (s *Store) View(ctx context.Context, fn func(*Tx) error) error {
	return s.kv.View(ctx, func(txn Txn) error {
		return fn(&Tx{txn: txn, now: s.now})
	})
}

// Update runs fn in an atomic read-write transaction.
func (s *Store) Update(ctx context.Context, fn func(*Tx) error) error {
	return s.kv.Update(ctx, func(txn Txn) error {
		return fn(&Tx{txn: txn, now: s.now})
	})
}

// Tx is a typed view over a KV transaction.
type Tx struct {
	txn Txn
	now func() time.Time
}

// Now returns the store clock's current time.
func (t *Tx) Now() time.Time {
	return t.now().UTC()
}

const idWidth = 10

func idKey(id int) string {
	return fmt.Sprintf("%0*d", idWidth, id)
}

func getJSON[T any](txn Txn, key string, notFound error, kind, name string) (*T, error) {
	raw, err := txn.Get(key)
	if errors.Is(err, ErrKeyNotFound) {
		return nil, domain.NotFound(notFound, kind, name)
	}
	if err != nil {
		return nil, fmt.Errorf("get %s: %w", key, err)
	}
	var out T
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("decode %s: %w", key, err)
	}
	return &out, nil
}

func putJSON(txn Txn, key string, v any) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode %s: %w", key, err)
	}
	return txn.Set(key, raw)
}

func scanJSON[T any](txn Txn, prefix string) ([]T, error) {
	var out []T
	err := txn.Scan(prefix, func(key string, value []byte) error {
		var item T
		if err := json.Unmarshal(value, &item); err != nil {
			return fmt.Errorf("decode %s: %w", key, err)
		}
		out = append(out, item)
		return nil
	})
	return out, err
}

// NextID allocates the next integer of the named sequence, starting at 1.
func (t *Tx) NextID(sequence string) (int, error) {
	key := "seq/" + sequence
	current := 0
	raw, err := t.txn.Get(key)
	switch {
	case errors.Is(err, ErrKeyNotFound):
	case err != nil:
		return 0, err
	default:
		if current, err = strconv.Atoi(string(raw)); err != nil {
			return 0, fmt.Errorf("corrupt sequence %s: %w", sequence, err)
		}
	}
	current++
	if err := t.txn.Set(key, []byte(strconv.Itoa(current))); err != nil {
		return 0, err
	}
	return current, nil
}

// Projects

func projectKey(slug string) string { return "project/" + strings.ToLower(slug) }

// Project loads a project by slug.
func (t *Tx) Project(slug string) (*domain.Project, error) {
	return getJSON[domain.Project](t.txn, projectKey(slug), domain.ErrProjectNotFound, "project", slug)
}

// PutProject creates or replaces a project, stamping created/modified.
func (t *Tx) PutProject(p *domain.Project) error {
	p.ApplyDefaults()
	if p.Slug == "" {
		return fmt.Errorf("%w: project slug is required", domain.ErrInvalidArgument)
	}
	now := t.Now()
	if p.Created.IsZero() {
		p.Created = now
	}
	p.Modified = now
	return putJSON(t.txn, projectKey(p.Slug), p)
}

// DeleteProject removes a project and every record scoped to it.
func (t *Tx) DeleteProject(slug string) error {
	slug = strings.ToLower(slug)
	for _, prefix := range []string{
		"version/" + slug + "/",
		"rule/" + slug + "/",
		"redirect/" + slug + "/",
		"integration/" + slug + "/",
		"htmlfile/" + slug + "/",
		"pagedoc/" + slug + "/",
	} {
		if err := t.deletePrefix(prefix); err != nil {
			return err
		}
	}
	domains, err := t.ProjectDomains(slug)
	if err != nil {
		return err
	}
	for _, d := range domains {
		if err := t.txn.Delete(domainKey(d.Domain)); err != nil {
			return err
		}
	}
	return t.txn.Delete(projectKey(slug))
}

func (t *Tx) deletePrefix(prefix string) error {
	var keys []string
	if err := t.txn.Scan(prefix, func(key string, _ []byte) error {
		keys = append(keys, key)
		return nil
	}); err != nil {
		return err
	}
	for _, key := range keys {
		if err := t.txn.Delete(key); err != nil {
			return err
		}
	}
	return nil
}

// Projects lists every project ordered by slug.
func (t *Tx) Projects() ([]domain.Project, error) {
	return scanJSON[domain.Project](t.txn, "project/")
}

// SuperprojectOf returns the parent of a subproject, if any.
func (t *Tx) SuperprojectOf(slug string) (*domain.Project, error) {
	projects, err := t.Projects()
	if err != nil {
		return nil, err
	}
	for i := range projects {
		for _, sp := range projects[i].Subprojects {
			if sp.Child == slug {
				return &projects[i], nil
			}
		}
	}
	return nil, nil
}

// Translations returns the projects whose main language project is slug.
func (t *Tx) Translations(slug string) ([]domain.Project, error) {
	projects, err := t.Projects()
	if err != nil {
		return nil, err
	}
	var out []domain.Project
	for _, p := range projects {
		if p.MainLanguageProject == slug {
			out = append(out, p)
		}
	}
	return out, nil
}

// Versions

func versionKey(project, slug string) string { return "version/" + project + "/" + slug }

// Version loads a version of a project.
func (t *Tx) Version(project, slug string) (*domain.Version, error) {
	return getJSON[domain.Version](t.txn, versionKey(project, slug), domain.ErrVersionNotFound, "version", project+"/"+slug)
}

// PutVersion creates or replaces a version, allocating an ID for new ones.
func (t *Tx) PutVersion(v *domain.Version) error {
	v.Normalize()
	if v.Project == "" || v.Slug == "" {
		return fmt.Errorf("%w: version project and slug are required", domain.ErrInvalidArgument)
	}
	if v.ID == 0 {
		id, err := t.NextID("version")
		if err != nil {
			return err
		}
		v.ID = id
	}
	return putJSON(t.txn, versionKey(v.Project, v.Slug), v)
}

// DeleteVersion removes a version.
func (t *Tx) DeleteVersion(project, slug string) error {
	if _, err := t.Version(project, slug); err != nil {
		return err
	}
	return t.txn.Delete(versionKey(project, slug))
}

// Versions lists a project's versions ordered by slug.
func (t *Tx) Versions(project string) ([]domain.Version, error) {
	return scanJSON[domain.Version](t.txn, "version/"+project+"/")
}

// Builds

func buildKey(id int) string { return "build/" + idKey(id) }

// Build loads a build by ID.
func (t *Tx) Build(id int) (*domain.Build, error) {
	return getJSON[domain.Build](t.txn, buildKey(id), domain.ErrBuildNotFound, "build", strconv.Itoa(id))
}

// PutBuild creates or replaces a build, allocating an ID for new ones.
func (t *Tx) PutBuild(b *domain.Build) error {
	if b.ID == 0 {
		id, err := t.NextID("build")
		if err != nil {
			return err
		}
		b.ID = id
	}
	if b.Date.IsZero() {
		b.Date = t.Now()
	}
	if b.State == "" {
		b.State = domain.BuildTriggered
	}
	return putJSON(t.txn, buildKey(b.ID), b)
}

// Builds lists builds of a project, newest first. An empty version matches
// every version.
func (t *Tx) Builds(project, version string) ([]domain.Build, error) {
	all, err := scanJSON[domain.Build](t.txn, "build/")
	if err != nil {
		return nil, err
	}
	var out []domain.Build
	for _, b := range all {
		if b.Project != project {
			continue
		}
		if version != "" && b.Version != version {
			continue
		}
		out = append(out, b)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].ID > out[j].ID })
	return out, nil
}

// LastBuild returns the most recent build of a version, or nil.
func (t *Tx) LastBuild(project, version string) (*domain.Build, error) {
	builds, err := t.Builds(project, version)
	if err != nil || len(builds) == 0 {
		return nil, err
	}
	return &builds[0], nil
}

// Domains

func domainKey(host string) string { return "domain/" + strings.ToLower(host) }

// Domain loads a custom domain by hostname (case-insensitive).
func (t *Tx) Domain(host string) (*domain.Domain, error) {
	return getJSON[domain.Domain](t.txn, domainKey(host), domain.ErrDomainNotFound, "domain", host)
}

// PutDomain creates or replaces a custom domain.
func (t *Tx) PutDomain(d *domain.Domain) error {
	d.Domain = strings.ToLower(strings.TrimSpace(d.Domain))
	if d.Domain == "" || d.Project == "" {
		return fmt.Errorf("%w: domain and project are required", domain.ErrInvalidArgument)
	}
	if d.ID == 0 {
		id, err := t.NextID("domain")
		if err != nil {
			return err
		}
		d.ID = id
	}
	if d.Created.IsZero() {
		d.Created = t.Now()
	}
	return putJSON(t.txn, domainKey(d.Domain), d)
}

// DeleteDomain removes a custom domain.
func (t *Tx) DeleteDomain(host string) error {
	return t.txn.Delete(domainKey(host))
}

// ProjectDomains lists the custom domains of a project.
func (t *Tx) ProjectDomains(project string) ([]domain.Domain, error) {
	all, err := scanJSON[domain.Domain](t.txn, "domain/")
	if err != nil {
		return nil, err
	}
	var out []domain.Domain
	for _, d := range all {
		if d.Project == project {
			out = append(out, d)
		}
	}
	return out, nil
}

// CanonicalDomain returns the project's canonical custom domain, or nil.
// A canonical domain served over HTTPS wins over plain HTTP ones.
func (t *Tx) CanonicalDomain(project string) (*domain.Domain, error) {
	domains, err := t.ProjectDomains(project)
	if err != nil {
		return nil, err
	}
	var found *domain.Domain
	for i := range domains {
		if !domains[i].Canonical {
			continue
		}
		if domains[i].HTTPS {
			return &domains[i], nil
		}
		if found == nil {
			found = &domains[i]
		}
	}
	return found, nil
}

// Automation rules

func ruleKey(project string, id int) string { return "rule/" + project + "/" + idKey(id) }

// Rule loads an automation rule.
func (t *Tx) Rule(project string, id int) (*domain.AutomationRule, error) {
	return getJSON[domain.AutomationRule](t.txn, ruleKey(project, id), domain.ErrRuleNotFound, "automation rule", strconv.Itoa(id))
}

// PutRule creates or replaces an automation rule.
func (t *Tx) PutRule(r *domain.AutomationRule) error {
	if r.Project == "" {
		return fmt.Errorf("%w: rule project is required", domain.ErrInvalidArgument)
	}
	if r.ID == 0 {
		id, err := t.NextID("rule")
		if err != nil {
			return err
		}
		r.ID = id
	}
	now := t.Now()
	if r.Created.IsZero() {
		r.Created = now
	}
	r.Modified = now
	return putJSON(t.txn, ruleKey(r.Project, r.ID), r)
}

// DeleteRule removes an automation rule.
func (t *Tx) DeleteRule(project string, id int) error {
	return t.txn.Delete(ruleKey(project, id))
}

// Rules lists a project's rules by priority, then most recently modified,
// then most recently created.
func (t *Tx) Rules(project string) ([]domain.AutomationRule, error) {
	rules, err := scanJSON[domain.AutomationRule](t.txn, "rule/"+project+"/")
	if err != nil {
		return nil, err
	}
	sort.SliceStable(rules, func(i, j int) bool {
		a, b := rules[i], rules[j]
		if a.Priority != b.Priority {
			return a.Priority < b.Priority
		}
		if !a.Modified.Equal(b.Modified) {
			return a.Modified.After(b.Modified)
		}
		return a.Created.After(b.Created)
	})
	return rules, nil
}

// Redirects

func redirectKey(project string, id int) string { return "redirect/" + project + "/" + idKey(id) }

// PutRedirect creates or replaces a user redirect.
func (t *Tx) PutRedirect(r *domain.Redirect) error {
	if !r.Type.Valid() {
		return fmt.Errorf("%w: unknown redirect type %q", domain.ErrInvalidArgument, r.Type)
	}
	if r.ID == 0 {
		id, err := t.NextID("redirect")
		if err != nil {
			return err
		}
		r.ID = id
	}
	if r.StatusCode == 0 {
		r.StatusCode = 302
	}
	return putJSON(t.txn, redirectKey(r.Project, r.ID), r)
}

// DeleteRedirect removes a redirect.
func (t *Tx) DeleteRedirect(project string, id int) error {
	return t.txn.Delete(redirectKey(project, id))
}

// Redirects lists a project's redirects in creation order.
func (t *Tx) Redirects(project string) ([]domain.Redirect, error) {
	return scanJSON[domain.Redirect](t.txn, "redirect/"+project+"/")
}

// Users

func userKey(username string) string { return "user/" + username }
func tokenKey(token string) string   { return "token/" + token }

// User loads a user by username.
func (t *Tx) User(username string) (*domain.User, error) {
	return getJSON[domain.User](t.txn, userKey(username), domain.ErrUserNotFound, "user", username)
}

// UserByToken resolves an API token to its user.
func (t *Tx) UserByToken(token string) (*domain.User, error) {
	raw, err := t.txn.Get(tokenKey(token))
	if errors.Is(err, ErrKeyNotFound) {
		return nil, domain.ErrAuthenticationFailed
	}
	if err != nil {
		return nil, err
	}
	return t.User(string(raw))
}

// PutUser creates or replaces a user and maintains the token index.
func (t *Tx) PutUser(u *domain.User) error {
	if u.Username == "" {
		return fmt.Errorf("%w: username is required", domain.ErrInvalidArgument)
	}
	if prev, err := t.User(u.Username); err == nil && prev.Token != "" && prev.Token != u.Token {
		if err := t.txn.Delete(tokenKey(prev.Token)); err != nil {
			return err
		}
	}
	if u.DateJoined.IsZero() {
		u.DateJoined = t.Now()
	}
	for i := range u.SocialAccounts {
		if u.SocialAccounts[i].ID == 0 {
			id, err := t.NextID("socialaccount")
			if err != nil {
				return err
			}
			u.SocialAccounts[i].ID = id
		}
	}
	if u.Token != "" {
		if err := t.txn.Set(tokenKey(u.Token), []byte(u.Username)); err != nil {
			return err
		}
	}
	return putJSON(t.txn, userKey(u.Username), u)
}

// Users lists every user ordered by username.
func (t *Tx) Users() ([]domain.User, error) {
	return scanJSON[domain.User](t.txn, "user/")
}

// ProjectUsers returns the maintainers of a project that exist.
func (t *Tx) ProjectUsers(p *domain.Project) ([]domain.User, error) {
	var out []domain.User
	for _, name := range p.Users {
		u, err := t.User(name)
		if errors.Is(err, domain.ErrUserNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		out = append(out, *u)
	}
	return out, nil
}

// UserProjects returns the projects a user maintains.
func (t *Tx) UserProjects(username string) ([]domain.Project, error) {
	projects, err := t.Projects()
	if err != nil {
		return nil, err
	}
	var out []domain.Project
	for _, p := range projects {
		if p.HasUser(username) {
			out = append(out, p)
		}
	}
	return out, nil
}

// Organizations

func orgKey(slug string) string { return "org/" + slug }

// Organization loads an organization by slug.
func (t *Tx) Organization(slug string) (*domain.Organization, error) {
	return getJSON[domain.Organization](t.txn, orgKey(slug), domain.ErrOrganizationNotFound, "organization", slug)
}

// PutOrganization creates or replaces an organization.
func (t *Tx) PutOrganization(o *domain.Organization) error {
	if o.Slug == "" {
		return fmt.Errorf("%w: organization slug is required", domain.ErrInvalidArgument)
	}
	return putJSON(t.txn, orgKey(o.Slug), o)
}

// Organizations lists every organization.
func (t *Tx) Organizations() ([]domain.Organization, error) {
	return scanJSON[domain.Organization](t.txn, "org/")
}

// Remote repositories

func remoteRepoKey(id int) string { return "remote-repo/" + idKey(id) }
func remoteRelationKey(user string, id int) string {
	return "remote-rel/" + user + "/" + idKey(id)
}

// PutRemoteRepository creates or replaces a remote repository. Repositories
// are unique per provider and remote ID.
func (t *Tx) PutRemoteRepository(r *domain.RemoteRepository) error {
	if r.ID == 0 {
		existing, err := scanJSON[domain.RemoteRepository](t.txn, "remote-repo/")
		if err != nil {
			return err
		}
		for _, e := range existing {
			if e.VCSProvider == r.VCSProvider && e.RemoteID == r.RemoteID {
				r.ID = e.ID
				r.Created = e.Created
				break
			}
		}
	}
	if r.ID == 0 {
		id, err := t.NextID("remote-repo")
		if err != nil {
			return err
		}
		r.ID = id
	}
	now := t.Now()
	if r.Created.IsZero() {
		r.Created = now
	}
	r.Modified = now
	return putJSON(t.txn, remoteRepoKey(r.ID), r)
}

// RemoteRepository loads a remote repository by ID.
func (t *Tx) RemoteRepository(id int) (*domain.RemoteRepository, error) {
	return getJSON[domain.RemoteRepository](t.txn, remoteRepoKey(id), domain.ErrProjectNotFound, "remote repository", strconv.Itoa(id))
}

// PutRemoteRelation links a user to a remote repository. A user has at most
// one relation per repository.
func (t *Tx) PutRemoteRelation(rel *domain.RemoteRepositoryRelation) error {
	existing, err := t.RemoteRelations(rel.User)
	if err != nil {
		return err
	}
	for _, e := range existing {
		if e.RemoteRepository == rel.RemoteRepository {
			rel.ID = e.ID
			rel.Created = e.Created
			break
		}
	}
	if rel.ID == 0 {
		id, err := t.NextID("remote-rel")
		if err != nil {
			return err
		}
		rel.ID = id
	}
	now := t.Now()
	if rel.Created.IsZero() {
		rel.Created = now
	}
	rel.Modified = now
	return putJSON(t.txn, remoteRelationKey(rel.User, rel.ID), rel)
}

// DeleteRemoteRelation removes a relation.
func (t *Tx) DeleteRemoteRelation(user string, id int) error {
	return t.txn.Delete(remoteRelationKey(user, id))
}

// RemoteRelations lists a user's remote repository relations.
func (t *Tx) RemoteRelations(user string) ([]domain.RemoteRepositoryRelation, error) {
	return scanJSON[domain.RemoteRepositoryRelation](t.txn, "remote-rel/"+user+"/")
}

// Integrations

func integrationKey(project string, id int) string {
	return "integration/" + project + "/" + idKey(id)
}

// Integration loads an integration of a project.
func (t *Tx) Integration(project string, id int) (*domain.Integration, error) {
	return getJSON[domain.Integration](t.txn, integrationKey(project, id), domain.ErrIntegrationNotFound, "integration", strconv.Itoa(id))
}

// PutIntegration creates or replaces an integration.
func (t *Tx) PutIntegration(i *domain.Integration) error {
	if i.ID == 0 {
		id, err := t.NextID("integration")
		if err != nil {
			return err
		}
		i.ID = id
	}
	return putJSON(t.txn, integrationKey(i.Project, i.ID), i)
}

// Integrations lists a project's integrations.
func (t *Tx) Integrations(project string) ([]domain.Integration, error) {
	return scanJSON[domain.Integration](t.txn, "integration/"+project+"/")
}

// HTTP exchanges are keyed by an inverted timestamp so scans return the
// newest first.

func exchangePrefix(integration int) string { return "exchange/" + idKey(integration) + "/" }

// PutExchange records an HTTP exchange and trims the oldest beyond limit.
func (t *Tx) PutExchange(e *domain.HTTPExchange, limit int) error {
	inverted := fmt.Sprintf("%020d", int64(1<<62)-e.Date.UnixNano())
	if err := putJSON(t.txn, exchangePrefix(e.Integration)+inverted+"-"+e.ID, e); err != nil {
		return err
	}
	if limit <= 0 {
		return nil
	}
	var stale []string
	n := 0
	if err := t.txn.Scan(exchangePrefix(e.Integration), func(key string, _ []byte) error {
		n++
		if n > limit {
			stale = append(stale, key)
		}
		return nil
	}); err != nil {
		return err
	}
	for _, key := range stale {
		if err := t.txn.Delete(key); err != nil {
			return err
		}
	}
	return nil
}

// Exchanges lists recorded exchanges of an integration, newest first.
func (t *Tx) Exchanges(integration int) ([]domain.HTTPExchange, error) {
	return scanJSON[domain.HTTPExchange](t.txn, exchangePrefix(integration))
}

// Notifications

// PutNotification stores a notification for a user.
func (t *Tx) PutNotification(n *domain.Notification) error {
	if n.Created.IsZero() {
		n.Created = t.Now()
	}
	key := fmt.Sprintf("notification/%s/%020d-%s", n.User, n.Created.UnixNano(), n.ID)
	return putJSON(t.txn, key, n)
}

// Notifications lists a user's notifications, oldest first.
func (t *Tx) Notifications(user string) ([]domain.Notification, error) {
	return scanJSON[domain.Notification](t.txn, "notification/"+user+"/")
}

// HTML files

func htmlFilePrefix(project, version string) string {
	return "htmlfile/" + project + "/" + version + "/"
}

// PutHTMLFile records a built page.
func (t *Tx) PutHTMLFile(f *domain.HTMLFile) error {
	if f.ID == 0 {
		id, err := t.NextID("htmlfile")
		if err != nil {
			return err
		}
		f.ID = id
	}
	return putJSON(t.txn, htmlFilePrefix(f.Project, f.Version)+f.Path, f)
}

// HTMLFiles lists the pages of a version.
func (t *Tx) HTMLFiles(project, version string) ([]domain.HTMLFile, error) {
	return scanJSON[domain.HTMLFile](t.txn, htmlFilePrefix(project, version))
}

// DeleteHTMLFiles removes every page of a version recorded by a build other
// than keepBuild and returns them.
func (t *Tx) DeleteHTMLFiles(project, version string, keepBuild int) ([]domain.HTMLFile, error) {
	files, err := t.HTMLFiles(project, version)
	if err != nil {
		return nil, err
	}
	var removed []domain.HTMLFile
	for _, f := range files {
		if keepBuild != 0 && f.Build == keepBuild {
			continue
		}
		if err := t.txn.Delete(htmlFilePrefix(project, version) + f.Path); err != nil {
			return nil, err
		}
		removed = append(removed, f)
	}
	return removed, nil
}

// Search documents

func pageDocPrefix(project, version string) string {
	return "pagedoc/" + project + "/" + version + "/"
}

// PutPageDocument stores the search document of a page.
func (t *Tx) PutPageDocument(d *domain.PageDocument) error {
	if d.Project == "" || d.Version == "" || d.Path == "" {
		return fmt.Errorf("%w: page document needs project, version and path", domain.ErrInvalidArgument)
	}
	return putJSON(t.txn, pageDocPrefix(d.Project, d.Version)+d.Path, d)
}

// PageDocuments lists the search documents of a version, or of every
// version of the project when version is empty.
func (t *Tx) PageDocuments(project, version string) ([]domain.PageDocument, error) {
	if version == "" {
		return scanJSON[domain.PageDocument](t.txn, "pagedoc/"+project+"/")
	}
	return scanJSON[domain.PageDocument](t.txn, pageDocPrefix(project, version))
}

// DeletePageDocument removes one page's search document.
func (t *Tx) DeletePageDocument(project, version, path string) error {
	return t.txn.Delete(pageDocPrefix(project, version) + path)
}

// DeletePageDocuments removes every search document of a version.
func (t *Tx) DeletePageDocuments(project, version string) error {
	return t.deletePrefix(pageDocPrefix(project, version))
}

// Analytics

// PutSearchQuery records a search query.
func (t *Tx) PutSearchQuery(q *domain.SearchQuery) error {
	if q.Created.IsZero() {
		q.Created = t.Now()
	}
	n, err := t.NextID("searchquery")
	if err != nil {
		return err
	}
	key := fmt.Sprintf("searchquery/%s/%020d-%s", q.Project, q.Created.UnixNano(), idKey(n))
	return putJSON(t.txn, key, q)
}

// SearchQueries lists a project's queries, oldest first.
func (t *Tx) SearchQueries(project string) ([]domain.SearchQuery, error) {
	return scanJSON[domain.SearchQuery](t.txn, "searchquery/"+project+"/")
}

func pageViewKey(v *domain.PageView) string {
	return "pageview/" + v.Project + "/" + v.Date.Format("2006-01-02") + "/" + v.Version + "/" + v.Path
}

// IncrementPageView adds one view of a page for the day of at.
func (t *Tx) IncrementPageView(project, version, path string, at time.Time) error {
	y, m, d := at.UTC().Date()
	view := &domain.PageView{
		Project: project,
		Version: version,
		Path:    path,
		Date:    time.Date(y, m, d, 0, 0, 0, 0, time.UTC),
	}
	key := pageViewKey(view)
	existing, err := getJSON[domain.PageView](t.txn, key, domain.ErrProjectNotFound, "page view", key)
	if err == nil {
		view.Count = existing.Count
	} else if !domain.IsNotFound(err) {
		return err
	}
	view.Count++
	return putJSON(t.txn, key, view)
}

// PageViews lists a project's page views ordered by date.
func (t *Tx) PageViews(project string) ([]domain.PageView, error) {
	return scanJSON[domain.PageView](t.txn, "pageview/"+project+"/")
}
