package proxito

import (
	"context"
	"errors"
	"fmt"
	"html"
	"log/slog"
	"net/http"
	"strings"

	"github.com/readthedocs/rtd/pkg/telemetry"
)

type contextKey string

const resolutionContextKey contextKey = "proxito.resolution"

// Response headers describing the served project.
const (
	ProjectHeader = "X-RTD-Project"
	DomainHeader  = "X-RTD-Domain"
)

const publicDomainHSTS = "max-age=31536000; includeSubDomains; preload"

// FromContext returns the resolution stored by the middleware.
func FromContext(ctx context.Context) (*Resolution, bool) {
	res, ok := ctx.Value(resolutionContextKey).(*Resolution)
	return res, ok
}

// WithResolution stores res in ctx.
func WithResolution(ctx context.Context, res *Resolution) context.Context {
	return context.WithValue(ctx, resolutionContextKey, res)
}

// Middleware resolves the project for every request.
type Middleware struct {
	resolver *Resolver
	logger   *slog.Logger
}

// NewMiddleware creates the host resolution middleware.
func NewMiddleware(resolver *Resolver, logger *slog.Logger) *Middleware {
	if logger == nil {
		logger = slog.Default()
	}
	return &Middleware{resolver: resolver, logger: logger}
}

// Wrap resolves the project before calling next. Unknown hosts get a 404
// page naming the host and malformed public domain hosts a 400 page.
func (m *Middleware) Wrap(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		res, err := m.resolver.Resolve(r.Context(), r)
		if err != nil {
			var hostErr *HostError
			if errors.As(err, &hostErr) {
				m.logger.Debug("host not served", "host", hostErr.Host, "status", hostErr.Status)
				telemetry.RecordHostResolution(r.Context(), KindNone, hostErr.Status)
				writeHostError(w, hostErr)
				return
			}
			m.logger.Error("host resolution failed", "host", r.Host, "error", err)
			telemetry.RecordHostResolution(r.Context(), KindNone, http.StatusInternalServerError)
			http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
			return
		}

		telemetry.RecordHostResolution(r.Context(), res.Kind(), http.StatusOK)
		m.logger.Debug("host resolved",
			"host", res.Host,
			"project_slug", res.ProjectSlug,
			"kind", res.Kind(),
			"canonicalize", res.Canonicalize,
		)

		w.Header().Set(ProjectHeader, res.ProjectSlug)
		if res.Domain != nil {
			w.Header().Set(DomainHeader, res.Domain.Domain)
		}
		if value := m.hsts(res); value != "" {
			w.Header().Set("Strict-Transport-Security", value)
		}
		next.ServeHTTP(w, r.WithContext(WithResolution(r.Context(), res)))
	})
}

// hsts computes the Strict-Transport-Security value. It is only sent over
// secure connections.
func (m *Middleware) hsts(res *Resolution) string {
	if !res.Secure {
		return ""
	}
	cfg := m.resolver.cfg
	if cfg.PublicDomainUsesHTTPS && cfg.PublicDomain != "" && strings.Contains(res.Host, cfg.PublicDomain) {
		return publicDomainHSTS
	}
	d := res.Domain
	if d == nil || d.HSTSMaxAge <= 0 {
		return ""
	}
	values := []string{fmt.Sprintf("max-age=%d", d.HSTSMaxAge)}
	if d.HSTSIncludeSubdomains {
		values = append(values, "includeSubDomains")
	}
	if d.HSTSPreload {
		values = append(values, "preload")
	}
	return strings.Join(values, "; ")
}

func writeHostError(w http.ResponseWriter, err *HostError) {
	host := html.EscapeString(err.Host)
	var body string
	if err.Status == http.StatusBadRequest {
		body = fmt.Sprintf("<h1>Bad Request</h1>\n<p>%s is not a valid documentation domain.</p>\n", host)
	} else {
		body = fmt.Sprintf("<h1>Not Found</h1>\n<p>There is no documentation hosted at %s.</p>\n", host)
	}
	writePage(w, err.Status, body)
}

func writePage(w http.ResponseWriter, status int, body string) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(status)
	fmt.Fprintf(w, "<!DOCTYPE html>\n<html><body>\n%s</body></html>\n", body)
}
