package proxito

import (
	"log/slog"
	"net/http"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/readthedocs/rtd/pkg/mediastorage"
	"github.com/readthedocs/rtd/pkg/storage"
)

// NewServerHandler assembles the traced documentation server handler:
// host resolution followed by the serving handler.
func NewServerHandler(store *storage.Store, media mediastorage.Storage, cfg Config, logger *slog.Logger, opts ...HandlerOption) http.Handler {
	mw := NewMiddleware(NewResolver(store, cfg), logger)
	return otelhttp.NewHandler(mw.Wrap(NewHandler(store, media, logger, opts...)), "proxito")
}
