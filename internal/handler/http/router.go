package httphandler

import (
	"log/slog"
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/afero"
)

type Services interface {
	StatusService
	GenerateService
}

type RouterConfig struct {
	URLPrefix       string
	DescriptionPath string
	Middleware      MiddlewareConfig
}

// NewRouter registers every route and wraps the mux with the middleware chain.
// root must already be limited to the resource directory.
func NewRouter(cfg RouterConfig, srv Services, renderer PageRenderer, root afero.Fs, log *slog.Logger) http.Handler {
	mux := http.NewServeMux()

	mux.Handle("GET /{$}", NewHomeHandler(srv, renderer, cfg.URLPrefix, log))
	mux.Handle("POST "+RouteGenerate, NewGenerateHandler(srv, log))
	mux.Handle("GET "+RouteHealth, NewHealthHandler(srv, log))
	mux.Handle("GET "+RouteMetrics, promhttp.Handler())
	mux.Handle("GET "+routeResource, NewResourceHandler(root, cfg.DescriptionPath, log))

	return NewMiddleware(cfg.Middleware, log).Wrap(mux)
}
