package handlers

import (
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/anonline/farm2fork-v3-sub000/internal/platform/httpx"
)

// RouteRegistrar registers a set of routes against the provided router.
type RouteRegistrar func(r chi.Router)

// Route group names accepted by WithGroupMiddlewares.
const (
	GroupCatalog  = "catalog"
	GroupCheckout = "checkout"
	GroupOrders   = "orders"
	GroupAdmin    = "admin"
	GroupWebhooks = "webhooks"
	GroupJobs     = "jobs"
)

const (
	defaultAPIPrefix  = "/api/v1"
	defaultTimeout    = 60 * time.Second
	errorNotFoundCode = "route_not_found"
)

// routeGroup describes one mounted API area. Checkout is mounted on the API root because its
// colon actions (/checkout:submit) cannot live under a chi sub-route.
type routeGroup struct {
	name      string
	path      string
	onRoot    bool
	fallbacks []string
	registrar RouteRegistrar
	mw        []func(http.Handler) http.Handler
}

type routerConfig struct {
	basePath    string
	timeout     time.Duration
	middlewares []func(http.Handler) http.Handler
	health      *HealthHandlers
	groups      []*routeGroup
}

func (c *routerConfig) group(name string) *routeGroup {
	for _, g := range c.groups {
		if g.name == name {
			return g
		}
	}
	return nil
}

// Option customises the router configuration before construction.
type Option func(*routerConfig)

// NewRouter builds the chi router: health routes at the root, the shop API under /api/v1. Groups
// without a registrar answer 501 so clients can tell a disabled area from a typo.
func NewRouter(opts ...Option) chi.Router {
	cfg := routerConfig{
		basePath: defaultAPIPrefix,
		timeout:  defaultTimeout,
		groups: []*routeGroup{
			{name: GroupCatalog, path: "/catalog"},
			{name: GroupCheckout, onRoot: true, fallbacks: []string{"/checkout/draft", "/checkout/draft:advance", "/checkout:submit"}},
			{name: GroupOrders, path: "/orders"},
			{name: GroupAdmin, path: "/admin"},
			{name: GroupWebhooks, path: "/webhooks"},
			{name: GroupJobs, path: "/internal/jobs"},
		},
	}
	for _, opt := range opts {
		if opt != nil {
			opt(&cfg)
		}
	}
	if cfg.health == nil {
		cfg.health = NewHealthHandlers()
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID, middleware.RealIP)
	if cfg.timeout > 0 {
		r.Use(middleware.Timeout(cfg.timeout))
	}
	for _, mw := range cfg.middlewares {
		if mw != nil {
			r.Use(mw)
		}
	}

	r.NotFound(func(w http.ResponseWriter, req *http.Request) {
		httpx.WriteError(req.Context(), w, httpx.NewError(errorNotFoundCode, fmt.Sprintf("no route for %s", req.URL.Path), http.StatusNotFound))
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, req *http.Request) {
		httpx.WriteError(req.Context(), w, httpx.NewError("method_not_allowed", fmt.Sprintf("method %s not allowed on %s", req.Method, req.URL.Path), http.StatusMethodNotAllowed))
	})

	r.Get("/healthz", cfg.health.Healthz)
	r.Get("/readyz", cfg.health.Readyz)

	r.Route(cfg.basePath, func(api chi.Router) {
		for _, g := range cfg.groups {
			mountGroup(api, g)
		}
	})
	return r
}

func mountGroup(api chi.Router, g *routeGroup) {
	if g.onRoot {
		target := api
		if len(g.mw) > 0 {
			target = api.With(g.mw...)
		}
		if g.registrar != nil {
			g.registrar(target)
			return
		}
		for _, path := range g.fallbacks {
			target.HandleFunc(path, notImplemented(g.name))
		}
		return
	}

	api.Route(g.path, func(sub chi.Router) {
		sub.Use(g.mw...)
		if g.registrar != nil {
			g.registrar(sub)
			return
		}
		handler := notImplemented(g.name)
		sub.HandleFunc("/", handler)
		sub.HandleFunc("/*", handler)
		sub.NotFound(handler)
		sub.MethodNotAllowed(handler)
	})
}

func notImplemented(name string) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		httpx.WriteError(req.Context(), w, httpx.NewError("not_implemented", fmt.Sprintf("%s routes not implemented", name), http.StatusNotImplemented))
	}
}

// WithMiddlewares appends global middleware, applied after request id and timeout.
func WithMiddlewares(mw ...func(http.Handler) http.Handler) Option {
	return func(cfg *routerConfig) {
		cfg.middlewares = append(cfg.middlewares, mw...)
	}
}

// WithRequestTimeout overrides the per-request deadline; zero disables it.
func WithRequestTimeout(d time.Duration) Option {
	return func(cfg *routerConfig) {
		if d >= 0 {
			cfg.timeout = d
		}
	}
}

// WithHealthHandlers overrides the handlers used for /healthz and /readyz.
func WithHealthHandlers(h *HealthHandlers) Option {
	return func(cfg *routerConfig) {
		cfg.health = h
	}
}

// WithGroupMiddlewares adds middleware to one named group. Unknown names are ignored.
func WithGroupMiddlewares(name string, mw ...func(http.Handler) http.Handler) Option {
	return func(cfg *routerConfig) {
		g := cfg.group(name)
		if g == nil {
			return
		}
		for _, m := range mw {
			if m != nil {
				g.mw = append(g.mw, m)
			}
		}
	}
}

func withRegistrar(name string, reg RouteRegistrar) Option {
	return func(cfg *routerConfig) {
		if g := cfg.group(name); g != nil {
			g.registrar = reg
		}
	}
}

// WithCatalogRoutes mounts shipping and payment method lookups.
func WithCatalogRoutes(reg RouteRegistrar) Option { return withRegistrar(GroupCatalog, reg) }

// WithCheckoutRoutes mounts the checkout wizard.
func WithCheckoutRoutes(reg RouteRegistrar) Option { return withRegistrar(GroupCheckout, reg) }

// WithOrderRoutes mounts customer order endpoints.
func WithOrderRoutes(reg RouteRegistrar) Option { return withRegistrar(GroupOrders, reg) }

// WithAdminRoutes mounts staff endpoints.
func WithAdminRoutes(reg RouteRegistrar) Option { return withRegistrar(GroupAdmin, reg) }

// WithWebhookRoutes mounts provider callbacks.
func WithWebhookRoutes(reg RouteRegistrar) Option { return withRegistrar(GroupWebhooks, reg) }

// WithJobRoutes mounts scheduler-triggered jobs. Callers must guard the group with
// WithGroupMiddlewares; the router adds no authentication of its own.
func WithJobRoutes(reg RouteRegistrar) Option { return withRegistrar(GroupJobs, reg) }
