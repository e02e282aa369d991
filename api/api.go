// Package api serves the bizadmin REST API: sign-in and sign-out, the
// session cookie, the gatekeeper middleware that enforces role policy on
// every request, and CRUD over accounts and business records.
package api

import (
	_ "embed"
	"fmt"
	"log/slog"
	"net/http"
	"net/netip"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-openapi/runtime/middleware"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/jmcleod/bizadmin/accounts"
	"github.com/jmcleod/bizadmin/auth"
	"github.com/jmcleod/bizadmin/business"
	"github.com/jmcleod/bizadmin/storage"
)

// API holds the dependencies needed by the REST handlers.
type API struct {
	accounts *accounts.Store
	book     *business.Book
	signer   *auth.Signer
	policy   auth.Policy

	logger         *slog.Logger
	audit          *auditLogger
	metrics        *metricsCollector
	history        *auditStore
	limiter        *signInLimiter
	secureCookies  bool
	publicPaths    []string
	trustedProxies []netip.Prefix

	alertFn    AlertFunc
	registerer prometheus.Registerer

	webhookURL      string
	webhookHeader   string
	auditMaxEntries int

	stopSweep chan struct{}
	closeOnce sync.Once
}

//go:embed openapi.yaml
var openapiSpec []byte

const sweepInterval = 10 * time.Minute

// Option configures the API instance.
type Option func(*API)

// WithLogger sets the structured logger for request errors and audit
// events. If not set, a JSON logger writing to stderr is used.
func WithLogger(logger *slog.Logger) Option {
	return func(a *API) {
		a.logger = logger
	}
}

// WithSecureCookies sets the Secure attribute on the session cookie.
func WithSecureCookies(secure bool) Option {
	return func(a *API) {
		a.secureCookies = secure
	}
}

// WithAlertFunc registers a callback for anomaly alerts such as a spike in
// failed sign-ins.
func WithAlertFunc(fn AlertFunc) Option {
	return func(a *API) {
		a.alertFn = fn
	}
}

// WithRegisterer registers the API's prometheus collectors with reg.
func WithRegisterer(reg prometheus.Registerer) Option {
	return func(a *API) {
		a.registerer = reg
	}
}

// WithAuditWebhook forwards every audit event to url as JSON. header, if
// non-empty, is sent with each request in "Name: value" form.
func WithAuditWebhook(url, header string) Option {
	return func(a *API) {
		a.webhookURL = url
		a.webhookHeader = header
	}
}

// WithAuditRetention caps the stored record change history at maxEntries,
// oldest first. Zero disables pruning.
func WithAuditRetention(maxEntries int) Option {
	return func(a *API) {
		a.auditMaxEntries = maxEntries
	}
}

// WithPublicPaths adds paths the gatekeeper lets through without a session.
func WithPublicPaths(paths ...string) Option {
	return func(a *API) {
		a.publicPaths = append(a.publicPaths, paths...)
	}
}

// WithPolicy replaces auth.DefaultPolicy.
func WithPolicy(p auth.Policy) Option {
	return func(a *API) {
		a.policy = p
	}
}

// WithTrustedProxies sets the proxy CIDRs whose forwarding headers are
// honoured when keying sign-in rate limits by client IP. A bare address is
// treated as a single-host prefix.
func WithTrustedProxies(cidrs []string) (Option, error) {
	prefixes := make([]netip.Prefix, 0, len(cidrs))
	for _, c := range cidrs {
		c = strings.TrimSpace(c)
		if p, err := netip.ParsePrefix(c); err == nil {
			prefixes = append(prefixes, p.Masked())
			continue
		}
		addr, err := netip.ParseAddr(c)
		if err != nil {
			return nil, fmt.Errorf("invalid trusted proxy %q", c)
		}
		prefixes = append(prefixes, netip.PrefixFrom(addr, addr.BitLen()))
	}
	return func(a *API) {
		a.trustedProxies = prefixes
	}, nil
}

// New creates a new API instance over repo. Call Close to stop its
// background work.
func New(repo storage.Repository, signer *auth.Signer, opts ...Option) *API {
	a := &API{
		accounts:    accounts.NewStore(repo),
		book:        business.NewBook(repo),
		signer:      signer,
		policy:      auth.DefaultPolicy(),
		limiter:     newSignInLimiter(),
		publicPaths: append([]string(nil), DefaultPublicPaths...),
		stopSweep:   make(chan struct{}),

		auditMaxEntries: defaultAuditMaxEntries,
	}
	for _, opt := range opts {
		opt(a)
	}
	a.history = newAuditStore(repo, a.auditMaxEntries)
	if a.logger == nil {
		a.logger = slog.New(slog.NewJSONHandler(os.Stderr, nil))
	}
	a.audit = newAuditLogger(a.logger)
	if a.webhookURL != "" {
		a.audit.webhook = newAuditWebhook(a.webhookURL, a.webhookHeader, a.logger)
	}
	a.logger = a.logger.With("component", "api")
	a.metrics = newMetricsCollector(a.alertFn, a.registerer)
	a.audit.metrics = a.metrics

	go a.sweepLoop()
	return a
}

// Close stops the rate limiter sweeper and flushes the audit webhook.
func (a *API) Close() {
	a.closeOnce.Do(func() {
		if a.stopSweep != nil {
			close(a.stopSweep)
		}
		if a.audit != nil && a.audit.webhook != nil {
			a.audit.webhook.close()
		}
	})
}

func (a *API) sweepLoop() {
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			a.limiter.sweep()
		case <-a.stopSweep:
			return
		}
	}
}

// Accounts exposes the account store, e.g. for bootstrapping the first admin.
func (a *API) Accounts() *accounts.Store { return a.accounts }

// Router returns a chi.Router with all API routes mounted behind the
// gatekeeper.
func (a *API) Router() chi.Router {
	r := chi.NewRouter()
	r.Use(a.Gatekeeper)

	r.Get("/openapi.yaml", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/yaml")
		w.Write(openapiSpec)
	})

	r.Handle("/docs*", middleware.SwaggerUI(middleware.SwaggerUIOpts{
		SpecURL: "/api/v1/openapi.yaml",
		Path:    "api/v1/docs",
	}, nil))

	r.Handle("/redoc*", middleware.Redoc(middleware.RedocOpts{
		SpecURL: "/api/v1/openapi.yaml",
		Path:    "api/v1/redoc",
	}, nil))

	r.Post("/auth/sign-in", a.SignIn)
	r.Post("/auth/sign-out", a.SignOut)
	r.Get("/auth/me", a.Me)

	r.Route("/users", func(r chi.Router) {
		r.Get("/", a.ListUsers)
		r.Post("/", a.CreateUser)
		r.Delete("/{userID}", a.DeleteUser)
	})

	mountResource(r, a, "/invoices", "invoice",
		func(b *business.Book) collection[business.Invoice] { return b.Invoices })
	mountResource(r, a, "/purchase-orders", "purchase_order",
		func(b *business.Book) collection[business.PurchaseOrder] { return b.PurchaseOrders })
	mountResource(r, a, "/suppliers", "supplier",
		func(b *business.Book) collection[business.Supplier] { return b.Suppliers })
	mountResource(r, a, "/item-groups", "item_group",
		func(b *business.Book) collection[business.ItemGroup] { return b.ItemGroups })
	mountResource(r, a, "/students", "student",
		func(b *business.Book) collection[business.Student] { return b.Students })

	r.Get("/reports/summary", a.Summary)
	r.Get("/audit", a.ListAuditEntries)

	return r
}
