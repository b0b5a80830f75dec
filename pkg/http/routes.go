package http

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"landlink/pkg/middleware"
	"landlink/pkg/storage"
)

type RouterOptions struct {
	// Auth guards owner and admin routes. Without it they are not mounted.
	Auth           *middleware.Authenticator
	GeneralLimiter *middleware.RateLimiter
	OTPLimiter     *middleware.RateLimiter
	// TrustedProxies may set X-Forwarded-For. Everyone else is keyed by
	// the connection's address.
	TrustedProxies middleware.TrustedProxies
	RequestTimeout time.Duration
	ExposeMetrics  bool
}

func limit(rl *middleware.RateLimiter) func(http.Handler) http.Handler {
	if rl == nil {
		return func(next http.Handler) http.Handler { return next }
	}
	return rl.Limit
}

func (h *Handler) baseRouter(opts RouterOptions) *chi.Mux {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.ClientAddr(opts.TrustedProxies))
	r.Use(chimw.Recoverer)
	r.Use(middleware.Observe(h.deps.Logger, h.deps.Metrics))
	if opts.RequestTimeout > 0 {
		r.Use(chimw.Timeout(opts.RequestTimeout))
	}

	r.Get("/health", h.HealthCheck)
	if opts.ExposeMetrics && h.deps.Metrics != nil {
		r.Handle("/metrics", h.deps.Metrics.Handler())
	}
	return r
}

// NewRouter builds the full API: phone sign-in, owner and admin routes and
// the public gate.
func NewRouter(h *Handler, opts RouterOptions) *chi.Mux {
	r := h.baseRouter(opts)
	SetupRoutes(r, h, opts)
	return r
}

// NewGateRouter serves only the public /p/{token} surface.
func NewGateRouter(h *Handler, opts RouterOptions) *chi.Mux {
	r := h.baseRouter(opts)
	SetupGateRoutes(r, h, opts)
	return r
}

func SetupRoutes(r chi.Router, h *Handler, opts RouterOptions) {
	r.Route("/v1", func(r chi.Router) {
		r.Use(limit(opts.GeneralLimiter))

		r.With(limit(opts.OTPLimiter)).Post("/otp/send", h.SendOTP)
		r.With(limit(opts.OTPLimiter)).Post("/otp/verify", h.VerifyOTP)

		if opts.Auth == nil {
			return
		}
		read := opts.Auth.Authenticate(middleware.ScopeLinksRead)
		write := opts.Auth.Authenticate(middleware.ScopeLinksWrite)

		r.With(write).Post("/properties/{propertyID}/interest", h.CreateInterest)
		r.With(read).Get("/links", h.ListMyLinks)
		r.With(read).Get("/links/{token}/views", h.LinkViews)
		r.With(read).Get("/links/{token}/qrcode", h.LinkQRCode)
		r.With(read).Get("/me/entitlements", h.MyEntitlements)
		if h.deps.Media != nil {
			r.With(write).Post("/media/presign", h.PresignMedia)
		}

		r.Route("/admin", func(r chi.Router) {
			r.Use(opts.Auth.Authenticate(), middleware.RequireRole(storage.RoleAdmin))
			r.Get("/links", h.AdminLinks)
			r.Post("/entitlements", h.GrantEntitlement)
			r.Patch("/entitlements/{id}", h.SetEntitlementStatus)
		})
	})
	SetupGateRoutes(r, h, opts)
}

func SetupGateRoutes(r chi.Router, h *Handler, opts RouterOptions) {
	r.Route("/p/{token}", func(r chi.Router) {
		r.Use(limit(opts.GeneralLimiter))
		r.Get("/", h.OpenLink)
		r.With(limit(opts.OTPLimiter)).Post("/otp", h.RequestLinkCode)
		r.With(limit(opts.OTPLimiter)).Post("/verify", h.UnlockLink)
	})
}
