package http

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"landlink/pkg/logging"
	"landlink/pkg/media"
	"landlink/pkg/metrics"
	"landlink/pkg/middleware"
	"landlink/pkg/service"
	"landlink/pkg/sms"
	"landlink/pkg/storage"
	"landlink/pkg/storage/memory"
)

const testCode = "123456"

type fakePresigner struct{}

func (fakePresigner) PresignUpload(ctx context.Context, ownerID uuid.UUID, contentType string) (*media.Upload, error) {
	key, err := media.ObjectKey(ownerID, contentType)
	if err != nil {
		return nil, err
	}
	return &media.Upload{Method: "PUT", URL: "https://media.example.in/" + key, ObjectKey: key, ContentType: contentType}, nil
}

// downLinks fails owner listings to exercise the 503 path.
type downLinks struct {
	storage.LinkStorage
}

func (downLinks) ListByOwner(context.Context, uuid.UUID) ([]storage.LinkSummary, error) {
	return nil, errors.New("connection reset by peer")
}

type world struct {
	t        *testing.T
	store    *memory.Store
	sessions *middleware.SessionManager
	ents     *service.EntitlementService
	router   http.Handler
	gateOnly http.Handler
	metrics  *metrics.Metrics
}

type worldOption func(*worldConfig)

type worldConfig struct {
	throttle service.Throttle
	links    func(storage.LinkStorage) storage.LinkStorage
}

func withThrottle(t service.Throttle) worldOption {
	return func(c *worldConfig) { c.throttle = t }
}

func withLinks(wrap func(storage.LinkStorage) storage.LinkStorage) worldOption {
	return func(c *worldConfig) { c.links = wrap }
}

func newWorld(t *testing.T, options ...worldOption) *world {
	t.Helper()
	cfg := worldConfig{links: func(l storage.LinkStorage) storage.LinkStorage { return l }}
	for _, o := range options {
		o(&cfg)
	}

	logger := logging.New(logging.Options{Output: io.Discard})
	m := metrics.New()
	opts := service.Options{Logger: logger, Metrics: m, StoreTimeout: time.Second}
	store := memory.New()
	links := cfg.links(store.Links)

	otp := service.NewOTPService(store.OTPs, sms.NewLogSender(logger), service.FixedCodeGenerator(testCode), cfg.throttle,
		service.OTPConfig{TTL: 5 * time.Minute, MaxAttempts: 5, HashCost: bcrypt.MinCost}, opts)
	ents := service.NewEntitlementService(store.Entitlements, service.EntitlementRules{
		Policy: service.PolicySubscription, PlanType: "buyer", PlanTiers: []string{"premium"},
	}, opts)
	linkSvc := service.NewLinkService(links, store.Profiles, store.Properties, ents, nil,
		service.LinkConfig{PublicBaseURL: "https://bhoomi.example.in"}, opts)
	views := service.NewViewLog(store.Views, links, opts)
	gate := service.NewGate(otp, linkSvc, store.Profiles, store.Properties, views, opts)
	sessions := middleware.NewSessionManager("0123456789abcdef0123456789abcdef", time.Hour)
	identity := service.NewIdentityService(otp, store.Profiles, sessions, opts)

	h := NewHandler(Deps{
		OTP:          otp,
		Identity:     identity,
		Gate:         gate,
		Links:        linkSvc,
		Views:        views,
		Entitlements: ents,
		Media:        fakePresigner{},
		Metrics:      m,
		Logger:       logger,
	})
	proxies, err := middleware.ParseTrustedProxies([]string{"10.0.0.0/8"})
	require.NoError(t, err)
	ropts := RouterOptions{
		Auth:           middleware.NewAuthenticator(logger, sessions),
		TrustedProxies: proxies,
		RequestTimeout: 5 * time.Second,
		ExposeMetrics:  true,
	}

	return &world{
		t:        t,
		store:    store,
		sessions: sessions,
		ents:     ents,
		router:   NewRouter(h, ropts),
		gateOnly: NewGateRouter(h, ropts),
		metrics:  m,
	}
}

type call struct {
	method  string
	path    string
	body    any
	bearer  string
	headers map[string]string
	remote  string
}

func (w *world) do(h http.Handler, c call) *httptest.ResponseRecorder {
	w.t.Helper()
	var body io.Reader
	if c.body != nil {
		raw, err := json.Marshal(c.body)
		require.NoError(w.t, err)
		body = bytes.NewReader(raw)
	}
	req := httptest.NewRequest(c.method, c.path, body)
	req.Header.Set("Content-Type", "application/json")
	if c.bearer != "" {
		req.Header.Set("Authorization", "Bearer "+c.bearer)
	}
	for k, v := range c.headers {
		req.Header.Set(k, v)
	}
	if c.remote != "" {
		req.RemoteAddr = c.remote
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func (w *world) api(c call) *httptest.ResponseRecorder {
	w.t.Helper()
	return w.do(w.router, c)
}

func decodeBody[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out), rec.Body.String())
	return out
}

// signIn runs the phone login flow and returns the session token and user.
func (w *world) signIn(phoneNumber string) (string, uuid.UUID) {
	w.t.Helper()
	rec := w.api(call{method: http.MethodPost, path: "/v1/otp/send", body: map[string]string{"phone": phoneNumber}})
	require.Equal(w.t, http.StatusOK, rec.Code, rec.Body.String())

	rec = w.api(call{method: http.MethodPost, path: "/v1/otp/verify", body: map[string]string{"phone": phoneNumber, "code": testCode}})
	require.Equal(w.t, http.StatusOK, rec.Code, rec.Body.String())
	res := decodeBody[service.SignInResult](w.t, rec)
	return res.AccessToken, res.Profile.UserID
}

func (w *world) premium(user uuid.UUID) {
	w.t.Helper()
	_, err := w.ents.Grant(context.Background(), service.GrantRequest{
		UserID: user, Kind: storage.EntitlementSubscription, PlanType: "buyer", PlanTier: "premium",
	})
	require.NoError(w.t, err)
}

func (w *world) property() uuid.UUID {
	id := uuid.New()
	w.store.Properties.Put(storage.Property{
		ID:           id,
		OwnerUserID:  uuid.New(),
		Title:        "नहर के पास 2 एकड़ खेत",
		TitleEn:      "2 acre farm near the canal",
		State:        "Madhya Pradesh",
		District:     "Sehore",
		KhasraNumber: "45/2",
		Area:         2,
		AreaUnit:     "acre",
		AskingPrice:  1800000,
		CreatedAt:    time.Now().UTC(),
	})
	return id
}

func (w *world) interest(bearer string, propertyID uuid.UUID) *httptest.ResponseRecorder {
	w.t.Helper()
	return w.api(call{method: http.MethodPost, path: "/v1/properties/" + propertyID.String() + "/interest", bearer: bearer})
}

func TestPrivateLinkJourney(t *testing.T) {
	w := newWorld(t)
	session, user := w.signIn("+91 98765 43210")
	w.premium(user)
	prop := w.property()

	rec := w.interest(session, prop)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	link := decodeBody[service.CreateLinkResponse](t, rec)
	assert.True(t, link.Created)
	assert.Equal(t, "https://bhoomi.example.in/p/"+link.Token, link.ShareURL)

	rec = w.interest(session, prop)
	require.Equal(t, http.StatusOK, rec.Code)
	again := decodeBody[service.CreateLinkResponse](t, rec)
	assert.Equal(t, link.Token, again.Token)
	assert.False(t, again.Created)

	rec = w.api(call{method: http.MethodGet, path: "/p/" + link.Token})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, service.GateAwaitingPhone, decodeBody[service.GateStep](t, rec).State)

	rec = w.api(call{method: http.MethodPost, path: "/p/" + link.Token + "/otp", body: map[string]string{"phone": "9876543210"}})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, service.GateAwaitingOTP, decodeBody[service.GateStep](t, rec).State)

	rec = w.api(call{
		method:  http.MethodPost,
		path:    "/p/" + link.Token + "/verify",
		body:    map[string]string{"phone": "9876543210", "code": testCode},
		headers: map[string]string{"X-Forwarded-For": "203.0.113.50", "User-Agent": "Mozilla/5.0 (Android 14)"},
		remote:  "10.0.0.2:5000",
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "no-store", rec.Header().Get("Cache-Control"))
	unlocked := decodeBody[service.UnlockResult](t, rec)
	assert.Equal(t, service.GateVerified, unlocked.State)
	require.NotNil(t, unlocked.Property)
	assert.Equal(t, "45/2", unlocked.Property.KhasraNumber)

	rec = w.api(call{method: http.MethodGet, path: "/v1/links", bearer: session})
	require.Equal(t, http.StatusOK, rec.Code)
	mine := decodeBody[struct {
		Links []storage.LinkSummary `json:"links"`
	}](t, rec)
	require.Len(t, mine.Links, 1)
	assert.Equal(t, int64(1), mine.Links[0].ViewCount)

	rec = w.api(call{method: http.MethodGet, path: "/v1/links/" + link.Token + "/views", bearer: session})
	require.Equal(t, http.StatusOK, rec.Code)
	history := decodeBody[service.LinkHistory](t, rec)
	require.Len(t, history.Views, 1)
	require.NotNil(t, history.Views[0].IPAddress)
	assert.Equal(t, "203.0.113.50", *history.Views[0].IPAddress)
}

func TestUnlockRecordsPeerAddressOfDirectClients(t *testing.T) {
	w := newWorld(t)
	session, user := w.signIn("9876543210")
	w.premium(user)
	link := decodeBody[service.CreateLinkResponse](t, w.interest(session, w.property()))

	rec := w.api(call{method: http.MethodPost, path: "/p/" + link.Token + "/otp", body: map[string]string{"phone": "9876543210"}})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = w.api(call{
		method:  http.MethodPost,
		path:    "/p/" + link.Token + "/verify",
		body:    map[string]string{"phone": "9876543210", "code": testCode},
		headers: map[string]string{"X-Forwarded-For": "198.51.100.1"},
		remote:  "203.0.113.7:5000",
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = w.api(call{method: http.MethodGet, path: "/v1/links/" + link.Token + "/views", bearer: session})
	require.Equal(t, http.StatusOK, rec.Code)
	history := decodeBody[service.LinkHistory](t, rec)
	require.Len(t, history.Views, 1)
	require.NotNil(t, history.Views[0].IPAddress)
	assert.Equal(t, "203.0.113.7", *history.Views[0].IPAddress)
}

func TestVerifyOTPWithTokenUnlocks(t *testing.T) {
	w := newWorld(t)
	session, user := w.signIn("9876543210")
	w.premium(user)
	link := decodeBody[service.CreateLinkResponse](t, w.interest(session, w.property()))

	rec := w.api(call{method: http.MethodPost, path: "/v1/otp/send", body: map[string]string{"phone": "9876543210"}})
	require.Equal(t, http.StatusOK, rec.Code)

	rec = w.api(call{method: http.MethodPost, path: "/v1/otp/verify", body: map[string]string{
		"phone": "9876543210", "code": testCode, "token": link.Token,
	}})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, service.GateVerified, decodeBody[service.UnlockResult](t, rec).State)
}

// Denials look identical whatever the reason.
func TestGateDenialsAreGeneric(t *testing.T) {
	w := newWorld(t)
	session, user := w.signIn("9876543210")
	w.premium(user)
	link := decodeBody[service.CreateLinkResponse](t, w.interest(session, w.property()))
	w.signIn("9123456789")

	unlock := func(token, phoneNumber, code string) *httptest.ResponseRecorder {
		rec := w.api(call{method: http.MethodPost, path: "/p/" + token + "/otp", body: map[string]string{"phone": phoneNumber}})
		require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
		return w.api(call{method: http.MethodPost, path: "/p/" + token + "/verify", body: map[string]string{"phone": phoneNumber, "code": code}})
	}

	mismatch := unlock(link.Token, "9123456789", testCode)
	unknown := unlock(uuid.NewString(), "9876543210", testCode)
	wrongCode := unlock(link.Token, "9876543210", "654321")

	for _, rec := range []*httptest.ResponseRecorder{mismatch, unknown, wrongCode} {
		assert.Equal(t, http.StatusForbidden, rec.Code)
		assert.JSONEq(t, `{"error":"invalid code or link"}`, rec.Body.String())
	}

	views, err := w.store.Views.ListAll(context.Background())
	require.NoError(t, err)
	assert.Empty(t, views)
}

func TestInterestRequiresEntitlement(t *testing.T) {
	w := newWorld(t)
	session, _ := w.signIn("9876543210")

	rec := w.interest(session, w.property())
	require.Equal(t, http.StatusPaymentRequired, rec.Code)
	body := decodeBody[map[string]string](t, rec)
	assert.Equal(t, "/subscriptions", body["upgrade_url"])

	links, err := w.store.Links.ListAll(context.Background())
	require.NoError(t, err)
	assert.Empty(t, links)
}

func TestInterestErrors(t *testing.T) {
	w := newWorld(t)
	session, user := w.signIn("9876543210")
	w.premium(user)

	tests := []struct {
		name   string
		path   string
		bearer string
		want   int
	}{
		{"no session", "/v1/properties/" + uuid.NewString() + "/interest", "", http.StatusUnauthorized},
		{"bad property id", "/v1/properties/not-a-uuid/interest", session, http.StatusBadRequest},
		{"unknown property", "/v1/properties/" + uuid.NewString() + "/interest", session, http.StatusNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := w.api(call{method: http.MethodPost, path: tt.path, bearer: tt.bearer})
			assert.Equal(t, tt.want, rec.Code, rec.Body.String())
		})
	}
}

func TestRequestValidation(t *testing.T) {
	w := newWorld(t)

	tests := []struct {
		name  string
		path  string
		body  any
		field string
	}{
		{"landline", "/v1/otp/send", map[string]string{"phone": "0124567890"}, "Phone"},
		{"missing phone", "/v1/otp/send", map[string]string{}, "Phone"},
		{"short code", "/v1/otp/verify", map[string]string{"phone": "9876543210", "code": "12"}, "Code"},
		{"letters in code", "/v1/otp/verify", map[string]string{"phone": "9876543210", "code": "12ab56"}, "Code"},
		{"gate phone", "/p/" + uuid.NewString() + "/otp", map[string]string{"phone": "12345"}, "Phone"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := w.api(call{method: http.MethodPost, path: tt.path, body: tt.body})
			require.Equal(t, http.StatusBadRequest, rec.Code)
			body := decodeBody[struct {
				Fields map[string]string `json:"fields"`
			}](t, rec)
			assert.Contains(t, body.Fields, tt.field)
		})
	}

	req := httptest.NewRequest(http.MethodPost, "/v1/otp/send", bytes.NewBufferString("{not json"))
	rec := httptest.NewRecorder()
	w.router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestSignInRejectsWrongCode(t *testing.T) {
	w := newWorld(t)
	rec := w.api(call{method: http.MethodPost, path: "/v1/otp/send", body: map[string]string{"phone": "9876543210"}})
	require.Equal(t, http.StatusOK, rec.Code)

	rec = w.api(call{method: http.MethodPost, path: "/v1/otp/verify", body: map[string]string{"phone": "9876543210", "code": "000000"}})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestOTPThrottleReturns429(t *testing.T) {
	w := newWorld(t, withThrottle(service.NewMemoryThrottle(30*time.Second, time.Hour, 5)))

	rec := w.api(call{method: http.MethodPost, path: "/v1/otp/send", body: map[string]string{"phone": "9876543210"}})
	require.Equal(t, http.StatusOK, rec.Code)

	rec = w.api(call{method: http.MethodPost, path: "/v1/otp/send", body: map[string]string{"phone": "9876543210"}})
	require.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.NotEmpty(t, rec.Header().Get("Retry-After"))
}

func TestTemporaryFailureReturns503(t *testing.T) {
	w := newWorld(t, withLinks(func(l storage.LinkStorage) storage.LinkStorage { return downLinks{l} }))
	session, _ := w.signIn("9876543210")

	rec := w.api(call{method: http.MethodGet, path: "/v1/links", bearer: session})
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.JSONEq(t, `{"error":"temporary failure, please retry"}`, rec.Body.String())
}

func TestLinkQRCode(t *testing.T) {
	w := newWorld(t)
	session, user := w.signIn("9876543210")
	w.premium(user)
	link := decodeBody[service.CreateLinkResponse](t, w.interest(session, w.property()))

	rec := w.api(call{method: http.MethodGet, path: "/v1/links/" + link.Token + "/qrcode", bearer: session})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "image/png", rec.Header().Get("Content-Type"))
	assert.True(t, bytes.HasPrefix(rec.Body.Bytes(), []byte("\x89PNG\r\n\x1a\n")))

	other, _ := w.signIn("9123456789")
	rec = w.api(call{method: http.MethodGet, path: "/v1/links/" + link.Token + "/qrcode", bearer: other})
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = w.api(call{method: http.MethodGet, path: "/v1/links/" + link.Token + "/views", bearer: other})
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestAdminRoutes(t *testing.T) {
	w := newWorld(t)
	userSession, user := w.signIn("9876543210")
	adminSession, _, err := w.sessions.Issue(uuid.New(), storage.RoleAdmin)
	require.NoError(t, err)

	rec := w.api(call{method: http.MethodGet, path: "/v1/admin/links", bearer: userSession})
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = w.api(call{method: http.MethodPost, path: "/v1/admin/entitlements", bearer: adminSession, body: map[string]any{
		"user_id": user, "kind": "subscription", "plan_type": "buyer", "plan_tier": "premium", "amount_paise": 99900,
	}})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	granted := decodeBody[storage.Entitlement](t, rec)
	assert.Equal(t, storage.EntitlementActive, granted.Status)

	rec = w.api(call{method: http.MethodPost, path: "/v1/admin/entitlements", bearer: adminSession, body: map[string]any{
		"user_id": user, "kind": "lifetime",
	}})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = w.interest(userSession, w.property())
	require.Equal(t, http.StatusCreated, rec.Code)

	rec = w.api(call{method: http.MethodGet, path: "/v1/me/entitlements", bearer: userSession})
	require.Equal(t, http.StatusOK, rec.Code)
	mine := decodeBody[struct {
		Entitlements []storage.Entitlement `json:"entitlements"`
	}](t, rec)
	require.Len(t, mine.Entitlements, 1)

	path := "/v1/admin/entitlements/" + granted.ID.String()
	rec = w.api(call{method: http.MethodPatch, path: path, bearer: adminSession, body: map[string]string{"status": "paused"}})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = w.api(call{method: http.MethodPatch, path: path, bearer: adminSession, body: map[string]string{"status": "cancelled"}})
	require.Equal(t, http.StatusNoContent, rec.Code)

	rec = w.api(call{method: http.MethodPatch, path: "/v1/admin/entitlements/" + uuid.NewString(), bearer: adminSession, body: map[string]string{"status": "expired"}})
	assert.Equal(t, http.StatusNotFound, rec.Code)

	// Cancelled subscriptions no longer mint links for new properties.
	rec = w.interest(userSession, w.property())
	assert.Equal(t, http.StatusPaymentRequired, rec.Code)

	rec = w.api(call{method: http.MethodGet, path: "/v1/admin/links", bearer: adminSession})
	require.Equal(t, http.StatusOK, rec.Code)
	all := decodeBody[struct {
		Links []service.LinkAudit `json:"links"`
	}](t, rec)
	assert.Len(t, all.Links, 1)
}

func TestPresignMedia(t *testing.T) {
	w := newWorld(t)
	session, _ := w.signIn("9876543210")

	rec := w.api(call{method: http.MethodPost, path: "/v1/media/presign", bearer: session, body: map[string]string{"content_type": "image/jpeg"}})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "PUT", decodeBody[media.Upload](t, rec).Method)

	rec = w.api(call{method: http.MethodPost, path: "/v1/media/presign", bearer: session, body: map[string]string{"content_type": "text/html"}})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestGateRouterServesOnlyGate(t *testing.T) {
	w := newWorld(t)

	rec := w.do(w.gateOnly, call{method: http.MethodGet, path: "/p/" + uuid.NewString()})
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.NotEmpty(t, rec.Header().Get(middleware.RequestIDHeader))

	rec = w.do(w.gateOnly, call{method: http.MethodGet, path: "/v1/links"})
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = w.do(w.gateOnly, call{method: http.MethodGet, path: "/health"})
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestMetricsEndpoint(t *testing.T) {
	w := newWorld(t)
	w.signIn("9876543210")

	rec := w.api(call{method: http.MethodGet, path: "/metrics"})
	require.Equal(t, http.StatusOK, rec.Code)
	body := rec.Body.String()
	assert.Contains(t, body, `landlink_otp_sends_total{result="sent"} 1`)
	assert.Contains(t, body, `route="/v1/otp/send"`)
}
