package service

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"landlink/pkg/cache"
	"landlink/pkg/logging"
	"landlink/pkg/storage"
	"landlink/pkg/storage/memory"
)

var errStoreDown = errors.New("connection refused")

// captureSender records every code it is asked to deliver.
type captureSender struct {
	mu    sync.Mutex
	codes map[string][]string
	err   error
}

func newCaptureSender() *captureSender {
	return &captureSender{codes: make(map[string][]string)}
}

func (s *captureSender) SendOTP(ctx context.Context, phoneNumber, code string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.codes[phoneNumber] = append(s.codes[phoneNumber], code)
	return nil
}

func (s *captureSender) last(phoneNumber string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	codes := s.codes[phoneNumber]
	if len(codes) == 0 {
		return ""
	}
	return codes[len(codes)-1]
}

func (s *captureSender) sent(phoneNumber string) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.codes[phoneNumber]...)
}

// flakyLinks fails the first failures token lookups.
type flakyLinks struct {
	storage.LinkStorage
	mu       sync.Mutex
	failures int
	calls    int
}

func (f *flakyLinks) GetByToken(ctx context.Context, token string) (*storage.PrivateLink, error) {
	f.mu.Lock()
	f.calls++
	fail := f.calls <= f.failures
	f.mu.Unlock()
	if fail {
		return nil, errStoreDown
	}
	return f.LinkStorage.GetByToken(ctx, token)
}

type failingViews struct {
	storage.ViewStorage
}

func (failingViews) Append(context.Context, *storage.LinkView) error {
	return errStoreDown
}

type mapCache struct {
	mu      sync.Mutex
	entries map[string]*cache.CachedLink
}

func newMapCache() *mapCache {
	return &mapCache{entries: make(map[string]*cache.CachedLink)}
}

func (c *mapCache) Get(ctx context.Context, token string) (*cache.CachedLink, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.entries[token], nil
}

func (c *mapCache) Set(ctx context.Context, token string, link *cache.CachedLink, ttl time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[token] = link
	return nil
}

type fixture struct {
	store  *memory.Store
	sender *captureSender
	opts   Options
	otp    *OTPService
	ents   *EntitlementService
	links  *LinkService
	views  *ViewLog
	gate   *Gate
}

func testOptions() Options {
	return Options{Logger: logging.New(logging.Options{Output: io.Discard}), StoreTimeout: time.Second}
}

func newFixture(t *testing.T, codes CodeGenerator) *fixture {
	t.Helper()
	fx := &fixture{store: memory.New(), sender: newCaptureSender(), opts: testOptions()}
	fx.otp = NewOTPService(fx.store.OTPs, fx.sender, codes, nil, OTPConfig{
		TTL:         5 * time.Minute,
		MaxAttempts: 5,
		HashCost:    bcrypt.MinCost,
	}, fx.opts)
	fx.ents = NewEntitlementService(fx.store.Entitlements, EntitlementRules{
		Policy:    PolicySubscription,
		PlanType:  "buyer",
		PlanTiers: []string{"premium"},
	}, fx.opts)
	fx.rewire(fx.store.Links, fx.store.Views, nil)
	return fx
}

// rewire rebuilds the link-facing services over the given stores.
func (fx *fixture) rewire(links storage.LinkStorage, views storage.ViewStorage, linkCache cache.LinkCacheInterface) {
	fx.links = NewLinkService(links, fx.store.Profiles, fx.store.Properties, fx.ents, linkCache,
		LinkConfig{PublicBaseURL: "https://bhoomi.example.in/"}, fx.opts)
	fx.views = NewViewLog(views, links, fx.opts)
	fx.gate = NewGate(fx.otp, fx.links, fx.store.Profiles, fx.store.Properties, fx.views, fx.opts)
}

func (fx *fixture) seedUser(t *testing.T, phoneNumber string) uuid.UUID {
	t.Helper()
	now := time.Now().UTC()
	p := &storage.Profile{UserID: uuid.New(), Phone: phoneNumber, Role: storage.RoleUser, CreatedAt: now, UpdatedAt: now}
	require.NoError(t, fx.store.Profiles.Create(context.Background(), p))
	return p.UserID
}

func (fx *fixture) seedProperty(t *testing.T, owner uuid.UUID) uuid.UUID {
	t.Helper()
	id := uuid.New()
	fx.store.Properties.Put(storage.Property{
		ID:           id,
		OwnerUserID:  owner,
		Title:        "सड़क किनारे 5 बीघा कृषि भूमि",
		TitleEn:      "5 bigha farmland on the highway",
		State:        "Rajasthan",
		District:     "Jaipur",
		KhasraNumber: "112/4",
		Area:         5,
		AreaUnit:     "bigha",
		AskingPrice:  4500000,
		OwnerName:    "Ramesh Kumar",
		OwnerPhone:   "9812345678",
		Images:       []string{"https://cdn.example.in/p/1.jpg"},
		CreatedAt:    time.Now().UTC(),
	})
	return id
}

func (fx *fixture) grantPremium(t *testing.T, user uuid.UUID, expiresAt *time.Time) *storage.Entitlement {
	t.Helper()
	e, err := fx.ents.Grant(context.Background(), GrantRequest{
		UserID:    user,
		Kind:      storage.EntitlementSubscription,
		PlanType:  "buyer",
		PlanTier:  "premium",
		StartsAt:  ptrTime(time.Now().Add(-time.Hour)),
		ExpiresAt: expiresAt,
	})
	require.NoError(t, err)
	return e
}

func ptrTime(t time.Time) *time.Time {
	return &t
}

func (fx *fixture) viewCount(t *testing.T, linkID uuid.UUID) int {
	t.Helper()
	views, err := fx.store.Views.ListByLink(context.Background(), linkID)
	require.NoError(t, err)
	return len(views)
}
