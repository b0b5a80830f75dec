// Package memory is an in-process implementation of the storage interfaces.
// It enforces the same unique constraints and conditional updates as the
// Postgres schema and backs local development and tests.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"landlink/pkg/storage"
)

type db struct {
	mu           sync.RWMutex
	links        map[uuid.UUID]storage.PrivateLink
	views        []storage.LinkView
	otps         map[uuid.UUID]storage.OTPChallenge
	entitlements map[uuid.UUID]storage.Entitlement
	profiles     map[uuid.UUID]storage.Profile
	properties   map[uuid.UUID]storage.Property
}

// Store groups the per-table views over one shared dataset.
type Store struct {
	Links        *LinkStorage
	Views        *ViewStorage
	OTPs         *OTPStorage
	Entitlements *EntitlementStorage
	Profiles     *ProfileStorage
	Properties   *PropertyDirectory
}

func New() *Store {
	d := &db{
		links:        make(map[uuid.UUID]storage.PrivateLink),
		otps:         make(map[uuid.UUID]storage.OTPChallenge),
		entitlements: make(map[uuid.UUID]storage.Entitlement),
		profiles:     make(map[uuid.UUID]storage.Profile),
		properties:   make(map[uuid.UUID]storage.Property),
	}
	return &Store{
		Links:        &LinkStorage{d},
		Views:        &ViewStorage{d},
		OTPs:         &OTPStorage{d},
		Entitlements: &EntitlementStorage{d},
		Profiles:     &ProfileStorage{d},
		Properties:   &PropertyDirectory{d},
	}
}

var (
	_ storage.LinkStorage        = (*LinkStorage)(nil)
	_ storage.ViewStorage        = (*ViewStorage)(nil)
	_ storage.OTPStorage         = (*OTPStorage)(nil)
	_ storage.EntitlementStorage = (*EntitlementStorage)(nil)
	_ storage.ProfileStorage     = (*ProfileStorage)(nil)
	_ storage.PropertyDirectory  = (*PropertyDirectory)(nil)
)

type LinkStorage struct{ db *db }

func (s *LinkStorage) Create(ctx context.Context, link *storage.PrivateLink) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.db.mu.Lock()
	defer s.db.mu.Unlock()

	for _, existing := range s.db.links {
		if existing.Token == link.Token {
			return &storage.ConflictError{Constraint: storage.ConstraintLinkToken}
		}
		if existing.PropertyID == link.PropertyID && existing.OwnerUserID == link.OwnerUserID {
			return &storage.ConflictError{Constraint: storage.ConstraintLinkPropertyOwner}
		}
	}
	s.db.links[link.ID] = *link
	return nil
}

func (s *LinkStorage) GetByToken(ctx context.Context, token string) (*storage.PrivateLink, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.db.mu.RLock()
	defer s.db.mu.RUnlock()

	for _, l := range s.db.links {
		if l.Token == token {
			return &l, nil
		}
	}
	return nil, nil
}

func (s *LinkStorage) GetByOwnerAndProperty(ctx context.Context, ownerUserID, propertyID uuid.UUID) (*storage.PrivateLink, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.db.mu.RLock()
	defer s.db.mu.RUnlock()

	for _, l := range s.db.links {
		if l.OwnerUserID == ownerUserID && l.PropertyID == propertyID {
			return &l, nil
		}
	}
	return nil, nil
}

func (s *LinkStorage) ListByOwner(ctx context.Context, ownerUserID uuid.UUID) ([]storage.LinkSummary, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.db.mu.RLock()
	defer s.db.mu.RUnlock()

	summaries := []storage.LinkSummary{}
	for _, l := range s.db.links {
		if l.OwnerUserID != ownerUserID {
			continue
		}
		sum := storage.LinkSummary{LinkID: l.ID, Token: l.Token, PropertyID: l.PropertyID, CreatedAt: l.CreatedAt}
		for _, v := range s.db.views {
			if v.LinkID != l.ID {
				continue
			}
			sum.ViewCount++
			if sum.LastViewedAt == nil || v.ViewedAt.After(*sum.LastViewedAt) {
				at := v.ViewedAt
				sum.LastViewedAt = &at
			}
		}
		summaries = append(summaries, sum)
	}
	sort.Slice(summaries, func(i, j int) bool { return summaries[i].CreatedAt.After(summaries[j].CreatedAt) })
	return summaries, nil
}

func (s *LinkStorage) ListAll(ctx context.Context) ([]storage.PrivateLink, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.db.mu.RLock()
	defer s.db.mu.RUnlock()

	links := make([]storage.PrivateLink, 0, len(s.db.links))
	for _, l := range s.db.links {
		links = append(links, l)
	}
	sort.Slice(links, func(i, j int) bool { return links[i].CreatedAt.After(links[j].CreatedAt) })
	return links, nil
}

type ViewStorage struct{ db *db }

func (s *ViewStorage) Append(ctx context.Context, view *storage.LinkView) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.db.mu.Lock()
	defer s.db.mu.Unlock()

	if _, ok := s.db.links[view.LinkID]; !ok {
		return storage.ErrNotFound
	}
	s.db.views = append(s.db.views, *view)
	return nil
}

func (s *ViewStorage) ListByLink(ctx context.Context, linkID uuid.UUID) ([]storage.LinkView, error) {
	return s.list(ctx, func(v storage.LinkView) bool { return v.LinkID == linkID })
}

func (s *ViewStorage) ListAll(ctx context.Context) ([]storage.LinkView, error) {
	return s.list(ctx, func(storage.LinkView) bool { return true })
}

func (s *ViewStorage) list(ctx context.Context, keep func(storage.LinkView) bool) ([]storage.LinkView, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.db.mu.RLock()
	defer s.db.mu.RUnlock()

	views := []storage.LinkView{}
	for _, v := range s.db.views {
		if keep(v) {
			views = append(views, v)
		}
	}
	sort.SliceStable(views, func(i, j int) bool { return views[i].ViewedAt.Before(views[j].ViewedAt) })
	return views, nil
}

type OTPStorage struct{ db *db }

func (s *OTPStorage) Create(ctx context.Context, c *storage.OTPChallenge) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.db.mu.Lock()
	defer s.db.mu.Unlock()

	if _, ok := s.db.otps[c.ID]; ok {
		return &storage.ConflictError{Constraint: "otp_challenges_pkey"}
	}
	s.db.otps[c.ID] = *c
	return nil
}

func (s *OTPStorage) Delete(ctx context.Context, id uuid.UUID) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.db.mu.Lock()
	defer s.db.mu.Unlock()

	delete(s.db.otps, id)
	return nil
}

func (s *OTPStorage) DeleteOutstanding(ctx context.Context, phone string, keep uuid.UUID) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	s.db.mu.Lock()
	defer s.db.mu.Unlock()

	var n int64
	for id, c := range s.db.otps {
		if c.Phone == phone && !c.Verified && id != keep {
			delete(s.db.otps, id)
			n++
		}
	}
	return n, nil
}

func (s *OTPStorage) Latest(ctx context.Context, phone string, now time.Time) (*storage.OTPChallenge, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.db.mu.RLock()
	defer s.db.mu.RUnlock()

	var latest *storage.OTPChallenge
	for _, c := range s.db.otps {
		if c.Phone != phone || c.Verified || !c.ExpiresAt.After(now) {
			continue
		}
		if latest == nil || c.CreatedAt.After(latest.CreatedAt) {
			latest = &c
		}
	}
	return latest, nil
}

func (s *OTPStorage) IncrementAttempts(ctx context.Context, id uuid.UUID, max int) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	s.db.mu.Lock()
	defer s.db.mu.Unlock()

	c, ok := s.db.otps[id]
	if !ok || c.Verified || c.Attempts >= max {
		return false, nil
	}
	c.Attempts++
	s.db.otps[id] = c
	return true, nil
}

func (s *OTPStorage) MarkVerified(ctx context.Context, id uuid.UUID, at time.Time) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	s.db.mu.Lock()
	defer s.db.mu.Unlock()

	c, ok := s.db.otps[id]
	if !ok || c.Verified {
		return false, nil
	}
	c.Verified = true
	c.VerifiedAt = &at
	s.db.otps[id] = c
	return true, nil
}

func (s *OTPStorage) DeleteExpired(ctx context.Context, before time.Time) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	s.db.mu.Lock()
	defer s.db.mu.Unlock()

	var n int64
	for id, c := range s.db.otps {
		if !c.ExpiresAt.After(before) {
			delete(s.db.otps, id)
			n++
		}
	}
	return n, nil
}

type EntitlementStorage struct{ db *db }

func (s *EntitlementStorage) Create(ctx context.Context, e *storage.Entitlement) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.db.mu.Lock()
	defer s.db.mu.Unlock()

	if _, ok := s.db.entitlements[e.ID]; ok {
		return &storage.ConflictError{Constraint: "entitlements_pkey"}
	}
	s.db.entitlements[e.ID] = *e
	return nil
}

func (s *EntitlementStorage) ListActive(ctx context.Context, userID uuid.UUID, now time.Time) ([]storage.Entitlement, error) {
	return s.list(ctx, func(e storage.Entitlement) bool {
		return e.UserID == userID && !e.StartsAt.After(now) && e.IsActive(now)
	})
}

func (s *EntitlementStorage) ListByUser(ctx context.Context, userID uuid.UUID) ([]storage.Entitlement, error) {
	return s.list(ctx, func(e storage.Entitlement) bool { return e.UserID == userID })
}

func (s *EntitlementStorage) UpdateStatus(ctx context.Context, id uuid.UUID, status storage.EntitlementStatus) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.db.mu.Lock()
	defer s.db.mu.Unlock()

	e, ok := s.db.entitlements[id]
	if !ok {
		return storage.ErrNotFound
	}
	e.Status = status
	s.db.entitlements[id] = e
	return nil
}

func (s *EntitlementStorage) list(ctx context.Context, keep func(storage.Entitlement) bool) ([]storage.Entitlement, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.db.mu.RLock()
	defer s.db.mu.RUnlock()

	out := []storage.Entitlement{}
	for _, e := range s.db.entitlements {
		if keep(e) {
			out = append(out, e)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

type ProfileStorage struct{ db *db }

func (s *ProfileStorage) Create(ctx context.Context, p *storage.Profile) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.db.mu.Lock()
	defer s.db.mu.Unlock()

	for _, existing := range s.db.profiles {
		if existing.Phone == p.Phone {
			return &storage.ConflictError{Constraint: storage.ConstraintProfilePhone}
		}
	}
	if _, ok := s.db.profiles[p.UserID]; ok {
		return &storage.ConflictError{Constraint: "profiles_pkey"}
	}
	s.db.profiles[p.UserID] = *p
	return nil
}

func (s *ProfileStorage) GetByUserID(ctx context.Context, userID uuid.UUID) (*storage.Profile, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.db.mu.RLock()
	defer s.db.mu.RUnlock()

	p, ok := s.db.profiles[userID]
	if !ok {
		return nil, nil
	}
	return &p, nil
}

func (s *ProfileStorage) GetByPhone(ctx context.Context, phone string) (*storage.Profile, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.db.mu.RLock()
	defer s.db.mu.RUnlock()

	for _, p := range s.db.profiles {
		if p.Phone == phone {
			return &p, nil
		}
	}
	return nil, nil
}

// PropertyDirectory is read-only through the interface; Put seeds listings.
type PropertyDirectory struct{ db *db }

func (d *PropertyDirectory) Put(p storage.Property) {
	d.db.mu.Lock()
	defer d.db.mu.Unlock()
	d.db.properties[p.ID] = p
}

func (d *PropertyDirectory) Get(ctx context.Context, id uuid.UUID) (*storage.Property, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	d.db.mu.RLock()
	defer d.db.mu.RUnlock()

	p, ok := d.db.properties[id]
	if !ok {
		return nil, nil
	}
	return &p, nil
}
