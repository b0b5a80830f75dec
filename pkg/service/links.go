package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"landlink/pkg/cache"
	"landlink/pkg/phone"
	"landlink/pkg/storage"
)

// tokenAttempts bounds regeneration after a token collision, which in
// practice never happens with 122 random bits.
const tokenAttempts = 3

type LinkConfig struct {
	PublicBaseURL string
	CacheTTL      time.Duration
}

type LinkService struct {
	links        storage.LinkStorage
	profiles     storage.ProfileStorage
	properties   storage.PropertyDirectory
	entitlements EntitlementChecker
	cache        cache.LinkCacheInterface
	cfg          LinkConfig
	opts         Options
}

// NewLinkService wires the token generator. linkCache may be nil.
func NewLinkService(
	links storage.LinkStorage,
	profiles storage.ProfileStorage,
	properties storage.PropertyDirectory,
	entitlements EntitlementChecker,
	linkCache cache.LinkCacheInterface,
	cfg LinkConfig,
	opts Options,
) *LinkService {
	cfg.PublicBaseURL = strings.TrimRight(cfg.PublicBaseURL, "/")
	if cfg.CacheTTL <= 0 {
		cfg.CacheTTL = 24 * time.Hour
	}
	return &LinkService{
		links:        links,
		profiles:     profiles,
		properties:   properties,
		entitlements: entitlements,
		cache:        linkCache,
		cfg:          cfg,
		opts:         opts.withDefaults(),
	}
}

type CreateLinkResponse struct {
	Token      string    `json:"token"`
	ShareURL   string    `json:"share_url"`
	PropertyID uuid.UUID `json:"property_id"`
	CreatedAt  time.Time `json:"created_at"`
	Created    bool      `json:"created"`
}

func (s *LinkService) ShareURL(token string) string {
	return s.cfg.PublicBaseURL + "/p/" + token
}

func (s *LinkService) response(link *storage.PrivateLink, created bool) *CreateLinkResponse {
	return &CreateLinkResponse{
		Token:      link.Token,
		ShareURL:   s.ShareURL(link.Token),
		PropertyID: link.PropertyID,
		CreatedAt:  link.CreatedAt,
		Created:    created,
	}
}

// CreateOrGet returns the caller's link for the property, minting it on
// first use. Concurrent first requests converge on one row through the
// (property, owner) unique constraint.
func (s *LinkService) CreateOrGet(ctx context.Context, id Identity, propertyID uuid.UUID) (*CreateLinkResponse, error) {
	if id.UserID == uuid.Nil {
		return nil, ErrIdentityRequired
	}

	decision, err := s.entitlements.Check(ctx, id.UserID, propertyID)
	if err != nil {
		return nil, err
	}
	if !decision.Authorized {
		s.opts.Logger.LogAuthEvent(ctx, "link_entitlement_denied", id.UserID.String(), false)
		return nil, ErrUnauthorized
	}

	property, err := readWithRetry(ctx, s.opts.StoreTimeout, func(ctx context.Context) (*storage.Property, error) {
		return s.properties.Get(ctx, propertyID)
	})
	if err != nil {
		return nil, temporary("link.property", err)
	}
	if property == nil {
		return nil, ErrPropertyNotFound
	}

	profile, err := readWithRetry(ctx, s.opts.StoreTimeout, func(ctx context.Context) (*storage.Profile, error) {
		return s.profiles.GetByUserID(ctx, id.UserID)
	})
	if err != nil {
		return nil, temporary("link.profile", err)
	}
	if profile == nil || !phone.Valid(profile.Phone) {
		return nil, ErrPhoneRequired
	}

	existing, err := s.findExisting(ctx, id.UserID, propertyID)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		s.opts.Metrics.LinkIssued(false)
		s.opts.Logger.LogLinkOperation(ctx, "reuse", existing.Token, true)
		return s.response(existing, false), nil
	}

	for attempt := 0; attempt < tokenAttempts; attempt++ {
		token, err := GenerateToken()
		if err != nil {
			return nil, err
		}
		link, err := storage.NewPrivateLink(token, propertyID, id.UserID, profile.Phone)
		if err != nil {
			return nil, err
		}

		writeCtx, cancel := storeContext(ctx, s.opts.StoreTimeout)
		err = s.links.Create(writeCtx, link)
		cancel()

		switch {
		case err == nil:
			s.opts.Metrics.LinkIssued(true)
			s.opts.Logger.LogLinkOperation(ctx, "create", link.Token, true)
			return s.response(link, true), nil
		case storage.ConstraintOf(err) == storage.ConstraintLinkToken:
			continue
		case errors.Is(err, storage.ErrConflict):
			// Lost the first-creation race: the winner's row is the answer.
			winner, ferr := s.findExisting(ctx, id.UserID, propertyID)
			if ferr != nil {
				return nil, ferr
			}
			if winner == nil {
				return nil, temporary("link.create", err)
			}
			s.opts.Metrics.LinkIssued(false)
			s.opts.Logger.LogLinkOperation(ctx, "reuse_after_conflict", winner.Token, true)
			return s.response(winner, false), nil
		default:
			s.opts.Logger.LogLinkOperation(ctx, "create", link.Token, false)
			return nil, temporary("link.create", err)
		}
	}
	return nil, temporary("link.create", fmt.Errorf("token collided %d times", tokenAttempts))
}

func (s *LinkService) findExisting(ctx context.Context, ownerID, propertyID uuid.UUID) (*storage.PrivateLink, error) {
	link, err := readWithRetry(ctx, s.opts.StoreTimeout, func(ctx context.Context) (*storage.PrivateLink, error) {
		return s.links.GetByOwnerAndProperty(ctx, ownerID, propertyID)
	})
	if err != nil {
		return nil, temporary("link.lookup", err)
	}
	return link, nil
}

// Resolve loads a link by token, from the cache when possible. Malformed
// tokens are rejected without touching storage.
func (s *LinkService) Resolve(ctx context.Context, token string) (*storage.PrivateLink, error) {
	if !ValidateToken(token) {
		return nil, ErrLinkNotFound
	}

	if s.cache != nil {
		cached, err := s.cache.Get(ctx, token)
		if err != nil {
			s.opts.Logger.Warn(ctx, "link cache read failed", "error", err)
		} else if cached != nil {
			return cached.ToLink(token), nil
		}
	}

	link, err := readWithRetry(ctx, s.opts.StoreTimeout, func(ctx context.Context) (*storage.PrivateLink, error) {
		return s.links.GetByToken(ctx, token)
	})
	if err != nil {
		return nil, temporary("link.resolve", err)
	}
	if link == nil {
		return nil, ErrLinkNotFound
	}

	if s.cache != nil {
		if err := s.cache.Set(ctx, token, cache.FromLink(link), s.cfg.CacheTTL); err != nil {
			s.opts.Logger.Warn(ctx, "link cache write failed", "error", err)
		}
	}
	return link, nil
}

// GetOwned resolves a token only if the caller created the link. Other
// users' tokens are reported as not found.
func (s *LinkService) GetOwned(ctx context.Context, id Identity, token string) (*storage.PrivateLink, error) {
	link, err := s.Resolve(ctx, token)
	if err != nil {
		return nil, err
	}
	if link.OwnerUserID != id.UserID {
		return nil, ErrLinkNotFound
	}
	return link, nil
}
