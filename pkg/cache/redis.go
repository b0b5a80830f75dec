package cache

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"landlink/pkg/storage"
)

// LinkCacheInterface caches private links by token. Links are immutable
// once created, so entries never need invalidation on write.
type LinkCacheInterface interface {
	Get(ctx context.Context, token string) (*CachedLink, error)
	Set(ctx context.Context, token string, link *CachedLink, ttl time.Duration) error
}

type LinkCache struct {
	client *redis.Client
}

type CachedLink struct {
	ID          uuid.UUID `json:"id"`
	PropertyID  uuid.UUID `json:"property_id"`
	OwnerUserID uuid.UUID `json:"owner_user_id"`
	PhoneNumber string    `json:"phone_number"`
	CreatedAt   time.Time `json:"created_at"`
}

func FromLink(link *storage.PrivateLink) *CachedLink {
	return &CachedLink{
		ID:          link.ID,
		PropertyID:  link.PropertyID,
		OwnerUserID: link.OwnerUserID,
		PhoneNumber: link.PhoneNumber,
		CreatedAt:   link.CreatedAt,
	}
}

// ToLink rebuilds the stored link for token.
func (c *CachedLink) ToLink(token string) *storage.PrivateLink {
	return &storage.PrivateLink{
		ID:          c.ID,
		Token:       token,
		PropertyID:  c.PropertyID,
		OwnerUserID: c.OwnerUserID,
		PhoneNumber: c.PhoneNumber,
		CreatedAt:   c.CreatedAt,
	}
}

func NewLinkCache(client *redis.Client) *LinkCache {
	return &LinkCache{client: client}
}

func linkKey(token string) string {
	return "plink:" + token
}

func (c *LinkCache) Get(ctx context.Context, token string) (*CachedLink, error) {
	val, err := c.client.Get(ctx, linkKey(token)).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	var cached CachedLink
	if err := json.Unmarshal([]byte(val), &cached); err != nil {
		return nil, err
	}

	return &cached, nil
}

func (c *LinkCache) Set(ctx context.Context, token string, link *CachedLink, ttl time.Duration) error {
	data, err := json.Marshal(link)
	if err != nil {
		return err
	}

	return c.client.Set(ctx, linkKey(token), data, ttl).Err()
}
