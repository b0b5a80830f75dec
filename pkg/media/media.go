// Package media hands out presigned upload URLs for property photos, videos
// and documents. Object bytes go straight from the client to the bucket.
package media

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

var ErrUnsupportedType = errors.New("unsupported media type")

var extensions = map[string]string{
	"image/jpeg":      ".jpg",
	"image/png":       ".png",
	"image/webp":      ".webp",
	"video/mp4":       ".mp4",
	"application/pdf": ".pdf",
}

type Config struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Bucket    string
	Region    string
	UseSSL    bool
	TTL       time.Duration
}

// Upload is a single-use PUT target.
type Upload struct {
	Method      string    `json:"method"`
	URL         string    `json:"url"`
	ObjectKey   string    `json:"object_key"`
	ContentType string    `json:"content_type"`
	ExpiresAt   time.Time `json:"expires_at"`
}

type Presigner interface {
	PresignUpload(ctx context.Context, ownerID uuid.UUID, contentType string) (*Upload, error)
}

type Store struct {
	client *minio.Client
	bucket string
	ttl    time.Duration
	now    func() time.Time
}

func New(cfg Config) (*Store, error) {
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
		Region: cfg.Region,
	})
	if err != nil {
		return nil, fmt.Errorf("create media client: %w", err)
	}
	ttl := cfg.TTL
	if ttl <= 0 {
		ttl = 15 * time.Minute
	}
	return &Store{client: client, bucket: cfg.Bucket, ttl: ttl, now: time.Now}, nil
}

// EnsureBucket creates the bucket if it does not exist yet.
func (s *Store) EnsureBucket(ctx context.Context) error {
	exists, err := s.client.BucketExists(ctx, s.bucket)
	if err != nil {
		return fmt.Errorf("check bucket %s: %w", s.bucket, err)
	}
	if exists {
		return nil
	}
	if err := s.client.MakeBucket(ctx, s.bucket, minio.MakeBucketOptions{}); err != nil {
		return fmt.Errorf("create bucket %s: %w", s.bucket, err)
	}
	return nil
}

// ObjectKey namespaces uploads by owner so one user cannot overwrite
// another's media.
func ObjectKey(ownerID uuid.UUID, contentType string) (string, error) {
	ext, ok := extensions[contentType]
	if !ok {
		return "", fmt.Errorf("%w: %q", ErrUnsupportedType, contentType)
	}
	return fmt.Sprintf("properties/%s/%s%s", ownerID, uuid.NewString(), ext), nil
}

func (s *Store) PresignUpload(ctx context.Context, ownerID uuid.UUID, contentType string) (*Upload, error) {
	key, err := ObjectKey(ownerID, contentType)
	if err != nil {
		return nil, err
	}

	u, err := s.client.PresignedPutObject(ctx, s.bucket, key, s.ttl)
	if err != nil {
		return nil, fmt.Errorf("presign %s: %w", key, err)
	}

	return &Upload{
		Method:      "PUT",
		URL:         u.String(),
		ObjectKey:   key,
		ContentType: contentType,
		ExpiresAt:   s.now().Add(s.ttl).UTC(),
	}, nil
}
