package media

import (
	"context"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestObjectKey(t *testing.T) {
	owner := uuid.New()

	tests := []struct {
		contentType string
		ext         string
		wantErr     bool
	}{
		{"image/jpeg", ".jpg", false},
		{"image/png", ".png", false},
		{"video/mp4", ".mp4", false},
		{"application/pdf", ".pdf", false},
		{"text/html", "", true},
		{"", "", true},
	}
	for _, tt := range tests {
		t.Run(tt.contentType, func(t *testing.T) {
			key, err := ObjectKey(owner, tt.contentType)
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrUnsupportedType)
				return
			}
			require.NoError(t, err)
			assert.True(t, strings.HasPrefix(key, "properties/"+owner.String()+"/"))
			assert.True(t, strings.HasSuffix(key, tt.ext))
		})
	}
}

// Presigning is local signing once the region is known, so no server is needed.
func TestPresignUpload(t *testing.T) {
	store, err := New(Config{
		Endpoint:  "media.example.in:9000",
		AccessKey: "AKIAEXAMPLE",
		SecretKey: "secretexample",
		Bucket:    "property-media",
		Region:    "us-east-1",
		TTL:       10 * time.Minute,
	})
	require.NoError(t, err)

	owner := uuid.New()
	up, err := store.PresignUpload(context.Background(), owner, "image/webp")
	require.NoError(t, err)

	assert.Equal(t, "PUT", up.Method)
	assert.WithinDuration(t, time.Now().Add(10*time.Minute), up.ExpiresAt, 5*time.Second)

	u, err := url.Parse(up.URL)
	require.NoError(t, err)
	assert.Equal(t, "media.example.in:9000", u.Host)
	assert.Equal(t, "/property-media/"+up.ObjectKey, u.Path)
	assert.Equal(t, "600", u.Query().Get("X-Amz-Expires"))
	assert.NotEmpty(t, u.Query().Get("X-Amz-Signature"))

	_, err = store.PresignUpload(context.Background(), owner, "application/zip")
	assert.ErrorIs(t, err, ErrUnsupportedType)
}
