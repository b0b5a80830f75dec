package middleware

import (
	"context"
	"fmt"
	"slices"
	"strings"

	"github.com/coreos/go-oidc/v3/oidc"
	"github.com/google/uuid"

	"landlink/pkg/storage"
)

type OAuthConfig struct {
	IssuerURL  string
	Audience   string
	AdminGroup string
}

// OIDCVerifier accepts ID tokens from an external identity provider, used
// by marketplace staff. Members of AdminGroup get the admin role.
type OIDCVerifier struct {
	verifier *oidc.IDTokenVerifier
	config   OAuthConfig
}

type AuthClaims struct {
	Sub    string   `json:"sub"`
	Email  string   `json:"email"`
	Scope  string   `json:"scope"`
	Groups []string `json:"groups,omitempty"`
}

func NewOIDCVerifier(ctx context.Context, config OAuthConfig) (*OIDCVerifier, error) {
	provider, err := oidc.NewProvider(ctx, config.IssuerURL)
	if err != nil {
		return nil, fmt.Errorf("failed to create OIDC provider: %w", err)
	}

	return newOIDCVerifier(provider.Verifier(&oidc.Config{ClientID: config.Audience}), config), nil
}

func newOIDCVerifier(verifier *oidc.IDTokenVerifier, config OAuthConfig) *OIDCVerifier {
	return &OIDCVerifier{verifier: verifier, config: config}
}

func (v *OIDCVerifier) Verify(ctx context.Context, raw string) (*Principal, error) {
	token, err := v.verifier.Verify(ctx, raw)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidToken, err)
	}

	var claims AuthClaims
	if err := token.Claims(&claims); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidToken, err)
	}

	if !slices.Contains(token.Audience, v.config.Audience) {
		return nil, fmt.Errorf("%w: invalid audience", ErrInvalidToken)
	}

	role := storage.RoleUser
	if v.config.AdminGroup != "" && slices.Contains(claims.Groups, v.config.AdminGroup) {
		role = storage.RoleAdmin
	}

	return &Principal{
		Subject: claims.Sub,
		UserID:  subjectUserID(token.Issuer, claims.Sub),
		Role:    role,
		Scopes:  strings.Fields(claims.Scope),
		Issuer:  token.Issuer,
	}, nil
}

// subjectUserID uses UUID subjects as-is and derives a stable ID for any
// other subject format.
func subjectUserID(issuer, sub string) uuid.UUID {
	if id, err := uuid.Parse(sub); err == nil {
		return id
	}
	return uuid.NewSHA1(uuid.NameSpaceURL, []byte(issuer+"#"+sub))
}
