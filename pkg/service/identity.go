package service

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"

	"landlink/pkg/storage"
)

// SessionIssuer mints bearer sessions for locally authenticated users.
type SessionIssuer interface {
	Issue(subject uuid.UUID, role string) (string, time.Time, error)
}

// ProfileMetadata is optional data captured on first sign-in.
type ProfileMetadata struct {
	FullName string `json:"full_name,omitempty" validate:"omitempty,max=100"`
	State    string `json:"state,omitempty" validate:"omitempty,max=60"`
	District string `json:"district,omitempty" validate:"omitempty,max=60"`
}

type SignInResult struct {
	AccessToken string           `json:"access_token"`
	ExpiresAt   time.Time        `json:"expires_at"`
	IsNewUser   bool             `json:"is_new_user"`
	Profile     *storage.Profile `json:"profile"`
}

// IdentityService signs users in by phone. The phone number is the identity
// key; a verified code for an unknown phone registers a new profile.
type IdentityService struct {
	otp      OTPIssuer
	profiles storage.ProfileStorage
	sessions SessionIssuer
	opts     Options
	now      func() time.Time
}

func NewIdentityService(otp OTPIssuer, profiles storage.ProfileStorage, sessions SessionIssuer, opts Options) *IdentityService {
	return &IdentityService{otp: otp, profiles: profiles, sessions: sessions, opts: opts.withDefaults(), now: time.Now}
}

func (s *IdentityService) SignInWithOTP(ctx context.Context, rawPhone, code string, meta ProfileMetadata) (*SignInResult, error) {
	number, err := s.otp.Verify(ctx, rawPhone, code)
	if err != nil {
		return nil, err
	}

	profile, err := s.lookup(ctx, number)
	if err != nil {
		return nil, err
	}

	isNew := false
	if profile == nil {
		profile, isNew, err = s.register(ctx, number, meta)
		if err != nil {
			return nil, err
		}
	}

	token, expiresAt, err := s.sessions.Issue(profile.UserID, profile.Role)
	if err != nil {
		return nil, err
	}

	s.opts.Logger.LogAuthEvent(ctx, "phone_sign_in", profile.UserID.String(), true)
	return &SignInResult{AccessToken: token, ExpiresAt: expiresAt, IsNewUser: isNew, Profile: profile}, nil
}

func (s *IdentityService) lookup(ctx context.Context, number string) (*storage.Profile, error) {
	profile, err := readWithRetry(ctx, s.opts.StoreTimeout, func(ctx context.Context) (*storage.Profile, error) {
		return s.profiles.GetByPhone(ctx, number)
	})
	if err != nil {
		return nil, temporary("identity.lookup", err)
	}
	return profile, nil
}

func (s *IdentityService) register(ctx context.Context, number string, meta ProfileMetadata) (*storage.Profile, bool, error) {
	now := s.now().UTC()
	profile := &storage.Profile{
		UserID:    uuid.New(),
		Phone:     number,
		FullName:  strings.TrimSpace(meta.FullName),
		State:     strings.TrimSpace(meta.State),
		District:  strings.TrimSpace(meta.District),
		Role:      storage.RoleUser,
		CreatedAt: now,
		UpdatedAt: now,
	}

	writeCtx, cancel := storeContext(ctx, s.opts.StoreTimeout)
	defer cancel()

	err := s.profiles.Create(writeCtx, profile)
	if err == nil {
		s.opts.Logger.LogAuthEvent(ctx, "phone_registered", profile.UserID.String(), true)
		return profile, true, nil
	}
	if !errors.Is(err, storage.ErrConflict) {
		return nil, false, temporary("identity.register", err)
	}

	// A concurrent sign-in registered the phone first.
	existing, lerr := s.lookup(ctx, number)
	if lerr != nil {
		return nil, false, lerr
	}
	if existing == nil {
		return nil, false, temporary("identity.register", err)
	}
	return existing, false, nil
}

func (s *IdentityService) Profile(ctx context.Context, userID uuid.UUID) (*storage.Profile, error) {
	p, err := readWithRetry(ctx, s.opts.StoreTimeout, func(ctx context.Context) (*storage.Profile, error) {
		return s.profiles.GetByUserID(ctx, userID)
	})
	if err != nil {
		return nil, temporary("identity.profile", err)
	}
	return p, nil
}
