package service

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"landlink/pkg/storage"
)

type stubSessions struct {
	mu     sync.Mutex
	issued []uuid.UUID
	err    error
}

func (s *stubSessions) Issue(subject uuid.UUID, role string) (string, time.Time, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return "", time.Time{}, s.err
	}
	s.issued = append(s.issued, subject)
	return "session-" + subject.String(), time.Now().Add(time.Hour), nil
}

func TestSignInRegistersNewPhone(t *testing.T) {
	fx := newFixture(t, FixedCodeGenerator("123456"))
	sessions := &stubSessions{}
	ids := NewIdentityService(fx.otp, fx.store.Profiles, sessions, fx.opts)
	ctx := context.Background()

	_, err := fx.otp.Send(ctx, "9876543210", storage.OTPPurposeLogin)
	require.NoError(t, err)

	res, err := ids.SignInWithOTP(ctx, "+919876543210", "123456", ProfileMetadata{FullName: " Sita Devi ", State: "Bihar", District: "Patna"})
	require.NoError(t, err)
	assert.True(t, res.IsNewUser)
	assert.Equal(t, "9876543210", res.Profile.Phone)
	assert.Equal(t, "Sita Devi", res.Profile.FullName)
	assert.Equal(t, storage.RoleUser, res.Profile.Role)
	assert.Equal(t, "session-"+res.Profile.UserID.String(), res.AccessToken)

	stored, err := fx.store.Profiles.GetByPhone(ctx, "9876543210")
	require.NoError(t, err)
	require.NotNil(t, stored)
	assert.Equal(t, res.Profile.UserID, stored.UserID)
}

func TestSignInExistingUser(t *testing.T) {
	fx := newFixture(t, FixedCodeGenerator("123456"))
	ids := NewIdentityService(fx.otp, fx.store.Profiles, &stubSessions{}, fx.opts)
	ctx := context.Background()
	user := fx.seedUser(t, "9876543210")

	_, err := fx.otp.Send(ctx, "9876543210", storage.OTPPurposeLogin)
	require.NoError(t, err)

	res, err := ids.SignInWithOTP(ctx, "9876543210", "123456", ProfileMetadata{FullName: "ignored"})
	require.NoError(t, err)
	assert.False(t, res.IsNewUser)
	assert.Equal(t, user, res.Profile.UserID)
	assert.Empty(t, res.Profile.FullName)
}

func TestSignInRejectsBadCode(t *testing.T) {
	fx := newFixture(t, FixedCodeGenerator("123456"))
	sessions := &stubSessions{}
	ids := NewIdentityService(fx.otp, fx.store.Profiles, sessions, fx.opts)
	ctx := context.Background()

	_, err := fx.otp.Send(ctx, "9876543210", storage.OTPPurposeLogin)
	require.NoError(t, err)

	_, err = ids.SignInWithOTP(ctx, "9876543210", "000000", ProfileMetadata{})
	assert.ErrorIs(t, err, ErrInvalidOTP)
	assert.Empty(t, sessions.issued)

	p, err := fx.store.Profiles.GetByPhone(ctx, "9876543210")
	require.NoError(t, err)
	assert.Nil(t, p)
}

// lateProfiles hides the row on the first phone lookup so registration
// races an already-registered phone.
type lateProfiles struct {
	storage.ProfileStorage
	once sync.Once
}

func (l *lateProfiles) GetByPhone(ctx context.Context, phoneNumber string) (*storage.Profile, error) {
	hidden := false
	l.once.Do(func() { hidden = true })
	if hidden {
		return nil, nil
	}
	return l.ProfileStorage.GetByPhone(ctx, phoneNumber)
}

func TestSignInRegistrationRace(t *testing.T) {
	fx := newFixture(t, FixedCodeGenerator("123456"))
	existing := fx.seedUser(t, "9876543210")
	ids := NewIdentityService(fx.otp, &lateProfiles{ProfileStorage: fx.store.Profiles}, &stubSessions{}, fx.opts)
	ctx := context.Background()

	_, err := fx.otp.Send(ctx, "9876543210", storage.OTPPurposeLogin)
	require.NoError(t, err)

	res, err := ids.SignInWithOTP(ctx, "9876543210", "123456", ProfileMetadata{})
	require.NoError(t, err)
	assert.False(t, res.IsNewUser)
	assert.Equal(t, existing, res.Profile.UserID)
}

func TestSignInSessionFailure(t *testing.T) {
	fx := newFixture(t, FixedCodeGenerator("123456"))
	ids := NewIdentityService(fx.otp, fx.store.Profiles, &stubSessions{err: errors.New("no key")}, fx.opts)
	ctx := context.Background()

	_, err := fx.otp.Send(ctx, "9876543210", storage.OTPPurposeLogin)
	require.NoError(t, err)

	_, err = ids.SignInWithOTP(ctx, "9876543210", "123456", ProfileMetadata{})
	assert.Error(t, err)
}
