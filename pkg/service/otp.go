package service

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"

	"landlink/pkg/phone"
	"landlink/pkg/sms"
	"landlink/pkg/storage"
)

// OTPIssuer is the passcode lifecycle shared by sign-in and link unlock.
// Both methods return the normalised phone number.
type OTPIssuer interface {
	Send(ctx context.Context, rawPhone string, purpose storage.OTPPurpose) (string, error)
	Verify(ctx context.Context, rawPhone, code string) (string, error)
}

// Throttle limits how often codes are sent to one phone. A zero duration
// means the send may proceed. Release hands back the last admitted send
// when the code never reached the phone.
type Throttle interface {
	Allow(ctx context.Context, phone string) (time.Duration, error)
	Release(ctx context.Context, phone string) error
}

type OTPConfig struct {
	TTL         time.Duration
	MaxAttempts int
	HashCost    int
	SendTimeout time.Duration
}

type OTPService struct {
	store    storage.OTPStorage
	sender   sms.Sender
	codes    CodeGenerator
	throttle Throttle
	cfg      OTPConfig
	opts     Options
	now      func() time.Time
}

// NewOTPService wires the issuer. A nil throttle disables send limits.
func NewOTPService(store storage.OTPStorage, sender sms.Sender, codes CodeGenerator, throttle Throttle, cfg OTPConfig, opts Options) *OTPService {
	if cfg.TTL <= 0 {
		cfg.TTL = 5 * time.Minute
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 5
	}
	if cfg.HashCost == 0 {
		cfg.HashCost = bcrypt.DefaultCost
	}
	return &OTPService{
		store:    store,
		sender:   sender,
		codes:    codes,
		throttle: throttle,
		cfg:      cfg,
		opts:     opts.withDefaults(),
		now:      time.Now,
	}
}

// Send dispatches a new code and then supersedes any outstanding challenge
// for the phone. A failed dispatch leaves the previous code valid and does
// not count against the throttle. The result never depends on whether the
// phone is registered.
func (s *OTPService) Send(ctx context.Context, rawPhone string, purpose storage.OTPPurpose) (string, error) {
	number, ok := phone.Normalize(rawPhone)
	if !ok {
		s.opts.Metrics.OTPSend("invalid_phone")
		return "", ErrInvalidPhone
	}

	admitted := false
	if s.throttle != nil {
		wait, err := s.throttle.Allow(ctx, number)
		switch {
		case err != nil:
			s.opts.Logger.Warn(ctx, "otp throttle unavailable, allowing send", "error", err)
		case wait > 0:
			s.opts.Metrics.OTPSend("rate_limited")
			s.opts.Logger.LogOTPEvent(ctx, "send_throttled", number, false)
			return "", &RateLimitError{RetryAfter: wait}
		default:
			admitted = true
		}
	}

	challenge, code, err := s.newChallenge(number, purpose)
	if err != nil {
		s.release(ctx, number, admitted)
		return "", err
	}

	writeCtx, cancel := storeContext(ctx, s.opts.StoreTimeout)
	defer cancel()

	if err := s.store.Create(writeCtx, challenge); err != nil {
		s.opts.Metrics.OTPSend("error")
		s.release(ctx, number, admitted)
		return "", temporary("otp.create", err)
	}

	sendCtx, cancelSend := storeContext(ctx, s.cfg.SendTimeout)
	defer cancelSend()
	if err := s.sender.SendOTP(sendCtx, number, code); err != nil {
		s.opts.Metrics.OTPSend("error")
		s.opts.Logger.LogOTPEvent(ctx, "send", number, false)
		s.discard(ctx, challenge.ID)
		s.release(ctx, number, admitted)
		return "", temporary("otp.dispatch", err)
	}

	// Latest only ever returns the newest challenge, so a failed cleanup
	// cannot revive an older code.
	if _, err := s.store.DeleteOutstanding(writeCtx, number, challenge.ID); err != nil {
		s.opts.Logger.Warn(ctx, "superseding older otp challenges failed", "error", err)
	}

	s.opts.Metrics.OTPSend("sent")
	s.opts.Logger.LogOTPEvent(ctx, "send", number, true)
	return number, nil
}

func (s *OTPService) newChallenge(number string, purpose storage.OTPPurpose) (*storage.OTPChallenge, string, error) {
	code, err := s.codes.Generate()
	if err != nil {
		return nil, "", err
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(code), s.cfg.HashCost)
	if err != nil {
		return nil, "", err
	}

	now := s.now().UTC()
	return &storage.OTPChallenge{
		ID:        uuid.New(),
		Phone:     number,
		CodeHash:  string(hash),
		Purpose:   purpose,
		ExpiresAt: now.Add(s.cfg.TTL),
		CreatedAt: now,
	}, code, nil
}

// discard removes an undelivered challenge. It runs even when the caller's
// context is already cancelled.
func (s *OTPService) discard(ctx context.Context, id uuid.UUID) {
	cleanupCtx, cancel := storeContext(context.WithoutCancel(ctx), s.opts.StoreTimeout)
	defer cancel()
	if err := s.store.Delete(cleanupCtx, id); err != nil {
		s.opts.Logger.Warn(ctx, "removing undelivered otp challenge failed", "error", err)
	}
}

func (s *OTPService) release(ctx context.Context, number string, admitted bool) {
	if !admitted {
		return
	}
	if err := s.throttle.Release(context.WithoutCancel(ctx), number); err != nil {
		s.opts.Logger.Warn(ctx, "otp throttle release failed", "error", err)
	}
}

// Verify redeems the newest outstanding challenge for the phone. A code
// validates at most once: the conditional update decides concurrent races.
func (s *OTPService) Verify(ctx context.Context, rawPhone, code string) (string, error) {
	number, ok := phone.Normalize(rawPhone)
	if !ok {
		return "", ErrInvalidPhone
	}
	if code == "" || len(code) > 10 {
		s.opts.Metrics.OTPVerification("invalid")
		return "", ErrInvalidOTP
	}

	now := s.now().UTC()
	challenge, err := readWithRetry(ctx, s.opts.StoreTimeout, func(ctx context.Context) (*storage.OTPChallenge, error) {
		return s.store.Latest(ctx, number, now)
	})
	if err != nil {
		s.opts.Metrics.OTPVerification("error")
		return "", temporary("otp.lookup", err)
	}
	if challenge == nil || !challenge.IsUsable(now) {
		return "", s.reject(ctx, number, "no_challenge")
	}

	writeCtx, cancel := storeContext(ctx, s.opts.StoreTimeout)
	defer cancel()

	counted, err := s.store.IncrementAttempts(writeCtx, challenge.ID, s.cfg.MaxAttempts)
	if err != nil {
		s.opts.Metrics.OTPVerification("error")
		return "", temporary("otp.attempt", err)
	}
	if !counted {
		return "", s.reject(ctx, number, "attempts_exhausted")
	}

	if err := bcrypt.CompareHashAndPassword([]byte(challenge.CodeHash), []byte(code)); err != nil {
		if !errors.Is(err, bcrypt.ErrMismatchedHashAndPassword) {
			s.opts.Logger.Error(ctx, "otp hash compare failed", "error", err)
		}
		return "", s.reject(ctx, number, "code_mismatch")
	}

	won, err := s.store.MarkVerified(writeCtx, challenge.ID, now)
	if err != nil {
		s.opts.Metrics.OTPVerification("error")
		return "", temporary("otp.redeem", err)
	}
	if !won {
		return "", s.reject(ctx, number, "already_used")
	}

	s.opts.Metrics.OTPVerification("ok")
	s.opts.Logger.LogOTPEvent(ctx, "verify", number, true)
	return number, nil
}

func (s *OTPService) reject(ctx context.Context, number, why string) error {
	s.opts.Metrics.OTPVerification("invalid")
	s.opts.Logger.LogOTPEvent(ctx, "verify_"+why, number, false)
	return ErrInvalidOTP
}

// PurgeExpired removes challenges past their expiry. Verification never
// depends on it having run.
func (s *OTPService) PurgeExpired(ctx context.Context) (int64, error) {
	writeCtx, cancel := storeContext(ctx, s.opts.StoreTimeout)
	defer cancel()

	n, err := s.store.DeleteExpired(writeCtx, s.now().UTC())
	if err != nil {
		return 0, temporary("otp.purge", err)
	}
	if n > 0 {
		s.opts.Logger.Debug(ctx, "purged expired otp challenges", "count", n)
	}
	return n, nil
}
