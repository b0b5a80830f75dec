package service

import (
	"errors"
	"fmt"
	"time"
)

var (
	ErrInvalidPhone       = errors.New("invalid mobile number")
	ErrInvalidOTP         = errors.New("invalid or expired code")
	ErrRateLimited        = errors.New("too many code requests")
	ErrIdentityRequired   = errors.New("authenticated identity required")
	ErrUnauthorized       = errors.New("an active subscription or payment is required")
	ErrPropertyNotFound   = errors.New("property not found")
	ErrPhoneRequired      = errors.New("a registered mobile number is required")
	ErrLinkNotFound       = errors.New("invalid or expired link")
	ErrMissingToken       = errors.New("link token is required")
	ErrAccessDenied       = errors.New("invalid code or link")
	ErrInvalidEntitlement = errors.New("invalid entitlement")
	ErrEntitlementMissing = errors.New("entitlement not found")
	ErrTemporary          = errors.New("temporary failure, please retry")
)

// temporary marks an infrastructure failure as retryable by the caller.
func temporary(op string, err error) error {
	return fmt.Errorf("%s: %w: %w", op, ErrTemporary, err)
}

// RateLimitError tells the caller how long to wait before asking for
// another code.
type RateLimitError struct {
	RetryAfter time.Duration
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("%s, retry after %s", ErrRateLimited, e.RetryAfter.Round(time.Second))
}

func (e *RateLimitError) Is(target error) bool {
	return target == ErrRateLimited
}

// DeniedReason is logged server-side only. Clients always see ErrAccessDenied.
type DeniedReason string

const (
	ReasonInvalidOTP    DeniedReason = "invalid_otp"
	ReasonLinkNotFound  DeniedReason = "link_not_found"
	ReasonPhoneMismatch DeniedReason = "phone_mismatch"
)

type DeniedError struct {
	Reason DeniedReason
}

func (e *DeniedError) Error() string {
	return "access denied: " + string(e.Reason)
}

func (e *DeniedError) Is(target error) bool {
	return target == ErrAccessDenied
}

// ReasonOf returns the denial reason carried by err, or "".
func ReasonOf(err error) DeniedReason {
	var de *DeniedError
	if errors.As(err, &de) {
		return de.Reason
	}
	return ""
}
