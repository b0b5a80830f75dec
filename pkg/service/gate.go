package service

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"landlink/pkg/storage"
)

type GateState string

const (
	GateAwaitingPhone GateState = "awaiting_phone"
	GateAwaitingOTP   GateState = "awaiting_otp"
	GateVerified      GateState = "verified"
	GateDenied        GateState = "denied"
)

// GateStep is returned by the non-terminal transitions.
type GateStep struct {
	State GateState `json:"state"`
	Token string    `json:"token"`
}

// LinkResolver loads a private link by token.
type LinkResolver interface {
	Resolve(ctx context.Context, token string) (*storage.PrivateLink, error)
}

type UnlockRequest struct {
	Token     string
	Phone     string
	Code      string
	IPAddress string
	UserAgent string
}

type UnlockResult struct {
	State    GateState         `json:"state"`
	LinkID   uuid.UUID         `json:"link_id"`
	Property *storage.Property `json:"property"`
	ViewedAt time.Time         `json:"viewed_at"`
}

// Gate reveals a property to a visitor holding a private link, but only
// after the visitor proves control of the phone registered to the link's
// creator.
type Gate struct {
	otp        OTPIssuer
	links      LinkResolver
	profiles   storage.ProfileStorage
	properties storage.PropertyDirectory
	views      ViewRecorder
	opts       Options
	now        func() time.Time
}

func NewGate(otp OTPIssuer, links LinkResolver, profiles storage.ProfileStorage, properties storage.PropertyDirectory, views ViewRecorder, opts Options) *Gate {
	return &Gate{
		otp:        otp,
		links:      links,
		profiles:   profiles,
		properties: properties,
		views:      views,
		opts:       opts.withDefaults(),
		now:        time.Now,
	}
}

// Open starts a visit. Storage is not consulted, so opening a link reveals
// nothing about whether the token exists.
func (g *Gate) Open(token string) (GateStep, error) {
	if token == "" {
		return GateStep{}, ErrMissingToken
	}
	return GateStep{State: GateAwaitingPhone, Token: token}, nil
}

// RequestCode sends a passcode to the submitted phone. The phone is not yet
// compared with the link owner's.
func (g *Gate) RequestCode(ctx context.Context, token, rawPhone string) (GateStep, error) {
	if token == "" {
		return GateStep{}, ErrMissingToken
	}
	if _, err := g.otp.Send(ctx, rawPhone, storage.OTPPurposeLinkUnlock); err != nil {
		return GateStep{}, err
	}
	return GateStep{State: GateAwaitingOTP, Token: token}, nil
}

// Unlock verifies the code, then enforces the phone binding: a valid code
// for phone P only opens links created by the account registered to P.
// Denials come back as *DeniedError and must be shown to the visitor
// generically.
func (g *Gate) Unlock(ctx context.Context, req UnlockRequest) (*UnlockResult, error) {
	if req.Token == "" {
		return nil, ErrMissingToken
	}

	number, err := g.otp.Verify(ctx, req.Phone, req.Code)
	if err != nil {
		if errors.Is(err, ErrInvalidOTP) {
			return nil, g.deny(ctx, req.Token, req.Phone, ReasonInvalidOTP)
		}
		g.fail(ctx, req.Token, req.Phone, err)
		return nil, err
	}

	link, err := g.links.Resolve(ctx, req.Token)
	if err != nil {
		if errors.Is(err, ErrLinkNotFound) {
			return nil, g.deny(ctx, req.Token, number, ReasonLinkNotFound)
		}
		g.fail(ctx, req.Token, number, err)
		return nil, err
	}

	owner, err := readWithRetry(ctx, g.opts.StoreTimeout, func(ctx context.Context) (*storage.Profile, error) {
		return g.profiles.GetByUserID(ctx, link.OwnerUserID)
	})
	if err != nil {
		err = temporary("gate.owner", err)
		g.fail(ctx, req.Token, number, err)
		return nil, err
	}
	if owner == nil || owner.Phone != number {
		return nil, g.deny(ctx, req.Token, number, ReasonPhoneMismatch)
	}

	property, err := readWithRetry(ctx, g.opts.StoreTimeout, func(ctx context.Context) (*storage.Property, error) {
		return g.properties.Get(ctx, link.PropertyID)
	})
	if err != nil {
		err = temporary("gate.property", err)
		g.fail(ctx, req.Token, number, err)
		return nil, err
	}
	if property == nil {
		return nil, g.deny(ctx, req.Token, number, ReasonLinkNotFound)
	}

	if err := g.views.Record(ctx, link.ID, req.IPAddress, req.UserAgent); err != nil {
		g.opts.Metrics.ViewLogFailure()
		g.opts.Logger.Warn(ctx, "failed to record link view", "link_id", link.ID, "error", err)
	}

	g.opts.Metrics.GateUnlock(string(GateVerified))
	g.opts.Logger.LogGateDecision(ctx, req.Token, number, string(GateVerified), "")
	return &UnlockResult{
		State:    GateVerified,
		LinkID:   link.ID,
		Property: property,
		ViewedAt: g.now().UTC(),
	}, nil
}

func (g *Gate) deny(ctx context.Context, token, number string, reason DeniedReason) error {
	g.opts.Metrics.GateUnlock(string(reason))
	g.opts.Logger.LogGateDecision(ctx, token, number, string(GateDenied), string(reason))
	return &DeniedError{Reason: reason}
}

func (g *Gate) fail(ctx context.Context, token, number string, err error) {
	g.opts.Metrics.GateUnlock("error")
	g.opts.Logger.LogGateDecision(ctx, token, number, "error", err.Error())
}
