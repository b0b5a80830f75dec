package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"landlink/pkg/storage"
)

// EntitlementPolicy selects which records authorize link generation.
type EntitlementPolicy string

const (
	// PolicySubscription accepts an active subscription of the configured
	// plan type and tier.
	PolicySubscription EntitlementPolicy = "subscription"
	// PolicyPayment accepts an active one-off payment for the same property.
	PolicyPayment EntitlementPolicy = "payment"
	// PolicySubscriptionThenPayment consults subscriptions first and falls
	// back to a per-property payment.
	PolicySubscriptionThenPayment EntitlementPolicy = "subscription_then_payment"
)

func ParsePolicy(s string) (EntitlementPolicy, error) {
	switch p := EntitlementPolicy(strings.ToLower(strings.TrimSpace(s))); p {
	case PolicySubscription, PolicyPayment, PolicySubscriptionThenPayment:
		return p, nil
	}
	return "", fmt.Errorf("unknown entitlement policy %q", s)
}

type EntitlementRules struct {
	Policy    EntitlementPolicy
	PlanType  string
	PlanTiers []string // empty accepts any tier
}

// Decision is the outcome of an entitlement check. Via and EntitlementID
// identify the record that authorized the request.
type Decision struct {
	Authorized    bool
	Via           storage.EntitlementKind
	EntitlementID uuid.UUID
}

// EntitlementChecker decides whether a user may mint a private link.
type EntitlementChecker interface {
	Check(ctx context.Context, userID, propertyID uuid.UUID) (Decision, error)
}

type EntitlementService struct {
	store storage.EntitlementStorage
	rules EntitlementRules
	opts  Options
	now   func() time.Time
}

func NewEntitlementService(store storage.EntitlementStorage, rules EntitlementRules, opts Options) *EntitlementService {
	if rules.Policy == "" {
		rules.Policy = PolicySubscription
	}
	return &EntitlementService{store: store, rules: rules, opts: opts.withDefaults(), now: time.Now}
}

// Check is read-only. Any one qualifying record is sufficient.
func (s *EntitlementService) Check(ctx context.Context, userID, propertyID uuid.UUID) (Decision, error) {
	now := s.now()
	records, err := readWithRetry(ctx, s.opts.StoreTimeout, func(ctx context.Context) ([]storage.Entitlement, error) {
		return s.store.ListActive(ctx, userID, now)
	})
	if err != nil {
		return Decision{}, temporary("entitlement.check", err)
	}

	var subscription, payment *storage.Entitlement
	for i := range records {
		e := &records[i]
		if !e.IsActive(now) || e.StartsAt.After(now) {
			continue
		}
		if subscription == nil && s.qualifyingSubscription(e) {
			subscription = e
		}
		if payment == nil && e.Kind == storage.EntitlementPropertyPayment && e.PropertyID != nil && *e.PropertyID == propertyID {
			payment = e
		}
	}

	var chosen *storage.Entitlement
	switch s.rules.Policy {
	case PolicySubscription:
		chosen = subscription
	case PolicyPayment:
		chosen = payment
	case PolicySubscriptionThenPayment:
		chosen = subscription
		if chosen == nil {
			chosen = payment
		}
	}

	if chosen == nil {
		s.opts.Logger.Debug(ctx, "entitlement check failed", "policy", s.rules.Policy, "records", len(records))
		return Decision{}, nil
	}
	return Decision{Authorized: true, Via: chosen.Kind, EntitlementID: chosen.ID}, nil
}

func (s *EntitlementService) qualifyingSubscription(e *storage.Entitlement) bool {
	if e.Kind != storage.EntitlementSubscription {
		return false
	}
	if s.rules.PlanType != "" && !strings.EqualFold(e.PlanType, s.rules.PlanType) {
		return false
	}
	if len(s.rules.PlanTiers) == 0 {
		return true
	}
	for _, tier := range s.rules.PlanTiers {
		if strings.EqualFold(e.PlanTier, tier) {
			return true
		}
	}
	return false
}

type GrantRequest struct {
	UserID      uuid.UUID               `json:"user_id" validate:"required"`
	Kind        storage.EntitlementKind `json:"kind" validate:"required,oneof=subscription property_payment"`
	PlanType    string                  `json:"plan_type,omitempty" validate:"omitempty,max=50"`
	PlanTier    string                  `json:"plan_tier,omitempty" validate:"omitempty,max=50"`
	PropertyID  *uuid.UUID              `json:"property_id,omitempty"`
	AmountPaise int64                   `json:"amount_paise" validate:"gte=0"`
	StartsAt    *time.Time              `json:"starts_at,omitempty"`
	ExpiresAt   *time.Time              `json:"expires_at,omitempty"`
}

// Grant records a purchase. Billing normally calls this; admins may too.
func (s *EntitlementService) Grant(ctx context.Context, req GrantRequest) (*storage.Entitlement, error) {
	now := s.now().UTC()
	if req.UserID == uuid.Nil {
		return nil, fmt.Errorf("%w: user is required", ErrInvalidEntitlement)
	}

	switch req.Kind {
	case storage.EntitlementSubscription:
		if req.PlanType == "" {
			return nil, fmt.Errorf("%w: plan_type is required for subscriptions", ErrInvalidEntitlement)
		}
	case storage.EntitlementPropertyPayment:
		if req.PropertyID == nil || *req.PropertyID == uuid.Nil {
			return nil, fmt.Errorf("%w: property_id is required for property payments", ErrInvalidEntitlement)
		}
	default:
		return nil, fmt.Errorf("%w: unknown kind %q", ErrInvalidEntitlement, req.Kind)
	}

	startsAt := now
	if req.StartsAt != nil {
		startsAt = req.StartsAt.UTC()
	}
	if req.ExpiresAt != nil && !req.ExpiresAt.After(startsAt) {
		return nil, fmt.Errorf("%w: expires_at must be after starts_at", ErrInvalidEntitlement)
	}

	e := &storage.Entitlement{
		ID:          uuid.New(),
		UserID:      req.UserID,
		Kind:        req.Kind,
		PlanType:    req.PlanType,
		PlanTier:    req.PlanTier,
		PropertyID:  req.PropertyID,
		AmountPaise: req.AmountPaise,
		Status:      storage.EntitlementActive,
		StartsAt:    startsAt,
		ExpiresAt:   req.ExpiresAt,
		CreatedAt:   now,
	}

	writeCtx, cancel := storeContext(ctx, s.opts.StoreTimeout)
	defer cancel()
	if err := s.store.Create(writeCtx, e); err != nil {
		return nil, temporary("entitlement.grant", err)
	}

	s.opts.Logger.Info(ctx, "entitlement granted", "entitlement_id", e.ID, "kind", e.Kind)
	return e, nil
}

// SetStatus is used by admins and billing webhooks to expire or cancel.
func (s *EntitlementService) SetStatus(ctx context.Context, id uuid.UUID, status storage.EntitlementStatus) error {
	if !status.Valid() {
		return fmt.Errorf("%w: unknown status %q", ErrInvalidEntitlement, status)
	}

	writeCtx, cancel := storeContext(ctx, s.opts.StoreTimeout)
	defer cancel()
	if err := s.store.UpdateStatus(writeCtx, id, status); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return ErrEntitlementMissing
		}
		return temporary("entitlement.set_status", err)
	}

	s.opts.Logger.Info(ctx, "entitlement status changed", "entitlement_id", id, "status", status)
	return nil
}

func (s *EntitlementService) ListForUser(ctx context.Context, userID uuid.UUID) ([]storage.Entitlement, error) {
	out, err := readWithRetry(ctx, s.opts.StoreTimeout, func(ctx context.Context) ([]storage.Entitlement, error) {
		return s.store.ListByUser(ctx, userID)
	})
	if err != nil {
		return nil, temporary("entitlement.list", err)
	}
	return out, nil
}
