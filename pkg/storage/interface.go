package storage

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Lookups return (nil, nil) when no row matches.

type LinkStorage interface {
	// Create fails with a *ConflictError when the (property, owner) pair or
	// the token already exists.
	Create(ctx context.Context, link *PrivateLink) error
	GetByToken(ctx context.Context, token string) (*PrivateLink, error)
	GetByOwnerAndProperty(ctx context.Context, ownerUserID, propertyID uuid.UUID) (*PrivateLink, error)
	ListByOwner(ctx context.Context, ownerUserID uuid.UUID) ([]LinkSummary, error)
	ListAll(ctx context.Context) ([]PrivateLink, error)
}

type ViewStorage interface {
	Append(ctx context.Context, view *LinkView) error
	ListByLink(ctx context.Context, linkID uuid.UUID) ([]LinkView, error)
	ListAll(ctx context.Context) ([]LinkView, error)
}

type OTPStorage interface {
	Create(ctx context.Context, challenge *OTPChallenge) error
	// Delete removes one challenge. A missing id is not an error.
	Delete(ctx context.Context, id uuid.UUID) error
	// DeleteOutstanding removes every unverified challenge for phone except keep.
	DeleteOutstanding(ctx context.Context, phone string, keep uuid.UUID) (int64, error)
	// Latest returns the newest unverified challenge for phone that has not expired at now.
	Latest(ctx context.Context, phone string, now time.Time) (*OTPChallenge, error)
	// IncrementAttempts bumps the attempt counter only while it is below max.
	IncrementAttempts(ctx context.Context, id uuid.UUID, max int) (bool, error)
	// MarkVerified flips verified only if it is still false.
	MarkVerified(ctx context.Context, id uuid.UUID, at time.Time) (bool, error)
	DeleteExpired(ctx context.Context, before time.Time) (int64, error)
}

type EntitlementStorage interface {
	Create(ctx context.Context, e *Entitlement) error
	ListActive(ctx context.Context, userID uuid.UUID, now time.Time) ([]Entitlement, error)
	ListByUser(ctx context.Context, userID uuid.UUID) ([]Entitlement, error)
	// UpdateStatus returns ErrNotFound when id does not exist.
	UpdateStatus(ctx context.Context, id uuid.UUID, status EntitlementStatus) error
}

type ProfileStorage interface {
	// Create fails with a *ConflictError when the phone is already registered.
	Create(ctx context.Context, p *Profile) error
	GetByUserID(ctx context.Context, userID uuid.UUID) (*Profile, error)
	GetByPhone(ctx context.Context, phone string) (*Profile, error)
}

// PropertyDirectory is the read side of the listings store.
type PropertyDirectory interface {
	Get(ctx context.Context, id uuid.UUID) (*Property, error)
}
