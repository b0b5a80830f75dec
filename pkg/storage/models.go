package storage

import (
	"errors"
	"time"

	"github.com/google/uuid"

	"landlink/pkg/phone"
)

// PrivateLink binds a shareable token to one (property, requester) pair.
// Rows are never updated after insert.
type PrivateLink struct {
	ID          uuid.UUID `json:"id" db:"id"`
	Token       string    `json:"token" db:"token"`
	PropertyID  uuid.UUID `json:"property_id" db:"property_id"`
	OwnerUserID uuid.UUID `json:"owner_user_id" db:"user_id"`
	PhoneNumber string    `json:"phone_number" db:"phone_number"`
	CreatedAt   time.Time `json:"created_at" db:"created_at"`
}

// NewPrivateLink validates the token and the owner's phone snapshot.
func NewPrivateLink(token string, propertyID, ownerUserID uuid.UUID, phoneNumber string) (*PrivateLink, error) {
	if !ValidToken(token) {
		return nil, errors.New("token must be a random UUID")
	}
	if propertyID == uuid.Nil || ownerUserID == uuid.Nil {
		return nil, errors.New("property and owner are required")
	}
	if !phone.Valid(phoneNumber) {
		return nil, errors.New("invalid owner phone number")
	}
	return &PrivateLink{
		ID:          uuid.New(),
		Token:       token,
		PropertyID:  propertyID,
		OwnerUserID: ownerUserID,
		PhoneNumber: phoneNumber,
		CreatedAt:   time.Now().UTC(),
	}, nil
}

// ValidToken accepts only canonical version 4 UUIDs (122 random bits).
func ValidToken(token string) bool {
	if len(token) != 36 {
		return false
	}
	id, err := uuid.Parse(token)
	if err != nil {
		return false
	}
	return id.Version() == 4 && id.Variant() == uuid.RFC4122 && id.String() == token
}

type OTPPurpose string

const (
	OTPPurposeLogin      OTPPurpose = "login"
	OTPPurposeLinkUnlock OTPPurpose = "link_unlock"
)

// OTPChallenge is one issued passcode. Only the bcrypt hash of the code is stored.
type OTPChallenge struct {
	ID         uuid.UUID  `json:"id" db:"id"`
	Phone      string     `json:"phone" db:"phone"`
	CodeHash   string     `json:"-" db:"code_hash"`
	Purpose    OTPPurpose `json:"purpose" db:"purpose"`
	Attempts   int        `json:"attempts" db:"attempts"`
	Verified   bool       `json:"verified" db:"verified"`
	ExpiresAt  time.Time  `json:"expires_at" db:"expires_at"`
	CreatedAt  time.Time  `json:"created_at" db:"created_at"`
	VerifiedAt *time.Time `json:"verified_at,omitempty" db:"verified_at"`
}

func (c *OTPChallenge) IsExpired(now time.Time) bool {
	return !now.Before(c.ExpiresAt)
}

// IsUsable reports whether the challenge can still be redeemed.
func (c *OTPChallenge) IsUsable(now time.Time) bool {
	return !c.Verified && !c.IsExpired(now)
}

// LinkView records one successful unlock. Append-only.
type LinkView struct {
	ID         uuid.UUID `json:"id" db:"id"`
	LinkID     uuid.UUID `json:"link_id" db:"link_id"`
	ViewedAt   time.Time `json:"viewed_at" db:"viewed_at"`
	IPAddress  *string   `json:"ip_address,omitempty" db:"ip_address"`
	DeviceInfo *string   `json:"device_info,omitempty" db:"device_info"`
	UserAgent  *string   `json:"user_agent,omitempty" db:"user_agent"`
}

// LinkSummary is an owner-facing aggregate of a link and its views.
type LinkSummary struct {
	LinkID       uuid.UUID  `json:"link_id"`
	Token        string     `json:"token"`
	PropertyID   uuid.UUID  `json:"property_id"`
	ViewCount    int64      `json:"view_count"`
	LastViewedAt *time.Time `json:"last_viewed_at,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
}

type EntitlementKind string

const (
	EntitlementSubscription    EntitlementKind = "subscription"
	EntitlementPropertyPayment EntitlementKind = "property_payment"
)

type EntitlementStatus string

const (
	EntitlementActive    EntitlementStatus = "active"
	EntitlementExpired   EntitlementStatus = "expired"
	EntitlementCancelled EntitlementStatus = "cancelled"
)

func (s EntitlementStatus) Valid() bool {
	switch s {
	case EntitlementActive, EntitlementExpired, EntitlementCancelled:
		return true
	}
	return false
}

// Entitlement is a subscription or a one-off per-property payment.
type Entitlement struct {
	ID          uuid.UUID         `json:"id" db:"id"`
	UserID      uuid.UUID         `json:"user_id" db:"user_id"`
	Kind        EntitlementKind   `json:"kind" db:"kind"`
	PlanType    string            `json:"plan_type,omitempty" db:"plan_type"`
	PlanTier    string            `json:"plan_tier,omitempty" db:"plan_tier"`
	PropertyID  *uuid.UUID        `json:"property_id,omitempty" db:"property_id"`
	AmountPaise int64             `json:"amount_paise" db:"amount_paise"`
	Status      EntitlementStatus `json:"status" db:"status"`
	StartsAt    time.Time         `json:"starts_at" db:"starts_at"`
	ExpiresAt   *time.Time        `json:"expires_at,omitempty" db:"expires_at"`
	CreatedAt   time.Time         `json:"created_at" db:"created_at"`
}

// IsActive requires status active and either no expiry or an expiry in the future.
func (e *Entitlement) IsActive(now time.Time) bool {
	if e.Status != EntitlementActive {
		return false
	}
	return e.ExpiresAt == nil || e.ExpiresAt.After(now)
}

const (
	RoleUser  = "user"
	RoleAdmin = "admin"
)

// Profile is the marketplace account keyed by phone.
type Profile struct {
	UserID    uuid.UUID `json:"user_id" db:"user_id"`
	Phone     string    `json:"phone" db:"phone"`
	FullName  string    `json:"full_name" db:"full_name"`
	State     string    `json:"state" db:"state"`
	District  string    `json:"district" db:"district"`
	Role      string    `json:"role" db:"role"`
	CreatedAt time.Time `json:"created_at" db:"created_at"`
	UpdatedAt time.Time `json:"updated_at" db:"updated_at"`
}

// Property is the gated listing payload returned by a successful unlock.
// Media fields are opaque URLs into external object storage.
type Property struct {
	ID                 uuid.UUID `json:"id" db:"id"`
	OwnerUserID        uuid.UUID `json:"user_id" db:"user_id"`
	Title              string    `json:"title" db:"title"`
	TitleEn            string    `json:"title_en" db:"title_en"`
	State              string    `json:"state" db:"state"`
	District           string    `json:"district" db:"district"`
	Tehsil             string    `json:"tehsil" db:"tehsil"`
	Village            string    `json:"village" db:"village"`
	KhasraNumber       string    `json:"khasra_number" db:"khasra_number"`
	Area               float64   `json:"area" db:"area"`
	AreaUnit           string    `json:"area_unit" db:"area_unit"`
	AskingPrice        int64     `json:"asking_price" db:"asking_price"`
	Negotiable         bool      `json:"negotiable" db:"negotiable"`
	LandType           string    `json:"land_type" db:"land_type"`
	Category           string    `json:"category" db:"category"`
	OwnerName          string    `json:"owner_name" db:"owner_name"`
	OwnerPhone         string    `json:"owner_phone" db:"owner_phone"`
	OwnerType          string    `json:"owner_type" db:"owner_type"`
	Images             []string  `json:"images" db:"images"`
	VideoURL           *string   `json:"video_url,omitempty" db:"video_url"`
	DocumentURL        *string   `json:"document_url,omitempty" db:"document_url"`
	MapLat             *float64  `json:"map_lat,omitempty" db:"map_lat"`
	MapLng             *float64  `json:"map_lng,omitempty" db:"map_lng"`
	Verified           bool      `json:"verified" db:"verified"`
	VerificationStatus string    `json:"verification_status" db:"verification_status"`
	PatwariRemarks     *string   `json:"patwari_remarks,omitempty" db:"patwari_remarks"`
	CreatedAt          time.Time `json:"created_at" db:"created_at"`
}
