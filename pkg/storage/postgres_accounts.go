package storage

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

type PostgresProfileStorage struct {
	pool *pgxpool.Pool
}

func NewPostgresProfileStorage(pool *pgxpool.Pool) *PostgresProfileStorage {
	return &PostgresProfileStorage{pool: pool}
}

const profileColumns = `user_id, phone, full_name, state, district, role, created_at, updated_at`

func scanProfile(row pgx.Row) (*Profile, error) {
	var p Profile
	err := row.Scan(&p.UserID, &p.Phone, &p.FullName, &p.State, &p.District, &p.Role, &p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return &p, nil
}

func (s *PostgresProfileStorage) Create(ctx context.Context, p *Profile) error {
	query := `INSERT INTO profiles (` + profileColumns + `) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`
	_, err := s.pool.Exec(ctx, query, p.UserID, p.Phone, p.FullName, p.State, p.District, p.Role, p.CreatedAt, p.UpdatedAt)
	return mapError(err)
}

func (s *PostgresProfileStorage) GetByUserID(ctx context.Context, userID uuid.UUID) (*Profile, error) {
	return scanProfile(s.pool.QueryRow(ctx, `SELECT `+profileColumns+` FROM profiles WHERE user_id = $1`, userID))
}

func (s *PostgresProfileStorage) GetByPhone(ctx context.Context, phone string) (*Profile, error) {
	return scanProfile(s.pool.QueryRow(ctx, `SELECT `+profileColumns+` FROM profiles WHERE phone = $1`, phone))
}

type PostgresEntitlementStorage struct {
	pool *pgxpool.Pool
}

func NewPostgresEntitlementStorage(pool *pgxpool.Pool) *PostgresEntitlementStorage {
	return &PostgresEntitlementStorage{pool: pool}
}

const entitlementColumns = `id, user_id, kind, plan_type, plan_tier, property_id, amount_paise, status, starts_at, expires_at, created_at`

func (s *PostgresEntitlementStorage) Create(ctx context.Context, e *Entitlement) error {
	query := `INSERT INTO entitlements (` + entitlementColumns + `) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`
	_, err := s.pool.Exec(ctx, query, e.ID, e.UserID, e.Kind, e.PlanType, e.PlanTier, e.PropertyID,
		e.AmountPaise, e.Status, e.StartsAt, e.ExpiresAt, e.CreatedAt)
	return mapError(err)
}

func (s *PostgresEntitlementStorage) ListActive(ctx context.Context, userID uuid.UUID, now time.Time) ([]Entitlement, error) {
	query := `SELECT ` + entitlementColumns + ` FROM entitlements
		WHERE user_id = $1 AND status = 'active' AND starts_at <= $2 AND (expires_at IS NULL OR expires_at > $2)
		ORDER BY created_at DESC`
	return s.list(ctx, query, userID, now)
}

func (s *PostgresEntitlementStorage) ListByUser(ctx context.Context, userID uuid.UUID) ([]Entitlement, error) {
	query := `SELECT ` + entitlementColumns + ` FROM entitlements WHERE user_id = $1 ORDER BY created_at DESC`
	return s.list(ctx, query, userID)
}

func (s *PostgresEntitlementStorage) UpdateStatus(ctx context.Context, id uuid.UUID, status EntitlementStatus) error {
	tag, err := s.pool.Exec(ctx, `UPDATE entitlements SET status = $2 WHERE id = $1`, id, status)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresEntitlementStorage) list(ctx context.Context, query string, args ...any) ([]Entitlement, error) {
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := []Entitlement{}
	for rows.Next() {
		var e Entitlement
		if err := rows.Scan(&e.ID, &e.UserID, &e.Kind, &e.PlanType, &e.PlanTier, &e.PropertyID,
			&e.AmountPaise, &e.Status, &e.StartsAt, &e.ExpiresAt, &e.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// PostgresPropertyDirectory reads listings owned by the marketplace's
// listing service; this module never writes to the table.
type PostgresPropertyDirectory struct {
	pool *pgxpool.Pool
}

func NewPostgresPropertyDirectory(pool *pgxpool.Pool) *PostgresPropertyDirectory {
	return &PostgresPropertyDirectory{pool: pool}
}

func (d *PostgresPropertyDirectory) Get(ctx context.Context, id uuid.UUID) (*Property, error) {
	query := `SELECT id, user_id, title, title_en, state, district, tehsil, village, khasra_number,
			area, area_unit, asking_price, negotiable, land_type, category, owner_name, owner_phone, owner_type,
			COALESCE(images, '{}'), video_url, document_url, map_lat, map_lng, verified, verification_status,
			patwari_remarks, created_at
		FROM properties WHERE id = $1`
	var p Property
	err := d.pool.QueryRow(ctx, query, id).Scan(
		&p.ID, &p.OwnerUserID, &p.Title, &p.TitleEn, &p.State, &p.District, &p.Tehsil, &p.Village, &p.KhasraNumber,
		&p.Area, &p.AreaUnit, &p.AskingPrice, &p.Negotiable, &p.LandType, &p.Category, &p.OwnerName, &p.OwnerPhone, &p.OwnerType,
		&p.Images, &p.VideoURL, &p.DocumentURL, &p.MapLat, &p.MapLng, &p.Verified, &p.VerificationStatus,
		&p.PatwariRemarks, &p.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return &p, nil
}
