package storage

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

type PostgresOTPStorage struct {
	pool *pgxpool.Pool
}

func NewPostgresOTPStorage(pool *pgxpool.Pool) *PostgresOTPStorage {
	return &PostgresOTPStorage{pool: pool}
}

func (s *PostgresOTPStorage) Create(ctx context.Context, c *OTPChallenge) error {
	query := `INSERT INTO otp_challenges (id, phone, code_hash, purpose, attempts, verified, expires_at, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`
	_, err := s.pool.Exec(ctx, query, c.ID, c.Phone, c.CodeHash, c.Purpose, c.Attempts, c.Verified, c.ExpiresAt, c.CreatedAt)
	return mapError(err)
}

func (s *PostgresOTPStorage) Delete(ctx context.Context, id uuid.UUID) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM otp_challenges WHERE id = $1`, id)
	return err
}

func (s *PostgresOTPStorage) DeleteOutstanding(ctx context.Context, phone string, keep uuid.UUID) (int64, error) {
	tag, err := s.pool.Exec(ctx, `DELETE FROM otp_challenges WHERE phone = $1 AND verified = false AND id <> $2`, phone, keep)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

func (s *PostgresOTPStorage) Latest(ctx context.Context, phone string, now time.Time) (*OTPChallenge, error) {
	query := `SELECT id, phone, code_hash, purpose, attempts, verified, expires_at, created_at, verified_at
		FROM otp_challenges
		WHERE phone = $1 AND verified = false AND expires_at > $2
		ORDER BY created_at DESC
		LIMIT 1`
	var c OTPChallenge
	err := s.pool.QueryRow(ctx, query, phone, now).Scan(
		&c.ID, &c.Phone, &c.CodeHash, &c.Purpose, &c.Attempts, &c.Verified, &c.ExpiresAt, &c.CreatedAt, &c.VerifiedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return &c, nil
}

func (s *PostgresOTPStorage) IncrementAttempts(ctx context.Context, id uuid.UUID, max int) (bool, error) {
	tag, err := s.pool.Exec(ctx,
		`UPDATE otp_challenges SET attempts = attempts + 1 WHERE id = $1 AND verified = false AND attempts < $2`,
		id, max)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

func (s *PostgresOTPStorage) MarkVerified(ctx context.Context, id uuid.UUID, at time.Time) (bool, error) {
	tag, err := s.pool.Exec(ctx,
		`UPDATE otp_challenges SET verified = true, verified_at = $2 WHERE id = $1 AND verified = false`,
		id, at)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

func (s *PostgresOTPStorage) DeleteExpired(ctx context.Context, before time.Time) (int64, error) {
	tag, err := s.pool.Exec(ctx, `DELETE FROM otp_challenges WHERE expires_at <= $1`, before)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}
