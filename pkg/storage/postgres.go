package storage

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

type PostgresLinkStorage struct {
	pool *pgxpool.Pool
}

func NewPostgresLinkStorage(pool *pgxpool.Pool) *PostgresLinkStorage {
	return &PostgresLinkStorage{pool: pool}
}

const linkColumns = `id, token, property_id, user_id, phone_number, created_at`

func scanLink(row pgx.Row) (*PrivateLink, error) {
	var link PrivateLink
	err := row.Scan(&link.ID, &link.Token, &link.PropertyID, &link.OwnerUserID, &link.PhoneNumber, &link.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return &link, nil
}

func (s *PostgresLinkStorage) Create(ctx context.Context, link *PrivateLink) error {
	query := `INSERT INTO private_links (` + linkColumns + `) VALUES ($1, $2, $3, $4, $5, $6)`
	_, err := s.pool.Exec(ctx, query, link.ID, link.Token, link.PropertyID, link.OwnerUserID, link.PhoneNumber, link.CreatedAt)
	return mapError(err)
}

func (s *PostgresLinkStorage) GetByToken(ctx context.Context, token string) (*PrivateLink, error) {
	query := `SELECT ` + linkColumns + ` FROM private_links WHERE token = $1`
	return scanLink(s.pool.QueryRow(ctx, query, token))
}

func (s *PostgresLinkStorage) GetByOwnerAndProperty(ctx context.Context, ownerUserID, propertyID uuid.UUID) (*PrivateLink, error) {
	query := `SELECT ` + linkColumns + ` FROM private_links WHERE user_id = $1 AND property_id = $2`
	return scanLink(s.pool.QueryRow(ctx, query, ownerUserID, propertyID))
}

func (s *PostgresLinkStorage) ListByOwner(ctx context.Context, ownerUserID uuid.UUID) ([]LinkSummary, error) {
	query := `
		SELECT l.id, l.token, l.property_id, COUNT(v.id), MAX(v.viewed_at), l.created_at
		FROM private_links l
		LEFT JOIN link_views v ON v.link_id = l.id
		WHERE l.user_id = $1
		GROUP BY l.id
		ORDER BY l.created_at DESC`
	rows, err := s.pool.Query(ctx, query, ownerUserID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	summaries := []LinkSummary{}
	for rows.Next() {
		var sum LinkSummary
		if err := rows.Scan(&sum.LinkID, &sum.Token, &sum.PropertyID, &sum.ViewCount, &sum.LastViewedAt, &sum.CreatedAt); err != nil {
			return nil, err
		}
		summaries = append(summaries, sum)
	}
	return summaries, rows.Err()
}

func (s *PostgresLinkStorage) ListAll(ctx context.Context) ([]PrivateLink, error) {
	query := `SELECT ` + linkColumns + ` FROM private_links ORDER BY created_at DESC`
	rows, err := s.pool.Query(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	links := []PrivateLink{}
	for rows.Next() {
		link, err := scanLink(rows)
		if err != nil {
			return nil, err
		}
		links = append(links, *link)
	}
	return links, rows.Err()
}

type PostgresViewStorage struct {
	pool *pgxpool.Pool
}

func NewPostgresViewStorage(pool *pgxpool.Pool) *PostgresViewStorage {
	return &PostgresViewStorage{pool: pool}
}

const viewColumns = `id, link_id, viewed_at, ip_address, device_info, user_agent`

func (s *PostgresViewStorage) Append(ctx context.Context, view *LinkView) error {
	query := `INSERT INTO link_views (` + viewColumns + `) VALUES ($1, $2, $3, $4, $5, $6)`
	_, err := s.pool.Exec(ctx, query, view.ID, view.LinkID, view.ViewedAt, view.IPAddress, view.DeviceInfo, view.UserAgent)
	return mapError(err)
}

func (s *PostgresViewStorage) ListByLink(ctx context.Context, linkID uuid.UUID) ([]LinkView, error) {
	query := `SELECT ` + viewColumns + ` FROM link_views WHERE link_id = $1 ORDER BY viewed_at ASC`
	return s.list(ctx, query, linkID)
}

func (s *PostgresViewStorage) ListAll(ctx context.Context) ([]LinkView, error) {
	query := `SELECT ` + viewColumns + ` FROM link_views ORDER BY viewed_at ASC`
	return s.list(ctx, query)
}

func (s *PostgresViewStorage) list(ctx context.Context, query string, args ...any) ([]LinkView, error) {
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	views := []LinkView{}
	for rows.Next() {
		var v LinkView
		if err := rows.Scan(&v.ID, &v.LinkID, &v.ViewedAt, &v.IPAddress, &v.DeviceInfo, &v.UserAgent); err != nil {
			return nil, err
		}
		views = append(views, v)
	}
	return views, rows.Err()
}
