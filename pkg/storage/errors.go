package storage

import (
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5/pgconn"
)

var (
	ErrNotFound = errors.New("record not found")
	ErrConflict = errors.New("record already exists")
)

// Unique constraint names, declared in the migrations.
const (
	ConstraintLinkPropertyOwner = "private_links_property_user_key"
	ConstraintLinkToken         = "private_links_token_key"
	ConstraintProfilePhone      = "profiles_phone_key"
)

// ConflictError carries the violated unique constraint.
type ConflictError struct {
	Constraint string
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("unique constraint %q violated", e.Constraint)
}

func (e *ConflictError) Is(target error) bool {
	return target == ErrConflict
}

// ConstraintOf returns the constraint name of a conflict error, or "".
func ConstraintOf(err error) string {
	var ce *ConflictError
	if errors.As(err, &ce) {
		return ce.Constraint
	}
	return ""
}

func mapError(err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" {
		return &ConflictError{Constraint: pgErr.ConstraintName}
	}
	return err
}
