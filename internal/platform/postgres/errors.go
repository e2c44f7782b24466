package postgres

import (
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/phrazzld/scry-ingest/internal/store"
)

const (
	codeUniqueViolation     = "23505"
	codeForeignKeyViolation = "23503"
	codeCheckViolation      = "23514"
	codeNotNullViolation    = "23502"
)

// constraintKinds names the constraint classes reported as invalid entities.
var constraintKinds = map[string]string{
	codeForeignKeyViolation: "foreign key",
	codeCheckViolation:      "check constraint",
	codeNotNullViolation:    "not null",
}

// MapError translates pgx errors into store sentinels. The original error
// stays in the chain; anything unrecognized is returned unchanged.
func MapError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("%w: %w", store.ErrNotFound, err)
	}

	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return err
	}
	if pgErr.Code == codeUniqueViolation {
		return fmt.Errorf("%w: %w", store.ErrDuplicate, err)
	}
	kind, ok := constraintKinds[pgErr.Code]
	if !ok {
		return err
	}
	subject := pgErr.ConstraintName
	if subject == "" {
		subject = pgErr.ColumnName
	}
	return fmt.Errorf("%w: %s violation (%s): %w", store.ErrInvalidEntity, kind, subject, err)
}

// checkRowsAffected turns an UPDATE or DELETE that touched nothing into
// notFound.
func checkRowsAffected(tag pgconn.CommandTag, notFound error, id any) error {
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: %v", notFound, id)
	}
	return nil
}
