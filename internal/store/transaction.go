package store

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/phrazzld/scry-ingest/internal/platform/logger"
)

// RunInTransaction runs fn inside a transaction on db. The transaction
// commits when fn returns nil and rolls back otherwise. A panic in fn rolls
// back and is re-raised.
// Rollbacks ignore cancellation of ctx.
func RunInTransaction(ctx context.Context, db TxBeginner, fn func(ctx context.Context, tx pgx.Tx) error) error {
	log := logger.FromContext(ctx)

	tx, err := db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	rollback := func() error { return tx.Rollback(context.WithoutCancel(ctx)) }

	defer func() {
		p := recover()
		if p == nil {
			return
		}
		if rbErr := rollback(); rbErr != nil {
			log.Error("rollback after panic failed", "error", rbErr, "panic", p)
		}
		panic(p)
	}()

	if err := fn(ctx, tx); err != nil {
		if rbErr := rollback(); rbErr != nil {
			log.Error("rollback failed", "error", rbErr, "cause", err)
			return fmt.Errorf("rollback failed: %v (original error: %w)", rbErr, err)
		}
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("%w: %v", ErrTransactionFailed, err)
	}
	return nil
}
