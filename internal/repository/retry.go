package repository

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/sethvargo/go-retry"

	"zippcall/internal/model"
)

var errVersionConflict = errors.New("account version changed during mutation")

// Postgres SQLSTATEs worth retrying the whole transaction for.
const (
	sqlSerializationFailure = "40001"
	sqlDeadlockDetected     = "40P01"
)

func defaultBackoff() retry.Backoff {
	return retry.WithMaxRetries(4, retry.WithJitterPercent(20, retry.NewExponential(10*time.Millisecond)))
}

func conflict(err error) bool {
	if errors.Is(err, errVersionConflict) {
		return true
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == sqlSerializationFailure || pgErr.Code == sqlDeadlockDetected
	}
	return false
}

// withRetry runs fn again on write conflicts; every other error ends the loop.
func withRetry(ctx context.Context, b retry.Backoff, fn func(ctx context.Context) error) error {
	return retry.Do(ctx, b, func(ctx context.Context) error {
		err := fn(ctx)
		if conflict(err) {
			return retry.RetryableError(err)
		}
		return err
	})
}

// classify keeps domain errors as they are and turns everything else into ErrStoreUnavailable,
// which tells the sender to redeliver.
func classify(op string, err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, model.ErrValidation),
		errors.Is(err, model.ErrInsufficientFunds),
		errors.Is(err, model.ErrNotFound),
		errors.Is(err, model.ErrEventInFlight),
		errors.Is(err, model.ErrStoreUnavailable):
		return err
	case errors.Is(err, context.Canceled):
		return err
	}
	return model.Unavailable(op, err)
}
