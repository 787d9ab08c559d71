package db

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Store wraps the generated Queries with operations that need an explicit
// transaction, like the worker-side task claim.
type Store struct {
	*Queries
	pool *pgxpool.Pool
}

func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{Queries: New(pool), pool: pool}
}

func (s *Store) Pool() *pgxpool.Pool {
	return s.pool
}

// ClaimedTask is a snapshot of a delivery task taken at claim time. The
// worker operates on this copy so a concurrent row update cannot change the
// attempt it is delivering.
type ClaimedTask struct {
	TaskID         pgtype.UUID
	SubscriptionID pgtype.UUID
	Payload        []byte
	EventType      pgtype.Text
	AttemptCount   int32
	MaxRetries     int32
}

// ClaimTask locks the task row, verifies it is still deliverable and marks
// it IN_PROGRESS with the attempt counter bumped, all in one transaction.
// It returns claimed=false without error when the task is gone, already
// terminal, already claimed by another worker, or not yet due.
func (s *Store) ClaimTask(ctx context.Context, id pgtype.UUID) (ClaimedTask, bool, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return ClaimedTask{}, false, err
	}
	defer tx.Rollback(ctx)

	q := s.Queries.WithTx(tx)

	task, err := q.GetDeliveryTaskForUpdate(ctx, id)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return ClaimedTask{}, false, nil
		}
		return ClaimedTask{}, false, err
	}

	switch task.Status {
	case DeliveryTaskStatusCOMPLETED, DeliveryTaskStatusFAILED:
		return ClaimedTask{}, false, nil
	case DeliveryTaskStatusINPROGRESS:
		// A first-attempt task can be enqueued before the ingest
		// transaction's status is visible; anything past that is a
		// duplicate claim.
		if task.AttemptCount > 0 {
			return ClaimedTask{}, false, nil
		}
	}

	if task.NextAttemptAt.Valid && task.NextAttemptAt.Time.After(time.Now()) {
		return ClaimedTask{}, false, nil
	}

	task, err = q.MarkTaskInProgress(ctx, id)
	if err != nil {
		return ClaimedTask{}, false, err
	}

	if err := tx.Commit(ctx); err != nil {
		return ClaimedTask{}, false, err
	}

	return ClaimedTask{
		TaskID:         task.ID,
		SubscriptionID: task.SubscriptionID,
		Payload:        task.Payload,
		EventType:      task.EventType,
		AttemptCount:   task.AttemptCount,
		MaxRetries:     task.MaxRetries,
	}, true, nil
}
