package app

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// promoteDueScript atomically moves scheduled task IDs whose due time has
// passed from the delay set onto the work queue.
var promoteDueScript = redis.NewScript(`
local due = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1], 'LIMIT', 0, 100)
for _, id in ipairs(due) do
    redis.call('ZREM', KEYS[1], id)
    redis.call('LPUSH', KEYS[2], id)
end
return #due
`)

// DeliveryQueue is a Redis list of task IDs awaiting delivery, plus a sorted
// set holding retries that are not yet due.
type DeliveryQueue struct {
	rdb          *redis.Client
	queueKey     string
	scheduledKey string
}

func NewDeliveryQueue(rdb *redis.Client, queueKey string) *DeliveryQueue {
	return &DeliveryQueue{
		rdb:          rdb,
		queueKey:     queueKey,
		scheduledKey: queueKey + ":scheduled",
	}
}

// Enqueue makes a task immediately claimable by a worker.
func (q *DeliveryQueue) Enqueue(ctx context.Context, taskID string) error {
	return q.rdb.LPush(ctx, q.queueKey, taskID).Err()
}

// EnqueueDelayed schedules a task to become claimable after delay.
func (q *DeliveryQueue) EnqueueDelayed(ctx context.Context, taskID string, delay time.Duration) error {
	due := float64(time.Now().Add(delay).UnixMilli())
	return q.rdb.ZAdd(ctx, q.scheduledKey, redis.Z{Score: due, Member: taskID}).Err()
}

// Dequeue blocks up to timeout for the next task ID. An empty string with a
// nil error means the wait timed out.
func (q *DeliveryQueue) Dequeue(ctx context.Context, timeout time.Duration) (string, error) {
	res, err := q.rdb.BRPop(ctx, timeout, q.queueKey).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return "", nil
		}
		return "", err
	}
	// BRPOP returns [key, value]
	return res[1], nil
}

// PromoteDue moves all currently-due scheduled tasks onto the work queue and
// returns how many it moved.
func (q *DeliveryQueue) PromoteDue(ctx context.Context) (int64, error) {
	now := time.Now().UnixMilli()
	return promoteDueScript.Run(ctx, q.rdb, []string{q.scheduledKey, q.queueKey}, now).Int64()
}

// Depth returns the number of immediately claimable tasks.
func (q *DeliveryQueue) Depth(ctx context.Context) (int64, error) {
	return q.rdb.LLen(ctx, q.queueKey).Result()
}

// ScheduledDepth returns the number of tasks waiting on a retry timer.
func (q *DeliveryQueue) ScheduledDepth(ctx context.Context) (int64, error) {
	return q.rdb.ZCard(ctx, q.scheduledKey).Result()
}

// StartWorkers launches the delivery worker pool and the promotion loop that
// feeds due retries back onto the queue. Workers drain their in-flight
// attempt before the registered stop function returns.
func StartWorkers(relay *Application) {
	shutdownCtx, shutdownCancel := context.WithCancel(context.Background())

	var workerWg sync.WaitGroup

	numWorkers := relay.Config.DeliveryWorkers
	workerWg.Add(numWorkers)
	for i := 0; i < numWorkers; i++ {
		go func(worker int) {
			defer workerWg.Done()
			logger := slog.Default().With("worker", worker)
			for {
				taskID, err := relay.Queue.Dequeue(shutdownCtx, 2*time.Second)
				if shutdownCtx.Err() != nil {
					return
				}
				if err != nil {
					logger.Warn("Failed to read from delivery queue", "error", err)
					select {
					case <-shutdownCtx.Done():
						return
					case <-time.After(time.Second):
					}
					continue
				}
				if taskID == "" {
					continue
				}
				ProcessTask(shutdownCtx, relay, taskID)
			}
		}(i)
	}

	workerWg.Add(1)
	go func() {
		defer workerWg.Done()
		ticker := time.NewTicker(time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-shutdownCtx.Done():
				return
			case <-ticker.C:
				promoted, err := relay.Queue.PromoteDue(shutdownCtx)
				if err != nil && shutdownCtx.Err() == nil {
					slog.Warn("Failed to promote scheduled deliveries", "error", err)
					continue
				}
				if promoted > 0 {
					slog.Debug("Promoted scheduled deliveries", "count", promoted)
				}
			}
		}
	}()

	slog.Info("Delivery workers started", "workers", numWorkers)

	relay.SetStopWorkers(func() {
		shutdownCancel()
		workerWg.Wait()
		slog.Info("Delivery workers stopped")
	})
}

// ResumePendingTasks re-enqueues tasks that were eligible to run when the
// process last stopped. Tasks still waiting on a retry timer keep their
// database next_attempt_at and are picked up once due. Call after
// StartWorkers.
func ResumePendingTasks(ctx context.Context, relay *Application) {
	const batchSize = 500

	tasks, err := relay.DB.ListEligiblePendingTasks(ctx, batchSize)
	if err != nil {
		slog.Error("Failed to query resumable delivery tasks", "error", err)
		return
	}
	if len(tasks) == 0 {
		slog.Debug("No delivery tasks to resume on startup")
		return
	}

	var resumed int
	for _, task := range tasks {
		if err := relay.Queue.Enqueue(ctx, UuidToString(task.ID)); err != nil {
			slog.Error("Failed to re-enqueue delivery task",
				"task_id", UuidToString(task.ID), "error", err)
			continue
		}
		resumed++
	}
	slog.Info("Resumed unfinished deliveries on startup", "resumed", resumed)
}
