package db

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

// DbOperation represents a database operation to be executed
type DbOperation struct {
	Fn        func(*sql.Tx) error
	Done      chan error
	Ctx       context.Context
	StartTime time.Time
	ID        string
}

// DbQueue runs write transactions on a small pool of worker goroutines (two
// by default), so at most that many run at once. Checkpoint saves and
// link-batch flushes go through here; the queue does not serialise them
// against each other.
type DbQueue struct {
	operations  chan DbOperation
	db          *sql.DB
	wg          sync.WaitGroup
	stopped     bool
	mu          sync.Mutex
	workerCount int
}

// NewDbQueue creates and starts a new database queue
func NewDbQueue(db *sql.DB) *DbQueue {
	queue := &DbQueue{
		operations:  make(chan DbOperation, 200),
		db:          db,
		workerCount: 2,
	}
	queue.Start()
	return queue
}

// Start begins processing operations
func (q *DbQueue) Start() {
	for i := 0; i < q.workerCount; i++ {
		q.wg.Add(1)
		go q.processOperations(i)
	}
}

// Stop gracefully stops the queue
func (q *DbQueue) Stop() {
	q.mu.Lock()
	if !q.stopped {
		q.stopped = true
		close(q.operations)
	}
	q.mu.Unlock()

	done := make(chan struct{})
	go func() {
		q.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		log.Info().Msg("Database queue stopped gracefully")
	case <-time.After(5 * time.Second):
		log.Warn().Msg("Database queue stop timed out")
	}
}

// processOperations handles database operations sequentially
func (q *DbQueue) processOperations(workerID int) {
	defer q.wg.Done()

	for op := range q.operations {
		if op.Ctx != nil && op.Ctx.Err() != nil {
			op.Done <- op.Ctx.Err()
			continue
		}

		var lastErr error
		success := false

		// Up to 3 attempts with exponential backoff on transient errors.
		for attempt := 0; attempt < 3; attempt++ {
			if attempt > 0 {
				backoffTime := time.Duration(100*(1<<attempt)) * time.Millisecond
				log.Warn().
					Int("worker_id", workerID).
					Str("operation_id", op.ID).
					Int("attempt", attempt+1).
					Dur("backoff", backoffTime).
					Err(lastErr).
					Msg("Retrying database operation after transient error")
				time.Sleep(backoffTime)
			}

			tx, err := q.db.BeginTx(op.Ctx, nil)
			if err != nil {
				lastErr = err
				if isRetryableError(err) {
					continue
				}
				log.Error().Err(err).Msg("Failed to begin transaction")
				break
			}

			err = op.Fn(tx)
			if err != nil {
				tx.Rollback()
				lastErr = err
				if isRetryableError(err) {
					continue
				}
				break
			}

			err = tx.Commit()
			if err != nil {
				lastErr = err
				if isRetryableError(err) {
					continue
				}
				log.Error().Err(err).Msg("Failed to commit transaction")
				break
			}

			success = true
			break
		}

		if success {
			op.Done <- nil
		} else {
			if lastErr != nil {
				log.Error().
					Err(lastErr).
					Int("worker_id", workerID).
					Str("operation_id", op.ID).
					Msg("Database operation failed after retries")
			}
			op.Done <- lastErr
		}
	}
}

// Execute adds an operation to the queue and waits for it to complete
func (q *DbQueue) Execute(ctx context.Context, fn func(*sql.Tx) error) error {
	q.mu.Lock()
	stopped := q.stopped
	q.mu.Unlock()
	if stopped {
		return fmt.Errorf("queue is stopped")
	}

	queueStart := time.Now()
	operationID := uuid.New().String()[:8]

	done := make(chan error, 1)
	select {
	case q.operations <- DbOperation{
		Fn:        fn,
		Done:      done,
		Ctx:       ctx,
		StartTime: queueStart,
		ID:        operationID,
	}:
		err := <-done

		log.Debug().
			Str("operation_id", operationID).
			Dur("queue_wait_ms", time.Since(queueStart)).
			Bool("succeeded", err == nil).
			Msg("DB operation completed")

		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}
