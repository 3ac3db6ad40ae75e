package persistence

import (
	"context"
	"database/sql"
	"log"
	"sync"
	"sync/atomic"
	"time"
)

// WriteOp is one buffered statement.
type WriteOp struct {
	Query string
	Args  []any
}

// BatchWriter buffers statements and commits them in one transaction when the
// buffer fills or the interval elapses.
type BatchWriter struct {
	db       *sql.DB
	maxSize  int
	interval time.Duration

	mu     sync.Mutex
	buffer []WriteOp

	done chan struct{}
	wg   sync.WaitGroup
	once sync.Once

	writes   atomic.Uint64
	batches  atomic.Uint64
	failures atomic.Uint64
	lastSize atomic.Int64
	lastAt   atomic.Int64
}

// BatchStats are the writer's counters.
type BatchStats struct {
	TotalWrites   uint64    `json:"total_writes"`
	TotalBatches  uint64    `json:"total_batches"`
	TotalErrors   uint64    `json:"total_errors"`
	Pending       int       `json:"pending"`
	LastBatchSize int       `json:"last_batch_size"`
	LastFlushTime time.Time `json:"last_flush_time"`
}

// NewBatchWriter starts a writer. maxSize defaults to 50, interval to 500ms.
func NewBatchWriter(db *sql.DB, maxSize int, interval time.Duration) *BatchWriter {
	if maxSize <= 0 {
		maxSize = 50
	}
	if interval <= 0 {
		interval = 500 * time.Millisecond
	}
	bw := &BatchWriter{
		db:       db,
		maxSize:  maxSize,
		interval: interval,
		buffer:   make([]WriteOp, 0, maxSize),
		done:     make(chan struct{}),
	}
	bw.wg.Add(1)
	go bw.loop()
	return bw
}

// Write queues op and flushes when the buffer is full.
func (bw *BatchWriter) Write(op WriteOp) {
	bw.mu.Lock()
	bw.buffer = append(bw.buffer, op)
	full := len(bw.buffer) >= bw.maxSize
	bw.mu.Unlock()

	if full {
		if err := bw.Flush(context.Background()); err != nil {
			log.Printf("[journal] size-triggered flush failed: %v", err)
		}
	}
}

// Flush commits everything buffered so far. A failed batch is dropped and counted.
func (bw *BatchWriter) Flush(ctx context.Context) error {
	bw.mu.Lock()
	if len(bw.buffer) == 0 {
		bw.mu.Unlock()
		return nil
	}
	ops := bw.buffer
	bw.buffer = make([]WriteOp, 0, bw.maxSize)
	bw.mu.Unlock()

	return bw.commit(ctx, ops)
}

func (bw *BatchWriter) commit(ctx context.Context, ops []WriteOp) error {
	bw.lastSize.Store(int64(len(ops)))
	bw.lastAt.Store(time.Now().UnixNano())

	tx, err := bw.db.BeginTx(ctx, nil)
	if err != nil {
		bw.failures.Add(1)
		return err
	}
	for _, op := range ops {
		if _, err := tx.ExecContext(ctx, op.Query, op.Args...); err != nil {
			_ = tx.Rollback()
			bw.failures.Add(1)
			log.Printf("[journal] statement failed, %d ops rolled back: %v", len(ops), err)
			return err
		}
	}
	if err := tx.Commit(); err != nil {
		bw.failures.Add(1)
		return err
	}
	bw.writes.Add(uint64(len(ops)))
	bw.batches.Add(1)
	return nil
}

func (bw *BatchWriter) loop() {
	defer bw.wg.Done()
	ticker := time.NewTicker(bw.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if err := bw.Flush(context.Background()); err != nil {
				log.Printf("[journal] background flush failed: %v", err)
			}
		case <-bw.done:
			if err := bw.Flush(context.Background()); err != nil {
				log.Printf("[journal] final flush failed: %v", err)
			}
			return
		}
	}
}

// Stats returns the current counters.
func (bw *BatchWriter) Stats() BatchStats {
	bw.mu.Lock()
	pending := len(bw.buffer)
	bw.mu.Unlock()

	var last time.Time
	if ns := bw.lastAt.Load(); ns > 0 {
		last = time.Unix(0, ns)
	}
	return BatchStats{
		TotalWrites:   bw.writes.Load(),
		TotalBatches:  bw.batches.Load(),
		TotalErrors:   bw.failures.Load(),
		Pending:       pending,
		LastBatchSize: int(bw.lastSize.Load()),
		LastFlushTime: last,
	}
}

// Close flushes what is left and stops the background loop. It is safe to call twice.
func (bw *BatchWriter) Close() error {
	bw.once.Do(func() { close(bw.done) })
	bw.wg.Wait()
	return nil
}
