package db

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/route-beacon/bgp-update-gen/internal/metrics"
)

// JournalRow is one sent update as recorded in update_journal.
type JournalRow struct {
	RunID     string
	Seq       int64
	SentAt    time.Time
	EventTime time.Time // zero for synthesized updates
	Peers     []string
	NLRI      []string
	Withdraw  []string
	Update    []byte // normalized update JSON
}

// JournalStore writes sent updates to Postgres.
type JournalStore struct {
	pool *pgxpool.Pool
}

func NewJournalStore(pool *pgxpool.Pool) *JournalStore {
	return &JournalStore{pool: pool}
}

func (s *JournalStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

func (s *JournalStore) Close() {
	s.pool.Close()
}

const insertJournalRow = `
	INSERT INTO update_journal (run_id, seq, sent_at, event_time, peers, nlri, withdraw, body)
	VALUES ($1, $2, $3, $4, $5, $6::cidr[], $7::cidr[], $8)
	ON CONFLICT (run_id, seq, sent_at) DO NOTHING`

// InsertBatch writes rows in one transaction and returns the number of rows
// inserted.
func (s *JournalStore) InsertBatch(ctx context.Context, rows []*JournalRow) (int64, error) {
	if len(rows) == 0 {
		return 0, nil
	}

	start := time.Now()

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	batch := &pgx.Batch{}
	for _, row := range rows {
		batch.Queue(insertJournalRow,
			row.RunID, row.Seq, row.SentAt, nilIfZeroTime(row.EventTime),
			row.Peers, row.NLRI, row.Withdraw, row.Update,
		)
	}

	br := tx.SendBatch(ctx, batch)
	var inserted int64
	for range rows {
		tag, err := br.Exec()
		if err != nil {
			br.Close()
			return 0, fmt.Errorf("insert update_journal: %w", err)
		}
		inserted += tag.RowsAffected()
	}
	if err := br.Close(); err != nil {
		return 0, fmt.Errorf("closing batch: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("commit tx: %w", err)
	}

	metrics.DBWriteDuration.WithLabelValues("journal_insert").Observe(time.Since(start).Seconds())
	metrics.JournalBatchSize.Observe(float64(len(rows)))
	return inserted, nil
}

func nilIfZeroTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t
}
