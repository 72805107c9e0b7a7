package sink

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"github.com/route-beacon/bgp-update-gen/internal/db"
	"github.com/route-beacon/bgp-update-gen/internal/update"
)

const (
	journalPeer         = "journal"
	journalFinalTimeout = 5 * time.Second
)

// JournalStore is the part of db.JournalStore the journal sink uses.
type JournalStore interface {
	Ping(ctx context.Context) error
	InsertBatch(ctx context.Context, rows []*db.JournalRow) (int64, error)
	Close()
}

// Journal records every sent update in Postgres. Rows are buffered and
// written in batches by a background flusher.
type Journal struct {
	store         JournalStore
	runID         string
	peers         []string
	batchSize     int
	flushInterval time.Duration
	clock         clockwork.Clock
	logger        *zap.Logger

	mu  sync.Mutex
	buf []*db.JournalRow
	seq int64

	kick   chan struct{}
	cancel context.CancelFunc
	done   chan struct{}
}

func NewJournal(store JournalStore, runID string, peers []string, batchSize int, flushInterval time.Duration, logger *zap.Logger) *Journal {
	return newJournal(store, runID, peers, batchSize, flushInterval, clockwork.NewRealClock(), logger)
}

func newJournal(store JournalStore, runID string, peers []string, batchSize int, flushInterval time.Duration, clock clockwork.Clock, logger *zap.Logger) *Journal {
	if len(peers) == 0 {
		peers = []string{journalPeer}
	}
	return &Journal{
		store:         store,
		runID:         runID,
		peers:         peers,
		batchSize:     batchSize,
		flushInterval: flushInterval,
		clock:         clock,
		logger:        logger,
		kick:          make(chan struct{}, 1),
	}
}

func (j *Journal) Start(ctx context.Context) error {
	if err := j.store.Ping(ctx); err != nil {
		return fmt.Errorf("journal: %w", err)
	}

	runCtx, cancel := context.WithCancel(context.Background())
	j.cancel = cancel
	j.done = make(chan struct{})
	go j.run(runCtx)
	return nil
}

// Stop flushes buffered rows and closes the store.
func (j *Journal) Stop() error {
	if j.cancel != nil {
		j.cancel()
		<-j.done
		j.cancel = nil
	}
	j.store.Close()
	return nil
}

// ConnectedPeers returns the configured peers while the database answers.
func (j *Journal) ConnectedPeers(ctx context.Context) ([]string, error) {
	if err := j.store.Ping(ctx); err != nil {
		return nil, fmt.Errorf("journal: %w", err)
	}
	return j.peers, nil
}

// SendUpdate buffers u; it only fails if u cannot be encoded.
func (j *Journal) SendUpdate(ctx context.Context, peers []string, u *update.Update) error {
	body, err := json.Marshal(u)
	if err != nil {
		return fmt.Errorf("journal: encoding update: %w", err)
	}

	row := &db.JournalRow{
		RunID:     j.runID,
		SentAt:    j.clock.Now().UTC(),
		EventTime: u.Timestamp,
		Peers:     selectPeers(j.peers, peers),
		NLRI:      prefixStrings(u.NLRI),
		Withdraw:  prefixStrings(u.Withdraw),
		Update:    body,
	}

	j.mu.Lock()
	j.seq++
	row.Seq = j.seq
	j.buf = append(j.buf, row)
	full := len(j.buf) >= j.batchSize
	j.mu.Unlock()

	if full {
		select {
		case j.kick <- struct{}{}:
		default:
		}
	}
	return nil
}

func (j *Journal) run(ctx context.Context) {
	defer close(j.done)

	ticker := j.clock.NewTicker(j.flushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			finalCtx, cancel := context.WithTimeout(context.Background(), journalFinalTimeout)
			j.flush(finalCtx)
			cancel()
			return
		case <-j.kick:
			j.flush(ctx)
		case <-ticker.Chan():
			j.flush(ctx)
		}
	}
}

// flush writes the buffered rows. Failed rows are kept for the next attempt
// until the backlog reaches ten batches, at which point it is dropped.
func (j *Journal) flush(ctx context.Context) {
	j.mu.Lock()
	rows := j.buf
	j.buf = nil
	j.mu.Unlock()

	if len(rows) == 0 {
		return
	}

	if _, err := j.store.InsertBatch(ctx, rows); err != nil {
		j.mu.Lock()
		j.buf = append(rows, j.buf...)
		backlog := len(j.buf)
		if backlog >= j.batchSize*10 {
			j.buf = nil
		}
		j.mu.Unlock()

		if backlog >= j.batchSize*10 {
			j.logger.Error("dropping journal backlog after repeated flush failures",
				zap.Int("dropped_rows", backlog),
				zap.Error(err),
			)
		} else {
			j.logger.Warn("journal flush failed", zap.Int("rows", len(rows)), zap.Error(err))
		}
		return
	}

	j.logger.Debug("journal batch flushed", zap.Int("rows", len(rows)))
}

func (j *Journal) buffered() int {
	j.mu.Lock()
	defer j.mu.Unlock()
	return len(j.buf)
}
