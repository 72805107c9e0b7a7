package sink

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"github.com/route-beacon/bgp-update-gen/internal/db"
	"github.com/route-beacon/bgp-update-gen/internal/update"
)

type fakeJournalStore struct {
	mu       sync.Mutex
	failNext bool
	closed   bool
	calls    chan []*db.JournalRow
}

func newFakeJournalStore() *fakeJournalStore {
	return &fakeJournalStore{calls: make(chan []*db.JournalRow, 16)}
}

func (s *fakeJournalStore) Ping(ctx context.Context) error { return nil }

func (s *fakeJournalStore) Close() {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
}

func (s *fakeJournalStore) InsertBatch(ctx context.Context, rows []*db.JournalRow) (int64, error) {
	s.mu.Lock()
	fail := s.failNext
	s.failNext = false
	s.mu.Unlock()

	s.calls <- append([]*db.JournalRow(nil), rows...)
	if fail {
		return 0, errors.New("connection reset")
	}
	return int64(len(rows)), nil
}

func waitBatch(t *testing.T, s *fakeJournalStore) []*db.JournalRow {
	t.Helper()
	select {
	case rows := <-s.calls:
		return rows
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for journal flush")
		return nil
	}
}

func startJournal(t *testing.T, store *fakeJournalStore, batchSize int, clock clockwork.Clock) *Journal {
	t.Helper()
	j := newJournal(store, "run-1", []string{"192.0.2.1"}, batchSize, time.Second, clock, zap.NewNop())
	if err := j.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	return j
}

func TestJournal_FlushesFullBatch(t *testing.T) {
	store := newFakeJournalStore()
	j := startJournal(t, store, 2, clockwork.NewFakeClock())
	defer j.Stop()

	j.SendUpdate(context.Background(), nil, announceUpdate())
	j.SendUpdate(context.Background(), nil, withdrawUpdate())

	rows := waitBatch(t, store)
	if len(rows) != 2 {
		t.Fatalf("expected batch of 2, got %d", len(rows))
	}
	if rows[0].Seq != 1 || rows[1].Seq != 2 {
		t.Errorf("expected sequence 1,2 got %d,%d", rows[0].Seq, rows[1].Seq)
	}
	if rows[0].RunID != "run-1" || len(rows[0].Peers) != 1 || rows[0].Peers[0] != "192.0.2.1" {
		t.Errorf("unexpected row metadata %+v", rows[0])
	}
	if len(rows[0].NLRI) != 2 || rows[0].NLRI[0] != "10.0.0.0/24" || len(rows[1].Withdraw) != 1 {
		t.Errorf("unexpected prefixes nlri=%v withdraw=%v", rows[0].NLRI, rows[1].Withdraw)
	}
	var body update.Update
	if err := json.Unmarshal(rows[1].Update, &body); err != nil || len(body.Withdraw) != 1 {
		t.Errorf("row body is not the update: %v", err)
	}
}

func TestJournal_FlushesOnInterval(t *testing.T) {
	store := newFakeJournalStore()
	clock := clockwork.NewFakeClock()
	j := startJournal(t, store, 100, clock)
	defer j.Stop()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := clock.BlockUntilContext(ctx, 1); err != nil {
		t.Fatalf("flusher ticker not started: %v", err)
	}

	j.SendUpdate(context.Background(), nil, announceUpdate())
	clock.Advance(time.Second)

	if rows := waitBatch(t, store); len(rows) != 1 {
		t.Fatalf("expected interval flush of 1 row, got %d", len(rows))
	}
}

func TestJournal_RetriesFailedBatch(t *testing.T) {
	store := newFakeJournalStore()
	store.failNext = true
	clock := clockwork.NewFakeClock()
	j := startJournal(t, store, 2, clock)
	defer j.Stop()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := clock.BlockUntilContext(ctx, 1); err != nil {
		t.Fatalf("flusher ticker not started: %v", err)
	}

	j.SendUpdate(context.Background(), nil, announceUpdate())
	j.SendUpdate(context.Background(), nil, withdrawUpdate())

	if rows := waitBatch(t, store); len(rows) != 2 {
		t.Fatalf("expected failed attempt with 2 rows, got %d", len(rows))
	}

	clock.Advance(time.Second)
	rows := waitBatch(t, store)
	if len(rows) != 2 || rows[0].Seq != 1 {
		t.Fatalf("expected the 2 failed rows to be retried in order, got %d", len(rows))
	}
}

func TestJournal_StopFlushesAndCloses(t *testing.T) {
	store := newFakeJournalStore()
	j := startJournal(t, store, 100, clockwork.NewFakeClock())

	j.SendUpdate(context.Background(), nil, announceUpdate())
	if err := j.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}

	if rows := waitBatch(t, store); len(rows) != 1 {
		t.Fatalf("expected final flush of 1 row, got %d", len(rows))
	}
	if j.buffered() != 0 {
		t.Errorf("expected empty buffer after stop, got %d", j.buffered())
	}
	store.mu.Lock()
	defer store.mu.Unlock()
	if !store.closed {
		t.Error("expected store to be closed")
	}
}
