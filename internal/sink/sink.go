// Package sink delivers normalized updates to a BGP speaker or a recording
// backend.
package sink

import (
	"context"
	"errors"
	"fmt"
	"net/netip"
	"os"
	"time"

	"go.uber.org/zap"

	"github.com/route-beacon/bgp-update-gen/internal/config"
	"github.com/route-beacon/bgp-update-gen/internal/db"
	"github.com/route-beacon/bgp-update-gen/internal/kafka"
	"github.com/route-beacon/bgp-update-gen/internal/update"
)

var ErrUnknownSink = errors.New("sink: unknown sink type")

// Sink is the destination of a generation session.
type Sink interface {
	Start(ctx context.Context) error
	Stop() error
	// ConnectedPeers returns the peers updates can currently be sent to.
	ConnectedPeers(ctx context.Context) ([]string, error)
	// SendUpdate delivers u to each of peers. An empty peers slice means
	// every peer the sink knows about.
	SendUpdate(ctx context.Context, peers []string, u *update.Update) error
}

// Connected reports whether s has at least one connected peer.
func Connected(ctx context.Context, s Sink) bool {
	peers, err := s.ConnectedPeers(ctx)
	return err == nil && len(peers) > 0
}

// New builds the sink selected by cfg.Sink.Type. The sink is not started.
func New(ctx context.Context, cfg *config.Config, runID string, logger *zap.Logger) (Sink, error) {
	peers := peerAddrs(cfg.ParsedPeers())

	switch cfg.Sink.Type {
	case config.SinkConsole:
		return NewConsole(os.Stdout, peers), nil

	case config.SinkExaBGP:
		return NewExaBGP(cfg.Sink.ExaBGP.Socket, peers, logger.Named("exabgp")), nil

	case config.SinkYaBGP:
		timeout := time.Duration(cfg.Sink.YaBGP.TimeoutMs) * time.Millisecond
		return NewYaBGP(cfg.Sink.YaBGP, timeout, logger.Named("yabgp")), nil

	case config.SinkGoBGP:
		routerID := cfg.Sink.GoBGP.RouterID
		if routerID == "" {
			routerID = cfg.Generator.LocalIP
		}
		return NewGoBGP(GoBGPOptions{
			LocalAS:    cfg.Generator.LocalAS,
			RouterID:   routerID,
			ListenPort: cfg.Sink.GoBGP.ListenPort,
			Peers:      cfg.ParsedPeers(),
		}, logger.Named("gobgp")), nil

	case config.SinkKafka:
		producer, err := kafka.NewProducer(&cfg.Kafka, cfg.Sink.Kafka.Topic, logger.Named("kafka-producer"))
		if err != nil {
			return nil, fmt.Errorf("creating kafka producer: %w", err)
		}
		return NewKafka(producer, runID, peers, logger.Named("kafka")), nil

	case config.SinkJournal:
		pool, err := db.NewPool(ctx, cfg.Postgres.DSN, cfg.Postgres.MaxConns, cfg.Postgres.MinConns)
		if err != nil {
			return nil, fmt.Errorf("connecting to postgres: %w", err)
		}
		// Rows land in the default partition when the daily one is missing.
		pm := db.NewPartitionManager(pool, cfg.Retention.Days, logger.Named("partitions"))
		if err := pm.CreatePartitions(ctx); err != nil {
			logger.Warn("failed to ensure journal partitions", zap.Error(err))
		}
		flush := time.Duration(cfg.Sink.Journal.FlushIntervalMs) * time.Millisecond
		return NewJournal(db.NewJournalStore(pool), runID, peers, cfg.Sink.Journal.BatchSize, flush, logger.Named("journal")), nil
	}

	return nil, fmt.Errorf("%w %q", ErrUnknownSink, cfg.Sink.Type)
}

func peerAddrs(peers []config.Peer) []string {
	out := make([]string, 0, len(peers))
	for _, p := range peers {
		out = append(out, p.Addr.String())
	}
	return out
}

// selectPeers returns requested, or every known peer when nothing was
// requested.
func selectPeers(known, requested []string) []string {
	if len(requested) == 0 {
		return known
	}
	return requested
}

func prefixStrings(ps []netip.Prefix) []string {
	out := make([]string, 0, len(ps))
	for _, p := range ps {
		out = append(out, p.String())
	}
	return out
}
