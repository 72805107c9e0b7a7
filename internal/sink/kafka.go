package sink

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/route-beacon/bgp-update-gen/internal/update"
)

const kafkaPeer = "kafka"

// Producer is the part of the Kafka producer the sink uses.
type Producer interface {
	Ping(ctx context.Context) error
	Produce(ctx context.Context, key, value []byte, headers map[string]string) error
	Close()
}

// Kafka publishes each update as a normalized JSON record keyed by its first
// prefix, so updates for a prefix stay on one partition.
type Kafka struct {
	producer Producer
	runID    string
	peers    []string
	logger   *zap.Logger
}

func NewKafka(producer Producer, runID string, peers []string, logger *zap.Logger) *Kafka {
	if len(peers) == 0 {
		peers = []string{kafkaPeer}
	}
	return &Kafka{producer: producer, runID: runID, peers: peers, logger: logger}
}

func (k *Kafka) Start(ctx context.Context) error {
	if err := k.producer.Ping(ctx); err != nil {
		return fmt.Errorf("kafka: %w", err)
	}
	return nil
}

func (k *Kafka) Stop() error {
	k.producer.Close()
	return nil
}

// ConnectedPeers returns the configured peers while a broker is reachable.
func (k *Kafka) ConnectedPeers(ctx context.Context) ([]string, error) {
	if err := k.producer.Ping(ctx); err != nil {
		return nil, fmt.Errorf("kafka: %w", err)
	}
	return k.peers, nil
}

func (k *Kafka) SendUpdate(ctx context.Context, peers []string, u *update.Update) error {
	value, err := json.Marshal(u)
	if err != nil {
		return fmt.Errorf("kafka: encoding update: %w", err)
	}
	headers := map[string]string{
		"run_id": k.runID,
		"peers":  strings.Join(selectPeers(k.peers, peers), ","),
	}
	return k.producer.Produce(ctx, updateKey(u), value, headers)
}

func updateKey(u *update.Update) []byte {
	switch {
	case len(u.NLRI) > 0:
		return []byte(u.NLRI[0].String())
	case len(u.Withdraw) > 0:
		return []byte(u.Withdraw[0].String())
	}
	return nil
}
