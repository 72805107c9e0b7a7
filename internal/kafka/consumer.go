package kafka

import (
	"context"
	"sync/atomic"

	"github.com/twmb/franz-go/pkg/kgo"
	"go.uber.org/zap"

	"github.com/route-beacon/bgp-update-gen/internal/config"
)

// Consumer reads raw BMP frames for the live source. Offsets are committed
// once the records of a fetch have been handed out.
type Consumer struct {
	client *kgo.Client
	logger *zap.Logger
	joined atomic.Bool
}

func NewConsumer(cfg *config.KafkaConfig, logger *zap.Logger) (*Consumer, error) {
	c := &Consumer{logger: logger}

	opts, err := baseOpts(cfg)
	if err != nil {
		return nil, err
	}
	opts = append(opts,
		kgo.ConsumerGroup(cfg.Live.GroupID),
		kgo.ConsumeTopics(cfg.Live.Topics...),
		kgo.FetchMaxBytes(cfg.FetchMaxBytes),
		kgo.DisableAutoCommit(),
		kgo.OnPartitionsAssigned(func(_ context.Context, _ *kgo.Client, _ map[string][]int32) {
			c.joined.Store(true)
			logger.Info("live consumer: partitions assigned")
		}),
		kgo.OnPartitionsRevoked(func(_ context.Context, _ *kgo.Client, _ map[string][]int32) {
			c.joined.Store(false)
			logger.Info("live consumer: partitions revoked")
		}),
	)

	client, err := kgo.NewClient(opts...)
	if err != nil {
		return nil, err
	}

	c.client = client
	return c, nil
}

// Poll blocks until at least one record is available or ctx is done. Fetch
// errors are logged and polling continues.
func (c *Consumer) Poll(ctx context.Context) ([]*kgo.Record, error) {
	for {
		fetches := c.client.PollFetches(ctx)
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if fetches.IsClientClosed() {
			return nil, kgo.ErrClientClosed
		}

		if errs := fetches.Errors(); len(errs) > 0 {
			for _, e := range errs {
				c.logger.Error("live consumer: fetch error",
					zap.String("topic", e.Topic),
					zap.Int32("partition", e.Partition),
					zap.Error(e.Err),
				)
			}
		}

		var batch []*kgo.Record
		fetches.EachRecord(func(r *kgo.Record) {
			batch = append(batch, r)
		})
		if len(batch) > 0 {
			return batch, nil
		}
	}
}

// Commit marks records as processed and commits their offsets.
func (c *Consumer) Commit(ctx context.Context, recs []*kgo.Record) {
	c.client.MarkCommitRecords(recs...)
	if err := c.client.CommitMarkedOffsets(ctx); err != nil {
		c.logger.Error("live consumer: commit offsets failed", zap.Error(err))
	}
}

func (c *Consumer) IsJoined() bool {
	return c.joined.Load()
}

func (c *Consumer) Close() {
	c.client.Close()
}
