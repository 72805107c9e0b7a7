package db

import (
	"context"
	"fmt"
	"regexp"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"
)

const (
	journalTable            = "update_journal"
	journalDefaultPartition = "update_journal_default"
)

var validPartitionName = regexp.MustCompile(`^update_journal_\d{8}$`)

// PartitionManager keeps daily update_journal partitions and enforces
// retention.
type PartitionManager struct {
	pool          *pgxpool.Pool
	retentionDays int
	logger        *zap.Logger
	now           func() time.Time
}

func NewPartitionManager(pool *pgxpool.Pool, retentionDays int, logger *zap.Logger) *PartitionManager {
	return &PartitionManager{
		pool:          pool,
		retentionDays: retentionDays,
		logger:        logger,
		now:           time.Now,
	}
}

// Run ensures today's and tomorrow's partitions exist and drops expired ones.
func (pm *PartitionManager) Run(ctx context.Context) error {
	if err := pm.CreatePartitions(ctx); err != nil {
		return fmt.Errorf("creating partitions: %w", err)
	}
	if err := pm.DropOldPartitions(ctx); err != nil {
		return fmt.Errorf("dropping old partitions: %w", err)
	}
	return nil
}

// CreatePartitions creates UTC daily partitions for today and tomorrow.
func (pm *PartitionManager) CreatePartitions(ctx context.Context) error {
	today := utcDay(pm.now())
	tomorrow := today.AddDate(0, 0, 1)

	if err := pm.createPartition(ctx, today, tomorrow); err != nil {
		return err
	}
	return pm.createPartition(ctx, tomorrow, tomorrow.AddDate(0, 0, 1))
}

func (pm *PartitionManager) createPartition(ctx context.Context, from, to time.Time) error {
	name := partitionName(from)
	safeName := pgx.Identifier{name}.Sanitize()

	createSQL := fmt.Sprintf(
		`CREATE TABLE IF NOT EXISTS %s PARTITION OF %s FOR VALUES FROM ('%s') TO ('%s')`,
		safeName, journalTable,
		from.Format("2006-01-02 15:04:05+00"), to.Format("2006-01-02 15:04:05+00"),
	)
	if _, err := pm.pool.Exec(ctx, createSQL); err != nil {
		return fmt.Errorf("creating partition %s: %w", name, err)
	}
	pm.logger.Info("partition ensured", zap.String("partition", name))
	return nil
}

// DropOldPartitions drops daily partitions that ended before the retention
// cutoff.
func (pm *PartitionManager) DropOldPartitions(ctx context.Context) error {
	rows, err := pm.pool.Query(ctx,
		`SELECT inhrelid::regclass::text FROM pg_inherits WHERE inhparent = $1::regclass`, journalTable)
	if err != nil {
		return fmt.Errorf("listing partitions: %w", err)
	}
	partitions, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return fmt.Errorf("scanning partition names: %w", err)
	}

	cutoff := utcDay(pm.now()).AddDate(0, 0, -pm.retentionDays)
	for _, name := range expiredPartitions(partitions, cutoff, pm.logger) {
		dropSQL := fmt.Sprintf("DROP TABLE IF EXISTS %s", pgx.Identifier{name}.Sanitize())
		if _, err := pm.pool.Exec(ctx, dropSQL); err != nil {
			return fmt.Errorf("dropping partition %s: %w", name, err)
		}
		pm.logger.Info("dropped old partition", zap.String("partition", name), zap.Time("cutoff", cutoff))
	}
	return nil
}

// expiredPartitions returns the daily partitions dated before cutoff. The
// default partition and unexpected names are never returned.
func expiredPartitions(names []string, cutoff time.Time, logger *zap.Logger) []string {
	var out []string
	for _, name := range names {
		if name == journalDefaultPartition {
			continue
		}
		if !validPartitionName.MatchString(name) {
			logger.Warn("skipping partition with unexpected name", zap.String("partition", name))
			continue
		}
		day, err := time.Parse("20060102", name[len(name)-8:])
		if err != nil {
			logger.Warn("cannot parse partition date", zap.String("partition", name))
			continue
		}
		if day.Before(cutoff) {
			out = append(out, name)
		}
	}
	return out
}

func partitionName(day time.Time) string {
	return journalTable + "_" + day.Format("20060102")
}

func utcDay(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}
