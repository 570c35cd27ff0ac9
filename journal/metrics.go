package journal

import (
	"go.opentelemetry.io/otel/metric"
)

// Metrics holds journal-related OpenTelemetry metric instruments.
type Metrics struct {
	blocksSealed     metric.Int64Counter
	blocksPruned     metric.Int64Counter
	blocksRolledBack metric.Int64Counter
	keysPurged       metric.Int64Counter
	pruneDuration    metric.Float64Histogram
	openBlocks       metric.Int64Gauge
}

// NewMetrics creates a new Metrics instance with the given meter.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	blocksSealed, err := meter.Int64Counter(
		"trie_prune_journal_blocks_sealed_total",
		metric.WithDescription("Total number of block updates sealed into the journal"),
	)
	if err != nil {
		return nil, err
	}

	blocksPruned, err := meter.Int64Counter(
		"trie_prune_journal_blocks_pruned_total",
		metric.WithDescription("Total number of blocks committed by prune"),
	)
	if err != nil {
		return nil, err
	}

	blocksRolledBack, err := meter.Int64Counter(
		"trie_prune_journal_blocks_rolled_back_total",
		metric.WithDescription("Total number of journaled blocks rolled back"),
	)
	if err != nil {
		return nil, err
	}

	keysPurged, err := meter.Int64Counter(
		"trie_prune_journal_keys_purged_total",
		metric.WithDescription("Total number of keys physically removed from the backing store"),
	)
	if err != nil {
		return nil, err
	}

	pruneDuration, err := meter.Float64Histogram(
		"trie_prune_journal_prune_duration_seconds",
		metric.WithDescription("Duration of prune operations in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.0001, 0.001, 0.01, 0.1, 0.5, 1, 5),
	)
	if err != nil {
		return nil, err
	}

	openBlocks, err := meter.Int64Gauge(
		"trie_prune_journal_open_blocks",
		metric.WithDescription("Number of sealed block updates awaiting prune or rollback"),
	)
	if err != nil {
		return nil, err
	}

	return &Metrics{
		blocksSealed:     blocksSealed,
		blocksPruned:     blocksPruned,
		blocksRolledBack: blocksRolledBack,
		keysPurged:       keysPurged,
		pruneDuration:    pruneDuration,
		openBlocks:       openBlocks,
	}, nil
}
