// Package retention drives periodic pruning of the block journal.
//
// The journal layer never decides which block at a height is canonical;
// that answer comes from an external Resolver. The manager walks settled
// heights oldest-first, commits the canonical block at each and lets the
// journal discard the losing forks.
package retention

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	trieprune "github.com/wolfeidau/trie-prune"
	"github.com/wolfeidau/trie-prune/journal"
	"github.com/wolfeidau/trie-prune/telemetry"
)

// Resolver answers which block is canonical at a height. Implementations
// typically consult the node's block index.
type Resolver interface {
	CanonicalAt(ctx context.Context, number uint64) (trieprune.Hash, error)
}

// Config configures the retention manager.
type Config struct {
	Interval     time.Duration // How often to run (default: 30s)
	StartupDelay time.Duration // Delay before first run (default: 5s)
	RetainBlocks uint64        // Journaled heights to keep behind the tip (default: 128)
}

// DefaultConfig returns the default retention configuration.
func DefaultConfig() Config {
	return Config{
		Interval:     30 * time.Second,
		StartupDelay: 5 * time.Second,
		RetainBlocks: 128,
	}
}

// Result contains the results of one retention cycle.
type Result struct {
	StartedAt      time.Time     `json:"started_at"`
	Duration       time.Duration `json:"duration"`
	TipNumber      uint64        `json:"tip_number"`
	HeightsSettled int           `json:"heights_settled"`
	BlocksPruned   int           `json:"blocks_pruned"`
	ForksDiscarded int           `json:"forks_discarded"`
	Errors         []string      `json:"errors,omitempty"`
}

// Manager runs retention cycles against a journal on an interval.
type Manager struct {
	store    *journal.Store
	resolver Resolver
	config   Config
	logger   *slog.Logger

	stopCh  chan struct{}
	doneCh  chan struct{}
	mu      sync.Mutex
	running bool
	lastRun *Result
}

// ManagerOption configures a Manager.
type ManagerOption func(*Manager)

// WithLogger sets the logger for the manager.
func WithLogger(logger *slog.Logger) ManagerOption {
	return func(m *Manager) {
		m.logger = logger
	}
}

// New creates a retention manager over the journal.
func New(store *journal.Store, resolver Resolver, config Config, opts ...ManagerOption) *Manager {
	m := &Manager{
		store:    store,
		resolver: resolver,
		config:   config,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Start starts the background retention goroutine.
func (m *Manager) Start(ctx context.Context) {
	m.mu.Lock()
	if m.running {
		m.mu.Unlock()
		return
	}
	m.running = true
	m.stopCh = make(chan struct{})
	m.doneCh = make(chan struct{})
	m.mu.Unlock()

	go m.run(ctx)
}

// Stop gracefully stops the retention manager.
func (m *Manager) Stop(ctx context.Context) error {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return nil
	}
	m.mu.Unlock()

	close(m.stopCh)

	select {
	case <-m.doneCh:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// RunNow triggers an immediate retention cycle.
func (m *Manager) RunNow(ctx context.Context) (*Result, error) {
	result := m.runCycle(ctx)
	return result, nil
}

// Status returns the last cycle result.
func (m *Manager) Status() *Result {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastRun
}

func (m *Manager) run(ctx context.Context) {
	defer close(m.doneCh)

	m.logger.Info("retention manager starting",
		"interval", m.config.Interval,
		"startup_delay", m.config.StartupDelay,
		"retain_blocks", m.config.RetainBlocks,
	)

	select {
	case <-time.After(m.config.StartupDelay):
	case <-m.stopCh:
		m.logger.Info("retention manager stopped during startup delay")
		m.setRunning(false)
		return
	case <-ctx.Done():
		m.logger.Info("retention manager context cancelled during startup delay")
		m.setRunning(false)
		return
	}

	m.runCycle(ctx)

	ticker := time.NewTicker(m.config.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			m.runCycle(ctx)
		case <-m.stopCh:
			m.logger.Info("retention manager stopped")
			m.setRunning(false)
			return
		case <-ctx.Done():
			m.logger.Info("retention manager context cancelled")
			m.setRunning(false)
			return
		}
	}
}

func (m *Manager) setRunning(running bool) {
	m.mu.Lock()
	m.running = running
	m.mu.Unlock()
}

func (m *Manager) runCycle(ctx context.Context) *Result {
	result := &Result{
		StartedAt: time.Now(),
	}

	byHeight, tip := m.journaledHeights()
	result.TipNumber = tip

	// Heights are settled oldest-first; an error ends the cycle so no
	// height is ever settled ahead of one below it.
	for _, number := range settledHeights(byHeight, tip, m.config.RetainBlocks) {
		if err := m.settleHeight(ctx, result, number, byHeight[number]); err != nil {
			result.Errors = append(result.Errors, err.Error())
			break
		}
		result.HeightsSettled++
	}

	result.Duration = time.Since(result.StartedAt)

	m.mu.Lock()
	m.lastRun = result
	m.mu.Unlock()

	telemetry.RecordRetentionCycle(ctx, result.BlocksPruned, result.Duration)

	m.logger.Info("retention cycle completed",
		"duration", result.Duration,
		"tip_number", result.TipNumber,
		"heights_settled", result.HeightsSettled,
		"blocks_pruned", result.BlocksPruned,
		"forks_discarded", result.ForksDiscarded,
		"errors", len(result.Errors),
	)

	return result
}

// journaledHeights groups the journaled block hashes by height, in seal
// order, and returns the highest sealed height.
func (m *Manager) journaledHeights() (map[uint64][]trieprune.Hash, uint64) {
	byHeight := make(map[uint64][]trieprune.Hash)
	var tip uint64
	for _, u := range m.store.BlockUpdates() {
		byHeight[u.Number] = append(byHeight[u.Number], u.Block)
		if u.Number > tip {
			tip = u.Number
		}
	}
	return byHeight, tip
}

// settledHeights returns the journaled heights at least retain below the
// tip, ascending.
func settledHeights(byHeight map[uint64][]trieprune.Hash, tip, retain uint64) []uint64 {
	if tip < retain {
		return nil
	}
	threshold := tip - retain

	var heights []uint64
	for number := range byHeight {
		if number <= threshold {
			heights = append(heights, number)
		}
	}
	sort.Slice(heights, func(i, j int) bool { return heights[i] < heights[j] })
	return heights
}

// settleHeight commits the canonical block at number. When the canonical
// block was never journaled, every journaled contender at the height is a
// stale fork and is rolled back instead.
func (m *Manager) settleHeight(ctx context.Context, result *Result, number uint64, journaled []trieprune.Hash) error {
	canonical, err := m.resolver.CanonicalAt(ctx, number)
	if err != nil {
		return fmt.Errorf("resolving height %d: %w", number, err)
	}

	for _, h := range journaled {
		if h == canonical {
			if err := m.store.Prune(ctx, canonical, number); err != nil {
				return fmt.Errorf("pruning block %s at height %d: %w", canonical.ShortString(), number, err)
			}
			result.BlocksPruned++
			return nil
		}
	}

	for _, h := range journaled {
		if err := m.store.Rollback(ctx, h); err != nil {
			return fmt.Errorf("discarding fork %s at height %d: %w", h.ShortString(), number, err)
		}
		result.ForksDiscarded++
	}
	return nil
}
