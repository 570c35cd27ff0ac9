// Command trie-prune inspects and exercises journaled trie node stores.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"
	"time"

	"github.com/alecthomas/kong"
	"github.com/google/uuid"
	"github.com/lmittmann/tint"
	"go.opentelemetry.io/otel"

	trieprune "github.com/wolfeidau/trie-prune"
	"github.com/wolfeidau/trie-prune/journal"
	"github.com/wolfeidau/trie-prune/kv"
	"github.com/wolfeidau/trie-prune/server"
	"github.com/wolfeidau/trie-prune/telemetry"
)

var version = "dev"

// Globals are flags shared by every command.
type Globals struct {
	Store    string           `help:"Node store directory path." default:"./nodes" env:"TRIE_PRUNE_STORE"`
	Backend  string           `help:"Store backend." default:"bolt" enum:"bolt,leveldb,filesystem"`
	LogLevel string           `help:"Log level." default:"info" enum:"debug,info,warn,error"`
	Version  kong.VersionFlag `help:"Print version and exit."`
}

var cli struct {
	Globals

	Stats StatsCmd `cmd:"" help:"Print node store statistics."`
	Keys  KeysCmd  `cmd:"" help:"List stored node keys."`
	Seed  SeedCmd  `cmd:"" help:"Run a synthetic block workload through the pruning layer."`
	Serve ServeCmd `cmd:"" help:"Serve the diagnostics HTTP API over a node store."`
}

func main() {
	ctx := kong.Parse(&cli,
		kong.Name("trie-prune"),
		kong.Description("Journaled, reference-counted pruning for trie node stores."),
		kong.UsageOnError(),
		kong.Vars{"version": version},
	)

	logger := newLogger(cli.LogLevel)
	slog.SetDefault(logger)

	err := ctx.Run(&cli.Globals, logger)
	ctx.FatalIfErrorf(err)
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}

	return slog.New(tint.NewHandler(os.Stderr, &tint.Options{
		Level:   lvl,
		NoColor: os.Getenv("NO_COLOR") != "",
	}))
}

// openStore opens the configured backend wrapped with store telemetry.
func openStore(g *Globals, logger *slog.Logger) (kv.Store, error) {
	var (
		s   kv.Store
		err error
	)
	switch g.Backend {
	case "bolt":
		s, err = kv.NewBolt(filepath.Join(g.Store, "nodes.db"), kv.WithLogger(logger))
	case "leveldb":
		s, err = kv.NewLevelDB(filepath.Join(g.Store, "leveldb"))
	case "filesystem":
		s, err = kv.NewFilesystem(g.Store)
	default:
		return nil, fmt.Errorf("unknown backend: %s", g.Backend)
	}
	if err != nil {
		return nil, fmt.Errorf("opening %s store: %w", g.Backend, err)
	}
	return kv.NewInstrumented(s, g.Backend), nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// StatsCmd prints store-level statistics.
type StatsCmd struct{}

type statsReport struct {
	Backend    string `json:"backend"`
	Path       string `json:"path"`
	StoredKeys int    `json:"stored_keys"`
	Empty      bool   `json:"empty"`
}

func (c *StatsCmd) Run(g *Globals, logger *slog.Logger) error {
	ctx := context.Background()

	store, err := openStore(g, logger)
	if err != nil {
		return err
	}
	defer store.Close()

	keys, err := store.Keys(ctx)
	if err != nil {
		return fmt.Errorf("listing keys: %w", err)
	}
	empty, err := store.IsEmpty(ctx)
	if err != nil {
		return fmt.Errorf("checking emptiness: %w", err)
	}

	return printJSON(statsReport{
		Backend:    g.Backend,
		Path:       g.Store,
		StoredKeys: len(keys),
		Empty:      empty,
	})
}

// KeysCmd lists stored node keys as hex, one per line.
type KeysCmd struct {
	Limit int `help:"Maximum number of keys to print, 0 for all." default:"0"`
}

func (c *KeysCmd) Run(g *Globals, logger *slog.Logger) error {
	ctx := context.Background()

	store, err := openStore(g, logger)
	if err != nil {
		return err
	}
	defer store.Close()

	keys, err := store.Keys(ctx)
	if err != nil {
		return fmt.Errorf("listing keys: %w", err)
	}

	for i, k := range keys {
		if c.Limit > 0 && i >= c.Limit {
			break
		}
		fmt.Println(k.Hex())
	}
	return nil
}

// SeedCmd drives a synthetic chain through the pruning layer: every block
// writes fresh nodes, deletes some of the oldest live ones and is sealed;
// blocks behind the retain window are pruned as canonical.
type SeedCmd struct {
	Blocks    uint64 `help:"Number of blocks to simulate." default:"64"`
	NodesPer  int    `help:"Nodes written per block." default:"32"`
	DeletePer int    `help:"Deferred deletes per block." default:"8"`
	Retain    uint64 `help:"Blocks to retain before pruning." default:"16"`
}

type seedReport struct {
	Run          string `json:"run"`
	Backend      string `json:"backend"`
	Blocks       uint64 `json:"blocks"`
	KeysWritten  int    `json:"keys_written"`
	KeysDeleted  int    `json:"keys_deleted"`
	BlocksPruned int    `json:"blocks_pruned"`
	OpenBlocks   int    `json:"open_blocks"`
	TrackedKeys  int    `json:"tracked_keys"`
	StoredKeys   int    `json:"stored_keys"`
	Duration     string `json:"duration"`
}

func (c *SeedCmd) Run(g *Globals, logger *slog.Logger) error {
	ctx := context.Background()
	start := time.Now()

	backing, err := openStore(g, logger)
	if err != nil {
		return err
	}
	store := journal.New(backing, journal.WithLogger(logger))
	defer store.Close()

	runID := uuid.NewString()
	logger.Info("seeding store", "run", runID, "backend", g.Backend,
		"blocks", c.Blocks, "nodes_per_block", c.NodesPer, "retain", c.Retain)

	report := seedReport{Run: runID, Backend: g.Backend, Blocks: c.Blocks}
	canonical := make([]trieprune.Hash, 0, c.Blocks)
	var live []trieprune.Key

	for n := uint64(1); n <= c.Blocks; n++ {
		for i := 0; i < c.NodesPer; i++ {
			payload := []byte(runID + "/" + strconv.FormatUint(n, 10) + "/" + strconv.Itoa(i))
			key := trieprune.HashBytes(payload).Key()
			if err := store.Put(ctx, key, payload); err != nil {
				return fmt.Errorf("writing node at block %d: %w", n, err)
			}
			live = append(live, key)
			report.KeysWritten++
		}

		for i := 0; i < c.DeletePer && len(live) > c.NodesPer; i++ {
			key := live[0]
			live = live[1:]
			if err := store.Delete(ctx, key); err != nil {
				return fmt.Errorf("deleting node at block %d: %w", n, err)
			}
			report.KeysDeleted++
		}

		block := trieprune.HashBytes([]byte(runID + "/block/" + strconv.FormatUint(n, 10)))
		store.StoreBlockChanges(block, n)
		canonical = append(canonical, block)

		if n > c.Retain {
			settled := n - c.Retain
			if err := store.Prune(ctx, canonical[settled-1], settled); err != nil {
				return fmt.Errorf("pruning block %d: %w", settled, err)
			}
			report.BlocksPruned++
		}
	}

	keys, err := store.Keys(ctx)
	if err != nil {
		return fmt.Errorf("listing keys: %w", err)
	}

	report.OpenBlocks = store.OpenBlocks()
	report.TrackedKeys = len(store.RefCounts())
	report.StoredKeys = len(keys)
	report.Duration = time.Since(start).String()

	return printJSON(report)
}

// ServeCmd runs the diagnostics HTTP server over a node store.
type ServeCmd struct {
	Address      string `help:"Address to listen on." default:":8080"`
	AuthToken    string `help:"Bearer token for protected endpoints." env:"TRIE_PRUNE_AUTH_TOKEN"`
	Prometheus   bool   `help:"Expose Prometheus metrics on /metrics." default:"true" negatable:""`
	OTLPEndpoint string `help:"OTLP gRPC endpoint for metrics export." env:"TRIE_PRUNE_OTLP_ENDPOINT"`
}

func (c *ServeCmd) Run(g *Globals, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownMetrics, err := telemetry.InitMetrics(ctx, telemetry.MetricsConfig{
		ServiceName:      "trie-prune",
		ServiceVersion:   version,
		OTLPEndpoint:     c.OTLPEndpoint,
		EnablePrometheus: c.Prometheus,
	})
	if err != nil {
		return fmt.Errorf("initialising metrics: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownMetrics(shutdownCtx); err != nil {
			logger.Error("shutting down metrics", "error", err)
		}
	}()

	backing, err := openStore(g, logger)
	if err != nil {
		return err
	}
	store := journal.New(backing,
		journal.WithLogger(logger),
		journal.WithMetrics(otel.Meter("github.com/wolfeidau/trie-prune")),
	)
	defer store.Close()

	srv := server.New(store, nil, server.Config{
		Address:   c.Address,
		AuthToken: c.AuthToken,
		Logger:    logger,
	})

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start()
	}()

	logger.Info("diagnostics server started", "address", srv.Address(), "backend", g.Backend)

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}
