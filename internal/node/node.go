// Package node wires the vault engine, storage, RPC and metrics into a
// service that can be embedded in any binary.
package node

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/Klingon-tech/klingvault/config"
	"github.com/Klingon-tech/klingvault/internal/dispatch"
	"github.com/Klingon-tech/klingvault/internal/engine"
	"github.com/Klingon-tech/klingvault/internal/keys"
	klog "github.com/Klingon-tech/klingvault/internal/log"
	"github.com/Klingon-tech/klingvault/internal/metrics"
	"github.com/Klingon-tech/klingvault/internal/rpc"
	"github.com/Klingon-tech/klingvault/internal/storage"
)

// PruneInterval is how often expired drafts and challenges are dropped.
const PruneInterval = time.Minute

// storagePrefix namespaces engine keys within the database.
var storagePrefix = []byte("vault/")

// Node is a fully-initialized vault service.
type Node struct {
	cfg    *config.Config
	logger zerolog.Logger

	// Core
	db         storage.Store
	engine     *engine.Engine
	dispatcher *dispatch.Dispatcher
	metrics    *metrics.Metrics

	// Servers
	rpcServer     *rpc.Server
	metricsServer *http.Server
	metricsLn     net.Listener

	// Lifecycle
	ctx      context.Context
	cancel   context.CancelFunc
	group    *errgroup.Group
	stopOnce sync.Once
}

// Option adjusts node construction.
type Option func(*options)

type options struct {
	skipLogInit bool
	now         func() time.Time
}

// WithoutLogInit keeps the process logger as already configured.
func WithoutLogInit() Option {
	return func(o *options) { o.skipLogInit = true }
}

// WithClock injects the engine clock.
func WithClock(now func() time.Time) Option {
	return func(o *options) { o.now = now }
}

// New creates and initializes a Node. It opens storage, builds the engine,
// restores the last snapshot and binds the servers' configuration, but
// does NOT listen or start background loops. Call Start() for that.
func New(cfg *config.Config, opts ...Option) (*Node, error) {
	var o options
	for _, fn := range opts {
		fn(&o)
	}

	// ── 1. Init logger ──────────────────────────────────────────────
	if !o.skipLogInit {
		logFile := expandHome(cfg.Log.File)
		if logFile == "" {
			logsDir := cfg.LogsDir()
			if err := os.MkdirAll(logsDir, 0700); err != nil {
				return nil, fmt.Errorf("creating logs dir: %w", err)
			}
			logFile = filepath.Join(logsDir, "klingvault.log")
		}
		if err := klog.Init(cfg.Log.Level, cfg.Log.JSON, logFile); err != nil {
			return nil, fmt.Errorf("initializing logger: %w", err)
		}
	}
	logger := klog.WithComponent("node")

	logger.Info().
		Str("network", string(cfg.Network)).
		Str("datadir", cfg.DataDir).
		Msg("Starting Klingvault")

	n := &Node{cfg: cfg, logger: logger}

	// ── 2. Open storage ─────────────────────────────────────────────
	if cfg.Storage.Enabled {
		dir := expandHome(cfg.StorageDir())
		db, err := storage.NewBadger(dir)
		if err != nil {
			return nil, fmt.Errorf("open database at %s: %w", dir, err)
		}
		n.db = db
		logger.Info().Str("path", dir).Msg("Database opened")
	}

	// ── 3. Keystore ─────────────────────────────────────────────────
	var ks *keys.Keystore
	if cfg.Keystore.Enabled {
		dir := expandHome(cfg.KeystoreDir())
		var err error
		ks, err = keys.NewKeystore(dir, keys.DefaultParams())
		if err != nil {
			n.closeDB()
			return nil, fmt.Errorf("open keystore at %s: %w", dir, err)
		}
		logger.Info().Str("path", dir).Msg("Keystore opened")
	}

	// ── 4. Engine ───────────────────────────────────────────────────
	n.metrics = metrics.New()
	eopts, err := engineOptions(cfg, o.now)
	if err != nil {
		n.closeDB()
		return nil, err
	}
	eopts.Keystore = ks
	eopts.Metrics = n.metrics
	if n.db != nil {
		eopts.DB = storage.NewPrefixDB(n.db, storagePrefix)
	}
	eng, err := engine.New(eopts)
	if err != nil {
		n.closeDB()
		return nil, fmt.Errorf("create engine: %w", err)
	}
	n.engine = eng

	// ── 5. Restore state ────────────────────────────────────────────
	restored, err := eng.Restore()
	if err != nil {
		n.closeDB()
		return nil, fmt.Errorf("restore snapshot: %w", err)
	}
	if err := applyOverrides(eng, cfg); err != nil {
		n.closeDB()
		return nil, err
	}
	logger.Info().
		Bool("restored", restored).
		Int("keys", len(eng.Keys().List())).
		Int("accounts", len(eng.Accounts())).
		Bool("lockdown", eng.Policy().Lockdown()).
		Msg("Engine ready")

	// ── 6. Dispatcher and RPC ───────────────────────────────────────
	n.dispatcher = dispatch.New(eng)
	if cfg.RPC.Enabled {
		n.rpcServer = rpc.New(cfg.RPCListenAddr(), n.dispatcher, cfg.RPC)
	}

	// ── 7. Metrics endpoint ─────────────────────────────────────────
	if cfg.Metrics.Enabled {
		mux := http.NewServeMux()
		mux.Handle("/metrics", n.metrics.Handler())
		n.metricsServer = &http.Server{
			Handler:           mux,
			ReadHeaderTimeout: 10 * time.Second,
		}
	}

	return n, nil
}

// Start binds the servers and launches background loops.
func (n *Node) Start() error {
	n.ctx, n.cancel = context.WithCancel(context.Background())
	n.group, n.ctx = errgroup.WithContext(n.ctx)

	if n.rpcServer != nil {
		if err := n.rpcServer.Start(); err != nil {
			n.cancel()
			return err
		}
		n.logger.Info().Str("addr", n.rpcServer.Addr()).Msg("RPC server started")
	}

	if n.metricsServer != nil {
		ln, err := net.Listen("tcp", n.cfg.Metrics.Addr)
		if err != nil {
			n.cancel()
			if n.rpcServer != nil {
				n.rpcServer.Stop()
			}
			return fmt.Errorf("metrics listen: %w", err)
		}
		n.metricsLn = ln
		n.group.Go(func() error {
			if err := n.metricsServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("metrics server: %w", err)
			}
			return nil
		})
		n.logger.Info().Str("addr", ln.Addr().String()).Msg("Metrics server started")
	}

	n.group.Go(func() error {
		n.runPruneLoop(n.ctx, PruneInterval)
		return nil
	})
	if n.db != nil && n.cfg.Storage.SnapshotInterval > 0 {
		n.group.Go(func() error {
			n.runSnapshotLoop(n.ctx, n.cfg.Storage.SnapshotInterval)
			return nil
		})
	}

	n.logger.Info().
		Bool("rpc", n.rpcServer != nil).
		Bool("metrics", n.metricsServer != nil).
		Bool("storage", n.db != nil).
		Msg("Node started successfully")
	return nil
}

// Done is closed when the node's background work stops, either through
// Stop or because a server failed.
func (n *Node) Done() <-chan struct{} {
	if n.ctx == nil {
		return nil
	}
	return n.ctx.Done()
}

// Stop performs graceful shutdown in reverse order. The last snapshot is
// saved before storage closes.
func (n *Node) Stop() {
	n.stopOnce.Do(n.stop)
}

func (n *Node) stop() {
	if n.rpcServer != nil {
		if err := n.rpcServer.Stop(); err != nil {
			n.logger.Warn().Err(err).Msg("RPC shutdown")
		}
	}
	if n.metricsServer != nil && n.metricsLn != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := n.metricsServer.Shutdown(ctx); err != nil {
			n.logger.Warn().Err(err).Msg("Metrics shutdown")
		}
		cancel()
	}
	if n.cancel != nil {
		n.cancel()
	}
	if n.group != nil {
		if err := n.group.Wait(); err != nil {
			n.logger.Error().Err(err).Msg("Background task failed")
		}
	}

	if n.db != nil {
		if err := n.saveSnapshot(); err != nil {
			n.logger.Error().Err(err).Msg("Final snapshot failed")
		}
	}
	n.closeDB()

	n.logger.Info().Msg("Goodbye!")
}

// RPCAddr returns the address the RPC server is listening on.
func (n *Node) RPCAddr() string {
	if n.rpcServer == nil {
		return ""
	}
	return n.rpcServer.Addr()
}

// MetricsAddr returns the address the metrics server is listening on.
func (n *Node) MetricsAddr() string {
	if n.metricsLn == nil {
		return ""
	}
	return n.metricsLn.Addr().String()
}

// Engine returns the vault engine.
func (n *Node) Engine() *engine.Engine { return n.engine }

// Dispatcher returns the operation dispatcher.
func (n *Node) Dispatcher() *dispatch.Dispatcher { return n.dispatcher }

func (n *Node) runPruneLoop(ctx context.Context, every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if dropped := n.engine.PruneDrafts(); dropped > 0 {
				n.logger.Debug().Int("dropped", dropped).Msg("Expired drafts pruned")
			}
			if dropped := n.engine.Challenges().Prune(); dropped > 0 {
				n.logger.Debug().Int("dropped", dropped).Msg("Expired challenges pruned")
			}
		}
	}
}

func (n *Node) runSnapshotLoop(ctx context.Context, every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := n.saveSnapshot(); err != nil {
				n.logger.Error().Err(err).Msg("Periodic snapshot failed")
			}
		}
	}
}

func (n *Node) saveSnapshot() error {
	_, err := n.engine.ExportSnapshot()
	return err
}

func (n *Node) closeDB() {
	if n.db == nil {
		return
	}
	if err := n.db.Close(); err != nil {
		n.logger.Warn().Err(err).Msg("Database close")
	}
	n.db = nil
}
