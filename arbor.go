// Package arbor implements an embedded hierarchical versioned content
// repository: a tree of typed nodes and properties with transactional
// sessions, per-item version histories and label-based restore.
package arbor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/arbor-db/arbor/internal/backup"
	"github.com/arbor-db/arbor/internal/keyValStore"
	"github.com/arbor-db/arbor/internal/persistence"
	"github.com/arbor-db/arbor/pkg/interfaces"
	"github.com/arbor-db/arbor/pkg/observer"
	"github.com/arbor-db/arbor/pkg/session"
	"github.com/arbor-db/arbor/pkg/state"
	"github.com/arbor-db/arbor/pkg/types"
	"github.com/arbor-db/arbor/pkg/version"
)

var (
	ErrNotStarted = errors.New("arbor: repository not started")
	ErrClosed     = errors.New("arbor: repository closed")
)

// metaRootKey stores the root node identifier across restarts.
var metaRootKey = []byte("m:root")

// Config configures a repository instance. Only Paths[0] is used at the
// moment; future versions may use multiple paths for tiering.
type Config struct {
	// Paths contains data directories. Currently only Paths[0] is used.
	Paths []string
	// MinimumFreeGB is a free-space threshold for on-disk operations.
	MinimumFreeGB uint
	// GCInterval is the badger value-log garbage collection interval.
	// Zero disables the GC loop.
	GCInterval time.Duration
	// Gate is the access-control collaborator consulted before mutating
	// operations. Nil permits everything.
	Gate interfaces.AccessGate
	// Logger is an optional structured logger. If nil, a stderr logger
	// is used.
	Logger *slog.Logger
}

// Repository is the main handle. It owns the key-value store, the shared
// item-state layer, the version store and the lifecycle of background
// components.
type Repository struct {
	log    *slog.Logger
	config Config

	kv       *keyValStore.KeyValStore
	store    *persistence.Store
	shared   *state.SharedManager
	versions *version.Store
	bus      *observer.Bus
	backups  *backup.Manager
	rootID   types.NodeID

	started   atomic.Bool
	closed    atomic.Bool
	startOnce sync.Once
	closeOnce sync.Once
	gcStop    chan struct{}
	wg        sync.WaitGroup
}

// defaultLogger returns a logger that writes text logs to stderr at Info
// level. Applications can inject their own slog.Logger for JSON, different
// levels, etc.
func defaultLogger() *slog.Logger {
	h := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	})
	return slog.New(h)
}

// New constructs a repository handle. New does not perform heavy I/O or
// start background goroutines. Call Start to initialize subsystems.
func New(conf Config) (*Repository, error) {
	if len(conf.Paths) == 0 {
		return nil, fmt.Errorf("at least one path must be provided in config")
	}
	if conf.Logger == nil {
		conf.Logger = defaultLogger()
	}
	if conf.Gate == nil {
		conf.Gate = interfaces.OpenGate{}
	}
	return &Repository{
		log:    conf.Logger,
		config: conf,
		gcStop: make(chan struct{}),
	}, nil
}

// Start opens the key-value store, bootstraps the root node and marks the
// repository ready. Start is safe to call multiple times; only the first
// call has effect.
func (r *Repository) Start(ctx context.Context) error {
	var startErr error
	r.startOnce.Do(func() {
		dataRoot := r.config.Paths[0]
		if err := os.MkdirAll(filepath.Join(dataRoot, "kv"), 0o700); err != nil {
			startErr = fmt.Errorf("mkdir %s: %w", dataRoot, err)
			return
		}

		kv, err := keyValStore.NewKeyValStore(keyValStore.StoreConfig{
			Paths:            []string{filepath.Join(dataRoot, "kv")},
			MinimumFreeSpace: int(r.config.MinimumFreeGB),
		})
		if err != nil {
			startErr = fmt.Errorf("init key-value store: %w", err)
			return
		}
		r.kv = kv

		r.store = persistence.NewStore(kv, r.log)
		r.shared = state.NewSharedManager(r.store, r.log)
		r.versions = version.NewStore(r.store, r.shared, r.log)
		r.bus = observer.NewBus(r.log)
		// Shared-layer materializations are announced here, once, no
		// matter how many sessions read through; each session's overlay
		// announces only its own allocations.
		r.shared.AddListener(r.bus)
		r.versions.AddListener(r.bus)
		r.backups = backup.NewManager(kv, r.log)

		rootID, err := r.bootstrapRoot()
		if err != nil {
			startErr = err
			return
		}
		r.rootID = rootID

		if r.config.GCInterval > 0 {
			r.wg.Add(1)
			go r.gcLoop()
		}

		r.started.Store(true)
		r.log.Info("repository started", "path", dataRoot, "root", rootID.String())
	})
	return startErr
}

// bootstrapRoot loads the persisted root identifier, creating the root
// node on first start.
func (r *Repository) bootstrapRoot() (types.NodeID, error) {
	data, err := r.kv.Read(metaRootKey)
	if err == nil {
		u, err := uuid.ParseBytes(data)
		if err != nil {
			return types.NodeID{}, fmt.Errorf("corrupt root record: %w", err)
		}
		return types.NodeID{UUID: u}, nil
	}
	if !errors.Is(err, keyValStore.ErrKeyNotFound) {
		return types.NodeID{}, fmt.Errorf("read root record: %w", err)
	}

	root := state.NewNodeState(types.NewNodeID(), types.NodeID{}, types.NodeDefinition{Type: "arbor:root"}, types.StatusNew)
	if err := r.store.Apply(state.ChangeSet{Nodes: []*state.NodeState{root}}); err != nil {
		return types.NodeID{}, fmt.Errorf("persist root node: %w", err)
	}
	if err := r.kv.Write(metaRootKey, []byte(root.ID.String())); err != nil {
		return types.NodeID{}, fmt.Errorf("persist root record: %w", err)
	}
	r.log.Info("root node created", "root", root.ID.String())
	return root.ID, nil
}

func (r *Repository) gcLoop() {
	defer r.wg.Done()
	ticker := time.NewTicker(r.config.GCInterval)
	defer ticker.Stop()
	for {
		select {
		case <-r.gcStop:
			return
		case <-ticker.C:
			if err := r.kv.GarbageCollect(); err != nil {
				r.log.Warn("value-log garbage collection failed", "err", err)
			}
		}
	}
}

// RootID returns the repository's root node identifier.
func (r *Repository) RootID() types.NodeID { return r.rootID }

// OpenSession opens a new unit of work. Sessions are independent; their
// transient changes stay invisible to each other until saved.
func (r *Repository) OpenSession() (*session.Session, error) {
	if r.closed.Load() {
		return nil, ErrClosed
	}
	if !r.started.Load() {
		return nil, ErrNotStarted
	}
	s, err := session.New(session.Deps{
		Store:    r.store,
		Shared:   r.shared,
		Versions: r.versions,
		RootID:   r.rootID,
		Gate:     r.config.Gate,
		Logger:   r.log,
	})
	if err != nil {
		return nil, err
	}
	s.AddListener(r.bus)
	return s, nil
}

// Subscribe registers a callback for repository events: item creations,
// status changes and version graph changes. The returned function cancels
// the subscription.
func (r *Repository) Subscribe(fn func(observer.Event)) (cancel func(), err error) {
	if !r.started.Load() {
		return nil, ErrNotStarted
	}
	return r.bus.Subscribe(fn), nil
}

// Export writes a full repository snapshot to w as an xz stream.
func (r *Repository) Export(ctx context.Context, w io.Writer) error {
	if !r.started.Load() {
		return ErrNotStarted
	}
	return r.backups.Export(ctx, w)
}

// Import restores a snapshot previously written by Export, overwriting
// existing records.
func (r *Repository) Import(ctx context.Context, in io.Reader) error {
	if !r.started.Load() {
		return ErrNotStarted
	}
	return r.backups.Import(ctx, in)
}

// Close terminates background components and releases resources. Close is
// idempotent and safe to call multiple times.
func (r *Repository) Close(ctx context.Context) error {
	var closeErr error
	r.closeOnce.Do(func() {
		r.closed.Store(true)
		r.started.Store(false)
		close(r.gcStop)
		r.wg.Wait()
		if r.kv != nil {
			if err := r.kv.Close(); err != nil {
				closeErr = fmt.Errorf("close key-value store: %w", err)
			}
		}
		r.log.Info("repository closed")
	})
	return closeErr
}

// Run starts the repository, blocks until ctx is canceled, then performs a
// bounded graceful shutdown. It is a convenience for services.
func (r *Repository) Run(ctx context.Context) error {
	if err := r.Start(ctx); err != nil {
		return err
	}
	<-ctx.Done()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return r.Close(shutdownCtx)
}
