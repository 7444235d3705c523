package dispatcher

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"syscall"
	"time"

	"github.com/hanwen/go-fuse/v2/fs"
	"github.com/hanwen/go-fuse/v2/fuse"

	"github.com/s3ql-go/s3ql/internal/blockmgr"
	"github.com/s3ql-go/s3ql/internal/inode"
	"github.com/s3ql-go/s3ql/internal/metadb"
	"github.com/s3ql-go/s3ql/internal/metaupload"
	"github.com/s3ql-go/s3ql/internal/mountlock"
	s3errors "github.com/s3ql-go/s3ql/pkg/errors"
	"github.com/s3ql-go/s3ql/pkg/types"
)

// defaultDeleteDrainInterval is how often a Dispatcher drains the
// deferred-delete queue in the background (§4.4) absent an explicit
// Config value.
const defaultDeleteDrainInterval = 30 * time.Second

// defaultDeltaUploadInterval matches §4.7's default incremental
// upload cadence.
const defaultDeltaUploadInterval = 24 * time.Hour

// deleteDrainBatch bounds how many queued deletions one background
// drain pass removes, so a single pass never blocks the next tick for
// long on a large backlog.
const deleteDrainBatch = 256

// Dispatcher wires the metadata store, block manager, and inode layer
// together into the object go-fuse mounts as its root.
type Dispatcher struct {
	store     *metadb.Store
	blocks    *blockmgr.Manager
	inodes    *inode.Layer
	backend   types.Backend
	uploader  *metaupload.Uploader
	metrics   types.MetricsCollector
	logger    *slog.Logger
	lifecycle *Lifecycle
	blockSize int64
	seqNo     int

	deleteDrainInterval time.Duration
	deltaUploadInterval time.Duration
	bgMu                sync.Mutex
	stopBackground      chan struct{}
	backgroundWG        sync.WaitGroup
}

// Config carries a Dispatcher's collaborators. Uploader is optional:
// when nil, no background delta upload loop is started (used by tests
// that only exercise the FUSE-shaped operations).
type Config struct {
	Store    *metadb.Store
	Blocks   *blockmgr.Manager
	Inodes   *inode.Layer
	Backend  types.Backend
	Uploader *metaupload.Uploader
	Metrics  types.MetricsCollector
	Logger   *slog.Logger

	BlockSize int64

	// DeleteDrainInterval and DeltaUploadInterval override the
	// background loop cadences; zero uses the package defaults.
	DeleteDrainInterval time.Duration
	DeltaUploadInterval time.Duration
}

// New builds a Dispatcher in StateInit. Callers should call Activate
// once the mount-exclusion check has passed and the metadata database
// is ready to serve requests.
func New(cfg Config) *Dispatcher {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	deleteDrainInterval := cfg.DeleteDrainInterval
	if deleteDrainInterval <= 0 {
		deleteDrainInterval = defaultDeleteDrainInterval
	}
	deltaUploadInterval := cfg.DeltaUploadInterval
	if deltaUploadInterval <= 0 {
		deltaUploadInterval = defaultDeltaUploadInterval
	}
	return &Dispatcher{
		store:               cfg.Store,
		blocks:              cfg.Blocks,
		inodes:              cfg.Inodes,
		backend:             cfg.Backend,
		uploader:            cfg.Uploader,
		metrics:             cfg.Metrics,
		logger:              logger,
		lifecycle:           NewLifecycle(),
		blockSize:           cfg.BlockSize,
		deleteDrainInterval: deleteDrainInterval,
		deltaUploadInterval: deltaUploadInterval,
	}
}

// Activate claims a mount-exclusion sequence number and transitions to
// StateActive. Must be called before the FUSE server starts serving
// requests.
func (d *Dispatcher) Activate(ctx context.Context) error {
	if err := mountlock.CheckClean(ctx, d.backend); err != nil {
		return err
	}

	seqNo, err := mountlock.Acquire(ctx, d.backend, 0)
	if err != nil {
		return err
	}
	d.seqNo = seqNo
	d.lifecycle.Enter(StateActive)
	d.logger.Info("dispatcher active", "seq_no", seqNo)

	d.bgMu.Lock()
	stop := make(chan struct{})
	d.stopBackground = stop
	d.bgMu.Unlock()
	d.backgroundWG.Add(1)
	go d.runDeleteDrainLoop(stop)
	if d.uploader != nil {
		d.backgroundWG.Add(1)
		go d.runDeltaUploadLoop(stop)
	}
	return nil
}

// Drain moves the dispatcher into StateDraining, causing new
// operations to fail with ErrCodeShuttingDown, and stops the
// background delete-drain and delta-upload loops, waiting for their
// current iteration to finish. Safe to call more than once, and safe
// to call without a prior Activate.
func (d *Dispatcher) Drain() {
	d.lifecycle.Enter(StateDraining)
	d.bgMu.Lock()
	stop := d.stopBackground
	d.stopBackground = nil
	d.bgMu.Unlock()
	if stop != nil {
		close(stop)
	}
	d.backgroundWG.Wait()
}

// runDeleteDrainLoop periodically drains the deferred-delete queue
// (§4.4) until stop is closed.
func (d *Dispatcher) runDeleteDrainLoop(stop <-chan struct{}) {
	defer d.backgroundWG.Done()
	ticker := time.NewTicker(d.deleteDrainInterval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			n, err := d.blocks.DrainDeletes(context.Background(), deleteDrainBatch)
			if err != nil {
				d.logger.Warn("deferred delete drain failed", "error", err)
				continue
			}
			if n > 0 {
				d.logger.Info("drained deferred deletes", "count", n)
			}
		}
	}
}

// runDeltaUploadLoop periodically uploads a metadata delta (§4.7
// cadence i) until stop is closed.
func (d *Dispatcher) runDeltaUploadLoop(stop <-chan struct{}) {
	defer d.backgroundWG.Done()
	ticker := time.NewTicker(d.deltaUploadInterval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			if err := d.uploader.DeltaUpload(context.Background()); err != nil {
				d.logger.Warn("periodic delta upload failed", "error", err)
			}
		}
	}
}

// Shutdown releases the mount-exclusion marker and moves to
// StateShutdown. Callers are expected to have already flushed dirty
// blocks and uploaded a final metadata snapshot.
func (d *Dispatcher) Shutdown(ctx context.Context) error {
	if err := mountlock.Release(ctx, d.backend, d.seqNo); err != nil {
		d.lifecycle.Enter(StateShutdown)
		return err
	}
	err := mountlock.MarkClean(ctx, d.backend, d.seqNo)
	d.lifecycle.Enter(StateShutdown)
	return err
}

// Root returns the root directory node for go-fuse's fs.Mount.
func (d *Dispatcher) Root() fs.InodeEmbedder {
	return &Node{disp: d, id: types.RootInodeID}
}

func (d *Dispatcher) checkActive() error {
	return d.lifecycle.CheckAcceptingOps()
}

// recordOp reports one FUSE operation's outcome to the metrics
// collector, if one is configured. syscall.Errno implements error, so
// a nonzero errno stands directly in for the failure it represents.
func (d *Dispatcher) recordOp(op string, start time.Time, errno syscall.Errno) {
	if d.metrics == nil {
		return
	}
	var err error
	if errno != 0 {
		err = errno
	}
	d.metrics.RecordOperation(op, time.Since(start), err)
}

func attrFromInode(in *types.Inode, out *fuse.Attr) {
	out.Ino = uint64(in.ID)
	out.Mode = in.Mode
	out.Size = uint64(in.Size)
	out.Uid = in.UID
	out.Gid = in.GID
	out.Nlink = in.Refcount
	out.Rdev = uint32(in.Rdev)
	out.SetTimes(&in.Atime, &in.Mtime, &in.Ctime)
	if in.IsRegular() {
		out.Blksize = uint32(1 << 20)
		out.Blocks = (out.Size + uint64(out.Blksize) - 1) / uint64(out.Blksize)
	}
}

func errnoOf(err error) syscall.Errno {
	if err == nil {
		return 0
	}
	return s3errors.Errno(err)
}

// nowTruncated returns the current time truncated to whole seconds,
// matching the precision the metadata schema stores timestamps at.
func nowTruncated() time.Time {
	return time.Now().Truncate(time.Second)
}
