// Command s3ql-mountd wires the metadata store, block manager, inode
// layer, and dispatcher into a running mount. It is intentionally
// thin: no mkfs.s3ql/fsck.s3ql CLI parity, just enough flags to bring
// up one mount for manual or integration testing.
package main

import (
	"context"
	"encoding/hex"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"zombiezen.com/go/sqlite"

	backendreg "github.com/s3ql-go/s3ql/internal/backend"
	"github.com/s3ql-go/s3ql/internal/blockmgr"
	"github.com/s3ql-go/s3ql/internal/cache"
	"github.com/s3ql-go/s3ql/internal/codec"
	"github.com/s3ql-go/s3ql/internal/config"
	"github.com/s3ql-go/s3ql/internal/dispatcher"
	"github.com/s3ql-go/s3ql/internal/inode"
	"github.com/s3ql-go/s3ql/internal/metadb"
	"github.com/s3ql-go/s3ql/internal/metaupload"
	"github.com/s3ql-go/s3ql/internal/metrics"
	"github.com/s3ql-go/s3ql/pkg/retry"
	"github.com/s3ql-go/s3ql/pkg/types"
)

func main() {
	var (
		mountPoint = flag.String("mount-point", "", "directory to mount at")
		backendURL = flag.String("backend", "", "backend URL: local:///path or s3://bucket (any /prefix after the bucket is ignored)")
		configPath = flag.String("config", "", "YAML configuration file (optional)")
		cacheDir   = flag.String("cache-dir", "", "local cache directory (overrides config)")
		masterKey  = flag.String("master-key-hex", "", "64 hex characters, the wrapped-key plaintext (test/manual use only)")
	)
	flag.Parse()

	if err := run(*mountPoint, *backendURL, *configPath, *cacheDir, *masterKey); err != nil {
		slog.Error("s3ql-mountd exiting", "error", err)
		os.Exit(1)
	}
}

func run(mountPoint, backendURL, configPath, cacheDirFlag, masterKeyHex string) error {
	if mountPoint == "" || backendURL == "" {
		return errors.New("both -mount-point and -backend are required")
	}

	cfg := config.NewDefault()
	if configPath != "" {
		if err := cfg.LoadFromFile(configPath); err != nil {
			return fmt.Errorf("loading config: %w", err)
		}
	}
	if err := cfg.LoadFromEnv(); err != nil {
		return fmt.Errorf("loading env overrides: %w", err)
	}
	if cacheDirFlag != "" {
		cfg.Global.CacheDir = cacheDirFlag
	}

	logger := newLogger(cfg.Global.LogLevel)
	slog.SetDefault(logger)

	backend, err := openBackend(context.Background(), backendURL, cfg)
	if err != nil {
		return fmt.Errorf("opening backend: %w", err)
	}
	defer backend.Close()

	cacheDir, err := expandHome(cfg.Global.CacheDir)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(cacheDir, 0700); err != nil {
		return fmt.Errorf("creating cache dir: %w", err)
	}

	masterKey, err := decodeMasterKey(masterKeyHex)
	if err != nil {
		return err
	}

	dbPath := filepath.Join(cacheDir, "metadata.sqlite")
	alg := compressionAlgorithm(cfg.Compression.Algorithm)
	if err := restoreOrInit(context.Background(), backend, masterKey, alg, cfg.Compression.Level, dbPath); err != nil {
		return err
	}

	store, err := metadb.Open(metadb.Config{Path: dbPath, ReaderPoolSize: 4})
	if err != nil {
		return fmt.Errorf("opening metadata store: %w", err)
	}
	defer store.Close()

	blockSize, err := ensureInitialized(store)
	if err != nil {
		return fmt.Errorf("initializing filesystem: %w", err)
	}

	c, err := codec.New(masterKey, alg, cfg.Compression.Level)
	if err != nil {
		return fmt.Errorf("building codec: %w", err)
	}

	collector, err := metrics.NewCollector(&metrics.Config{
		Enabled:   cfg.Monitoring.Metrics.Enabled && cfg.Monitoring.Metrics.Prometheus,
		Port:      cfg.Global.MetricsPort,
		Path:      "/metrics",
		Namespace: "s3ql",
		Labels:    cfg.Monitoring.Metrics.CustomLabels,
	})
	if err != nil {
		return fmt.Errorf("building metrics collector: %w", err)
	}
	if err := collector.Start(context.Background()); err != nil {
		return fmt.Errorf("starting metrics server: %w", err)
	}
	defer collector.Stop(context.Background())

	blockCache, err := cache.New(cache.Config{
		Dir:        filepath.Join(cacheDir, "blocks"),
		MaxEntries: cfg.Cache.MaxEntries,
		MaxSize:    cfg.Cache.MaxSize,
		Metrics:    collector,
	})
	if err != nil {
		return fmt.Errorf("opening block cache: %w", err)
	}

	blocks := blockmgr.New(blockmgr.Config{Store: store, Cache: blockCache, Codec: c, Backend: backend, Metrics: collector, Logger: logger})
	inodes := inode.New(inode.Config{Store: store, Blocks: blocks, BlockSize: blockSize})
	uploader := metaupload.New(metaupload.Config{Store: store, Codec: c, Backend: backend, WorkDir: cacheDir, Logger: logger})

	disp := dispatcher.New(dispatcher.Config{
		Store:               store,
		Blocks:              blocks,
		Inodes:              inodes,
		Backend:             backend,
		Uploader:            uploader,
		Metrics:             collector,
		Logger:              logger,
		BlockSize:           blockSize,
		DeltaUploadInterval: cfg.Upload.MetadataUploadInterval,
	})

	mgr := dispatcher.NewMountManager(disp, dispatcher.DefaultMountConfig(mountPoint))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := mgr.Mount(ctx); err != nil {
		return fmt.Errorf("mounting: %w", err)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	go func() {
		<-sigCh
		logger.Info("shutting down")
		if err := uploader.FullSnapshot(ctx); err != nil {
			logger.Error("final metadata snapshot failed", "error", err)
		}
		if err := mgr.Unmount(ctx); err != nil {
			logger.Error("unmount failed", "error", err)
		}
	}()

	mgr.Wait()
	return nil
}

// ensureInitialized loads the mkfs-time parameters, bootstrapping a
// minimal set (default block size, a fresh root inode) if this is a
// brand new backend. mkfs.s3ql's full parameter/passphrase surface is
// out of scope for this thin entrypoint.
func ensureInitialized(store *metadb.Store) (int64, error) {
	var blockSize int64
	err := store.WithWriter(func(conn *sqlite.Conn) error {
		params, err := store.LoadParams(conn)
		if err == nil {
			blockSize = params.DataBlockSize
			return nil
		}

		fresh := config.DefaultParams()
		if err := store.SaveParams(conn, fresh); err != nil {
			return err
		}
		blockSize = fresh.DataBlockSize

		// The very first row inserted into a fresh inodes table gets
		// rowid 1, matching types.RootInodeID.
		now := time.Now().Truncate(time.Second)
		_, err = store.CreateInode(conn, types.Inode{
			Mode: types.ModeDir | 0755, Atime: now, Mtime: now, Ctime: now, Refcount: 1,
		})
		return err
	})
	return blockSize, err
}

func decodeMasterKey(hexKey string) ([]byte, error) {
	if hexKey == "" {
		return make([]byte, 32), nil
	}
	key, err := hex.DecodeString(hexKey)
	if err != nil {
		return nil, fmt.Errorf("parsing master key: %w", err)
	}
	if len(key) != 32 {
		return nil, fmt.Errorf("master key must be 32 bytes (64 hex characters), got %d", len(key))
	}
	return key, nil
}

func compressionAlgorithm(name string) codec.CompressionAlgorithm {
	switch strings.ToLower(name) {
	case "zlib":
		return codec.CompressZlib
	case "bzip2":
		return codec.CompressBzip2
	case "lzma":
		return codec.CompressLZMA
	default:
		return codec.CompressNone
	}
}

// openBackend constructs the requested driver wrapped in the retry and
// circuit-breaking decorator (internal/backend.Retrying) common to
// every variant, so transient backend errors are retried with
// exponential backoff and a backend that is persistently down fails
// fast instead of stalling every mount operation behind it.
func openBackend(ctx context.Context, url string, cfg *config.Configuration) (types.Backend, error) {
	opts := backendreg.Options{
		Retry: retry.Config{
			MaxAttempts:  cfg.Network.Retry.MaxAttempts,
			InitialDelay: cfg.Network.Retry.BaseDelay,
			MaxDelay:     cfg.Network.Retry.MaxDelay,
			Multiplier:   2.0,
			Jitter:       true,
		},
	}
	switch {
	case strings.HasPrefix(url, "local://"):
		opts.Variant = backendreg.VariantLocal
		opts.LocalDir = strings.TrimPrefix(url, "local://")
	case strings.HasPrefix(url, "s3://"):
		rest := strings.TrimPrefix(url, "s3://")
		bucket := rest
		if idx := strings.Index(rest, "/"); idx >= 0 {
			bucket = rest[:idx]
		}
		opts.Variant = backendreg.VariantS3
		opts.S3Bucket = bucket
		opts.S3SSLVerify = cfg.Backend.SSLVerify
	default:
		return nil, fmt.Errorf("unrecognized backend URL scheme: %s", url)
	}
	return backendreg.New(ctx, opts)
}

// restoreOrInit downloads and decodes the newest remote metadata
// snapshot into a fresh local cache database, if one exists and no
// local cache is already present. It must use the same master key and
// compression settings FullSnapshot encoded the snapshot with, since
// metadata objects are encoded through the same codec as data blocks.
func restoreOrInit(ctx context.Context, backend types.Backend, masterKey []byte, alg codec.CompressionAlgorithm, level int, dbPath string) error {
	if _, err := os.Stat(dbPath); err == nil {
		return nil
	}
	if _, err := backend.Lookup(ctx, "s3ql_metadata"); err != nil {
		return nil
	}
	c, err := codec.New(masterKey, alg, level)
	if err != nil {
		return err
	}
	return metaupload.Restore(ctx, backend, c, dbPath)
}

func expandHome(path string) (string, error) {
	if !strings.HasPrefix(path, "~/") {
		return path, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolving home directory: %w", err)
	}
	return filepath.Join(home, strings.TrimPrefix(path, "~/")), nil
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
}
