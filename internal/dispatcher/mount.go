package dispatcher

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/hanwen/go-fuse/v2/fs"
	"github.com/hanwen/go-fuse/v2/fuse"
)

// MountConfig carries a mount's target directory and FUSE-level
// options.
type MountConfig struct {
	MountPoint  string
	Options     *MountOptions
	Permissions *Permissions
}

// MountOptions mirrors the subset of go-fuse's mount options this
// filesystem exposes.
type MountOptions struct {
	ReadOnly     bool
	AllowOther   bool
	AllowRoot    bool
	DefaultPerms bool

	MaxRead  uint32
	MaxWrite uint32

	Debug        bool
	FSName       string
	Subtype      string
	AttrTimeout  time.Duration
	EntryTimeout time.Duration
}

// Permissions is the fallback uid/gid/mode applied to entries the
// metadata store doesn't otherwise constrain.
type Permissions struct {
	UID      uint32
	GID      uint32
	FileMode uint32
	DirMode  uint32
}

// DefaultMountConfig returns sane defaults for MountPoint.
func DefaultMountConfig(mountPoint string) *MountConfig {
	return &MountConfig{
		MountPoint: mountPoint,
		Options: &MountOptions{
			MaxRead:      128 * 1024,
			MaxWrite:     128 * 1024,
			AttrTimeout:  time.Second,
			EntryTimeout: time.Second,
			FSName:       "s3ql",
			Subtype:      "s3ql",
		},
		Permissions: &Permissions{
			UID:      uint32(os.Getuid()),
			GID:      uint32(os.Getgid()),
			FileMode: 0644,
			DirMode:  0755,
		},
	}
}

// MountManager owns the go-fuse server backing a Dispatcher.
type MountManager struct {
	disp    *Dispatcher
	server  *fuse.Server
	config  *MountConfig
	mounted bool
}

// NewMountManager builds a MountManager for disp. config must not be
// nil: Mount returns an error if it is (use DefaultMountConfig for
// defaults).
func NewMountManager(disp *Dispatcher, config *MountConfig) *MountManager {
	return &MountManager{disp: disp, config: config}
}

// Mount validates the mount point, starts the FUSE server, and calls
// Activate to claim the mount-exclusion sequence number before serving
// any requests.
func (m *MountManager) Mount(ctx context.Context) error {
	if m.mounted {
		return fmt.Errorf("already mounted at %s", m.config.MountPoint)
	}
	if m.config == nil {
		return fmt.Errorf("mount config not set")
	}

	if err := m.validateMountPoint(); err != nil {
		return fmt.Errorf("invalid mount point: %w", err)
	}

	if err := m.disp.Activate(ctx); err != nil {
		return fmt.Errorf("mount-exclusion check failed: %w", err)
	}

	opts := m.buildFUSEOptions()
	server, err := fs.Mount(m.config.MountPoint, m.disp.Root(), opts)
	if err != nil {
		return fmt.Errorf("mount failed: %w", err)
	}

	m.server = server
	m.mounted = true
	m.disp.logger.Info("mounted", "mount_point", m.config.MountPoint)

	go func() {
		m.server.Wait()
		m.mounted = false
	}()

	return nil
}

// Unmount asks the kernel to release the mount point, falling back to
// a forced unmount if the FUSE server doesn't respond, then releases
// the mount-exclusion marker.
func (m *MountManager) Unmount(ctx context.Context) error {
	if !m.mounted || m.server == nil {
		return fmt.Errorf("not mounted")
	}

	m.disp.Drain()

	if err := m.server.Unmount(); err != nil {
		if forceErr := m.forceUnmount(); forceErr != nil {
			return fmt.Errorf("unmount failed: %w (force unmount also failed: %v)", err, forceErr)
		}
	}

	m.mounted = false
	m.server = nil
	return m.disp.Shutdown(ctx)
}

// IsMounted reports whether the server is currently serving requests.
func (m *MountManager) IsMounted() bool {
	return m.mounted
}

// Wait blocks until the FUSE server stops serving.
func (m *MountManager) Wait() {
	if m.server != nil {
		m.server.Wait()
	}
}

func (m *MountManager) validateMountPoint() error {
	if m.config.MountPoint == "" {
		return fmt.Errorf("mount point cannot be empty")
	}

	info, err := os.Stat(m.config.MountPoint)
	if err != nil {
		return fmt.Errorf("cannot access mount point: %w", err)
	}
	if !info.IsDir() {
		return fmt.Errorf("mount point is not a directory: %s", m.config.MountPoint)
	}
	if m.isAlreadyMounted() {
		return fmt.Errorf("mount point %s is already mounted", m.config.MountPoint)
	}
	return nil
}

func (m *MountManager) buildFUSEOptions() *fs.Options {
	opts := &fs.Options{
		MountOptions: fuse.MountOptions{
			Name:        m.config.Options.FSName,
			FsName:      m.config.Options.FSName,
			DirectMount: true,
			Debug:       m.config.Options.Debug,
			AllowOther:  m.config.Options.AllowOther,
			MaxWrite:    int(m.config.Options.MaxWrite),
		},
		AttrTimeout:     &m.config.Options.AttrTimeout,
		EntryTimeout:    &m.config.Options.EntryTimeout,
		NullPermissions: !m.config.Options.DefaultPerms,
	}

	if m.config.Options.ReadOnly {
		opts.Options = append(opts.Options, "ro")
	}
	if m.config.Options.AllowRoot {
		opts.Options = append(opts.Options, "allow_root")
	}
	if m.config.Options.FSName != "" {
		opts.Options = append(opts.Options, fmt.Sprintf("fsname=%s", m.config.Options.FSName))
	}
	if m.config.Options.Subtype != "" {
		opts.Options = append(opts.Options, fmt.Sprintf("subtype=%s", m.config.Options.Subtype))
	}
	return opts
}

func (m *MountManager) isAlreadyMounted() bool {
	data, err := os.ReadFile("/proc/mounts")
	if err != nil {
		return false
	}
	return strings.Contains(string(data), filepath.Clean(m.config.MountPoint))
}

func (m *MountManager) forceUnmount() error {
	if err := syscall.Unmount(m.config.MountPoint, 2); err == nil {
		return nil
	}
	return syscall.Unmount(m.config.MountPoint, 1)
}
