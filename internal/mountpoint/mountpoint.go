// Package mountpoint wraps mounting and unmounting of target partitions
// and chroot bind mounts, tracking every active mount so a run can always
// be unwound.
package mountpoint

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"

	"github.com/osbuild/usbforge/internal/cmdutil"
)

// Handle represents one active mount.
type Handle struct {
	Device string
	Path   string

	released bool
}

// Manager performs mounts through the command runner and unmounts with a
// bounded retry before falling back to a lazy detach. USB media are slow to
// flush, so a busy unmount right after heavy writes is normal.
type Manager struct {
	runner cmdutil.Runner

	// Retries is how many plain umount attempts are made before the
	// lazy detach. Defaults to 3.
	Retries int
	// RetryDelay is the pause between attempts. Defaults to 500ms.
	RetryDelay time.Duration

	// lazyDetach is swappable for tests.
	lazyDetach func(path string) error
}

func NewManager(runner cmdutil.Runner) *Manager {
	return &Manager{
		runner:     runner,
		Retries:    3,
		RetryDelay: 500 * time.Millisecond,
		lazyDetach: func(path string) error {
			return unix.Unmount(path, unix.MNT_DETACH)
		},
	}
}

// Mount mounts device at target, creating target first. fstype may be
// empty to let mount probe.
func (m *Manager) Mount(ctx context.Context, device, target, fstype string) (*Handle, error) {
	if err := os.MkdirAll(target, 0755); err != nil {
		return nil, fmt.Errorf("creating mountpoint %s: %w", target, err)
	}
	args := []string{}
	if fstype != "" {
		args = append(args, "-t", fstype)
	}
	args = append(args, device, target)
	if err := m.runner.Run(ctx, "mount", args...); err != nil {
		return nil, fmt.Errorf("mounting %s at %s: %w", device, target, err)
	}
	logrus.WithFields(logrus.Fields{"device": device, "path": target}).Debug("mounted")
	return &Handle{Device: device, Path: target}, nil
}

// Bind bind-mounts source at target, for chroot pseudo-filesystems.
func (m *Manager) Bind(ctx context.Context, source, target string) (*Handle, error) {
	if err := os.MkdirAll(target, 0755); err != nil {
		return nil, fmt.Errorf("creating mountpoint %s: %w", target, err)
	}
	if err := m.runner.Run(ctx, "mount", "--bind", source, target); err != nil {
		return nil, fmt.Errorf("bind mounting %s at %s: %w", source, target, err)
	}
	return &Handle{Device: source, Path: target}, nil
}

// MountLoop loop-mounts an image file read-only at target.
func (m *Manager) MountLoop(ctx context.Context, image, target string) (*Handle, error) {
	if err := os.MkdirAll(target, 0755); err != nil {
		return nil, fmt.Errorf("creating mountpoint %s: %w", target, err)
	}
	if err := m.runner.Run(ctx, "mount", "-o", "loop,ro", image, target); err != nil {
		return nil, fmt.Errorf("loop mounting %s at %s: %w", image, target, err)
	}
	return &Handle{Device: image, Path: target}, nil
}

// MountKernelFS mounts a kernel pseudo-filesystem (proc, sysfs, devpts) at
// target.
func (m *Manager) MountKernelFS(ctx context.Context, fstype, target string) (*Handle, error) {
	if err := os.MkdirAll(target, 0755); err != nil {
		return nil, fmt.Errorf("creating mountpoint %s: %w", target, err)
	}
	if err := m.runner.Run(ctx, "mount", "-t", fstype, fstype, target); err != nil {
		return nil, fmt.Errorf("mounting %s at %s: %w", fstype, target, err)
	}
	return &Handle{Device: fstype, Path: target}, nil
}

// Unmount releases the handle. It retries a plain umount, then detaches
// lazily so a stuck mount never wedges the run. Unmounting an already
// released handle is a no-op.
func (m *Manager) Unmount(ctx context.Context, h *Handle) error {
	if h == nil || h.released {
		return nil
	}

	retries := m.Retries
	if retries < 1 {
		retries = 1
	}
	var lastErr error
	for attempt := 1; attempt <= retries; attempt++ {
		lastErr = m.runner.Run(ctx, "umount", h.Path)
		if lastErr == nil {
			h.released = true
			return nil
		}
		if ctx.Err() != nil && errors.Is(lastErr, ctx.Err()) {
			// Cancellation still unwinds: fall through to detach.
			break
		}
		logrus.WithError(lastErr).WithField("path", h.Path).Debug("umount failed, retrying")
		time.Sleep(m.RetryDelay)
	}

	if err := m.lazyDetach(h.Path); err != nil {
		return fmt.Errorf("unmounting %s: %w (lazy detach: %v)", h.Path, lastErr, err)
	}
	logrus.WithField("path", h.Path).Warn("busy mount detached lazily")
	h.released = true
	return nil
}

// Stack tracks active mounts and releases them strictly last-in first-out,
// which is what nested chroot binds require. A failure to release one
// handle does not stop the release of the others.
type Stack struct {
	manager *Manager
	handles []*Handle
}

func NewStack(manager *Manager) *Stack {
	return &Stack{manager: manager}
}

// Mount mounts through the manager and records the handle.
func (s *Stack) Mount(ctx context.Context, device, target, fstype string) (*Handle, error) {
	h, err := s.manager.Mount(ctx, device, target, fstype)
	if err != nil {
		return nil, err
	}
	s.handles = append(s.handles, h)
	return h, nil
}

// Bind bind-mounts through the manager and records the handle.
func (s *Stack) Bind(ctx context.Context, source, target string) (*Handle, error) {
	h, err := s.manager.Bind(ctx, source, target)
	if err != nil {
		return nil, err
	}
	s.handles = append(s.handles, h)
	return h, nil
}

// MountKernelFS mounts through the manager and records the handle.
func (s *Stack) MountKernelFS(ctx context.Context, fstype, target string) (*Handle, error) {
	h, err := s.manager.MountKernelFS(ctx, fstype, target)
	if err != nil {
		return nil, err
	}
	s.handles = append(s.handles, h)
	return h, nil
}

// MountLoop loop-mounts through the manager and records the handle.
func (s *Stack) MountLoop(ctx context.Context, image, target string) (*Handle, error) {
	h, err := s.manager.MountLoop(ctx, image, target)
	if err != nil {
		return nil, err
	}
	s.handles = append(s.handles, h)
	return h, nil
}

// Outstanding reports how many handles have not been released yet.
func (s *Stack) Outstanding() int {
	n := 0
	for _, h := range s.handles {
		if !h.released {
			n++
		}
	}
	return n
}

// ReleaseAll unmounts every tracked handle in reverse mount order. All
// handles are attempted even when some fail; the errors are joined.
func (s *Stack) ReleaseAll(ctx context.Context) error {
	var errs []error
	for i := len(s.handles) - 1; i >= 0; i-- {
		if err := s.manager.Unmount(ctx, s.handles[i]); err != nil {
			logrus.WithError(err).WithField("path", s.handles[i].Path).Error("failed to release mount")
			errs = append(errs, err)
		}
	}
	remaining := s.handles[:0]
	for _, h := range s.handles {
		if !h.released {
			remaining = append(remaining, h)
		}
	}
	s.handles = remaining
	return errors.Join(errs...)
}
