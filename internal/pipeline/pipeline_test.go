package pipeline_test

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/kdomanski/iso9660"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/osbuild/usbforge/internal/cmdutil"
	"github.com/osbuild/usbforge/internal/pipeline"
)

// newTestPipeline wires a pipeline against a fake runner: no settle delays,
// the target device always "exists", and blkid answers with stable
// identifiers.
func newTestPipeline(t *testing.T, runner *cmdutil.FakeRunner) *pipeline.Pipeline {
	t.Helper()

	runner.OutputFunc("blkid", func(c cmdutil.Call) (string, error) {
		device := c.Args[len(c.Args)-1]
		if c.Args[1] == "PARTUUID" {
			return fmt.Sprintf("c3a5256b-0000-4a81-9d8e-%012d\n", len(device)+strings.Count(device, "x")*7+partNumber(device)), nil
		}
		return fmt.Sprintf("f5e0aa6b-1111-4a81-9d8e-%012d\n", partNumber(device)), nil
	})

	p := pipeline.New(runner)
	p.Partitioner.Settle = 0
	p.Partitioner.DeviceExists = func(string) bool { return true }
	p.Mounts.RetryDelay = 0
	p.WorkDir = t.TempDir()
	return p
}

func partNumber(device string) int {
	n := 0
	for _, r := range device {
		if r >= '0' && r <= '9' {
			n = n*10 + int(r-'0')
		}
	}
	return n
}

func writeTestISO(t *testing.T, path, label string) {
	t.Helper()
	writer, err := iso9660.NewWriter()
	require.NoError(t, err)
	defer writer.Cleanup()
	require.NoError(t, writer.AddFile(strings.NewReader("live system"), "casper/vmlinuz"))
	out, err := os.Create(path)
	require.NoError(t, err)
	require.NoError(t, writer.WriteTo(out, label))
	require.NoError(t, out.Close())
}

func balancedMounts(runner *cmdutil.FakeRunner) bool {
	return runner.CallCount("mount") == runner.CallCount("umount")
}

func TestRunUbuntuISOOnF2FS(t *testing.T) {
	runner := cmdutil.NewFakeRunner()
	p := newTestPipeline(t, runner)

	isoPath := filepath.Join(t.TempDir(), "ubuntu-22.04-desktop-amd64.iso")
	writeTestISO(t, isoPath, "UBUNTU_2204")

	tracker := pipeline.NewTracker()
	p.Progress = tracker

	res, err := p.Run(context.Background(), pipeline.Request{
		Device:    "/dev/sdx",
		PayloadFS: "F2FS",
		ISOs:      []string{isoPath},
	})
	require.NoError(t, err)
	assert.Equal(t, pipeline.StatusCompleted, res.Status)
	assert.Equal(t, pipeline.StateDone, res.State)
	assert.Empty(t, res.Warnings)
	assert.False(t, res.DeviceStateUnknown)

	// The menu is on the payload partition and boots the staged ISO.
	cfg, err := os.ReadFile(filepath.Join(p.WorkDir, "payload", "boot", "grub", "grub.cfg"))
	require.NoError(t, err)
	assert.Contains(t, string(cfg), `set isofile="/boot/iso/ubuntu-22.04-desktop-amd64.iso"`)
	assert.Contains(t, string(cfg), "loopback loop $isofile")

	// No Windows was installed, so no Windows stanza.
	assert.NotContains(t, string(cfg), "Boot Windows")

	// The copy bytes reached the observer and the run ended in "done".
	assert.Greater(t, tracker.Bytes(), int64(0))
	assert.Equal(t, "done", tracker.Phase())

	assert.True(t, balancedMounts(runner), "every mount must be released")
}

func TestRunWindowsToGo(t *testing.T) {
	runner := cmdutil.NewFakeRunner()
	p := newTestPipeline(t, runner)

	winISO := filepath.Join(t.TempDir(), "win11.iso")
	require.NoError(t, os.WriteFile(winISO, []byte("iso"), 0644))

	// Loop-mounting is faked, so simulate the mounted Windows media by
	// populating the mountpoint when the loop mount happens.
	runner.OnRun = func(c cmdutil.Call) error {
		if c.Name == "mount" && len(c.Args) > 1 && c.Args[1] == "loop,ro" {
			target := c.Args[len(c.Args)-1]
			if err := os.MkdirAll(filepath.Join(target, "sources"), 0755); err != nil {
				return err
			}
			return os.WriteFile(filepath.Join(target, "sources", "install.wim"), []byte("wim"), 0644)
		}
		return nil
	}

	res, err := p.Run(context.Background(), pipeline.Request{
		Device:       "/dev/sdx",
		PayloadFS:    "exfat",
		WindowsImage: winISO,
	})
	require.NoError(t, err)
	assert.Equal(t, pipeline.StatusCompleted, res.Status)

	cfg, err := os.ReadFile(filepath.Join(p.WorkDir, "payload", "boot", "grub", "grub.cfg"))
	require.NoError(t, err)
	assert.Contains(t, string(cfg), "Boot Windows (UEFI)")
	// The stanza references the Windows partition's identifier.
	assert.Contains(t, string(cfg), "c3a5256b-0000-4a81-9d8e-")

	assert.True(t, balancedMounts(runner))
}

func TestRunFullInstallArch(t *testing.T) {
	runner := cmdutil.NewFakeRunner()
	p := newTestPipeline(t, runner)

	res, err := p.Run(context.Background(), pipeline.Request{
		Device:            "/dev/sdx",
		PayloadFS:         "f2fs",
		FullInstallDistro: "arch",
	})
	require.NoError(t, err)
	assert.Equal(t, pipeline.StatusCompleted, res.Status)

	assert.Equal(t, 1, runner.CallCount("pacstrap"))

	fstab, err := os.ReadFile(filepath.Join(p.WorkDir, "payload", "etc", "fstab"))
	require.NoError(t, err)
	assert.Contains(t, string(fstab), "UUID=f5e0aa6b-1111-4a81-9d8e-")
	assert.Contains(t, string(fstab), "f2fs")

	cfg, err := os.ReadFile(filepath.Join(p.WorkDir, "payload", "boot", "grub", "grub.cfg"))
	require.NoError(t, err)
	assert.Contains(t, string(cfg), "Boot Installed Linux (Arch)")

	// The payload filesystem UUID is resolved once and shared between
	// fstab generation and the boot menu.
	uuidLookups := 0
	for _, c := range runner.Calls {
		if c.Name == "blkid" && len(c.Args) > 1 && c.Args[1] == "UUID" {
			uuidLookups++
		}
	}
	assert.Equal(t, 1, uuidLookups)

	assert.True(t, balancedMounts(runner))
}

// A failed post-install step inside the chroot downgrades the run to
// completed-with-warnings instead of failing it.
func TestRunFullInstallPostConfigFailureWarns(t *testing.T) {
	runner := cmdutil.NewFakeRunner()
	p := newTestPipeline(t, runner)

	runner.OnRun = func(c cmdutil.Call) error {
		if c.Name == "chroot" && len(c.Args) > 1 && c.Args[1] == "locale-gen" {
			return errors.New("command not found")
		}
		return nil
	}

	res, err := p.Run(context.Background(), pipeline.Request{
		Device:            "/dev/sdx",
		PayloadFS:         "f2fs",
		FullInstallDistro: "arch",
	})
	require.NoError(t, err)
	assert.Equal(t, pipeline.StatusCompletedWithWarnings, res.Status)
	assert.Equal(t, pipeline.StateDone, res.State)
	assert.False(t, res.DeviceStateUnknown)
	require.NotEmpty(t, res.Warnings)
	assert.Contains(t, res.Warnings[0], "locale-gen")

	// The system is still fully provisioned.
	assert.Equal(t, 1, runner.CallCount("pacstrap"))
	_, statErr := os.Stat(filepath.Join(p.WorkDir, "payload", "boot", "grub", "grub.cfg"))
	assert.NoError(t, statErr)
	assert.True(t, balancedMounts(runner))
}

func TestRunUnknownISOCompletesWithWarnings(t *testing.T) {
	runner := cmdutil.NewFakeRunner()
	p := newTestPipeline(t, runner)

	isoPath := filepath.Join(t.TempDir(), "opensuse-tumbleweed.iso")
	writeTestISO(t, isoPath, "OPENSUSE")

	res, err := p.Run(context.Background(), pipeline.Request{
		Device:    "/dev/sdx",
		PayloadFS: "ext4",
		ISOs:      []string{isoPath},
	})
	require.NoError(t, err)
	assert.Equal(t, pipeline.StatusCompletedWithWarnings, res.Status)
	require.Len(t, res.Warnings, 1)
	assert.Contains(t, res.Warnings[0], "opensuse-tumbleweed.iso")

	cfg, err := os.ReadFile(filepath.Join(p.WorkDir, "payload", "boot", "grub", "grub.cfg"))
	require.NoError(t, err)
	assert.Contains(t, string(cfg), "skipped: unsupported distro")
}

// Missing tools for later steps are reported before the device is touched.
func TestRunMissingToolsCheckedBeforeWipe(t *testing.T) {
	cases := []struct {
		tool string
		req  pipeline.Request
	}{
		{"grub-install", pipeline.Request{Device: "/dev/sdx", PayloadFS: "f2fs"}},
		{"mount", pipeline.Request{Device: "/dev/sdx", PayloadFS: "f2fs"}},
		{"pacstrap", pipeline.Request{Device: "/dev/sdx", PayloadFS: "f2fs", FullInstallDistro: "arch"}},
		{"debootstrap", pipeline.Request{Device: "/dev/sdx", PayloadFS: "ext4", FullInstallDistro: "ubuntu"}},
	}
	for _, c := range cases {
		runner := cmdutil.NewFakeRunner()
		runner.Missing[c.tool] = true
		p := newTestPipeline(t, runner)

		res, err := p.Run(context.Background(), c.req)
		require.Error(t, err, c.tool)
		assert.Contains(t, err.Error(), c.tool)
		assert.Equal(t, pipeline.StateInit, res.State, c.tool)
		assert.False(t, res.DeviceStateUnknown, c.tool)
		assert.Equal(t, 0, runner.CallCount("wipefs"), c.tool)
		assert.Equal(t, 0, runner.CallCount("sgdisk"), c.tool)
	}
}

func TestRunPreconditionFailureLeavesDeviceAlone(t *testing.T) {
	runner := cmdutil.NewFakeRunner()
	runner.Missing["sgdisk"] = true
	p := newTestPipeline(t, runner)

	res, err := p.Run(context.Background(), pipeline.Request{
		Device:    "/dev/sdx",
		PayloadFS: "f2fs",
	})
	require.Error(t, err)
	assert.Equal(t, pipeline.StatusFailed, res.Status)
	assert.Equal(t, pipeline.StateFailed, res.State)
	assert.False(t, res.DeviceStateUnknown)
	assert.Equal(t, 0, runner.CallCount("wipefs"))
}

func TestRunDestructiveFailureMarksDeviceUnknown(t *testing.T) {
	runner := cmdutil.NewFakeRunner()
	runner.Errors["sgdisk"] = errors.New("io error")
	p := newTestPipeline(t, runner)

	res, err := p.Run(context.Background(), pipeline.Request{
		Device:    "/dev/sdx",
		PayloadFS: "f2fs",
	})
	require.Error(t, err)
	assert.Equal(t, pipeline.StatusFailed, res.Status)
	assert.True(t, res.DeviceStateUnknown)
	assert.Contains(t, res.Summary(), "unknown state")
	// wipefs already ran before sgdisk failed.
	assert.Equal(t, 1, runner.CallCount("wipefs"))
}

func TestRunCancellationUnwindsMounts(t *testing.T) {
	runner := cmdutil.NewFakeRunner()
	p := newTestPipeline(t, runner)

	ctx, cancel := context.WithCancel(context.Background())
	runner.OnRun = func(c cmdutil.Call) error {
		// Cancel while the bootloader installs: two mounts are held.
		if c.Name == "grub-install" {
			cancel()
			return ctx.Err()
		}
		return nil
	}

	res, err := p.Run(ctx, pipeline.Request{
		Device:    "/dev/sdx",
		PayloadFS: "btrfs",
	})
	require.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, pipeline.StatusFailed, res.Status)
	assert.True(t, res.DeviceStateUnknown)

	// Cancellation still released every mount.
	assert.True(t, balancedMounts(runner), "cancellation must not leak mounts")
}

func TestRunCancellationBeforeFirstStep(t *testing.T) {
	runner := cmdutil.NewFakeRunner()
	p := newTestPipeline(t, runner)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	res, err := p.Run(ctx, pipeline.Request{
		Device:    "/dev/sdx",
		PayloadFS: "f2fs",
	})
	require.ErrorIs(t, err, context.Canceled)
	assert.False(t, res.DeviceStateUnknown)
	assert.Empty(t, runner.Calls)
}

func TestRunRejectsBadRequests(t *testing.T) {
	runner := cmdutil.NewFakeRunner()
	p := newTestPipeline(t, runner)

	cases := []pipeline.Request{
		{PayloadFS: "f2fs"},
		{Device: "/dev/sdx"},
		{Device: "/dev/sdx", PayloadFS: "f2fs", WindowsImage: "/does/not/exist.iso"},
		{Device: "/dev/sdx", PayloadFS: "f2fs", ISOs: []string{"/does/not/exist.iso"}},
		{Device: "/dev/sdx", PayloadFS: "f2fs", FullInstallDistro: "gentoo"},
	}
	for _, req := range cases {
		res, err := p.Run(context.Background(), req)
		require.Error(t, err)
		assert.Equal(t, pipeline.StateInit, res.State)
		assert.Empty(t, runner.Calls)
	}
}

func TestStateStrings(t *testing.T) {
	assert.Equal(t, "init", pipeline.StateInit.String())
	assert.Equal(t, "copying_linux_isos", pipeline.StateCopyingISOs.String())
	assert.Equal(t, "unmounting", pipeline.StateUnmounting.String())
	assert.Equal(t, "completed with warnings", pipeline.StatusCompletedWithWarnings.String())
}
