// Package pipeline sequences the provisioning steps against one target
// device: partitioning, bootloader installation, OS content installation
// and boot menu generation, with guaranteed unmounting at the end.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/osbuild/usbforge/internal/bootcfg"
	"github.com/osbuild/usbforge/internal/cmdutil"
	"github.com/osbuild/usbforge/internal/common"
	"github.com/osbuild/usbforge/internal/disk"
	"github.com/osbuild/usbforge/internal/installer/linuxfull"
	"github.com/osbuild/usbforge/internal/installer/wintogo"
	"github.com/osbuild/usbforge/internal/isoscan"
	"github.com/osbuild/usbforge/internal/mountpoint"
	"github.com/osbuild/usbforge/internal/partitioner"
)

// Request describes one provisioning run. The device is wiped completely;
// everything else is optional content.
type Request struct {
	// Device is the target block device, e.g. /dev/sdb.
	Device string
	// PayloadFS is the payload partition's filesystem.
	PayloadFS string

	// WindowsImage is the path to a Windows installation ISO. Empty
	// skips the Windows-To-Go step.
	WindowsImage string
	// WindowsSize requests the Windows partition size in bytes.
	// Requests below the 64 GiB floor are raised, never honored.
	WindowsSize uint64

	// ISOs are host paths of live Linux ISOs to stage for loopback boot.
	ISOs []string

	// FullInstallDistro, when set, bootstraps that distro onto the
	// payload partition. Release and Proxy refine the bootstrap.
	FullInstallDistro  string
	FullInstallRelease string
	Proxy              string
}

func (req *Request) validate() error {
	if req.Device == "" {
		return fmt.Errorf("no target device given")
	}
	if req.PayloadFS == "" {
		return fmt.Errorf("no payload filesystem given")
	}
	if req.WindowsImage != "" {
		if _, err := os.Stat(req.WindowsImage); err != nil {
			return fmt.Errorf("windows image: %w", err)
		}
	}
	for _, iso := range req.ISOs {
		if _, err := os.Stat(iso); err != nil {
			return fmt.Errorf("iso %s: %w", iso, err)
		}
	}
	if req.FullInstallDistro != "" {
		if _, err := linuxfull.FamilyFor(req.FullInstallDistro); err != nil {
			return err
		}
	}
	return nil
}

// Result reports how a run ended.
type Result struct {
	Status Status
	// State is the last state the pipeline reached.
	State State
	// Warnings collects the best-effort failures of an otherwise
	// successful run.
	Warnings []string
	// DeviceStateUnknown is set when a failure happened after the first
	// destructive step. The device then needs a full re-wipe before it
	// can be used again.
	DeviceStateUnknown bool
}

// Summary is the operator-facing one-line outcome.
func (res *Result) Summary() string {
	if res.Status == StatusFailed && res.DeviceStateUnknown {
		return "failed (device left in unknown state, re-run to re-wipe)"
	}
	return res.Status.String()
}

// Pipeline wires the provisioning components together. The exported fields
// are replaceable before Run, which tests use to inject fakes and disable
// settle delays.
type Pipeline struct {
	Runner      cmdutil.Runner
	Mounts      *mountpoint.Manager
	Partitioner *partitioner.Partitioner
	Bootloader  *bootcfg.Installer
	Linux       *linuxfull.Installer
	Progress    Progress

	// WorkDir hosts the temporary mountpoints. Empty means a fresh
	// temp directory per run.
	WorkDir string
}

func New(runner cmdutil.Runner) *Pipeline {
	mounts := mountpoint.NewManager(runner)
	return &Pipeline{
		Runner:      runner,
		Mounts:      mounts,
		Partitioner: partitioner.New(runner),
		Bootloader:  bootcfg.NewInstaller(runner),
		Linux:       linuxfull.NewInstaller(runner, mounts),
	}
}

// run carries the per-run mutable pieces through the steps.
type run struct {
	req     Request
	res     *Result
	stack   *mountpoint.Stack
	workDir string

	plan        *disk.Plan
	payloadRoot string
	bootDir     string
	espDir      string
	payloadUUID string
}

// Run executes the full sequence. The returned Result is never nil; on
// error it reports how far the run got and whether the device was already
// modified. Cleanup always runs, also after cancellation.
func (p *Pipeline) Run(ctx context.Context, req Request) (*Result, error) {
	res := &Result{Status: StatusFailed, State: StateInit}
	if err := req.validate(); err != nil {
		return res, err
	}
	if err := p.checkDependencies(req); err != nil {
		return res, err
	}

	workDir := p.WorkDir
	if workDir == "" {
		var err error
		workDir, err = os.MkdirTemp("", "usbforge-")
		if err != nil {
			return res, fmt.Errorf("creating work directory: %w", err)
		}
		defer func() {
			if err := os.RemoveAll(workDir); err != nil {
				logrus.WithError(err).Warn("failed to remove work directory")
			}
		}()
	}

	r := &run{
		req:     req,
		res:     res,
		stack:   mountpoint.NewStack(p.Mounts),
		workDir: workDir,
	}
	err := p.execute(ctx, r)

	// The unwind must not be skippable by the cancellation that caused
	// it, so it runs on a detached context.
	res.State = StateUnmounting
	p.setPhase(StateUnmounting)
	if relErr := r.stack.ReleaseAll(context.WithoutCancel(ctx)); relErr != nil {
		if err == nil {
			res.Warnings = append(res.Warnings, fmt.Sprintf("releasing mounts: %v", relErr))
		} else {
			logrus.WithError(relErr).Error("failed to release mounts during failure cleanup")
		}
	}

	if err != nil {
		res.Status = StatusFailed
		res.State = StateFailed
		if errors.Is(err, partitioner.ErrDeviceModified) || r.plan != nil {
			res.DeviceStateUnknown = true
			err = fmt.Errorf("provisioning %s: %w", req.Device, err)
		}
		return res, err
	}

	res.State = StateDone
	if len(res.Warnings) > 0 {
		res.Status = StatusCompletedWithWarnings
	} else {
		res.Status = StatusCompleted
	}
	p.setPhase(StateDone)
	return res, nil
}

// checkDependencies verifies the tools of every later step before the
// first destructive one. The partitioner re-checks its own tools; this
// covers the ones it does not know about.
func (p *Pipeline) checkDependencies(req Request) error {
	for _, tool := range []string{"mount", "umount"} {
		if !p.Runner.LookPath(tool) {
			return fmt.Errorf("required tool %q not found", tool)
		}
	}
	if err := p.Bootloader.CheckDependencies(); err != nil {
		return err
	}
	if req.FullInstallDistro != "" {
		family, err := linuxfull.FamilyFor(req.FullInstallDistro)
		if err != nil {
			return err
		}
		if err := p.Linux.CheckDependencies(family); err != nil {
			return err
		}
	}
	return nil
}

// transition advances to the next state. Cancellation is checked here, so
// every step boundary is a checkpoint.
func (p *Pipeline) transition(ctx context.Context, r *run, s State) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	r.res.State = s
	logrus.WithField("state", s.String()).Info("pipeline state")
	p.setPhase(s)
	return nil
}

func (p *Pipeline) setPhase(s State) {
	if p.Progress != nil {
		p.Progress.SetPhase(s.String())
	}
}

func (p *Pipeline) execute(ctx context.Context, r *run) error {
	if err := p.transition(ctx, r, StatePartitioning); err != nil {
		return err
	}
	plan, err := p.Partitioner.CreateLayout(ctx, r.req.Device, r.req.WindowsSize, r.req.PayloadFS)
	if err != nil {
		return err
	}
	r.plan = plan

	if err := p.transition(ctx, r, StateMountingBoot); err != nil {
		return err
	}
	if err := p.mountBoot(ctx, r); err != nil {
		return err
	}

	if err := p.transition(ctx, r, StateInstallingBootloader); err != nil {
		return err
	}
	if err := p.Bootloader.InstallBootloader(ctx, r.req.Device, r.espDir, r.bootDir); err != nil {
		return err
	}

	if r.req.WindowsImage != "" {
		if err := p.transition(ctx, r, StateCopyingWindows); err != nil {
			return err
		}
		if err := p.copyWindows(ctx, r); err != nil {
			return err
		}
	}

	if len(r.req.ISOs) > 0 {
		if err := p.transition(ctx, r, StateCopyingISOs); err != nil {
			return err
		}
		if err := p.copyISOs(ctx, r); err != nil {
			return err
		}
	}

	if r.req.FullInstallDistro != "" {
		if err := p.transition(ctx, r, StateInstallingLinux); err != nil {
			return err
		}
		if err := p.installLinux(ctx, r); err != nil {
			return err
		}
	}

	if err := p.transition(ctx, r, StateGeneratingConfig); err != nil {
		return err
	}
	return p.generateConfig(ctx, r)
}

// mountBoot mounts the payload partition, which hosts the shared /boot
// tree, and the ESP.
func (p *Pipeline) mountBoot(ctx context.Context, r *run) error {
	r.payloadRoot = filepath.Join(r.workDir, "payload")
	if _, err := r.stack.Mount(ctx, r.plan.Payload().Device, r.payloadRoot, ""); err != nil {
		return err
	}
	r.bootDir = filepath.Join(r.payloadRoot, "boot")
	if err := os.MkdirAll(r.bootDir, 0755); err != nil {
		return fmt.Errorf("creating boot directory: %w", err)
	}

	r.espDir = filepath.Join(r.workDir, "esp")
	if _, err := r.stack.Mount(ctx, r.plan.ESP().Device, r.espDir, ""); err != nil {
		return err
	}
	return nil
}

func (p *Pipeline) copyWindows(ctx context.Context, r *run) error {
	srcDir := filepath.Join(r.workDir, "windows-src")
	if _, err := r.stack.MountLoop(ctx, r.req.WindowsImage, srcDir); err != nil {
		return err
	}
	winDir := filepath.Join(r.workDir, "windows")
	if _, err := r.stack.Mount(ctx, r.plan.Windows().Device, winDir, ""); err != nil {
		return err
	}

	var progress wintogo.Progress
	if p.Progress != nil {
		progress = p.Progress
	}
	inst := &wintogo.Installer{Progress: progress}
	return inst.Install(ctx, wintogo.Options{
		SourceDir: srcDir,
		TargetDir: winDir,
		ESPDir:    r.espDir,
	})
}

func (p *Pipeline) copyISOs(ctx context.Context, r *run) error {
	isoDir := filepath.Join(r.bootDir, isoscan.ISODirName)
	if err := os.MkdirAll(isoDir, 0755); err != nil {
		return fmt.Errorf("creating iso directory: %w", err)
	}
	var report func(int64)
	if p.Progress != nil {
		report = p.Progress.AddBytes
	}
	for _, iso := range r.req.ISOs {
		logrus.WithField("iso", iso).Info("staging ISO")
		dst := filepath.Join(isoDir, filepath.Base(iso))
		if err := common.CopyFile(ctx, iso, dst, report); err != nil {
			return fmt.Errorf("staging %s: %w", iso, err)
		}
	}
	return nil
}

func (p *Pipeline) installLinux(ctx context.Context, r *run) error {
	rootUUID, err := p.payloadFilesystemUUID(ctx, r)
	if err != nil {
		return err
	}
	warnings, err := p.Linux.Install(ctx, linuxfull.Options{
		Distro:   r.req.FullInstallDistro,
		Release:  r.req.FullInstallRelease,
		RootDir:  r.payloadRoot,
		RootUUID: rootUUID,
		FSType:   r.plan.Payload().FSType,
		Proxy:    r.req.Proxy,
	})
	r.res.Warnings = append(r.res.Warnings, warnings...)
	return err
}

// payloadFilesystemUUID resolves the payload's filesystem UUID, which is
// what both fstab and the boot menu's search command key on. It is
// distinct from the PARTUUID recorded in the plan, and resolved at most
// once per run.
func (p *Pipeline) payloadFilesystemUUID(ctx context.Context, r *run) (string, error) {
	if r.payloadUUID != "" {
		return r.payloadUUID, nil
	}
	device := r.plan.Payload().Device
	out, err := p.Runner.Output(ctx, "blkid", "-s", "UUID", "-o", "value", device)
	if err != nil {
		return "", fmt.Errorf("resolving filesystem UUID of %s: %w", device, err)
	}
	out = strings.TrimSpace(out)
	if out == "" {
		return "", fmt.Errorf("no filesystem UUID on %s", device)
	}
	r.payloadUUID = out
	return out, nil
}

func (p *Pipeline) generateConfig(ctx context.Context, r *run) error {
	catalog := &bootcfg.Catalog{}

	if r.req.WindowsImage != "" {
		catalog.Windows = append(catalog.Windows, bootcfg.WindowsEntry{
			PartUUID: r.plan.Windows().UUID,
		})
	}

	if r.req.FullInstallDistro != "" {
		rootUUID, err := p.payloadFilesystemUUID(ctx, r)
		if err != nil {
			return err
		}
		catalog.Installed = &bootcfg.InstalledLinuxEntry{
			RootUUID: rootUUID,
			Name:     displayName(r.req.FullInstallDistro),
		}
	}

	entries, err := isoscan.Scan(r.bootDir)
	if err != nil {
		return err
	}
	for _, entry := range entries {
		if entry.Profile == nil {
			r.res.Warnings = append(r.res.Warnings,
				fmt.Sprintf("iso %s: no distro profile, listed as unsupported", entry.Filename))
		}
	}
	catalog.ISOs = entries

	if _, err := bootcfg.WriteConfig(r.bootDir, catalog); err != nil {
		return err
	}
	return nil
}

func displayName(distro string) string {
	if distro == "" {
		return distro
	}
	return strings.ToUpper(distro[:1]) + strings.ToLower(distro[1:])
}
