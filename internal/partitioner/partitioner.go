// Package partitioner executes a disk.Plan against a physical block device:
// signature wipe, GPT creation, partition creation, formatting and PARTUUID
// resolution.
//
// Everything here is destructive. Callers must have confirmed the device
// identity before invoking CreateLayout.
package partitioner

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/osbuild/usbforge/internal/cmdutil"
	"github.com/osbuild/usbforge/internal/common"
	"github.com/osbuild/usbforge/internal/disk"
	"github.com/osbuild/usbforge/internal/fsx"
)

// sgdisk two-byte type codes for the partition type GUIDs used in the plan.
var sgdiskTypeCodes = map[string]string{
	disk.EFISystemPartitionGUID: "EF00",
	disk.BIOSBootPartitionGUID:  "EF02",
	disk.MicrosoftBasicDataGUID: "0700",
	disk.FilesystemDataGUID:     "8300",
}

// ErrDeviceModified marks errors raised after the first destructive step.
// Once it appears, the device cannot be reused without a full re-wipe.
var ErrDeviceModified = errors.New("device left in unknown state")

func markDestructive(err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%w: %w", ErrDeviceModified, err)
}

// Partitioner creates and formats the multi-boot layout on one device.
type Partitioner struct {
	runner cmdutil.Runner

	// Settle is the constant wait after each partition-table mutation so
	// the kernel can expose the new device node. It does not scale with
	// partition size.
	Settle time.Duration

	// DeviceExists reports whether a device node is present. Overridable
	// for tests.
	DeviceExists func(path string) bool
}

func New(runner cmdutil.Runner) *Partitioner {
	return &Partitioner{
		runner: runner,
		Settle: time.Second,
		DeviceExists: func(path string) bool {
			_, err := os.Stat(path)
			return err == nil
		},
	}
}

// CreateLayout wipes device and builds the fixed four-partition layout.
// winSize requests the Windows-To-Go partition size in bytes; payloadFS
// selects the payload partition's filesystem.
//
// On error the device is left in an indeterminate state; the only recovery
// is re-running CreateLayout from scratch.
func (p *Partitioner) CreateLayout(ctx context.Context, device string, winSize uint64, payloadFS string) (*disk.Plan, error) {
	payloadHandler, err := fsx.New(payloadFS, p.runner)
	if err != nil {
		return nil, err
	}

	// All precondition checks happen before the first destructive step.
	if !p.DeviceExists(device) {
		return nil, fmt.Errorf("target device %s does not exist", device)
	}
	for _, tool := range []string{"wipefs", "sgdisk", "partprobe", "blkid", "lsblk"} {
		if !p.runner.LookPath(tool) {
			return nil, fmt.Errorf("required tool %q not found", tool)
		}
	}
	plan := disk.NewPlan(device, winSize, payloadHandler.Name(), payloadHandler.TypeGUID())
	handlers := make(map[disk.Role]fsx.Handler)
	for _, part := range plan.Partitions {
		if !part.Formatted() {
			continue
		}
		h, err := fsx.New(part.FSType, p.runner)
		if err != nil {
			return nil, err
		}
		if err := fsx.CheckDependencies(h, p.runner); err != nil {
			return nil, err
		}
		handlers[part.Role] = h
	}
	if err := p.checkNotBusy(ctx, device); err != nil {
		return nil, err
	}

	logrus.WithField("device", device).Info("wiping existing signatures")
	if err := p.step(ctx, "wipefs", "--all", "--force", device); err != nil {
		return nil, markDestructive(err)
	}
	if err := p.step(ctx, "sgdisk", "--zap-all", device); err != nil {
		return nil, markDestructive(err)
	}
	if err := p.step(ctx, "sgdisk", "--clear", device); err != nil {
		return nil, markDestructive(err)
	}
	if err := p.settle(ctx, device); err != nil {
		return nil, markDestructive(err)
	}

	for idx := range plan.Partitions {
		part := &plan.Partitions[idx]
		if err := p.createPartition(ctx, plan.Device, part); err != nil {
			return nil, markDestructive(err)
		}
		if err := p.settle(ctx, plan.Device); err != nil {
			return nil, markDestructive(err)
		}
	}

	for idx := range plan.Partitions {
		part := &plan.Partitions[idx]
		if !part.Formatted() {
			continue
		}
		h := handlers[part.Role]
		logrus.WithFields(logrus.Fields{
			"device": part.Device,
			"fs":     h.Name(),
			"label":  part.Label,
		}).Info("formatting partition")
		if err := h.Format(ctx, part.Device, part.Label); err != nil {
			return nil, markDestructive(fmt.Errorf("formatting %s (%s): %w", part.Device, part.Role, err))
		}
		partUUID, err := p.resolvePartUUID(ctx, part.Device)
		if err != nil {
			return nil, markDestructive(err)
		}
		part.UUID = partUUID
	}

	if err := plan.Validate(); err != nil {
		return nil, markDestructive(fmt.Errorf("internal error: executed plan is inconsistent: %w", err))
	}
	return plan, nil
}

func (p *Partitioner) step(ctx context.Context, name string, args ...string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return p.runner.Run(ctx, name, args...)
}

// checkNotBusy fails when any partition of device is currently mounted.
func (p *Partitioner) checkNotBusy(ctx context.Context, device string) error {
	out, err := p.runner.Output(ctx, "lsblk", "--noheadings", "--output", "MOUNTPOINT", device)
	if err != nil {
		return fmt.Errorf("checking whether %s is busy: %w", device, err)
	}
	for _, line := range strings.Split(out, "\n") {
		if strings.TrimSpace(line) != "" {
			return fmt.Errorf("device %s is busy: %s is mounted", device, strings.TrimSpace(line))
		}
	}
	return nil
}

func (p *Partitioner) createPartition(ctx context.Context, device string, part *disk.Partition) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	startMiB := part.Start / common.MiB
	end := "0" // sgdisk: 0 means "to the end of the disk"
	if part.Size > 0 {
		end = fmt.Sprintf("+%dM", part.Size/common.MiB)
	}
	typeCode, ok := sgdiskTypeCodes[part.TypeGUID]
	if !ok {
		return fmt.Errorf("no sgdisk type code for GUID %s", part.TypeGUID)
	}

	logrus.WithFields(logrus.Fields{
		"device": part.Device,
		"role":   part.Role.String(),
	}).Info("creating partition")

	err := p.runner.Run(ctx, "sgdisk", device,
		fmt.Sprintf("--new=%d:%dM:%s", part.Number, startMiB, end),
		fmt.Sprintf("--typecode=%d:%s", part.Number, typeCode),
		fmt.Sprintf("--change-name=%d:%s", part.Number, part.Label))
	if err != nil {
		return fmt.Errorf("creating %s partition: %w", part.Role, err)
	}
	return nil
}

// settle asks the kernel to reread the table and waits a constant delay for
// the new device nodes to appear.
func (p *Partitioner) settle(ctx context.Context, device string) error {
	if err := p.runner.Run(ctx, "partprobe", device); err != nil {
		logrus.WithError(err).Debug("partprobe failed, relying on settle delay")
	}
	if p.Settle <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(p.Settle)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func (p *Partitioner) resolvePartUUID(ctx context.Context, partDevice string) (string, error) {
	out, err := p.runner.Output(ctx, "blkid", "-s", "PARTUUID", "-o", "value", partDevice)
	if err != nil {
		return "", fmt.Errorf("resolving PARTUUID of %s: %w", partDevice, err)
	}
	out = strings.TrimSpace(out)
	if _, err := uuid.Parse(out); err != nil {
		return "", fmt.Errorf("blkid returned invalid PARTUUID %q for %s: %w", out, partDevice, err)
	}
	return out, nil
}
