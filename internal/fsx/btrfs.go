package fsx

import (
	"context"

	"github.com/osbuild/usbforge/internal/cmdutil"
	"github.com/osbuild/usbforge/internal/disk"
)

type btrfs struct {
	runner cmdutil.Runner
}

func newBtrfs(runner cmdutil.Runner) Handler {
	return &btrfs{runner: runner}
}

func (f *btrfs) Name() string                    { return "BTRFS" }
func (f *btrfs) PartedType() string              { return "btrfs" }
func (f *btrfs) TypeGUID() string                { return disk.FilesystemDataGUID }
func (f *btrfs) SupportsLargeFiles() bool        { return true }
func (f *btrfs) NeedsUEFISupportPartition() bool { return false }

func (f *btrfs) MkfsTool() string { return "mkfs.btrfs" }

func (f *btrfs) Format(ctx context.Context, device, label string) error {
	return f.runner.Run(ctx, "mkfs.btrfs", "-f", "-L", label, device)
}

func (f *btrfs) Validate(ctx context.Context, device string) error {
	if !f.runner.LookPath("btrfs") {
		return nil
	}
	return f.runner.Run(ctx, "btrfs", "check", "--readonly", device)
}
