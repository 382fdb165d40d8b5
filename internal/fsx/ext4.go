package fsx

import (
	"context"

	"github.com/osbuild/usbforge/internal/cmdutil"
	"github.com/osbuild/usbforge/internal/disk"
)

type ext4 struct {
	runner cmdutil.Runner
}

func newExt4(runner cmdutil.Runner) Handler {
	return &ext4{runner: runner}
}

func (f *ext4) Name() string                    { return "EXT4" }
func (f *ext4) PartedType() string              { return "ext4" }
func (f *ext4) TypeGUID() string                { return disk.FilesystemDataGUID }
func (f *ext4) SupportsLargeFiles() bool        { return true }
func (f *ext4) NeedsUEFISupportPartition() bool { return false }

func (f *ext4) MkfsTool() string { return "mkfs.ext4" }

func (f *ext4) Format(ctx context.Context, device, label string) error {
	return f.runner.Run(ctx, "mkfs.ext4", "-F", "-L", label, device)
}

func (f *ext4) Validate(ctx context.Context, device string) error {
	if !f.runner.LookPath("e2fsck") {
		return nil
	}
	return f.runner.Run(ctx, "e2fsck", "-f", "-n", device)
}
