package fsx

import (
	"context"

	"github.com/osbuild/usbforge/internal/cmdutil"
	"github.com/osbuild/usbforge/internal/disk"
)

type vfat struct {
	runner cmdutil.Runner
}

func newVFAT(runner cmdutil.Runner) Handler {
	return &vfat{runner: runner}
}

func (f *vfat) Name() string                    { return "FAT32" }
func (f *vfat) PartedType() string              { return "fat32" }
func (f *vfat) TypeGUID() string                { return disk.MicrosoftBasicDataGUID }
func (f *vfat) SupportsLargeFiles() bool        { return false }
func (f *vfat) NeedsUEFISupportPartition() bool { return false }
func (f *vfat) MkfsTool() string                { return "mkdosfs" }

func (f *vfat) Format(ctx context.Context, device, label string) error {
	return f.runner.Run(ctx, "mkdosfs", "-F", "32", "-n", label, device)
}

func (f *vfat) Validate(ctx context.Context, device string) error {
	if !f.runner.LookPath("fsck.fat") {
		return nil
	}
	return f.runner.Run(ctx, "fsck.fat", "-n", device)
}
