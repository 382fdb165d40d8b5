package fsx

import (
	"context"

	"github.com/osbuild/usbforge/internal/cmdutil"
	"github.com/osbuild/usbforge/internal/disk"
)

type exfat struct {
	runner cmdutil.Runner
}

func newExFAT(runner cmdutil.Runner) Handler {
	return &exfat{runner: runner}
}

func (f *exfat) Name() string                    { return "EXFAT" }
func (f *exfat) PartedType() string              { return "fat32" }
func (f *exfat) TypeGUID() string                { return disk.MicrosoftBasicDataGUID }
func (f *exfat) SupportsLargeFiles() bool        { return true }
func (f *exfat) NeedsUEFISupportPartition() bool { return true }

func (f *exfat) MkfsTool() string { return "mkfs.exfat" }

func (f *exfat) Format(ctx context.Context, device, label string) error {
	return f.runner.Run(ctx, "mkfs.exfat", "-L", label, device)
}

func (f *exfat) Validate(ctx context.Context, device string) error {
	if !f.runner.LookPath("fsck.exfat") {
		return nil
	}
	return f.runner.Run(ctx, "fsck.exfat", "-n", device)
}
