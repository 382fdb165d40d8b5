package fsx

import (
	"context"

	"github.com/osbuild/usbforge/internal/cmdutil"
	"github.com/osbuild/usbforge/internal/disk"
)

type ntfs struct {
	runner cmdutil.Runner
}

func newNTFS(runner cmdutil.Runner) Handler {
	return &ntfs{runner: runner}
}

func (f *ntfs) Name() string             { return "NTFS" }
func (f *ntfs) PartedType() string       { return "ntfs" }
func (f *ntfs) TypeGUID() string         { return disk.MicrosoftBasicDataGUID }
func (f *ntfs) SupportsLargeFiles() bool { return true }

// UEFI firmware cannot read NTFS directly; booting needs a FAT helper.
func (f *ntfs) NeedsUEFISupportPartition() bool { return true }

func (f *ntfs) MkfsTool() string { return "mkntfs" }

func (f *ntfs) Format(ctx context.Context, device, label string) error {
	// -f: fast format, skips the full zeroing pass that would take hours
	// on a large USB stick.
	return f.runner.Run(ctx, "mkntfs", "-f", "-L", label, device)
}

func (f *ntfs) Validate(ctx context.Context, device string) error {
	if !f.runner.LookPath("ntfsfix") {
		return nil
	}
	// -n: check only, change nothing.
	return f.runner.Run(ctx, "ntfsfix", "-n", device)
}
