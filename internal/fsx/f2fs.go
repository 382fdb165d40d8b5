package fsx

import (
	"context"

	"github.com/osbuild/usbforge/internal/cmdutil"
	"github.com/osbuild/usbforge/internal/disk"
)

type f2fs struct {
	runner cmdutil.Runner
}

func newF2FS(runner cmdutil.Runner) Handler {
	return &f2fs{runner: runner}
}

func (f *f2fs) Name() string                    { return "F2FS" }
func (f *f2fs) PartedType() string              { return "ext4" }
func (f *f2fs) TypeGUID() string                { return disk.FilesystemDataGUID }
func (f *f2fs) SupportsLargeFiles() bool        { return true }
func (f *f2fs) NeedsUEFISupportPartition() bool { return false }

func (f *f2fs) MkfsTool() string { return "mkfs.f2fs" }

func (f *f2fs) Format(ctx context.Context, device, label string) error {
	// Checksum features protect metadata on flash media that lies about
	// write completion.
	return f.runner.Run(ctx, "mkfs.f2fs", "-f",
		"-O", "extra_attr,inode_checksum,sb_checksum",
		"-l", label, device)
}

func (f *f2fs) Validate(ctx context.Context, device string) error {
	if !f.runner.LookPath("fsck.f2fs") {
		return nil
	}
	return f.runner.Run(ctx, "fsck.f2fs", "-f", device)
}
