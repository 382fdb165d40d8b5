package fsx

import (
	"context"

	"github.com/osbuild/usbforge/internal/cmdutil"
	"github.com/osbuild/usbforge/internal/disk"
)

type udf struct {
	runner cmdutil.Runner
}

func newUDF(runner cmdutil.Runner) Handler {
	return &udf{runner: runner}
}

func (f *udf) Name() string                    { return "UDF" }
func (f *udf) PartedType() string              { return "udf" }
func (f *udf) TypeGUID() string                { return disk.MicrosoftBasicDataGUID }
func (f *udf) SupportsLargeFiles() bool        { return true }
func (f *udf) NeedsUEFISupportPartition() bool { return true }

func (f *udf) MkfsTool() string { return "mkudffs" }

func (f *udf) Format(ctx context.Context, device, label string) error {
	return f.runner.Run(ctx, "mkudffs", "--media-type=hd", "--label", label, device)
}

func (f *udf) Validate(ctx context.Context, device string) error {
	// No maintained checker for UDF, assume the fresh format is sound.
	return nil
}
