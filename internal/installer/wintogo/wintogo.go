// Package wintogo turns an extracted Windows installation tree into a
// bootable Windows-To-Go workspace on the target NTFS partition.
package wintogo

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/sirupsen/logrus"

	"github.com/osbuild/usbforge/internal/common"
)

// Progress receives byte counts as file data lands on the target. USB
// sticks can write as slowly as a few MiB/s, so per-chunk reporting is the
// only way to keep a progress display honest.
type Progress interface {
	AddBytes(n int64)
}

// Options describe one Windows-To-Go installation. All three directories
// must already be mounted.
type Options struct {
	// SourceDir is the root of the mounted Windows installation media.
	SourceDir string
	// TargetDir is the root of the mounted Windows partition.
	TargetDir string
	// ESPDir is the root of the mounted EFI system partition.
	ESPDir string
}

func (opts *Options) validate() error {
	for _, dir := range []struct{ name, path string }{
		{"source", opts.SourceDir},
		{"target", opts.TargetDir},
		{"ESP", opts.ESPDir},
	} {
		if dir.path == "" {
			return fmt.Errorf("%s directory not set", dir.name)
		}
		info, err := os.Stat(dir.path)
		if err != nil {
			return fmt.Errorf("%s directory: %w", dir.name, err)
		}
		if !info.IsDir() {
			return fmt.Errorf("%s directory %s is not a directory", dir.name, dir.path)
		}
	}
	if _, err := os.Stat(filepath.Join(opts.SourceDir, "sources")); err != nil {
		return fmt.Errorf("%s does not look like Windows installation media: %w", opts.SourceDir, err)
	}
	return nil
}

// Installer copies the Windows tree and applies the portable-boot
// modifications.
type Installer struct {
	// Progress may be nil.
	Progress Progress
}

// Install performs the complete Windows-To-Go installation: file copy,
// version-specific workarounds, and ESP bootloader staging.
func (inst *Installer) Install(ctx context.Context, opts Options) error {
	if err := opts.validate(); err != nil {
		return err
	}

	version := DetectVersion(opts.SourceDir)
	logrus.WithField("version", version.Name).Info("detected Windows version")

	if err := copyTree(ctx, opts.SourceDir, opts.TargetDir, inst.Progress); err != nil {
		return fmt.Errorf("copying Windows files: %w", err)
	}

	if version.IsWindows11 {
		logrus.Info("applying Windows 11 TPM, Secure Boot and RAM requirement bypass")
		if err := writeRequirementBypass(opts.TargetDir); err != nil {
			return fmt.Errorf("writing Windows 11 requirement bypass: %w", err)
		}
	}
	if err := writePortableDriverConfig(opts.TargetDir); err != nil {
		return fmt.Errorf("writing portable driver configuration: %w", err)
	}

	if err := stageESPBootFiles(opts.TargetDir, opts.ESPDir); err != nil {
		return fmt.Errorf("staging ESP boot files: %w", err)
	}
	return nil
}

// Version is what can be told about Windows from its installation media
// without mounting the install image itself.
type Version struct {
	Name        string
	IsWindows11 bool
}

// DetectVersion classifies the installation media. Windows 11 media carry
// the hardware appraiser libraries under sources/; their presence is the
// discriminator.
func DetectVersion(sourceDir string) Version {
	indicators := []string{
		filepath.Join(sourceDir, "sources", "appraiserres.dll"),
		filepath.Join(sourceDir, "sources", "compatresources.dll"),
	}
	for _, path := range indicators {
		if _, err := os.Stat(path); err == nil {
			return Version{Name: "Windows 11", IsWindows11: true}
		}
	}
	return Version{Name: "Windows 10 or older"}
}

// TotalSize sums the file sizes under dir, for sizing progress displays
// and free-space checks.
func TotalSize(dir string) (int64, error) {
	var total int64
	err := filepath.WalkDir(dir, func(path string, entry os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if entry.Type().IsRegular() {
			info, err := entry.Info()
			if err != nil {
				return err
			}
			total += info.Size()
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("sizing %s: %w", dir, err)
	}
	return total, nil
}

func copyTree(ctx context.Context, srcRoot, dstRoot string, progress Progress) error {
	return filepath.WalkDir(srcRoot, func(path string, entry os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}

		rel, err := filepath.Rel(srcRoot, path)
		if err != nil {
			return err
		}
		dst := filepath.Join(dstRoot, rel)

		if entry.IsDir() {
			return os.MkdirAll(dst, 0755)
		}
		if !entry.Type().IsRegular() {
			// NTFS has no use for the odd symlink on install media.
			logrus.WithField("path", path).Debug("skipping irregular file")
			return nil
		}

		var report func(int64)
		if progress != nil {
			report = progress.AddBytes
		}
		if err := common.CopyFile(ctx, path, dst, report); err != nil {
			return fmt.Errorf("copying %s: %w", rel, err)
		}
		return nil
	})
}
