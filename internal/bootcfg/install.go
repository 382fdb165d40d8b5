// Package bootcfg installs the GRUB bootloader onto the target device and
// renders the boot menu from the catalog of bootable entities.
package bootcfg

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/sirupsen/logrus"

	"github.com/osbuild/usbforge/internal/cmdutil"
)

// Installer drives grub-install for both firmware targets.
type Installer struct {
	runner cmdutil.Runner
}

func NewInstaller(runner cmdutil.Runner) *Installer {
	return &Installer{runner: runner}
}

// CheckDependencies reports an error before any side effect when
// grub-install is unavailable.
func (inst *Installer) CheckDependencies() error {
	if !inst.runner.LookPath("grub-install") {
		return fmt.Errorf("required tool %q not found", "grub-install")
	}
	return nil
}

// InstallBootloader installs GRUB twice against the same boot-files
// directory: the UEFI target in removable form under the ESP, and the
// legacy BIOS target into the device's boot sector. Both firmware paths
// then find the same menu under <bootDir>/grub.
func (inst *Installer) InstallBootloader(ctx context.Context, device, espDir, bootDir string) error {
	if err := inst.CheckDependencies(); err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Join(bootDir, "grub"), 0755); err != nil {
		return fmt.Errorf("creating grub directory: %w", err)
	}

	logrus.WithField("device", device).Info("installing GRUB for UEFI (x86_64-efi)")
	err := inst.runner.Run(ctx, "grub-install",
		"--target=x86_64-efi",
		"--efi-directory="+espDir,
		"--boot-directory="+bootDir,
		"--removable",
		"--recheck")
	if err != nil {
		return fmt.Errorf("installing UEFI bootloader: %w", err)
	}

	logrus.WithField("device", device).Info("installing GRUB for legacy BIOS (i386-pc)")
	err = inst.runner.Run(ctx, "grub-install",
		"--target=i386-pc",
		"--boot-directory="+bootDir,
		"--recheck",
		device)
	if err != nil {
		return fmt.Errorf("installing BIOS bootloader: %w", err)
	}

	return nil
}
