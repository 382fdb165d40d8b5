package bootcfg_test

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/osbuild/usbforge/internal/bootcfg"
	"github.com/osbuild/usbforge/internal/cmdutil"
	"github.com/osbuild/usbforge/internal/distroprofile"
)

const (
	winUUID  = "5a0dbefc-40f7-4a6b-bd2d-30e3e9bbf6ca"
	rootUUID = "8bd60da6-7c3e-4f5d-9c20-4bb3f0f5f1a2"
)

func fullCatalog() *bootcfg.Catalog {
	return &bootcfg.Catalog{
		Windows: []bootcfg.WindowsEntry{{PartUUID: winUUID}},
		Installed: &bootcfg.InstalledLinuxEntry{
			RootUUID:   rootUUID,
			Name:       "Arch F2FS",
			KernelOpts: "rw",
		},
		ISOs: []bootcfg.ISOEntry{
			{
				Path:     "/boot/iso/ubuntu-22.04-desktop-amd64.iso",
				Filename: "ubuntu-22.04-desktop-amd64.iso",
				Label:    "Ubuntu 22.04 LTS amd64",
				Profile:  distroprofile.Match("ubuntu-22.04-desktop-amd64.iso"),
			},
			{
				Path:     "/boot/iso/mystery.iso",
				Filename: "mystery.iso",
				Label:    "MYSTERY",
			},
		},
	}
}

func TestRenderIsIdempotent(t *testing.T) {
	first, err := bootcfg.Render(fullCatalog())
	require.NoError(t, err)
	second, err := bootcfg.Render(fullCatalog())
	require.NoError(t, err)
	assert.Equal(t, first, second)
}

func TestRenderWindowsEmitsBothFirmwareStanzas(t *testing.T) {
	text, err := bootcfg.Render(fullCatalog())
	require.NoError(t, err)

	assert.Contains(t, text, "Boot Windows (UEFI)")
	assert.Contains(t, text, "chainloader /efi/microsoft/boot/bootmgfw.efi")
	assert.Contains(t, text, "Boot Windows (Legacy BIOS)")
	assert.Contains(t, text, "ntldr /bootmgr")
	assert.Equal(t, 2, strings.Count(text, "search --no-floppy --fs-uuid --set=root "+winUUID))
}

func TestRenderUbuntuLoopbackStanza(t *testing.T) {
	text, err := bootcfg.Render(fullCatalog())
	require.NoError(t, err)

	assert.Contains(t, text, `set isofile="/boot/iso/ubuntu-22.04-desktop-amd64.iso"`)
	assert.Contains(t, text, "loopback loop $isofile")
	assert.Contains(t, text, "linux (loop)/casper/vmlinuz iso-scan/filename=/boot/iso/ubuntu-22.04-desktop-amd64.iso boot=casper")
	assert.Contains(t, text, "initrd (loop)/casper/initrd.lz")
}

func TestRenderUnknownISOIsSkippedNotFatal(t *testing.T) {
	text, err := bootcfg.Render(fullCatalog())
	require.NoError(t, err)
	assert.Contains(t, text, `menuentry "mystery.iso (skipped: unsupported distro)" { true }`)
}

func TestRenderInstalledLinux(t *testing.T) {
	text, err := bootcfg.Render(fullCatalog())
	require.NoError(t, err)

	assert.Contains(t, text, "Boot Installed Linux (Arch F2FS)")
	assert.Contains(t, text, "linux /boot/vmlinuz root=UUID="+rootUUID+" ro quiet rw")
	assert.NotContains(t, text, "loopback loop /boot/vmlinuz")
}

func TestRenderEmissionOrder(t *testing.T) {
	text, err := bootcfg.Render(fullCatalog())
	require.NoError(t, err)

	winIdx := strings.Index(text, "Boot Windows (UEFI)")
	linIdx := strings.Index(text, "Boot Installed Linux")
	isoIdx := strings.Index(text, "Boot Linux ISOs from /boot/iso/")
	utilIdx := strings.Index(text, `submenu "Utilities"`)

	require.True(t, winIdx >= 0 && linIdx >= 0 && isoIdx >= 0 && utilIdx >= 0)
	assert.Less(t, winIdx, linIdx)
	assert.Less(t, linIdx, isoIdx)
	assert.Less(t, isoIdx, utilIdx)
}

func TestRenderEmptyISOList(t *testing.T) {
	text, err := bootcfg.Render(&bootcfg.Catalog{
		Windows: []bootcfg.WindowsEntry{{PartUUID: winUUID}},
	})
	require.NoError(t, err)
	assert.Contains(t, text, `menuentry "No ISOs found in /boot/iso/" { true }`)
}

func TestRenderRejectsIncompleteCatalog(t *testing.T) {
	_, err := bootcfg.Render(&bootcfg.Catalog{
		Windows: []bootcfg.WindowsEntry{{}},
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "partition UUID")
}

func TestWriteConfig(t *testing.T) {
	bootDir := t.TempDir()
	text, err := bootcfg.WriteConfig(bootDir, fullCatalog())
	require.NoError(t, err)

	written, err := os.ReadFile(filepath.Join(bootDir, "grub", "grub.cfg"))
	require.NoError(t, err)
	assert.Equal(t, text, string(written))
}

func TestInstallBootloader(t *testing.T) {
	runner := cmdutil.NewFakeRunner()
	inst := bootcfg.NewInstaller(runner)
	bootDir := t.TempDir()
	espDir := t.TempDir()

	require.NoError(t, inst.InstallBootloader(context.Background(), "/dev/sdx", espDir, bootDir))

	lines := runner.CallLines()
	require.Len(t, lines, 2)
	assert.Contains(t, lines[0], "--target=x86_64-efi")
	assert.Contains(t, lines[0], "--removable")
	assert.Contains(t, lines[0], "--efi-directory="+espDir)
	assert.NotContains(t, lines[0], "/dev/sdx")
	assert.Contains(t, lines[1], "--target=i386-pc")
	assert.Contains(t, lines[1], "/dev/sdx")

	// Both targets share the same boot-files directory.
	assert.Contains(t, lines[0], "--boot-directory="+bootDir)
	assert.Contains(t, lines[1], "--boot-directory="+bootDir)

	// The shared menu directory exists.
	_, err := os.Stat(filepath.Join(bootDir, "grub"))
	assert.NoError(t, err)
}

func TestInstallBootloaderMissingTool(t *testing.T) {
	runner := cmdutil.NewFakeRunner()
	runner.Missing["grub-install"] = true
	inst := bootcfg.NewInstaller(runner)

	err := inst.InstallBootloader(context.Background(), "/dev/sdx", t.TempDir(), t.TempDir())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "grub-install")
	assert.Empty(t, runner.Calls)
}
