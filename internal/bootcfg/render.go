package bootcfg

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// ConfigRelPath is where the rendered menu lives relative to the boot
// partition root.
const ConfigRelPath = "grub/grub.cfg"

const header = `# Generated by usbforge. Do not edit; regenerating the drive overwrites it.

set timeout=10
set default=0

insmod part_gpt
insmod part_msdos
insmod fat
insmod ntfs
insmod exfat
insmod ext2
insmod f2fs
insmod btrfs
insmod udf
insmod iso9660
insmod chain
insmod search_fs_uuid
insmod search_label
insmod loopback
insmod linux
insmod initrd
insmod all_video

if loadfont unicode ; then
  set gfxmode=auto
  set gfxpayload=keep
  insmod gfxterm
  terminal_output gfxterm
fi
`

// Render produces the complete menu text for the catalog. The output is a
// pure function of the catalog: no timestamps, no generated identifiers, so
// identical catalogs render byte-identical text.
//
// Emission order is fixed: Windows entries, installed Linux, the ISO
// submenu, then the utilities submenu.
func Render(catalog *Catalog) (string, error) {
	if err := catalog.validate(); err != nil {
		return "", fmt.Errorf("boot catalog: %w", err)
	}

	var sb strings.Builder
	sb.WriteString(header)

	for _, win := range catalog.Windows {
		renderWindows(&sb, win)
	}
	if catalog.Installed != nil {
		renderInstalledLinux(&sb, catalog.Installed)
	}
	renderISOSubmenu(&sb, catalog.ISOs)
	renderUtilities(&sb)

	return sb.String(), nil
}

// WriteConfig renders the catalog and persists it at the conventional path
// under the boot partition root, returning the rendered text.
func WriteConfig(bootDir string, catalog *Catalog) (string, error) {
	text, err := Render(catalog)
	if err != nil {
		return "", err
	}
	path := filepath.Join(bootDir, ConfigRelPath)
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return "", fmt.Errorf("creating grub directory: %w", err)
	}
	if err := os.WriteFile(path, []byte(text), 0644); err != nil {
		return "", fmt.Errorf("writing %s: %w", path, err)
	}
	return text, nil
}

// Firmware mode is unknown when the menu is generated, so both the UEFI
// and the legacy chain-load stanzas are always emitted.
func renderWindows(sb *strings.Builder, win WindowsEntry) {
	fmt.Fprintf(sb, `
menuentry "Boot Windows (UEFI)" --class windows {
    search --no-floppy --fs-uuid --set=root %[1]s
    chainloader /efi/microsoft/boot/bootmgfw.efi
}

menuentry "Boot Windows (Legacy BIOS)" --class windows {
    search --no-floppy --fs-uuid --set=root %[1]s
    ntldr /bootmgr
}
`, win.PartUUID)
}

func renderInstalledLinux(sb *strings.Builder, lin *InstalledLinuxEntry) {
	opts := lin.KernelOpts
	if opts != "" {
		opts = " " + opts
	}
	fmt.Fprintf(sb, `
menuentry "Boot Installed Linux (%[1]s)" --class gnu-linux {
    search --no-floppy --fs-uuid --set=root %[2]s
    linux /boot/vmlinuz root=UUID=%[2]s ro quiet%[3]s
    initrd /boot/initrd.img
}
`, lin.Name, lin.RootUUID, opts)
}

func renderISOSubmenu(sb *strings.Builder, isos []ISOEntry) {
	sb.WriteString("\nsubmenu \"Boot Linux ISOs from /boot/iso/\" {\n")
	if len(isos) == 0 {
		sb.WriteString("    menuentry \"No ISOs found in /boot/iso/\" { true }\n")
	}
	for _, iso := range isos {
		if iso.Profile == nil {
			// Unrecognized ISOs are noted but never break the menu.
			fmt.Fprintf(sb, "    menuentry \"%s (skipped: unsupported distro)\" { true }\n", iso.Filename)
			continue
		}
		fmt.Fprintf(sb, `    menuentry "Boot %s" --class gnu-linux {
        set isofile="%s"
        loopback loop $isofile
        linux (loop)%s %s
        initrd (loop)%s
    }
`, iso.Filename, iso.Path, iso.Profile.Kernel(), iso.Profile.Options(iso.Path, iso.Label), iso.Profile.Initrd())
	}
	sb.WriteString("}\n")
}

func renderUtilities(sb *strings.Builder) {
	sb.WriteString(`
submenu "Utilities" {
    menuentry "Reboot" {
        reboot
    }
    menuentry "Shutdown" {
        halt
    }
    menuentry "UEFI Firmware Settings (UEFI only)" {
        fwsetup
    }
}
`)
}
