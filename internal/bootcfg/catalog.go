package bootcfg

import (
	"fmt"

	"github.com/osbuild/usbforge/internal/distroprofile"
)

// WindowsEntry chain-loads a Windows-To-Go installation by partition UUID.
type WindowsEntry struct {
	PartUUID string
}

// ISOEntry loopback-boots a live ISO stored under /boot/iso on the boot
// partition. Profile is nil when no distro profile matched the file name;
// such entries render as a disabled note instead of a boot stanza.
type ISOEntry struct {
	// Path is the ISO path as GRUB sees it, e.g. /boot/iso/ubuntu.iso.
	Path string
	// Filename is the bare file name, used for menu titles and matching.
	Filename string
	// Label is the ISO9660 volume label.
	Label string
	// Profile is the matched distro profile, or nil.
	Profile *distroprofile.Profile
}

// InstalledLinuxEntry boots a fully bootstrapped Linux root filesystem
// directly by its UUID, without loopback.
type InstalledLinuxEntry struct {
	RootUUID   string
	Name       string
	KernelOpts string
}

// Catalog collects every bootable entity discovered or installed during a
// run. It is built incrementally and consumed exactly once by Render.
type Catalog struct {
	Windows   []WindowsEntry
	Installed *InstalledLinuxEntry
	ISOs      []ISOEntry
}

func (c *Catalog) validate() error {
	for idx, w := range c.Windows {
		if w.PartUUID == "" {
			return fmt.Errorf("windows entry %d has no partition UUID", idx)
		}
	}
	if c.Installed != nil {
		if c.Installed.RootUUID == "" {
			return fmt.Errorf("installed linux entry has no root UUID")
		}
		if c.Installed.Name == "" {
			return fmt.Errorf("installed linux entry has no name")
		}
	}
	for idx, iso := range c.ISOs {
		if iso.Path == "" || iso.Filename == "" {
			return fmt.Errorf("iso entry %d is missing its path", idx)
		}
	}
	return nil
}
