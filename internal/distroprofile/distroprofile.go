// Package distroprofile holds the static table describing how to loopback
// boot known live distro ISOs: where the kernel and initrd live inside the
// ISO and which boot parameters the distro's init expects.
package distroprofile

import (
	"strings"

	"github.com/gobwas/glob"
)

// Profile describes one distro family's loopback boot convention.
type Profile struct {
	// Name is the human-readable distro name used in menu entries.
	Name string
	// patterns match ISO file names, case-insensitively.
	patterns []glob.Glob
	// Kernels are in-ISO kernel path candidates, preferred first.
	Kernels []string
	// Initrds are in-ISO initrd path candidates, preferred first.
	Initrds []string
	// OptionsTemplate is the kernel command line with {iso_path} and
	// {iso_label} placeholders.
	OptionsTemplate string
}

// Kernel returns the preferred kernel path.
func (p *Profile) Kernel() string { return p.Kernels[0] }

// Initrd returns the preferred initrd path.
func (p *Profile) Initrd() string { return p.Initrds[0] }

// Options expands the boot parameter template for a concrete ISO.
func (p *Profile) Options(isoPath, isoLabel string) string {
	return strings.NewReplacer(
		"{iso_path}", isoPath,
		"{iso_label}", isoLabel,
	).Replace(p.OptionsTemplate)
}

func mustPatterns(patterns ...string) []glob.Glob {
	gs := make([]glob.Glob, len(patterns))
	for i, p := range patterns {
		gs[i] = glob.MustCompile(p)
	}
	return gs
}

// profiles is ordered: the first profile whose pattern matches wins. More
// specific names (mint, manjaro) come before the generic families they are
// derived from.
var profiles = []*Profile{
	{
		Name:            "Linux Mint",
		patterns:        mustPatterns("*linuxmint*", "*mint*"),
		Kernels:         []string{"/casper/vmlinuz"},
		Initrds:         []string{"/casper/initrd.lz", "/casper/initrd"},
		OptionsTemplate: "iso-scan/filename={iso_path} boot=casper quiet splash ---",
	},
	{
		Name:            "Ubuntu",
		patterns:        mustPatterns("*ubuntu*"),
		Kernels:         []string{"/casper/vmlinuz", "/casper/vmlinuz.efi"},
		Initrds:         []string{"/casper/initrd.lz", "/casper/initrd"},
		OptionsTemplate: "iso-scan/filename={iso_path} boot=casper quiet splash ---",
	},
	{
		Name:            "Debian",
		patterns:        mustPatterns("*debian*"),
		Kernels:         []string{"/live/vmlinuz"},
		Initrds:         []string{"/live/initrd.img"},
		OptionsTemplate: "findiso={iso_path} boot=live quiet splash components ---",
	},
	{
		Name:            "Fedora",
		patterns:        mustPatterns("*fedora*"),
		Kernels:         []string{"/images/pxeboot/vmlinuz"},
		Initrds:         []string{"/images/pxeboot/initrd.img"},
		OptionsTemplate: "iso-scan/filename={iso_path} root=live:CDLABEL={iso_label} rd.live.image quiet",
	},
	{
		Name:            "Manjaro",
		patterns:        mustPatterns("*manjaro*"),
		Kernels:         []string{"/boot/vmlinuz-x86_64"},
		Initrds:         []string{"/boot/initramfs-x86_64.img"},
		OptionsTemplate: "img_dev=/dev/disk/by-label/{iso_label} img_loop={iso_path} misobasedir=manjaro quiet splash",
	},
	{
		Name:            "Arch",
		patterns:        mustPatterns("*arch*"),
		Kernels:         []string{"/arch/boot/x86_64/vmlinuz-linux", "/arch/boot/vmlinuz-linux"},
		Initrds:         []string{"/arch/boot/x86_64/initramfs-linux.img", "/arch/boot/initramfs-linux.img"},
		OptionsTemplate: "img_dev=/dev/disk/by-label/{iso_label} img_loop={iso_path} earlymodules=loop rw quiet splash",
	},
}

// Match returns the first profile whose pattern matches the ISO file name,
// or nil when the ISO is not recognized. Matching is case-insensitive and
// only looks at the file name, never inside the ISO.
func Match(isoFilename string) *Profile {
	lower := strings.ToLower(isoFilename)
	for _, p := range profiles {
		for _, g := range p.patterns {
			if g.Match(lower) {
				return p
			}
		}
	}
	return nil
}
