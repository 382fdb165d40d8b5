package distroprofile_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/osbuild/usbforge/internal/distroprofile"
)

func TestMatch(t *testing.T) {
	cases := []struct {
		filename string
		want     string // profile name, "" for no match
	}{
		{"ubuntu-22.04-desktop-amd64.iso", "Ubuntu"},
		{"Ubuntu-20.04-LIVE.ISO", "Ubuntu"},
		{"debian-live-12.5.0-amd64-gnome.iso", "Debian"},
		{"Fedora-Workstation-Live-x86_64-40.iso", "Fedora"},
		{"archlinux-2024.06.01-x86_64.iso", "Arch"},
		{"manjaro-kde-24.0-240513-linux69.iso", "Manjaro"},
		{"linuxmint-21.3-cinnamon-64bit.iso", "Linux Mint"},
		{"opensuse-tumbleweed.iso", ""},
		{"random-tool.iso", ""},
	}

	for _, c := range cases {
		p := distroprofile.Match(c.filename)
		if c.want == "" {
			assert.Nil(t, p, c.filename)
			continue
		}
		require.NotNil(t, p, c.filename)
		assert.Equal(t, c.want, p.Name, c.filename)
	}
}

func TestMatchIsCaseInsensitive(t *testing.T) {
	p := distroprofile.Match("UBUNTU-22.04.ISO")
	require.NotNil(t, p)
	assert.Equal(t, "Ubuntu", p.Name)
}

func TestMintDoesNotFallThroughToUbuntu(t *testing.T) {
	p := distroprofile.Match("linuxmint-21.3-ubuntu-base.iso")
	require.NotNil(t, p)
	assert.Equal(t, "Linux Mint", p.Name)
}

func TestOptionsExpansion(t *testing.T) {
	p := distroprofile.Match("fedora-40.iso")
	require.NotNil(t, p)

	opts := p.Options("/boot/iso/fedora-40.iso", "Fedora-WS-Live-40")
	assert.Contains(t, opts, "iso-scan/filename=/boot/iso/fedora-40.iso")
	assert.Contains(t, opts, "CDLABEL=Fedora-WS-Live-40")
}

func TestKernelInitrdCandidates(t *testing.T) {
	p := distroprofile.Match("ubuntu-24.04.iso")
	require.NotNil(t, p)
	assert.Equal(t, "/casper/vmlinuz", p.Kernel())
	assert.NotEmpty(t, p.Initrd())
}
