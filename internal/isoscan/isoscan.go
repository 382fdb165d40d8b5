// Package isoscan discovers live ISOs staged on the boot partition and
// turns them into boot catalog entries.
package isoscan

import (
	"fmt"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"

	"github.com/kdomanski/iso9660"
	"github.com/sirupsen/logrus"

	"github.com/osbuild/usbforge/internal/bootcfg"
	"github.com/osbuild/usbforge/internal/distroprofile"
)

// ISODirName is the directory under the boot partition root where ISOs are
// staged, and the path GRUB loads them from at boot time.
const ISODirName = "iso"

// VolumeLabel reads the ISO9660 primary volume label of the image at path.
// A file that cannot be opened or parsed is reported as an error; callers
// decide whether that is fatal.
func VolumeLabel(isoPath string) (string, error) {
	f, err := os.Open(isoPath)
	if err != nil {
		return "", fmt.Errorf("opening ISO: %w", err)
	}
	defer f.Close()

	img, err := iso9660.OpenImage(f)
	if err != nil {
		return "", fmt.Errorf("reading ISO9660 metadata from %s: %w", isoPath, err)
	}
	label, err := img.Label()
	if err != nil {
		return "", fmt.Errorf("reading volume label of %s: %w", isoPath, err)
	}
	return strings.TrimSpace(label), nil
}

// Scan lists the ISOs under <bootDir>/iso and builds catalog entries for
// them in lexical filename order. Unreadable images and images without a
// volume label fall back to the file name minus its extension as label,
// keeping the scan best-effort. Files whose name matches no distro profile
// still produce an entry, with a nil profile.
func Scan(bootDir string) ([]bootcfg.ISOEntry, error) {
	dir := filepath.Join(bootDir, ISODirName)
	matches, err := filepath.Glob(filepath.Join(dir, "*.iso"))
	if err != nil {
		return nil, fmt.Errorf("scanning %s: %w", dir, err)
	}
	upper, err := filepath.Glob(filepath.Join(dir, "*.ISO"))
	if err != nil {
		return nil, fmt.Errorf("scanning %s: %w", dir, err)
	}
	matches = append(matches, upper...)
	sort.Strings(matches)

	entries := make([]bootcfg.ISOEntry, 0, len(matches))
	for _, hostPath := range matches {
		filename := filepath.Base(hostPath)

		label, err := VolumeLabel(hostPath)
		if err != nil || label == "" {
			if err != nil {
				logrus.WithError(err).WithField("iso", filename).Warn("cannot read volume label, using file name")
			}
			label = strings.TrimSuffix(filename, filepath.Ext(filename))
		}

		profile := distroprofile.Match(filename)
		if profile == nil {
			logrus.WithField("iso", filename).Warn("no distro profile matches, entry will be listed as unsupported")
		}

		entries = append(entries, bootcfg.ISOEntry{
			// GRUB paths are always forward-slash, rooted at the
			// boot partition.
			Path:     path.Join("/boot", ISODirName, filename),
			Filename: filename,
			Label:    label,
			Profile:  profile,
		})
	}
	return entries, nil
}
