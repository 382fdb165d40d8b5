// Package fsx provides one capability handler per supported filesystem
// type. A handler knows how to format and validate a partition and which
// GPT type hint the filesystem should get.
package fsx

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/osbuild/usbforge/internal/cmdutil"
)

// Handler is the capability surface for one filesystem type.
type Handler interface {
	// Name returns the canonical upper-case type name, e.g. "F2FS".
	Name() string
	// PartedType is the filesystem keyword parted/sgdisk understand.
	PartedType() string
	// TypeGUID is the GPT partition type hint for this filesystem.
	TypeGUID() string
	// SupportsLargeFiles reports whether files over 4 GiB are storable.
	SupportsLargeFiles() bool
	// NeedsUEFISupportPartition reports whether firmware needs a helper
	// partition to read this filesystem at boot.
	NeedsUEFISupportPartition() bool
	// MkfsTool is the formatting tool the handler invokes.
	MkfsTool() string
	// Format creates the filesystem on device with the given label.
	Format(ctx context.Context, device, label string) error
	// Validate runs the filesystem's checker, if one is available.
	Validate(ctx context.Context, device string) error
}

type newHandlerFunc func(runner cmdutil.Runner) Handler

var registry = map[string]newHandlerFunc{
	"FAT32": newVFAT,
	"NTFS":  newNTFS,
	"EXFAT": newExFAT,
	"EXT4":  newExt4,
	"F2FS":  newF2FS,
	"BTRFS": newBtrfs,
	"UDF":   newUDF,
}

// Supported returns the canonical names of all registered filesystem types.
func Supported() []string {
	names := make([]string, 0, len(registry))
	for name := range registry {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// New returns the handler for the given type name (case-insensitive).
func New(name string, runner cmdutil.Runner) (Handler, error) {
	ctor, ok := registry[strings.ToUpper(name)]
	if !ok {
		return nil, fmt.Errorf("unsupported filesystem type %q, supported: %s",
			name, strings.Join(Supported(), ", "))
	}
	return ctor(runner), nil
}

// CheckDependencies returns an error naming the mkfs tool if it is absent.
func CheckDependencies(h Handler, runner cmdutil.Runner) error {
	if !runner.LookPath(h.MkfsTool()) {
		return fmt.Errorf("%s: required tool %q not found", h.Name(), h.MkfsTool())
	}
	return nil
}
