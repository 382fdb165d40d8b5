// Package disk contains the data types describing the multi-boot partition
// layout written to a target USB device.
//
// A Plan is computed up front, executed by the partitioner, and is immutable
// afterwards except for PARTUUID population once partitions are formatted.
package disk

import (
	"fmt"
	"strings"

	"github.com/osbuild/usbforge/internal/common"
)

const (
	// DefaultGrainBytes is the alignment grain for partition start offsets.
	DefaultGrainBytes = common.MiB

	// ESPSize is the fixed size of the EFI System Partition.
	ESPSize = 512 * common.MiB
	// BIOSBootSize is the fixed size of the BIOS boot stub partition.
	BIOSBootSize = 1 * common.MiB
	// MinWindowsToGoSize is the floor for the Windows-To-Go partition.
	// Smaller requests are raised to this value, never silently honored.
	MinWindowsToGoSize = 64 * common.GiB

	// FirstPartitionOffset leaves the customary 1 MiB gap in front of the
	// first partition.
	FirstPartitionOffset = 1 * common.MiB
)

// GPT partition type GUIDs for the roles in the layout.
const (
	BIOSBootPartitionGUID  = "21686148-6449-6E6F-744E-656564454649"
	EFISystemPartitionGUID = "C12A7328-F81F-11D2-BA4B-00A0C93EC93B"
	FilesystemDataGUID     = "0FC63DAF-8483-4772-8E79-3D69D8477DE4"
	MicrosoftBasicDataGUID = "EBD0A0A2-B9E5-4433-87C0-68B6B72699C7"
)

// Role identifies a partition's purpose within the layout.
type Role int

const (
	RoleESP Role = iota
	RoleBIOSBoot
	RoleWindows
	RolePayload
)

func (r Role) String() string {
	switch r {
	case RoleESP:
		return "esp"
	case RoleBIOSBoot:
		return "bios-boot"
	case RoleWindows:
		return "windows"
	case RolePayload:
		return "payload"
	default:
		return fmt.Sprintf("role(%d)", int(r))
	}
}

// Partition is one entry of the plan.
type Partition struct {
	Role   Role
	Device string // partition device node, e.g. /dev/sdb3
	Number int    // 1-based partition number

	Start uint64 // start offset in bytes
	Size  uint64 // size in bytes; 0 means "all remaining space"

	FSType   string // canonical filesystem name; empty for the BIOS boot stub
	Label    string
	TypeGUID string

	// UUID is the PARTUUID, populated after the partition is formatted.
	UUID string
}

// Formatted reports whether the partition receives a filesystem.
func (p *Partition) Formatted() bool {
	return p.FSType != ""
}

// Plan is the full layout for one target device, in physical order.
type Plan struct {
	Device     string
	Partitions []Partition
}

// AlignUp aligns size up to the next grain boundary.
func AlignUp(size uint64) uint64 {
	grain := DefaultGrainBytes
	if size%grain == 0 {
		return size
	}
	return ((size + grain) / grain) * grain
}

// PartitionDevice derives the device node for partition number num on
// device. Devices whose name ends in a digit (nvme0n1, loop0, mmcblk0) get
// a "p" separator.
func PartitionDevice(device string, num int) string {
	last := device[len(device)-1]
	if last >= '0' && last <= '9' {
		return fmt.Sprintf("%sp%d", device, num)
	}
	return fmt.Sprintf("%s%d", device, num)
}

// NewPlan computes the fixed ESP → BIOS boot → Windows → Payload layout.
// winSize below MinWindowsToGoSize is raised to the minimum. payloadFS is
// the canonical filesystem name for the payload partition and payloadGUID
// its GPT type hint.
func NewPlan(device string, winSize uint64, payloadFS, payloadGUID string) *Plan {
	if winSize < MinWindowsToGoSize {
		winSize = MinWindowsToGoSize
	}
	winSize = AlignUp(winSize)

	plan := &Plan{Device: device}
	start := uint64(FirstPartitionOffset)
	add := func(role Role, size uint64, fsType, label, typeGUID string) {
		num := len(plan.Partitions) + 1
		plan.Partitions = append(plan.Partitions, Partition{
			Role:     role,
			Device:   PartitionDevice(device, num),
			Number:   num,
			Start:    start,
			Size:     size,
			FSType:   fsType,
			Label:    label,
			TypeGUID: typeGUID,
		})
		start += size
	}

	add(RoleESP, ESPSize, "FAT32", "ESP", EFISystemPartitionGUID)
	add(RoleBIOSBoot, BIOSBootSize, "", "BIOSBOOT", BIOSBootPartitionGUID)
	add(RoleWindows, winSize, "NTFS", "WINTOGO", MicrosoftBasicDataGUID)
	add(RolePayload, 0, payloadFS, "PAYLOAD", payloadGUID)

	return plan
}

// ByRole returns the partition with the given role, or nil.
func (plan *Plan) ByRole(role Role) *Partition {
	for idx := range plan.Partitions {
		if plan.Partitions[idx].Role == role {
			return &plan.Partitions[idx]
		}
	}
	return nil
}

func (plan *Plan) ESP() *Partition     { return plan.ByRole(RoleESP) }
func (plan *Plan) Windows() *Partition { return plan.ByRole(RoleWindows) }
func (plan *Plan) Payload() *Partition { return plan.ByRole(RolePayload) }

// Validate checks the structural invariants of the plan: fixed role order,
// contiguous offsets, payload last and open-ended.
func (plan *Plan) Validate() error {
	order := []Role{RoleESP, RoleBIOSBoot, RoleWindows, RolePayload}
	if len(plan.Partitions) != len(order) {
		return fmt.Errorf("plan has %d partitions, want %d", len(plan.Partitions), len(order))
	}

	expectedStart := uint64(FirstPartitionOffset)
	for idx, part := range plan.Partitions {
		if part.Role != order[idx] {
			return fmt.Errorf("partition %d has role %s, want %s", idx+1, part.Role, order[idx])
		}
		if part.Start != expectedStart {
			return fmt.Errorf("partition %d starts at %d, want %d", idx+1, part.Start, expectedStart)
		}
		if part.Role != RolePayload && part.Size == 0 {
			return fmt.Errorf("partition %d (%s) has no size", idx+1, part.Role)
		}
		if part.Role == RolePayload && part.Size != 0 {
			return fmt.Errorf("payload partition must consume the remaining space")
		}
		expectedStart += part.Size
	}
	return nil
}

func (plan *Plan) String() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "plan for %s:", plan.Device)
	for _, part := range plan.Partitions {
		size := "remaining"
		if part.Size > 0 {
			size = fmt.Sprintf("%d MiB", part.Size/common.MiB)
		}
		fs := part.FSType
		if fs == "" {
			fs = "unformatted"
		}
		fmt.Fprintf(&sb, " [%d %s %s %s]", part.Number, part.Role, size, fs)
	}
	return sb.String()
}
