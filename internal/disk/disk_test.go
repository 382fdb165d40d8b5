package disk_test

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/osbuild/usbforge/internal/common"
	"github.com/osbuild/usbforge/internal/disk"
)

func TestNewPlanFixedLayout(t *testing.T) {
	sizes := []uint64{
		0,
		8 * common.GiB,
		64 * common.GiB,
		200 * common.GiB,
	}
	filesystems := []struct {
		fsType string
		guid   string
	}{
		{"F2FS", disk.FilesystemDataGUID},
		{"BTRFS", disk.FilesystemDataGUID},
		{"EXFAT", disk.MicrosoftBasicDataGUID},
	}

	for _, winSize := range sizes {
		for _, fs := range filesystems {
			name := fmt.Sprintf("win=%dGiB/%s", winSize/common.GiB, fs.fsType)
			t.Run(name, func(t *testing.T) {
				plan := disk.NewPlan("/dev/sdx", winSize, fs.fsType, fs.guid)
				require.NoError(t, plan.Validate())
				require.Len(t, plan.Partitions, 4)

				esp := plan.Partitions[0]
				assert.Equal(t, disk.RoleESP, esp.Role)
				assert.Equal(t, 512*common.MiB, esp.Size)
				assert.Equal(t, "FAT32", esp.FSType)
				assert.Equal(t, disk.EFISystemPartitionGUID, esp.TypeGUID)

				bios := plan.Partitions[1]
				assert.Equal(t, disk.RoleBIOSBoot, bios.Role)
				assert.Equal(t, 1*common.MiB, bios.Size)
				assert.False(t, bios.Formatted())

				win := plan.Partitions[2]
				assert.Equal(t, disk.RoleWindows, win.Role)
				assert.Equal(t, "NTFS", win.FSType)
				assert.GreaterOrEqual(t, win.Size, 64*common.GiB)

				payload := plan.Partitions[3]
				assert.Equal(t, disk.RolePayload, payload.Role)
				assert.Equal(t, uint64(0), payload.Size)
				assert.Equal(t, fs.fsType, payload.FSType)
				assert.Equal(t, fs.guid, payload.TypeGUID)
			})
		}
	}
}

func TestNewPlanEnforcesWindowsMinimum(t *testing.T) {
	plan := disk.NewPlan("/dev/sdx", 8*common.GiB, "F2FS", disk.FilesystemDataGUID)
	assert.Equal(t, 64*common.GiB, plan.Windows().Size)

	plan = disk.NewPlan("/dev/sdx", 96*common.GiB, "F2FS", disk.FilesystemDataGUID)
	assert.Equal(t, 96*common.GiB, plan.Windows().Size)
}

func TestNewPlanOffsetsAreContiguous(t *testing.T) {
	plan := disk.NewPlan("/dev/sdx", 64*common.GiB, "F2FS", disk.FilesystemDataGUID)

	start := uint64(disk.FirstPartitionOffset)
	for _, part := range plan.Partitions {
		assert.Equal(t, start, part.Start, "partition %d", part.Number)
		start += part.Size
	}
}

func TestPartitionDevice(t *testing.T) {
	assert.Equal(t, "/dev/sdb3", disk.PartitionDevice("/dev/sdb", 3))
	assert.Equal(t, "/dev/nvme0n1p3", disk.PartitionDevice("/dev/nvme0n1", 3))
	assert.Equal(t, "/dev/loop0p1", disk.PartitionDevice("/dev/loop0", 1))
}

func TestAlignUp(t *testing.T) {
	assert.Equal(t, uint64(0), disk.AlignUp(0))
	assert.Equal(t, common.MiB, disk.AlignUp(1))
	assert.Equal(t, common.MiB, disk.AlignUp(common.MiB))
	assert.Equal(t, 2*common.MiB, disk.AlignUp(common.MiB+1))
}
