package common

// Byte size multipliers used when computing partition offsets.
const (
	KiB = uint64(1) << 10
	MiB = uint64(1) << 20
	GiB = uint64(1) << 30
)
