package pipeline

import "fmt"

// State is the orchestrator's position in the provisioning sequence.
type State int

const (
	StateInit State = iota
	StatePartitioning
	StateMountingBoot
	StateInstallingBootloader
	StateCopyingWindows
	StateCopyingISOs
	StateInstallingLinux
	StateGeneratingConfig
	StateUnmounting
	StateDone
	StateFailed
)

var stateNames = map[State]string{
	StateInit:                 "init",
	StatePartitioning:         "partitioning",
	StateMountingBoot:         "mounting_boot",
	StateInstallingBootloader: "installing_bootloader",
	StateCopyingWindows:       "copying_windows",
	StateCopyingISOs:          "copying_linux_isos",
	StateInstallingLinux:      "installing_full_linux",
	StateGeneratingConfig:     "generating_config",
	StateUnmounting:           "unmounting",
	StateDone:                 "done",
	StateFailed:               "failed",
}

func (s State) String() string {
	if name, ok := stateNames[s]; ok {
		return name
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// Status is the overall outcome of a run.
type Status int

const (
	StatusCompleted Status = iota
	StatusCompletedWithWarnings
	StatusFailed
)

func (s Status) String() string {
	switch s {
	case StatusCompleted:
		return "completed"
	case StatusCompletedWithWarnings:
		return "completed with warnings"
	case StatusFailed:
		return "failed"
	default:
		return fmt.Sprintf("status(%d)", int(s))
	}
}
