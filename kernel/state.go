package kernel

import "strings"

// TaskState is one of the five scheduler states, with the two sleep
// flavours split out.
type TaskState uint8

const (
	Runnable TaskState = 1 << iota
	Running
	Stopped
	Interruptible
	Uninterruptible
	Zombie
	Dead
)

var stateNames = []struct {
	state TaskState
	name  string
}{
	{Runnable, "RUNNABLE"},
	{Running, "RUNNING"},
	{Stopped, "STOPPED"},
	{Interruptible, "INTERRUPTIBLE"},
	{Uninterruptible, "UNINTERRUPTIBLE"},
	{Zombie, "ZOMBIE"},
	{Dead, "DEAD"},
}

func (s TaskState) String() string {
	var parts []string

	for _, n := range stateNames {
		if s&n.state != 0 {
			parts = append(parts, n.name)
		}
	}

	if len(parts) == 0 {
		return "NONE"
	}

	return strings.Join(parts, "|")
}
