package irq

import "strings"

// Status is the per-vector state bit-set.
type Status uint32

const (
	// StatusDisabled suppresses dispatch entirely.
	StatusDisabled Status = 1 << iota
	// StatusPending records a fire that arrived while the vector was in progress.
	StatusPending
	// StatusInProgress is set while the handler chain is being run.
	StatusInProgress
	// StatusAutodetect marks a line started by ProbeOn.
	StatusAutodetect
	// StatusWaiting is cleared the first time an autodetect line fires.
	StatusWaiting
)

var statusNames = []struct {
	bit  Status
	name string
}{
	{StatusDisabled, "disabled"},
	{StatusPending, "pending"},
	{StatusInProgress, "inprogress"},
	{StatusAutodetect, "autodetect"},
	{StatusWaiting, "waiting"},
}

func (s Status) String() string {
	names := []string{}
	for _, n := range statusNames {
		if s&n.bit != 0 {
			names = append(names, n.name)
		}
	}
	return strings.Join(names, ",")
}
