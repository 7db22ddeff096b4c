package job

import "fmt"

// State is a step of the execution lifecycle.
//
//	Created -> Preparing -> Running -> Succeeded -> Packaging -> Cleaning -> Closed
//	                                -> Failed | Errored    ----> Cleaning -> Closed
//	Created -> Cleaning -> Closed (discarded before it ran)
type State int

const (
	Created State = iota
	Preparing
	Running
	Succeeded
	Failed
	Errored
	Packaging
	Cleaning
	Closed
)

var stateNames = [...]string{
	Created:   "created",
	Preparing: "preparing",
	Running:   "running",
	Succeeded: "succeeded",
	Failed:    "failed",
	Errored:   "errored",
	Packaging: "packaging",
	Cleaning:  "cleaning",
	Closed:    "closed",
}

func (s State) String() string {
	if s >= 0 && int(s) < len(stateNames) {
		return stateNames[s]
	}
	return fmt.Sprintf("State(%d)", int(s))
}

