package session

type State int32

const (
	Idle State = iota
	Connecting
	Streaming
	Stopping
	Finalizing
	Closed
	Errored
)

var stateNames = [...]string{
	Idle:       "idle",
	Connecting: "connecting",
	Streaming:  "streaming",
	Stopping:   "stopping",
	Finalizing: "finalizing",
	Closed:     "closed",
	Errored:    "errored",
}

func (s State) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return "unknown"
	}
	return stateNames[s]
}

// Terminal reports whether the session can no longer change state.
func (s State) Terminal() bool {
	return s == Closed || s == Errored
}
