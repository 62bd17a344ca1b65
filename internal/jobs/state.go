package jobs

var allowedTransitions = map[State]map[State]bool{
	StateStopped: {
		StateStarting: true,
	},
	StateStarting: {
		StateRunning:  true,
		StateStopped:  true,
		StateStopping: true,
	},
	StateRunning: {
		StateStopping: true,
	},
	StateStopping: {
		StateStopped: true,
	},
}

func CanTransition(from, to State) bool {
	if from == to {
		return true
	}
	if next, ok := allowedTransitions[from]; ok {
		return next[to]
	}
	return false
}
