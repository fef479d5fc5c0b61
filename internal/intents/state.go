package intents

// transitions is the lifecycle graph. MERGED and ABANDONED have no outgoing edges.
var transitions = map[Status][]Status{
	StatusRegistered: {StatusInProgress, StatusAbandoned},
	StatusInProgress: {StatusCompleted, StatusAbandoned},
	StatusCompleted:  {StatusMerged, StatusAbandoned},
}

// activeStatuses are the states considered during conflict detection.
var activeStatuses = []Status{StatusRegistered, StatusInProgress}

// CanTransition reports whether from -> to is an edge of the lifecycle graph.
func CanTransition(from, to Status) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// AllStatuses lists every lifecycle state.
func AllStatuses() []Status {
	return []Status{StatusRegistered, StatusInProgress, StatusCompleted, StatusMerged, StatusAbandoned}
}

func ensureTransition(intentID string, from, to Status) error {
	if CanTransition(from, to) {
		return nil
	}
	return &InvalidTransitionError{IntentID: intentID, From: from, To: to}
}
