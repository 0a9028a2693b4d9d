package booking

import "github.com/md-rashed-zaman/slotengine/services/scheduling-service/internal/model"

var transitions = map[model.Status][]model.Status{
	model.StatusRequested:  {model.StatusConfirmed, model.StatusCancelled},
	model.StatusConfirmed:  {model.StatusCancelled, model.StatusInProgress, model.StatusNoShow},
	model.StatusInProgress: {model.StatusCompleted},
}

// CanTransition reports whether from -> to is an edge of the appointment lifecycle.
func CanTransition(from, to model.Status) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

func checkTransition(from, to model.Status) error {
	if !CanTransition(from, to) {
		return &model.TransitionError{From: from, To: to}
	}
	return nil
}
