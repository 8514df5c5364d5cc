package orchestrator

import "fmt"

type Phase string

const (
	PhaseIdle             Phase = "idle"
	PhaseSplit            Phase = "split"
	PhaseTrainCommittee   Phase = "train_committee"
	PhaseScorePool        Phase = "score_pool"
	PhaseCheckConvergence Phase = "check_convergence"
	PhaseSelectAndLabel   Phase = "select_and_label"
	PhaseStop             Phase = "stop"
)

var allowedTransitions = map[Phase]map[Phase]struct{}{
	PhaseIdle: {
		PhaseSplit: {},
	},
	PhaseSplit: {
		PhaseTrainCommittee: {},
	},
	PhaseTrainCommittee: {
		PhaseScorePool: {},
	},
	PhaseScorePool: {
		PhaseCheckConvergence: {},
	},
	PhaseCheckConvergence: {
		PhaseSelectAndLabel: {},
		PhaseStop:           {},
	},
	PhaseSelectAndLabel: {
		PhaseSplit: {},
	},
	PhaseStop: {},
}

func ValidatePhase(p Phase) error {
	if _, ok := allowedTransitions[p]; !ok {
		return fmt.Errorf("invalid phase: %q", p)
	}
	return nil
}

func ValidateTransition(from, to Phase) error {
	if err := ValidatePhase(from); err != nil {
		return err
	}
	if err := ValidatePhase(to); err != nil {
		return err
	}
	if _, ok := allowedTransitions[from][to]; !ok {
		return fmt.Errorf("invalid phase transition: %s -> %s", from, to)
	}
	return nil
}
