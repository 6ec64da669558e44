package strategy

import "sync"

type Phase string

type PhaseEvent string

const (
	PhaseArmed          Phase = "ARMED"
	PhaseWaitingForLeg1 Phase = "WAITING_FOR_LEG1"
	PhaseLeg1Open       Phase = "LEG1_OPEN"
	PhasePaired         Phase = "PAIRED"
	PhaseAborted        Phase = "ABORTED"
)

const (
	EventWindowOpen PhaseEvent = "WINDOW_OPEN"
	EventLeg1Filled PhaseEvent = "LEG1_FILLED"
	EventLeg2Filled PhaseEvent = "LEG2_FILLED"
	EventAbort      PhaseEvent = "ABORT"
	EventRoundReset PhaseEvent = "ROUND_RESET"
)

type PhaseMachine struct {
	mu    sync.Mutex
	Phase Phase
}

func NewPhaseMachine() *PhaseMachine {
	return &PhaseMachine{Phase: PhaseArmed}
}

func (m *PhaseMachine) Apply(event PhaseEvent) Phase {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Phase = nextPhase(m.Phase, event)
	return m.Phase
}

func (m *PhaseMachine) Current() Phase {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.Phase
}

func nextPhase(current Phase, event PhaseEvent) Phase {
	if event == EventRoundReset {
		return PhaseArmed
	}
	switch current {
	case PhaseArmed:
		switch event {
		case EventWindowOpen:
			return PhaseWaitingForLeg1
		case EventLeg1Filled:
			return PhaseLeg1Open
		case EventAbort:
			return PhaseAborted
		}
	case PhaseWaitingForLeg1:
		switch event {
		case EventLeg1Filled:
			return PhaseLeg1Open
		case EventAbort:
			return PhaseAborted
		}
	case PhaseLeg1Open:
		switch event {
		case EventLeg2Filled:
			return PhasePaired
		case EventAbort:
			return PhaseAborted
		}
	case PhaseAborted:
		// a late fill from an earlier approval can still complete the pair
		if event == EventLeg2Filled {
			return PhasePaired
		}
	}
	return current
}
