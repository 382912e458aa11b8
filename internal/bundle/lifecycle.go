package bundle

import "sync"

type State string

type Event string

const (
	StateUnregistered State = "UNREGISTERED"
	StateActiveEmpty  State = "ACTIVE_EMPTY"
	StateActiveFunded State = "ACTIVE_FUNDED"
)

const (
	EventRegister Event = "REGISTER"
	EventFund     Event = "FUND"
	EventDrain    Event = "DRAIN"
	EventRemove   Event = "REMOVE"
)

type StateMachine struct {
	mu    sync.Mutex
	State State
}

func NewStateMachine() *StateMachine {
	return &StateMachine{State: StateUnregistered}
}

func (s *StateMachine) Apply(event Event) State {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.State = nextState(s.State, event)
	return s.State
}

func (s *StateMachine) Current() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.State
}

func nextState(current State, event Event) State {
	switch current {
	case StateUnregistered:
		if event == EventRegister {
			return StateActiveEmpty
		}
	case StateActiveEmpty:
		if event == EventFund {
			return StateActiveFunded
		}
		if event == EventRemove {
			return StateUnregistered
		}
	case StateActiveFunded:
		if event == EventDrain {
			return StateActiveEmpty
		}
	}
	return current
}
