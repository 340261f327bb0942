package dispatch

import "errors"

var ErrInvalidTransition = errors.New("invalid status transition")

type CallStatus string

const (
	CallCreated      CallStatus = "created"
	CallQueued       CallStatus = "queued"
	CallDispatched   CallStatus = "dispatched"
	CallEnRoute      CallStatus = "en_route"
	CallOnScene      CallStatus = "on_scene"
	CallTransporting CallStatus = "transporting"
	CallCleared      CallStatus = "cleared"
	CallCancelled    CallStatus = "cancelled"
	// Automation gave up; a dispatcher must requeue or cancel.
	CallNeedsManual CallStatus = "needs_manual_assignment"
)

type UnitStatus string

const (
	UnitAvailable    UnitStatus = "available"
	UnitDispatched   UnitStatus = "dispatched"
	UnitEnRoute      UnitStatus = "en_route"
	UnitOnScene      UnitStatus = "on_scene"
	UnitTransporting UnitStatus = "transporting"
	UnitOutOfService UnitStatus = "out_of_service"
)

var callTransitions = map[CallStatus]map[CallStatus]bool{
	CallCreated:      {CallQueued: true, CallDispatched: true},
	CallQueued:       {CallDispatched: true, CallNeedsManual: true},
	CallDispatched:   {CallEnRoute: true, CallQueued: true},
	CallEnRoute:      {CallOnScene: true, CallQueued: true},
	CallOnScene:      {CallTransporting: true, CallCleared: true},
	CallTransporting: {CallCleared: true},
	CallNeedsManual:  {CallQueued: true},
}

// CallTerminal reports whether no further automated work applies to the call.
func CallTerminal(s CallStatus) bool {
	return s == CallCleared || s == CallCancelled
}

func CanTransitionCall(from CallStatus, to CallStatus) bool {
	if from == to {
		return true
	}
	if to == CallCancelled {
		return !CallTerminal(from)
	}
	return callTransitions[from][to]
}

var unitTransitions = map[UnitStatus]map[UnitStatus]bool{
	UnitAvailable:    {UnitDispatched: true, UnitOutOfService: true},
	UnitDispatched:   {UnitEnRoute: true, UnitAvailable: true},
	UnitEnRoute:      {UnitOnScene: true, UnitDispatched: true, UnitAvailable: true},
	UnitOnScene:      {UnitTransporting: true, UnitEnRoute: true, UnitAvailable: true},
	UnitTransporting: {UnitAvailable: true, UnitOnScene: true},
	UnitOutOfService: {UnitAvailable: true},
}

// UnitTransitionAnomalous flags a reported unit status that skips or reverses
// the expected progression. Reported states are still applied: field crews are
// the ground truth and rejecting a report would desync the system from
// reality. Callers log the anomaly instead.
func UnitTransitionAnomalous(from UnitStatus, to UnitStatus) bool {
	if from == to {
		return false
	}
	return !unitTransitions[from][to]
}

func ValidCallStatus(s CallStatus) bool {
	switch s {
	case CallCreated, CallQueued, CallDispatched, CallEnRoute, CallOnScene,
		CallTransporting, CallCleared, CallCancelled, CallNeedsManual:
		return true
	}
	return false
}

func ValidUnitStatus(s UnitStatus) bool {
	switch s {
	case UnitAvailable, UnitDispatched, UnitEnRoute, UnitOnScene,
		UnitTransporting, UnitOutOfService:
		return true
	}
	return false
}
