package controller

import "fmt"

// State is the access controller state.
type State int

const (
	CheckTouch State = iota
	AccessAllow
	AccessAllowBistable
	AccessAllowBistableSameKey
	SuMode
	WaitForClearLog
)

var stateNames = [...]string{
	"CheckTouch",
	"AccessAllow",
	"AccessAllowBistable",
	"AccessAllowBistableSameKey",
	"SuMode",
	"WaitForClearLog",
}

func (s State) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return fmt.Sprintf("State(%d)", int(s))
	}
	return stateNames[s]
}

// EventKind tags an Event.
type EventKind int

const (
	// EventTouch is a key that may open now.
	EventTouch EventKind = iota
	// EventSuTouch is the superuser key.
	EventSuTouch
	// EventInvalidTouch is a key that is unknown or outside its window.
	EventInvalidTouch
	// EventButton is a press of the manual open button.
	EventButton
	// EventTimeout is the expiry of the single controller timer.
	EventTimeout
)

var eventNames = [...]string{"Touch", "SuTouch", "InvalidTouch", "Button", "Timeout"}

func (k EventKind) String() string {
	if k < 0 || int(k) >= len(eventNames) {
		return fmt.Sprintf("EventKind(%d)", int(k))
	}
	return eventNames[k]
}

// Event is one controller input. Code is set for touches. Gen identifies
// the timer arming a Timeout belongs to.
type Event struct {
	Kind EventKind
	Code uint64
	Gen  uint64
}

func (e Event) String() string {
	switch e.Kind {
	case EventTouch, EventSuTouch, EventInvalidTouch:
		return fmt.Sprintf("%s(%016X)", e.Kind, e.Code)
	case EventTimeout:
		return fmt.Sprintf("Timeout(gen %d)", e.Gen)
	}
	return e.Kind.String()
}
