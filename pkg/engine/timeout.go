package engine

import (
	"regexp"
	"strconv"
	"time"
)

// timeoutEventPattern matches the pseudo-event a state declares to arm a
// self-loop wake-up timer, e.g. "timeout(30)".
var timeoutEventPattern = regexp.MustCompile(`^timeout\((\d+)\)$`)

// parseTimeoutEvent reports the duration encoded in a timeout(N) pseudo
// event name, where N is whole seconds.
func parseTimeoutEvent(eventName string) (time.Duration, bool) {
	m := timeoutEventPattern.FindStringSubmatch(eventName)
	if m == nil {
		return 0, false
	}
	seconds, err := strconv.Atoi(m[1])
	if err != nil {
		return 0, false
	}
	return time.Duration(seconds) * time.Second, true
}

// armTimeout finds the first timeout(N) transition declared out of state
// (conventionally a self-loop, though the target state is not checked) and
// schedules it. cancelTimeout runs on every state entry ("any
// external event cancels the timer") so a timer belonging to a state the
// machine has since left is stopped before it can fire; if it has already
// fired, the resulting event simply finds no matching transition in the
// new state and is discarded like any other stray event.
func (e *Engine) armTimeout(state string) {
	e.cancelTimeout()

	for i := range e.descriptor.Transitions {
		t := &e.descriptor.Transitions[i]
		if t.From != state {
			continue
		}
		d, ok := parseTimeoutEvent(t.Event)
		if !ok {
			continue
		}
		eventName := t.Event
		e.timeoutTimer = time.AfterFunc(d, func() {
			e.queue.pushBack(event{Type: eventName})
		})
		return
	}
}

func (e *Engine) cancelTimeout() {
	if e.timeoutTimer != nil {
		e.timeoutTimer.Stop()
		e.timeoutTimer = nil
	}
}
