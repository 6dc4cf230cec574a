package engine

// event is one unit of work moving through the engine's inbound queue: a
// control-socket envelope, an action's return value, or a timer firing.
type event struct {
	Type string
	Data map[string]any

	// fatalIfUnmatched marks an event that must not be silently discarded
	// when no transition handles it — the error outcome of a failed
	// action. An ordinary external event with no handler is just logged
	// and dropped; this one escalates to a failed machine instead.
	fatalIfUnmatched bool
}
