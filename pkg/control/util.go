package control

import (
	"encoding/json"
	"net"
	"time"

	"github.com/machinist-run/machinist/pkg/wire"
)

// deadlineNow returns a deadline already in the past, which makes the next
// read return immediately with a timeout error if nothing is queued —
// this is how Drain achieves a non-blocking read loop.
func deadlineNow() time.Time {
	return time.Now()
}

// noDeadline clears any read deadline.
func noDeadline() time.Time {
	return time.Time{}
}

func isTimeout(err error) bool {
	ne, ok := err.(net.Error)
	return ok && ne.Timeout()
}

func marshalEnvelope(env wire.ControlEnvelope) ([]byte, error) {
	return json.Marshal(env)
}
