// Package control implements the per-machine control socket: a
// datagram Unix socket at a path derived from a configurable prefix plus
// the machine name. Any sender writes a JSON envelope; the interpreter
// drains it between evaluation steps. The socket is lossy across a crash
// — the machine_events table (pkg/store) is the durable fallback.
package control

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"os"

	"github.com/machinist-run/machinist/pkg/wire"
)

const maxDatagramSize = 64 * 1024

// Path returns the control socket path for machineName under prefix, e.g.
// prefix "/tmp/machinist-ctl" + "worker-1" -> "/tmp/machinist-ctl-worker-1.sock".
func Path(prefix, machineName string) string {
	return fmt.Sprintf("%s-%s.sock", prefix, machineName)
}

// Listener owns the receiving end of one machine's control socket.
type Listener struct {
	conn *net.UnixConn
	path string
	log  *slog.Logger
}

// Listen binds the control socket at path, removing any stale socket file
// left behind by a crashed previous instance at the same path.
func Listen(path string) (*Listener, error) {
	_ = os.Remove(path)

	addr, err := net.ResolveUnixAddr("unixgram", path)
	if err != nil {
		return nil, fmt.Errorf("resolve control socket address: %w", err)
	}
	conn, err := net.ListenUnixgram("unixgram", addr)
	if err != nil {
		return nil, fmt.Errorf("listen on control socket %s: %w", path, err)
	}
	return &Listener{conn: conn, path: path, log: slog.With("component", "control", "path", path)}, nil
}

// Close shuts down the socket and removes the backing file.
func (l *Listener) Close() error {
	err := l.conn.Close()
	_ = os.Remove(l.path)
	return err
}

// Drain reads every envelope currently queued on the socket without
// blocking, returning as soon as the socket would block. The engine calls
// this once per main-cycle iteration.
func (l *Listener) Drain() []wire.ControlEnvelope {
	var envelopes []wire.ControlEnvelope
	buf := make([]byte, maxDatagramSize)

	if err := l.conn.SetReadDeadline(deadlineNow()); err != nil {
		l.log.Warn("failed to set read deadline", "error", err)
		return envelopes
	}

	for {
		n, _, err := l.conn.ReadFromUnix(buf)
		if err != nil {
			if isTimeout(err) {
				break
			}
			l.log.Warn("control socket read failed", "error", err)
			break
		}
		env, err := wire.DecodeControlEnvelope(buf[:n])
		if err != nil {
			l.log.Warn("dropping malformed control envelope", "error", err)
			continue
		}
		envelopes = append(envelopes, env)
	}
	return envelopes
}

// Recv blocks until one envelope arrives or ctx is cancelled.
func (l *Listener) Recv(ctx context.Context) (wire.ControlEnvelope, error) {
	buf := make([]byte, maxDatagramSize)

	deadline, hasDeadline := ctx.Deadline()
	if hasDeadline {
		_ = l.conn.SetReadDeadline(deadline)
	} else {
		_ = l.conn.SetReadDeadline(noDeadline())
	}

	n, _, err := l.conn.ReadFromUnix(buf)
	if err != nil {
		return wire.ControlEnvelope{}, err
	}
	return wire.DecodeControlEnvelope(buf[:n])
}

// Send dials the control socket at path and writes env as a single
// datagram. Used by actions (send_event) and by other machines addressing
// this one directly.
func Send(path string, env wire.ControlEnvelope) error {
	conn, err := net.DialUnix("unixgram", nil, &net.UnixAddr{Name: path, Net: "unixgram"})
	if err != nil {
		return fmt.Errorf("dial control socket %s: %w", path, err)
	}
	defer conn.Close()

	data, err := marshalEnvelope(env)
	if err != nil {
		return fmt.Errorf("marshal control envelope: %w", err)
	}
	if _, err := conn.Write(data); err != nil {
		return fmt.Errorf("write control envelope to %s: %w", path, err)
	}
	return nil
}
