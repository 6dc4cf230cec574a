// Package broadcast implements the process-wide broadcast socket: a
// single datagram Unix socket that every accepted transition, and any
// action emitting an activity_log record, writes to. The writer is
// non-blocking and best-effort — if the socket is absent (no observer
// bridge running), writes are silently dropped, since only observers
// depend on this transport.
package broadcast

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"os"
	"time"

	"github.com/machinist-run/machinist/pkg/wire"
)

const maxDatagramSize = 64 * 1024

// writeTimeout bounds a single Send's write, so a receiver whose queue is
// full makes the record drop instead of stalling the sender.
const writeTimeout = 50 * time.Millisecond

// Writer is a best-effort, non-blocking sender to the broadcast socket.
// Every engine process and every builtin action holds one.
type Writer struct {
	path string
	log  *slog.Logger
}

// NewWriter does not dial anything eagerly — the broadcast socket may not
// exist yet (the observer bridge starts independently), so dialing is
// deferred to each Send call and failures are swallowed.
func NewWriter(path string) *Writer {
	return &Writer{path: path, log: slog.With("component", "broadcast_writer", "path", path)}
}

// Send writes env as a single datagram. A missing socket, a full kernel
// buffer, or any other I/O failure is logged at debug level and otherwise
// ignored — broadcast delivery is explicitly best-effort.
func (w *Writer) Send(env wire.BroadcastEnvelope) {
	if w.path == "" {
		return
	}
	data, err := json.Marshal(env)
	if err != nil {
		w.log.Warn("failed to marshal broadcast envelope", "error", err)
		return
	}

	conn, err := net.DialUnix("unixgram", nil, &net.UnixAddr{Name: w.path, Net: "unixgram"})
	if err != nil {
		w.log.Debug("broadcast socket unavailable, dropping record", "error", err)
		return
	}
	defer conn.Close()

	_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	if _, err := conn.Write(data); err != nil {
		w.log.Debug("broadcast write failed, dropping record", "error", err)
	}
}

// Listener is the receiving end, used by the observer bridge only —
// there is exactly one conceptual reader in the system.
type Listener struct {
	conn *net.UnixConn
	path string
}

// Listen binds the broadcast socket at path.
func Listen(path string) (*Listener, error) {
	_ = os.Remove(path)

	addr, err := net.ResolveUnixAddr("unixgram", path)
	if err != nil {
		return nil, fmt.Errorf("resolve broadcast socket address: %w", err)
	}
	conn, err := net.ListenUnixgram("unixgram", addr)
	if err != nil {
		return nil, fmt.Errorf("listen on broadcast socket %s: %w", path, err)
	}
	return &Listener{conn: conn, path: path}, nil
}

// Close shuts down the socket and removes the backing file.
func (l *Listener) Close() error {
	err := l.conn.Close()
	_ = os.Remove(l.path)
	return err
}

// Recv blocks until one envelope arrives.
func (l *Listener) Recv() (wire.BroadcastEnvelope, error) {
	buf := make([]byte, maxDatagramSize)
	n, err := l.conn.Read(buf)
	if err != nil {
		return wire.BroadcastEnvelope{}, err
	}
	var env wire.BroadcastEnvelope
	if err := json.Unmarshal(buf[:n], &env); err != nil {
		return wire.BroadcastEnvelope{}, fmt.Errorf("decode broadcast envelope: %w", err)
	}
	return env, nil
}
