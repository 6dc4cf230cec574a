package broadcast

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/machinist-run/machinist/pkg/wire"
)

func TestWriterSendAndListenerRecv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "broadcast.sock")
	l, err := Listen(path)
	require.NoError(t, err)
	defer l.Close()

	w := NewWriter(path)
	done := make(chan wire.BroadcastEnvelope, 1)
	go func() {
		env, err := l.Recv()
		require.NoError(t, err)
		done <- env
	}()

	w.Send(wire.BroadcastEnvelope{
		MachineName: "worker-1",
		EventType:   "state_change",
		Payload: wire.StateChangePayload{
			FromState: "waiting", ToState: "processing", EventTrigger: "new_job",
		}.ToMap(),
	})

	select {
	case env := <-done:
		assert.Equal(t, "worker-1", env.MachineName)
		assert.Equal(t, "state_change", env.EventType)
		assert.Equal(t, "processing", env.Payload["to_state"])
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for broadcast record")
	}
}

func TestWriterSend_MissingSocketIsSilentNoOp(t *testing.T) {
	w := NewWriter(filepath.Join(t.TempDir(), "does-not-exist.sock"))
	assert.NotPanics(t, func() {
		w.Send(wire.BroadcastEnvelope{MachineName: "x", EventType: "state_change"})
	})
}
