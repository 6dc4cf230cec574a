package descriptor

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeDescriptor(t *testing.T, dir, contents string) string {
	t.Helper()
	path := filepath.Join(dir, "machine.yaml")
	require.NoError(t, os.WriteFile(path, []byte(contents), 0o644))
	return path
}

const minimalDescriptor = `
name: worker
initial_state: waiting
states: [waiting, claimed, done]
events: [new_job, claimed_ok, finished]
transitions:
  - from: waiting
    event: new_job
    to: claimed
  - from: claimed
    event: finished
    to: done
actions:
  waiting:
    - type: get_pending_jobs
  claimed:
    - type: claim_job
`

func TestLoad_Minimal(t *testing.T) {
	path := writeDescriptor(t, t.TempDir(), minimalDescriptor)

	d, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "worker", d.Name)
	assert.Equal(t, "waiting", d.InitialState)
	assert.True(t, d.HasState("claimed"))
	assert.True(t, d.HasEvent("new_job"))
	assert.Len(t, d.TransitionsFor("waiting", "new_job"), 1)
	assert.Len(t, d.ActionsFor("waiting"), 1)
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "does-not-exist.yaml"))
	require.Error(t, err)
	var le *LoadError
	require.ErrorAs(t, err, &le)
	assert.ErrorIs(t, err, ErrDescriptorNotFound)
}

func TestLoad_InvalidYAML(t *testing.T) {
	path := writeDescriptor(t, t.TempDir(), "name: [unterminated")
	_, err := Load(path)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrInvalidYAML)
}

func TestLoad_UndeclaredStateRejected(t *testing.T) {
	doc := `
name: bad
initial_state: waiting
states: [waiting]
events: [go]
transitions:
  - from: waiting
    event: go
    to: nowhere
`
	path := writeDescriptor(t, t.TempDir(), doc)
	_, err := Load(path)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrUndeclaredState)
}

func TestLoad_MissingInitialStateRejected(t *testing.T) {
	doc := `
name: bad
states: [waiting]
events: [go]
`
	path := writeDescriptor(t, t.TempDir(), doc)
	_, err := Load(path)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrMissingInitialState)
}

func TestLoad_AmbiguousGuardlessTransitionsRejected(t *testing.T) {
	doc := `
name: bad
initial_state: waiting
states: [waiting, a, b]
events: [go]
transitions:
  - from: waiting
    event: go
    to: a
  - from: waiting
    event: go
    to: b
`
	path := writeDescriptor(t, t.TempDir(), doc)
	_, err := Load(path)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrAmbiguousTransition)
}

func TestLoad_GuardedTransitionsCoexistWithFallback(t *testing.T) {
	doc := `
name: ok
initial_state: waiting
states: [waiting, a, b]
events: [go]
transitions:
  - from: waiting
    event: go
    to: a
    guard: "priority == \"high\""
  - from: waiting
    event: go
    to: b
`
	path := writeDescriptor(t, t.TempDir(), doc)
	d, err := Load(path)
	require.NoError(t, err)
	ts := d.TransitionsFor("waiting", "go")
	require.Len(t, ts, 2)
	assert.True(t, ts[0].HasGuard())
	assert.False(t, ts[1].HasGuard())
}

func TestLoad_InvalidGuardExprRejected(t *testing.T) {
	doc := `
name: bad
initial_state: waiting
states: [waiting, a]
events: [go]
transitions:
  - from: waiting
    event: go
    to: a
    guard: "this is not ) valid expr ("
`
	path := writeDescriptor(t, t.TempDir(), doc)
	_, err := Load(path)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrInvalidGuard)
}

func TestLoad_EnvExpansion(t *testing.T) {
	t.Setenv("MACHINE_NAME", "worker-7")
	doc := `
name: "{{.MACHINE_NAME}}"
initial_state: waiting
states: [waiting]
events: []
`
	path := writeDescriptor(t, t.TempDir(), doc)
	d, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "worker-7", d.Name)
}

type fakeActionChecker struct{ known map[string]bool }

func (f fakeActionChecker) Has(actionType string) bool { return f.known[actionType] }

func TestValidate_UnknownActionType(t *testing.T) {
	d, err := load(writeDescriptor(t, t.TempDir(), minimalDescriptor))
	require.NoError(t, err)

	err = Validate(d, fakeActionChecker{known: map[string]bool{"get_pending_jobs": true}})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrUnknownActionType)

	err = Validate(d, fakeActionChecker{known: map[string]bool{"get_pending_jobs": true, "claim_job": true}})
	require.NoError(t, err)
}
