package store

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "machinist.db")
	s, err := Open(context.Background(), path)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestCreateAndGetPendingJobs(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	_, err := s.CreateJob(ctx, Job{JobID: "j1", JobType: "build", Priority: 10})
	require.NoError(t, err)
	_, err = s.CreateJob(ctx, Job{JobID: "j2", JobType: "build", Priority: 5})
	require.NoError(t, err)

	jobs, err := s.GetPendingJobs(ctx, JobFilter{JobType: "build"})
	require.NoError(t, err)
	require.Len(t, jobs, 2)
	assert.Equal(t, "j2", jobs[0].JobID, "lower priority value sorts first")
	assert.Equal(t, "j1", jobs[1].JobID)
}

func TestClaimJob_SingleClaimer(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	_, err := s.CreateJob(ctx, Job{JobID: "j1", JobType: "build"})
	require.NoError(t, err)

	claimed, err := s.ClaimJob(ctx, "j1")
	require.NoError(t, err)
	assert.True(t, claimed)

	claimedAgain, err := s.ClaimJob(ctx, "j1")
	require.NoError(t, err)
	assert.False(t, claimedAgain, "a second claim of the same job must fail")
}

// TestClaimJob_Concurrent exercises the claim guarantee: across any
// interleaving of claim_job calls, at most one succeeds.
func TestClaimJob_Concurrent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	_, err := s.CreateJob(ctx, Job{JobID: "j1", JobType: "build"})
	require.NoError(t, err)

	const attempts = 8
	results := make([]bool, attempts)
	var wg sync.WaitGroup
	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			claimed, err := s.ClaimJob(ctx, "j1")
			require.NoError(t, err)
			results[i] = claimed
		}(i)
	}
	wg.Wait()

	successes := 0
	for _, r := range results {
		if r {
			successes++
		}
	}
	assert.Equal(t, 1, successes)
}

func TestCompleteJob_NoRegression(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	_, err := s.CreateJob(ctx, Job{JobID: "j1", JobType: "build"})
	require.NoError(t, err)
	_, err = s.ClaimJob(ctx, "j1")
	require.NoError(t, err)

	require.NoError(t, s.CompleteJob(ctx, "j1", map[string]any{"ok": true}))
	require.NoError(t, s.FailJob(ctx, "j1", "should not regress a completed job"))

	statuses, err := s.GetJobStatuses(ctx, []string{"j1"})
	require.NoError(t, err)
	assert.Equal(t, JobCompleted, statuses["j1"])
}

func TestGetJobStatuses(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		_, err := s.CreateJob(ctx, Job{JobID: fmt.Sprintf("j%d", i), JobType: "t"})
		require.NoError(t, err)
	}
	require.NoError(t, s.CompleteJob(ctx, "j0", nil))

	statuses, err := s.GetJobStatuses(ctx, []string{"j0", "j1", "missing"})
	require.NoError(t, err)
	assert.Equal(t, JobCompleted, statuses["j0"])
	assert.Equal(t, JobPending, statuses["j1"])
	_, ok := statuses["missing"]
	assert.False(t, ok)
}

func TestRecordAndPullEvents(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	id, err := s.RecordEvent(ctx, MachineEvent{
		TargetMachine: "controller",
		EventType:     "relay",
		Payload:       map[string]any{"user": map[string]any{"id": float64(42)}},
		Source:        "test",
	})
	require.NoError(t, err)
	assert.Positive(t, id)

	events, err := s.PullEvents(ctx, "controller", 0)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, "relay", events[0].EventType)

	require.NoError(t, s.MarkConsumed(ctx, events[0].ID))

	events, err = s.PullEvents(ctx, "controller", 0)
	require.NoError(t, err)
	assert.Empty(t, events, "consumed events must not be redelivered")
}

func TestUpsertMachineState(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.UpsertMachineState(ctx, MachineState{
		MachineName:  "worker-1",
		ConfigType:   "worker",
		CurrentState: "waiting",
	}))
	require.NoError(t, s.UpsertMachineState(ctx, MachineState{
		MachineName:  "worker-1",
		ConfigType:   "worker",
		CurrentState: "processing",
	}))

	var current string
	row := s.db.QueryRowContext(ctx, "SELECT current_state FROM machine_states WHERE machine_name = ?", "worker-1")
	require.NoError(t, row.Scan(&current))
	assert.Equal(t, "processing", current)
}
