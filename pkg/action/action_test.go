package action

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/machinist-run/machinist/pkg/broadcast"
	"github.com/machinist-run/machinist/pkg/mcontext"
	"github.com/machinist-run/machinist/pkg/store"
)

type fakeSpawner struct {
	yamlPath    string
	machineName string
	context     map[string]any
	err         error
}

func (f *fakeSpawner) Spawn(yamlPath, machineName string, initialContext map[string]any) error {
	f.yamlPath = yamlPath
	f.machineName = machineName
	f.context = initialContext
	return f.err
}

func newTestEnv(t *testing.T) (*Environment, *store.Store) {
	t.Helper()
	s, err := store.Open(context.Background(), filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })

	return &Environment{
		Store:         s,
		Broadcast:     broadcast.NewWriter(""),
		Spawner:       &fakeSpawner{},
		MachineName:   "test-machine",
		ControlPrefix: filepath.Join(t.TempDir(), "ctl"),
	}, s
}

func TestRegistry_BuiltinsRegistered(t *testing.T) {
	r := NewRegistry()
	for _, name := range []string{
		"get_pending_jobs", "claim_job", "pop_from_list", "add_to_list",
		"start_fsm", "wait_for_jobs", "send_event", "check_database_queue",
		"complete_job", "fail_job", "bash", "log",
	} {
		assert.True(t, r.Has(name), "expected %s to be registered", name)
	}
	assert.False(t, r.Has("does_not_exist"))
}

func TestGetPendingJobs_EmptyAndSuccess(t *testing.T) {
	env, s := newTestEnv(t)
	a := newGetPendingJobsAction(env)
	mc := mcontext.New()

	event, err := a.Run(context.Background(), mc, map[string]any{"store_as": "jobs"})
	require.NoError(t, err)
	assert.Equal(t, "empty", event)

	_, err = s.CreateJob(context.Background(), store.Job{JobID: "j1", JobType: "t"})
	require.NoError(t, err)

	event, err = a.Run(context.Background(), mc, map[string]any{"store_as": "jobs"})
	require.NoError(t, err)
	assert.Equal(t, "success", event)

	jobs, ok := mc.Get("jobs")
	require.True(t, ok)
	assert.Len(t, jobs, 1)
}

func TestClaimJob_AlreadyClaimed(t *testing.T) {
	env, s := newTestEnv(t)
	_, err := s.CreateJob(context.Background(), store.Job{JobID: "j1", JobType: "t"})
	require.NoError(t, err)
	claimed, err := s.ClaimJob(context.Background(), "j1")
	require.NoError(t, err)
	require.True(t, claimed)

	a := newClaimJobAction(env)
	mc := mcontext.New()
	event, err := a.Run(context.Background(), mc, map[string]any{"job_id": "j1"})
	require.NoError(t, err)
	assert.Equal(t, "already_claimed", event)
}

func TestPopAndAddToList(t *testing.T) {
	add := newAddToListAction(nil)
	pop := newPopFromListAction(nil)
	mc := mcontext.New()

	_, err := add.Run(context.Background(), mc, map[string]any{"list_key": "jobs", "value": "j1"})
	require.NoError(t, err)
	_, err = add.Run(context.Background(), mc, map[string]any{"list_key": "jobs", "value": "j2"})
	require.NoError(t, err)

	event, err := pop.Run(context.Background(), mc, map[string]any{"list_key": "jobs", "store_as": "current"})
	require.NoError(t, err)
	assert.Equal(t, "success", event)
	current, _ := mc.Get("current")
	assert.Equal(t, "j1", current)

	remaining, _ := mc.Get("jobs")
	assert.Equal(t, []any{"j2"}, remaining)

	mc.Set("empty_list", []any{})
	event, err = pop.Run(context.Background(), mc, map[string]any{"list_key": "empty_list", "store_as": "x"})
	require.NoError(t, err)
	assert.Equal(t, "empty", event)
}

func TestStartFSM_BuildsInitialContextWithAlias(t *testing.T) {
	env, _ := newTestEnv(t)
	a := newStartFSMAction(env)
	mc := mcontext.New()
	mc.Set("current_job", map[string]any{"id": "jX"})
	mc.Set("report_title", "T")

	event, err := a.Run(context.Background(), mc, map[string]any{
		"yaml_path":    "child.yaml",
		"machine_name": "worker-1",
		"context_vars": []any{"current_job.id as job_id", "report_title"},
	})
	require.NoError(t, err)
	assert.Equal(t, "success", event)

	spawner := env.Spawner.(*fakeSpawner)
	assert.Equal(t, "child.yaml", spawner.yamlPath)
	assert.Equal(t, "worker-1", spawner.machineName)
	assert.Equal(t, map[string]any{"job_id": "jX", "report_title": "T"}, spawner.context)
}

func TestStartFSM_MissingVarIsSkippedNotNull(t *testing.T) {
	env, _ := newTestEnv(t)
	a := newStartFSMAction(env)
	mc := mcontext.New()
	mc.Set("present", "yes")

	_, err := a.Run(context.Background(), mc, map[string]any{
		"yaml_path":    "child.yaml",
		"machine_name": "worker-1",
		"context_vars": []any{"present", "absent"},
	})
	require.NoError(t, err)

	spawner := env.Spawner.(*fakeSpawner)
	_, hasAbsent := spawner.context["absent"]
	assert.False(t, hasAbsent)
	assert.Equal(t, "yes", spawner.context["present"])
}

func TestWaitForJobs_AllComplete(t *testing.T) {
	env, s := newTestEnv(t)
	ctx := context.Background()
	for _, id := range []string{"j1", "j2"} {
		_, err := s.CreateJob(ctx, store.Job{JobID: id, JobType: "t"})
		require.NoError(t, err)
	}
	require.NoError(t, s.CompleteJob(ctx, "j1", nil))
	require.NoError(t, s.FailJob(ctx, "j2", "boom"))

	a := newWaitForJobsAction(env)
	mc := mcontext.New()
	mc.Set("tracked", []any{"j1", "j2"})

	event, err := a.Run(ctx, mc, map[string]any{"tracked_jobs_key": "tracked"})
	require.NoError(t, err)
	assert.Equal(t, "all_jobs_complete", event)

	completed, _ := mc.Get("completed_jobs")
	assert.Equal(t, []any{"j1"}, completed)
	failed, _ := mc.Get("failed_jobs")
	assert.Equal(t, []any{"j2"}, failed)
}

func TestWaitForJobs_NoJobsTracked(t *testing.T) {
	env, _ := newTestEnv(t)
	a := newWaitForJobsAction(env)
	mc := mcontext.New()

	event, err := a.Run(context.Background(), mc, map[string]any{"tracked_jobs_key": "tracked"})
	require.NoError(t, err)
	assert.Equal(t, "no_jobs_tracked", event)
}

func TestCompleteJob_NoRegressionAfterFail(t *testing.T) {
	env, s := newTestEnv(t)
	ctx := context.Background()
	_, err := s.CreateJob(ctx, store.Job{JobID: "j1", JobType: "t"})
	require.NoError(t, err)

	complete := newCompleteJobAction(env)
	_, err = complete.Run(ctx, mcontext.New(), map[string]any{"job_id": "j1"})
	require.NoError(t, err)

	statuses, err := s.GetJobStatuses(ctx, []string{"j1"})
	require.NoError(t, err)
	assert.Equal(t, store.JobCompleted, statuses["j1"])

	_, err = s.CreateJob(ctx, store.Job{JobID: "j2", JobType: "t"})
	require.NoError(t, err)
	require.NoError(t, s.FailJob(ctx, "j2", "boom"))
	_, err = complete.Run(ctx, mcontext.New(), map[string]any{"job_id": "j2"})
	require.NoError(t, err)

	statuses, err = s.GetJobStatuses(ctx, []string{"j2"})
	require.NoError(t, err)
	assert.Equal(t, store.JobFailed, statuses["j2"], "completing a failed job must not regress its status")
}

func TestCheckDatabaseQueue_JobsFound(t *testing.T) {
	env, s := newTestEnv(t)
	ctx := context.Background()
	_, err := s.CreateJob(ctx, store.Job{JobID: "j1", JobType: "t"})
	require.NoError(t, err)

	a := newCheckDatabaseQueueAction(env)
	mc := mcontext.New()
	event, err := a.Run(ctx, mc, map[string]any{"limit": 1})
	require.NoError(t, err)
	assert.Equal(t, "jobs_found", event)

	job, ok := mc.Get(mcontext.KeyCurrentJob)
	require.True(t, ok)
	assert.Equal(t, "j1", job.(map[string]any)["job_id"])

	statuses, err := s.GetJobStatuses(ctx, []string{"j1"})
	require.NoError(t, err)
	assert.Equal(t, store.JobProcessing, statuses["j1"])
}

func TestSendEvent_RecordsDurably(t *testing.T) {
	env, s := newTestEnv(t)
	a := newSendEventAction(env)
	mc := mcontext.New()

	event, err := a.Run(context.Background(), mc, map[string]any{
		"target_machine": "controller",
		"event_type":     "relay",
		"payload":        map[string]any{"user": map[string]any{"id": float64(42)}},
	})
	require.NoError(t, err)
	assert.Equal(t, "success", event)

	events, err := s.PullEvents(context.Background(), "controller", 0)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, "relay", events[0].EventType)
}
