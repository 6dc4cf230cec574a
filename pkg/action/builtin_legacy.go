package action

import (
	"context"

	"github.com/machinist-run/machinist/pkg/mcontext"
	"github.com/machinist-run/machinist/pkg/store"
)

// checkDatabaseQueueAction is the legacy single-claim convenience:
// check_database_queue. It scans up to limit (default 1) pending rows
// matching the filter and atomically claims the first one it can in the
// same call, storing the claimed row as current_job — this is
// get_pending_jobs + claim_job fused into one action for FSMs that only
// ever process one job at a time.
type checkDatabaseQueueAction struct {
	env *Environment
}

func newCheckDatabaseQueueAction(env *Environment) Action { return &checkDatabaseQueueAction{env: env} }

func (a *checkDatabaseQueueAction) Run(ctx context.Context, mc mcontext.Context, cfg map[string]any) (string, error) {
	limit := configInt(cfg, "limit", 1)
	filter := store.JobFilter{
		JobType:     configString(cfg, "job_type"),
		MachineType: configString(cfg, "machine_type"),
		Limit:       limit,
	}

	jobs, err := a.env.Store.GetPendingJobs(ctx, filter)
	if err != nil {
		return "", &Error{ActionType: "check_database_queue", Err: err}
	}

	for _, j := range jobs {
		claimed, err := a.env.Store.ClaimJob(ctx, j.JobID)
		if err != nil {
			return "", &Error{ActionType: "check_database_queue", Err: err}
		}
		if claimed {
			mc.Set(mcontext.KeyCurrentJob, jobToMap(j))
			return outcomeEvent(cfg, "jobs_found", "jobs_found"), nil
		}
		// Lost the race to another engine instance; try the next candidate.
	}

	return outcomeEvent(cfg, "empty", "empty"), nil
}

// completeJobAction sets a job terminal with status=completed:
// complete_job.
type completeJobAction struct {
	env *Environment
}

func newCompleteJobAction(env *Environment) Action { return &completeJobAction{env: env} }

func (a *completeJobAction) Run(ctx context.Context, mc mcontext.Context, cfg map[string]any) (string, error) {
	jobID := configString(cfg, "job_id")
	result, _ := cfg["result"].(map[string]any)

	if err := a.env.Store.CompleteJob(ctx, jobID, result); err != nil {
		return outcomeEvent(cfg, "error", "error"), &Error{ActionType: "complete_job", Err: err}
	}
	return outcomeEvent(cfg, "success", "success"), nil
}

// failJobAction sets a job terminal with status=failed: fail_job.
type failJobAction struct {
	env *Environment
}

func newFailJobAction(env *Environment) Action { return &failJobAction{env: env} }

func (a *failJobAction) Run(ctx context.Context, mc mcontext.Context, cfg map[string]any) (string, error) {
	jobID := configString(cfg, "job_id")
	reason := configString(cfg, "error")

	if err := a.env.Store.FailJob(ctx, jobID, reason); err != nil {
		return outcomeEvent(cfg, "error", "error"), &Error{ActionType: "fail_job", Err: err}
	}
	return outcomeEvent(cfg, "success", "success"), nil
}
