package action

import (
	"context"
	"fmt"

	"github.com/machinist-run/machinist/pkg/mcontext"
	"github.com/machinist-run/machinist/pkg/store"
)

// getPendingJobsAction is the read-only job-store scan: get_pending_jobs.
type getPendingJobsAction struct {
	env *Environment
}

func newGetPendingJobsAction(env *Environment) Action { return &getPendingJobsAction{env: env} }

func (a *getPendingJobsAction) Run(ctx context.Context, mc mcontext.Context, cfg map[string]any) (string, error) {
	filter := store.JobFilter{
		JobType:     configString(cfg, "job_type"),
		MachineType: configString(cfg, "machine_type"),
		Limit:       configInt(cfg, "limit", 0),
	}

	jobs, err := a.env.Store.GetPendingJobs(ctx, filter)
	if err != nil {
		return "", &Error{ActionType: "get_pending_jobs", Err: err}
	}

	storeAs := configString(cfg, "store_as")
	if storeAs == "" {
		return "", &Error{ActionType: "get_pending_jobs", Err: fmt.Errorf("store_as is required")}
	}

	list := make([]any, len(jobs))
	for i, j := range jobs {
		list[i] = jobToMap(j)
	}
	mc.Set(storeAs, list)

	if len(jobs) == 0 {
		return outcomeEvent(cfg, "empty", "empty"), nil
	}
	return outcomeEvent(cfg, "success", "success"), nil
}

func jobToMap(j store.Job) map[string]any {
	m := map[string]any{
		"job_id":       j.JobID,
		"job_type":     j.JobType,
		"machine_type": j.MachineType,
		"status":       string(j.Status),
		"priority":     j.Priority,
		"data":         j.Data,
		"metadata":     j.Metadata,
	}
	return m
}

// claimJobAction is the atomic single-claim boundary: claim_job.
type claimJobAction struct {
	env *Environment
}

func newClaimJobAction(env *Environment) Action { return &claimJobAction{env: env} }

func (a *claimJobAction) Run(ctx context.Context, mc mcontext.Context, cfg map[string]any) (string, error) {
	jobID := configString(cfg, "job_id")
	if jobID == "" {
		return "", &Error{ActionType: "claim_job", Err: fmt.Errorf("job_id is required")}
	}

	claimed, err := a.env.Store.ClaimJob(ctx, jobID)
	if err != nil {
		return outcomeEvent(cfg, "error", "error"), &Error{ActionType: "claim_job", Err: err}
	}
	if !claimed {
		return outcomeEvent(cfg, "already_claimed", "already_claimed"), nil
	}
	return outcomeEvent(cfg, "success", "success"), nil
}

// popFromListAction: pop_from_list.
type popFromListAction struct{}

func newPopFromListAction(*Environment) Action { return &popFromListAction{} }

func (a *popFromListAction) Run(_ context.Context, mc mcontext.Context, cfg map[string]any) (string, error) {
	listKey := configString(cfg, "list_key")
	storeAs := configString(cfg, "store_as")

	raw, _ := mc.Get(listKey)
	list := asList(raw)
	if len(list) == 0 {
		return outcomeEvent(cfg, "empty", "empty"), nil
	}

	mc.Set(storeAs, list[0])
	mc.Set(listKey, list[1:])
	return outcomeEvent(cfg, "success", "success"), nil
}

// addToListAction: add_to_list.
type addToListAction struct{}

func newAddToListAction(*Environment) Action { return &addToListAction{} }

func (a *addToListAction) Run(_ context.Context, mc mcontext.Context, cfg map[string]any) (string, error) {
	listKey := configString(cfg, "list_key")
	value := cfg["value"]

	raw, _ := mc.Get(listKey)
	list := asList(raw)
	list = append(list, value)
	mc.Set(listKey, list)

	return outcomeEvent(cfg, "success", "success"), nil
}
