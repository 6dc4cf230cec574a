package action

import (
	"context"
	"fmt"
	"time"

	"github.com/machinist-run/machinist/pkg/mcontext"
	"github.com/machinist-run/machinist/pkg/store"
)

// waitForJobsAction polls the job table for a tracked batch: wait_for_jobs.
// Polling (and the sleep between polls) happens inside this one Run call,
// which is one of the runtime's suspension points — two actions of the
// same machine never run concurrently, so this is one of the places (with
// bash) where a single action call may legitimately block for longer than
// an instant.
type waitForJobsAction struct {
	env *Environment
}

func newWaitForJobsAction(env *Environment) Action { return &waitForJobsAction{env: env} }

func (a *waitForJobsAction) Run(ctx context.Context, mc mcontext.Context, cfg map[string]any) (string, error) {
	key := configString(cfg, "tracked_jobs_key")
	raw, _ := mc.Get(key)
	ids := toStringSlice(asList(raw))
	if len(ids) == 0 {
		return outcomeEvent(cfg, "no_jobs_tracked", "no_jobs_tracked"), nil
	}

	timeoutSeconds := configFloat(cfg, "timeout_seconds", 0)
	pollInterval := configFloat(cfg, "poll_interval", 1)
	if pollInterval <= 0 {
		pollInterval = 1
	}
	hasDeadline := timeoutSeconds > 0
	deadline := time.Now().Add(time.Duration(timeoutSeconds * float64(time.Second)))

	for {
		statuses, err := a.env.Store.GetJobStatuses(ctx, ids)
		if err != nil {
			return outcomeEvent(cfg, "error", "error"), &Error{ActionType: "wait_for_jobs", Err: err}
		}

		completed, failed, pending := partitionJobStatuses(ids, statuses)
		mc.Set("completed_jobs", completed)
		mc.Set("failed_jobs", failed)
		mc.Set("pending_jobs", pending)

		if len(pending) == 0 {
			return outcomeEvent(cfg, "all_jobs_complete", "all_jobs_complete"), nil
		}
		if hasDeadline && time.Now().After(deadline) {
			return outcomeEvent(cfg, "check_timeout", "check_timeout"), nil
		}

		select {
		case <-ctx.Done():
			return "", fmt.Errorf("wait_for_jobs cancelled: %w", ctx.Err())
		case <-time.After(time.Duration(pollInterval * float64(time.Second))):
		}
	}
}

func partitionJobStatuses(ids []string, statuses map[string]store.JobStatus) (completed, failed, pending []any) {
	for _, id := range ids {
		switch statuses[id] {
		case store.JobCompleted:
			completed = append(completed, id)
		case store.JobFailed:
			failed = append(failed, id)
		default:
			pending = append(pending, id)
		}
	}
	return
}

func toStringSlice(list []any) []string {
	out := make([]string, 0, len(list))
	for _, v := range list {
		out = append(out, asString(v))
	}
	return out
}
