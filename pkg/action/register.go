package action

func registerBuiltins(r *Registry) {
	r.Register("get_pending_jobs", newGetPendingJobsAction)
	r.Register("claim_job", newClaimJobAction)
	r.Register("pop_from_list", newPopFromListAction)
	r.Register("add_to_list", newAddToListAction)
	r.Register("start_fsm", newStartFSMAction)
	r.Register("wait_for_jobs", newWaitForJobsAction)
	r.Register("send_event", newSendEventAction)
	r.Register("check_database_queue", newCheckDatabaseQueueAction)
	r.Register("complete_job", newCompleteJobAction)
	r.Register("fail_job", newFailJobAction)
	r.Register("bash", newBashAction)
	r.Register("log", newLogAction)
}
