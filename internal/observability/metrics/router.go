package metrics

var (
	operations = newCounterVec("fundrouter_operations_total",
		"Router operations by outcome code.", "operation", "outcome")
	payouts = newCounterVec("fundrouter_distribution_payouts_total",
		"Recipients paid by the distribution engine.").preset()
	invocations = newCounterVec("fundrouter_distribution_invocations_total",
		"Distribution invocations by result.", "result").preset("checkpoint").preset("completed")
	resumeTasks = newCounterVec("fundrouter_resume_tasks_total",
		"Distribution resume tasks by status.", "status")
	pending = newGauge("fundrouter_pending_distributions",
		"Agents waiting for a distribution resume.")
)

// ObserveRouterOperation 记录一次路由器操作及其结果码（成功为 ok）。
func ObserveRouterOperation(operation, outcome string) {
	operations.inc(operation, outcome)
}

// ObserveDistribution 记录一次派发调用处理的接收方数量，以及它是否完成了本轮。
func ObserveDistribution(processed int, completed bool) {
	if processed > 0 {
		payouts.add(uint64(processed))
	}
	if completed {
		invocations.inc("completed")
	} else {
		invocations.inc("checkpoint")
	}
}

// ObserveResumeTask 记录续跑任务的处理结果。
func ObserveResumeTask(status string) {
	resumeTasks.inc(status)
}

// SetPendingDistributions 更新等待续跑的基金数量。
func SetPendingDistributions(n int) {
	pending.set(int64(n))
}
