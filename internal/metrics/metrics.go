package metrics

import "expvar"

// 轻量计数器，/debug/vars 可直接查看
var (
	RecoveryRuns   = expvar.NewInt("recovery_runs")
	RecoveryErrors = expvar.NewInt("recovery_errors")
	GovernorRuns   = expvar.NewInt("governor_runs")
	SweepRuns      = expvar.NewInt("sweep_runs")
	SweepReclaimed = expvar.NewInt("sweep_reclaimed")
)
