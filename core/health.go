package core

// HealthReport is the payload Heartbeat emits as core.health.report on
// every tick, and the shape the control surface's system_health()
// dashboard projection exposes verbatim.
type HealthReport struct {
	QueueDepth        int     `json:"queue_depth"`
	RunningTasks      int     `json:"running_tasks"`
	BlockedTasks      int     `json:"blocked_tasks"`
	OpenBreakers      int     `json:"open_breakers"`
	RecentFailureRate float64 `json:"recent_failure_rate"`
	DiskUsageBytes    int64   `json:"disk_usage_bytes"`
}
