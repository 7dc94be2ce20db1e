package models

import "time"

// Kinds of asynchronous gateway work recorded by the outbox.
const (
	GatewayTaskCancelSchedule  = "cancel_schedule"
	GatewayTaskSuspendSchedule = "suspend_schedule"
	GatewayTaskResumeSchedule  = "resume_schedule"
)

// Outbox task states.
const (
	GatewayTaskPending    = "pending"
	GatewayTaskProcessing = "processing"
	GatewayTaskCompleted  = "completed"
	GatewayTaskFailed     = "failed"
)

// GatewayTask is a durable work item for a best-effort gateway call. It is
// inserted in the same transaction as the local state transition it follows
// (outbox pattern), so a gateway outage never blocks or rolls back the
// user-facing cancel/pause/resume.
type GatewayTask struct {
	ID                uint   `gorm:"primaryKey" json:"id"`
	Kind              string `gorm:"type:varchar(32);not null;index" json:"kind"`
	DonationID        uint   `gorm:"not null;index" json:"donation_id"`
	GatewayScheduleID string `gorm:"type:varchar(191);not null;default:''" json:"gateway_schedule_id"`

	Status    string     `gorm:"type:varchar(20);not null;default:'pending';index:idx_gateway_tasks_due,priority:1" json:"status"`
	Attempts  int        `gorm:"not null;default:0" json:"attempts"`
	NextRunAt time.Time  `gorm:"not null;index:idx_gateway_tasks_due,priority:2" json:"next_run_at"`
	LastError string     `gorm:"type:text" json:"last_error,omitempty"`
	DoneAt    *time.Time `gorm:"type:timestamp;default:null" json:"done_at,omitempty"`

	CreatedAt time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}
