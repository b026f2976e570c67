package jobs

const (
	ScheduleRecurring = "recurring"
	ScheduleOneShot   = "oneshot"

	StatusIdle    = "idle"
	StatusRunning = "running"
	StatusPaused  = "paused"

	TerminalCompleted = "completed"
	TerminalExpired   = "expired"
	TerminalCancelled = "cancelled"

	ManagedBySystem   = "system"
	ManagedByOperator = "operator"

	RunStatusSuccess = "success"
	RunStatusFailed  = "failed"
	RunStatusSkipped = "skipped"
)

// SystemTypes are the system-reserved job types. Jobs of these types are
// seeded by the scheduler and immutable through both control planes.
var SystemTypes = map[string]bool{
	"heartbeat":         true,
	"watchdog_failures": true,
}

// Job is a scheduled unit of work. All timestamps are epoch milliseconds;
// nil pointer fields are SQL NULL.
type Job struct {
	ID             string  `json:"id"`
	Type           string  `json:"type"`
	ScheduleType   string  `json:"scheduleType"`
	Status         string  `json:"status"`
	ProfileID      *string `json:"profileId"`
	ModelRef       *string `json:"modelRef"`
	Payload        *string `json:"payload,omitempty"`
	RunAt          *int64  `json:"runAt"`
	CadenceMinutes *int64  `json:"cadenceMinutes"`
	LastRunAt      *int64  `json:"lastRunAt"`
	NextRunAt      *int64  `json:"nextRunAt"`
	TerminalState  *string `json:"terminalState"`
	TerminalReason *string `json:"terminalReason"`
	LockToken      *string `json:"-"`
	LockExpiresAt  *int64  `json:"-"`
	ManagedBy      string  `json:"managedBy"`
	CreatedAt      int64   `json:"createdAt"`
	UpdatedAt      int64   `json:"updatedAt"`
}

// IsSystem reports whether the job type is system-reserved.
func (j *Job) IsSystem() bool {
	return SystemTypes[j.Type]
}

// IsTerminal reports whether the job has reached a terminal state.
func (j *Job) IsTerminal() bool {
	return j.TerminalState != nil
}

// Run captures one execution attempt of one job, append-only.
type Run struct {
	ID           string  `json:"id"`
	JobID        string  `json:"jobId"`
	ScheduledFor *int64  `json:"scheduledFor"`
	StartedAt    int64   `json:"startedAt"`
	FinishedAt   *int64  `json:"finishedAt"`
	Status       string  `json:"status"`
	ErrorCode    *string `json:"errorCode"`
	ErrorMessage *string `json:"errorMessage"`
	ResultJSON   *string `json:"resultJson"`
	CreatedAt    int64   `json:"createdAt"`
}
