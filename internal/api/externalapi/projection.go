package externalapi

import "github.com/ottolabs/otto/internal/jobs"

// jobProjection is the external view of a job. Lock bookkeeping and the
// opaque payload never leave the process.
type jobProjection struct {
	ID             string  `json:"id"`
	Type           string  `json:"type"`
	ScheduleType   string  `json:"scheduleType"`
	ProfileID      *string `json:"profileId"`
	ModelRef       *string `json:"modelRef"`
	Status         string  `json:"status"`
	RunAt          *int64  `json:"runAt"`
	CadenceMinutes *int64  `json:"cadenceMinutes"`
	LastRunAt      *int64  `json:"lastRunAt"`
	NextRunAt      *int64  `json:"nextRunAt"`
	TerminalState  *string `json:"terminalState"`
	TerminalReason *string `json:"terminalReason"`
	ManagedBy      string  `json:"managedBy"`
	IsMutable      bool    `json:"isMutable"`
	CreatedAt      int64   `json:"createdAt"`
	UpdatedAt      int64   `json:"updatedAt"`
}

func projectJob(j jobs.Job) jobProjection {
	return jobProjection{
		ID:             j.ID,
		Type:           j.Type,
		ScheduleType:   j.ScheduleType,
		ProfileID:      j.ProfileID,
		ModelRef:       j.ModelRef,
		Status:         j.Status,
		RunAt:          j.RunAt,
		CadenceMinutes: j.CadenceMinutes,
		LastRunAt:      j.LastRunAt,
		NextRunAt:      j.NextRunAt,
		TerminalState:  j.TerminalState,
		TerminalReason: j.TerminalReason,
		ManagedBy:      j.ManagedBy,
		IsMutable:      !j.IsSystem() && !j.IsTerminal(),
		CreatedAt:      j.CreatedAt,
		UpdatedAt:      j.UpdatedAt,
	}
}

func projectJobs(list []jobs.Job) []jobProjection {
	out := make([]jobProjection, 0, len(list))
	for _, j := range list {
		out = append(out, projectJob(j))
	}
	return out
}
