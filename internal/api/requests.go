package api

import (
	"time"

	"github.com/prochub/prochub/internal/supervisor"
)

// ListServicesResponse for the service listing endpoint
type ListServicesResponse struct {
	Services []supervisor.ServiceInfo `json:"services"`
	Total    int                      `json:"total"`
}

// TailResponse carries a base64 snapshot of recent service output
type TailResponse struct {
	Data string `json:"data"`
}

// ValidateScheduleRequest for cron expression validation
type ValidateScheduleRequest struct {
	CronExpr string `json:"cron_expr" binding:"required"`
	Timezone string `json:"timezone,omitempty"`
}

// ValidateScheduleResponse reports validity plus the next firing instants
type ValidateScheduleResponse struct {
	Valid    bool        `json:"valid"`
	NextRuns []time.Time `json:"next_runs,omitempty"`
	Error    string      `json:"error,omitempty"`
}
