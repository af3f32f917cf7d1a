package outbox

import (
	"fmt"
	"time"
)

// HealthStatus orders Healthy < Degraded < Unhealthy.
type HealthStatus int

const (
	HealthHealthy HealthStatus = iota
	HealthDegraded
	HealthUnhealthy
)

func (status HealthStatus) String() string {
	switch status {
	case HealthDegraded:
		return "degraded"
	case HealthUnhealthy:
		return "unhealthy"
	default:
		return "healthy"
	}
}

// MarshalText renders the status name in JSON documents.
func (status HealthStatus) MarshalText() ([]byte, error) {
	return []byte(status.String()), nil
}

// HealthThresholds holds the warn and unhealthy levels of each dimension.
// A zero threshold disables that level.
type HealthThresholds struct {
	BacklogWarn           int64
	BacklogUnhealthy      int64
	FailureRatioWarn      float64
	FailureRatioUnhealthy float64
	OldestAgeWarn         time.Duration
	OldestAgeUnhealthy    time.Duration
}

// DefaultHealthThresholds returns the baseline thresholds.
func DefaultHealthThresholds() HealthThresholds {
	return HealthThresholds{
		BacklogWarn:           1000,
		BacklogUnhealthy:      10000,
		FailureRatioWarn:      0.1,
		FailureRatioUnhealthy: 0.5,
		OldestAgeWarn:         5 * time.Minute,
		OldestAgeUnhealthy:    30 * time.Minute,
	}
}

// HealthCheckResult is the verdict on one dimension.
type HealthCheckResult struct {
	Name    string       `json:"name"`
	Status  HealthStatus `json:"status"`
	Message string       `json:"message,omitempty"`
}

// HealthReport is the aggregated verdict. Status is the worst check.
type HealthReport struct {
	Status   HealthStatus        `json:"status"`
	Checks   []HealthCheckResult `json:"checks"`
	Snapshot Snapshot            `json:"-"`
}

// HealthCheck evaluates snapshots against thresholds.
type HealthCheck struct {
	Thresholds HealthThresholds
}

// NewHealthCheck returns a HealthCheck using thresholds.
func NewHealthCheck(thresholds HealthThresholds) *HealthCheck {
	return &HealthCheck{Thresholds: thresholds}
}

// Evaluate checks backlog size, window failure ratio and oldest pending age.
func (check *HealthCheck) Evaluate(snapshot Snapshot) HealthReport {
	thresholds := DefaultHealthThresholds()
	if check != nil {
		thresholds = check.Thresholds
	}

	checks := []HealthCheckResult{
		evaluateLevel("backlog_size",
			float64(snapshot.BacklogSize), float64(thresholds.BacklogWarn), float64(thresholds.BacklogUnhealthy),
			fmt.Sprintf("%d pending messages", snapshot.BacklogSize)),
		evaluateLevel("failure_ratio",
			snapshot.FailureRatio, thresholds.FailureRatioWarn, thresholds.FailureRatioUnhealthy,
			fmt.Sprintf("%.3f of attempts failed in the last %d cycles", snapshot.FailureRatio, snapshot.WindowCycles)),
		evaluateLevel("oldest_pending_age",
			snapshot.OldestPendingAge.Seconds(), thresholds.OldestAgeWarn.Seconds(), thresholds.OldestAgeUnhealthy.Seconds(),
			fmt.Sprintf("oldest pending message is %s old", snapshot.OldestPendingAge.Truncate(time.Second))),
	}

	report := HealthReport{Status: HealthHealthy, Checks: checks, Snapshot: snapshot}

	for _, result := range checks {
		if result.Status > report.Status {
			report.Status = result.Status
		}
	}

	return report
}

func evaluateLevel(name string, value, warn, unhealthy float64, detail string) HealthCheckResult {
	result := HealthCheckResult{Name: name, Status: HealthHealthy}

	switch {
	case unhealthy > 0 && value >= unhealthy:
		result.Status = HealthUnhealthy
	case warn > 0 && value >= warn:
		result.Status = HealthDegraded
	default:
		return result
	}

	result.Message = detail

	return result
}
