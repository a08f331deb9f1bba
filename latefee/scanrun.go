package latefee

import (
	"time"

	"github.com/shopspring/decimal"
)

// ScanRunStatus tracks a scheduled company scan through its lifecycle.
type ScanRunStatus string

const (
	ScanRunning   ScanRunStatus = "running"
	ScanCompleted ScanRunStatus = "completed"
	ScanFailed    ScanRunStatus = "failed"
)

// ScanRun is the audit record of one scheduled summary for one company.
// The scheduler writes it; the engine never does.
type ScanRun struct {
	ID           string
	CompanyID    string
	Status       ScanRunStatus
	FeeCount     int
	TotalFees    decimal.Decimal
	FailureCount int
	Error        string
	StartedAt    time.Time
	CompletedAt  *time.Time
}
