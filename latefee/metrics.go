package latefee

import "time"

// Recorder receives engine metrics. observability.PromRecorder exports
// them to Prometheus; NopRecorder drops them.
type Recorder interface {
	// CalculationDone is called once per target with outcome "fee",
	// "no_fee", "not_found" or "error".
	CalculationDone(target TargetType, outcome string, fee float64)
	RuleCacheLookup(hit bool)
	BatchDone(target TargetType, rows, failures int, elapsed time.Duration)
}

type NopRecorder struct{}

func (NopRecorder) CalculationDone(TargetType, string, float64)   {}
func (NopRecorder) RuleCacheLookup(bool)                          {}
func (NopRecorder) BatchDone(TargetType, int, int, time.Duration) {}

const (
	OutcomeFee      = "fee"
	OutcomeNoFee    = "no_fee"
	OutcomeNotFound = "not_found"
	OutcomeError    = "error"
)
