package metrics

// Collector captures counters, gauges and histograms.
type Collector interface {
	IncCounter(name string, labels map[string]string, delta float64)
	SetGauge(name string, labels map[string]string, value float64)
	ObserveHistogram(name string, labels map[string]string, value float64)
}

// Metric names reported by the replica and log packages.
const (
	CombineRounds    = "combine_rounds_total"
	CombineBatchSize = "combine_batch_size"
	LocalTail        = "log_local_tail"
	LogTail          = "log_tail"
	LogHead          = "log_head"
	LogFullWaits     = "log_full_waits_total"
)

// Nop discards everything.
type Nop struct{}

func (Nop) IncCounter(string, map[string]string, float64)       {}
func (Nop) SetGauge(string, map[string]string, float64)         {}
func (Nop) ObserveHistogram(string, map[string]string, float64) {}
