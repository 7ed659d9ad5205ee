package telemetry

import "sync"

// ResetStageMetricsForTest clears cached metric instruments so tests can
// reinitialize them against a fresh MeterProvider. This is intended for
// use in test code only.
func ResetStageMetricsForTest() {
	stageMetricsOnce = sync.Once{}
	stageMetricsInitErr = nil
	stageRunCounter = nil
	stageRefusalCounter = nil
	stageLatencyRecorder = nil
}
