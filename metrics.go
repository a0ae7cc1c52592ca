package tablequeue

import "time"

// Metrics captures relay telemetry.
type Metrics interface {
	// ObserveHandleDuration records how long one claimed message took end to end.
	ObserveHandleDuration(duration time.Duration)
	AddClaimed(count int)
	AddDone(count int)
	// AddFailed counts messages moved to ERROR or HOLD.
	AddFailed(count int)
	// AddReleased counts claims rolled back after a failure.
	AddReleased(count int)
	// AddLostRaces counts state changes that found the row already moved.
	AddLostRaces(count int)
	SetAvailable(count int)
}

// NopMetrics is a no-op metrics recorder.
type NopMetrics struct{}

// ObserveHandleDuration implements Metrics.
func (NopMetrics) ObserveHandleDuration(time.Duration) {}

// AddClaimed implements Metrics.
func (NopMetrics) AddClaimed(int) {}

// AddDone implements Metrics.
func (NopMetrics) AddDone(int) {}

// AddFailed implements Metrics.
func (NopMetrics) AddFailed(int) {}

// AddReleased implements Metrics.
func (NopMetrics) AddReleased(int) {}

// AddLostRaces implements Metrics.
func (NopMetrics) AddLostRaces(int) {}

// SetAvailable implements Metrics.
func (NopMetrics) SetAvailable(int) {}
