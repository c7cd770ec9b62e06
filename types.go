package xcqrs

import (
	"time"
)

// PoolStats returns telemetry about the observer pool.
type PoolStats struct {
	Dropped      uint64 // Events dropped due to full buffer
	Processed    uint64 // Events successfully processed
	Panicked     uint64 // Observer calls that panicked and were recovered
	ActiveEvents int    // Current queue depth
	Workers      int    // Number of dispatch goroutines
	BufferSize   int    // Channel capacity
}

// Metrics defines observable telemetry for the bus.
type Metrics struct {
	Dispatched          uint64
	HandlerFailures     uint64
	Committed           uint64
	EventsEnqueued      uint64
	EventsProcessed     uint64
	PolicyFailures      uint64
	Projected           uint64
	ProjectionFailures  uint64
	RecursionRejections uint64
	Acked               uint64
	Nacked              uint64
	Errors              uint64
	MailboxDepth        int
	MailboxCapacity     int
	ObserverDropped     uint64
	AvgProcessingTimeMs float64
}

// HealthStatus indicates bus health for Kubernetes probes.
type HealthStatus struct {
	Status    string // "healthy", "degraded", "unhealthy"
	Metrics   Metrics
	Timestamp time.Time
	Message   string
}
