package sampler

import "time"

// Entry is one timestamped snapshot.
type Entry struct {
	Timestamp time.Time
	ElapsedMS float64
	Values    map[string]float64
}

// Appender receives entries from the sampling goroutine.
type Appender interface {
	Append(e Entry)
}

// Snapshotter is the live state read by the sampler.
type Snapshotter interface {
	Snapshot() map[string]float64
	SnapshotFiltered(names []string) map[string]float64
}
