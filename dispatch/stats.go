package dispatch

import "sync/atomic"

// Stats are running totals over the process lifetime
type Stats struct {
	framesProcessed  atomic.Int64
	batchesProcessed atomic.Int64
	batchesFailed    atomic.Int64
	detections       atomic.Int64
	uploads          atomic.Int64
}

// StatsSnapshot is a point-in-time copy of Stats
type StatsSnapshot struct {
	FramesProcessed  int64 `json:"frames_processed"`
	BatchesProcessed int64 `json:"batches_processed"`
	BatchesFailed    int64 `json:"batches_failed"`
	Detections       int64 `json:"total_detections"`
	Uploads          int64 `json:"uploads"`
}

// record adds a completion. Failed batches only count as failed; their
// frames and detections are not added to the totals.
func (s *Stats) record(c Completion) StatsSnapshot {
	s.uploads.Add(int64(c.Result.Uploads))
	if c.Err != nil {
		s.batchesFailed.Add(1)
		return s.Snapshot()
	}
	s.framesProcessed.Add(int64(c.Result.Frames))
	s.detections.Add(int64(c.Result.Detections))
	s.batchesProcessed.Add(1)
	return s.Snapshot()
}

// Snapshot returns the current totals
func (s *Stats) Snapshot() StatsSnapshot {
	return StatsSnapshot{
		FramesProcessed:  s.framesProcessed.Load(),
		BatchesProcessed: s.batchesProcessed.Load(),
		BatchesFailed:    s.batchesFailed.Load(),
		Detections:       s.detections.Load(),
		Uploads:          s.uploads.Load(),
	}
}

// LogAttrs renders the totals as slog key/value pairs
func (s StatsSnapshot) LogAttrs() []any {
	return []any{
		"frames_processed", s.FramesProcessed,
		"batches_processed", s.BatchesProcessed,
		"batches_failed", s.BatchesFailed,
		"total_detections", s.Detections,
		"uploads", s.Uploads,
	}
}
