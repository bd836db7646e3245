package engine

import "sync/atomic"

// Stats counts engine activity for the admin API.
type Stats struct {
	Joins        atomic.Int64
	Leaves       atomic.Int64
	Provisioned  atomic.Int64
	Revoked      atomic.Int64
	Errors       atomic.Int64
	StaleDropped atomic.Int64
	SweepRuns    atomic.Int64
}

// Snapshot is a point-in-time copy of the counters.
type Snapshot struct {
	Joins        int64 `json:"joins"`
	Leaves       int64 `json:"leaves"`
	Provisioned  int64 `json:"provisioned"`
	Revoked      int64 `json:"revoked"`
	Errors       int64 `json:"errors"`
	StaleDropped int64 `json:"stale_dropped"`
	SweepRuns    int64 `json:"sweep_runs"`
}

func (s *Stats) Snapshot() Snapshot {
	return Snapshot{
		Joins:        s.Joins.Load(),
		Leaves:       s.Leaves.Load(),
		Provisioned:  s.Provisioned.Load(),
		Revoked:      s.Revoked.Load(),
		Errors:       s.Errors.Load(),
		StaleDropped: s.StaleDropped.Load(),
		SweepRuns:    s.SweepRuns.Load(),
	}
}
