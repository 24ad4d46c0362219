package session

import (
	"context"
	"sync/atomic"
)

// Stats is a point-in-time snapshot of one session's counters.
type Stats struct {
	UnitsSubmitted    uint64 `json:"units_submitted"    yaml:"units_submitted"`
	PicturesDelivered uint64 `json:"pictures_delivered" yaml:"pictures_delivered"`
	FramesDropped     uint64 `json:"frames_dropped"     yaml:"frames_dropped"`
	PoolBuilds        uint64 `json:"pool_builds"        yaml:"pool_builds"`
	BytesRead         uint64 `json:"bytes_read"         yaml:"bytes_read"`
	BytesWrote        uint64 `json:"bytes_wrote"        yaml:"bytes_wrote"`
}

type statistics struct {
	UnitsSubmitted    atomic.Uint64
	PicturesDelivered atomic.Uint64
	FramesDropped     atomic.Uint64
	PoolBuilds        atomic.Uint64
	BytesRead         atomic.Uint64
	BytesWrote        atomic.Uint64
}

func (stats *statistics) Convert() Stats {
	return Stats{
		UnitsSubmitted:    stats.UnitsSubmitted.Load(),
		PicturesDelivered: stats.PicturesDelivered.Load(),
		FramesDropped:     stats.FramesDropped.Load(),
		PoolBuilds:        stats.PoolBuilds.Load(),
		BytesRead:         stats.BytesRead.Load(),
		BytesWrote:        stats.BytesWrote.Load(),
	}
}

func (s *Session) GetStats(ctx context.Context) *Stats {
	stats := s.stats.Convert()
	return &stats
}
