package bridge

import (
	"github.com/banshee-data/underpass.report/internal/protocol"
	"github.com/banshee-data/underpass.report/internal/report"
	"github.com/banshee-data/underpass.report/internal/sink"
	"github.com/banshee-data/underpass.report/internal/version"
)

// Status is the point-in-time view served on /api/status.
type Status struct {
	Instance   string         `json:"instance"`
	Version    version.Info   `json:"version"`
	Source     string         `json:"source"`
	Serial     string         `json:"serial"`
	Publisher  string         `json:"publisher"`
	Reconnects uint64         `json:"reconnects"`
	Superseded uint64         `json:"superseded"`
	DebugLines uint64         `json:"debug_lines_logged"`
	Demux      protocol.Stats `json:"demux"`
	Sink       sink.Stats     `json:"sink"`
	Latest     *report.Report `json:"latest,omitempty"`
	Band       string         `json:"band,omitempty"`
	LuxPercent float64        `json:"lux_percent,omitempty"`
}

// Status collects link states and counters.
func (b *Bridge) Status() Status {
	s := Status{
		Instance:   b.cfg.Instance,
		Version:    version.Get(),
		Source:     b.cfg.Opener.Address(),
		Serial:     b.serial.Load().String(),
		Publisher:  "disabled",
		Reconnects: b.reconnects.Load(),
		Superseded: b.superseded.Load(),
		DebugLines: b.lines.Load(),
		Demux:      b.cfg.Demuxer.Stats(),
		Sink:       b.cfg.Sink.Stats(),
	}
	if b.cfg.Publisher != nil {
		s.Publisher = b.cfg.Publisher.State().String()
	}
	if r, ok := b.Latest(); ok {
		s.Latest = &r
		s.Band = b.cfg.Thresholds.Band(r.Luminosity)
		s.LuxPercent = b.cfg.Thresholds.Percent(r.Luminosity)
	}
	return s
}
