package protocol

import (
	"bytes"

	"github.com/banshee-data/underpass.report/internal/monitoring"
	"github.com/banshee-data/underpass.report/internal/report"
)

// EscapedDemuxer splits a flag-delimited, byte-stuffed stream into frames.
// The alternate firmware sends no diagnostic text.
type EscapedDemuxer struct {
	buf      bytes.Buffer
	opts     Options
	frame    []byte // de-stuffed bytes since the last flag
	escaping bool
	counters
}

// NewEscapedDemuxer returns a demuxer for the flag-delimited protocol.
func NewEscapedDemuxer(opts Options) *EscapedDemuxer {
	opts = opts.withDefaults()
	opts.Framing = FramingEscaped
	return &EscapedDemuxer{opts: opts}
}

func (d *EscapedDemuxer) Append(p []byte) { d.buf.Write(p) }

func (d *EscapedDemuxer) Buffered() int { return d.buf.Len() + len(d.frame) }

func (d *EscapedDemuxer) Stats() Stats { return d.snapshot() }

func (d *EscapedDemuxer) NextDebugLine() (string, bool) { return "", false }

func (d *EscapedDemuxer) NextFrame() (report.Report, bool) {
	for d.buf.Len() > 0 {
		b, _ := d.buf.ReadByte()
		switch {
		case b == FlagByte:
			d.escaping = false
			if len(d.frame) == 0 {
				continue
			}
			p, err := d.decode(d.frame)
			d.frame = d.frame[:0]
			if err != nil {
				d.reject(err)
				continue
			}
			d.frames.Add(1)
			monitoring.L().Debug().Uint8("status", p.Status).Uint8("level_code", p.LevelCode).Msg("escaped frame")
			return p.Report(), true
		case d.escaping:
			d.frame = append(d.frame, b^EscapeMask)
			d.escaping = false
		case b == EscapeByte:
			d.escaping = true
		default:
			d.frame = append(d.frame, b)
		}

		if len(d.frame) > d.opts.MaxBuffer {
			// no flag for too long: the stream is not framed the way we expect
			d.garbageBytes.Add(uint64(len(d.frame)))
			d.bufferDrops.Add(1)
			d.frame = d.frame[:0]
			d.escaping = false
		}
	}
	return report.Report{}, false
}

func (d *EscapedDemuxer) decode(packet []byte) (EscapedPayload, error) {
	if d.opts.VerifyCRC {
		if err := VerifyCRC(packet); err != nil {
			return EscapedPayload{}, err
		}
	}
	return DecodeEscaped(packet, d.opts.AMType)
}
