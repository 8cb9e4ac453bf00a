package protocol

import (
	"bytes"
	"strings"

	"github.com/banshee-data/underpass.report/internal/report"
)

// MagicDemuxer separates fixed magic-header frames from the printf output the
// firmware interleaves on the same line.
type MagicDemuxer struct {
	buf      bytes.Buffer
	opts     Options
	failures int // consecutive failed decodes since the last good frame
	counters
}

// NewMagicDemuxer returns a demuxer for the fixed 22-byte protocol.
func NewMagicDemuxer(opts Options) *MagicDemuxer {
	opts = opts.withDefaults()
	opts.Framing = FramingMagic
	return &MagicDemuxer{opts: opts}
}

func (d *MagicDemuxer) Append(p []byte) { d.buf.Write(p) }

func (d *MagicDemuxer) Buffered() int { return d.buf.Len() }

func (d *MagicDemuxer) Stats() Stats { return d.snapshot() }

func (d *MagicDemuxer) NextFrame() (report.Report, bool) {
	for {
		data := d.buf.Bytes()
		i := bytes.Index(data, magicBytes)
		if i < 0 {
			d.capUnmarked(data)
			return report.Report{}, false
		}
		if i > 0 {
			// text before the marker is a debug line still to be read
			if bytes.IndexByte(data[:i], '\n') >= 0 {
				return report.Report{}, false
			}
			d.buf.Next(i)
			d.garbageBytes.Add(uint64(i))
			continue
		}

		if len(data) < MagicFrameSize {
			return report.Report{}, false
		}

		r, err := DecodeMagic(data[:MagicFrameSize])
		if err != nil {
			d.reject(err)
			d.failures++
			if d.failures >= d.opts.MaxResyncFailures {
				d.drop()
				continue
			}
			// the marker may have been payload noise; re-search from the next byte
			d.buf.Next(1)
			continue
		}

		d.failures = 0
		d.buf.Next(MagicFrameSize)
		d.frames.Add(1)
		return r, true
	}
}

func (d *MagicDemuxer) NextDebugLine() (string, bool) {
	for {
		data := d.buf.Bytes()
		if bytes.HasPrefix(data, magicBytes) {
			return "", false
		}
		nl := bytes.IndexByte(data, '\n')
		if nl < 0 {
			return "", false
		}
		if bytes.Contains(data[:nl], magicBytes) {
			return "", false
		}

		raw := data[:nl]
		keep := len(raw) > 0 && len(raw) < d.opts.MaxDebugLine
		var line string
		if keep {
			line = strings.TrimSpace(strings.ToValidUTF8(string(raw), ""))
		}
		d.buf.Next(nl + 1)

		if len(line) <= 1 {
			continue
		}
		d.debugLines.Add(1)
		return line, true
	}
}

// capUnmarked bounds a buffer holding neither a marker nor a newline, keeping
// the last byte in case it is the first half of a marker.
func (d *MagicDemuxer) capUnmarked(data []byte) {
	if len(data) <= d.opts.MaxBuffer || bytes.IndexByte(data, '\n') >= 0 {
		return
	}
	d.garbageBytes.Add(uint64(len(data) - 1))
	d.keepTail(data)
}

// drop discards the buffer after too many consecutive resync failures.
func (d *MagicDemuxer) drop() {
	data := d.buf.Bytes()
	d.garbageBytes.Add(uint64(len(data)))
	d.bufferDrops.Add(1)
	d.failures = 0
	if n := len(data); n > 0 && data[n-1] == magicBytes[0] {
		d.keepTail(data)
		return
	}
	d.buf.Reset()
}

func (d *MagicDemuxer) keepTail(data []byte) {
	last := data[len(data)-1]
	d.buf.Reset()
	d.buf.WriteByte(last)
}
