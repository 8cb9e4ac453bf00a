package protocol

import (
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/banshee-data/underpass.report/internal/report"
)

// Framing selects the wire protocol spoken by the sensor node.
type Framing string

const (
	FramingMagic   Framing = "magic"
	FramingEscaped Framing = "escaped"
)

// Demuxer classifies a byte stream into frames, diagnostic text and garbage.
// It retains only the unconsumed remainder. A Demuxer is owned by a single
// reader goroutine; only Stats may be called concurrently.
type Demuxer interface {
	// Append adds bytes read from the source.
	Append(p []byte)
	// NextFrame returns the next valid report, or false if more bytes are
	// needed or a debug line must be consumed first.
	NextFrame() (report.Report, bool)
	// NextDebugLine returns the next diagnostic text line, or false if none
	// is complete or a frame marker precedes it.
	NextDebugLine() (string, bool)
	// Buffered returns the number of retained bytes.
	Buffered() int
	// Stats returns a snapshot of the decode counters.
	Stats() Stats
}

// Options tunes a Demuxer.
type Options struct {
	Framing Framing
	// MaxResyncFailures consecutive failed decodes drop the buffer.
	MaxResyncFailures int
	// MaxDebugLine is the exclusive upper bound on debug line length.
	MaxDebugLine int
	// MaxBuffer caps bytes retained while neither a marker nor a newline is
	// present; for escaped framing it caps one frame.
	MaxBuffer int
	// AMType is the expected type byte of escaped frames.
	AMType byte
	// VerifyCRC checks the CRC trailer of escaped frames.
	VerifyCRC bool
}

// DefaultOptions returns the options for the fixed magic-header protocol.
func DefaultOptions() Options {
	return Options{
		Framing:           FramingMagic,
		MaxResyncFailures: 64,
		MaxDebugLine:      150,
		MaxBuffer:         4096,
		AMType:            DefaultAMType,
	}
}

func (o Options) withDefaults() Options {
	d := DefaultOptions()
	if o.Framing == "" {
		o.Framing = d.Framing
	}
	if o.MaxResyncFailures <= 0 {
		o.MaxResyncFailures = d.MaxResyncFailures
	}
	if o.MaxDebugLine <= 0 {
		o.MaxDebugLine = d.MaxDebugLine
	}
	if o.MaxBuffer <= 0 {
		o.MaxBuffer = d.MaxBuffer
	}
	if o.AMType == 0 {
		o.AMType = d.AMType
	}
	return o
}

// NewDemuxer returns the demuxer for opts.Framing.
func NewDemuxer(opts Options) (Demuxer, error) {
	opts = opts.withDefaults()
	switch opts.Framing {
	case FramingMagic:
		return NewMagicDemuxer(opts), nil
	case FramingEscaped:
		return NewEscapedDemuxer(opts), nil
	default:
		return nil, fmt.Errorf("unsupported framing %q: expected %q or %q", opts.Framing, FramingMagic, FramingEscaped)
	}
}

// Stats counts what a Demuxer has seen.
type Stats struct {
	Frames           uint64 `json:"frames"`
	DebugLines       uint64 `json:"debug_lines"`
	MagicMismatch    uint64 `json:"magic_mismatch"`
	ChecksumMismatch uint64 `json:"checksum_mismatch"`
	TooShort         uint64 `json:"too_short"`
	AddressMismatch  uint64 `json:"address_mismatch"`
	GarbageBytes     uint64 `json:"garbage_bytes"`
	BufferDrops      uint64 `json:"buffer_drops"`
}

// Discarded is the number of candidate frames rejected.
func (s Stats) Discarded() uint64 {
	return s.MagicMismatch + s.ChecksumMismatch + s.TooShort + s.AddressMismatch
}

type counters struct {
	frames           atomic.Uint64
	debugLines       atomic.Uint64
	magicMismatch    atomic.Uint64
	checksumMismatch atomic.Uint64
	tooShort         atomic.Uint64
	addressMismatch  atomic.Uint64
	garbageBytes     atomic.Uint64
	bufferDrops      atomic.Uint64
}

func (c *counters) reject(err error) {
	switch {
	case errors.Is(err, ErrMagicMismatch):
		c.magicMismatch.Add(1)
	case errors.Is(err, ErrChecksumMismatch):
		c.checksumMismatch.Add(1)
	case errors.Is(err, ErrTooShort), errors.Is(err, ErrShortFrame):
		c.tooShort.Add(1)
	case errors.Is(err, ErrAddressMismatch):
		c.addressMismatch.Add(1)
	}
}

func (c *counters) snapshot() Stats {
	return Stats{
		Frames:           c.frames.Load(),
		DebugLines:       c.debugLines.Load(),
		MagicMismatch:    c.magicMismatch.Load(),
		ChecksumMismatch: c.checksumMismatch.Load(),
		TooShort:         c.tooShort.Load(),
		AddressMismatch:  c.addressMismatch.Load(),
		GarbageBytes:     c.garbageBytes.Load(),
		BufferDrops:      c.bufferDrops.Load(),
	}
}
