// Package bridge drives the read, demux and deliver loop between the sensor
// node and the report sinks.
package bridge

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/banshee-data/underpass.report/internal/monitoring"
	"github.com/banshee-data/underpass.report/internal/protocol"
	"github.com/banshee-data/underpass.report/internal/report"
	"github.com/banshee-data/underpass.report/internal/serialmux"
	"github.com/banshee-data/underpass.report/internal/sink"
	"github.com/banshee-data/underpass.report/internal/timeutil"
)

// ErrSourceClosed is returned when the source reports end of stream, which
// is how an unplugged device or a dropped TCP bridge shows up.
var ErrSourceClosed = errors.New("bridge: source closed")

const readBufferSize = 1024

// ReportSink receives every decoded report from the delivery worker.
type ReportSink interface {
	Deliver(ctx context.Context, r report.Report) error
	Stats() sink.Stats
}

// LinkReporter exposes the state of a connection owned elsewhere.
type LinkReporter interface {
	State() monitoring.LinkState
}

// Config wires a Bridge. Opener, Demuxer and Sink are required.
type Config struct {
	Opener  serialmux.Opener
	Demuxer protocol.Demuxer
	Sink    ReportSink

	// Publisher is only consulted for Status.
	Publisher LinkReporter
	// Tail receives every logged debug line. Optional.
	Tail  *serialmux.LineTail
	Clock timeutil.Clock

	PollInterval  time.Duration
	RetryInterval time.Duration
	Thresholds    report.Thresholds
	// Instance identifies this run in status output. A random id is used
	// when empty.
	Instance string
}

// Bridge owns the source connection and the demuxer. Reports leave the read
// loop through a depth-1 slot, so a slow sink only ever sees the newest one.
type Bridge struct {
	cfg  Config
	slot *report.Slot

	serial  monitoring.Link
	pending serialmux.SerialPorter

	mu     sync.RWMutex
	latest *report.Report

	reconnects atomic.Uint64
	superseded atomic.Uint64
	lines      atomic.Uint64
}

// New validates cfg and fills in defaults.
func New(cfg Config) (*Bridge, error) {
	if cfg.Opener == nil {
		return nil, errors.New("bridge: opener is required")
	}
	if cfg.Demuxer == nil {
		return nil, errors.New("bridge: demuxer is required")
	}
	if cfg.Sink == nil {
		return nil, errors.New("bridge: sink is required")
	}
	if cfg.Clock == nil {
		cfg.Clock = timeutil.RealClock{}
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 50 * time.Millisecond
	}
	if cfg.RetryInterval <= 0 {
		cfg.RetryInterval = 2 * time.Second
	}
	if cfg.Thresholds == (report.Thresholds{}) {
		cfg.Thresholds = report.DefaultThresholds()
	}
	if cfg.Instance == "" {
		cfg.Instance = uuid.NewString()
	}
	return &Bridge{cfg: cfg, slot: report.NewSlot()}, nil
}

// Connect opens the source once. main calls it before Run so that a bad
// device address fails the process instead of retrying forever.
func (b *Bridge) Connect(ctx context.Context) error {
	port, err := b.open(ctx)
	if err != nil {
		return err
	}
	b.pending = port
	return nil
}

func (b *Bridge) open(ctx context.Context) (serialmux.SerialPorter, error) {
	b.serial.Store(monitoring.Connecting)
	port, err := b.cfg.Opener.Open(ctx)
	if err != nil {
		b.serial.Store(monitoring.Disconnected)
		return nil, fmt.Errorf("open %s: %w", b.cfg.Opener.Address(), err)
	}
	b.serial.Store(monitoring.Streaming)
	monitoring.L().Info().Str("source", b.cfg.Opener.Address()).Msg("source connected")
	return port, nil
}

// Run reads from the source until ctx is cancelled, reopening it after every
// failure. It returns ctx.Err().
func (b *Bridge) Run(ctx context.Context) error {
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		b.deliverLoop(ctx)
	}()
	defer wg.Wait()

	port := b.pending
	b.pending = nil
	for {
		if port == nil {
			var err error
			port, err = b.open(ctx)
			if err != nil {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				monitoring.L().Warn().Err(err).Dur("retry_in", b.cfg.RetryInterval).Msg("source unavailable")
				if err := b.cfg.Clock.Sleep(ctx, b.cfg.RetryInterval); err != nil {
					return err
				}
				continue
			}
		}

		err := b.stream(ctx, port)
		b.serial.Store(monitoring.Disconnected)
		port = nil
		if ctx.Err() != nil {
			return ctx.Err()
		}
		b.reconnects.Add(1)
		monitoring.L().Warn().Err(err).Dur("retry_in", b.cfg.RetryInterval).Msg("source lost")
		if err := b.cfg.Clock.Sleep(ctx, b.cfg.RetryInterval); err != nil {
			return err
		}
	}
}

// stream reads port until it fails. The port is always closed on return.
func (b *Bridge) stream(ctx context.Context, port serialmux.SerialPorter) error {
	closePort := sync.OnceFunc(func() { _ = port.Close() })
	defer closePort()

	// a blocking Read only returns once the port is closed
	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-ctx.Done():
			closePort()
		case <-stop:
		}
	}()

	buf := make([]byte, readBufferSize)
	for {
		n, err := port.Read(buf)
		if n > 0 {
			b.cfg.Demuxer.Append(buf[:n])
			b.drain()
		}
		switch {
		case err != nil && ctx.Err() != nil:
			return ctx.Err()
		case errors.Is(err, io.EOF):
			return ErrSourceClosed
		case err != nil:
			return err
		case n == 0:
			if err := b.cfg.Clock.Sleep(ctx, b.cfg.PollInterval); err != nil {
				return err
			}
		}
	}
}

// drain empties the demuxer of everything that is complete. Filtered lines
// consume bytes without yielding one, so progress is measured by what the
// demuxer still holds.
func (b *Bridge) drain() {
	for {
		before := b.cfg.Demuxer.Buffered()
		for {
			r, ok := b.cfg.Demuxer.NextFrame()
			if !ok {
				break
			}
			b.handleReport(r)
		}
		if line, ok := b.cfg.Demuxer.NextDebugLine(); ok {
			b.handleLine(line)
		}
		if b.cfg.Demuxer.Buffered() >= before {
			return
		}
	}
}

func (b *Bridge) handleReport(r report.Report) {
	r.Timestamp = b.cfg.Clock.Now()
	monitoring.L().Info().
		Str("band", b.cfg.Thresholds.Band(r.Luminosity)).
		Float64("lux_pct", b.cfg.Thresholds.Percent(r.Luminosity)).
		Bool("estimated", r.Estimated()).
		Msg(r.String())

	b.mu.Lock()
	b.latest = &r
	b.mu.Unlock()

	if b.slot.Offer(r) {
		b.superseded.Add(1)
	}
}

func (b *Bridge) handleLine(line string) {
	if !monitoring.LogLine(line) {
		return
	}
	b.lines.Add(1)
	if b.cfg.Tail != nil {
		b.cfg.Tail.Broadcast(line)
	}
}

func (b *Bridge) deliverLoop(ctx context.Context) {
	for {
		r, err := b.slot.Take(ctx)
		if err != nil {
			return
		}
		if err := b.cfg.Sink.Deliver(ctx, r); err != nil {
			monitoring.L().Warn().Err(err).Msg("report delivery incomplete")
		}
	}
}

// Latest returns the most recently decoded report.
func (b *Bridge) Latest() (report.Report, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.latest == nil {
		return report.Report{}, false
	}
	return *b.latest, true
}

// SerialState is the state of the source link.
func (b *Bridge) SerialState() monitoring.LinkState { return b.serial.Load() }
