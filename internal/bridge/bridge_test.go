package bridge

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/underpass.report/internal/monitoring"
	"github.com/banshee-data/underpass.report/internal/protocol"
	"github.com/banshee-data/underpass.report/internal/report"
	"github.com/banshee-data/underpass.report/internal/serialmux"
	"github.com/banshee-data/underpass.report/internal/sink"
	"github.com/banshee-data/underpass.report/internal/timeutil"
)

var epoch = time.Date(2025, 3, 1, 14, 0, 0, 0, time.UTC)

type fakeSink struct {
	mu        sync.Mutex
	delivered chan report.Report
	err       error
	stats     sink.Stats
}

func newFakeSink() *fakeSink {
	return &fakeSink{delivered: make(chan report.Report, 16)}
}

func (s *fakeSink) Deliver(_ context.Context, r report.Report) error {
	s.mu.Lock()
	s.stats.Delivered++
	err := s.err
	s.mu.Unlock()
	s.delivered <- r
	return err
}

func (s *fakeSink) Stats() sink.Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stats
}

func (s *fakeSink) next(t *testing.T) report.Report {
	t.Helper()
	select {
	case r := <-s.delivered:
		return r
	case <-time.After(2 * time.Second):
		t.Fatal("no report delivered")
		return report.Report{}
	}
}

type fixedLink monitoring.LinkState

func (l fixedLink) State() monitoring.LinkState { return monitoring.LinkState(l) }

func frame(lux uint16) []byte {
	return protocol.EncodeMagic(report.Report{
		Luminosity:  lux,
		DutyCycle:   50,
		Temperature: 20,
		Pressure:    1013,
		Humidity:    50,
		WaterLevel:  3,
	})
}

func blockingPort(data ...[]byte) *serialmux.TestableSerialPort {
	p := serialmux.NewTestableSerialPort()
	p.BlockReads = true
	for _, d := range data {
		p.AddReadData(d)
	}
	return p
}

type harness struct {
	bridge *Bridge
	opener *serialmux.MockOpener
	sink   *fakeSink
	clock  *timeutil.MockClock
	tail   *serialmux.LineTail
}

func newHarness(t *testing.T, ports ...serialmux.SerialPorter) *harness {
	t.Helper()
	h := &harness{
		opener: serialmux.NewMockOpener(ports...),
		sink:   newFakeSink(),
		clock:  timeutil.NewMockClock(epoch),
		tail:   serialmux.NewLineTail(),
	}
	t.Cleanup(h.tail.Close)
	b, err := New(Config{
		Opener:        h.opener,
		Demuxer:       protocol.NewMagicDemuxer(protocol.DefaultOptions()),
		Sink:          h.sink,
		Tail:          h.tail,
		Clock:         h.clock,
		PollInterval:  50 * time.Millisecond,
		RetryInterval: 2 * time.Second,
		Instance:      "test",
	})
	require.NoError(t, err)
	h.bridge = b
	return h
}

// run starts Run and returns a func that stops it and returns its error.
func (h *harness) run(t *testing.T) func() error {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- h.bridge.Run(ctx) }()
	return func() error {
		cancel()
		select {
		case err := <-done:
			return err
		case <-time.After(2 * time.Second):
			t.Fatal("Run did not stop")
			return nil
		}
	}
}

func TestNew_RequiresCollaborators(t *testing.T) {
	demux := protocol.NewMagicDemuxer(protocol.DefaultOptions())
	opener := serialmux.NewMockOpener()

	_, err := New(Config{Demuxer: demux, Sink: newFakeSink()})
	assert.Error(t, err)
	_, err = New(Config{Opener: opener, Sink: newFakeSink()})
	assert.Error(t, err)
	_, err = New(Config{Opener: opener, Demuxer: demux})
	assert.Error(t, err)

	b, err := New(Config{Opener: opener, Demuxer: demux, Sink: newFakeSink()})
	require.NoError(t, err)
	assert.Equal(t, 50*time.Millisecond, b.cfg.PollInterval)
	assert.Equal(t, 2*time.Second, b.cfg.RetryInterval)
	assert.Equal(t, report.DefaultThresholds(), b.cfg.Thresholds)
	assert.NotEmpty(t, b.cfg.Instance)
}

func TestBridge_DebugLineThenReport(t *testing.T) {
	port := blockingPort(append([]byte("soglia superata\n"), frame(3000)...))
	h := newHarness(t, port)
	_, lines := h.tail.Subscribe()

	stop := h.run(t)
	got := h.sink.next(t)

	assert.Equal(t, uint16(3000), got.Luminosity)
	assert.Equal(t, epoch, got.Timestamp, "reports are stamped with the bridge clock")
	select {
	case line := <-lines:
		assert.Equal(t, "soglia superata", line)
	case <-time.After(2 * time.Second):
		t.Fatal("debug line not broadcast")
	}
	assert.Equal(t, monitoring.Streaming, h.bridge.SerialState())

	assert.ErrorIs(t, stop(), context.Canceled)
	assert.True(t, port.IsClosed(), "cancellation releases the source")
	assert.Equal(t, monitoring.Disconnected, h.bridge.SerialState())
}

func TestBridge_EchoLinesAreNotTailed(t *testing.T) {
	port := blockingPort([]byte("RICEVUTO: 1\n"), frame(10))
	h := newHarness(t, port)
	_, lines := h.tail.Subscribe()

	stop := h.run(t)
	h.sink.next(t)
	require.ErrorIs(t, stop(), context.Canceled)

	assert.Empty(t, lines)
	assert.Zero(t, h.bridge.Status().DebugLines)
	assert.Equal(t, uint64(1), h.bridge.Status().Demux.DebugLines)
}

// A line the filters drop still consumes bytes; the frame behind it must
// not wait for more input.
func TestBridge_FilteredLineBeforeFrame(t *testing.T) {
	tests := []struct {
		name   string
		prefix string
	}{
		{"crlf", "\r\n"},
		{"single char", "x\n"},
		{"blank lines", "\n\n\n"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			port := blockingPort(append([]byte(tt.prefix), frame(3000)...))
			h := newHarness(t, port)

			stop := h.run(t)
			assert.Equal(t, uint16(3000), h.sink.next(t).Luminosity)
			require.ErrorIs(t, stop(), context.Canceled)
			assert.Zero(t, h.bridge.cfg.Demuxer.Buffered())
		})
	}
}

func TestBridge_ReconnectsAfterSourceCloses(t *testing.T) {
	first := serialmux.NewTestableSerialPort()
	first.EOFWhenDrained = true
	first.AddReadData(frame(100))
	second := blockingPort()
	h := newHarness(t, first, second)

	stop := h.run(t)
	assert.Equal(t, uint16(100), h.sink.next(t).Luminosity)

	second.AddReadData(frame(200))
	assert.Equal(t, uint16(200), h.sink.next(t).Luminosity)
	require.ErrorIs(t, stop(), context.Canceled)

	assert.True(t, first.IsClosed())
	assert.Equal(t, 2, h.opener.Calls())
	assert.Contains(t, h.clock.Sleeps(), 2*time.Second)
	assert.Equal(t, uint64(1), h.bridge.Status().Reconnects)
}

func TestBridge_ReconnectsAfterReadError(t *testing.T) {
	first := serialmux.NewTestableSerialPort()
	first.ReadError = errors.New("input/output error")
	second := blockingPort(frame(7))
	h := newHarness(t, first, second)

	stop := h.run(t)
	assert.Equal(t, uint16(7), h.sink.next(t).Luminosity)
	require.ErrorIs(t, stop(), context.Canceled)

	assert.True(t, first.IsClosed())
	assert.Equal(t, 2, h.opener.Calls())
}

func TestBridge_RetriesUnavailableSource(t *testing.T) {
	port := blockingPort(frame(42))
	h := newHarness(t, port)
	h.opener.FailNext(errors.New("no such file or directory"))
	h.opener.FailNext(errors.New("permission denied"))

	stop := h.run(t)
	assert.Equal(t, uint16(42), h.sink.next(t).Luminosity)
	require.ErrorIs(t, stop(), context.Canceled)

	assert.Equal(t, 3, h.opener.Calls())
	assert.Equal(t, []time.Duration{2 * time.Second, 2 * time.Second}, h.clock.Sleeps())
}

func TestBridge_ConnectFailsFast(t *testing.T) {
	h := newHarness(t)
	h.opener.Error = errors.New("no such file or directory")

	err := h.bridge.Connect(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "open mock")
	assert.Equal(t, monitoring.Disconnected, h.bridge.SerialState())
}

func TestBridge_ConnectHandsPortToRun(t *testing.T) {
	port := blockingPort(frame(55))
	h := newHarness(t, port)
	require.NoError(t, h.bridge.Connect(context.Background()))
	assert.Equal(t, monitoring.Streaming, h.bridge.SerialState())

	stop := h.run(t)
	assert.Equal(t, uint16(55), h.sink.next(t).Luminosity)
	require.ErrorIs(t, stop(), context.Canceled)
	assert.Equal(t, 1, h.opener.Calls())
}

func TestBridge_PollsWhenIdle(t *testing.T) {
	port := serialmux.NewTestableSerialPort()
	h := newHarness(t, port)

	stop := h.run(t)
	require.Eventually(t, func() bool {
		return len(h.clock.Sleeps()) > 0
	}, 2*time.Second, time.Millisecond)
	require.ErrorIs(t, stop(), context.Canceled)

	assert.Equal(t, 50*time.Millisecond, h.clock.Sleeps()[0])
	assert.Equal(t, 1, h.opener.Calls(), "an idle source is not a failure")
}

func TestBridge_DeliveryFailureKeepsReading(t *testing.T) {
	port := blockingPort(frame(1))
	h := newHarness(t, port)
	h.sink.err = sink.ErrNotConnected

	stop := h.run(t)
	h.sink.next(t)
	port.AddReadData(frame(2))
	assert.Equal(t, uint16(2), h.sink.next(t).Luminosity)
	require.ErrorIs(t, stop(), context.Canceled)
}

func TestBridge_StopWhileDisconnected(t *testing.T) {
	h := newHarness(t)
	h.opener.Error = io.ErrUnexpectedEOF

	stop := h.run(t)
	require.Eventually(t, func() bool { return h.opener.Calls() > 1 }, 2*time.Second, time.Millisecond)
	assert.ErrorIs(t, stop(), context.Canceled)
}

func TestBridge_Status(t *testing.T) {
	port := blockingPort(frame(2000))
	h := newHarness(t, port)

	st := h.bridge.Status()
	assert.Equal(t, "test", st.Instance)
	assert.Equal(t, "mock", st.Source)
	assert.Equal(t, "disabled", st.Publisher)
	assert.Nil(t, st.Latest)

	h.bridge.cfg.Publisher = fixedLink(monitoring.Connecting)
	stop := h.run(t)
	h.sink.next(t)
	st = h.bridge.Status()
	require.ErrorIs(t, stop(), context.Canceled)

	require.NotNil(t, st.Latest)
	assert.Equal(t, uint16(2000), st.Latest.Luminosity)
	assert.Equal(t, report.BandDaylight, st.Band)
	assert.InDelta(t, 50.0, st.LuxPercent, 0.001)
	assert.Equal(t, "streaming", st.Serial)
	assert.Equal(t, "connecting", st.Publisher)
	assert.Equal(t, uint64(1), st.Demux.Frames)
	assert.Equal(t, uint64(1), st.Sink.Delivered)
}
