package serialmux

import (
	"context"
	"errors"
	"io"
	"sync"
	"time"

	"github.com/banshee-data/underpass.report/internal/monitoring"
)

// FixtureOpener replays a captured byte stream in place of hardware, for
// running the bridge in dev mode. Each Open starts the replay from the top.
type FixtureOpener struct {
	Name     string
	Data     []byte
	Chunk    int           // bytes per write, default 64
	Interval time.Duration // pause between writes, default 100ms
	Loop     bool
}

func (o *FixtureOpener) Address() string { return "fixture:" + o.Name }

func (o *FixtureOpener) Open(ctx context.Context) (SerialPorter, error) {
	if len(o.Data) == 0 {
		return nil, errors.New("fixture is empty")
	}
	chunk, interval := o.Chunk, o.Interval
	if chunk <= 0 {
		chunk = 64
	}
	if interval <= 0 {
		interval = 100 * time.Millisecond
	}

	r, w := io.Pipe()
	p := &FixturePort{PipeReader: r, done: make(chan struct{})}

	// generate data periodically to simulate serial port input
	go func() {
		defer w.Close()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for off := 0; ; {
			select {
			case <-p.done:
				return
			case <-ticker.C:
			}
			end := min(off+chunk, len(o.Data))
			if _, err := w.Write(o.Data[off:end]); err != nil {
				return
			}
			off = end
			if off == len(o.Data) {
				if !o.Loop {
					return
				}
				off = 0
			}
		}
	}()

	return p, nil
}

// FixturePort is the port returned by FixtureOpener. Writes are logged and
// discarded. Read returns io.EOF once a non-looping replay ends.
type FixturePort struct {
	*io.PipeReader
	done      chan struct{}
	closeOnce sync.Once
}

func (p *FixturePort) Write(b []byte) (int, error) {
	monitoring.Logf("fixture port discarding %d written bytes", len(b))
	return len(b), nil
}

func (p *FixturePort) Close() error {
	p.closeOnce.Do(func() { close(p.done) })
	return p.PipeReader.Close()
}
