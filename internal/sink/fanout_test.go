package sink

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/underpass.report/internal/fsutil"
	"github.com/banshee-data/underpass.report/internal/monitoring"
	"github.com/banshee-data/underpass.report/internal/report"
)

// recorder logs the order destinations were called in.
type recorder struct {
	mu    sync.Mutex
	calls []string
}

func (r *recorder) add(s string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, s)
}

type fakePublisher struct {
	rec      *recorder
	err      error
	topic    string
	payloads [][]byte
}

func (p *fakePublisher) Publish(_ context.Context, topic string, payload []byte) error {
	p.rec.add("publish")
	p.topic = topic
	p.payloads = append(p.payloads, payload)
	return p.err
}

func (p *fakePublisher) State() monitoring.LinkState { return monitoring.Streaming }

type fakeHistory struct {
	rec     *recorder
	err     error
	reports []report.Report
}

func (h *fakeHistory) RecordReport(_ context.Context, r report.Report) error {
	h.rec.add("history")
	h.reports = append(h.reports, r)
	return h.err
}

// orderFS records when the snapshot lands.
type orderFS struct {
	*fsutil.MemoryFileSystem
	rec *recorder
}

func (f orderFS) Rename(oldpath, newpath string) error {
	f.rec.add("snapshot")
	return f.MemoryFileSystem.Rename(oldpath, newpath)
}

func TestFanout_DeliverOrder(t *testing.T) {
	rec := &recorder{}
	mfs := fsutil.NewMemoryFileSystem()
	pub := &fakePublisher{rec: rec}
	hist := &fakeHistory{rec: rec}
	f := &Fanout{
		Snapshot:  NewSnapshotStore(orderFS{mfs, rec}, "/latest.json"),
		Publisher: pub,
		Topic:     "angelica/iot/data",
		History:   hist,
	}

	require.NoError(t, f.Deliver(context.Background(), testReport(3000)))
	assert.Equal(t, []string{"snapshot", "publish", "history"}, rec.calls)

	assert.Equal(t, "angelica/iot/data", pub.topic)
	var doc map[string]any
	require.NoError(t, json.Unmarshal(pub.payloads[0], &doc))
	assert.Equal(t, float64(3000), doc["luminosita_lux"])
	assert.Len(t, hist.reports, 1)
	assert.Equal(t, Stats{Attempted: 1, Delivered: 1}, f.Stats())
}

func TestFanout_FailuresDoNotStopOtherDestinations(t *testing.T) {
	rec := &recorder{}
	mfs := fsutil.NewMemoryFileSystem()
	mfs.FailWrites = errors.New("read-only file system")
	pub := &fakePublisher{rec: rec, err: ErrNotConnected}
	hist := &fakeHistory{rec: rec, err: errors.New("database is locked")}
	f := &Fanout{
		Snapshot:  NewSnapshotStore(mfs, "/latest.json"),
		Publisher: pub,
		History:   hist,
	}

	err := f.Deliver(context.Background(), testReport(1))
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrNotConnected)
	var serr *SerializationError
	assert.ErrorAs(t, err, &serr)
	assert.Contains(t, err.Error(), "database is locked")

	assert.Equal(t, []string{"publish", "history"}, rec.calls)
	assert.Equal(t, Stats{Attempted: 1, SnapshotFailures: 1, PublishFailures: 1, HistoryFailures: 1}, f.Stats(),
		"a report no destination accepted is not delivered")
}

func TestFanout_OptionalDestinations(t *testing.T) {
	mfs := fsutil.NewMemoryFileSystem()
	f := &Fanout{Snapshot: NewSnapshotStore(mfs, "latest.json")}

	require.NoError(t, f.Deliver(context.Background(), testReport(7)))
	_, err := mfs.ReadFile("latest.json")
	assert.NoError(t, err)
}

func TestFanout_DeliveredWhenAnyDestinationAccepts(t *testing.T) {
	rec := &recorder{}
	mfs := fsutil.NewMemoryFileSystem()
	mfs.FailWrites = errors.New("no space left on device")
	f := &Fanout{
		Snapshot:  NewSnapshotStore(mfs, "/latest.json"),
		Publisher: &fakePublisher{rec: rec},
	}

	require.Error(t, f.Deliver(context.Background(), testReport(1)))
	mfs.FailWrites = nil
	f.Publisher = &fakePublisher{rec: rec, err: ErrNotConnected}
	require.Error(t, f.Deliver(context.Background(), testReport(2)))

	assert.Equal(t, Stats{Attempted: 2, Delivered: 2, SnapshotFailures: 1, PublishFailures: 1}, f.Stats())
}
