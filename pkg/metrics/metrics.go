// Package metrics defines the opencensus measurements collected by the proxy.
//
// Measurements are always recorded. They are only aggregated once their views are
// registered, which is up to the top-level program (see Register).
package metrics

import (
	"context"
	"path"
	"sync"
	"time"

	"go.opencensus.io/stats"
	"go.opencensus.io/stats/view"
	"go.opencensus.io/tag"
)

const (
	basePath = "casproxy"

	unitCount = "count"
)

var (
	m        *M
	initOnce sync.Once

	registerOnce sync.Once
	registerErr  error

	// background context: measurements are not scoped to any request
	contexter = context.Background
)

// M is the tree of metrics collected by the proxy
type M struct {
	Reprocess struct {
		Chunks           Counter
		DroppedChunks    Counter
		DroppedEntries   Counter
		ChecksumMismatch Counter
		PassThrough      LabeledCounter // by reason
	}
	Store struct {
		Uploads       LabeledCounter // hit, miss or archive
		StoredBytes   Counter
		DedupBytes    Counter
		Deletes       Counter
		Collected     Counter
		UploadLatency Timer
	}
	Backup struct {
		Copied Counter
		Failed Counter
	}

	views []*view.View
}

// Get the global metrics tree
func Get() *M {
	initOnce.Do(func() {
		m = build()
	})
	return m
}

// Views of all measurements
func Views() []*view.View {
	return Get().views
}

// Register all views. It may be called several times: only the first call matters.
func Register() error {
	registerOnce.Do(func() {
		registerErr = view.Register(Views()...)
	})
	return registerErr
}

func build() *M {
	t := &M{}
	b := &builder{}

	t.Reprocess.Chunks = b.counter("reprocess/chunks", "number of chunks parsed from uploaded containers")
	t.Reprocess.DroppedChunks = b.counter("reprocess/droppedChunks", "number of chunks removed during canonicalization")
	t.Reprocess.DroppedEntries = b.counter("reprocess/droppedEntries", "number of volatile text entries removed")
	t.Reprocess.ChecksumMismatch = b.counter("reprocess/checksumMismatch", "number of chunks with a corrupt checksum, copied as is")
	t.Reprocess.PassThrough = b.labeled("reprocess/passThrough", "number of uploads passed through without canonicalization", "reason")

	t.Store.Uploads = b.labeled("store/uploads", "number of uploads, by deduplication outcome", "outcome")
	t.Store.StoredBytes = b.bytes("store/storedBytes", "bytes written to the blob backend")
	t.Store.DedupBytes = b.bytes("store/dedupBytes", "bytes not written thanks to deduplication")
	t.Store.Deletes = b.counter("store/deletes", "number of deleted names")
	t.Store.Collected = b.counter("store/collected", "number of unreferenced blobs removed")
	t.Store.UploadLatency = b.timer("store/uploadLatency", "upload response time in milliseconds")

	t.Backup.Copied = b.counter("backup/copied", "number of blobs copied to the backup backend")
	t.Backup.Failed = b.counter("backup/failed", "number of blobs which backup failed")

	t.views = b.views
	return t
}

type builder struct {
	views []*view.View
}

func (b *builder) int64Measure(name, description, unit string, agg *view.Aggregation, keys ...tag.Key) *stats.Int64Measure {
	fullName := path.Join(basePath, name)
	measure := stats.Int64(fullName, description, unit)
	b.views = append(b.views, &view.View{
		Name:        fullName,
		Description: description,
		Measure:     measure,
		TagKeys:     keys,
		Aggregation: agg,
	})
	return measure
}

func (b *builder) counter(name, description string) Counter {
	return Counter{measure: b.int64Measure(name, description, unitCount, view.Sum())}
}

func (b *builder) bytes(name, description string) Counter {
	return Counter{measure: b.int64Measure(name, description, stats.UnitBytes, view.Sum())}
}

func (b *builder) labeled(name, description, key string) LabeledCounter {
	k := tag.MustNewKey(key)
	return LabeledCounter{measure: b.int64Measure(name, description, unitCount, view.Count(), k), key: k}
}

func (b *builder) timer(name, description string) Timer {
	fullName := path.Join(basePath, name)
	measure := stats.Float64(fullName, description, stats.UnitMilliseconds)
	b.views = append(b.views, &view.View{
		Name:        fullName,
		Description: description,
		Measure:     measure,
		Aggregation: view.Distribution(1, 5, 10, 25, 50, 100, 250, 500, 1000, 2500, 5000, 10000),
	})
	return Timer{measure: measure}
}

// Counter sums int64 values
type Counter struct {
	measure *stats.Int64Measure
}

// Add n to the counter. Non-positive values are ignored.
func (c Counter) Add(n int) {
	c.Add64(int64(n))
}

// Add64 is Add for int64 values
func (c Counter) Add64(n int64) {
	if n <= 0 || c.measure == nil {
		return
	}
	stats.Record(contexter(), c.measure.M(n))
}

// Inc adds one
func (c Counter) Inc() {
	c.Add64(1)
}

// LabeledCounter counts occurrences per label value
type LabeledCounter struct {
	measure *stats.Int64Measure
	key     tag.Key
}

// Inc counts one occurrence for this label
func (c LabeledCounter) Inc(label string) {
	if c.measure == nil {
		return
	}
	_ = stats.RecordWithTags(contexter(), []tag.Mutator{tag.Upsert(c.key, label)}, c.measure.M(1))
}

// Timer records durations in milliseconds
type Timer struct {
	measure *stats.Float64Measure
}

// Since records the time elapsed since start
func (t Timer) Since(start time.Time) {
	if t.measure == nil {
		return
	}
	ms := float64(time.Since(start).Nanoseconds()) / 1e6
	stats.Record(contexter(), t.measure.M(ms))
}
