package packets

import (
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
)

// MetricsDB holds the metrics of every path one connection has used,
// keyed by path fingerprint
type MetricsDB struct {
	UpdateInterval time.Duration
	mu             sync.Mutex
	data           map[string]*PathMetrics
	lastTick       time.Time
}

func NewMetricsDB(updateInterval time.Duration) *MetricsDB {
	if updateInterval <= 0 {
		updateInterval = 1000 * time.Millisecond
	}
	return &MetricsDB{
		UpdateInterval: updateInterval,
		data:           map[string]*PathMetrics{},
	}
}

func (mdb *MetricsDB) GetOrCreate(fingerprint string) *PathMetrics {
	mdb.mu.Lock()
	defer mdb.mu.Unlock()
	m, ok := mdb.data[fingerprint]
	logrus.Trace("[MetricsDB] Check for id ", fingerprint, ", got ", ok)
	if !ok {
		m = NewPathMetrics(mdb.UpdateInterval)
		m.Fingerprint = fingerprint
		mdb.data[fingerprint] = m
	}
	return m
}

// Tick samples bandwidth of all paths once UpdateInterval has passed since the last sample
func (mdb *MetricsDB) Tick(now time.Time) {
	mdb.mu.Lock()
	defer mdb.mu.Unlock()
	if now.Sub(mdb.lastTick) < mdb.UpdateInterval {
		return
	}
	mdb.lastTick = now
	for _, m := range mdb.data {
		m.Tick()
	}
}

// Snapshot returns the metrics of all paths ordered by fingerprint
func (mdb *MetricsDB) Snapshot() []PathMetricsSnapshot {
	mdb.mu.Lock()
	defer mdb.mu.Unlock()
	res := make([]PathMetricsSnapshot, 0, len(mdb.data))
	for _, m := range mdb.data {
		res = append(res, m.Snapshot())
	}
	sort.Slice(res, func(i, j int) bool {
		return res[i].Fingerprint < res[j].Fingerprint
	})
	return res
}

// PathMetrics counts traffic over one path. Counters are updated atomically
// by the subflow goroutines, bandwidth samples only by Tick.
type PathMetrics struct {
	ReadBytes      int64
	ReadPackets    int64
	WrittenBytes   int64
	WrittenPackets int64
	Retransmits    int64

	Fingerprint      string
	UpdateInterval   time.Duration
	mu               sync.Mutex
	lastReadBytes    int64
	lastWrittenBytes int64
	readBandwidth    []int64
	writtenBandwidth []int64
}

// Number of bandwidth samples kept per path
const maxBandwidthSamples = 60

func NewPathMetrics(updateInterval time.Duration) *PathMetrics {
	return &PathMetrics{
		UpdateInterval:   updateInterval,
		readBandwidth:    make([]int64, 0),
		writtenBandwidth: make([]int64, 0),
	}
}

func (m *PathMetrics) AddRead(n int) {
	atomic.AddInt64(&m.ReadBytes, int64(n))
	atomic.AddInt64(&m.ReadPackets, 1)
}

func (m *PathMetrics) AddWritten(n int) {
	atomic.AddInt64(&m.WrittenBytes, int64(n))
	atomic.AddInt64(&m.WrittenPackets, 1)
}

func (m *PathMetrics) AddRetransmit() {
	atomic.AddInt64(&m.Retransmits, 1)
}

func average(samples []int64) int64 {
	if len(samples) == 0 {
		return 0
	}
	var val int64
	for _, item := range samples {
		val += item
	}
	return val / int64(len(samples))
}

func (m *PathMetrics) AverageReadBandwidth() int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return average(m.readBandwidth)
}

func (m *PathMetrics) AverageWriteBandwidth() int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return average(m.writtenBandwidth)
}

// LastAverageWriteBandwidth averages the most recent lastElements samples
func (m *PathMetrics) LastAverageWriteBandwidth(lastElements int) int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	if lastElements < len(m.writtenBandwidth) {
		return average(m.writtenBandwidth[len(m.writtenBandwidth)-lastElements:])
	}
	return average(m.writtenBandwidth)
}

// Tick records bytes per second since the previous tick
func (m *PathMetrics) Tick() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.UpdateInterval == 0 {
		m.UpdateInterval = 1000 * time.Millisecond
	}
	read := atomic.LoadInt64(&m.ReadBytes)
	written := atomic.LoadInt64(&m.WrittenBytes)
	perSecond := func(delta int64) int64 {
		return int64(float64(delta) * float64(time.Second) / float64(m.UpdateInterval))
	}
	m.readBandwidth = appendSample(m.readBandwidth, perSecond(read-m.lastReadBytes))
	m.writtenBandwidth = appendSample(m.writtenBandwidth, perSecond(written-m.lastWrittenBytes))
	m.lastReadBytes = read
	m.lastWrittenBytes = written
}

func appendSample(samples []int64, v int64) []int64 {
	samples = append(samples, v)
	if len(samples) > maxBandwidthSamples {
		samples = samples[len(samples)-maxBandwidthSamples:]
	}
	return samples
}

// PathMetricsSnapshot is a copy of PathMetrics safe to hand out
type PathMetricsSnapshot struct {
	Fingerprint    string
	ReadBytes      int64
	ReadPackets    int64
	WrittenBytes   int64
	WrittenPackets int64
	Retransmits    int64
	ReadBandwidth  int64
	WriteBandwidth int64
}

func (m *PathMetrics) Snapshot() PathMetricsSnapshot {
	m.mu.Lock()
	var rbw, wbw int64
	if n := len(m.readBandwidth); n > 0 {
		rbw = m.readBandwidth[n-1]
		wbw = m.writtenBandwidth[n-1]
	}
	m.mu.Unlock()
	return PathMetricsSnapshot{
		Fingerprint:    m.Fingerprint,
		ReadBytes:      atomic.LoadInt64(&m.ReadBytes),
		ReadPackets:    atomic.LoadInt64(&m.ReadPackets),
		WrittenBytes:   atomic.LoadInt64(&m.WrittenBytes),
		WrittenPackets: atomic.LoadInt64(&m.WrittenPackets),
		Retransmits:    atomic.LoadInt64(&m.Retransmits),
		ReadBandwidth:  rbw,
		WriteBandwidth: wbw,
	}
}
