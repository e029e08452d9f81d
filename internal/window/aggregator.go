// Package window keeps a rolling, per-service count of total and error samples.
package window

import (
	"errors"
	"fmt"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/miradorstack/mirador-remediation/internal/models"
)

// MaxClockSkew bounds how far ahead of the local clock a sample timestamp may be.
const MaxClockSkew = time.Minute

var (
	// ErrSampleTooOld is returned for samples that fall before the service's current window.
	ErrSampleTooOld = errors.New("sample older than window")
	// ErrSampleInFuture is returned for samples stamped more than MaxClockSkew ahead of now.
	ErrSampleInFuture = errors.New("sample timestamp in the future")
)

// Thresholds resolves per-service detection parameters. The window length is read on every
// ingest and snapshot so a reloaded configuration applies from the next call.
type Thresholds interface {
	For(service string) models.Threshold
}

// Aggregator owns one series per service. Series are independent: a slow reader of one
// service never blocks ingest for another.
type Aggregator struct {
	mu         sync.RWMutex
	series     map[string]*series
	thresholds Thresholds
	clock      func() time.Time
}

type entry struct {
	ts      time.Time
	isError bool
}

// series is a time-ordered deque. Live entries are samples[head:].
type series struct {
	mu         sync.Mutex
	samples    []entry
	head       int
	errors     int
	watermark  time.Time
	windowEnd  time.Time
	spikeStart time.Time
}

// NewAggregator creates an empty aggregator.
func NewAggregator(thresholds Thresholds) *Aggregator {
	return &Aggregator{series: make(map[string]*series), thresholds: thresholds, clock: time.Now}
}

// Ingest adds a sample to its service's window. Amortised O(1) for in-order samples; late
// samples still inside the window are inserted in timestamp order. The watermark never runs
// ahead of the local clock, so a skewed producer cannot evict other producers' samples.
func (a *Aggregator) Ingest(sample models.Sample) error {
	if err := sample.Validate(); err != nil {
		return err
	}
	now := a.clock()
	if sample.Timestamp.After(now.Add(MaxClockSkew)) {
		return fmt.Errorf("%w: %s at %s", ErrSampleInFuture, sample.Service, sample.Timestamp.Format(time.RFC3339Nano))
	}
	window := a.thresholds.For(sample.Service).Window()
	s := a.getOrCreate(sample.Service)

	s.mu.Lock()
	defer s.mu.Unlock()

	horizon := s.watermark
	if s.windowEnd.After(horizon) {
		horizon = s.windowEnd
	}
	if !horizon.IsZero() && sample.Timestamp.Before(horizon.Add(-window)) {
		return fmt.Errorf("%w: %s at %s", ErrSampleTooOld, sample.Service, sample.Timestamp.Format(time.RFC3339Nano))
	}

	s.insert(entry{ts: sample.Timestamp, isError: sample.IsError})
	if sample.IsError {
		s.errors++
		if s.spikeStart.IsZero() || sample.Timestamp.Before(s.spikeStart) {
			s.spikeStart = sample.Timestamp
		}
	}
	mark := sample.Timestamp
	if mark.After(now) {
		mark = now
	}
	if mark.After(s.watermark) {
		s.watermark = mark
	}
	s.evictBefore(s.watermark.Add(-window))
	return nil
}

// Snapshot evicts samples older than now minus the window and returns the current counts.
// Samples stamped after the window end are kept but not counted until the window reaches them.
// The returned value shares nothing with the aggregator.
func (a *Aggregator) Snapshot(service string, now time.Time) models.WindowAggregate {
	window := a.thresholds.For(service).Window()

	a.mu.RLock()
	s, ok := a.series[service]
	a.mu.RUnlock()
	if !ok {
		return models.WindowAggregate{Service: service, WindowStart: now.Add(-window), WindowEnd: now}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if now.After(s.windowEnd) {
		s.windowEnd = now
	}
	start := s.windowEnd.Add(-window)
	s.evictBefore(start)

	live := s.samples[s.head:]
	cut := sort.Search(len(live), func(i int) bool { return live[i].ts.After(s.windowEnd) })
	errs := s.errors
	for _, e := range live[cut:] {
		if e.isError {
			errs--
		}
	}
	return models.WindowAggregate{
		Service:     service,
		WindowStart: start,
		WindowEnd:   s.windowEnd,
		TotalCount:  cut,
		ErrorCount:  errs,
	}
}

// Services lists every service that has ever been ingested, sorted.
func (a *Aggregator) Services() []string {
	a.mu.RLock()
	defer a.mu.RUnlock()
	out := make([]string, 0, len(a.series))
	for svc := range a.series {
		out = append(out, svc)
	}
	sort.Strings(out)
	return out
}

// SpikeStart returns the earliest error seen since the last ClearSpike.
func (a *Aggregator) SpikeStart(service string) (time.Time, bool) {
	a.mu.RLock()
	s, ok := a.series[service]
	a.mu.RUnlock()
	if !ok {
		return time.Time{}, false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.spikeStart, !s.spikeStart.IsZero()
}

// ClearSpike resets spike tracking, typically once an incident for the service has closed.
func (a *Aggregator) ClearSpike(service string) {
	a.mu.RLock()
	s, ok := a.series[service]
	a.mu.RUnlock()
	if !ok {
		return
	}
	s.mu.Lock()
	s.spikeStart = time.Time{}
	s.mu.Unlock()
}

// Export copies the live samples of one service for checkpointing.
func (a *Aggregator) Export(service string) []models.Sample {
	a.mu.RLock()
	s, ok := a.series[service]
	a.mu.RUnlock()
	if !ok {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]models.Sample, 0, len(s.samples)-s.head)
	for _, e := range s.samples[s.head:] {
		out = append(out, models.Sample{Service: service, Timestamp: e.ts, IsError: e.isError})
	}
	return out
}

// Restore replays checkpointed samples. Samples that no longer fit the window are skipped
// and counted in the returned value.
func (a *Aggregator) Restore(service string, samples []models.Sample) (skipped int) {
	ordered := slices.Clone(samples)
	slices.SortFunc(ordered, func(x, y models.Sample) int { return x.Timestamp.Compare(y.Timestamp) })
	for _, sample := range ordered {
		sample.Service = service
		if err := a.Ingest(sample); err != nil {
			skipped++
		}
	}
	return skipped
}

func (a *Aggregator) getOrCreate(service string) *series {
	a.mu.RLock()
	s, ok := a.series[service]
	a.mu.RUnlock()
	if ok {
		return s
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	if s, ok = a.series[service]; ok {
		return s
	}
	s = &series{}
	a.series[service] = s
	return s
}

func (s *series) insert(e entry) {
	n := len(s.samples)
	if n == s.head || !e.ts.Before(s.samples[n-1].ts) {
		s.samples = append(s.samples, e)
		return
	}
	live := s.samples[s.head:]
	idx := sort.Search(len(live), func(i int) bool { return live[i].ts.After(e.ts) })
	s.samples = slices.Insert(s.samples, s.head+idx, e)
}

// evictBefore drops live entries with ts < cutoff. Cost is proportional to the evicted count
// plus an occasional compaction of the backing slice.
func (s *series) evictBefore(cutoff time.Time) {
	for s.head < len(s.samples) && s.samples[s.head].ts.Before(cutoff) {
		if s.samples[s.head].isError {
			s.errors--
		}
		s.samples[s.head] = entry{}
		s.head++
	}
	if s.head == len(s.samples) {
		s.samples = s.samples[:0]
		s.head = 0
		return
	}
	if s.head > 64 && s.head > len(s.samples)/2 {
		live := copy(s.samples, s.samples[s.head:])
		s.samples = s.samples[:live]
		s.head = 0
	}
}
