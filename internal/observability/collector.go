package observability

import (
	"sort"
	"sync"

	"finetuner/internal/job"
)

// latencyWindow bounds the rolling API latency sample.
const latencyWindow = 1000

// Collector aggregates process-lifetime job and API metrics for the
// /v1/metrics endpoint. It is goroutine-safe and keeps no persistent state;
// percentiles are computed on read from a bounded rolling window.
type Collector struct {
	mu           sync.Mutex
	jobDurations map[string]float64 // job type -> last completed duration (seconds)
	jobCounts    map[string]int64   // "<type>_<status>" -> count
	latencies    []float64          // rolling API latencies (milliseconds)
	activeJobs   int64
}

// NewCollector creates an empty collector.
func NewCollector() *Collector {
	return &Collector{
		jobDurations: make(map[string]float64),
		jobCounts:    make(map[string]int64),
	}
}

// RecordJobCompletion records a job that reached a terminal state. Duration
// is derived from started_at/finished_at; jobs that never started count but
// contribute no duration.
func (c *Collector) RecordJobCompletion(j *job.Job) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.jobCounts[j.Type+"_"+string(j.Status)]++
	if d := j.Duration(); d > 0 {
		c.jobDurations[j.Type] = d.Seconds()
	}
}

// RecordAPILatency adds one API request latency (milliseconds) to the
// rolling window.
func (c *Collector) RecordAPILatency(latencyMS float64) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.latencies = append(c.latencies, latencyMS)
	if len(c.latencies) > latencyWindow {
		c.latencies = c.latencies[len(c.latencies)-latencyWindow:]
	}
}

// SetActiveJobs records the current number of active jobs.
func (c *Collector) SetActiveJobs(n int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.activeJobs = n
}

// AddActiveJobs adjusts the active job count by delta.
func (c *Collector) AddActiveJobs(delta int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.activeJobs += delta
}

// LatencySummary holds percentile statistics over the rolling window.
type LatencySummary struct {
	P50  float64 `json:"p50"`
	P95  float64 `json:"p95"`
	P99  float64 `json:"p99"`
	Mean float64 `json:"mean"`
}

// Snapshot is the read view of the collector.
type Snapshot struct {
	Jobs struct {
		Active    int64              `json:"active"`
		Durations map[string]float64 `json:"durations"`
		Counts    map[string]int64   `json:"counts"`
	} `json:"jobs"`
	API struct {
		LatencyMS    LatencySummary `json:"latency_ms"`
		RequestCount int            `json:"request_count"`
	} `json:"api"`
}

// Snapshot computes the current metrics view. Percentiles are computed on a
// copy of the window so the lock is not held during sorting.
func (c *Collector) Snapshot() Snapshot {
	c.mu.Lock()
	durations := make(map[string]float64, len(c.jobDurations))
	for k, v := range c.jobDurations {
		durations[k] = v
	}
	counts := make(map[string]int64, len(c.jobCounts))
	for k, v := range c.jobCounts {
		counts[k] = v
	}
	latencies := make([]float64, len(c.latencies))
	copy(latencies, c.latencies)
	active := c.activeJobs
	c.mu.Unlock()

	var s Snapshot
	s.Jobs.Active = active
	s.Jobs.Durations = durations
	s.Jobs.Counts = counts
	s.API.RequestCount = len(latencies)
	s.API.LatencyMS = summarize(latencies)
	return s
}

func summarize(latencies []float64) LatencySummary {
	if len(latencies) == 0 {
		return LatencySummary{}
	}
	sort.Float64s(latencies)

	var sum float64
	for _, v := range latencies {
		sum += v
	}
	return LatencySummary{
		P50:  percentile(latencies, 0.50),
		P95:  percentile(latencies, 0.95),
		P99:  percentile(latencies, 0.99),
		Mean: sum / float64(len(latencies)),
	}
}

// percentile returns the value at rank p of a sorted sample.
func percentile(sorted []float64, p float64) float64 {
	if len(sorted) == 0 {
		return 0
	}
	idx := int(float64(len(sorted)) * p)
	if idx >= len(sorted) {
		idx = len(sorted) - 1
	}
	return sorted[idx]
}
