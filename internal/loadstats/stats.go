// Package loadstats aggregates latency samples from many load test clients
// and prints a percentile summary.
package loadstats

import (
	"fmt"
	"io"
	"math"
	"sort"
	"sync"
	"time"
)

// Collector aggregates metrics from multiple load test clients. All methods
// are goroutine-safe.
type Collector struct {
	mu               sync.Mutex
	connectLatencies []time.Duration
	syncLatencies    []time.Duration
	msgLatencies     []time.Duration
	errors           int
	connections      int
	startTime        time.Time
}

// NewCollector creates a new Collector with the start time set to now.
func NewCollector() *Collector {
	return &Collector{startTime: time.Now()}
}

// AddConnect records a successful connection with the given connect latency.
func (c *Collector) AddConnect(d time.Duration) {
	c.mu.Lock()
	c.connectLatencies = append(c.connectLatencies, d)
	c.connections++
	c.mu.Unlock()
}

// AddSyncLatency records the time from request_sync to sync_accepted.
func (c *Collector) AddSyncLatency(d time.Duration) {
	c.mu.Lock()
	c.syncLatencies = append(c.syncLatencies, d)
	c.mu.Unlock()
}

// AddMsgLatency records the time from send_message to receive_message.
func (c *Collector) AddMsgLatency(d time.Duration) {
	c.mu.Lock()
	c.msgLatencies = append(c.msgLatencies, d)
	c.mu.Unlock()
}

// AddError increments the error counter.
func (c *Collector) AddError() {
	c.mu.Lock()
	c.errors++
	c.mu.Unlock()
}

// ConnectionCount returns the current number of recorded connections.
func (c *Collector) ConnectionCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connections
}

// ErrorCount returns the current number of recorded errors.
func (c *Collector) ErrorCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.errors
}

// Percentiles summarizes one latency series.
type Percentiles struct {
	N                       int
	Avg, P50, P95, P99, Max time.Duration
}

// Summarize computes percentiles over samples. The slice is sorted in place.
func Summarize(samples []time.Duration) Percentiles {
	n := len(samples)
	if n == 0 {
		return Percentiles{}
	}
	sort.Slice(samples, func(i, j int) bool { return samples[i] < samples[j] })

	var sum time.Duration
	for _, d := range samples {
		sum += d
	}
	return Percentiles{
		N:   n,
		Avg: sum / time.Duration(n),
		P50: samples[n/2],
		P95: samples[int(math.Ceil(float64(n)*0.95))-1],
		P99: samples[int(math.Ceil(float64(n)*0.99))-1],
		Max: samples[n-1],
	}
}

// Report writes a summary of the collected metrics to w.
func (c *Collector) Report(w io.Writer) {
	c.mu.Lock()
	defer c.mu.Unlock()

	fmt.Fprintln(w, "\n=== Load Test Results ===")
	fmt.Fprintf(w, "Duration:     %s\n", time.Since(c.startTime).Round(time.Second))
	fmt.Fprintf(w, "Connections:  %d\n", c.connections)
	fmt.Fprintf(w, "Errors:       %d\n", c.errors)
	if c.connections > 0 {
		fmt.Fprintf(w, "Error rate:   %.2f%%\n", float64(c.errors)/float64(c.connections)*100)
	}

	for _, series := range []struct {
		name    string
		samples []time.Duration
	}{
		{"Connect Latency", c.connectLatencies},
		{"Sync Round Trip", c.syncLatencies},
		{"Message Latency", c.msgLatencies},
	} {
		if len(series.samples) == 0 {
			continue
		}
		p := Summarize(series.samples)
		fmt.Fprintf(w, "\n--- %s ---\n", series.name)
		fmt.Fprintf(w, "  avg: %v  p50: %v  p95: %v  p99: %v  max: %v  (n=%d)\n",
			p.Avg.Round(time.Microsecond),
			p.P50.Round(time.Microsecond),
			p.P95.Round(time.Microsecond),
			p.P99.Round(time.Microsecond),
			p.Max.Round(time.Microsecond),
			p.N,
		)
	}
	fmt.Fprintln(w)
}
