package multipart

import (
	"sync"
	"time"
)

// Progress counts the parts and bytes sent so far and the time spent sending them.
type Progress struct {
	mu    sync.Mutex
	total Transfer
}

// Transfer is a snapshot of Progress.
type Transfer struct {
	Parts   int
	Bytes   int64
	Elapsed time.Duration
	// Slowest is the longest single part upload.
	Slowest time.Duration
}

// Add records one uploaded part of size bytes that took d.
func (p *Progress) Add(size int64, d time.Duration) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.total.Parts++
	p.total.Bytes += size
	p.total.Elapsed += d
	if d > p.total.Slowest {
		p.total.Slowest = d
	}
}

// Snapshot ...
func (p *Progress) Snapshot() Transfer {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.total
}

// MeanPart is the average part upload time.
func (t Transfer) MeanPart() time.Duration {
	if t.Parts == 0 {
		return 0
	}
	return t.Elapsed / time.Duration(t.Parts)
}

// Throughput is in bytes per second; 0 until some time has been recorded.
func (t Transfer) Throughput() float64 {
	if t.Elapsed <= 0 {
		return 0
	}
	return float64(t.Bytes) / t.Elapsed.Seconds()
}
