// Package flow implements the per-direction byte-rate estimator the engine
// samples on every send and receive, used for diagnostics (net_speeds-style
// flow reports) rather than any control decision.
package flow

import (
	"fmt"
	"time"
)

// MaskLatent bounds the sample ring to a power-of-two size; Current&MaskLatent
// is the slot index.
const MaskLatent = 31

// RingSize is the number of samples kept (MaskLatent + 1).
const RingSize = MaskLatent + 1

// Interval is the minimum gap between recomputes.
const Interval = 100 * time.Millisecond

// AvgWeight is the EWMA weight given to the previous smoothed average.
const AvgWeight = 2.0 / 3.0

// UDPHeaderSize is accounted per packet for flow and choke purposes.
const UDPHeaderSize = 28

type sample struct {
	size int
	time time.Time
}

// Meter tracks one direction's (incoming or outgoing) packet-size samples.
type Meter struct {
	stats       [RingSize]sample
	current     int
	totalBytes  int64
	kBytesPerSec    float64
	avgKBytesPerSec float64
	nextCompute time.Time
}

// Record appends one packet's accounted size at the given time.
func (m *Meter) Record(payloadBytes int, at time.Time) {
	slot := m.current & MaskLatent
	m.stats[slot] = sample{size: payloadBytes + UDPHeaderSize, time: at}
	m.current++
	m.totalBytes += int64(payloadBytes + UDPHeaderSize)
}

// Update recomputes the instantaneous and smoothed rates, at most once per
// Interval; it is a no-op otherwise.
func (m *Meter) Update(now time.Time) {
	if now.Before(m.nextCompute) {
		return
	}
	m.nextCompute = now.Add(Interval)

	if m.current == 0 {
		return
	}

	var bytes int
	var elapsed time.Duration
	start := m.current - 1
	for i := 0; i < MaskLatent; i++ {
		prev := &m.stats[(start-i)&MaskLatent]
		cur := &m.stats[(start-i-1)&MaskLatent]
		bytes += cur.size
		elapsed += prev.time.Sub(cur.time)
	}

	var instant float64
	if elapsed > 0 {
		instant = float64(bytes) / elapsed.Seconds() / 1024.0
	}
	m.kBytesPerSec = instant
	m.avgKBytesPerSec = m.avgKBytesPerSec*AvgWeight + instant*(1-AvgWeight)
}

// KBytesPerSec returns the last computed instantaneous rate.
func (m *Meter) KBytesPerSec() float64 { return m.kBytesPerSec }

// AvgKBytesPerSec returns the EWMA-smoothed rate.
func (m *Meter) AvgKBytesPerSec() float64 { return m.avgKBytesPerSec }

// TotalBytes returns the cumulative accounted byte count.
func (m *Meter) TotalBytes() int64 { return m.totalBytes }

// Pretty formats a byte count the way the engine's flow report does, e.g.
// "12.3 KB" / "4.1 MB".
func Pretty(bytes int64) string {
	const unit = 1024.0
	f := float64(bytes)
	switch {
	case f < unit:
		return fmt.Sprintf("%d B", bytes)
	case f < unit*unit:
		return fmt.Sprintf("%.1f KB", f/unit)
	default:
		return fmt.Sprintf("%.1f MB", f/unit/unit)
	}
}
