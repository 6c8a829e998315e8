package util

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/pterm/pterm"
)

// ──────────────────────────────────────────────────────────────────────────────
// Global stats singleton
// ──────────────────────────────────────────────────────────────────────────────

// Stats is the process-wide signaling/mesh counter.
var Stats = &stats{}

type stats struct {
	FramesIn     atomic.Int64 // signaling frames read from the WebSocket
	FramesOut    atomic.Int64 // signaling frames written to the WebSocket
	Duplicates   atomic.Int64 // frames discarded by the deduplicator
	LinksUp      atomic.Int64 // peer links that reported a connected state
	LinkFailures atomic.Int64 // peer links torn down after a failure
	BytesRecv    atomic.Int64 // inbound RTP bytes across every remote track
}

func (s *stats) AddFrameIn()     { s.FramesIn.Add(1) }
func (s *stats) AddFrameOut()    { s.FramesOut.Add(1) }
func (s *stats) AddDuplicate()   { s.Duplicates.Add(1) }
func (s *stats) AddLinkUp()      { s.LinksUp.Add(1) }
func (s *stats) AddLinkFailure() { s.LinkFailures.Add(1) }
func (s *stats) AddRecv(n int)   { s.BytesRecv.Add(int64(n)) }

// ──────────────────────────────────────────────────────────────────────────────
// Periodic reporter
// ──────────────────────────────────────────────────────────────────────────────

// StartStatsReporter launches a goroutine that logs session statistics
// every 10 seconds. It stops when ctx is cancelled.
func StartStatsReporter(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(10 * time.Second)
		defer ticker.Stop()

		var prev snapshot
		for {
			select {
			case <-ticker.C:
				cur := takeSnapshot()
				if cur != prev {
					pterm.DefaultLogger.Info(formatStats(cur.sub(prev)))
				}
				prev = cur

			case <-ctx.Done():
				return
			}
		}
	}()
}

type snapshot struct {
	in, out, dups, up, failed, recv int64
}

func takeSnapshot() snapshot {
	return snapshot{
		in:     Stats.FramesIn.Load(),
		out:    Stats.FramesOut.Load(),
		dups:   Stats.Duplicates.Load(),
		up:     Stats.LinksUp.Load(),
		failed: Stats.LinkFailures.Load(),
		recv:   Stats.BytesRecv.Load(),
	}
}

func (s snapshot) sub(o snapshot) snapshot {
	return snapshot{
		in:     s.in - o.in,
		out:    s.out - o.out,
		dups:   s.dups - o.dups,
		up:     s.up - o.up,
		failed: s.failed - o.failed,
		recv:   s.recv - o.recv,
	}
}

// byteUnits defines the units for formatting byte counts in a human-readable way.
var byteUnits = []string{"B", "KiB", "MiB", "GiB", "TiB", "PiB"}

// formatBytes formats a byte count into a human-readable string with fixed width (exactly 8 chars)
// for example: "99.0   B", " 1.5 KiB", " 0.1 MiB", "98.9 GiB", etc.
func formatBytes(b float64) string {
	unitIdx := 0

	// to prevent "100.0 KiB", which is 9 chars
	for b > 99 && unitIdx < 5 {
		b /= 1024
		unitIdx++
	}

	return fmt.Sprintf("%4.1f %3s", b, byteUnits[unitIdx])
}

// formatStats returns a formatted string of a 10s delta for display in the logger.
func formatStats(d snapshot) string {
	return fmt.Sprintf("Signal: %3d↓ %3d↑ (dup %d) | Links: %2d up %2d failed | Media: %s/s",
		d.in,
		d.out,
		d.dups,
		d.up,
		d.failed,
		formatBytes(float64(d.recv)/10.0),
	)
}
