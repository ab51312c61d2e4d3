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

// Stats is the process-wide traffic/transfer counter.
var Stats = &stats{}

type stats struct {
	TotalConns     atomic.Int64 // cumulative count of links opened since process start
	ClosedConns    atomic.Int64 // cumulative count of links closed since process start
	BytesSent      atomic.Int64 // cumulative frame bytes written to links
	BytesRecv      atomic.Int64 // cumulative frame bytes read from links
	TransfersOut   atomic.Int64 // confirmed outgoing transfers
	TransfersIn    atomic.Int64 // accepted incoming transfers
	ActivitiesDone atomic.Int64 // activities handed to the apply function
}

func (s *stats) AddConn()         { s.TotalConns.Add(1) }
func (s *stats) RemoveConn()      { s.ClosedConns.Add(1) }
func (s *stats) AddSent(n int)    { s.BytesSent.Add(int64(n)) }
func (s *stats) AddRecv(n int)    { s.BytesRecv.Add(int64(n)) }
func (s *stats) AddTransferOut()  { s.TransfersOut.Add(1) }
func (s *stats) AddTransferIn()   { s.TransfersIn.Add(1) }
func (s *stats) AddApplied(n int) { s.ActivitiesDone.Add(int64(n)) }

// ──────────────────────────────────────────────────────────────────────────────
// Periodic reporter
// ──────────────────────────────────────────────────────────────────────────────

// StartStatsReporter launches a goroutine that logs traffic statistics
// every interval. It stops when ctx is cancelled.
func StartStatsReporter(ctx context.Context, interval time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		secs := interval.Seconds()
		var prevSent, prevRecv, prevApplied int64
		for {
			select {
			case <-ticker.C:
				sent := Stats.BytesSent.Load()
				recv := Stats.BytesRecv.Load()
				applied := Stats.ActivitiesDone.Load()

				outS := float64(sent-prevSent) / secs
				inS := float64(recv-prevRecv) / secs
				acts := applied - prevApplied

				if acts > 0 || inS > 10 || outS > 10 {
					pterm.DefaultLogger.Info(formatStats(inS, outS, acts,
						Stats.TotalConns.Load()-Stats.ClosedConns.Load()))
				}

				prevSent = sent
				prevRecv = recv
				prevApplied = applied

			case <-ctx.Done():
				return
			}
		}
	}()
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

// formatStats returns a formatted string of the current stats for display in the logger.
func formatStats(inS, outS float64, applied, links int64) string {
	return fmt.Sprintf("In: %s/s | Out: %s/s | Applied: %3d | Links: %2d",
		formatBytes(inS),
		formatBytes(outS),
		applied,
		links,
	)
}
