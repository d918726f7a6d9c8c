package util

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/pterm/pterm"
)

// ──────────────────────────────────────────────────────────────────────────────
// Per-session counters
// ──────────────────────────────────────────────────────────────────────────────

// Stats counts traffic for one session. All methods are safe on a nil
// receiver so components can take an optional *Stats.
type Stats struct {
	PacketsSent   atomic.Int64
	PacketsRecv   atomic.Int64
	BytesSent     atomic.Int64 // serialized packet bytes handed to the writer
	BytesRecv     atomic.Int64 // serialized packet bytes decoded by the reader
	Reconnects    atomic.Int64 // successful recoveries
	StreamsOpened atomic.Int64 // forwarded TCP streams that became active
	StreamsClosed atomic.Int64
}

func (s *Stats) AddSent(n int) {
	if s == nil {
		return
	}
	s.PacketsSent.Add(1)
	s.BytesSent.Add(int64(n))
}

func (s *Stats) AddRecv(n int) {
	if s == nil {
		return
	}
	s.PacketsRecv.Add(1)
	s.BytesRecv.Add(int64(n))
}

func (s *Stats) AddReconnect() {
	if s != nil {
		s.Reconnects.Add(1)
	}
}

func (s *Stats) OpenStream() {
	if s != nil {
		s.StreamsOpened.Add(1)
	}
}

func (s *Stats) CloseStream() {
	if s != nil {
		s.StreamsClosed.Add(1)
	}
}

// ──────────────────────────────────────────────────────────────────────────────
// Periodic reporter
// ──────────────────────────────────────────────────────────────────────────────

// StartReporter launches a goroutine that logs throughput every interval
// while there is traffic. It stops when ctx is cancelled.
func (s *Stats) StartReporter(ctx context.Context, logger *pterm.Logger, interval time.Duration) {
	if s == nil || interval <= 0 {
		return
	}
	logger = OrNop(logger)

	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		secs := interval.Seconds()
		var prevSent, prevRecv, prevOpened, prevClosed int64
		for {
			select {
			case <-ticker.C:
				sent := s.BytesSent.Load()
				recv := s.BytesRecv.Load()
				opened := s.StreamsOpened.Load()
				closed := s.StreamsClosed.Load()

				outS := float64(sent-prevSent) / secs
				inS := float64(recv-prevRecv) / secs
				upC := opened - prevOpened
				downC := closed - prevClosed

				if upC > 0 || downC > 0 || inS > 10 || outS > 10 {
					logger.Info(formatStats(inS, outS, upC, downC),
						logger.Args("reconnects", s.Reconnects.Load()))
				}

				prevSent, prevRecv = sent, recv
				prevOpened, prevClosed = opened, closed

			case <-ctx.Done():
				return
			}
		}
	}()
}

// byteUnits defines the units for formatting byte counts in a human-readable way.
var byteUnits = []string{"B", "KiB", "MiB", "GiB", "TiB", "PiB"}

// formatBytes formats a byte count into a fixed-width (8 chars) string,
// for example "99.0   B", " 1.5 KiB", "98.9 GiB".
func formatBytes(b float64) string {
	unitIdx := 0

	// to prevent "100.0 KiB", which is 9 chars
	for b > 99 && unitIdx < len(byteUnits)-1 {
		b /= 1024
		unitIdx++
	}

	return fmt.Sprintf("%4.1f %3s", b, byteUnits[unitIdx])
}

func formatStats(inS, outS float64, upC, downC int64) string {
	return fmt.Sprintf("In: %s/s | Out: %s/s | Streams: %2d↑ %2d↓",
		formatBytes(inS),
		formatBytes(outS),
		upC,
		downC,
	)
}
