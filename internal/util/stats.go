package util

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/pterm/pterm"
)

// ──────────────────────────────────────────────────────────────────────────────
// Process-wide traffic counters
// ──────────────────────────────────────────────────────────────────────────────

// Stats counts relay and proxy traffic for the periodic reporter and the
// status feed.
var Stats = &stats{}

type stats struct {
	RelaySent    atomic.Int64 // cumulative bytes written to the relay link
	RelayRecv    atomic.Int64 // cumulative bytes read from the relay link
	ProxySent    atomic.Int64 // cumulative bytes routed out over direct links
	ProxyRecv    atomic.Int64 // cumulative bytes received over direct links
	SessionsOpen atomic.Int64 // cumulative proxy sessions accepted
	SessionsDone atomic.Int64 // cumulative proxy sessions closed
}

func (s *stats) AddRelaySent(n int) { s.RelaySent.Add(int64(n)) }
func (s *stats) AddRelayRecv(n int) { s.RelayRecv.Add(int64(n)) }
func (s *stats) AddProxySent(n int) { s.ProxySent.Add(int64(n)) }
func (s *stats) AddProxyRecv(n int) { s.ProxyRecv.Add(int64(n)) }
func (s *stats) AddSession()        { s.SessionsOpen.Add(1) }
func (s *stats) RemoveSession()     { s.SessionsDone.Add(1) }

// Snapshot is a point-in-time copy of the counters, used by the status feed.
type Snapshot struct {
	RelaySent    int64 `json:"relaySent"`
	RelayRecv    int64 `json:"relayRecv"`
	ProxySent    int64 `json:"proxySent"`
	ProxyRecv    int64 `json:"proxyRecv"`
	SessionsOpen int64 `json:"sessionsOpen"`
	SessionsDone int64 `json:"sessionsDone"`
}

func (s *stats) Snapshot() Snapshot {
	return Snapshot{
		RelaySent:    s.RelaySent.Load(),
		RelayRecv:    s.RelayRecv.Load(),
		ProxySent:    s.ProxySent.Load(),
		ProxyRecv:    s.ProxyRecv.Load(),
		SessionsOpen: s.SessionsOpen.Load(),
		SessionsDone: s.SessionsDone.Load(),
	}
}

// ──────────────────────────────────────────────────────────────────────────────
// Periodic reporter
// ──────────────────────────────────────────────────────────────────────────────

// StartStatsReporter launches a goroutine that logs traffic statistics every
// 10 seconds when anything moved. It stops when ctx is cancelled.
func StartStatsReporter(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(10 * time.Second)
		defer ticker.Stop()

		var prev Snapshot
		for {
			select {
			case <-ticker.C:
				cur := Stats.Snapshot()
				up := float64(cur.RelaySent-prev.RelaySent+cur.ProxySent-prev.ProxySent) / 10.0
				down := float64(cur.RelayRecv-prev.RelayRecv+cur.ProxyRecv-prev.ProxyRecv) / 10.0
				opened := cur.SessionsOpen - prev.SessionsOpen
				closed := cur.SessionsDone - prev.SessionsDone

				if opened > 0 || closed > 0 || up > 10 || down > 10 {
					pterm.DefaultLogger.Info(formatStats(up, down, opened, closed))
				}
				prev = cur

			case <-ctx.Done():
				return
			}
		}
	}()
}

// byteUnits defines the units for formatting byte counts in a human-readable way.
var byteUnits = []string{"B", "KiB", "MiB", "GiB", "TiB", "PiB"}

// formatBytes formats a byte count into a human-readable string with fixed width
// (exactly 8 chars), for example: "99.0   B", " 1.5 KiB", "98.9 GiB".
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
func formatStats(up, down float64, opened, closed int64) string {
	return fmt.Sprintf("Up: %s/s | Down: %s/s | Sessions: %2d↑ %2d↓",
		formatBytes(up),
		formatBytes(down),
		opened,
		closed,
	)
}
