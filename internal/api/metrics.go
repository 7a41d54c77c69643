package api

import (
	"net/http"
	"runtime"
	"time"

	"github.com/nerrad567/controlmyspa-bridge/internal/bridge"
	"github.com/nerrad567/controlmyspa-bridge/internal/engine"
)

// MetricsResponse is the body of GET /api/v1/metrics.
type MetricsResponse struct {
	Timestamp     time.Time            `json:"timestamp"`
	Version       string               `json:"version"`
	UptimeSeconds int64                `json:"uptime_seconds"`
	Snapshot      SnapshotMetrics      `json:"snapshot"`
	Engine        engine.Stats         `json:"engine"`
	Bridge        bridge.BridgeMetrics `json:"bridge"`
	WSClients     int                  `json:"websocket_clients"`
	Runtime       RuntimeMetrics       `json:"runtime"`
}

// SnapshotMetrics describes the newest snapshot. Present is false until the
// first refresh completes.
type SnapshotMetrics struct {
	Present    bool    `json:"present"`
	Version    uint64  `json:"version,omitempty"`
	AgeSeconds float64 `json:"age_seconds,omitempty"`
	Online     bool    `json:"online"`
}

// RuntimeMetrics are Go runtime gauges.
type RuntimeMetrics struct {
	Goroutines int     `json:"goroutines"`
	HeapMB     float64 `json:"heap_mb"`
	NumGC      uint32  `json:"num_gc"`
}

func (s *Server) handleMetrics(w http.ResponseWriter, _ *http.Request) {
	now := time.Now()

	var snapshot SnapshotMetrics
	if snap, ok := s.spa.Current(); ok {
		snapshot = SnapshotMetrics{
			Present:    true,
			Version:    snap.Version,
			AgeSeconds: now.Sub(snap.FetchedAt).Round(time.Millisecond).Seconds(),
			Online:     snap.Online,
		}
	}

	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)

	writeJSON(w, http.StatusOK, MetricsResponse{
		Timestamp:     now.UTC(),
		Version:       s.version,
		UptimeSeconds: int64(now.Sub(s.startTime).Seconds()),
		Snapshot:      snapshot,
		Engine:        s.spa.Stats(),
		Bridge:        s.bridge.GetMetrics(),
		WSClients:     s.hub.ClientCount(),
		Runtime: RuntimeMetrics{
			Goroutines: runtime.NumGoroutine(),
			HeapMB:     float64(mem.HeapAlloc) / (1 << 20),
			NumGC:      mem.NumGC,
		},
	})
}
