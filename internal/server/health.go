package server

import (
	"encoding/json"
	"net/http"
	"os"
	"runtime"
	"time"

	"github.com/shirou/gopsutil/v3/process"
)

// handleHealth reports service status plus connection and system stats.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	totalConns, totalUsers, totalClients := s.registry.Counts()

	health := map[string]any{
		"status":    "healthy",
		"timestamp": time.Now().UnixMilli(),
		"version":   Version,
		"uptime":    time.Since(s.startedAt).Seconds(),
		"connections": map[string]any{
			"totalConnections": totalConns,
			"totalUsers":       totalUsers,
			"totalClients":     totalClients,
		},
		"documents": s.coord.DocumentCount(),
		"system": map[string]any{
			"goroutines": runtime.NumGoroutine(),
			"memory_mb":  processMemoryMB(),
		},
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(health)
}

// processMemoryMB returns the resident set size in megabytes, or zero when
// the process stats are unavailable.
func processMemoryMB() float64 {
	proc, err := process.NewProcess(int32(os.Getpid()))
	if err != nil {
		return 0
	}
	memInfo, err := proc.MemoryInfo()
	if err != nil {
		return 0
	}
	return float64(memInfo.RSS) / 1024 / 1024
}
