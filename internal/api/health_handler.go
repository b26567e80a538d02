package api

import (
	"fmt"
	"net/http"
	"runtime"
	"time"
)

// HealthStats represents server health statistics
type HealthStats struct {
	Status          string      `json:"status"`
	Uptime          int64       `json:"uptime"` // seconds
	UptimeFormatted string      `json:"uptime_formatted"`
	StartedAt       time.Time   `json:"started_at"`
	GoVersion       string      `json:"go_version"`
	NumGoroutines   int         `json:"num_goroutines"`
	NumCPU          int         `json:"num_cpu"`
	Memory          MemoryStats `json:"memory"`
	Queue           QueueHealth `json:"queue"`
	EngineRunning   bool        `json:"engine_running"`
	ConfiguredAddr  string      `json:"configured_addr"`
}

// MemoryStats represents memory usage statistics
type MemoryStats struct {
	Alloc     uint64  `json:"alloc"`
	Sys       uint64  `json:"sys"`
	HeapAlloc uint64  `json:"heap_alloc"`
	HeapInuse uint64  `json:"heap_inuse"`
	NumGC     uint32  `json:"num_gc"`
	AllocMB   float64 `json:"alloc_mb"`
	SysMB     float64 `json:"sys_mb"`
}

// QueueHealth represents queue depth information
type QueueHealth struct {
	Main       int `json:"main"`
	Retry      int `json:"retry"`
	RateLimit  int `json:"ratelimit"`
	DeadLetter int `json:"dead_letter"`
	Total      int `json:"total"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)

	uptime := time.Since(s.startedAt)
	health := HealthStats{
		Status:          "healthy",
		Uptime:          int64(uptime.Seconds()),
		UptimeFormatted: formatUptime(uptime),
		StartedAt:       s.startedAt,
		GoVersion:       runtime.Version(),
		NumGoroutines:   runtime.NumGoroutine(),
		NumCPU:          runtime.NumCPU(),
		Memory: MemoryStats{
			Alloc:     mem.Alloc,
			Sys:       mem.Sys,
			HeapAlloc: mem.HeapAlloc,
			HeapInuse: mem.HeapInuse,
			NumGC:     mem.NumGC,
			AllocMB:   float64(mem.Alloc) / 1024 / 1024,
			SysMB:     float64(mem.Sys) / 1024 / 1024,
		},
		EngineRunning:  s.engine.Running(),
		ConfiguredAddr: s.config.ListenAddr,
	}

	if qs, err := s.queues.GetStats(r.Context()); err == nil {
		health.Queue = QueueHealth{
			Main:       qs.Main,
			Retry:      qs.Retry,
			RateLimit:  qs.RateLimit,
			DeadLetter: qs.DeadLetter,
			Total:      qs.Total,
		}
	} else {
		health.Status = "degraded"
	}
	if !health.EngineRunning {
		health.Status = "degraded"
	}

	writeJSON(w, health)
}

func formatUptime(d time.Duration) string {
	days := int(d.Hours()) / 24
	hours := int(d.Hours()) % 24
	minutes := int(d.Minutes()) % 60
	seconds := int(d.Seconds()) % 60

	if days > 0 {
		return fmt.Sprintf("%dd %dh %dm %ds", days, hours, minutes, seconds)
	}
	if hours > 0 {
		return fmt.Sprintf("%dh %dm %ds", hours, minutes, seconds)
	}
	if minutes > 0 {
		return fmt.Sprintf("%dm %ds", minutes, seconds)
	}
	return fmt.Sprintf("%ds", seconds)
}
