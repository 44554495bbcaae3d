package core

import (
	"encoding/json"
	"fmt"

	"github.com/dustin/go-humanize"

	"github.com/searchktools/h1server/core/pools"
)

// PoolStats represents statistics for the engine and all its pools
type PoolStats struct {
	Connections  int                   `json:"connections"`
	Accepted     uint64                `json:"accepted"`
	RejectedBusy uint64                `json:"rejected_busy"`
	RejectedRate uint64                `json:"rejected_rate"`
	Clients      int                   `json:"rate_limited_clients"`
	Workers      pools.WorkerPoolStats `json:"workers"`
	ReadBuffers  pools.BytePoolStats   `json:"read_buffers"`
	Chunks       pools.BytePoolStats   `json:"stream_chunks"`
	Heads        pools.BufferStats     `json:"response_heads"`
	GC           pools.GCStats         `json:"gc"`
}

// GetPoolStats returns statistics for all memory pools
func (e *Engine) GetPoolStats() PoolStats {
	return PoolStats{
		Connections:  e.connections.Size(),
		Accepted:     e.accepted.Load(),
		RejectedBusy: e.rejectedBusy.Load(),
		RejectedRate: e.rejectedRate.Load(),
		Clients:      e.limiters.Size(),
		Workers:      e.workers.Stats(),
		ReadBuffers:  e.bytePool.Stats(),
		Chunks:       pools.GetBytePoolStats(),
		Heads:        pools.GetBufferStats(),
		GC:           pools.GetGCStats(),
	}
}

// GetPoolStatsJSON returns pool statistics as JSON string
func (e *Engine) GetPoolStatsJSON() string {
	stats := e.GetPoolStats()
	data, _ := json.MarshalIndent(stats, "", "  ")
	return string(data)
}

// GetPoolStatsText returns pool statistics as human-readable text
func (e *Engine) GetPoolStatsText() string {
	s := e.GetPoolStats()
	return fmt.Sprintf(`Engine Statistics
=================

Connections:
  Open:          %d
  Accepted:      %s
  Refused busy:  %s
  Refused rate:  %s

Workers:
  Workers:       %d (%d busy)
  Completed:     %s
  Pending:       %d
  Steals:        %s

Buffers:
  Read gets:     %s (%s oversized)
  Chunk gets:    %s
  Head gets:     %s (hit rate %.2f%%)

Memory:
  Heap:          %s
  Sys:           %s
  GC cycles:     %d (avg pause %s)
  Goroutines:    %d
`,
		s.Connections,
		humanize.Comma(int64(s.Accepted)),
		humanize.Comma(int64(s.RejectedBusy)),
		humanize.Comma(int64(s.RejectedRate)),
		s.Workers.NumWorkers, s.Workers.Busy,
		humanize.Comma(int64(s.Workers.TasksCompleted)),
		s.Workers.TasksPending,
		humanize.Comma(int64(s.Workers.StealsSuccess)),
		humanize.Comma(int64(s.ReadBuffers.Gets)), humanize.Comma(int64(s.ReadBuffers.Misses)),
		humanize.Comma(int64(s.Chunks.Gets)),
		humanize.Comma(int64(s.Heads.TotalGets)), s.Heads.HitRate*100,
		humanize.IBytes(s.GC.AllocBytes),
		humanize.IBytes(s.GC.Sys),
		s.GC.NumGC, s.GC.AvgPause,
		s.GC.NumGoroutine,
	)
}
