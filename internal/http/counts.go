package http

import (
	"context"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/specflow/internal/workflow"
)

// countRuns combines the runs held in memory with the store's totals.
//
// Stored runs that are still running are reported once: the store count is
// used when a store is configured, the in-memory count otherwise. Stored
// counts are -1 if the store cannot be read.
func (s *Server) countRuns(ctx context.Context) StatusCounts {
	var counts StatusCounts

	s.mu.Lock()
	var memory [3]int // running, completed, failed
	for _, h := range s.active {
		switch h.Latest().Status {
		case workflow.RunRunning:
			memory[0]++
		case workflow.RunCompleted:
			memory[1]++
		case workflow.RunFailed:
			memory[2]++
		}
	}
	counts.Active = memory[0]
	s.mu.Unlock()

	if s.store == nil {
		counts.Running, counts.Completed, counts.Failed = memory[0], memory[1], memory[2]
		return counts
	}

	stored, err := s.store.CountRuns(ctx)
	if err != nil {
		s.logger.Warn(ctx, "counting runs failed", zap.Error(err))
		counts.Running, counts.Completed, counts.Failed = -1, -1, -1
		return counts
	}
	counts.Running = stored[workflow.RunRunning]
	counts.Completed = stored[workflow.RunCompleted]
	counts.Failed = stored[workflow.RunFailed]
	return counts
}
