package scheduler

import (
	"context"
	"fmt"

	"github.com/KafClaw/clawcore/internal/buffer"
	"github.com/KafClaw/clawcore/internal/memory"
)

// Maintenance job names.
const (
	JobBufferCleanup = "buffer-cleanup"
	JobMemoryPrune   = "memory-prune"
)

// MaintenanceConfig selects the built-in housekeeping jobs. An empty schedule
// or a non-positive amount disables a job.
type MaintenanceConfig struct {
	BufferCleanupSchedule string  `json:"bufferCleanupSchedule" envconfig:"BUFFER_CLEANUP_SCHEDULE"`
	BufferRetentionDays   int     `json:"bufferRetentionDays" envconfig:"BUFFER_RETENTION_DAYS"`
	MemoryPruneSchedule   string  `json:"memoryPruneSchedule" envconfig:"MEMORY_PRUNE_SCHEDULE"`
	MemoryPrunePercent    float64 `json:"memoryPrunePercent" envconfig:"MEMORY_PRUNE_PERCENT"`
}

// DefaultMaintenanceConfig cleans the buffer daily at 03:00 and leaves
// memory pruning off.
func DefaultMaintenanceConfig() MaintenanceConfig {
	return MaintenanceConfig{
		BufferCleanupSchedule: "0 3 * * *",
		BufferRetentionDays:   7,
		MemoryPruneSchedule:   "0 4 * * 0",
		MemoryPrunePercent:    0,
	}
}

// RegisterMaintenance adds the enabled housekeeping jobs to s.
func RegisterMaintenance(s *Scheduler, cfg MaintenanceConfig, buf *buffer.Buffer, mem *memory.Service) error {
	if buf != nil && cfg.BufferCleanupSchedule != "" && cfg.BufferRetentionDays > 0 {
		days := cfg.BufferRetentionDays
		err := s.Register(JobBufferCleanup, cfg.BufferCleanupSchedule, func(ctx context.Context) (string, error) {
			n, err := buf.Cleanup(ctx, days)
			if err != nil {
				return "", err
			}
			return fmt.Sprintf("removed %d routed messages", n), nil
		})
		if err != nil {
			return err
		}
	}
	if mem != nil && cfg.MemoryPruneSchedule != "" && cfg.MemoryPrunePercent > 0 {
		percent := cfg.MemoryPrunePercent
		err := s.Register(JobMemoryPrune, cfg.MemoryPruneSchedule, func(ctx context.Context) (string, error) {
			n, err := mem.Prune(ctx, percent)
			if err != nil {
				return "", err
			}
			return fmt.Sprintf("archived %d memories", n), nil
		})
		if err != nil {
			return err
		}
	}
	return nil
}
