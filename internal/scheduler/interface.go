package scheduler

import (
	"context"
	"time"

	"github.com/mattjoyce/conductor/internal/metrics"
)

//go:generate mockgen -destination=mocks/mock_archive_pruner.go -package=mocks github.com/mattjoyce/conductor/internal/scheduler ArchivePruner

// CacheSweeper drops expired cache entries.
type CacheSweeper interface {
	Sweep() int
}

// Evictor drops terminal units past their in-memory retention.
type Evictor interface {
	EvictCompleted() int
}

// ArchivePruner deletes archived units older than retention.
type ArchivePruner interface {
	Prune(ctx context.Context, retention time.Duration) (int64, error)
}

// SnapshotSource reads the current orchestrator snapshot.
type SnapshotSource interface {
	Snapshot() metrics.Snapshot
}
