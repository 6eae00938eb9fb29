// Package sweeper runs the periodic worker jobs that surface interrupted
// bindings and re-drive stuck releases.
package sweeper

import (
	"context"
	"strconv"
	"time"

	"go.uber.org/zap"

	"milestonepay/internal/model"
	"milestonepay/internal/repository"
	"milestonepay/internal/service/events"
	"milestonepay/pkg/metrics"
	"milestonepay/pkg/util"
)

const (
	handlerBindingOrphaned = "binding_orphaned"
	handlerReleaseSweep    = "release_sweep"
	releaseBatchSize       = 50
)

// Deduper marks work as done once.
type Deduper interface {
	AcquireOnce(ctx context.Context, handler string, id string) bool
	Forget(ctx context.Context, handler string, id string)
}

// AttemptCounter counts re-drive attempts per milestone.
type AttemptCounter interface {
	IncrementAndGet(ctx context.Context, key string) (int64, error)
	Reset(ctx context.Context, key string) error
}

type Releaser interface {
	Release(ctx context.Context, projectID string, pos int) (*model.Milestone, error)
}

// Run calls sweep every interval until ctx is done.
func Run(ctx context.Context, name string, interval time.Duration, logger *zap.Logger, sweep func(context.Context) int) {
	logger.Info("Starting sweeper", zap.String("sweeper", name), zap.Duration("interval", interval))

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			logger.Info("Sweeper stopped", zap.String("sweeper", name))
			return
		case <-ticker.C:
			sweep(ctx)
		}
	}
}

// BindingSweeper reports binding intents older than staleAfter. Resolution
// is left to RecoverBinding or AbandonBinding.
type BindingSweeper struct {
	projects   repository.ProjectStore
	dedup      Deduper
	staleAfter time.Duration
	logger     *zap.Logger
	now        func() time.Time
}

func NewBindingSweeper(projects repository.ProjectStore, dedup Deduper, staleAfter time.Duration, logger *zap.Logger) *BindingSweeper {
	return &BindingSweeper{
		projects:   projects,
		dedup:      dedup,
		staleAfter: staleAfter,
		logger:     logger,
		now:        time.Now,
	}
}

// Sweep returns the number of orphaned intents found.
func (s *BindingSweeper) Sweep(ctx context.Context) int {
	now := s.now()
	orphans, err := s.projects.ListPendingBindings(ctx, now.Add(-s.staleAfter))
	if err != nil {
		s.logger.Error("Failed to list pending bindings", zap.Error(err))
		return 0
	}
	metrics.SetOrphanedBindings(len(orphans))

	for _, p := range orphans {
		intent := p.PendingBinding
		s.logger.Warn("Orphaned escrow binding intent",
			zap.String("project_id", p.ID),
			zap.String("funder_id", intent.FunderID),
			zap.String("address", intent.Address),
			zap.String("deploy_tx_hash", intent.DeployTxHash),
			zap.Time("started_at", intent.StartedAt),
		)

		id := p.ID + ":" + strconv.FormatInt(intent.StartedAt.UnixNano(), 10)
		if !s.dedup.AcquireOnce(ctx, handlerBindingOrphaned, id) {
			continue
		}
		if err := s.projects.AppendEvents(ctx, events.BindingOrphaned(p, now)); err != nil {
			s.logger.Error("Failed to record orphaned binding event", zap.String("project_id", p.ID), zap.Error(err))
			s.dedup.Forget(ctx, handlerBindingOrphaned, id)
		}
	}
	return len(orphans)
}

// ReleaseSweeper re-drives milestones left in approved, covering a crash
// between the approval write and the ledger confirmation.
type ReleaseSweeper struct {
	projects    repository.ProjectStore
	releaser    Releaser
	attempts    AttemptCounter
	staleAfter  time.Duration
	maxAttempts int64
	logger      *zap.Logger
	now         func() time.Time
}

func NewReleaseSweeper(projects repository.ProjectStore, releaser Releaser, attempts AttemptCounter, staleAfter time.Duration, maxAttempts int64, logger *zap.Logger) *ReleaseSweeper {
	return &ReleaseSweeper{
		projects:    projects,
		releaser:    releaser,
		attempts:    attempts,
		staleAfter:  staleAfter,
		maxAttempts: maxAttempts,
		logger:      logger,
		now:         time.Now,
	}
}

// Sweep returns the number of milestones released in this pass.
func (s *ReleaseSweeper) Sweep(ctx context.Context) int {
	refs, err := s.projects.ListApprovedMilestones(ctx, s.now().Add(-s.staleAfter), releaseBatchSize)
	if err != nil {
		s.logger.Error("Failed to list approved milestones", zap.Error(err))
		return 0
	}

	released := 0
	for _, ref := range refs {
		log := s.logger.With(zap.String("project_id", ref.ProjectID), zap.Int("position", ref.Position))
		key := util.FormatRetryKey(handlerReleaseSweep, ref.ProjectID+"/"+strconv.Itoa(ref.Position))

		count, err := s.attempts.IncrementAndGet(ctx, key)
		if err != nil {
			log.Warn("Failed to count release attempts", zap.Error(err))
		} else if s.maxAttempts > 0 && count > s.maxAttempts {
			log.Error("Stuck release exceeded max attempts, needs manual retry", zap.Int64("attempts", count))
			continue
		}

		if _, err := s.releaser.Release(ctx, ref.ProjectID, ref.Position); err != nil {
			retryable, errType := util.IsRetryableError(err)
			log.Warn("Stuck release not completed",
				zap.Bool("retryable", retryable),
				zap.String("error_type", errType),
				zap.Error(err),
			)
			continue
		}
		released++
		if err := s.attempts.Reset(ctx, key); err != nil {
			log.Warn("Failed to reset release attempts", zap.Error(err))
		}
		log.Info("Stuck release completed")
	}
	return released
}
