// Package release drives approved milestones to a confirmed on-chain
// release, at most once per milestone.
package release

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	mqcontracts "milestonepay/contracts/mq"
	"milestonepay/internal/escrowerr"
	"milestonepay/internal/ledger"
	"milestonepay/internal/model"
	"milestonepay/internal/repository"
	"milestonepay/internal/service/events"
	"milestonepay/pkg/config"
	"milestonepay/pkg/logger"
	"milestonepay/pkg/metrics"
)

// Options 重试与加锁参数
type Options struct {
	MaxRetries     uint64
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	Multiplier     float64
	Jitter         float64
	LockTTL        time.Duration
}

func OptionsFromConfig(cfg config.ReleaseConfig) Options {
	return Options{
		MaxRetries:     cfg.MaxRetries,
		InitialBackoff: cfg.InitialBackoff,
		MaxBackoff:     cfg.MaxBackoff,
		Multiplier:     cfg.Multiplier,
		Jitter:         cfg.Jitter,
		LockTTL:        cfg.LockTTL,
	}
}

// Invalidator drops cached ledger reads for a contract.
type Invalidator interface {
	Invalidate(ctx context.Context, address string)
}

// DistributedLocker serializes releases across processes.
type DistributedLocker interface {
	Acquire(ctx context.Context, key string, ttl time.Duration) (func(), error)
}

// Coordinator serializes releases per contract address and retries
// transient ledger failures with exponential backoff.
type Coordinator struct {
	projects repository.ProjectStore
	ledger   ledger.Ledger
	cache    Invalidator
	dlock    DistributedLocker
	locks    *keyedMutex
	opts     Options
	logger   *zap.Logger
	now      func() time.Time
}

// NewCoordinator builds a coordinator. cache and dlock may be nil.
func NewCoordinator(projects repository.ProjectStore, l ledger.Ledger, cache Invalidator, dlock DistributedLocker, opts Options, logger *zap.Logger) *Coordinator {
	if opts.InitialBackoff <= 0 {
		opts.InitialBackoff = time.Second
	}
	if opts.MaxBackoff <= 0 {
		opts.MaxBackoff = 30 * time.Second
	}
	if opts.Multiplier < 1 {
		opts.Multiplier = 2
	}
	if opts.LockTTL <= 0 {
		opts.LockTTL = 5 * time.Minute
	}
	return &Coordinator{
		projects: projects,
		ledger:   l,
		cache:    cache,
		dlock:    dlock,
		locks:    newKeyedMutex(),
		opts:     opts,
		logger:   logger,
		now:      time.Now,
	}
}

// Release makes sure milestone pos of the project is released on-chain and
// recorded off-chain. Calling it for an already released milestone is a
// no-op.
func (c *Coordinator) Release(ctx context.Context, projectID string, pos int) (*model.Milestone, error) {
	log := logger.WithTrace(ctx, c.logger).With(
		zap.String("project_id", projectID),
		zap.Int("position", pos),
	)

	p, err := c.projects.GetProject(ctx, projectID)
	if err != nil {
		return nil, err
	}
	if err := checkReleasable(p, pos); err != nil {
		return nil, err
	}
	if p.Milestones[pos].Status == model.MilestoneReleased {
		return &p.Milestones[pos], nil
	}
	address := p.Binding.Address

	unlock, err := c.lock(ctx, address)
	if err != nil {
		return nil, err
	}
	defer unlock()

	// 拿到锁之后不再跟随调用方取消，已广播的交易必须等到结果
	work := context.WithoutCancel(ctx)

	var released *model.Milestone
	attempt := 0
	op := func() error {
		attempt++
		m, err := c.attempt(work, log, projectID, pos)
		if err != nil {
			if isPermanent(err) {
				return backoff.Permanent(err)
			}
			return err
		}
		released = m
		return nil
	}
	notify := func(err error, wait time.Duration) {
		log.Warn("Release attempt failed, retrying",
			zap.Int("attempt", attempt),
			zap.Duration("backoff", wait),
			zap.Error(err),
		)
	}

	err = backoff.RetryNotify(op, c.newBackOff(work), notify)
	if err == nil {
		return released, nil
	}

	switch {
	case escrowerr.IsTerminalChain(err):
		metrics.IncrementRelease("terminal")
		log.Error("Ledger refused release, returning milestone to submitted", zap.Error(err))
		if _, rerr := c.returnToSubmitted(work, projectID, pos, err); rerr != nil {
			log.Error("Failed to return milestone to submitted", zap.Error(rerr))
		}
		return nil, err
	case isPermanent(err):
		// mismatch, index, transition: nothing changes off-chain
		return nil, err
	default:
		metrics.IncrementRelease("exhausted")
		log.Error("Release retries exhausted, milestone stays approved", zap.Int("attempts", attempt), zap.Error(err))
		var ce *escrowerr.ChainCallError
		if errors.As(err, &ce) {
			return nil, err
		}
		return nil, &escrowerr.ChainCallError{Op: "release", Transient: true, Unknown: true, Err: err}
	}
}

// attempt runs one pass of the protocol. It always starts from a fresh
// ledger read so a retried attempt never resends a release that already
// landed.
func (c *Coordinator) attempt(ctx context.Context, log *zap.Logger, projectID string, pos int) (*model.Milestone, error) {
	for round := 0; ; round++ {
		p, err := c.projects.GetProject(ctx, projectID)
		if err != nil {
			return nil, err
		}
		if err := checkReleasable(p, pos); err != nil {
			return nil, err
		}
		m := p.Milestones[pos]
		if m.Status == model.MilestoneReleased {
			return &m, nil
		}
		if m.Status != model.MilestoneApproved {
			return nil, &escrowerr.InvalidTransitionError{Entity: "milestone", From: string(m.Status), To: string(model.MilestoneReleased)}
		}
		address := p.Binding.Address

		onChain, err := c.ledger.Milestones(ctx, address)
		if err != nil {
			return nil, err
		}
		if err := c.checkCounts(ctx, log, p, len(onChain)); err != nil {
			return nil, err
		}
		if onChain[pos].Released {
			metrics.IncrementRelease("short_circuit")
			log.Info("Milestone already released on-chain, recording it")
			return c.markReleased(ctx, log, projectID, pos, m.ReleaseTxHash)
		}

		if m.ReleaseTxHash != "" {
			status, err := c.ledger.TxStatus(ctx, m.ReleaseTxHash)
			if err != nil {
				return nil, err
			}
			log.Debug("Previous release transaction status",
				zap.String("tx_hash", m.ReleaseTxHash),
				zap.String("status", status.String()),
			)
			switch status {
			case ledger.TxPending:
				if round > 0 {
					return nil, &escrowerr.ChainCallError{Op: "approveMilestone", Transient: true, Unknown: true, Reason: "release still pending"}
				}
				if err := c.ledger.WaitTx(ctx, m.ReleaseTxHash); err != nil {
					return nil, err
				}
				continue
			case ledger.TxConfirmed:
				if round > 0 {
					return nil, &escrowerr.ChainCallError{Op: "getMilestones", Transient: true, Reason: "confirmed release not visible yet"}
				}
				continue
			case ledger.TxReverted:
				return nil, &escrowerr.ChainCallError{Op: "approveMilestone", Reason: "release transaction " + m.ReleaseTxHash + " reverted"}
			case ledger.TxNotFound:
				log.Warn("Previous release transaction dropped, sending again", zap.String("tx_hash", m.ReleaseTxHash))
			}
		}

		txHash, err := c.ledger.ApproveMilestone(ctx, address, pos)
		if err != nil {
			return c.confirmTerminal(ctx, log, projectID, pos, address, err)
		}
		log.Info("Release transaction broadcast", zap.String("tx_hash", txHash))

		if _, err := c.projects.UpdateMilestone(ctx, projectID, pos, func(_ *model.Project, m *model.Milestone) ([]model.Event, error) {
			m.ReleaseTxHash = txHash
			return nil, nil
		}); err != nil {
			log.Error("Failed to record release tx hash", zap.String("tx_hash", txHash), zap.Error(err))
		}

		if err := c.ledger.WaitTx(ctx, txHash); err != nil {
			return c.confirmTerminal(ctx, log, projectID, pos, address, err)
		}
		metrics.IncrementRelease("confirmed")
		return c.markReleased(ctx, log, projectID, pos, txHash)
	}
}

// confirmTerminal re-reads the ledger before accepting a terminal error: a
// revert such as "already released" can mean an earlier send landed.
func (c *Coordinator) confirmTerminal(ctx context.Context, log *zap.Logger, projectID string, pos int, address string, sendErr error) (*model.Milestone, error) {
	if !escrowerr.IsTerminalChain(sendErr) {
		return nil, sendErr
	}
	onChain, err := c.ledger.Milestones(ctx, address)
	if err != nil || pos >= len(onChain) || !onChain[pos].Released {
		return nil, sendErr
	}
	metrics.IncrementRelease("short_circuit")
	log.Info("Release refused but milestone is released on-chain", zap.Error(sendErr))
	return c.markReleased(ctx, log, projectID, pos, "")
}

func (c *Coordinator) markReleased(ctx context.Context, log *zap.Logger, projectID string, pos int, txHash string) (*model.Milestone, error) {
	p, err := c.projects.UpdateMilestone(ctx, projectID, pos, func(p *model.Project, m *model.Milestone) ([]model.Event, error) {
		if m.Status == model.MilestoneReleased {
			return nil, nil
		}
		if !m.Status.CanTransition(model.MilestoneReleased) {
			return nil, &escrowerr.InvalidTransitionError{Entity: "milestone", From: string(m.Status), To: string(model.MilestoneReleased)}
		}
		m.Status = model.MilestoneReleased
		m.Released = true
		if txHash != "" {
			m.ReleaseTxHash = txHash
		}
		return []model.Event{events.Milestone(ctx, mqcontracts.RoutingMilestoneReleased, p, m, "", c.now())}, nil
	})
	if err != nil {
		return nil, err
	}
	if c.cache != nil {
		c.cache.Invalidate(ctx, p.Binding.Address)
	}
	log.Info("Milestone released", zap.String("tx_hash", p.Milestones[pos].ReleaseTxHash))

	if p.AllReleased() && p.Status == model.ProjectFunded {
		c.complete(ctx, log, projectID)
	}
	m := p.Milestones[pos]
	return &m, nil
}

func (c *Coordinator) complete(ctx context.Context, log *zap.Logger, projectID string) {
	_, err := c.projects.UpdateProject(ctx, projectID, func(p *model.Project) ([]model.Event, error) {
		if p.Status != model.ProjectFunded || !p.AllReleased() {
			return nil, nil
		}
		p.Status = model.ProjectCompleted
		return []model.Event{events.ProjectStatus(ctx, mqcontracts.RoutingProjectCompleted, p, "", c.now())}, nil
	})
	if err != nil {
		log.Error("Failed to complete project", zap.Error(err))
		return
	}
	log.Info("Project completed")
}

func (c *Coordinator) returnToSubmitted(ctx context.Context, projectID string, pos int, cause error) (*model.Project, error) {
	reason := cause.Error()
	var ce *escrowerr.ChainCallError
	if errors.As(cause, &ce) && ce.Reason != "" {
		reason = "ledger rejected release: " + ce.Reason
	}
	return c.projects.UpdateMilestone(ctx, projectID, pos, func(p *model.Project, m *model.Milestone) ([]model.Event, error) {
		if m.Status != model.MilestoneApproved {
			return nil, nil
		}
		m.Status = model.MilestoneSubmitted
		m.RejectionReason = reason
		m.ReleaseTxHash = ""
		return []model.Event{events.Milestone(ctx, mqcontracts.RoutingMilestoneSubmitted, p, m, "", c.now())}, nil
	})
}

func (c *Coordinator) checkCounts(ctx context.Context, log *zap.Logger, p *model.Project, onChain int) error {
	if onChain == p.Binding.Count() && onChain == len(p.Milestones) {
		return nil
	}
	mm := &escrowerr.ReconciliationMismatch{
		ProjectID:     p.ID,
		OffChainCount: len(p.Milestones),
		OnChainCount:  onChain,
		Detail:        "milestone count differs from the escrow contract",
	}
	metrics.IncrementMismatch("count")
	log.Warn("Reconciliation mismatch during release",
		zap.Int("off_chain", len(p.Milestones)),
		zap.Int("on_chain", onChain),
	)
	if err := c.projects.AppendEvents(ctx, events.Mismatch(p, mm, c.now())); err != nil {
		log.Error("Failed to record mismatch event", zap.Error(err))
	}
	return mm
}

func (c *Coordinator) lock(ctx context.Context, address string) (func(), error) {
	key := strings.ToLower(address)
	unlock, err := c.locks.Lock(ctx, key)
	if err != nil {
		return nil, err
	}
	if c.dlock == nil {
		return unlock, nil
	}
	dunlock, err := c.dlock.Acquire(ctx, "release:"+key, c.opts.LockTTL)
	if err != nil {
		unlock()
		return nil, err
	}
	return func() {
		dunlock()
		unlock()
	}, nil
}

func (c *Coordinator) newBackOff(ctx context.Context) backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.opts.InitialBackoff
	b.MaxInterval = c.opts.MaxBackoff
	b.Multiplier = c.opts.Multiplier
	b.RandomizationFactor = c.opts.Jitter
	b.MaxElapsedTime = 0
	return backoff.WithContext(backoff.WithMaxRetries(b, c.opts.MaxRetries), ctx)
}

func checkReleasable(p *model.Project, pos int) error {
	if !p.IsBound() {
		return &escrowerr.NotBoundError{ProjectID: p.ID}
	}
	if pos < 0 || pos >= len(p.Milestones) || pos >= p.Binding.Count() {
		return &escrowerr.IndexOutOfRangeError{Position: pos, OffChainCount: len(p.Milestones), OnChainCount: p.Binding.Count()}
	}
	return nil
}

// isPermanent reports errors that a retry cannot fix.
func isPermanent(err error) bool {
	var ce *escrowerr.ChainCallError
	if errors.As(err, &ce) {
		return !ce.Transient
	}
	switch escrowerr.KindOf(err) {
	case escrowerr.KindMismatch, escrowerr.KindIndexOutOfRange, escrowerr.KindInvalidTransition,
		escrowerr.KindNotBound, escrowerr.KindNotFound:
		return true
	}
	return false
}
