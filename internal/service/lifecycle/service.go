// Package lifecycle implements the role-gated milestone transitions:
// submit, approve, reject and the manual release retry.
package lifecycle

import (
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"go.uber.org/zap"

	mqcontracts "milestonepay/contracts/mq"
	"milestonepay/internal/escrowerr"
	"milestonepay/internal/ledger"
	"milestonepay/internal/model"
	"milestonepay/internal/proofstore"
	"milestonepay/internal/repository"
	"milestonepay/internal/service/events"
	"milestonepay/pkg/config"
	"milestonepay/pkg/logger"
	"milestonepay/pkg/rbac"
)

// Releaser drives an approved milestone to an on-chain release.
type Releaser interface {
	Release(ctx context.Context, projectID string, pos int) (*model.Milestone, error)
}

type Service struct {
	projects repository.ProjectStore
	reader   ledger.MilestoneReader
	proofs   proofstore.Store
	releaser Releaser
	mode     string
	logger   *zap.Logger
	now      func() time.Time
}

// NewService builds the state machine. In config.ReleaseModeSync Approve
// releases inline; otherwise the worker consumes milestone.approved.
func NewService(projects repository.ProjectStore, reader ledger.MilestoneReader, proofs proofstore.Store, releaser Releaser, mode string, logger *zap.Logger) *Service {
	return &Service{
		projects: projects,
		reader:   reader,
		proofs:   proofs,
		releaser: releaser,
		mode:     mode,
		logger:   logger,
		now:      time.Now,
	}
}

// Submit attaches a proof reference and moves the milestone to submitted.
func (s *Service) Submit(ctx context.Context, actor model.Actor, projectID string, pos int, proofRef string) (*model.Project, error) {
	if err := rbac.CheckPermission(actor.UserID, actor.Role, rbac.PermissionSubmitMilestone); err != nil {
		return nil, err
	}
	proofRef = strings.TrimSpace(proofRef)
	if proofRef == "" {
		return nil, &escrowerr.ValidationError{Field: "proof_ref", Reason: "must not be empty"}
	}
	if err := s.checkIndex(ctx, projectID, pos); err != nil {
		return nil, err
	}

	p, err := s.projects.UpdateMilestone(ctx, projectID, pos, func(p *model.Project, m *model.Milestone) ([]model.Event, error) {
		if err := rbac.CheckOwnership(actor.UserID, actor.Role, p.RecipientID, rbac.PermissionSubmitMilestone); err != nil {
			return nil, err
		}
		switch p.Status {
		case model.ProjectRejected, model.ProjectCompleted, model.ProjectRefunded:
			return nil, &escrowerr.InvalidTransitionError{Entity: "project", From: string(p.Status), To: "milestone submission"}
		}
		// approved -> submitted is reserved for ledger rejections
		if m.Status != model.MilestoneDraft && m.Status != model.MilestoneRejected {
			return nil, &escrowerr.InvalidTransitionError{Entity: "milestone", From: string(m.Status), To: string(model.MilestoneSubmitted)}
		}
		m.Status = model.MilestoneSubmitted
		m.ProofRef = proofRef
		m.RejectionReason = ""
		return []model.Event{events.Milestone(ctx, mqcontracts.RoutingMilestoneSubmitted, p, m, actor.UserID, s.now())}, nil
	})
	if err != nil {
		return nil, err
	}
	logger.WithTrace(ctx, s.logger).Info("Milestone submitted",
		zap.String("project_id", projectID),
		zap.Int("position", pos),
		zap.String("proof_ref", proofRef),
	)
	return p, nil
}

// SubmitFile pins the proof document and submits its content id.
func (s *Service) SubmitFile(ctx context.Context, actor model.Actor, projectID string, pos int, name string, r io.Reader) (*model.Project, error) {
	if err := rbac.CheckPermission(actor.UserID, actor.Role, rbac.PermissionSubmitMilestone); err != nil {
		return nil, err
	}
	if err := s.checkIndex(ctx, projectID, pos); err != nil {
		return nil, err
	}
	cid, err := s.proofs.Store(ctx, name, r)
	if err != nil {
		return nil, fmt.Errorf("store proof: %w", err)
	}
	return s.Submit(ctx, actor, projectID, pos, cid)
}

// Approve moves a submitted milestone to approved and, in sync mode,
// releases it. The returned project reflects the state after the release
// attempt even when err is non-nil.
func (s *Service) Approve(ctx context.Context, actor model.Actor, projectID string, pos int) (*model.Project, error) {
	log := logger.WithTrace(ctx, s.logger).With(zap.String("project_id", projectID), zap.Int("position", pos))

	if err := rbac.CheckPermission(actor.UserID, actor.Role, rbac.PermissionReviewMilestone); err != nil {
		return nil, err
	}
	if err := s.checkIndex(ctx, projectID, pos); err != nil {
		return nil, err
	}

	p, err := s.projects.UpdateMilestone(ctx, projectID, pos, func(p *model.Project, m *model.Milestone) ([]model.Event, error) {
		if err := rbac.CheckOwnership(actor.UserID, actor.Role, p.ApproverID, rbac.PermissionReviewMilestone); err != nil {
			return nil, err
		}
		if !p.IsBound() {
			return nil, &escrowerr.NotBoundError{ProjectID: p.ID}
		}
		if !m.Status.CanTransition(model.MilestoneApproved) {
			return nil, &escrowerr.InvalidTransitionError{Entity: "milestone", From: string(m.Status), To: string(model.MilestoneApproved)}
		}
		m.Status = model.MilestoneApproved
		m.RejectionReason = ""
		return []model.Event{events.Milestone(ctx, mqcontracts.RoutingMilestoneApproved, p, m, actor.UserID, s.now())}, nil
	})
	if err != nil {
		return nil, err
	}
	log.Info("Milestone approved", zap.String("mode", s.mode))

	if s.mode != config.ReleaseModeSync {
		return p, nil
	}

	_, relErr := s.releaser.Release(ctx, projectID, pos)
	if relErr != nil {
		log.Warn("Inline release did not complete", zap.Error(relErr))
	}
	latest, err := s.projects.GetProject(ctx, projectID)
	if err != nil {
		latest = p
	}
	return latest, relErr
}

// Reject moves a submitted milestone to rejected. No ledger call is made.
func (s *Service) Reject(ctx context.Context, actor model.Actor, projectID string, pos int, reason string) (*model.Project, error) {
	if err := rbac.CheckPermission(actor.UserID, actor.Role, rbac.PermissionReviewMilestone); err != nil {
		return nil, err
	}
	p, err := s.projects.GetProject(ctx, projectID)
	if err != nil {
		return nil, err
	}
	if pos < 0 || pos >= len(p.Milestones) {
		return nil, outOfRange(p, pos)
	}

	p, err = s.projects.UpdateMilestone(ctx, projectID, pos, func(p *model.Project, m *model.Milestone) ([]model.Event, error) {
		if err := rbac.CheckOwnership(actor.UserID, actor.Role, p.ApproverID, rbac.PermissionReviewMilestone); err != nil {
			return nil, err
		}
		if !m.Status.CanTransition(model.MilestoneRejected) {
			return nil, &escrowerr.InvalidTransitionError{Entity: "milestone", From: string(m.Status), To: string(model.MilestoneRejected)}
		}
		m.Status = model.MilestoneRejected
		m.RejectionReason = strings.TrimSpace(reason)
		return []model.Event{events.Milestone(ctx, mqcontracts.RoutingMilestoneRejected, p, m, actor.UserID, s.now())}, nil
	})
	if err != nil {
		return nil, err
	}
	logger.WithTrace(ctx, s.logger).Info("Milestone rejected",
		zap.String("project_id", projectID),
		zap.Int("position", pos),
	)
	return p, nil
}

// RetryRelease re-drives the release of an approved milestone on behalf of
// the project's approver or funder.
func (s *Service) RetryRelease(ctx context.Context, actor model.Actor, projectID string, pos int) (*model.Milestone, error) {
	if err := rbac.CheckPermission(actor.UserID, actor.Role, rbac.PermissionRetryRelease); err != nil {
		return nil, err
	}
	p, err := s.projects.GetProject(ctx, projectID)
	if err != nil {
		return nil, err
	}
	owner := p.ApproverID
	if actor.Role == rbac.RoleFunder {
		owner = p.FunderID
	}
	if err := rbac.CheckOwnership(actor.UserID, actor.Role, owner, rbac.PermissionRetryRelease); err != nil {
		return nil, err
	}

	logger.WithTrace(ctx, s.logger).Info("Manual release retry",
		zap.String("project_id", projectID),
		zap.Int("position", pos),
		zap.String("actor_id", actor.UserID),
	)
	return s.releaser.Release(ctx, projectID, pos)
}

// checkIndex validates pos against the off-chain count and, once bound,
// against the live on-chain count. An unreachable ledger falls back to the
// frozen amount vector.
func (s *Service) checkIndex(ctx context.Context, projectID string, pos int) error {
	p, err := s.projects.GetProject(ctx, projectID)
	if err != nil {
		return err
	}
	if pos < 0 || pos >= len(p.Milestones) {
		return outOfRange(p, pos)
	}
	if !p.IsBound() {
		return nil
	}

	onChain := p.Binding.Count()
	ms, err := s.reader.Milestones(ctx, p.Binding.Address)
	if err != nil {
		logger.WithTrace(ctx, s.logger).Warn("Ledger read failed, checking index against frozen count",
			zap.String("project_id", projectID),
			zap.Int("frozen_count", onChain),
			zap.Error(err),
		)
	} else {
		onChain = len(ms)
	}

	if onChain != len(p.Milestones) {
		return &escrowerr.ReconciliationMismatch{
			ProjectID:     p.ID,
			OffChainCount: len(p.Milestones),
			OnChainCount:  onChain,
			Detail:        "milestone count differs from the escrow contract",
		}
	}
	if pos >= onChain {
		return &escrowerr.IndexOutOfRangeError{Position: pos, OffChainCount: len(p.Milestones), OnChainCount: onChain}
	}
	return nil
}

func outOfRange(p *model.Project, pos int) error {
	frozen := 0
	if p.Binding != nil {
		frozen = p.Binding.Count()
	}
	return &escrowerr.IndexOutOfRangeError{Position: pos, OffChainCount: len(p.Milestones), OnChainCount: frozen}
}
