// Package project handles proposals, milestone drafting, proposal review and
// payout wallet registration.
package project

import (
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"go.uber.org/zap"

	mqcontracts "milestonepay/contracts/mq"
	"milestonepay/internal/allocation"
	"milestonepay/internal/escrowerr"
	"milestonepay/internal/model"
	"milestonepay/internal/proofstore"
	"milestonepay/internal/repository"
	"milestonepay/internal/service/events"
	"milestonepay/pkg/logger"
	"milestonepay/pkg/rbac"
)

type Service struct {
	projects repository.ProjectStore
	users    repository.UserStore
	proofs   proofstore.Store
	logger   *zap.Logger
	now      func() time.Time
}

func NewService(projects repository.ProjectStore, users repository.UserStore, proofs proofstore.Store, logger *zap.Logger) *Service {
	return &Service{
		projects: projects,
		users:    users,
		proofs:   proofs,
		logger:   logger,
		now:      time.Now,
	}
}

// MilestoneDraft is a milestone as written by the recipient.
type MilestoneDraft struct {
	Title       string
	Description string
	Percentage  allocation.Percent
}

type ProposeRequest struct {
	Title      string
	Abstract   string
	ApproverID string
	Milestones []MilestoneDraft
	// DocumentName and Document are optional; the document is pinned and
	// its content id hashed into ProposalHash.
	DocumentName string
	Document     io.Reader
}

// Propose creates a pending project owned by the calling recipient.
func (s *Service) Propose(ctx context.Context, actor model.Actor, req ProposeRequest) (*model.Project, error) {
	if err := rbac.CheckPermission(actor.UserID, actor.Role, rbac.PermissionProposeProject); err != nil {
		return nil, err
	}
	if strings.TrimSpace(req.Title) == "" {
		return nil, &escrowerr.ValidationError{Field: "title", Reason: "must not be empty"}
	}
	for i, m := range req.Milestones {
		if err := validateDraft(m); err != nil {
			return nil, fmt.Errorf("milestone %d: %w", i, err)
		}
	}

	approver, err := s.users.GetUser(ctx, req.ApproverID)
	if err != nil {
		return nil, err
	}
	if approver.Role != rbac.RoleApprover {
		return nil, &escrowerr.ValidationError{Field: "approver_id", Reason: "user is not an approver"}
	}

	p := &model.Project{
		ID:          uuid.NewString(),
		Title:       req.Title,
		Abstract:    req.Abstract,
		RecipientID: actor.UserID,
		ApproverID:  approver.ID,
		Status:      model.ProjectPending,
	}
	for _, d := range req.Milestones {
		p.Milestones = append(p.Milestones, newMilestone(d))
	}

	if req.Document != nil {
		name := req.DocumentName
		if name == "" {
			name = p.ID
		}
		cid, err := s.proofs.Store(ctx, name, req.Document)
		if err != nil {
			return nil, fmt.Errorf("store proposal document: %w", err)
		}
		p.ProposalRef = cid
		p.ProposalHash = proofstore.ProposalHash(cid)
	}

	ev := events.ProjectStatus(ctx, mqcontracts.RoutingProjectProposed, p, actor.UserID, s.now())
	if err := s.projects.CreateProject(ctx, p, ev); err != nil {
		return nil, err
	}

	logger.WithTrace(ctx, s.logger).Info("Project proposed",
		zap.String("project_id", p.ID),
		zap.String("recipient_id", p.RecipientID),
		zap.Int("milestones", len(p.Milestones)),
	)
	return p, nil
}

// AddMilestone appends a draft milestone. Positions are frozen once a
// binding exists or is in progress.
func (s *Service) AddMilestone(ctx context.Context, actor model.Actor, projectID string, d MilestoneDraft) (*model.Project, error) {
	if err := validateDraft(d); err != nil {
		return nil, err
	}
	return s.projects.UpdateProject(ctx, projectID, func(p *model.Project) ([]model.Event, error) {
		if err := s.checkEditable(actor, p); err != nil {
			return nil, err
		}
		p.Milestones = append(p.Milestones, newMilestone(d))
		return nil, nil
	})
}

// RemoveMilestone deletes a milestone and shifts the ones after it.
func (s *Service) RemoveMilestone(ctx context.Context, actor model.Actor, projectID string, position int) (*model.Project, error) {
	return s.projects.UpdateProject(ctx, projectID, func(p *model.Project) ([]model.Event, error) {
		if err := s.checkEditable(actor, p); err != nil {
			return nil, err
		}
		if position < 0 || position >= len(p.Milestones) {
			return nil, &escrowerr.IndexOutOfRangeError{Position: position, OffChainCount: len(p.Milestones)}
		}
		p.Milestones = append(p.Milestones[:position], p.Milestones[position+1:]...)
		return nil, nil
	})
}

func (s *Service) checkEditable(actor model.Actor, p *model.Project) error {
	if err := rbac.CheckOwnership(actor.UserID, actor.Role, p.RecipientID, rbac.PermissionEditMilestones); err != nil {
		return err
	}
	if p.IsBound() || p.PendingBinding != nil {
		count := len(p.Milestones)
		if p.Binding != nil {
			count = p.Binding.Count()
		}
		return &escrowerr.ReconciliationMismatch{
			ProjectID:     p.ID,
			OffChainCount: len(p.Milestones),
			OnChainCount:  count,
			Detail:        "milestone positions are frozen once the escrow is bound",
		}
	}
	if p.Status != model.ProjectPending && p.Status != model.ProjectVerified {
		return &escrowerr.InvalidTransitionError{Entity: "project", From: string(p.Status), To: "edited"}
	}
	return nil
}

// Verify moves a pending proposal to verified.
func (s *Service) Verify(ctx context.Context, actor model.Actor, projectID string) (*model.Project, error) {
	return s.review(ctx, actor, projectID, model.ProjectVerified, mqcontracts.RoutingProjectVerified)
}

// Reject moves a pending proposal to rejected.
func (s *Service) Reject(ctx context.Context, actor model.Actor, projectID string) (*model.Project, error) {
	return s.review(ctx, actor, projectID, model.ProjectRejected, mqcontracts.RoutingProjectRejected)
}

func (s *Service) review(ctx context.Context, actor model.Actor, projectID string, to model.ProjectStatus, routingKey string) (*model.Project, error) {
	p, err := s.projects.UpdateProject(ctx, projectID, func(p *model.Project) ([]model.Event, error) {
		if err := rbac.CheckOwnership(actor.UserID, actor.Role, p.ApproverID, rbac.PermissionReviewProject); err != nil {
			return nil, err
		}
		if p.Status != model.ProjectPending {
			return nil, &escrowerr.InvalidTransitionError{Entity: "project", From: string(p.Status), To: string(to)}
		}
		p.Status = to
		return []model.Event{events.ProjectStatus(ctx, routingKey, p, actor.UserID, s.now())}, nil
	})
	if err != nil {
		return nil, err
	}
	logger.WithTrace(ctx, s.logger).Info("Project reviewed",
		zap.String("project_id", projectID),
		zap.String("status", string(to)),
		zap.String("approver_id", actor.UserID),
	)
	return p, nil
}

// RegisterWallet stores the caller's payout address in checksummed form.
func (s *Service) RegisterWallet(ctx context.Context, actor model.Actor, address string) (*model.User, error) {
	if err := rbac.CheckPermission(actor.UserID, actor.Role, rbac.PermissionRegisterWallet); err != nil {
		return nil, err
	}
	if !common.IsHexAddress(address) {
		return nil, &escrowerr.ValidationError{Field: "wallet_address", Reason: "not a hex EVM address"}
	}
	addr := common.HexToAddress(address)
	if addr == (common.Address{}) {
		return nil, &escrowerr.ValidationError{Field: "wallet_address", Reason: "zero address"}
	}
	u, err := s.users.SetWallet(ctx, actor.UserID, addr.Hex())
	if err != nil {
		return nil, err
	}
	s.logger.Info("Wallet registered", zap.String("user_id", actor.UserID), zap.String("address", addr.Hex()))
	return u, nil
}

func validateDraft(d MilestoneDraft) error {
	if strings.TrimSpace(d.Title) == "" {
		return &escrowerr.ValidationError{Field: "title", Reason: "milestone title must not be empty"}
	}
	if d.Percentage < 0 || d.Percentage > allocation.Full {
		return &escrowerr.ValidationError{Field: "percentage", Reason: "must be between 0 and 100"}
	}
	return nil
}

func newMilestone(d MilestoneDraft) model.Milestone {
	return model.Milestone{
		Title:       d.Title,
		Description: d.Description,
		Percentage:  d.Percentage,
		Status:      model.MilestoneDraft,
	}
}
