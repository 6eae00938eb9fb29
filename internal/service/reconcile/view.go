// Package reconcile merges the ledger's amounts and released flags with the
// off-chain milestone records for every read.
package reconcile

import (
	"context"
	"errors"
	"strconv"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"milestonepay/internal/escrowerr"
	"milestonepay/internal/ledger"
	"milestonepay/internal/model"
	"milestonepay/internal/repository"
	"milestonepay/pkg/logger"
	"milestonepay/pkg/metrics"
	"milestonepay/pkg/rbac"
)

const defaultDashboardConcurrency = 8

type MilestoneView struct {
	Position        int    `json:"position"`
	Title           string `json:"title"`
	Description     string `json:"description,omitempty"`
	Percentage      string `json:"percentage"`
	Amount          string `json:"amount,omitempty"`
	Released        bool   `json:"released"`
	Status          string `json:"status"`
	ProofRef        string `json:"proof_ref,omitempty"`
	ReleaseTxHash   string `json:"release_tx_hash,omitempty"`
	RejectionReason string `json:"rejection_reason,omitempty"`
	Stale           bool   `json:"stale"`
}

type MismatchView struct {
	OffChainCount int    `json:"off_chain_count"`
	OnChainCount  int    `json:"on_chain_count"`
	Detail        string `json:"detail"`
}

type ProjectView struct {
	ID              string               `json:"id"`
	Title           string               `json:"title"`
	Abstract        string               `json:"abstract,omitempty"`
	ProposalRef     string               `json:"proposal_ref,omitempty"`
	ProposalHash    string               `json:"proposal_hash,omitempty"`
	RecipientID     string               `json:"recipient_id"`
	FunderID        string               `json:"funder_id,omitempty"`
	ApproverID      string               `json:"approver_id"`
	Status          string               `json:"status"`
	ContractAddress string               `json:"contract_address,omitempty"`
	Total           string               `json:"total,omitempty"`
	BindingPending  bool                 `json:"binding_pending"`
	Participants    *ledger.Participants `json:"participants,omitempty"`
	Milestones      []MilestoneView      `json:"milestones"`
	Stale           bool                 `json:"stale"`
	Mismatch        *MismatchView        `json:"mismatch,omitempty"`
	UpdatedAt       time.Time            `json:"updated_at"`
}

// PublicMilestoneView is the read-only milestone shape of the public listing.
type PublicMilestoneView struct {
	Position   int    `json:"position"`
	Title      string `json:"title"`
	Percentage string `json:"percentage"`
	Amount     string `json:"amount,omitempty"`
	Released   bool   `json:"released"`
	Status     string `json:"status"`
	Stale      bool   `json:"stale"`
}

type PublicProjectView struct {
	ID              string                `json:"id"`
	Title           string                `json:"title"`
	Abstract        string                `json:"abstract,omitempty"`
	Status          string                `json:"status"`
	ContractAddress string                `json:"contract_address,omitempty"`
	Total           string                `json:"total,omitempty"`
	Milestones      []PublicMilestoneView `json:"milestones"`
	Stale           bool                  `json:"stale"`
}

func publicView(v *ProjectView) *PublicProjectView {
	pv := &PublicProjectView{
		ID:              v.ID,
		Title:           v.Title,
		Abstract:        v.Abstract,
		Status:          v.Status,
		ContractAddress: v.ContractAddress,
		Total:           v.Total,
		Milestones:      make([]PublicMilestoneView, len(v.Milestones)),
		Stale:           v.Stale,
	}
	for i, m := range v.Milestones {
		pv.Milestones[i] = PublicMilestoneView{
			Position:   m.Position,
			Title:      m.Title,
			Percentage: m.Percentage,
			Amount:     m.Amount,
			Released:   m.Released,
			Status:     m.Status,
			Stale:      m.Stale,
		}
	}
	return pv
}

// ParticipantsReader reads the parties recorded in an escrow contract.
type ParticipantsReader interface {
	Participants(ctx context.Context, address string) (ledger.Participants, error)
}

type Service struct {
	projects    repository.ProjectStore
	reader      ledger.MilestoneReader
	parties     ParticipantsReader
	concurrency int
	logger      *zap.Logger
}

// NewService builds the view. parties may be nil, in which case contract
// participants are not shown.
func NewService(projects repository.ProjectStore, reader ledger.MilestoneReader, parties ParticipantsReader, logger *zap.Logger) *Service {
	return &Service{
		projects:    projects,
		reader:      reader,
		parties:     parties,
		concurrency: defaultDashboardConcurrency,
		logger:      logger,
	}
}

// View loads a project and returns its reconciled view, including the
// contract participants when the project is bound.
func (s *Service) View(ctx context.Context, projectID string) (*ProjectView, error) {
	p, err := s.projects.GetProject(ctx, projectID)
	if err != nil {
		return nil, err
	}
	v := s.ViewProject(ctx, p)
	if p.IsBound() && s.parties != nil && !v.Stale {
		parties, err := s.parties.Participants(ctx, p.Binding.Address)
		if err != nil {
			logger.WithTrace(ctx, s.logger).Warn("Failed to read escrow participants",
				zap.String("project_id", p.ID),
				zap.Error(err),
			)
		} else {
			v.Participants = &parties
		}
	}
	return v, nil
}

// ViewProject merges p with the ledger. It never fails: an unreachable
// ledger or a divergent contract yields off-chain values marked stale.
func (s *Service) ViewProject(ctx context.Context, p *model.Project) *ProjectView {
	v := OffChainView(p)
	if !p.IsBound() {
		return v
	}
	log := logger.WithTrace(ctx, s.logger).With(
		zap.String("project_id", p.ID),
		zap.String("address", p.Binding.Address),
	)

	onChain, err := s.reader.Milestones(ctx, p.Binding.Address)
	if err != nil {
		if escrowerr.IsTerminalChain(err) {
			s.markMismatch(log, v, len(onChain), "ledger read failed: "+err.Error())
			return v
		}
		metrics.IncrementStaleRead()
		log.Warn("Ledger unreachable, serving off-chain values", zap.Error(err))
		markStale(v)
		return v
	}

	if len(onChain) != len(p.Milestones) || len(onChain) != p.Binding.Count() {
		s.markMismatch(log, v, len(onChain), "milestone count differs from the escrow contract")
		return v
	}
	for i, m := range onChain {
		if m.Amount.Cmp(p.Binding.Amounts[i]) != 0 {
			s.markMismatch(log, v, len(onChain), "amount differs at position "+strconv.Itoa(i))
			return v
		}
	}

	for i, m := range onChain {
		v.Milestones[i].Amount = m.Amount.String()
		v.Milestones[i].Released = m.Released
	}
	return v
}

func (s *Service) markMismatch(log *zap.Logger, v *ProjectView, onChain int, detail string) {
	metrics.IncrementMismatch("view")
	log.Warn("Reconciliation mismatch",
		zap.Int("off_chain", len(v.Milestones)),
		zap.Int("on_chain", onChain),
		zap.String("detail", detail),
	)
	v.Mismatch = &MismatchView{OffChainCount: len(v.Milestones), OnChainCount: onChain, Detail: detail}
	markStale(v)
}

// Dashboard lists the projects relevant to actor's role, reconciled.
func (s *Service) Dashboard(ctx context.Context, actor model.Actor) ([]*ProjectView, error) {
	if err := rbac.CheckPermission(actor.UserID, actor.Role, rbac.PermissionReadProject); err != nil {
		return nil, err
	}

	var f repository.ProjectFilter
	switch actor.Role {
	case rbac.RoleRecipient:
		f.RecipientID = actor.UserID
	case rbac.RoleApprover:
		f.ApproverID = actor.UserID
	case rbac.RoleFunder:
		f.FunderID = actor.UserID
		f.Statuses = []model.ProjectStatus{model.ProjectVerified}
	default:
		return nil, errors.New("unsupported role " + actor.Role.String())
	}

	projects, err := s.projects.ListProjects(ctx, f)
	if err != nil {
		return nil, err
	}
	return s.viewAll(ctx, projects)
}

// PublicDashboard lists every project, reconciled, with party identities
// and review details left out. It needs no actor.
func (s *Service) PublicDashboard(ctx context.Context) ([]*PublicProjectView, error) {
	projects, err := s.projects.ListProjects(ctx, repository.ProjectFilter{})
	if err != nil {
		return nil, err
	}
	views, err := s.viewAll(ctx, projects)
	if err != nil {
		return nil, err
	}
	out := make([]*PublicProjectView, len(views))
	for i, v := range views {
		out[i] = publicView(v)
	}
	return out, nil
}

func (s *Service) viewAll(ctx context.Context, projects []*model.Project) ([]*ProjectView, error) {
	views := make([]*ProjectView, len(projects))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.concurrency)
	for i, p := range projects {
		g.Go(func() error {
			views[i] = s.ViewProject(gctx, p)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return views, nil
}

// OffChainView renders p from the record store alone. Mutation responses use
// it; reads go through ViewProject.
func OffChainView(p *model.Project) *ProjectView {
	v := &ProjectView{
		ID:             p.ID,
		Title:          p.Title,
		Abstract:       p.Abstract,
		ProposalRef:    p.ProposalRef,
		ProposalHash:   p.ProposalHash,
		RecipientID:    p.RecipientID,
		FunderID:       p.FunderID,
		ApproverID:     p.ApproverID,
		Status:         string(p.Status),
		BindingPending: p.PendingBinding != nil,
		Milestones:     make([]MilestoneView, len(p.Milestones)),
		UpdatedAt:      p.UpdatedAt,
	}
	if p.Binding != nil {
		v.ContractAddress = p.Binding.Address
		v.Total = p.Binding.Total.String()
	}
	for i, m := range p.Milestones {
		v.Milestones[i] = OffChainMilestone(m)
	}
	return v
}

// OffChainMilestone renders one stored milestone.
func OffChainMilestone(m model.Milestone) MilestoneView {
	mv := MilestoneView{
		Position:        m.Position,
		Title:           m.Title,
		Description:     m.Description,
		Percentage:      m.Percentage.String(),
		Released:        m.Released,
		Status:          string(m.Status),
		ProofRef:        m.ProofRef,
		ReleaseTxHash:   m.ReleaseTxHash,
		RejectionReason: m.RejectionReason,
	}
	if m.Amount != nil {
		mv.Amount = m.Amount.String()
	}
	return mv
}

func markStale(v *ProjectView) {
	v.Stale = true
	for i := range v.Milestones {
		v.Milestones[i].Stale = true
	}
}
