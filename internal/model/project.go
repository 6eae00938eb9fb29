package model

import (
	"math/big"
	"time"

	"milestonepay/internal/allocation"
)

// ProjectStatus 项目状态
type ProjectStatus string

const (
	ProjectPending   ProjectStatus = "pending"
	ProjectVerified  ProjectStatus = "verified"
	ProjectFunded    ProjectStatus = "funded"
	ProjectRejected  ProjectStatus = "rejected"
	ProjectCompleted ProjectStatus = "completed"
	ProjectRefunded  ProjectStatus = "refunded"
)

// MilestoneStatus 里程碑状态
type MilestoneStatus string

const (
	MilestoneDraft     MilestoneStatus = "draft"
	MilestoneSubmitted MilestoneStatus = "submitted"
	MilestoneApproved  MilestoneStatus = "approved"
	MilestoneRejected  MilestoneStatus = "rejected"
	MilestoneReleased  MilestoneStatus = "released"
)

var milestoneTransitions = map[MilestoneStatus][]MilestoneStatus{
	MilestoneDraft:     {MilestoneSubmitted},
	MilestoneSubmitted: {MilestoneApproved, MilestoneRejected},
	MilestoneRejected:  {MilestoneSubmitted},
	// approved -> submitted only happens when the ledger definitively refuses the release
	MilestoneApproved: {MilestoneReleased, MilestoneSubmitted},
}

// CanTransition reports whether a milestone may move from one status to another.
func (s MilestoneStatus) CanTransition(to MilestoneStatus) bool {
	for _, next := range milestoneTransitions[s] {
		if next == to {
			return true
		}
	}
	return false
}

// Project 项目及其有序里程碑
type Project struct {
	ID             string
	Title          string
	Abstract       string
	ProposalRef    string
	ProposalHash   string
	RecipientID    string
	FunderID       string
	ApproverID     string
	Status         ProjectStatus
	Binding        *EscrowBinding
	PendingBinding *BindingIntent
	Milestones     []Milestone
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// IsBound reports whether an escrow contract has been bound to the project.
func (p *Project) IsBound() bool {
	return p.Binding != nil
}

// Percents returns the milestone percentages in position order.
func (p *Project) Percents() []allocation.Percent {
	out := make([]allocation.Percent, len(p.Milestones))
	for i, m := range p.Milestones {
		out[i] = m.Percentage
	}
	return out
}

// AllReleased reports whether every milestone has been released.
func (p *Project) AllReleased() bool {
	if len(p.Milestones) == 0 {
		return false
	}
	for _, m := range p.Milestones {
		if m.Status != MilestoneReleased {
			return false
		}
	}
	return true
}

// Milestone 项目中的一个里程碑，Position 是与链上数组对应的唯一键
type Milestone struct {
	ProjectID       string
	Position        int
	Title           string
	Description     string
	Percentage      allocation.Percent
	Amount          *big.Int
	ProofRef        string
	Status          MilestoneStatus
	Released        bool
	ReleaseTxHash   string
	RejectionReason string
	UpdatedAt       time.Time
}

// EscrowBinding 一次性创建，之后不可变
type EscrowBinding struct {
	Address      string
	Amounts      []*big.Int
	Total        *big.Int
	DeployTxHash string
	BoundAt      time.Time
}

// Count is the frozen milestone count.
func (b *EscrowBinding) Count() int {
	return len(b.Amounts)
}

// BindingIntent is persisted before a deployment is broadcast. Address and
// DeployTxHash are filled in once the deployment has been sent.
type BindingIntent struct {
	FunderID string     `json:"funder_id"`
	Amounts  []*big.Int `json:"amounts"`
	// Percents are the milestone percentages Amounts were allocated from.
	Percents     []allocation.Percent `json:"percents,omitempty"`
	Total        *big.Int             `json:"total"`
	StartedAt    time.Time            `json:"started_at"`
	Address      string               `json:"address,omitempty"`
	DeployTxHash string               `json:"deploy_tx_hash,omitempty"`
}

// Broadcast reports whether the deployment transaction was sent.
func (i *BindingIntent) Broadcast() bool {
	return i.Address != ""
}

// Clone returns a deep copy of p.
func (p *Project) Clone() *Project {
	if p == nil {
		return nil
	}
	cp := *p
	cp.Milestones = make([]Milestone, len(p.Milestones))
	for i, m := range p.Milestones {
		cp.Milestones[i] = m
		cp.Milestones[i].Amount = cloneInt(m.Amount)
	}
	if p.Binding != nil {
		b := *p.Binding
		b.Amounts = cloneInts(p.Binding.Amounts)
		b.Total = cloneInt(p.Binding.Total)
		cp.Binding = &b
	}
	if p.PendingBinding != nil {
		i := *p.PendingBinding
		i.Amounts = cloneInts(p.PendingBinding.Amounts)
		i.Percents = append([]allocation.Percent(nil), p.PendingBinding.Percents...)
		i.Total = cloneInt(p.PendingBinding.Total)
		cp.PendingBinding = &i
	}
	return &cp
}

func cloneInt(v *big.Int) *big.Int {
	if v == nil {
		return nil
	}
	return new(big.Int).Set(v)
}

func cloneInts(vs []*big.Int) []*big.Int {
	if vs == nil {
		return nil
	}
	out := make([]*big.Int, len(vs))
	for i, v := range vs {
		out[i] = cloneInt(v)
	}
	return out
}
