// Package servicetest wires the in-memory store and fake ledger for service
// tests.
package servicetest

import (
	"context"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"milestonepay/internal/allocation"
	"milestonepay/internal/ledger"
	"milestonepay/internal/ledger/ledgertest"
	"milestonepay/internal/model"
	"milestonepay/internal/repository/memory"
	"milestonepay/pkg/rbac"
)

const (
	RecipientWallet = "0x00000000000000000000000000000000000000A1"
	ApproverWallet  = "0x00000000000000000000000000000000000000B2"
)

type Fixture struct {
	Store  *memory.Store
	Ledger *ledgertest.FakeLedger

	Recipient model.Actor
	Funder    model.Actor
	Approver  model.Actor
}

// New creates a recipient and an approver with wallets, and a funder.
func New(t *testing.T) *Fixture {
	t.Helper()
	f := &Fixture{
		Store:     memory.New(),
		Ledger:    ledgertest.New(),
		Recipient: model.Actor{UserID: "recipient-1", Role: rbac.RoleRecipient},
		Funder:    model.Actor{UserID: "funder-1", Role: rbac.RoleFunder},
		Approver:  model.Actor{UserID: "approver-1", Role: rbac.RoleApprover},
	}
	ctx := context.Background()
	require.NoError(t, f.Store.CreateUser(ctx, &model.User{ID: f.Recipient.UserID, Name: "Ada", Role: rbac.RoleRecipient, WalletAddress: RecipientWallet}))
	require.NoError(t, f.Store.CreateUser(ctx, &model.User{ID: f.Funder.UserID, Name: "Fund Co", Role: rbac.RoleFunder}))
	require.NoError(t, f.Store.CreateUser(ctx, &model.User{ID: f.Approver.UserID, Name: "Uni", Role: rbac.RoleApprover, WalletAddress: ApproverWallet}))
	return f
}

// Project stores a project in the given status with draft milestones.
func (f *Fixture) Project(t *testing.T, status model.ProjectStatus, percents ...allocation.Percent) *model.Project {
	t.Helper()
	p := &model.Project{
		ID:          uuid.NewString(),
		Title:       "Soil sensor network",
		RecipientID: f.Recipient.UserID,
		ApproverID:  f.Approver.UserID,
		Status:      status,
	}
	for i, pct := range percents {
		p.Milestones = append(p.Milestones, model.Milestone{
			Title:      "milestone " + string(rune('A'+i)),
			Percentage: pct,
			Status:     model.MilestoneDraft,
		})
	}
	require.NoError(t, f.Store.CreateProject(context.Background(), p))
	return p
}

// Bound stores a funded project whose escrow already exists on the fake
// ledger.
func (f *Fixture) Bound(t *testing.T, total int64, percents ...allocation.Percent) *model.Project {
	t.Helper()
	p := f.Project(t, model.ProjectVerified, percents...)
	amounts, err := allocation.Allocate(percents, big.NewInt(total))
	require.NoError(t, err)

	id := uuid.New()
	address := common.BytesToAddress(id[:]).Hex()
	ms := make([]ledger.OnChainMilestone, len(amounts))
	for i, a := range amounts {
		ms[i] = ledger.OnChainMilestone{Amount: new(big.Int).Set(a)}
	}
	f.Ledger.Seed(address, &ledgertest.Contract{
		Recipient:  RecipientWallet,
		Funder:     f.Ledger.Signer,
		Approver:   ApproverWallet,
		Milestones: ms,
	})

	bound, err := f.Store.UpdateProject(context.Background(), p.ID, func(p *model.Project) ([]model.Event, error) {
		p.Binding = &model.EscrowBinding{
			Address:      address,
			Amounts:      amounts,
			Total:        big.NewInt(total),
			DeployTxHash: "0xdeploy",
		}
		p.FunderID = f.Funder.UserID
		p.Status = model.ProjectFunded
		for i := range p.Milestones {
			p.Milestones[i].Amount = new(big.Int).Set(amounts[i])
		}
		return nil, nil
	})
	require.NoError(t, err)
	return bound
}

// SetStatus forces a milestone into status.
func (f *Fixture) SetStatus(t *testing.T, projectID string, pos int, status model.MilestoneStatus) {
	t.Helper()
	_, err := f.Store.UpdateMilestone(context.Background(), projectID, pos, func(_ *model.Project, m *model.Milestone) ([]model.Event, error) {
		m.Status = status
		if status != model.MilestoneDraft {
			m.ProofRef = "bafyproof"
		}
		return nil, nil
	})
	require.NoError(t, err)
}

// Milestone returns the stored milestone at pos.
func (f *Fixture) Milestone(t *testing.T, projectID string, pos int) model.Milestone {
	t.Helper()
	p, err := f.Store.GetProject(context.Background(), projectID)
	require.NoError(t, err)
	return p.Milestones[pos]
}
