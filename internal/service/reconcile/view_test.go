package reconcile

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"milestonepay/internal/escrowerr"
	"milestonepay/internal/ledger/ledgertest"
	"milestonepay/internal/model"
	"milestonepay/internal/service/servicetest"
	"milestonepay/pkg/circuitbreaker"
)

func newService(f *servicetest.Fixture) *Service {
	return NewService(f.Store, f.Ledger, f.Ledger, zap.NewNop())
}

func TestViewUnboundProjectIsNotStale(t *testing.T) {
	f := servicetest.New(t)
	p := f.Project(t, model.ProjectPending, 2550, 7450)

	v, err := newService(f).View(context.Background(), p.ID)
	require.NoError(t, err)
	assert.False(t, v.Stale)
	assert.Nil(t, v.Mismatch)
	require.Len(t, v.Milestones, 2)
	assert.Equal(t, "25.5", v.Milestones[0].Percentage)
	assert.Empty(t, v.Milestones[0].Amount)
	assert.Zero(t, f.Ledger.ReadCalls())
}

func TestViewTakesAmountsAndReleasedFromLedger(t *testing.T) {
	f := servicetest.New(t)
	p := f.Bound(t, 100, 3000, 3000, 4000)
	f.SetStatus(t, p.ID, 1, model.MilestoneApproved)

	contract := f.Ledger.Contract(p.Binding.Address)
	contract.Milestones[1].Released = true
	f.Ledger.Seed(p.Binding.Address, contract)

	v, err := newService(f).View(context.Background(), p.ID)
	require.NoError(t, err)
	assert.False(t, v.Stale)
	assert.Equal(t, p.Binding.Address, v.ContractAddress)
	require.NotNil(t, v.Participants)
	assert.Equal(t, servicetest.RecipientWallet, v.Participants.Recipient)

	assert.Equal(t, []string{"30", "30", "40"}, []string{v.Milestones[0].Amount, v.Milestones[1].Amount, v.Milestones[2].Amount})
	assert.False(t, v.Milestones[0].Released)
	assert.True(t, v.Milestones[1].Released)
	// narrative fields stay off-chain
	assert.Equal(t, "approved", v.Milestones[1].Status)
	assert.Equal(t, "bafyproof", v.Milestones[1].ProofRef)
}

func TestApprovedButUnreleasedStaysUnreleased(t *testing.T) {
	f := servicetest.New(t)
	p := f.Bound(t, 100, 5000, 5000)
	f.SetStatus(t, p.ID, 0, model.MilestoneApproved)

	v, err := newService(f).View(context.Background(), p.ID)
	require.NoError(t, err)
	assert.False(t, v.Stale)
	assert.Nil(t, v.Mismatch)
	assert.Equal(t, "approved", v.Milestones[0].Status)
	assert.False(t, v.Milestones[0].Released)
	assert.False(t, v.Milestones[0].Stale)
	assert.Equal(t, "50", v.Milestones[0].Amount)
}

func TestUnreachableLedgerServesStaleView(t *testing.T) {
	f := servicetest.New(t)
	p := f.Bound(t, 100, 5000, 5000)
	f.Ledger.Set(func(l *ledgertest.FakeLedger) {
		l.ReadErr = &escrowerr.ChainCallError{Op: "getMilestones", Transient: true, Err: circuitbreaker.ErrCircuitBreakerOpen}
	})

	v, err := newService(f).View(context.Background(), p.ID)
	require.NoError(t, err)
	assert.True(t, v.Stale)
	assert.Nil(t, v.Mismatch)
	assert.Nil(t, v.Participants)
	for _, m := range v.Milestones {
		assert.True(t, m.Stale)
		assert.Equal(t, "50", m.Amount)
		// never fabricated
		assert.False(t, m.Released)
	}
}

func TestDivergentCountIsReportedNotHealed(t *testing.T) {
	f := servicetest.New(t)
	p := f.Bound(t, 100, 3000, 3000, 4000)
	contract := f.Ledger.Contract(p.Binding.Address)
	contract.Milestones = append(contract.Milestones, contract.Milestones[0])
	f.Ledger.Seed(p.Binding.Address, contract)

	v := newService(f).ViewProject(context.Background(), p)
	require.NotNil(t, v.Mismatch)
	assert.Equal(t, 3, v.Mismatch.OffChainCount)
	assert.Equal(t, 4, v.Mismatch.OnChainCount)
	assert.True(t, v.Stale)
	assert.Len(t, v.Milestones, 3)
}

func TestReorderedAmountsAreAMismatch(t *testing.T) {
	f := servicetest.New(t)
	p := f.Bound(t, 100, 3000, 7000)
	contract := f.Ledger.Contract(p.Binding.Address)
	contract.Milestones[0], contract.Milestones[1] = contract.Milestones[1], contract.Milestones[0]
	contract.Milestones[0].Released = true
	f.Ledger.Seed(p.Binding.Address, contract)

	v := newService(f).ViewProject(context.Background(), p)
	require.NotNil(t, v.Mismatch)
	assert.Contains(t, v.Mismatch.Detail, "position 0")
	assert.Equal(t, "30", v.Milestones[0].Amount)
	assert.False(t, v.Milestones[0].Released)
}

func TestDashboardByRole(t *testing.T) {
	f := servicetest.New(t)
	mine := f.Bound(t, 100, 10000)
	open := f.Project(t, model.ProjectVerified, 10000)
	f.Project(t, model.ProjectPending, 10000)
	s := newService(f)
	ctx := context.Background()

	views, err := s.Dashboard(ctx, f.Recipient)
	require.NoError(t, err)
	assert.Len(t, views, 3)

	views, err = s.Dashboard(ctx, f.Approver)
	require.NoError(t, err)
	assert.Len(t, views, 3)

	views, err = s.Dashboard(ctx, f.Funder)
	require.NoError(t, err)
	ids := map[string]bool{}
	for _, v := range views {
		ids[v.ID] = true
	}
	assert.Equal(t, map[string]bool{mine.ID: true, open.ID: true}, ids)
}

func TestPublicDashboardListsEveryProject(t *testing.T) {
	f := servicetest.New(t)
	bound := f.Bound(t, 100, 3000, 7000)
	f.Project(t, model.ProjectVerified, 10000)
	f.Project(t, model.ProjectPending, 10000)

	contract := f.Ledger.Contract(bound.Binding.Address)
	contract.Milestones[0].Released = true
	f.Ledger.Seed(bound.Binding.Address, contract)

	views, err := newService(f).PublicDashboard(context.Background())
	require.NoError(t, err)
	require.Len(t, views, 3)

	var got *PublicProjectView
	for _, v := range views {
		if v.ID == bound.ID {
			got = v
		}
	}
	require.NotNil(t, got)
	assert.Equal(t, bound.Binding.Address, got.ContractAddress)
	assert.False(t, got.Stale)
	assert.Equal(t, "30", got.Milestones[0].Amount)
	assert.True(t, got.Milestones[0].Released)
	assert.False(t, got.Milestones[1].Released)
}
