package binding

import (
	"context"
	"math/big"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	mqcontracts "milestonepay/contracts/mq"
	"milestonepay/internal/escrowerr"
	"milestonepay/internal/ledger/ledgertest"
	"milestonepay/internal/model"
	"milestonepay/internal/repository"
	"milestonepay/internal/repository/memory"
	"milestonepay/internal/service/servicetest"
	"milestonepay/pkg/rbac"
)

func newService(f *servicetest.Fixture) *Service {
	return NewService(f.Store, f.Store, f.Ledger, "", zap.NewNop())
}

func amounts(vs []*big.Int) []string {
	out := make([]string, len(vs))
	for i, v := range vs {
		out[i] = v.String()
	}
	return out
}

func TestBindDeploysAndFreezesAmounts(t *testing.T) {
	f := servicetest.New(t)
	p := f.Project(t, model.ProjectVerified, 3300, 3300, 3400)
	s := newService(f)

	bound, err := s.Bind(context.Background(), f.Funder, p.ID, big.NewInt(10))
	require.NoError(t, err)

	assert.Equal(t, model.ProjectFunded, bound.Status)
	assert.Equal(t, f.Funder.UserID, bound.FunderID)
	assert.Nil(t, bound.PendingBinding)
	require.NotNil(t, bound.Binding)
	assert.Equal(t, []string{"3", "3", "4"}, amounts(bound.Binding.Amounts))
	assert.Equal(t, "10", bound.Binding.Total.String())
	for i, m := range bound.Milestones {
		assert.Equal(t, bound.Binding.Amounts[i].String(), m.Amount.String())
	}

	contract := f.Ledger.Contract(bound.Binding.Address)
	require.NotNil(t, contract)
	assert.Equal(t, servicetest.RecipientWallet, contract.Recipient)
	assert.Equal(t, servicetest.ApproverWallet, contract.Approver)
	assert.Len(t, f.Store.EventsWithKey(mqcontracts.RoutingProjectFunded), 1)
}

// editingStore rewrites the milestones once, just before the first locked
// write reaches the store.
type editingStore struct {
	*memory.Store
	edit func(p *model.Project)
}

func (s *editingStore) UpdateProject(ctx context.Context, id string, fn repository.ProjectMutator) (*model.Project, error) {
	if edit := s.edit; edit != nil {
		s.edit = nil
		if _, err := s.Store.UpdateProject(ctx, id, func(p *model.Project) ([]model.Event, error) {
			edit(p)
			return nil, nil
		}); err != nil {
			return nil, err
		}
	}
	return s.Store.UpdateProject(ctx, id, fn)
}

func TestBindRejectsMilestoneSwappedBeforeIntent(t *testing.T) {
	f := servicetest.New(t)
	p := f.Project(t, model.ProjectVerified, 5000, 5000)
	store := &editingStore{Store: f.Store, edit: func(p *model.Project) {
		p.Milestones[1] = model.Milestone{Title: "replacement", Percentage: 1000, Status: model.MilestoneDraft}
	}}
	s := NewService(store, f.Store, f.Ledger, "", zap.NewNop())

	_, err := s.Bind(context.Background(), f.Funder, p.ID, big.NewInt(100))
	var ve *escrowerr.ValidationError
	require.ErrorAs(t, err, &ve)
	assert.Zero(t, f.Ledger.DeployCalls())

	got, err := f.Store.GetProject(context.Background(), p.ID)
	require.NoError(t, err)
	assert.Nil(t, got.PendingBinding)
	assert.Nil(t, got.Binding)
}

func TestBindAllocatesFromLockedPercentages(t *testing.T) {
	f := servicetest.New(t)
	p := f.Project(t, model.ProjectVerified, 5000, 5000)
	store := &editingStore{Store: f.Store, edit: func(p *model.Project) {
		p.Milestones[0].Percentage = 2000
		p.Milestones[1].Percentage = 8000
	}}
	s := NewService(store, f.Store, f.Ledger, "", zap.NewNop())

	bound, err := s.Bind(context.Background(), f.Funder, p.ID, big.NewInt(100))
	require.NoError(t, err)
	assert.Equal(t, []string{"20", "80"}, amounts(bound.Binding.Amounts))
	contract := f.Ledger.Contract(bound.Binding.Address)
	require.Len(t, contract.Milestones, 2)
	assert.Equal(t, "20", contract.Milestones[0].Amount.String())
	assert.Equal(t, "80", contract.Milestones[1].Amount.String())
}

func TestRecoverRefusesWhenPercentagesMoved(t *testing.T) {
	f := servicetest.New(t)
	p := f.Project(t, model.ProjectVerified, 5000, 5000)
	f.Ledger.Set(func(l *ledgertest.FakeLedger) {
		l.DeployWaitErr = &escrowerr.ChainCallError{Op: "waitDeployed", Transient: true, Unknown: true}
	})
	s := newService(f)
	ctx := context.Background()

	_, err := s.Bind(ctx, f.Funder, p.ID, big.NewInt(100))
	require.Error(t, err)

	_, err = f.Store.UpdateProject(ctx, p.ID, func(p *model.Project) ([]model.Event, error) {
		p.Milestones[0].Percentage = 3000
		p.Milestones[1].Percentage = 7000
		return nil, nil
	})
	require.NoError(t, err)

	_, err = s.RecoverBinding(ctx, f.Funder, p.ID, "")
	var mm *escrowerr.ReconciliationMismatch
	require.ErrorAs(t, err, &mm)
	assert.Contains(t, mm.Detail, "percentages")

	got, err := f.Store.GetProject(ctx, p.ID)
	require.NoError(t, err)
	assert.Nil(t, got.Binding)
	assert.NotNil(t, got.PendingBinding)
}

func TestSecondBindLeavesBindingUnchanged(t *testing.T) {
	f := servicetest.New(t)
	p := f.Project(t, model.ProjectVerified, 5000, 5000)
	s := newService(f)

	first, err := s.Bind(context.Background(), f.Funder, p.ID, big.NewInt(100))
	require.NoError(t, err)

	_, err = s.Bind(context.Background(), f.Funder, p.ID, big.NewInt(999))
	var already *escrowerr.EscrowAlreadyBoundError
	require.ErrorAs(t, err, &already)
	assert.Equal(t, first.Binding.Address, already.Address)

	got, err := f.Store.GetProject(context.Background(), p.ID)
	require.NoError(t, err)
	assert.Equal(t, first.Binding.Address, got.Binding.Address)
	assert.Equal(t, "100", got.Binding.Total.String())
	assert.Equal(t, 1, f.Ledger.DeployCalls())
}

func TestBindRejectsPendingIntent(t *testing.T) {
	f := servicetest.New(t)
	p := f.Project(t, model.ProjectVerified, 5000, 5000)
	f.Ledger.Set(func(l *ledgertest.FakeLedger) {
		l.DeployErr = &escrowerr.ChainCallError{Op: "deploy", Transient: true, Unknown: true, Reason: "timed out"}
	})
	s := newService(f)

	_, err := s.Bind(context.Background(), f.Funder, p.ID, big.NewInt(100))
	require.Error(t, err)

	_, err = s.Bind(context.Background(), f.Funder, p.ID, big.NewInt(100))
	var already *escrowerr.EscrowAlreadyBoundError
	require.ErrorAs(t, err, &already)
	assert.True(t, already.Pending)
}

func TestBindValidation(t *testing.T) {
	f := servicetest.New(t)
	s := newService(f)
	ctx := context.Background()

	short := f.Project(t, model.ProjectVerified, 3000, 3000)
	_, err := s.Bind(ctx, f.Funder, short.ID, big.NewInt(100))
	var ve *escrowerr.ValidationError
	require.ErrorAs(t, err, &ve)

	ok := f.Project(t, model.ProjectVerified, 5000, 5000)
	_, err = s.Bind(ctx, f.Funder, ok.ID, big.NewInt(0))
	require.ErrorAs(t, err, &ve)

	pending := f.Project(t, model.ProjectPending, 5000, 5000)
	_, err = s.Bind(ctx, f.Funder, pending.ID, big.NewInt(100))
	var it *escrowerr.InvalidTransitionError
	require.ErrorAs(t, err, &it)

	_, err = s.Bind(ctx, f.Recipient, ok.ID, big.NewInt(100))
	var denied *rbac.PermissionDeniedError
	require.ErrorAs(t, err, &denied)

	assert.Zero(t, f.Ledger.DeployCalls())
}

func TestBindRequiresWallets(t *testing.T) {
	f := servicetest.New(t)
	ctx := context.Background()
	p := f.Project(t, model.ProjectVerified, 10000)

	require.NoError(t, f.Store.CreateUser(ctx, &model.User{ID: f.Approver.UserID, Role: rbac.RoleApprover}))
	_, err := newService(f).Bind(ctx, f.Funder, p.ID, big.NewInt(100))
	var wm *escrowerr.WalletMissingError
	require.ErrorAs(t, err, &wm)
	assert.Equal(t, escrowerr.PartyApprover, wm.Party)

	// configured approver address fills in
	s := NewService(f.Store, f.Store, f.Ledger, servicetest.ApproverWallet, zap.NewNop())
	_, err = s.Bind(ctx, f.Funder, p.ID, big.NewInt(100))
	require.NoError(t, err)

	q := f.Project(t, model.ProjectVerified, 10000)
	require.NoError(t, f.Store.CreateUser(ctx, &model.User{ID: f.Recipient.UserID, Role: rbac.RoleRecipient}))
	_, err = s.Bind(ctx, f.Funder, q.ID, big.NewInt(100))
	require.ErrorAs(t, err, &wm)
	assert.Equal(t, escrowerr.PartyRecipient, wm.Party)
}

func TestPersistenceFailureAbortsBeforeLedger(t *testing.T) {
	f := servicetest.New(t)
	p := f.Project(t, model.ProjectVerified, 10000)
	f.Store.FailWrites = assert.AnError

	_, err := newService(f).Bind(context.Background(), f.Funder, p.ID, big.NewInt(100))
	var pe *escrowerr.PersistenceError
	require.ErrorAs(t, err, &pe)
	assert.Zero(t, f.Ledger.DeployCalls())
}

func TestTerminalDeployFailureClearsIntent(t *testing.T) {
	f := servicetest.New(t)
	p := f.Project(t, model.ProjectVerified, 10000)
	f.Ledger.Set(func(l *ledgertest.FakeLedger) { l.RevertDeploy = true })

	_, err := newService(f).Bind(context.Background(), f.Funder, p.ID, big.NewInt(100))
	require.True(t, escrowerr.IsTerminalChain(err))

	got, err := f.Store.GetProject(context.Background(), p.ID)
	require.NoError(t, err)
	assert.Nil(t, got.PendingBinding)
	assert.Nil(t, got.Binding)
	assert.Equal(t, model.ProjectVerified, got.Status)
}

func TestTransientDeployKeepsIntentAndRecoverCompletes(t *testing.T) {
	f := servicetest.New(t)
	p := f.Project(t, model.ProjectVerified, 3000, 3000, 4000)
	f.Ledger.Set(func(l *ledgertest.FakeLedger) {
		l.DeployWaitErr = &escrowerr.ChainCallError{Op: "waitDeployed", Transient: true, Unknown: true, Reason: "timed out"}
	})
	s := newService(f)
	ctx := context.Background()

	_, err := s.Bind(ctx, f.Funder, p.ID, big.NewInt(1000))
	require.True(t, escrowerr.IsTransientChain(err))

	got, err := f.Store.GetProject(ctx, p.ID)
	require.NoError(t, err)
	require.NotNil(t, got.PendingBinding)
	assert.True(t, got.PendingBinding.Broadcast())
	assert.Nil(t, got.Binding)

	// only the funder who started it can resolve it
	other := model.Actor{UserID: "funder-2", Role: rbac.RoleFunder}
	_, err = s.RecoverBinding(ctx, other, p.ID, "")
	var denied *rbac.PermissionDeniedError
	require.ErrorAs(t, err, &denied)

	bound, err := s.RecoverBinding(ctx, f.Funder, p.ID, "")
	require.NoError(t, err)
	assert.Equal(t, model.ProjectFunded, bound.Status)
	assert.Equal(t, got.PendingBinding.Address, bound.Binding.Address)
	assert.Equal(t, []string{"300", "300", "400"}, amounts(bound.Binding.Amounts))
	assert.Equal(t, 1, f.Ledger.DeployCalls())
}

func TestRecoverRejectsMismatchedContract(t *testing.T) {
	f := servicetest.New(t)
	p := f.Project(t, model.ProjectVerified, 5000, 5000)
	f.Ledger.Set(func(l *ledgertest.FakeLedger) {
		l.DeployErr = &escrowerr.ChainCallError{Op: "deploy", Transient: true, Unknown: true}
	})
	s := newService(f)
	ctx := context.Background()

	_, err := s.Bind(ctx, f.Funder, p.ID, big.NewInt(100))
	require.Error(t, err)

	other := servicetest.New(t).Bound(t, 100, 3000, 7000)
	f.Ledger.Seed(other.Binding.Address, &ledgertest.Contract{Recipient: servicetest.RecipientWallet})
	_, err = s.RecoverBinding(ctx, f.Funder, p.ID, other.Binding.Address)
	var mm *escrowerr.ReconciliationMismatch
	require.ErrorAs(t, err, &mm)

	_, err = s.RecoverBinding(ctx, f.Funder, p.ID, "0x0000000000000000000000000000000000000bad")
	require.ErrorAs(t, err, &mm)

	got, err := f.Store.GetProject(ctx, p.ID)
	require.NoError(t, err)
	assert.Nil(t, got.Binding)
	assert.NotNil(t, got.PendingBinding)
	assert.Len(t, f.Store.EventsWithKey(mqcontracts.RoutingReconciliationMismatch), 2)
}

func TestAbandonBinding(t *testing.T) {
	f := servicetest.New(t)
	p := f.Project(t, model.ProjectVerified, 10000)
	f.Ledger.Set(func(l *ledgertest.FakeLedger) {
		l.DeployErr = &escrowerr.ChainCallError{Op: "deploy", Transient: true, Unknown: true}
	})
	s := newService(f)
	ctx := context.Background()

	_, err := s.Bind(ctx, f.Funder, p.ID, big.NewInt(100))
	require.Error(t, err)

	got, err := s.AbandonBinding(ctx, f.Funder, p.ID)
	require.NoError(t, err)
	assert.Nil(t, got.PendingBinding)

	// a fresh bind can now go through
	f.Ledger.Set(func(l *ledgertest.FakeLedger) { l.DeployErr = nil })
	_, err = s.Bind(ctx, f.Funder, p.ID, big.NewInt(100))
	require.NoError(t, err)
}

func TestAbandonRefusedWhenContractExists(t *testing.T) {
	f := servicetest.New(t)
	p := f.Project(t, model.ProjectVerified, 10000)
	f.Ledger.Set(func(l *ledgertest.FakeLedger) {
		l.DeployWaitErr = &escrowerr.ChainCallError{Op: "waitDeployed", Transient: true, Unknown: true}
	})
	s := newService(f)
	ctx := context.Background()

	_, err := s.Bind(ctx, f.Funder, p.ID, big.NewInt(100))
	require.Error(t, err)

	_, err = s.AbandonBinding(ctx, f.Funder, p.ID)
	var it *escrowerr.InvalidTransitionError
	require.ErrorAs(t, err, &it)
}
