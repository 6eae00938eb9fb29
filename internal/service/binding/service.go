// Package binding deploys the escrow contract for a project and freezes the
// milestone count, order and amounts.
package binding

import (
	"context"
	"errors"
	"math/big"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"

	"milestonepay/internal/allocation"
	"milestonepay/internal/escrowerr"
	"milestonepay/internal/ledger"
	"milestonepay/internal/model"
	"milestonepay/internal/repository"
	"milestonepay/internal/service/events"
	"milestonepay/pkg/logger"
	"milestonepay/pkg/metrics"
	"milestonepay/pkg/rbac"
)

type Service struct {
	projects repository.ProjectStore
	users    repository.UserStore
	ledger   ledger.Ledger
	// fallbackApprover is used when the project's approver has no wallet.
	fallbackApprover string
	logger           *zap.Logger
	now              func() time.Time
}

func NewService(projects repository.ProjectStore, users repository.UserStore, l ledger.Ledger, fallbackApprover string, logger *zap.Logger) *Service {
	return &Service{
		projects:         projects,
		users:            users,
		ledger:           l,
		fallbackApprover: fallbackApprover,
		logger:           logger,
		now:              time.Now,
	}
}

// Bind allocates total across the project's milestones, deploys the escrow
// with those amounts and records the binding.
//
// An intent is written before the deployment is broadcast. It is cleared
// only when the ledger definitively refused the deployment; on any unknown
// outcome it stays, and the sweeper reports it until RecoverBinding or
// AbandonBinding resolves it.
func (s *Service) Bind(ctx context.Context, actor model.Actor, projectID string, total *big.Int) (*model.Project, error) {
	log := logger.WithTrace(ctx, s.logger).With(zap.String("project_id", projectID))

	if err := rbac.CheckPermission(actor.UserID, actor.Role, rbac.PermissionFundProject); err != nil {
		return nil, err
	}
	if total == nil || total.Sign() <= 0 {
		return nil, &escrowerr.ValidationError{Field: "total", Reason: "must be positive"}
	}

	p, err := s.projects.GetProject(ctx, projectID)
	if err != nil {
		return nil, err
	}
	if err := checkBindable(p); err != nil {
		return nil, err
	}
	if _, err := allocateFor(p, total); err != nil {
		return nil, err
	}
	recipient, approver, err := s.resolveParties(ctx, p)
	if err != nil {
		return nil, err
	}

	intent := &model.BindingIntent{
		FunderID:  actor.UserID,
		Total:     new(big.Int).Set(total),
		StartedAt: s.now().UTC(),
	}
	// 在行锁内按当前百分比重新分配，中途对里程碑的修改不会混进冻结金额
	if _, err := s.projects.UpdateProject(ctx, projectID, func(p *model.Project) ([]model.Event, error) {
		if err := checkBindable(p); err != nil {
			return nil, err
		}
		amounts, err := allocateFor(p, total)
		if err != nil {
			return nil, err
		}
		intent.Amounts = amounts
		intent.Percents = p.Percents()
		p.PendingBinding = intent
		return nil, nil
	}); err != nil {
		return nil, err
	}
	amounts := intent.Amounts
	log.Info("Binding intent recorded", zap.String("total", total.String()), zap.Int("milestones", len(amounts)))

	// 广播之后不再跟随请求取消，部署结果只能靠重新查询确定
	ctx = context.WithoutCancel(ctx)

	pending, err := s.ledger.Deploy(ctx, ledger.DeployParams{
		Recipient: recipient,
		Approver:  approver,
		Amounts:   amounts,
		Value:     total,
	})
	if err != nil {
		return nil, s.failDeploy(ctx, log, projectID, intent, "deploy", err)
	}
	log.Info("Escrow deployment broadcast",
		zap.String("address", pending.Address),
		zap.String("tx_hash", pending.TxHash),
	)

	if _, err := s.projects.UpdateProject(ctx, projectID, func(p *model.Project) ([]model.Event, error) {
		if !sameIntent(p.PendingBinding, intent) {
			return nil, &escrowerr.InvalidTransitionError{Entity: "binding", From: "abandoned", To: "broadcast"}
		}
		p.PendingBinding.Address = pending.Address
		p.PendingBinding.DeployTxHash = pending.TxHash
		return nil, nil
	}); err != nil {
		// deployment is out; the operator recovers it with the logged address
		log.Error("Failed to record broadcast deployment",
			zap.String("address", pending.Address),
			zap.String("tx_hash", pending.TxHash),
			zap.Error(err),
		)
		return nil, err
	}

	if err := s.ledger.WaitDeployed(ctx, pending); err != nil {
		return nil, s.failDeploy(ctx, log, projectID, intent, "wait_deployed", err)
	}

	bound, err := s.finalize(ctx, projectID, intent, pending.Address, pending.TxHash)
	if err != nil {
		log.Error("Failed to finalize binding", zap.String("address", pending.Address), zap.Error(err))
		return nil, err
	}
	metrics.IncrementBinding("bound")
	log.Info("Escrow bound",
		zap.String("address", pending.Address),
		zap.String("funder_id", actor.UserID),
	)
	return bound, nil
}

// failDeploy clears the intent only after a definitive refusal.
func (s *Service) failDeploy(ctx context.Context, log *zap.Logger, projectID string, intent *model.BindingIntent, step string, err error) error {
	var ce *escrowerr.ChainCallError
	if !errors.As(err, &ce) {
		err = &escrowerr.ChainCallError{Op: step, Transient: true, Unknown: true, Err: err}
	}
	if escrowerr.IsTerminalChain(err) {
		metrics.IncrementBinding("terminal")
		log.Warn("Escrow deployment refused, clearing intent", zap.String("step", step), zap.Error(err))
		if cerr := s.clearIntent(ctx, projectID, intent); cerr != nil {
			log.Error("Failed to clear binding intent", zap.Error(cerr))
		}
		return err
	}
	metrics.IncrementBinding("unknown")
	log.Warn("Escrow deployment outcome unknown, keeping intent", zap.String("step", step), zap.Error(err))
	return err
}

func (s *Service) clearIntent(ctx context.Context, projectID string, intent *model.BindingIntent) error {
	_, err := s.projects.UpdateProject(ctx, projectID, func(p *model.Project) ([]model.Event, error) {
		if sameIntent(p.PendingBinding, intent) {
			p.PendingBinding = nil
		}
		return nil, nil
	})
	return err
}

// finalize writes the binding, the frozen amounts and the funded status in
// one transaction.
func (s *Service) finalize(ctx context.Context, projectID string, intent *model.BindingIntent, address, txHash string) (*model.Project, error) {
	return s.projects.UpdateProject(ctx, projectID, func(p *model.Project) ([]model.Event, error) {
		if p.Binding != nil {
			return nil, &escrowerr.EscrowAlreadyBoundError{ProjectID: p.ID, Address: p.Binding.Address}
		}
		if !sameIntent(p.PendingBinding, intent) {
			return nil, &escrowerr.InvalidTransitionError{Entity: "binding", From: "abandoned", To: "bound"}
		}
		if len(p.Milestones) != len(intent.Amounts) {
			return nil, &escrowerr.ReconciliationMismatch{
				ProjectID:     p.ID,
				OffChainCount: len(p.Milestones),
				OnChainCount:  len(intent.Amounts),
				Detail:        "milestone count changed during binding",
			}
		}
		if intent.Percents != nil && !samePercents(p.Percents(), intent.Percents) {
			return nil, &escrowerr.ReconciliationMismatch{
				ProjectID:     p.ID,
				OffChainCount: len(p.Milestones),
				OnChainCount:  len(intent.Amounts),
				Detail:        "milestone percentages changed during binding",
			}
		}

		p.Binding = &model.EscrowBinding{
			Address:      address,
			Amounts:      intent.Amounts,
			Total:        intent.Total,
			DeployTxHash: txHash,
			BoundAt:      s.now().UTC(),
		}
		p.PendingBinding = nil
		p.FunderID = intent.FunderID
		p.Status = model.ProjectFunded
		for i := range p.Milestones {
			p.Milestones[i].Amount = new(big.Int).Set(intent.Amounts[i])
		}
		return []model.Event{events.Funded(ctx, p)}, nil
	})
}

// RecoverBinding completes an interrupted binding after checking that the
// contract at address matches the intent.
func (s *Service) RecoverBinding(ctx context.Context, actor model.Actor, projectID, address string) (*model.Project, error) {
	log := logger.WithTrace(ctx, s.logger).With(zap.String("project_id", projectID))

	p, intent, err := s.ownedIntent(ctx, actor, projectID)
	if err != nil {
		return nil, err
	}
	if address == "" {
		address = intent.Address
	}
	if !common.IsHexAddress(address) {
		return nil, &escrowerr.ValidationError{Field: "address", Reason: "not a hex EVM address"}
	}
	address = common.HexToAddress(address).Hex()

	mismatch := func(onChain int, detail string) error {
		mm := &escrowerr.ReconciliationMismatch{
			ProjectID:     p.ID,
			OffChainCount: len(intent.Amounts),
			OnChainCount:  onChain,
			Detail:        detail,
		}
		metrics.IncrementMismatch("binding")
		log.Warn("Escrow recovery rejected", zap.String("address", address), zap.String("detail", detail))
		if err := s.projects.AppendEvents(ctx, events.Mismatch(p, mm, s.now())); err != nil {
			log.Error("Failed to record mismatch event", zap.Error(err))
		}
		return mm
	}

	if intent.Address != "" && !strings.EqualFold(intent.Address, address) {
		return nil, mismatch(0, "address differs from the recorded deployment "+intent.Address)
	}
	ok, err := s.ledger.HasCode(ctx, address)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, mismatch(0, "no contract code at "+address)
	}

	onChain, err := s.ledger.Milestones(ctx, address)
	if err != nil {
		return nil, err
	}
	if len(onChain) != len(intent.Amounts) {
		return nil, mismatch(len(onChain), "milestone count differs")
	}
	for i, m := range onChain {
		if m.Amount.Cmp(intent.Amounts[i]) != 0 {
			return nil, mismatch(len(onChain), "amount differs at position "+strconv.Itoa(i))
		}
	}

	parties, err := s.ledger.Participants(ctx, address)
	if err != nil {
		return nil, err
	}
	recipient, err := s.users.GetUser(ctx, p.RecipientID)
	if err != nil {
		return nil, err
	}
	if !strings.EqualFold(parties.Recipient, recipient.WalletAddress) {
		return nil, mismatch(len(onChain), "contract recipient "+parties.Recipient+" is not the project recipient")
	}

	bound, err := s.finalize(ctx, projectID, intent, address, intent.DeployTxHash)
	if err != nil {
		return nil, err
	}
	metrics.IncrementBinding("recovered")
	log.Info("Escrow binding recovered", zap.String("address", address))
	return bound, nil
}

// AbandonBinding clears an intent whose deployment never reached the ledger.
func (s *Service) AbandonBinding(ctx context.Context, actor model.Actor, projectID string) (*model.Project, error) {
	log := logger.WithTrace(ctx, s.logger).With(zap.String("project_id", projectID))

	_, intent, err := s.ownedIntent(ctx, actor, projectID)
	if err != nil {
		return nil, err
	}

	if intent.Broadcast() {
		if intent.DeployTxHash != "" {
			status, err := s.ledger.TxStatus(ctx, intent.DeployTxHash)
			if err != nil {
				return nil, err
			}
			if status == ledger.TxPending {
				return nil, &escrowerr.InvalidTransitionError{Entity: "binding", From: "deploying", To: "abandoned"}
			}
		}
		ok, err := s.ledger.HasCode(ctx, intent.Address)
		if err != nil {
			return nil, err
		}
		if ok {
			return nil, &escrowerr.InvalidTransitionError{Entity: "binding", From: "deployed", To: "abandoned"}
		}
	}

	p, err := s.projects.UpdateProject(ctx, projectID, func(p *model.Project) ([]model.Event, error) {
		if !sameIntent(p.PendingBinding, intent) {
			return nil, &escrowerr.InvalidTransitionError{Entity: "binding", From: "changed", To: "abandoned"}
		}
		p.PendingBinding = nil
		return nil, nil
	})
	if err != nil {
		return nil, err
	}
	metrics.IncrementBinding("abandoned")
	log.Info("Binding intent abandoned", zap.String("address", intent.Address))
	return p, nil
}

func (s *Service) ownedIntent(ctx context.Context, actor model.Actor, projectID string) (*model.Project, *model.BindingIntent, error) {
	if err := rbac.CheckPermission(actor.UserID, actor.Role, rbac.PermissionRecoverEscrow); err != nil {
		return nil, nil, err
	}
	p, err := s.projects.GetProject(ctx, projectID)
	if err != nil {
		return nil, nil, err
	}
	if p.Binding != nil {
		return nil, nil, &escrowerr.EscrowAlreadyBoundError{ProjectID: p.ID, Address: p.Binding.Address}
	}
	if p.PendingBinding == nil {
		return nil, nil, &escrowerr.InvalidTransitionError{Entity: "binding", From: "none", To: "resolved"}
	}
	if err := rbac.CheckOwnership(actor.UserID, actor.Role, p.PendingBinding.FunderID, rbac.PermissionRecoverEscrow); err != nil {
		return nil, nil, err
	}
	return p, p.PendingBinding, nil
}

func (s *Service) resolveParties(ctx context.Context, p *model.Project) (string, string, error) {
	recipient, err := s.users.GetUser(ctx, p.RecipientID)
	if err != nil {
		return "", "", err
	}
	if recipient.WalletAddress == "" {
		return "", "", &escrowerr.WalletMissingError{UserID: recipient.ID, Party: escrowerr.PartyRecipient}
	}

	approver := s.fallbackApprover
	if p.ApproverID != "" {
		u, err := s.users.GetUser(ctx, p.ApproverID)
		if err != nil {
			return "", "", err
		}
		if u.WalletAddress != "" {
			approver = u.WalletAddress
		}
	}
	if approver == "" {
		return "", "", &escrowerr.WalletMissingError{UserID: p.ApproverID, Party: escrowerr.PartyApprover}
	}
	return recipient.WalletAddress, approver, nil
}

func checkBindable(p *model.Project) error {
	if p.Binding != nil {
		return &escrowerr.EscrowAlreadyBoundError{ProjectID: p.ID, Address: p.Binding.Address}
	}
	if p.PendingBinding != nil {
		return &escrowerr.EscrowAlreadyBoundError{ProjectID: p.ID, Address: p.PendingBinding.Address, Pending: true}
	}
	if p.Status != model.ProjectVerified {
		return &escrowerr.InvalidTransitionError{Entity: "project", From: string(p.Status), To: string(model.ProjectFunded)}
	}
	if len(p.Milestones) == 0 {
		return &escrowerr.ValidationError{Field: "milestones", Reason: "project has no milestones"}
	}
	return nil
}

// allocateFor splits total across p's current percentages, which must
// sum to 100.
func allocateFor(p *model.Project, total *big.Int) ([]*big.Int, error) {
	percents := p.Percents()
	if err := allocation.ValidatePercentSum(percents); err != nil {
		return nil, err
	}
	return allocation.Allocate(percents, total)
}

func samePercents(a, b []allocation.Percent) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// sameIntent matches intents by funder and start time; both are fixed when
// the intent is written.
func sameIntent(cur, want *model.BindingIntent) bool {
	return cur != nil && want != nil &&
		cur.FunderID == want.FunderID &&
		cur.StartedAt.Equal(want.StartedAt)
}
