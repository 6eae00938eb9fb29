// Package events builds the outbox events emitted by the escrow services.
package events

import (
	"context"
	"math/big"
	"strconv"
	"time"

	mqcontracts "milestonepay/contracts/mq"
	"milestonepay/internal/escrowerr"
	"milestonepay/internal/model"
	"milestonepay/pkg/trace"
)

// ProjectStatus 项目状态变化事件
func ProjectStatus(ctx context.Context, routingKey string, p *model.Project, actorID string, at time.Time) model.Event {
	return model.Event{
		AggregateType: mqcontracts.AggregateProject,
		AggregateID:   p.ID,
		RoutingKey:    routingKey,
		Payload: mqcontracts.ProjectStatusPayload{
			ProjectID:  p.ID,
			Status:     string(p.Status),
			ActorID:    actorID,
			OccurredAt: at,
			TraceID:    trace.FromContext(ctx),
		},
	}
}

// Funded is emitted once the escrow binding is finalized.
func Funded(ctx context.Context, p *model.Project) model.Event {
	b := p.Binding
	return model.Event{
		AggregateType: mqcontracts.AggregateProject,
		AggregateID:   p.ID,
		RoutingKey:    mqcontracts.RoutingProjectFunded,
		Payload: mqcontracts.ProjectFundedPayload{
			ProjectID:       p.ID,
			FunderID:        p.FunderID,
			ContractAddress: b.Address,
			DeployTxHash:    b.DeployTxHash,
			Total:           b.Total.String(),
			Amounts:         amountStrings(b.Amounts),
			BoundAt:         b.BoundAt,
			TraceID:         trace.FromContext(ctx),
		},
	}
}

// Milestone 里程碑状态变化事件
func Milestone(ctx context.Context, routingKey string, p *model.Project, m *model.Milestone, actorID string, at time.Time) model.Event {
	payload := mqcontracts.MilestonePayload{
		ProjectID:     p.ID,
		Position:      m.Position,
		Status:        string(m.Status),
		ActorID:       actorID,
		ProofRef:      m.ProofRef,
		Reason:        m.RejectionReason,
		ReleaseTxHash: m.ReleaseTxHash,
		OccurredAt:    at,
		TraceID:       trace.FromContext(ctx),
	}
	if p.Binding != nil {
		payload.ContractAddress = p.Binding.Address
	}
	return model.Event{
		AggregateType: mqcontracts.AggregateMilestone,
		AggregateID:   milestoneID(p.ID, m.Position),
		RoutingKey:    routingKey,
		Payload:       payload,
	}
}

// Mismatch records a detected divergence between the two stores.
func Mismatch(p *model.Project, mm *escrowerr.ReconciliationMismatch, at time.Time) model.Event {
	payload := mqcontracts.MismatchPayload{
		ProjectID:     p.ID,
		OffChainCount: mm.OffChainCount,
		OnChainCount:  mm.OnChainCount,
		Detail:        mm.Detail,
		DetectedAt:    at,
	}
	if p.Binding != nil {
		payload.ContractAddress = p.Binding.Address
	}
	return model.Event{
		AggregateType: mqcontracts.AggregateProject,
		AggregateID:   p.ID,
		RoutingKey:    mqcontracts.RoutingReconciliationMismatch,
		Payload:       payload,
	}
}

// BindingOrphaned marks an intent that outlived the sweep threshold.
func BindingOrphaned(p *model.Project, at time.Time) model.Event {
	i := p.PendingBinding
	return model.Event{
		AggregateType: mqcontracts.AggregateProject,
		AggregateID:   p.ID,
		RoutingKey:    mqcontracts.RoutingBindingOrphaned,
		Payload: mqcontracts.BindingOrphanedPayload{
			ProjectID:       p.ID,
			FunderID:        i.FunderID,
			ContractAddress: i.Address,
			DeployTxHash:    i.DeployTxHash,
			StartedAt:       i.StartedAt,
			DetectedAt:      at,
		},
	}
}

func milestoneID(projectID string, position int) string {
	return projectID + "/" + strconv.Itoa(position)
}

func amountStrings(vs []*big.Int) []string {
	out := make([]string, len(vs))
	for i, v := range vs {
		out[i] = v.String()
	}
	return out
}
