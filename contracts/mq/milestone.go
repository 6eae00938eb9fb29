package mq

import "time"

// MilestonePayload 里程碑状态变化；milestone.approved 也是异步放款的触发消息
type MilestonePayload struct {
	ProjectID       string    `json:"project_id"`
	Position        int       `json:"position"`
	Status          string    `json:"status"`
	ActorID         string    `json:"actor_id,omitempty"`
	ProofRef        string    `json:"proof_ref,omitempty"`
	Reason          string    `json:"reason,omitempty"`
	ReleaseTxHash   string    `json:"release_tx_hash,omitempty"`
	ContractAddress string    `json:"contract_address,omitempty"`
	OccurredAt      time.Time `json:"occurred_at"`
	TraceID         string    `json:"trace_id,omitempty"`
}
