package mq

import "time"

// ProjectStatusPayload is published for every project status change.
type ProjectStatusPayload struct {
	ProjectID  string    `json:"project_id"`
	Status     string    `json:"status"`
	ActorID    string    `json:"actor_id,omitempty"`
	OccurredAt time.Time `json:"occurred_at"`
	TraceID    string    `json:"trace_id,omitempty"`
}

// ProjectFundedPayload 项目完成 escrow 绑定
type ProjectFundedPayload struct {
	ProjectID       string    `json:"project_id"`
	FunderID        string    `json:"funder_id"`
	ContractAddress string    `json:"contract_address"`
	DeployTxHash    string    `json:"deploy_tx_hash"`
	Total           string    `json:"total"`
	Amounts         []string  `json:"amounts"`
	BoundAt         time.Time `json:"bound_at"`
	TraceID         string    `json:"trace_id,omitempty"`
}

// BindingOrphanedPayload marks a deployment intent that never finished.
type BindingOrphanedPayload struct {
	ProjectID       string    `json:"project_id"`
	FunderID        string    `json:"funder_id"`
	ContractAddress string    `json:"contract_address,omitempty"`
	DeployTxHash    string    `json:"deploy_tx_hash,omitempty"`
	StartedAt       time.Time `json:"started_at"`
	DetectedAt      time.Time `json:"detected_at"`
}

// MismatchPayload 链上与链下状态不一致
type MismatchPayload struct {
	ProjectID       string    `json:"project_id"`
	ContractAddress string    `json:"contract_address"`
	OffChainCount   int       `json:"off_chain_count"`
	OnChainCount    int       `json:"on_chain_count"`
	Detail          string    `json:"detail"`
	DetectedAt      time.Time `json:"detected_at"`
}
